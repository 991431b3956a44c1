package transactions

import (
	"encoding/base32"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewInvoice generates a merchant-side invoice number in the format
// INV-YYYYMMDD-XXXXXX where the suffix is 6 uppercase base32 characters
// drawn from a fresh UUID. The format is stable; callbacks correlate on it.
func NewInvoice(now time.Time) string {
	id := uuid.New()
	tag := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(id[:])

	return fmt.Sprintf("INV-%s-%s", now.Format("20060102"), strings.ToUpper(tag[:6]))
}
