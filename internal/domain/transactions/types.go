package transactions

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Gateway identifies which payment provider owns a transaction.
type Gateway string

const (
	GatewayBkash      Gateway = "bkash"
	GatewayNagad      Gateway = "nagad"
	GatewaySslcommerz Gateway = "sslcommerz"
)

func (g Gateway) Valid() bool {
	switch g {
	case GatewayBkash, GatewayNagad, GatewaySslcommerz:
		return true
	}
	return false
}

// Status is the lifecycle state of a transaction. Transitions only move
// forward: initiated -> pending -> {completed, failed, cancelled}. A
// transaction that the gateway rejects before acceptance may go terminal
// straight from initiated.
type Status string

const (
	StatusInitiated Status = "initiated"
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal forward
// edge in the lifecycle graph.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case StatusInitiated:
		return next == StatusPending || next.Terminal()
	case StatusPending:
		return next.Terminal()
	}
	return false
}

const DefaultCurrency = "BDT"

type Transaction struct {
	ID            int64           `json:"id"`
	Invoice       string          `json:"invoice"`
	Gateway       Gateway         `json:"gateway"`
	TransactionID *string         `json:"transaction_id"` // gateway-assigned, nil until accepted
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Status        Status          `json:"status"`
	UserID        *int64          `json:"user_id,omitempty"`
	PayableType   *string         `json:"payable_type,omitempty"`
	PayableID     *int64          `json:"payable_id,omitempty"`
	Note          *string         `json:"note,omitempty"`

	// Gateway-dependent settlement metadata, filled on completion.
	SenderName        *string `json:"sender_name,omitempty"`
	SenderPhone       *string `json:"sender_phone,omitempty"`
	ReceiverAccount   *string `json:"receiver_account,omitempty"`
	BankTransactionID *string `json:"bank_transaction_id,omitempty"`
	CardType          *string `json:"card_type,omitempty"`
	CardNo            *string `json:"card_no,omitempty"`

	PaidAt    *time.Time `json:"paid_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Completion carries the gateway-reported settlement fields that are
// attached to a transaction when it reaches a terminal status.
type Completion struct {
	GatewayRef        *string
	SenderPhone       *string
	BankTransactionID *string
	CardType          *string
	CardNo            *string
}

// Filter narrows and orders List results. Zero values mean "no filter".
// Amount and date ranges are inclusive.
type Filter struct {
	Status    string
	Gateway   string
	UserID    *int64
	MinAmount *decimal.Decimal
	MaxAmount *decimal.Decimal
	From      *time.Time
	To        *time.Time
	SortBy    string // whitelisted column, default created_at
	SortDesc  bool
	Limit     int
	Offset    int
}

type Store interface {
	// Create persists a new transaction in status initiated, generating an
	// invoice when one is not supplied. A duplicate invoice surfaces
	// ErrDuplicateInvoice, never a silent overwrite.
	Create(ctx context.Context, t *Transaction) error

	GetByInvoice(ctx context.Context, invoice string) (*Transaction, error)
	GetByGatewayRef(ctx context.Context, ref string) (*Transaction, error)

	// AttachGatewayRef records the gateway-issued reference on an initiated
	// transaction and moves it to pending. An empty ref leaves the
	// transaction_id NULL (SSLCommerz assigns its reference at callback).
	AttachGatewayRef(ctx context.Context, invoice, ref string) error

	// Finalize applies a terminal status with a single conditional update
	// guarded on "not already terminal". Returns false when the guard
	// rejected the write, i.e. another caller already finalized it.
	Finalize(ctx context.Context, id int64, status Status, paidAt *time.Time, meta *Completion) (bool, error)

	SoftDelete(ctx context.Context, id int64) error
	List(ctx context.Context, f Filter) ([]*Transaction, int, error)
}
