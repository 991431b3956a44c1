package gateway

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/Rmdmostakim/bdpayment/internal/domain/transactions"
)

// Gateway aliases the transaction-level identifier so callers only import
// one package for driver wiring.
type Gateway = transactions.Gateway

const (
	Bkash      = transactions.GatewayBkash
	Nagad      = transactions.GatewayNagad
	Sslcommerz = transactions.GatewaySslcommerz
)

// CreateRequest is the gateway-independent creation intent. Amount is the
// only universally required field; the rest is optional and
// gateway-dependent.
type CreateRequest struct {
	Amount      decimal.Decimal
	Invoice     string // generated when empty
	UserID      *int64
	PayableType *string
	PayableID   *int64
	Note        *string
	Customer    CustomerInfo // consumed by SSLCommerz, ignored elsewhere
}

type CustomerInfo struct {
	Name       string
	Email      string
	Phone      string
	Address    string
	City       string
	State      string
	Country    string
	PostalCode string
}

// CreateResult is the normalized outcome of a creation/initialization
// exchange. GatewayRef is empty for gateways that only assign their
// reference at callback time.
type CreateResult struct {
	Invoice     string         `json:"invoice"`
	GatewayRef  string         `json:"gateway_ref"`
	RedirectURL string         `json:"redirect_url"`
	Raw         map[string]any `json:"raw,omitempty"`
}

type ExecuteResult struct {
	Status     string         `json:"status"`
	GatewayRef string         `json:"gateway_ref"`
	Raw        map[string]any `json:"raw,omitempty"`
}

// VerifyResult is side-effect free: drivers report whether the gateway
// recognized the reference plus the raw payload, and the reconciler owns
// the table-driven success interpretation.
type VerifyResult struct {
	Matched bool
	Raw     map[string]any
}

// Driver is the capability contract every gateway adapter implements.
type Driver interface {
	// CreatePayment validates the request, persists an initiated
	// transaction, performs the gateway exchange and records the issued
	// reference. The store write always precedes the gateway call.
	CreatePayment(ctx context.Context, req CreateRequest) (*CreateResult, error)

	// ExecutePayment runs the gateway's second phase where one exists;
	// drivers without a second phase return a pass-through result.
	ExecutePayment(ctx context.Context, gatewayRef string) (*ExecuteResult, error)

	// VerifyPayment queries the gateway's status endpoint. It never
	// mutates the transaction store, so it is safe to retry.
	VerifyPayment(ctx context.Context, ref string) (*VerifyResult, error)

	// CancelPayment is a local no-op that always succeeds: none of the
	// supported providers expose a cancel API. Known limitation carried
	// from the original integration; revisit per provider capability.
	CancelPayment(ctx context.Context, gatewayRef string) error
}
