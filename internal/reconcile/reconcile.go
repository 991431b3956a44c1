// Package reconcile turns one external verification event into at most
// one terminal status transition. It is the only writer of terminal
// states: drivers verify, the reconciler decides and persists.
package reconcile

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Rmdmostakim/bdpayment/internal/domain/transactions"
	"github.com/Rmdmostakim/bdpayment/internal/gateway"
)

// Outcome is the deterministic answer every caller gets, webhook and
// redirect alike. The gateway is always answered, even for doomed
// callbacks, so it stops retrying.
type Outcome struct {
	Status  string `json:"status"` // success | failed
	Invoice string `json:"invoice"`
	Message string `json:"message"`
}

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// marker describes where a gateway reports final payment state and which
// values mean "paid". Comparison is case-insensitive.
type marker struct {
	field    string
	accepted []string
}

// successMarkers is the full gateway-to-success mapping. Each gateway
// uses a different field and vocabulary; keeping the table here is what
// keeps the interpretation out of the drivers and call sites.
var successMarkers = map[gateway.Gateway]marker{
	gateway.Bkash:      {field: "verificationStatus", accepted: []string{"complete", "completed"}},
	gateway.Nagad:      {field: "status", accepted: []string{"success"}},
	gateway.Sslcommerz: {field: "status", accepted: []string{"valid", "validated"}},
}

type Reconciler struct {
	store   transactions.Store
	manager *gateway.Manager
	logger  *zap.SugaredLogger
	now     func() time.Time
}

func New(store transactions.Store, manager *gateway.Manager, logger *zap.SugaredLogger) *Reconciler {
	return &Reconciler{
		store:   store,
		manager: manager,
		logger:  logger,
		now:     time.Now,
	}
}

// Reconcile resolves the transaction (gateway reference first, invoice as
// fallback), verifies against the gateway, and applies the terminal
// transition through the store's conditional update. Calling it again for
// an already-terminal transaction is a safe no-op.
func (r *Reconciler) Reconcile(ctx context.Context, gw gateway.Gateway, gatewayRef, invoice string) (Outcome, error) {
	driver, err := r.manager.Driver(gw)
	if err != nil {
		return Outcome{Status: StatusFailed, Invoice: invoice, Message: "unsupported gateway"}, err
	}

	tx, err := r.resolve(ctx, gatewayRef, invoice)
	if err != nil {
		return Outcome{Status: StatusFailed, Invoice: invoice, Message: "payment lookup failed"}, err
	}
	if tx == nil {
		notFound := &gateway.NotFoundError{Gateway: gw, Ref: firstNonEmpty(gatewayRef, invoice)}
		r.logger.Warnw("reconcile target not found", "gateway", gw, "ref", gatewayRef, "invoice", invoice, "error", notFound)
		return Outcome{Status: StatusFailed, Invoice: invoice, Message: "Payment not found."}, nil
	}

	if tx.Status.Terminal() {
		r.logger.Infow("duplicate confirmation for terminal transaction", "invoice", tx.Invoice, "status", tx.Status)
		return outcomeFor(tx), nil
	}

	ref := gatewayRef
	if ref == "" && tx.TransactionID != nil {
		ref = *tx.TransactionID
	}
	if ref == "" {
		return Outcome{Status: StatusFailed, Invoice: tx.Invoice, Message: "Missing gateway reference."}, nil
	}

	res, err := driver.VerifyPayment(ctx, ref)
	if err != nil {
		// Verification did not answer; the transaction stays in its last
		// known state rather than being advanced to failed on a guess.
		r.logger.Errorw("verification failed", "gateway", gw, "ref", ref, "invoice", tx.Invoice, "error", err)
		return Outcome{Status: StatusFailed, Invoice: tx.Invoice, Message: "Payment could not be verified."}, nil
	}

	paid := res.Matched && markerAccepts(gw, res.Raw)

	status := transactions.StatusFailed
	var paidAt *time.Time
	if paid {
		status = transactions.StatusCompleted
		now := r.now()
		paidAt = &now
	}

	updated, err := r.store.Finalize(ctx, tx.ID, status, paidAt, completionFrom(gw, ref, res.Raw))
	if err != nil {
		return Outcome{Status: StatusFailed, Invoice: tx.Invoice, Message: "Payment update failed."}, err
	}
	if !updated {
		// Lost the race against a concurrent confirmation; report what won.
		current, err := r.store.GetByInvoice(ctx, tx.Invoice)
		if err != nil || current == nil {
			return Outcome{Status: StatusFailed, Invoice: tx.Invoice, Message: "Payment update failed."}, err
		}
		r.logger.Infow("concurrent confirmation already finalized transaction", "invoice", tx.Invoice, "status", current.Status)
		return outcomeFor(current), nil
	}

	r.logger.Infow("payment reconciled", "gateway", gw, "invoice", tx.Invoice, "status", status)

	if paid {
		return Outcome{Status: StatusSuccess, Invoice: tx.Invoice, Message: "Payment completed."}, nil
	}
	return Outcome{Status: StatusFailed, Invoice: tx.Invoice, Message: "Payment failed."}, nil
}

// ConfirmByRedirect reconciles a browser-return confirmation. The caller
// renders or redirects from the Outcome; errors are already folded into a
// deterministic answer.
func (r *Reconciler) ConfirmByRedirect(ctx context.Context, gw gateway.Gateway, gatewayRef, invoice string) Outcome {
	out, err := r.Reconcile(ctx, gw, gatewayRef, invoice)
	if err != nil {
		r.logger.Errorw("redirect confirmation failed", "gateway", gw, "invoice", invoice, "error", err)
	}
	return out
}

// ConfirmByWebhook reconciles a server-to-server confirmation and keeps
// the error for the transport layer to map onto a status code.
func (r *Reconciler) ConfirmByWebhook(ctx context.Context, gw gateway.Gateway, gatewayRef, invoice string) (Outcome, error) {
	return r.Reconcile(ctx, gw, gatewayRef, invoice)
}

func (r *Reconciler) resolve(ctx context.Context, gatewayRef, invoice string) (*transactions.Transaction, error) {
	if gatewayRef != "" {
		tx, err := r.store.GetByGatewayRef(ctx, gatewayRef)
		if err != nil {
			return nil, err
		}
		if tx != nil {
			return tx, nil
		}
	}
	if invoice != "" {
		return r.store.GetByInvoice(ctx, invoice)
	}
	return nil, nil
}

func markerAccepts(gw gateway.Gateway, raw map[string]any) bool {
	m, ok := successMarkers[gw]
	if !ok {
		return false
	}
	value, _ := raw[m.field].(string)
	for _, accepted := range m.accepted {
		if strings.EqualFold(value, accepted) {
			return true
		}
	}
	return false
}

// completionFrom extracts the gateway-dependent settlement metadata that
// belongs on the finalized transaction.
func completionFrom(gw gateway.Gateway, ref string, raw map[string]any) *transactions.Completion {
	c := &transactions.Completion{GatewayRef: &ref}
	switch gw {
	case gateway.Bkash:
		c.SenderPhone = stringField(raw, "customerMsisdn")
		c.BankTransactionID = stringField(raw, "trxID")
	case gateway.Nagad:
		c.SenderPhone = stringField(raw, "clientMobileNo")
		c.BankTransactionID = stringField(raw, "issuerPaymentRefNo")
	case gateway.Sslcommerz:
		c.CardType = stringField(raw, "card_type")
		c.CardNo = stringField(raw, "card_no")
		c.BankTransactionID = stringField(raw, "bank_tran_id")
	}
	return c
}

func stringField(raw map[string]any, key string) *string {
	if v, ok := raw[key].(string); ok && v != "" {
		return &v
	}
	return nil
}

func outcomeFor(tx *transactions.Transaction) Outcome {
	if tx.Status == transactions.StatusCompleted {
		return Outcome{Status: StatusSuccess, Invoice: tx.Invoice, Message: "Payment completed."}
	}
	return Outcome{Status: StatusFailed, Invoice: tx.Invoice, Message: "Payment " + string(tx.Status) + "."}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
