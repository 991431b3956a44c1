package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/Rmdmostakim/bdpayment/internal/domain/transactions"
)

type SslcommerzConfig struct {
	BaseURL       string
	StoreID       string
	StorePassword string
	CallbackURL   string
	Mode          string // sandbox | production

	// Fallback customer fields: SSLCommerz rejects sessions without them.
	DefaultName     string
	DefaultEmail    string
	DefaultPhone    string
	DefaultAddress  string
	DefaultCity     string
	DefaultPostcode string
	DefaultCountry  string
}

// SslcommerzDriver is the single-phase gateway: one form-encoded session
// request returns a hosted checkout URL, and the gateway surfaces the
// merchant invoice (tran_id) back on callback rather than its own id.
type SslcommerzDriver struct {
	cfg    SslcommerzConfig
	store  transactions.Store
	client *http.Client
	logger *zap.SugaredLogger
}

func NewSslcommerzDriver(cfg SslcommerzConfig, store transactions.Store, logger *zap.SugaredLogger) (*SslcommerzDriver, error) {
	if cfg.BaseURL == "" || cfg.StoreID == "" || cfg.StorePassword == "" {
		return nil, &ConfigurationError{Gateway: Sslcommerz, Reason: "base URL, store ID and store password are required"}
	}
	return &SslcommerzDriver{
		cfg:    cfg,
		store:  store,
		client: newHTTPClient(),
		logger: logger,
	}, nil
}

func (d *SslcommerzDriver) CreatePayment(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if !req.Amount.IsPositive() {
		return nil, &ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}

	tx := &transactions.Transaction{
		Invoice:     req.Invoice,
		Gateway:     Sslcommerz,
		Amount:      req.Amount,
		UserID:      req.UserID,
		PayableType: req.PayableType,
		PayableID:   req.PayableID,
		Note:        req.Note,
	}
	if err := d.store.Create(ctx, tx); err != nil {
		return nil, &PersistenceError{Op: "sslcommerz create payment", Err: err}
	}

	ctx = context.WithoutCancel(ctx)

	form := d.sessionForm(tx, req)
	endpoint := d.cfg.BaseURL + "/gwprocess/v4/api.php"

	d.logger.Infow("sslcommerz create payment request", "endpoint", endpoint, "invoice", tx.Invoice, "amount", req.Amount.String())

	status, body, err := sendWithRetry(ctx, d.client, func(ctx context.Context) (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return r, nil
	})
	if err != nil {
		d.logger.Errorw("sslcommerz request failed", "endpoint", endpoint, "status", status, "error", err)
		return nil, &UpstreamError{Gateway: Sslcommerz, Endpoint: endpoint, StatusCode: status, Body: string(body), Err: err}
	}
	if status != http.StatusOK {
		d.logger.Errorw("sslcommerz request rejected", "endpoint", endpoint, "status", status, "body", string(body))
		return nil, &UpstreamError{Gateway: Sslcommerz, Endpoint: endpoint, StatusCode: status, Body: string(body)}
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &UpstreamError{Gateway: Sslcommerz, Endpoint: endpoint, StatusCode: status, Body: string(body), Err: err}
	}

	redirect, _ := raw["GatewayPageURL"].(string)
	if redirect == "" {
		return nil, &UpstreamError{Gateway: Sslcommerz, Endpoint: endpoint, StatusCode: status, Body: string(body)}
	}

	// SSLCommerz keys the session on our invoice; its own val_id only
	// appears at callback, so the transaction moves to pending without a
	// gateway reference.
	if err := d.store.AttachGatewayRef(ctx, tx.Invoice, ""); err != nil {
		return nil, &PersistenceError{Op: "sslcommerz mark pending", Err: err}
	}

	d.logger.Infow("sslcommerz session created", "invoice", tx.Invoice)

	return &CreateResult{
		Invoice:     tx.Invoice,
		RedirectURL: redirect,
		Raw:         raw,
	}, nil
}

// ExecutePayment is a pass-through: the hosted checkout has no second
// merchant-side phase.
func (d *SslcommerzDriver) ExecutePayment(ctx context.Context, gatewayRef string) (*ExecuteResult, error) {
	return &ExecuteResult{Status: "not_required", GatewayRef: gatewayRef}, nil
}

func (d *SslcommerzDriver) VerifyPayment(ctx context.Context, ref string) (*VerifyResult, error) {
	if ref == "" {
		return nil, &ValidationError{Field: "val_id", Reason: "is required"}
	}

	query := url.Values{}
	query.Set("val_id", ref)
	query.Set("store_id", d.cfg.StoreID)
	query.Set("store_passwd", d.cfg.StorePassword)
	query.Set("format", "json")

	endpoint := d.cfg.BaseURL + "/validator/api/validationserverAPI.php"

	d.logger.Infow("sslcommerz verify payment request", "endpoint", endpoint, "val_id", ref)

	status, body, err := sendWithRetry(ctx, d.client, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+query.Encode(), nil)
	})
	if err != nil {
		d.logger.Errorw("sslcommerz verify failed", "endpoint", endpoint, "status", status, "error", err)
		return nil, &UpstreamError{Gateway: Sslcommerz, Endpoint: endpoint, StatusCode: status, Body: string(body), Err: err}
	}
	if status != http.StatusOK {
		d.logger.Errorw("sslcommerz verify rejected", "endpoint", endpoint, "status", status, "body", string(body))
		return nil, &UpstreamError{Gateway: Sslcommerz, Endpoint: endpoint, StatusCode: status, Body: string(body)}
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &UpstreamError{Gateway: Sslcommerz, Endpoint: endpoint, StatusCode: status, Body: string(body), Err: err}
	}

	st, _ := raw["status"].(string)
	return &VerifyResult{Matched: st != "" && !strings.EqualFold(st, "INVALID_TRANSACTION"), Raw: raw}, nil
}

// CancelPayment is a local no-op: sessions expire gateway-side on their
// own.
func (d *SslcommerzDriver) CancelPayment(ctx context.Context, gatewayRef string) error {
	return nil
}

func (d *SslcommerzDriver) sessionForm(tx *transactions.Transaction, req CreateRequest) url.Values {
	pick := func(v, fallback string) string {
		if v != "" {
			return v
		}
		return fallback
	}

	form := url.Values{}
	form.Set("store_id", d.cfg.StoreID)
	form.Set("store_passwd", d.cfg.StorePassword)
	form.Set("total_amount", req.Amount.String())
	form.Set("currency", tx.Currency)
	form.Set("tran_id", tx.Invoice)
	form.Set("success_url", d.cfg.CallbackURL)
	form.Set("fail_url", d.cfg.CallbackURL)
	form.Set("cancel_url", d.cfg.CallbackURL)
	form.Set("product_category", "None")
	form.Set("product_profile", "non-physical-goods")
	form.Set("product_name", "Service")
	form.Set("emi_option", "0")
	form.Set("shipping_method", "NO")
	form.Set("cus_name", pick(req.Customer.Name, d.cfg.DefaultName))
	form.Set("cus_email", pick(req.Customer.Email, d.cfg.DefaultEmail))
	form.Set("cus_phone", pick(req.Customer.Phone, d.cfg.DefaultPhone))
	form.Set("cus_add1", pick(req.Customer.Address, d.cfg.DefaultAddress))
	form.Set("cus_city", pick(req.Customer.City, d.cfg.DefaultCity))
	form.Set("cus_state", req.Customer.State)
	form.Set("cus_postcode", pick(req.Customer.PostalCode, d.cfg.DefaultPostcode))
	form.Set("cus_country", pick(req.Customer.Country, d.cfg.DefaultCountry))
	return form
}
