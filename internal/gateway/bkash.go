package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/Rmdmostakim/bdpayment/internal/domain/transactions"
)

// BkashConfig is resolved once per driver construction and consumed
// read-only.
type BkashConfig struct {
	BaseURL        string
	Username       string
	Password       string
	AppKey         string
	AppSecret      string
	CallbackURL    string
	MerchantNumber string
	Mode           string // sandbox | production
}

// BkashDriver speaks the tokenized checkout protocol: token grant (cached
// one hour), create, execute, and payment-status query. Sandbox and
// production expose different endpoint shapes.
type BkashDriver struct {
	cfg    BkashConfig
	store  transactions.Store
	client *http.Client
	tokens *tokenCache
	logger *zap.SugaredLogger
}

func NewBkashDriver(cfg BkashConfig, store transactions.Store, logger *zap.SugaredLogger) (*BkashDriver, error) {
	if cfg.BaseURL == "" || cfg.AppKey == "" || cfg.AppSecret == "" {
		return nil, &ConfigurationError{Gateway: Bkash, Reason: "base URL, app key and app secret are required"}
	}
	return &BkashDriver{
		cfg:    cfg,
		store:  store,
		client: newHTTPClient(),
		tokens: newTokenCache(),
		logger: logger,
	}, nil
}

const bkashTokenCacheKey = "bkash_token"

type bkashTokenGrant struct {
	AppKey    string `json:"app_key"`
	AppSecret string `json:"app_secret"`
}

type bkashCreatePayload struct {
	Mode                  string `json:"mode"`
	PayerReference        string `json:"payerReference"`
	Amount                string `json:"amount"`
	Currency              string `json:"currency"`
	Intent                string `json:"intent"`
	MerchantInvoiceNumber string `json:"merchantInvoiceNumber"`
	CallbackURL           string `json:"callbackURL"`
}

type bkashPaymentRef struct {
	PaymentID string `json:"paymentID"`
}

func (d *BkashDriver) endpoint(op string) string {
	prod := d.cfg.Mode == "production"
	switch op {
	case "token":
		if prod {
			return d.cfg.BaseURL + "/checkout/token/grant"
		}
		return d.cfg.BaseURL + "/tokenized/checkout/token/grant"
	case "create":
		if prod {
			return d.cfg.BaseURL + "/checkout/payment/create"
		}
		return d.cfg.BaseURL + "/tokenized/checkout/create"
	case "execute":
		if prod {
			return d.cfg.BaseURL + "/checkout/payment/execute"
		}
		return d.cfg.BaseURL + "/tokenized/checkout/execute"
	case "query":
		if prod {
			return d.cfg.BaseURL + "/checkout/payment/status"
		}
		return d.cfg.BaseURL + "/tokenized/checkout/payment/status"
	}
	return ""
}

func (d *BkashDriver) headers(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("username", d.cfg.Username)
	req.Header.Set("password", d.cfg.Password)
	req.Header.Set("x-app-key", d.cfg.AppKey)
}

// token returns a cached bearer token or performs a fresh grant. Racing
// refreshes on a cold cache are tolerated; grants are idempotent.
func (d *BkashDriver) token(ctx context.Context) (string, error) {
	if tok, ok := d.tokens.get(bkashTokenCacheKey); ok {
		return tok, nil
	}

	endpoint := d.endpoint("token")
	grant := bkashTokenGrant{
		AppKey:    d.cfg.AppKey,
		AppSecret: d.cfg.AppSecret,
	}

	raw, err := d.postJSON(ctx, endpoint, grant, "")
	if err != nil {
		return "", err
	}

	tok, _ := raw["id_token"].(string)
	if tok == "" {
		return "", &UpstreamError{Gateway: Bkash, Endpoint: endpoint, Body: "token grant response missing id_token"}
	}

	d.tokens.put(bkashTokenCacheKey, tok, tokenTTL)
	return tok, nil
}

func (d *BkashDriver) CreatePayment(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if !req.Amount.IsPositive() {
		return nil, &ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}

	tx := &transactions.Transaction{
		Invoice:     req.Invoice,
		Gateway:     Bkash,
		Amount:      req.Amount,
		UserID:      req.UserID,
		PayableType: req.PayableType,
		PayableID:   req.PayableID,
		Note:        req.Note,
	}
	if err := d.store.Create(ctx, tx); err != nil {
		return nil, &PersistenceError{Op: "bkash create payment", Err: err}
	}

	// Once the record exists the gateway exchange runs to completion even
	// if the caller disconnects, so no accepted payment is left without a
	// recorded outcome.
	ctx = context.WithoutCancel(ctx)

	tok, err := d.token(ctx)
	if err != nil {
		return nil, err
	}

	payload := bkashCreatePayload{
		Mode:                  "0000",
		PayerReference:        d.cfg.MerchantNumber,
		Amount:                req.Amount.String(),
		Currency:              tx.Currency,
		Intent:                "sale",
		MerchantInvoiceNumber: tx.Invoice,
		CallbackURL:           d.cfg.CallbackURL,
	}

	endpoint := d.endpoint("create")
	d.logger.Infow("bkash create payment request", "endpoint", endpoint, "invoice", tx.Invoice, "amount", req.Amount.String())

	raw, err := d.postJSON(ctx, endpoint, payload, tok)
	if err != nil {
		return nil, err
	}

	paymentID, _ := raw["paymentID"].(string)
	redirect, _ := raw["bkashURL"].(string)
	if paymentID == "" {
		return nil, &UpstreamError{Gateway: Bkash, Endpoint: endpoint, Body: "create response missing paymentID"}
	}

	if err := d.store.AttachGatewayRef(ctx, tx.Invoice, paymentID); err != nil {
		return nil, &PersistenceError{Op: "bkash attach gateway ref", Err: err}
	}

	d.logger.Infow("bkash payment created", "invoice", tx.Invoice, "payment_id", paymentID)

	return &CreateResult{
		Invoice:     tx.Invoice,
		GatewayRef:  paymentID,
		RedirectURL: redirect,
		Raw:         raw,
	}, nil
}

func (d *BkashDriver) ExecutePayment(ctx context.Context, gatewayRef string) (*ExecuteResult, error) {
	if gatewayRef == "" {
		return nil, &ValidationError{Field: "paymentID", Reason: "is required"}
	}

	tok, err := d.token(ctx)
	if err != nil {
		return nil, err
	}

	endpoint := d.endpoint("execute")
	if d.cfg.Mode == "production" {
		endpoint += "/" + gatewayRef
	}

	d.logger.Infow("bkash execute payment request", "endpoint", endpoint, "payment_id", gatewayRef)

	raw, err := d.postJSON(ctx, endpoint, bkashPaymentRef{PaymentID: gatewayRef}, tok)
	if err != nil {
		return nil, err
	}

	status, _ := raw["transactionStatus"].(string)
	return &ExecuteResult{Status: status, GatewayRef: gatewayRef, Raw: raw}, nil
}

func (d *BkashDriver) VerifyPayment(ctx context.Context, ref string) (*VerifyResult, error) {
	if ref == "" {
		return nil, &ValidationError{Field: "paymentID", Reason: "is required"}
	}

	tok, err := d.token(ctx)
	if err != nil {
		return nil, err
	}

	endpoint := d.endpoint("query")
	if d.cfg.Mode == "production" {
		endpoint += "/" + ref
	}

	d.logger.Infow("bkash verify payment request", "endpoint", endpoint, "payment_id", ref)

	raw, err := d.postJSON(ctx, endpoint, bkashPaymentRef{PaymentID: ref}, tok)
	if err != nil {
		return nil, err
	}

	returned, _ := raw["paymentID"].(string)
	return &VerifyResult{Matched: returned == ref, Raw: raw}, nil
}

// CancelPayment is a local no-op: bKash has no merchant-initiated cancel
// endpoint for tokenized checkout.
func (d *BkashDriver) CancelPayment(ctx context.Context, gatewayRef string) error {
	return nil
}

func (d *BkashDriver) postJSON(ctx context.Context, endpoint string, payload any, bearer string) (map[string]any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("bkash marshal payload: %w", err)
	}

	status, respBody, err := sendWithRetry(ctx, d.client, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		d.headers(req)
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		return req, nil
	})
	if err != nil {
		d.logger.Errorw("bkash request failed", "endpoint", endpoint, "status", status, "error", err)
		return nil, &UpstreamError{Gateway: Bkash, Endpoint: endpoint, StatusCode: status, Body: string(respBody), Err: err}
	}
	if status != http.StatusOK && status != http.StatusCreated {
		d.logger.Errorw("bkash request rejected", "endpoint", endpoint, "status", status, "body", string(respBody))
		return nil, &UpstreamError{Gateway: Bkash, Endpoint: endpoint, StatusCode: status, Body: string(respBody)}
	}

	var raw map[string]any
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return nil, &UpstreamError{Gateway: Bkash, Endpoint: endpoint, StatusCode: status, Body: string(respBody), Err: err}
	}
	return raw, nil
}
