package gateway

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Rmdmostakim/bdpayment/internal/domain/transactions"
	"github.com/Rmdmostakim/bdpayment/internal/nagadcrypto"
)

// NagadConfig carries credentials plus the raw PEM key material resolved
// by the key-material provider at startup.
type NagadConfig struct {
	BaseURL     string
	MerchantID  string
	CallbackURL string
	Mode        string // sandbox | production
	ServiceName string
	ClientIP    string
	PublicKey   []byte // gateway public key
	PrivateKey  []byte // merchant private key
}

// NagadDriver implements the three-call handshake (initialize, complete,
// verify) in which every sensitive payload is encrypted for the gateway
// and signed by the merchant, and every response is decrypted and its
// signature checked before any field is trusted.
type NagadDriver struct {
	cfg    NagadConfig
	codec  *nagadcrypto.Codec
	store  transactions.Store
	client *http.Client
	logger *zap.SugaredLogger
}

func NewNagadDriver(cfg NagadConfig, store transactions.Store, logger *zap.SugaredLogger) (*NagadDriver, error) {
	if cfg.BaseURL == "" || cfg.MerchantID == "" {
		return nil, &ConfigurationError{Gateway: Nagad, Reason: "base URL and merchant ID are required"}
	}
	codec, err := nagadcrypto.New(cfg.PublicKey, cfg.PrivateKey)
	if err != nil {
		return nil, &ConfigurationError{Gateway: Nagad, Reason: "unusable key material", Err: err}
	}
	if cfg.ClientIP == "" {
		cfg.ClientIP = "127.0.0.1"
	}
	return &NagadDriver{
		cfg:    cfg,
		codec:  codec,
		store:  store,
		client: newHTTPClient(),
		logger: logger,
	}, nil
}

// Nagad timestamps requests in Dhaka local time.
var dhaka = time.FixedZone("Asia/Dhaka", 6*60*60)

const nagadCurrencyCode = "050" // ISO 4217 numeric for BDT

// Canonical sensitiveData payloads. Field order is fixed by these struct
// definitions so the signature is computed over exactly the serialized
// bytes that are encrypted.
type nagadInitPayload struct {
	MerchantID string `json:"merchantId"`
	Datetime   string `json:"datetime"`
	OrderID    string `json:"orderId"`
	Challenge  string `json:"challenge"`
}

type nagadOrderPayload struct {
	MerchantID         string `json:"merchantId"`
	OrderID            string `json:"orderId"`
	PaymentReferenceID string `json:"paymentReferenceId"`
	CurrencyCode       string `json:"currencyCode"`
	Amount             string `json:"amount"`
	Challenge          string `json:"challenge"`
}

func (d *NagadDriver) endpoint(path string) string {
	if d.cfg.Mode == "production" {
		return d.cfg.BaseURL + "/api/dfs/" + path
	}
	return d.cfg.BaseURL + "/remote-payment-gateway-1.0/api/dfs/" + path
}

func newChallenge() string {
	b := make([]byte, 20)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func (d *NagadDriver) CreatePayment(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if !req.Amount.IsPositive() {
		return nil, &ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}

	tx := &transactions.Transaction{
		Invoice:     req.Invoice,
		Gateway:     Nagad,
		Amount:      req.Amount,
		UserID:      req.UserID,
		PayableType: req.PayableType,
		PayableID:   req.PayableID,
		Note:        req.Note,
	}
	if err := d.store.Create(ctx, tx); err != nil {
		return nil, &PersistenceError{Op: "nagad create payment", Err: err}
	}

	// The two-phase handshake runs to completion once the record exists,
	// regardless of caller disconnects.
	ctx = context.WithoutCancel(ctx)

	ref, challenge, err := d.initialize(ctx, tx.Invoice)
	if err != nil {
		return nil, err
	}

	redirect, raw, err := d.complete(ctx, tx.Invoice, ref, challenge, req.Amount.String())
	if err != nil {
		return nil, err
	}

	if err := d.store.AttachGatewayRef(ctx, tx.Invoice, ref); err != nil {
		return nil, &PersistenceError{Op: "nagad attach gateway ref", Err: err}
	}

	d.logger.Infow("nagad payment created", "invoice", tx.Invoice, "payment_reference_id", ref)

	return &CreateResult{
		Invoice:     tx.Invoice,
		GatewayRef:  ref,
		RedirectURL: redirect,
		Raw:         raw,
	}, nil
}

// initialize opens the checkout session and returns the gateway's payment
// reference and challenge, after decrypting the response and verifying
// its signature.
func (d *NagadDriver) initialize(ctx context.Context, invoice string) (ref, challenge string, err error) {
	now := time.Now().In(dhaka).Format("20060102150405")

	sensitive := nagadInitPayload{
		MerchantID: d.cfg.MerchantID,
		Datetime:   now,
		OrderID:    invoice,
		Challenge:  newChallenge(),
	}

	endpoint := d.endpoint(fmt.Sprintf("check-out/initialize/%s/%s", d.cfg.MerchantID, invoice))
	post, err := d.sealedRequest(sensitive)
	if err != nil {
		return "", "", err
	}
	post["dateTime"] = now

	d.logger.Infow("nagad initialize request", "endpoint", endpoint, "invoice", invoice)

	plain, err := d.exchange(ctx, http.MethodPost, endpoint, post)
	if err != nil {
		return "", "", err
	}

	ref, _ = plain["paymentReferenceId"].(string)
	challenge, _ = plain["challenge"].(string)
	if ref == "" || challenge == "" {
		return "", "", &UpstreamError{Gateway: Nagad, Endpoint: endpoint, Body: "initialize response missing paymentReferenceId or challenge"}
	}
	return ref, challenge, nil
}

// complete submits the order against the initialized session and returns
// the gateway checkout URL.
func (d *NagadDriver) complete(ctx context.Context, invoice, ref, challenge, amount string) (string, map[string]any, error) {
	sensitive := nagadOrderPayload{
		MerchantID:         d.cfg.MerchantID,
		OrderID:            invoice,
		PaymentReferenceID: ref,
		CurrencyCode:       nagadCurrencyCode,
		Amount:             amount,
		Challenge:          challenge,
	}

	endpoint := d.endpoint("check-out/complete/" + ref)
	post, err := d.sealedRequest(sensitive)
	if err != nil {
		return "", nil, err
	}
	post["merchantCallbackURL"] = d.cfg.CallbackURL
	post["additionalMerchantInfo"] = map[string]string{
		"serviceName":           d.cfg.ServiceName,
		"additionalFieldNameEN": "Type",
		"additionalFieldNameBN": "টাইপ",
		"additionalFieldValue":  "Payment",
	}

	d.logger.Infow("nagad complete request", "endpoint", endpoint, "invoice", invoice, "payment_reference_id", ref)

	raw, err := d.post(ctx, endpoint, post)
	if err != nil {
		return "", nil, err
	}

	status, _ := raw["status"].(string)
	redirect, _ := raw["callBackUrl"].(string)
	if status != "Success" || redirect == "" {
		body, _ := json.Marshal(raw)
		return "", nil, &UpstreamError{Gateway: Nagad, Endpoint: endpoint, Body: string(body)}
	}
	return redirect, raw, nil
}

// ExecutePayment is a pass-through: the complete call already ran inside
// CreatePayment, mirroring how the checkout session is consumed in one
// sweep.
func (d *NagadDriver) ExecutePayment(ctx context.Context, gatewayRef string) (*ExecuteResult, error) {
	return &ExecuteResult{Status: "not_required", GatewayRef: gatewayRef}, nil
}

// VerifyPayment queries the payment status and only returns fields taken
// from a decrypted, signature-checked payload. An unverifiable response
// is an integrity failure, not a trusted answer.
func (d *NagadDriver) VerifyPayment(ctx context.Context, ref string) (*VerifyResult, error) {
	if ref == "" {
		return nil, &ValidationError{Field: "paymentReferenceId", Reason: "is required"}
	}

	endpoint := d.endpoint("verify/payment/" + ref)
	d.logger.Infow("nagad verify request", "endpoint", endpoint, "payment_reference_id", ref)

	plain, err := d.exchange(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	returned, _ := plain["paymentRefId"].(string)
	if returned == "" {
		returned, _ = plain["paymentReferenceId"].(string)
	}
	return &VerifyResult{Matched: returned == ref, Raw: plain}, nil
}

// CancelPayment is a local no-op: Nagad exposes no merchant-initiated
// cancel call.
func (d *NagadDriver) CancelPayment(ctx context.Context, gatewayRef string) error {
	return nil
}

// sealedRequest serializes one canonical payload and derives both the
// encrypted sensitiveData and the signature from those exact bytes.
func (d *NagadDriver) sealedRequest(payload any) (map[string]any, error) {
	plain, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("nagad marshal sensitive payload: %w", err)
	}
	sealed, err := d.codec.Encrypt(plain)
	if err != nil {
		return nil, &ConfigurationError{Gateway: Nagad, Reason: "encrypt sensitive payload", Err: err}
	}
	signature, err := d.codec.Sign(plain)
	if err != nil {
		return nil, &ConfigurationError{Gateway: Nagad, Reason: "sign sensitive payload", Err: err}
	}
	return map[string]any{
		"sensitiveData": sealed,
		"signature":     signature,
	}, nil
}

// exchange performs one call and unseals the response: both sensitiveData
// and signature must be present, the ciphertext must decrypt, and the
// signature must verify against the decrypted bytes before any field is
// returned.
func (d *NagadDriver) exchange(ctx context.Context, method, endpoint string, payload map[string]any) (map[string]any, error) {
	raw, err := d.send(ctx, method, endpoint, payload)
	if err != nil {
		return nil, err
	}

	sealed, _ := raw["sensitiveData"].(string)
	signature, _ := raw["signature"].(string)
	if sealed == "" || signature == "" {
		body, _ := json.Marshal(raw)
		return nil, &UpstreamError{Gateway: Nagad, Endpoint: endpoint, Body: "response missing sensitiveData or signature: " + string(body)}
	}

	plainBytes, err := d.codec.Decrypt(sealed)
	if err != nil {
		return nil, &UpstreamError{Gateway: Nagad, Endpoint: endpoint, Body: "undecryptable sensitiveData", Err: err}
	}
	if err := d.codec.Verify(plainBytes, signature); err != nil {
		return nil, &UpstreamError{Gateway: Nagad, Endpoint: endpoint, Body: "response signature does not verify", Err: err}
	}

	var plain map[string]any
	if err := json.Unmarshal(plainBytes, &plain); err != nil {
		return nil, &UpstreamError{Gateway: Nagad, Endpoint: endpoint, Body: "malformed decrypted payload", Err: err}
	}
	return plain, nil
}

func (d *NagadDriver) post(ctx context.Context, endpoint string, payload map[string]any) (map[string]any, error) {
	return d.send(ctx, http.MethodPost, endpoint, payload)
}

func (d *NagadDriver) send(ctx context.Context, method, endpoint string, payload map[string]any) (map[string]any, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("nagad marshal request: %w", err)
		}
	}

	status, respBody, err := sendWithRetry(ctx, d.client, func(ctx context.Context) (*http.Request, error) {
		var reader *bytes.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		} else {
			reader = bytes.NewReader(nil)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-KM-Api-Version", "v-0.2.0")
		req.Header.Set("X-KM-IP-V4", d.cfg.ClientIP)
		req.Header.Set("X-KM-Client-Type", "PC_WEB")
		return req, nil
	})
	if err != nil {
		d.logger.Errorw("nagad request failed", "endpoint", endpoint, "status", status, "error", err)
		return nil, &UpstreamError{Gateway: Nagad, Endpoint: endpoint, StatusCode: status, Body: string(respBody), Err: err}
	}
	if status != http.StatusOK {
		d.logger.Errorw("nagad request rejected", "endpoint", endpoint, "status", status, "body", string(respBody))
		return nil, &UpstreamError{Gateway: Nagad, Endpoint: endpoint, StatusCode: status, Body: string(respBody)}
	}

	var raw map[string]any
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return nil, &UpstreamError{Gateway: Nagad, Endpoint: endpoint, StatusCode: status, Body: string(respBody), Err: err}
	}
	return raw, nil
}
