package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rmdmostakim/bdpayment/internal/domain/transactions"
)

var invoicePattern = regexp.MustCompile(`^INV-\d{8}-[A-Z2-7]{6}$`)

func bkashTestDriver(t *testing.T, baseURL string, store *fakeStore) *BkashDriver {
	t.Helper()
	d, err := NewBkashDriver(BkashConfig{
		BaseURL:        baseURL,
		Username:       "sandbox-user",
		Password:       "sandbox-pass",
		AppKey:         "app-key",
		AppSecret:      "app-secret",
		CallbackURL:    "https://merchant.example/callback",
		MerchantNumber: "01700000000",
		Mode:           "sandbox",
	}, store, testLogger())
	require.NoError(t, err)
	return d
}

func TestBkashCreatePayment(t *testing.T) {
	var grants atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tokenized/checkout/token/grant":
			grants.Add(1)
			assert.Equal(t, "app-key", r.Header.Get("x-app-key"))
			assert.Equal(t, "sandbox-user", r.Header.Get("username"))
			json.NewEncoder(w).Encode(map[string]any{"id_token": "tok-1", "expires_in": 3600})
		case "/tokenized/checkout/create":
			assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "100.50", body["amount"])
			assert.Equal(t, "BDT", body["currency"])
			assert.Equal(t, "sale", body["intent"])
			assert.True(t, invoicePattern.MatchString(body["merchantInvoiceNumber"]))
			json.NewEncoder(w).Encode(map[string]any{
				"paymentID": "TR0011abcdef",
				"bkashURL":  "https://sandbox.bkash/checkout/TR0011abcdef",
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	store := newFakeStore()
	d := bkashTestDriver(t, srv.URL, store)

	amount, _ := decimal.NewFromString("100.50")
	res, err := d.CreatePayment(context.Background(), CreateRequest{Amount: amount})
	require.NoError(t, err)

	assert.True(t, invoicePattern.MatchString(res.Invoice))
	assert.Equal(t, "TR0011abcdef", res.GatewayRef)
	assert.Equal(t, "https://sandbox.bkash/checkout/TR0011abcdef", res.RedirectURL)

	tx, err := store.GetByInvoice(context.Background(), res.Invoice)
	require.NoError(t, err)
	require.NotNil(t, tx)
	assert.Equal(t, transactions.StatusPending, tx.Status)
	require.NotNil(t, tx.TransactionID)
	assert.Equal(t, "TR0011abcdef", *tx.TransactionID)
	assert.True(t, amount.Equal(tx.Amount))

	// second payment reuses the cached token
	_, err = d.CreatePayment(context.Background(), CreateRequest{Amount: amount})
	require.NoError(t, err)
	assert.Equal(t, int32(1), grants.Load())
}

func TestBkashCreatePaymentDuplicateInvoice(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	store := newFakeStore()
	d := bkashTestDriver(t, srv.URL, store)

	require.NoError(t, store.Create(context.Background(), &transactions.Transaction{
		Invoice: "INV-20250101-TAKEN1",
		Gateway: Bkash,
		Amount:  decimal.NewFromInt(100),
	}))

	_, err := d.CreatePayment(context.Background(), CreateRequest{
		Amount:  decimal.NewFromInt(100),
		Invoice: "INV-20250101-TAKEN1",
	})

	var persistenceErr *PersistenceError
	require.ErrorAs(t, err, &persistenceErr)
	assert.ErrorIs(t, err, transactions.ErrDuplicateInvoice)

	// the unique invoice stays as first written, and the rejected create
	// never reached the gateway
	assert.Equal(t, int32(0), calls.Load())
}

func TestBkashCreatePaymentStoreFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	store := newFakeStore()
	store.createErr = errors.New("connection refused")
	d := bkashTestDriver(t, srv.URL, store)

	_, err := d.CreatePayment(context.Background(), CreateRequest{Amount: decimal.NewFromInt(100)})

	var persistenceErr *PersistenceError
	require.ErrorAs(t, err, &persistenceErr)

	// no gateway call for a transaction that was never persisted
	assert.Equal(t, int32(0), calls.Load())
}

func TestBkashCreatePaymentPreservesLargeAmount(t *testing.T) {
	const largeAmount = "9999999999.99"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tokenized/checkout/token/grant":
			json.NewEncoder(w).Encode(map[string]any{"id_token": "tok-1"})
		case "/tokenized/checkout/create":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, largeAmount, body["amount"])
			json.NewEncoder(w).Encode(map[string]any{"paymentID": "TR0099", "bkashURL": "https://x"})
		}
	}))
	defer srv.Close()

	store := newFakeStore()
	d := bkashTestDriver(t, srv.URL, store)

	amount, err := decimal.NewFromString(largeAmount)
	require.NoError(t, err)

	res, err := d.CreatePayment(context.Background(), CreateRequest{Amount: amount})
	require.NoError(t, err)

	tx, err := store.GetByInvoice(context.Background(), res.Invoice)
	require.NoError(t, err)
	require.NotNil(t, tx)
	assert.Equal(t, largeAmount, tx.Amount.String())
}

func TestBkashCreatePaymentRejectsNonPositiveAmount(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	store := newFakeStore()
	d := bkashTestDriver(t, srv.URL, store)

	for _, amount := range []decimal.Decimal{decimal.Zero, decimal.NewFromInt(-5)} {
		_, err := d.CreatePayment(context.Background(), CreateRequest{Amount: amount})

		var validationErr *ValidationError
		require.ErrorAs(t, err, &validationErr)
		assert.Equal(t, "amount", validationErr.Field)
	}

	// rejected before any store write or gateway call
	assert.Equal(t, 0, store.createCalls)
	assert.Equal(t, int32(0), calls.Load())
}

func TestBkashTokenGrantFailureAfterRetries(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := newFakeStore()
	d := bkashTestDriver(t, srv.URL, store)

	_, err := d.CreatePayment(context.Background(), CreateRequest{Amount: decimal.NewFromInt(50)})

	var upstreamErr *UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	assert.Equal(t, http.StatusInternalServerError, upstreamErr.StatusCode)
	assert.Equal(t, int32(3), attempts.Load())

	// no transaction was ever moved past initiated
	items, _, err := store.List(context.Background(), transactions.Filter{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, transactions.StatusInitiated, items[0].Status)
	assert.Nil(t, items[0].TransactionID)
}

func TestBkashRetryThenSucceed(t *testing.T) {
	var createAttempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tokenized/checkout/token/grant":
			json.NewEncoder(w).Encode(map[string]any{"id_token": "tok-1"})
		case "/tokenized/checkout/create":
			if createAttempts.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"paymentID": "TR0022", "bkashURL": "https://x"})
		}
	}))
	defer srv.Close()

	store := newFakeStore()
	d := bkashTestDriver(t, srv.URL, store)

	res, err := d.CreatePayment(context.Background(), CreateRequest{Amount: decimal.NewFromInt(75)})
	require.NoError(t, err)
	assert.Equal(t, "TR0022", res.GatewayRef)
	assert.Equal(t, int32(2), createAttempts.Load())
}

func TestBkashClientErrorIsNotRetried(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	store := newFakeStore()
	d := bkashTestDriver(t, srv.URL, store)

	_, err := d.CreatePayment(context.Background(), CreateRequest{Amount: decimal.NewFromInt(10)})

	var upstreamErr *UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	assert.Equal(t, http.StatusUnauthorized, upstreamErr.StatusCode)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestBkashVerifyPayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tokenized/checkout/token/grant":
			json.NewEncoder(w).Encode(map[string]any{"id_token": "tok-1"})
		case "/tokenized/checkout/payment/status":
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			json.NewEncoder(w).Encode(map[string]any{
				"paymentID":          body["paymentID"],
				"verificationStatus": "Complete",
				"customerMsisdn":     "01712345678",
				"trxID":              "8FJ40AB2C1",
			})
		}
	}))
	defer srv.Close()

	d := bkashTestDriver(t, srv.URL, newFakeStore())

	res, err := d.VerifyPayment(context.Background(), "TR0033")
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Equal(t, "Complete", res.Raw["verificationStatus"])

	_, err = d.VerifyPayment(context.Background(), "")
	var validationErr *ValidationError
	assert.True(t, errors.As(err, &validationErr))
}
