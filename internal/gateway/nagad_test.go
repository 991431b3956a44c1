package gateway

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rmdmostakim/bdpayment/internal/domain/transactions"
	"github.com/Rmdmostakim/bdpayment/internal/nagadcrypto"
)

// nagadKeys holds both ends of the handshake so the fake gateway can
// decrypt what the driver sends and seal responses the driver accepts.
type nagadKeys struct {
	merchantPriv []byte // driver side
	gatewayPub   []byte // driver side
	server       *nagadcrypto.Codec
}

func newNagadKeys(t *testing.T) nagadKeys {
	t.Helper()

	merchant, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	gatewayKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	merchantPub, err := x509.MarshalPKIXPublicKey(&merchant.PublicKey)
	require.NoError(t, err)
	gatewayPub, err := x509.MarshalPKIXPublicKey(&gatewayKey.PublicKey)
	require.NoError(t, err)

	server, err := nagadcrypto.New(
		pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: merchantPub}),
		pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(gatewayKey)}),
	)
	require.NoError(t, err)

	return nagadKeys{
		merchantPriv: pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(merchant)}),
		gatewayPub:   pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: gatewayPub}),
		server:       server,
	}
}

// seal encrypts plain for the merchant and signs it as the gateway.
func (k nagadKeys) seal(t *testing.T, plain map[string]any) map[string]any {
	t.Helper()
	raw, err := json.Marshal(plain)
	require.NoError(t, err)
	sealed, err := k.server.Encrypt(raw)
	require.NoError(t, err)
	sig, err := k.server.Sign(raw)
	require.NoError(t, err)
	return map[string]any{"sensitiveData": sealed, "signature": sig}
}

func nagadTestDriver(t *testing.T, baseURL string, keys nagadKeys, store *fakeStore) *NagadDriver {
	t.Helper()
	d, err := NewNagadDriver(NagadConfig{
		BaseURL:     baseURL,
		MerchantID:  "683002007104225",
		CallbackURL: "https://merchant.example/callback",
		Mode:        "sandbox",
		ServiceName: "bdpayment",
		PublicKey:   keys.gatewayPub,
		PrivateKey:  keys.merchantPriv,
	}, store, testLogger())
	require.NoError(t, err)
	return d
}

func TestNagadDriverRejectsBadKeys(t *testing.T) {
	_, err := NewNagadDriver(NagadConfig{
		BaseURL:    "https://sandbox.example",
		MerchantID: "m-1",
		PublicKey:  []byte("not a key"),
		PrivateKey: []byte("also not a key"),
	}, newFakeStore(), testLogger())

	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, Nagad, cfgErr.Gateway)
}

func TestNagadCreatePayment(t *testing.T) {
	keys := newNagadKeys(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "v-0.2.0", r.Header.Get("X-KM-Api-Version"))
		assert.Equal(t, "PC_WEB", r.Header.Get("X-KM-Client-Type"))

		switch {
		case strings.Contains(r.URL.Path, "check-out/initialize/"):
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

			// the fake gateway unseals the request exactly as Nagad would
			plain, err := keys.server.Decrypt(body["sensitiveData"].(string))
			require.NoError(t, err)
			require.NoError(t, keys.server.Verify(plain, body["signature"].(string)))

			var sensitive map[string]string
			require.NoError(t, json.Unmarshal(plain, &sensitive))
			assert.Equal(t, "683002007104225", sensitive["merchantId"])
			assert.NotEmpty(t, sensitive["challenge"])

			json.NewEncoder(w).Encode(keys.seal(t, map[string]any{
				"paymentReferenceId": "NAGADREF1",
				"challenge":          sensitive["challenge"],
			}))

		case strings.Contains(r.URL.Path, "check-out/complete/NAGADREF1"):
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "https://merchant.example/callback", body["merchantCallbackURL"])

			plain, err := keys.server.Decrypt(body["sensitiveData"].(string))
			require.NoError(t, err)
			var sensitive map[string]string
			require.NoError(t, json.Unmarshal(plain, &sensitive))
			assert.Equal(t, "050", sensitive["currencyCode"])
			assert.Equal(t, "250", sensitive["amount"])

			json.NewEncoder(w).Encode(map[string]any{
				"status":      "Success",
				"callBackUrl": "https://sandbox.nagad/checkout/NAGADREF1",
			})

		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	store := newFakeStore()
	d := nagadTestDriver(t, srv.URL, keys, store)

	res, err := d.CreatePayment(context.Background(), CreateRequest{Amount: decimal.NewFromInt(250)})
	require.NoError(t, err)
	assert.Equal(t, "NAGADREF1", res.GatewayRef)
	assert.Equal(t, "https://sandbox.nagad/checkout/NAGADREF1", res.RedirectURL)

	tx, err := store.GetByGatewayRef(context.Background(), "NAGADREF1")
	require.NoError(t, err)
	require.NotNil(t, tx)
	assert.Equal(t, transactions.StatusPending, tx.Status)
}

func TestNagadVerifyPayment(t *testing.T) {
	keys := newNagadKeys(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "verify/payment/NAGADREF2"))
		json.NewEncoder(w).Encode(keys.seal(t, map[string]any{
			"paymentRefId":   "NAGADREF2",
			"status":         "Success",
			"clientMobileNo": "01812345678",
		}))
	}))
	defer srv.Close()

	d := nagadTestDriver(t, srv.URL, keys, newFakeStore())

	res, err := d.VerifyPayment(context.Background(), "NAGADREF2")
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Equal(t, "Success", res.Raw["status"])
}

func TestNagadVerifyRejectsTamperedSignature(t *testing.T) {
	keys := newNagadKeys(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sealed := keys.seal(t, map[string]any{"paymentRefId": "NAGADREF3", "status": "Success"})

		// signature computed over a different payload
		forged, err := json.Marshal(map[string]any{"paymentRefId": "NAGADREF3", "status": "Failed"})
		require.NoError(t, err)
		sig, err := keys.server.Sign(forged)
		require.NoError(t, err)
		sealed["signature"] = sig

		json.NewEncoder(w).Encode(sealed)
	}))
	defer srv.Close()

	d := nagadTestDriver(t, srv.URL, keys, newFakeStore())

	_, err := d.VerifyPayment(context.Background(), "NAGADREF3")

	var upstreamErr *UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	assert.Contains(t, upstreamErr.Body, "signature")
}

func TestNagadVerifyRejectsUnsealedResponse(t *testing.T) {
	keys := newNagadKeys(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"paymentRefId": "NAGADREF4", "status": "Success"})
	}))
	defer srv.Close()

	d := nagadTestDriver(t, srv.URL, keys, newFakeStore())

	_, err := d.VerifyPayment(context.Background(), "NAGADREF4")

	var upstreamErr *UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	assert.Contains(t, upstreamErr.Body, "sensitiveData")
}
