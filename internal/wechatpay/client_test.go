package wechatpay

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/paysign/internal/canonical"
	"github.com/mbd888/paysign/internal/certstore"
	"github.com/mbd888/paysign/internal/gateway"
	"github.com/mbd888/paysign/internal/payerr"
	"github.com/mbd888/paysign/internal/retry"
	"github.com/mbd888/paysign/internal/signing"
	"github.com/mbd888/paysign/internal/wechatpay/wechatpaytest"
)

const testAPIv3Key = "0123456789abcdef0123456789abcdef"

var (
	merchantOnce sync.Once
	merchantKey  *rsa.PrivateKey
)

func testMerchantKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	merchantOnce.Do(func() { merchantKey = wechatpaytest.NewKey(t) })
	return merchantKey
}

func noSleep(context.Context, time.Duration) error { return nil }

func testConfig(t *testing.T) Config {
	return Config{
		MchID:      "1900000001",
		SerialNo:   "MERCHANT_SERIAL",
		PrivateKey: wechatpaytest.KeyPEM(testMerchantKey(t)),
		APIv3Key:   testAPIv3Key,
		AppID:      "wx_app_default",
		MPAppID:    "wx_mp",
		NotifyURL:  "https://merchant.example.com/notify/wechatpay",
	}
}

// newTestClient returns a client pointed at a fresh fake gateway that
// requires the merchant signature on every request.
func newTestClient(t *testing.T, mutate ...func(*Config)) (*Client, *wechatpaytest.Server) {
	t.Helper()
	gw := wechatpaytest.New(t, testAPIv3Key)
	gw.RequireSignedBy(&testMerchantKey(t).PublicKey)

	cfg := testConfig(t)
	cfg.BaseURL = gw.URL
	for _, m := range mutate {
		m(&cfg)
	}
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := New(cfg,
		WithLogger(quiet),
		WithRetryPolicy(retry.Policy{MaxAttempts: 3, Sleep: noSleep}),
		WithStoreOptions(certstore.WithRetryPolicy(retry.Policy{MaxAttempts: 3, Sleep: noSleep})),
	)
	require.NoError(t, err)
	return c, gw
}

func TestNew_RejectsIncompleteConfig(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	assert.ErrorIs(t, err, payerr.ErrConfig)
	assert.Contains(t, err.Error(), "mchid is required")
	assert.Contains(t, err.Error(), "api v3 key")

	cfg := testConfig(t)
	cfg.Mode = gateway.ModeService
	_, err = New(cfg)
	assert.ErrorIs(t, err, payerr.ErrConfig)

	cfg = testConfig(t)
	cfg.PrivateKey = "not a key"
	_, err = New(cfg)
	assert.ErrorIs(t, err, payerr.ErrConfig)
}

func TestConfig_BaseURLByMode(t *testing.T) {
	assert.Equal(t, BaseURL, Config{}.baseURL())
	assert.Equal(t, SandboxBaseURL, Config{Mode: gateway.ModeSandbox}.baseURL())
	assert.Equal(t, "http://local", Config{Mode: gateway.ModeSandbox, BaseURL: "http://local"}.baseURL())
}

func TestAuthorization_SignsFiveFieldForm(t *testing.T) {
	cfg := testConfig(t)
	c, err := New(cfg,
		WithClock(func() time.Time { return time.Unix(1700000000, 0) }),
		WithNonce(func() string { return "fixednonce" }),
	)
	require.NoError(t, err)

	body := []byte(`{"a":1}`)
	auth, err := c.Authorization(http.MethodPost, "https://api.mch.weixin.qq.com/v3/pay/transactions/native?x=1", body)
	require.NoError(t, err)

	prefix := `WECHATPAY2-SHA256-RSA2048 mchid="1900000001",nonce_str="fixednonce",timestamp="1700000000",serial_no="MERCHANT_SERIAL",signature="`
	require.True(t, strings.HasPrefix(auth, prefix), auth)
	sig := strings.TrimSuffix(strings.TrimPrefix(auth, prefix), `"`)

	msg := canonical.Request("POST", "/v3/pay/transactions/native?x=1", "1700000000", "fixednonce", `{"a":1}`)
	ok, err := signing.Verify(&testMerchantKey(t).PublicKey, []byte(msg), sig)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDo_RetriesTransportFailures(t *testing.T) {
	c, gw := newTestClient(t)
	var calls atomic.Int32
	gw.Handle("GET /v3/flaky", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			wechatpaytest.WriteError(w, http.StatusServiceUnavailable, "SYSTEM_ERROR", "busy")
			return
		}
		wechatpaytest.WriteJSON(w, http.StatusOK, map[string]string{"ok": "yes"})
	})

	var out map[string]string
	require.NoError(t, c.Do(context.Background(), http.MethodGet, "/v3/flaky", nil, &out))
	assert.Equal(t, "yes", out["ok"])
	assert.Equal(t, int32(3), calls.Load())
}

func TestDo_GivesUpAfterMaxAttempts(t *testing.T) {
	c, gw := newTestClient(t)
	gw.Handle("GET /v3/down", func(w http.ResponseWriter, r *http.Request) {
		wechatpaytest.WriteError(w, http.StatusTooManyRequests, "FREQUENCY_LIMITED", "slow down")
	})

	err := c.Do(context.Background(), http.MethodGet, "/v3/down", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, payerr.ErrTransport)
	assert.Equal(t, 3, gw.CountPath("/v3/down"))
}

func TestDo_RejectionIsNotRetried(t *testing.T) {
	c, gw := newTestClient(t)
	gw.Handle("POST /v3/pay/transactions/native", func(w http.ResponseWriter, r *http.Request) {
		wechatpaytest.WriteError(w, http.StatusBadRequest, "PARAM_ERROR", "appid and mchid do not match")
	})

	_, err := c.Native(context.Background(), Order{Description: "d", OutTradeNo: "T1", Amount: Amount{Total: 1}})
	require.Error(t, err)
	rej, ok := payerr.AsRejected(err)
	require.True(t, ok)
	assert.Equal(t, "PARAM_ERROR", rej.Code)
	assert.Equal(t, "appid and mchid do not match", rej.Message)
	assert.Equal(t, 1, gw.CountPath("/v3/pay/transactions/native"))
}

func TestDo_MalformedResponseIsNotRetried(t *testing.T) {
	c, gw := newTestClient(t)
	gw.Handle("GET /v3/garbled", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<html>"))
	})

	var out map[string]any
	err := c.Do(context.Background(), http.MethodGet, "/v3/garbled", nil, &out)
	assert.ErrorIs(t, err, payerr.ErrMalformedResponse)
	assert.Equal(t, 1, gw.CountPath("/v3/garbled"))
}

func TestDo_BadSignatureRejectedByGateway(t *testing.T) {
	c, gw := newTestClient(t)
	other := wechatpaytest.NewKey(t)
	gw.RequireSignedBy(&other.PublicKey)

	err := c.Do(context.Background(), http.MethodGet, "/v3/anything", nil, nil)
	rej, ok := payerr.AsRejected(err)
	require.True(t, ok)
	assert.Equal(t, "SIGN_ERROR", rej.Code)
}

func TestDo_VerifiesReplySignature(t *testing.T) {
	c, gw := newTestClient(t)
	gw.Handle("GET /v3/signed", func(w http.ResponseWriter, r *http.Request) {
		wechatpaytest.WriteJSON(w, http.StatusOK, map[string]string{"ok": "yes"})
	})

	var out map[string]string
	require.NoError(t, c.Do(context.Background(), http.MethodGet, "/v3/signed", nil, &out))
	assert.Equal(t, "yes", out["ok"])
	assert.Equal(t, 1, gw.CountPath(CertificatesPath), "unknown reply serial refreshes once")

	require.NoError(t, c.Do(context.Background(), http.MethodGet, "/v3/signed", nil, &out))
	assert.Equal(t, 1, gw.CountPath(CertificatesPath))
}

func TestDo_ForgedReplySignatureIsNotRetried(t *testing.T) {
	c, gw := newTestClient(t)
	require.NoError(t, c.RefreshCertificates(context.Background()))
	gw.Handle("GET /v3/forged", func(w http.ResponseWriter, r *http.Request) {
		wechatpaytest.WriteJSON(w, http.StatusOK, map[string]string{"ok": "yes"})
	})
	gw.CorruptReplySignatures()

	var out map[string]string
	err := c.Do(context.Background(), http.MethodGet, "/v3/forged", nil, &out)
	assert.ErrorIs(t, err, payerr.ErrCrypto)
	assert.Empty(t, out)
	assert.Equal(t, 1, gw.CountPath("/v3/forged"))
}

func TestDo_UnsignedReplyIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":"yes"}`))
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.BaseURL = srv.URL
	c, err := New(cfg, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)

	err = c.Do(context.Background(), http.MethodGet, "/v3/unsigned", nil, nil)
	assert.ErrorIs(t, err, payerr.ErrMalformedResponse)
}

func TestRefreshCertificates_ForgedListingKeepsTable(t *testing.T) {
	c, gw := newTestClient(t)
	require.NoError(t, c.RefreshCertificates(context.Background()))
	gw.CorruptReplySignatures()

	err := c.RefreshCertificates(context.Background())
	assert.ErrorIs(t, err, payerr.ErrCrypto)
	assert.Equal(t, 1, c.Certificates().Len())
}

func TestRefreshCertificates_DecryptsPlatformKeys(t *testing.T) {
	c, gw := newTestClient(t)
	require.False(t, c.Certificates().Ready())

	require.NoError(t, c.RefreshCertificates(context.Background()))

	p := gw.Platform()
	pub, ok := c.Certificates().PublicKey(p.Serial)
	require.True(t, ok)
	assert.True(t, pub.Equal(&p.Key.PublicKey))
	assert.Equal(t, 1, c.Certificates().Len())

	e, _ := c.Certificates().Get(p.Serial)
	assert.False(t, e.ExpiresAt.IsZero())
}

func TestRefreshCertificates_RetriesServerErrors(t *testing.T) {
	c, gw := newTestClient(t)
	gw.FailCertificates(2, http.StatusBadGateway)

	require.NoError(t, c.RefreshCertificates(context.Background()))
	assert.Equal(t, 3, gw.CountPath(CertificatesPath))
}

func TestRefreshCertificates_WrongAPIv3KeyKeepsTable(t *testing.T) {
	c, _ := newTestClient(t, func(cfg *Config) { cfg.APIv3Key = "ffffffffffffffffffffffffffffffff" })

	err := c.RefreshCertificates(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, payerr.ErrCrypto)
	assert.Equal(t, 0, c.Certificates().Len())
}

func TestRefreshCertificates_MissingDataIsMalformed(t *testing.T) {
	c, gw := newTestClient(t)
	require.NoError(t, c.RefreshCertificates(context.Background()))
	gw.Handle("GET "+CertificatesPath, func(w http.ResponseWriter, r *http.Request) {
		wechatpaytest.WriteJSON(w, http.StatusOK, map[string]any{"items": []string{}})
	})

	err := c.RefreshCertificates(context.Background())
	assert.ErrorIs(t, err, payerr.ErrMalformedResponse)
	assert.Equal(t, 1, c.Certificates().Len(), "previous table kept")
}

func TestPinnedPlatformKey(t *testing.T) {
	platform := wechatpaytest.NewKey(t)

	c, _ := newTestClient(t, func(cfg *Config) {
		cfg.PlatformPublicKey = publicKeyPEM(t, &platform.PublicKey)
		cfg.PlatformPublicKeyID = "PUB_KEY_ID_0001"
	})
	assert.True(t, c.Certificates().Ready())
	pub, ok := c.Certificates().PublicKey("PUB_KEY_ID_0001")
	require.True(t, ok)
	assert.True(t, pub.Equal(&platform.PublicKey))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(payerr.Rejected("op", "ORDER_NOT_EXIST", "no")))
	assert.False(t, IsNotFound(payerr.Rejected("op", "PARAM_ERROR", "no")))
	assert.False(t, IsNotFound(errors.New("plain")))
}

func publicKeyPEM(t *testing.T, pub *rsa.PublicKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}
