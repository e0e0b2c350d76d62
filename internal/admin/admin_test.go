package admin

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/paysign/internal/certstore"
	"github.com/mbd888/paysign/internal/forward"
	"github.com/mbd888/paysign/internal/payerr"
	"github.com/mbd888/paysign/internal/realtime"
	"github.com/mbd888/paysign/internal/retry"
)

const secret = "s3cret"

func router(h *Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	g := r.Group("/v1", RequireSecret(secret))
	h.RegisterRoutes(g)
	return r
}

func do(r http.Handler, method, path, sec string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if sec != "" {
		req.Header.Set(HeaderSecret, sec)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func store(t *testing.T, load certstore.LoaderFunc) *certstore.Store {
	t.Helper()
	return certstore.New(load,
		certstore.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		certstore.WithRetryPolicy(retry.Policy{MaxAttempts: 1}))
}

func TestRequireSecret(t *testing.T) {
	r := router(NewHandler())

	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/v1/certificates", "").Code)
	assert.Equal(t, http.StatusForbidden, do(r, http.MethodGet, "/v1/certificates", "wrong").Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/v1/certificates", secret).Code)
}

func TestRequireSecret_EmptyLocks(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", RequireSecret(""), func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusServiceUnavailable, do(r, http.MethodGet, "/x", "anything").Code)
}

func TestRefreshAndList(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	expires := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	s := store(t, func(context.Context) ([]certstore.Entry, error) {
		return []certstore.Entry{{Serial: "SN1", PublicKey: &key.PublicKey, ExpiresAt: expires}}, nil
	})
	r := router(NewHandler().WithCertificates("wechatpay", s, s.Refresh))

	w := do(r, http.MethodGet, "/v1/certificates", secret)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"gateways":[{"gateway":"wechatpay","certificates":[],"count":0}]}`, w.Body.String())

	w = do(r, http.MethodPost, "/v1/certificates/refresh", secret)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Refreshed bool                  `json:"refreshed"`
		Gateways  []GatewayCertificates `json:"gateways"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Refreshed)
	require.Len(t, resp.Gateways, 1)
	assert.Equal(t, 1, resp.Gateways[0].Count)
	assert.Equal(t, "SN1", resp.Gateways[0].Certificates[0].Serial)
	assert.Equal(t, expires, *resp.Gateways[0].Certificates[0].ExpiresAt)
	assert.NotNil(t, resp.Gateways[0].LastRefresh)
	assert.Nil(t, resp.Gateways[0].Certificates[0].EffectiveAt)
}

func TestRefresh_FailureIsBadGateway(t *testing.T) {
	s := store(t, func(context.Context) ([]certstore.Entry, error) {
		return nil, payerr.Transport("wechatpay.certificates", errors.New("connection refused"))
	})
	r := router(NewHandler().WithCertificates("wechatpay", s, s.Refresh))

	w := do(r, http.MethodPost, "/v1/certificates/refresh", secret)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), `"kind":"transport"`)
}

func TestRefresh_UnknownGateway(t *testing.T) {
	r := router(NewHandler())
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodPost, "/v1/certificates/refresh?gateway=alipay", secret).Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodPost, "/v1/certificates/refresh", secret).Code)
}

type fakeForward struct{ st forward.Status }

func (f fakeForward) Status() forward.Status { return f.st }

func TestForwardAndRealtime(t *testing.T) {
	r := router(NewHandler())
	assert.Equal(t, http.StatusServiceUnavailable, do(r, http.MethodGet, "/v1/forward", secret).Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(r, http.MethodGet, "/v1/realtime", secret).Code)

	r = router(NewHandler().
		WithForwarder(fakeForward{forward.Status{URL: "https://merchant.example.com/paid", Delivered: 3}}).
		WithRealtimeStats(func() realtime.Stats { return realtime.Stats{ConnectedClients: 2, LastSeq: 7} }))

	w := do(r, http.MethodGet, "/v1/forward", secret)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"url":"https://merchant.example.com/paid","delivered":3,"failed":0,"circuit":"closed"}`, w.Body.String())

	w = do(r, http.MethodGet, "/v1/realtime", secret)
	assert.JSONEq(t, `{"connectedClients":2,"totalEvents":0,"totalClients":0,"peakClients":0,"droppedEvents":0,"lastSeq":7}`, w.Body.String())
}
