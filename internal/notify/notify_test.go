package notify

import (
	"bytes"
	"context"
	"crypto/rsa"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/paysign/internal/alipay"
	"github.com/mbd888/paysign/internal/gateway"
	"github.com/mbd888/paysign/internal/payerr"
	"github.com/mbd888/paysign/internal/stripehook"
	"github.com/mbd888/paysign/internal/wechatpay"
	"github.com/mbd888/paysign/internal/wechatpay/wechatpaytest"
)

const testAPIv3Key = "0123456789abcdef0123456789abcdef"

// recordingSink keeps accepted payments and fails when err is set.
type recordingSink struct {
	mu       sync.Mutex
	payments []*gateway.Payment
	err      error
}

func (s *recordingSink) Accept(_ context.Context, p *gateway.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.payments = append(s.payments, p)
	return nil
}

func (s *recordingSink) all() []*gateway.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*gateway.Payment(nil), s.payments...)
}

// platformKeys serves the fake gateway's current platform key.
type platformKeys struct{ gw *wechatpaytest.Server }

func (k platformKeys) PublicKey(serial string) (*rsa.PublicKey, bool) {
	p := k.gw.Platform()
	if serial != p.Serial {
		return nil, false
	}
	return &p.Key.PublicKey, true
}

func (platformKeys) Refresh(context.Context) error { return nil }

type alipayStub struct {
	n   *alipay.Notification
	err error
}

func (a alipayStub) VerifyNotificationForm(context.Context, url.Values) (*alipay.Notification, error) {
	return a.n, a.err
}

type stripeStub struct {
	ev  *stripehook.Event
	err error
}

func (s stripeStub) Verify([]byte, string, time.Time) (*stripehook.Event, error) {
	return s.ev, s.err
}

func newRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h.RegisterRoutes(r)
	return r
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func post(r http.Handler, path string, header http.Header, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

const paidTransaction = `{"mchid":"1900000001","appid":"wx_mp","out_trade_no":"ORDER-1","transaction_id":"4200001",
	"trade_type":"JSAPI","trade_state":"SUCCESS","success_time":"2023-11-15T06:13:55+08:00",
	"payer":{"openid":"o1"},"amount":{"total":8880,"payer_total":8880,"currency":"CNY","payer_currency":"CNY"}}`

func TestWeChatPay_AcceptsVerifiedNotification(t *testing.T) {
	gw := wechatpaytest.New(t, testAPIv3Key)
	sink := &recordingSink{}
	h := NewHandler(sink, quiet(), WithWeChatPay(wechatpay.NewNotifier(platformKeys{gw}, testAPIv3Key)))
	r := newRouter(h)

	header, body := gw.Notification("TRANSACTION.SUCCESS", []byte(paidTransaction))
	w := post(r, "/notify/wechatpay", header, body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, ReplySuccess, w.Body.String())

	got := sink.all()
	require.Len(t, got, 1)
	assert.Equal(t, gateway.WeChatPay, got[0].Gateway)
	assert.Equal(t, "ORDER-1", got[0].OutTradeNo)
	assert.Equal(t, "88.80", got[0].Amount.StringFixed(2))
	assert.Equal(t, gateway.StatusSucceeded, got[0].Status)
}

func TestWeChatPay_RejectsTamperedBody(t *testing.T) {
	gw := wechatpaytest.New(t, testAPIv3Key)
	sink := &recordingSink{}
	r := newRouter(NewHandler(sink, quiet(), WithWeChatPay(wechatpay.NewNotifier(platformKeys{gw}, testAPIv3Key))))

	header, body := gw.Notification("TRANSACTION.SUCCESS", []byte(paidTransaction))
	tampered := bytes.Replace(body, []byte("TRANSACTION.SUCCESS"), []byte("TRANSACTION.SUCCEsS"), 1)
	w := post(r, "/notify/wechatpay", header, tampered)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"code":"FAIL","message":"verification failed"}`, w.Body.String())
	assert.Empty(t, sink.all())
}

func TestWeChatPay_SinkFailureIsNotAcknowledged(t *testing.T) {
	gw := wechatpaytest.New(t, testAPIv3Key)
	sink := &recordingSink{err: errors.New("backend down")}
	r := newRouter(NewHandler(sink, quiet(), WithWeChatPay(wechatpay.NewNotifier(platformKeys{gw}, testAPIv3Key))))

	header, body := gw.Notification("TRANSACTION.SUCCESS", []byte(paidTransaction))
	w := post(r, "/notify/wechatpay", header, body)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotEqual(t, ReplySuccess, w.Body.String())
}

func TestWeChatPay_UnknownSerialIsServerSide(t *testing.T) {
	gw := wechatpaytest.New(t, testAPIv3Key)
	r := newRouter(NewHandler(nil, quiet(), WithWeChatPay(wechatpay.NewNotifier(platformKeys{gw}, testAPIv3Key))))

	header, body := gw.Notification("TRANSACTION.SUCCESS", []byte(paidTransaction))
	header.Set(wechatpay.HeaderSerial, "UNKNOWN")
	w := post(r, "/notify/wechatpay", header, body)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestWeChatPay_BodyLimit(t *testing.T) {
	gw := wechatpaytest.New(t, testAPIv3Key)
	r := newRouter(NewHandler(nil, quiet(),
		WithWeChatPay(wechatpay.NewNotifier(platformKeys{gw}, testAPIv3Key)),
		WithMaxBody(16)))

	header, body := gw.Notification("TRANSACTION.SUCCESS", []byte(paidTransaction))
	w := post(r, "/notify/wechatpay", header, body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAlipay_Replies(t *testing.T) {
	verified := &alipay.Notification{
		NotifyID:    "n1",
		OutTradeNo:  "ORDER-2",
		TradeNo:     "2023",
		TradeStatus: alipay.TradeSuccess,
		TotalAmount: decimal.RequireFromString("10.00"),
	}
	form := []byte("notify_id=n1&out_trade_no=ORDER-2")
	header := http.Header{"Content-Type": {"application/x-www-form-urlencoded"}}

	t.Run("success", func(t *testing.T) {
		sink := &recordingSink{}
		r := newRouter(NewHandler(sink, quiet(), WithAlipay(alipayStub{n: verified})))
		w := post(r, "/notify/alipay", header, form)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, ReplySuccess, w.Body.String())
		require.Len(t, sink.all(), 1)
		assert.Equal(t, "ORDER-2", sink.all()[0].OutTradeNo)
	})

	t.Run("verification failure", func(t *testing.T) {
		sink := &recordingSink{}
		err := payerr.Invalid("alipay.notify", alipay.ErrTradeNotSuccess)
		r := newRouter(NewHandler(sink, quiet(), WithAlipay(alipayStub{err: err})))
		w := post(r, "/notify/alipay", header, form)
		assert.Equal(t, ReplyFailure, w.Body.String())
		assert.Empty(t, sink.all())
	})

	t.Run("sink failure", func(t *testing.T) {
		sink := &recordingSink{err: errors.New("nope")}
		r := newRouter(NewHandler(sink, quiet(), WithAlipay(alipayStub{n: verified})))
		w := post(r, "/notify/alipay", header, form)
		assert.Equal(t, ReplyFailure, w.Body.String())
	})
}

func TestStripe_Replies(t *testing.T) {
	paid := &stripehook.Event{ID: "evt_1", Type: stripehook.EventPaymentIntentSucceeded,
		Payment: &gateway.Payment{ID: "evt_1", Gateway: gateway.Stripe, OutTradeNo: "ORDER-3"}}

	sink := &recordingSink{}
	r := newRouter(NewHandler(sink, quiet(), WithStripe(stripeStub{ev: paid})))
	w := post(r, "/notify/stripe", nil, []byte(`{}`))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, sink.all(), 1)

	r = newRouter(NewHandler(sink, quiet(), WithStripe(stripeStub{ev: &stripehook.Event{ID: "evt_2", Type: "customer.created"}})))
	w = post(r, "/notify/stripe", nil, []byte(`{}`))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, sink.all(), 1, "non-payment events are acknowledged without a payment")

	r = newRouter(NewHandler(sink, quiet(), WithStripe(stripeStub{err: payerr.Invalid("stripehook.verify", errors.New("bad"))})))
	w = post(r, "/notify/stripe", nil, []byte(`{}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRegisterRoutes_OnlyConfigured(t *testing.T) {
	h := NewHandler(nil, quiet(), WithStripe(stripeStub{}))
	assert.Equal(t, []gateway.Name{gateway.Stripe}, h.Gateways())

	r := newRouter(h)
	w := post(r, "/notify/wechatpay", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.True(t, strings.HasPrefix(w.Body.String(), "404"))
}
