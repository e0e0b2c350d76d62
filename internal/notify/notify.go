// Package notify serves the gateway notification endpoints.
//
// Each endpoint verifies the delivery, reduces it to a gateway.Payment and
// hands it to the configured sink. The gateway only receives its success
// reply once the sink accepted the payment; any failure before that gets a
// non-success reply so the gateway re-delivers. Sinks therefore see
// duplicates and must be idempotent on (Gateway, OutTradeNo, Status).
package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/paysign/internal/alipay"
	"github.com/mbd888/paysign/internal/gateway"
	"github.com/mbd888/paysign/internal/logging"
	"github.com/mbd888/paysign/internal/metrics"
	"github.com/mbd888/paysign/internal/payerr"
	"github.com/mbd888/paysign/internal/stripehook"
	"github.com/mbd888/paysign/internal/wechatpay"
)

// Reply bodies.
const (
	ReplySuccess = "success"
	ReplyFailure = "failure"
)

// DefaultMaxBody bounds a notification body.
const DefaultMaxBody = 64 << 10

// Result label values for paysign_notifications_total.
const (
	resultAccepted = "accepted"
	resultIgnored  = "ignored"
	resultInvalid  = "invalid"
	resultSink     = "sink_error"
)

// WeChatVerifier verifies WeChat Pay notifications.
type WeChatVerifier interface {
	Verify(ctx context.Context, env wechatpay.Envelope) (*wechatpay.Notification, error)
}

// AlipayVerifier verifies Alipay notifications.
type AlipayVerifier interface {
	VerifyNotificationForm(ctx context.Context, form url.Values) (*alipay.Notification, error)
}

// StripeVerifier verifies Stripe webhook deliveries.
type StripeVerifier interface {
	Verify(payload []byte, signatureHeader string, receivedAt time.Time) (*stripehook.Event, error)
}

// Handler provides the notification endpoints.
type Handler struct {
	wechat  WeChatVerifier
	alipay  AlipayVerifier
	stripe  StripeVerifier
	sink    gateway.Sink
	logger  *slog.Logger
	now     func() time.Time
	maxBody int64
}

// Option configures a Handler.
type Option func(*Handler)

// WithWeChatPay enables POST /notify/wechatpay.
func WithWeChatPay(v WeChatVerifier) Option {
	return func(h *Handler) { h.wechat = v }
}

// WithAlipay enables POST /notify/alipay.
func WithAlipay(v AlipayVerifier) Option {
	return func(h *Handler) { h.alipay = v }
}

// WithStripe enables POST /notify/stripe.
func WithStripe(v StripeVerifier) Option {
	return func(h *Handler) { h.stripe = v }
}

// WithClock overrides time.Now for ReceivedAt.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// WithMaxBody overrides DefaultMaxBody.
func WithMaxBody(n int64) Option {
	return func(h *Handler) { h.maxBody = n }
}

// NewHandler creates a handler delivering to sink. A nil sink discards.
func NewHandler(sink gateway.Sink, logger *slog.Logger, opts ...Option) *Handler {
	if sink == nil {
		sink = gateway.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{sink: sink, logger: logger, now: time.Now, maxBody: DefaultMaxBody}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers an endpoint for every configured gateway.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	if h.wechat != nil {
		r.POST("/notify/wechatpay", h.WeChatPay)
	}
	if h.alipay != nil {
		r.POST("/notify/alipay", h.Alipay)
	}
	if h.stripe != nil {
		r.POST("/notify/stripe", h.Stripe)
	}
}

// Gateways lists the enabled endpoints' gateways.
func (h *Handler) Gateways() []gateway.Name {
	var out []gateway.Name
	if h.wechat != nil {
		out = append(out, gateway.WeChatPay)
	}
	if h.alipay != nil {
		out = append(out, gateway.Alipay)
	}
	if h.stripe != nil {
		out = append(out, gateway.Stripe)
	}
	return out
}

func (h *Handler) readBody(c *gin.Context) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, h.maxBody+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > h.maxBody {
		return nil, errors.New("body too large")
	}
	return body, nil
}

// WeChatPay handles POST /notify/wechatpay.
func (h *Handler) WeChatPay(c *gin.Context) {
	ctx := h.context(c, gateway.WeChatPay)
	fail := func(status int, result string, err error) {
		h.record(ctx, gateway.WeChatPay, result, err)
		c.JSON(status, gin.H{"code": "FAIL", "message": failureMessage(result)})
	}

	body, err := h.readBody(c)
	if err != nil {
		fail(http.StatusBadRequest, resultInvalid, err)
		return
	}
	n, err := h.wechat.Verify(ctx, wechatpay.EnvelopeFromHeader(c.Request.Header, body))
	if err != nil {
		fail(verifyStatus(err), resultInvalid, err)
		return
	}
	ctx = logging.WithNotificationID(ctx, n.ID)

	p, err := n.ToPayment(h.now())
	if err != nil {
		fail(http.StatusBadRequest, resultInvalid, err)
		return
	}
	if err := h.sink.Accept(ctx, p); err != nil {
		fail(http.StatusInternalServerError, resultSink, err)
		return
	}
	h.record(ctx, gateway.WeChatPay, resultAccepted, nil)
	c.String(http.StatusOK, ReplySuccess)
}

// Alipay handles POST /notify/alipay. Alipay expects a plain-text reply.
func (h *Handler) Alipay(c *gin.Context) {
	ctx := h.context(c, gateway.Alipay)
	fail := func(result string, err error) {
		h.record(ctx, gateway.Alipay, result, err)
		c.String(http.StatusOK, ReplyFailure)
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBody)
	if err := c.Request.ParseForm(); err != nil {
		fail(resultInvalid, err)
		return
	}
	n, err := h.alipay.VerifyNotificationForm(ctx, c.Request.PostForm)
	if err != nil {
		fail(resultInvalid, err)
		return
	}
	ctx = logging.WithNotificationID(ctx, n.NotifyID)

	if err := h.sink.Accept(ctx, n.ToPayment(h.now())); err != nil {
		fail(resultSink, err)
		return
	}
	h.record(ctx, gateway.Alipay, resultAccepted, nil)
	c.String(http.StatusOK, ReplySuccess)
}

// Stripe handles POST /notify/stripe.
func (h *Handler) Stripe(c *gin.Context) {
	ctx := h.context(c, gateway.Stripe)
	fail := func(status int, result string, err error) {
		h.record(ctx, gateway.Stripe, result, err)
		c.String(status, ReplyFailure)
	}

	body, err := h.readBody(c)
	if err != nil {
		fail(http.StatusBadRequest, resultInvalid, err)
		return
	}
	ev, err := h.stripe.Verify(body, c.GetHeader(stripehook.SignatureHeader), h.now())
	if err != nil {
		fail(http.StatusBadRequest, resultInvalid, err)
		return
	}
	ctx = logging.WithNotificationID(ctx, ev.ID)

	if ev.Payment == nil {
		h.record(ctx, gateway.Stripe, resultIgnored, nil)
		c.String(http.StatusOK, ReplySuccess)
		return
	}
	if err := h.sink.Accept(ctx, ev.Payment); err != nil {
		fail(http.StatusInternalServerError, resultSink, err)
		return
	}
	h.record(ctx, gateway.Stripe, resultAccepted, nil)
	c.String(http.StatusOK, ReplySuccess)
}

// context carries the handler's logger and the gateway name; the request ID
// set by the server middleware stays in place.
func (h *Handler) context(c *gin.Context, gw gateway.Name) context.Context {
	ctx := logging.WithLogger(c.Request.Context(), h.logger)
	return logging.WithGateway(ctx, string(gw))
}

func (h *Handler) record(ctx context.Context, gw gateway.Name, result string, err error) {
	metrics.NotificationsTotal.WithLabelValues(string(gw), result).Inc()
	log := logging.L(ctx)
	switch {
	case err == nil:
		log.Info("notification handled", "result", result)
	case result == resultSink:
		log.Error("notification sink failed", "error", err)
	default:
		log.Warn("notification rejected", "result", result, "kind", payerr.KindOf(err), "error", err)
	}
}

// verifyStatus maps a verification failure to the reply status. A missing
// certificate or a failed refresh is our problem, not the sender's.
func verifyStatus(err error) int {
	switch payerr.KindOf(err) {
	case payerr.KindCertificateNotFound, payerr.KindTransport:
		return http.StatusInternalServerError
	default:
		return http.StatusUnauthorized
	}
}

func failureMessage(result string) string {
	if result == resultSink {
		return "processing failed"
	}
	return "verification failed"
}
