// Package forward delivers verified payments to the merchant's business
// backend.
//
// Each payment is POSTed as JSON and signed with HMAC-SHA256 over
// "<timestamp>.<body>" using a shared secret:
//
//	X-Paysign-Event:     payment.succeeded
//	X-Paysign-Timestamp: 1700000000
//	X-Paysign-Signature: hex(hmac_sha256(secret, "1700000000." + body))
//
// Delivery is synchronous. The notification handler only acknowledges the
// gateway after the backend accepted the payment, so a failed delivery
// makes the gateway re-deliver the notification later.
package forward

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/paysign/internal/circuitbreaker"
	"github.com/mbd888/paysign/internal/gateway"
	"github.com/mbd888/paysign/internal/idgen"
	"github.com/mbd888/paysign/internal/metrics"
	"github.com/mbd888/paysign/internal/payerr"
	"github.com/mbd888/paysign/internal/retry"
)

// Delivery headers.
const (
	HeaderEvent     = "X-Paysign-Event"
	HeaderDelivery  = "X-Paysign-Delivery"
	HeaderTimestamp = "X-Paysign-Timestamp"
	HeaderSignature = "X-Paysign-Signature"
)

// Event is the delivered document.
type Event struct {
	ID        string           `json:"id"`
	Type      string           `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	Payment   *gateway.Payment `json:"payment"`
}

// Status reports the outcome of recent deliveries.
type Status struct {
	URL         string     `json:"url"`
	Delivered   int64      `json:"delivered"`
	Failed      int64      `json:"failed"`
	LastSuccess *time.Time `json:"lastSuccess,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
	// Circuit is the breaker state for URL.
	Circuit circuitbreaker.State `json:"circuit"`
}

// Forwarder is a gateway.Sink posting to one URL.
type Forwarder struct {
	url     string
	secret  string
	client  *http.Client
	policy  retry.Policy
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	status Status
}

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(f *Forwarder) { f.client = c }
}

// WithRetryPolicy overrides the delivery retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(f *Forwarder) { f.policy = p }
}

// WithBreaker replaces the default breaker (5 failed deliveries, 30s open).
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(f *Forwarder) { f.breaker = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Forwarder) { f.logger = l }
}

// WithClock overrides time.Now for the timestamp header.
func WithClock(now func() time.Time) Option {
	return func(f *Forwarder) { f.now = now }
}

// New returns a forwarder posting to url. An empty secret sends unsigned
// deliveries.
func New(url, secret string, opts ...Option) (*Forwarder, error) {
	if url == "" {
		return nil, payerr.Config("forward.new", errors.New("url is required"))
	}
	f := &Forwarder{
		url:     url,
		secret:  secret,
		client:  &http.Client{Timeout: 10 * time.Second},
		policy:  retry.Policy{MaxAttempts: 4, OnRetry: metrics.RetryHook("forward.deliver")},
		breaker: circuitbreaker.New(5, 30*time.Second),
		logger:  slog.Default(),
		now:     time.Now,
		status:  Status{URL: url},
	}
	for _, opt := range opts {
		opt(f)
	}
	f.policy.Retryable = payerr.Retryable
	f.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		metrics.BreakerTransitionsTotal.WithLabelValues(key, from.String(), to.String()).Inc()
		f.logger.Warn("forward circuit changed", "url", key, "from", from, "to", to)
	})
	return f, nil
}

// Accept delivers p, retrying transport failures and 5xx/429 replies.
// Any other non-2xx reply is a permanent rejection.
func (f *Forwarder) Accept(ctx context.Context, p *gateway.Payment) error {
	event := &Event{
		ID:        idgen.WithPrefix("dlv_"),
		Type:      "payment." + string(p.Status),
		Timestamp: f.now(),
		Payment:   p,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("forward: marshal event: %w", err)
	}

	// A delivery that exhausted its retries counts once against the
	// breaker; while it is open the gateway gets a failure reply at once.
	err = f.breaker.Do("forward.deliver", f.url, func() error {
		return f.policy.Do(ctx, func() error {
			return f.send(ctx, event, payload)
		})
	})
	f.record(err)
	if err != nil {
		metrics.ForwardDeliveriesTotal.WithLabelValues(metrics.ResultError).Inc()
		f.logger.Warn("payment forward failed",
			"gateway", p.Gateway, "out_trade_no", p.OutTradeNo, "delivery", event.ID, "error", err)
		return err
	}
	metrics.ForwardDeliveriesTotal.WithLabelValues(metrics.ResultOK).Inc()
	return nil
}

func (f *Forwarder) send(ctx context.Context, event *Event, payload []byte) error {
	const op = "forward.deliver"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(payload))
	if err != nil {
		return payerr.Config(op, err)
	}

	ts := strconv.FormatInt(event.Timestamp.Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, event.Type)
	req.Header.Set(HeaderDelivery, event.ID)
	req.Header.Set(HeaderTimestamp, ts)
	if f.secret != "" {
		req.Header.Set(HeaderSignature, Sign(f.secret, ts, payload))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return payerr.Transport(op, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return payerr.Transport(op, fmt.Errorf("status %d", resp.StatusCode))
	default:
		return payerr.Rejected(op, strconv.Itoa(resp.StatusCode), http.StatusText(resp.StatusCode))
	}
}

func (f *Forwarder) record(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		f.status.Failed++
		f.status.LastError = err.Error()
		return
	}
	now := f.now()
	f.status.Delivered++
	f.status.LastSuccess = &now
	f.status.LastError = ""
}

// Status returns delivery counters since start.
func (f *Forwarder) Status() Status {
	f.mu.Lock()
	st := f.status
	f.mu.Unlock()
	st.Circuit = f.breaker.State(f.url)
	return st
}

// Sign computes the delivery signature.
func Sign(secret, timestamp string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte{'.'})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a delivery signature in constant time. Receivers use it;
// maxAge bounds the timestamp's distance from now (zero disables).
func Verify(secret, timestamp, signature string, payload []byte, now time.Time, maxAge time.Duration) bool {
	if maxAge > 0 {
		sec, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			return false
		}
		d := now.Sub(time.Unix(sec, 0))
		if d < -maxAge || d > maxAge {
			return false
		}
	}
	want := Sign(secret, timestamp, payload)
	return hmac.Equal([]byte(want), []byte(signature))
}
