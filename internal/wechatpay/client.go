// Package wechatpay is a WeChat Pay API v3 client: signed requests,
// platform certificate rotation and notification verification.
//
// Every request is signed over the five-field canonical form with the
// merchant's own key and carries the WECHATPAY2-SHA256-RSA2048
// Authorization header. Transport failures (network errors, 429, 5xx) are
// retried; business rejections and malformed responses are not.
package wechatpay

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mbd888/paysign/internal/canonical"
	"github.com/mbd888/paysign/internal/certstore"
	"github.com/mbd888/paysign/internal/idgen"
	"github.com/mbd888/paysign/internal/logging"
	"github.com/mbd888/paysign/internal/metrics"
	"github.com/mbd888/paysign/internal/payerr"
	"github.com/mbd888/paysign/internal/retry"
	"github.com/mbd888/paysign/internal/signing"
	"github.com/mbd888/paysign/internal/traces"
)

// AuthScheme prefixes the Authorization header.
const AuthScheme = "WECHATPAY2-SHA256-RSA2048"

const (
	defaultAttempts = 3
	defaultTimeout  = 10 * time.Second
	maxResponseSize = 1 << 20
	userAgent       = "paysign/1.0"
)

// Client talks to the WeChat Pay API v3.
type Client struct {
	cfg     Config
	signer  *signing.Signer
	http    *http.Client
	baseURL string
	policy  retry.Policy
	certs   *certstore.Store
	logger  *slog.Logger
	now     func() time.Time
	nonce   func() string

	storeOpts []certstore.Option
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithRetryPolicy overrides the request retry policy. Retryable is always
// forced to transport-only.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Client) { c.policy = p }
}

// WithClock overrides time.Now for request timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithNonce overrides request nonce generation.
func WithNonce(f func() string) Option {
	return func(c *Client) { c.nonce = f }
}

// WithStoreOptions passes options through to the platform certificate
// store.
func WithStoreOptions(opts ...certstore.Option) Option {
	return func(c *Client) { c.storeOpts = append(c.storeOpts, opts...) }
}

// New validates cfg, loads the merchant key and builds the client with an
// empty platform certificate store. Call RefreshCertificates before
// verifying notifications, or let the first miss trigger it.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, payerr.Config("wechatpay.new", err)
	}
	signer, err := signing.NewSigner(cfg.PrivateKey)
	if err != nil {
		return nil, payerr.Config("wechatpay.new", err)
	}

	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	c := &Client{
		cfg:     cfg,
		signer:  signer,
		http:    &http.Client{Timeout: defaultTimeout},
		baseURL: cfg.baseURL(),
		policy:  retry.Policy{MaxAttempts: attempts, OnRetry: metrics.RetryHook("wechatpay.request")},
		logger:  slog.Default(),
		now:     time.Now,
		nonce:   idgen.RequestNonce,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.policy.Retryable = payerr.Retryable

	storeOpts := []certstore.Option{
		certstore.WithLogger(c.logger.With("gateway", "wechatpay")),
		certstore.WithObserver(metrics.CertificateObserver{Gateway: "wechatpay"}),
	}
	if cfg.PlatformPublicKey != "" {
		pub, err := signing.LoadPublicKey(cfg.PlatformPublicKey)
		if err != nil {
			return nil, payerr.Config("wechatpay.new", err)
		}
		storeOpts = append(storeOpts, certstore.WithPinned(certstore.Entry{
			Serial:    cfg.PlatformPublicKeyID,
			PublicKey: pub,
		}))
	}
	c.certs = certstore.New(&CertificateLoader{client: c}, append(storeOpts, c.storeOpts...)...)
	return c, nil
}

// Config returns the client's configuration.
func (c *Client) Config() Config { return c.cfg }

// Certificates returns the platform certificate store.
func (c *Client) Certificates() *certstore.Store { return c.certs }

// RefreshCertificates reloads the platform certificates.
func (c *Client) RefreshCertificates(ctx context.Context) error {
	ctx, span := traces.StartSpan(ctx, "wechatpay.refresh_certificates", traces.Gateway("wechatpay"))
	err := c.certs.Refresh(ctx)
	traces.End(span, err)
	return err
}

// Authorization builds the Authorization header for one request. body must
// be the exact bytes that will be sent.
func (c *Client) Authorization(method, rawURL string, body []byte) (string, error) {
	pathWithQuery, err := canonical.PathWithQuery(rawURL)
	if err != nil {
		return "", payerr.Config("wechatpay.authorization", err)
	}
	nonce := c.nonce()
	ts := strconv.FormatInt(c.now().Unix(), 10)
	message := canonical.Request(method, pathWithQuery, ts, nonce, string(body))

	sig, err := c.signer.Sign(message)
	if err != nil {
		metrics.SignaturesTotal.WithLabelValues("wechatpay", metrics.ResultError).Inc()
		return "", err
	}
	metrics.SignaturesTotal.WithLabelValues("wechatpay", metrics.ResultOK).Inc()

	return fmt.Sprintf(`%s mchid="%s",nonce_str="%s",timestamp="%s",serial_no="%s",signature="%s"`,
		AuthScheme, c.cfg.MchID, nonce, ts, c.cfg.SerialNo, sig), nil
}

// Do sends a signed request and decodes the JSON response into out (which
// may be nil). body is marshalled once; the same bytes are signed and sent
// on every attempt.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	payload, err := encodeBody(method, body)
	if err != nil {
		return err
	}

	ctx = logging.WithGateway(ctx, "wechatpay")
	ctx, span := traces.StartSpan(ctx, "wechatpay.request", traces.Gateway("wechatpay"), traces.Operation(method+" "+path))
	done := metrics.ObserveGatewayCall("wechatpay")

	_, err = retry.DoValue(ctx, c.policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.doOnce(ctx, method, path, payload, out)
	})

	done(err)
	traces.End(span, err)
	if err != nil {
		logging.L(ctx).Warn("wechatpay request failed", "method", method, "path", path, "error", err)
	}
	return err
}

// doOnce performs a single signed round trip. A 2xx reply is accepted
// only once its platform signature verifies.
func (c *Client) doOnce(ctx context.Context, method, path string, payload []byte, out any) error {
	op := "wechatpay " + method + " " + path
	r, err := c.roundTrip(ctx, op, method, path, payload)
	if err != nil {
		return err
	}
	if err := checkStatus(op, r.status, r.body); err != nil {
		return err
	}
	if err := c.verifyResponse(ctx, op, r, nil); err != nil {
		return err
	}
	return decodeJSON(op, r.body, out)
}

// reply is one raw gateway response.
type reply struct {
	status int
	header http.Header
	body   []byte
}

func (c *Client) roundTrip(ctx context.Context, op, method, path string, payload []byte) (*reply, error) {
	url := c.baseURL + path

	auth, err := c.Authorization(method, url, payload)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if len(payload) > 0 {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, payerr.Config(op, err)
	}
	req.Header.Set("Authorization", auth)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if len(payload) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, payerr.Transport(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, payerr.Transport(op, fmt.Errorf("read body: %w", err))
	}
	return &reply{status: resp.StatusCode, header: resp.Header, body: data}, nil
}

// verifyResponse checks the Wechatpay-Signature of a reply over the
// three-field form. Keys are looked up in known first (the certificates a
// listing just delivered), then in the store. Outside a listing, a serial
// miss refreshes the store once.
func (c *Client) verifyResponse(ctx context.Context, op string, r *reply, known []certstore.Entry) error {
	env := EnvelopeFromHeader(r.header, r.body)
	if env.Timestamp == "" || env.Nonce == "" || env.Signature == "" || env.Serial == "" {
		return payerr.Malformed(op, "response without signature headers")
	}

	pub, err := c.responseKey(ctx, op, env.Serial, known)
	if err != nil {
		return err
	}
	message := canonical.Notification(env.Timestamp, env.Nonce, string(r.body))
	ok, err := signing.Verify(pub, []byte(message), env.Signature)
	if err != nil {
		return err
	}
	if !ok {
		return payerr.Crypto(op, fmt.Errorf("response signature mismatch for serial %s", env.Serial))
	}
	return nil
}

func (c *Client) responseKey(ctx context.Context, op, serial string, known []certstore.Entry) (*rsa.PublicKey, error) {
	for _, e := range known {
		if e.Serial == serial {
			return e.PublicKey, nil
		}
	}
	if pub, ok := c.certs.PublicKey(serial); ok {
		return pub, nil
	}
	if known != nil {
		return nil, payerr.CertificateNotFound(op, serial)
	}
	if err := c.certs.Refresh(ctx); err != nil {
		return nil, errors.Join(payerr.CertificateNotFound(op, serial), err)
	}
	if pub, ok := c.certs.PublicKey(serial); ok {
		return pub, nil
	}
	return nil, payerr.CertificateNotFound(op, serial)
}

// apiError is the body of a non-2xx WeChat Pay response.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func checkStatus(op string, status int, data []byte) error {
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return payerr.Transport(op, fmt.Errorf("status %d: %s", status, truncate(data)))
	case status >= 400:
		var e apiError
		if err := json.Unmarshal(data, &e); err != nil || e.Code == "" {
			return payerr.Rejected(op, strconv.Itoa(status), truncate(data))
		}
		return payerr.Rejected(op, e.Code, e.Message)
	case status < 200 || status >= 300:
		return payerr.Malformed(op, "unexpected status %d", status)
	}
	return nil
}

func decodeJSON(op string, data []byte, out any) error {
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return payerr.Malformed(op, "decode response: %v", err)
	}
	return nil
}

func encodeBody(method string, body any) ([]byte, error) {
	if method == http.MethodGet || body == nil {
		return nil, nil
	}
	switch b := body.(type) {
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, payerr.Config("wechatpay.encode", err)
	}
	return payload, nil
}

func truncate(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

// IsNotFound reports whether err is the gateway's ORDER_NOT_EXIST or
// RESOURCE_NOT_EXISTS rejection.
func IsNotFound(err error) bool {
	var rej *payerr.Error
	if !errors.As(err, &rej) || rej.Kind != payerr.KindGatewayRejected {
		return false
	}
	return rej.Code == "ORDER_NOT_EXIST" || rej.Code == "RESOURCE_NOT_EXISTS" || rej.Code == "NOT_FOUND"
}
