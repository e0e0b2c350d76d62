// Package alipay is an Alipay open-platform client: RSA2-signed gateway
// calls, page/app/wap payment strings, and notification verification.
//
// Every request carries the common parameters and a signature over the
// sorted key=value string of all parameters except sign. In certificate
// mode app_cert_sn and alipay_root_cert_sn are computed once, at New.
package alipay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/paysign/internal/canonical"
	"github.com/mbd888/paysign/internal/certid"
	"github.com/mbd888/paysign/internal/gateway"
	"github.com/mbd888/paysign/internal/logging"
	"github.com/mbd888/paysign/internal/metrics"
	"github.com/mbd888/paysign/internal/payerr"
	"github.com/mbd888/paysign/internal/retry"
	"github.com/mbd888/paysign/internal/signing"
	"github.com/mbd888/paysign/internal/traces"
)

// CodeSuccess is the response code of a successful call.
const CodeSuccess = "10000"

const (
	defaultAttempts = 3
	defaultTimeout  = 15 * time.Second
	maxResponseSize = 1 << 20
	timestampLayout = "2006-01-02 15:04:05"
)

// Alipay timestamps are Beijing time regardless of the host's zone.
var beijing = time.FixedZone("CST", 8*60*60)

// Client calls the Alipay gateway.
type Client struct {
	cfg        Config
	signer     *signing.Signer
	verifier   *signing.Verifier
	http       *http.Client
	gatewayURL string
	policy     retry.Policy
	logger     *slog.Logger
	now        func() time.Time

	appCertSN  string
	rootCertSN string
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

// WithRetryPolicy overrides the call retry policy. Retryable is always
// forced to transport-only.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Client) { c.policy = p }
}

// WithClock overrides time.Now for the timestamp parameter.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New validates cfg, loads both keys and, in certificate mode, computes
// the certificate serials. Any failure is a construction error: a client
// never sends a request with a missing serial.
func New(cfg Config, opts ...Option) (*Client, error) {
	const op = "alipay.new"
	if err := cfg.Validate(); err != nil {
		return nil, payerr.Config(op, err)
	}
	signer, err := signing.NewSigner(cfg.PrivateKey)
	if err != nil {
		return nil, payerr.Config(op, err)
	}
	verifier, err := signing.NewVerifier(cfg.AlipayPublicKey)
	if err != nil {
		return nil, payerr.Config(op, err)
	}

	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	c := &Client{
		cfg:        cfg,
		signer:     signer,
		verifier:   verifier,
		http:       &http.Client{Timeout: defaultTimeout},
		gatewayURL: cfg.gatewayURL(),
		policy:     retry.Policy{MaxAttempts: attempts, OnRetry: metrics.RetryHook("alipay.request")},
		logger:     slog.Default(),
		now:        time.Now,
	}

	if cfg.certMode() {
		appCert, err := signing.ReadSource(cfg.AppCert)
		if err != nil {
			return nil, payerr.Config(op, fmt.Errorf("app certificate: %w", err))
		}
		if c.appCertSN, err = certid.Fingerprint([]byte(appCert)); err != nil {
			return nil, payerr.Config(op, fmt.Errorf("app_cert_sn: %w", err))
		}
		rootCert, err := signing.ReadSource(cfg.AlipayRootCert)
		if err != nil {
			return nil, payerr.Config(op, fmt.Errorf("alipay root certificate: %w", err))
		}
		if c.rootCertSN, err = certid.RootFingerprint([]byte(rootCert)); err != nil {
			return nil, payerr.Config(op, fmt.Errorf("alipay_root_cert_sn: %w", err))
		}
	}

	for _, opt := range opts {
		opt(c)
	}
	c.policy.Retryable = payerr.Retryable
	return c, nil
}

// Config returns the client's configuration.
func (c *Client) Config() Config { return c.cfg }

// AppCertSN is the application certificate serial, empty outside
// certificate mode.
func (c *Client) AppCertSN() string { return c.appCertSN }

// RootCertSN is the Alipay root certificate serial, empty outside
// certificate mode.
func (c *Client) RootCertSN() string { return c.rootCertSN }

// GatewayURL is the endpoint requests go to.
func (c *Client) GatewayURL() string { return c.gatewayURL }

// callOptions are the per-call overrides of the common parameters.
type callOptions struct {
	notifyURL string
	returnURL string
}

// commonParams builds the parameters every call carries.
func (c *Client) commonParams(method string, o callOptions) canonical.Params {
	p := canonical.Params{
		"app_id":    c.cfg.AppID,
		"method":    method,
		"format":    "JSON",
		"charset":   c.cfg.charset(),
		"sign_type": SignTypeRSA2,
		"timestamp": c.now().In(beijing).Format(timestampLayout),
		"version":   "1.0",
	}
	if c.appCertSN != "" {
		p["app_cert_sn"] = c.appCertSN
		p["alipay_root_cert_sn"] = c.rootCertSN
	}
	if c.cfg.Mode == gateway.ModeService && c.cfg.AppAuthToken != "" {
		p["app_auth_token"] = c.cfg.AppAuthToken
	}
	notify := o.notifyURL
	if notify == "" {
		notify = c.cfg.NotifyURL
	}
	if notify != "" {
		p["notify_url"] = notify
	}
	ret := o.returnURL
	if ret == "" {
		ret = c.cfg.ReturnURL
	}
	if ret != "" {
		p["return_url"] = ret
	}
	return p
}

// signedParams returns the common parameters plus biz_content and sign.
func (c *Client) signedParams(method string, biz json.RawMessage, o callOptions) (canonical.Params, error) {
	p := c.commonParams(method, o)
	p["biz_content"] = string(biz)
	if err := c.Sign(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Sign sets p["sign"] to the RSA2 signature of every other parameter.
func (c *Client) Sign(p canonical.Params) error {
	sig, err := c.signer.Sign(canonical.Sorted(p, "sign"))
	if err != nil {
		metrics.SignaturesTotal.WithLabelValues("alipay", metrics.ResultError).Inc()
		return err
	}
	metrics.SignaturesTotal.WithLabelValues("alipay", metrics.ResultOK).Inc()
	p["sign"] = sig
	return nil
}

// responseHeader is the part of every response node callers branch on.
type responseHeader struct {
	Code    string `json:"code"`
	Msg     string `json:"msg"`
	SubCode string `json:"sub_code"`
	SubMsg  string `json:"sub_msg"`
}

// execute performs one gateway call for method and decodes the
// "<method>_response" node into out.
func (c *Client) execute(ctx context.Context, method string, biz json.RawMessage, o callOptions, out any) error {
	p, err := c.signedParams(method, biz, o)
	if err != nil {
		return err
	}
	form := p.Encode()

	ctx = logging.WithGateway(ctx, "alipay")
	ctx, span := traces.StartSpan(ctx, "alipay.request", traces.Gateway("alipay"), traces.Operation(method))
	done := metrics.ObserveGatewayCall("alipay")

	_, err = retry.DoValue(ctx, c.policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.doOnce(ctx, method, form, out)
	})

	done(err)
	traces.End(span, err)
	if err != nil {
		logging.L(ctx).Warn("alipay request failed", "method", method, "error", err)
	}
	return err
}

func (c *Client) doOnce(ctx context.Context, method, form string, out any) error {
	op := "alipay " + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.gatewayURL+"?charset="+c.cfg.charset(), strings.NewReader(form))
	if err != nil {
		return payerr.Config(op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset="+c.cfg.charset())
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return payerr.Transport(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return payerr.Transport(op, fmt.Errorf("read body: %w", err))
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return payerr.Transport(op, fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return payerr.Malformed(op, "unexpected status %d", resp.StatusCode)
	}
	return c.decodeResponse(op, method, data, out)
}

// decodeResponse picks the response node, checks its signature when one is
// present, and maps a non-success code to a gateway rejection.
func (c *Client) decodeResponse(op, method string, data []byte, out any) error {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return payerr.Malformed(op, "decode response: %v", err)
	}

	key := strings.ReplaceAll(method, ".", "_") + "_response"
	node, ok := envelope[key]
	if !ok {
		node, ok = envelope["error_response"]
	}
	if !ok {
		return payerr.Malformed(op, "response has no %s node", key)
	}

	if rawSign, ok := envelope["sign"]; ok {
		var sign string
		if err := json.Unmarshal(rawSign, &sign); err != nil {
			return payerr.Malformed(op, "sign is not a string")
		}
		valid, err := c.verifier.Verify(string(node), sign)
		if err != nil {
			return err
		}
		if !valid {
			metrics.VerificationsTotal.WithLabelValues("alipay", metrics.ResultInvalid).Inc()
			return payerr.Crypto(op, errors.New("response signature mismatch"))
		}
		metrics.VerificationsTotal.WithLabelValues("alipay", metrics.ResultValid).Inc()
	}

	var head responseHeader
	if err := json.Unmarshal(node, &head); err != nil {
		return payerr.Malformed(op, "decode %s: %v", key, err)
	}
	if head.Code != CodeSuccess {
		rej := payerr.Rejected(op, head.Code, head.Msg)
		rej.SubCode, rej.SubMsg = head.SubCode, head.SubMsg
		return rej
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(node, out); err != nil {
		return payerr.Malformed(op, "decode %s: %v", key, err)
	}
	return nil
}
