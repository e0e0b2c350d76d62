package wechatpay

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/paysign/internal/aead"
	"github.com/mbd888/paysign/internal/canonical"
	"github.com/mbd888/paysign/internal/gateway"
	"github.com/mbd888/paysign/internal/idgen"
	"github.com/mbd888/paysign/internal/metrics"
	"github.com/mbd888/paysign/internal/payerr"
	"github.com/mbd888/paysign/internal/signing"
	"github.com/mbd888/paysign/internal/traces"
)

// Notification headers.
const (
	HeaderTimestamp     = "Wechatpay-Timestamp"
	HeaderNonce         = "Wechatpay-Nonce"
	HeaderSignature     = "Wechatpay-Signature"
	HeaderSerial        = "Wechatpay-Serial"
	HeaderSignatureType = "Wechatpay-Signature-Type"
)

// DefaultMaxSkew bounds how far a notification timestamp may drift from the
// local clock.
const DefaultMaxSkew = 5 * time.Minute

// Envelope is an inbound notification as received.
type Envelope struct {
	Timestamp     string
	Nonce         string
	Signature     string
	Serial        string
	SignatureType string
	Body          []byte
}

// EnvelopeFromHeader collects the signed headers and the raw body.
func EnvelopeFromHeader(h http.Header, body []byte) Envelope {
	return Envelope{
		Timestamp:     h.Get(HeaderTimestamp),
		Nonce:         h.Get(HeaderNonce),
		Signature:     h.Get(HeaderSignature),
		Serial:        h.Get(HeaderSerial),
		SignatureType: h.Get(HeaderSignatureType),
		Body:          body,
	}
}

// KeyStore resolves platform keys by serial. *certstore.Store satisfies it.
type KeyStore interface {
	PublicKey(serial string) (*rsa.PublicKey, bool)
	Refresh(ctx context.Context) error
}

// Notifier verifies and decrypts notifications.
type Notifier struct {
	keys     KeyStore
	apiV3Key []byte
	maxSkew  time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NotifierOption configures a Notifier.
type NotifierOption func(*Notifier)

// WithMaxSkew sets the accepted timestamp drift. Zero disables the check.
func WithMaxSkew(d time.Duration) NotifierOption {
	return func(n *Notifier) { n.maxSkew = d }
}

// WithNotifierClock overrides time.Now.
func WithNotifierClock(now func() time.Time) NotifierOption {
	return func(n *Notifier) { n.now = now }
}

// WithNotifierLogger sets the logger.
func WithNotifierLogger(l *slog.Logger) NotifierOption {
	return func(n *Notifier) { n.logger = l }
}

// NewNotifier builds a Notifier over an arbitrary key store.
func NewNotifier(keys KeyStore, apiV3Key string, opts ...NotifierOption) *Notifier {
	n := &Notifier{
		keys:     keys,
		apiV3Key: []byte(apiV3Key),
		maxSkew:  DefaultMaxSkew,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Notifier returns a Notifier backed by the client's certificate store.
func (c *Client) Notifier(opts ...NotifierOption) *Notifier {
	return NewNotifier(c.certs, c.cfg.APIv3Key, append([]NotifierOption{WithNotifierLogger(c.logger)}, opts...)...)
}

// Notification is a verified notification. Plaintext holds the decrypted
// resource, or the raw body when the notification carries none.
type Notification struct {
	ID           string             `json:"id"`
	CreateTime   string             `json:"create_time"`
	EventType    string             `json:"event_type"`
	ResourceType string             `json:"resource_type"`
	Summary      string             `json:"summary"`
	Resource     *EncryptedResource `json:"resource,omitempty"`

	Plaintext json.RawMessage `json:"-"`
}

// Verify authenticates env and decrypts its resource. Checks run in order:
// headers present, timestamp within the skew window, platform key found
// (refreshing the store at most once), signature over the three-field form,
// then decryption. Nothing is decrypted for a notification whose signature
// does not verify.
func (n *Notifier) Verify(ctx context.Context, env Envelope) (notif *Notification, err error) {
	const op = "wechatpay.notify"
	ctx, span := traces.StartSpan(ctx, "wechatpay.verify_notification",
		traces.Gateway("wechatpay"), traces.Serial(env.Serial))
	defer func() {
		result := metrics.ResultValid
		if err != nil {
			result = metrics.ResultInvalid
		}
		metrics.VerificationsTotal.WithLabelValues("wechatpay", result).Inc()
		traces.End(span, err)
	}()

	if env.Timestamp == "" || env.Nonce == "" || env.Signature == "" || env.Serial == "" {
		return nil, payerr.Invalid(op, errors.New("missing signature headers"))
	}
	if env.SignatureType != "" && env.SignatureType != AuthScheme {
		return nil, payerr.Invalid(op, fmt.Errorf("unsupported signature type %q", env.SignatureType))
	}
	if len(env.Body) == 0 {
		return nil, payerr.Invalid(op, errors.New("empty body"))
	}
	if err := n.checkTimestamp(env.Timestamp); err != nil {
		return nil, payerr.Invalid(op, err)
	}

	pub, err := n.lookup(ctx, env.Serial)
	if err != nil {
		return nil, err
	}

	message := canonical.Notification(env.Timestamp, env.Nonce, string(env.Body))
	ok, err := signing.Verify(pub, []byte(message), env.Signature)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, payerr.Invalid(op, errors.New("signature mismatch"))
	}

	notif = &Notification{}
	if err := json.Unmarshal(env.Body, notif); err != nil {
		return nil, payerr.Invalid(op, fmt.Errorf("decode body: %w", err))
	}
	if notif.Resource == nil {
		notif.Plaintext = json.RawMessage(env.Body)
		return notif, nil
	}

	r := notif.Resource
	plain, err := aead.Decrypt(n.apiV3Key, []byte(r.AssociatedData), []byte(r.Nonce), r.Ciphertext)
	if err != nil {
		return nil, err
	}
	if !json.Valid(plain) {
		return nil, payerr.Invalid(op, errors.New("decrypted resource is not JSON"))
	}
	notif.Plaintext = plain
	return notif, nil
}

func (n *Notifier) checkTimestamp(ts string) error {
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("bad timestamp %q", ts)
	}
	if n.maxSkew <= 0 {
		return nil
	}
	skew := n.now().Sub(time.Unix(sec, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > n.maxSkew {
		return fmt.Errorf("timestamp %s outside the %s window", ts, n.maxSkew)
	}
	return nil
}

// lookup resolves serial, refreshing the store once on a miss.
func (n *Notifier) lookup(ctx context.Context, serial string) (*rsa.PublicKey, error) {
	if pub, ok := n.keys.PublicKey(serial); ok {
		return pub, nil
	}
	n.logger.Info("unknown platform serial, refreshing certificates", "serial", serial)
	if err := n.keys.Refresh(ctx); err != nil {
		return nil, errors.Join(payerr.CertificateNotFound("wechatpay.notify", serial), err)
	}
	if pub, ok := n.keys.PublicKey(serial); ok {
		return pub, nil
	}
	return nil, payerr.CertificateNotFound("wechatpay.notify", serial)
}

// Transaction is a payment as reported by notifications and order queries.
type Transaction struct {
	AppID          string `json:"appid,omitempty"`
	MchID          string `json:"mchid,omitempty"`
	SpAppID        string `json:"sp_appid,omitempty"`
	SpMchID        string `json:"sp_mchid,omitempty"`
	SubAppID       string `json:"sub_appid,omitempty"`
	SubMchID       string `json:"sub_mchid,omitempty"`
	OutTradeNo     string `json:"out_trade_no"`
	TransactionID  string `json:"transaction_id"`
	TradeType      string `json:"trade_type"`
	TradeState     string `json:"trade_state"`
	TradeStateDesc string `json:"trade_state_desc"`
	BankType       string `json:"bank_type,omitempty"`
	Attach         string `json:"attach,omitempty"`
	SuccessTime    string `json:"success_time,omitempty"`
	Payer          Payer  `json:"payer"`
	Amount         struct {
		Total         int64  `json:"total"`
		PayerTotal    int64  `json:"payer_total"`
		Currency      string `json:"currency"`
		PayerCurrency string `json:"payer_currency"`
	} `json:"amount"`
}

// RefundNotice is the decrypted resource of a REFUND.* notification.
type RefundNotice struct {
	MchID         string `json:"mchid"`
	SpMchID       string `json:"sp_mchid,omitempty"`
	SubMchID      string `json:"sub_mchid,omitempty"`
	OutTradeNo    string `json:"out_trade_no"`
	TransactionID string `json:"transaction_id"`
	OutRefundNo   string `json:"out_refund_no"`
	RefundID      string `json:"refund_id"`
	RefundStatus  string `json:"refund_status"`
	SuccessTime   string `json:"success_time,omitempty"`
	Amount        struct {
		Total       int64 `json:"total"`
		Refund      int64 `json:"refund"`
		PayerTotal  int64 `json:"payer_total"`
		PayerRefund int64 `json:"payer_refund"`
	} `json:"amount"`
}

// IsRefund reports whether the notification concerns a refund.
func (n *Notification) IsRefund() bool {
	return strings.HasPrefix(n.EventType, "REFUND.")
}

// Transaction decodes the plaintext as a payment.
func (n *Notification) Transaction() (*Transaction, error) {
	var tx Transaction
	if err := json.Unmarshal(n.Plaintext, &tx); err != nil {
		return nil, payerr.Invalid("wechatpay.notify", fmt.Errorf("decode transaction: %w", err))
	}
	return &tx, nil
}

// Refund decodes the plaintext as a refund.
func (n *Notification) Refund() (*RefundNotice, error) {
	var r RefundNotice
	if err := json.Unmarshal(n.Plaintext, &r); err != nil {
		return nil, payerr.Invalid("wechatpay.notify", fmt.Errorf("decode refund: %w", err))
	}
	return &r, nil
}

// ToPayment reduces the notification to the shared payment record.
func (n *Notification) ToPayment(receivedAt time.Time) (*gateway.Payment, error) {
	p := &gateway.Payment{
		ID:         n.ID,
		Gateway:    gateway.WeChatPay,
		EventType:  n.EventType,
		Currency:   "CNY",
		ReceivedAt: receivedAt,
		Raw:        n.Plaintext,
	}
	if p.ID == "" {
		p.ID = idgen.WithPrefix("wx_")
	}

	if n.IsRefund() {
		r, err := n.Refund()
		if err != nil {
			return nil, err
		}
		if r.OutTradeNo == "" {
			return nil, payerr.Invalid("wechatpay.notify", errors.New("refund without out_trade_no"))
		}
		p.OutTradeNo = r.OutTradeNo
		p.TradeNo = r.TransactionID
		p.GatewayState = r.RefundStatus
		p.Amount = gateway.AmountFromMinor(r.Amount.Refund)
		p.Status = gateway.StatusOther
		if r.RefundStatus == "SUCCESS" {
			p.Status = gateway.StatusRefunded
		}
		p.PaidAt = parseTime(r.SuccessTime)
		return p, nil
	}

	tx, err := n.Transaction()
	if err != nil {
		return nil, err
	}
	if tx.OutTradeNo == "" {
		return nil, payerr.Invalid("wechatpay.notify", errors.New("transaction without out_trade_no"))
	}
	p.OutTradeNo = tx.OutTradeNo
	p.TradeNo = tx.TransactionID
	p.GatewayState = tx.TradeState
	p.Amount = gateway.AmountFromMinor(tx.Amount.Total)
	if tx.Amount.Currency != "" {
		p.Currency = tx.Amount.Currency
	}
	p.Payer = firstNonEmpty(tx.Payer.OpenID, tx.Payer.SubOpenID, tx.Payer.SpOpenID)
	p.PaidAt = parseTime(tx.SuccessTime)
	switch tx.TradeState {
	case "SUCCESS":
		p.Status = gateway.StatusSucceeded
	case "REFUND":
		p.Status = gateway.StatusRefunded
	case "CLOSED", "REVOKED":
		p.Status = gateway.StatusClosed
	default:
		p.Status = gateway.StatusOther
	}
	return p, nil
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return &t
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
