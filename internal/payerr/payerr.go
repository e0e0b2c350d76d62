// Package payerr defines the error taxonomy shared by the signing core and
// the gateway clients.
//
// Every error that crosses a package boundary carries a Kind so callers can
// branch on it without string matching:
//   - crypto: key parse, digest, AEAD failures (never retried)
//   - transport: network/HTTP failures (retried, then surfaced)
//   - malformed_response: unexpected JSON shape from a gateway
//   - gateway_rejected: structured business error from the gateway
//   - certificate_not_found: serial unknown even after a refresh
//   - invalid_notification: a callback failed verification or business checks
//   - config: unusable configuration or key material at construction time
package payerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error.
type Kind string

const (
	KindCrypto              Kind = "crypto"
	KindTransport           Kind = "transport"
	KindMalformedResponse   Kind = "malformed_response"
	KindGatewayRejected     Kind = "gateway_rejected"
	KindCertificateNotFound Kind = "certificate_not_found"
	KindInvalidNotification Kind = "invalid_notification"
	KindConfig              Kind = "config"
)

// Sentinels for errors.Is matching by kind.
var (
	ErrCrypto              = &Error{Kind: KindCrypto}
	ErrTransport           = &Error{Kind: KindTransport}
	ErrMalformedResponse   = &Error{Kind: KindMalformedResponse}
	ErrGatewayRejected     = &Error{Kind: KindGatewayRejected}
	ErrCertificateNotFound = &Error{Kind: KindCertificateNotFound}
	ErrInvalidNotification = &Error{Kind: KindInvalidNotification}
	ErrConfig              = &Error{Kind: KindConfig}
)

// Error is a classified error. Code and Message are only set for
// gateway_rejected, where they hold the gateway's own values verbatim.
type Error struct {
	Kind    Kind
	Op      string
	Code    string
	Message string
	SubCode string
	SubMsg  string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Code != "" {
		b.WriteString(" [")
		b.WriteString(e.Code)
		if e.SubCode != "" {
			b.WriteString("/")
			b.WriteString(e.SubCode)
		}
		b.WriteString("]")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.SubMsg != "" {
		b.WriteString(" (")
		b.WriteString(e.SubMsg)
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports a match when target is a bare kind sentinel of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Code == "" && t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Crypto wraps a cryptographic failure.
func Crypto(op string, err error) error {
	return &Error{Kind: KindCrypto, Op: op, Err: err}
}

// Transport wraps a network or HTTP-level failure.
func Transport(op string, err error) error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

// Malformed reports an unexpected response shape.
func Malformed(op, format string, args ...interface{}) error {
	return &Error{Kind: KindMalformedResponse, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Rejected carries a gateway's business error code and message verbatim.
func Rejected(op, code, message string) *Error {
	return &Error{Kind: KindGatewayRejected, Op: op, Code: code, Message: message}
}

// CertificateNotFound reports a serial that no refresh could resolve.
func CertificateNotFound(op, serial string) error {
	return &Error{Kind: KindCertificateNotFound, Op: op, Message: "serial " + serial}
}

// Invalid reports a callback that failed verification or business checks.
func Invalid(op string, err error) error {
	return &Error{Kind: KindInvalidNotification, Op: op, Err: err}
}

// Config reports unusable configuration.
func Config(op string, err error) error {
	return &Error{Kind: KindConfig, Op: op, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain, or
// "" when err is nil or unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether err is worth retrying. Only transport failures
// are; repeating a crypto or validation failure cannot succeed.
func Retryable(err error) bool {
	return KindOf(err) == KindTransport
}

// AsRejected returns the gateway rejection in err's chain, if any.
func AsRejected(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindGatewayRejected {
		return e, true
	}
	return nil, false
}
