package alipay

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mbd888/paysign/internal/gateway"
)

// Gateway endpoints.
const (
	GatewayURL        = "https://openapi.alipay.com/gateway.do"
	SandboxGatewayURL = "https://openapi.alipaydev.com/gateway.do"
)

// SignTypeRSA2 is RSA with SHA-256, the only signature type supported.
const SignTypeRSA2 = "RSA2"

// Config is one application's Alipay credentials.
type Config struct {
	Mode gateway.Mode

	AppID string
	// PrivateKey is the application private key: PEM text, a file path or
	// a raw base64 body as the Alipay console exports it.
	PrivateKey string
	// AlipayPublicKey verifies notifications and responses. It may be a
	// public key or the Alipay public key certificate, as PEM, path or raw
	// body.
	AlipayPublicKey string

	// AppCert and AlipayRootCert enable certificate mode. Both are PEM text
	// or file paths, and must be set together.
	AppCert        string
	AlipayRootCert string

	Charset   string
	SignType  string
	NotifyURL string
	ReturnURL string

	// Service provider mode.
	AppAuthToken         string
	SysServiceProviderID string

	// GatewayURL overrides the mode's default endpoint.
	GatewayURL string
	// MaxAttempts bounds retries of one API call; default 3.
	MaxAttempts int
}

// Validate checks required fields.
func (c Config) Validate() error {
	var errs []error
	if c.AppID == "" {
		errs = append(errs, errors.New("app_id is required"))
	}
	if c.PrivateKey == "" {
		errs = append(errs, errors.New("application private key is required"))
	}
	if c.AlipayPublicKey == "" {
		errs = append(errs, errors.New("alipay public key is required"))
	}
	if (c.AppCert == "") != (c.AlipayRootCert == "") {
		errs = append(errs, errors.New("app certificate and alipay root certificate must be set together"))
	}
	if c.SignType != "" && !strings.EqualFold(c.SignType, SignTypeRSA2) {
		errs = append(errs, fmt.Errorf("unsupported sign_type %q", c.SignType))
	}
	return errors.Join(errs...)
}

func (c Config) gatewayURL() string {
	if c.GatewayURL != "" {
		return c.GatewayURL
	}
	if c.Mode == gateway.ModeSandbox {
		return SandboxGatewayURL
	}
	return GatewayURL
}

func (c Config) charset() string {
	if c.Charset == "" {
		return "utf-8"
	}
	return c.Charset
}

func (c Config) certMode() bool {
	return c.AppCert != "" && c.AlipayRootCert != ""
}
