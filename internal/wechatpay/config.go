package wechatpay

import (
	"errors"
	"fmt"

	"github.com/mbd888/paysign/internal/aead"
	"github.com/mbd888/paysign/internal/gateway"
)

// Gateway base URLs.
const (
	BaseURL        = "https://api.mch.weixin.qq.com"
	SandboxBaseURL = "https://api.mch.weixin.qq.com/sandboxnew"
)

// Config is one merchant's WeChat Pay API v3 credentials. It is built once
// and handed to New; the client keeps its own copy.
type Config struct {
	Mode gateway.Mode

	// MchID is the merchant ID, or the service provider's sp_mchid in
	// service mode.
	MchID string
	// SerialNo is the serial of the merchant API certificate whose key
	// signs requests.
	SerialNo string
	// PrivateKey is PEM text, a file path or a raw base64 key body.
	PrivateKey string
	// APIv3Key decrypts notification resources and platform certificates.
	APIv3Key string

	// AppIDs per product. AppID is the fallback for all of them.
	AppID     string
	MPAppID   string
	MiniAppID string
	AppAppID  string

	// Service mode only.
	SubMchID string
	SubAppID string

	NotifyURL string

	// PlatformPublicKey pins a platform public key (PEM, path or raw body)
	// under PlatformPublicKeyID for merchants using the public key mode
	// instead of rotating platform certificates.
	PlatformPublicKey   string
	PlatformPublicKeyID string

	// BaseURL overrides the mode's default endpoint.
	BaseURL string
	// MaxAttempts bounds retries of one request; default 3.
	MaxAttempts int
}

// Validate checks the fields every mode needs.
func (c Config) Validate() error {
	var errs []error
	if c.MchID == "" {
		errs = append(errs, errors.New("mchid is required"))
	}
	if c.SerialNo == "" {
		errs = append(errs, errors.New("merchant certificate serial is required"))
	}
	if c.PrivateKey == "" {
		errs = append(errs, errors.New("merchant private key is required"))
	}
	if len(c.APIv3Key) != aead.KeySize {
		errs = append(errs, fmt.Errorf("api v3 key must be %d bytes", aead.KeySize))
	}
	if c.Mode == gateway.ModeService && c.SubMchID == "" {
		errs = append(errs, errors.New("sub_mchid is required in service mode"))
	}
	if (c.PlatformPublicKey == "") != (c.PlatformPublicKeyID == "") {
		errs = append(errs, errors.New("platform public key and its ID must be set together"))
	}
	return errors.Join(errs...)
}

func (c Config) baseURL() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	if c.Mode == gateway.ModeSandbox {
		return SandboxBaseURL
	}
	return BaseURL
}

func (c Config) appID(product string) string {
	var id string
	switch product {
	case productMP:
		id = c.MPAppID
	case productMini:
		id = c.MiniAppID
	case productApp:
		id = c.AppAppID
	}
	if id == "" {
		return c.AppID
	}
	return id
}

func (c Config) service() bool {
	return c.Mode == gateway.ModeService
}
