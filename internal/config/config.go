// Package config handles application configuration from environment variables
package config

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/paysign/internal/alipay"
	"github.com/mbd888/paysign/internal/gateway"
	"github.com/mbd888/paysign/internal/payerr"
	"github.com/mbd888/paysign/internal/ratelimit"
	"github.com/mbd888/paysign/internal/security"
	"github.com/mbd888/paysign/internal/wechatpay"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Mode applies to every configured gateway.
	Mode gateway.Mode

	OTLPEndpoint     string
	OTLPInsecure     bool
	TraceSampleRatio float64

	// Security
	AdminSecret    string
	RateLimitRPS   float64
	RateLimitBurst int
	// RateLimitExempt ranges bypass the limiter.
	RateLimitExempt []netip.Prefix

	// CertRefreshInterval is how often WeChat Pay platform certificates are
	// re-downloaded in the background.
	CertRefreshInterval time.Duration

	// Gateways. A nil section is disabled.
	WeChatPay *wechatpay.Config
	Alipay    *alipay.Config

	StripeWebhookSecret string

	// Forwarding of verified payments to the merchant backend.
	ForwardURL    string
	ForwardSecret string

	// RealtimeRawPayloads keeps payer identity and raw gateway documents
	// on the websocket stream.
	RealtimeRawPayloads bool
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "json"
	DefaultRateLimitRPS        = 20
	DefaultRateLimitBurst      = 50
	DefaultCertRefreshInterval = 12 * time.Hour
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	mode, err := gateway.ParseMode(os.Getenv("PAY_MODE"))
	if err != nil {
		return nil, payerr.Config("config.load", err)
	}

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		Mode:                mode,
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:        getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		TraceSampleRatio:    getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 1),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:        getEnvFloat("RATE_LIMIT_RPS", DefaultRateLimitRPS),
		RateLimitBurst:      getEnvInt("RATE_LIMIT_BURST", DefaultRateLimitBurst),
		CertRefreshInterval: getEnvDuration("CERT_REFRESH_INTERVAL", DefaultCertRefreshInterval),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		ForwardURL:          os.Getenv("FORWARD_URL"),
		ForwardSecret:       os.Getenv("FORWARD_SECRET"),
		RealtimeRawPayloads: getEnvBool("REALTIME_RAW_PAYLOADS", false),
	}

	if raw := os.Getenv("RATE_LIMIT_EXEMPT_CIDRS"); raw != "" {
		exempt, err := ratelimit.ParsePrefixes(strings.Split(raw, ","))
		if err != nil {
			return nil, payerr.Config("config.load", fmt.Errorf("RATE_LIMIT_EXEMPT_CIDRS: %w", err))
		}
		cfg.RateLimitExempt = exempt
	}

	if os.Getenv("WECHATPAY_MCHID") != "" {
		cfg.WeChatPay = &wechatpay.Config{
			Mode:                mode,
			MchID:               os.Getenv("WECHATPAY_MCHID"),
			SerialNo:            os.Getenv("WECHATPAY_SERIAL_NO"),
			PrivateKey:          os.Getenv("WECHATPAY_PRIVATE_KEY"),
			APIv3Key:            os.Getenv("WECHATPAY_APIV3_KEY"),
			AppID:               os.Getenv("WECHATPAY_APPID"),
			MPAppID:             os.Getenv("WECHATPAY_MP_APPID"),
			MiniAppID:           os.Getenv("WECHATPAY_MINI_APPID"),
			AppAppID:            os.Getenv("WECHATPAY_APP_APPID"),
			SubMchID:            os.Getenv("WECHATPAY_SUB_MCHID"),
			SubAppID:            os.Getenv("WECHATPAY_SUB_APPID"),
			NotifyURL:           os.Getenv("WECHATPAY_NOTIFY_URL"),
			PlatformPublicKey:   os.Getenv("WECHATPAY_PLATFORM_PUBLIC_KEY"),
			PlatformPublicKeyID: os.Getenv("WECHATPAY_PLATFORM_PUBLIC_KEY_ID"),
			BaseURL:             os.Getenv("WECHATPAY_BASE_URL"),
		}
	}

	if os.Getenv("ALIPAY_APP_ID") != "" {
		cfg.Alipay = &alipay.Config{
			Mode:                 mode,
			AppID:                os.Getenv("ALIPAY_APP_ID"),
			PrivateKey:           os.Getenv("ALIPAY_PRIVATE_KEY"),
			AlipayPublicKey:      os.Getenv("ALIPAY_PUBLIC_KEY"),
			AppCert:              os.Getenv("ALIPAY_APP_CERT"),
			AlipayRootCert:       os.Getenv("ALIPAY_ROOT_CERT"),
			NotifyURL:            os.Getenv("ALIPAY_NOTIFY_URL"),
			ReturnURL:            os.Getenv("ALIPAY_RETURN_URL"),
			AppAuthToken:         os.Getenv("ALIPAY_APP_AUTH_TOKEN"),
			SysServiceProviderID: os.Getenv("ALIPAY_SYS_SERVICE_PROVIDER_ID"),
			GatewayURL:           os.Getenv("ALIPAY_GATEWAY_URL"),
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	if c.WeChatPay == nil && c.Alipay == nil && c.StripeWebhookSecret == "" {
		errs = append(errs, errors.New("no gateway configured: set WECHATPAY_MCHID, ALIPAY_APP_ID or STRIPE_WEBHOOK_SECRET"))
	}
	if c.WeChatPay != nil {
		if err := c.WeChatPay.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("WECHATPAY: %w", err))
		}
	}
	if c.Alipay != nil {
		if err := c.Alipay.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("ALIPAY: %w", err))
		}
	}
	if c.ForwardURL != "" && c.ForwardSecret == "" {
		errs = append(errs, errors.New("FORWARD_SECRET is required when FORWARD_URL is set"))
	}
	if c.RateLimitRPS <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RPS must be positive"))
	}
	if c.CertRefreshInterval < time.Minute {
		errs = append(errs, errors.New("CERT_REFRESH_INTERVAL must be at least 1m"))
	}

	if c.IsProduction() {
		if c.AdminSecret == "" {
			errs = append(errs, errors.New("ADMIN_SECRET is required in production"))
		}
		if c.Mode == gateway.ModeSandbox {
			errs = append(errs, errors.New("PAY_MODE=sandbox is not allowed in production"))
		}
		if c.ForwardURL != "" {
			if err := security.ValidateForwardURL(context.Background(), c.ForwardURL); err != nil {
				errs = append(errs, fmt.Errorf("FORWARD_URL: %w", err))
			}
		}
	}

	if err := errors.Join(errs...); err != nil {
		return payerr.Config("config.validate", err)
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Gateways lists the configured gateways.
func (c *Config) Gateways() []gateway.Name {
	var out []gateway.Name
	if c.WeChatPay != nil {
		out = append(out, gateway.WeChatPay)
	}
	if c.Alipay != nil {
		out = append(out, gateway.Alipay)
	}
	if c.StripeWebhookSecret != "" {
		out = append(out, gateway.Stripe)
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
