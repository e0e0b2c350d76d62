// Package gateway holds the vocabulary shared by the gateway clients and
// the notification pipeline: gateway names, merchant modes, the verified
// payment record and the sinks that receive it.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Name identifies a payment gateway.
type Name string

const (
	WeChatPay Name = "wechatpay"
	Alipay    Name = "alipay"
	Stripe    Name = "stripe"
)

// Mode selects between a direct merchant, a service provider acting for a
// sub-merchant, and the gateway's sandbox environment.
type Mode string

const (
	ModeNormal  Mode = "normal"
	ModeService Mode = "service"
	ModeSandbox Mode = "sandbox"
)

// ParseMode parses a mode name. Empty means normal.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeNormal:
		return ModeNormal, nil
	case ModeService:
		return ModeService, nil
	case ModeSandbox:
		return ModeSandbox, nil
	default:
		return "", fmt.Errorf("unknown pay mode %q (want normal, service or sandbox)", s)
	}
}

// Status is the normalized outcome of a verified payment.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFinished  Status = "finished"
	StatusRefunded  Status = "refunded"
	StatusClosed    Status = "closed"
	StatusOther     Status = "other"
)

// Payment is a verified notification, reduced to what the business layer
// needs. Raw keeps the decrypted or verified gateway payload verbatim.
type Payment struct {
	ID           string          `json:"id"`
	Gateway      Name            `json:"gateway"`
	EventType    string          `json:"eventType,omitempty"`
	OutTradeNo   string          `json:"outTradeNo"`
	TradeNo      string          `json:"tradeNo"`
	Status       Status          `json:"status"`
	GatewayState string          `json:"gatewayState"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	Payer        string          `json:"payer,omitempty"`
	PaidAt       *time.Time      `json:"paidAt,omitempty"`
	ReceivedAt   time.Time       `json:"receivedAt"`
	Raw          json.RawMessage `json:"raw,omitempty"`
}

// Sink receives verified payments. An error makes the notification
// handler answer with a failure so the gateway re-delivers; sinks must
// therefore tolerate duplicates.
type Sink interface {
	Accept(ctx context.Context, p *Payment) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, p *Payment) error

func (f SinkFunc) Accept(ctx context.Context, p *Payment) error { return f(ctx, p) }

// MultiSink delivers to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Accept(ctx context.Context, p *Payment) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Accept(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard accepts and drops every payment.
var Discard Sink = SinkFunc(func(context.Context, *Payment) error { return nil })

// AmountFromMinor converts an integer amount in minor units (fen, cents)
// to a decimal in major units.
func AmountFromMinor(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}

// MergeExtra encodes v as a JSON object and adds every key of extra that v
// does not already set. Typed request fields therefore always win over the
// free-form extension map.
func MergeExtra(v any, extra map[string]any) (json.RawMessage, error) {
	typed, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return typed, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(typed, &fields); err != nil {
		return nil, fmt.Errorf("merge extra: %T is not an object: %w", v, err)
	}
	merged := make(map[string]json.RawMessage, len(fields)+len(extra))
	for k, val := range extra {
		b, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("merge extra %q: %w", k, err)
		}
		merged[k] = b
	}
	for k, val := range fields {
		merged[k] = val
	}
	return json.Marshal(merged)
}
