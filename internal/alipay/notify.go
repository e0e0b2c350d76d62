package alipay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/paysign/internal/canonical"
	"github.com/mbd888/paysign/internal/gateway"
	"github.com/mbd888/paysign/internal/idgen"
	"github.com/mbd888/paysign/internal/metrics"
	"github.com/mbd888/paysign/internal/payerr"
	"github.com/mbd888/paysign/internal/traces"
)

// Trade statuses reported by notifications.
const (
	TradeWaitBuyerPay = "WAIT_BUYER_PAY"
	TradeClosed       = "TRADE_CLOSED"
	TradeSuccess      = "TRADE_SUCCESS"
	TradeFinished     = "TRADE_FINISHED"
)

// ErrTradeNotSuccess is wrapped by VerifyNotification when a correctly
// signed notification reports a status other than TRADE_SUCCESS or
// TRADE_FINISHED.
var ErrTradeNotSuccess = errors.New("trade status is not a success")

// Notification is a verified asynchronous notification.
type Notification struct {
	NotifyID    string
	NotifyTime  string
	AppID       string
	OutTradeNo  string
	TradeNo     string
	TradeStatus string
	TotalAmount decimal.Decimal
	SellerID    string
	BuyerID     string
	GmtPayment  string
	// Params are all received parameters except sign and sign_type.
	Params canonical.Params
}

var requiredNotifyFields = []string{"app_id", "out_trade_no", "trade_no", "trade_status", "total_amount"}

// VerifyNotification authenticates a form-decoded notification. The
// signature covers every parameter except sign and sign_type. After it
// verifies, the required fields must be present, app_id must be this
// application and the trade status must be a success; anything else is an
// error so the caller answers with a failure.
func (c *Client) VerifyNotification(ctx context.Context, params canonical.Params) (n *Notification, err error) {
	const op = "alipay.notify"
	_, span := traces.StartSpan(ctx, "alipay.verify_notification", traces.Gateway("alipay"))
	defer func() {
		result := metrics.ResultValid
		if err != nil {
			result = metrics.ResultInvalid
		}
		metrics.VerificationsTotal.WithLabelValues("alipay", result).Inc()
		traces.End(span, err)
	}()

	sign := params["sign"]
	if sign == "" {
		return nil, payerr.Invalid(op, errors.New("missing sign"))
	}
	if st := params["sign_type"]; st != "" && st != SignTypeRSA2 {
		return nil, payerr.Invalid(op, fmt.Errorf("unsupported sign_type %q", st))
	}

	ok, err := c.verifier.Verify(canonical.Sorted(params, "sign", "sign_type"), sign)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, payerr.Invalid(op, errors.New("signature mismatch"))
	}

	for _, f := range requiredNotifyFields {
		if params[f] == "" {
			return nil, payerr.Invalid(op, fmt.Errorf("missing %s", f))
		}
	}
	if params["app_id"] != c.cfg.AppID {
		return nil, payerr.Invalid(op, fmt.Errorf("app_id %q is not this application", params["app_id"]))
	}
	amount, err := decimal.NewFromString(params["total_amount"])
	if err != nil {
		return nil, payerr.Invalid(op, fmt.Errorf("total_amount %q: %w", params["total_amount"], err))
	}
	status := params["trade_status"]
	if status != TradeSuccess && status != TradeFinished {
		return nil, payerr.Invalid(op, fmt.Errorf("%w: %s", ErrTradeNotSuccess, status))
	}

	rest := make(canonical.Params, len(params))
	for k, v := range params {
		if k != "sign" && k != "sign_type" {
			rest[k] = v
		}
	}
	return &Notification{
		NotifyID:    params["notify_id"],
		NotifyTime:  params["notify_time"],
		AppID:       params["app_id"],
		OutTradeNo:  params["out_trade_no"],
		TradeNo:     params["trade_no"],
		TradeStatus: status,
		TotalAmount: amount,
		SellerID:    params["seller_id"],
		BuyerID:     params["buyer_id"],
		GmtPayment:  params["gmt_payment"],
		Params:      rest,
	}, nil
}

// VerifyNotificationForm is VerifyNotification over a parsed form.
func (c *Client) VerifyNotificationForm(ctx context.Context, form url.Values) (*Notification, error) {
	return c.VerifyNotification(ctx, canonical.FromValues(form))
}

// ToPayment reduces the notification to the shared payment record.
func (n *Notification) ToPayment(receivedAt time.Time) *gateway.Payment {
	p := &gateway.Payment{
		ID:           n.NotifyID,
		Gateway:      gateway.Alipay,
		EventType:    n.TradeStatus,
		OutTradeNo:   n.OutTradeNo,
		TradeNo:      n.TradeNo,
		GatewayState: n.TradeStatus,
		Amount:       n.TotalAmount,
		Currency:     "CNY",
		Payer:        n.BuyerID,
		ReceivedAt:   receivedAt,
	}
	if p.ID == "" {
		p.ID = idgen.WithPrefix("ali_")
	}
	switch n.TradeStatus {
	case TradeSuccess:
		p.Status = gateway.StatusSucceeded
	case TradeFinished:
		p.Status = gateway.StatusFinished
	default:
		p.Status = gateway.StatusOther
	}
	if n.GmtPayment != "" {
		if t, err := time.ParseInLocation(timestampLayout, n.GmtPayment, beijing); err == nil {
			p.PaidAt = &t
		}
	}
	if raw, err := json.Marshal(n.Params); err == nil {
		p.Raw = raw
	}
	return p
}
