package alipay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mbd888/paysign/internal/gateway"
	"github.com/mbd888/paysign/internal/payerr"
	"github.com/mbd888/paysign/internal/traces"
)

// API methods.
const (
	MethodAppPay    = "alipay.trade.app.pay"
	MethodPagePay   = "alipay.trade.page.pay"
	MethodWapPay    = "alipay.trade.wap.pay"
	MethodPrecreate = "alipay.trade.precreate"
	MethodCreate    = "alipay.trade.create"
	MethodRefund    = "alipay.trade.refund"
	MethodQuery     = "alipay.trade.query"
	MethodClose     = "alipay.trade.close"
)

// Order is a trade request shared by every payment product.
type Order struct {
	OutTradeNo  string
	TotalAmount decimal.Decimal
	Subject     string
	Body        string
	// ProductCode defaults per method when empty.
	ProductCode    string
	TimeoutExpress string
	// BuyerID is the payer's user ID, required by Create.
	BuyerID string
	// QuitURL is where wap checkout returns when the user backs out.
	QuitURL string

	NotifyURL string
	ReturnURL string

	// Extra holds optional biz_content fields with no typed counterpart.
	// Typed fields win on conflict.
	Extra map[string]any
}

type extendParams struct {
	SysServiceProviderID string `json:"sys_service_provider_id,omitempty"`
}

type tradeContent struct {
	OutTradeNo     string        `json:"out_trade_no"`
	TotalAmount    string        `json:"total_amount"`
	Subject        string        `json:"subject"`
	Body           string        `json:"body,omitempty"`
	ProductCode    string        `json:"product_code,omitempty"`
	TimeoutExpress string        `json:"timeout_express,omitempty"`
	BuyerID        string        `json:"buyer_id,omitempty"`
	QuitURL        string        `json:"quit_url,omitempty"`
	ExtendParams   *extendParams `json:"extend_params,omitempty"`
}

func (o Order) validate() error {
	var errs []error
	if o.OutTradeNo == "" {
		errs = append(errs, errors.New("out_trade_no is required"))
	}
	if o.Subject == "" {
		errs = append(errs, errors.New("subject is required"))
	}
	if !o.TotalAmount.IsPositive() {
		errs = append(errs, errors.New("total_amount must be positive"))
	}
	return errors.Join(errs...)
}

// bizContent renders o as biz_content. In service mode the provider ID
// goes into extend_params; sub_merchant_id is never injected.
func (c *Client) bizContent(method, defaultProduct string, o Order) (json.RawMessage, callOptions, error) {
	if err := o.validate(); err != nil {
		return nil, callOptions{}, payerr.Config(method, err)
	}
	content := tradeContent{
		OutTradeNo:     o.OutTradeNo,
		TotalAmount:    o.TotalAmount.StringFixed(2),
		Subject:        o.Subject,
		Body:           o.Body,
		ProductCode:    o.ProductCode,
		TimeoutExpress: o.TimeoutExpress,
		BuyerID:        o.BuyerID,
		QuitURL:        o.QuitURL,
	}
	if content.ProductCode == "" {
		content.ProductCode = defaultProduct
	}
	if c.cfg.Mode == gateway.ModeService && c.cfg.SysServiceProviderID != "" {
		content.ExtendParams = &extendParams{SysServiceProviderID: c.cfg.SysServiceProviderID}
	}
	biz, err := mergeExtra(content, o.Extra)
	if err != nil {
		return nil, callOptions{}, payerr.Config(method, err)
	}
	return biz, callOptions{notifyURL: o.NotifyURL, returnURL: o.ReturnURL}, nil
}

// mergeExtra is gateway.MergeExtra, except that a caller's extend_params
// object is merged with the service provider ID instead of replaced.
func mergeExtra(content tradeContent, extra map[string]any) (json.RawMessage, error) {
	if ep, ok := extra["extend_params"].(map[string]any); ok && content.ExtendParams != nil {
		merged := make(map[string]any, len(ep)+1)
		for k, v := range ep {
			merged[k] = v
		}
		merged["sys_service_provider_id"] = content.ExtendParams.SysServiceProviderID
		rest := make(map[string]any, len(extra))
		for k, v := range extra {
			rest[k] = v
		}
		rest["extend_params"] = merged
		content.ExtendParams = nil
		extra = rest
	}
	return gateway.MergeExtra(content, extra)
}

// AppPay returns the signed order string the Alipay app SDK consumes.
func (c *Client) AppPay(o Order) (string, error) {
	biz, opts, err := c.bizContent(MethodAppPay, "QUICK_MSECURITY_PAY", o)
	if err != nil {
		return "", err
	}
	p, err := c.signedParams(MethodAppPay, biz, opts)
	if err != nil {
		return "", err
	}
	return p.Encode(), nil
}

// WapPay returns the URL a mobile browser is redirected to.
func (c *Client) WapPay(o Order) (string, error) {
	biz, opts, err := c.bizContent(MethodWapPay, "QUICK_WAP_WAY", o)
	if err != nil {
		return "", err
	}
	p, err := c.signedParams(MethodWapPay, biz, opts)
	if err != nil {
		return "", err
	}
	return c.gatewayURL + "?" + p.Encode(), nil
}

// PagePay returns an HTML form that submits itself to the gateway. Render
// it as the response body of the merchant's checkout page.
func (c *Client) PagePay(o Order) (string, error) {
	biz, opts, err := c.bizContent(MethodPagePay, "FAST_INSTANT_TRADE_PAY", o)
	if err != nil {
		return "", err
	}
	p, err := c.signedParams(MethodPagePay, biz, opts)
	if err != nil {
		return "", err
	}

	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, `<form id="alipaysubmit" name="alipaysubmit" action="%s?charset=%s" method="POST">`+"\n",
		html.EscapeString(c.gatewayURL), html.EscapeString(c.cfg.charset()))
	for _, k := range keys {
		fmt.Fprintf(&b, `<input type="hidden" name="%s" value="%s"/>`+"\n", html.EscapeString(k), html.EscapeString(p[k]))
	}
	b.WriteString(`<input type="submit" value="Pay with Alipay" style="display:none"></form>` + "\n")
	b.WriteString(`<script>document.forms['alipaysubmit'].submit();</script>`)
	return b.String(), nil
}

// PrecreateResult carries the QR code for a face-to-face trade.
type PrecreateResult struct {
	OutTradeNo string `json:"out_trade_no"`
	QRCode     string `json:"qr_code"`
}

// Precreate creates a trade paid by scanning the returned QR code.
func (c *Client) Precreate(ctx context.Context, o Order) (*PrecreateResult, error) {
	biz, opts, err := c.bizContent(MethodPrecreate, "FACE_TO_FACE_PAYMENT", o)
	if err != nil {
		return nil, err
	}
	ctx, span := traces.StartSpan(ctx, "alipay.precreate", traces.OutTradeNo(o.OutTradeNo))
	var out PrecreateResult
	err = c.execute(ctx, MethodPrecreate, biz, opts, &out)
	traces.End(span, err)
	if err != nil {
		return nil, err
	}
	if out.QRCode == "" {
		return nil, payerr.Malformed(MethodPrecreate, "response has no qr_code")
	}
	return &out, nil
}

// CreateResult identifies a trade created for a mini program.
type CreateResult struct {
	OutTradeNo string `json:"out_trade_no"`
	TradeNo    string `json:"trade_no"`
}

// Create creates a mini-program trade. The mini program then calls
// my.tradePay with TradeNo.
func (c *Client) Create(ctx context.Context, o Order) (*CreateResult, error) {
	if o.BuyerID == "" {
		if _, ok := o.Extra["buyer_open_id"]; !ok {
			return nil, payerr.Config(MethodCreate, errors.New("buyer_id is required"))
		}
	}
	biz, opts, err := c.bizContent(MethodCreate, "JSAPI_PAY", o)
	if err != nil {
		return nil, err
	}
	ctx, span := traces.StartSpan(ctx, "alipay.create", traces.OutTradeNo(o.OutTradeNo))
	var out CreateResult
	err = c.execute(ctx, MethodCreate, biz, opts, &out)
	traces.End(span, err)
	if err != nil {
		return nil, err
	}
	if out.TradeNo == "" {
		return nil, payerr.Malformed(MethodCreate, "response has no trade_no")
	}
	if out.OutTradeNo == "" {
		out.OutTradeNo = o.OutTradeNo
	}
	return &out, nil
}

// TradeRef identifies a trade by either number.
type TradeRef struct {
	OutTradeNo string `json:"out_trade_no,omitempty"`
	TradeNo    string `json:"trade_no,omitempty"`
}

func (r TradeRef) validate(method string) error {
	if r.OutTradeNo == "" && r.TradeNo == "" {
		return payerr.Config(method, errors.New("out_trade_no or trade_no is required"))
	}
	return nil
}

// RefundRequest refunds all or part of a trade.
type RefundRequest struct {
	TradeRef
	RefundAmount decimal.Decimal
	RefundReason string
	// OutRequestNo identifies a partial refund; required when refunding a
	// trade more than once.
	OutRequestNo string
	Extra        map[string]any
}

type refundContent struct {
	TradeRef
	RefundAmount string `json:"refund_amount"`
	RefundReason string `json:"refund_reason,omitempty"`
	OutRequestNo string `json:"out_request_no,omitempty"`
}

// RefundResult is the gateway's answer to a refund.
type RefundResult struct {
	TradeNo      string `json:"trade_no"`
	OutTradeNo   string `json:"out_trade_no"`
	BuyerLogonID string `json:"buyer_logon_id"`
	FundChange   string `json:"fund_change"`
	RefundFee    string `json:"refund_fee"`
}

// Refund requests a refund.
func (c *Client) Refund(ctx context.Context, r RefundRequest) (*RefundResult, error) {
	if err := r.validate(MethodRefund); err != nil {
		return nil, err
	}
	if !r.RefundAmount.IsPositive() {
		return nil, payerr.Config(MethodRefund, errors.New("refund_amount must be positive"))
	}
	biz, err := gateway.MergeExtra(refundContent{
		TradeRef:     r.TradeRef,
		RefundAmount: r.RefundAmount.StringFixed(2),
		RefundReason: r.RefundReason,
		OutRequestNo: r.OutRequestNo,
	}, r.Extra)
	if err != nil {
		return nil, payerr.Config(MethodRefund, err)
	}
	ctx, span := traces.StartSpan(ctx, "alipay.refund", traces.OutTradeNo(r.OutTradeNo))
	var out RefundResult
	err = c.execute(ctx, MethodRefund, biz, callOptions{}, &out)
	traces.End(span, err)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// QueryResult is the gateway's view of a trade.
type QueryResult struct {
	TradeNo        string `json:"trade_no"`
	OutTradeNo     string `json:"out_trade_no"`
	BuyerLogonID   string `json:"buyer_logon_id"`
	TradeStatus    string `json:"trade_status"`
	TotalAmount    string `json:"total_amount"`
	BuyerPayAmount string `json:"buyer_pay_amount"`
	SendPayDate    string `json:"send_pay_date"`
}

// Query looks a trade up.
func (c *Client) Query(ctx context.Context, ref TradeRef) (*QueryResult, error) {
	if err := ref.validate(MethodQuery); err != nil {
		return nil, err
	}
	biz, err := json.Marshal(ref)
	if err != nil {
		return nil, payerr.Config(MethodQuery, err)
	}
	var out QueryResult
	if err := c.execute(ctx, MethodQuery, biz, callOptions{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Close closes an unpaid trade.
func (c *Client) Close(ctx context.Context, ref TradeRef) error {
	if err := ref.validate(MethodClose); err != nil {
		return err
	}
	biz, err := json.Marshal(ref)
	if err != nil {
		return payerr.Config(MethodClose, err)
	}
	return c.execute(ctx, MethodClose, biz, callOptions{}, nil)
}
