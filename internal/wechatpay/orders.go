package wechatpay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/mbd888/paysign/internal/gateway"
	"github.com/mbd888/paysign/internal/payerr"
	"github.com/mbd888/paysign/internal/traces"
)

// Products. They select the AppID and the endpoint suffix.
const (
	productMP     = "jsapi"
	productMini   = "mini"
	productApp    = "app"
	productH5     = "h5"
	productNative = "native"
)

// Amount is an order amount in fen.
type Amount struct {
	Total    int64  `json:"total"`
	Currency string `json:"currency,omitempty"`
}

// Payer identifies the paying user. Direct merchants set OpenID; service
// providers set SpOpenID or SubOpenID.
type Payer struct {
	OpenID    string `json:"openid,omitempty"`
	SpOpenID  string `json:"sp_openid,omitempty"`
	SubOpenID string `json:"sub_openid,omitempty"`
}

// SceneInfo carries the client IP and, for H5, the browser type.
type SceneInfo struct {
	PayerClientIP string  `json:"payer_client_ip"`
	DeviceID      string  `json:"device_id,omitempty"`
	H5Info        *H5Info `json:"h5_info,omitempty"`
}

// H5Info is required for H5 orders. Type is one of Wap, iOS, Android.
type H5Info struct {
	Type string `json:"type"`
}

// Order is a prepay request common to every product.
type Order struct {
	Description string
	OutTradeNo  string
	Amount      Amount
	Payer       *Payer
	SceneInfo   *SceneInfo
	Attach      string
	// TimeExpire is RFC 3339, e.g. 2026-06-08T10:34:56+08:00.
	TimeExpire string
	// NotifyURL overrides Config.NotifyURL.
	NotifyURL string
	// Extra holds optional gateway fields with no typed counterpart
	// (goods_tag, detail, settle_info, ...). Typed fields win on conflict.
	Extra map[string]any
}

func (o Order) validate(product string) error {
	var errs []error
	if o.Description == "" {
		errs = append(errs, errors.New("description is required"))
	}
	if o.OutTradeNo == "" {
		errs = append(errs, errors.New("out_trade_no is required"))
	}
	if o.Amount.Total <= 0 {
		errs = append(errs, errors.New("amount.total must be positive"))
	}
	switch product {
	case productMP, productMini:
		if o.Payer == nil || (o.Payer.OpenID == "" && o.Payer.SpOpenID == "" && o.Payer.SubOpenID == "") {
			errs = append(errs, errors.New("payer openid is required"))
		}
	case productH5:
		if o.SceneInfo == nil || o.SceneInfo.H5Info == nil || o.SceneInfo.PayerClientIP == "" {
			errs = append(errs, errors.New("scene_info with payer_client_ip and h5_info is required"))
		}
	}
	return errors.Join(errs...)
}

// orderRequest is the wire body. Direct merchants fill appid/mchid,
// service providers the sp_/sub_ pairs.
type orderRequest struct {
	AppID       string     `json:"appid,omitempty"`
	MchID       string     `json:"mchid,omitempty"`
	SpAppID     string     `json:"sp_appid,omitempty"`
	SpMchID     string     `json:"sp_mchid,omitempty"`
	SubAppID    string     `json:"sub_appid,omitempty"`
	SubMchID    string     `json:"sub_mchid,omitempty"`
	Description string     `json:"description"`
	OutTradeNo  string     `json:"out_trade_no"`
	TimeExpire  string     `json:"time_expire,omitempty"`
	Attach      string     `json:"attach,omitempty"`
	NotifyURL   string     `json:"notify_url"`
	Amount      Amount     `json:"amount"`
	Payer       *Payer     `json:"payer,omitempty"`
	SceneInfo   *SceneInfo `json:"scene_info,omitempty"`
}

func (c *Client) buildOrder(product string, o Order) (json.RawMessage, error) {
	if err := o.validate(product); err != nil {
		return nil, payerr.Config("wechatpay."+product, err)
	}
	req := orderRequest{
		Description: o.Description,
		OutTradeNo:  o.OutTradeNo,
		TimeExpire:  o.TimeExpire,
		Attach:      o.Attach,
		NotifyURL:   o.NotifyURL,
		Amount:      o.Amount,
		Payer:       o.Payer,
		SceneInfo:   o.SceneInfo,
	}
	if req.NotifyURL == "" {
		req.NotifyURL = c.cfg.NotifyURL
	}
	if req.Amount.Currency == "" {
		req.Amount.Currency = "CNY"
	}
	if c.cfg.service() {
		req.SpAppID = c.cfg.appID(product)
		req.SpMchID = c.cfg.MchID
		req.SubAppID = c.cfg.SubAppID
		req.SubMchID = c.cfg.SubMchID
	} else {
		req.AppID = c.cfg.appID(product)
		req.MchID = c.cfg.MchID
	}
	return marshalWithExtra(req, o.Extra)
}

func marshalWithExtra(v any, extra map[string]any) (json.RawMessage, error) {
	out, err := gateway.MergeExtra(v, extra)
	if err != nil {
		return nil, payerr.Config("wechatpay.encode", err)
	}
	return out, nil
}

func (c *Client) transactionsPath(product string) string {
	suffix := product
	if product == productMini {
		suffix = productMP
	}
	if c.cfg.service() {
		return "/v3/pay/partner/transactions/" + suffix
	}
	return "/v3/pay/transactions/" + suffix
}

type prepayResponse struct {
	PrepayID string `json:"prepay_id"`
	H5URL    string `json:"h5_url"`
	CodeURL  string `json:"code_url"`
}

func (c *Client) prepay(ctx context.Context, product string, o Order) (*prepayResponse, error) {
	body, err := c.buildOrder(product, o)
	if err != nil {
		return nil, err
	}
	ctx, span := traces.StartSpan(ctx, "wechatpay."+product, traces.OutTradeNo(o.OutTradeNo))
	var resp prepayResponse
	err = c.Do(ctx, http.MethodPost, c.transactionsPath(product), body, &resp)
	traces.End(span, err)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// JSAPI places an official-account order and returns the parameters the
// page passes to WeixinJSBridge.
func (c *Client) JSAPI(ctx context.Context, o Order) (*PayParams, error) {
	resp, err := c.prepay(ctx, productMP, o)
	if err != nil {
		return nil, err
	}
	if resp.PrepayID == "" {
		return nil, payerr.Malformed("wechatpay.jsapi", "response has no prepay_id")
	}
	return c.JSAPIParams(c.payAppID(productMP), resp.PrepayID)
}

// MiniProgram places a mini-program order and returns the parameters for
// wx.requestPayment.
func (c *Client) MiniProgram(ctx context.Context, o Order) (*PayParams, error) {
	resp, err := c.prepay(ctx, productMini, o)
	if err != nil {
		return nil, err
	}
	if resp.PrepayID == "" {
		return nil, payerr.Malformed("wechatpay.mini", "response has no prepay_id")
	}
	return c.JSAPIParams(c.payAppID(productMini), resp.PrepayID)
}

// App places an in-app order and returns the parameters for the app SDK.
func (c *Client) App(ctx context.Context, o Order) (*AppPayParams, error) {
	resp, err := c.prepay(ctx, productApp, o)
	if err != nil {
		return nil, err
	}
	if resp.PrepayID == "" {
		return nil, payerr.Malformed("wechatpay.app", "response has no prepay_id")
	}
	return c.AppParams(c.payAppID(productApp), resp.PrepayID)
}

// H5 places a mobile-browser order and returns the redirect URL.
func (c *Client) H5(ctx context.Context, o Order) (string, error) {
	resp, err := c.prepay(ctx, productH5, o)
	if err != nil {
		return "", err
	}
	if resp.H5URL == "" {
		return "", payerr.Malformed("wechatpay.h5", "response has no h5_url")
	}
	return resp.H5URL, nil
}

// Native places a QR-code order and returns the code_url to render.
func (c *Client) Native(ctx context.Context, o Order) (string, error) {
	resp, err := c.prepay(ctx, productNative, o)
	if err != nil {
		return "", err
	}
	if resp.CodeURL == "" {
		return "", payerr.Malformed("wechatpay.native", "response has no code_url")
	}
	return resp.CodeURL, nil
}

// payAppID is the AppID the client-side pay signature is bound to: the
// sub-merchant's own app in service mode when one is configured.
func (c *Client) payAppID(product string) string {
	if c.cfg.service() && c.cfg.SubAppID != "" {
		return c.cfg.SubAppID
	}
	return c.cfg.appID(product)
}

// QueryOrder looks an order up by out_trade_no.
func (c *Client) QueryOrder(ctx context.Context, outTradeNo string) (*Transaction, error) {
	if outTradeNo == "" {
		return nil, payerr.Config("wechatpay.query", errors.New("out_trade_no is required"))
	}
	path := c.orderPath("/out-trade-no/"+url.PathEscape(outTradeNo)) + "?" + c.merchantQuery()
	var tx Transaction
	if err := c.Do(ctx, http.MethodGet, path, nil, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// QueryTransaction looks an order up by the gateway's transaction_id.
func (c *Client) QueryTransaction(ctx context.Context, transactionID string) (*Transaction, error) {
	if transactionID == "" {
		return nil, payerr.Config("wechatpay.query", errors.New("transaction_id is required"))
	}
	path := c.orderPath("/id/"+url.PathEscape(transactionID)) + "?" + c.merchantQuery()
	var tx Transaction
	if err := c.Do(ctx, http.MethodGet, path, nil, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// CloseOrder closes an unpaid order. The gateway answers 204.
func (c *Client) CloseOrder(ctx context.Context, outTradeNo string) error {
	if outTradeNo == "" {
		return payerr.Config("wechatpay.close", errors.New("out_trade_no is required"))
	}
	body := map[string]string{"mchid": c.cfg.MchID}
	if c.cfg.service() {
		body = map[string]string{"sp_mchid": c.cfg.MchID, "sub_mchid": c.cfg.SubMchID}
	}
	path := c.orderPath("/out-trade-no/"+url.PathEscape(outTradeNo)) + "/close"
	return c.Do(ctx, http.MethodPost, path, body, nil)
}

func (c *Client) orderPath(suffix string) string {
	if c.cfg.service() {
		return "/v3/pay/partner/transactions" + suffix
	}
	return "/v3/pay/transactions" + suffix
}

func (c *Client) merchantQuery() string {
	q := url.Values{}
	if c.cfg.service() {
		q.Set("sp_mchid", c.cfg.MchID)
		q.Set("sub_mchid", c.cfg.SubMchID)
	} else {
		q.Set("mchid", c.cfg.MchID)
	}
	return q.Encode()
}

// RefundAmount is a refund amount in fen.
type RefundAmount struct {
	Refund   int64  `json:"refund"`
	Total    int64  `json:"total"`
	Currency string `json:"currency"`
}

// RefundRequest asks for a domestic refund. One of TransactionID or
// OutTradeNo identifies the order.
type RefundRequest struct {
	TransactionID string
	OutTradeNo    string
	OutRefundNo   string
	Reason        string
	NotifyURL     string
	Amount        RefundAmount
	Extra         map[string]any
}

type refundBody struct {
	SubMchID      string       `json:"sub_mchid,omitempty"`
	TransactionID string       `json:"transaction_id,omitempty"`
	OutTradeNo    string       `json:"out_trade_no,omitempty"`
	OutRefundNo   string       `json:"out_refund_no"`
	Reason        string       `json:"reason,omitempty"`
	NotifyURL     string       `json:"notify_url,omitempty"`
	Amount        RefundAmount `json:"amount"`
}

// Refund is the gateway's view of a refund.
type Refund struct {
	RefundID      string `json:"refund_id"`
	OutRefundNo   string `json:"out_refund_no"`
	TransactionID string `json:"transaction_id"`
	OutTradeNo    string `json:"out_trade_no"`
	Channel       string `json:"channel"`
	Status        string `json:"status"`
	CreateTime    string `json:"create_time"`
	SuccessTime   string `json:"success_time,omitempty"`
	Amount        struct {
		Total       int64  `json:"total"`
		Refund      int64  `json:"refund"`
		PayerTotal  int64  `json:"payer_total"`
		PayerRefund int64  `json:"payer_refund"`
		Currency    string `json:"currency"`
	} `json:"amount"`
}

// Refund requests a refund.
func (c *Client) Refund(ctx context.Context, r RefundRequest) (*Refund, error) {
	var errs []error
	if r.TransactionID == "" && r.OutTradeNo == "" {
		errs = append(errs, errors.New("transaction_id or out_trade_no is required"))
	}
	if r.OutRefundNo == "" {
		errs = append(errs, errors.New("out_refund_no is required"))
	}
	if r.Amount.Refund <= 0 || r.Amount.Refund > r.Amount.Total {
		errs = append(errs, errors.New("refund amount must be positive and at most the total"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, payerr.Config("wechatpay.refund", err)
	}

	body := refundBody{
		TransactionID: r.TransactionID,
		OutTradeNo:    r.OutTradeNo,
		OutRefundNo:   r.OutRefundNo,
		Reason:        r.Reason,
		NotifyURL:     r.NotifyURL,
		Amount:        r.Amount,
	}
	if body.Amount.Currency == "" {
		body.Amount.Currency = "CNY"
	}
	if c.cfg.service() {
		body.SubMchID = c.cfg.SubMchID
	}
	payload, err := marshalWithExtra(body, r.Extra)
	if err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "wechatpay.refund", traces.OutTradeNo(r.OutTradeNo))
	var out Refund
	err = c.Do(ctx, http.MethodPost, "/v3/refund/domestic/refunds", payload, &out)
	traces.End(span, err)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// TransferDetail is one payee of a batch transfer, amount in fen.
type TransferDetail struct {
	OutDetailNo    string `json:"out_detail_no"`
	TransferAmount int64  `json:"transfer_amount"`
	TransferRemark string `json:"transfer_remark"`
	OpenID         string `json:"openid"`
}

// TransferRequest is a batch transfer to users' balances.
type TransferRequest struct {
	OutBatchNo  string
	BatchName   string
	BatchRemark string
	Details     []TransferDetail
	Extra       map[string]any
}

type transferBody struct {
	AppID       string           `json:"appid"`
	OutBatchNo  string           `json:"out_batch_no"`
	BatchName   string           `json:"batch_name"`
	BatchRemark string           `json:"batch_remark"`
	TotalAmount int64            `json:"total_amount"`
	TotalNum    int              `json:"total_num"`
	Details     []TransferDetail `json:"transfer_detail_list"`
}

// TransferBatch is the gateway's acknowledgement of a batch.
type TransferBatch struct {
	OutBatchNo string `json:"out_batch_no"`
	BatchID    string `json:"batch_id"`
	CreateTime string `json:"create_time"`
}

// Transfer starts a batch transfer. Totals are computed from the details.
func (c *Client) Transfer(ctx context.Context, r TransferRequest) (*TransferBatch, error) {
	if r.OutBatchNo == "" || len(r.Details) == 0 {
		return nil, payerr.Config("wechatpay.transfer", errors.New("out_batch_no and at least one detail are required"))
	}
	body := transferBody{
		AppID:       c.cfg.AppID,
		OutBatchNo:  r.OutBatchNo,
		BatchName:   r.BatchName,
		BatchRemark: r.BatchRemark,
		TotalNum:    len(r.Details),
		Details:     r.Details,
	}
	for _, d := range r.Details {
		if d.TransferAmount <= 0 {
			return nil, payerr.Config("wechatpay.transfer", errors.New("transfer_amount must be positive"))
		}
		body.TotalAmount += d.TransferAmount
	}
	payload, err := marshalWithExtra(body, r.Extra)
	if err != nil {
		return nil, err
	}
	var out TransferBatch
	if err := c.Do(ctx, http.MethodPost, "/v3/transfer/batches", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
