package wechatpay

import (
	"strconv"

	"github.com/mbd888/paysign/internal/canonical"
	"github.com/mbd888/paysign/internal/idgen"
)

// PayParams are handed to WeixinJSBridge / wx.requestPayment. Field names
// follow the JS API.
type PayParams struct {
	AppID     string `json:"appId"`
	TimeStamp string `json:"timeStamp"`
	NonceStr  string `json:"nonceStr"`
	Package   string `json:"package"`
	SignType  string `json:"signType"`
	PaySign   string `json:"paySign"`
}

// AppPayParams are handed to the WeChat app SDK.
type AppPayParams struct {
	AppID     string `json:"appid"`
	PartnerID string `json:"partnerid"`
	PrepayID  string `json:"prepayid"`
	Package   string `json:"package"`
	NonceStr  string `json:"noncestr"`
	Timestamp string `json:"timestamp"`
	Sign      string `json:"sign"`
}

// JSAPIParams signs the client-side parameters for a prepay_id:
// appId, timeStamp, nonceStr and package, one per line.
func (c *Client) JSAPIParams(appID, prepayID string) (*PayParams, error) {
	p := &PayParams{
		AppID:     appID,
		TimeStamp: strconv.FormatInt(c.now().Unix(), 10),
		NonceStr:  idgen.RequestNonce(),
		Package:   "prepay_id=" + prepayID,
		SignType:  "RSA",
	}
	sig, err := c.signer.Sign(canonical.Lines(p.AppID, p.TimeStamp, p.NonceStr, p.Package))
	if err != nil {
		return nil, err
	}
	p.PaySign = sig
	return p, nil
}

// AppParams signs the app-side parameters for a prepay_id: appid,
// timestamp, noncestr and prepayid, one per line.
func (c *Client) AppParams(appID, prepayID string) (*AppPayParams, error) {
	partner := c.cfg.MchID
	if c.cfg.service() {
		partner = c.cfg.SubMchID
	}
	p := &AppPayParams{
		AppID:     appID,
		PartnerID: partner,
		PrepayID:  prepayID,
		Package:   "Sign=WXPay",
		NonceStr:  idgen.RequestNonce(),
		Timestamp: strconv.FormatInt(c.now().Unix(), 10),
	}
	sig, err := c.signer.Sign(canonical.Lines(p.AppID, p.Timestamp, p.NonceStr, p.PrepayID))
	if err != nil {
		return nil, err
	}
	p.Sign = sig
	return p, nil
}
