package alipay

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/paysign/internal/canonical"
	"github.com/mbd888/paysign/internal/gateway"
	"github.com/mbd888/paysign/internal/payerr"
	"github.com/mbd888/paysign/internal/signing"
)

func notifyParams(status string) canonical.Params {
	return canonical.Params{
		"notify_id":    "ac05099524730693a8b330c5ecf72da9786",
		"notify_time":  "2023-11-15 06:14:00",
		"notify_type":  "trade_status_sync",
		"app_id":       "2021000000000001",
		"out_trade_no": "ORDER-1",
		"trade_no":     "2023111522001",
		"trade_status": status,
		"total_amount": "88.80",
		"buyer_id":     "2088102122524333",
		"gmt_payment":  "2023-11-15 06:13:55",
		"sign_type":    "RSA2",
	}
}

// signNotification signs p as the Alipay side does.
func signNotification(t *testing.T, p canonical.Params) canonical.Params {
	t.Helper()
	_, ali := testKeys(t)
	sig, err := signing.Sign(ali, []byte(canonical.Sorted(p, "sign", "sign_type")))
	require.NoError(t, err)
	p["sign"] = sig
	return p
}

func TestVerifyNotification_Success(t *testing.T) {
	c := newTestClient(t)
	n, err := c.VerifyNotification(context.Background(), signNotification(t, notifyParams(TradeSuccess)))
	require.NoError(t, err)

	assert.Equal(t, "ORDER-1", n.OutTradeNo)
	assert.Equal(t, "2023111522001", n.TradeNo)
	assert.Equal(t, "88.8", n.TotalAmount.String())
	assert.NotContains(t, n.Params, "sign")
	assert.NotContains(t, n.Params, "sign_type")
	assert.Equal(t, "trade_status_sync", n.Params["notify_type"])
}

func TestVerifyNotificationForm(t *testing.T) {
	c := newTestClient(t)
	form := url.Values{}
	for k, v := range signNotification(t, notifyParams(TradeFinished)) {
		form.Set(k, v)
	}
	n, err := c.VerifyNotificationForm(context.Background(), form)
	require.NoError(t, err)
	assert.Equal(t, TradeFinished, n.TradeStatus)
}

func TestVerifyNotification_Rejects(t *testing.T) {
	c := newTestClient(t)

	tests := []struct {
		name   string
		params func() canonical.Params
		is     error
	}{
		{
			name:   "missing sign",
			params: func() canonical.Params { return notifyParams(TradeSuccess) },
			is:     payerr.ErrInvalidNotification,
		},
		{
			name: "tampered amount",
			params: func() canonical.Params {
				p := signNotification(t, notifyParams(TradeSuccess))
				p["total_amount"] = "0.01"
				return p
			},
			is: payerr.ErrInvalidNotification,
		},
		{
			name: "foreign app",
			params: func() canonical.Params {
				p := notifyParams(TradeSuccess)
				p["app_id"] = "2021999999999999"
				return signNotification(t, p)
			},
			is: payerr.ErrInvalidNotification,
		},
		{
			name: "missing trade_no",
			params: func() canonical.Params {
				p := notifyParams(TradeSuccess)
				delete(p, "trade_no")
				return signNotification(t, p)
			},
			is: payerr.ErrInvalidNotification,
		},
		{
			name: "bad amount",
			params: func() canonical.Params {
				p := notifyParams(TradeSuccess)
				p["total_amount"] = "eighty"
				return signNotification(t, p)
			},
			is: payerr.ErrInvalidNotification,
		},
		{
			name: "not paid",
			params: func() canonical.Params {
				return signNotification(t, notifyParams(TradeWaitBuyerPay))
			},
			is: ErrTradeNotSuccess,
		},
		{
			name: "unsupported sign type",
			params: func() canonical.Params {
				p := signNotification(t, notifyParams(TradeSuccess))
				p["sign_type"] = "RSA"
				return p
			},
			is: payerr.ErrInvalidNotification,
		},
		{
			name: "garbage signature",
			params: func() canonical.Params {
				p := notifyParams(TradeSuccess)
				p["sign"] = "%%%not-base64"
				return p
			},
			is: payerr.ErrCrypto,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := c.VerifyNotification(context.Background(), tt.params())
			require.Error(t, err)
			assert.Nil(t, n)
			assert.ErrorIs(t, err, tt.is)
		})
	}
}

func TestNotification_ToPayment(t *testing.T) {
	c := newTestClient(t)
	n, err := c.VerifyNotification(context.Background(), signNotification(t, notifyParams(TradeSuccess)))
	require.NoError(t, err)

	received := time.Date(2023, 11, 14, 22, 14, 0, 0, time.UTC)
	p := n.ToPayment(received)
	assert.Equal(t, gateway.Alipay, p.Gateway)
	assert.Equal(t, gateway.StatusSucceeded, p.Status)
	assert.Equal(t, "ac05099524730693a8b330c5ecf72da9786", p.ID)
	assert.Equal(t, "88.80", p.Amount.StringFixed(2))
	assert.Equal(t, "CNY", p.Currency)
	require.NotNil(t, p.PaidAt)
	assert.True(t, p.PaidAt.Equal(time.Date(2023, 11, 14, 22, 13, 55, 0, time.UTC)))
	assert.Equal(t, "ORDER-1", p.OutTradeNo)
	assert.Contains(t, string(p.Raw), `"notify_type":"trade_status_sync"`)

	n.TradeStatus = TradeFinished
	n.NotifyID = ""
	p = n.ToPayment(received)
	assert.Equal(t, gateway.StatusFinished, p.Status)
	assert.NotEmpty(t, p.ID)
}
