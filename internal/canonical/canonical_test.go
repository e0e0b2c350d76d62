package canonical

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSorted_ByteWiseOrder(t *testing.T) {
	p := Params{
		"b":       "2",
		"a":       "1",
		"B":       "upper",
		"a_b":     "x",
		"charset": "utf-8",
	}
	// Uppercase sorts before lowercase; '_' (0x5f) before 'b'.
	assert.Equal(t, "B=upper&a=1&a_b=x&b=2&charset=utf-8", Sorted(p))
}

func TestSorted_ValuesNotEscaped(t *testing.T) {
	p := Params{
		"biz_content": `{"subject":"咖啡 & 茶","total_amount":"0.01"}`,
		"timestamp":   "2024-01-02 15:04:05",
	}
	assert.Equal(t,
		`biz_content={"subject":"咖啡 & 茶","total_amount":"0.01"}&timestamp=2024-01-02 15:04:05`,
		Sorted(p))
}

func TestSorted_Exclude(t *testing.T) {
	p := Params{"app_id": "2021", "sign": "abc", "sign_type": "RSA2", "empty": ""}
	assert.Equal(t, "app_id=2021&empty=&sign_type=RSA2", Sorted(p, "sign"))
	assert.Equal(t, "app_id=2021&empty=", Sorted(p, "sign", "sign_type"))
	assert.Equal(t, "", Sorted(Params{}))
}

func TestEncode_EscapesInSameOrder(t *testing.T) {
	p := Params{"timestamp": "2024-01-02 15:04:05", "a": "x&y"}
	assert.Equal(t, "a=x%26y&timestamp=2024-01-02+15%3A04%3A05", p.Encode())

	parsed, err := url.ParseQuery(p.Encode())
	require.NoError(t, err)
	assert.Equal(t, p, FromValues(parsed))
}

func TestRequest_FiveFields(t *testing.T) {
	got := Request("GET", "/v3/certificates", "1554208460", "593BEC0C930BF1AFEB40B4A08C8FB242", "")
	assert.Equal(t, "GET\n/v3/certificates\n1554208460\n593BEC0C930BF1AFEB40B4A08C8FB242\n\n", got)

	got = Request("POST", "/v3/pay/transactions/native", "1", "n", `{"a":1}`)
	assert.Equal(t, "POST\n/v3/pay/transactions/native\n1\nn\n{\"a\":1}\n", got)
}

func TestNotification_ThreeFields(t *testing.T) {
	got := Notification("1700000000", "abc", `{"id":"1"}`)
	assert.Equal(t, "1700000000\nabc\n{\"id\":\"1\"}\n", got)

	// The inbound shape is not a suffix-compatible variant of the outbound one.
	assert.NotEqual(t, Request("", "", "1700000000", "abc", `{"id":"1"}`), got)
}

func TestPathWithQuery(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://api.mch.weixin.qq.com/v3/certificates", "/v3/certificates"},
		{"https://api.mch.weixin.qq.com/v3/pay/transactions/out-trade-no/123?mchid=1900", "/v3/pay/transactions/out-trade-no/123?mchid=1900"},
		{"/v3/refund/domestic/refunds", "/v3/refund/domestic/refunds"},
		{"https://example.com", "/"},
		{"https://example.com/a%20b?x=1&y=2", "/a%20b?x=1&y=2"},
	}
	for _, tt := range tests {
		got, err := PathWithQuery(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := PathWithQuery("://bad")
	assert.Error(t, err)
}

func TestLines_EmptyFieldsTerminated(t *testing.T) {
	assert.Equal(t, "\n\n", Lines("", ""))
	assert.Equal(t, "", Lines())
}
