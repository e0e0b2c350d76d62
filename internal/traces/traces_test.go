package traces

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/mbd888/paysign/internal/logging"
	"github.com/mbd888/paysign/internal/payerr"
)

func TestInit_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{Version: "test"}, logging.Discard())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestStartSpanAndEnd(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := StartSpan(context.Background(), "wechatpay.notify", Gateway("wechatpay"), Serial("5157F09E"))
	End(span, payerr.Crypto("wechatpay.verify", errors.New("signature mismatch")))

	_, ok := StartSpan(context.Background(), "alipay.precreate", OutTradeNo("T1"))
	End(ok, nil)

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "wechatpay.notify", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), Serial("5157F09E"))
	assert.Contains(t, spans[0].Attributes(), attribute.String("error.kind", "crypto"))
	assert.Equal(t, codes.Unset, spans[1].Status().Code)
}
