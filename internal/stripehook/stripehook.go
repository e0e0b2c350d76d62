// Package stripehook verifies Stripe webhook deliveries and reduces the
// payment events to gateway.Payment records.
package stripehook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/paysign/internal/gateway"
	"github.com/mbd888/paysign/internal/metrics"
	"github.com/mbd888/paysign/internal/payerr"
)

// SignatureHeader carries the webhook signature.
const SignatureHeader = "Stripe-Signature"

// Event types that carry a completed payment.
const (
	EventPaymentIntentSucceeded  = "payment_intent.succeeded"
	EventCheckoutSessionComplete = "checkout.session.completed"
)

// OutTradeNoKey is the metadata key merchants put their order number under.
const OutTradeNoKey = "out_trade_no"

// Verifier checks webhook signatures with the endpoint's signing secret.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// NewVerifier returns a verifier. tolerance bounds the age of a delivery;
// zero uses Stripe's default of five minutes.
func NewVerifier(secret string, tolerance time.Duration) (*Verifier, error) {
	if secret == "" {
		return nil, payerr.Config("stripehook.new", errors.New("webhook secret is required"))
	}
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance}, nil
}

// Event is a verified webhook event. Payment is nil for event types that do
// not complete a payment; those are acknowledged and otherwise ignored.
type Event struct {
	ID      string
	Type    string
	Payment *gateway.Payment
}

// Verify authenticates payload against the Stripe-Signature header and
// decodes it. Any signature or timestamp failure is invalid_notification.
func (v *Verifier) Verify(payload []byte, signatureHeader string, receivedAt time.Time) (ev *Event, err error) {
	const op = "stripehook.verify"
	defer func() {
		result := metrics.ResultValid
		if err != nil {
			result = metrics.ResultInvalid
		}
		metrics.VerificationsTotal.WithLabelValues("stripe", result).Inc()
	}()

	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, v.secret,
		webhook.ConstructEventOptions{Tolerance: v.tolerance, IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, payerr.Invalid(op, err)
	}
	if event.Data == nil {
		return nil, payerr.Invalid(op, errors.New("event has no data"))
	}

	out := &Event{ID: event.ID, Type: string(event.Type)}
	switch out.Type {
	case EventPaymentIntentSucceeded:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, payerr.Invalid(op, fmt.Errorf("decode payment intent: %w", err))
		}
		out.Payment = paymentFromIntent(event, &pi, receivedAt)
	case EventCheckoutSessionComplete:
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
			return nil, payerr.Invalid(op, fmt.Errorf("decode checkout session: %w", err))
		}
		// Delayed payment methods complete the session before funds arrive.
		if cs.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			return out, nil
		}
		out.Payment = paymentFromSession(event, &cs, receivedAt)
	}
	if out.Payment != nil && out.Payment.OutTradeNo == "" {
		return nil, payerr.Invalid(op, errors.New("payment has no order reference"))
	}
	return out, nil
}

func paymentFromIntent(event stripe.Event, pi *stripe.PaymentIntent, receivedAt time.Time) *gateway.Payment {
	amount := pi.AmountReceived
	if amount == 0 {
		amount = pi.Amount
	}
	p := &gateway.Payment{
		ID:           event.ID,
		Gateway:      gateway.Stripe,
		EventType:    string(event.Type),
		OutTradeNo:   firstNonEmpty(pi.Metadata[OutTradeNoKey], pi.ID),
		TradeNo:      pi.ID,
		Status:       gateway.StatusSucceeded,
		GatewayState: string(pi.Status),
		Amount:       gateway.AmountFromMinor(amount),
		Currency:     strings.ToUpper(string(pi.Currency)),
		ReceivedAt:   receivedAt,
		Raw:          event.Data.Raw,
	}
	if pi.Customer != nil {
		p.Payer = pi.Customer.ID
	}
	if event.Created > 0 {
		t := time.Unix(event.Created, 0)
		p.PaidAt = &t
	}
	return p
}

func paymentFromSession(event stripe.Event, cs *stripe.CheckoutSession, receivedAt time.Time) *gateway.Payment {
	p := &gateway.Payment{
		ID:           event.ID,
		Gateway:      gateway.Stripe,
		EventType:    string(event.Type),
		OutTradeNo:   firstNonEmpty(cs.Metadata[OutTradeNoKey], cs.ClientReferenceID),
		TradeNo:      cs.ID,
		Status:       gateway.StatusSucceeded,
		GatewayState: string(cs.PaymentStatus),
		Amount:       gateway.AmountFromMinor(cs.AmountTotal),
		Currency:     strings.ToUpper(string(cs.Currency)),
		ReceivedAt:   receivedAt,
		Raw:          event.Data.Raw,
	}
	if cs.PaymentIntent != nil && cs.PaymentIntent.ID != "" {
		p.TradeNo = cs.PaymentIntent.ID
	}
	if cs.Customer != nil {
		p.Payer = cs.Customer.ID
	}
	if event.Created > 0 {
		t := time.Unix(event.Created, 0)
		p.PaidAt = &t
	}
	return p
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
