package psp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signInvoicePayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestInvoiceVerifyWebhookSignature(t *testing.T) {
	g := NewInvoiceGateway("https://api.invoice.example.com", "key", testSecret)

	payload := []byte(`{
		"event_id": "inv-evt-1",
		"type": "invoice.paid",
		"invoice_id": "inv_10",
		"order_id": 42,
		"amount_minor": 2000,
		"currency": "usd"
	}`)

	ev, err := g.VerifyWebhookSignature(payload, signInvoicePayload(payload, testSecret))
	require.NoError(t, err)

	assert.Equal(t, "inv-evt-1", ev.ID)
	assert.Equal(t, KindPaymentSucceeded, ev.Kind)
	// the invoice id doubles as intent and charge id for this provider
	assert.Equal(t, "inv_10", ev.PaymentIntentID)
	assert.Equal(t, "inv_10", ev.ChargeID)
	assert.Equal(t, int64(42), ev.OrderID)
	assert.Equal(t, "USD", ev.Currency)
}

func TestInvoiceVerifyWebhookSignatureRejections(t *testing.T) {
	g := NewInvoiceGateway("https://api.invoice.example.com", "key", testSecret)
	payload := []byte(`{"event_id":"inv-evt-2","type":"invoice.paid"}`)

	var sigErr *SignatureError

	_, err := g.VerifyWebhookSignature(payload, "not-hex")
	require.ErrorAs(t, err, &sigErr)
	assert.Equal(t, SigReasonMalformedHeader, sigErr.Reason)

	_, err = g.VerifyWebhookSignature(payload, signInvoicePayload(payload, "wrong"))
	require.ErrorAs(t, err, &sigErr)
	assert.Equal(t, SigReasonDigestMismatch, sigErr.Reason)

	_, err = g.VerifyWebhookSignature([]byte(`tampered`), signInvoicePayload(payload, testSecret))
	require.ErrorAs(t, err, &sigErr)
	assert.Equal(t, SigReasonDigestMismatch, sigErr.Reason)
}

func TestInvoiceEventKinds(t *testing.T) {
	g := NewInvoiceGateway("https://api.invoice.example.com", "key", testSecret)

	cases := []struct {
		eventType string
		kind      EventKind
	}{
		{"invoice.paid", KindPaymentSucceeded},
		{"invoice.payment_failed", KindPaymentFailed},
		{"invoice.canceled", KindPaymentCanceled},
		{"invoice.refunded", KindRefund},
		{"invoice.created", KindUnknown},
	}

	for _, tc := range cases {
		payload := []byte(`{"event_id":"e","type":"` + tc.eventType + `"}`)
		ev, err := g.VerifyWebhookSignature(payload, signInvoicePayload(payload, testSecret))
		require.NoError(t, err)
		assert.Equal(t, tc.kind, ev.Kind, tc.eventType)
	}
}
