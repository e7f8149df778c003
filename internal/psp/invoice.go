package psp

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// InvoiceGateway talks to the bank-invoice provider. Webhook signatures are a
// plain hex HMAC-SHA256 of the payload under the shared secret.
type InvoiceGateway struct {
	apiBase       string
	apiKey        string
	webhookSecret string
	httpClient    *http.Client
}

// NewInvoiceGateway creates a bank-invoice gateway client.
func NewInvoiceGateway(apiBase, apiKey, webhookSecret string) *InvoiceGateway {
	return &InvoiceGateway{
		apiBase:       strings.TrimRight(apiBase, "/"),
		apiKey:        apiKey,
		webhookSecret: webhookSecret,
		httpClient:    &http.Client{Timeout: 15 * time.Second},
	}
}

type invoiceEvent struct {
	EventID     string `json:"event_id"`
	Type        string `json:"type"`
	InvoiceID   string `json:"invoice_id"`
	OrderID     int64  `json:"order_id"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	Reason      string `json:"reason"`
}

type invoiceCharge struct {
	ID                  string   `json:"id"`
	AmountMinor         int64    `json:"amount_minor"`
	AmountRefundedMinor *int64   `json:"amount_refunded_minor"`
	Currency            string   `json:"currency"`
	Refunds             []Refund `json:"refunds"`
}

// VerifyWebhookSignature implements Gateway.
func (g *InvoiceGateway) VerifyWebhookSignature(payload []byte, signatureHeader string) (*Event, error) {
	sig, err := hex.DecodeString(strings.TrimSpace(signatureHeader))
	if err != nil {
		return nil, signatureFailure(SigReasonMalformedHeader, err)
	}
	mac := hmac.New(sha256.New, []byte(g.webhookSecret))
	mac.Write(payload)
	if !hmac.Equal(mac.Sum(nil), sig) {
		return nil, signatureFailure(SigReasonDigestMismatch, nil)
	}

	var ie invoiceEvent
	if err := json.Unmarshal(payload, &ie); err != nil {
		return nil, signatureFailure(SigReasonMalformedPayload, err)
	}
	ev := &Event{
		ID:              ie.EventID,
		Type:            ie.Type,
		PaymentIntentID: ie.InvoiceID,
		ChargeID:        ie.InvoiceID,
		OrderID:         ie.OrderID,
		AmountMinor:     ie.AmountMinor,
		Currency:        strings.ToUpper(ie.Currency),
		DeclineReason:   ie.Reason,
		Raw:             payload,
	}
	switch ie.Type {
	case "invoice.paid":
		ev.Kind = KindPaymentSucceeded
	case "invoice.payment_failed":
		ev.Kind = KindPaymentFailed
	case "invoice.canceled":
		ev.Kind = KindPaymentCanceled
	case "invoice.refunded":
		ev.Kind = KindRefund
	default:
		ev.Kind = KindUnknown
	}
	return ev, nil
}

// RetrieveCharge implements Gateway. The invoice id doubles as the charge id
// for this provider.
func (g *InvoiceGateway) RetrieveCharge(ctx context.Context, chargeID string) (*Charge, error) {
	var ch invoiceCharge
	if err := g.doJSON(ctx, http.MethodGet, "/invoices/"+chargeID, nil, &ch); err != nil {
		return nil, fmt.Errorf("retrieve invoice %s: %w", chargeID, err)
	}
	return &Charge{
		ID:                  ch.ID,
		AmountMinor:         ch.AmountMinor,
		AmountRefundedMinor: ch.AmountRefundedMinor,
		Currency:            strings.ToUpper(ch.Currency),
		Refunds:             ch.Refunds,
	}, nil
}

// CancelInvoice implements Gateway.
func (g *InvoiceGateway) CancelInvoice(ctx context.Context, invoiceID, externalRef string) error {
	body := map[string]string{"external_ref": externalRef}
	if err := g.doJSON(ctx, http.MethodPost, "/invoices/"+invoiceID+"/cancel", body, nil); err != nil {
		return fmt.Errorf("cancel invoice %s: %w", invoiceID, err)
	}
	return nil
}

// RemoveInvoice implements Gateway.
func (g *InvoiceGateway) RemoveInvoice(ctx context.Context, invoiceID string) error {
	if err := g.doJSON(ctx, http.MethodDelete, "/invoices/"+invoiceID, nil, nil); err != nil {
		return fmt.Errorf("remove invoice %s: %w", invoiceID, err)
	}
	return nil
}

func (g *InvoiceGateway) doJSON(ctx context.Context, method, path string, in, out interface{}) error {
	var reqBody io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.apiBase+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("provider returned %d: %s", resp.StatusCode, body)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
