package psp

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const cardSignatureTolerance = 5 * time.Minute

// CardGateway talks to the card-network provider. Webhook signatures follow
// the t=<unix>,v1=<hex> scheme: v1 is an HMAC-SHA256 of "<t>.<payload>" under
// the endpoint secret.
type CardGateway struct {
	apiBase       string
	apiKey        string
	webhookSecret string
	httpClient    *http.Client
	now           func() time.Time
}

// NewCardGateway creates a card-network gateway client.
func NewCardGateway(apiBase, apiKey, webhookSecret string) *CardGateway {
	return &CardGateway{
		apiBase:       strings.TrimRight(apiBase, "/"),
		apiKey:        apiKey,
		webhookSecret: webhookSecret,
		httpClient:    &http.Client{Timeout: 15 * time.Second},
		now:           time.Now,
	}
}

type cardEventEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type cardPaymentIntent struct {
	ID           string            `json:"id"`
	Amount       int64             `json:"amount"`
	Currency     string            `json:"currency"`
	LatestCharge string            `json:"latest_charge"`
	Metadata     map[string]string `json:"metadata"`
	LastError    *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

type cardCharge struct {
	ID             string            `json:"id"`
	Amount         int64             `json:"amount"`
	AmountRefunded *int64            `json:"amount_refunded"`
	Currency       string            `json:"currency"`
	PaymentIntent  string            `json:"payment_intent"`
	Metadata       map[string]string `json:"metadata"`
	Refunds        struct {
		Data []Refund `json:"data"`
	} `json:"refunds"`
}

// VerifyWebhookSignature implements Gateway.
func (g *CardGateway) VerifyWebhookSignature(payload []byte, signatureHeader string) (*Event, error) {
	ts, sig, err := parseCardSignatureHeader(signatureHeader)
	if err != nil {
		return nil, signatureFailure(SigReasonMalformedHeader, err)
	}
	if d := g.now().Sub(time.Unix(ts, 0)); d > cardSignatureTolerance || d < -cardSignatureTolerance {
		return nil, signatureFailure(SigReasonStaleTimestamp, nil)
	}
	mac := hmac.New(sha256.New, []byte(g.webhookSecret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	if !hmac.Equal(mac.Sum(nil), sig) {
		return nil, signatureFailure(SigReasonDigestMismatch, nil)
	}
	ev, err := g.normalizeEvent(payload)
	if err != nil {
		return nil, signatureFailure(SigReasonMalformedPayload, err)
	}
	return ev, nil
}

func parseCardSignatureHeader(header string) (int64, []byte, error) {
	var ts int64
	var sig []byte
	for _, part := range strings.Split(header, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch k {
		case "t":
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("malformed signature timestamp: %w", err)
			}
			ts = parsed
		case "v1":
			decoded, err := hex.DecodeString(v)
			if err != nil {
				return 0, nil, fmt.Errorf("malformed signature digest: %w", err)
			}
			sig = decoded
		}
	}
	if ts == 0 || len(sig) == 0 {
		return 0, nil, fmt.Errorf("signature header missing t or v1")
	}
	return ts, sig, nil
}

func (g *CardGateway) normalizeEvent(payload []byte) (*Event, error) {
	var env cardEventEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("malformed event payload: %w", err)
	}
	ev := &Event{ID: env.ID, Type: env.Type, Raw: payload}

	switch env.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed", "payment_intent.canceled":
		var pi cardPaymentIntent
		if err := json.Unmarshal(env.Data.Object, &pi); err != nil {
			return nil, fmt.Errorf("malformed payment_intent object: %w", err)
		}
		ev.PaymentIntentID = pi.ID
		ev.ChargeID = pi.LatestCharge
		ev.AmountMinor = pi.Amount
		ev.Currency = strings.ToUpper(pi.Currency)
		ev.OrderID = orderIDFromMetadata(pi.Metadata)
		if pi.LastError != nil {
			ev.DeclineReason = pi.LastError.Message
		}
		switch env.Type {
		case "payment_intent.succeeded":
			ev.Kind = KindPaymentSucceeded
		case "payment_intent.payment_failed":
			ev.Kind = KindPaymentFailed
		default:
			ev.Kind = KindPaymentCanceled
		}
	case "charge.refunded":
		var ch cardCharge
		if err := json.Unmarshal(env.Data.Object, &ch); err != nil {
			return nil, fmt.Errorf("malformed charge object: %w", err)
		}
		ev.Kind = KindRefund
		ev.ChargeID = ch.ID
		ev.PaymentIntentID = ch.PaymentIntent
		ev.AmountMinor = ch.Amount
		ev.Currency = strings.ToUpper(ch.Currency)
		ev.OrderID = orderIDFromMetadata(ch.Metadata)
	default:
		ev.Kind = KindUnknown
	}
	return ev, nil
}

func orderIDFromMetadata(md map[string]string) int64 {
	if md == nil {
		return 0
	}
	id, err := strconv.ParseInt(md["order_id"], 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// RetrieveCharge implements Gateway.
func (g *CardGateway) RetrieveCharge(ctx context.Context, chargeID string) (*Charge, error) {
	var ch cardCharge
	if err := g.doJSON(ctx, http.MethodGet, "/v1/charges/"+chargeID, &ch); err != nil {
		return nil, fmt.Errorf("retrieve charge %s: %w", chargeID, err)
	}
	return &Charge{
		ID:                  ch.ID,
		AmountMinor:         ch.Amount,
		AmountRefundedMinor: ch.AmountRefunded,
		Currency:            strings.ToUpper(ch.Currency),
		Refunds:             ch.Refunds.Data,
	}, nil
}

// CancelInvoice implements Gateway. The card provider has no invoice model.
func (g *CardGateway) CancelInvoice(ctx context.Context, invoiceID, externalRef string) error {
	return fmt.Errorf("card provider does not support invoices")
}

// RemoveInvoice implements Gateway.
func (g *CardGateway) RemoveInvoice(ctx context.Context, invoiceID string) error {
	return fmt.Errorf("card provider does not support invoices")
}

func (g *CardGateway) doJSON(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, g.apiBase+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("provider returned %d: %s", resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
