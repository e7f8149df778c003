package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"checkout-service/internal/models"
)

// EventClaim classifies a claim attempt on an inbound provider event.
type EventClaim string

const (
	EventClaimed          EventClaim = "claimed"
	EventAlreadyProcessed EventClaim = "already_processed"
	EventClaimedElsewhere EventClaim = "claimed_elsewhere"
)

// ClaimPaymentEvent moves a provider event from unclaimed to claimed for this
// instance. The claim is one conditional UPDATE: it succeeds only while the
// event is unprocessed and no live claim exists. A zero-row outcome is
// classified by a follow-up read, never by a second write.
func (s *Store) ClaimPaymentEvent(ctx context.Context, provider, eventID, eventType, owner string, ttl time.Duration) (EventClaim, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_events (provider, event_id, event_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (provider, event_id) DO NOTHING`,
		provider, eventID, eventType)
	if err != nil {
		return "", fmt.Errorf("record payment event %s/%s: %w", provider, eventID, err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE payment_events
		SET claimed_at = NOW(),
		    claim_expires_at = NOW() + ($4 * INTERVAL '1 second'),
		    claimed_by = $3
		WHERE provider = $1 AND event_id = $2 AND processed_at IS NULL
		  AND (claimed_at IS NULL OR claim_expires_at < NOW())`,
		provider, eventID, owner, int(ttl.Seconds()))
	if err != nil {
		return "", fmt.Errorf("claim payment event %s/%s: %w", provider, eventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if n == 1 {
		return EventClaimed, nil
	}

	var ev models.PaymentEvent
	err = s.db.GetContext(ctx, &ev,
		"SELECT * FROM payment_events WHERE provider = $1 AND event_id = $2",
		provider, eventID)
	if err == sql.ErrNoRows {
		return EventClaimedElsewhere, nil
	}
	if err != nil {
		return "", fmt.Errorf("read payment event %s/%s: %w", provider, eventID, err)
	}
	if ev.ProcessedAt != nil {
		return EventAlreadyProcessed, nil
	}
	return EventClaimedElsewhere, nil
}

// MarkPaymentEventProcessed completes a claimed event. Guarded on claimed_by
// so an expired claim taken over by another instance cannot be completed by
// the original claimant.
func (s *Store) MarkPaymentEventProcessed(ctx context.Context, provider, eventID, owner string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payment_events
		SET processed_at = NOW()
		WHERE provider = $1 AND event_id = $2 AND claimed_by = $3 AND processed_at IS NULL`,
		provider, eventID, owner)
	if err != nil {
		return fmt.Errorf("mark payment event %s/%s processed: %w", provider, eventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("payment event %s/%s no longer claimed by %s", provider, eventID, owner)
	}
	return nil
}
