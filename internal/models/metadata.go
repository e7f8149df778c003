package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// PSPMetadataVersion is the current schema version of the metadata bag.
const PSPMetadataVersion = 1

// PSPEventNote is one annotation from a provider event. Notes are keyed by
// provider event id so re-delivery of the same event overwrites its own entry
// and nothing else.
type PSPEventNote struct {
	EventType     string    `json:"event_type"`
	ChargeID      string    `json:"charge_id,omitempty"`
	Outcome       string    `json:"outcome,omitempty"`
	DeclineReason string    `json:"decline_reason,omitempty"`
	AmountMinor   int64     `json:"amount_minor,omitempty"`
	Currency      string    `json:"currency,omitempty"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// RefundRecord is one refund observed on a charge, keyed by refund id.
type RefundRecord struct {
	ChargeID    string    `json:"charge_id"`
	AmountMinor int64     `json:"amount_minor"`
	Full        bool      `json:"full"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// PSPMetadata is the append-only bag of provider annotations stored on an
// order. Entries are only ever added or overwritten under their own key;
// existing keys written by other events are never dropped.
type PSPMetadata struct {
	Version int                     `json:"version"`
	Events  map[string]PSPEventNote `json:"events,omitempty"`
	Refunds map[string]RefundRecord `json:"refunds,omitempty"`
	Notes   map[string]string       `json:"notes,omitempty"`
}

// Merge folds patch into m, key by key. Re-applying the same patch is a
// no-op, which keeps metadata writes idempotent under event re-delivery.
func (m *PSPMetadata) Merge(patch PSPMetadata) {
	if m.Version == 0 {
		m.Version = PSPMetadataVersion
	}
	for id, note := range patch.Events {
		if m.Events == nil {
			m.Events = make(map[string]PSPEventNote)
		}
		m.Events[id] = note
	}
	for id, r := range patch.Refunds {
		if m.Refunds == nil {
			m.Refunds = make(map[string]RefundRecord)
		}
		m.Refunds[id] = r
	}
	for k, v := range patch.Notes {
		if m.Notes == nil {
			m.Notes = make(map[string]string)
		}
		m.Notes[k] = v
	}
}

// Value implements driver.Valuer for the jsonb column.
func (m PSPMetadata) Value() (driver.Value, error) {
	if m.Version == 0 {
		m.Version = PSPMetadataVersion
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for the jsonb column.
func (m *PSPMetadata) Scan(src interface{}) error {
	if src == nil {
		*m = PSPMetadata{Version: PSPMetadataVersion}
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported psp_metadata source type %T", src)
	}
	return json.Unmarshal(raw, m)
}
