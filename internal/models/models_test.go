package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProviderFinality(t *testing.T) {
	assert.Equal(t, FinalityByPaymentStatus, ProviderCard.Finality())
	assert.Equal(t, FinalityByPaymentStatus, ProviderBankInvoice.Finality())
	assert.Equal(t, FinalityByInventoryStatus, ProviderNone.Finality())

	assert.True(t, ProviderCard.Valid())
	assert.False(t, PaymentProvider("cash_on_mars").Valid())
}

func TestOrderTerminal(t *testing.T) {
	cases := []struct {
		name     string
		order    Order
		terminal bool
	}{
		{"restored stock", Order{StockRestored: true}, true},
		{"released inventory", Order{InventoryStatus: InventoryReleased}, true},
		{"reserved and paid", Order{InventoryStatus: InventoryReserved, PaymentStatus: PaymentPaid}, true},
		{"reserved and refunded", Order{InventoryStatus: InventoryReserved, PaymentStatus: PaymentRefunded}, true},
		{"reserved but pending", Order{InventoryStatus: InventoryReserved, PaymentStatus: PaymentPending}, false},
		{"still reserving", Order{InventoryStatus: InventoryReserving, PaymentStatus: PaymentPaid}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.terminal, tc.order.Terminal())
		})
	}
}

func TestPSPMetadataMergeIsIdempotent(t *testing.T) {
	recorded := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	patch := PSPMetadata{
		Events: map[string]PSPEventNote{
			"evt_1": {EventType: "payment_intent.succeeded", Outcome: "succeeded", RecordedAt: recorded},
		},
		Notes: map[string]string{"refund_external_ref": "refund:1"},
	}

	var m PSPMetadata
	m.Merge(patch)
	m.Merge(patch)

	assert.Equal(t, PSPMetadataVersion, m.Version)
	assert.Len(t, m.Events, 1)
	assert.Len(t, m.Notes, 1)
}

func TestPSPMetadataMergeKeepsOtherKeys(t *testing.T) {
	var m PSPMetadata
	m.Merge(PSPMetadata{Events: map[string]PSPEventNote{"evt_1": {Outcome: "succeeded"}}})
	m.Merge(PSPMetadata{Events: map[string]PSPEventNote{"evt_2": {Outcome: "amount_mismatch"}}})
	m.Merge(PSPMetadata{Refunds: map[string]RefundRecord{"evt_3": {AmountMinor: 500}}})

	assert.Len(t, m.Events, 2)
	assert.Equal(t, "succeeded", m.Events["evt_1"].Outcome)
	assert.Equal(t, "amount_mismatch", m.Events["evt_2"].Outcome)
	assert.Equal(t, int64(500), m.Refunds["evt_3"].AmountMinor)
}

func TestPSPMetadataScanRoundTrip(t *testing.T) {
	m := PSPMetadata{
		Events: map[string]PSPEventNote{"evt_1": {EventType: "invoice.paid", AmountMinor: 2000}},
	}
	value, err := m.Value()
	require.NoError(t, err)

	var decoded PSPMetadata
	require.NoError(t, decoded.Scan(value))
	assert.Equal(t, PSPMetadataVersion, decoded.Version)
	assert.Equal(t, int64(2000), decoded.Events["evt_1"].AmountMinor)

	var fromNil PSPMetadata
	require.NoError(t, fromNil.Scan(nil))
	assert.Equal(t, PSPMetadataVersion, fromNil.Version)
}

func TestOrderJSONHidesInternalFields(t *testing.T) {
	owner := "instance-1"
	order := Order{
		ID:                     1,
		IdempotencyRequestHash: "deadbeef",
		SweepClaimedBy:         &owner,
	}
	raw, err := json.Marshal(order)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.NotContains(t, decoded, "idempotency_request_hash")
	assert.NotContains(t, decoded, "sweep_claimed_by")
}
