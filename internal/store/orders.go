package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"checkout-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// CreateOrder inserts a new order row
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (
			user_id, total_amount_minor, currency, payment_provider, payment_status,
			status, inventory_status, idempotency_key, idempotency_request_hash, psp_metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at`

	row := s.db.QueryRowxContext(ctx, query,
		order.UserID, order.TotalAmountMinor, order.Currency, order.PaymentProvider,
		order.PaymentStatus, order.Status, order.InventoryStatus,
		order.IdempotencyKey, order.IdempotencyRequestHash, order.PSPMetadata)
	return row.Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, models.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByIdempotencyKey retrieves an order by client idempotency key.
// Returns (nil, nil) when no order exists for the key.
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE idempotency_key = $1", key)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// FindOrderIDsByPaymentIntent returns all order ids matched to a provider
// payment intent. More than one match means the caller must fail closed.
func (s *Store) FindOrderIDsByPaymentIntent(ctx context.Context, provider models.PaymentProvider, intentID string) ([]int64, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids,
		"SELECT id FROM orders WHERE payment_provider = $1 AND payment_intent_id = $2 ORDER BY id",
		string(provider), intentID)
	return ids, err
}

// UpsertOrderItem inserts or updates one order line, keyed by the
// (order, product, size, color) tuple.
func (s *Store) UpsertOrderItem(ctx context.Context, item *models.OrderItem) error {
	query := `
		INSERT INTO order_items (
			order_id, product_id, selected_size, selected_color, quantity,
			unit_price_minor, line_total_minor, unit_price, line_total)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (order_id, product_id, selected_size, selected_color) DO UPDATE SET
			quantity = EXCLUDED.quantity,
			unit_price_minor = EXCLUDED.unit_price_minor,
			line_total_minor = EXCLUDED.line_total_minor,
			unit_price = EXCLUDED.unit_price,
			line_total = EXCLUDED.line_total
		RETURNING id`

	return s.db.GetContext(ctx, &item.ID, query,
		item.OrderID, item.ProductID, item.SelectedSize, item.SelectedColor, item.Quantity,
		item.UnitPriceMinor, item.LineTotalMinor, item.UnitPrice, item.LineTotal)
}

// GetOrderItemsByOrderID retrieves all items for an order
func (s *Store) GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", orderID)
	return items, err
}

// GuardQuery describes one guarded payment transition: the target state, the
// payment states allowed as sources, and any extra row preconditions. The
// whole thing becomes a single conditional UPDATE.
type GuardQuery struct {
	OrderID      int64
	Provider     models.PaymentProvider
	To           models.PaymentStatus
	EligibleFrom []models.PaymentStatus
	// RequireInventoryNotReleased refuses to touch an order whose stock
	// already went back.
	RequireInventoryNotReleased bool
	// RequireRestockedAt binds the transition to one exact finalize event.
	RequireRestockedAt *time.Time
	// Fields are extra columns set alongside the status.
	Fields map[string]interface{}
}

// GuardedPaymentUpdate executes the conditional UPDATE for q and reports
// whether a row was affected. Classification of a zero-row outcome is the
// caller's job; this method never issues a second write.
func (s *Store) GuardedPaymentUpdate(ctx context.Context, q GuardQuery) (bool, error) {
	if len(q.EligibleFrom) == 0 {
		return false, nil
	}

	setClauses := []string{"payment_status = ?", "updated_at = NOW()"}
	args := []interface{}{string(q.To)}

	cols := make([]string, 0, len(q.Fields))
	for col := range q.Fields {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	for _, col := range cols {
		setClauses = append(setClauses, col+" = ?")
		args = append(args, q.Fields[col])
	}

	from := make([]string, len(q.EligibleFrom))
	for i, st := range q.EligibleFrom {
		from[i] = string(st)
	}

	query := "UPDATE orders SET " + strings.Join(setClauses, ", ") +
		" WHERE id = ? AND payment_provider = ? AND payment_status IN (?)"
	args = append(args, q.OrderID, string(q.Provider), from)

	if q.RequireInventoryNotReleased {
		query += " AND inventory_status <> 'released'"
	}
	if q.RequireRestockedAt != nil {
		query += " AND restocked_at = ?"
		args = append(args, *q.RequireRestockedAt)
	}

	query, expanded, err := sqlx.In(query, args...)
	if err != nil {
		return false, fmt.Errorf("build guarded update for order %d: %w", q.OrderID, err)
	}
	query = s.db.Rebind(query)

	res, err := s.db.ExecContext(ctx, query, expanded...)
	if err != nil {
		return false, fmt.Errorf("guarded update for order %d: %w", q.OrderID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetOrderReserved flips an order out of the reserving state once every
// reservation applied.
func (s *Store) SetOrderReserved(ctx context.Context, orderID int64, status string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET inventory_status = 'reserved', status = $2, updated_at = NOW()
		WHERE id = $1 AND inventory_status = 'reserving'`,
		orderID, status)
	if err != nil {
		return false, fmt.Errorf("mark order %d reserved: %w", orderID, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkReleasePending marks an order as having releases in flight.
func (s *Store) MarkReleasePending(ctx context.Context, orderID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET inventory_status = 'release_pending', updated_at = NOW()
		WHERE id = $1 AND stock_restored = FALSE
		  AND inventory_status IN ('reserving', 'reserved', 'release_pending')`,
		orderID)
	if err != nil {
		return false, fmt.Errorf("mark order %d release_pending: %w", orderID, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// FinalizeRestock flips the single finalize-once marker. The guard on
// stock_restored guarantees exactly one caller wins even under concurrent
// retries; losers see false and must re-read.
func (s *Store) FinalizeRestock(ctx context.Context, orderID int64, at time.Time, status string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET stock_restored = TRUE, restocked_at = $2, inventory_status = 'released',
		    status = $3, updated_at = NOW()
		WHERE id = $1 AND stock_restored = FALSE`,
		orderID, at, status)
	if err != nil {
		return false, fmt.Errorf("finalize restock for order %d: %w", orderID, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// SetOrderFailure records failure context on an order
func (s *Store) SetOrderFailure(ctx context.Context, orderID int64, code, message string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE orders SET failure_code = $2, failure_message = $3, updated_at = NOW() WHERE id = $1",
		orderID, code, message)
	if err != nil {
		return fmt.Errorf("record failure for order %d: %w", orderID, err)
	}
	return nil
}

// AttachPaymentIntent binds a provider payment intent to an order. A
// different intent already attached leaves the row unchanged.
func (s *Store) AttachPaymentIntent(ctx context.Context, orderID int64, intentID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET payment_intent_id = $2, updated_at = NOW()
		WHERE id = $1 AND (payment_intent_id IS NULL OR payment_intent_id = $2)`,
		orderID, intentID)
	if err != nil {
		return false, fmt.Errorf("attach intent to order %d: %w", orderID, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ClaimOrderLease claims the per-order restock lease. Expired leases are
// reclaimable; live ones are not.
func (s *Store) ClaimOrderLease(ctx context.Context, orderID int64, owner, runID string, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET sweep_claimed_at = NOW(),
		    sweep_claim_expires_at = NOW() + ($4 * INTERVAL '1 second'),
		    sweep_claimed_by = $2, sweep_run_id = $3, updated_at = NOW()
		WHERE id = $1 AND stock_restored = FALSE
		  AND (sweep_claimed_at IS NULL OR sweep_claim_expires_at < NOW())`,
		orderID, owner, runID, int(ttl.Seconds()))
	if err != nil {
		return false, fmt.Errorf("claim lease for order %d: %w", orderID, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// AnnotateOrderMetadata merges patch into the order's append-only metadata
// bag in one atomic statement. Existing keys written by other events survive;
// re-delivery of the same event rewrites only its own entries.
func (s *Store) AnnotateOrderMetadata(ctx context.Context, orderID int64, patch models.PSPMetadata) error {
	if patch.Version == 0 {
		patch.Version = models.PSPMetadataVersion
	}
	encoded, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("encode metadata patch for order %d: %w", orderID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE orders
		SET psp_metadata = jsonb_build_object(
			'version', $3::int,
			'events',  COALESCE(psp_metadata->'events',  '{}'::jsonb) || COALESCE($2::jsonb->'events',  '{}'::jsonb),
			'refunds', COALESCE(psp_metadata->'refunds', '{}'::jsonb) || COALESCE($2::jsonb->'refunds', '{}'::jsonb),
			'notes',   COALESCE(psp_metadata->'notes',   '{}'::jsonb) || COALESCE($2::jsonb->'notes',   '{}'::jsonb)),
		    updated_at = NOW()
		WHERE id = $1`,
		orderID, encoded, models.PSPMetadataVersion)
	if err != nil {
		return fmt.Errorf("annotate metadata for order %d: %w", orderID, err)
	}
	return nil
}

// SweepKind selects a sweep candidate predicate.
type SweepKind string

const (
	// SweepStuckReserving targets orders stuck mid-reservation past a timeout.
	SweepStuckReserving SweepKind = "stuck_reserving"
	// SweepNoneUnreserved targets no-payment orders left optimistically paid
	// without a completed reservation.
	SweepNoneUnreserved SweepKind = "none_unreserved"
	// SweepStalePending targets provider orders whose payment never arrived.
	SweepStalePending SweepKind = "stale_pending"
)

var sweepPredicates = map[SweepKind]string{
	SweepStuckReserving: `inventory_status = 'reserving' AND stock_restored = FALSE`,
	SweepNoneUnreserved: `payment_provider = 'none' AND payment_status = 'paid'
		AND inventory_status IN ('reserving', 'release_pending') AND stock_restored = FALSE`,
	SweepStalePending: `payment_provider <> 'none'
		AND payment_status IN ('pending', 'requires_payment') AND stock_restored = FALSE`,
}

// ClaimSweepBatch atomically claims a batch of sweep candidates. The outer
// UPDATE re-checks the lease-free predicate so a concurrent sweep cannot
// steal rows selected by this one.
func (s *Store) ClaimSweepBatch(ctx context.Context, kind SweepKind, cutoff time.Time, limit int, owner, runID string, ttl time.Duration) ([]int64, error) {
	predicate, ok := sweepPredicates[kind]
	if !ok {
		return nil, fmt.Errorf("unknown sweep kind %q", kind)
	}

	query := fmt.Sprintf(`
		UPDATE orders
		SET sweep_claimed_at = NOW(),
		    sweep_claim_expires_at = NOW() + ($3 * INTERVAL '1 second'),
		    sweep_claimed_by = $1, sweep_run_id = $2, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM orders
			WHERE %s AND created_at < $4
			  AND (sweep_claimed_at IS NULL OR sweep_claim_expires_at < NOW())
			ORDER BY created_at
			LIMIT $5
		)
		AND (sweep_claimed_at IS NULL OR sweep_claim_expires_at < NOW())
		RETURNING id`, predicate)

	var ids []int64
	err := s.db.SelectContext(ctx, &ids, query, owner, runID, int(ttl.Seconds()), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("claim sweep batch %s: %w", kind, err)
	}
	return ids, nil
}
