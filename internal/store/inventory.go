package store

import (
	"context"
	"fmt"

	"checkout-service/internal/models"
)

// MoveResult classifies the outcome of one ledger call.
type MoveResult string

const (
	MoveApplied      MoveResult = "applied"      // stock changed
	MoveAlready      MoveResult = "already"      // ledger row pre-existed, idempotent no-op
	MoveInsufficient MoveResult = "insufficient" // reserve only: stock guard refused
	MoveNoReserve    MoveResult = "no_reserve"   // release only: no matching prior reserve
)

// ReserveMoveKey builds the deterministic ledger key for a reservation.
func ReserveMoveKey(orderID, productID int64) string {
	return fmt.Sprintf("reserve:%d:%d", orderID, productID)
}

// ReleaseMoveKey builds the deterministic ledger key for a release.
func ReleaseMoveKey(orderID, productID int64) string {
	return fmt.Sprintf("release:%d:%d", orderID, productID)
}

// reserveStockSQL inserts the ledger row and decrements stock in one
// statement. The delete arm rolls the ledger row back when the stock guard
// refuses, so the move stays retryable.
const reserveStockSQL = `
WITH move AS (
	INSERT INTO inventory_moves (move_key, order_id, product_id, move_type, quantity)
	VALUES ($1, $2, $3, 'reserve', $4)
	ON CONFLICT (move_key) DO NOTHING
	RETURNING id
), stock AS (
	UPDATE products
	SET stock = stock - $4
	WHERE id = $3 AND stock >= $4 AND EXISTS (SELECT 1 FROM move)
	RETURNING id
), undo AS (
	DELETE FROM inventory_moves
	WHERE id IN (SELECT id FROM move) AND NOT EXISTS (SELECT 1 FROM stock)
	RETURNING id
)
SELECT
	EXISTS (SELECT 1 FROM move)  AS inserted,
	EXISTS (SELECT 1 FROM stock) AS applied`

// releaseStockSQL inserts the release ledger row only when a matching reserve
// move exists, then increments stock only when the insert happened.
const releaseStockSQL = `
WITH prior AS (
	SELECT 1 FROM inventory_moves WHERE move_key = $5
), move AS (
	INSERT INTO inventory_moves (move_key, order_id, product_id, move_type, quantity)
	SELECT $1, $2, $3, 'release', $4
	WHERE EXISTS (SELECT 1 FROM prior)
	ON CONFLICT (move_key) DO NOTHING
	RETURNING id
), stock AS (
	UPDATE products
	SET stock = stock + $4
	WHERE id = $3 AND EXISTS (SELECT 1 FROM move)
	RETURNING id
)
SELECT
	EXISTS (SELECT 1 FROM prior) AS reserved,
	EXISTS (SELECT 1 FROM move)  AS inserted,
	EXISTS (SELECT 1 FROM stock) AS applied`

// ReserveStock applies the reserve side of the ledger. The returned result is
// never an error for the already case: a retried call observing its own
// earlier move is the idempotency contract working.
func (s *Store) ReserveStock(ctx context.Context, orderID, productID int64, qty int) (MoveResult, error) {
	var row struct {
		Inserted bool `db:"inserted"`
		Applied  bool `db:"applied"`
	}
	err := s.db.GetContext(ctx, &row, reserveStockSQL,
		ReserveMoveKey(orderID, productID), orderID, productID, qty)
	if err != nil {
		return "", fmt.Errorf("reserve stock order=%d product=%d: %w", orderID, productID, err)
	}

	switch {
	case row.Inserted && row.Applied:
		return MoveApplied, nil
	case !row.Inserted:
		return MoveAlready, nil
	default:
		return MoveInsufficient, nil
	}
}

// ReleaseStock applies the release side of the ledger.
func (s *Store) ReleaseStock(ctx context.Context, orderID, productID int64, qty int) (MoveResult, error) {
	var row struct {
		Reserved bool `db:"reserved"`
		Inserted bool `db:"inserted"`
		Applied  bool `db:"applied"`
	}
	err := s.db.GetContext(ctx, &row, releaseStockSQL,
		ReleaseMoveKey(orderID, productID), orderID, productID, qty,
		ReserveMoveKey(orderID, productID))
	if err != nil {
		return "", fmt.Errorf("release stock order=%d product=%d: %w", orderID, productID, err)
	}

	switch {
	case !row.Reserved:
		return MoveNoReserve, nil
	case row.Inserted && row.Applied:
		return MoveApplied, nil
	case !row.Inserted:
		return MoveAlready, nil
	default:
		return "", fmt.Errorf("release stock order=%d product=%d: move inserted but stock unchanged", orderID, productID)
	}
}

// ListReserveMoves returns the reserve ledger rows for an order.
func (s *Store) ListReserveMoves(ctx context.Context, orderID int64) ([]models.InventoryMove, error) {
	var moves []models.InventoryMove
	err := s.db.SelectContext(ctx, &moves,
		"SELECT * FROM inventory_moves WHERE order_id = $1 AND move_type = 'reserve' ORDER BY product_id",
		orderID)
	return moves, err
}
