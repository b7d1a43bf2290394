package store

import (
	"context"
	"database/sql"
	"errors"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// StockEntryExists reports whether the product is inventory-tracked
func (q *queries) StockEntryExists(ctx context.Context, productID int64) (bool, error) {
	var exists bool
	err := sqlx.GetContext(ctx, q.q, &exists,
		"SELECT EXISTS(SELECT 1 FROM stock_entries WHERE product_id = $1)", productID)
	return exists, err
}

// GetStockEntry retrieves the ledger row for a product
func (q *queries) GetStockEntry(ctx context.Context, productID int64) (*models.StockEntry, error) {
	var entry models.StockEntry
	err := sqlx.GetContext(ctx, q.q, &entry,
		"SELECT product_id, available_qty, updated_at FROM stock_entries WHERE product_id = $1", productID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// UpsertStock sets the available quantity, creating the row if needed
func (q *queries) UpsertStock(ctx context.Context, productID int64, qty int) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO stock_entries (product_id, available_qty, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (product_id) DO UPDATE
		SET available_qty = EXCLUDED.available_qty, updated_at = NOW()`,
		productID, qty)
	return err
}

// DecrementStock subtracts qty only if enough is available.
// Returns false when the row is missing or short.
func (q *queries) DecrementStock(ctx context.Context, productID int64, qty int) (bool, error) {
	res, err := q.q.ExecContext(ctx, `
		UPDATE stock_entries
		SET available_qty = available_qty - $1, updated_at = NOW()
		WHERE product_id = $2 AND available_qty >= $1`,
		qty, productID)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// IncrementStock returns qty to the ledger
func (q *queries) IncrementStock(ctx context.Context, productID int64, qty int) error {
	_, err := q.q.ExecContext(ctx,
		"UPDATE stock_entries SET available_qty = available_qty + $1, updated_at = NOW() WHERE product_id = $2",
		qty, productID)
	return err
}
