package store

import (
	"context"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// CreateReservation inserts a reservation row
func (q *queries) CreateReservation(ctx context.Context, r *models.Reservation) error {
	query := `
		INSERT INTO reservations (id, order_id, product_id, qty, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`

	return sqlx.GetContext(ctx, q.q, r, query,
		r.ID, r.OrderID, r.ProductID, r.Qty, r.Status)
}

// ListReservationsByOrder returns an order's reservations ordered by product.
// forUpdate locks the rows until the surrounding transaction ends.
func (q *queries) ListReservationsByOrder(ctx context.Context, orderID int64, forUpdate bool) ([]models.Reservation, error) {
	query := `
		SELECT id, order_id, product_id, qty, status, created_at, updated_at
		FROM reservations
		WHERE order_id = $1
		ORDER BY product_id, created_at, id`
	if forUpdate {
		query += " FOR UPDATE"
	}

	reservations := []models.Reservation{}
	err := sqlx.SelectContext(ctx, q.q, &reservations, query, orderID)
	return reservations, err
}

// UpdateReservationStatus moves a reservation to a new status
func (q *queries) UpdateReservationStatus(ctx context.Context, id string, status models.ReservationStatus) error {
	_, err := q.q.ExecContext(ctx,
		"UPDATE reservations SET status = $1, updated_at = NOW() WHERE id = $2",
		status, id)
	return err
}
