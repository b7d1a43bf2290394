package store

import (
	"context"
	"database/sql"
	"errors"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// GetIdempotencyRecord retrieves the record for (key, scope). Returns nil, nil when absent.
func (q *queries) GetIdempotencyRecord(ctx context.Context, key, scope string) (*models.IdempotencyRecord, error) {
	var rec models.IdempotencyRecord
	err := sqlx.GetContext(ctx, q.q, &rec, `
		SELECT idempotency_key, scope, request_hash, response_body, status_code, created_at
		FROM idempotency_records
		WHERE idempotency_key = $1 AND scope = $2`,
		key, scope)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateIdempotencyRecord inserts rec, failing with ErrDuplicateKey if
// (key, scope) is already taken. Inside a transaction the insert waits for a
// concurrent uncommitted insert of the same key and then reports the conflict.
func (q *queries) CreateIdempotencyRecord(ctx context.Context, rec *models.IdempotencyRecord) error {
	err := sqlx.GetContext(ctx, q.q, &rec.CreatedAt, `
		INSERT INTO idempotency_records (idempotency_key, scope, request_hash, response_body, status_code)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key, scope) DO NOTHING
		RETURNING created_at`,
		rec.Key, rec.Scope, rec.RequestHash, rec.ResponseBody, rec.StatusCode)
	if errors.Is(err, sql.ErrNoRows) || isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	return err
}
