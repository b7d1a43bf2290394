package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

var (
	// ErrNotFound is returned when a requested row does not exist
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when an idempotency record already exists for (key, scope)
	ErrDuplicateKey = errors.New("duplicate idempotency key")
)

// Repository is the set of queries the services run, either directly
// against the pool or bound to a single transaction.
type Repository interface {
	StockEntryExists(ctx context.Context, productID int64) (bool, error)
	GetStockEntry(ctx context.Context, productID int64) (*models.StockEntry, error)
	UpsertStock(ctx context.Context, productID int64, qty int) error
	DecrementStock(ctx context.Context, productID int64, qty int) (bool, error)
	IncrementStock(ctx context.Context, productID int64, qty int) error

	CreateReservation(ctx context.Context, r *models.Reservation) error
	ListReservationsByOrder(ctx context.Context, orderID int64, forUpdate bool) ([]models.Reservation, error)
	UpdateReservationStatus(ctx context.Context, id string, status models.ReservationStatus) error

	CreateOrder(ctx context.Context, order *models.Order) error
	CreateOrderItem(ctx context.Context, item *models.OrderItem) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, status string) error

	GetIdempotencyRecord(ctx context.Context, key, scope string) (*models.IdempotencyRecord, error)
	CreateIdempotencyRecord(ctx context.Context, rec *models.IdempotencyRecord) error

	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// Transactor is a Repository that can also run a function inside one
// database transaction. fn's error rolls everything back.
type Transactor interface {
	Repository
	WithTx(ctx context.Context, fn func(Repository) error) error
}

// queries implements Repository on top of either *sqlx.DB or *sqlx.Tx
type queries struct {
	q sqlx.ExtContext
}

// Store is the Postgres-backed Transactor
type Store struct {
	*queries
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{queries: &queries{q: db}, db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the tables if they do not exist
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// WithTx runs fn inside a single transaction
func (s *Store) WithTx(ctx context.Context, fn func(Repository) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&queries{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique_violation
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
