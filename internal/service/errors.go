package service

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfStock matches any *OutOfStockError via errors.Is
	ErrOutOfStock = errors.New("out of stock")

	// ErrIdempotencyKeyReuse is returned when a key is replayed with a different payload
	ErrIdempotencyKeyReuse = errors.New("idempotency key reused with a different request")

	// ErrInvalidOrder is returned for payloads that fail validation
	ErrInvalidOrder = errors.New("invalid order")
)

// OutOfStockError reports the first product that could not be reserved
type OutOfStockError struct {
	ProductID int64
	Requested int
	Available int
}

func (e *OutOfStockError) Error() string {
	return fmt.Sprintf("out of stock: product=%d requested=%d available=%d", e.ProductID, e.Requested, e.Available)
}

// Is lets errors.Is(err, ErrOutOfStock) match
func (e *OutOfStockError) Is(target error) bool {
	return target == ErrOutOfStock
}

func invalidOrder(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidOrder, fmt.Sprintf(format, args...))
}
