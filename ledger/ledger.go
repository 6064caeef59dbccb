// Package ledger tracks how many units of each product remain for sale.
//
// Every backend makes TryDecrement a single atomic compare-and-subtract,
// so stock can never go negative no matter how many order lines for the
// same product are processed at once.
package ledger

import (
	"context"
	"errors"
	"fmt"
)

// ErrInvalidQuantity is returned for a quantity of zero or less.
var ErrInvalidQuantity = errors.New("quantity must be positive")

// ErrUnknownProduct is returned when restoring stock for a product the
// backend has never heard of.
var ErrUnknownProduct = errors.New("unknown product")

// Ledger is a concurrency-safe remaining-unit counter per product.
type Ledger interface {
	// TryDecrement removes qty units if at least qty remain and reports
	// whether it did. An unknown product has no stock.
	TryDecrement(ctx context.Context, productID string, qty int64) (bool, error)

	// Increment returns qty units to stock, for compensation, refunds
	// and restocking.
	Increment(ctx context.Context, productID string, qty int64) error

	// Stock returns the units remaining.
	Stock(ctx context.Context, productID string) (int64, error)
}

func checkQuantity(productID string, qty int64) error {
	if qty <= 0 {
		return fmt.Errorf("%s: %d: %w", productID, qty, ErrInvalidQuantity)
	}
	return nil
}
