package ledger

import (
	"context"

	"github.com/digitalgoods/fulfillment-services/network"
)

// RedisLedger keeps stock in Redis under stock:{productID}. Each
// operation is a server-side script, so the check and the decrement
// happen in one step no matter how many workers share the server.
type RedisLedger struct {
	client *network.RedisClient
}

func NewRedisLedger(client *network.RedisClient) *RedisLedger {
	return &RedisLedger{client: client}
}

// Set overwrites the stock for productID, for seeding and restocking.
func (l *RedisLedger) Set(ctx context.Context, productID string, stock int64) error {
	return l.client.StockSet(productID, stock)
}

func (l *RedisLedger) TryDecrement(ctx context.Context, productID string, qty int64) (bool, error) {
	if err := checkQuantity(productID, qty); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return l.client.StockTryDecrement(productID, qty)
}

func (l *RedisLedger) Increment(ctx context.Context, productID string, qty int64) error {
	if err := checkQuantity(productID, qty); err != nil {
		return err
	}
	_, err := l.client.StockIncrement(productID, qty)
	return err
}

func (l *RedisLedger) Stock(ctx context.Context, productID string) (int64, error) {
	return l.client.StockGet(productID)
}
