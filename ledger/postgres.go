package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	decrementSQL = `UPDATE products SET stock = stock - $2 WHERE id = $1 AND stock >= $2`
	incrementSQL = `UPDATE products SET stock = stock + $2 WHERE id = $1`
	stockSQL     = `SELECT stock FROM products WHERE id = $1`
)

// pgxPool is the subset of *pgxpool.Pool the ledger uses.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresLedger keeps stock in the stock column of the products table.
// The conditional UPDATE takes a row lock, which serializes writers for
// the same product while leaving other products alone.
type PostgresLedger struct {
	db pgxPool
}

func NewPostgresLedger(db pgxPool) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// ConnectPostgres creates and validates a pgx connection pool.
func ConnectPostgres(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func (l *PostgresLedger) TryDecrement(ctx context.Context, productID string, qty int64) (bool, error) {
	if err := checkQuantity(productID, qty); err != nil {
		return false, err
	}
	tag, err := l.db.Exec(ctx, decrementSQL, productID, qty)
	if err != nil {
		return false, fmt.Errorf("decrement stock for %s: %w", productID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (l *PostgresLedger) Increment(ctx context.Context, productID string, qty int64) error {
	if err := checkQuantity(productID, qty); err != nil {
		return err
	}
	tag, err := l.db.Exec(ctx, incrementSQL, productID, qty)
	if err != nil {
		return fmt.Errorf("increment stock for %s: %w", productID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("increment stock for %s: %w", productID, ErrUnknownProduct)
	}
	return nil
}

func (l *PostgresLedger) Stock(ctx context.Context, productID string) (int64, error) {
	var stock int64
	err := l.db.QueryRow(ctx, stockSQL, productID).Scan(&stock)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read stock for %s: %w", productID, err)
	}
	return stock, nil
}
