package ledger

import (
	"context"
	"sync"
)

type productStock struct {
	mutex sync.Mutex
	stock int64
}

// MemoryLedger keeps stock in process memory with one lock per product,
// so sales of different products never wait on each other. It suits
// tests and single-process deployments.
type MemoryLedger struct {
	mutex    sync.Mutex
	products map[string]*productStock
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{products: make(map[string]*productStock)}
}

func (l *MemoryLedger) product(productID string, create bool) *productStock {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	p, ok := l.products[productID]
	if !ok && create {
		p = &productStock{}
		l.products[productID] = p
	}
	return p
}

// Set overwrites the stock for productID, for seeding and restocking.
func (l *MemoryLedger) Set(productID string, stock int64) {
	p := l.product(productID, true)
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.stock = stock
}

func (l *MemoryLedger) TryDecrement(ctx context.Context, productID string, qty int64) (bool, error) {
	if err := checkQuantity(productID, qty); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p := l.product(productID, false)
	if p == nil {
		return false, nil
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.stock < qty {
		return false, nil
	}
	p.stock -= qty
	return true, nil
}

func (l *MemoryLedger) Increment(ctx context.Context, productID string, qty int64) error {
	if err := checkQuantity(productID, qty); err != nil {
		return err
	}
	p := l.product(productID, true)
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.stock += qty
	return nil
}

func (l *MemoryLedger) Stock(ctx context.Context, productID string) (int64, error) {
	p := l.product(productID, false)
	if p == nil {
		return 0, nil
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.stock, nil
}
