// Package memory is an in-process implementation of every repository and of
// tx.Manager. Transactions are serialized by one mutex and rolled back from a
// snapshot, which makes the conditional updates trivially atomic. Used by the
// tests and by the server when no DATABASE_URL is configured.
package memory

import (
	"context"
	"sync"
	"time"

	"agrimarket/internal/core/id"
	"agrimarket/internal/core/tx"
	"agrimarket/internal/core/types"
	"agrimarket/internal/domain/ledger"
	"agrimarket/internal/domain/lifecycle"
	"agrimarket/internal/domain/product"
	"agrimarket/internal/domain/reservation"
)

var _ tx.Manager = (*Store)(nil)

// SaleLine is a completed order line as the order flow records it.
type SaleLine struct {
	ProductID   id.ID
	Quantity    int64
	UnitPrice   types.Money
	Clearance   bool
	CompletedAt time.Time
}

// Store holds all tables.
type Store struct {
	mu sync.Mutex

	products map[id.ID]*product.Product
	entries  []ledger.Transaction
	locks    map[id.ID]*reservation.StockLock
	history  []lifecycle.BatchHistory
	sales    []SaleLine
}

// New creates an empty store.
func New() *Store {
	return &Store{
		products: make(map[id.ID]*product.Product),
		locks:    make(map[id.ID]*reservation.StockLock),
	}
}

type txKey struct{}

func inTx(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(bool)
	return ok
}

// RunInTransaction runs fn with the store locked. On error every table is
// restored to its state before fn. Nested calls reuse the outer transaction.
func (s *Store) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if inTx(ctx) {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// InTransaction reports whether ctx runs inside RunInTransaction.
func (s *Store) InTransaction(ctx context.Context) bool { return inTx(ctx) }

// acquire locks the store unless ctx already runs inside a transaction.
func (s *Store) acquire(ctx context.Context) func() {
	if inTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

type snapshot struct {
	products map[id.ID]*product.Product
	entries  []ledger.Transaction
	locks    map[id.ID]*reservation.StockLock
	history  []lifecycle.BatchHistory
	sales    []SaleLine
}

func (s *Store) snapshot() snapshot {
	snap := snapshot{
		products: make(map[id.ID]*product.Product, len(s.products)),
		entries:  append([]ledger.Transaction(nil), s.entries...),
		locks:    make(map[id.ID]*reservation.StockLock, len(s.locks)),
		history:  append([]lifecycle.BatchHistory(nil), s.history...),
		sales:    append([]SaleLine(nil), s.sales...),
	}
	for k, p := range s.products {
		snap.products[k] = cloneProduct(p)
	}
	for k, l := range s.locks {
		snap.locks[k] = cloneLock(l)
	}
	return snap
}

func (s *Store) restore(snap snapshot) {
	s.products = snap.products
	s.entries = snap.entries
	s.locks = snap.locks
	s.history = snap.history
	s.sales = snap.sales
}

// Products returns the product repository view.
func (s *Store) Products() *ProductRepo { return &ProductRepo{s: s} }

// Ledger returns the ledger repository view.
func (s *Store) Ledger() *LedgerRepo { return &LedgerRepo{s: s} }

// Locks returns the stock lock repository view.
func (s *Store) Locks() *LockRepo { return &LockRepo{s: s} }

// History returns the batch history repository view.
func (s *Store) History() *HistoryRepo { return &HistoryRepo{s: s} }

// Sales returns the sales aggregate reader.
func (s *Store) Sales() *SalesReader { return &SalesReader{s: s} }

func cloneProduct(p *product.Product) *product.Product {
	c := *p
	c.WarehouseEntryDate = cloneTime(p.WarehouseEntryDate)
	c.ExpiryDate = cloneTime(p.ExpiryDate)
	c.WarehouseEntryDay = cloneString(p.WarehouseEntryDay)
	c.ExpiryDay = cloneString(p.ExpiryDay)
	return &c
}

func cloneLock(l *reservation.StockLock) *reservation.StockLock {
	c := *l
	c.ReleasedAt = cloneTime(l.ReleasedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
