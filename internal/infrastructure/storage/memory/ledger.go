package memory

import (
	"context"
	"sort"
	"time"

	"agrimarket/internal/core/id"
	"agrimarket/internal/domain/ledger"
)

var _ ledger.Repository = (*LedgerRepo)(nil)

// LedgerRepo implements ledger.Repository.
type LedgerRepo struct {
	s *Store
}

func (r *LedgerRepo) Append(ctx context.Context, t *ledger.Transaction) error {
	defer r.s.acquire(ctx)()
	r.s.entries = append(r.s.entries, *t)
	return nil
}

func (r *LedgerRepo) SumQuantity(ctx context.Context, productID id.ID, typ ledger.TransactionType, from, to time.Time) (int64, error) {
	defer r.s.acquire(ctx)()
	var sum int64
	for _, e := range r.s.entries {
		if e.ProductID != productID || e.Type != typ {
			continue
		}
		if e.CreatedAt.Before(from) || !e.CreatedAt.Before(to) {
			continue
		}
		sum += e.Quantity
	}
	return sum, nil
}

func (r *LedgerRepo) ListByProduct(ctx context.Context, productID id.ID, filter ledger.ListFilter) ([]ledger.Transaction, error) {
	defer r.s.acquire(ctx)()
	var rows []ledger.Transaction
	for _, e := range r.s.entries {
		if e.ProductID == productID && (filter.Type == "" || e.Type == filter.Type) {
			rows = append(rows, e)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].CreatedAt.After(rows[j].CreatedAt) })

	if filter.Offset >= len(rows) {
		return []ledger.Transaction{}, nil
	}
	rows = rows[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(rows) {
		rows = rows[:filter.Limit]
	}
	return rows, nil
}
