package memory

import (
	"context"
	"sort"
	"time"

	"agrimarket/internal/core/apperror"
	"agrimarket/internal/core/id"
	"agrimarket/internal/core/types"
	"agrimarket/internal/domain/lifecycle"
)

var (
	_ lifecycle.HistoryRepository = (*HistoryRepo)(nil)
	_ lifecycle.SalesReader       = (*SalesReader)(nil)
)

// HistoryRepo implements lifecycle.HistoryRepository.
type HistoryRepo struct {
	s *Store
}

// Insert rejects a second row for the same (product, batch).
func (r *HistoryRepo) Insert(ctx context.Context, h *lifecycle.BatchHistory) error {
	defer r.s.acquire(ctx)()
	for _, existing := range r.s.history {
		if existing.ProductID == h.ProductID && existing.BatchNumber == h.BatchNumber {
			return apperror.NewConflict("batch already closed").
				WithDetail("product_id", h.ProductID.String()).
				WithDetail("batch", h.BatchNumber)
		}
	}
	r.s.history = append(r.s.history, *h)
	return nil
}

func (r *HistoryRepo) ListByProduct(ctx context.Context, productID id.ID) ([]lifecycle.BatchHistory, error) {
	defer r.s.acquire(ctx)()
	var rows []lifecycle.BatchHistory
	for _, h := range r.s.history {
		if h.ProductID == productID {
			rows = append(rows, h)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].BatchNumber < rows[j].BatchNumber })
	return rows, nil
}

// SalesReader implements lifecycle.SalesReader over recorded sale lines.
type SalesReader struct {
	s *Store
}

// RecordSale stores a completed order line, standing in for the order flow.
func (r *SalesReader) RecordSale(ctx context.Context, line SaleLine) {
	defer r.s.acquire(ctx)()
	r.s.sales = append(r.s.sales, line)
}

func (r *SalesReader) Aggregate(ctx context.Context, productID id.ID, from, to time.Time) (lifecycle.SalesSummary, error) {
	defer r.s.acquire(ctx)()
	sum := lifecycle.SalesSummary{
		FullPriceRevenue: types.Zero(),
		ClearanceRevenue: types.Zero(),
	}
	for _, l := range r.s.sales {
		if l.ProductID != productID || l.CompletedAt.Before(from) || !l.CompletedAt.Before(to) {
			continue
		}
		amount := types.Amount(l.UnitPrice, l.Quantity)
		if l.Clearance {
			sum.ClearanceUnits += l.Quantity
			sum.ClearanceRevenue = sum.ClearanceRevenue.Add(amount)
		} else {
			sum.FullPriceUnits += l.Quantity
			sum.FullPriceRevenue = sum.FullPriceRevenue.Add(amount)
		}
	}
	return sum, nil
}
