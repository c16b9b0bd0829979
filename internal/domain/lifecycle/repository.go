package lifecycle

import (
	"context"
	"time"

	"agrimarket/internal/core/id"
)

// HistoryRepository stores closed batches. Rows are never updated.
type HistoryRepository interface {
	Insert(ctx context.Context, h *BatchHistory) error
	ListByProduct(ctx context.Context, productID id.ID) ([]BatchHistory, error)
}

// SalesReader aggregates completed sales for a product in [from, to).
// It reads the order flow's data; the engine never writes it.
type SalesReader interface {
	Aggregate(ctx context.Context, productID id.ID, from, to time.Time) (SalesSummary, error)
}
