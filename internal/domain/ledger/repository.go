package ledger

import (
	"context"
	"time"

	"agrimarket/internal/core/id"
)

// Repository defines data access for ledger rows.
type Repository interface {
	// Append inserts one row. There is no update or delete.
	Append(ctx context.Context, t *Transaction) error

	// SumQuantity sums rows of one type for a product with from <= created_at < to.
	SumQuantity(ctx context.Context, productID id.ID, typ TransactionType, from, to time.Time) (int64, error)

	// ListByProduct returns rows newest first.
	ListByProduct(ctx context.Context, productID id.ID, filter ListFilter) ([]Transaction, error)
}

// ListFilter pages through a product's ledger.
type ListFilter struct {
	Type   TransactionType
	Limit  int
	Offset int
}

// DepletionHandler is told when an ISSUE leaves a product at zero stock.
// It runs after the ISSUE has committed.
type DepletionHandler interface {
	OnDepleted(ctx context.Context, productID id.ID) error
}
