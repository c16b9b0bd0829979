package product

import (
	"context"
	"time"

	"agrimarket/internal/core/id"
	"agrimarket/internal/core/types"
)

// Repository defines data access for products.
//
// Every mutator is a conditional update: it applies only if its predicate still
// holds against the stored row at write time and reports applied=false
// otherwise, returning the row as it was left. Derived statuses are recomputed
// in the same step.
type Repository interface {
	Create(ctx context.Context, p *Product) error

	// GetByID returns apperror NOT_FOUND for an unknown id.
	GetByID(ctx context.Context, productID id.ID) (*Product, error)

	// GetForUpdate reads the row under a row lock held until the surrounding
	// transaction ends. Must be called inside a transaction.
	GetForUpdate(ctx context.Context, productID id.ID) (*Product, error)

	// LockForUpdate row-locks every existing product of ids in ascending id
	// order. Writers that touch several products call it first so they all
	// acquire locks in the same order. Must be called inside a transaction.
	LockForUpdate(ctx context.Context, ids []id.ID) error

	// UpdatePlan applies iff received_quantity <= Planned.
	UpdatePlan(ctx context.Context, u PlanUpdate) (*Product, bool, error)

	// ApplyReceipt applies iff received_quantity + Quantity <= planned_quantity
	// and the batch cycle still matches the receipt's expectations.
	ApplyReceipt(ctx context.Context, u ReceiptUpdate) (*Product, bool, error)

	// ApplyIssue applies iff on_hand_quantity - qty >= 0.
	ApplyIssue(ctx context.Context, productID id.ID, qty int64) (*Product, bool, error)

	// ResetBatch zeroes the cycle and increments batch_number, iff the row is
	// still on expectedBatch with an open cycle.
	ResetBatch(ctx context.Context, productID id.ID, expectedBatch int) (*Product, bool, error)

	// ListExpired returns products with stock left whose expiry day is before today.
	ListExpired(ctx context.Context, today string) ([]id.ID, error)

	// ListDepletedOpen returns products at zero stock whose cycle is still open.
	ListDepletedOpen(ctx context.Context) ([]id.ID, error)
}

// PlanUpdate sets the planned quantity and economics of the current cycle.
type PlanUpdate struct {
	ProductID id.ID
	Planned   int64
	UnitCost  types.Money
	SellPrice types.Money
}

// ReceiptUpdate carries a receipt into the conditional update.
//
// When First is set the update also requires that no entry date exists yet and
// writes the entry and expiry fields. Otherwise it requires the stored entry
// day to equal RequiredDay.
type ReceiptUpdate struct {
	ProductID   id.ID
	Quantity    int64
	BatchNumber int

	First     bool
	EntryAt   time.Time
	EntryDay  string
	ExpiryAt  time.Time
	ExpiryDay string

	RequiredDay string
}
