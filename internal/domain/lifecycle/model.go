// Package lifecycle closes a depleted or expired batch: it snapshots the cycle
// into ProductBatchHistory and resets the product for the next delivery.
package lifecycle

import (
	"time"

	"agrimarket/internal/core/id"
	"agrimarket/internal/core/types"
)

// CompletionReason says why a batch was closed.
type CompletionReason string

const (
	ReasonSoldOut CompletionReason = "SOLD_OUT"
	ReasonExpired CompletionReason = "EXPIRED"
)

// Valid reports whether r is a known reason.
func (r CompletionReason) Valid() bool {
	return r == ReasonSoldOut || r == ReasonExpired
}

// BatchHistory is the write-once snapshot of a closed cycle.
type BatchHistory struct {
	ID          id.ID            `db:"id" json:"id"`
	ProductID   id.ID            `db:"product_id" json:"productId"`
	BatchNumber int              `db:"batch_number" json:"batchNumber"`
	Reason      CompletionReason `db:"completion_reason" json:"completionReason"`

	PlannedQuantity   int64 `db:"planned_quantity" json:"plannedQuantity"`
	ReceivedQuantity  int64 `db:"received_quantity" json:"receivedQuantity"`
	SoldQuantity      int64 `db:"sold_quantity" json:"soldQuantity"`
	DiscardedQuantity int64 `db:"discarded_quantity" json:"discardedQuantity"`

	WarehouseEntryDate time.Time `db:"warehouse_entry_date" json:"warehouseEntryDate"`
	WarehouseEntryDay  string    `db:"warehouse_entry_day" json:"warehouseEntryDay"`
	ExpiryDate         time.Time `db:"expiry_date" json:"expiryDate"`
	ExpiryDay          string    `db:"expiry_day" json:"expiryDay"`
	CompletedAt        time.Time `db:"completed_at" json:"completedAt"`
	CompletedDay       string    `db:"completed_day" json:"completedDay"`

	UnitCost  types.Money `db:"unit_cost" json:"unitCost"`
	SellPrice types.Money `db:"sell_price" json:"sellPrice"`

	FullPriceUnits   int64       `db:"full_price_units" json:"fullPriceUnits"`
	FullPriceRevenue types.Money `db:"full_price_revenue" json:"fullPriceRevenue"`
	ClearanceUnits   int64       `db:"clearance_units" json:"clearanceUnits"`
	ClearanceRevenue types.Money `db:"clearance_revenue" json:"clearanceRevenue"`
	TotalRevenue     types.Money `db:"total_revenue" json:"totalRevenue"`
	TotalCost        types.Money `db:"total_cost" json:"totalCost"`
}

// SalesSummary is the order flow's revenue split for one batch window.
type SalesSummary struct {
	FullPriceUnits   int64
	FullPriceRevenue types.Money
	ClearanceUnits   int64
	ClearanceRevenue types.Money
}

// SweepFailure is one product a sweep could not close.
type SweepFailure struct {
	ProductID id.ID
	Err       error
}

// SweepReport summarizes one sweep pass. Failures never abort the pass.
type SweepReport struct {
	Kind     string
	Scanned  int
	Closed   int
	Skipped  int
	Failures []SweepFailure
	Duration time.Duration
}
