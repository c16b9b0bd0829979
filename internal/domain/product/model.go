// Package product provides the Product aggregate: the single source of truth
// for committed stock of one batch cycle.
package product

import (
	"fmt"
	"time"

	"agrimarket/internal/core/apperror"
	"agrimarket/internal/core/calendar"
	"agrimarket/internal/core/id"
	"agrimarket/internal/core/types"
)

// ReceivingStatus is derived from planned and received quantities.
type ReceivingStatus string

const (
	ReceivingNotReceived ReceivingStatus = "NOT_RECEIVED"
	ReceivingPartial     ReceivingStatus = "PARTIAL"
	ReceivingReceived    ReceivingStatus = "RECEIVED"
)

// StockStatus is derived from on-hand quantity.
type StockStatus string

const (
	StockIn  StockStatus = "IN_STOCK"
	StockOut StockStatus = "OUT_OF_STOCK"
)

// Product holds the quantity fields of the current batch cycle.
//
// Invariant: 0 <= OnHandQuantity <= ReceivedQuantity <= PlannedQuantity.
// ReceivingStatus and StockStatus are never set independently of the quantities.
type Product struct {
	ID   id.ID  `db:"id" json:"id"`
	Name string `db:"name" json:"name"`

	PlannedQuantity  int64 `db:"planned_quantity" json:"plannedQuantity"`
	ReceivedQuantity int64 `db:"received_quantity" json:"receivedQuantity"`
	OnHandQuantity   int64 `db:"on_hand_quantity" json:"onHandQuantity"`
	ReservedQuantity int64 `db:"reserved_quantity" json:"reservedQuantity"`

	// Set once per batch cycle by the first receipt.
	WarehouseEntryDate *time.Time `db:"warehouse_entry_date" json:"warehouseEntryDate,omitempty"`
	WarehouseEntryDay  *string    `db:"warehouse_entry_day" json:"warehouseEntryDay,omitempty"`
	ExpiryDate         *time.Time `db:"expiry_date" json:"expiryDate,omitempty"`
	ExpiryDay          *string    `db:"expiry_day" json:"expiryDay,omitempty"`

	ReceivingStatus ReceivingStatus `db:"receiving_status" json:"receivingStatus"`
	StockStatus     StockStatus     `db:"stock_status" json:"stockStatus"`

	BatchNumber int `db:"batch_number" json:"batchNumber"`

	UnitCost  types.Money `db:"unit_cost" json:"unitCost"`
	SellPrice types.Money `db:"sell_price" json:"sellPrice"`

	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// NewProduct creates a product in its first (empty) batch cycle, stamped at now.
func NewProduct(name string, unitCost, sellPrice types.Money, now time.Time) *Product {
	now = now.UTC()
	return &Product{
		ID:              id.New(),
		Name:            name,
		ReceivingStatus: ReceivingNotReceived,
		StockStatus:     StockOut,
		BatchNumber:     1,
		UnitCost:        unitCost,
		SellPrice:       sellPrice,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// DeriveReceivingStatus is the pure function behind ReceivingStatus.
func DeriveReceivingStatus(planned, received int64) ReceivingStatus {
	switch {
	case received <= 0:
		return ReceivingNotReceived
	case received >= planned:
		return ReceivingReceived
	default:
		return ReceivingPartial
	}
}

// DeriveStockStatus is the pure function behind StockStatus.
func DeriveStockStatus(onHand int64) StockStatus {
	if onHand > 0 {
		return StockIn
	}
	return StockOut
}

// Rederive recomputes both derived statuses from the quantities.
func (p *Product) Rederive() {
	p.ReceivingStatus = DeriveReceivingStatus(p.PlannedQuantity, p.ReceivedQuantity)
	p.StockStatus = DeriveStockStatus(p.OnHandQuantity)
}

// CheckInvariant verifies the quantity ordering.
func (p *Product) CheckInvariant() error {
	if p.OnHandQuantity < 0 || p.OnHandQuantity > p.ReceivedQuantity || p.ReceivedQuantity > p.PlannedQuantity {
		return apperror.NewInternal(fmt.Errorf("product %s: quantity invariant violated (planned=%d received=%d on_hand=%d)",
			p.ID, p.PlannedQuantity, p.ReceivedQuantity, p.OnHandQuantity))
	}
	return nil
}

// HasOpenBatch reports whether the current cycle has received at least once.
func (p *Product) HasOpenBatch() bool {
	return p.WarehouseEntryDate != nil
}

// EntryDayValue returns the warehouse entry day of the current cycle.
func (p *Product) EntryDayValue() (calendar.Day, bool) {
	return parseDayPtr(p.WarehouseEntryDay)
}

// ExpiryDayValue returns the expiry day of the current cycle.
func (p *Product) ExpiryDayValue() (calendar.Day, bool) {
	return parseDayPtr(p.ExpiryDay)
}

// IsExpiredOn reports whether the expiry day lies strictly before today.
func (p *Product) IsExpiredOn(today calendar.Day) bool {
	exp, ok := p.ExpiryDayValue()
	return ok && exp.Before(today)
}

// EffectiveUnitPrice returns the sell price, discounted when the batch expires
// within nearDays of today.
func (p *Product) EffectiveUnitPrice(today calendar.Day, nearDays int, discount types.Ratio) (types.Money, bool) {
	exp, ok := p.ExpiryDayValue()
	if !ok || discount.IsZero() {
		return p.SellPrice, false
	}
	if left := today.DaysUntil(exp); left >= 0 && left <= nearDays {
		return types.Discounted(p.SellPrice, discount), true
	}
	return p.SellPrice, false
}

func parseDayPtr(s *string) (calendar.Day, bool) {
	if s == nil || *s == "" {
		return calendar.Day{}, false
	}
	d, err := calendar.ParseDay(*s)
	if err != nil {
		return calendar.Day{}, false
	}
	return d, true
}
