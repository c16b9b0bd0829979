package memory

import (
	"context"
	"sort"
	"time"

	"agrimarket/internal/core/apperror"
	"agrimarket/internal/core/id"
	"agrimarket/internal/domain/product"
)

var _ product.Repository = (*ProductRepo)(nil)

// ProductRepo implements product.Repository.
type ProductRepo struct {
	s *Store
}

func (r *ProductRepo) Create(ctx context.Context, p *product.Product) error {
	defer r.s.acquire(ctx)()
	if _, ok := r.s.products[p.ID]; ok {
		return apperror.NewConflict("product already exists").WithDetail("product_id", p.ID.String())
	}
	r.s.products[p.ID] = cloneProduct(p)
	return nil
}

func (r *ProductRepo) GetByID(ctx context.Context, productID id.ID) (*product.Product, error) {
	defer r.s.acquire(ctx)()
	p, ok := r.s.products[productID]
	if !ok {
		return nil, apperror.NewNotFound("product", productID.String())
	}
	return cloneProduct(p), nil
}

// GetForUpdate is GetByID; the transaction mutex already excludes other writers.
func (r *ProductRepo) GetForUpdate(ctx context.Context, productID id.ID) (*product.Product, error) {
	return r.GetByID(ctx, productID)
}

// LockForUpdate is a no-op for the same reason.
func (r *ProductRepo) LockForUpdate(context.Context, []id.ID) error {
	return nil
}

func (r *ProductRepo) UpdatePlan(ctx context.Context, u product.PlanUpdate) (*product.Product, bool, error) {
	return r.update(ctx, u.ProductID, func(p *product.Product) bool {
		if p.ReceivedQuantity > u.Planned {
			return false
		}
		p.PlannedQuantity = u.Planned
		p.UnitCost = u.UnitCost
		p.SellPrice = u.SellPrice
		return true
	})
}

func (r *ProductRepo) ApplyReceipt(ctx context.Context, u product.ReceiptUpdate) (*product.Product, bool, error) {
	return r.update(ctx, u.ProductID, func(p *product.Product) bool {
		if p.BatchNumber != u.BatchNumber || p.ReceivedQuantity+u.Quantity > p.PlannedQuantity {
			return false
		}
		if u.First {
			if p.WarehouseEntryDate != nil {
				return false
			}
			entryAt, expiryAt := u.EntryAt.UTC(), u.ExpiryAt.UTC()
			entryDay, expiryDay := u.EntryDay, u.ExpiryDay
			p.WarehouseEntryDate, p.WarehouseEntryDay = &entryAt, &entryDay
			p.ExpiryDate, p.ExpiryDay = &expiryAt, &expiryDay
		} else if p.WarehouseEntryDay == nil || *p.WarehouseEntryDay != u.RequiredDay {
			return false
		}
		p.ReceivedQuantity += u.Quantity
		p.OnHandQuantity += u.Quantity
		return true
	})
}

func (r *ProductRepo) ApplyIssue(ctx context.Context, productID id.ID, qty int64) (*product.Product, bool, error) {
	return r.update(ctx, productID, func(p *product.Product) bool {
		if p.OnHandQuantity-qty < 0 {
			return false
		}
		p.OnHandQuantity -= qty
		return true
	})
}

func (r *ProductRepo) ResetBatch(ctx context.Context, productID id.ID, expectedBatch int) (*product.Product, bool, error) {
	return r.update(ctx, productID, func(p *product.Product) bool {
		if p.BatchNumber != expectedBatch || p.WarehouseEntryDate == nil {
			return false
		}
		p.PlannedQuantity = 0
		p.ReceivedQuantity = 0
		p.OnHandQuantity = 0
		p.ReservedQuantity = 0
		p.WarehouseEntryDate, p.WarehouseEntryDay = nil, nil
		p.ExpiryDate, p.ExpiryDay = nil, nil
		p.BatchNumber++
		return true
	})
}

// update applies mutate to the stored row if it returns true. A missing row
// yields (nil, false, nil).
func (r *ProductRepo) update(ctx context.Context, productID id.ID, mutate func(p *product.Product) bool) (*product.Product, bool, error) {
	defer r.s.acquire(ctx)()
	stored, ok := r.s.products[productID]
	if !ok {
		return nil, false, nil
	}
	next := cloneProduct(stored)
	if !mutate(next) {
		return cloneProduct(stored), false, nil
	}
	next.Rederive()
	next.UpdatedAt = time.Now().UTC()
	if err := next.CheckInvariant(); err != nil {
		return nil, false, err
	}
	r.s.products[productID] = next
	return cloneProduct(next), true, nil
}

func (r *ProductRepo) ListExpired(ctx context.Context, today string) ([]id.ID, error) {
	defer r.s.acquire(ctx)()
	var out []*product.Product
	for _, p := range r.s.products {
		if p.OnHandQuantity > 0 && p.ExpiryDay != nil && *p.ExpiryDay < today {
			out = append(out, p)
		}
	}
	return sortedIDs(out), nil
}

func (r *ProductRepo) ListDepletedOpen(ctx context.Context) ([]id.ID, error) {
	defer r.s.acquire(ctx)()
	var out []*product.Product
	for _, p := range r.s.products {
		if p.OnHandQuantity == 0 && p.WarehouseEntryDate != nil {
			out = append(out, p)
		}
	}
	return sortedIDs(out), nil
}

func sortedIDs(ps []*product.Product) []id.ID {
	sort.Slice(ps, func(i, j int) bool { return ps[i].ID.String() < ps[j].ID.String() })
	ids := make([]id.ID, len(ps))
	for i, p := range ps {
		ids[i] = p.ID
	}
	return ids
}
