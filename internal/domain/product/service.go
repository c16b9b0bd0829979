package product

import (
	"context"
	"fmt"

	"agrimarket/internal/core/apperror"
	"agrimarket/internal/core/calendar"
	"agrimarket/internal/core/id"
	"agrimarket/internal/core/tx"
	"agrimarket/internal/core/types"
	"agrimarket/pkg/logger"
)

// Service provides product registration and reads. It never touches received
// or on-hand quantities; those belong to the ledger.
type Service struct {
	repo      Repository
	txManager tx.Manager
	cal       *calendar.Calendar
}

// NewService creates a new product service.
func NewService(repo Repository, txManager tx.Manager, cal *calendar.Calendar) *Service {
	return &Service{repo: repo, txManager: txManager, cal: cal}
}

// CreateInput describes a new product.
type CreateInput struct {
	Name      string
	Planned   int64
	UnitCost  types.Money
	SellPrice types.Money
}

// Create registers a product in its first cycle.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Product, error) {
	if in.Name == "" {
		return nil, apperror.NewValidation("name is required")
	}
	if err := validateEconomics(in.Planned, in.UnitCost, in.SellPrice); err != nil {
		return nil, err
	}

	p := NewProduct(in.Name, in.UnitCost, in.SellPrice, s.cal.Now())
	p.PlannedQuantity = in.Planned

	if err := s.repo.Create(ctx, p); err != nil {
		return nil, apperror.Normalize("create product", err)
	}

	logger.Info(ctx, "product created", "product_id", p.ID, "planned", p.PlannedQuantity)
	return p, nil
}

// Get returns a product by id.
func (s *Service) Get(ctx context.Context, productID id.ID) (*Product, error) {
	p, err := s.repo.GetByID(ctx, productID)
	if err != nil {
		return nil, apperror.Normalize("get product", err)
	}
	return p, nil
}

// Plan sets the planned quantity and prices of the current cycle.
// Planned may not drop below what has already been received.
func (s *Service) Plan(ctx context.Context, u PlanUpdate) (*Product, error) {
	if id.IsNil(u.ProductID) {
		return nil, apperror.NewValidation("product_id is required")
	}
	if err := validateEconomics(u.Planned, u.UnitCost, u.SellPrice); err != nil {
		return nil, err
	}

	var result *Product
	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		p, applied, err := s.repo.UpdatePlan(ctx, u)
		if err != nil {
			return fmt.Errorf("update plan: %w", err)
		}
		if !applied {
			if p == nil {
				return apperror.NewNotFound("product", u.ProductID.String())
			}
			return apperror.NewBusinessRule(apperror.CodeBatchInProgress,
				fmt.Sprintf("Planned quantity %d is below the %d units already received", u.Planned, p.ReceivedQuantity)).
				WithDetail("product_id", u.ProductID.String()).
				WithDetail("received", p.ReceivedQuantity).
				WithDetail("planned", u.Planned)
		}
		result = p
		return nil
	})
	if err != nil {
		return nil, apperror.Normalize("plan product", err)
	}

	logger.Info(ctx, "product planned",
		"product_id", result.ID,
		"batch", result.BatchNumber,
		"planned", result.PlannedQuantity,
	)
	return result, nil
}

func validateEconomics(planned int64, unitCost, sellPrice types.Money) error {
	if planned < 0 {
		return apperror.NewValidation("planned quantity must not be negative")
	}
	if unitCost.IsNegative() || sellPrice.IsNegative() {
		return apperror.NewValidation("prices must not be negative")
	}
	return nil
}
