package product_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agrimarket/internal/core/apperror"
	"agrimarket/internal/core/calendar"
	"agrimarket/internal/core/id"
	"agrimarket/internal/core/types"
	"agrimarket/internal/domain/product"
	"agrimarket/internal/infrastructure/storage/memory"
)

var registeredAt = time.Date(2026, 3, 1, 9, 0, 0, 0, time.FixedZone("KST", 9*3600))

func newService() (*product.Service, *memory.Store) {
	store := memory.New()
	cal := calendar.MustNew("+09:00").WithClock(func() time.Time { return registeredAt })
	return product.NewService(store.Products(), store, cal), store
}

func TestService_Create(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	p, err := svc.Create(ctx, product.CreateInput{
		Name:      "Hallabong 3kg",
		Planned:   40,
		UnitCost:  types.MustMoney("21000"),
		SellPrice: types.MustMoney("29900"),
	})
	require.NoError(t, err)

	got, err := svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hallabong 3kg", got.Name)
	assert.Equal(t, int64(40), got.PlannedQuantity)
	assert.Equal(t, 1, got.BatchNumber)
	assert.Equal(t, product.ReceivingNotReceived, got.ReceivingStatus)
	assert.True(t, got.SellPrice.Equal(types.MustMoney("29900")))
	assert.True(t, got.CreatedAt.Equal(registeredAt), "stamped by the business clock")
}

func TestService_CreateValidation(t *testing.T) {
	svc, _ := newService()

	tests := []struct {
		name string
		in   product.CreateInput
	}{
		{name: "missing name", in: product.CreateInput{Planned: 1}},
		{name: "negative plan", in: product.CreateInput{Name: "x", Planned: -1}},
		{name: "negative price", in: product.CreateInput{Name: "x", SellPrice: types.MustMoney("-1")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(context.Background(), tt.in)
			assert.True(t, apperror.HasCode(err, apperror.CodeValidation), "got %v", err)
		})
	}
}

func TestService_GetUnknown(t *testing.T) {
	svc, _ := newService()

	_, err := svc.Get(context.Background(), id.New())
	assert.True(t, apperror.IsNotFound(err))
}

func TestService_PlanNeverBelowReceived(t *testing.T) {
	svc, store := newService()
	ctx := context.Background()

	p, err := svc.Create(ctx, product.CreateInput{Name: "Baby spinach", Planned: 10})
	require.NoError(t, err)

	now := time.Now()
	_, applied, err := store.Products().ApplyReceipt(ctx, product.ReceiptUpdate{
		ProductID:   p.ID,
		Quantity:    6,
		BatchNumber: 1,
		First:       true,
		EntryAt:     now,
		EntryDay:    "2026-03-01",
		ExpiryAt:    now.Add(72 * time.Hour),
		ExpiryDay:   "2026-03-04",
	})
	require.NoError(t, err)
	require.True(t, applied)

	_, err = svc.Plan(ctx, product.PlanUpdate{ProductID: p.ID, Planned: 5})
	assert.True(t, apperror.HasCode(err, apperror.CodeBatchInProgress), "got %v", err)

	updated, err := svc.Plan(ctx, product.PlanUpdate{ProductID: p.ID, Planned: 6, SellPrice: types.MustMoney("3000")})
	require.NoError(t, err)
	assert.Equal(t, int64(6), updated.PlannedQuantity)
	assert.Equal(t, product.ReceivingReceived, updated.ReceivingStatus)

	updated, err = svc.Plan(ctx, product.PlanUpdate{ProductID: p.ID, Planned: 12, SellPrice: types.MustMoney("3000")})
	require.NoError(t, err)
	assert.Equal(t, product.ReceivingPartial, updated.ReceivingStatus)
}

func TestService_PlanValidation(t *testing.T) {
	svc, _ := newService()

	_, err := svc.Plan(context.Background(), product.PlanUpdate{Planned: 5})
	assert.True(t, apperror.HasCode(err, apperror.CodeValidation))

	_, err = svc.Plan(context.Background(), product.PlanUpdate{ProductID: id.New(), Planned: -5})
	assert.True(t, apperror.HasCode(err, apperror.CodeValidation))

	_, err = svc.Plan(context.Background(), product.PlanUpdate{ProductID: id.New(), Planned: 5})
	assert.True(t, apperror.IsNotFound(err), "got %v", err)
}
