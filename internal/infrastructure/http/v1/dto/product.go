package dto

import (
	"time"

	"agrimarket/internal/core/apperror"
	"agrimarket/internal/core/calendar"
	"agrimarket/internal/core/id"
	"agrimarket/internal/core/types"
	"agrimarket/internal/domain/ledger"
	"agrimarket/internal/domain/lifecycle"
	"agrimarket/internal/domain/product"
)

// --- Request DTOs ---

type CreateProductRequest struct {
	Name            string      `json:"name" binding:"required"`
	PlannedQuantity int64       `json:"plannedQuantity" binding:"min=0"`
	UnitCost        types.Money `json:"unitCost"`
	SellPrice       types.Money `json:"sellPrice"`
}

func (r *CreateProductRequest) ToInput() product.CreateInput {
	return product.CreateInput{
		Name:      r.Name,
		Planned:   r.PlannedQuantity,
		UnitCost:  r.UnitCost,
		SellPrice: r.SellPrice,
	}
}

type PlanRequest struct {
	PlannedQuantity int64       `json:"plannedQuantity" binding:"min=0"`
	UnitCost        types.Money `json:"unitCost"`
	SellPrice       types.Money `json:"sellPrice"`
}

func (r *PlanRequest) ToUpdate(productID id.ID) product.PlanUpdate {
	return product.PlanUpdate{
		ProductID: productID,
		Planned:   r.PlannedQuantity,
		UnitCost:  r.UnitCost,
		SellPrice: r.SellPrice,
	}
}

// ReferenceRequest links a ledger row to an external document.
type ReferenceRequest struct {
	Type string `json:"type" binding:"required"`
	ID   string `json:"id" binding:"required"`
}

func (r *ReferenceRequest) toDomain() *ledger.Reference {
	if r == nil {
		return nil
	}
	return &ledger.Reference{Type: r.Type, ID: r.ID}
}

type ReceiptRequest struct {
	Quantity int64 `json:"quantity" binding:"required"`
	// ExpiryDate is "YYYY-MM-DD" in the business calendar.
	ExpiryDate *string           `json:"expiryDate,omitempty"`
	Note       string            `json:"note,omitempty"`
	Reference  *ReferenceRequest `json:"reference,omitempty"`
}

func (r *ReceiptRequest) ToInput(actorID string, productID id.ID) (ledger.ReceiptInput, error) {
	in := ledger.ReceiptInput{
		ActorID:   actorID,
		ProductID: productID,
		Quantity:  r.Quantity,
		Note:      r.Note,
		Reference: r.Reference.toDomain(),
	}
	if r.ExpiryDate != nil {
		d, err := calendar.ParseDay(*r.ExpiryDate)
		if err != nil {
			return in, apperror.NewValidation("expiryDate must be YYYY-MM-DD").
				WithDetail("expiryDate", *r.ExpiryDate)
		}
		in.ExpiryDate = &d
	}
	return in, nil
}

type IssueRequest struct {
	Quantity  int64             `json:"quantity" binding:"required"`
	Note      string            `json:"note,omitempty"`
	Reference *ReferenceRequest `json:"reference,omitempty"`
}

func (r *IssueRequest) ToInput(actorID string, productID id.ID) ledger.IssueInput {
	return ledger.IssueInput{
		ActorID:   actorID,
		ProductID: productID,
		Quantity:  r.Quantity,
		Note:      r.Note,
		Reference: r.Reference.toDomain(),
	}
}

type ResetRequest struct {
	Reason lifecycle.CompletionReason `json:"reason" binding:"required"`
}

// --- Response DTOs ---

type ProductResponse struct {
	ID               string                  `json:"id"`
	Name             string                  `json:"name"`
	BatchNumber      int                     `json:"batchNumber"`
	PlannedQuantity  int64                   `json:"plannedQuantity"`
	ReceivedQuantity int64                   `json:"receivedQuantity"`
	OnHandQuantity   int64                   `json:"onHandQuantity"`
	ReceivingStatus  product.ReceivingStatus `json:"receivingStatus"`
	StockStatus      product.StockStatus     `json:"stockStatus"`
	WarehouseEntryAt *time.Time              `json:"warehouseEntryAt,omitempty"`
	WarehouseEntry   *string                 `json:"warehouseEntryDay,omitempty"`
	ExpiryDay        *string                 `json:"expiryDay,omitempty"`
	UnitCost         types.Money             `json:"unitCost"`
	SellPrice        types.Money             `json:"sellPrice"`
	UpdatedAt        time.Time               `json:"updatedAt"`
}

func FromProduct(p *product.Product) ProductResponse {
	return ProductResponse{
		ID:               p.ID.String(),
		Name:             p.Name,
		BatchNumber:      p.BatchNumber,
		PlannedQuantity:  p.PlannedQuantity,
		ReceivedQuantity: p.ReceivedQuantity,
		OnHandQuantity:   p.OnHandQuantity,
		ReceivingStatus:  p.ReceivingStatus,
		StockStatus:      p.StockStatus,
		WarehouseEntryAt: p.WarehouseEntryDate,
		WarehouseEntry:   p.WarehouseEntryDay,
		ExpiryDay:        p.ExpiryDay,
		UnitCost:         p.UnitCost,
		SellPrice:        p.SellPrice,
		UpdatedAt:        p.UpdatedAt,
	}
}

// StockResponse is the product with live hold figures.
type StockResponse struct {
	ProductResponse
	HeldQuantity int64 `json:"heldQuantity"`
	// AvailableToHold is on-hand minus live holds, never negative.
	AvailableToHold int64 `json:"availableToHold"`
}

func NewStockResponse(p *product.Product, held int64) StockResponse {
	avail := p.OnHandQuantity - held
	if avail < 0 {
		avail = 0
	}
	return StockResponse{
		ProductResponse: FromProduct(p),
		HeldQuantity:    held,
		AvailableToHold: avail,
	}
}

type TransactionResponse struct {
	ID            string                 `json:"id"`
	Type          ledger.TransactionType `json:"type"`
	Quantity      int64                  `json:"quantity"`
	ActorID       string                 `json:"actorId"`
	BatchNumber   int                    `json:"batchNumber"`
	Note          *string                `json:"note,omitempty"`
	ReferenceType *string                `json:"referenceType,omitempty"`
	ReferenceID   *string                `json:"referenceId,omitempty"`
	CreatedAt     time.Time              `json:"createdAt"`
}

func FromTransaction(t *ledger.Transaction) TransactionResponse {
	return TransactionResponse{
		ID:            t.ID.String(),
		Type:          t.Type,
		Quantity:      t.Quantity,
		ActorID:       t.ActorID,
		BatchNumber:   t.BatchNumber,
		Note:          t.Note,
		ReferenceType: t.ReferenceType,
		ReferenceID:   t.ReferenceID,
		CreatedAt:     t.CreatedAt,
	}
}

func FromTransactions(rows []ledger.Transaction) []TransactionResponse {
	out := make([]TransactionResponse, len(rows))
	for i := range rows {
		out[i] = FromTransaction(&rows[i])
	}
	return out
}

// LedgerResponse is the outcome of a receipt or issue.
type LedgerResponse struct {
	Product     ProductResponse     `json:"product"`
	Transaction TransactionResponse `json:"transaction"`
}

func FromLedgerResult(r *ledger.Result) LedgerResponse {
	return LedgerResponse{
		Product:     FromProduct(r.Product),
		Transaction: FromTransaction(r.Transaction),
	}
}

// CloseResponse is the outcome of a batch reset.
type CloseResponse struct {
	History lifecycle.BatchHistory `json:"history"`
	Product ProductResponse        `json:"product"`
}

func FromCloseResult(r *lifecycle.CloseResult) CloseResponse {
	return CloseResponse{
		History: *r.History,
		Product: FromProduct(r.Product),
	}
}
