package dto

import (
	"fmt"
	"time"

	"agrimarket/internal/core/apperror"
	"agrimarket/internal/core/id"
	"agrimarket/internal/core/types"
	"agrimarket/internal/domain/reservation"
)

type HoldItemRequest struct {
	ProductID string `json:"productId" binding:"required"`
	Quantity  int64  `json:"quantity" binding:"required"`
}

type HoldRequest struct {
	SessionID string            `json:"sessionId" binding:"required"`
	Items     []HoldItemRequest `json:"items" binding:"required,min=1,dive"`
}

func (r *HoldRequest) ToDomain(userID string) (reservation.HoldRequest, error) {
	req := reservation.HoldRequest{
		UserID:    userID,
		SessionID: r.SessionID,
		Items:     make([]reservation.HoldItem, len(r.Items)),
	}
	for i, item := range r.Items {
		productID, err := id.Parse(item.ProductID)
		if err != nil {
			return req, apperror.NewValidation(fmt.Sprintf("items[%d].productId is not a valid id", i))
		}
		req.Items[i] = reservation.HoldItem{ProductID: productID, Quantity: item.Quantity}
	}
	return req, nil
}

type HoldResponse struct {
	ID         string      `json:"id"`
	ProductID  string      `json:"productId"`
	Quantity   int64       `json:"quantity"`
	UnitPrice  types.Money `json:"unitPrice"`
	Discounted bool        `json:"discounted"`
	ExpiresAt  time.Time   `json:"expiresAt"`
	Resumed    bool        `json:"resumed"`
}

func FromLock(l *reservation.StockLock, resumed bool) HoldResponse {
	return HoldResponse{
		ID:         l.ID.String(),
		ProductID:  l.ProductID.String(),
		Quantity:   l.Quantity,
		UnitPrice:  l.UnitPrice,
		Discounted: l.Discounted,
		ExpiresAt:  l.ExpiresAt,
		Resumed:    resumed,
	}
}

type CheckoutResponse struct {
	SessionID string         `json:"sessionId"`
	Holds     []HoldResponse `json:"holds"`
}

func FromHoldResult(r *reservation.HoldResult) CheckoutResponse {
	out := CheckoutResponse{SessionID: r.SessionID, Holds: make([]HoldResponse, len(r.Holds))}
	for i := range r.Holds {
		out.Holds[i] = FromLock(&r.Holds[i].Lock, r.Holds[i].Resumed)
	}
	return out
}

func FromLocks(sessionID string, locks []reservation.StockLock) CheckoutResponse {
	out := CheckoutResponse{SessionID: sessionID, Holds: make([]HoldResponse, len(locks))}
	for i := range locks {
		out.Holds[i] = FromLock(&locks[i], false)
	}
	return out
}

type CancelResponse struct {
	SessionID string `json:"sessionId"`
	Released  int    `json:"released"`
}
