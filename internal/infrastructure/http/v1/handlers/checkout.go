package handlers

import (
	"github.com/gin-gonic/gin"

	"agrimarket/internal/domain/reservation"
	"agrimarket/internal/infrastructure/http/v1/dto"
)

// CheckoutHandler serves checkout holds. The caller identity is the shopper.
type CheckoutHandler struct {
	*BaseHandler
	holds *reservation.Service
}

// NewCheckoutHandler creates a new checkout handler.
func NewCheckoutHandler(base *BaseHandler, holds *reservation.Service) *CheckoutHandler {
	return &CheckoutHandler{BaseHandler: base, holds: holds}
}

// RegisterRoutes mounts the checkout endpoints on rg.
func (h *CheckoutHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/holds", h.Hold)
	rg.GET("/holds/:sessionId", h.Session)
	rg.DELETE("/holds/:sessionId", h.Cancel)
}

// Hold handles POST /checkout/holds
func (h *CheckoutHandler) Hold(c *gin.Context) {
	var req dto.HoldRequest
	if !h.BindJSON(c, &req) {
		return
	}
	holdReq, err := req.ToDomain(h.ActorID(c))
	if err != nil {
		h.Error(c, err)
		return
	}

	res, err := h.holds.CheckoutHold(c.Request.Context(), holdReq)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.Created(c, dto.FromHoldResult(res))
}

// Session handles GET /checkout/holds/:sessionId
func (h *CheckoutHandler) Session(c *gin.Context) {
	sessionID := c.Param("sessionId")
	locks, err := h.holds.SessionHolds(c.Request.Context(), h.ActorID(c), sessionID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.FromLocks(sessionID, locks))
}

// Cancel handles DELETE /checkout/holds/:sessionId
func (h *CheckoutHandler) Cancel(c *gin.Context) {
	sessionID := c.Param("sessionId")
	n, err := h.holds.CancelCheckout(c.Request.Context(), h.ActorID(c), sessionID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.CancelResponse{SessionID: sessionID, Released: n})
}
