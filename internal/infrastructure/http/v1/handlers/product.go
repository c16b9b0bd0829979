package handlers

import (
	"github.com/gin-gonic/gin"

	"agrimarket/internal/domain/ledger"
	"agrimarket/internal/domain/lifecycle"
	"agrimarket/internal/domain/product"
	"agrimarket/internal/domain/reservation"
	"agrimarket/internal/infrastructure/http/v1/dto"
)

// ProductHandler serves products, their ledger and their batch lifecycle.
type ProductHandler struct {
	*BaseHandler
	products  *product.Service
	ledger    *ledger.Service
	lifecycle *lifecycle.Service
	holds     *reservation.Service
}

// NewProductHandler creates a new product handler.
func NewProductHandler(base *BaseHandler, products *product.Service, ledgerSvc *ledger.Service, lifecycleSvc *lifecycle.Service, holds *reservation.Service) *ProductHandler {
	return &ProductHandler{
		BaseHandler: base,
		products:    products,
		ledger:      ledgerSvc,
		lifecycle:   lifecycleSvc,
		holds:       holds,
	}
}

// RegisterRoutes mounts the product endpoints on rg.
func (h *ProductHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("", h.Create)
	rg.GET("/:id/stock", h.Stock)
	rg.GET("/:id/transactions", h.Transactions)
	rg.GET("/:id/batches", h.Batches)
	rg.POST("/:id/plan", h.Plan)
	rg.POST("/:id/receipts", h.Receipt)
	rg.POST("/:id/issues", h.Issue)
	rg.POST("/:id/reset", h.Reset)
}

// Create handles POST /products
func (h *ProductHandler) Create(c *gin.Context) {
	var req dto.CreateProductRequest
	if !h.BindJSON(c, &req) {
		return
	}

	p, err := h.products.Create(c.Request.Context(), req.ToInput())
	if err != nil {
		h.Error(c, err)
		return
	}
	h.Created(c, dto.FromProduct(p))
}

// Stock handles GET /products/:id/stock
func (h *ProductHandler) Stock(c *gin.Context) {
	productID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	p, err := h.products.Get(ctx, productID)
	if err != nil {
		h.Error(c, err)
		return
	}
	held, err := h.holds.HeldQuantity(ctx, productID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.NewStockResponse(p, held))
}

// Transactions handles GET /products/:id/transactions
func (h *ProductHandler) Transactions(c *gin.Context) {
	productID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}

	filter := ledger.ListFilter{
		Type:   ledger.TransactionType(c.Query("type")),
		Limit:  h.ParseIntQuery(c, "limit", 100),
		Offset: h.ParseIntQuery(c, "offset", 0),
	}

	rows, err := h.ledger.List(c.Request.Context(), productID, filter)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.ListResponse{
		Items:  dto.FromTransactions(rows),
		Limit:  filter.Limit,
		Offset: filter.Offset,
	})
}

// Batches handles GET /products/:id/batches
func (h *ProductHandler) Batches(c *gin.Context) {
	productID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}

	rows, err := h.lifecycle.History(c.Request.Context(), productID)
	if err != nil {
		h.Error(c, err)
		return
	}
	if rows == nil {
		rows = []lifecycle.BatchHistory{}
	}
	h.OK(c, gin.H{"items": rows})
}

// Plan handles POST /products/:id/plan
func (h *ProductHandler) Plan(c *gin.Context) {
	productID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	var req dto.PlanRequest
	if !h.BindJSON(c, &req) {
		return
	}

	p, err := h.products.Plan(c.Request.Context(), req.ToUpdate(productID))
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.FromProduct(p))
}

// Receipt handles POST /products/:id/receipts
func (h *ProductHandler) Receipt(c *gin.Context) {
	productID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	var req dto.ReceiptRequest
	if !h.BindJSON(c, &req) {
		return
	}
	in, err := req.ToInput(h.ActorID(c), productID)
	if err != nil {
		h.Error(c, err)
		return
	}

	res, err := h.ledger.CreateReceipt(c.Request.Context(), in)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.Created(c, dto.FromLedgerResult(res))
}

// Issue handles POST /products/:id/issues
func (h *ProductHandler) Issue(c *gin.Context) {
	productID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	var req dto.IssueRequest
	if !h.BindJSON(c, &req) {
		return
	}

	res, err := h.ledger.CreateIssue(c.Request.Context(), req.ToInput(h.ActorID(c), productID))
	if err != nil {
		h.Error(c, err)
		return
	}
	h.Created(c, dto.FromLedgerResult(res))
}

// Reset handles POST /products/:id/reset
func (h *ProductHandler) Reset(c *gin.Context) {
	productID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	var req dto.ResetRequest
	if !h.BindJSON(c, &req) {
		return
	}

	res, err := h.lifecycle.ResetForNewBatch(c.Request.Context(), productID, req.Reason)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.FromCloseResult(res))
}
