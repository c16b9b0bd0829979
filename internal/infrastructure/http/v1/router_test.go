package v1

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agrimarket/internal/core/apperror"
	"agrimarket/internal/core/calendar"
	"agrimarket/internal/domain/ledger"
	"agrimarket/internal/domain/lifecycle"
	"agrimarket/internal/domain/product"
	"agrimarket/internal/domain/reservation"
	"agrimarket/internal/infrastructure/http/v1/middleware"
	"agrimarket/internal/infrastructure/storage/memory"
	"agrimarket/pkg/logger"
	"agrimarket/pkg/metrics"
)

type testServer struct {
	t      *testing.T
	router http.Handler
	store  *memory.Store
}

func newTestServer(t *testing.T, gatherer prometheus.Gatherer) *testServer {
	t.Helper()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.FixedZone("KST", 9*3600))
	cal := calendar.MustNew("+09:00").WithClock(func() time.Time { return now })

	store := memory.New()
	products := product.NewService(store.Products(), store, cal)
	ledgerSvc := ledger.NewService(store.Products(), store.Ledger(), store, cal)
	lifecycleSvc := lifecycle.NewService(store.Products(), store.Ledger(), store.History(), store.Sales(), store, cal)
	ledgerSvc.SetDepletionHandler(lifecycleSvc)
	holds, err := reservation.NewService(store.Locks(), store.Products(), store, cal, reservation.DefaultPolicy())
	require.NoError(t, err)

	router := NewRouter(RouterConfig{
		Logger:      logger.Nop(),
		Products:    products,
		Ledger:      ledgerSvc,
		Lifecycle:   lifecycleSvc,
		Reservation: holds,
		Idempotency: memory.NewIdempotencyStore(time.Hour),
		Metrics:     gatherer,
	})
	return &testServer{t: t, router: router, store: store}
}

func (s *testServer) do(method, path, actor string, body any, headers ...string) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(middleware.HeaderActorID, actor)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

type productBody struct {
	ID               string `json:"id"`
	BatchNumber      int    `json:"batchNumber"`
	PlannedQuantity  int64  `json:"plannedQuantity"`
	ReceivedQuantity int64  `json:"receivedQuantity"`
	OnHandQuantity   int64  `json:"onHandQuantity"`
	ReceivingStatus  string `json:"receivingStatus"`
	StockStatus      string `json:"stockStatus"`
	HeldQuantity     int64  `json:"heldQuantity"`
	AvailableToHold  int64  `json:"availableToHold"`
}

// stockedProduct creates a product planned for planned units and receives qty.
func (s *testServer) stockedProduct(planned, qty int64) string {
	s.t.Helper()
	w := s.do(http.MethodPost, "/api/v1/products", "clerk", map[string]any{
		"name":            "Jeju tangerines 5kg",
		"plannedQuantity": planned,
		"unitCost":        "12000",
		"sellPrice":       "18000",
	})
	require.Equal(s.t, http.StatusCreated, w.Code, w.Body.String())
	p := decode[productBody](s.t, w)

	w = s.do(http.MethodPost, "/api/v1/products/"+p.ID+"/receipts", "clerk", map[string]any{
		"quantity":   qty,
		"expiryDate": "2026-03-20",
	})
	require.Equal(s.t, http.StatusCreated, w.Code, w.Body.String())
	return p.ID
}

func TestRouter_RequiresActor(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodPost, "/api/v1/products", "", map[string]any{"name": "x"})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, apperror.CodeValidation, decode[errorBody](t, w).Code)
}

func TestRouter_Health(t *testing.T) {
	s := newTestServer(t, nil)

	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/health/live", "", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/health/ready", "", nil).Code)
}

func TestRouter_ReceiptIssueAndAutoClose(t *testing.T) {
	s := newTestServer(t, nil)
	productID := s.stockedProduct(10, 10)

	w := s.do(http.MethodGet, "/api/v1/products/"+productID+"/stock", "clerk", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stock := decode[productBody](t, w)
	assert.EqualValues(t, 10, stock.OnHandQuantity)
	assert.Equal(t, "RECEIVED", stock.ReceivingStatus)
	assert.Equal(t, "IN_STOCK", stock.StockStatus)
	assert.EqualValues(t, 10, stock.AvailableToHold)

	w = s.do(http.MethodPost, "/api/v1/products/"+productID+"/issues", "clerk", map[string]any{"quantity": 11})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, apperror.CodeInsufficientStock, decode[errorBody](t, w).Code)

	w = s.do(http.MethodPost, "/api/v1/products/"+productID+"/issues", "clerk", map[string]any{
		"quantity":  10,
		"reference": map[string]string{"type": "ORDER", "id": "o-1"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// The depletion hook closed the batch after the issue committed.
	w = s.do(http.MethodGet, "/api/v1/products/"+productID+"/stock", "clerk", nil)
	stock = decode[productBody](t, w)
	assert.Equal(t, 2, stock.BatchNumber)
	assert.EqualValues(t, 0, stock.ReceivedQuantity)
	assert.Equal(t, "NOT_RECEIVED", stock.ReceivingStatus)

	w = s.do(http.MethodGet, "/api/v1/products/"+productID+"/batches", "clerk", nil)
	require.Equal(t, http.StatusOK, w.Code)
	batches := decode[struct {
		Items []lifecycle.BatchHistory `json:"items"`
	}](t, w)
	require.Len(t, batches.Items, 1)
	assert.Equal(t, lifecycle.ReasonSoldOut, batches.Items[0].Reason)
	assert.EqualValues(t, 10, batches.Items[0].SoldQuantity)

	w = s.do(http.MethodGet, "/api/v1/products/"+productID+"/transactions?type=ISSUE", "clerk", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[struct {
		Items []struct {
			Type          string `json:"type"`
			Quantity      int64  `json:"quantity"`
			ReferenceType string `json:"referenceType"`
		} `json:"items"`
	}](t, w)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "ISSUE", page.Items[0].Type)
	assert.Equal(t, "ORDER", page.Items[0].ReferenceType)
}

func TestRouter_ReceiptValidation(t *testing.T) {
	s := newTestServer(t, nil)
	w := s.do(http.MethodPost, "/api/v1/products", "clerk", map[string]any{
		"name": "Strawberries", "plannedQuantity": 5, "unitCost": "1", "sellPrice": "2",
	})
	p := decode[productBody](t, w)

	w = s.do(http.MethodPost, "/api/v1/products/"+p.ID+"/receipts", "clerk", map[string]any{"quantity": 1})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, apperror.CodeExpiryRequired, decode[errorBody](t, w).Code)

	w = s.do(http.MethodPost, "/api/v1/products/"+p.ID+"/receipts", "clerk", map[string]any{
		"quantity": 1, "expiryDate": "20/03/2026",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/api/v1/products/not-an-id/receipts", "clerk", map[string]any{"quantity": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_IdempotentReceipt(t *testing.T) {
	s := newTestServer(t, nil)
	w := s.do(http.MethodPost, "/api/v1/products", "clerk", map[string]any{
		"name": "Peaches", "plannedQuantity": 20, "unitCost": "1", "sellPrice": "2",
	})
	p := decode[productBody](t, w)
	body := map[string]any{"quantity": 5, "expiryDate": "2026-03-20"}
	path := "/api/v1/products/" + p.ID + "/receipts"

	first := s.do(http.MethodPost, path, "clerk", body, middleware.HeaderIdempotencyKey, "delivery-77")
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	second := s.do(http.MethodPost, path, "clerk", body, middleware.HeaderIdempotencyKey, "delivery-77")
	require.Equal(t, http.StatusCreated, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	w = s.do(http.MethodGet, "/api/v1/products/"+p.ID+"/stock", "clerk", nil)
	assert.EqualValues(t, 5, decode[productBody](t, w).ReceivedQuantity)

	other := map[string]any{"quantity": 6}
	w = s.do(http.MethodPost, path, "clerk", other, middleware.HeaderIdempotencyKey, "delivery-77")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, apperror.CodeIdempotency, decode[errorBody](t, w).Code)
}

func TestRouter_CheckoutHolds(t *testing.T) {
	s := newTestServer(t, nil)
	productID := s.stockedProduct(10, 10)

	w := s.do(http.MethodPost, "/api/v1/checkout/holds", "shopper-a", map[string]any{
		"sessionId": "sess-a",
		"items":     []map[string]any{{"productId": productID, "quantity": 5}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	res := decode[struct {
		SessionID string `json:"sessionId"`
		Holds     []struct {
			Quantity  int64  `json:"quantity"`
			UnitPrice string `json:"unitPrice"`
			Resumed   bool   `json:"resumed"`
		} `json:"holds"`
	}](t, w)
	require.Len(t, res.Holds, 1)
	assert.EqualValues(t, 5, res.Holds[0].Quantity)
	assert.Equal(t, "18000", res.Holds[0].UnitPrice)

	// Half of on-hand is held; another shopper is turned away.
	w = s.do(http.MethodPost, "/api/v1/checkout/holds", "shopper-b", map[string]any{
		"sessionId": "sess-b",
		"items":     []map[string]any{{"productId": productID, "quantity": 1}},
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, apperror.CodeHoldContended, decode[errorBody](t, w).Code)

	w = s.do(http.MethodGet, "/api/v1/products/"+productID+"/stock", "clerk", nil)
	stock := decode[productBody](t, w)
	assert.EqualValues(t, 10, stock.OnHandQuantity, "holds never move on-hand")
	assert.EqualValues(t, 5, stock.HeldQuantity)

	w = s.do(http.MethodDelete, "/api/v1/checkout/holds/sess-a", "shopper-a", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[struct {
		Released int `json:"released"`
	}](t, w).Released)

	w = s.do(http.MethodGet, "/api/v1/checkout/holds/sess-a", "shopper-a", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"holds":[]`)
}

func TestRouter_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics.Register(reg)
	s := newTestServer(t, reg)

	s.do(http.MethodGet, "/health/live", "", nil)
	w := s.do(http.MethodGet, "/metrics", "", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "agrimarket_")
}
