package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aminio9/shopstream/internal/order/domain"
	"github.com/aminio9/shopstream/internal/order/service"
	"github.com/aminio9/shopstream/internal/order/store"
	"github.com/aminio9/shopstream/pkg/metrics"
)

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, string, any) bool { return true }

type testServer struct {
	*httptest.Server
	repo *store.SQLiteStore
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	repo, err := store.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	svc := service.New(repo, nopPublisher{})
	srv := httptest.NewServer(New(svc, opts...).Routes())
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, repo: repo}
}

func (s *testServer) do(t *testing.T, method, path string, userID int64, body string, headers ...string) (*http.Response, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, s.URL+path, rdr)
	require.NoError(t, err)
	if userID > 0 {
		req.Header.Set(HeaderUserID, strconv.FormatInt(userID, 10))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

func (s *testServer) createOrder(t *testing.T, userID int64, body string) int64 {
	t.Helper()
	resp, out := s.do(t, http.MethodPost, "/orders", userID, body)
	require.Equal(t, http.StatusCreated, resp.StatusCode, out)
	return int64(out["id"].(float64))
}

const widgetOrder = `{"items":[{"productId":1,"name":"Widget","price":"25.00","quantity":3}],"shippingAddress":"1 Main St"}`

func TestCreateOrder(t *testing.T) {
	srv := newTestServer(t)

	resp, out := srv.do(t, http.MethodPost, "/orders", 7, widgetOrder)

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "pending", out["status"])
	assert.Equal(t, "75.00", out["subtotal"])
	assert.Equal(t, "0.00", out["shipping"])
	assert.Equal(t, "75.00", out["total"])
	assert.Equal(t, out["id"], out["orderId"])
	assert.Equal(t, "Order created successfully", out["message"])
}

func TestCreateOrder_NumericPrices(t *testing.T) {
	srv := newTestServer(t)

	resp, out := srv.do(t, http.MethodPost, "/orders", 7,
		`{"items":[{"productId":2,"name":"Gadget","price":10,"quantity":2},{"productId":3,"name":"Cable","price":0.1,"quantity":1}]}`)

	require.Equal(t, http.StatusCreated, resp.StatusCode, out)
	assert.Equal(t, "20.10", out["subtotal"])
	assert.Equal(t, "9.99", out["shipping"])
	assert.Equal(t, "30.09", out["total"])
}

func TestCreateOrder_Errors(t *testing.T) {
	tests := []struct {
		name   string
		userID int64
		body   string
		code   int
		reason string
		field  string
	}{
		{"missing user", 0, widgetOrder, http.StatusBadRequest, "validation_error", HeaderUserID},
		{"invalid json", 7, `{"items":`, http.StatusBadRequest, "validation_error", ""},
		{"no items", 7, `{"items":[]}`, http.StatusBadRequest, "validation_error", "items"},
		{"bad quantity", 7, `{"items":[{"productId":1,"name":"W","price":"1.00","quantity":1},{"productId":2,"name":"G","price":"1.00","quantity":-1}]}`,
			http.StatusBadRequest, "validation_error", "items[1].quantity"},
		{"string garbage price", 7, `{"items":[{"productId":1,"name":"W","price":"1.0.0","quantity":1}]}`,
			http.StatusBadRequest, "validation_error", "items[0].price"},
		{"fractional quantity", 7, `{"items":[{"productId":1,"name":"W","price":"1.00","quantity":1.5}]}`,
			http.StatusBadRequest, "validation_error", "items[0].quantity"},
		{"price beyond bigint cents", 7, `{"items":[{"productId":1,"name":"W","price":100000000000000000.00,"quantity":1}]}`,
			http.StatusBadRequest, "validation_error", "items[0].price"},
		{"line total above maximum", 7, `{"items":[{"productId":1,"name":"W","price":"99999999.99","quantity":2}]}`,
			http.StatusBadRequest, "validation_error", "items[0].quantity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t)

			resp, out := srv.do(t, http.MethodPost, "/orders", tt.userID, tt.body)

			assert.Equal(t, tt.code, resp.StatusCode)
			assert.Equal(t, tt.reason, out["reason"])
			assert.NotEmpty(t, out["error"])
			if tt.field != "" {
				assert.Equal(t, tt.field, out["field"])
			}

			orders, err := srv.repo.ListOrders(context.Background(), 7)
			require.NoError(t, err)
			assert.Empty(t, orders)
		})
	}
}

func TestCreateOrder_IdempotencyKey(t *testing.T) {
	srv := newTestServer(t)

	first, a := srv.do(t, http.MethodPost, "/orders", 7, widgetOrder, "Idempotency-Key", "abc-123")
	second, b := srv.do(t, http.MethodPost, "/orders", 7, widgetOrder, "Idempotency-Key", "abc-123")

	assert.Equal(t, http.StatusCreated, first.StatusCode)
	assert.Equal(t, http.StatusOK, second.StatusCode)
	assert.Equal(t, a["id"], b["id"])

	orders, err := srv.repo.ListOrders(context.Background(), 7)
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestListAndGetOrders(t *testing.T) {
	srv := newTestServer(t)
	id := srv.createOrder(t, 7, widgetOrder)
	srv.createOrder(t, 8, widgetOrder)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/orders", nil)
	require.NoError(t, err)
	req.Header.Set(HeaderUserID, "7")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.EqualValues(t, id, list[0]["id"])
	items := list[0]["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "25.00", items[0].(map[string]any)["price"])

	got, out := srv.do(t, http.MethodGet, "/orders/"+strconv.FormatInt(id, 10), 7, "")
	require.Equal(t, http.StatusOK, got.StatusCode)
	assert.Equal(t, "1 Main St", out["shippingAddress"])
	history := out["history"].([]any)
	require.Len(t, history, 1)
	assert.Equal(t, "pending", history[0].(map[string]any)["status"])

	notOwned, out := srv.do(t, http.MethodGet, "/orders/"+strconv.FormatInt(id, 10), 8, "")
	assert.Equal(t, http.StatusNotFound, notOwned.StatusCode)
	assert.Equal(t, "Order not found", out["error"])
	assert.Equal(t, "not_found", out["reason"])

	badID, _ := srv.do(t, http.MethodGet, "/orders/abc", 7, "")
	assert.Equal(t, http.StatusNotFound, badID.StatusCode)

	noUser, _ := srv.do(t, http.MethodGet, "/orders", 0, "")
	assert.Equal(t, http.StatusBadRequest, noUser.StatusCode)
}

func TestListOrders_EmptyIsArray(t *testing.T) {
	srv := newTestServer(t)
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/orders", nil)
	require.NoError(t, err)
	req.Header.Set(HeaderUserID, "7")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(raw))
}

func TestCancelOrder(t *testing.T) {
	srv := newTestServer(t)
	id := srv.createOrder(t, 7, widgetOrder)
	path := "/orders/" + strconv.FormatInt(id, 10) + "/cancel"

	resp, out := srv.do(t, http.MethodPost, path, 7, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Order cancelled successfully", out["message"])

	again, out := srv.do(t, http.MethodPost, path, 7, "")
	assert.Equal(t, http.StatusBadRequest, again.StatusCode)
	assert.Equal(t, "invalid_transition", out["reason"])
	assert.Equal(t, "cancelled", out["status"])
	assert.Equal(t, "Cannot cancel order with status: cancelled", out["error"])

	missing, _ := srv.do(t, http.MethodPost, "/orders/999/cancel", 7, "")
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestUpdateStatus(t *testing.T) {
	srv := newTestServer(t)
	id := srv.createOrder(t, 7, widgetOrder)
	path := "/orders/" + strconv.FormatInt(id, 10) + "/status"

	resp, out := srv.do(t, http.MethodPut, path, 0, `{"status":"processing","message":"Picked"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, out)
	assert.Equal(t, "Order status updated", out["message"])
	assert.Equal(t, "processing", out["status"])

	tests := []struct {
		name   string
		path   string
		body   string
		code   int
		reason string
	}{
		{"missing status", path, `{}`, http.StatusBadRequest, "validation_error"},
		{"unknown status", path, `{"status":"lost"}`, http.StatusBadRequest, "validation_error"},
		{"illegal transition", path, `{"status":"delivered"}`, http.StatusBadRequest, "invalid_transition"},
		{"missing order", "/orders/999/status", `{"status":"shipped"}`, http.StatusNotFound, "not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, out := srv.do(t, http.MethodPut, tt.path, 0, tt.body)
			assert.Equal(t, tt.code, resp.StatusCode)
			assert.Equal(t, tt.reason, out["reason"])
		})
	}

	order, err := srv.repo.GetOrderByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, order.Status)
}

func TestStats(t *testing.T) {
	srv := newTestServer(t)
	srv.createOrder(t, 7, widgetOrder)

	resp, out := srv.do(t, http.MethodGet, "/orders/stats", 0, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	byStatus := out["byStatus"].([]any)
	require.Len(t, byStatus, 1)
	assert.Equal(t, "pending", byStatus[0].(map[string]any)["status"])
	assert.Equal(t, "75.00", byStatus[0].(map[string]any)["revenue"])
	assert.EqualValues(t, 1, out["thisWeek"].(map[string]any)["count"])
}

// failingService returns raw and persistence errors to check nothing leaks.
type failingService struct {
	OrderService
	err error
}

func (f failingService) ListOrders(context.Context, int64) ([]*domain.Order, error) {
	return nil, f.err
}

func TestErrorsDoNotLeakInternals(t *testing.T) {
	for _, cause := range []error{
		errors.New("pq: password authentication failed for user admin"),
		domain.Persistence("list orders", errors.New("pq: password authentication failed for user admin")),
	} {
		srv := httptest.NewServer(New(failingService{err: cause}).Routes())
		req, err := http.NewRequest(http.MethodGet, srv.URL+"/orders", nil)
		require.NoError(t, err)
		req.Header.Set(HeaderUserID, "1")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		srv.Close()

		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		assert.NotContains(t, string(raw), "password")
		assert.Contains(t, string(raw), "Failed to get orders")
	}
}

func TestHealth(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	tests := []struct {
		name     string
		dbErr    error
		broker   string
		code     int
		status   string
		database string
	}{
		{"all good", nil, "connected", http.StatusOK, "healthy", "connected"},
		{"broker disabled", nil, "disabled", http.StatusOK, "healthy", "connected"},
		{"database down", errors.New("dial tcp: refused"), "connected", http.StatusServiceUnavailable, "degraded", "disconnected"},
		{"broker down", nil, "unavailable", http.StatusServiceUnavailable, "degraded", "connected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t,
				WithServiceName("order-service"),
				WithClock(func() time.Time { return now }),
				WithHealth(func(context.Context) error { return tt.dbErr }, func() string { return tt.broker }),
			)
			resp, out := srv.do(t, http.MethodGet, "/health", 0, "")
			assert.Equal(t, tt.code, resp.StatusCode)
			assert.Equal(t, tt.status, out["status"])
			assert.Equal(t, tt.database, out["database"])
			assert.Equal(t, tt.broker, out["broker"])
			assert.Equal(t, "order-service", out["service"])
			assert.Equal(t, "2026-05-01T09:30:00Z", out["timestamp"])
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv := newTestServer(t, WithMetrics(metrics.NewServerMetrics(reg, "order_service"), reg))
	srv.createOrder(t, 7, widgetOrder)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Regexp(t, `shopstream_order_service_http_requests_total\{handler="POST /orders/?",status="201"\} 1`, string(raw))
}
