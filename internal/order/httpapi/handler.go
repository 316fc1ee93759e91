// Package httpapi exposes the order service over REST. The caller's identity
// comes from the X-User-Id header set by the gateway and is trusted as is.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/aminio9/shopstream/internal/money"
	"github.com/aminio9/shopstream/internal/order/domain"
	"github.com/aminio9/shopstream/internal/order/service"
	"github.com/aminio9/shopstream/pkg/idempotency"
	"github.com/aminio9/shopstream/pkg/logging"
	"github.com/aminio9/shopstream/pkg/metrics"
)

const (
	HeaderUserID = "X-User-Id"
	maxBodyBytes = 1 << 20
)

const (
	healthHealthy  = "healthy"
	healthDegraded = "degraded"
)

type OrderService interface {
	SubmitOrder(ctx context.Context, req service.SubmitRequest) (*service.SubmissionResult, error)
	CancelOrder(ctx context.Context, orderID, userID int64) (*service.CancellationResult, error)
	ChangeStatus(ctx context.Context, orderID int64, to domain.Status, message string) (*domain.Order, error)
	GetOrder(ctx context.Context, orderID, userID int64) (*domain.Order, error)
	ListOrders(ctx context.Context, userID int64) ([]*domain.Order, error)
	Stats(ctx context.Context) (*domain.Stats, error)
}

type Handler struct {
	svc      OrderService
	log      *zap.Logger
	service  string
	timeout  time.Duration
	pingDB   func(context.Context) error
	broker   func() string
	metrics  *metrics.ServerMetrics
	gatherer prometheus.Gatherer
	now      func() time.Time
}

type Option func(*Handler)

func WithLogger(l *zap.Logger) Option { return func(h *Handler) { h.log = l } }

func WithServiceName(name string) Option { return func(h *Handler) { h.service = name } }

// WithRequestTimeout bounds every request; a handler still running at the
// deadline answers 504.
func WithRequestTimeout(d time.Duration) Option { return func(h *Handler) { h.timeout = d } }

// WithHealth sets the checks behind GET /health.
func WithHealth(pingDB func(context.Context) error, brokerState func() string) Option {
	return func(h *Handler) {
		h.pingDB = pingDB
		h.broker = brokerState
	}
}

func WithMetrics(m *metrics.ServerMetrics, g prometheus.Gatherer) Option {
	return func(h *Handler) {
		h.metrics = m
		h.gatherer = g
	}
}

func WithClock(now func() time.Time) Option { return func(h *Handler) { h.now = now } }

func New(svc OrderService, opts ...Option) *Handler {
	h := &Handler{
		svc:     svc,
		log:     zap.NewNop(),
		service: "order-service",
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if h.metrics != nil {
		r.Use(h.metrics.Middleware)
	}

	r.Get("/health", h.health)
	if h.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(h.gatherer))
	}

	r.Route("/orders", func(r chi.Router) {
		if h.timeout > 0 {
			r.Use(middleware.Timeout(h.timeout))
		}
		r.Get("/", h.listOrders)
		r.Post("/", h.createOrder)
		r.Get("/stats", h.stats)
		r.Get("/{id}", h.getOrder)
		r.Post("/{id}/cancel", h.cancelOrder)
		r.Put("/{id}/status", h.updateStatus)
	})
	return r
}

type createOrderRequest struct {
	Items           []domain.RawItem `json:"items"`
	ShippingAddress *string          `json:"shippingAddress"`
	Notes           *string          `json:"notes"`
}

type createOrderResponse struct {
	ID       int64         `json:"id"`
	OrderID  int64         `json:"orderId"`
	Status   domain.Status `json:"status"`
	Subtotal money.Money   `json:"subtotal"`
	Shipping money.Money   `json:"shipping"`
	Total    money.Money   `json:"total"`
	Message  string        `json:"message"`
}

type updateStatusRequest struct {
	Status  *string `json:"status"`
	Message *string `json:"message"`
}

type messageResponse struct {
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
	Field  string `json:"field,omitempty"`
	Status string `json:"status,omitempty"`
}

type healthResponse struct {
	Status    string    `json:"status"`
	Service   string    `json:"service"`
	Database  string    `json:"database"`
	Broker    string    `json:"broker"`
	Timestamp time.Time `json:"timestamp"`
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	orders, err := h.svc.ListOrders(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err, "Failed to get orders")
		return
	}
	if orders == nil {
		orders = []*domain.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	order, err := h.svc.GetOrder(r.Context(), orderID, userID)
	if err != nil {
		h.writeError(w, r, err, "Failed to get order")
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req createOrderRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.svc.SubmitOrder(r.Context(), service.SubmitRequest{
		UserID:          userID,
		Items:           req.Items,
		ShippingAddress: req.ShippingAddress,
		Notes:           req.Notes,
		IdempotencyKey:  idempotency.Key(r),
	})
	if err != nil {
		h.writeError(w, r, err, "Failed to create order")
		return
	}

	code := http.StatusCreated
	if res.Replayed {
		code = http.StatusOK
	}
	writeJSON(w, code, createOrderResponse{
		ID:       res.OrderID,
		OrderID:  res.OrderID,
		Status:   res.Status,
		Subtotal: res.Subtotal,
		Shipping: res.Shipping,
		Total:    res.Total,
		Message:  service.MsgOrderCreated,
	})
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	res, err := h.svc.CancelOrder(r.Context(), orderID, userID)
	if err != nil {
		h.writeError(w, r, err, "Failed to cancel order")
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: res.Message})
}

// updateStatus is an internal endpoint and does not check ownership.
func (h *Handler) updateStatus(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var req updateStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Status == nil || strings.TrimSpace(*req.Status) == "" {
		h.writeError(w, r, domain.Validationf("status", domain.ErrMsgStatusRequired), "")
		return
	}
	status, err := domain.ParseStatus(*req.Status)
	if err != nil {
		h.writeError(w, r, err, "")
		return
	}
	var message string
	if req.Message != nil {
		message = *req.Message
	}
	if _, err := h.svc.ChangeStatus(r.Context(), orderID, status, message); err != nil {
		h.writeError(w, r, err, "Failed to update order status")
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: service.MsgStatusUpdated, Status: string(status)})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		h.writeError(w, r, err, "Failed to get stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    healthHealthy,
		Service:   h.service,
		Database:  "connected",
		Broker:    "disabled",
		Timestamp: h.now().UTC(),
	}
	if h.pingDB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := h.pingDB(ctx)
		cancel()
		if err != nil {
			h.log.Warn("health check: database unreachable", zap.Error(err))
			resp.Database = "disconnected"
			resp.Status = healthDegraded
		}
	}
	if h.broker != nil {
		resp.Broker = h.broker()
		if resp.Broker == "unavailable" {
			resp.Status = healthDegraded
		}
	}

	code := http.StatusOK
	if resp.Status != healthHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (h *Handler) requireUser(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := strings.TrimSpace(r.Header.Get(HeaderUserID))
	id, err := strconv.ParseInt(raw, 10, 64)
	if raw == "" || err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:  domain.ErrMsgUserIDRequired,
			Reason: domain.KindValidation.String(),
			Field:  HeaderUserID,
		})
		return 0, false
	}
	return id, true
}

// orderIDParam answers 404 for ids that cannot name an order.
func orderIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: domain.ErrMsgOrderNotFound, Reason: domain.KindNotFound.String()})
		return 0, false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid JSON body", Reason: domain.KindValidation.String()})
		return false
	}
	return true
}

// writeError maps a domain error onto its HTTP status. Persistence and
// unexpected errors never expose their cause; fallback replaces the message.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	var de *domain.Error
	if !errors.As(err, &de) {
		h.log.Error("unexpected error", zap.String("path", r.URL.Path), zap.String("request_id", middleware.GetReqID(r.Context())), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: fallbackOr(fallback), Reason: "internal_error"})
		return
	}

	body := errorResponse{Error: de.Message, Reason: de.Kind.String()}
	code := http.StatusInternalServerError
	switch de.Kind {
	case domain.KindValidation:
		code = http.StatusBadRequest
		body.Field = de.Field
	case domain.KindNotFound:
		code = http.StatusNotFound
	case domain.KindInvalidTransition:
		code = http.StatusBadRequest
		body.Status = string(de.Status)
	default:
		h.log.Error("request failed",
			zap.String("path", r.URL.Path), zap.String("request_id", middleware.GetReqID(r.Context())),
			logging.Step(de.Kind.String()), zap.Error(err))
		body.Error = fallbackOr(fallback)
	}
	writeJSON(w, code, body)
}

func fallbackOr(msg string) string {
	if msg == "" {
		return "Internal server error"
	}
	return msg
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
