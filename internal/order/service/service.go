// Package service orchestrates order submission, cancellation and status
// changes. The order record is authoritative: history and events that follow a
// commit are advisory and never fail the call that produced them.
package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aminio9/shopstream/internal/money"
	"github.com/aminio9/shopstream/internal/order/domain"
	"github.com/aminio9/shopstream/pkg/contracts"
	"github.com/aminio9/shopstream/pkg/idempotency"
	"github.com/aminio9/shopstream/pkg/logging"
	"github.com/aminio9/shopstream/pkg/metrics"
)

const (
	MsgOrderCreated   = "Order created successfully"
	MsgOrderCancelled = "Order cancelled successfully"
	MsgStatusUpdated  = "Order status updated"

	historyCreated   = "Order created"
	historyCancelled = "Order cancelled by user"
)

// Repository is the storage contract the service needs. UpdateStatus is a
// compare-and-set on the current status.
type Repository interface {
	CreateOrder(ctx context.Context, d *domain.Draft) (*domain.Order, error)
	GetOrder(ctx context.Context, orderID, userID int64) (*domain.Order, error)
	GetOrderByID(ctx context.Context, orderID int64) (*domain.Order, error)
	ListOrders(ctx context.Context, userID int64) ([]*domain.Order, error)
	UpdateStatus(ctx context.Context, orderID int64, from, to domain.Status) (*domain.Order, error)
	AppendHistory(ctx context.Context, orderID int64, status domain.Status, message *string) error
	History(ctx context.Context, orderID int64) ([]domain.HistoryEntry, error)
	OrderIDForIdempotencyKey(ctx context.Context, userID int64, key string) (int64, bool, error)
	Stats(ctx context.Context, now time.Time) (*domain.Stats, error)
}

// EventPublisher reports delivery as a bool; it never returns an error.
type EventPublisher interface {
	Publish(ctx context.Context, topic, key string, payload any) bool
}

type SubmitRequest struct {
	UserID          int64
	Items           []domain.RawItem
	ShippingAddress *string
	Notes           *string
	IdempotencyKey  string
}

type SubmissionResult struct {
	OrderID  int64
	Status   domain.Status
	Subtotal money.Money
	Shipping money.Money
	Total    money.Money
	// Replayed is set when an idempotency key matched an earlier submission.
	Replayed bool
}

type CancellationResult struct {
	OrderID int64
	Status  domain.Status
	Message string
}

type Service struct {
	repo    Repository
	events  EventPublisher
	log     *zap.Logger
	tracer  trace.Tracer
	metrics *metrics.PipelineMetrics
	keys    *idempotency.Cache
	now     func() time.Time
}

type Option func(*Service)

func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.log = l } }

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) {
		if tp != nil {
			s.tracer = tp.Tracer("github.com/aminio9/shopstream/internal/order/service")
		}
	}
}

func WithMetrics(m *metrics.PipelineMetrics) Option { return func(s *Service) { s.metrics = m } }

// WithIdempotencyCache puts an in-process cache in front of the key table.
func WithIdempotencyCache(c *idempotency.Cache) Option { return func(s *Service) { s.keys = c } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func New(repo Repository, events EventPublisher, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		events: events,
		log:    zap.NewNop(),
		tracer: otel.Tracer("github.com/aminio9/shopstream/internal/order/service"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SubmitOrder validates the whole batch, commits the order atomically and only
// then fans out events. A replayed idempotency key returns the first result
// without writing or publishing again.
func (s *Service) SubmitOrder(ctx context.Context, req SubmitRequest) (res *SubmissionResult, err error) {
	ctx, span := s.tracer.Start(ctx, "order.submit", trace.WithAttributes(attribute.Int64("user.id", req.UserID)))
	defer func() { endSpan(span, err) }()

	if req.UserID <= 0 {
		return nil, domain.Validationf("userId", domain.ErrMsgUserIDRequired)
	}
	if !idempotency.Valid(req.IdempotencyKey) {
		return nil, domain.Validationf(idempotency.Header, "Idempotency-Key must be at most %d characters", idempotency.MaxKeyLen)
	}
	if replay, err := s.replay(ctx, req.UserID, req.IdempotencyKey); replay != nil || err != nil {
		return replay, err
	}

	items, err := domain.ParseItems(req.Items)
	if err != nil {
		return nil, err
	}
	draft, err := domain.NewDraft(req.UserID, items, req.ShippingAddress, req.Notes)
	if err != nil {
		return nil, err
	}
	draft.IdempotencyKey = req.IdempotencyKey

	start := time.Now()
	order, err := s.repo.CreateOrder(ctx, draft)
	if errors.Is(err, domain.ErrDuplicateRequest) {
		// A concurrent request with the same key won the insert.
		if replay, rerr := s.replay(ctx, req.UserID, req.IdempotencyKey); replay != nil || rerr != nil {
			return replay, rerr
		}
		return nil, domain.Persistence(domain.ErrMsgPersistence, err)
	}
	if err != nil {
		s.log.Error("order create failed", zap.Int64("user_id", req.UserID), zap.Error(err))
		return nil, err
	}
	s.keys.Put(req.UserID, req.IdempotencyKey, order.ID)
	span.SetAttributes(attribute.Int64("order.id", order.ID), attribute.String("order.total", order.Total.String()))
	s.log.Info("order created",
		logging.OrderID(order.ID), logging.Status(string(order.Status)),
		zap.String("total", order.Total.String()), logging.Duration(time.Since(start)))

	committed := context.WithoutCancel(ctx)
	s.appendHistory(committed, order.ID, domain.StatusPending, historyCreated)
	s.fanOut(committed, submittedEvents(order))

	return resultFor(order, false), nil
}

// replay returns the result of an earlier submission with the same key, or nil.
func (s *Service) replay(ctx context.Context, userID int64, key string) (*SubmissionResult, error) {
	if key == "" {
		return nil, nil
	}
	id, ok := s.keys.Get(userID, key)
	if !ok {
		var err error
		id, ok, err = s.repo.OrderIDForIdempotencyKey(ctx, userID, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		s.keys.Put(userID, key, id)
	}
	order, err := s.repo.GetOrder(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	s.log.Info("idempotent replay", logging.OrderID(order.ID), zap.String("idempotency_key", key))
	return resultFor(order, true), nil
}

func resultFor(o *domain.Order, replayed bool) *SubmissionResult {
	return &SubmissionResult{
		OrderID:  o.ID,
		Status:   o.Status,
		Subtotal: o.Subtotal,
		Shipping: o.Shipping,
		Total:    o.Total,
		Replayed: replayed,
	}
}

// CancelOrder cancels an order owned by userID and restores its inventory.
func (s *Service) CancelOrder(ctx context.Context, orderID, userID int64) (res *CancellationResult, err error) {
	ctx, span := s.tracer.Start(ctx, "order.cancel", trace.WithAttributes(
		attribute.Int64("order.id", orderID), attribute.Int64("user.id", userID)))
	defer func() { endSpan(span, err) }()

	order, err := s.repo.GetOrder(ctx, orderID, userID)
	if err != nil {
		return nil, err
	}
	from := order.Status
	if err := domain.Cancel(order); err != nil {
		return nil, err
	}

	updated, err := s.repo.UpdateStatus(ctx, orderID, from, domain.StatusCancelled)
	if err != nil {
		var de *domain.Error
		if errors.As(err, &de) && de.Kind == domain.KindInvalidTransition {
			return nil, domain.InvalidTransition(de.Status, fmt.Sprintf(domain.ErrMsgCannotCancel, de.Status))
		}
		return nil, err
	}
	s.log.Info("order cancelled", logging.OrderID(orderID), zap.String("from", string(from)))

	committed := context.WithoutCancel(ctx)
	s.appendHistory(committed, orderID, domain.StatusCancelled, historyCancelled)
	s.fanOut(committed, cancelledEvents(order))

	return &CancellationResult{OrderID: orderID, Status: updated.Status, Message: MsgOrderCancelled}, nil
}

// ChangeStatus is for trusted internal callers and performs no ownership check.
// An empty message records "Status changed to <status>".
func (s *Service) ChangeStatus(ctx context.Context, orderID int64, to domain.Status, message string) (o *domain.Order, err error) {
	ctx, span := s.tracer.Start(ctx, "order.change_status", trace.WithAttributes(
		attribute.Int64("order.id", orderID), attribute.String("order.status", string(to))))
	defer func() { endSpan(span, err) }()

	if !to.Valid() {
		return nil, domain.Validationf("status", "Invalid status %q", to)
	}
	order, err := s.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	from := order.Status
	if err := domain.Transition(order, to); err != nil {
		return nil, err
	}
	updated, err := s.repo.UpdateStatus(ctx, orderID, from, to)
	if err != nil {
		return nil, err
	}
	s.log.Info("order status changed", logging.OrderID(orderID), zap.String("from", string(from)), logging.Status(string(to)))

	if message == "" {
		message = "Status changed to " + string(to)
	}
	committed := context.WithoutCancel(ctx)
	s.appendHistory(committed, orderID, to, message)
	s.fanOut(committed, []event{{
		topic: contracts.TopicOrderNotifications,
		key:   orderKey(orderID),
		payload: contracts.OrderNotification{
			Type:    contracts.NotificationOrderUpdate,
			UserID:  updated.UserID,
			OrderID: orderID,
			Status:  string(to),
		},
	}})
	return updated, nil
}

// GetOrder returns an order owned by userID together with its history.
func (s *Service) GetOrder(ctx context.Context, orderID, userID int64) (o *domain.Order, err error) {
	ctx, span := s.tracer.Start(ctx, "order.get", trace.WithAttributes(attribute.Int64("order.id", orderID)))
	defer func() { endSpan(span, err) }()

	order, err := s.repo.GetOrder(ctx, orderID, userID)
	if err != nil {
		return nil, err
	}
	history, err := s.repo.History(ctx, orderID)
	if err != nil {
		return nil, err
	}
	order.History = history
	return order, nil
}

func (s *Service) ListOrders(ctx context.Context, userID int64) ([]*domain.Order, error) {
	if userID <= 0 {
		return nil, domain.Validationf("userId", domain.ErrMsgUserIDRequired)
	}
	return s.repo.ListOrders(ctx, userID)
}

func (s *Service) Stats(ctx context.Context) (*domain.Stats, error) {
	return s.repo.Stats(ctx, s.now())
}

// appendHistory records an audit entry. Its failure is logged and counted only.
func (s *Service) appendHistory(ctx context.Context, orderID int64, status domain.Status, message string) {
	if err := s.repo.AppendHistory(ctx, orderID, status, &message); err != nil {
		if s.metrics != nil {
			s.metrics.HistoryAppendFailures.Inc()
		}
		s.log.Warn("history append failed", logging.OrderID(orderID), logging.Status(string(status)), zap.Error(err))
	}
}

type event struct {
	topic   string
	key     string
	payload any
}

// fanOut publishes events concurrently. Callers pass a context detached from
// the request so a client that hangs up after the commit does not drop them.
func (s *Service) fanOut(ctx context.Context, events []event) {
	if s.events == nil || len(events) == 0 {
		return
	}
	var g errgroup.Group
	failed := make([]bool, len(events))
	for i, ev := range events {
		g.Go(func() error {
			failed[i] = !s.events.Publish(ctx, ev.topic, ev.key, ev.payload)
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for _, f := range failed {
		if f {
			n++
		}
	}
	if n > 0 {
		s.log.Warn("events not delivered", zap.Int("failed", n), zap.Int("total", len(events)))
	}
}

func submittedEvents(o *domain.Order) []event {
	key := orderKey(o.ID)
	items := make([]contracts.ProcessingItem, len(o.Items))
	for i, it := range o.Items {
		items[i] = contracts.ProcessingItem{ProductID: it.ProductID, Name: it.Name, Price: it.UnitPrice.String(), Quantity: it.Quantity}
	}
	events := []event{
		{topic: contracts.TopicOrderProcessing, key: key, payload: contracts.OrderProcessingRequested{
			OrderID:  o.ID,
			UserID:   o.UserID,
			Items:    items,
			Subtotal: o.Subtotal.String(),
			Shipping: o.Shipping.String(),
			Total:    o.Total.String(),
		}},
		{topic: contracts.TopicOrderNotifications, key: key, payload: contracts.OrderNotification{
			Type:    contracts.NotificationOrderCreated,
			UserID:  o.UserID,
			OrderID: o.ID,
			Total:   o.Total.String(),
		}},
	}
	for _, it := range o.Items {
		events = append(events, inventoryEvent(o.ID, it, -it.Quantity, contracts.ReasonOrderCreated))
	}
	return events
}

func cancelledEvents(o *domain.Order) []event {
	events := make([]event, 0, len(o.Items)+1)
	for _, it := range o.Items {
		events = append(events, inventoryEvent(o.ID, it, it.Quantity, contracts.ReasonOrderCancelled))
	}
	return append(events, event{
		topic: contracts.TopicOrderNotifications,
		key:   orderKey(o.ID),
		payload: contracts.OrderNotification{
			Type:    contracts.NotificationOrderCancelled,
			UserID:  o.UserID,
			OrderID: o.ID,
		},
	})
}

// Inventory events are keyed by product so adjustments to one product stay ordered.
func inventoryEvent(orderID int64, it domain.OrderItem, delta int, reason string) event {
	return event{
		topic: contracts.TopicInventoryUpdates,
		key:   strconv.FormatInt(it.ProductID, 10),
		payload: contracts.InventoryAdjustment{
			ProductID: it.ProductID,
			Quantity:  delta,
			OrderID:   orderID,
			Reason:    reason,
		},
	}
}

func orderKey(id int64) string { return strconv.FormatInt(id, 10) }

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
