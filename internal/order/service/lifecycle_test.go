package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/cucumber/godog"

	"github.com/aminio9/shopstream/internal/order/domain"
	"github.com/aminio9/shopstream/internal/order/publisher"
	"github.com/aminio9/shopstream/internal/order/service"
	"github.com/aminio9/shopstream/internal/order/store"
	"github.com/aminio9/shopstream/pkg/contracts"
	"github.com/aminio9/shopstream/pkg/kafka"
)

type capturedEvent struct {
	topic   string
	payload any
}

type capturePublisher struct {
	mu     sync.Mutex
	events []capturedEvent
}

func (p *capturePublisher) Publish(_ context.Context, topic, _ string, payload any) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, capturedEvent{topic: topic, payload: payload})
	return true
}

type lifecycleContext struct {
	repo    *store.SQLiteStore
	events  *capturePublisher
	svc     *service.Service
	result  *service.SubmissionResult
	orderID int64
	err     error
}

func (c *lifecycleContext) close() {
	if c.repo != nil {
		_ = c.repo.Close()
		c.repo = nil
	}
}

func (c *lifecycleContext) anEmptyOrderStore() error {
	repo, err := store.OpenSQLite(context.Background(), ":memory:")
	if err != nil {
		return err
	}
	c.repo = repo
	c.events = &capturePublisher{}
	c.svc = service.New(repo, c.events)
	return nil
}

func (c *lifecycleContext) theBrokerIsUnavailable() error {
	down := publisher.New(func() (kafka.Producer, error) { return nil, errors.New("connection refused") })
	c.svc = service.New(c.repo, down)
	return nil
}

func (c *lifecycleContext) userSubmitsAnOrderWithItems(userID int64, table *godog.Table) error {
	if len(table.Rows) < 2 {
		return errors.New("item table needs a header and at least one row")
	}
	var items []domain.RawItem
	for _, row := range table.Rows[1:] {
		items = append(items, domain.RawItem{
			ProductID: json.Number(row.Cells[0].Value),
			Name:      row.Cells[1].Value,
			Price:     row.Cells[2].Value,
			Quantity:  json.Number(row.Cells[3].Value),
		})
	}
	c.result, c.err = c.svc.SubmitOrder(context.Background(), service.SubmitRequest{UserID: userID, Items: items})
	if c.result != nil {
		c.orderID = c.result.OrderID
	}
	return nil
}

func (c *lifecycleContext) userHasAPendingOrder(userID int64) error {
	res, err := c.svc.SubmitOrder(context.Background(), service.SubmitRequest{
		UserID: userID,
		Items:  []domain.RawItem{{ProductID: json.Number("1"), Name: "Widget", Price: "25.00", Quantity: json.Number("1")}},
	})
	if err != nil {
		return err
	}
	c.orderID = res.OrderID
	return nil
}

func (c *lifecycleContext) theOrderIsMovedTo(status string) error {
	_, err := c.svc.ChangeStatus(context.Background(), c.orderID, domain.Status(status), "")
	return err
}

func (c *lifecycleContext) theOrderIsChangedTo(status string) error {
	_, c.err = c.svc.ChangeStatus(context.Background(), c.orderID, domain.Status(status), "")
	return nil
}

func (c *lifecycleContext) userCancelsTheOrder(userID int64) error {
	_, c.err = c.svc.CancelOrder(context.Background(), c.orderID, userID)
	return nil
}

func (c *lifecycleContext) theOrderIsAcceptedWithStatus(status string) error {
	if c.err != nil {
		return fmt.Errorf("expected success, got %v", c.err)
	}
	if string(c.result.Status) != status {
		return fmt.Errorf("expected status %q, got %q", status, c.result.Status)
	}
	return nil
}

func (c *lifecycleContext) theTotalsAre(subtotal, shipping, total string) error {
	got := [3]string{c.result.Subtotal.String(), c.result.Shipping.String(), c.result.Total.String()}
	if got != [3]string{subtotal, shipping, total} {
		return fmt.Errorf("expected %s/%s/%s, got %s/%s/%s", subtotal, shipping, total, got[0], got[1], got[2])
	}
	return nil
}

func (c *lifecycleContext) eventsArePublishedWithQuantity(n int, topic string, qty int) error {
	c.events.mu.Lock()
	defer c.events.mu.Unlock()
	count := 0
	for _, e := range c.events.events {
		if e.topic != topic {
			continue
		}
		count++
		if adj, ok := e.payload.(contracts.InventoryAdjustment); ok && adj.Quantity != qty {
			return fmt.Errorf("expected quantity %d, got %d", qty, adj.Quantity)
		}
	}
	if count != n {
		return fmt.Errorf("expected %d %s events, got %d", n, topic, count)
	}
	return nil
}

func (c *lifecycleContext) theRequestFailsWith(kind string) error {
	if c.err == nil {
		return errors.New("expected an error")
	}
	if got := domain.KindOf(c.err).String(); got != kind {
		return fmt.Errorf("expected %s, got %s (%v)", kind, got, c.err)
	}
	return nil
}

func (c *lifecycleContext) theRequestFailsWithOnField(kind, field string) error {
	if err := c.theRequestFailsWith(kind); err != nil {
		return err
	}
	var de *domain.Error
	if !errors.As(c.err, &de) || de.Field != field {
		return fmt.Errorf("expected field %q, got %v", field, c.err)
	}
	return nil
}

func (c *lifecycleContext) theErrorMessageIs(msg string) error {
	var de *domain.Error
	if !errors.As(c.err, &de) || de.Message != msg {
		return fmt.Errorf("expected message %q, got %v", msg, c.err)
	}
	return nil
}

func (c *lifecycleContext) userHasOrders(userID int64, n int) error {
	orders, err := c.svc.ListOrders(context.Background(), userID)
	if err != nil {
		return err
	}
	if len(orders) != n {
		return fmt.Errorf("expected %d orders, got %d", n, len(orders))
	}
	return nil
}

func (c *lifecycleContext) userCanReadTheOrder(userID int64) error {
	_, err := c.svc.GetOrder(context.Background(), c.orderID, userID)
	return err
}

func (c *lifecycleContext) theOrderStatusIs(status string) error {
	o, err := c.repo.GetOrderByID(context.Background(), c.orderID)
	if err != nil {
		return err
	}
	if string(o.Status) != status {
		return fmt.Errorf("expected status %q, got %q", status, o.Status)
	}
	return nil
}

func initializeLifecycleScenario(sc *godog.ScenarioContext) {
	tc := &lifecycleContext{}

	sc.After(func(ctx context.Context, _ *godog.Scenario, err error) (context.Context, error) {
		tc.close()
		*tc = lifecycleContext{}
		return ctx, err
	})

	sc.Step(`^an empty order store$`, tc.anEmptyOrderStore)
	sc.Step(`^the broker is unavailable$`, tc.theBrokerIsUnavailable)
	sc.Step(`^user (\d+) has a pending order$`, tc.userHasAPendingOrder)
	sc.Step(`^the order is moved to "([^"]*)"$`, tc.theOrderIsMovedTo)

	sc.Step(`^user (\d+) submits an order with items:$`, tc.userSubmitsAnOrderWithItems)
	sc.Step(`^user (\d+) cancels the order$`, tc.userCancelsTheOrder)
	sc.Step(`^the order is changed to "([^"]*)"$`, tc.theOrderIsChangedTo)

	sc.Step(`^the order is accepted with status "([^"]*)"$`, tc.theOrderIsAcceptedWithStatus)
	sc.Step(`^the subtotal is "([^"]*)", shipping is "([^"]*)" and total is "([^"]*)"$`, tc.theTotalsAre)
	sc.Step(`^(\d+) "([^"]*)" events? (?:is|are) published with quantity (-?\d+)$`, tc.eventsArePublishedWithQuantity)
	sc.Step(`^the request fails with "([^"]*)"$`, tc.theRequestFailsWith)
	sc.Step(`^the request fails with "([^"]*)" on field "([^"]*)"$`, tc.theRequestFailsWithOnField)
	sc.Step(`^the error message is "([^"]*)"$`, tc.theErrorMessageIs)
	sc.Step(`^user (\d+) has (\d+) orders$`, tc.userHasOrders)
	sc.Step(`^user (\d+) can read the order$`, tc.userCanReadTheOrder)
	sc.Step(`^the order status is "([^"]*)"$`, tc.theOrderStatusIs)
}

func TestOrderLifecycleFeature(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: initializeLifecycleScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"testdata/order_lifecycle.feature"},
			TestingT: t,
			Strict:   true,
		},
	}
	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
