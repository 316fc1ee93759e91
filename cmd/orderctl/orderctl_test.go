package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aminio9/shopstream/internal/order/domain"
	"github.com/aminio9/shopstream/internal/order/httpapi"
	"github.com/aminio9/shopstream/internal/order/service"
	"github.com/aminio9/shopstream/internal/order/store"
)

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, string, any) bool { return true }

func newOrderServer(t *testing.T) string {
	t.Helper()
	repo, err := store.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	srv := httptest.NewServer(httpapi.New(service.New(repo, nopPublisher{})).Routes())
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestAPIClient_RoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newAPIClient(newOrderServer(t), 7, nil)

	reply, err := c.Submit(ctx, sampleItems(1), "1 Main Street")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, reply.Status)
	assert.Equal(t, "19.99", reply.Subtotal.String())
	assert.Equal(t, "9.99", reply.Shipping.String())
	assert.Equal(t, "29.98", reply.Total.String())

	orders, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, reply.OrderID, orders[0].ID)

	got, err := c.Get(ctx, reply.OrderID)
	require.NoError(t, err)
	assert.Len(t, got.History, 1)

	msg, err := c.SetStatus(ctx, reply.OrderID, "processing", "")
	require.NoError(t, err)
	assert.Equal(t, "Order status updated", msg.Message)

	msg, err = c.Cancel(ctx, reply.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "Order cancelled successfully", msg.Message)

	_, err = c.Cancel(ctx, reply.OrderID)
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "Cannot cancel order with status: cancelled", apiErr.Message)

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, st.ByStatus, 1)
	assert.Equal(t, domain.StatusCancelled, st.ByStatus[0].Status)
}

func TestAPIClient_MissingUser(t *testing.T) {
	c := newAPIClient(newOrderServer(t), 0, nil)
	_, err := c.List(context.Background())
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "User ID required", apiErr.Message)
}

func TestRunBench(t *testing.T) {
	c := newAPIClient(newOrderServer(t), 3, nil)
	res := runBench(context.Background(), c, benchConfig{Total: 20, Concurrency: 4, Timeout: 5 * time.Second, CancelEvery: 5})

	assert.Equal(t, 20, res.SuccessfulRequests)
	assert.Zero(t, res.ErrorRequests)
	assert.Equal(t, 4, res.Cancelled)
	assert.Equal(t, 20, res.StatusCounts["201"])
	assert.LessOrEqual(t, res.P50LatencyMs, res.P99LatencyMs)

	orders, err := c.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, orders, 20)
}

func TestRunAction(t *testing.T) {
	ctx := context.Background()
	c := newAPIClient(newOrderServer(t), 5, nil)
	bench := benchConfig{Timeout: 5 * time.Second}

	assert.Equal(t, "No cancellable orders", runAction(ctx, c, bench, "cancel").status)
	assert.Equal(t, "Order created successfully", runAction(ctx, c, bench, "submit").status)
	assert.Equal(t, "1 orders", runAction(ctx, c, bench, "list").status)
	assert.Equal(t, "Order status updated", runAction(ctx, c, bench, "advance").status)
	assert.Equal(t, "Order cancelled successfully", runAction(ctx, c, bench, "cancel").status)
	assert.Contains(t, runAction(ctx, c, bench, "advance").status, "cannot advance")
	assert.Contains(t, runAction(ctx, c, bench, "stats").detail, "cancelled")
	assert.Equal(t, `unknown action "nope"`, runAction(ctx, c, bench, "nope").status)
}

func TestPercentile(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	assert.Equal(t, 5.0, percentile(values, 0.50))
	assert.Equal(t, 10.0, percentile(values, 0.99))
	assert.Equal(t, 1.0, percentile(values, 0))
	assert.Zero(t, percentile(nil, 0.5))
}

func TestModel_Navigation(t *testing.T) {
	m := initialModel(newAPIClient("http://localhost:0", 1, nil), benchConfig{})

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyDown})
	next, _ = next.Update(tea.KeyMsg{Type: tea.KeyDown})
	assert.Equal(t, 2, next.(model).selected)

	next, cmd := next.Update(tea.KeyMsg{Type: tea.KeyEnter})
	assert.NotNil(t, cmd)
	assert.True(t, next.(model).busy)

	next, _ = next.Update(actionResult{status: "done", detail: "x"})
	assert.False(t, next.(model).busy)
	assert.Contains(t, next.View(), "Status: done")

	_, cmd = next.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}
