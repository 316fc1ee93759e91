// Command orderctl drives the order service from a terminal, either through an
// interactive menu or with -run for scripted use.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/aminio9/shopstream/internal/order/domain"
)

type action struct {
	Name        string
	Description string
}

var actions = []action{
	{"submit", "Submit a sample order"},
	{"list", "List my orders"},
	{"cancel", "Cancel my most recent pending order"},
	{"advance", "Move my most recent order one step along"},
	{"stats", "Show order statistics"},
	{"bench", "Run benchmark"},
}

type model struct {
	client   *apiClient
	bench    benchConfig
	selected int
	status   string
	detail   string
	busy     bool
}

func initialModel(c *apiClient, bench benchConfig) model {
	return model{client: c, bench: bench, status: "Ready"}
}

func (m model) Init() tea.Cmd {
	return nil
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "up", "k":
			if m.selected > 0 {
				m.selected--
			}
		case "down", "j":
			if m.selected < len(actions)-1 {
				m.selected++
			}
		case "enter":
			if m.busy {
				return m, nil
			}
			m.busy = true
			m.status = "Running..."
			m.detail = ""
			return m, runActionCmd(m.client, m.bench, actions[m.selected].Name)
		}
	case actionResult:
		m.busy = false
		m.status = msg.status
		m.detail = msg.detail
	}
	return m, nil
}

func (m model) View() string {
	b := &strings.Builder{}
	fmt.Fprintf(b, "shopstream orderctl (%s, user %d)\n\n", m.client.baseURL, m.client.userID)
	for i, a := range actions {
		marker := " "
		if i == m.selected {
			marker = ">"
		}
		fmt.Fprintf(b, " %s %-8s %s\n", marker, a.Name, a.Description)
	}
	fmt.Fprintf(b, "\nStatus: %s\n", m.status)
	if m.detail != "" {
		fmt.Fprintln(b, m.detail)
	}
	fmt.Fprintln(b, "\nControls: up/down select, enter to run, q to quit")
	return b.String()
}

type actionResult struct {
	status string
	detail string
}

func runActionCmd(c *apiClient, bench benchConfig, name string) tea.Cmd {
	return func() tea.Msg {
		return runAction(context.Background(), c, bench, name)
	}
}

func runAction(ctx context.Context, c *apiClient, bench benchConfig, name string) actionResult {
	if name == "bench" {
		res := runBench(ctx, c, bench)
		return actionResult{status: "Benchmark finished", detail: res.summary()}
	}

	ctx, cancel := context.WithTimeout(ctx, bench.Timeout)
	defer cancel()
	switch name {
	case "submit":
		reply, err := c.Submit(ctx, sampleItems(1), "1 Main Street")
		if err != nil {
			return actionResult{status: fmt.Sprintf("Submit failed: %v", err)}
		}
		return actionResult{
			status: reply.Message,
			detail: fmt.Sprintf("order %d %s subtotal=%s shipping=%s total=%s", reply.OrderID, reply.Status, reply.Subtotal, reply.Shipping, reply.Total),
		}
	case "list":
		orders, err := c.List(ctx)
		if err != nil {
			return actionResult{status: fmt.Sprintf("List failed: %v", err)}
		}
		b := &strings.Builder{}
		for _, o := range orders {
			fmt.Fprintf(b, "  #%-5d %-10s %8s  %s\n", o.ID, o.Status, o.Total, o.CreatedAt.Local().Format(time.DateTime))
		}
		return actionResult{status: fmt.Sprintf("%d orders", len(orders)), detail: strings.TrimRight(b.String(), "\n")}
	case "cancel":
		orders, err := c.List(ctx)
		if err != nil {
			return actionResult{status: fmt.Sprintf("List failed: %v", err)}
		}
		for _, o := range orders {
			if !domain.CanTransition(o.Status, domain.StatusCancelled) {
				continue
			}
			reply, err := c.Cancel(ctx, o.ID)
			if err != nil {
				return actionResult{status: fmt.Sprintf("Cancel failed: %v", err)}
			}
			return actionResult{status: reply.Message, detail: fmt.Sprintf("order %d", o.ID)}
		}
		return actionResult{status: "No cancellable orders"}
	case "advance":
		orders, err := c.List(ctx)
		if err != nil {
			return actionResult{status: fmt.Sprintf("List failed: %v", err)}
		}
		if len(orders) == 0 {
			return actionResult{status: "No orders"}
		}
		o := orders[0]
		next, ok := nextStatus[o.Status]
		if !ok {
			return actionResult{status: fmt.Sprintf("Order %d is %s and cannot advance", o.ID, o.Status)}
		}
		reply, err := c.SetStatus(ctx, o.ID, string(next), "")
		if err != nil {
			return actionResult{status: fmt.Sprintf("Update failed: %v", err)}
		}
		return actionResult{status: reply.Message, detail: fmt.Sprintf("order %d -> %s", o.ID, next)}
	case "stats":
		st, err := c.Stats(ctx)
		if err != nil {
			return actionResult{status: fmt.Sprintf("Stats failed: %v", err)}
		}
		b := &strings.Builder{}
		for _, s := range st.ByStatus {
			fmt.Fprintf(b, "  %-10s %5d %10s\n", s.Status, s.Count, s.Revenue)
		}
		fmt.Fprintf(b, "  today      %5d %10s\n", st.Today.Count, st.Today.Revenue)
		fmt.Fprintf(b, "  this week  %5d %10s", st.ThisWeek.Count, st.ThisWeek.Revenue)
		return actionResult{status: "Statistics", detail: b.String()}
	default:
		return actionResult{status: fmt.Sprintf("unknown action %q", name)}
	}
}

var nextStatus = map[domain.Status]domain.Status{
	domain.StatusPending:    domain.StatusProcessing,
	domain.StatusProcessing: domain.StatusShipped,
	domain.StatusShipped:    domain.StatusDelivered,
}

func main() {
	runCmd := flag.String("run", "", "run one action and exit: submit|list|cancel|advance|stats|bench")
	baseURL := flag.String("base-url", getenv("ORDER_BASE_URL", "http://localhost:8080"), "order-service base URL")
	userID := flag.Int64("user", envInt("ORDER_USER_ID", 1), "user id sent as X-User-Id")
	total := flag.Int("total", 200, "bench: number of orders")
	concurrency := flag.Int("concurrency", 10, "bench: concurrent workers")
	cancelEvery := flag.Int("cancel-every", 0, "bench: cancel every Nth order")
	timeout := flag.Duration("timeout", 10*time.Second, "per-request timeout")
	output := flag.String("output", "", "bench: optional output path for JSON result")
	flag.Parse()

	if *total <= 0 || *concurrency <= 0 {
		fmt.Fprintln(os.Stderr, "total and concurrency must be > 0")
		os.Exit(1)
	}

	client := newAPIClient(*baseURL, *userID, nil)
	bench := benchConfig{Total: *total, Concurrency: *concurrency, Timeout: *timeout, CancelEvery: *cancelEvery}

	if *runCmd == "bench" && *output != "" {
		res := runBench(context.Background(), client, bench)
		fmt.Println(res.summary())
		if err := writeResult(*output, res); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write output: %v\n", err)
			os.Exit(1)
		}
		return
	}
	if *runCmd != "" {
		res := runAction(context.Background(), client, bench, *runCmd)
		fmt.Println(res.status)
		if res.detail != "" {
			fmt.Println(res.detail)
		}
		return
	}

	p := tea.NewProgram(initialModel(client, bench))
	if _, err := p.Run(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func getenv(k, def string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return v
}

func envInt(k string, def int64) int64 {
	n, err := strconv.ParseInt(getenv(k, ""), 10, 64)
	if err != nil {
		return def
	}
	return n
}
