package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"
)

type benchConfig struct {
	Total       int
	Concurrency int
	Timeout     time.Duration
	// CancelEvery cancels every Nth submitted order; zero disables it.
	CancelEvery int
}

type benchResult struct {
	Timestamp          string         `json:"timestamp"`
	BaseURL            string         `json:"base_url"`
	Transactions       int            `json:"transactions"`
	Concurrency        int            `json:"concurrency"`
	SuccessfulRequests int            `json:"successful_requests"`
	ErrorRequests      int            `json:"error_requests"`
	Cancelled          int            `json:"cancelled"`
	DurationSeconds    float64        `json:"duration_seconds"`
	AvgLatencyMs       float64        `json:"avg_latency_ms"`
	MinLatencyMs       float64        `json:"min_latency_ms"`
	MaxLatencyMs       float64        `json:"max_latency_ms"`
	P50LatencyMs       float64        `json:"p50_latency_ms"`
	P90LatencyMs       float64        `json:"p90_latency_ms"`
	P95LatencyMs       float64        `json:"p95_latency_ms"`
	P99LatencyMs       float64        `json:"p99_latency_ms"`
	ThroughputRPS      float64        `json:"throughput_rps"`
	StatusCounts       map[string]int `json:"status_counts"`
	ErrorClasses       map[string]int `json:"error_classes"`
	FirstError         string         `json:"first_error"`
}

func (r benchResult) summary() string {
	return fmt.Sprintf("ok=%d errors=%d cancelled=%d avg=%.1fms p95=%.1fms throughput=%.2f orders/s",
		r.SuccessfulRequests, r.ErrorRequests, r.Cancelled, r.AvgLatencyMs, r.P95LatencyMs, r.ThroughputRPS)
}

type benchStats struct {
	mu           sync.Mutex
	success      int
	errors       int
	cancelled    int
	total        time.Duration
	minLatency   time.Duration
	maxLatency   time.Duration
	latenciesMs  []float64
	statusCounts map[string]int
	errorClasses map[string]int
	firstError   string
}

func newBenchStats() *benchStats {
	return &benchStats{statusCounts: map[string]int{}, errorClasses: map[string]int{}}
}

func (m *benchStats) record(latency time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		status := 0
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			status = apiErr.StatusCode
			m.statusCounts[strconv.Itoa(status)]++
		}
		m.errors++
		m.errorClasses[classifyError(status, err)]++
		if m.firstError == "" {
			m.firstError = err.Error()
		}
		return
	}
	// Every submission carries a fresh idempotency key, so success is always a create.
	m.statusCounts["201"]++
	m.success++
	m.total += latency
	if m.minLatency == 0 || latency < m.minLatency {
		m.minLatency = latency
	}
	if latency > m.maxLatency {
		m.maxLatency = latency
	}
	m.latenciesMs = append(m.latenciesMs, float64(latency.Microseconds())/1000)
}

func classifyError(status int, err error) string {
	switch {
	case status >= 500:
		return "http_5xx"
	case status == 400:
		return "validation"
	case status >= 400:
		return "http_4xx"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "transport"
	}
}

// runBench submits cfg.Total orders from cfg.Concurrency workers.
func runBench(ctx context.Context, c *apiClient, cfg benchConfig) benchResult {
	tasks := make(chan int)
	var wg sync.WaitGroup
	m := newBenchStats()

	start := time.Now()
	for i := 0; i < cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := range tasks {
				reqCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
				began := time.Now()
				reply, err := c.Submit(reqCtx, sampleItems(n), "1 Bench Street")
				m.record(time.Since(began), err)
				if err == nil && cfg.CancelEvery > 0 && n%cfg.CancelEvery == 0 {
					if _, err := c.Cancel(reqCtx, reply.OrderID); err == nil {
						m.mu.Lock()
						m.cancelled++
						m.mu.Unlock()
					}
				}
				cancel()
			}
		}()
	}
	for i := 1; i <= cfg.Total; i++ {
		select {
		case tasks <- i:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(tasks)
	wg.Wait()

	duration := time.Since(start)
	sort.Float64s(m.latenciesMs)
	res := benchResult{
		Timestamp:          time.Now().UTC().Format(time.RFC3339),
		BaseURL:            c.baseURL,
		Transactions:       cfg.Total,
		Concurrency:        cfg.Concurrency,
		SuccessfulRequests: m.success,
		ErrorRequests:      m.errors,
		Cancelled:          m.cancelled,
		DurationSeconds:    duration.Seconds(),
		P50LatencyMs:       percentile(m.latenciesMs, 0.50),
		P90LatencyMs:       percentile(m.latenciesMs, 0.90),
		P95LatencyMs:       percentile(m.latenciesMs, 0.95),
		P99LatencyMs:       percentile(m.latenciesMs, 0.99),
		StatusCounts:       m.statusCounts,
		ErrorClasses:       m.errorClasses,
		FirstError:         m.firstError,
	}
	if m.success > 0 {
		res.AvgLatencyMs = float64(m.total.Microseconds()) / 1000 / float64(m.success)
		res.MinLatencyMs = float64(m.minLatency.Microseconds()) / 1000
		res.MaxLatencyMs = float64(m.maxLatency.Microseconds()) / 1000
	}
	if duration > 0 {
		res.ThroughputRPS = float64(m.success) / duration.Seconds()
	}
	return res
}

// sampleItems varies the basket so both the free and the flat shipping tiers are hit.
func sampleItems(n int) []itemInput {
	items := []itemInput{{ProductID: int64(n%7 + 1), Name: "Widget", Price: "19.99", Quantity: 1}}
	if n%2 == 0 {
		items = append(items, itemInput{ProductID: 100, Name: "Gadget", Price: "45.00", Quantity: 1})
	}
	return items
}

func writeResult(path string, result benchResult) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
