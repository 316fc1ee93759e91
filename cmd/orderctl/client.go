package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/aminio9/shopstream/internal/money"
	"github.com/aminio9/shopstream/internal/order/domain"
)

type itemInput struct {
	ProductID int64  `json:"productId"`
	Name      string `json:"name"`
	Price     string `json:"price"`
	Quantity  int    `json:"quantity"`
}

type submitReply struct {
	OrderID  int64         `json:"orderId"`
	Status   domain.Status `json:"status"`
	Subtotal money.Money   `json:"subtotal"`
	Shipping money.Money   `json:"shipping"`
	Total    money.Money   `json:"total"`
	Message  string        `json:"message"`
}

type messageReply struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}

// apiError is a non-2xx reply from the order service.
type apiError struct {
	StatusCode int
	Message    string `json:"error"`
	Reason     string `json:"reason"`
	Field      string `json:"field"`
}

func (e *apiError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("status %d: %s (%s)", e.StatusCode, e.Message, e.Field)
	}
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Message)
}

type apiClient struct {
	baseURL string
	userID  int64
	http    *http.Client
}

func newAPIClient(baseURL string, userID int64, hc *http.Client) *apiClient {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &apiClient{baseURL: strings.TrimRight(baseURL, "/"), userID: userID, http: hc}
}

// Submit creates an order under a fresh idempotency key.
func (c *apiClient) Submit(ctx context.Context, items []itemInput, address string) (submitReply, error) {
	body := map[string]any{"items": items}
	if address != "" {
		body["shippingAddress"] = address
	}
	var out submitReply
	err := c.do(ctx, http.MethodPost, "/orders", body, uuid.NewString(), &out)
	return out, err
}

func (c *apiClient) List(ctx context.Context) ([]domain.Order, error) {
	var out []domain.Order
	err := c.do(ctx, http.MethodGet, "/orders", nil, "", &out)
	return out, err
}

func (c *apiClient) Get(ctx context.Context, id int64) (domain.Order, error) {
	var out domain.Order
	err := c.do(ctx, http.MethodGet, "/orders/"+strconv.FormatInt(id, 10), nil, "", &out)
	return out, err
}

func (c *apiClient) Cancel(ctx context.Context, id int64) (messageReply, error) {
	var out messageReply
	err := c.do(ctx, http.MethodPost, "/orders/"+strconv.FormatInt(id, 10)+"/cancel", nil, "", &out)
	return out, err
}

func (c *apiClient) SetStatus(ctx context.Context, id int64, status, message string) (messageReply, error) {
	body := map[string]any{"status": status}
	if message != "" {
		body["message"] = message
	}
	var out messageReply
	err := c.do(ctx, http.MethodPut, "/orders/"+strconv.FormatInt(id, 10)+"/status", body, "", &out)
	return out, err
}

func (c *apiClient) Stats(ctx context.Context) (domain.Stats, error) {
	var out domain.Stats
	err := c.do(ctx, http.MethodGet, "/orders/stats", nil, "", &out)
	return out, err
}

func (c *apiClient) do(ctx context.Context, method, path string, body any, idemKey string, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userID > 0 {
		req.Header.Set("X-User-Id", strconv.FormatInt(c.userID, 10))
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &apiError{StatusCode: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
