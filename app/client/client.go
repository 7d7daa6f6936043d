package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/feminafit/ms-go-payments/app/types"
	"github.com/google/uuid"
)

const (
	DefaultPollInterval    = 10 * time.Second
	DefaultPollMaxAttempts = 30
)

var (
	ErrVerificationTimeout = errors.New("payment verification timed out; contact support if funds were deducted")
	ErrPaymentFailed       = errors.New("payment was cancelled or failed")
)

// APIError is a non-2xx answer from the payments API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("payments api returned status=%d: %s", e.StatusCode, e.Message)
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) InitiatePayment(ctx context.Context, req *types.InitiatePaymentRequest, idempotencyKey string) (*types.InitiatePaymentResponse, error) {
	headers := map[string]string{}
	if idempotencyKey != "" {
		headers["Idempotency-Key"] = idempotencyKey
	}

	var out types.InitiatePaymentResponse
	err := c.do(ctx, http.MethodPost, "/api/payments/stk-push", req, headers, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusBadGateway && out.PaymentId != "" {
		return &out, err
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetPaymentStatus(ctx context.Context, id string) (*types.PaymentStatusResponse, error) {
	var out types.PaymentStatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/payments/"+url.PathEscape(id)+"/status", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) QueryPaymentStatus(ctx context.Context, id string) (*types.PaymentStatusResponse, error) {
	var out types.PaymentStatusResponse
	if err := c.do(ctx, http.MethodPost, "/api/payments/"+url.PathEscape(id)+"/query", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListPayments(ctx context.Context, status string, limit, offset int) (*types.ListPaymentsResponse, error) {
	query := url.Values{}
	if status != "" {
		query.Set("status", status)
	}
	if limit > 0 {
		query.Set("limit", fmt.Sprint(limit))
	}
	if offset > 0 {
		query.Set("offset", fmt.Sprint(offset))
	}
	path := "/api/payments"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var out types.ListPaymentsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, headers map[string]string, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		var errBody types.ErrorResponse
		if json.Unmarshal(raw, &errBody) == nil && errBody.Error != "" {
			apiErr.Message = errBody.Error
		}
		if out != nil {
			_ = json.Unmarshal(raw, out)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}
