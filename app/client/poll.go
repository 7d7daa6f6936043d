package client

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/feminafit/ms-go-payments/app/types"
)

type PollConfig struct {
	Interval    time.Duration
	MaxAttempts int
}

func (c PollConfig) withDefaults() PollConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultPollInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultPollMaxAttempts
	}
	return c
}

type statusReader interface {
	GetPaymentStatus(ctx context.Context, id string) (*types.PaymentStatusResponse, error)
}

// WaitForTerminal polls the status endpoint until the payment is completed or
// failed. It only reads; running out of attempts never changes the payment.
func (c *Client) WaitForTerminal(ctx context.Context, id string, cfg PollConfig) (*types.PaymentStatusResponse, error) {
	return waitForTerminal(ctx, c, id, cfg)
}

func waitForTerminal(ctx context.Context, reader statusReader, id string, cfg PollConfig) (*types.PaymentStatusResponse, error) {
	cfg = cfg.withDefaults()

	var last *types.PaymentStatusResponse
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		resp, err := reader.GetPaymentStatus(ctx, id)
		switch {
		case err == nil:
			last = resp
			switch resp.Status {
			case "completed":
				return resp, nil
			case "failed":
				return resp, ErrPaymentFailed
			}
		case isPermanent(err):
			return nil, err
		case ctx.Err() != nil:
			return last, ctx.Err()
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		timer := time.NewTimer(cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return last, ctx.Err()
		case <-timer.C:
		}
	}

	return last, ErrVerificationTimeout
}

// isPermanent reports errors that another poll cannot fix.
func isPermanent(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	default:
		return false
	}
}
