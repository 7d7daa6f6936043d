package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrUpstreamAuth    = errors.New("upstream authentication failed")
	ErrUpstreamRequest = errors.New("upstream request failed")
	ErrInvalidPhone    = errors.New("invalid phone number")
	ErrInvalidCallback = errors.New("invalid callback payload")
)

// UpstreamError is the tagged failure returned for every network or provider
// side problem. Kind is ErrUpstreamAuth or ErrUpstreamRequest.
type UpstreamError struct {
	Kind       error
	Operation  string
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind.Error(), e.Operation)
	if e.StatusCode > 0 {
		msg += fmt.Sprintf(" status=%d", e.StatusCode)
	}
	if e.Body != "" {
		msg += " body=" + e.Body
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UpstreamError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

type PushInput struct {
	PhoneNumber      string
	Amount           decimal.Decimal
	AccountReference string
	Description      string
	CallbackHash     string
}

type PushOutput struct {
	ExternalReference string
	MerchantRequestID string
	CustomerMessage   string
	RawResponse       string
}

type StatusResult struct {
	ExternalReference string
	Status            string
	ResultCode        string
	ResultDesc        string
	TransactionID     string
	RawResponse       string
}

// CallbackResult is the decoded provider notification. When Success is false
// only CorrelationID, ResultCode and Reason are meaningful.
type CallbackResult struct {
	Success           bool
	CorrelationID     string
	MerchantRequestID string
	ResultCode        int
	Reason            string

	TransactionID string
	Amount        decimal.Decimal
	PhoneNumber   string
	ConfirmedAt   *time.Time
}

type Provider interface {
	Code() string
	InitiatePush(ctx context.Context, input *PushInput) (*PushOutput, error)
	QueryStatus(ctx context.Context, externalReference string) (*StatusResult, error)
	ParseCallback(payload []byte) (*CallbackResult, error)
}
