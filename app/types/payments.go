package types

import (
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	maxAccountReferenceLength = 64
	maxDescriptionLength      = 255
	maxListLimit              = 200
	defaultListLimit          = 50

	// MaxCallbackBodyBytes bounds what the public callback route reads and stores.
	MaxCallbackBodyBytes = 64 << 10
)

var ErrCallbackTooLarge = errors.New("callback payload too large")

func NewInitiatePaymentRequestFromContext(ctx echo.Context, subject string) (*InitiatePaymentRequest, error) {
	var body InitiatePaymentRequest
	if err := ctx.Bind(&body); err != nil {
		return nil, err
	}

	body.PhoneNumber = strings.TrimSpace(body.PhoneNumber)
	body.AccountReference = strings.TrimSpace(body.AccountReference)
	body.OrderId = strings.TrimSpace(body.OrderId)
	body.MembershipPlanId = strings.TrimSpace(body.MembershipPlanId)
	body.Description = strings.TrimSpace(body.Description)
	body.StatusCallbackUrl = strings.TrimSpace(body.StatusCallbackUrl)
	body.CustomerRef = strings.TrimSpace(subject)

	return &body, nil
}

func (r *InitiatePaymentRequest) Validate() error {
	if r.GetPhoneNumber() == "" {
		return errors.New("phoneNumber is required")
	}
	if !r.GetAmount().IsPositive() {
		return errors.New("amount must be greater than zero")
	}
	if r.GetAccountReference() == "" {
		return errors.New("accountReference is required")
	}
	if len(r.GetAccountReference()) > maxAccountReferenceLength {
		return errors.New("accountReference is too long")
	}
	if len(r.GetDescription()) > maxDescriptionLength {
		return errors.New("description is too long")
	}
	if url := r.GetStatusCallbackUrl(); url != "" && !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return errors.New("statusCallbackUrl must be an http(s) url")
	}
	return nil
}

func NewGetPaymentRequestFromContext(ctx echo.Context, subject string) (*GetPaymentRequest, error) {
	return &GetPaymentRequest{
		Id:          strings.TrimSpace(ctx.Param("id")),
		CustomerRef: strings.TrimSpace(subject),
	}, nil
}

func (r *GetPaymentRequest) Validate() error {
	if r.GetId() == "" {
		return errors.New("invalid payment id")
	}
	return nil
}

func NewListPaymentsRequestFromContext(ctx echo.Context, subject string) (*ListPaymentsRequest, error) {
	req := &ListPaymentsRequest{
		CustomerRef:      strings.TrimSpace(subject),
		AccountReference: strings.TrimSpace(ctx.QueryParam("accountReference")),
		Status:           strings.ToLower(strings.TrimSpace(ctx.QueryParam("status"))),
		Limit:            defaultListLimit,
		Offset:           0,
	}

	if limitRaw := strings.TrimSpace(ctx.QueryParam("limit")); limitRaw != "" {
		limit, err := strconv.ParseInt(limitRaw, 10, 32)
		if err != nil {
			return nil, err
		}
		req.Limit = int32(limit)
	}

	if offsetRaw := strings.TrimSpace(ctx.QueryParam("offset")); offsetRaw != "" {
		offset, err := strconv.ParseInt(offsetRaw, 10, 32)
		if err != nil {
			return nil, err
		}
		req.Offset = int32(offset)
	}

	return req, nil
}

func (r *ListPaymentsRequest) Validate() error {
	if r.Limit == 0 {
		r.Limit = defaultListLimit
	}
	if r.GetLimit() <= 0 || r.GetLimit() > maxListLimit {
		return errors.New("limit must be between 1 and 200")
	}
	if r.GetOffset() < 0 {
		return errors.New("offset must be >= 0")
	}
	if r.GetStatus() != "" && !isValidPaymentStatus(r.GetStatus()) {
		return errors.New("invalid status")
	}
	return nil
}

func NewProviderCallbackRequestFromContext(ctx echo.Context, provider string) (*ProviderCallbackRequest, error) {
	rawBody, err := io.ReadAll(io.LimitReader(ctx.Request().Body, MaxCallbackBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(rawBody) > MaxCallbackBodyBytes {
		return nil, ErrCallbackTooLarge
	}

	return &ProviderCallbackRequest{
		Provider:     strings.ToLower(strings.TrimSpace(provider)),
		CallbackHash: strings.TrimSpace(ctx.Param("hash")),
		Payload:      string(rawBody),
	}, nil
}

func (r *ProviderCallbackRequest) Validate() error {
	if r.GetProvider() == "" {
		return errors.New("provider is required")
	}
	if strings.TrimSpace(r.GetPayload()) == "" {
		return errors.New("payload is required")
	}
	return nil
}

func isValidPaymentStatus(status string) bool {
	switch status {
	case "pending", "completed", "failed":
		return true
	default:
		return false
	}
}
