package service

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/feminafit/ms-go-payments/app/entity"
	"github.com/feminafit/ms-go-payments/app/events"
	"github.com/feminafit/ms-go-payments/app/factory"
	"github.com/feminafit/ms-go-payments/app/metrics"
	"github.com/feminafit/ms-go-payments/app/provider"
	"github.com/feminafit/ms-go-payments/app/repository"
	"github.com/feminafit/ms-go-payments/config"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	defaultListLimit = int32(50)
	maxListLimit     = int32(200)
	defaultBatchSize = int32(100)
)

const (
	SourceInitiate  = "initiate"
	SourceCallback  = "callback"
	SourceQuery     = "query"
	SourceReconcile = "reconcile"

	SourceStatusDispatch = "status_dispatch"
)

type initiatePaymentRequest interface {
	GetPhoneNumber() string
	GetAmount() decimal.Decimal
	GetAccountReference() string
	GetOrderId() string
	GetMembershipPlanId() string
	GetDescription() string
	GetStatusCallbackUrl() string
	GetCustomerRef() string
}

type listPaymentsRequest interface {
	GetCustomerRef() string
	GetAccountReference() string
	GetStatus() string
	GetLimit() int32
	GetOffset() int32
}

type paymentRepository interface {
	Create(ctx context.Context, payment *entity.Payment) error
	SetPushAccepted(ctx context.Context, id, externalReference, merchantRequestID string, now time.Time) error
	CompareAndSetStatus(ctx context.Context, transition *repository.StatusTransition) (bool, error)
	UpdateCallbackDelivery(ctx context.Context, payment *entity.Payment) error
	FindByID(ctx context.Context, id string) (*entity.Payment, error)
	FindByExternalReference(ctx context.Context, externalReference string) (*entity.Payment, error)
	FindByCallbackHash(ctx context.Context, callbackHash string) (*entity.Payment, error)
	List(ctx context.Context, filter repository.PaymentFilter) ([]*entity.Payment, error)
	ListDueCallbackDispatch(ctx context.Context, now time.Time, limit int32) ([]*entity.Payment, error)
	ListForReconcile(ctx context.Context, before time.Time, limit int32) ([]*entity.Payment, error)
}

type paymentEventRepository interface {
	Create(ctx context.Context, event *entity.PaymentEvent) error
}

type paymentCallbackRepository interface {
	Create(ctx context.Context, callback *entity.PaymentCallback) error
}

type statePublisher interface {
	PublishStateChanged(ctx context.Context, event *events.StateChanged) error
}

type PaymentService struct {
	paymentRepo  paymentRepository
	eventRepo    paymentEventRepository
	callbackRepo paymentCallbackRepository
	providerReg  *provider.Registry
	publisher    statePublisher
	paymentsCfg  config.PaymentsConfig
	appAPIKey    string
	callbackHTTP *http.Client
	logger       logrus.FieldLogger
	now          func() time.Time
}

// InitiateResult is returned by InitiatePayment. Payment is set whenever a
// record was persisted, including when the push itself failed.
type InitiateResult struct {
	Payment *entity.Payment
	Message string
}

func NewPaymentService(
	paymentRepo paymentRepository,
	eventRepo paymentEventRepository,
	callbackRepo paymentCallbackRepository,
	providerReg *provider.Registry,
	publisher statePublisher,
	paymentsCfg config.PaymentsConfig,
	appAPIKey string,
) *PaymentService {
	timeout := paymentsCfg.CallbackHTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}

	return &PaymentService{
		paymentRepo:  paymentRepo,
		eventRepo:    eventRepo,
		callbackRepo: callbackRepo,
		providerReg:  providerReg,
		publisher:    publisher,
		paymentsCfg:  paymentsCfg,
		appAPIKey:    strings.TrimSpace(appAPIKey),
		callbackHTTP: &http.Client{Timeout: timeout},
		logger:       factory.NewModuleLogger("payment-service"),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// InitiatePayment persists a pending payment and asks the gateway to push a
// payment prompt to the payer. It does not wait for the payer.
func (s *PaymentService) InitiatePayment(ctx context.Context, req initiatePaymentRequest) (*InitiateResult, error) {
	amount := req.GetAmount()
	if !amount.IsPositive() {
		return nil, validationError("amount must be greater than zero")
	}
	accountReference := strings.TrimSpace(req.GetAccountReference())
	if accountReference == "" {
		return nil, validationError("accountReference is required")
	}
	if strings.TrimSpace(req.GetPhoneNumber()) == "" {
		return nil, validationError("phoneNumber is required")
	}
	phone, err := provider.NormalizePhoneNumber(req.GetPhoneNumber())
	if err != nil {
		return nil, mapGatewayError(err)
	}

	gateway, err := s.providerReg.Get(entity.PaymentMethodMpesa)
	if err != nil {
		return nil, mapGatewayError(err)
	}

	statusCallbackURL := normalizeOptionalString(req.GetStatusCallbackUrl())
	if statusCallbackURL == nil {
		statusCallbackURL = normalizeOptionalString(s.paymentsCfg.DefaultStatusCallbackURL)
	}

	now := s.now()
	payment := &entity.Payment{
		ID:                uuid.NewString(),
		Amount:            amount,
		Currency:          entity.CurrencyKES,
		PhoneNumber:       phone,
		AccountReference:  accountReference,
		Method:            gateway.Code(),
		OrderID:           normalizeOptionalString(req.GetOrderId()),
		MembershipPlanID:  normalizeOptionalString(req.GetMembershipPlanId()),
		CustomerRef:       normalizeOptionalString(req.GetCustomerRef()),
		Status:            entity.PaymentStatusPending,
		CallbackHash:      strings.ReplaceAll(uuid.NewString(), "-", ""),
		StatusCallbackURL: statusCallbackURL,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := s.paymentRepo.Create(ctx, payment); err != nil {
		if errors.Is(err, repository.ErrPaymentAlreadyExists) {
			return nil, ErrPaymentAlreadyExists
		}
		return nil, err
	}

	_ = s.eventRepo.Create(ctx, &entity.PaymentEvent{
		PaymentID: payment.ID,
		EventType: entity.PaymentEventCreated,
		Source:    SourceInitiate,
		NewStatus: payment.Status,
		CreatedAt: now,
	})

	description := strings.TrimSpace(req.GetDescription())
	if description == "" {
		description = "Payment for " + accountReference
	}

	out, pushErr := gateway.InitiatePush(ctx, &provider.PushInput{
		PhoneNumber:      phone,
		Amount:           amount,
		AccountReference: accountReference,
		Description:      description,
		CallbackHash:     payment.CallbackHash,
	})

	// Post-push writes must land even if the caller has gone away.
	writeCtx := context.WithoutCancel(ctx)

	if pushErr != nil {
		metrics.IncInitiated("failed")
		s.logger.WithError(pushErr).WithField("payment_id", payment.ID).Warn("Payment push failed")

		failed, err := s.resolveTerminal(writeCtx, payment, &terminalOutcome{
			Status:        entity.PaymentStatusFailed,
			FailureReason: truncate(pushErr.Error(), 1024),
			Source:        SourceInitiate,
		})
		if err != nil && !errors.Is(err, ErrAlreadyTerminal) {
			s.logger.WithError(err).WithField("payment_id", payment.ID).Error("Failed to record push failure")
			return &InitiateResult{Payment: payment}, mapGatewayError(pushErr)
		}
		return &InitiateResult{Payment: failed}, mapGatewayError(pushErr)
	}

	accepted := s.now()
	if err := s.paymentRepo.SetPushAccepted(writeCtx, payment.ID, out.ExternalReference, out.MerchantRequestID, accepted); err != nil {
		if !errors.Is(err, repository.ErrPaymentNotFound) {
			return nil, err
		}
		// A callback matched by hash resolved the payment first.
		current, findErr := s.GetPayment(writeCtx, payment.ID, "")
		if findErr != nil {
			return nil, findErr
		}
		metrics.IncInitiated("accepted")
		return &InitiateResult{Payment: current, Message: out.CustomerMessage}, nil
	}

	payment.ExternalReference = &out.ExternalReference
	payment.MerchantRequestID = normalizeOptionalString(out.MerchantRequestID)
	payment.UpdatedAt = accepted

	rawResponse := out.RawResponse
	_ = s.eventRepo.Create(writeCtx, &entity.PaymentEvent{
		PaymentID:   payment.ID,
		EventType:   entity.PaymentEventPushAccepted,
		Source:      SourceInitiate,
		NewStatus:   payment.Status,
		PayloadJSON: normalizeOptionalString(rawResponse),
		CreatedAt:   accepted,
	})

	metrics.IncInitiated("accepted")
	s.logger.WithFields(logrus.Fields{
		"payment_id":         payment.ID,
		"external_reference": out.ExternalReference,
	}).Info("Payment push accepted")

	message := out.CustomerMessage
	if message == "" {
		message = "Payment request sent. Check your phone to complete the payment."
	}

	return &InitiateResult{Payment: payment, Message: message}, nil
}

// GetPayment loads a payment. A non-empty customerRef hides payments owned by
// another subject.
func (s *PaymentService) GetPayment(ctx context.Context, id string, customerRef string) (*entity.Payment, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrPaymentNotFound
	}

	payment, err := s.paymentRepo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, ErrPaymentNotFound
	}

	customerRef = strings.TrimSpace(customerRef)
	if customerRef != "" && payment.CustomerRef != nil && *payment.CustomerRef != customerRef {
		return nil, ErrPaymentNotFound
	}

	return payment, nil
}

func (s *PaymentService) ListPayments(ctx context.Context, req listPaymentsRequest) ([]*entity.Payment, error) {
	limit := req.GetLimit()
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := req.GetOffset()
	if offset < 0 {
		offset = 0
	}

	status := strings.ToLower(strings.TrimSpace(req.GetStatus()))
	if status != "" && status != entity.PaymentStatusPending && !entity.IsTerminalStatus(status) {
		return nil, validationError("unknown status %q", status)
	}

	return s.paymentRepo.List(ctx, repository.PaymentFilter{
		CustomerRef:      strings.TrimSpace(req.GetCustomerRef()),
		AccountReference: strings.TrimSpace(req.GetAccountReference()),
		Status:           status,
		Limit:            limit,
		Offset:           offset,
	})
}

// QueryPaymentStatus asks the gateway for the current outcome of a pending
// payment and applies it. Terminal payments are returned unchanged.
func (s *PaymentService) QueryPaymentStatus(ctx context.Context, id string, customerRef string) (*entity.Payment, error) {
	payment, err := s.GetPayment(ctx, id, customerRef)
	if err != nil {
		return nil, err
	}

	return s.queryAndResolve(ctx, payment, SourceQuery)
}

func (s *PaymentService) queryAndResolve(ctx context.Context, payment *entity.Payment, source string) (*entity.Payment, error) {
	if payment.IsTerminal() || payment.ExternalReference == nil || strings.TrimSpace(*payment.ExternalReference) == "" {
		return payment, nil
	}

	gateway, err := s.providerReg.Get(payment.Method)
	if err != nil {
		return nil, mapGatewayError(err)
	}

	result, err := gateway.QueryStatus(ctx, *payment.ExternalReference)
	if err != nil {
		return nil, mapGatewayError(err)
	}

	outcome := &terminalOutcome{
		Status:     result.Status,
		RawPayload: result.RawResponse,
		Source:     source,
	}
	switch result.Status {
	case entity.PaymentStatusCompleted:
		// The query response carries no receipt; the checkout id stands in.
		outcome.TransactionID = result.TransactionID
		if outcome.TransactionID == "" {
			outcome.TransactionID = *payment.ExternalReference
		}
	case entity.PaymentStatusFailed:
		outcome.FailureReason = result.ResultDesc
		if outcome.FailureReason == "" {
			outcome.FailureReason = "gateway result code " + result.ResultCode
		}
	default:
		return payment, nil
	}

	resolved, err := s.resolveTerminal(ctx, payment, outcome)
	if err != nil && !errors.Is(err, ErrAlreadyTerminal) {
		return nil, err
	}
	return resolved, nil
}

func (s *PaymentService) batchSize() int32 {
	if s.paymentsCfg.JobBatchSize > 0 {
		return s.paymentsCfg.JobBatchSize
	}
	return defaultBatchSize
}

func normalizeOptionalString(v string) *string {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

// truncate cuts value to at most max bytes without splitting a rune.
func truncate(value string, max int) string {
	value = strings.ToValidUTF8(value, "\uFFFD")
	if len(value) <= max {
		return value
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}
