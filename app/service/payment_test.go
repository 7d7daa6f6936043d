package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/feminafit/ms-go-payments/app/entity"
	"github.com/feminafit/ms-go-payments/app/events"
	"github.com/feminafit/ms-go-payments/app/provider"
	"github.com/feminafit/ms-go-payments/app/repository"
	"github.com/feminafit/ms-go-payments/app/types"
	"github.com/feminafit/ms-go-payments/config"
	"github.com/shopspring/decimal"
)

type servicePaymentRepo struct {
	mu       sync.Mutex
	payments map[string]*entity.Payment
}

func newServicePaymentRepo() *servicePaymentRepo {
	return &servicePaymentRepo{payments: map[string]*entity.Payment{}}
}

func (r *servicePaymentRepo) Create(ctx context.Context, payment *entity.Payment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.payments[payment.ID]; ok {
		return repository.ErrPaymentAlreadyExists
	}
	copyItem := *payment
	r.payments[payment.ID] = &copyItem
	return nil
}

func (r *servicePaymentRepo) SetPushAccepted(ctx context.Context, id, externalReference, merchantRequestID string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.payments[id]
	if !ok || item.Status != entity.PaymentStatusPending {
		return repository.ErrPaymentNotFound
	}
	item.ExternalReference = &externalReference
	item.MerchantRequestID = &merchantRequestID
	item.UpdatedAt = now
	return nil
}

func (r *servicePaymentRepo) CompareAndSetStatus(ctx context.Context, transition *repository.StatusTransition) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.payments[transition.PaymentID]
	if !ok || item.Status != transition.From {
		return false, nil
	}
	item.Status = transition.To
	item.TransactionID = transition.TransactionID
	item.FailureReason = transition.FailureReason
	if transition.RawCallbackData != nil {
		item.RawCallbackData = transition.RawCallbackData
	}
	item.CallbackDeliveryStatus = transition.CallbackDeliveryStatus
	item.CallbackDeliveryAttempts = 0
	item.CallbackDeliveryNextAt = transition.CallbackDeliveryNextAt
	item.CallbackDeliveryLastErr = nil
	item.UpdatedAt = transition.UpdatedAt
	return true, nil
}

func (r *servicePaymentRepo) UpdateCallbackDelivery(_ context.Context, payment *entity.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.payments[payment.ID]
	if !ok {
		return repository.ErrPaymentNotFound
	}
	item.CallbackDeliveryStatus = payment.CallbackDeliveryStatus
	item.CallbackDeliveryAttempts = payment.CallbackDeliveryAttempts
	item.CallbackDeliveryNextAt = payment.CallbackDeliveryNextAt
	item.CallbackDeliveryLastErr = payment.CallbackDeliveryLastErr
	item.UpdatedAt = payment.UpdatedAt
	return nil
}

func (r *servicePaymentRepo) FindByID(_ context.Context, id string) (*entity.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.payments[id]
	if !ok {
		return nil, nil
	}
	copyItem := *item
	return &copyItem, nil
}

func (r *servicePaymentRepo) FindByExternalReference(_ context.Context, externalReference string) (*entity.Payment, error) {
	return r.findFirst(func(p *entity.Payment) bool {
		return p.ExternalReference != nil && *p.ExternalReference == externalReference
	}), nil
}

func (r *servicePaymentRepo) FindByCallbackHash(_ context.Context, callbackHash string) (*entity.Payment, error) {
	return r.findFirst(func(p *entity.Payment) bool { return p.CallbackHash == callbackHash }), nil
}

func (r *servicePaymentRepo) findFirst(match func(*entity.Payment) bool) *entity.Payment {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, item := range r.payments {
		if match(item) {
			copyItem := *item
			return &copyItem
		}
	}
	return nil
}

func (r *servicePaymentRepo) List(_ context.Context, filter repository.PaymentFilter) ([]*entity.Payment, error) {
	items := r.collect(func(item *entity.Payment) bool {
		if filter.CustomerRef != "" && (item.CustomerRef == nil || *item.CustomerRef != filter.CustomerRef) {
			return false
		}
		if filter.AccountReference != "" && item.AccountReference != filter.AccountReference {
			return false
		}
		return filter.Status == "" || item.Status == filter.Status
	})
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })

	start := int(filter.Offset)
	if start > len(items) {
		return []*entity.Payment{}, nil
	}
	items = items[start:]
	return limitItems(items, filter.Limit), nil
}

func (r *servicePaymentRepo) ListDueCallbackDispatch(_ context.Context, now time.Time, limit int32) ([]*entity.Payment, error) {
	items := r.collect(func(item *entity.Payment) bool {
		return item.CallbackDeliveryStatus == entity.CallbackDeliveryPending && item.CallbackDeliveryNextAt != nil && !item.CallbackDeliveryNextAt.After(now)
	})
	return limitItems(items, limit), nil
}

func (r *servicePaymentRepo) ListForReconcile(_ context.Context, before time.Time, limit int32) ([]*entity.Payment, error) {
	items := r.collect(func(item *entity.Payment) bool {
		return item.Status == entity.PaymentStatusPending && item.ExternalReference != nil && !item.UpdatedAt.After(before)
	})
	return limitItems(items, limit), nil
}

func (r *servicePaymentRepo) collect(match func(*entity.Payment) bool) []*entity.Payment {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := make([]*entity.Payment, 0)
	for _, item := range r.payments {
		if match(item) {
			copyItem := *item
			items = append(items, &copyItem)
		}
	}
	return items
}

func (r *servicePaymentRepo) only(t *testing.T) *entity.Payment {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.payments) != 1 {
		t.Fatalf("expected exactly one payment, got %d", len(r.payments))
	}
	for _, item := range r.payments {
		copyItem := *item
		return &copyItem
	}
	return nil
}

func limitItems(items []*entity.Payment, limit int32) []*entity.Payment {
	if limit <= 0 || int(limit) >= len(items) {
		return items
	}
	return items[:limit]
}

type serviceEventRepo struct {
	mu     sync.Mutex
	events []*entity.PaymentEvent
}

func (r *serviceEventRepo) Create(_ context.Context, event *entity.PaymentEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copyItem := *event
	r.events = append(r.events, &copyItem)
	return nil
}

func (r *serviceEventRepo) countType(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, event := range r.events {
		if event.EventType == eventType {
			n++
		}
	}
	return n
}

type serviceCallbackRepo struct {
	mu        sync.Mutex
	callbacks []*entity.PaymentCallback
}

func (r *serviceCallbackRepo) Create(_ context.Context, callback *entity.PaymentCallback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copyItem := *callback
	r.callbacks = append(r.callbacks, &copyItem)
	return nil
}

type servicePublisher struct {
	mu       sync.Mutex
	messages []*events.StateChanged
	err      error
}

func (p *servicePublisher) PublishStateChanged(_ context.Context, event *events.StateChanged) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, event)
	return p.err
}

type serviceProvider struct {
	mu sync.Mutex

	pushOutput *provider.PushOutput
	pushErr    error
	beforePush func()
	pushInputs []*provider.PushInput

	statuses   []*provider.StatusResult
	queryErr   error
	queryCalls int

	callback    *provider.CallbackResult
	callbackErr error
}

func (p *serviceProvider) Code() string { return entity.PaymentMethodMpesa }

func (p *serviceProvider) InitiatePush(_ context.Context, input *provider.PushInput) (*provider.PushOutput, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushInputs = append(p.pushInputs, input)
	if p.beforePush != nil {
		p.beforePush()
	}
	if p.pushErr != nil {
		return nil, p.pushErr
	}
	if p.pushOutput != nil {
		return p.pushOutput, nil
	}
	return &provider.PushOutput{
		ExternalReference: "ws_CO_01052024093015",
		MerchantRequestID: "29115-34620561-1",
		CustomerMessage:   "Success. Request accepted for processing",
		RawResponse:       `{"ResponseCode":"0"}`,
	}, nil
}

func (p *serviceProvider) QueryStatus(_ context.Context, externalReference string) (*provider.StatusResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queryCalls++
	if p.queryErr != nil {
		return nil, p.queryErr
	}
	if len(p.statuses) == 0 {
		return &provider.StatusResult{ExternalReference: externalReference, Status: entity.PaymentStatusPending}, nil
	}
	next := p.statuses[0]
	if len(p.statuses) > 1 {
		p.statuses = p.statuses[1:]
	}
	return next, nil
}

func (p *serviceProvider) ParseCallback([]byte) (*provider.CallbackResult, error) {
	if p.callbackErr != nil {
		return nil, p.callbackErr
	}
	return p.callback, nil
}

type serviceFixture struct {
	repo         *servicePaymentRepo
	eventRepo    *serviceEventRepo
	callbackRepo *serviceCallbackRepo
	publisher    *servicePublisher
	provider     *serviceProvider
	svc          *PaymentService
}

func newServiceFixture(p *serviceProvider) *serviceFixture {
	f := &serviceFixture{
		repo:         newServicePaymentRepo(),
		eventRepo:    &serviceEventRepo{},
		callbackRepo: &serviceCallbackRepo{},
		publisher:    &servicePublisher{},
		provider:     p,
	}
	f.svc = NewPaymentService(
		f.repo,
		f.eventRepo,
		f.callbackRepo,
		provider.NewRegistry(p),
		f.publisher,
		config.PaymentsConfig{
			CallbackMaxAttempts:   3,
			CallbackRetryInterval: time.Second,
			CallbackHTTPTimeout:   time.Second,
			ReconcileStaleAfter:   time.Minute,
			JobBatchSize:          100,
		},
		"payments-app-key",
	)
	return f
}

func membershipRequest() *types.InitiatePaymentRequest {
	return &types.InitiatePaymentRequest{
		PhoneNumber:      "0712345678",
		Amount:           decimal.NewFromInt(6500),
		AccountReference: "MEMBERSHIP-2",
		MembershipPlanId: "2",
		CustomerRef:      "member@example.com",
	}
}

func successCallback(checkoutID string) *provider.CallbackResult {
	return &provider.CallbackResult{
		Success:       true,
		CorrelationID: checkoutID,
		TransactionID: "QGR7XXXX",
		Amount:        decimal.NewFromInt(6500),
		PhoneNumber:   "254712345678",
	}
}

func TestInitiatePaymentPersistsPendingBeforeGatewayReturns(t *testing.T) {
	p := &serviceProvider{}
	f := newServiceFixture(p)

	var seen *entity.Payment
	p.beforePush = func() {
		seen = f.repo.only(t)
	}

	result, err := f.svc.InitiatePayment(testContext(t), membershipRequest())
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	if seen == nil || seen.Status != entity.PaymentStatusPending {
		t.Fatalf("expected pending record before push, got %+v", seen)
	}
	if seen.ExternalReference != nil {
		t.Fatal("expected no external reference before push returned")
	}
	if result.Payment.Status != entity.PaymentStatusPending {
		t.Fatalf("expected pending after accepted push, got %s", result.Payment.Status)
	}
	if got := *f.repo.only(t).ExternalReference; got != "ws_CO_01052024093015" {
		t.Fatalf("expected stored checkout id, got %s", got)
	}
	if p.pushInputs[0].PhoneNumber != "254712345678" {
		t.Fatalf("expected normalized phone, got %s", p.pushInputs[0].PhoneNumber)
	}
	if p.pushInputs[0].CallbackHash != seen.CallbackHash {
		t.Fatal("expected push to carry the payment callback hash")
	}
	if f.eventRepo.countType(entity.PaymentEventPushAccepted) != 1 {
		t.Fatal("expected push_accepted event")
	}
}

func TestInitiatePaymentPushFailureLeavesFailedRecord(t *testing.T) {
	p := &serviceProvider{
		pushErr: &provider.UpstreamError{Kind: provider.ErrUpstreamRequest, Operation: "stk_push", StatusCode: 500},
	}
	f := newServiceFixture(p)

	result, err := f.svc.InitiatePayment(testContext(t), membershipRequest())
	if !errors.Is(err, ErrUpstreamRequest) {
		t.Fatalf("expected ErrUpstreamRequest, got %v", err)
	}
	if result == nil || result.Payment == nil {
		t.Fatal("expected the failed record to be returned")
	}

	stored := f.repo.only(t)
	if stored.Status != entity.PaymentStatusFailed {
		t.Fatalf("expected failed record, got %s", stored.Status)
	}
	if stored.FailureReason == nil || *stored.FailureReason == "" {
		t.Fatal("expected failure reason")
	}
	if stored.TransactionID != nil {
		t.Fatal("failed payment must not carry a transaction id")
	}
	if len(f.publisher.messages) != 1 || f.publisher.messages[0].State != entity.PaymentStatusFailed {
		t.Fatalf("expected one failed state message, got %+v", f.publisher.messages)
	}
}

func TestInitiatePaymentCallerCancelledDuringFailedPush(t *testing.T) {
	ctx, cancel := context.WithCancel(testContext(t))
	defer cancel()

	p := &serviceProvider{
		pushErr: &provider.UpstreamError{Kind: provider.ErrUpstreamRequest, Operation: "stk_push", Err: context.Canceled},
	}
	p.beforePush = cancel
	f := newServiceFixture(p)

	result, err := f.svc.InitiatePayment(ctx, membershipRequest())
	if !errors.Is(err, ErrUpstreamRequest) {
		t.Fatalf("expected ErrUpstreamRequest, got %v", err)
	}
	if result == nil || result.Payment == nil {
		t.Fatal("expected the payment to be returned")
	}

	stored := f.repo.only(t)
	if stored.Status != entity.PaymentStatusFailed {
		t.Fatalf("expected failed record after cancelled push, got %s", stored.Status)
	}
	if stored.FailureReason == nil || *stored.FailureReason == "" {
		t.Fatal("expected failure reason")
	}
}

func TestInitiatePaymentCallerCancelledDuringAcceptedPush(t *testing.T) {
	ctx, cancel := context.WithCancel(testContext(t))
	defer cancel()

	p := &serviceProvider{}
	p.beforePush = cancel
	f := newServiceFixture(p)

	result, err := f.svc.InitiatePayment(ctx, membershipRequest())
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	if result.Payment.Status != entity.PaymentStatusPending {
		t.Fatalf("expected pending, got %s", result.Payment.Status)
	}

	stored := f.repo.only(t)
	if stored.ExternalReference == nil || *stored.ExternalReference != "ws_CO_01052024093015" {
		t.Fatal("expected checkout id stored so the payment can be reconciled")
	}
	if f.eventRepo.countType(entity.PaymentEventPushAccepted) != 1 {
		t.Fatal("expected push_accepted event")
	}
}

func TestInitiatePaymentAuthFailureMapsToUpstreamAuth(t *testing.T) {
	p := &serviceProvider{
		pushErr: &provider.UpstreamError{Kind: provider.ErrUpstreamAuth, Operation: "authenticate"},
	}
	f := newServiceFixture(p)

	_, err := f.svc.InitiatePayment(testContext(t), membershipRequest())
	if !errors.Is(err, ErrUpstreamAuth) {
		t.Fatalf("expected ErrUpstreamAuth, got %v", err)
	}
	if f.repo.only(t).Status != entity.PaymentStatusFailed {
		t.Fatal("expected failed record after auth failure")
	}
}

func TestInitiatePaymentValidation(t *testing.T) {
	cases := map[string]func(*types.InitiatePaymentRequest){
		"zero amount":     func(r *types.InitiatePaymentRequest) { r.Amount = decimal.Zero },
		"missing account": func(r *types.InitiatePaymentRequest) { r.AccountReference = " " },
		"missing phone":   func(r *types.InitiatePaymentRequest) { r.PhoneNumber = "" },
		"invalid phone":   func(r *types.InitiatePaymentRequest) { r.PhoneNumber = "12345" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := &serviceProvider{}
			f := newServiceFixture(p)
			req := membershipRequest()
			mutate(req)

			_, err := f.svc.InitiatePayment(testContext(t), req)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
			if len(p.pushInputs) != 0 {
				t.Fatal("expected no gateway call")
			}
			if len(f.repo.payments) != 0 {
				t.Fatal("expected no stored payment")
			}
		})
	}
}

func TestMembershipPaymentEndToEnd(t *testing.T) {
	p := &serviceProvider{}
	f := newServiceFixture(p)

	result, err := f.svc.InitiatePayment(testContext(t), membershipRequest())
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	p.callback = successCallback("ws_CO_01052024093015")

	completed, err := f.svc.HandleProviderCallback(testContext(t), &types.ProviderCallbackRequest{
		Provider:     "mpesa",
		CallbackHash: result.Payment.CallbackHash,
		Payload:      `{"Body":{}}`,
	})
	if err != nil {
		t.Fatalf("callback failed: %v", err)
	}
	if completed.Status != entity.PaymentStatusCompleted || deref(completed.TransactionID) != "QGR7XXXX" {
		t.Fatalf("unexpected completion: %+v", completed)
	}

	stored, err := f.svc.GetPayment(testContext(t), result.Payment.ID, "member@example.com")
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if stored.Status != entity.PaymentStatusCompleted || !stored.Amount.Equal(decimal.NewFromInt(6500)) {
		t.Fatalf("unexpected stored payment: %+v", stored)
	}
	if deref(stored.MembershipPlanID) != "2" || stored.AccountReference != "MEMBERSHIP-2" {
		t.Fatalf("unexpected references: %+v", stored)
	}
	if len(f.publisher.messages) != 1 || f.publisher.messages[0].TransactionID != "QGR7XXXX" {
		t.Fatalf("expected one completed state message, got %+v", f.publisher.messages)
	}
	if len(f.callbackRepo.callbacks) != 1 || f.callbackRepo.callbacks[0].Status != entity.PaymentCallbackProcessed {
		t.Fatalf("expected processed callback audit, got %+v", f.callbackRepo.callbacks)
	}
}

func TestDuplicateCallbackIsIdempotent(t *testing.T) {
	p := &serviceProvider{}
	f := newServiceFixture(p)
	result, err := f.svc.InitiatePayment(testContext(t), membershipRequest())
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	p.callback = successCallback("ws_CO_01052024093015")
	req := &types.ProviderCallbackRequest{Provider: "mpesa", CallbackHash: result.Payment.CallbackHash, Payload: `{}`}

	if _, err := f.svc.HandleProviderCallback(testContext(t), req); err != nil {
		t.Fatalf("first callback failed: %v", err)
	}
	payment, err := f.svc.HandleProviderCallback(testContext(t), req)
	if !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal, got %v", err)
	}
	if payment == nil || payment.Status != entity.PaymentStatusCompleted {
		t.Fatalf("expected stored completed payment, got %+v", payment)
	}
	if f.eventRepo.countType(entity.PaymentEventDuplicateTerminal) != 1 {
		t.Fatal("expected one duplicate_terminal event")
	}
	if f.eventRepo.countType(entity.PaymentEventTerminalConflict) != 0 {
		t.Fatal("duplicate must not be recorded as a conflict")
	}
	if len(f.publisher.messages) != 1 {
		t.Fatalf("expected a single state message, got %d", len(f.publisher.messages))
	}
	if f.callbackRepo.callbacks[1].Status != entity.PaymentCallbackIgnored {
		t.Fatal("expected second callback audited as ignored")
	}
}

func TestConflictingCallbackKeepsFirstTerminalResult(t *testing.T) {
	p := &serviceProvider{}
	f := newServiceFixture(p)
	result, err := f.svc.InitiatePayment(testContext(t), membershipRequest())
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	p.callback = successCallback("ws_CO_01052024093015")
	req := &types.ProviderCallbackRequest{Provider: "mpesa", CallbackHash: result.Payment.CallbackHash, Payload: `{}`}
	if _, err := f.svc.HandleProviderCallback(testContext(t), req); err != nil {
		t.Fatalf("first callback failed: %v", err)
	}

	p.callback = &provider.CallbackResult{
		Success:       false,
		CorrelationID: "ws_CO_01052024093015",
		ResultCode:    1032,
		Reason:        "Request cancelled by user",
	}
	payment, err := f.svc.HandleProviderCallback(testContext(t), req)
	if !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal, got %v", err)
	}
	if payment.Status != entity.PaymentStatusCompleted {
		t.Fatalf("expected completed to win, got %s", payment.Status)
	}

	stored := f.repo.only(t)
	if stored.Status != entity.PaymentStatusCompleted || deref(stored.TransactionID) != "QGR7XXXX" || stored.FailureReason != nil {
		t.Fatalf("stored payment changed: %+v", stored)
	}
	if f.eventRepo.countType(entity.PaymentEventTerminalConflict) != 1 {
		t.Fatal("expected terminal_conflict event")
	}
}

func TestCallbackBeforePushResponseMatchesByHash(t *testing.T) {
	p := &serviceProvider{}
	f := newServiceFixture(p)
	p.beforePush = func() {
		pending := f.repo.only(t)
		p.callback = successCallback("ws_CO_01052024093015")
		if _, err := f.svc.HandleProviderCallback(testContext(t), &types.ProviderCallbackRequest{
			Provider:     "mpesa",
			CallbackHash: pending.CallbackHash,
			Payload:      `{}`,
		}); err != nil {
			t.Errorf("early callback failed: %v", err)
		}
	}

	result, err := f.svc.InitiatePayment(testContext(t), membershipRequest())
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	if result.Payment.Status != entity.PaymentStatusCompleted {
		t.Fatalf("expected early completion to be kept, got %s", result.Payment.Status)
	}
}

func TestCallbackRejections(t *testing.T) {
	p := &serviceProvider{}
	f := newServiceFixture(p)
	result, err := f.svc.InitiatePayment(testContext(t), membershipRequest())
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}

	p.callbackErr = provider.ErrInvalidCallback
	if _, err := f.svc.HandleProviderCallback(testContext(t), &types.ProviderCallbackRequest{Provider: "mpesa", Payload: "nope"}); !errors.Is(err, ErrCallbackRejected) {
		t.Fatalf("expected ErrCallbackRejected for bad payload, got %v", err)
	}

	p.callbackErr = nil
	p.callback = successCallback("ws_CO_unknown")
	if _, err := f.svc.HandleProviderCallback(testContext(t), &types.ProviderCallbackRequest{Provider: "mpesa", Payload: `{}`}); !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound for unknown checkout, got %v", err)
	}

	p.callback = successCallback("ws_CO_01052024093015")
	if _, err := f.svc.HandleProviderCallback(testContext(t), &types.ProviderCallbackRequest{Provider: "mpesa", CallbackHash: "wrong", Payload: `{}`}); !errors.Is(err, ErrCallbackRejected) {
		t.Fatalf("expected ErrCallbackRejected for hash mismatch, got %v", err)
	}

	if stored, _ := f.repo.FindByID(testContext(t), result.Payment.ID); stored.Status != entity.PaymentStatusPending {
		t.Fatalf("rejected callbacks must not change state, got %s", stored.Status)
	}
	if len(f.callbackRepo.callbacks) != 3 {
		t.Fatalf("expected every rejected callback audited, got %d", len(f.callbackRepo.callbacks))
	}
}

func TestRepeatedPendingQueriesNeverFailPayment(t *testing.T) {
	p := &serviceProvider{}
	f := newServiceFixture(p)
	result, err := f.svc.InitiatePayment(testContext(t), membershipRequest())
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}

	for i := 0; i < 30; i++ {
		payment, err := f.svc.QueryPaymentStatus(testContext(t), result.Payment.ID, "member@example.com")
		if err != nil {
			t.Fatalf("query %d failed: %v", i, err)
		}
		if payment.Status != entity.PaymentStatusPending {
			t.Fatalf("query %d changed status to %s", i, payment.Status)
		}
	}
	if p.queryCalls != 30 {
		t.Fatalf("expected 30 gateway queries, got %d", p.queryCalls)
	}
	if f.repo.only(t).Status != entity.PaymentStatusPending {
		t.Fatal("expected payment to remain pending")
	}
}

func TestQueryPaymentStatusCompletesWithCheckoutIDFallback(t *testing.T) {
	p := &serviceProvider{statuses: []*provider.StatusResult{{Status: entity.PaymentStatusCompleted, ResultCode: "0"}}}
	f := newServiceFixture(p)
	result, err := f.svc.InitiatePayment(testContext(t), membershipRequest())
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}

	payment, err := f.svc.QueryPaymentStatus(testContext(t), result.Payment.ID, "")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if payment.Status != entity.PaymentStatusCompleted || deref(payment.TransactionID) != "ws_CO_01052024093015" {
		t.Fatalf("unexpected completion: %+v", payment)
	}

	if _, err := f.svc.QueryPaymentStatus(testContext(t), result.Payment.ID, ""); err != nil {
		t.Fatalf("query on terminal payment failed: %v", err)
	}
	if p.queryCalls != 1 {
		t.Fatalf("expected terminal payment not to be queried again, got %d calls", p.queryCalls)
	}
}

func TestGetPaymentHidesOtherCustomers(t *testing.T) {
	f := newServiceFixture(&serviceProvider{})
	result, err := f.svc.InitiatePayment(testContext(t), membershipRequest())
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}

	if _, err := f.svc.GetPayment(testContext(t), result.Payment.ID, "someone@example.com"); !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound for foreign payment, got %v", err)
	}
	if _, err := f.svc.GetPayment(testContext(t), "missing", ""); !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
}

func TestListPaymentsFiltersAndValidates(t *testing.T) {
	f := newServiceFixture(&serviceProvider{})
	if _, err := f.svc.InitiatePayment(testContext(t), membershipRequest()); err != nil {
		t.Fatalf("initiate failed: %v", err)
	}

	items, err := f.svc.ListPayments(testContext(t), &types.ListPaymentsRequest{CustomerRef: "member@example.com", Status: "pending"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected one payment, got %d", len(items))
	}

	if _, err := f.svc.ListPayments(testContext(t), &types.ListPaymentsRequest{Status: "refunded"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestRunReconcileBatchResolvesStalePending(t *testing.T) {
	p := &serviceProvider{statuses: []*provider.StatusResult{{Status: entity.PaymentStatusFailed, ResultCode: "1037", ResultDesc: "DS timeout user cannot be reached"}}}
	f := newServiceFixture(p)
	result, err := f.svc.InitiatePayment(testContext(t), membershipRequest())
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	f.svc.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }

	if err := f.svc.RunReconcileBatch(testContext(t)); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	stored, _ := f.repo.FindByID(testContext(t), result.Payment.ID)
	if stored.Status != entity.PaymentStatusFailed || deref(stored.FailureReason) != "DS timeout user cannot be reached" {
		t.Fatalf("unexpected reconciled payment: %+v", stored)
	}
	if f.publisher.messages[0].Source != SourceReconcile {
		t.Fatalf("expected reconcile source, got %s", f.publisher.messages[0].Source)
	}
}

func TestRunDispatchCallbacksBatchDeliversEnvelope(t *testing.T) {
	var (
		mu       sync.Mutex
		received types.PaymentEnvelopeResponse
		apiKey   string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		apiKey = r.Header.Get("X-API-Key")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &received)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	p := &serviceProvider{}
	f := newServiceFixture(p)
	req := membershipRequest()
	req.StatusCallbackUrl = server.URL
	result, err := f.svc.InitiatePayment(testContext(t), req)
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	p.callback = successCallback("ws_CO_01052024093015")
	if _, err := f.svc.HandleProviderCallback(testContext(t), &types.ProviderCallbackRequest{Provider: "mpesa", Payload: `{}`}); err != nil {
		t.Fatalf("callback failed: %v", err)
	}

	if err := f.svc.RunDispatchCallbacksBatch(testContext(t)); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if received.Payment == nil || received.Payment.Id != result.Payment.ID || received.Payment.Status != entity.PaymentStatusCompleted {
		t.Fatalf("unexpected delivered envelope: %+v", received.Payment)
	}
	if apiKey != "payments-app-key" {
		t.Fatalf("expected api key header, got %q", apiKey)
	}
	stored, _ := f.repo.FindByID(testContext(t), result.Payment.ID)
	if stored.CallbackDeliveryStatus != entity.CallbackDeliverySuccess {
		t.Fatalf("expected delivered status, got %d", stored.CallbackDeliveryStatus)
	}
}

func TestRunDispatchCallbacksBatchSchedulesRetry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	p := &serviceProvider{pushErr: &provider.UpstreamError{Kind: provider.ErrUpstreamRequest, Operation: "stk_push"}}
	f := newServiceFixture(p)
	req := membershipRequest()
	req.StatusCallbackUrl = server.URL
	if _, err := f.svc.InitiatePayment(testContext(t), req); !errors.Is(err, ErrUpstreamRequest) {
		t.Fatalf("expected push failure, got %v", err)
	}

	if err := f.svc.RunDispatchCallbacksBatch(testContext(t)); err == nil {
		t.Fatal("expected dispatch error")
	}

	stored := f.repo.only(t)
	if stored.CallbackDeliveryStatus != entity.CallbackDeliveryPending || stored.CallbackDeliveryAttempts != 1 {
		t.Fatalf("expected retry to be scheduled, got status=%d attempts=%d", stored.CallbackDeliveryStatus, stored.CallbackDeliveryAttempts)
	}
	if stored.CallbackDeliveryNextAt == nil || stored.CallbackDeliveryLastErr == nil {
		t.Fatal("expected next attempt and last error")
	}
	if f.eventRepo.countType(entity.PaymentEventCallbackFailed) != 1 {
		t.Fatal("expected callback_dispatch_failed event")
	}
}

func TestRunDispatchCallbacksBatchGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	p := &serviceProvider{pushErr: &provider.UpstreamError{Kind: provider.ErrUpstreamRequest, Operation: "stk_push"}}
	f := newServiceFixture(p)
	req := membershipRequest()
	req.StatusCallbackUrl = server.URL
	if _, err := f.svc.InitiatePayment(testContext(t), req); !errors.Is(err, ErrUpstreamRequest) {
		t.Fatalf("expected push failure, got %v", err)
	}

	clock := time.Now().UTC()
	for attempt := 0; attempt < 3; attempt++ {
		clock = clock.Add(time.Minute)
		at := clock
		f.svc.now = func() time.Time { return at }
		if err := f.svc.RunDispatchCallbacksBatch(testContext(t)); err == nil {
			t.Fatalf("attempt %d: expected dispatch error", attempt+1)
		}
	}

	f.svc.now = func() time.Time { return clock.Add(time.Hour) }
	if err := f.svc.RunDispatchCallbacksBatch(testContext(t)); err != nil {
		t.Fatalf("expected nothing left to deliver, got %v", err)
	}

	stored := f.repo.only(t)
	if stored.CallbackDeliveryStatus != entity.CallbackDeliveryFailed || stored.CallbackDeliveryAttempts != 3 {
		t.Fatalf("expected delivery to give up after 3 attempts, got status=%d attempts=%d", stored.CallbackDeliveryStatus, stored.CallbackDeliveryAttempts)
	}
	if stored.CallbackDeliveryNextAt != nil {
		t.Fatal("expected no further attempt to be scheduled")
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 deliveries, got %d", got)
	}
	if f.eventRepo.countType(entity.PaymentEventCallbackFailed) != 3 {
		t.Fatal("expected one callback_dispatch_failed event per attempt")
	}
}

func TestPublishFailureDoesNotUndoTransition(t *testing.T) {
	p := &serviceProvider{}
	f := newServiceFixture(p)
	f.publisher.err = errors.New("broker down")
	if _, err := f.svc.InitiatePayment(testContext(t), membershipRequest()); err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	p.callback = successCallback("ws_CO_01052024093015")

	payment, err := f.svc.HandleProviderCallback(testContext(t), &types.ProviderCallbackRequest{Provider: "mpesa", Payload: `{}`})
	if err != nil {
		t.Fatalf("callback failed: %v", err)
	}
	if payment.Status != entity.PaymentStatusCompleted {
		t.Fatalf("expected completed, got %s", payment.Status)
	}
}

func TestConcurrentCallbackAndQueryResolveOnce(t *testing.T) {
	p := &serviceProvider{statuses: []*provider.StatusResult{{
		Status:     entity.PaymentStatusFailed,
		ResultCode: "1032",
		ResultDesc: "Request cancelled by user",
	}}}
	f := newServiceFixture(p)
	result, err := f.svc.InitiatePayment(testContext(t), membershipRequest())
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	p.callback = successCallback("ws_CO_01052024093015")

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = f.svc.HandleProviderCallback(testContext(t), &types.ProviderCallbackRequest{
					Provider:     "mpesa",
					CallbackHash: result.Payment.CallbackHash,
					Payload:      `{}`,
				})
			} else {
				_, err = f.svc.QueryPaymentStatus(testContext(t), result.Payment.ID, "member@example.com")
			}
			if err != nil && !errors.Is(err, ErrAlreadyTerminal) {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("unexpected error: %v", err)
	}

	stored := f.repo.only(t)
	switch stored.Status {
	case entity.PaymentStatusCompleted:
		if deref(stored.TransactionID) != "QGR7XXXX" || stored.FailureReason != nil {
			t.Fatalf("inconsistent completed payment: %+v", stored)
		}
	case entity.PaymentStatusFailed:
		if stored.TransactionID != nil || deref(stored.FailureReason) != "Request cancelled by user" {
			t.Fatalf("inconsistent failed payment: %+v", stored)
		}
	default:
		t.Fatalf("expected terminal payment, got %s", stored.Status)
	}

	f.publisher.mu.Lock()
	published := len(f.publisher.messages)
	f.publisher.mu.Unlock()
	if published != 1 {
		t.Fatalf("expected exactly one state message, got %d", published)
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	value := "ab" + "éé"
	if got := truncate(value, 3); got != "ab" {
		t.Fatalf("expected cut before a split rune, got %q", got)
	}
	if got := truncate(value, 4); got != "abé" {
		t.Fatalf("expected whole rune kept, got %q", got)
	}
	if got := truncate("ok\xff", 10); got != "ok\uFFFD" {
		t.Fatalf("expected invalid bytes replaced, got %q", got)
	}
	if got := truncate("short", 10); got != "short" {
		t.Fatalf("expected unchanged value, got %q", got)
	}
}
