package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/feminafit/ms-go-payments/app/entity"
	"github.com/feminafit/ms-go-payments/app/mapper"
	"github.com/feminafit/ms-go-payments/app/types"
)

// RunReconcileBatch queries the gateway for pending payments that have gone
// quiet and applies any terminal result it reports.
func (s *PaymentService) RunReconcileBatch(ctx context.Context) error {
	staleAfter := s.paymentsCfg.ReconcileStaleAfter
	if staleAfter <= 0 {
		staleAfter = 15 * time.Minute
	}
	before := s.now().Add(-staleAfter)

	items, err := s.paymentRepo.ListForReconcile(ctx, before, s.batchSize())
	if err != nil {
		return err
	}

	var firstErr error
	for _, payment := range items {
		if payment == nil {
			continue
		}
		if _, err := s.queryAndResolve(ctx, payment, SourceReconcile); err != nil {
			s.logger.WithError(err).WithField("payment_id", payment.ID).Warn("Pending payment still unresolved after gateway query")
			firstErr = keepFirstErr(firstErr, err)
		}
	}

	return firstErr
}

// RunDispatchCallbacksBatch pushes the current payment envelope to every
// statusCallbackUrl whose delivery is due.
func (s *PaymentService) RunDispatchCallbacksBatch(ctx context.Context) error {
	now := s.now()
	due, err := s.paymentRepo.ListDueCallbackDispatch(ctx, now, s.batchSize())
	if err != nil {
		return err
	}

	var firstErr error
	for _, payment := range due {
		if payment == nil {
			continue
		}
		deliveryErr := s.deliverStatusCallback(ctx, payment)
		if err := s.recordDelivery(ctx, payment, now, deliveryErr); err != nil {
			firstErr = keepFirstErr(firstErr, err)
			continue
		}
		if deliveryErr != nil && !errors.Is(deliveryErr, errNoStatusCallbackURL) {
			firstErr = keepFirstErr(firstErr, deliveryErr)
		}
	}

	return firstErr
}

var errNoStatusCallbackURL = errors.New("payment has no status callback url")

// deliverStatusCallback POSTs the payment envelope. Anything but a 2xx answer
// counts as a failed delivery.
func (s *PaymentService) deliverStatusCallback(ctx context.Context, payment *entity.Payment) error {
	target := ""
	if payment.StatusCallbackURL != nil {
		target = strings.TrimSpace(*payment.StatusCallbackURL)
	}
	if target == "" {
		return errNoStatusCallbackURL
	}

	req, err := s.newStatusCallbackRequest(ctx, target, payment)
	if err != nil {
		return err
	}

	resp, err := s.callbackHTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("status callback %s answered %d", target, resp.StatusCode)
	}
	return nil
}

func (s *PaymentService) newStatusCallbackRequest(ctx context.Context, target string, payment *entity.Payment) (*http.Request, error) {
	body, err := json.Marshal(&types.PaymentEnvelopeResponse{Payment: mapper.PaymentToResponse(payment)})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", payment.ID)
	if s.appAPIKey != "" {
		req.Header.Set("X-API-Key", s.appAPIKey)
	}
	return req, nil
}

// recordDelivery stores the outcome of one delivery attempt. A missing url
// gives up at once; other failures are retried until CallbackMaxAttempts.
func (s *PaymentService) recordDelivery(ctx context.Context, payment *entity.Payment, now time.Time, deliveryErr error) error {
	payment.CallbackDeliveryAttempts++
	payment.UpdatedAt = now
	payment.CallbackDeliveryNextAt = nil

	eventType := entity.PaymentEventCallbackFailed
	switch {
	case deliveryErr == nil:
		eventType = entity.PaymentEventCallbackDispatched
		payment.CallbackDeliveryStatus = entity.CallbackDeliverySuccess
		payment.CallbackDeliveryLastErr = nil
	case errors.Is(deliveryErr, errNoStatusCallbackURL) || payment.CallbackDeliveryAttempts >= s.maxDeliveryAttempts():
		reason := truncate(deliveryErr.Error(), 1024)
		payment.CallbackDeliveryStatus = entity.CallbackDeliveryFailed
		payment.CallbackDeliveryLastErr = &reason
	default:
		reason := truncate(deliveryErr.Error(), 1024)
		retryAt := now.Add(s.deliveryRetryInterval())
		payment.CallbackDeliveryStatus = entity.CallbackDeliveryPending
		payment.CallbackDeliveryLastErr = &reason
		payment.CallbackDeliveryNextAt = &retryAt
	}

	if err := s.paymentRepo.UpdateCallbackDelivery(ctx, payment); err != nil {
		return err
	}

	_ = s.eventRepo.Create(ctx, &entity.PaymentEvent{
		PaymentID: payment.ID,
		EventType: eventType,
		Source:    SourceStatusDispatch,
		NewStatus: payment.Status,
		CreatedAt: now,
	})

	entry := s.logger.WithField("payment_id", payment.ID).WithField("delivery_attempt", payment.CallbackDeliveryAttempts)
	if deliveryErr != nil {
		entry.WithError(deliveryErr).Warn("Status callback not delivered")
	} else {
		entry.Debug("Status callback delivered")
	}
	return nil
}

func (s *PaymentService) maxDeliveryAttempts() int32 {
	if s.paymentsCfg.CallbackMaxAttempts <= 0 {
		return 1
	}
	return s.paymentsCfg.CallbackMaxAttempts
}

func (s *PaymentService) deliveryRetryInterval() time.Duration {
	if s.paymentsCfg.CallbackRetryInterval <= 0 {
		return 5 * time.Minute
	}
	return s.paymentsCfg.CallbackRetryInterval
}

func keepFirstErr(current error, candidate error) error {
	if current != nil {
		return current
	}
	return candidate
}
