package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/feminafit/ms-go-payments/app/entity"
	"github.com/feminafit/ms-go-payments/app/events"
	"github.com/feminafit/ms-go-payments/app/metrics"
	"github.com/feminafit/ms-go-payments/app/repository"
	"github.com/sirupsen/logrus"
)

type terminalOutcome struct {
	Status        string
	TransactionID string
	FailureReason string
	RawPayload    string
	Source        string
}

// resolveTerminal moves a pending payment to the outcome's status. The store
// applies it only while the payment is still pending, so the first terminal
// observation wins. Later observations return the stored payment together
// with ErrAlreadyTerminal and are recorded as duplicate or conflict.
func (s *PaymentService) resolveTerminal(ctx context.Context, payment *entity.Payment, outcome *terminalOutcome) (*entity.Payment, error) {
	if !entity.IsTerminalStatus(outcome.Status) {
		return nil, fmt.Errorf("resolve terminal: %q is not a terminal status", outcome.Status)
	}

	now := s.now()
	transition := &repository.StatusTransition{
		PaymentID:       payment.ID,
		From:            entity.PaymentStatusPending,
		To:              outcome.Status,
		RawCallbackData: normalizeOptionalString(outcome.RawPayload),
		UpdatedAt:       now,
	}
	if outcome.Status == entity.PaymentStatusCompleted {
		transition.TransactionID = normalizeOptionalString(outcome.TransactionID)
		if transition.TransactionID == nil {
			return nil, fmt.Errorf("resolve terminal: completed payment %s without transaction id", payment.ID)
		}
	} else {
		transition.FailureReason = normalizeOptionalString(outcome.FailureReason)
	}
	if payment.StatusCallbackURL != nil {
		transition.CallbackDeliveryStatus = entity.CallbackDeliveryPending
		transition.CallbackDeliveryNextAt = &now
	}

	applied, err := s.paymentRepo.CompareAndSetStatus(ctx, transition)
	if err != nil {
		return nil, err
	}
	if !applied {
		return s.rejectTerminalWrite(ctx, payment.ID, outcome, now)
	}

	resolved := *payment
	resolved.Status = outcome.Status
	resolved.TransactionID = transition.TransactionID
	resolved.FailureReason = transition.FailureReason
	if transition.RawCallbackData != nil {
		resolved.RawCallbackData = transition.RawCallbackData
	}
	resolved.CallbackDeliveryStatus = transition.CallbackDeliveryStatus
	resolved.CallbackDeliveryAttempts = 0
	resolved.CallbackDeliveryNextAt = transition.CallbackDeliveryNextAt
	resolved.CallbackDeliveryLastErr = nil
	resolved.UpdatedAt = now

	eventType := entity.PaymentEventCompleted
	if outcome.Status == entity.PaymentStatusFailed {
		eventType = entity.PaymentEventFailed
	}
	oldStatus := entity.PaymentStatusPending
	_ = s.eventRepo.Create(ctx, &entity.PaymentEvent{
		PaymentID:   resolved.ID,
		EventType:   eventType,
		Source:      outcome.Source,
		OldStatus:   &oldStatus,
		NewStatus:   resolved.Status,
		PayloadJSON: transition.RawCallbackData,
		CreatedAt:   now,
	})

	metrics.IncTerminal(resolved.Status, outcome.Source)
	s.logger.WithFields(logrus.Fields{
		"payment_id":     resolved.ID,
		"status":         resolved.Status,
		"source":         outcome.Source,
		"transaction_id": deref(resolved.TransactionID),
	}).Info("Payment reached terminal state")

	if err := s.publisher.PublishStateChanged(ctx, events.NewStateChanged(&resolved, oldStatus, outcome.Source)); err != nil {
		s.logger.WithError(err).WithField("payment_id", resolved.ID).Warn("Failed to publish payment state change")
	}

	return &resolved, nil
}

func (s *PaymentService) rejectTerminalWrite(ctx context.Context, paymentID string, outcome *terminalOutcome, now time.Time) (*entity.Payment, error) {
	current, err := s.paymentRepo.FindByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, ErrPaymentNotFound
	}
	if !current.IsTerminal() {
		return nil, fmt.Errorf("resolve terminal: payment %s was not updated but is %s", paymentID, current.Status)
	}

	kind := "duplicate"
	eventType := entity.PaymentEventDuplicateTerminal
	if current.Status != outcome.Status {
		kind = "conflict"
		eventType = entity.PaymentEventTerminalConflict
	}

	fields := logrus.Fields{
		"payment_id":       current.ID,
		"existing_status":  current.Status,
		"attempted_status": outcome.Status,
		"source":           outcome.Source,
		"existing_txn_id":  deref(current.TransactionID),
		"attempted_txn_id": outcome.TransactionID,
		"attempted_reason": outcome.FailureReason,
		"kind":             kind,
	}
	if kind == "conflict" {
		s.logger.WithFields(fields).Warn("Conflicting terminal result ignored")
	} else {
		s.logger.WithFields(fields).Info("Duplicate terminal result ignored")
	}
	metrics.IncTerminalConflict(kind)

	payload, _ := json.Marshal(map[string]string{
		"attempted_status":         outcome.Status,
		"attempted_transaction_id": outcome.TransactionID,
		"attempted_failure_reason": outcome.FailureReason,
		"raw":                      truncate(outcome.RawPayload, 4096),
	})
	payloadJSON := string(payload)
	existingStatus := current.Status
	_ = s.eventRepo.Create(ctx, &entity.PaymentEvent{
		PaymentID:   current.ID,
		EventType:   eventType,
		Source:      outcome.Source,
		OldStatus:   &existingStatus,
		NewStatus:   current.Status,
		PayloadJSON: &payloadJSON,
		CreatedAt:   now,
	})

	return current, ErrAlreadyTerminal
}
