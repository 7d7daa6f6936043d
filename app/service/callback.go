package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/feminafit/ms-go-payments/app/entity"
	"github.com/feminafit/ms-go-payments/app/metrics"
	"github.com/sirupsen/logrus"
)

type handleCallbackRequest interface {
	GetProvider() string
	GetCallbackHash() string
	GetPayload() string
}

// HandleProviderCallback decodes a provider notification and applies it to the
// matching pending payment. Repeated or conflicting notifications return the
// stored payment with ErrAlreadyTerminal.
func (s *PaymentService) HandleProviderCallback(ctx context.Context, req handleCallbackRequest) (*entity.Payment, error) {
	providerCode := strings.ToLower(strings.TrimSpace(req.GetProvider()))
	if providerCode == "" {
		providerCode = entity.PaymentMethodMpesa
	}

	gateway, err := s.providerReg.Get(providerCode)
	if err != nil {
		metrics.IncCallback("rejected")
		s.persistCallback(ctx, nil, req, "", entity.PaymentCallbackRejected, "provider is not supported")
		return nil, ErrProviderUnsupported
	}

	payload := req.GetPayload()
	parsed, err := gateway.ParseCallback([]byte(payload))
	if err != nil {
		metrics.IncCallback("rejected")
		s.persistCallback(ctx, nil, req, "", entity.PaymentCallbackRejected, fmt.Sprintf("callback payload could not be parsed: %v", err))
		return nil, fmt.Errorf("%w: %v", ErrCallbackRejected, err)
	}

	payment, err := s.paymentRepo.FindByExternalReference(ctx, parsed.CorrelationID)
	if err != nil {
		return nil, err
	}

	callbackHash := strings.TrimSpace(req.GetCallbackHash())
	if payment == nil && callbackHash != "" {
		// The callback can arrive before the push response was stored.
		payment, err = s.paymentRepo.FindByCallbackHash(ctx, callbackHash)
		if err != nil {
			return nil, err
		}
	}
	if payment == nil {
		metrics.IncCallback("unknown")
		s.persistCallback(ctx, nil, req, parsed.CorrelationID, entity.PaymentCallbackRejected, "no payment matches callback")
		s.logger.WithField("external_reference", parsed.CorrelationID).Warn("Callback for unknown payment")
		return nil, ErrPaymentNotFound
	}

	paymentID := payment.ID
	if callbackHash != "" && callbackHash != payment.CallbackHash {
		metrics.IncCallback("rejected")
		s.persistCallback(ctx, &paymentID, req, parsed.CorrelationID, entity.PaymentCallbackRejected, "callback hash does not match payment")
		s.logger.WithField("payment_id", payment.ID).Warn("Callback hash mismatch")
		return nil, ErrCallbackRejected
	}

	outcome := &terminalOutcome{
		RawPayload: payload,
		Source:     SourceCallback,
	}
	if parsed.Success {
		outcome.Status = entity.PaymentStatusCompleted
		outcome.TransactionID = parsed.TransactionID
		if !parsed.Amount.IsZero() && !parsed.Amount.Equal(payment.Amount.Round(0)) {
			s.logger.WithFields(logrus.Fields{
				"payment_id":       payment.ID,
				"expected_amount":  payment.Amount.String(),
				"confirmed_amount": parsed.Amount.String(),
			}).Warn("Confirmed amount differs from requested amount")
		}
	} else {
		outcome.Status = entity.PaymentStatusFailed
		outcome.FailureReason = parsed.Reason
		if outcome.FailureReason == "" {
			outcome.FailureReason = fmt.Sprintf("gateway result code %d", parsed.ResultCode)
		}
	}

	resolved, err := s.resolveTerminal(ctx, payment, outcome)
	if err != nil {
		if errors.Is(err, ErrAlreadyTerminal) {
			metrics.IncCallback("ignored")
			s.persistCallback(ctx, &paymentID, req, parsed.CorrelationID, entity.PaymentCallbackIgnored, "payment already terminal")
			return resolved, err
		}
		return nil, err
	}

	metrics.IncCallback("processed")
	s.persistCallback(ctx, &paymentID, req, parsed.CorrelationID, entity.PaymentCallbackProcessed, "")

	return resolved, nil
}

func (s *PaymentService) persistCallback(
	ctx context.Context,
	paymentID *string,
	req handleCallbackRequest,
	externalReference string,
	status int32,
	reason string,
) {
	now := s.now()
	var errMsg *string
	if reason = strings.TrimSpace(reason); reason != "" {
		trimmed := truncate(reason, 1024)
		errMsg = &trimmed
	}

	provider := strings.ToLower(strings.TrimSpace(req.GetProvider()))
	if provider == "" {
		provider = entity.PaymentMethodMpesa
	}

	_ = s.callbackRepo.Create(ctx, &entity.PaymentCallback{
		PaymentID:         paymentID,
		Provider:          provider,
		CallbackHash:      strings.TrimSpace(req.GetCallbackHash()),
		ExternalReference: externalReference,
		PayloadJSON:       req.GetPayload(),
		Status:            status,
		Error:             errMsg,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
}
