package service

import (
	"errors"
	"fmt"

	"github.com/feminafit/ms-go-payments/app/provider"
)

var (
	ErrValidation           = errors.New("validation failed")
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrPaymentAlreadyExists = errors.New("payment already exists")
	ErrAlreadyTerminal      = errors.New("payment already in a terminal state")
	ErrUpstreamAuth         = errors.New("payment gateway authentication failed")
	ErrUpstreamRequest      = errors.New("payment gateway request failed")
	ErrProviderUnsupported  = errors.New("provider is not supported")
	ErrCallbackRejected     = errors.New("callback rejected")
)

func validationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// mapGatewayError translates provider failures into the service taxonomy.
// The provider error is kept as the message, not as a wrapped cause.
func mapGatewayError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, provider.ErrUpstreamAuth):
		return fmt.Errorf("%w: %v", ErrUpstreamAuth, err)
	case errors.Is(err, provider.ErrInvalidPhone):
		return fmt.Errorf("%w: %v", ErrValidation, err)
	case errors.Is(err, provider.ErrProviderNotSupported):
		return ErrProviderUnsupported
	default:
		return fmt.Errorf("%w: %v", ErrUpstreamRequest, err)
	}
}
