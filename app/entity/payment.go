package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	PaymentStatusPending   = "pending"
	PaymentStatusCompleted = "completed"
	PaymentStatusFailed    = "failed"
)

const PaymentMethodMpesa = "mpesa"

const CurrencyKES = "KES"

const (
	CallbackDeliveryNone    int32 = 0
	CallbackDeliveryPending int32 = 1
	CallbackDeliverySuccess int32 = 10
	CallbackDeliveryFailed  int32 = 20
)

// Payment is one mobile-money payment attempt. Status only ever moves from
// pending to completed or failed; TransactionID is set iff completed.
type Payment struct {
	ID string

	Amount   decimal.Decimal
	Currency string

	PhoneNumber      string
	AccountReference string
	Method           string

	OrderID          *string
	MembershipPlanID *string
	CustomerRef      *string

	Status string

	ExternalReference *string
	MerchantRequestID *string
	TransactionID     *string
	FailureReason     *string
	RawCallbackData   *string

	CallbackHash      string
	StatusCallbackURL *string

	CallbackDeliveryStatus   int32
	CallbackDeliveryAttempts int32
	CallbackDeliveryNextAt   *time.Time
	CallbackDeliveryLastErr  *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (p *Payment) IsTerminal() bool {
	return IsTerminalStatus(p.Status)
}

func IsTerminalStatus(status string) bool {
	return status == PaymentStatusCompleted || status == PaymentStatusFailed
}
