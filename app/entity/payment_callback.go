package entity

import "time"

const (
	PaymentCallbackProcessed int32 = 10
	PaymentCallbackIgnored   int32 = 15
	PaymentCallbackRejected  int32 = 20
)

// PaymentCallback is the audit row for one inbound provider notification.
type PaymentCallback struct {
	ID uint64

	PaymentID *string

	Provider          string
	CallbackHash      string
	ExternalReference string
	PayloadJSON       string
	Status            int32
	Error             *string

	CreatedAt time.Time
	UpdatedAt time.Time
}
