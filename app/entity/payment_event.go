package entity

import "time"

const (
	PaymentEventCreated            = "payment_created"
	PaymentEventPushAccepted       = "push_accepted"
	PaymentEventCompleted          = "payment_completed"
	PaymentEventFailed             = "payment_failed"
	PaymentEventTerminalConflict   = "terminal_conflict"
	PaymentEventDuplicateTerminal  = "duplicate_terminal"
	PaymentEventCallbackDispatched = "callback_dispatched"
	PaymentEventCallbackFailed     = "callback_dispatch_failed"
)

type PaymentEvent struct {
	ID uint64

	PaymentID string

	EventType string
	Source    string

	OldStatus *string
	NewStatus string

	PayloadJSON *string

	CreatedAt time.Time
}
