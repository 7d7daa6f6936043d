package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/feminafit/ms-go-payments/app/entity"
	"github.com/segmentio/kafka-go"
)

const DefaultTopic = "payment.state.changed"

// StateChanged is the message written for every applied terminal transition.
type StateChanged struct {
	PaymentID         string    `json:"payment_id"`
	State             string    `json:"state"`
	PreviousState     string    `json:"previous_state"`
	Source            string    `json:"source"`
	AccountReference  string    `json:"account_reference"`
	Amount            string    `json:"amount"`
	Currency          string    `json:"currency"`
	ExternalReference string    `json:"external_reference,omitempty"`
	TransactionID     string    `json:"transaction_id,omitempty"`
	FailureReason     string    `json:"failure_reason,omitempty"`
	OrderID           string    `json:"order_id,omitempty"`
	MembershipPlanID  string    `json:"membership_plan_id,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

func NewStateChanged(payment *entity.Payment, previousState, source string) *StateChanged {
	return &StateChanged{
		PaymentID:         payment.ID,
		State:             payment.Status,
		PreviousState:     previousState,
		Source:            source,
		AccountReference:  payment.AccountReference,
		Amount:            payment.Amount.String(),
		Currency:          payment.Currency,
		ExternalReference: deref(payment.ExternalReference),
		TransactionID:     deref(payment.TransactionID),
		FailureReason:     deref(payment.FailureReason),
		OrderID:           deref(payment.OrderID),
		MembershipPlanID:  deref(payment.MembershipPlanID),
		Timestamp:         payment.UpdatedAt,
	}
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer messageWriter
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.LeastBytes{},
			AllowAutoTopicCreation: true,
		},
	}
}

// PublishStateChanged keys the message by payment id so a payment's events
// stay on one partition.
func (p *KafkaPublisher) PublishStateChanged(ctx context.Context, event *StateChanged) error {
	value, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.PaymentID),
		Value: value,
		Time:  event.Timestamp,
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NoopPublisher is used when no brokers are configured.
type NoopPublisher struct{}

func (NoopPublisher) PublishStateChanged(context.Context, *StateChanged) error { return nil }

func (NoopPublisher) Close() error { return nil }

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
