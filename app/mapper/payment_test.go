package mapper

import (
	"testing"
	"time"

	"github.com/feminafit/ms-go-payments/app/entity"
	"github.com/shopspring/decimal"
)

func TestPaymentToResponse(t *testing.T) {
	txn := "QGR7XXXX"
	plan := "2"
	created := time.Date(2024, 5, 1, 9, 30, 15, 0, time.UTC)
	item := &entity.Payment{
		ID:               "pay-1",
		Amount:           decimal.NewFromInt(6500),
		Currency:         entity.CurrencyKES,
		PhoneNumber:      "254712345678",
		AccountReference: "MEMBERSHIP-2",
		Method:           entity.PaymentMethodMpesa,
		MembershipPlanID: &plan,
		Status:           entity.PaymentStatusCompleted,
		TransactionID:    &txn,
		CallbackHash:     "secret-hash",
		CreatedAt:        created,
		UpdatedAt:        created,
	}

	resp := PaymentToResponse(item)
	if resp.Amount != "6500.00" {
		t.Fatalf("expected fixed two-decimal amount, got %s", resp.Amount)
	}
	if resp.TransactionId != txn || resp.MembershipPlanId != plan {
		t.Fatalf("unexpected mapping: %+v", resp)
	}
	if resp.OrderId != "" {
		t.Fatalf("expected empty order id, got %q", resp.OrderId)
	}
	if resp.CreatedAt != "2024-05-01T09:30:15Z" {
		t.Fatalf("unexpected createdAt: %s", resp.CreatedAt)
	}
}

func TestPaymentsToResponseSkipsNothing(t *testing.T) {
	out := PaymentsToResponse([]*entity.Payment{{ID: "a"}, {ID: "b"}})
	if len(out) != 2 || out[0].Id != "a" || out[1].Id != "b" {
		t.Fatalf("unexpected list mapping: %+v", out)
	}
	if PaymentToResponse(nil) != nil {
		t.Fatal("expected nil for nil payment")
	}
}
