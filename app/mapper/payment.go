package mapper

import (
	"time"

	"github.com/feminafit/ms-go-payments/app/entity"
	"github.com/feminafit/ms-go-payments/app/types"
)

func PaymentToResponse(item *entity.Payment) *types.Payment {
	if item == nil {
		return nil
	}

	return &types.Payment{
		Id:                item.ID,
		Amount:            item.Amount.StringFixed(2),
		Currency:          item.Currency,
		PhoneNumber:       item.PhoneNumber,
		AccountReference:  item.AccountReference,
		Method:            item.Method,
		OrderId:           derefString(item.OrderID),
		MembershipPlanId:  derefString(item.MembershipPlanID),
		Status:            item.Status,
		ExternalReference: derefString(item.ExternalReference),
		MerchantRequestId: derefString(item.MerchantRequestID),
		TransactionId:     derefString(item.TransactionID),
		FailureReason:     derefString(item.FailureReason),
		CreatedAt:         item.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:         item.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func PaymentsToResponse(items []*entity.Payment) []*types.Payment {
	result := make([]*types.Payment, 0, len(items))
	for _, item := range items {
		result = append(result, PaymentToResponse(item))
	}
	return result
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
