package repository

import (
	"context"

	"github.com/feminafit/ms-go-payments/app/entity"
)

type PaymentCallbackRepository struct {
	db DBTX
}

func NewPaymentCallbackRepository(db DBTX) *PaymentCallbackRepository {
	return &PaymentCallbackRepository{db: db}
}

func (r *PaymentCallbackRepository) Create(ctx context.Context, callback *entity.PaymentCallback) error {
	query := `
		INSERT INTO payment_callbacks (
			payment_id, provider, callback_hash, external_reference, payload_json, status, error, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		nullableStringValue(callback.PaymentID),
		callback.Provider,
		callback.CallbackHash,
		callback.ExternalReference,
		callback.PayloadJSON,
		callback.Status,
		nullableStringValue(callback.Error),
		callback.CreatedAt.UTC(),
		callback.UpdatedAt.UTC(),
	)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	callback.ID = uint64(id)

	return nil
}

func (r *PaymentCallbackRepository) CountByPaymentID(ctx context.Context, paymentID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM payment_callbacks WHERE payment_id = ?`, paymentID).Scan(&count)
	return count, err
}
