package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/feminafit/ms-go-payments/app/entity"
)

var (
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrPaymentAlreadyExists = errors.New("payment already exists")
)

const paymentColumns = `
	id, amount, currency, phone_number, account_reference, method,
	order_id, membership_plan_id, customer_ref, status,
	external_reference, merchant_request_id, transaction_id, failure_reason, raw_callback_data,
	callback_hash, status_callback_url,
	callback_delivery_status, callback_delivery_attempts, callback_delivery_next_at, callback_delivery_last_error,
	created_at, updated_at
`

type PaymentFilter struct {
	CustomerRef      string
	AccountReference string
	Status           string
	Limit            int32
	Offset           int32
}

// StatusTransition moves a payment out of From. It is applied only when the
// stored status still equals From, which makes the first terminal write win.
type StatusTransition struct {
	PaymentID       string
	From            string
	To              string
	TransactionID   *string
	FailureReason   *string
	RawCallbackData *string

	CallbackDeliveryStatus int32
	CallbackDeliveryNextAt *time.Time

	UpdatedAt time.Time
}

type PaymentRepository struct {
	db DBTX
}

func NewPaymentRepository(db DBTX) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) Create(ctx context.Context, payment *entity.Payment) error {
	query := `INSERT INTO payments (` + paymentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		payment.ID,
		payment.Amount,
		payment.Currency,
		payment.PhoneNumber,
		payment.AccountReference,
		payment.Method,
		nullableStringValue(payment.OrderID),
		nullableStringValue(payment.MembershipPlanID),
		nullableStringValue(payment.CustomerRef),
		payment.Status,
		nullableStringValue(payment.ExternalReference),
		nullableStringValue(payment.MerchantRequestID),
		nullableStringValue(payment.TransactionID),
		nullableStringValue(payment.FailureReason),
		nullableStringValue(payment.RawCallbackData),
		payment.CallbackHash,
		nullableStringValue(payment.StatusCallbackURL),
		payment.CallbackDeliveryStatus,
		payment.CallbackDeliveryAttempts,
		nullableTimeValue(payment.CallbackDeliveryNextAt),
		nullableStringValue(payment.CallbackDeliveryLastErr),
		payment.CreatedAt.UTC(),
		payment.UpdatedAt.UTC(),
	)
	if err != nil {
		if isDuplicateEntryError(err) {
			return ErrPaymentAlreadyExists
		}
		return err
	}

	return nil
}

// SetPushAccepted records the gateway correlation ids. It only touches
// pending payments so a fast callback is never rolled back.
func (r *PaymentRepository) SetPushAccepted(ctx context.Context, id, externalReference, merchantRequestID string, now time.Time) error {
	query := `
		UPDATE payments SET
			external_reference = ?,
			merchant_request_id = ?,
			updated_at = ?
		WHERE id = ? AND status = ?
	`

	var merchant interface{}
	if merchantRequestID != "" {
		merchant = merchantRequestID
	}

	result, err := r.db.ExecContext(ctx, query, externalReference, merchant, now.UTC(), id, entity.PaymentStatusPending)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrPaymentNotFound
	}

	return nil
}

// CompareAndSetStatus applies the transition atomically and reports whether
// this call won it.
func (r *PaymentRepository) CompareAndSetStatus(ctx context.Context, transition *StatusTransition) (bool, error) {
	query := `
		UPDATE payments SET
			status = ?,
			transaction_id = ?,
			failure_reason = ?,
			raw_callback_data = COALESCE(?, raw_callback_data),
			callback_delivery_status = ?,
			callback_delivery_next_at = ?,
			updated_at = ?
		WHERE id = ? AND status = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		transition.To,
		nullableStringValue(transition.TransactionID),
		nullableStringValue(transition.FailureReason),
		nullableStringValue(transition.RawCallbackData),
		transition.CallbackDeliveryStatus,
		nullableTimeValue(transition.CallbackDeliveryNextAt),
		transition.UpdatedAt.UTC(),
		transition.PaymentID,
		transition.From,
	)
	if err != nil {
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return affected > 0, nil
}

func (r *PaymentRepository) UpdateCallbackDelivery(ctx context.Context, payment *entity.Payment) error {
	query := `
		UPDATE payments SET
			callback_delivery_status = ?,
			callback_delivery_attempts = ?,
			callback_delivery_next_at = ?,
			callback_delivery_last_error = ?,
			updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		payment.CallbackDeliveryStatus,
		payment.CallbackDeliveryAttempts,
		nullableTimeValue(payment.CallbackDeliveryNextAt),
		nullableStringValue(payment.CallbackDeliveryLastErr),
		payment.UpdatedAt.UTC(),
		payment.ID,
	)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrPaymentNotFound
	}

	return nil
}

func (r *PaymentRepository) FindByID(ctx context.Context, id string) (*entity.Payment, error) {
	return r.findOne(ctx, "id = ?", id)
}

func (r *PaymentRepository) FindByExternalReference(ctx context.Context, externalReference string) (*entity.Payment, error) {
	return r.findOne(ctx, "external_reference = ?", externalReference)
}

func (r *PaymentRepository) FindByCallbackHash(ctx context.Context, callbackHash string) (*entity.Payment, error) {
	return r.findOne(ctx, "callback_hash = ?", callbackHash)
}

func (r *PaymentRepository) findOne(ctx context.Context, condition string, arg interface{}) (*entity.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE ` + condition + ` LIMIT 1`

	payment := &entity.Payment{}
	if err := scanPayment(r.db.QueryRowContext(ctx, query, arg), payment); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	return payment, nil
}

func (r *PaymentRepository) List(ctx context.Context, filter PaymentFilter) ([]*entity.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments`

	conditions := make([]string, 0, 3)
	args := make([]interface{}, 0, 5)

	if strings.TrimSpace(filter.CustomerRef) != "" {
		conditions = append(conditions, "customer_ref = ?")
		args = append(args, filter.CustomerRef)
	}
	if strings.TrimSpace(filter.AccountReference) != "" {
		conditions = append(conditions, "account_reference = ?")
		args = append(args, filter.AccountReference)
	}
	if strings.TrimSpace(filter.Status) != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	return r.queryPayments(ctx, query, args...)
}

// ListDueCallbackDispatch returns terminal payments whose status callback is
// pending and due.
func (r *PaymentRepository) ListDueCallbackDispatch(ctx context.Context, now time.Time, limit int32) ([]*entity.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments
		WHERE callback_delivery_status = ?
		  AND callback_delivery_next_at IS NOT NULL
		  AND callback_delivery_next_at <= ?
		ORDER BY callback_delivery_next_at ASC
		LIMIT ?`

	return r.queryPayments(ctx, query, entity.CallbackDeliveryPending, now.UTC(), limit)
}

// ListForReconcile returns pending payments that were accepted by the gateway
// and have not moved since before.
func (r *PaymentRepository) ListForReconcile(ctx context.Context, before time.Time, limit int32) ([]*entity.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments
		WHERE status = ?
		  AND external_reference IS NOT NULL
		  AND updated_at <= ?
		ORDER BY updated_at ASC
		LIMIT ?`

	return r.queryPayments(ctx, query, entity.PaymentStatusPending, before.UTC(), limit)
}

func (r *PaymentRepository) queryPayments(ctx context.Context, query string, args ...interface{}) ([]*entity.Payment, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := make([]*entity.Payment, 0)
	for rows.Next() {
		item := &entity.Payment{}
		if err := scanPayment(rows, item); err != nil {
			return nil, err
		}
		payments = append(payments, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return payments, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPayment(scan rowScanner, payment *entity.Payment) error {
	var orderID sql.NullString
	var membershipPlanID sql.NullString
	var customerRef sql.NullString
	var externalReference sql.NullString
	var merchantRequestID sql.NullString
	var transactionID sql.NullString
	var failureReason sql.NullString
	var rawCallbackData sql.NullString
	var statusCallbackURL sql.NullString
	var callbackNextAt sql.NullTime
	var callbackLastErr sql.NullString

	err := scan.Scan(
		&payment.ID,
		&payment.Amount,
		&payment.Currency,
		&payment.PhoneNumber,
		&payment.AccountReference,
		&payment.Method,
		&orderID,
		&membershipPlanID,
		&customerRef,
		&payment.Status,
		&externalReference,
		&merchantRequestID,
		&transactionID,
		&failureReason,
		&rawCallbackData,
		&payment.CallbackHash,
		&statusCallbackURL,
		&payment.CallbackDeliveryStatus,
		&payment.CallbackDeliveryAttempts,
		&callbackNextAt,
		&callbackLastErr,
		&payment.CreatedAt,
		&payment.UpdatedAt,
	)
	if err != nil {
		return err
	}

	payment.OrderID = stringPtrFromNull(orderID)
	payment.MembershipPlanID = stringPtrFromNull(membershipPlanID)
	payment.CustomerRef = stringPtrFromNull(customerRef)
	payment.ExternalReference = stringPtrFromNull(externalReference)
	payment.MerchantRequestID = stringPtrFromNull(merchantRequestID)
	payment.TransactionID = stringPtrFromNull(transactionID)
	payment.FailureReason = stringPtrFromNull(failureReason)
	payment.RawCallbackData = stringPtrFromNull(rawCallbackData)
	payment.StatusCallbackURL = stringPtrFromNull(statusCallbackURL)
	payment.CallbackDeliveryNextAt = timePtrFromNull(callbackNextAt)
	payment.CallbackDeliveryLastErr = stringPtrFromNull(callbackLastErr)
	payment.CreatedAt = payment.CreatedAt.UTC()
	payment.UpdatedAt = payment.UpdatedAt.UTC()

	return nil
}
