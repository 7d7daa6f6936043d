package types

import "github.com/shopspring/decimal"

type Payment struct {
	Id                string `json:"id"`
	Amount            string `json:"amount"`
	Currency          string `json:"currency"`
	PhoneNumber       string `json:"phoneNumber"`
	AccountReference  string `json:"accountReference"`
	Method            string `json:"method"`
	OrderId           string `json:"orderId,omitempty"`
	MembershipPlanId  string `json:"membershipPlanId,omitempty"`
	Status            string `json:"status"`
	ExternalReference string `json:"externalReference,omitempty"`
	MerchantRequestId string `json:"merchantRequestId,omitempty"`
	TransactionId     string `json:"transactionId,omitempty"`
	FailureReason     string `json:"failureReason,omitempty"`
	CreatedAt         string `json:"createdAt"`
	UpdatedAt         string `json:"updatedAt"`
}

type InitiatePaymentRequest struct {
	PhoneNumber       string          `json:"phoneNumber"`
	Amount            decimal.Decimal `json:"amount"`
	AccountReference  string          `json:"accountReference"`
	OrderId           string          `json:"orderId"`
	MembershipPlanId  string          `json:"membershipPlanId"`
	Description       string          `json:"description"`
	StatusCallbackUrl string          `json:"statusCallbackUrl"`

	// CustomerRef is the authenticated subject; never read from the body.
	CustomerRef string `json:"-"`
}

func (r *InitiatePaymentRequest) GetPhoneNumber() string       { return r.PhoneNumber }
func (r *InitiatePaymentRequest) GetAmount() decimal.Decimal   { return r.Amount }
func (r *InitiatePaymentRequest) GetAccountReference() string  { return r.AccountReference }
func (r *InitiatePaymentRequest) GetOrderId() string           { return r.OrderId }
func (r *InitiatePaymentRequest) GetMembershipPlanId() string  { return r.MembershipPlanId }
func (r *InitiatePaymentRequest) GetDescription() string       { return r.Description }
func (r *InitiatePaymentRequest) GetStatusCallbackUrl() string { return r.StatusCallbackUrl }
func (r *InitiatePaymentRequest) GetCustomerRef() string       { return r.CustomerRef }

type InitiatePaymentResponse struct {
	Success           bool   `json:"success"`
	PaymentId         string `json:"paymentId,omitempty"`
	ExternalReference string `json:"externalReference,omitempty"`
	Status            string `json:"status,omitempty"`
	Message           string `json:"message"`
	Error             string `json:"error,omitempty"`
}

type GetPaymentRequest struct {
	Id          string
	CustomerRef string
}

func (r *GetPaymentRequest) GetId() string          { return r.Id }
func (r *GetPaymentRequest) GetCustomerRef() string { return r.CustomerRef }

type PaymentStatusResponse struct {
	Status  string   `json:"status"`
	Payment *Payment `json:"payment"`
}

type ListPaymentsRequest struct {
	CustomerRef      string
	AccountReference string
	Status           string
	Limit            int32
	Offset           int32
}

func (r *ListPaymentsRequest) GetCustomerRef() string      { return r.CustomerRef }
func (r *ListPaymentsRequest) GetAccountReference() string { return r.AccountReference }
func (r *ListPaymentsRequest) GetStatus() string           { return r.Status }
func (r *ListPaymentsRequest) GetLimit() int32             { return r.Limit }
func (r *ListPaymentsRequest) GetOffset() int32            { return r.Offset }

type ListPaymentsResponse struct {
	Payments []*Payment `json:"payments"`
}

type ProviderCallbackRequest struct {
	Provider     string
	CallbackHash string
	Payload      string
}

func (r *ProviderCallbackRequest) GetProvider() string     { return r.Provider }
func (r *ProviderCallbackRequest) GetCallbackHash() string { return r.CallbackHash }
func (r *ProviderCallbackRequest) GetPayload() string      { return r.Payload }

// CallbackAck is the fixed acknowledgement the gateway expects.
type CallbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

func NewCallbackAck() *CallbackAck {
	return &CallbackAck{ResultCode: 0, ResultDesc: "Success"}
}

// PaymentEnvelopeResponse is also the body posted to status callback URLs.
type PaymentEnvelopeResponse struct {
	Payment *Payment `json:"payment"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
