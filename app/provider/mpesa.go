package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/feminafit/ms-go-payments/app/entity"
	"github.com/feminafit/ms-go-payments/app/metrics"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	mpesaSandboxBaseURL    = "https://sandbox.safaricom.co.ke"
	mpesaProductionBaseURL = "https://api.safaricom.co.ke"

	mpesaTimestampLayout = "20060102150405"

	// Returned by the query endpoint while the subscriber has not answered the prompt.
	mpesaStillProcessingCode = "500.001.1001"
)

var tracer = otel.Tracer("github.com/feminafit/ms-go-payments/app/provider")

// Daraja reports transaction dates in East Africa Time.
var eatLocation = time.FixedZone("EAT", 3*60*60)

type MpesaConfig struct {
	ConsumerKey        string
	ConsumerSecret     string
	BusinessShortCode  string
	PassKey            string
	Environment        string
	BaseURL            string
	CallbackBaseURL    string
	TransactionType    string
	DefaultDescription string
	HTTPTimeout        time.Duration
}

type MpesaProvider struct {
	cfg    MpesaConfig
	client *http.Client
	now    func() time.Time
}

func NewMpesaProvider(cfg MpesaConfig) *MpesaProvider {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if strings.TrimSpace(cfg.TransactionType) == "" {
		cfg.TransactionType = "CustomerPayBillOnline"
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		if strings.EqualFold(cfg.Environment, "production") {
			cfg.BaseURL = mpesaProductionBaseURL
		} else {
			cfg.BaseURL = mpesaSandboxBaseURL
		}
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")

	return &MpesaProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}
}

func (p *MpesaProvider) Code() string {
	return entity.PaymentMethodMpesa
}

// Authenticate exchanges the consumer key and secret for a bearer token. The
// token is not cached; every gateway operation authenticates again.
func (p *MpesaProvider) Authenticate(ctx context.Context) (token string, err error) {
	ctx, span := tracer.Start(ctx, "mpesa.authenticate")
	start := time.Now()
	defer func() {
		metrics.ObserveGatewayRequest("authenticate", start, err)
		endSpan(span, err)
	}()

	if strings.TrimSpace(p.cfg.ConsumerKey) == "" || strings.TrimSpace(p.cfg.ConsumerSecret) == "" {
		return "", &UpstreamError{Kind: ErrUpstreamAuth, Operation: "authenticate", Err: errors.New("mpesa consumer credentials are not configured")}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", &UpstreamError{Kind: ErrUpstreamAuth, Operation: "authenticate", Err: err}
	}
	credentials := base64.StdEncoding.EncodeToString([]byte(p.cfg.ConsumerKey + ":" + p.cfg.ConsumerSecret))
	req.Header.Set("Authorization", "Basic "+credentials)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", &UpstreamError{Kind: ErrUpstreamAuth, Operation: "authenticate", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &UpstreamError{Kind: ErrUpstreamAuth, Operation: "authenticate", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &UpstreamError{Kind: ErrUpstreamAuth, Operation: "authenticate", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", &UpstreamError{Kind: ErrUpstreamAuth, Operation: "authenticate", StatusCode: resp.StatusCode, Err: err}
	}
	token = strings.TrimSpace(payload.AccessToken)
	if token == "" {
		return "", &UpstreamError{Kind: ErrUpstreamAuth, Operation: "authenticate", StatusCode: resp.StatusCode, Body: string(body), Err: errors.New("empty access token")}
	}

	return token, nil
}

func (p *MpesaProvider) InitiatePush(ctx context.Context, input *PushInput) (out *PushOutput, err error) {
	ctx, span := tracer.Start(ctx, "mpesa.stk_push")
	span.SetAttributes(attribute.String("payment.account_reference", input.AccountReference))
	start := time.Now()
	defer func() {
		metrics.ObserveGatewayRequest("stk_push", start, err)
		endSpan(span, err)
	}()

	phone, err := NormalizePhoneNumber(input.PhoneNumber)
	if err != nil {
		return nil, err
	}

	amount := input.Amount.Round(0)
	if amount.LessThan(decimal.NewFromInt(1)) {
		return nil, &UpstreamError{Kind: ErrUpstreamRequest, Operation: "stk_push", Err: fmt.Errorf("amount %s rounds below one unit", input.Amount.String())}
	}

	callbackURL := joinCallbackURL(p.cfg.CallbackBaseURL, input.CallbackHash)
	if callbackURL == "" {
		return nil, &UpstreamError{Kind: ErrUpstreamRequest, Operation: "stk_push", Err: errors.New("mpesa callback base url is not configured")}
	}

	token, err := p.Authenticate(ctx)
	if err != nil {
		return nil, err
	}

	description := strings.TrimSpace(input.Description)
	if description == "" {
		description = p.cfg.DefaultDescription
	}

	timestamp := p.timestamp()
	request := map[string]interface{}{
		"BusinessShortCode": p.cfg.BusinessShortCode,
		"Password":          GeneratePassword(p.cfg.BusinessShortCode, p.cfg.PassKey, timestamp),
		"Timestamp":         timestamp,
		"TransactionType":   p.cfg.TransactionType,
		"Amount":            amount.IntPart(),
		"PartyA":            phone,
		"PartyB":            p.cfg.BusinessShortCode,
		"PhoneNumber":       phone,
		"CallBackURL":       callbackURL,
		"AccountReference":  input.AccountReference,
		"TransactionDesc":   description,
	}

	body, statusCode, err := p.postJSON(ctx, token, "/mpesa/stkpush/v1/processrequest", request)
	if err != nil {
		return nil, &UpstreamError{Kind: ErrUpstreamRequest, Operation: "stk_push", Err: err}
	}
	if statusCode < 200 || statusCode >= 300 {
		return nil, &UpstreamError{Kind: ErrUpstreamRequest, Operation: "stk_push", StatusCode: statusCode, Body: string(body)}
	}

	var payload struct {
		MerchantRequestID   string     `json:"MerchantRequestID"`
		CheckoutRequestID   string     `json:"CheckoutRequestID"`
		ResponseCode        flexString `json:"ResponseCode"`
		ResponseDescription string     `json:"ResponseDescription"`
		CustomerMessage     string     `json:"CustomerMessage"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &UpstreamError{Kind: ErrUpstreamRequest, Operation: "stk_push", StatusCode: statusCode, Body: string(body), Err: err}
	}
	if string(payload.ResponseCode) != "0" || strings.TrimSpace(payload.CheckoutRequestID) == "" {
		return nil, &UpstreamError{Kind: ErrUpstreamRequest, Operation: "stk_push", StatusCode: statusCode, Body: string(body)}
	}

	return &PushOutput{
		ExternalReference: strings.TrimSpace(payload.CheckoutRequestID),
		MerchantRequestID: strings.TrimSpace(payload.MerchantRequestID),
		CustomerMessage:   strings.TrimSpace(payload.CustomerMessage),
		RawResponse:       string(body),
	}, nil
}

func (p *MpesaProvider) QueryStatus(ctx context.Context, externalReference string) (result *StatusResult, err error) {
	ctx, span := tracer.Start(ctx, "mpesa.stk_query")
	span.SetAttributes(attribute.String("payment.external_reference", externalReference))
	start := time.Now()
	defer func() {
		metrics.ObserveGatewayRequest("stk_query", start, err)
		endSpan(span, err)
	}()

	externalReference = strings.TrimSpace(externalReference)
	if externalReference == "" {
		return nil, &UpstreamError{Kind: ErrUpstreamRequest, Operation: "stk_query", Err: errors.New("checkout request id is required")}
	}

	token, err := p.Authenticate(ctx)
	if err != nil {
		return nil, err
	}

	timestamp := p.timestamp()
	request := map[string]interface{}{
		"BusinessShortCode": p.cfg.BusinessShortCode,
		"Password":          GeneratePassword(p.cfg.BusinessShortCode, p.cfg.PassKey, timestamp),
		"Timestamp":         timestamp,
		"CheckoutRequestID": externalReference,
	}

	body, statusCode, err := p.postJSON(ctx, token, "/mpesa/stkpushquery/v1/query", request)
	if err != nil {
		return nil, &UpstreamError{Kind: ErrUpstreamRequest, Operation: "stk_query", Err: err}
	}

	var payload struct {
		CheckoutRequestID string     `json:"CheckoutRequestID"`
		ResultCode        flexString `json:"ResultCode"`
		ResultDesc        string     `json:"ResultDesc"`
		MpesaReceipt      string     `json:"MpesaReceiptNumber"`
		ErrorCode         string     `json:"errorCode"`
		ErrorMessage      string     `json:"errorMessage"`
	}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, &UpstreamError{Kind: ErrUpstreamRequest, Operation: "stk_query", StatusCode: statusCode, Body: string(body), Err: err}
		}
	}

	result = &StatusResult{
		ExternalReference: externalReference,
		ResultCode:        string(payload.ResultCode),
		ResultDesc:        strings.TrimSpace(payload.ResultDesc),
		TransactionID:     strings.TrimSpace(payload.MpesaReceipt),
		RawResponse:       string(body),
	}

	if payload.ErrorCode == mpesaStillProcessingCode {
		result.Status = entity.PaymentStatusPending
		result.ResultDesc = strings.TrimSpace(payload.ErrorMessage)
		return result, nil
	}
	if statusCode < 200 || statusCode >= 300 {
		return nil, &UpstreamError{Kind: ErrUpstreamRequest, Operation: "stk_query", StatusCode: statusCode, Body: string(body)}
	}

	switch result.ResultCode {
	case "":
		result.Status = entity.PaymentStatusPending
	case "0":
		result.Status = entity.PaymentStatusCompleted
	default:
		result.Status = entity.PaymentStatusFailed
	}

	return result, nil
}

// ParseCallback decodes an STK callback body. It has no side effects.
func (p *MpesaProvider) ParseCallback(payload []byte) (*CallbackResult, error) {
	return ParseStkCallback(payload)
}

func ParseStkCallback(payload []byte) (*CallbackResult, error) {
	var envelope struct {
		Body *struct {
			StkCallback *struct {
				MerchantRequestID string      `json:"MerchantRequestID"`
				CheckoutRequestID string      `json:"CheckoutRequestID"`
				ResultCode        *flexString `json:"ResultCode"`
				ResultDesc        string      `json:"ResultDesc"`
				CallbackMetadata  *struct {
					Item []struct {
						Name  string          `json:"Name"`
						Value json.RawMessage `json:"Value"`
					} `json:"Item"`
				} `json:"CallbackMetadata"`
			} `json:"stkCallback"`
		} `json:"Body"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCallback, err)
	}
	if envelope.Body == nil || envelope.Body.StkCallback == nil {
		return nil, fmt.Errorf("%w: missing Body.stkCallback", ErrInvalidCallback)
	}

	cb := envelope.Body.StkCallback
	correlationID := strings.TrimSpace(cb.CheckoutRequestID)
	if correlationID == "" {
		return nil, fmt.Errorf("%w: missing CheckoutRequestID", ErrInvalidCallback)
	}
	if cb.ResultCode == nil {
		return nil, fmt.Errorf("%w: missing ResultCode", ErrInvalidCallback)
	}

	var resultCode int
	if _, err := fmt.Sscanf(string(*cb.ResultCode), "%d", &resultCode); err != nil {
		return nil, fmt.Errorf("%w: non-numeric ResultCode %q", ErrInvalidCallback, string(*cb.ResultCode))
	}

	result := &CallbackResult{
		CorrelationID:     correlationID,
		MerchantRequestID: strings.TrimSpace(cb.MerchantRequestID),
		ResultCode:        resultCode,
	}

	if resultCode != 0 {
		result.Reason = strings.TrimSpace(cb.ResultDesc)
		return result, nil
	}

	items := map[string]string{}
	if cb.CallbackMetadata != nil {
		for _, item := range cb.CallbackMetadata.Item {
			items[item.Name] = rawValueString(item.Value)
		}
	}

	result.Success = true
	result.TransactionID = items["MpesaReceiptNumber"]
	if result.TransactionID == "" {
		return nil, fmt.Errorf("%w: successful callback without MpesaReceiptNumber", ErrInvalidCallback)
	}
	if raw := items["Amount"]; raw != "" {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid Amount %q", ErrInvalidCallback, raw)
		}
		result.Amount = amount
	}
	result.PhoneNumber = items["PhoneNumber"]
	if raw := items["TransactionDate"]; raw != "" {
		if confirmedAt, err := time.ParseInLocation(mpesaTimestampLayout, raw, eatLocation); err == nil {
			utc := confirmedAt.UTC()
			result.ConfirmedAt = &utc
		}
	}

	return result, nil
}

// GeneratePassword builds the STK password: base64(shortCode + passKey + timestamp).
func GeneratePassword(shortCode, passKey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passKey + timestamp))
}

func (p *MpesaProvider) timestamp() string {
	return p.now().UTC().Format(mpesaTimestampLayout)
}

func (p *MpesaProvider) postJSON(ctx context.Context, token, path string, payload interface{}) ([]byte, int, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}

	return body, resp.StatusCode, nil
}

func joinCallbackURL(baseURL, callbackHash string) string {
	baseURL = strings.TrimSpace(strings.TrimRight(baseURL, "/"))
	callbackHash = strings.TrimSpace(callbackHash)
	if baseURL == "" || callbackHash == "" {
		return ""
	}
	return baseURL + "/" + callbackHash
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// flexString accepts both JSON strings and numbers; Daraja is inconsistent
// about ResultCode and ResponseCode types.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	*f = flexString(rawValueString(data))
	return nil
}

func rawValueString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return strings.TrimSpace(s)
		}
	}
	return strings.TrimSpace(string(raw))
}
