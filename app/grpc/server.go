package grpc

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/feminafit/ms-go-payments/app/mapper"
	"github.com/feminafit/ms-go-payments/app/service"
	"github.com/feminafit/ms-go-payments/app/types"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

type paymentIDRequest struct {
	Id string `json:"id"`
}

type Server struct {
	paymentService *service.PaymentService
}

func NewServer(paymentService *service.PaymentService) *Server {
	return &Server{paymentService: paymentService}
}

func (s *Server) Health(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return toStruct(&types.HealthResponse{Status: "ok"})
}

func (s *Server) InitiatePayment(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	l := loggerWithContext(ctx)

	var req types.InitiatePaymentRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid request")
	}
	req.CustomerRef = SubjectFromContext(ctx)
	if err := req.Validate(); err != nil {
		l.WithError(err).Debug("Initiate payment validation failed")
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	result, err := s.paymentService.InitiatePayment(ctx, &req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrValidation), errors.Is(err, service.ErrProviderUnsupported):
			return nil, status.Error(codes.InvalidArgument, err.Error())
		case errors.Is(err, service.ErrUpstreamAuth), errors.Is(err, service.ErrUpstreamRequest):
			l.WithError(err).Warn("Initiate payment upstream failure")
			msg := err.Error()
			if result != nil && result.Payment != nil {
				msg += " (payment " + result.Payment.ID + ")"
			}
			return nil, status.Error(codes.Unavailable, msg)
		default:
			l.WithError(err).Error("Initiate payment failed")
			return nil, status.Error(codes.Internal, "internal server error")
		}
	}

	return toStruct(&types.InitiatePaymentResponse{
		Success:           true,
		PaymentId:         result.Payment.ID,
		ExternalReference: deref(result.Payment.ExternalReference),
		Status:            result.Payment.Status,
		Message:           result.Message,
	})
}

func (s *Server) GetPaymentStatus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := paymentRequestFromStruct(ctx, in)
	if err != nil {
		return nil, err
	}

	item, err := s.paymentService.GetPayment(ctx, req.GetId(), req.GetCustomerRef())
	if err != nil {
		if errors.Is(err, service.ErrPaymentNotFound) {
			return nil, status.Error(codes.NotFound, "payment not found")
		}
		loggerWithContext(ctx).WithError(err).Error("Get payment failed")
		return nil, status.Error(codes.Internal, "internal server error")
	}

	return toStruct(&types.PaymentStatusResponse{Status: item.Status, Payment: mapper.PaymentToResponse(item)})
}

func (s *Server) QueryPaymentStatus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := paymentRequestFromStruct(ctx, in)
	if err != nil {
		return nil, err
	}

	item, err := s.paymentService.QueryPaymentStatus(ctx, req.GetId(), req.GetCustomerRef())
	if err != nil {
		switch {
		case errors.Is(err, service.ErrPaymentNotFound):
			return nil, status.Error(codes.NotFound, "payment not found")
		case errors.Is(err, service.ErrUpstreamAuth), errors.Is(err, service.ErrUpstreamRequest):
			return nil, status.Error(codes.Unavailable, err.Error())
		default:
			loggerWithContext(ctx).WithError(err).Error("Query payment status failed")
			return nil, status.Error(codes.Internal, "internal server error")
		}
	}

	return toStruct(&types.PaymentStatusResponse{Status: item.Status, Payment: mapper.PaymentToResponse(item)})
}

func paymentRequestFromStruct(ctx context.Context, in *structpb.Struct) (*types.GetPaymentRequest, error) {
	var body paymentIDRequest
	if err := fromStruct(in, &body); err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid request")
	}
	req := &types.GetPaymentRequest{Id: body.Id, CustomerRef: SubjectFromContext(ctx)}
	if err := req.Validate(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return req, nil
}

func toStruct(v interface{}) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "internal server error")
	}
	out := &structpb.Struct{}
	if err := out.UnmarshalJSON(raw); err != nil {
		return nil, status.Error(codes.Internal, "internal server error")
	}
	return out, nil
}

func fromStruct(in *structpb.Struct, v interface{}) error {
	if in == nil {
		in = &structpb.Struct{}
	}
	raw, err := in.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
