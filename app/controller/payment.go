package controller

import (
	"errors"
	"net/http"

	"github.com/feminafit/ms-go-payments/app/factory"
	"github.com/feminafit/ms-go-payments/app/mapper"
	"github.com/feminafit/ms-go-payments/app/middleware"
	"github.com/feminafit/ms-go-payments/app/service"
	"github.com/feminafit/ms-go-payments/app/types"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

const upstreamFailureMessage = "Payment request could not be sent. Please try again."

type PaymentController struct {
	paymentService *service.PaymentService
	logger         logrus.FieldLogger
}

func NewPaymentController(paymentService *service.PaymentService) *PaymentController {
	return &PaymentController{
		paymentService: paymentService,
		logger:         factory.NewModuleLogger("payments-controller"),
	}
}

func (c *PaymentController) Health(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, &types.HealthResponse{Status: "ok"})
}

func (c *PaymentController) InitiatePayment(ctx echo.Context) error {
	req, err := types.NewInitiatePaymentRequestFromContext(ctx, middleware.SubjectFromContext(ctx))
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	result, err := c.paymentService.InitiatePayment(ctx.Request().Context(), req)
	if err != nil {
		logger := factory.LoggerWithContext(c.logger, ctx)
		switch {
		case errors.Is(err, service.ErrValidation), errors.Is(err, service.ErrProviderUnsupported):
			return c.writeError(ctx, http.StatusBadRequest, err.Error())
		case errors.Is(err, service.ErrUpstreamAuth), errors.Is(err, service.ErrUpstreamRequest):
			logger.WithError(err).Warn("Initiate payment upstream failure")
			resp := &types.InitiatePaymentResponse{
				Success: false,
				Message: upstreamFailureMessage,
				Error:   err.Error(),
			}
			if result != nil && result.Payment != nil {
				resp.PaymentId = result.Payment.ID
				resp.Status = result.Payment.Status
			}
			return ctx.JSON(http.StatusBadGateway, resp)
		default:
			logger.WithError(err).Error("Initiate payment failed")
			return c.writeError(ctx, http.StatusInternalServerError, "internal server error")
		}
	}

	payment := result.Payment
	resp := &types.InitiatePaymentResponse{
		Success:           true,
		PaymentId:         payment.ID,
		ExternalReference: derefString(payment.ExternalReference),
		Status:            payment.Status,
		Message:           result.Message,
	}
	middleware.RememberResponse(ctx, resp)

	return ctx.JSON(http.StatusOK, resp)
}

// HandleMpesaCallback always acknowledges; the gateway retries anything else
// and the outcome is already recorded in the callback audit.
func (c *PaymentController) HandleMpesaCallback(ctx echo.Context) error {
	ack := types.NewCallbackAck()

	req, err := types.NewProviderCallbackRequestFromContext(ctx, "mpesa")
	if err != nil {
		factory.LoggerWithContext(c.logger, ctx).WithError(err).Warn("Unreadable provider callback")
		return ctx.JSON(http.StatusOK, ack)
	}
	if err := req.Validate(); err != nil {
		factory.LoggerWithContext(c.logger, ctx).WithError(err).Warn("Invalid provider callback")
		return ctx.JSON(http.StatusOK, ack)
	}

	payment, err := c.paymentService.HandleProviderCallback(ctx.Request().Context(), req)
	logger := factory.LoggerWithContext(c.logger, ctx)
	switch {
	case err == nil:
		logger.WithFields(logrus.Fields{"payment_id": payment.ID, "status": payment.Status}).Info("Provider callback applied")
	case errors.Is(err, service.ErrAlreadyTerminal):
		logger.WithField("payment_id", payment.ID).Debug("Provider callback for terminal payment")
	case errors.Is(err, service.ErrCallbackRejected), errors.Is(err, service.ErrPaymentNotFound), errors.Is(err, service.ErrProviderUnsupported):
		logger.WithError(err).Warn("Provider callback rejected")
	default:
		logger.WithError(err).Error("Handle provider callback failed")
	}

	return ctx.JSON(http.StatusOK, ack)
}

func (c *PaymentController) GetPaymentStatus(ctx echo.Context) error {
	req, err := types.NewGetPaymentRequestFromContext(ctx, middleware.SubjectFromContext(ctx))
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	item, err := c.paymentService.GetPayment(ctx.Request().Context(), req.GetId(), req.GetCustomerRef())
	if err != nil {
		if errors.Is(err, service.ErrPaymentNotFound) {
			return c.writeError(ctx, http.StatusNotFound, "payment not found")
		}
		factory.LoggerWithContext(c.logger, ctx).WithError(err).Error("Get payment failed")
		return c.writeError(ctx, http.StatusInternalServerError, "internal server error")
	}

	return ctx.JSON(http.StatusOK, &types.PaymentStatusResponse{Status: item.Status, Payment: mapper.PaymentToResponse(item)})
}

func (c *PaymentController) QueryPaymentStatus(ctx echo.Context) error {
	req, err := types.NewGetPaymentRequestFromContext(ctx, middleware.SubjectFromContext(ctx))
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	item, err := c.paymentService.QueryPaymentStatus(ctx.Request().Context(), req.GetId(), req.GetCustomerRef())
	if err != nil {
		logger := factory.LoggerWithContext(c.logger, ctx)
		switch {
		case errors.Is(err, service.ErrPaymentNotFound):
			return c.writeError(ctx, http.StatusNotFound, "payment not found")
		case errors.Is(err, service.ErrUpstreamAuth), errors.Is(err, service.ErrUpstreamRequest):
			logger.WithError(err).Warn("Payment status query upstream failure")
			return c.writeError(ctx, http.StatusBadGateway, err.Error())
		default:
			logger.WithError(err).Error("Query payment status failed")
			return c.writeError(ctx, http.StatusInternalServerError, "internal server error")
		}
	}

	return ctx.JSON(http.StatusOK, &types.PaymentStatusResponse{Status: item.Status, Payment: mapper.PaymentToResponse(item)})
}

func (c *PaymentController) ListPayments(ctx echo.Context) error {
	req, err := types.NewListPaymentsRequestFromContext(ctx, middleware.SubjectFromContext(ctx))
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	items, err := c.paymentService.ListPayments(ctx.Request().Context(), req)
	if err != nil {
		if errors.Is(err, service.ErrValidation) {
			return c.writeError(ctx, http.StatusBadRequest, err.Error())
		}
		factory.LoggerWithContext(c.logger, ctx).WithError(err).Error("List payments failed")
		return c.writeError(ctx, http.StatusInternalServerError, "internal server error")
	}

	return ctx.JSON(http.StatusOK, &types.ListPaymentsResponse{Payments: mapper.PaymentsToResponse(items)})
}

func (c *PaymentController) writeError(ctx echo.Context, statusCode int, message string) error {
	return ctx.JSON(statusCode, &types.ErrorResponse{Error: message})
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
