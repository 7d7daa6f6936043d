package cmd

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/feminafit/ms-go-payments/app/controller"
	"github.com/feminafit/ms-go-payments/app/events"
	paymentgrpc "github.com/feminafit/ms-go-payments/app/grpc"
	"github.com/feminafit/ms-go-payments/app/middleware"
	"github.com/feminafit/ms-go-payments/app/provider"
	"github.com/feminafit/ms-go-payments/app/repository"
	"github.com/feminafit/ms-go-payments/app/service"
	"github.com/feminafit/ms-go-payments/app/session"
	"github.com/feminafit/ms-go-payments/app/telemetry"
	"github.com/feminafit/ms-go-payments/config"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and gRPC servers",
	Long:  "Start both HTTP (Echo) and gRPC servers for the payments service.",
	Run:   runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

type statePublisher interface {
	PublishStateChanged(ctx context.Context, event *events.StateChanged) error
	Close() error
}

func runServe(_ *cobra.Command, _ []string) {
	cfg, paymentService, cleanup := mustCreatePaymentService()
	defer cleanup()

	sessionManager := session.NewManager(cfg.Session.Secret, cfg.Session.TTL, cfg.App.ServiceName)

	var idempotencyStore middleware.IdempotencyStore
	if cfg.Redis.Addr != "" {
		redisClient := mustCreateRedisClient(cfg)
		defer func() {
			if err := redisClient.Close(); err != nil {
				logrus.WithError(err).Warn("Failed to close redis client")
			}
		}()
		idempotencyStore = middleware.NewRedisIdempotencyStore(redisClient, cfg.Redis.IdempotencyTTL)
	} else {
		logrus.Info("REDIS_ADDR not set, idempotency keys are ignored")
	}

	paymentController := controller.NewPaymentController(paymentService)
	grpcPaymentServer := paymentgrpc.NewServer(paymentService)
	sessionMiddleware := middleware.NewSessionMiddleware(sessionManager, cfg.Session.CookieName)

	e := setupHTTPServer(paymentController, sessionMiddleware, idempotencyStore)
	grpcSrv, lis := setupGRPCServer(cfg, grpcPaymentServer, sessionManager)

	go func() {
		httpAddr := net.JoinHostPort(cfg.HTTP.Host, cfg.HTTP.Port)
		logrus.WithField("addr", httpAddr).Info("Starting HTTP server")
		if err := e.Start(httpAddr); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("HTTP server error")
		}
	}()

	go func() {
		logrus.WithField("addr", lis.Addr().String()).Info("Starting gRPC server")
		if err := grpcSrv.Serve(lis); err != nil {
			logrus.WithError(err).Fatal("gRPC server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("HTTP shutdown error")
	}
	grpcSrv.GracefulStop()

	logrus.Info("Server stopped")
}

func setupHTTPServer(
	paymentController *controller.PaymentController,
	sessionMiddleware *middleware.SessionMiddleware,
	idempotencyStore middleware.IdempotencyStore,
) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.RequestID())
	e.Use(echomiddleware.RequestLoggerWithConfig(echomiddleware.RequestLoggerConfig{
		LogURI:       true,
		LogStatus:    true,
		LogMethod:    true,
		LogRemoteIP:  true,
		LogLatency:   true,
		LogUserAgent: true,
		LogError:     true,
		HandleError:  true,
		LogRequestID: true,
		LogValuesFunc: func(_ echo.Context, v echomiddleware.RequestLoggerValues) error {
			fields := logrus.Fields{
				"remote_ip":  v.RemoteIP,
				"host":       v.Host,
				"method":     v.Method,
				"uri":        v.URI,
				"status":     v.Status,
				"latency":    v.Latency.String(),
				"latency_ns": v.Latency.Nanoseconds(),
				"user_agent": v.UserAgent,
				"request_id": v.RequestID,
			}
			entry := logrus.WithFields(fields)
			if v.Error != nil {
				entry = entry.WithError(v.Error)
			}
			entry.Info("http_request")
			return nil
		},
	}))
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORS())

	e.GET("/health", paymentController.Health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Gateway callbacks carry no session; the unguessable hash binds them to a payment.
	mpesa := e.Group("/api/payments/mpesa")
	mpesa.POST("/callback", paymentController.HandleMpesaCallback)
	mpesa.POST("/callback/:hash", paymentController.HandleMpesaCallback)

	payments := e.Group("/api/payments", sessionMiddleware.RequireSession())
	payments.POST("/stk-push", paymentController.InitiatePayment, middleware.Idempotency(idempotencyStore))
	payments.GET("", paymentController.ListPayments)
	payments.GET("/:id/status", paymentController.GetPaymentStatus)
	payments.POST("/:id/query", paymentController.QueryPaymentStatus)

	return e
}

func setupGRPCServer(
	cfg *config.Config,
	paymentServer *paymentgrpc.Server,
	sessionManager *session.Manager,
) (*grpc.Server, net.Listener) {
	grpcAddr := net.JoinHostPort(cfg.GRPC.Host, cfg.GRPC.Port)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to listen on gRPC port")
	}

	grpcSrv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			paymentgrpc.RecoveryInterceptor(),
			paymentgrpc.RequestIDInterceptor(),
			paymentgrpc.LoggingInterceptor(),
			paymentgrpc.SessionInterceptor(sessionManager, paymentgrpc.MethodHealth),
		),
	)
	paymentgrpc.RegisterPaymentsServiceServer(grpcSrv, paymentServer)

	return grpcSrv, lis
}

func mustCreateRedisClient(cfg *config.Config) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		logrus.WithError(err).Fatal("Failed to ping redis")
	}

	return client
}

func mustCreatePaymentService() (*config.Config, *service.PaymentService, func()) {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	if err := configureLogging(cfg); err != nil {
		logrus.WithError(err).Fatal("Failed to configure logging")
	}

	shutdownTracing, err := telemetry.InitTracing(context.Background(), cfg.App.ServiceName, cfg.Tracing.OTLPEndpoint, cfg.Tracing.Insecure)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize tracing")
	}

	db := mustOpenDatabase(cfg)

	paymentRepo := repository.NewPaymentRepository(db)
	eventRepo := repository.NewPaymentEventRepository(db)
	callbackRepo := repository.NewPaymentCallbackRepository(db)

	mpesaProvider := provider.NewMpesaProvider(provider.MpesaConfig{
		ConsumerKey:        cfg.Mpesa.ConsumerKey,
		ConsumerSecret:     cfg.Mpesa.ConsumerSecret,
		BusinessShortCode:  cfg.Mpesa.BusinessShortCode,
		PassKey:            cfg.Mpesa.PassKey,
		Environment:        cfg.Mpesa.Environment,
		BaseURL:            cfg.Mpesa.BaseURL,
		CallbackBaseURL:    cfg.Mpesa.CallbackBaseURL,
		TransactionType:    cfg.Mpesa.TransactionType,
		DefaultDescription: cfg.Mpesa.DefaultDescription,
		HTTPTimeout:        cfg.Mpesa.HTTPTimeout,
	})

	var publisher statePublisher = events.NoopPublisher{}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	}

	providerRegistry := provider.NewRegistry(mpesaProvider)
	paymentService := service.NewPaymentService(
		paymentRepo,
		eventRepo,
		callbackRepo,
		providerRegistry,
		publisher,
		cfg.Payments,
		cfg.App.APIKey,
	)

	cleanup := func() {
		if err := publisher.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close event publisher")
		}
		if err := db.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close database")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logrus.WithError(err).Warn("Failed to flush traces")
		}
	}

	return cfg, paymentService, cleanup
}
