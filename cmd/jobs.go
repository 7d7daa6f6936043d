package cmd

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/feminafit/ms-go-payments/app/service"
	"github.com/feminafit/ms-go-payments/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var repeatJobs bool

// paymentJob is one batch over the payment store, run once or on a ticker.
type paymentJob struct {
	name     string
	interval func(cfg *config.Config) time.Duration
	batch    func(ctx context.Context, s *service.PaymentService) error
}

var reconcileJob = paymentJob{
	name:     "reconcile_pending",
	interval: func(cfg *config.Config) time.Duration { return cfg.Jobs.ReconcileInterval },
	batch: func(ctx context.Context, s *service.PaymentService) error {
		return s.RunReconcileBatch(ctx)
	},
}

var dispatchJob = paymentJob{
	name:     "status_callback_dispatch",
	interval: func(cfg *config.Config) time.Duration { return cfg.Jobs.CallbackDispatchInterval },
	batch: func(ctx context.Context, s *service.PaymentService) error {
		return s.RunDispatchCallbacksBatch(ctx)
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Ask M-Pesa about STK pushes still pending after the stale window",
	Long: "Queries the gateway for every pending payment whose push was accepted but which has not " +
		"changed since PAYMENTS_RECONCILE_STALE_AFTER_MINUTES. Completed or failed results are applied " +
		"first-write-wins; payments the gateway still reports as processing stay pending.",
	Run: func(_ *cobra.Command, _ []string) { reconcileJob.run() },
}

var callbacksCmd = &cobra.Command{
	Use:   "callbacks",
	Short: "Status callbacks to order and membership services",
}

var callbacksDispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "POST completed and failed payments to their statusCallbackUrl",
	Long: "Delivers the payment envelope of every terminal payment whose status callback is due. " +
		"Failed deliveries are retried every PAYMENTS_CALLBACK_RETRY_INTERVAL_MINUTES up to " +
		"PAYMENTS_CALLBACK_MAX_ATTEMPTS.",
	Run: func(_ *cobra.Command, _ []string) { dispatchJob.run() },
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(callbacksCmd)
	callbacksCmd.AddCommand(callbacksDispatchCmd)

	rootCmd.PersistentFlags().BoolVar(&repeatJobs, "worker", false, "Keep running and repeat the batch on its configured interval")
}

func (j paymentJob) run() {
	cfg, paymentService, cleanup := mustCreatePaymentService()
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logrus.WithField("job", j.name)
	if !repeatJobs {
		j.runBatch(ctx, log, paymentService)
		return
	}

	interval := j.interval(cfg)
	if interval <= 0 {
		log.Fatal("Job interval must be positive in worker mode")
	}
	log.WithField("interval", interval.String()).Info("Payment job worker started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		j.runBatch(ctx, log, paymentService)
		select {
		case <-ctx.Done():
			log.Info("Payment job worker stopped")
			return
		case <-ticker.C:
		}
	}
}

// runBatch logs one pass as payment_job_done or payment_job_error.
func (j paymentJob) runBatch(ctx context.Context, log logrus.FieldLogger, paymentService *service.PaymentService) {
	started := time.Now()
	err := j.batch(ctx, paymentService)
	fields := logrus.Fields{
		"duration_ms": time.Since(started).Milliseconds(),
		"worker":      repeatJobs,
	}
	if err != nil {
		log.WithFields(fields).WithError(err).Error("payment_job_error")
		return
	}
	log.WithFields(fields).Info("payment_job_done")
}
