package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/feminafit/ms-go-payments/app/client"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	statusBaseURL     string
	statusToken       string
	statusInterval    time.Duration
	statusMaxAttempts int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Payment status utilities",
}

var statusWaitCmd = &cobra.Command{
	Use:   "wait <payment-id>",
	Short: "Poll a payment until it completes or fails",
	Args:  cobra.ExactArgs(1),
	Run:   runStatusWait,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.AddCommand(statusWaitCmd)

	statusWaitCmd.Flags().StringVar(&statusBaseURL, "base-url", envOrDefault("PAYMENTS_BASE_URL", "http://localhost:8080"), "Payments HTTP base URL")
	statusWaitCmd.Flags().StringVar(&statusToken, "token", os.Getenv("PAYMENTS_SESSION_TOKEN"), "Session token for the payment owner")
	statusWaitCmd.Flags().DurationVar(&statusInterval, "interval", client.DefaultPollInterval, "Delay between status reads")
	statusWaitCmd.Flags().IntVar(&statusMaxAttempts, "attempts", client.DefaultPollMaxAttempts, "Maximum number of status reads")
}

func runStatusWait(_ *cobra.Command, args []string) {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	if statusToken == "" {
		logrus.Fatal("A session token is required (--token or PAYMENTS_SESSION_TOKEN)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := client.New(statusBaseURL, statusToken, 0)
	resp, err := api.WaitForTerminal(ctx, args[0], client.PollConfig{
		Interval:    statusInterval,
		MaxAttempts: statusMaxAttempts,
	})

	if resp != nil {
		out, _ := json.MarshalIndent(resp, "", "  ")
		fmt.Println(string(out))
	}

	entry := logrus.WithField("payment_id", args[0])
	switch {
	case err == nil:
		entry.Info("Payment completed")
	case errors.Is(err, client.ErrPaymentFailed):
		entry.Warn("Payment failed")
		os.Exit(1)
	case errors.Is(err, client.ErrVerificationTimeout):
		entry.Warn(err.Error())
		os.Exit(2)
	default:
		entry.WithError(err).Error("Status polling aborted")
		os.Exit(1)
	}
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
