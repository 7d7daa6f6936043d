package cmd

import (
	"fmt"
	"strings"

	"github.com/feminafit/ms-go-payments/app/session"
	"github.com/feminafit/ms-go-payments/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	sessionSubject    string
	sessionAttributes []string
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Session token utilities",
}

var sessionIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Sign a session token for the given subject",
	Run: func(_ *cobra.Command, _ []string) {
		cfg, err := config.Load()
		if err != nil {
			logrus.WithError(err).Fatal("Failed to load configuration")
		}
		if err := configureLogging(cfg); err != nil {
			logrus.WithError(err).Fatal("Failed to configure logging")
		}

		attrs, err := parseAttributes(sessionAttributes)
		if err != nil {
			logrus.WithError(err).Fatal("Invalid --attr value")
		}

		manager := session.NewManager(cfg.Session.Secret, cfg.Session.TTL, cfg.App.ServiceName)
		token, claims, err := manager.Issue(sessionSubject, attrs)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to issue session token")
		}

		logrus.WithField("subject", claims.Subject).
			WithField("expires_at", claims.ExpiresAt.Time.UTC().Format("2006-01-02T15:04:05Z07:00")).
			Info("session_issued")
		fmt.Println(token)
	},
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionIssueCmd)

	sessionIssueCmd.Flags().StringVar(&sessionSubject, "subject", "", "Session subject, usually the member email")
	sessionIssueCmd.Flags().StringArrayVar(&sessionAttributes, "attr", nil, "Extra claim as key=value (repeatable)")
	_ = sessionIssueCmd.MarkFlagRequired("subject")
}

func parseAttributes(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	attrs := make(map[string]string, len(raw))
	for _, item := range raw {
		key, value, ok := strings.Cut(item, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", item)
		}
		attrs[key] = strings.TrimSpace(value)
	}
	return attrs, nil
}
