//go:build e2e
// +build e2e

package e2e

import (
	"os"
	"strings"
	"testing"

	"github.com/feminafit/ms-go-payments/app/session"
)

const (
	defaultSessionSecret = "e2e-session-secret"
	defaultServiceName   = "payments-service"
)

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

// issueSessionToken signs a token with the same secret and issuer the running
// service was started with.
func issueSessionToken(t *testing.T, subject string) string {
	t.Helper()

	manager := session.NewManager(
		envOrDefault("SESSION_SECRET", defaultSessionSecret),
		session.DefaultTTL,
		envOrDefault("APP_SERVICE_NAME", defaultServiceName),
	)
	token, _, err := manager.Issue(subject, nil)
	if err != nil {
		t.Fatalf("issue session token failed: %v", err)
	}
	return token
}

func foreignSessionToken(t *testing.T, subject string) string {
	t.Helper()

	manager := session.NewManager("not-the-service-secret", session.DefaultTTL, envOrDefault("APP_SERVICE_NAME", defaultServiceName))
	token, _, err := manager.Issue(subject, nil)
	if err != nil {
		t.Fatalf("issue foreign token failed: %v", err)
	}
	return token
}
