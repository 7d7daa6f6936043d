package middleware

import (
	"net/http"
	"strings"

	"github.com/feminafit/ms-go-payments/app/factory"
	"github.com/feminafit/ms-go-payments/app/session"
	"github.com/feminafit/ms-go-payments/app/types"
	"github.com/labstack/echo/v4"
)

const subjectContextKey = "session_subject"

type tokenVerifier interface {
	Verify(token string) (*session.Claims, error)
}

type SessionMiddleware struct {
	verifier   tokenVerifier
	cookieName string
}

func NewSessionMiddleware(verifier tokenVerifier, cookieName string) *SessionMiddleware {
	return &SessionMiddleware{verifier: verifier, cookieName: cookieName}
}

// RequireSession accepts a bearer token or the session cookie. Any
// verification failure is answered with 401.
func (m *SessionMiddleware) RequireSession() echo.MiddlewareFunc {
	logger := factory.NewModuleLogger("session-middleware")

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			token := m.tokenFromRequest(ctx)
			if token == "" {
				return ctx.JSON(http.StatusUnauthorized, &types.ErrorResponse{Error: "unauthorized"})
			}

			claims, err := m.verifier.Verify(token)
			if err != nil {
				factory.LoggerWithContext(logger, ctx).WithError(err).Debug("Session rejected")
				return ctx.JSON(http.StatusUnauthorized, &types.ErrorResponse{Error: "unauthorized"})
			}

			ctx.Set(subjectContextKey, claims.Subject)
			return next(ctx)
		}
	}
}

func (m *SessionMiddleware) tokenFromRequest(ctx echo.Context) string {
	auth := strings.TrimSpace(ctx.Request().Header.Get(echo.HeaderAuthorization))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	if m.cookieName == "" {
		return ""
	}
	cookie, err := ctx.Cookie(m.cookieName)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

// SubjectFromContext returns the verified session subject, or "" on routes
// without RequireSession.
func SubjectFromContext(ctx echo.Context) string {
	subject, _ := ctx.Get(subjectContextKey).(string)
	return subject
}
