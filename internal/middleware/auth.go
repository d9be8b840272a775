package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/anonto42/tilt/backend/internal/session"
	"github.com/anonto42/tilt/backend/pkg/logger"
)

// SessionKey is the echo context key of the request's *session.Holder.
const SessionKey = "session"

// SignInHook runs once per authenticated request, before the handler.
type SignInHook func(ctx context.Context, u session.User) error

// AuthMiddleware verifies the bearer token and stores the session in the
// context. WebSocket clients, which cannot set headers, may pass the token
// as the "token" query parameter.
func AuthMiddleware(verifier session.Verifier, onSignIn SignInHook) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token, err := bearerToken(c)
			if err != nil {
				return err
			}

			user, err := verifier.Verify(c.Request().Context(), token)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid or expired token")
			}

			if onSignIn != nil {
				if err := onSignIn(c.Request().Context(), *user); err != nil {
					logger.Log.Error("sign-in hook failed", zap.String("uid", user.UID), zap.Error(err))
					return echo.NewHTTPError(http.StatusServiceUnavailable, "Could not load profile")
				}
			}

			c.Set(SessionKey, session.NewHolder(user))
			return next(c)
		}
	}
}

func bearerToken(c echo.Context) (string, error) {
	authHeader := c.Request().Header.Get("Authorization")
	if authHeader == "" {
		if t := c.QueryParam("token"); t != "" {
			return t, nil
		}
		return "", echo.NewHTTPError(http.StatusUnauthorized, "Authorization header is missing")
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "Authorization header must be in Bearer format")
	}
	return parts[1], nil
}

// Session returns the request's session provider.
func Session(c echo.Context) session.Provider {
	if h, ok := c.Get(SessionKey).(*session.Holder); ok {
		return h
	}
	return session.NewHolder(nil)
}

// CurrentUser returns the signed-in user or nil.
func CurrentUser(c echo.Context) *session.User {
	return Session(c).CurrentUser()
}
