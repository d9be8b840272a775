package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anonto42/tilt/backend/internal/session"
)

func run(t *testing.T, mw echo.MiddlewareFunc, req *http.Request) (*session.User, error) {
	t.Helper()
	e := echo.New()
	c := e.NewContext(req, httptest.NewRecorder())
	var got *session.User
	err := mw(func(c echo.Context) error {
		got = CurrentUser(c)
		return nil
	})(c)
	return got, err
}

func TestAuthMiddleware(t *testing.T) {
	v := session.JWTVerifier{Secret: []byte("k")}
	token, err := v.Sign(session.User{UID: "u1"}, time.Hour)
	require.NoError(t, err)

	var signedIn []string
	mw := AuthMiddleware(v, func(_ context.Context, u session.User) error {
		signedIn = append(signedIn, u.UID)
		return nil
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	u, err := run(t, mw, req)
	require.NoError(t, err)
	assert.Equal(t, "u1", u.UID)
	assert.Equal(t, []string{"u1"}, signedIn)

	u, err = run(t, mw, httptest.NewRequest(http.MethodGet, "/live?token="+token, nil))
	require.NoError(t, err)
	assert.Equal(t, "u1", u.UID)
}

func TestAuthMiddleware_Rejects(t *testing.T) {
	v := session.JWTVerifier{Secret: []byte("k")}
	mw := AuthMiddleware(v, nil)

	_, err := run(t, mw, httptest.NewRequest(http.MethodGet, "/", nil))
	var he *echo.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusUnauthorized, he.Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Token abc")
	_, err = run(t, mw, req)
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusUnauthorized, he.Code)

	token, _ := v.Sign(session.User{UID: "u1"}, time.Hour)
	failing := AuthMiddleware(v, func(context.Context, session.User) error { return errors.New("db down") })
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	_, err = run(t, failing, req)
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusServiceUnavailable, he.Code)
}
