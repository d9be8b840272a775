package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/anonto42/tilt/backend/internal/docpath"
	"github.com/anonto42/tilt/backend/internal/docstore"
	"github.com/anonto42/tilt/backend/internal/middleware"
	"github.com/anonto42/tilt/backend/internal/posts"
	"github.com/anonto42/tilt/backend/internal/reaction"
	"github.com/anonto42/tilt/backend/internal/repositories"
	"github.com/anonto42/tilt/backend/internal/session"
	"github.com/anonto42/tilt/backend/internal/social"
	"github.com/anonto42/tilt/backend/pkg/logger"
)

// httpError maps a domain error to its HTTP status.
func httpError(err error) error {
	var (
		malformed *docpath.MalformedPathError
		dup       *repositories.DuplicateNameError
		conflict  *docstore.WriteConflictError
		verrs     validator.ValidationErrors
		he        *echo.HTTPError
	)
	switch {
	case errors.As(err, &he):
		return he
	case errors.As(err, &malformed), errors.As(err, &verrs),
		errors.Is(err, posts.ErrEmpty), errors.Is(err, social.ErrSelfFollow):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrUnauthenticated):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case docstore.IsNotFound(err):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.As(err, &dup), errors.Is(err, repositories.ErrDuplicateID),
		errors.Is(err, reaction.ErrBusy), errors.Is(err, social.ErrBusy):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.As(err, &conflict):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	logger.Log.Error("request failed", zap.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, "Internal server error")
}

// currentUID returns the signed-in uid or a 401.
func currentUID(c echo.Context) (string, error) {
	if u := middleware.CurrentUser(c); u != nil {
		return u.UID, nil
	}
	return "", echo.NewHTTPError(http.StatusUnauthorized, "User not authenticated")
}

// encodeCursor renders a feed position as "<createdAt>:<id>".
func encodeCursor(b *docstore.Bound) string {
	if b == nil {
		return ""
	}
	var v int64
	switch n := b.Value.(type) {
	case int64:
		v = n
	case int:
		v = int64(n)
	case float64:
		v = int64(n)
	}
	return strconv.FormatInt(v, 10) + ":" + b.ID
}

func decodeCursor(s string) (*docstore.Bound, error) {
	if s == "" {
		return nil, nil
	}
	at, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "Invalid cursor")
	}
	n, err := strconv.ParseInt(at, 10, 64)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "Invalid cursor")
	}
	return &docstore.Bound{Value: n, ID: id}, nil
}

func pageSize(c echo.Context, def int) int {
	if n, err := strconv.Atoi(c.QueryParam("limit")); err == nil && n > 0 && n <= 50 {
		return n
	}
	return def
}
