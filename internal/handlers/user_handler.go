package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/anonto42/tilt/backend/internal/feed"
	"github.com/anonto42/tilt/backend/internal/models"
	"github.com/anonto42/tilt/backend/internal/profile"
)

// UserHandler handles profile requests
type UserHandler struct {
	profiles *profile.Service
	pageSize int
}

// NewUserHandler creates a new UserHandler
func NewUserHandler(profiles *profile.Service, pageSize int) *UserHandler {
	if pageSize <= 0 {
		pageSize = feed.DefaultPageSize
	}
	return &UserHandler{profiles: profiles, pageSize: pageSize}
}

// RegisterProfileRoutes registers profile routes
func (h *UserHandler) RegisterProfileRoutes(g *echo.Group) {
	g.GET("/profile", h.GetMe)
	g.PUT("/profile/username", h.UpdateUsername)
	g.GET("/users/:uid", h.GetUser)
	g.GET("/users/:uid/posts", h.GetUserPosts)
}

// GetMe returns the caller's profile
func (h *UserHandler) GetMe(c echo.Context) error {
	uid, err := currentUID(c)
	if err != nil {
		return err
	}
	p, err := h.profiles.Get(c.Request().Context(), uid)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

// GetUser returns a user's profile
func (h *UserHandler) GetUser(c echo.Context) error {
	p, err := h.profiles.Get(c.Request().Context(), c.Param("uid"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

// UpdateUsername sets the caller's display name
func (h *UserHandler) UpdateUsername(c echo.Context) error {
	uid, err := currentUID(c)
	if err != nil {
		return err
	}
	var req models.UpdateUsernameRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request payload")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	if err := h.profiles.Rename(c.Request().Context(), uid, req.Name); err != nil {
		return httpError(err)
	}
	p, err := h.profiles.Get(c.Request().Context(), uid)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

// GetUserPosts returns a page of everything a user posted, replies included
func (h *UserHandler) GetUserPosts(c echo.Context) error {
	after, err := decodeCursor(c.QueryParam("cursor"))
	if err != nil {
		return err
	}
	limit := pageSize(c, h.pageSize)
	docs, err := h.profiles.Posts(c.Request().Context(), c.Param("uid"), after, limit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, page(postsOf(docs), docs, feed.DefaultOrderBy, limit))
}
