package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/anonto42/tilt/backend/internal/models"
	"github.com/anonto42/tilt/backend/internal/social"
)

// FollowHandler handles follow/unfollow HTTP requests
type FollowHandler struct {
	graph *social.Graph
}

// NewFollowHandler creates a new FollowHandler
func NewFollowHandler(graph *social.Graph) *FollowHandler {
	return &FollowHandler{graph: graph}
}

// RegisterFollowRoutes registers follow-related routes
func (h *FollowHandler) RegisterFollowRoutes(g *echo.Group) {
	g.GET("/users/:uid/follow", h.GetFollow)
	g.POST("/users/:uid/follow", h.FollowUser)
	g.DELETE("/users/:uid/follow", h.UnfollowUser)
}

func (h *FollowHandler) respond(c echo.Context, actor, target string) error {
	r, err := h.graph.Relation(c.Request().Context(), actor, target)
	if err != nil {
		return httpError(err)
	}
	defer r.Close()
	following, _ := r.Following()
	return c.JSON(http.StatusOK, models.FollowResponse{
		UID:       target,
		Following: following,
		Followers: r.Followers().Displayed(),
	})
}

// GetFollow reports whether the caller follows a user
func (h *FollowHandler) GetFollow(c echo.Context) error {
	uid, err := currentUID(c)
	if err != nil {
		return err
	}
	return h.respond(c, uid, c.Param("uid"))
}

// FollowUser follows a user
func (h *FollowHandler) FollowUser(c echo.Context) error {
	uid, err := currentUID(c)
	if err != nil {
		return err
	}
	if err := h.graph.Follow(c.Request().Context(), uid, c.Param("uid")); err != nil {
		return httpError(err)
	}
	return h.respond(c, uid, c.Param("uid"))
}

// UnfollowUser unfollows a user
func (h *FollowHandler) UnfollowUser(c echo.Context) error {
	uid, err := currentUID(c)
	if err != nil {
		return err
	}
	if err := h.graph.Unfollow(c.Request().Context(), uid, c.Param("uid")); err != nil {
		return httpError(err)
	}
	return h.respond(c, uid, c.Param("uid"))
}
