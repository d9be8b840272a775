package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/anonto42/tilt/backend/internal/docstore"
	"github.com/anonto42/tilt/backend/internal/models"
	"github.com/anonto42/tilt/backend/internal/reaction"
	"github.com/anonto42/tilt/backend/internal/retry"
	"github.com/anonto42/tilt/backend/internal/thread"
)

// ReactionHandler handles likes and dislikes
type ReactionHandler struct {
	store   docstore.Store
	locator thread.Locator
	retry   retry.Policy
}

// NewReactionHandler creates a new ReactionHandler
func NewReactionHandler(store docstore.Store, locator thread.Locator, policy retry.Policy) *ReactionHandler {
	return &ReactionHandler{store: store, locator: locator, retry: policy}
}

// RegisterReactionRoutes registers reaction routes
func (h *ReactionHandler) RegisterReactionRoutes(g *echo.Group) {
	g.GET("/posts/:id/reaction", h.GetReaction)
	g.POST("/posts/:id/like", h.Like)
	g.POST("/posts/:id/dislike", h.Dislike)
}

func (h *ReactionHandler) machine(c echo.Context) (*reaction.Machine, error) {
	uid, err := currentUID(c)
	if err != nil {
		return nil, err
	}
	path, err := h.locator.Locate(c.Request().Context(), c.Param("id"))
	if err != nil {
		return nil, httpError(err)
	}
	m, err := reaction.Load(c.Request().Context(), h.store, uid, path, reaction.Options{Retry: h.retry})
	if err != nil {
		return nil, httpError(err)
	}
	return m, nil
}

func respond(c echo.Context, m *reaction.Machine) error {
	state, _ := m.State()
	return c.JSON(http.StatusOK, models.ReactionResponse{
		PostID:   m.Post().ID(),
		State:    state.String(),
		Likes:    m.Likes().Displayed(),
		Dislikes: m.Dislikes().Displayed(),
	})
}

// GetReaction returns the caller's reaction to a post
func (h *ReactionHandler) GetReaction(c echo.Context) error {
	m, err := h.machine(c)
	if err != nil {
		return err
	}
	defer m.Close()
	return respond(c, m)
}

// Like toggles the caller's like of a post
func (h *ReactionHandler) Like(c echo.Context) error {
	m, err := h.machine(c)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Like(c.Request().Context()); err != nil {
		return httpError(err)
	}
	return respond(c, m)
}

// Dislike toggles the caller's dislike of a post
func (h *ReactionHandler) Dislike(c echo.Context) error {
	m, err := h.machine(c)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Dislike(c.Request().Context()); err != nil {
		return httpError(err)
	}
	return respond(c, m)
}
