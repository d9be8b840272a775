package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/anonto42/tilt/backend/internal/docstore"
	"github.com/anonto42/tilt/backend/internal/notifications"
)

// NotificationHandler handles notification-related HTTP requests
type NotificationHandler struct {
	store    docstore.Store
	pageSize int
}

// NewNotificationHandler creates a new NotificationHandler
func NewNotificationHandler(store docstore.Store, pageSize int) *NotificationHandler {
	if pageSize <= 0 {
		pageSize = notifications.DefaultPageSize
	}
	return &NotificationHandler{store: store, pageSize: pageSize}
}

// RegisterNotificationRoutes registers notification routes
func (h *NotificationHandler) RegisterNotificationRoutes(g *echo.Group) {
	g.GET("/notifications", h.GetNotifications)
	g.GET("/notifications/unread-count", h.GetUnreadCount)
	g.DELETE("/notifications/:id", h.Dismiss)
}

// GetNotifications returns a page of the caller's notifications, newest first
func (h *NotificationHandler) GetNotifications(c echo.Context) error {
	uid, err := currentUID(c)
	if err != nil {
		return err
	}
	after, err := decodeCursor(c.QueryParam("cursor"))
	if err != nil {
		return err
	}
	limit := pageSize(c, h.pageSize)
	docs, err := docstore.First(c.Request().Context(), h.store, docstore.Query{
		CollectionPath: notifications.CollectionPath(uid),
		OrderBy:        notifications.OrderBy,
		Direction:      docstore.Desc,
		StartAfter:     after,
		Limit:          limit,
	})
	if err != nil {
		return httpError(err)
	}
	items := make([]notifications.Notification, len(docs))
	for i, d := range docs {
		items[i] = notifications.FromDocument(d)
	}
	return c.JSON(http.StatusOK, page(items, docs, notifications.OrderBy, limit))
}

// GetUnreadCount returns the number of notifications in the caller's inbox
func (h *NotificationHandler) GetUnreadCount(c echo.Context) error {
	uid, err := currentUID(c)
	if err != nil {
		return err
	}
	n, err := notifications.Unread(c.Request().Context(), h.store, uid)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]int64{"count": n})
}

// Dismiss deletes one of the caller's notifications
func (h *NotificationHandler) Dismiss(c echo.Context) error {
	uid, err := currentUID(c)
	if err != nil {
		return err
	}
	if err := notifications.Dismiss(c.Request().Context(), h.store, uid, c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
