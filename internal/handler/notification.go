package handler

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/sumire/pulse/internal/domain"
	"github.com/sumire/pulse/internal/repository"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// NotificationHandler handles the in-app notification inbox endpoints.
type NotificationHandler struct {
	notifications *repository.NotificationRepository
}

// NewNotificationHandler creates a new NotificationHandler.
func NewNotificationHandler(notifications *repository.NotificationRepository) *NotificationHandler {
	return &NotificationHandler{notifications: notifications}
}

// List returns the authenticated user's notifications, newest first.
// `unread=true` filters to unread only.
func (h *NotificationHandler) List(c echo.Context) error {
	userID, ok := GetUserID(c)
	if !ok {
		return domain.ErrUnauthorized
	}

	unreadOnly := c.QueryParam("unread") == "true"
	limit := defaultListLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return domain.ErrInvalidInput
		}
		limit = min(n, maxListLimit)
	}

	items, err := h.notifications.ListByUser(c.Request().Context(), userID, unreadOnly, limit)
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, items)
}

// MarkRead marks one of the user's notifications as read.
func (h *NotificationHandler) MarkRead(c echo.Context) error {
	userID, ok := GetUserID(c)
	if !ok {
		return domain.ErrUnauthorized
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return domain.ErrInvalidInput
	}
	if err := h.notifications.MarkRead(c.Request().Context(), userID, id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
