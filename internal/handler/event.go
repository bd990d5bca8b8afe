package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/sumire/pulse/internal/domain"
	"github.com/sumire/pulse/internal/service"
)

// EventHandler ingests typed domain events from upstream subsystems into the
// notification router.
type EventHandler struct {
	router *service.Router
}

// NewEventHandler creates a new EventHandler.
func NewEventHandler(router *service.Router) *EventHandler {
	return &EventHandler{router: router}
}

type eventRequest struct {
	EventType string         `json:"event_type" validate:"required"`
	UserID    int64          `json:"user_id" validate:"required,gt=0"`
	Severity  string         `json:"severity" validate:"omitempty,oneof=info warning critical"`
	Title     string         `json:"title" validate:"required"`
	Message   string         `json:"message"`
	Payload   map[string]any `json:"payload"`
}

// Ingest routes one domain event.
func (h *EventHandler) Ingest(c echo.Context) error {
	var req eventRequest
	if err := c.Bind(&req); err != nil {
		return domain.ErrInvalidInput
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	severity := domain.Severity(req.Severity)
	if severity == "" {
		severity = domain.SeverityInfo
	}

	event := domain.Event{
		Type:     domain.EventType(req.EventType),
		UserID:   req.UserID,
		Severity: severity,
		Title:    req.Title,
		Message:  req.Message,
		Payload:  req.Payload,
	}
	if err := h.router.Route(c.Request().Context(), event); err != nil {
		return err
	}
	return c.NoContent(http.StatusAccepted)
}
