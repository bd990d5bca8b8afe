package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/sumire/pulse/internal/domain"
	"github.com/sumire/pulse/internal/service"
)

// PresenceHandler exposes the gateway contract to the real-time transport
// layer: its connect/disconnect/heartbeat callbacks invoke these endpoints.
type PresenceHandler struct {
	gateway *service.PresenceGateway
}

// NewPresenceHandler creates a new PresenceHandler.
func NewPresenceHandler(gateway *service.PresenceGateway) *PresenceHandler {
	return &PresenceHandler{gateway: gateway}
}

type presenceRequest struct {
	UserID       int64  `json:"user_id" validate:"required,gt=0"`
	ScopeID      int64  `json:"scope_id" validate:"required,gt=0"`
	ConnectionID string `json:"connection_id" validate:"required"`
	Location     string `json:"location"`
	// OccurredAt orders transitions under out-of-order delivery; zero means
	// "now" at the gateway.
	OccurredAt time.Time `json:"occurred_at"`
}

func (h *PresenceHandler) bind(c echo.Context) (*presenceRequest, error) {
	var req presenceRequest
	if err := c.Bind(&req); err != nil {
		return nil, domain.ErrInvalidInput
	}
	if err := c.Validate(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

// Join handles a transport connect callback.
func (h *PresenceHandler) Join(c echo.Context) error {
	req, err := h.bind(c)
	if err != nil {
		return err
	}
	if err := h.gateway.Join(c.Request().Context(), req.UserID, req.ScopeID, req.ConnectionID, req.OccurredAt); err != nil {
		return err
	}
	return c.NoContent(http.StatusAccepted)
}

// Heartbeat handles a periodic client heartbeat with an optional location.
func (h *PresenceHandler) Heartbeat(c echo.Context) error {
	req, err := h.bind(c)
	if err != nil {
		return err
	}
	if err := h.gateway.Heartbeat(c.Request().Context(), req.UserID, req.ScopeID, req.ConnectionID, req.Location, req.OccurredAt); err != nil {
		return err
	}
	return c.NoContent(http.StatusAccepted)
}

// Leave handles a transport disconnect callback.
func (h *PresenceHandler) Leave(c echo.Context) error {
	req, err := h.bind(c)
	if err != nil {
		return err
	}
	if err := h.gateway.Leave(c.Request().Context(), req.UserID, req.ScopeID, req.ConnectionID, req.OccurredAt); err != nil {
		return err
	}
	return c.NoContent(http.StatusAccepted)
}

// Scope returns the current presence snapshot for one scope.
func (h *PresenceHandler) Scope(c echo.Context) error {
	scopeID, err := strconv.ParseInt(c.Param("scope_id"), 10, 64)
	if err != nil {
		return domain.ErrInvalidInput
	}
	entries, err := h.gateway.Snapshot(c.Request().Context(), scopeID)
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, entries)
}
