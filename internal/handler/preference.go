package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/sumire/pulse/internal/domain"
	"github.com/sumire/pulse/internal/service"
)

// PreferenceHandler handles the notification preference endpoints.
type PreferenceHandler struct {
	prefs *service.PreferenceService
}

// NewPreferenceHandler creates a new PreferenceHandler.
func NewPreferenceHandler(prefs *service.PreferenceService) *PreferenceHandler {
	return &PreferenceHandler{prefs: prefs}
}

// Get returns the authenticated user's preference, creating defaults on
// first access.
func (h *PreferenceHandler) Get(c echo.Context) error {
	userID, ok := GetUserID(c)
	if !ok {
		return domain.ErrUnauthorized
	}
	pref, err := h.prefs.Get(c.Request().Context(), userID)
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, pref)
}

type quietHoursRequest struct {
	Start string `json:"start" validate:"required"`
	End   string `json:"end" validate:"required"`
}

type updatePreferenceRequest struct {
	ChannelRules    *domain.ChannelRules `json:"channel_rules"`
	QuietHours      *quietHoursRequest   `json:"quiet_hours"`
	ClearQuietHours bool                 `json:"clear_quiet_hours"`
	Timezone        *string              `json:"timezone" validate:"omitempty,min=1"`
	DigestCadence   *string              `json:"digest_cadence" validate:"omitempty,oneof=disabled daily weekly"`
	DigestTime      *string              `json:"digest_time" validate:"omitempty,len=5"`
}

// Update performs a validated partial merge of the user's preference.
func (h *PreferenceHandler) Update(c echo.Context) error {
	userID, ok := GetUserID(c)
	if !ok {
		return domain.ErrUnauthorized
	}

	var req updatePreferenceRequest
	if err := c.Bind(&req); err != nil {
		return domain.ErrInvalidInput
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	patch := service.PreferencePatch{
		ChannelRules:    req.ChannelRules,
		ClearQuietHours: req.ClearQuietHours,
		Timezone:        req.Timezone,
		DigestTime:      req.DigestTime,
	}
	if req.QuietHours != nil {
		patch.QuietStart = &req.QuietHours.Start
		patch.QuietEnd = &req.QuietHours.End
	}
	if req.DigestCadence != nil {
		cadence := domain.DigestCadence(*req.DigestCadence)
		patch.DigestCadence = &cadence
	}

	pref, err := h.prefs.Update(c.Request().Context(), userID, patch)
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, pref)
}

// Reset restores the user's preference to defaults and cancels any scheduled
// digest job.
func (h *PreferenceHandler) Reset(c echo.Context) error {
	userID, ok := GetUserID(c)
	if !ok {
		return domain.ErrUnauthorized
	}
	pref, err := h.prefs.Reset(c.Request().Context(), userID)
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, pref)
}
