package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/sumire/pulse/internal/domain"
	"github.com/sumire/pulse/internal/service"
)

// TokenVerifier verifies purpose-scoped unsubscribe tokens.
type TokenVerifier interface {
	Verify(token, expectedPurpose string) (int64, error)
}

// DigestDisabler turns a user's digest cadence off.
type DigestDisabler interface {
	DisableDigest(ctx context.Context, userID int64) error
}

// UnsubscribeHandler serves the public unsubscribe endpoint. It is
// unauthenticated and rate-limited by middleware; the rendered pages are
// deliberately generic so a token-guessing caller learns nothing about which
// verification step failed.
type UnsubscribeHandler struct {
	tokens TokenVerifier
	prefs  DigestDisabler
}

// NewUnsubscribeHandler creates a new UnsubscribeHandler.
func NewUnsubscribeHandler(tokens TokenVerifier, prefs DigestDisabler) *UnsubscribeHandler {
	return &UnsubscribeHandler{tokens: tokens, prefs: prefs}
}

const (
	unsubscribeSuccessPage = `<!DOCTYPE html>
<html><head><title>Unsubscribed</title></head>
<body><h1>You're unsubscribed</h1>
<p>You will no longer receive digest emails. You can re-enable them any time from your notification settings.</p>
</body></html>`

	unsubscribeErrorPage = `<!DOCTYPE html>
<html><head><title>Unsubscribe</title></head>
<body><h1>Something went wrong</h1>
<p>This link is invalid or has expired. Please request a new one from your notification settings.</p>
</body></html>`
)

// Unsubscribe verifies the token and disables the user's digest. Token
// errors render the generic error page with a client status; anything else
// is a server error.
func (h *UnsubscribeHandler) Unsubscribe(c echo.Context) error {
	token := c.QueryParam("token")
	if token == "" {
		return c.HTML(http.StatusBadRequest, unsubscribeErrorPage)
	}

	userID, err := h.tokens.Verify(token, service.PurposeDigestUnsubscribe)
	if err != nil {
		if isTokenError(err) {
			slog.Info("unsubscribe token rejected", "error", err)
			return c.HTML(http.StatusBadRequest, unsubscribeErrorPage)
		}
		slog.Error("unsubscribe verification failed", "error", err)
		return c.HTML(http.StatusInternalServerError, unsubscribeErrorPage)
	}

	if err := h.prefs.DisableDigest(c.Request().Context(), userID); err != nil {
		slog.Error("disable digest failed", "user_id", userID, "error", err)
		return c.HTML(http.StatusInternalServerError, unsubscribeErrorPage)
	}

	slog.Info("digest unsubscribed", "user_id", userID)
	return c.HTML(http.StatusOK, unsubscribeSuccessPage)
}

func isTokenError(err error) bool {
	return errors.Is(err, domain.ErrInvalidToken) ||
		errors.Is(err, domain.ErrExpiredToken) ||
		errors.Is(err, domain.ErrPurposeMismatch) ||
		errors.Is(err, domain.ErrMissingSubject)
}
