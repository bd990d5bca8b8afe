package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/sumire/pulse/internal/domain"
)

type stubVerifier struct {
	userID int64
	err    error
}

func (s stubVerifier) Verify(string, string) (int64, error) {
	return s.userID, s.err
}

type stubDisabler struct {
	called []int64
	err    error
}

func (s *stubDisabler) DisableDigest(_ context.Context, userID int64) error {
	s.called = append(s.called, userID)
	return s.err
}

func doUnsubscribe(t *testing.T, h *UnsubscribeHandler, target string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h.Unsubscribe(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	return rec
}

func TestUnsubscribe_ValidTokenDisablesDigest(t *testing.T) {
	t.Parallel()

	disabler := &stubDisabler{}
	h := NewUnsubscribeHandler(stubVerifier{userID: 42}, disabler)

	rec := doUnsubscribe(t, h, "/unsubscribe?token=good")

	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}
	if len(disabler.called) != 1 || disabler.called[0] != 42 {
		t.Fatalf("want digest disabled for user 42, got %v", disabler.called)
	}
	if !strings.Contains(rec.Body.String(), "unsubscribed") {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}

func TestUnsubscribe_MissingToken(t *testing.T) {
	t.Parallel()

	disabler := &stubDisabler{}
	h := NewUnsubscribeHandler(stubVerifier{userID: 42}, disabler)

	rec := doUnsubscribe(t, h, "/unsubscribe")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", rec.Code)
	}
	if len(disabler.called) != 0 {
		t.Fatal("missing token must not disable anything")
	}
}

func TestUnsubscribe_TokenErrorsAreClientErrors(t *testing.T) {
	t.Parallel()

	for _, tokenErr := range []error{
		domain.ErrInvalidToken,
		domain.ErrExpiredToken,
		domain.ErrPurposeMismatch,
		domain.ErrMissingSubject,
	} {
		disabler := &stubDisabler{}
		h := NewUnsubscribeHandler(stubVerifier{err: tokenErr}, disabler)

		rec := doUnsubscribe(t, h, "/unsubscribe?token=bad")

		if rec.Code != http.StatusBadRequest {
			t.Errorf("%v: want 400, got %d", tokenErr, rec.Code)
		}
		if len(disabler.called) != 0 {
			t.Errorf("%v: rejected token must not disable anything", tokenErr)
		}
	}
}

func TestUnsubscribe_ErrorPageDoesNotLeakFailureStep(t *testing.T) {
	t.Parallel()

	bodies := make(map[string]bool)
	for _, tokenErr := range []error{domain.ErrInvalidToken, domain.ErrExpiredToken} {
		h := NewUnsubscribeHandler(stubVerifier{err: tokenErr}, &stubDisabler{})
		rec := doUnsubscribe(t, h, "/unsubscribe?token=bad")
		bodies[rec.Body.String()] = true
	}
	if len(bodies) != 1 {
		t.Fatal("every token failure must render the same generic page")
	}
}

func TestUnsubscribe_InternalFailure(t *testing.T) {
	t.Parallel()

	h := NewUnsubscribeHandler(stubVerifier{userID: 42}, &stubDisabler{err: errors.New("db down")})

	rec := doUnsubscribe(t, h, "/unsubscribe?token=good")

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("want 500, got %d", rec.Code)
	}
}
