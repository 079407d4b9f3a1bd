// Package handlers implements the HTTP handlers of the local companion API.
package handlers

import (
	"errors"
	"net/http"

	"github.com/MacJediWizard/fleetcheck/internal/cache"
	"github.com/MacJediWizard/fleetcheck/internal/inspection"
	"github.com/MacJediWizard/fleetcheck/internal/notifications"
	"github.com/MacJediWizard/fleetcheck/internal/remote"
	"github.com/MacJediWizard/fleetcheck/internal/requests"
	"github.com/MacJediWizard/fleetcheck/internal/settings"
	"github.com/MacJediWizard/fleetcheck/internal/subscription"
	"github.com/MacJediWizard/fleetcheck/internal/support"
	"github.com/MacJediWizard/fleetcheck/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

var statusByError = []struct {
	err    error
	status int
}{
	{users.ErrPermissionDenied, http.StatusForbidden},
	{users.ErrSuperAdminOnly, http.StatusForbidden},
	{users.ErrSelfDelete, http.StatusForbidden},
	{support.ErrPermissionDenied, http.StatusForbidden},
	{requests.ErrPermissionDenied, http.StatusForbidden},
	{notifications.ErrPermissionDenied, http.StatusForbidden},
	{settings.ErrPermissionDenied, http.StatusForbidden},
	{subscription.ErrPermissionDenied, http.StatusForbidden},
	{inspection.ErrViewOnly, http.StatusForbidden},
	{inspection.ErrSubscriptionLocked, http.StatusPaymentRequired},
	{inspection.ErrMaintenance, http.StatusServiceUnavailable},

	{users.ErrNotFound, http.StatusNotFound},
	{users.ErrMissingCredentials, http.StatusBadRequest},
	{support.ErrTicketClosed, http.StatusConflict},
	{support.ErrInvalidStatus, http.StatusBadRequest},
	{settings.ErrInvalid, http.StatusBadRequest},
	{notifications.ErrEmptyMessage, http.StatusBadRequest},

	{inspection.ErrNotLoggedIn, http.StatusUnauthorized},
	{notifications.ErrNotLoggedIn, http.StatusUnauthorized},
	{support.ErrNotLoggedIn, http.StatusUnauthorized},
	{requests.ErrNotLoggedIn, http.StatusUnauthorized},
	{remote.ErrInvalidCredentials, http.StatusUnauthorized},
	{remote.ErrNoUsers, http.StatusUnauthorized},
	{remote.ErrNotConfigured, http.StatusServiceUnavailable},
	{cache.ErrNoData, http.StatusServiceUnavailable},
	{remote.ErrTimeout, http.StatusGatewayTimeout},
	{remote.ErrNetwork, http.StatusBadGateway},
	{remote.ErrMalformedResponse, http.StatusBadGateway},
	{remote.ErrRejected, http.StatusBadGateway},
}

// statusFor maps a service error onto an HTTP status.
func statusFor(err error) int {
	var (
		userErr    *users.ValidationError
		ticketErr  *support.ValidationError
		requestErr *requests.ValidationError
	)
	if errors.As(err, &userErr) || errors.As(err, &ticketErr) || errors.As(err, &requestErr) {
		return http.StatusBadRequest
	}
	for _, m := range statusByError {
		if errors.Is(err, m.err) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}

// fieldOf returns the offending form field of a validation error.
func fieldOf(err error) string {
	var (
		userErr    *users.ValidationError
		ticketErr  *support.ValidationError
		requestErr *requests.ValidationError
	)
	switch {
	case errors.As(err, &userErr):
		return userErr.Field
	case errors.As(err, &ticketErr):
		return ticketErr.Field
	case errors.As(err, &requestErr):
		return requestErr.Field
	}
	return ""
}

// respondError writes err as a JSON error. Internal errors are logged and
// hidden from the client.
func respondError(c *gin.Context, logger zerolog.Logger, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
		c.JSON(status, gin.H{"error": "internal server error"})
		return
	}

	body := gin.H{"error": err.Error()}
	if field := fieldOf(err); field != "" {
		body["field"] = field
	}
	c.JSON(status, body)
}

// badRequest reports an unreadable request body.
func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
}
