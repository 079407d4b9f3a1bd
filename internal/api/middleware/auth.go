// Package middleware provides HTTP middleware for the local companion API.
package middleware

import (
	"context"
	"net/http"

	"github.com/MacJediWizard/fleetcheck/internal/models"
	"github.com/MacJediWizard/fleetcheck/internal/session"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// ContextKey is the type for context keys used by this package.
type ContextKey string

// UserContextKey is the context key for the authenticated user.
const UserContextKey ContextKey = "user"

// SessionGuard is the part of the session guard the middleware needs.
type SessionGuard interface {
	User() *models.User
	Check(ctx context.Context) (session.Reason, bool)
	Touch(ctx context.Context)
}

// CookieReader reads and clears the signed session cookie.
type CookieReader interface {
	GetUser(r *http.Request) (string, error)
	ClearUser(r *http.Request, w http.ResponseWriter) error
}

// AuthMiddleware requires a cookie naming the user of the active local
// session. Each authenticated request checks the idle and maximum session
// limits and then counts as activity.
func AuthMiddleware(guard SessionGuard, cookies CookieReader, logger zerolog.Logger) gin.HandlerFunc {
	log := logger.With().Str("component", "auth_middleware").Logger()

	return func(c *gin.Context) {
		username, err := cookies.GetUser(c.Request)
		if err != nil {
			log.Debug().Err(err).Str("path", c.Request.URL.Path).Msg("unauthenticated request")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		if reason, expired := guard.Check(c.Request.Context()); expired {
			_ = cookies.ClearUser(c.Request, c.Writer)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":  "session expired, please log in again",
				"reason": string(reason),
			})
			return
		}

		user := guard.User()
		if user == nil || user.Key() != username {
			log.Debug().Str("cookie_user", username).Msg("cookie does not match the active session")
			_ = cookies.ClearUser(c.Request, c.Writer)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session expired, please log in again"})
			return
		}

		guard.Touch(c.Request.Context())
		c.Set(string(UserContextKey), user)
		c.Next()
	}
}

// GetUser retrieves the authenticated user from the Gin context.
// Returns nil if no user is authenticated.
func GetUser(c *gin.Context) *models.User {
	v, exists := c.Get(string(UserContextKey))
	if !exists {
		return nil
	}
	user, ok := v.(*models.User)
	if !ok {
		return nil
	}
	return user
}

// RequireUser gets the authenticated user or aborts with 401.
func RequireUser(c *gin.Context) *models.User {
	user := GetUser(c)
	if user == nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return nil
	}
	return user
}
