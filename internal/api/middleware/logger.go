package middleware

import (
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RequestIDHeader carries the request ID back to the client.
const RequestIDHeader = "X-Request-ID"

// RequestIDKey is the gin context key holding the request ID.
const RequestIDKey ContextKey = "request_id"

// Query parameters whose values never reach the log.
var redactedParams = map[string]bool{
	"password":   true,
	"token":      true,
	"secret":     true,
	"signature":  true,
	"attachment": true,
}

// Health checks and scrapes are logged at trace level so they do not drown
// the request log.
var quietPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

func redactQuery(values url.Values) string {
	if len(values) == 0 {
		return ""
	}
	for name, vs := range values {
		if !redactedParams[strings.ToLower(name)] {
			continue
		}
		for i := range vs {
			vs[i] = "[REDACTED]"
		}
	}
	return values.Encode()
}

// RequestLogger tags each request with an ID and logs its outcome. The
// session user is included once the auth middleware has resolved it.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	log := logger.With().Str("component", "http").Logger()

	return func(c *gin.Context) {
		start := time.Now()

		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		c.Set(string(RequestIDKey), id)
		c.Header(RequestIDHeader, id)

		c.Next()

		status := c.Writer.Status()
		var event *zerolog.Event
		switch {
		case status >= 500:
			event = log.Error()
		case status >= 400:
			event = log.Warn()
		case quietPaths[c.Request.URL.Path]:
			event = log.Trace()
		case c.Request.Method == "GET":
			event = log.Debug()
		default:
			event = log.Info()
		}
		if user := GetUser(c); user != nil {
			event = event.Str("user", user.Key())
		}
		if len(c.Errors) > 0 {
			event = event.Str("errors", c.Errors.String())
		}

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		event.
			Str("request_id", id).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", redactQuery(c.Request.URL.Query())).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Int("body_size", c.Writer.Size()).
			Msg("request")
	}
}
