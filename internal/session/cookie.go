package session

import (
	"encoding/gob"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/sessions"
	"github.com/rs/zerolog"
)

func init() {
	gob.Register(time.Time{})
}

const (
	// CookieName is the name of the local API session cookie.
	CookieName = "fleetcheck_session"
	// UsernameKey is the cookie value holding the signed-in username.
	UsernameKey = "username"
	// AuthenticatedAtKey is the cookie value holding the login time.
	AuthenticatedAtKey = "authenticated_at"
)

// ErrNoCookieUser is returned when the request carries no signed-in user.
var ErrNoCookieUser = errors.New("no user in session cookie")

// CookieConfig holds cookie store configuration.
type CookieConfig struct {
	Secret   []byte
	MaxAge   int // seconds
	Secure   bool
	SameSite http.SameSite
}

// DefaultCookieConfig returns a CookieConfig whose lifetime matches the
// maximum session duration.
func DefaultCookieConfig(secret []byte, maxDuration time.Duration) CookieConfig {
	return CookieConfig{
		Secret:   secret,
		MaxAge:   int(maxDuration / time.Second),
		SameSite: http.SameSiteStrictMode,
	}
}

// CookieStore binds API clients to the local session with a signed cookie.
// The cookie only names the user; expiry is decided by the Guard.
type CookieStore struct {
	store  *sessions.CookieStore
	logger zerolog.Logger
}

// NewCookieStore creates a cookie store.
func NewCookieStore(cfg CookieConfig, logger zerolog.Logger) (*CookieStore, error) {
	if len(cfg.Secret) < 32 {
		return nil, fmt.Errorf("session secret must be at least 32 bytes")
	}

	store := sessions.NewCookieStore(cfg.Secret)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   cfg.MaxAge,
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: cfg.SameSite,
	}

	return &CookieStore{
		store:  store,
		logger: logger.With().Str("component", "session_cookie").Logger(),
	}, nil
}

// get always returns a usable session; err reports an unreadable cookie.
func (s *CookieStore) get(r *http.Request) (*sessions.Session, error) {
	sess, err := s.store.Get(r, CookieName)
	if err != nil {
		return sess, fmt.Errorf("get session cookie: %w", err)
	}
	return sess, nil
}

// SetUser signs username into the response cookie.
func (s *CookieStore) SetUser(r *http.Request, w http.ResponseWriter, username string, at time.Time) error {
	sess, err := s.get(r)
	if err != nil {
		s.logger.Debug().Err(err).Msg("discarding unreadable session cookie")
	}
	sess.Values[UsernameKey] = username
	sess.Values[AuthenticatedAtKey] = at
	if err := sess.Save(r, w); err != nil {
		return fmt.Errorf("save session cookie: %w", err)
	}
	return nil
}

// GetUser returns the username signed into the request cookie.
func (s *CookieStore) GetUser(r *http.Request) (string, error) {
	sess, err := s.get(r)
	if err != nil {
		return "", err
	}
	username, ok := sess.Values[UsernameKey].(string)
	if !ok || username == "" {
		return "", ErrNoCookieUser
	}
	return username, nil
}

// ClearUser expires the cookie.
func (s *CookieStore) ClearUser(r *http.Request, w http.ResponseWriter) error {
	sess, _ := s.get(r)
	delete(sess.Values, UsernameKey)
	delete(sess.Values, AuthenticatedAtKey)
	sess.Options.MaxAge = -1
	if err := sess.Save(r, w); err != nil {
		return fmt.Errorf("clear session cookie: %w", err)
	}
	return nil
}
