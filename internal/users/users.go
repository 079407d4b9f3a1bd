// Package users wraps the endpoint's user actions with the role rules of the
// user management screen.
package users

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/MacJediWizard/fleetcheck/internal/models"
	"github.com/MacJediWizard/fleetcheck/internal/remote"
	"github.com/rs/zerolog"
)

var (
	// ErrPermissionDenied is returned when the actor may not manage users.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrSuperAdminOnly is returned when a non-SuperAdmin touches a SuperAdmin account.
	ErrSuperAdminOnly = errors.New("only a SuperAdmin can manage SuperAdmin accounts")
	// ErrSelfDelete is returned when a user tries to delete their own account.
	ErrSelfDelete = errors.New("you cannot delete your own account")
	// ErrNotFound is returned when the target user does not exist.
	ErrNotFound = errors.New("user not found")
	// ErrMissingCredentials is returned for a login without username or password.
	ErrMissingCredentials = errors.New("username and password are required")
)

// ValidationError describes an invalid field of a user form.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// Remote is the subset of the endpoint client used for users.
type Remote interface {
	Login(ctx context.Context, username, password string) (*models.User, error)
	RegisterUser(ctx context.Context, u remote.NewUser) error
	GetUsers(ctx context.Context) ([]models.User, error)
	DeleteUser(ctx context.Context, username string) error
	UpdateUser(ctx context.Context, originalUsername string, u remote.NewUser) error
}

// Input is the user form used by create and update.
type Input struct {
	Username string      `json:"username"`
	Password string      `json:"password,omitempty"`
	Name     string      `json:"name"`
	Role     models.Role `json:"role"`
	Position string      `json:"position,omitempty"`
}

// ProfileUpdate is what a user may change on their own account.
type ProfileUpdate struct {
	Name        string              `json:"name"`
	Position    string              `json:"position,omitempty"`
	Password    string              `json:"password,omitempty"`
	Preferences *models.Preferences `json:"preferences,omitempty"`
}

// Service manages users through the endpoint.
type Service struct {
	remote Remote
	logger zerolog.Logger
}

// NewService creates a user service.
func NewService(r Remote, logger zerolog.Logger) *Service {
	return &Service{
		remote: r,
		logger: logger.With().Str("component", "users").Logger(),
	}
}

// NormalizeUsername lowercases and trims a username.
func NormalizeUsername(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Login authenticates against the endpoint. ErrNoUsers and
// ErrInvalidCredentials from the remote package pass through unchanged.
func (s *Service) Login(ctx context.Context, username, password string) (*models.User, error) {
	username = NormalizeUsername(username)
	if username == "" || password == "" {
		return nil, ErrMissingCredentials
	}
	u, err := s.remote.Login(ctx, username, password)
	if err != nil {
		s.logger.Info().Err(err).Str("user", username).Msg("login failed")
		return nil, err
	}
	s.logger.Info().Str("user", u.Key()).Str("role", string(u.Role)).Msg("login succeeded")
	return u, nil
}

// List returns every user visible to actor. SuperAdmin accounts are hidden
// from everyone but SuperAdmins.
func (s *Service) List(ctx context.Context, actor *models.User) ([]models.User, error) {
	if err := requireManager(actor); err != nil {
		return nil, err
	}
	all, err := s.remote.GetUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	if actor.Role == models.RoleSuperAdmin {
		return all, nil
	}
	out := make([]models.User, 0, len(all))
	for _, u := range all {
		if u.Role != models.RoleSuperAdmin {
			out = append(out, u)
		}
	}
	return out, nil
}

// Create registers a new user. New accounts must change their password on
// first login.
func (s *Service) Create(ctx context.Context, actor *models.User, in Input) error {
	if err := requireManager(actor); err != nil {
		return err
	}
	in.Role = models.NormalizeRole(string(in.Role))
	if in.Role == models.RoleSuperAdmin && actor.Role != models.RoleSuperAdmin {
		return ErrSuperAdminOnly
	}
	if err := validate(in, true); err != nil {
		return err
	}

	prefs := models.DefaultPreferences()
	prefs.MustChangePassword = true
	err := s.remote.RegisterUser(ctx, remote.NewUser{
		Username:    NormalizeUsername(in.Username),
		Password:    in.Password,
		Name:        strings.TrimSpace(in.Name),
		Role:        in.Role,
		Position:    strings.TrimSpace(in.Position),
		Preferences: &prefs,
	})
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	s.logger.Info().Str("actor", actor.Key()).Str("user", NormalizeUsername(in.Username)).Msg("user created")
	return nil
}

// Update modifies the user currently named original. Setting a password
// forces a change on next login.
func (s *Service) Update(ctx context.Context, actor *models.User, original string, in Input) error {
	if err := requireManager(actor); err != nil {
		return err
	}
	in.Role = models.NormalizeRole(string(in.Role))
	if in.Role == models.RoleSuperAdmin && actor.Role != models.RoleSuperAdmin {
		return ErrSuperAdminOnly
	}
	if err := validate(in, false); err != nil {
		return err
	}

	existing, err := s.find(ctx, original)
	if err != nil {
		return err
	}
	if existing.Role == models.RoleSuperAdmin && actor.Role != models.RoleSuperAdmin {
		return ErrSuperAdminOnly
	}

	prefs := existing.Preferences
	if in.Password != "" {
		prefs.MustChangePassword = true
	}
	err = s.remote.UpdateUser(ctx, original, remote.NewUser{
		Username:    NormalizeUsername(in.Username),
		Password:    in.Password,
		Name:        strings.TrimSpace(in.Name),
		Role:        in.Role,
		Position:    strings.TrimSpace(in.Position),
		Preferences: &prefs,
	})
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	s.logger.Info().Str("actor", actor.Key()).Str("user", NormalizeUsername(original)).Msg("user updated")
	return nil
}

// Delete removes username. Nobody may delete themselves.
func (s *Service) Delete(ctx context.Context, actor *models.User, username string) error {
	if err := requireManager(actor); err != nil {
		return err
	}
	username = NormalizeUsername(username)
	if username == actor.Key() {
		return ErrSelfDelete
	}
	if actor.Role != models.RoleSuperAdmin {
		existing, err := s.find(ctx, username)
		if err != nil {
			return err
		}
		if existing.Role == models.RoleSuperAdmin {
			return ErrSuperAdminOnly
		}
	}
	if err := s.remote.DeleteUser(ctx, username); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	s.logger.Info().Str("actor", actor.Key()).Str("user", username).Msg("user deleted")
	return nil
}

// UpdateProfile changes the actor's own account and returns the updated
// user. Changing the password clears the forced change flag.
func (s *Service) UpdateProfile(ctx context.Context, actor *models.User, p ProfileUpdate) (*models.User, error) {
	if actor == nil {
		return nil, ErrPermissionDenied
	}
	name := strings.TrimSpace(p.Name)
	if name == "" {
		name = actor.Name
	}
	prefs := actor.Preferences
	if p.Preferences != nil {
		prefs = *p.Preferences
	}
	if p.Password != "" {
		if len(p.Password) < minPasswordLength {
			return nil, &ValidationError{Field: "password", Message: fmt.Sprintf("must be at least %d characters", minPasswordLength)}
		}
		prefs.MustChangePassword = false
	}

	err := s.remote.UpdateUser(ctx, actor.Username, remote.NewUser{
		Username:    actor.Key(),
		Password:    p.Password,
		Name:        name,
		Role:        actor.Role,
		Position:    strings.TrimSpace(p.Position),
		Preferences: &prefs,
	})
	if err != nil {
		return nil, fmt.Errorf("update profile: %w", err)
	}

	u := *actor
	u.Name = name
	u.Position = strings.TrimSpace(p.Position)
	u.Preferences = prefs
	return &u, nil
}

func (s *Service) find(ctx context.Context, username string) (*models.User, error) {
	all, err := s.remote.GetUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("look up user: %w", err)
	}
	key := NormalizeUsername(username)
	for i := range all {
		if all[i].Key() == key {
			return &all[i], nil
		}
	}
	return nil, ErrNotFound
}

func requireManager(actor *models.User) error {
	if actor == nil || !actor.Role.CanManageUsers() {
		return ErrPermissionDenied
	}
	return nil
}

const minPasswordLength = 6

func validate(in Input, create bool) error {
	if strings.TrimSpace(in.Name) == "" {
		return &ValidationError{Field: "name", Message: "is required"}
	}
	username := NormalizeUsername(in.Username)
	if username == "" {
		return &ValidationError{Field: "username", Message: "is required"}
	}
	if strings.Contains(username, "@") {
		if _, err := mail.ParseAddress(username); err != nil {
			return &ValidationError{Field: "username", Message: "is not a valid email address"}
		}
	}
	if create && in.Password == "" {
		return &ValidationError{Field: "password", Message: "is required for new users"}
	}
	if in.Password != "" && len(in.Password) < minPasswordLength {
		return &ValidationError{Field: "password", Message: fmt.Sprintf("must be at least %d characters", minPasswordLength)}
	}
	return nil
}
