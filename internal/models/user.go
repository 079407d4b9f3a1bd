package models

import (
	"strings"
	"time"
)

// Role is a user's role as stored in the Users table.
type Role string

const (
	RoleSuperAdmin  Role = "SuperAdmin"
	RoleAdmin       Role = "Admin"
	RoleInspector   Role = "Inspector"
	RoleOperations  Role = "Operations"
	RoleMaintenance Role = "Maintenance"
	RoleSecretary   Role = "Secretary"
	RoleOther       Role = "Other"
)

// NormalizeRole maps a free-form role string onto a known role, case
// insensitively. Unknown roles default to Inspector.
func NormalizeRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "superadmin", "super admin", "super_admin":
		return RoleSuperAdmin
	case "admin":
		return RoleAdmin
	case "inspector":
		return RoleInspector
	case "operations":
		return RoleOperations
	case "maintenance":
		return RoleMaintenance
	case "secretary":
		return RoleSecretary
	case "other":
		return RoleOther
	default:
		return RoleInspector
	}
}

// IsAdmin reports whether the role has administrative rights.
func (r Role) IsAdmin() bool {
	return r == RoleAdmin || r == RoleSuperAdmin
}

// CanManageUsers reports whether the role may list, create, update or delete users.
func (r Role) CanManageUsers() bool {
	return r.IsAdmin()
}

// CanRequestInspection reports whether the role may raise an inspection request.
func (r Role) CanRequestInspection() bool {
	switch strings.ToLower(string(r)) {
	case "admin", "superadmin", "operations", "maintenance", "secretary", "other", "clerk":
		return true
	}
	return false
}

// Preferences are per-user notification preferences.
type Preferences struct {
	EmailNotifications bool `json:"emailNotifications"`
	NotifyGeneral      bool `json:"notifyGeneral"`
	NotifyPetroleum    bool `json:"notifyPetroleum"`
	NotifyPetroleumV2  bool `json:"notifyPetroleumV2"`
	NotifyAcid         bool `json:"notifyAcid"`
	MustChangePassword bool `json:"mustChangePassword,omitempty"`
}

// DefaultPreferences returns the preferences assigned to newly registered users.
func DefaultPreferences() Preferences {
	return Preferences{
		EmailNotifications: true,
		NotifyGeneral:      true,
		NotifyPetroleum:    true,
		NotifyPetroleumV2:  true,
		NotifyAcid:         true,
	}
}

// User is an authenticated or managed user. Username doubles as the email
// address used for notification and ticket addressing.
type User struct {
	Username    string      `json:"username"`
	Name        string      `json:"name"`
	Role        Role        `json:"role"`
	Position    string      `json:"position,omitempty"`
	LastLogin   *time.Time  `json:"lastLogin,omitempty"`
	Preferences Preferences `json:"preferences"`
}

// Key returns the normalized username used to namespace local storage.
func (u *User) Key() string {
	if u == nil {
		return "anon"
	}
	return strings.ToLower(strings.TrimSpace(u.Username))
}
