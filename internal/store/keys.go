package store

import (
	"strings"

	"github.com/MacJediWizard/fleetcheck/internal/models"
)

// Session keys.
const (
	KeyUser         = "safetyCheck_user"
	KeySessionStart = "safetyCheck_session_start"
	KeyLastActivity = "safetyCheck_last_activity"
)

// Device keys that survive logout.
const (
	KeyScriptURL             = "safetyCheck_scriptUrl"
	KeySettings              = "safetyCheck_settings"
	KeyOfflineQueue          = "safetycheck_offline_queue"
	KeyRememberedCredentials = "sc_remembered_credentials"
	KeyCredentialKey         = "sc_remembered_credentials_key"
	KeySubscription          = "sc_subscription"
)

// KeyValidationLists holds the cached autocomplete lists.
const KeyValidationLists = "sc_validation_lists"

// Prefixes of per-user keys.
const (
	PrefixDraft                  = "sc_draft_"
	PrefixHistory                = "sc_history_"
	PrefixReadNotifications      = "sc_read_notifications_"
	PrefixDismissedNotifications = "sc_dismissed_notifications_"
	PrefixSupportTickets         = "sc_support_tickets_"
)

// SessionKeys are removed on logout.
var SessionKeys = []string{KeyUser, KeySessionStart, KeyLastActivity, KeyValidationLists}

// UserScopedPrefixes are removed on logout, for every user.
var UserScopedPrefixes = []string{
	PrefixDraft,
	PrefixHistory,
	PrefixReadNotifications,
	PrefixDismissedNotifications,
	PrefixSupportTickets,
}

func userPart(username string) string {
	u := strings.ToLower(strings.TrimSpace(username))
	if u == "" {
		return "anon"
	}
	return u
}

// DraftKey is the key of a user's draft for a module.
func DraftKey(username string, m models.Module) string {
	return PrefixDraft + userPart(username) + "_" + string(m)
}

// HistoryKey is the key of a user's cached history for a module.
func HistoryKey(username string, m models.Module) string {
	return PrefixHistory + userPart(username) + "_" + string(m)
}

// ReadNotificationsKey is the key of a user's read notification ids.
func ReadNotificationsKey(username string) string {
	return PrefixReadNotifications + userPart(username) + "_"
}

// DismissedNotificationsKey is the key of a user's dismissed notification ids.
func DismissedNotificationsKey(username string) string {
	return PrefixDismissedNotifications + userPart(username) + "_"
}

// SupportTicketsKey is the key of a user's cached ticket list.
func SupportTicketsKey(username string) string {
	return PrefixSupportTickets + userPart(username)
}
