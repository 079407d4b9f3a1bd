package models

import (
	"strings"
	"time"
)

// NotificationType is the severity of a notification.
type NotificationType string

const (
	NotificationInfo     NotificationType = "info"
	NotificationWarning  NotificationType = "warning"
	NotificationCritical NotificationType = "critical"
	NotificationSuccess  NotificationType = "success"
)

// ParseNotificationType maps the free-form type column of the
// SystemNotification table onto a NotificationType.
func ParseNotificationType(s string) NotificationType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return NotificationCritical
	case "warning":
		return NotificationWarning
	case "success":
		return NotificationSuccess
	default:
		return NotificationInfo
	}
}

// Notification modules that are not inspection modules.
const (
	NotificationModuleSystem  = "System"
	NotificationModuleSupport = "Support"
	NotificationModuleSync    = "Sync"
	NotificationModuleLicense = "License"
)

// Notification is a single entry in the merged notification feed.
type Notification struct {
	ID            string           `json:"id"`
	Type          NotificationType `json:"type"`
	Title         string           `json:"title"`
	Message       string           `json:"message"`
	Timestamp     time.Time        `json:"timestamp"`
	Read          bool             `json:"read"`
	Dismissed     bool             `json:"dismissed,omitempty"`
	Module        string           `json:"module"`
	Action        Action           `json:"action"`
	IsServerEvent bool             `json:"isServerEvent,omitempty"`
}

// SystemNotification is a row of the SystemNotification table.
type SystemNotification struct {
	ID         string
	Recipient  string
	Type       NotificationType
	Message    string
	Timestamp  time.Time
	IsRead     bool
	ActionLink string
}
