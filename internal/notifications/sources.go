package notifications

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MacJediWizard/fleetcheck/internal/models"
	"github.com/MacJediWizard/fleetcheck/internal/remote"
	"github.com/MacJediWizard/fleetcheck/internal/subscription"
	"github.com/rs/zerolog"
)

// Window sizes over the tail of each table.
const (
	inspectionWindow = 100
	systemWindow     = 50
	ticketWindow     = 50
)

const (
	criticalMaxRate = 2
	warningRate     = 3
)

func tail[T any](rows []T, n int) []T {
	if len(rows) > n {
		return rows[len(rows)-n:]
	}
	return rows
}

// InspectionAlertID is the deterministic id of a low-rating alert.
func InspectionAlertID(sheet string, ts time.Time, truck string) string {
	return sheet + "_" + strconv.FormatInt(ts.UnixMilli(), 10) + "_" + strings.Join(strings.Fields(truck), "")
}

// IsLocalAlertID reports whether id has the shape of an alert built on this
// device (inspection, ticket, subscription or sync alert) rather than a
// SystemNotification row.
func IsLocalAlertID(id string) bool {
	for _, prefix := range []string{"ticket_active_", "sub_alert_", "sync_pending_"} {
		if strings.HasPrefix(id, prefix) {
			return true
		}
	}
	for _, m := range models.Modules {
		rest, ok := strings.CutPrefix(id, m.Sheet()+"_")
		if !ok {
			continue
		}
		ms, _, ok := strings.Cut(rest, "_")
		if ok && ms != "" && strings.Trim(ms, "0123456789") == "" {
			return true
		}
	}
	return false
}

// TicketAlertID is the id of an active ticket alert. It changes with status.
func TicketAlertID(ticketID string, status models.TicketStatus) string {
	return "ticket_active_" + ticketID + "_" + string(status)
}

// SubscriptionAlertID is the id of the licence alert for an expiry date.
func SubscriptionAlertID(expiryDate string) string {
	return "sub_alert_" + expiryDate
}

// SyncAlertID is the id of the pending queue alert for n entries.
func SyncAlertID(n int) string {
	return "sync_pending_" + strconv.Itoa(n)
}

// inspectionAlerts raises alerts for recent low-rated records that nobody
// acknowledged. Unrated records are ignored.
func inspectionAlerts(snap *remote.Snapshot) []models.Notification {
	var out []models.Notification
	for _, module := range models.Modules {
		sheet := module.Sheet()
		for _, rec := range tail(snap.Inspections[module], inspectionWindow) {
			if rec.Rate <= 0 || rec.Rate > warningRate {
				continue
			}
			truck := rec.TruckNo
			if truck == "" {
				truck = "Unknown Truck"
			}
			id := InspectionAlertID(sheet, rec.Timestamp, truck)
			if snap.Acknowledged(id) {
				continue
			}

			n := models.Notification{
				ID:        id,
				Timestamp: rec.Timestamp,
				Module:    sheet,
				Action:    models.NoAction,
			}
			if rec.Rate <= criticalMaxRate {
				n.Type = models.NotificationCritical
				n.Title = "Critical: " + truck
				n.Message = fmt.Sprintf("%s Check rated %d/5. Urgent attention needed.", sheet, rec.Rate)
			} else {
				n.Type = models.NotificationWarning
				n.Title = "Warning: " + truck
				n.Message = fmt.Sprintf("%s Check rated %d/5. Maintenance review required.", sheet, rec.Rate)
			}
			out = append(out, n)
		}
	}
	return out
}

// addressedTo reports whether a SystemNotification recipient targets user.
func addressedTo(recipient string, user *models.User) bool {
	r := strings.ToLower(strings.TrimSpace(recipient))
	role := strings.ToLower(string(user.Role))
	switch {
	case r == "all":
		return true
	case r == user.Key():
		return true
	case r == role:
		return true
	case r == "admin" && user.Role == models.RoleSuperAdmin:
		return true
	}
	return false
}

// systemAlerts converts server notifications addressed to user. Rows already
// read on the server are skipped.
func systemAlerts(snap *remote.Snapshot, user *models.User, logger zerolog.Logger) []models.Notification {
	var out []models.Notification
	for _, sn := range tail(snap.SystemNotifications, systemWindow) {
		if sn.IsRead || !addressedTo(sn.Recipient, user) {
			continue
		}

		action, err := models.ParseActionLink(sn.ActionLink)
		if err != nil {
			logger.Debug().Err(err).Str("id", sn.ID).Msg("ignoring action link")
		}

		title := "Notification"
		if sn.Type == models.NotificationSuccess {
			title = "System Update"
		}
		out = append(out, models.Notification{
			ID:            sn.ID,
			Type:          sn.Type,
			Title:         title,
			Message:       sn.Message,
			Timestamp:     sn.Timestamp,
			Module:        models.NotificationModuleSystem,
			Action:        action,
			IsServerEvent: true,
		})
	}
	return out
}

// ticketAlerts lists open tickets for admins and assigned agents. Tickets
// already mentioned by a system alert are skipped.
func ticketAlerts(snap *remote.Snapshot, user *models.User, system []models.Notification) []models.Notification {
	var out []models.Notification
	for _, t := range tail(snap.Tickets, ticketWindow) {
		if !t.Status.Active() {
			continue
		}
		assigned := t.AssignedTo != "" && strings.EqualFold(t.AssignedTo, user.Name)
		if !user.Role.IsAdmin() && !assigned {
			continue
		}
		if mentioned(system, t.ID) {
			continue
		}

		title := "New Ticket"
		if t.Status == models.TicketInProgress {
			title = "Ticket In Progress"
		}
		out = append(out, models.Notification{
			ID:        TicketAlertID(t.ID, t.Status),
			Type:      models.NotificationInfo,
			Title:     title,
			Message:   fmt.Sprintf("#%s: %s", t.ID, t.Subject),
			Timestamp: t.Timestamp,
			Module:    models.NotificationModuleSupport,
			Action:    models.ViewAction(models.ViewSupport),
		})
	}
	return out
}

func mentioned(system []models.Notification, ticketID string) bool {
	for i := range system {
		if strings.Contains(system[i].Message, ticketID) {
			return true
		}
	}
	return false
}

// subscriptionAlert warns about an expired or expiring licence.
func subscriptionAlert(state subscription.State, now time.Time) (models.Notification, bool) {
	if !state.Known {
		return models.Notification{}, false
	}
	n := models.Notification{
		ID:        SubscriptionAlertID(state.ExpiryDate),
		Timestamp: now,
		Module:    models.NotificationModuleLicense,
		Action:    models.ViewAction(models.ViewSettings),
	}
	switch {
	case state.Expired():
		n.Type = models.NotificationCritical
		n.Title = "License Expired"
		n.Message = "System is locked. Please renew subscription immediately."
	case state.NeedsWarning():
		n.Type = models.NotificationWarning
		n.Title = "License Expiring"
		n.Message = fmt.Sprintf("Subscription expires in %d days. Renew to avoid lockout.", state.DaysRemaining)
	default:
		return models.Notification{}, false
	}
	return n, true
}

// syncAlert reports queued submissions waiting for the endpoint.
func syncAlert(pending int, now time.Time) (models.Notification, bool) {
	if pending <= 0 {
		return models.Notification{}, false
	}
	return models.Notification{
		ID:        SyncAlertID(pending),
		Type:      models.NotificationWarning,
		Title:     "Offline Data Pending",
		Message:   fmt.Sprintf("%d records waiting to sync. Connect to internet to upload.", pending),
		Timestamp: now,
		Module:    models.NotificationModuleSync,
		Action:    models.NoAction,
	}, true
}
