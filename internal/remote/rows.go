package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MacJediWizard/fleetcheck/internal/models"
	"github.com/rs/zerolog"
)

var errMissingColumn = errors.New("missing required column")

// normalizeHeader folds header spellings such as "Truck_No", "truckNo" and
// "Truck No" onto one lookup key.
func normalizeHeader(h string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(h)) {
		if r == '_' || r == ' ' || r == '-' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// table is a row table whose first row holds column headers.
type table struct {
	name  string
	index map[string]int
	rows  [][]string
}

func newTable(name string, raw [][]string) *table {
	t := &table{name: name, index: make(map[string]int)}
	if len(raw) == 0 {
		return t
	}
	for i, h := range raw[0] {
		key := normalizeHeader(h)
		if key == "" {
			continue
		}
		if _, dup := t.index[key]; !dup {
			t.index[key] = i
		}
	}
	t.rows = raw[1:]
	return t
}

type row struct {
	t     *table
	cells []string
}

// get returns the trimmed cell under column, or "" when the column or cell is absent.
func (r row) get(column string) string {
	i, ok := r.t.index[normalizeHeader(column)]
	if !ok || i >= len(r.cells) {
		return ""
	}
	return strings.TrimSpace(r.cells[i])
}

// require is get that fails on an empty value.
func (r row) require(column string) (string, error) {
	v := r.get(column)
	if v == "" {
		return "", fmt.Errorf("%w %q", errMissingColumn, column)
	}
	return v, nil
}

func (r row) timestamp(column string) (time.Time, error) {
	v, err := r.require(column)
	if err != nil {
		return time.Time{}, err
	}
	return models.ParseTimestamp(v)
}

func (r row) blank() bool {
	for _, c := range r.cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// decodeRows maps each data row of t through parse. Blank rows are ignored;
// rows parse rejects are skipped and logged.
func decodeRows[T any](t *table, logger zerolog.Logger, parse func(row) (T, error)) ([]T, int) {
	out := make([]T, 0, len(t.rows))
	skipped := 0
	for i, cells := range t.rows {
		r := row{t: t, cells: cells}
		if r.blank() {
			continue
		}
		v, err := parse(r)
		if err != nil {
			skipped++
			logger.Warn().Err(err).Str("table", t.name).Int("row", i+2).Msg("skipping malformed row")
			continue
		}
		out = append(out, v)
	}
	return out, skipped
}

// inspectionColumns maps normalized header names onto record fields.
var inspectionColumns = func() map[string]string {
	m := make(map[string]string)
	for _, f := range models.ModuleGeneral.Headers() {
		m[normalizeHeader(f)] = f
	}
	return m
}()

func inspectionParser(module models.Module) func(row) (models.InspectionRecord, error) {
	return func(r row) (models.InspectionRecord, error) {
		rec := models.InspectionRecord{Module: module}
		if _, err := r.require(models.FieldID); err != nil {
			return rec, err
		}
		if _, err := r.require(models.FieldTimestamp); err != nil {
			return rec, err
		}
		for key, i := range r.t.index {
			field, ok := inspectionColumns[key]
			if !ok || i >= len(r.cells) {
				continue
			}
			if err := rec.SetField(field, strings.TrimSpace(r.cells[i])); err != nil {
				return rec, err
			}
		}
		return rec, nil
	}
}

func parseSystemNotification(r row) (models.SystemNotification, error) {
	var n models.SystemNotification
	id, err := r.require("Notification_ID")
	if err != nil {
		return n, err
	}
	ts, err := r.timestamp("Timestamp")
	if err != nil {
		return n, err
	}
	return models.SystemNotification{
		ID:         id,
		Recipient:  r.get("Recipient"),
		Type:       models.ParseNotificationType(r.get("Type")),
		Message:    r.get("Message"),
		Timestamp:  ts,
		IsRead:     parseBool(r.get("IsRead")),
		ActionLink: r.get("ActionLink"),
	}, nil
}

func parseTicket(r row) (models.Ticket, error) {
	var t models.Ticket
	id, err := r.require("Ticket_ID")
	if err != nil {
		return t, err
	}
	ts, err := r.timestamp("Timestamp")
	if err != nil {
		return t, err
	}
	return models.Ticket{
		ID:          id,
		Type:        r.get("Type"),
		Subject:     r.get("Subject"),
		Description: r.get("Description"),
		Priority:    models.TicketPriority(r.get("Priority")),
		User:        r.get("User"),
		Email:       r.get("Email"),
		Role:        r.get("Role"),
		Timestamp:   ts,
		Status:      models.TicketStatus(r.get("Status")),
		Comments:    parseComments(r.get("Comments")),
		AssignedTo:  r.get("Assigned_Agent"),
		Attachment:  r.get("Attachment"),
	}, nil
}

func parseInspectionRequest(r row) (models.InspectionRequest, error) {
	var q models.InspectionRequest
	id, err := r.require("Request_ID")
	if err != nil {
		return q, err
	}
	ts, err := r.timestamp("Timestamp")
	if err != nil {
		return q, err
	}
	return models.InspectionRequest{
		ID:                id,
		Requester:         r.get("Requester"),
		Role:              r.get("Role"),
		TruckNo:           r.get("Truck_No"),
		TrailerNo:         r.get("Trailer_No"),
		Type:              r.get("Type"),
		Reason:            r.get("Reason"),
		Priority:          models.TicketPriority(r.get("Priority")),
		AssignedInspector: r.get("Assigned_Inspector"),
		Status:            models.InspectionRequestStatus(r.get("Status")),
		Timestamp:         ts,
	}, nil
}

func parseSettings(r row) (models.SystemSettings, error) {
	s := models.SystemSettings{
		CompanyName:        r.get("CompanyName"),
		ManagerEmail:       r.get("ManagerEmail"),
		UpdatedBy:          r.get("UpdatedBy"),
		CompanyLogo:        r.get("LogoBase64"),
		MobileApkLink:      r.get("MobileApkLink"),
		WebAppURL:          r.get("WebAppUrl"),
		MaintenanceMode:    parseBool(r.get("MaintenanceMode")),
		MaintenanceMessage: r.get("MaintenanceMessage"),
	}
	if ts := r.get("Timestamp"); ts != "" {
		if t, err := models.ParseTimestamp(ts); err == nil {
			s.UpdatedAt = t
		}
	}
	if s.CompanyName == "" {
		return s, fmt.Errorf("%w %q", errMissingColumn, "CompanyName")
	}
	return s, nil
}

// parseComments decodes a ticket comment thread; malformed threads are empty.
func parseComments(raw string) []models.TicketComment {
	if raw == "" {
		return []models.TicketComment{}
	}
	var comments []models.TicketComment
	if err := json.Unmarshal([]byte(raw), &comments); err != nil || comments == nil {
		return []models.TicketComment{}
	}
	return comments
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "1":
		return true
	}
	return false
}
