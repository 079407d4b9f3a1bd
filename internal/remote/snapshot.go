package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MacJediWizard/fleetcheck/internal/models"
)

// Snapshot is the decoded result of a GET on the endpoint: every table except
// Users, mapped into typed records.
type Snapshot struct {
	FetchedAt           time.Time
	Inspections         map[models.Module][]models.InspectionRecord
	SystemNotifications []models.SystemNotification
	Tickets             []models.Ticket
	Requests            []models.InspectionRequest
	// Settings is the latest System_Settings row, nil when the table is empty.
	Settings *models.SystemSettings
	// Validation maps Validation_Data columns onto their unique values.
	Validation       map[string][]string
	Acknowledgements []string
	Subscription     *models.Subscription
	// Skipped counts rows dropped because they failed schema mapping.
	Skipped int

	acked map[string]struct{}
}

// Acknowledged reports whether an issue id is in the Acknowledgements table.
func (s *Snapshot) Acknowledged(id string) bool {
	if s == nil {
		return false
	}
	if s.acked == nil {
		for _, a := range s.Acknowledgements {
			if a == id {
				return true
			}
		}
		return false
	}
	_, ok := s.acked[id]
	return ok
}

// ValidationLists returns the autocomplete lists carried by the snapshot.
func (s *Snapshot) ValidationLists() models.ValidationLists {
	return models.ValidationListsFromColumns(s.Validation)
}

// Snapshot fetches and decodes the full table snapshot.
func (c *Client) Snapshot(ctx context.Context) (*Snapshot, error) {
	body, err := c.do(ctx, http.MethodGet, nil)
	if err != nil {
		return nil, err
	}
	snap, err := c.parseSnapshot(body)
	if err != nil {
		return nil, err
	}
	snap.FetchedAt = c.now()
	if snap.Skipped > 0 {
		c.logger.Debug().Int("skipped", snap.Skipped).Msg("snapshot rows skipped")
	}
	return snap, nil
}

func (c *Client) parseSnapshot(body []byte) (*Snapshot, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	// An error envelope instead of table data.
	if status, ok := raw["status"]; ok && string(status) == `"error"` {
		var env envelope
		_ = json.Unmarshal(body, &env)
		return nil, &RemoteError{Message: env.Message, Code: env.Code}
	}

	snap := &Snapshot{
		Inspections: make(map[models.Module][]models.InspectionRecord),
		Validation:  make(map[string][]string),
		acked:       make(map[string]struct{}),
	}

	for _, m := range models.Modules {
		t, ok, err := c.rowTable(raw, m.Sheet())
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		recs, skipped := decodeRows(t, c.logger, inspectionParser(m))
		snap.Inspections[m] = recs
		snap.Skipped += skipped
	}

	if t, ok, err := c.rowTable(raw, models.SheetSystemNotification); err != nil {
		return nil, err
	} else if ok {
		var skipped int
		snap.SystemNotifications, skipped = decodeRows(t, c.logger, parseSystemNotification)
		snap.Skipped += skipped
	}

	if t, ok, err := c.rowTable(raw, models.SheetSupportTickets); err != nil {
		return nil, err
	} else if ok {
		var skipped int
		snap.Tickets, skipped = decodeRows(t, c.logger, parseTicket)
		snap.Skipped += skipped
	}

	if t, ok, err := c.rowTable(raw, models.SheetInspectionRequests); err != nil {
		return nil, err
	} else if ok {
		var skipped int
		snap.Requests, skipped = decodeRows(t, c.logger, parseInspectionRequest)
		snap.Skipped += skipped
	}

	if t, ok, err := c.rowTable(raw, models.SheetSystemSettings); err != nil {
		return nil, err
	} else if ok && len(t.rows) > 0 {
		// The latest row wins.
		last := &table{name: t.name, index: t.index, rows: t.rows[len(t.rows)-1:]}
		settings, skipped := decodeRows(last, c.logger, parseSettings)
		snap.Skipped += skipped
		if len(settings) == 1 {
			snap.Settings = &settings[0]
		}
	}

	if data, ok := raw[models.SheetValidationData]; ok {
		cols, err := decodeColumns(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedResponse, models.SheetValidationData, err)
		}
		snap.Validation = cols
	}

	if data, ok := raw[models.SheetAcknowledgements]; ok {
		ids, err := decodeCells(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedResponse, models.SheetAcknowledgements, err)
		}
		for _, id := range ids {
			if id == "" {
				continue
			}
			snap.Acknowledgements = append(snap.Acknowledgements, id)
			snap.acked[id] = struct{}{}
		}
	}

	if data, ok := raw[models.SheetSubscriptionData]; ok {
		sub, err := decodeSubscription(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedResponse, models.SheetSubscriptionData, err)
		}
		snap.Subscription = sub
	}

	return snap, nil
}

// rowTable decodes a header-first row table. ok is false when the table is absent.
func (c *Client) rowTable(raw map[string]json.RawMessage, name string) (*table, bool, error) {
	data, ok := raw[name]
	if !ok || isNull(data) {
		return nil, false, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var rows [][]any
	if err := dec.Decode(&rows); err != nil {
		return nil, false, fmt.Errorf("%w: %s: %v", ErrMalformedResponse, name, err)
	}

	cells := make([][]string, len(rows))
	for i, r := range rows {
		cells[i] = make([]string, len(r))
		for j, v := range r {
			cells[i][j] = cellString(v)
		}
	}
	return newTable(name, cells), true, nil
}

func decodeColumns(data json.RawMessage) (map[string][]string, error) {
	out := make(map[string][]string)
	if isNull(data) {
		return out, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var cols map[string][]any
	if err := dec.Decode(&cols); err != nil {
		return nil, err
	}
	for name, values := range cols {
		if name == "" {
			continue
		}
		seen := make(map[string]struct{}, len(values))
		list := make([]string, 0, len(values))
		for _, v := range values {
			s := strings.TrimSpace(cellString(v))
			if s == "" {
				continue
			}
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			list = append(list, s)
		}
		out[name] = list
	}
	return out, nil
}

func decodeCells(data json.RawMessage) ([]string, error) {
	if isNull(data) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var values []any
	if err := dec.Decode(&values); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, strings.TrimSpace(cellString(v)))
	}
	return out, nil
}

type subscriptionWire struct {
	Status        string          `json:"status"`
	Plan          string          `json:"plan"`
	ExpiryDate    string          `json:"expiryDate"`
	DaysRemaining json.RawMessage `json:"daysRemaining,omitempty"`
}

func (w subscriptionWire) model() *models.Subscription {
	sub := &models.Subscription{
		Status:     models.SubscriptionStatus(strings.TrimSpace(w.Status)),
		Plan:       w.Plan,
		ExpiryDate: w.ExpiryDate,
	}
	if t, err := models.ParseTimestamp(w.ExpiryDate); err == nil {
		sub.Expiry = t
	}
	return sub
}

func decodeSubscription(data json.RawMessage) (*models.Subscription, error) {
	if isNull(data) {
		return nil, nil
	}
	var w subscriptionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	return w.model(), nil
}

// cellString renders a decoded JSON cell the way the sheet displays it.
func cellString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		if x {
			return "TRUE"
		}
		return "FALSE"
	default:
		data, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(data)
	}
}

func isNull(data json.RawMessage) bool {
	return len(bytes.TrimSpace(data)) == 0 || string(bytes.TrimSpace(data)) == "null"
}
