package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MacJediWizard/fleetcheck/internal/models"
)

// Endpoint action names.
const (
	ActionLogin               = "login"
	ActionRegisterUser        = "register_user"
	ActionGetUsers            = "get_users"
	ActionDeleteUser          = "delete_user"
	ActionUpdateUser          = "update_user"
	ActionAcknowledgeIssue    = "acknowledge_issue"
	ActionRequestInspection   = "request_inspection"
	ActionGetAcknowledgements = "get_acknowledgements"
	ActionMarkRead            = "mark_notification_read"
	ActionUpdateSettings      = "update_settings"
	ActionBroadcast           = "broadcast"
	ActionCheckSubscription   = "check_subscription"
	ActionExtendSubscription  = "extend_subscription"
	ActionSubmitTicket        = "submit_support_ticket"
	ActionGetTickets          = "get_tickets"
	ActionUpdateTicket        = "update_ticket"
	ActionCreate              = "create"
)

// userWire is a user as the endpoint returns it. Cells may be numbers or
// dates, so loosely typed fields are decoded as raw JSON.
type userWire struct {
	Username    json.RawMessage `json:"username"`
	Name        json.RawMessage `json:"name"`
	Role        json.RawMessage `json:"role"`
	Position    json.RawMessage `json:"position"`
	LastLogin   json.RawMessage `json:"lastLogin"`
	Preferences json.RawMessage `json:"preferences"`
	// Password is returned by get_users and dropped on conversion.
	Password json.RawMessage `json:"password"`
}

func rawString(data json.RawMessage) string {
	if isNull(data) {
		return ""
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return ""
	}
	return strings.TrimSpace(cellString(v))
}

func (w userWire) model() models.User {
	u := models.User{
		Username: rawString(w.Username),
		Name:     rawString(w.Name),
		Role:     models.NormalizeRole(rawString(w.Role)),
		Position: rawString(w.Position),
	}
	if ts := rawString(w.LastLogin); ts != "" {
		if t, err := models.ParseTimestamp(ts); err == nil {
			u.LastLogin = &t
		}
	}
	u.Preferences = decodePreferences(w.Preferences)
	return u
}

// decodePreferences accepts an object or a JSON-encoded string. Anything
// else yields zero preferences.
func decodePreferences(data json.RawMessage) models.Preferences {
	var p models.Preferences
	if isNull(data) {
		return p
	}
	if json.Unmarshal(data, &p) == nil {
		return p
	}
	var s string
	if json.Unmarshal(data, &s) == nil && s != "" {
		_ = json.Unmarshal([]byte(s), &p)
	}
	return p
}

// Login authenticates a user. The username is normalized before it is sent.
func (c *Client) Login(ctx context.Context, username, password string) (*models.User, error) {
	req := map[string]any{
		"action":   ActionLogin,
		"username": strings.ToLower(strings.TrimSpace(username)),
		"password": password,
	}
	var resp struct {
		User userWire `json:"user"`
	}
	if err := c.post(ctx, req, &resp); err != nil {
		return nil, err
	}
	u := resp.User.model()
	if u.Username == "" {
		return nil, fmt.Errorf("%w: login response without user", ErrMalformedResponse)
	}
	return &u, nil
}

// NewUser carries the fields for register_user and update_user.
type NewUser struct {
	Username    string
	Password    string
	Name        string
	Role        models.Role
	Position    string
	Preferences *models.Preferences
}

// RegisterUser creates a user.
func (c *Client) RegisterUser(ctx context.Context, u NewUser) error {
	req := map[string]any{
		"action":   ActionRegisterUser,
		"username": strings.ToLower(strings.TrimSpace(u.Username)),
		"password": u.Password,
		"name":     u.Name,
		"role":     string(u.Role),
		"position": u.Position,
	}
	if u.Preferences != nil {
		req["preferences"] = u.Preferences
	}
	return c.post(ctx, req, nil)
}

// GetUsers lists every user. Passwords returned by the endpoint are discarded.
func (c *Client) GetUsers(ctx context.Context) ([]models.User, error) {
	var resp struct {
		Users []userWire `json:"users"`
	}
	if err := c.post(ctx, map[string]any{"action": ActionGetUsers}, &resp); err != nil {
		return nil, err
	}
	users := make([]models.User, 0, len(resp.Users))
	for _, w := range resp.Users {
		u := w.model()
		if u.Username == "" {
			continue
		}
		users = append(users, u)
	}
	return users, nil
}

// DeleteUser removes a user.
func (c *Client) DeleteUser(ctx context.Context, username string) error {
	req := map[string]any{
		"action":   ActionDeleteUser,
		"username": strings.ToLower(strings.TrimSpace(username)),
	}
	return c.post(ctx, req, nil)
}

// UpdateUser modifies the user identified by originalUsername. Empty fields
// are left unchanged by the endpoint.
func (c *Client) UpdateUser(ctx context.Context, originalUsername string, u NewUser) error {
	req := map[string]any{
		"action":           ActionUpdateUser,
		"originalUsername": strings.ToLower(strings.TrimSpace(originalUsername)),
		"username":         strings.ToLower(strings.TrimSpace(u.Username)),
		"name":             u.Name,
		"role":             string(u.Role),
		"position":         u.Position,
	}
	if u.Password != "" {
		req["password"] = u.Password
	}
	if u.Preferences != nil {
		req["preferences"] = u.Preferences
	}
	return c.post(ctx, req, nil)
}

// AcknowledgeIssue records a global acknowledgement of an inspection alert.
func (c *Client) AcknowledgeIssue(ctx context.Context, issueID, user string, role models.Role) error {
	req := map[string]any{
		"action":  ActionAcknowledgeIssue,
		"issueId": issueID,
		"user":    user,
		"role":    string(role),
	}
	return c.post(ctx, req, nil)
}

// GetAcknowledgements lists acknowledged issue ids.
func (c *Client) GetAcknowledgements(ctx context.Context) ([]string, error) {
	var resp struct {
		IDs []string `json:"ids"`
	}
	if err := c.post(ctx, map[string]any{"action": ActionGetAcknowledgements}, &resp); err != nil {
		return nil, err
	}
	return resp.IDs, nil
}

// NewInspectionRequest carries the fields for request_inspection.
type NewInspectionRequest struct {
	Requester         string
	Role              models.Role
	TruckNo           string
	TrailerNo         string
	Type              string
	Reason            string
	Priority          models.TicketPriority
	AssignedInspector string
}

// RequestInspection raises an inspection request. The endpoint notifies
// inspectors with a start_inspection action link.
func (c *Client) RequestInspection(ctx context.Context, r NewInspectionRequest) error {
	req := map[string]any{
		"action":            ActionRequestInspection,
		"requester":         r.Requester,
		"role":              string(r.Role),
		"truckNo":           r.TruckNo,
		"trailerNo":         r.TrailerNo,
		"type":              r.Type,
		"reason":            r.Reason,
		"priority":          string(r.Priority),
		"assignedInspector": r.AssignedInspector,
	}
	return c.post(ctx, req, nil)
}

// MarkNotificationRead flags a system notification as read on the server.
func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	return c.post(ctx, map[string]any{"action": ActionMarkRead, "id": id}, nil)
}

// UpdateSettings appends a new System_Settings row.
func (c *Client) UpdateSettings(ctx context.Context, s models.SystemSettings, updatedBy string) error {
	req := map[string]any{
		"action":             ActionUpdateSettings,
		"companyName":        s.CompanyName,
		"managerEmail":       s.ManagerEmail,
		"updatedBy":          updatedBy,
		"companyLogo":        s.CompanyLogo,
		"mobileApkLink":      s.MobileApkLink,
		"webAppUrl":          s.WebAppURL,
		"maintenanceMode":    s.MaintenanceMode,
		"maintenanceMessage": s.MaintenanceMessage,
	}
	return c.post(ctx, req, nil)
}

// Broadcast sends a system notification to every user and returns its id.
func (c *Client) Broadcast(ctx context.Context, message string, typ models.NotificationType, action models.Action) (string, error) {
	req := map[string]any{
		"action":     ActionBroadcast,
		"message":    message,
		"type":       string(typ),
		"actionLink": action.Link(),
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// CheckSubscription returns the current licence record. The endpoint marks an
// overdue Active record Expired as a side effect.
func (c *Client) CheckSubscription(ctx context.Context) (*models.Subscription, error) {
	var resp struct {
		Subscription *subscriptionWire `json:"subscription"`
	}
	if err := c.post(ctx, map[string]any{"action": ActionCheckSubscription}, &resp); err != nil {
		return nil, err
	}
	if resp.Subscription == nil {
		return nil, fmt.Errorf("%w: missing subscription", ErrMalformedResponse)
	}
	return resp.Subscription.model(), nil
}

// ExtendSubscription adds days to the licence, counting from now when it has
// already lapsed.
func (c *Client) ExtendSubscription(ctx context.Context, days int) error {
	if days <= 0 {
		days = 30
	}
	return c.post(ctx, map[string]any{"action": ActionExtendSubscription, "days": days}, nil)
}

// NewTicket carries the fields for submit_support_ticket.
type NewTicket struct {
	Type        string
	Subject     string
	Description string
	Priority    models.TicketPriority
	User        string
	Email       string
	Role        models.Role
	Attachment  string
}

// SubmitTicket opens a support ticket and returns its id.
func (c *Client) SubmitTicket(ctx context.Context, t NewTicket) (string, error) {
	req := map[string]any{
		"action":      ActionSubmitTicket,
		"type":        t.Type,
		"subject":     t.Subject,
		"description": t.Description,
		"priority":    string(t.Priority),
		"user":        t.User,
		"email":       strings.ToLower(strings.TrimSpace(t.Email)),
		"role":        string(t.Role),
		"attachment":  t.Attachment,
	}
	var resp struct {
		TicketID string `json:"ticketId"`
	}
	if err := c.post(ctx, req, &resp); err != nil {
		return "", err
	}
	if resp.TicketID == "" {
		return "", fmt.Errorf("%w: missing ticket id", ErrMalformedResponse)
	}
	return resp.TicketID, nil
}

type ticketWire struct {
	ID          json.RawMessage        `json:"ticketId"`
	Type        json.RawMessage        `json:"type"`
	Subject     json.RawMessage        `json:"subject"`
	Description json.RawMessage        `json:"description"`
	Priority    json.RawMessage        `json:"priority"`
	User        json.RawMessage        `json:"user"`
	Email       json.RawMessage        `json:"email"`
	Role        json.RawMessage        `json:"role"`
	Timestamp   json.RawMessage        `json:"timestamp"`
	Status      json.RawMessage        `json:"status"`
	Comments    []models.TicketComment `json:"comments"`
	AssignedTo  json.RawMessage        `json:"assignedTo"`
	Attachment  json.RawMessage        `json:"attachment"`
}

func (w ticketWire) model() (models.Ticket, error) {
	t := models.Ticket{
		ID:          rawString(w.ID),
		Type:        rawString(w.Type),
		Subject:     rawString(w.Subject),
		Description: rawString(w.Description),
		Priority:    models.TicketPriority(rawString(w.Priority)),
		User:        rawString(w.User),
		Email:       rawString(w.Email),
		Role:        rawString(w.Role),
		Status:      models.TicketStatus(rawString(w.Status)),
		Comments:    w.Comments,
		AssignedTo:  rawString(w.AssignedTo),
		Attachment:  rawString(w.Attachment),
	}
	if t.ID == "" {
		return t, fmt.Errorf("%w %q", errMissingColumn, "ticketId")
	}
	ts, err := models.ParseTimestamp(rawString(w.Timestamp))
	if err != nil {
		return t, err
	}
	t.Timestamp = ts
	if t.Comments == nil {
		t.Comments = []models.TicketComment{}
	}
	return t, nil
}

// GetTickets lists tickets visible to the caller: all tickets for admins,
// otherwise those filed under email. Newest first.
func (c *Client) GetTickets(ctx context.Context, email string, role models.Role) ([]models.Ticket, error) {
	req := map[string]any{
		"action": ActionGetTickets,
		"email":  strings.ToLower(strings.TrimSpace(email)),
		"role":   string(role),
	}
	var resp struct {
		Tickets []ticketWire `json:"tickets"`
	}
	if err := c.post(ctx, req, &resp); err != nil {
		return nil, err
	}
	tickets := make([]models.Ticket, 0, len(resp.Tickets))
	for _, w := range resp.Tickets {
		t, err := w.model()
		if err != nil {
			c.logger.Warn().Err(err).Msg("skipping malformed ticket")
			continue
		}
		tickets = append(tickets, t)
	}
	return tickets, nil
}

// TicketUpdate carries the optional changes for update_ticket.
type TicketUpdate struct {
	Status     models.TicketStatus
	AssignedTo string
	Comment    *models.TicketComment
}

// UpdateTicket changes status, assignment or appends a comment.
func (c *Client) UpdateTicket(ctx context.Context, ticketID string, u TicketUpdate) error {
	req := map[string]any{
		"action":   ActionUpdateTicket,
		"ticketId": ticketID,
	}
	if u.Status != "" {
		req["status"] = string(u.Status)
	}
	if u.AssignedTo != "" {
		req["assignedTo"] = u.AssignedTo
	}
	if u.Comment != nil {
		req["comment"] = u.Comment
	}
	return c.post(ctx, req, nil)
}
