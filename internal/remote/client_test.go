package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MacJediWizard/fleetcheck/internal/models"
	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, srv.Client(), Options{SubmitTimeout: 200 * time.Millisecond}, testLogger()), srv
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func TestSubmitSendsPlainText(t *testing.T) {
	var gotType, gotBody string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		writeJSON(w, map[string]string{"status": "success"})
	})

	payload := json.RawMessage(`{"sheet":"General","action":"create"}`)
	if err := c.Submit(context.Background(), payload); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if gotType != "text/plain;charset=utf-8" {
		t.Errorf("Content-Type = %q", gotType)
	}
	if gotBody != string(payload) {
		t.Errorf("body = %q, want %q", gotBody, payload)
	}
}

func TestSubmitErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr error
	}{
		{
			name: "html body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/html")
				io.WriteString(w, "\n<!DOCTYPE html><html>Sign in</html>")
			},
			wantErr: ErrMalformedResponse,
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			wantErr: ErrNetwork,
		},
		{
			name: "rejected",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, map[string]string{"status": "error", "message": "bad row"})
			},
			wantErr: ErrRejected,
		},
		{
			name: "slow endpoint",
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(2 * time.Second):
				}
			},
			wantErr: ErrTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, tt.handler)
			err := c.Submit(context.Background(), json.RawMessage(`{}`))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Submit() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSubmitUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(url, nil, Options{}, testLogger())
	err := c.Submit(context.Background(), json.RawMessage(`{}`))
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("Submit() error = %v, want ErrNetwork", err)
	}
	if !IsOffline(err) {
		t.Error("IsOffline() = false for a refused connection")
	}
}

func TestNotConfigured(t *testing.T) {
	c := NewClient("", nil, Options{}, testLogger())
	if _, err := c.Snapshot(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Snapshot() error = %v, want ErrNotConfigured", err)
	}
	if err := c.Ping(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Ping() error = %v, want ErrNotConfigured", err)
	}
}

func TestLogin(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		switch {
		case req["username"] == "alice@fleet.io" && req["password"] == "pw":
			writeJSON(w, map[string]any{
				"status": "success",
				"user": map[string]any{
					"username":    "alice@fleet.io",
					"name":        "Alice",
					"role":        " admin ",
					"position":    "Manager",
					"preferences": map[string]bool{"notifyAcid": true},
				},
			})
		case req["username"] == "nobody":
			writeJSON(w, map[string]string{"status": "error", "message": "No users found in database.", "code": "NO_USERS"})
		default:
			writeJSON(w, map[string]string{"status": "error", "message": "Invalid username or password.", "code": "INVALID_CREDENTIALS"})
		}
	})

	ctx := context.Background()
	u, err := c.Login(ctx, "  Alice@Fleet.io", "pw")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if u.Role != models.RoleAdmin || u.Name != "Alice" || !u.Preferences.NotifyAcid {
		t.Errorf("Login() user = %+v", u)
	}

	if _, err := c.Login(ctx, "alice@fleet.io", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password error = %v, want ErrInvalidCredentials", err)
	}
	if _, err := c.Login(ctx, "nobody", "x"); !errors.Is(err, ErrNoUsers) {
		t.Errorf("empty user table error = %v, want ErrNoUsers", err)
	}
}

func TestGetUsersDropsPasswords(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"status": "success",
			"users": []map[string]any{
				{"username": "a@x", "password": "secret", "name": "A", "role": "Inspector", "preferences": `{"emailNotifications":true}`},
				{"username": "", "password": "orphan"},
			},
		})
	})

	users, err := c.GetUsers(context.Background())
	if err != nil {
		t.Fatalf("GetUsers: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("len(users) = %d, want 1", len(users))
	}
	if !users[0].Preferences.EmailNotifications {
		t.Error("preferences encoded as a string were not decoded")
	}
	if users[0].Username != "a@x" || users[0].Role != models.RoleInspector {
		t.Errorf("users[0] = %+v", users[0])
	}
}

func TestSnapshotParsing(t *testing.T) {
	var hits atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Method != http.MethodGet || r.URL.Query().Get("t") == "" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL)
		}
		io.WriteString(w, `{
			"General": [
				["id","timestamp","truckNo","trailerNo","inspectedBy","driverName","location","odometer","rate"],
				["g1","2024-03-01T10:00:00.000Z","ABC 123","T1","Ivy","Dan","Depot","1000",2],
				["g2","not a date","XYZ","T2","Ivy","Dan","Depot","1000",5],
				["","","","","","","","",""]
			],
			"Acid": [],
			"SystemNotification": [
				["Notification_ID","Recipient","Type","Message","Timestamp","IsRead","ActionLink"],
				["N1","All","critical","Hello","2024-03-01T10:00:00Z",false,"view:support"],
				["N2","admin","info","Read","2024-03-01T10:00:00Z","TRUE",""]
			],
			"Support_Tickets": [
				["Ticket_ID","Type","Subject","Description","Priority","User","Email","Role","Timestamp","Status","Comments","Assigned_Agent","Attachment"],
				["TKT-1001","Bug","S","D","High","U","u@x","Inspector","2024-03-01T10:00:00Z","Open","not json","agent@x",""]
			],
			"System_Settings": [
				["CompanyName","ManagerEmail","UpdatedBy","Timestamp","LogoBase64","MobileApkLink","WebAppUrl","MaintenanceMode","MaintenanceMessage"],
				["Old Co","old@x","a","2024-01-01T00:00:00Z","","","",false,""],
				["New Co","new@x","b","2024-02-01T00:00:00Z","","","",true,"Down"]
			],
			"Validation_Data": {"Truck_Reg_No": ["ABC 123", "", "ABC 123", 42]},
			"Acknowledgements": ["General_1_ABC", 7],
			"Subscription_Data": {"status": "Active", "plan": "Pro", "expiryDate": "2030-01-01T00:00:00.000Z"}
		}`)
	})

	snap, err := c.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("hits = %d, want 1", hits.Load())
	}

	general := snap.Inspections[models.ModuleGeneral]
	if len(general) != 1 || general[0].ID != "g1" || general[0].Rate != 2 || general[0].TruckNo != "ABC 123" {
		t.Errorf("general = %+v", general)
	}
	if _, ok := snap.Inspections[models.ModuleAcid]; !ok {
		t.Error("empty Acid table should still be present")
	}
	if snap.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", snap.Skipped)
	}

	if len(snap.SystemNotifications) != 2 || snap.SystemNotifications[0].IsRead || !snap.SystemNotifications[1].IsRead {
		t.Errorf("system notifications = %+v", snap.SystemNotifications)
	}
	if snap.SystemNotifications[0].Type != models.NotificationCritical {
		t.Errorf("type = %s, want critical", snap.SystemNotifications[0].Type)
	}

	if len(snap.Tickets) != 1 || snap.Tickets[0].AssignedTo != "agent@x" || len(snap.Tickets[0].Comments) != 0 {
		t.Errorf("tickets = %+v", snap.Tickets)
	}

	if snap.Settings == nil || snap.Settings.CompanyName != "New Co" || !snap.Settings.MaintenanceMode {
		t.Errorf("settings = %+v", snap.Settings)
	}

	if got := snap.Validation["Truck_Reg_No"]; len(got) != 2 || got[0] != "ABC 123" || got[1] != "42" {
		t.Errorf("validation = %v", got)
	}
	if !snap.Acknowledged("General_1_ABC") || !snap.Acknowledged("7") || snap.Acknowledged("other") {
		t.Errorf("acknowledgements = %v", snap.Acknowledgements)
	}

	if snap.Subscription == nil || snap.Subscription.Plan != "Pro" || snap.Subscription.Expiry.Year() != 2030 {
		t.Errorf("subscription = %+v", snap.Subscription)
	}
}

func TestSnapshotNullSubscription(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"Subscription_Data": null}`)
	})
	snap, err := c.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Subscription != nil {
		t.Errorf("Subscription = %+v, want nil", snap.Subscription)
	}
	if snap.Settings != nil {
		t.Errorf("Settings = %+v, want nil", snap.Settings)
	}
}

func TestSnapshotHTML(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "<html>login required</html>")
	})
	if _, err := c.Snapshot(context.Background()); !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("Snapshot() error = %v, want ErrMalformedResponse", err)
	}
}

func TestGetTickets(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"status":"success","tickets":[
			{"ticketId":"TKT-1","subject":"S","priority":"Critical","timestamp":"2024-03-01T10:00:00.000Z","status":"In Progress",
			 "comments":[{"user":"a","role":"Admin","message":"on it","timestamp":"2024-03-01T11:00:00Z"}]},
			{"ticketId":"","timestamp":"2024-03-01T10:00:00Z"}
		]}`)
	})

	tickets, err := c.GetTickets(context.Background(), "U@X", models.RoleInspector)
	if err != nil {
		t.Fatalf("GetTickets: %v", err)
	}
	if len(tickets) != 1 {
		t.Fatalf("len(tickets) = %d, want 1", len(tickets))
	}
	if !tickets[0].Status.Active() || len(tickets[0].Comments) != 1 {
		t.Errorf("ticket = %+v", tickets[0])
	}
}

func TestBroadcastSendsActionLink(t *testing.T) {
	var got map[string]any
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		writeJSON(w, map[string]string{"status": "success", "id": "SYS-BCAST-1"})
	})

	id, err := c.Broadcast(context.Background(), "hello", models.NotificationWarning, models.ViewAction(models.ViewSupport))
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if id != "SYS-BCAST-1" {
		t.Errorf("id = %q", id)
	}
	if got["action"] != ActionBroadcast || got["actionLink"] != "view:support" || got["type"] != "warning" {
		t.Errorf("request = %v", got)
	}
}

func TestPing(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("method = %s, want HEAD", r.Method)
		}
		w.WriteHeader(http.StatusMethodNotAllowed)
	})
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v, want nil for any HTTP response", err)
	}
}
