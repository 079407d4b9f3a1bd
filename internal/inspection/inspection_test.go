package inspection

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MacJediWizard/fleetcheck/internal/cache"
	"github.com/MacJediWizard/fleetcheck/internal/models"
	"github.com/MacJediWizard/fleetcheck/internal/remote"
	"github.com/MacJediWizard/fleetcheck/internal/store"
	"github.com/MacJediWizard/fleetcheck/internal/subscription"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	endpoint string
	err      error
	sent     []json.RawMessage
}

func (f *fakeSender) Endpoint() string { return f.endpoint }

func (f *fakeSender) Submit(ctx context.Context, payload json.RawMessage) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, payload)
	return nil
}

type fakeQueue struct {
	online bool
	queued []json.RawMessage
}

func (f *fakeQueue) Online(ctx context.Context) bool { return f.online }

func (f *fakeQueue) Enqueue(ctx context.Context, payload json.RawMessage) (*models.QueuedSubmission, error) {
	f.queued = append(f.queued, payload)
	return &models.QueuedSubmission{ID: "q", Payload: payload}, nil
}

type fakeSettings struct {
	sys         models.SystemSettings
	maintenance bool
}

func (f fakeSettings) System() models.SystemSettings { return f.sys }

func (f fakeSettings) MaintenanceBlocks(role models.Role) bool {
	return f.maintenance && !role.IsAdmin()
}

var inspector = &models.User{Username: "jane", Name: "Jane", Role: models.RoleInspector}

func sampleRecord() models.InspectionRecord {
	return models.InspectionRecord{
		Module:      models.ModulePetroleum,
		TruckNo:     "KAA 123A",
		TrailerNo:   "ZD 4455",
		InspectedBy: "Jane",
		DriverName:  "Sam",
		Location:    "Depot",
		Rate:        4,
		Checklist:   map[string]string{"Brakes/Handbrake": "Good", "tyres": ""},
	}
}

type harness struct {
	sender *fakeSender
	queue  *fakeQueue
	drafts *Drafts
	sub    *Submitter
}

func newHarness(t *testing.T, online bool, sendErr error, settings fakeSettings) *harness {
	t.Helper()
	kv := store.NewMemoryStore()
	h := &harness{
		sender: &fakeSender{endpoint: "https://script.example.test/exec", err: sendErr},
		queue:  &fakeQueue{online: online},
		drafts: NewDrafts(kv, zerolog.Nop()),
	}
	h.sub = NewSubmitter(h.sender, h.queue, settings, h.drafts, zerolog.Nop())
	require.NoError(t, h.drafts.Save(context.Background(), inspector, sampleRecord()))
	return h
}

func (h *harness) draftExists(t *testing.T) bool {
	t.Helper()
	_, ok := h.drafts.Load(context.Background(), inspector, models.ModulePetroleum)
	return ok
}

func TestBuildSubmission(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	rec := sampleRecord()
	rec.RequestID = "REQ-1"

	sub := BuildSubmission(rec, models.SystemSettings{CompanyName: "Acme"}, now)

	_, err := uuid.Parse(sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SheetPetroleum, sub.Sheet)
	assert.Equal(t, "create", sub.Action)
	assert.Equal(t, "REQ-1", sub.RequestID)
	require.Equal(t, len(sub.Headers), len(sub.Row))

	fields := map[string]string{}
	for i, h := range sub.Headers {
		fields[h] = sub.Row[i]
	}
	assert.Equal(t, sub.ID, fields[models.FieldID])
	assert.Equal(t, "KAA 123A", fields[models.FieldTruckNo])
	assert.Equal(t, "2024-03-01T09:30:00Z", fields[models.FieldTimestamp])
	assert.Equal(t, "4", fields[models.FieldRate])

	assert.Equal(t, "Petroleum Tanker Inspection", sub.ReportData.Title)
	assert.Equal(t, "N/A", sub.ReportData.JobCard)
	assert.Equal(t, "Acme", sub.ReportData.CompanyName)
	assert.Equal(t, []models.ReportItem{
		{Category: "Brakes", Label: "Handbrake", Status: "Good"},
		{Category: "General", Label: "tyres", Status: "N/A"},
	}, sub.ReportData.Items)

	again := BuildSubmission(rec, models.SystemSettings{}, now)
	assert.NotEqual(t, sub.ID, again.ID)
}

func TestSubmitOnline(t *testing.T) {
	h := newHarness(t, true, nil, fakeSettings{})
	var hooked []models.Module
	h.sub.OnSubmitted(func(ctx context.Context, u *models.User, m models.Module) { hooked = append(hooked, m) })

	res, err := h.sub.Submit(context.Background(), Request{User: inspector, Record: sampleRecord()})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, MsgSubmitted, res.Message)
	assert.Len(t, h.sender.sent, 1)
	assert.Empty(t, h.queue.queued)
	assert.False(t, h.draftExists(t))
	assert.Equal(t, []models.Module{models.ModulePetroleum}, hooked)
}

func TestSubmitOfflineQueuesAndClearsDraft(t *testing.T) {
	h := newHarness(t, false, nil, fakeSettings{})

	res, err := h.sub.Submit(context.Background(), Request{User: inspector, Record: sampleRecord()})
	require.NoError(t, err)
	assert.Equal(t, StatusOfflineSaved, res.Status)
	assert.Equal(t, MsgOfflineSaved, res.Message)
	assert.Empty(t, h.sender.sent)
	require.Len(t, h.queue.queued, 1)
	assert.False(t, h.draftExists(t))

	var sub models.Submission
	require.NoError(t, json.Unmarshal(h.queue.queued[0], &sub))
	assert.Equal(t, res.ID, sub.ID)
}

func TestSubmitFailureMessages(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"timeout", remote.ErrTimeout, MsgSlowNetwork},
		{"network", remote.ErrNetwork, MsgNetworkQueued},
		{"rejected", remote.ErrRejected, MsgNetworkQueued},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, true, tt.err, fakeSettings{})
			res, err := h.sub.Submit(context.Background(), Request{User: inspector, Record: sampleRecord()})
			require.NoError(t, err)
			assert.Equal(t, StatusOfflineSaved, res.Status)
			assert.Equal(t, tt.wantMsg, res.Message)
			assert.ErrorIs(t, res.Cause, tt.err)
			assert.Len(t, h.queue.queued, 1)
			assert.False(t, h.draftExists(t))
		})
	}
}

func TestSubmitGates(t *testing.T) {
	expired := subscription.State{Known: true, Status: models.SubscriptionExpired}
	superAdmin := &models.User{Username: "root", Role: models.RoleSuperAdmin}
	viewer := &models.User{Username: "ops", Role: models.RoleOperations}

	tests := []struct {
		name     string
		user     *models.User
		state    subscription.State
		settings fakeSettings
		wantErr  error
	}{
		{"locked", inspector, expired, fakeSettings{}, ErrSubscriptionLocked},
		{"superadmin never locked", superAdmin, expired, fakeSettings{}, nil},
		{"maintenance", inspector, subscription.State{}, fakeSettings{maintenance: true}, ErrMaintenance},
		{"maintenance spares admins", superAdmin, subscription.State{}, fakeSettings{maintenance: true}, nil},
		{"view only", viewer, subscription.State{}, fakeSettings{}, ErrViewOnly},
		{"no user", nil, subscription.State{}, fakeSettings{}, ErrNotLoggedIn},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, true, nil, tt.settings)
			_, err := h.sub.Submit(context.Background(), Request{User: tt.user, Record: sampleRecord(), Subscription: tt.state})
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, h.sender.sent)
			assert.Empty(t, h.queue.queued)
		})
	}
}

func TestSubmitNotConfigured(t *testing.T) {
	h := newHarness(t, false, nil, fakeSettings{})
	h.sender.endpoint = ""

	_, err := h.sub.Submit(context.Background(), Request{User: inspector, Record: sampleRecord()})
	assert.ErrorIs(t, err, remote.ErrNotConfigured)
	assert.Empty(t, h.queue.queued)
	assert.True(t, h.draftExists(t))
}

type fakeSource struct {
	mu    sync.Mutex
	snap  *remote.Snapshot
	err   error
	calls int
}

func (f *fakeSource) Snapshot(ctx context.Context) (*remote.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.snap, f.err
}

func TestHistoryNewestFirstAndValidationLists(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{snap: &remote.Snapshot{
		Inspections: map[models.Module][]models.InspectionRecord{
			models.ModuleAcid: {{ID: "old", Rate: 5}, {ID: "new", Rate: 2}},
		},
		Validation: map[string][]string{"Truck_Reg_No": {"KAA 1"}},
	}}
	h := NewHistory(src, store.NewMemoryStore(), cache.Options{}, zerolog.Nop())

	res, err := h.List(ctx, inspector, models.ModuleAcid)
	require.NoError(t, err)
	require.Len(t, res.Data, 2)
	assert.Equal(t, "new", res.Data[0].ID)
	assert.Equal(t, []string{"KAA 1"}, h.ValidationLists(ctx).Trucks)

	_, err = h.List(ctx, inspector, models.ModuleAcid)
	require.NoError(t, err)
	h.Wait()
	assert.Equal(t, 1, src.calls)

	cached, ok := h.Cached(ctx, inspector, models.ModuleAcid)
	require.True(t, ok)
	assert.Equal(t, ComputeStats(cached.Data), Stats{Total: 2, Passed: 1, PassRate: 50})
}

func TestHistoryOfflineWithoutCache(t *testing.T) {
	src := &fakeSource{err: remote.ErrNetwork}
	h := NewHistory(src, store.NewMemoryStore(), cache.Options{}, zerolog.Nop())

	_, err := h.List(context.Background(), inspector, models.ModuleGeneral)
	assert.True(t, errors.Is(err, cache.ErrNoData))
	assert.True(t, errors.Is(err, remote.ErrNetwork))
}

func TestModuleFromKey(t *testing.T) {
	for _, m := range models.Modules {
		got, ok := moduleFromKey(store.HistoryKey("bob_petroleum", m))
		require.True(t, ok)
		assert.Equal(t, m, got)
	}
	_, ok := moduleFromKey("sc_draft_bob_general")
	assert.False(t, ok)
}

func TestComputeStats(t *testing.T) {
	assert.Equal(t, Stats{}, ComputeStats(nil))
	recs := []models.InspectionRecord{{Rate: 4}, {Rate: 5}, {Rate: 3}}
	assert.Equal(t, Stats{Total: 3, Passed: 2, PassRate: 67}, ComputeStats(recs))
}
