package inspection

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/MacJediWizard/fleetcheck/internal/cache"
	"github.com/MacJediWizard/fleetcheck/internal/models"
	"github.com/MacJediWizard/fleetcheck/internal/remote"
	"github.com/MacJediWizard/fleetcheck/internal/store"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// SnapshotSource returns the endpoint's table snapshot.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (*remote.Snapshot, error)
}

// History serves per-user inspection history through the cache.
type History struct {
	source SnapshotSource
	kv     store.KV
	cache  *cache.Cache[[]models.InspectionRecord]
	logger zerolog.Logger
}

// NewHistory creates a history service.
func NewHistory(source SnapshotSource, kv store.KV, opts cache.Options, logger zerolog.Logger) *History {
	h := &History{
		source: source,
		kv:     kv,
		logger: logger.With().Str("component", "history").Logger(),
	}
	h.cache = cache.New[[]models.InspectionRecord](kv, h.load, opts, logger)
	return h
}

// List returns the history for module, newest first, refreshing stale data in
// the background.
func (h *History) List(ctx context.Context, user *models.User, module models.Module) (cache.Result[[]models.InspectionRecord], error) {
	return h.cache.Fetch(ctx, store.HistoryKey(user.Key(), module))
}

// Cached returns whatever is stored for module without touching the network.
func (h *History) Cached(ctx context.Context, user *models.User, module models.Module) (cache.Result[[]models.InspectionRecord], bool) {
	return h.cache.Get(ctx, store.HistoryKey(user.Key(), module))
}

// Refresh reloads module from the endpoint. Without force a fresh entry is
// kept.
func (h *History) Refresh(ctx context.Context, user *models.User, module models.Module, force bool) (cache.Result[[]models.InspectionRecord], error) {
	return h.cache.Refresh(ctx, store.HistoryKey(user.Key(), module), force)
}

// RefreshAll force-refreshes every module for user.
func (h *History) RefreshAll(ctx context.Context, user *models.User) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, m := range models.Modules {
		g.Go(func() error {
			_, err := h.Refresh(ctx, user, m, true)
			return err
		})
	}
	return g.Wait()
}

// ValidationLists returns the cached autocomplete lists.
func (h *History) ValidationLists(ctx context.Context) models.ValidationLists {
	var lists models.ValidationLists
	store.LoadJSON(ctx, h.kv, store.KeyValidationLists, &lists, h.logger)
	return lists
}

// Wait blocks until background refreshes finish.
func (h *History) Wait() {
	h.cache.Wait()
}

func (h *History) load(ctx context.Context, key string) ([]models.InspectionRecord, error) {
	module, ok := moduleFromKey(key)
	if !ok {
		return nil, fmt.Errorf("no module in history key %q", key)
	}

	snap, err := h.source.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	if len(snap.Validation) > 0 {
		if err := store.SetJSON(ctx, h.kv, store.KeyValidationLists, snap.ValidationLists()); err != nil {
			h.logger.Warn().Err(err).Msg("failed to cache validation lists")
		}
	}

	rows := snap.Inspections[module]
	out := make([]models.InspectionRecord, len(rows))
	for i, r := range rows {
		out[len(rows)-1-i] = r
	}
	return out, nil
}

// moduleFromKey resolves the module a history key belongs to.
func moduleFromKey(key string) (models.Module, bool) {
	if !strings.HasPrefix(key, store.PrefixHistory) {
		return "", false
	}
	for _, m := range []models.Module{models.ModulePetroleumV2, models.ModulePetroleum, models.ModuleAcid, models.ModuleGeneral} {
		if strings.HasSuffix(key, "_"+string(m)) {
			return m, true
		}
	}
	return "", false
}

// Stats summarises a history list.
type Stats struct {
	Total  int `json:"total"`
	Passed int `json:"passed"`
	// PassRate is the rounded percentage of records rated 4 or better.
	PassRate int `json:"passRate"`
}

// ComputeStats returns totals for records.
func ComputeStats(records []models.InspectionRecord) Stats {
	s := Stats{Total: len(records)}
	if s.Total == 0 {
		return s
	}
	for i := range records {
		if records[i].Passed() {
			s.Passed++
		}
	}
	s.PassRate = int(math.Round(float64(s.Passed) / float64(s.Total) * 100))
	return s
}
