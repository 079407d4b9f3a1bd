// Package inspection builds, submits and lists inspection records.
package inspection

import (
	"context"
	"fmt"

	"github.com/MacJediWizard/fleetcheck/internal/models"
	"github.com/MacJediWizard/fleetcheck/internal/store"
	"github.com/rs/zerolog"
)

// Drafts stores one in-progress record per user and module.
type Drafts struct {
	kv     store.KV
	logger zerolog.Logger
}

// NewDrafts creates a draft store over kv.
func NewDrafts(kv store.KV, logger zerolog.Logger) *Drafts {
	return &Drafts{
		kv:     kv,
		logger: logger.With().Str("component", "drafts").Logger(),
	}
}

// Save overwrites the draft for the record's module.
func (d *Drafts) Save(ctx context.Context, user *models.User, rec models.InspectionRecord) error {
	if rec.Module == "" {
		rec.Module = models.ModuleGeneral
	}
	key := store.DraftKey(user.Key(), rec.Module)
	if err := store.SetJSON(ctx, d.kv, key, rec); err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	return nil
}

// Load returns the draft for module. A corrupt draft reads as absent.
func (d *Drafts) Load(ctx context.Context, user *models.User, module models.Module) (*models.InspectionRecord, bool) {
	var rec models.InspectionRecord
	if !store.LoadJSON(ctx, d.kv, store.DraftKey(user.Key(), module), &rec, d.logger) {
		return nil, false
	}
	rec.Module = module
	return &rec, true
}

// Clear removes the draft for module.
func (d *Drafts) Clear(ctx context.Context, user *models.User, module models.Module) error {
	return d.kv.Delete(ctx, store.DraftKey(user.Key(), module))
}
