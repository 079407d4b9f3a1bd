// Package store provides the local persistent store: a key-value area for
// drafts, caches, settings and session data, plus the ordered offline
// submission queue.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MacJediWizard/fleetcheck/internal/config"
	"github.com/MacJediWizard/fleetcheck/internal/models"
	"github.com/rs/zerolog"
)

var (
	// ErrNotFound is returned when a key or queue entry does not exist.
	ErrNotFound = errors.New("not found")
	// ErrCorrupt is returned when a stored value cannot be decoded.
	ErrCorrupt = errors.New("stored value is corrupt")
)

// KV is a flat key-value store.
type KV interface {
	// Get returns the value for key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every key starting with prefix and returns how many were removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	// Keys lists keys starting with prefix in lexical order.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// SubmissionQueue persists queued submissions in insertion order.
type SubmissionQueue interface {
	// AppendSubmission adds an entry at the tail of the queue.
	AppendSubmission(ctx context.Context, s *models.QueuedSubmission) error
	// ListSubmissions returns all entries, oldest first.
	ListSubmissions(ctx context.Context) ([]*models.QueuedSubmission, error)
	// RemoveSubmission deletes the entry with the given id or returns ErrNotFound.
	RemoveSubmission(ctx context.Context, id string) error
	// CountSubmissions returns the number of queued entries.
	CountSubmissions(ctx context.Context) (int, error)
}

// Backend is a complete local store.
type Backend interface {
	KV
	SubmissionQueue
	Ping(ctx context.Context) error
	Close() error
}

// Open creates the backend selected by cfg. dataDir is used by file based backends.
func Open(ctx context.Context, cfg config.StoreConfig, dataDir string, logger zerolog.Logger) (Backend, error) {
	switch cfg.Backend {
	case "", config.StoreSQLite:
		return NewSQLiteStore(dataDir, logger)
	case config.StoreMemory:
		return NewMemoryStore(), nil
	case config.StoreRedis:
		return NewRedisStore(ctx, cfg.RedisURL, logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// GetJSON decodes the value under key into v. Missing keys return ErrNotFound
// and undecodable values return an error wrapping ErrCorrupt.
func GetJSON(ctx context.Context, kv KV, key string, v any) error {
	data, err := kv.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}
	return nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, kv KV, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return kv.Set(ctx, key, data)
}

// LoadJSON is the never-failing read path: it decodes the value under key into
// v and reports whether it did. Missing keys, corrupt values and backend errors
// all read as absent; the latter two are logged.
func LoadJSON(ctx context.Context, kv KV, key string, v any, logger zerolog.Logger) bool {
	err := GetJSON(ctx, kv, key, v)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrNotFound):
		return false
	case errors.Is(err, ErrCorrupt):
		logger.Warn().Err(err).Str("key", key).Msg("discarding corrupt stored value")
		return false
	default:
		logger.Warn().Err(err).Str("key", key).Msg("failed to read stored value")
		return false
	}
}
