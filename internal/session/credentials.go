package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MacJediWizard/fleetcheck/internal/crypto"
	"github.com/MacJediWizard/fleetcheck/internal/store"
	"github.com/rs/zerolog"
)

// Credentials remembers one username and password for the login prompt.
// The blob is sealed with a key stored beside it, so it only keeps the
// password out of plain sight.
type Credentials struct {
	kv     store.KV
	logger zerolog.Logger
}

type rememberedCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// NewCredentials creates a credential store on kv.
func NewCredentials(kv store.KV, logger zerolog.Logger) *Credentials {
	return &Credentials{
		kv:     kv,
		logger: logger.With().Str("component", "credentials").Logger(),
	}
}

// Remember stores username and password, replacing earlier ones.
func (c *Credentials) Remember(ctx context.Context, username, password string) error {
	km, err := c.keyManager(ctx, true)
	if err != nil {
		return err
	}
	data, err := json.Marshal(rememberedCredentials{
		Username: strings.ToLower(strings.TrimSpace(username)),
		Password: password,
	})
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	sealed, err := km.EncryptString(string(data))
	if err != nil {
		return fmt.Errorf("seal credentials: %w", err)
	}
	if err := c.kv.Set(ctx, store.KeyRememberedCredentials, []byte(sealed)); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	return nil
}

// Recall returns the remembered credentials. Anything missing or unreadable
// reads as absent.
func (c *Credentials) Recall(ctx context.Context) (username, password string, ok bool) {
	raw, err := c.kv.Get(ctx, store.KeyRememberedCredentials)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Warn().Err(err).Msg("failed to read remembered credentials")
		}
		return "", "", false
	}
	km, err := c.keyManager(ctx, false)
	if err != nil {
		c.logger.Warn().Err(err).Msg("remembered credentials without key")
		return "", "", false
	}
	plain, err := km.DecryptString(string(raw))
	if err != nil {
		c.logger.Warn().Err(err).Msg("discarding unreadable remembered credentials")
		return "", "", false
	}
	var rc rememberedCredentials
	if err := json.Unmarshal([]byte(plain), &rc); err != nil || rc.Username == "" {
		c.logger.Warn().Msg("discarding corrupt remembered credentials")
		return "", "", false
	}
	return rc.Username, rc.Password, true
}

// Forget removes the remembered credentials and their key.
func (c *Credentials) Forget(ctx context.Context) error {
	return errors.Join(
		c.kv.Delete(ctx, store.KeyRememberedCredentials),
		c.kv.Delete(ctx, store.KeyCredentialKey),
	)
}

func (c *Credentials) keyManager(ctx context.Context, create bool) (*crypto.KeyManager, error) {
	raw, err := c.kv.Get(ctx, store.KeyCredentialKey)
	switch {
	case err == nil:
		key, err := crypto.KeyFromBase64(string(raw))
		if err == nil {
			return crypto.NewKeyManager(key)
		}
		if !create {
			return nil, err
		}
		c.logger.Warn().Err(err).Msg("replacing corrupt credential key")
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("read credential key: %w", err)
	case !create:
		return nil, err
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := c.kv.Set(ctx, store.KeyCredentialKey, []byte(crypto.KeyToBase64(key))); err != nil {
		return nil, fmt.Errorf("save credential key: %w", err)
	}
	return crypto.NewKeyManager(key)
}
