package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Environment represents the deployment environment.
type Environment string

const (
	// EnvDevelopment enables console logging and verbose defaults.
	EnvDevelopment Environment = "development"
	// EnvStaging is the staging/pre-production environment.
	EnvStaging Environment = "staging"
	// EnvProduction is the default environment.
	EnvProduction Environment = "production"
)

// EnvPrefix is prepended to every environment variable the client reads.
const EnvPrefix = "FLEETCHECK_"

// legacyEndpointVar is the variable the web build used to preconfigure the endpoint.
const legacyEndpointVar = "VITE_APP_SCRIPT_URL"

// Normalize returns the environment, defaulting unknown values to production.
func (e Environment) Normalize() Environment {
	switch Environment(strings.ToLower(string(e))) {
	case EnvDevelopment:
		return EnvDevelopment
	case EnvStaging:
		return EnvStaging
	default:
		return EnvProduction
	}
}

// IsDevelopment reports whether console-friendly output should be used.
func (e Environment) IsDevelopment() bool {
	return e.Normalize() == EnvDevelopment
}

// LoadDotEnv loads variables from the given .env files without overriding
// variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides configuration fields from FLEETCHECK_* environment
// variables. Unset variables leave the current value in place.
func ApplyEnv(cfg *ClientConfig) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}

	if cfg.EndpointURL == "" {
		cfg.EndpointURL = strings.TrimSpace(os.Getenv(legacyEndpointVar))
	}

	cfg.Environment = cfg.Environment.Normalize()
	return nil
}
