// Package config loads environment-based configuration.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for smaregi-mcp.
type Config struct {
	// HTTP server settings.
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	// External URL clients use to reach this server. Required: it is
	// baked into OAuth metadata and WWW-Authenticate headers.
	ServerURL string `env:"SERVER_URL"`

	// Smaregi application credentials.
	ClientID     string `env:"SMAREGI_CLIENT_ID"`
	ClientSecret string `env:"SMAREGI_CLIENT_SECRET"`

	// Smaregi identity provider and API endpoints.
	AuthURL     string `env:"SMAREGI_AUTH_URL" envDefault:"https://id.smaregi.jp/authorize"`
	TokenURL    string `env:"SMAREGI_TOKEN_URL" envDefault:"https://id.smaregi.jp/authorize/token"`
	UserinfoURL string `env:"SMAREGI_USERINFO_URL" envDefault:"https://id.smaregi.jp/userinfo"`
	APIBase     string `env:"SMAREGI_API_BASE" envDefault:"https://api.smaregi.jp"`

	// Redirect URI registered with Smaregi for this server's callback.
	// Defaults to SERVER_URL + /oauth/callback when empty.
	RedirectURI string `env:"REDIRECT_URI"`

	// Scopes requested when a session does not specify its own.
	Scopes string `env:"SMAREGI_SCOPES" envDefault:"openid pos.products:read pos.transactions:read pos.stores:read"`

	// Directory holding per-namespace OpenAPI documents (pos.json,
	// common.yaml, ...). When empty or unreadable, built-in fixtures
	// are used instead.
	SchemaDir string `env:"SCHEMA_DIR" envDefault:"schema"`

	// Path of the bbolt database for sessions and tokens. Defaults to
	// ~/.smaregi-mcp/state.db when empty.
	StateDBPath string `env:"STATE_DB_PATH"`

	// Optional path to write a YAML snapshot of the generated tool
	// catalog, for inspection. Disabled when empty.
	ToolsSnapshotPath string `env:"TOOLS_SNAPSHOT_PATH"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.RedirectURI == "" && cfg.ServerURL != "" {
		cfg.RedirectURI = strings.TrimRight(cfg.ServerURL, "/") + "/oauth/callback"
	}

	if cfg.StateDBPath == "" {
		path, err := defaultStateDBPath()
		if err != nil {
			return nil, err
		}

		cfg.StateDBPath = path
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve SchemaDir to an absolute path at startup so the watcher
	// and the loader agree on the directory regardless of later chdir.
	if cfg.SchemaDir != "" {
		absDir, err := filepath.Abs(cfg.SchemaDir)
		if err != nil {
			return nil, fmt.Errorf("resolving schema dir to absolute path: %w", err)
		}

		cfg.SchemaDir = absDir
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("SERVER_URL is required")
	}

	if c.ClientID == "" {
		return fmt.Errorf("SMAREGI_CLIENT_ID is required")
	}

	if c.ClientSecret == "" {
		return fmt.Errorf("SMAREGI_CLIENT_SECRET is required")
	}

	for name, value := range map[string]string{
		"SMAREGI_AUTH_URL":     c.AuthURL,
		"SMAREGI_TOKEN_URL":    c.TokenURL,
		"SMAREGI_USERINFO_URL": c.UserinfoURL,
		"SMAREGI_API_BASE":     c.APIBase,
	} {
		if !strings.HasPrefix(value, "http://") && !strings.HasPrefix(value, "https://") {
			return fmt.Errorf("%s must be an http(s) URL", name)
		}
	}

	return nil
}

// ParseScopes splits the configured scope string on spaces or commas.
func (c *Config) ParseScopes() []string {
	fields := strings.FieldsFunc(c.Scopes, func(r rune) bool {
		return r == ' ' || r == ','
	})

	scopes := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			scopes = append(scopes, f)
		}
	}

	return scopes
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func defaultStateDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".smaregi-mcp", "state.db"), nil
}
