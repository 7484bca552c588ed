package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.outreach/config.toml.
type Config struct {
	DefaultSession string  `toml:"default_session"`
	Backend        Backend `toml:"backend"`
	Sender         Sender  `toml:"sender"`
	Queue          Queue   `toml:"queue"`
	Listen         Listen  `toml:"listen"`
}

// Sender identifies the volunteer on whose behalf messages go out. The
// fields feed the %UserFirst%, %UserLast% and %UserCity% template
// variables.
type Sender struct {
	FirstName string `toml:"first_name"`
	LastName  string `toml:"last_name"`
	City      string `toml:"city"`
}

// Backend configures the campaign backend the daemon reconciles against.
type Backend struct {
	BaseURL        string `toml:"base_url"`
	APIToken       string `toml:"api_token"`
	UserID         string `toml:"user_id"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Queue tunes the reconciliation engine.
type Queue struct {
	// BrowsePageSize is the shared-contacts page size for the
	// identification browsing list.
	BrowsePageSize int `toml:"browse_page_size"`
	// BrowseMax caps the browsing list per user.
	BrowseMax int `toml:"browse_max"`
	// MatchedContactsMax caps each message's matched-contact list.
	MatchedContactsMax int `toml:"matched_contacts_max"`
	// ConfirmIntervalSeconds is the background retry cadence for
	// unconfirmed sent records.
	ConfirmIntervalSeconds int `toml:"confirm_interval_seconds"`
}

// Listen configures the daemon's local HTTP API.
type Listen struct {
	Addr string `toml:"addr"`
}

// Default returns a config with usable defaults for everything but the
// backend credentials.
func Default() *Config {
	return &Config{
		DefaultSession: "main",
		Backend:        Backend{TimeoutSeconds: 15},
		Queue: Queue{
			BrowsePageSize:         50,
			BrowseMax:              1000,
			MatchedContactsMax:     200,
			ConfirmIntervalSeconds: 30,
		},
		Listen: Listen{Addr: "127.0.0.1:7733"},
	}
}

// Load reads config from the given path and applies environment overrides.
// Missing file is an error; callers that tolerate a missing file fall back
// to Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	return cfg, nil
}

// LoadOrDefault reads config from the given path, falling back to defaults
// when no file exists yet. Environment overrides apply either way.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if os.IsNotExist(err) {
		cfg = Default()
		cfg.applyEnv()
		return cfg, nil
	}
	return nil, err
}

// applyEnv overrides secrets and endpoints from the environment, so tokens
// need not live in the config file. A .env file loaded via godotenv in main
// feeds these as well.
func (c *Config) applyEnv() {
	if v := os.Getenv("OUTREACH_BASE_URL"); v != "" {
		c.Backend.BaseURL = v
	}
	if v := os.Getenv("OUTREACH_API_TOKEN"); v != "" {
		c.Backend.APIToken = v
	}
	if v := os.Getenv("OUTREACH_USER_ID"); v != "" {
		c.Backend.UserID = v
	}
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
