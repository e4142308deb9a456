// Package config provides the persisted managed-mode configuration: the
// gateway listen port, the upstream provider list, the local access token and
// related flags. The file is JSON at a fixed per-user location and is
// auto-repaired on load so callers never observe a half-valid config.
package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultPort is the gateway listen port used when none is configured.
const DefaultPort = 8045

// Provider describes one upstream endpoint plus its credential.
type Provider struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	APIBaseURL string    `json:"apiBaseUrl"`
	APIKey     string    `json:"apiKey"`
	Models     []string  `json:"models,omitempty"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// NetworkProxy configures an optional outbound proxy for upstream calls.
type NetworkProxy struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

// Logging holds the event-logging flags surfaced to the UI layer.
type Logging struct {
	Enabled bool   `json:"enabled"`
	Level   string `json:"level"`
}

// Config is the root persisted managed-mode entity.
type Config struct {
	Enabled         bool          `json:"enabled"`
	AutoStart       bool          `json:"autoStart"`
	Port            int           `json:"port"`
	CurrentProvider string        `json:"currentProvider"`
	Providers       []Provider    `json:"providers"`
	AccessToken     string        `json:"accessToken"`
	NetworkProxy    *NetworkProxy `json:"networkProxy,omitempty"`
	Logging         Logging       `json:"logging"`
}

// DefaultPath returns the per-user config file location.
func DefaultPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "relaydesk", "managed-mode.json"), nil
}

// Default returns a fresh config with a generated access token.
func Default() *Config {
	return &Config{
		Port:        DefaultPort,
		Providers:   []Provider{},
		AccessToken: NewAccessToken(),
		Logging:     Logging{Enabled: true, Level: "info"},
	}
}

// Load reads the config file at path, repairing missing fields. A missing
// file yields a freshly generated default config persisted back to path; an
// unreadable or invalid file is replaced by defaults as well, since a broken
// config must never block the gateway.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warnf("config: read %s failed, regenerating defaults: %v", path, err)
		}
		cfg := Default()
		if errSave := cfg.Save(path); errSave != nil {
			return nil, errSave
		}
		return cfg, nil
	}

	var cfg Config
	if err = json.Unmarshal(data, &cfg); err != nil {
		log.Warnf("config: invalid JSON in %s, regenerating defaults: %v", path, err)
		cfg2 := Default()
		if errSave := cfg2.Save(path); errSave != nil {
			return nil, errSave
		}
		return cfg2, nil
	}

	if cfg.Repair() {
		if errSave := cfg.Save(path); errSave != nil {
			return nil, errSave
		}
	}
	return &cfg, nil
}

// Save persists the config atomically (write temp file, then rename).
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err = os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Repair fills missing fields and clears dangling references. It reports
// whether anything was changed.
func (c *Config) Repair() bool {
	changed := false
	if c.Port <= 0 || c.Port > 65535 {
		c.Port = DefaultPort
		changed = true
	}
	if c.AccessToken == "" {
		c.AccessToken = NewAccessToken()
		changed = true
	}
	if c.Providers == nil {
		c.Providers = []Provider{}
		changed = true
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
		changed = true
	}
	// A dangling active-provider reference is cleared, never left stale.
	if c.CurrentProvider != "" && c.FindProvider(c.CurrentProvider) == nil {
		c.CurrentProvider = ""
		changed = true
	}
	return changed
}

// FindProvider returns the provider with the given id, or nil.
func (c *Config) FindProvider(id string) *Provider {
	for i := range c.Providers {
		if c.Providers[i].ID == id {
			return &c.Providers[i]
		}
	}
	return nil
}

// ActiveProvider returns the currently selected provider, or nil when none is
// selected or the reference does not resolve.
func (c *Config) ActiveProvider() *Provider {
	if c.CurrentProvider == "" {
		return nil
	}
	return c.FindProvider(c.CurrentProvider)
}

// BaseURL returns the local gateway base URL for the configured port.
func (c *Config) BaseURL() string {
	return "http://127.0.0.1:" + strconv.Itoa(c.Port)
}
