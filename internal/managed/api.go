package managed

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/relaydesk/relaydesk/internal/config"
)

// ConfigPatch is a partial config update. Nil fields are left untouched.
// Enabled-state is only changed through Enable/DisableManagedMode.
type ConfigPatch struct {
	Port         *int                 `json:"port,omitempty"`
	AutoStart    *bool                `json:"autoStart,omitempty"`
	NetworkProxy *config.NetworkProxy `json:"networkProxy,omitempty"`
	Logging      *config.Logging      `json:"logging,omitempty"`
}

// UpdateConfig applies a partial update and restarts the gateway when a
// change affects the listener or outbound transport.
func (s *Service) UpdateConfig(patch ConfigPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	needsRestart := false
	portChanged := false
	if patch.Port != nil && *patch.Port != s.cfg.Port {
		s.cfg.Port = *patch.Port
		needsRestart = true
		portChanged = true
	}
	if patch.AutoStart != nil {
		s.cfg.AutoStart = *patch.AutoStart
	}
	if patch.NetworkProxy != nil {
		np := *patch.NetworkProxy
		s.cfg.NetworkProxy = &np
		needsRestart = true
	}
	if patch.Logging != nil {
		s.cfg.Logging = *patch.Logging
	}
	if s.cfg.Repair() {
		log.Debug("managed: config repaired during update")
	}
	if err := s.saveConfig(); err != nil {
		return err
	}
	// The settings file embeds the port in ANTHROPIC_BASE_URL; a stale value
	// would point the CLI client at a dead listener.
	if portChanged && s.cfg.Enabled {
		if err := s.writer.Apply(s.cfg.BaseURL(), s.cfg.AccessToken); err != nil {
			s.bus.Warn("settings rewrite after port change failed", map[string]any{"error": err.Error()})
		}
	}
	return s.restartIfRunningLocked(needsRestart)
}

// SwitchProvider sets the active provider and restarts the gateway when it is
// running, so new requests see the new upstream while in-flight requests
// drain against the one captured at dispatch time.
func (s *Service) SwitchProvider(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.registry.Switch(id); err != nil {
		return err
	}
	s.bus.Info("provider switched", map[string]any{"provider": id})
	return s.restartIfRunningLocked(true)
}

// AddProvider inserts a provider into the registry.
func (s *Service) AddProvider(p config.Provider) (config.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.Add(p)
}

// UpdateProvider updates a provider in place, restarting the gateway when the
// active provider was touched.
func (s *Service) UpdateProvider(p config.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	activeChanged, err := s.registry.Update(p)
	if err != nil {
		return err
	}
	return s.restartIfRunningLocked(activeChanged)
}

// DeleteProvider removes a provider. The active provider is protected.
func (s *Service) DeleteProvider(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.Delete(id)
}

// ListProviders returns a copy of the provider list.
func (s *Service) ListProviders() []config.Provider {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.List()
}

// GetAccessToken returns the local access token.
func (s *Service) GetAccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.AccessToken
}

// ValidateAccessToken reports whether token matches the configured one.
func (s *Service) ValidateAccessToken(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return config.TokenEqual(token, s.cfg.AccessToken)
}

// ResetAccessToken generates a fresh token, re-injects the settings payload
// when managed mode is enabled, and restarts the gateway when running.
func (s *Service) ResetAccessToken() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg.AccessToken = config.NewAccessToken()
	if err := s.saveConfig(); err != nil {
		return "", err
	}
	if s.cfg.Enabled {
		if err := s.writer.Apply(s.cfg.BaseURL(), s.cfg.AccessToken); err != nil {
			s.bus.Warn("settings rewrite after token reset failed", map[string]any{"error": err.Error()})
		}
	}
	if err := s.restartIfRunningLocked(true); err != nil {
		return "", err
	}
	s.bus.Info("access token reset", nil)
	return s.cfg.AccessToken, nil
}

// GetEnvCommand returns shell-specific environment-variable text pointing the
// CLI client at the local gateway. Informational only.
func (s *Service) GetEnvCommand(shell string) string {
	s.mu.Lock()
	baseURL := s.cfg.BaseURL()
	token := s.cfg.AccessToken
	s.mu.Unlock()

	switch strings.ToLower(strings.TrimSpace(shell)) {
	case "fish":
		return fmt.Sprintf("set -x ANTHROPIC_BASE_URL %s\nset -x ANTHROPIC_AUTH_TOKEN %s", baseURL, token)
	case "powershell", "pwsh":
		return fmt.Sprintf("$env:ANTHROPIC_BASE_URL = \"%s\"\n$env:ANTHROPIC_AUTH_TOKEN = \"%s\"", baseURL, token)
	default:
		return fmt.Sprintf("export ANTHROPIC_BASE_URL=%s\nexport ANTHROPIC_AUTH_TOKEN=%s", baseURL, token)
	}
}

// restartIfRunningLocked restarts the gateway when needed and running.
func (s *Service) restartIfRunningLocked(needed bool) error {
	if !needed || s.gw == nil || !s.gw.Running() {
		return nil
	}
	if err := s.stopLocked(); err != nil {
		log.Warnf("managed: stop during restart: %v", err)
	}
	return s.startLocked()
}
