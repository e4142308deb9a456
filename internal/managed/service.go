// Package managed hosts the lifecycle controller and the management API
// surface the UI layer drives. One Service is constructed at host startup and
// passed by handle to every collaborator; there are no ambient globals.
package managed

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/relaydesk/relaydesk/internal/config"
	apperrors "github.com/relaydesk/relaydesk/internal/errors"
	"github.com/relaydesk/relaydesk/internal/events"
	"github.com/relaydesk/relaydesk/internal/gateway"
	"github.com/relaydesk/relaydesk/internal/health"
	"github.com/relaydesk/relaydesk/internal/provider"
	"github.com/relaydesk/relaydesk/internal/settings"
)

// stopTimeout bounds listener drain on stop/restart.
const stopTimeout = 10 * time.Second

// Options configures service construction.
type Options struct {
	// ConfigPath overrides the per-user managed-mode config location.
	ConfigPath string
	// SettingsPath overrides the CLI client's shared settings file location.
	SettingsPath string
	// ProviderDir is the externally-managed provider definition directory.
	// Empty disables directory sync.
	ProviderDir string
}

// Status is the derived gateway status, computed on demand.
type Status struct {
	Running         bool       `json:"running"`
	Enabled         bool       `json:"enabled"`
	Port            int        `json:"port"`
	PID             int        `json:"pid,omitempty"`
	CurrentProvider string     `json:"currentProvider,omitempty"`
	StartTime       *time.Time `json:"startTime,omitempty"`
}

// Service owns the managed-mode core: config store, provider registry,
// settings writer, gateway and health monitor.
type Service struct {
	opts     Options
	bus      *events.Bus
	cfg      *config.Config
	registry *provider.Registry
	writer   *settings.Writer
	watcher  *provider.Watcher

	mu      sync.Mutex
	gw      *gateway.Server
	monitor *health.Monitor
}

// NewService loads (or creates) the persisted config and wires the
// collaborators. The gateway is not started.
func NewService(opts Options) (*Service, error) {
	if opts.ConfigPath == "" {
		path, err := config.DefaultPath()
		if err != nil {
			return nil, err
		}
		opts.ConfigPath = path
	}
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, apperrors.New(http.StatusInternalServerError, apperrors.CodePersistence,
			"failed to load managed-mode config", err)
	}

	s := &Service{
		opts:   opts,
		bus:    events.NewBus(),
		cfg:    cfg,
		writer: settings.NewWriter(opts.SettingsPath),
	}
	s.registry = provider.NewRegistry(cfg, s.saveConfig)
	return s, nil
}

// Bus returns the log-event bus for the UI layer to subscribe to.
func (s *Service) Bus() *events.Bus { return s.bus }

// Initialize performs the one-time startup sequence: provider directory sync,
// calibration against the real settings file, watcher startup, and the
// autostart decision.
func (s *Service) Initialize() error {
	s.mu.Lock()
	if s.opts.ProviderDir != "" {
		if _, err := s.registry.SyncFromDirectory(s.opts.ProviderDir); err != nil {
			log.Warnf("managed: provider directory sync failed: %v", err)
		}
		s.watcher = provider.NewWatcher(s.opts.ProviderDir, s.onProviderDirChange)
		if err := s.watcher.Start(); err != nil {
			log.Warnf("managed: provider watcher unavailable: %v", err)
		}
	}
	s.calibrateLocked()
	autostart := s.cfg.Enabled && s.cfg.AutoStart
	s.mu.Unlock()

	if autostart {
		if err := s.Start(); err != nil {
			s.bus.Error("autostart failed", map[string]any{"error": err.Error()})
			return err
		}
	}
	return nil
}

// onProviderDirChange re-syncs the registry and hands the (possibly changed)
// active provider to the running gateway.
func (s *Service) onProviderDirChange() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.registry.SyncFromDirectory(s.opts.ProviderDir); err != nil {
		log.Warnf("managed: provider directory sync failed: %v", err)
		return
	}
	if s.gw != nil && s.gw.Running() {
		s.gw.SetProvider(s.cfg.ActiveProvider())
	}
	s.bus.Info("provider directory synchronized", map[string]any{"providers": len(s.cfg.Providers)})
}

// Start binds the gateway listener and begins health monitoring. It does not
// touch the shared settings file; that is EnableManagedMode's job.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked()
}

func (s *Service) startLocked() error {
	if s.gw != nil && s.gw.Running() {
		return apperrors.New(http.StatusConflict, apperrors.CodeAlreadyRunning, "gateway already running", nil)
	}

	gw := gateway.New(s.cfg, s.bus)
	if err := gw.Start(); err != nil {
		return err
	}
	s.gw = gw

	probeURL := s.cfg.BaseURL() + "/health"
	s.monitor = health.NewMonitor(func(ctx context.Context) error {
		return probeHealth(ctx, probeURL)
	}, s.bus, s.onGatewayDead)
	s.monitor.Start()
	return nil
}

// Stop halts health monitoring and shuts the gateway down. Idempotent.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *Service) stopLocked() error {
	if s.monitor != nil {
		s.monitor.Stop()
		s.monitor = nil
	}
	if s.gw == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	err := s.gw.Stop(ctx)
	s.gw = nil
	return err
}

// Restart stops then starts the gateway, keeping enabled-state untouched.
func (s *Service) Restart() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.stopLocked(); err != nil {
		log.Warnf("managed: stop during restart: %v", err)
	}
	return s.startLocked()
}

// onGatewayDead is the health monitor's failure callback: the tracked gateway
// handle is torn down and monitoring halts. Restart must be requested
// explicitly.
func (s *Service) onGatewayDead() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gw != nil {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		if err := s.gw.Stop(ctx); err != nil {
			log.Warnf("managed: stopping dead gateway: %v", err)
		}
		cancel()
		s.gw = nil
	}
	s.monitor = nil
	s.bus.Error("gateway handle released after failed health check", nil)
}

// GetStatus computes the derived gateway status.
func (s *Service) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Enabled:         s.cfg.Enabled,
		Port:            s.cfg.Port,
		CurrentProvider: s.cfg.CurrentProvider,
	}
	if s.gw != nil && s.gw.Running() {
		st.Running = true
		st.PID = os.Getpid()
		started := s.gw.StartedAt()
		st.StartTime = &started
	}
	return st
}

// GetConfig returns a deep copy of the current config.
func (s *Service) GetConfig() config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := *s.cfg
	out.Providers = append([]config.Provider(nil), s.cfg.Providers...)
	if s.cfg.NetworkProxy != nil {
		np := *s.cfg.NetworkProxy
		out.NetworkProxy = &np
	}
	return out
}

func (s *Service) saveConfig() error {
	if err := s.cfg.Save(s.opts.ConfigPath); err != nil {
		return apperrors.New(http.StatusInternalServerError, apperrors.CodePersistence,
			"failed to persist managed-mode config", err)
	}
	return nil
}

// probeHealth performs one liveness probe against the gateway health route.
func probeHealth(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health probe returned status %d", resp.StatusCode)
	}
	return nil
}
