package managed

import (
	log "github.com/sirupsen/logrus"
)

// EnableManagedMode persists enabled-state, starts the gateway, injects the
// gateway-controlled keys into the shared settings file (after a one-time
// backup) and begins health monitoring.
//
// A failed backup is a non-blocking warning: the primary duty of enable is
// rewriting the settings file, and that still proceeds.
func (s *Service) EnableManagedMode() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prevAutoStart := s.cfg.AutoStart
	s.cfg.Enabled = true
	s.cfg.AutoStart = true
	if err := s.saveConfig(); err != nil {
		return err
	}

	if s.gw == nil || !s.gw.Running() {
		if err := s.startLocked(); err != nil {
			// Failed bind leaves the subsystem effectively disabled, with
			// autoStart back at its pre-enable value.
			s.cfg.Enabled = false
			s.cfg.AutoStart = prevAutoStart
			if errSave := s.saveConfig(); errSave != nil {
				log.Warnf("managed: persist after failed enable: %v", errSave)
			}
			return err
		}
	}

	if backupPath, err := s.writer.Backup(); err != nil {
		s.bus.Warn("settings backup failed, continuing", map[string]any{"error": err.Error()})
	} else if backupPath != "" {
		s.bus.Info("settings backed up", map[string]any{"backup": backupPath})
	}

	if err := s.writer.Apply(s.cfg.BaseURL(), s.cfg.AccessToken); err != nil {
		return err
	}
	s.bus.Info("managed mode enabled", map[string]any{"port": s.cfg.Port})
	return nil
}

// DisableManagedMode stops the gateway and monitor, restores the shared
// settings file from the latest backup (deleting it), and persists
// enabled=false. A failed restore is logged but never blocks the disable
// transition; leaving proxy fields behind is safer than losing the disable
// signal.
func (s *Service) DisableManagedMode() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.stopLocked(); err != nil {
		log.Warnf("managed: stop during disable: %v", err)
	}

	if err := s.writer.Restore(); err != nil {
		s.bus.Error("settings restore failed, disable proceeds", map[string]any{"error": err.Error()})
	}

	s.cfg.Enabled = false
	if err := s.saveConfig(); err != nil {
		return err
	}
	s.bus.Info("managed mode disabled", nil)
	return nil
}

// calibrateLocked reconciles remembered enabled-state against the real shared
// settings file at process start, before any autostart decision.
//
// If the file already carries exactly what the gateway would write, enabled
// is adopted without re-backing-up, which makes crash recovery idempotent. If
// it does not match while internal state claims enabled, only a warning is
// surfaced; the file was likely user-edited and must not be clobbered.
func (s *Service) calibrateLocked() {
	matches := s.writer.Matches(s.cfg.BaseURL(), s.cfg.AccessToken)
	switch {
	case matches && !s.cfg.Enabled:
		log.Info("calibration: settings already managed, adopting enabled state")
		s.cfg.Enabled = true
		if err := s.saveConfig(); err != nil {
			log.Warnf("calibration: persist adopted state: %v", err)
		}
	case matches:
		log.Debug("calibration: settings match remembered enabled state")
	case s.cfg.Enabled:
		s.bus.Warn("calibration: settings file does not match managed state; it may have been edited by hand", map[string]any{
			"settings": s.writer.Path(),
		})
	}
}
