// Command server runs the managed-mode gateway as a standalone process. The
// desktop UI normally embeds the service in-process; this binary exists for
// headless use and development.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/relaydesk/relaydesk/internal/buildinfo"
	"github.com/relaydesk/relaydesk/internal/logging"
	"github.com/relaydesk/relaydesk/internal/managed"
)

func main() {
	var (
		configPath   = flag.String("config", "", "managed-mode config file (default: per-user location)")
		settingsPath = flag.String("settings", "", "shared CLI settings file (default: ~/.claude/settings.json)")
		providerDir  = flag.String("providers", "", "externally-managed provider definition directory")
		logDir       = flag.String("log-dir", "", "directory for rotated log files (default: stderr only)")
		logLevel     = flag.String("log-level", "info", "log level: debug, info, warn, error")
	)
	flag.Parse()

	logging.Setup(*logLevel, *logDir)
	log.Infof("relaydesk gateway %s (%s)", buildinfo.Version, buildinfo.Commit)

	svc, err := managed.NewService(managed.Options{
		ConfigPath:   *configPath,
		SettingsPath: *settingsPath,
		ProviderDir:  *providerDir,
	})
	if err != nil {
		log.Fatalf("service construction failed: %v", err)
	}

	if err = svc.Initialize(); err != nil {
		// Autostart failures are recoverable through the management API; the
		// process stays up so the UI can intervene.
		log.Warnf("initialize: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	// Plain stop on shutdown: enabled-state and the settings file stay as
	// they are, and calibration reconciles on the next start.
	if err = svc.Stop(); err != nil {
		log.Warnf("shutdown: %v", err)
	}
	log.Info("bye")
}
