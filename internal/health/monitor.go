package health

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/relaydesk/relaydesk/internal/events"
)

// probeTimeout bounds a single liveness probe.
const probeTimeout = 5 * time.Second

// ProbeFunc performs one liveness probe against the gateway.
type ProbeFunc func(ctx context.Context) error

// Monitor runs at most one probe at a time and reschedules itself from the
// outcome. A failed probe means the gateway process is treated as dead:
// monitoring halts and the onDead callback fires. There is no auto-restart.
type Monitor struct {
	probe  ProbeFunc
	bus    *events.Bus
	onDead func()
	levels []Level

	mu             sync.Mutex
	running        bool
	cancel         context.CancelFunc
	state          State
	totalSuccesses int
}

// NewMonitor creates a monitor using the default level schedule.
func NewMonitor(probe ProbeFunc, bus *events.Bus, onDead func()) *Monitor {
	return &Monitor{probe: probe, bus: bus, onDead: onDead, levels: DefaultLevels}
}

// SetLevels overrides the level schedule. Only useful in tests.
func (m *Monitor) SetLevels(levels []Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.levels = levels
}

// Start resets the state to level 0 and probes immediately. Starting an
// already-running monitor is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.state = State{}
	m.totalSuccesses = 0
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	go m.loop(ctx)
}

// Stop halts monitoring. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

func (m *Monitor) stopLocked() {
	if !m.running {
		return
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.running = false
}

// Running reports whether the monitor is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Snapshot returns the current check state and probe interval.
func (m *Monitor) Snapshot() (State, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.levels[m.state.LevelIndex].Interval
}

func (m *Monitor) loop(ctx context.Context) {
	for {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := m.probe(probeCtx)
		cancel()
		if ctx.Err() != nil {
			return
		}

		m.mu.Lock()
		levels := m.levels
		next, delay, levelChanged := Advance(levels, m.state, err == nil)
		m.state = next
		if err == nil {
			m.totalSuccesses++
		}
		total := m.totalSuccesses
		if err != nil {
			m.stopLocked()
		}
		m.mu.Unlock()

		if err != nil {
			m.bus.Publish("error", events.TypeError, "health check failed, gateway treated as dead", map[string]any{
				"error": err.Error(),
			})
			m.bus.Warn("health monitor reset to level 0 and stopped", nil)
			if m.onDead != nil {
				m.onDead()
			}
			return
		}

		if shouldLogSuccess(total, levelChanged) {
			fields := map[string]any{
				"successes":   total,
				"level":       next.LevelIndex,
				"interval_ms": delay.Milliseconds(),
			}
			if levelChanged {
				m.bus.Info("health check interval advanced", fields)
			} else {
				m.bus.Info("health check ok", fields)
			}
		} else {
			log.Debugf("health check ok (successes=%d level=%d)", total, next.LevelIndex)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}
