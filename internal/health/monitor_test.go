package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relaydesk/relaydesk/internal/events"
)

func TestMonitor_StopsAndReportsDeadOnFailure(t *testing.T) {
	var probes atomic.Int32
	dead := make(chan struct{})

	m := NewMonitor(func(ctx context.Context) error {
		if probes.Add(1) >= 3 {
			return errors.New("connection refused")
		}
		return nil
	}, events.NewBus(), func() { close(dead) })
	m.SetLevels([]Level{
		{Interval: time.Millisecond, Threshold: 2},
		{Interval: time.Millisecond, Threshold: 0},
	})

	m.Start()

	select {
	case <-dead:
	case <-time.After(5 * time.Second):
		t.Fatal("onDead never fired after probe failure")
	}

	// Monitoring halts; no auto-restart.
	deadlineOK := false
	for i := 0; i < 100; i++ {
		if !m.Running() {
			deadlineOK = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !deadlineOK {
		t.Fatal("monitor still running after failure")
	}
	count := probes.Load()
	time.Sleep(50 * time.Millisecond)
	if probes.Load() != count {
		t.Error("probes continued after failure")
	}
}

func TestMonitor_StartIsIdempotentAndStopHalts(t *testing.T) {
	var probes atomic.Int32
	m := NewMonitor(func(ctx context.Context) error {
		probes.Add(1)
		return nil
	}, events.NewBus(), nil)
	m.SetLevels([]Level{{Interval: 5 * time.Millisecond, Threshold: 0}})

	m.Start()
	m.Start() // no-op
	if !m.Running() {
		t.Fatal("monitor should be running")
	}

	// Probe fires immediately on start.
	for i := 0; i < 100 && probes.Load() == 0; i++ {
		time.Sleep(5 * time.Millisecond)
	}
	if probes.Load() == 0 {
		t.Fatal("no immediate probe after start")
	}

	m.Stop()
	m.Stop() // idempotent
	if m.Running() {
		t.Fatal("monitor should be stopped")
	}
}
