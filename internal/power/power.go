// Package power owns the sleep cycle of the appliance.
//
// The unit runs from a battery, so it spends most of its life asleep
// and wakes only to capture. The manager arms an inactivity timer that
// is reset by UI traffic; when the timer fires and sleeping is enabled
// in the configuration, the wall clock is persisted and the platform
// sleep hook is invoked. The hook is injected so tests and mains
// wanting a plain capture daemon can substitute their own.
package power

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/visiona/meterwatch/internal/settings"
)

// DefaultIdleTimeout is how long the UI may stay silent before the
// unit goes back to sleep.
const DefaultIdleTimeout = 300 * time.Second

// SleepFunc suspends the platform for the given duration. It is called
// after the wall clock has been persisted.
type SleepFunc func(d time.Duration) error

// SettingsSource supplies the sleep tunables and persists the clock.
type SettingsSource interface {
	Common() settings.CommonSettings
	SaveTime(t time.Time) error
}

// Config configures a Manager.
type Config struct {
	Settings SettingsSource
	Sleep    SleepFunc

	// IdleTimeout overrides DefaultIdleTimeout when positive.
	IdleTimeout time.Duration

	// Now overrides time.Now, for tests.
	Now func() time.Time
}

// Manager arms and re-arms the inactivity timer. Start and Stop are
// idempotent; Touch may be called from any goroutine.
type Manager struct {
	settings    SettingsSource
	sleep       SleepFunc
	idleTimeout time.Duration
	now         func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	touched chan struct{}
	done    chan struct{}
}

// New validates cfg and returns a manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Settings == nil {
		return nil, fmt.Errorf("power: settings source is required")
	}
	if cfg.Sleep == nil {
		return nil, fmt.Errorf("power: sleep hook is required")
	}
	if cfg.IdleTimeout < 0 {
		return nil, fmt.Errorf("power: idle timeout must not be negative, got %v", cfg.IdleTimeout)
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Manager{
		settings:    cfg.Settings,
		sleep:       cfg.Sleep,
		idleTimeout: cfg.IdleTimeout,
		now:         cfg.Now,
		touched:     make(chan struct{}, 1),
	}, nil
}

// Start arms the inactivity timer. Calling Start on a running manager
// is a no-op.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go m.watch(ctx, m.done)
	slog.Info("power: inactivity timer armed", "idle_timeout", m.idleTimeout)
}

// Stop disarms the timer. Safe to call more than once.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Touch resets the inactivity timer. Called on every UI request.
func (m *Manager) Touch() {
	select {
	case m.touched <- struct{}{}:
	default:
	}
}

func (m *Manager) watch(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(m.idleTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.touched:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(m.idleTimeout)
		case <-timer.C:
			if m.goToSleep() {
				return
			}
			timer.Reset(m.idleTimeout)
		}
	}
}

// goToSleep persists the clock and invokes the sleep hook. Returns
// true when the watch loop should end.
func (m *Manager) goToSleep() bool {
	common := m.settings.Common()
	if !common.SleepEnabled {
		slog.Debug("power: idle timeout reached, sleep disabled")
		return false
	}

	d := time.Duration(common.SleepSeconds) * time.Second
	if err := m.settings.SaveTime(m.now()); err != nil {
		slog.Warn("power: persisting clock before sleep failed", "error", err)
	}

	slog.Info("power: going to sleep", "duration", d)
	if err := m.sleep(d); err != nil {
		slog.Error("power: sleep hook failed", "error", err)
		return false
	}
	return true
}
