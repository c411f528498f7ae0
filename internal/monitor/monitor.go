// Package monitor observes backend reachability and process lifecycle and
// decides when a flush should be attempted. It performs no sync I/O itself
// and never deduplicates triggers; the coordinator guards concurrency.
package monitor

import (
	"context"
	gosync "sync"
	"time"

	"github.com/liftlog/liftlog/internal/bus"
	"github.com/liftlog/liftlog/internal/logger"
	"github.com/liftlog/liftlog/internal/remote"
)

// Monitor fires sync triggers on startup, on offline-to-online transitions,
// and on a coarse periodic timer as a safety net against missed events.
type Monitor struct {
	client       *remote.Client
	bus          *bus.Bus
	interval     time.Duration
	backoff      []time.Duration
	probeTimeout time.Duration

	mu             gosync.Mutex
	fn             func()
	online         bool
	failCount      int
	retryTimer     *time.Timer
	startupTrigger bool
	stopCh         chan struct{}
	stopOnce       gosync.Once
}

// New creates a monitor probing reachability every interval. backoff is the
// trigger-level retry schedule applied after failed flushes.
func New(client *remote.Client, b *bus.Bus, interval time.Duration, backoff []time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		client:         client,
		bus:            b,
		interval:       interval,
		backoff:        backoff,
		probeTimeout:   5 * time.Second,
		startupTrigger: true,
		stopCh:         make(chan struct{}),
	}
}

// SetStartupTrigger controls whether the first healthy probe fires a sync
// trigger. Connectivity probing itself is unaffected.
func (m *Monitor) SetStartupTrigger(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startupTrigger = enabled
}

// OnSyncTrigger registers the single flush callback. Must be called before
// Start.
func (m *Monitor) OnSyncTrigger(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fn = fn
}

// Start begins probing. The initial probe counts as the startup signal: if
// the backend is reachable, a trigger fires immediately.
func (m *Monitor) Start() {
	m.probe(true)

	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.probe(false)
			}
		}
	}()
}

// probe checks reachability once and fires triggers per the transition
// rules. startup forces a trigger on the first healthy probe.
func (m *Monitor) probe(startup bool) {
	ctx, cancel := context.WithTimeout(context.Background(), m.probeTimeout)
	err := m.client.Healthz(ctx)
	cancel()
	reachable := err == nil

	m.mu.Lock()
	wasOnline := m.online
	m.online = reachable
	fn := m.fn
	startupTrigger := m.startupTrigger
	m.mu.Unlock()

	if reachable != wasOnline {
		logger.Info("monitor: connectivity changed, online=%v", reachable)
		if m.bus != nil {
			m.bus.Publish(bus.Event{
				Type:    bus.EventConnectivityChanged,
				Payload: bus.ConnectivityChanged{Online: reachable},
			})
		}
	}

	if !reachable || fn == nil {
		return
	}

	// Startup with network available, offline-to-online transition, or the
	// periodic safety net: all fire the same trigger.
	switch {
	case startup:
		if !startupTrigger {
			return
		}
		logger.Debug("monitor: startup trigger")
		fn()
	case !wasOnline:
		logger.Debug("monitor: connectivity regained trigger")
		fn()
	default:
		logger.Debug("monitor: periodic trigger")
		fn()
	}
}

// Online reports the last known connectivity.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// ScheduleRetry arms a one-shot trigger after the backoff delay for the
// current consecutive-failure count. Called after a flush cycle that left
// retryable work queued; the delay grows with each consecutive failure.
func (m *Monitor) ScheduleRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.backoff) == 0 || m.fn == nil {
		return
	}

	idx := m.failCount
	if idx >= len(m.backoff) {
		idx = len(m.backoff) - 1
	}
	m.failCount++
	delay := m.backoff[idx]

	if m.retryTimer != nil {
		m.retryTimer.Stop()
	}
	fn := m.fn
	m.retryTimer = time.AfterFunc(delay, fn)
	logger.Debug("monitor: retry trigger scheduled in %s", delay)
}

// ResetBackoff clears the consecutive-failure count after a clean flush.
func (m *Monitor) ResetBackoff() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCount = 0
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

// Stop tears down the probe loop and any pending retry timer.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	logger.Debug("monitor: stopped")
}
