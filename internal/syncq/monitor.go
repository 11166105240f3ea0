package syncq

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Pinger probes the remote store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor tracks remote store connectivity with a periodic probe and manual
// overrides, and notifies callbacks on every transition.
type Monitor struct {
	pinger    Pinger
	interval  time.Duration
	timeout   time.Duration
	online    atomic.Bool
	lastCheck atomic.Value // time.Time

	mu        sync.RWMutex
	callbacks []func(online bool)

	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewMonitor creates a monitor that assumes the store is reachable until a
// probe says otherwise.
func NewMonitor(p Pinger, interval, timeout time.Duration, logger *zap.Logger) *Monitor {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	m := &Monitor{
		pinger:   p,
		interval: interval,
		timeout:  timeout,
		logger:   logger.Named("monitor"),
	}
	m.online.Store(true)
	m.lastCheck.Store(time.Time{})
	Online.Set(1)
	return m
}

// RegisterCallback adds fn to the callbacks run on connectivity changes.
func (m *Monitor) RegisterCallback(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// Online reports the last known connectivity.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// LastCheck returns when the store was last probed.
func (m *Monitor) LastCheck() time.Time {
	t, _ := m.lastCheck.Load().(time.Time)
	return t
}

// SetOnline overrides the connectivity state. Callbacks run only when the
// state changes.
func (m *Monitor) SetOnline(online bool) {
	if m.online.Swap(online) == online {
		return
	}
	if online {
		Online.Set(1)
		m.logger.Info("remote store reachable")
	} else {
		Online.Set(0)
		m.logger.Warn("remote store unreachable")
	}

	m.mu.RLock()
	callbacks := append([]func(bool){}, m.callbacks...)
	m.mu.RUnlock()
	for _, fn := range callbacks {
		fn(online)
	}
}

// Check probes the store once and records the result.
func (m *Monitor) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.pinger.Ping(ctx)
	m.lastCheck.Store(time.Now())
	if err != nil {
		m.logger.Debug("probe failed", zap.Error(err))
	}
	m.SetOnline(err == nil)
	return err == nil
}

// Start probes the store every interval until Stop. A non-positive interval
// disables probing; SetOnline still works.
func (m *Monitor) Start(ctx context.Context) {
	if m.interval <= 0 {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		m.Check(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Check(ctx)
			}
		}
	}()
}

// Stop ends probing and waits for the probe goroutine.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}
