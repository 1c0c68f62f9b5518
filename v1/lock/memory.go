package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-notelock/v1/metrics"
	"github.com/mirkobrombin/go-notelock/v1/syncbus"
)

const backendMemory = "memory"

// waiter is a pending acquisition. Its notifier is closed at most once per
// wake-up.
type waiter struct {
	notify   chan struct{}
	signaled bool
}

func (w *waiter) wake() {
	if !w.signaled {
		w.signaled = true
		close(w.notify)
	}
}

type keyState struct {
	held    bool
	waiters []*waiter
}

// grantable reports whether w (nil for a newcomer) may take the lock now.
// Newcomers never overtake queued waiters.
func (st *keyState) grantable(w *waiter) bool {
	if st.held {
		return false
	}
	if len(st.waiters) == 0 {
		return w == nil
	}
	return st.waiters[0] == w
}

// Option configures a Manager.
type Option func(*Manager)

// WithBus sets the bus lock events are published on.
func WithBus(bus syncbus.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithLogger sets the logger used for diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithNodeID sets the node identifier attached to published events.
func WithNodeID(id string) Option {
	return func(m *Manager) { m.node = id }
}

// WithStrictRelease makes Release return ErrNotHeld for keys without an
// outstanding lock instead of only logging the violation.
func WithStrictRelease() Option {
	return func(m *Manager) { m.strict = true }
}

// Manager implements Locker in local memory. Waiters on the same key are
// granted in arrival order; distinct keys never block each other.
type Manager struct {
	mu     sync.Mutex
	keys   map[string]*keyState
	bus    syncbus.Bus
	logger *slog.Logger
	node   string
	strict bool
}

// NewManager returns a new in-memory lock manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{keys: make(map[string]*keyState)}
	for _, opt := range opts {
		opt(m)
	}
	if m.bus == nil {
		m.bus = syncbus.NewInMemoryBus()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.node == "" {
		id, err := uuid.GenerateUUID()
		if err != nil {
			id = "local"
		}
		m.node = id
	}
	return m
}

var defaultManager = sync.OnceValue(func() *Manager { return NewManager() })

// Default returns the process-wide Manager.
func Default() *Manager {
	return defaultManager()
}

// NodeID returns the identifier attached to events published by m.
func (m *Manager) NodeID() string {
	return m.node
}

// Bus returns the bus m publishes lock events on.
func (m *Manager) Bus() syncbus.Bus {
	return m.bus
}

// Acquire blocks until key is granted or ctx is done. An unlocked key with
// no queued waiters is granted without blocking.
func (m *Manager) Acquire(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	ctx, span := tracer.Start(ctx, "notelock.Acquire", trace.WithAttributes(
		attribute.String("notelock.key", key),
		attribute.String("notelock.backend", backendMemory),
	))
	defer span.End()

	start := time.Now()
	var w *waiter
	for {
		m.mu.Lock()
		st := m.keys[key]
		if st == nil {
			st = &keyState{}
			m.keys[key] = st
		}
		if st.grantable(w) {
			if w != nil {
				st.waiters = st.waiters[1:]
				metrics.WaitersGauge.WithLabelValues(backendMemory).Dec()
			}
			st.held = true
			m.mu.Unlock()

			waited := time.Since(start)
			span.SetAttributes(attribute.Bool("notelock.waited", w != nil))
			metrics.WaitHistogram.WithLabelValues(backendMemory).Observe(waited.Seconds())
			m.granted(ctx, key)
			return nil
		}
		if w == nil {
			w = &waiter{notify: make(chan struct{})}
			st.waiters = append(st.waiters, w)
			metrics.WaitersGauge.WithLabelValues(backendMemory).Inc()
		} else if w.signaled {
			w.notify = make(chan struct{})
			w.signaled = false
		}
		notify := w.notify
		m.mu.Unlock()

		select {
		case <-notify:
			// re-validate the registry before taking the lock
		case <-ctx.Done():
			m.abandon(key, w)
			span.RecordError(ctx.Err())
			return ctx.Err()
		}
	}
}

// TryLock grants key only if it is free and nobody is queued for it.
func (m *Manager) TryLock(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	m.mu.Lock()
	st := m.keys[key]
	if st == nil {
		st = &keyState{}
		m.keys[key] = st
	}
	if !st.grantable(nil) {
		m.mu.Unlock()
		return false, nil
	}
	st.held = true
	m.mu.Unlock()
	m.granted(ctx, key)
	return true, nil
}

// Release frees key and wakes the first queued waiter. Releasing a key that
// is not held is a caller error: it is logged and otherwise ignored unless
// the manager is strict.
func (m *Manager) Release(ctx context.Context, key string) error {
	m.mu.Lock()
	st := m.keys[key]
	if st == nil || !st.held {
		m.mu.Unlock()
		return m.violation(ctx, key)
	}
	st.held = false
	if len(st.waiters) == 0 {
		delete(m.keys, key)
	} else {
		st.waiters[0].wake()
	}
	m.mu.Unlock()

	metrics.ReleaseCounter.WithLabelValues(backendMemory).Inc()
	metrics.HeldGauge.WithLabelValues(backendMemory).Dec()
	m.publish(ctx, key, syncbus.EventUnlocked)
	return nil
}

// Held reports whether key is currently locked.
func (m *Manager) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.keys[key]
	return st != nil && st.held
}

// Waiting returns the number of callers queued on key.
func (m *Manager) Waiting(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st := m.keys[key]; st != nil {
		return len(st.waiters)
	}
	return 0
}

// Len returns the number of keys that are held or waited on.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}

// abandon removes w from the queue of key after its context ended. A head
// that was already woken hands the wake-up on to the next waiter.
func (m *Manager) abandon(key string, w *waiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.keys[key]
	if st == nil {
		return
	}
	for i, q := range st.waiters {
		if q != w {
			continue
		}
		st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
		metrics.WaitersGauge.WithLabelValues(backendMemory).Dec()
		if i == 0 && !st.held && len(st.waiters) > 0 {
			st.waiters[0].wake()
		}
		break
	}
	if !st.held && len(st.waiters) == 0 {
		delete(m.keys, key)
	}
}

func (m *Manager) granted(ctx context.Context, key string) {
	metrics.AcquireCounter.WithLabelValues(backendMemory).Inc()
	metrics.HeldGauge.WithLabelValues(backendMemory).Inc()
	m.publish(ctx, key, syncbus.EventLocked)
}

func (m *Manager) violation(ctx context.Context, key string) error {
	m.logger.Warn("notelock: release called for a key with no outstanding lock", "key", key, "node", m.node)
	metrics.ViolationCounter.WithLabelValues(backendMemory).Inc()
	m.publish(ctx, key, syncbus.EventViolation)
	if m.strict {
		return fmt.Errorf("%w: %q", ErrNotHeld, key)
	}
	return nil
}

// publish never fails a lock operation; transport errors are only logged.
func (m *Manager) publish(ctx context.Context, key string, kind syncbus.EventKind) {
	ev := syncbus.Event{Key: key, Kind: kind, Node: m.node, At: time.Now()}
	if err := m.bus.Publish(context.WithoutCancel(ctx), syncbus.Topic(key), ev); err != nil {
		m.logger.Debug("notelock: publish lock event failed", "key", key, "event", kind, "error", err)
	}
}
