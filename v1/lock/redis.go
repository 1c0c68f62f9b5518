package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-notelock/v1/metrics"
	"github.com/mirkobrombin/go-notelock/v1/syncbus"
)

const (
	backendRedis        = "redis"
	defaultPollInterval = 50 * time.Millisecond
	defaultRedisPrefix  = "notelock:"
)

var delScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// RedisOption configures a Redis locker.
type RedisOption func(*Redis)

// WithRedisTTL makes every lock expire after ttl. Zero keeps locks until released.
func WithRedisTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) { r.ttl = ttl }
}

// WithRedisPollInterval sets how often a blocked Acquire retries without an
// unlock event.
func WithRedisPollInterval(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.poll = d
		}
	}
}

// WithRedisBus sets the bus lock events are published on.
func WithRedisBus(bus syncbus.Bus) RedisOption {
	return func(r *Redis) { r.bus = bus }
}

// WithRedisLogger sets the logger used for diagnostics.
func WithRedisLogger(l *slog.Logger) RedisOption {
	return func(r *Redis) { r.logger = l }
}

// WithRedisPrefix sets the prefix of the Redis keys holding lock tokens.
func WithRedisPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = prefix }
}

// WithRedisStrictRelease makes Release return ErrNotHeld for keys this
// locker does not hold.
func WithRedisStrictRelease() RedisOption {
	return func(r *Redis) { r.strict = true }
}

// Redis implements Locker on top of a Redis server so that several processes
// can share the same keys. Waiters poll and listen for unlock events, so
// grants are not FIFO across processes.
type Redis struct {
	client *redis.Client
	bus    syncbus.Bus
	logger *slog.Logger
	ttl    time.Duration
	poll   time.Duration
	prefix string
	strict bool

	mu     sync.Mutex
	tokens map[string]string
}

// NewRedis returns a new Redis locker using the provided client.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		poll:   defaultPollInterval,
		prefix: defaultRedisPrefix,
		tokens: make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.bus == nil {
		r.bus = syncbus.NewInMemoryBus()
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Bus returns the bus r publishes lock events on.
func (r *Redis) Bus() syncbus.Bus {
	return r.bus
}

// TryLock attempts to obtain the lock without waiting.
func (r *Redis) TryLock(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.prefix+key, token, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("notelock: redis setnx %q: %w", key, err)
	}
	if ok {
		r.mu.Lock()
		r.tokens[key] = token
		r.mu.Unlock()
		metrics.AcquireCounter.WithLabelValues(backendRedis).Inc()
		metrics.HeldGauge.WithLabelValues(backendRedis).Inc()
		r.publish(ctx, key, syncbus.EventLocked)
	}
	return ok, nil
}

// Acquire blocks until the lock is obtained or the context is cancelled.
func (r *Redis) Acquire(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	ctx, span := tracer.Start(ctx, "notelock.Acquire", trace.WithAttributes(
		attribute.String("notelock.key", key),
		attribute.String("notelock.backend", backendRedis),
	))
	defer span.End()

	start := time.Now()
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, err := r.bus.Subscribe(subCtx, syncbus.Topic(key))
	if err != nil {
		// polling alone still makes progress
		r.logger.Debug("notelock: subscribe for unlock events failed", "key", key, "error", err)
		events = nil
	}
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	waiting := false
	defer func() {
		if waiting {
			metrics.WaitersGauge.WithLabelValues(backendRedis).Dec()
		}
	}()
	for {
		ok, err := r.TryLock(ctx, key)
		if err != nil {
			span.RecordError(err)
			return err
		}
		if ok {
			metrics.WaitHistogram.WithLabelValues(backendRedis).Observe(time.Since(start).Seconds())
			return nil
		}
		if !waiting {
			// counted once per blocked caller, only in this process
			waiting = true
			metrics.WaitersGauge.WithLabelValues(backendRedis).Inc()
		}
		select {
		case _, open := <-events:
			if !open {
				events = nil
			}
		case <-ticker.C:
		case <-ctx.Done():
			span.RecordError(ctx.Err())
			return ctx.Err()
		}
	}
}

// Release frees the lock for the given key if this locker holds it.
func (r *Redis) Release(ctx context.Context, key string) error {
	r.mu.Lock()
	token, ok := r.tokens[key]
	r.mu.Unlock()
	if !ok {
		return r.violation(ctx, key)
	}
	n, err := delScript.Run(ctx, r.client, []string{r.prefix + key}, token).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("notelock: redis release %q: %w", key, err)
	}
	r.mu.Lock()
	delete(r.tokens, key)
	r.mu.Unlock()
	metrics.HeldGauge.WithLabelValues(backendRedis).Dec()
	if n == 0 {
		// The token expired or was overwritten; someone else may hold the key now.
		r.logger.Warn("notelock: lock expired before release", "key", key)
		metrics.ViolationCounter.WithLabelValues(backendRedis).Inc()
		if r.strict {
			return fmt.Errorf("%w: %q expired before release", ErrNotHeld, key)
		}
		return nil
	}
	metrics.ReleaseCounter.WithLabelValues(backendRedis).Inc()
	r.publish(ctx, key, syncbus.EventUnlocked)
	return nil
}

func (r *Redis) violation(ctx context.Context, key string) error {
	r.logger.Warn("notelock: release called for a key with no outstanding lock", "key", key)
	metrics.ViolationCounter.WithLabelValues(backendRedis).Inc()
	r.publish(ctx, key, syncbus.EventViolation)
	if r.strict {
		return fmt.Errorf("%w: %q", ErrNotHeld, key)
	}
	return nil
}

func (r *Redis) publish(ctx context.Context, key string, kind syncbus.EventKind) {
	ev := syncbus.Event{Key: key, Kind: kind, At: time.Now()}
	if err := r.bus.Publish(context.WithoutCancel(ctx), syncbus.Topic(key), ev); err != nil {
		r.logger.Debug("notelock: publish lock event failed", "key", key, "event", kind, "error", err)
	}
}
