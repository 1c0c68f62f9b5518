package lock

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
)

var (
	// ErrEmptyKey is returned when a lock operation is given an empty key.
	ErrEmptyKey = errors.New("notelock: empty lock key")
	// ErrNotHeld is returned by strict lockers when a key is released
	// without an outstanding lock.
	ErrNotHeld = errors.New("notelock: no outstanding lock for key")
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-notelock/v1/lock")

// Locker is implemented by the in-memory Manager and the Redis locker.
type Locker interface {
	// Acquire blocks until key is granted or ctx is done.
	Acquire(ctx context.Context, key string) error
	// TryLock grants key only if it is immediately available.
	TryLock(ctx context.Context, key string) (bool, error)
	// Release frees key, waking the next waiter if any.
	Release(ctx context.Context, key string) error
}

// Do runs fn while holding key. The lock is released when fn returns or
// panics. A release error is returned only if fn succeeded.
func Do(ctx context.Context, l Locker, key string, fn func(context.Context) error) (err error) {
	if err := l.Acquire(ctx, key); err != nil {
		return err
	}
	defer func() {
		if rerr := l.Release(context.WithoutCancel(ctx), key); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn(ctx)
}

// Guard acquires key and returns a function releasing it. The returned
// function is safe to call more than once; only the first call releases.
func Guard(ctx context.Context, l Locker, key string) (func() error, error) {
	if err := l.Acquire(ctx, key); err != nil {
		return nil, err
	}
	var (
		once sync.Once
		rerr error
	)
	rctx := context.WithoutCancel(ctx)
	return func() error {
		once.Do(func() {
			rerr = l.Release(rctx, key)
		})
		return rerr
	}, nil
}
