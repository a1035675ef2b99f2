// Package envlock serializes mutation of an environment's running artifact
// across processes. Snapshot writes and container swaps for one environment
// must never interleave between two concurrent attempts.
package envlock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const acquireInterval = 250 * time.Millisecond

// Acquire takes the advisory lock for the named environment, blocking until
// the lock is held or ctx ends. The returned release function is safe to call
// once.
func Acquire(ctx context.Context, dir, environment string) (func(), error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	lock := flock.New(filepath.Join(dir, environment+".lock"))
	ok, err := lock.TryLockContext(ctx, acquireInterval)
	if err != nil {
		return nil, fmt.Errorf("acquire %s lock: %w", environment, err)
	}
	if !ok {
		return nil, fmt.Errorf("environment %s is locked by another attempt", environment)
	}
	return func() { _ = lock.Unlock() }, nil
}

// TryAcquire takes the lock without blocking; a held lock is an error because
// a second concurrent attempt against one environment is a usage error, not
// something to queue.
func TryAcquire(dir, environment string) (func(), error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	lock := flock.New(filepath.Join(dir, environment+".lock"))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire %s lock: %w", environment, err)
	}
	if !ok {
		return nil, fmt.Errorf("environment %s is locked by another attempt", environment)
	}
	return func() { _ = lock.Unlock() }, nil
}
