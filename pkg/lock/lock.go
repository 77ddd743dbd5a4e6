// Package lock provides exclusive, crash-safe mutual exclusion over named critical
// sections. Acquisition is an atomic create-if-absent; a held lock is never taken
// over automatically, even when stale.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

const DeploymentKey = "deployment"

var (
	ErrLockHeld = errors.New("lock is held")
	ErrNotHeld  = errors.New("lock is not held")
	ErrNotStale = errors.New("lock has not exceeded its ttl")
)

// Record is the persisted token of a held lock.
type Record struct {
	Key      string        `json:"key"`
	Holder   string        `json:"holder"`
	Acquired time.Time     `json:"acquired"`
	TTL      time.Duration `json:"ttl"`
}

func (r Record) Age(now time.Time) time.Duration {
	return now.Sub(r.Acquired)
}

// Stale reports whether the holder has kept the lock longer than its ttl.
func (r Record) Stale(now time.Time) bool {
	return r.TTL > 0 && r.Age(now) > r.TTL
}

// HeldError is returned when acquiring a lock that somebody else holds.
type HeldError struct {
	Key    string
	Record *Record
}

func (e *HeldError) Error() string {
	if e.Record == nil {
		return fmt.Sprintf("lock %q is held", e.Key)
	}
	return fmt.Sprintf("lock %q is held by %s since %s", e.Key, e.Record.Holder, e.Record.Acquired.Format(time.RFC3339))
}

func (e *HeldError) Is(target error) bool {
	return target == ErrLockHeld
}

// ReleaseFunc releases a lock obtained from Acquire. It only removes the lock if
// it is still owned by the caller.
type ReleaseFunc func(ctx context.Context) error

type Service interface {
	// Acquire takes the lock or fails immediately with a *HeldError.
	Acquire(ctx context.Context, key string, ttl time.Duration) (ReleaseFunc, error)
	// Inspect returns the current record, or ErrNotHeld.
	Inspect(ctx context.Context, key string) (*Record, error)
	// IsLocked reports whether the lock is held, stale or not.
	IsLocked(ctx context.Context, key string) (bool, error)
	// ForceRelease removes a lock whose ttl has elapsed, or whose record cannot
	// be read back. It refuses with ErrNotStale if the holder is still within
	// its ttl.
	ForceRelease(ctx context.Context, key string) (*Record, error)
}

// NewHolder returns a process identity unique to one acquisition.
func NewHolder() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s/%d/%s", hostname, os.Getpid(), uuid.New().String())
}
