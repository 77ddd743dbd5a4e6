package lock_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nais/skilld/pkg/lock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFileService(t *testing.T) (*lock.FileService, string) {
	dir := t.TempDir()
	svc, err := lock.NewFileService(dir)
	require.NoError(t, err)
	return svc, dir
}

func TestFileServiceAcquireRelease(t *testing.T) {
	ctx := context.Background()
	svc, _ := newFileService(t)

	release, err := svc.Acquire(ctx, lock.DeploymentKey, time.Minute)
	require.NoError(t, err)

	locked, err := svc.IsLocked(ctx, lock.DeploymentKey)
	require.NoError(t, err)
	assert.True(t, locked)

	record, err := svc.Inspect(ctx, lock.DeploymentKey)
	require.NoError(t, err)
	assert.Equal(t, lock.DeploymentKey, record.Key)
	assert.Equal(t, time.Minute, record.TTL)
	assert.NotEmpty(t, record.Holder)

	_, err = svc.Acquire(ctx, lock.DeploymentKey, time.Minute)
	assert.ErrorIs(t, err, lock.ErrLockHeld)

	var held *lock.HeldError
	require.True(t, errors.As(err, &held))
	assert.Equal(t, record.Holder, held.Record.Holder)

	require.NoError(t, release(ctx))

	locked, err = svc.IsLocked(ctx, lock.DeploymentKey)
	require.NoError(t, err)
	assert.False(t, locked)

	_, err = svc.Inspect(ctx, lock.DeploymentKey)
	assert.ErrorIs(t, err, lock.ErrNotHeld)

	release, err = svc.Acquire(ctx, lock.DeploymentKey, time.Minute)
	require.NoError(t, err)
	require.NoError(t, release(ctx))
}

func TestFileServiceIndependentKeys(t *testing.T) {
	ctx := context.Background()
	svc, _ := newFileService(t)

	releaseA, err := svc.Acquire(ctx, "a", time.Minute)
	require.NoError(t, err)
	releaseB, err := svc.Acquire(ctx, "b", time.Minute)
	require.NoError(t, err)

	require.NoError(t, releaseA(ctx))
	require.NoError(t, releaseB(ctx))
}

func TestFileServiceInvalidKey(t *testing.T) {
	svc, _ := newFileService(t)
	_, err := svc.Acquire(context.Background(), "../escape", time.Minute)
	assert.Error(t, err)
}

func TestFileServiceConcurrentAcquire(t *testing.T) {
	ctx := context.Background()
	svc, _ := newFileService(t)

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	releases := make([]lock.ReleaseFunc, 0)
	held := 0

	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			release, err := svc.Acquire(ctx, lock.DeploymentKey, time.Minute)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.ErrorIs(t, err, lock.ErrLockHeld)
				held++
				return
			}
			releases = append(releases, release)
		}()
	}
	close(start)
	wg.Wait()

	assert.Len(t, releases, 1)
	assert.Equal(t, workers-1, held)

	for _, release := range releases {
		require.NoError(t, release(ctx))
	}
}

func TestFileServiceReleaseOnlyOwnLock(t *testing.T) {
	ctx := context.Background()
	svc, dir := newFileService(t)

	release, err := svc.Acquire(ctx, lock.DeploymentKey, time.Minute)
	require.NoError(t, err)

	// Somebody else takes over the lock file out of band.
	path := filepath.Join(dir, lock.DeploymentKey+".lock")
	require.NoError(t, os.WriteFile(path, []byte(`{"key":"deployment","holder":"other","acquired":"2020-01-01T00:00:00Z","ttl":60000000000}`), 0o600))

	require.NoError(t, release(ctx))

	record, err := svc.Inspect(ctx, lock.DeploymentKey)
	require.NoError(t, err)
	assert.Equal(t, "other", record.Holder)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFileServiceStaleLock(t *testing.T) {
	ctx := context.Background()
	svc, _ := newFileService(t)

	release, err := svc.Acquire(ctx, lock.DeploymentKey, time.Millisecond)
	require.NoError(t, err)
	defer release(ctx)

	time.Sleep(10 * time.Millisecond)

	// Stale locks are still held.
	_, err = svc.Acquire(ctx, lock.DeploymentKey, time.Minute)
	assert.ErrorIs(t, err, lock.ErrLockHeld)

	record, err := svc.ForceRelease(ctx, lock.DeploymentKey)
	require.NoError(t, err)
	assert.True(t, record.Stale(time.Now()))

	locked, err := svc.IsLocked(ctx, lock.DeploymentKey)
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestFileServiceForceReleaseFresh(t *testing.T) {
	ctx := context.Background()
	svc, _ := newFileService(t)

	release, err := svc.Acquire(ctx, lock.DeploymentKey, time.Hour)
	require.NoError(t, err)
	defer release(ctx)

	_, err = svc.ForceRelease(ctx, lock.DeploymentKey)
	assert.ErrorIs(t, err, lock.ErrNotStale)

	_, err = svc.ForceRelease(ctx, "other")
	assert.ErrorIs(t, err, lock.ErrNotHeld)
}

func TestFileServiceForceReleaseCorruptRecord(t *testing.T) {
	ctx := context.Background()
	svc, dir := newFileService(t)

	path := filepath.Join(dir, lock.DeploymentKey+".lock")
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	_, err := svc.Acquire(ctx, lock.DeploymentKey, time.Minute)
	assert.ErrorIs(t, err, lock.ErrLockHeld)

	_, err = svc.Inspect(ctx, lock.DeploymentKey)
	assert.ErrorIs(t, err, lock.ErrCorruptRecord)

	record, err := svc.ForceRelease(ctx, lock.DeploymentKey)
	require.NoError(t, err)
	assert.Equal(t, lock.DeploymentKey, record.Key)
	assert.WithinDuration(t, old, record.Acquired, time.Second)

	release, err := svc.Acquire(ctx, lock.DeploymentKey, time.Minute)
	require.NoError(t, err)
	require.NoError(t, release(ctx))
}

func TestFileServiceLeavesNoStrayFiles(t *testing.T) {
	ctx := context.Background()
	svc, dir := newFileService(t)

	release, err := svc.Acquire(ctx, lock.DeploymentKey, time.Minute)
	require.NoError(t, err)
	_, err = svc.Acquire(ctx, lock.DeploymentKey, time.Minute)
	require.ErrorIs(t, err, lock.ErrLockHeld)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, lock.DeploymentKey+".lock", entries[0].Name())

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"holder"`)

	require.NoError(t, release(ctx))

	entries, err = os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRecordStale(t *testing.T) {
	now := time.Now()
	assert.False(t, lock.Record{Acquired: now, TTL: time.Minute}.Stale(now))
	assert.True(t, lock.Record{Acquired: now.Add(-2 * time.Minute), TTL: time.Minute}.Stale(now))
	assert.False(t, lock.Record{Acquired: now.Add(-2 * time.Minute)}.Stale(now))
}
