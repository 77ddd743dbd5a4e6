package lock_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/nais/skilld/pkg/lock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lockRow struct {
	holder   string
	acquired time.Time
	ttl      int64
}

// fakeQuerier keeps the lock table in memory and honours the primary key on key.
type fakeQuerier struct {
	mu   sync.Mutex
	rows map[string]lockRow
	err  error
}

func newFakeQuerier() *fakeQuerier {
	return &fakeQuerier{rows: make(map[string]lockRow)}
}

func (q *fakeQuerier) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}

	key := args[0].(string)
	switch {
	case strings.Contains(sql, "INSERT INTO lock"):
		if _, ok := q.rows[key]; ok {
			return pgconn.CommandTag("INSERT 0 0"), nil
		}
		q.rows[key] = lockRow{
			holder:   args[1].(string),
			acquired: args[2].(time.Time),
			ttl:      args[3].(int64),
		}
		return pgconn.CommandTag("INSERT 0 1"), nil
	case strings.Contains(sql, "DELETE FROM lock"):
		row, ok := q.rows[key]
		if !ok || row.holder != args[1].(string) {
			return pgconn.CommandTag("DELETE 0"), nil
		}
		delete(q.rows, key)
		return pgconn.CommandTag("DELETE 1"), nil
	}
	return nil, fmt.Errorf("unexpected statement: %s", sql)
}

func (q *fakeQuerier) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return &fakeRow{err: q.err}
	}
	key := args[0].(string)
	row, ok := q.rows[key]
	if !ok {
		return &fakeRow{err: pgx.ErrNoRows}
	}
	return &fakeRow{key: key, row: row}
}

func (q *fakeQuerier) holder(key string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	row, ok := q.rows[key]
	return row.holder, ok
}

func (q *fakeQuerier) set(key string, row lockRow) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rows[key] = row
}

type fakeRow struct {
	key string
	row lockRow
	err error
}

func (r *fakeRow) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*string) = r.key
	*dest[1].(*string) = r.row.holder
	*dest[2].(*time.Time) = r.row.acquired
	*dest[3].(*int64) = r.row.ttl
	return nil
}

func TestDatabaseServiceAcquireRelease(t *testing.T) {
	ctx := context.Background()
	db := newFakeQuerier()
	svc := lock.NewDatabaseService(db)

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
	require.NotNil(t, held.Record)
	assert.Equal(t, record.Holder, held.Record.Holder)

	require.NoError(t, release(ctx))

	locked, err = svc.IsLocked(ctx, lock.DeploymentKey)
	require.NoError(t, err)
	assert.False(t, locked)

	_, err = svc.Inspect(ctx, lock.DeploymentKey)
	assert.ErrorIs(t, err, lock.ErrNotHeld)
}

func TestDatabaseServiceConcurrentAcquire(t *testing.T) {
	ctx := context.Background()
	svc := lock.NewDatabaseService(newFakeQuerier())

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	acquired, held := 0, 0

	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := svc.Acquire(ctx, lock.DeploymentKey, time.Minute)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.ErrorIs(t, err, lock.ErrLockHeld)
				held++
				return
			}
			acquired++
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, acquired)
	assert.Equal(t, workers-1, held)
}

func TestDatabaseServiceReleaseOnlyOwnLock(t *testing.T) {
	ctx := context.Background()
	db := newFakeQuerier()
	svc := lock.NewDatabaseService(db)

	release, err := svc.Acquire(ctx, lock.DeploymentKey, time.Minute)
	require.NoError(t, err)

	// The lock was force released and taken by somebody else.
	db.set(lock.DeploymentKey, lockRow{holder: "other", acquired: time.Now(), ttl: 60})

	require.NoError(t, release(ctx))

	holder, ok := db.holder(lock.DeploymentKey)
	require.True(t, ok)
	assert.Equal(t, "other", holder)
}

func TestDatabaseServiceQueryErrors(t *testing.T) {
	ctx := context.Background()
	db := newFakeQuerier()
	db.err = errors.New("connection refused")
	svc := lock.NewDatabaseService(db)

	_, err := svc.Acquire(ctx, lock.DeploymentKey, time.Minute)
	assert.ErrorContains(t, err, "connection refused")
	assert.NotErrorIs(t, err, lock.ErrLockHeld)

	_, err = svc.IsLocked(ctx, lock.DeploymentKey)
	assert.ErrorContains(t, err, "connection refused")
}

func TestDatabaseServiceForceRelease(t *testing.T) {
	for _, test := range []struct {
		name     string
		existing *lockRow
		err      error
		released bool
	}{
		{
			name: "not held",
			err:  lock.ErrNotHeld,
		},
		{
			name:     "within ttl",
			existing: &lockRow{holder: "busy", acquired: time.Now().Add(-time.Minute), ttl: 600},
			err:      lock.ErrNotStale,
		},
		{
			name:     "without ttl",
			existing: &lockRow{holder: "busy", acquired: time.Now().Add(-24 * time.Hour)},
			err:      lock.ErrNotStale,
		},
		{
			name:     "stale",
			existing: &lockRow{holder: "crashed", acquired: time.Now().Add(-time.Hour), ttl: 60},
			released: true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			ctx := context.Background()
			db := newFakeQuerier()
			if test.existing != nil {
				db.set(lock.DeploymentKey, *test.existing)
			}
			svc := lock.NewDatabaseService(db)

			record, err := svc.ForceRelease(ctx, lock.DeploymentKey)
			if test.err != nil {
				assert.ErrorIs(t, err, test.err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, test.existing.holder, record.Holder)
			}

			_, held := db.holder(lock.DeploymentKey)
			assert.Equal(t, test.existing != nil && !test.released, held)
		})
	}
}
