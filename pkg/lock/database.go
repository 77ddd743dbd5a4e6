package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgconn"
	"github.com/nais/skilld/pkg/types"
	log "github.com/sirupsen/logrus"
)

// Querier is the subset of a pgx connection pool used by DatabaseService.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// DatabaseService keeps locks as rows in the lock table. The primary key on
// the lock name makes the insert an atomic create-if-absent across hosts.
type DatabaseService struct {
	db  Querier
	now func() time.Time
}

var _ Service = &DatabaseService{}

func NewDatabaseService(db Querier) *DatabaseService {
	return &DatabaseService{
		db:  db,
		now: time.Now,
	}
}

func (s *DatabaseService) Acquire(ctx context.Context, key string, ttl time.Duration) (ReleaseFunc, error) {
	record := Record{
		Key:      key,
		Holder:   NewHolder(),
		Acquired: s.now().UTC(),
		TTL:      ttl,
	}

	query := `
INSERT INTO lock (key, holder, acquired, ttl_seconds)
VALUES ($1, $2, $3, $4)
ON CONFLICT (key) DO NOTHING;
`
	tag, err := s.db.Exec(ctx, query, record.Key, record.Holder, record.Acquired, int64(ttl.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("insert lock row: %w", err)
	}

	if tag.RowsAffected() == 0 {
		current, err := s.Inspect(ctx, key)
		if err != nil {
			current = nil
		}
		return nil, &HeldError{Key: key, Record: current}
	}

	log.WithField(types.LogFieldLockKey, key).Debugf("Acquired lock as %s", record.Holder)

	return func(ctx context.Context) error {
		query := `DELETE FROM lock WHERE key = $1 AND holder = $2;`
		tag, err := s.db.Exec(ctx, query, record.Key, record.Holder)
		if err != nil {
			return fmt.Errorf("delete lock row: %w", err)
		}
		if tag.RowsAffected() == 0 {
			log.WithField(types.LogFieldLockKey, key).Warnf("Lock was no longer held by %s on release", record.Holder)
			return nil
		}
		log.WithField(types.LogFieldLockKey, key).Debugf("Released lock held by %s", record.Holder)
		return nil
	}, nil
}

func (s *DatabaseService) Inspect(ctx context.Context, key string) (*Record, error) {
	query := `SELECT key, holder, acquired, ttl_seconds FROM lock WHERE key = $1;`

	record := &Record{}
	var ttl int64
	err := s.db.QueryRow(ctx, query, key).Scan(&record.Key, &record.Holder, &record.Acquired, &ttl)
	if err == pgx.ErrNoRows {
		return nil, ErrNotHeld
	}
	if err != nil {
		return nil, fmt.Errorf("select lock row: %w", err)
	}
	record.TTL = time.Duration(ttl) * time.Second

	return record, nil
}

func (s *DatabaseService) IsLocked(ctx context.Context, key string) (bool, error) {
	_, err := s.Inspect(ctx, key)
	switch err {
	case nil:
		return true, nil
	case ErrNotHeld:
		return false, nil
	default:
		return false, err
	}
}

func (s *DatabaseService) ForceRelease(ctx context.Context, key string) (*Record, error) {
	current, err := s.Inspect(ctx, key)
	if err != nil {
		return nil, err
	}

	if !current.Stale(s.now()) {
		return current, ErrNotStale
	}

	query := `DELETE FROM lock WHERE key = $1 AND holder = $2;`
	_, err = s.db.Exec(ctx, query, current.Key, current.Holder)
	if err != nil {
		return current, fmt.Errorf("delete lock row: %w", err)
	}

	log.WithField(types.LogFieldLockKey, key).Warnf("Force released stale lock held by %s since %s", current.Holder, current.Acquired)
	return current, nil
}
