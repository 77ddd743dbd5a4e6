package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/nais/skilld/pkg/types"
	log "github.com/sirupsen/logrus"
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9._\-]+$`)

// ErrCorruptRecord is returned for a lock file that cannot be decoded.
var ErrCorruptRecord = errors.New("lock record is corrupt")

// FileService keeps one lock file per key in a directory. The record is written
// to a temporary file and hard linked into place, so the lock file appears
// complete or not at all, and only one caller can win the link.
type FileService struct {
	dir string
	now func() time.Time
}

var _ Service = &FileService{}

func NewFileService(dir string) (*FileService, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	return &FileService{
		dir: dir,
		now: time.Now,
	}, nil
}

func (s *FileService) path(key string) (string, error) {
	if !keyPattern.MatchString(key) {
		return "", fmt.Errorf("invalid lock key %q", key)
	}
	return filepath.Join(s.dir, key+".lock"), nil
}

func (s *FileService) Acquire(ctx context.Context, key string, ttl time.Duration) (ReleaseFunc, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}

	record := Record{
		Key:      key,
		Holder:   NewHolder(),
		Acquired: s.now(),
		TTL:      ttl,
	}
	data, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(s.dir, "."+key+".lock.tmp-*")
	if err != nil {
		return nil, fmt.Errorf("create lock file: %w", err)
	}
	defer os.Remove(tmp.Name())

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, fmt.Errorf("write lock file: %w", err)
	}

	if err := os.Link(tmp.Name(), path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			current, _ := s.read(path)
			return nil, &HeldError{Key: key, Record: current}
		}
		return nil, fmt.Errorf("create lock file: %w", err)
	}

	log.WithField(types.LogFieldLockKey, key).Debugf("Acquired lock as %s", record.Holder)

	return func(ctx context.Context) error {
		return s.release(path, record)
	}, nil
}

// release moves the lock file aside before checking the holder, so that a lock
// taken over by another holder is never deleted. A record that turns out not
// to be ours is linked back into place.
func (s *FileService) release(path string, owned Record) error {
	logger := log.WithField(types.LogFieldLockKey, owned.Key)

	tombstone := path + ".released-" + uuid.New().String()
	if err := os.Rename(path, tombstone); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warnf("Lock was removed while held by %s", owned.Holder)
			return nil
		}
		return fmt.Errorf("release lock file: %w", err)
	}

	current, err := s.read(tombstone)
	if err != nil || current.Holder != owned.Holder {
		if linkErr := os.Link(tombstone, path); linkErr != nil && !errors.Is(linkErr, fs.ErrExist) {
			return fmt.Errorf("restore lock file of another holder from %s: %w", tombstone, linkErr)
		}
		os.Remove(tombstone)
		if err == nil {
			logger.Warnf("Not releasing lock now held by %s", current.Holder)
		} else {
			logger.Warnf("Not releasing unreadable lock: %s", err)
		}
		return nil
	}

	if err := os.Remove(tombstone); err != nil {
		return fmt.Errorf("remove lock file: %w", err)
	}
	logger.Debugf("Released lock held by %s", owned.Holder)
	return nil
}

func (s *FileService) read(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotHeld
		}
		return nil, fmt.Errorf("read lock file: %w", err)
	}

	record := &Record{}
	if err := json.Unmarshal(data, record); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %s", ErrCorruptRecord, path, err)
	}
	return record, nil
}

func (s *FileService) Inspect(ctx context.Context, key string) (*Record, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	return s.read(path)
}

func (s *FileService) IsLocked(ctx context.Context, key string) (bool, error) {
	path, err := s.path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (s *FileService) ForceRelease(ctx context.Context, key string) (*Record, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}

	current, err := s.read(path)
	switch {
	case errors.Is(err, ErrCorruptRecord):
		info, statErr := os.Stat(path)
		if statErr != nil {
			return nil, err
		}
		current = &Record{Key: key, Acquired: info.ModTime()}
		log.WithField(types.LogFieldLockKey, key).Warnf("Removing undecodable lock file: %s", err)
	case err != nil:
		return nil, err
	case !current.Stale(s.now()):
		return current, ErrNotStale
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return current, fmt.Errorf("remove lock file: %w", err)
	}

	log.WithField(types.LogFieldLockKey, key).Warnf("Force released stale lock held by %s since %s", current.Holder, current.Acquired)
	return current, nil
}
