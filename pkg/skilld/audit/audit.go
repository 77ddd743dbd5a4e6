// Package audit keeps the history of deployments and poll cycles.
//
// The ledger is best-effort: failures to write are logged and counted, and
// never change the outcome of a deployment. Without a database, poll state and
// recent deployments are kept in memory only.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nais/skilld/pkg/skilld/database"
	"github.com/nais/skilld/pkg/skilld/metrics"
	"github.com/nais/skilld/pkg/types"
	log "github.com/sirupsen/logrus"
)

const (
	defaultTimeout = 5 * time.Second
	memoryCapacity = 50
)

// Error wraps a failed audit store operation.
type Error struct {
	Op    string
	Cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("audit %s: %s", e.Op, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

type Ledger struct {
	store   database.Store
	timeout time.Duration

	lock    sync.RWMutex
	lastRef string
	recent  []*types.Deployment
}

// New returns a ledger writing to store. A nil store keeps state in memory.
func New(store database.Store) *Ledger {
	return &Ledger{
		store:   store,
		timeout: defaultTimeout,
		recent:  make([]*types.Deployment, 0),
	}
}

func (l *Ledger) Persistent() bool {
	return l.store != nil
}

func (l *Ledger) context(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
}

func (l *Ledger) remember(deployment *types.Deployment) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.recent = append([]*types.Deployment{deployment}, l.recent...)
	if len(l.recent) > memoryCapacity {
		l.recent = l.recent[:memoryCapacity]
	}
}

// LogDeployment records a finalized deployment. Errors are logged, not returned.
func (l *Ledger) LogDeployment(ctx context.Context, deployment *types.Deployment) {
	if deployment == nil {
		return
	}
	logger := log.WithFields(deployment.LogFields())

	l.remember(deployment)

	if l.store == nil {
		logger.Infof("Deployment %s finished with state %s (not persisted)", deployment.ID, deployment.State)
		return
	}

	ctx, cancel := l.context(ctx)
	defer cancel()

	if err := l.store.WriteDeployment(ctx, deployment); err != nil {
		metrics.AuditFailure()
		logger.Error((&Error{Op: "write deployment", Cause: err}).Error())
		return
	}
	logger.Debugf("Deployment recorded in audit ledger")
}

// LogPollResult records a poll cycle. Errors are logged, not returned.
func (l *Ledger) LogPollResult(ctx context.Context, result *types.PollResult) {
	if result == nil || l.store == nil {
		return
	}

	ctx, cancel := l.context(ctx)
	defer cancel()

	if err := l.store.WritePollResult(ctx, result); err != nil {
		metrics.AuditFailure()
		log.WithField(types.LogFieldGitRefSha, result.HeadRef).Error((&Error{Op: "write poll result", Cause: err}).Error())
	}
}

// LastProcessedRef returns the commit the poller last finished processing, or
// an empty string if there is none. When the store is unreachable the last
// value seen by this process is returned instead, if any.
func (l *Ledger) LastProcessedRef(ctx context.Context) (string, error) {
	l.lock.RLock()
	cached := l.lastRef
	l.lock.RUnlock()

	if l.store == nil {
		return cached, nil
	}

	ctx, cancel := l.context(ctx)
	defer cancel()

	ref, err := l.store.LastProcessedRef(ctx)
	switch {
	case err == nil:
		l.lock.Lock()
		l.lastRef = ref
		l.lock.Unlock()
		return ref, nil
	case database.IsErrNotFound(err):
		return cached, nil
	case cached != "":
		metrics.AuditFailure()
		log.Warnf("%s; using last known ref %s", &Error{Op: "read poll state", Cause: err}, cached)
		return cached, nil
	default:
		metrics.AuditFailure()
		return "", &Error{Op: "read poll state", Cause: err}
	}
}

// SetLastProcessedRef persists the poll state. The in-memory copy is always updated.
func (l *Ledger) SetLastProcessedRef(ctx context.Context, ref string) error {
	l.lock.Lock()
	l.lastRef = ref
	l.lock.Unlock()

	if l.store == nil {
		return nil
	}

	ctx, cancel := l.context(ctx)
	defer cancel()

	if err := l.store.SetLastProcessedRef(ctx, ref); err != nil {
		metrics.AuditFailure()
		return &Error{Op: "write poll state", Cause: err}
	}
	return nil
}

// RecentDeployments returns up to limit deployments, newest first.
func (l *Ledger) RecentDeployments(ctx context.Context, limit int) ([]*types.Deployment, error) {
	if l.store != nil {
		ctx, cancel := l.context(ctx)
		defer cancel()

		deployments, err := l.store.Deployments(ctx, limit)
		if err == nil {
			return deployments, nil
		}
		metrics.AuditFailure()
		log.Warn((&Error{Op: "read deployments", Cause: err}).Error())
	}

	l.lock.RLock()
	defer l.lock.RUnlock()
	if limit > len(l.recent) {
		limit = len(l.recent)
	}
	recent := make([]*types.Deployment, limit)
	copy(recent, l.recent[:limit])
	return recent, nil
}

// Connected reports whether the audit store answers.
func (l *Ledger) Connected(ctx context.Context) bool {
	if l.store == nil {
		return false
	}
	ctx, cancel := l.context(ctx)
	defer cancel()
	return l.store.Ping(ctx) == nil
}
