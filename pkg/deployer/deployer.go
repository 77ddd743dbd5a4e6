// Package deployer writes validated skill documents into the skill directory.
//
// A deployment holds the global deployment lock for its whole duration. It takes
// a full backup of the skill directory, writes each document through a temporary
// file and an atomic rename, bumps the reload sentinel watched by the serving
// host, and probes the directory. If anything after the backup fails, the
// directory is restored from the backup and the sentinel is bumped again.
package deployer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nais/skilld/pkg/lock"
	"github.com/nais/skilld/pkg/skill"
	"github.com/nais/skilld/pkg/telemetry"
	"github.com/nais/skilld/pkg/types"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	otrace "go.opentelemetry.io/otel/trace"
)

const (
	DefaultSentinel       = ".reload"
	DefaultLockTTL        = 10 * time.Minute
	DefaultHealthTimeout  = 5 * time.Second
	DefaultArchiveTimeout = 2 * time.Minute

	tempSuffix = ".tmp-*"
	backupsDir = "backups"
)

type Config struct {
	SkillDir       string
	StateDir       string
	Sentinel       string
	LockTTL        time.Duration
	HealthTimeout  time.Duration
	ArchiveTimeout time.Duration
}

var ErrDraining = errors.New("deployer is shutting down")

// Archiver receives every backup after the deployment lock is released.
type Archiver interface {
	Archive(ctx context.Context, deploymentID, dir string) error
}

type Deployer struct {
	config      Config
	locks       lock.Service
	archiver    Archiver
	healthCheck HealthCheck
	now         func() time.Time

	mu       sync.Mutex
	draining bool
	inflight sync.WaitGroup
}

type Option func(*Deployer)

func WithArchiver(archiver Archiver) Option {
	return func(d *Deployer) {
		d.archiver = archiver
	}
}

func WithHealthCheck(check HealthCheck) Option {
	return func(d *Deployer) {
		d.healthCheck = check
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Deployer) {
		d.now = now
	}
}

func New(config Config, locks lock.Service, opts ...Option) (*Deployer, error) {
	if config.SkillDir == "" {
		return nil, fmt.Errorf("skill directory must be configured")
	}
	if config.StateDir == "" {
		return nil, fmt.Errorf("state directory must be configured")
	}
	if config.Sentinel == "" {
		config.Sentinel = DefaultSentinel
	}
	if strings.ContainsRune(config.Sentinel, filepath.Separator) {
		return nil, fmt.Errorf("reload sentinel %q must be a plain file name", config.Sentinel)
	}
	if config.LockTTL <= 0 {
		config.LockTTL = DefaultLockTTL
	}
	if config.HealthTimeout <= 0 {
		config.HealthTimeout = DefaultHealthTimeout
	}
	if config.ArchiveTimeout <= 0 {
		config.ArchiveTimeout = DefaultArchiveTimeout
	}

	if err := os.MkdirAll(config.SkillDir, 0o755); err != nil {
		return nil, fmt.Errorf("create skill directory: %w", err)
	}

	d := &Deployer{
		config:      config,
		locks:       locks,
		healthCheck: DirectoryHealthCheck,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func (d *Deployer) SkillDir() string {
	return d.config.SkillDir
}

func (d *Deployer) SentinelPath() string {
	return filepath.Join(d.config.SkillDir, d.config.Sentinel)
}

func (d *Deployer) isSentinel(rel string) bool {
	return rel == d.config.Sentinel
}

func isTemporary(rel string) bool {
	base := filepath.Base(rel)
	return strings.HasPrefix(base, ".") && strings.Contains(base, ".tmp-")
}

// SkillPath returns where the document with the given name is deployed,
// relative to the skill directory.
func SkillPath(name string) string {
	return filepath.Join(name, skill.ManifestFilename)
}

// Deploy writes all documents, or none of them. On success the returned
// deployment has state success. On failure the returned deployment has state
// failed and the error is a *lock.HeldError or ErrDraining, when nothing was
// touched, or an *Error describing the failed step and the rollback.
//
// Once the lock is taken the deployment runs to completion or rollback even
// if ctx is cancelled.
func (d *Deployer) Deploy(ctx context.Context, docs []*skill.Document, metadata types.Metadata) (*types.Deployment, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "Deploy skills", otrace.WithSpanKind(otrace.SpanKindInternal))
	defer span.End()

	deployment := &types.Deployment{
		ID:       uuid.New().String(),
		Created:  d.now(),
		State:    types.DeploymentStateFailed,
		Deployed: make([]types.DeployedSkill, 0, len(docs)),
		Failed:   make([]types.FailedSkill, 0),
		Metadata: metadata,
	}
	span.SetAttributes(attribute.String(types.LogFieldDeploymentID, deployment.ID))

	logger := log.WithFields(deployment.LogFields())

	if err := checkBatch(docs); err != nil {
		failAll(deployment, docs, err)
		span.RecordError(err)
		return deployment, &Error{DeploymentID: deployment.ID, Op: "prepare", Cause: err}
	}

	if !d.begin() {
		failAll(deployment, docs, ErrDraining)
		return deployment, ErrDraining
	}
	defer d.inflight.Done()

	release, err := d.locks.Acquire(ctx, lock.DeploymentKey, d.config.LockTTL)
	if err != nil {
		failAll(deployment, docs, err)
		span.RecordError(err)
		return deployment, err
	}
	logger.Tracef("Acquired deployment lock")

	// The critical section must not be interrupted by the caller going away.
	ctx = context.WithoutCancel(ctx)

	backup, err := d.deploy(ctx, deployment, docs, logger)

	if releaseErr := release(ctx); releaseErr != nil {
		logger.Errorf("Release deployment lock: %s", releaseErr)
	} else {
		logger.Tracef("Released deployment lock")
	}

	if backup != nil && d.archiver != nil {
		archiveCtx, cancel := context.WithTimeout(ctx, d.config.ArchiveTimeout)
		if archiveErr := d.archiver.Archive(archiveCtx, deployment.ID, backup.Dir); archiveErr != nil {
			logger.Errorf("Archive backup: %s", archiveErr)
		}
		cancel()
	}

	if err != nil {
		span.RecordError(err)
		return deployment, err
	}

	return deployment, nil
}

func (d *Deployer) begin() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.draining {
		return false
	}
	d.inflight.Add(1)
	return true
}

// Drain refuses new deployments and waits until every running deployment has
// completed or rolled back, or until ctx expires.
func (d *Deployer) Drain(ctx context.Context) error {
	d.mu.Lock()
	d.draining = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running deployment: %w", ctx.Err())
	}
}

func (d *Deployer) deploy(ctx context.Context, deployment *types.Deployment, docs []*skill.Document, logger *log.Entry) (*Backup, error) {
	backupDir := filepath.Join(d.config.StateDir, backupsDir, deployment.ID)
	backup, err := snapshot(d.config.SkillDir, backupDir, deployment.ID, d.now(), func(rel string) bool {
		return d.isSentinel(rel) || isTemporary(rel)
	})
	if err != nil {
		failAll(deployment, docs, err)
		os.RemoveAll(backupDir)
		return nil, &Error{DeploymentID: deployment.ID, Op: "snapshot", Cause: err}
	}
	logger.Debugf("Backed up %d files to %s", len(backup.Manifest.Files), backup.Dir)

	written := make(map[string]string, len(docs))
	fail := func(op string, cause error) (*Backup, error) {
		rollbackErr := d.rollback(backup, logger)
		failAll(deployment, docs, cause)
		deployment.Deployed = deployment.Deployed[:0]
		return backup, &Error{
			DeploymentID: deployment.ID,
			Op:           op,
			Cause:        cause,
			RolledBack:   rollbackErr == nil,
			RollbackErr:  rollbackErr,
		}
	}

	for _, doc := range docs {
		rel := SkillPath(doc.Name)
		path := filepath.Join(d.config.SkillDir, rel)

		err := os.MkdirAll(filepath.Dir(path), 0o755)
		if err == nil {
			err = writeAtomic(path, doc.Content, 0o644)
		}
		if err != nil {
			return fail("write "+doc.Name, err)
		}

		written[rel] = hashBytes(doc.Content)
		deployment.Deployed = append(deployment.Deployed, types.DeployedSkill{
			Name:    doc.Name,
			Version: doc.Version,
			Path:    rel,
		})
		logger.WithField(types.LogFieldSkill, doc.Name).Tracef("Wrote %s", path)
	}

	sentinel, err := writeSentinel(d.SentinelPath(), d.now())
	if err != nil {
		return fail("reload sentinel", err)
	}
	logger.Debugf("Reload sentinel set to %d", sentinel)

	probeCtx, cancel := context.WithTimeout(ctx, d.config.HealthTimeout)
	defer cancel()
	if err := probe(probeCtx, d.healthCheck, d.config.SkillDir, written); err != nil {
		return fail("health check", err)
	}

	deployment.State = types.DeploymentStateSuccess
	logger.Infof("Deployed %d skills", len(deployment.Deployed))

	return backup, nil
}

func (d *Deployer) rollback(backup *Backup, logger *log.Entry) error {
	logger.Warnf("Rolling back skill directory from %s", backup.Dir)

	var errs []error
	if err := backup.restore(d.config.SkillDir, d.isSentinel); err != nil {
		errs = append(errs, fmt.Errorf("restore backup: %w", err))
	}
	if _, err := writeSentinel(d.SentinelPath(), d.now()); err != nil {
		errs = append(errs, fmt.Errorf("reload sentinel: %w", err))
	}

	err := errors.Join(errs...)
	if err != nil {
		logger.Errorf("Rollback incomplete: %s", err)
	} else {
		logger.Infof("Rolled back skill directory")
	}
	return err
}

// checkBatch rejects batches that cannot be written without ambiguity.
func checkBatch(docs []*skill.Document) error {
	seen := make(map[string]bool, len(docs))
	for _, doc := range docs {
		if doc == nil {
			return fmt.Errorf("batch contains an empty document")
		}
		if doc.Name == "" || doc.Name == "." || doc.Name == ".." || strings.ContainsAny(doc.Name, `/\`) {
			return fmt.Errorf("invalid skill name %q", doc.Name)
		}
		if seen[doc.Name] {
			return fmt.Errorf("skill %q appears more than once in batch", doc.Name)
		}
		seen[doc.Name] = true
	}
	return nil
}

func failAll(deployment *types.Deployment, docs []*skill.Document, cause error) {
	deployment.State = types.DeploymentStateFailed
	deployment.Failed = deployment.Failed[:0]
	for _, doc := range docs {
		if doc == nil {
			continue
		}
		deployment.Failed = append(deployment.Failed, types.FailedSkill{
			Name:  doc.Name,
			Error: cause.Error(),
		})
	}
}

// ListDeployed reads the skill directory without taking the deployment lock.
// It may observe a mix of old and new files while a deployment is running.
// Directories without a readable skill document are skipped.
func (d *Deployer) ListDeployed() ([]*skill.Document, error) {
	entries, err := os.ReadDir(d.config.SkillDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []*skill.Document{}, nil
		}
		return nil, err
	}

	docs := make([]*skill.Document, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		rel := SkillPath(entry.Name())
		content, err := os.ReadFile(filepath.Join(d.config.SkillDir, rel))
		if err != nil {
			continue
		}
		doc, err := skill.Inspect(content, rel)
		if err != nil {
			log.WithField(types.LogFieldFile, rel).Debugf("Skipping unparseable skill: %s", err)
			continue
		}
		if doc.Name == "" {
			doc.Name = entry.Name()
		}
		docs = append(docs, doc)
	}

	sort.Slice(docs, func(i, j int) bool {
		return docs[i].Name < docs[j].Name
	})

	return docs, nil
}

// Deployed returns the currently deployed version of every skill, by name.
func (d *Deployer) Deployed() (map[string]string, error) {
	docs, err := d.ListDeployed()
	if err != nil {
		return nil, err
	}
	versions := make(map[string]string, len(docs))
	for _, doc := range docs {
		versions[doc.Name] = doc.Version
	}
	return versions, nil
}
