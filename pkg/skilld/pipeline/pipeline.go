// Package pipeline runs one deploy cycle: select skill documents among changed
// files, fetch them at the triggering commit, validate the whole batch, deploy
// it and record the outcome. Both ingress paths use the same Runner.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"github.com/nais/skilld/pkg/deployer"
	"github.com/nais/skilld/pkg/lock"
	"github.com/nais/skilld/pkg/skill"
	"github.com/nais/skilld/pkg/skilld/github"
	"github.com/nais/skilld/pkg/skilld/metrics"
	"github.com/nais/skilld/pkg/telemetry"
	"github.com/nais/skilld/pkg/types"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/codes"
	otrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPattern     = "**/" + skill.ManifestFilename
	DefaultConcurrency = 4
)

type Deployer interface {
	Deploy(ctx context.Context, docs []*skill.Document, metadata types.Metadata) (*types.Deployment, error)
	Deployed() (map[string]string, error)
}

type Ledger interface {
	LogDeployment(ctx context.Context, deployment *types.Deployment)
}

// Trigger describes what started a cycle and which files it concerns.
type Trigger struct {
	Kind        types.TriggerKind
	CommitSHA   string
	PreviousSHA string
	DeliveryID  string
	Branch      string
	Files       []string
}

func (t Trigger) Metadata() types.Metadata {
	metadata := types.Metadata{
		types.MetadataTrigger:   string(t.Kind),
		types.MetadataCommitSHA: t.CommitSHA,
		types.MetadataBranch:    t.Branch,
	}
	if t.PreviousSHA != "" {
		metadata[types.MetadataPreviousSHA] = t.PreviousSHA
	}
	if t.DeliveryID != "" {
		metadata[types.MetadataDeliveryID] = t.DeliveryID
	}
	return metadata
}

// Outcome is the result of one cycle. Deployment is nil when no skill
// documents were among the files.
type Outcome struct {
	Files      []string                `json:"files"`
	Results    map[string]skill.Result `json:"results,omitempty"`
	Deployment *types.Deployment       `json:"deployment,omitempty"`
}

type Config struct {
	GitHub      github.Client
	Validator   *skill.Validator
	Deployer    Deployer
	Ledger      Ledger
	Pattern     string
	Concurrency int
}

type Runner struct {
	github      github.Client
	validator   *skill.Validator
	deployer    Deployer
	ledger      Ledger
	pattern     string
	concurrency int
}

func New(cfg Config) (*Runner, error) {
	if cfg.Pattern == "" {
		cfg.Pattern = DefaultPattern
	}
	if !doublestar.ValidatePattern(cfg.Pattern) {
		return nil, fmt.Errorf("invalid manifest pattern %q", cfg.Pattern)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Validator == nil {
		cfg.Validator = skill.NewValidator(0, nil)
	}
	return &Runner{
		github:      cfg.GitHub,
		validator:   cfg.Validator,
		deployer:    cfg.Deployer,
		ledger:      cfg.Ledger,
		pattern:     cfg.Pattern,
		concurrency: cfg.Concurrency,
	}, nil
}

func (r *Runner) GitHub() github.Client {
	return r.github
}

// Match reports whether path names a skill document.
func (r *Runner) Match(path string) bool {
	ok, err := doublestar.Match(r.pattern, path)
	return err == nil && ok
}

// Select returns the skill documents among paths, sorted and without duplicates.
func (r *Runner) Select(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	selected := make([]string, 0)
	for _, path := range paths {
		if seen[path] || !r.Match(path) {
			continue
		}
		seen[path] = true
		selected = append(selected, path)
	}
	sort.Strings(selected)
	return selected
}

// Run executes one cycle. It returns a *skill.ValidationError if any document
// is invalid, a *lock.HeldError if another deployment is running, and a
// *deployer.Error if the deployment failed and was rolled back. Every attempted
// deployment is written to the ledger, whatever the outcome.
func (r *Runner) Run(ctx context.Context, trigger Trigger) (*Outcome, error) {
	started := time.Now()
	metadata := trigger.Metadata()
	logger := log.WithFields(metadata.LogFields())

	ctx, span := telemetry.Tracer().Start(ctx, "Deploy cycle", otrace.WithSpanKind(otrace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(telemetry.MetadataAttributes(metadata)...)

	outcome := &Outcome{
		Files: r.Select(trigger.Files),
	}
	if len(outcome.Files) == 0 {
		logger.Debugf("No skill documents among %d changed files", len(trigger.Files))
		return outcome, nil
	}
	logger.Infof("Processing %d skill documents", len(outcome.Files))

	fail := func(err error) (*Outcome, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if outcome.Deployment != nil {
			metrics.Deployment(string(outcome.Deployment.State), string(trigger.Kind), started)
			r.ledger.LogDeployment(ctx, outcome.Deployment)
		}
		return outcome, err
	}

	contents, err := r.fetch(ctx, trigger.CommitSHA, outcome.Files)
	if err != nil {
		outcome.Deployment = failedDeployment(metadata, outcome.Files, err)
		logger.Errorf("Fetch skill documents: %s", err)
		return fail(err)
	}

	outcome.Results = r.validate(contents, outcome.Files)
	if verr := skill.NewValidationError(outcome.Files, outcome.Results); verr != nil {
		metrics.InvalidDocuments(string(trigger.Kind), len(verr.Files))
		outcome.Deployment = invalidDeployment(metadata, verr)
		logger.Warnf("Rejected batch: %s", verr)
		return fail(verr)
	}

	docs := make([]*skill.Document, 0, len(outcome.Files))
	for _, file := range outcome.Files {
		result := outcome.Results[file]
		for _, warning := range result.Warnings {
			logger.WithField(types.LogFieldFile, file).Warn(warning)
		}
		docs = append(docs, result.Document)
	}

	r.warnDowngrades(docs, logger)

	deployment, err := r.deployer.Deploy(ctx, docs, metadata)
	outcome.Deployment = deployment
	if err != nil {
		var deployErr *deployer.Error
		switch {
		case errors.Is(err, lock.ErrLockHeld):
			metrics.LockContention(string(trigger.Kind))
			logger.Warnf("Deployment refused: %s", err)
		case errors.As(err, &deployErr):
			if deployErr.RolledBack || deployErr.RollbackErr != nil {
				metrics.Rollback(deployErr.RollbackErr)
			}
			logger.Errorf("Deployment failed: %s", err)
		default:
			logger.Errorf("Deployment failed: %s", err)
		}
		return fail(err)
	}

	metrics.Deployment(string(deployment.State), string(trigger.Kind), started)
	r.ledger.LogDeployment(ctx, deployment)
	logger.WithField(types.LogFieldDeploymentID, deployment.ID).Infof("Deployed skills: %v", deployment.SkillNames())

	return outcome, nil
}

func (r *Runner) fetch(ctx context.Context, ref string, files []string) (map[string][]byte, error) {
	contents := make([][]byte, len(files))

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(r.concurrency)
	for i, file := range files {
		group.Go(func() error {
			content, err := r.github.FileContent(ctx, ref, file)
			if err != nil {
				return err
			}
			contents[i] = content
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	byFile := make(map[string][]byte, len(files))
	for i, file := range files {
		byFile[file] = contents[i]
	}
	return byFile, nil
}

// validate checks every document and rejects documents that share a name.
func (r *Runner) validate(contents map[string][]byte, files []string) map[string]skill.Result {
	results := make(map[string]skill.Result, len(files))
	owners := make(map[string]string)

	for _, file := range files {
		result := r.validator.Validate(contents[file], file)
		if result.Valid {
			name := result.Document.Name
			if other, ok := owners[name]; ok {
				result.Valid = false
				result.Document = nil
				result.Errors = append(result.Errors, fmt.Sprintf("skill name %q is also used by %s", name, other))
			} else {
				owners[name] = file
			}
		}
		results[file] = result
	}
	return results
}

func (r *Runner) warnDowngrades(docs []*skill.Document, logger *log.Entry) {
	deployed, err := r.deployer.Deployed()
	if err != nil {
		logger.Debugf("Unable to list deployed skills: %s", err)
		return
	}
	for _, doc := range docs {
		current, ok := deployed[doc.Name]
		if !ok {
			continue
		}
		if CompareVersions(doc.Version, current) < 0 {
			logger.WithField(types.LogFieldSkill, doc.Name).Warnf("Replacing version %s with older version %s", current, doc.Version)
		}
	}
}

func newDeployment(metadata types.Metadata) *types.Deployment {
	return &types.Deployment{
		ID:       uuid.New().String(),
		Created:  time.Now(),
		State:    types.DeploymentStateFailed,
		Deployed: make([]types.DeployedSkill, 0),
		Failed:   make([]types.FailedSkill, 0),
		Metadata: metadata,
	}
}

func failedDeployment(metadata types.Metadata, files []string, err error) *types.Deployment {
	deployment := newDeployment(metadata)
	for _, file := range files {
		deployment.Failed = append(deployment.Failed, types.FailedSkill{
			Name:  file,
			Error: err.Error(),
		})
	}
	return deployment
}

func invalidDeployment(metadata types.Metadata, verr *skill.ValidationError) *types.Deployment {
	deployment := newDeployment(metadata)
	for _, file := range verr.Files {
		deployment.Failed = append(deployment.Failed, types.FailedSkill{
			Name:  file.File,
			Error: strings.Join(file.Errors, "; "),
		})
	}
	return deployment
}
