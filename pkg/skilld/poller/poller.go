// Package poller periodically compares the branch head with the last processed
// commit and deploys the skill documents changed in between.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nais/skilld/pkg/skilld/github"
	"github.com/nais/skilld/pkg/skilld/metrics"
	"github.com/nais/skilld/pkg/skilld/pipeline"
	"github.com/nais/skilld/pkg/types"
	log "github.com/sirupsen/logrus"
)

type Ledger interface {
	LastProcessedRef(ctx context.Context) (string, error)
	SetLastProcessedRef(ctx context.Context, ref string) error
	LogPollResult(ctx context.Context, result *types.PollResult)
}

type Status struct {
	Enabled        bool          `json:"enabled"`
	Running        bool          `json:"running"`
	Interval       time.Duration `json:"interval"`
	LastChecked    *time.Time    `json:"lastChecked,omitempty"`
	LastCheckedRef string        `json:"lastCheckedRef,omitempty"`
	LastError      string        `json:"lastError,omitempty"`
}

type Poller struct {
	runner   *pipeline.Runner
	github   github.Client
	ledger   Ledger
	branch   string
	interval time.Duration
	enabled  bool
	now      func() time.Time

	lock   sync.Mutex
	status Status
}

func New(runner *pipeline.Runner, ledger Ledger, branch string, interval time.Duration, enabled bool) *Poller {
	return &Poller{
		runner:   runner,
		github:   runner.GitHub(),
		ledger:   ledger,
		branch:   branch,
		interval: interval,
		enabled:  enabled,
		now:      time.Now,
	}
}

func (p *Poller) Status() Status {
	p.lock.Lock()
	defer p.lock.Unlock()
	status := p.status
	status.Enabled = p.enabled
	status.Interval = p.interval
	return status
}

func (p *Poller) setRunning(running bool) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.status.Running = running
}

func (p *Poller) checked(result *types.PollResult, err error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	checked := result.Checked
	p.status.LastChecked = &checked
	if result.HeadRef != "" {
		p.status.LastCheckedRef = result.HeadRef
	}
	p.status.LastError = ""
	if err != nil {
		p.status.LastError = err.Error()
	}
}

// Run checks for updates immediately and then once per interval, until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	p.setRunning(true)
	defer p.setRunning(false)

	log.Infof("Polling branch %s of %s every %s", p.branch, p.github.Repository(), p.interval)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if _, err := p.CheckForUpdates(ctx, types.TriggerPoll); err != nil {
			log.Errorf("Poll cycle failed: %s", err)
		}

		select {
		case <-ctx.Done():
			log.Infof("Poller stopped")
			return
		case <-ticker.C:
		}
	}
}

// CheckForUpdates runs one poll cycle. If the branch head equals the last
// processed commit, nothing is done and nothing is recorded. Otherwise the
// files changed since that commit are deployed, and the head becomes the last
// processed commit only if the deployment succeeded.
func (p *Poller) CheckForUpdates(ctx context.Context, kind types.TriggerKind) (*types.PollResult, error) {
	result := &types.PollResult{
		Checked: p.now(),
		Files:   make([]string, 0),
	}

	err := p.check(ctx, kind, result)
	p.checked(result, err)

	switch {
	case err != nil:
		metrics.PollCycle(metrics.PollFailed)
	case result.Changed:
		metrics.PollCycle(metrics.PollDeployed)
	default:
		metrics.PollCycle(metrics.PollUnchanged)
	}

	if err != nil {
		result.Error = err.Error()
	}
	if err != nil || result.Changed {
		p.ledger.LogPollResult(ctx, result)
	}

	return result, err
}

func (p *Poller) check(ctx context.Context, kind types.TriggerKind, result *types.PollResult) error {
	head, err := p.github.BranchHead(ctx, p.branch)
	if err != nil {
		return err
	}
	result.HeadRef = head

	previous, err := p.ledger.LastProcessedRef(ctx)
	if err != nil {
		return err
	}
	result.PreviousRef = previous

	logger := log.WithFields(log.Fields{
		types.LogFieldGitRefSha:   head,
		types.LogFieldPreviousSha: previous,
		types.LogFieldTrigger:     kind,
	})

	if head == previous {
		logger.Debugf("Branch %s unchanged", p.branch)
		return nil
	}
	result.Changed = true

	files, err := p.changedFiles(ctx, previous, head, logger)
	if err != nil {
		return err
	}

	outcome, err := p.runner.Run(ctx, pipeline.Trigger{
		Kind:        kind,
		CommitSHA:   head,
		PreviousSHA: previous,
		Branch:      p.branch,
		Files:       files,
	})
	if outcome != nil {
		result.Files = outcome.Files
		if outcome.Deployment != nil {
			result.DeploymentID = outcome.Deployment.ID
		}
	}
	if err != nil {
		return err
	}

	if err := p.ledger.SetLastProcessedRef(ctx, head); err != nil {
		logger.Errorf("Deployed, but unable to persist poll state: %s", err)
	}
	logger.Infof("Processed %d skill documents up to %s", len(result.Files), head)

	return nil
}

func (p *Poller) changedFiles(ctx context.Context, previous, head string, logger *log.Entry) ([]string, error) {
	if previous == "" {
		logger.Infof("No previously processed commit; syncing every skill document")
		return p.github.Files(ctx, head)
	}

	files, err := p.github.ChangedFiles(ctx, previous, head)
	if errors.Is(err, github.ErrNotFound) {
		logger.Warnf("Previously processed commit is gone; syncing every skill document")
		return p.github.Files(ctx, head)
	}
	return files, err
}
