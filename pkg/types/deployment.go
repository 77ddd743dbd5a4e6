package types

import (
	"time"
)

type DeploymentState string

const (
	DeploymentStateSuccess DeploymentState = "success"
	DeploymentStateFailed  DeploymentState = "failed"
)

type TriggerKind string

const (
	TriggerWebhook TriggerKind = "webhook"
	TriggerPoll    TriggerKind = "poll"
	TriggerManual  TriggerKind = "manual"
)

// Metadata keys carried on every deployment.
const (
	MetadataTrigger     = "trigger"
	MetadataCommitSHA   = "commit_sha"
	MetadataPreviousSHA = "previous_sha"
	MetadataDeliveryID  = "delivery_id"
	MetadataBranch      = "branch"
)

type Metadata map[string]string

func (m Metadata) Trigger() TriggerKind {
	return TriggerKind(m[MetadataTrigger])
}

func (m Metadata) CommitSHA() string {
	return m[MetadataCommitSHA]
}

type DeployedSkill struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Path    string `json:"path"`
}

type FailedSkill struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

// Deployment is one transition of the on-disk skill set. It is finalized exactly
// once and never modified afterwards.
type Deployment struct {
	ID       string          `json:"id"`
	Created  time.Time       `json:"created"`
	State    DeploymentState `json:"state"`
	Deployed []DeployedSkill `json:"deployed"`
	Failed   []FailedSkill   `json:"failed"`
	Metadata Metadata        `json:"metadata"`
}

func (d *Deployment) Succeeded() bool {
	return d != nil && d.State == DeploymentStateSuccess
}

func (d *Deployment) SkillNames() []string {
	names := make([]string, 0, len(d.Deployed))
	for _, s := range d.Deployed {
		names = append(names, s.Name)
	}
	return names
}

type PollResult struct {
	Checked      time.Time `json:"checked"`
	PreviousRef  string    `json:"previousRef"`
	HeadRef      string    `json:"headRef"`
	Changed      bool      `json:"changed"`
	Files        []string  `json:"files"`
	DeploymentID string    `json:"deploymentID,omitempty"`
	Error        string    `json:"error,omitempty"`
}
