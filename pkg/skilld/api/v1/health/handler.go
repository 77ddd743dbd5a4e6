package api_v1_health

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/render"
	"github.com/nais/skilld/pkg/skill"
	"github.com/nais/skilld/pkg/skilld/middleware"
	"github.com/nais/skilld/pkg/skilld/poller"
	"github.com/nais/skilld/pkg/types"
	"github.com/nais/skilld/pkg/version"
	log "github.com/sirupsen/logrus"
)

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"

	recentDeployments = 5
)

type Poller interface {
	Status() poller.Status
}

type Ledger interface {
	Persistent() bool
	Connected(ctx context.Context) bool
	RecentDeployments(ctx context.Context, limit int) ([]*types.Deployment, error)
}

type Lister interface {
	ListDeployed() ([]*skill.Document, error)
}

type Handler struct {
	Poller            Poller
	Ledger            Ledger
	Deployer          Lister
	WebhookConfigured bool
}

type Response struct {
	Status      string              `json:"status"`
	Version     string              `json:"version"`
	Poller      poller.Status       `json:"poller"`
	Webhook     WebhookStatus       `json:"webhook"`
	Audit       AuditStatus         `json:"audit"`
	Skills      []Skill             `json:"skills"`
	Deployments []DeploymentSummary `json:"recentDeployments"`
	Problems    []string            `json:"problems,omitempty"`
}

type WebhookStatus struct {
	SignatureVerification bool `json:"signatureVerification"`
}

type AuditStatus struct {
	Persistent bool `json:"persistent"`
	Connected  bool `json:"connected"`
}

type Skill struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type DeploymentSummary struct {
	ID        string                `json:"id"`
	Created   time.Time             `json:"created"`
	State     types.DeploymentState `json:"state"`
	Trigger   types.TriggerKind     `json:"trigger"`
	CommitSHA string                `json:"commitSHA,omitempty"`
	Skills    []string              `json:"skills"`
	Failed    int                   `json:"failed,omitempty"`
}

func summarize(deployment *types.Deployment) DeploymentSummary {
	return DeploymentSummary{
		ID:        deployment.ID,
		Created:   deployment.Created,
		State:     deployment.State,
		Trigger:   deployment.Metadata.Trigger(),
		CommitSHA: deployment.Metadata.CommitSHA(),
		Skills:    deployment.SkillNames(),
		Failed:    len(deployment.Failed),
	}
}

// ServeHTTP always answers 200. Degraded sub-systems are reported in the body.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := log.WithFields(middleware.RequestLogFields(r))

	response := Response{
		Status:      StatusOK,
		Version:     version.Version(),
		Poller:      h.Poller.Status(),
		Webhook:     WebhookStatus{SignatureVerification: h.WebhookConfigured},
		Skills:      make([]Skill, 0),
		Deployments: make([]DeploymentSummary, 0),
	}

	if response.Poller.Enabled && !response.Poller.Running {
		response.Problems = append(response.Problems, "poller is enabled but not running")
	}

	response.Audit.Persistent = h.Ledger.Persistent()
	if response.Audit.Persistent {
		response.Audit.Connected = h.Ledger.Connected(r.Context())
		if !response.Audit.Connected {
			response.Problems = append(response.Problems, "audit database is unreachable")
		}
	}

	docs, err := h.Deployer.ListDeployed()
	if err != nil {
		response.Problems = append(response.Problems, "unable to list deployed skills")
		logger.Errorf("List deployed skills: %s", err)
	}
	for _, doc := range docs {
		response.Skills = append(response.Skills, Skill{Name: doc.Name, Version: doc.Version})
	}

	deployments, err := h.Ledger.RecentDeployments(r.Context(), recentDeployments)
	if err != nil {
		logger.Errorf("List recent deployments: %s", err)
	}
	for _, deployment := range deployments {
		response.Deployments = append(response.Deployments, summarize(deployment))
	}

	if len(response.Problems) > 0 {
		response.Status = StatusDegraded
		logger.Debugf("Health degraded: %v", response.Problems)
	}

	render.JSON(w, r, response)
}
