package api_v1_webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gh "github.com/google/go-github/v41/github"
	"github.com/nais/skilld/pkg/lock"
	"github.com/nais/skilld/pkg/skill"
	"github.com/nais/skilld/pkg/skilld/api/v1"
	"github.com/nais/skilld/pkg/skilld/metrics"
	"github.com/nais/skilld/pkg/skilld/middleware"
	"github.com/nais/skilld/pkg/skilld/pipeline"
	"github.com/nais/skilld/pkg/types"
	log "github.com/sirupsen/logrus"
)

const (
	EventPush = "push"
	EventPing = "ping"

	// GitHub caps webhook payloads at 25 MB.
	maxPayloadSize = 25 << 20
)

type Runner interface {
	Run(ctx context.Context, trigger pipeline.Trigger) (*pipeline.Outcome, error)
}

type Handler struct {
	Runner     Runner
	Secret     []byte
	Repository string
	Branch     string
	Window     api_v1.Window
	Now        func() time.Time
}

type Response struct {
	Message       string             `json:"message,omitempty"`
	CorrelationID string             `json:"correlationID,omitempty"`
	DeliveryID    string             `json:"deliveryID,omitempty"`
	Errors        []skill.FileErrors `json:"errors,omitempty"`
	Deployment    *types.Deployment  `json:"deployment,omitempty"`
}

func (r *Response) render(w io.Writer) {
	json.NewEncoder(w).Encode(r)
}

// ChangedFiles returns the paths added or modified by the commits of a push, in
// order of first appearance.
func ChangedFiles(event *gh.PushEvent) []string {
	seen := make(map[string]bool)
	files := make([]string, 0)
	add := func(paths []string) {
		for _, path := range paths {
			if !seen[path] {
				seen[path] = true
				files = append(files, path)
			}
		}
	}
	for _, commit := range event.Commits {
		add(commit.Added)
		add(commit.Modified)
	}
	return files
}

func (h *Handler) now() time.Time {
	if h.Now == nil {
		return time.Now()
	}
	return h.Now()
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var response Response

	eventType := gh.WebHookType(r)
	response.CorrelationID = middleware.GetCorrelationID(r.Context())
	response.DeliveryID = gh.DeliveryID(r)

	fields := middleware.RequestLogFields(r)
	logger := log.WithFields(fields).WithFields(log.Fields{
		types.LogFieldDeliveryID: response.DeliveryID,
		types.LogFieldEventType:  eventType,
	})

	respond := func(code int) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		response.render(w)
		metrics.WebhookEvent(eventType, code)
	}

	logger.Tracef("Incoming webhook delivery")

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadSize))
	if err != nil {
		response.Message = fmt.Sprintf("unable to read request body: %s", err)
		respond(http.StatusBadRequest)
		logger.Error(response.Message)
		return
	}

	err = api_v1.ValidateSignature(r.Header.Get(api_v1.SignatureHeader), data, h.Secret)
	if err != nil {
		response.Message = api_v1.FailedAuthenticationMsg
		respond(http.StatusUnauthorized)
		logger.Warnf("%s: %s", api_v1.FailedAuthenticationMsg, err)
		return
	}

	logger.Tracef("Request has valid signature")

	err = h.Window.Validate(r.Header.Get(api_v1.DateHeader), h.now())
	if err != nil {
		response.Message = api_v1.FailedAuthenticationMsg
		respond(http.StatusUnauthorized)
		logger.Warnf("%s: %s", api_v1.FailedAuthenticationMsg, err)
		return
	}

	logger.Tracef("Request is within allowed timeframe")

	switch eventType {
	case EventPing:
		response.Message = "pong"
		respond(http.StatusOK)
		logger.Infof("Received ping")
		return
	case EventPush:
	default:
		response.Message = fmt.Sprintf("ignoring %q event", eventType)
		respond(http.StatusOK)
		logger.Debug(response.Message)
		return
	}

	event := &gh.PushEvent{}
	if err := json.Unmarshal(data, event); err != nil {
		response.Message = fmt.Sprintf("unable to unmarshal push event: %s", err)
		respond(http.StatusBadRequest)
		logger.Error(response.Message)
		return
	}

	logger = logger.WithFields(log.Fields{
		types.LogFieldRepository:  event.GetRepo().GetFullName(),
		types.LogFieldGitRef:      event.GetRef(),
		types.LogFieldGitRefSha:   event.GetAfter(),
		types.LogFieldPreviousSha: event.GetBefore(),
	})

	logger.Tracef("Request has valid push payload")

	if !strings.EqualFold(event.GetRepo().GetFullName(), h.Repository) {
		response.Message = fmt.Sprintf("ignoring push to repository %q", event.GetRepo().GetFullName())
		respond(http.StatusOK)
		logger.Debug(response.Message)
		return
	}

	if event.GetRef() != "refs/heads/"+h.Branch || event.GetDeleted() {
		response.Message = fmt.Sprintf("ignoring push to %q", event.GetRef())
		respond(http.StatusOK)
		logger.Debug(response.Message)
		return
	}

	outcome, err := h.Runner.Run(r.Context(), pipeline.Trigger{
		Kind:        types.TriggerWebhook,
		CommitSHA:   event.GetAfter(),
		PreviousSHA: event.GetBefore(),
		DeliveryID:  response.DeliveryID,
		Branch:      h.Branch,
		Files:       ChangedFiles(event),
	})
	if outcome != nil {
		response.Deployment = outcome.Deployment
	}

	var verr *skill.ValidationError
	switch {
	case err == nil:
	case errors.As(err, &verr):
		response.Message = "skill document validation failed"
		response.Errors = verr.Files
		respond(http.StatusBadRequest)
		logger.Warnf("%s: %s", response.Message, err)
		return
	case errors.Is(err, lock.ErrLockHeld):
		response.Message = "another deployment is in progress; try again later"
		respond(http.StatusConflict)
		logger.Warnf("%s: %s", response.Message, err)
		return
	default:
		response.Message = fmt.Sprintf("deployment failed: %s", err)
		respond(http.StatusInternalServerError)
		logger.Error(response.Message)
		return
	}

	if outcome.Deployment == nil {
		response.Message = "no skill documents changed"
		respond(http.StatusOK)
		logger.Debug(response.Message)
		return
	}

	response.Message = fmt.Sprintf("deployed %d skill(s)", len(outcome.Deployment.Deployed))
	respond(http.StatusOK)
	logger.Info(response.Message)
}
