package api_v1_sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nais/skilld/pkg/lock"
	"github.com/nais/skilld/pkg/skill"
	"github.com/nais/skilld/pkg/skilld/middleware"
	"github.com/nais/skilld/pkg/types"
	log "github.com/sirupsen/logrus"
)

type Poller interface {
	CheckForUpdates(ctx context.Context, kind types.TriggerKind) (*types.PollResult, error)
}

type Handler struct {
	Poller  Poller
	Timeout time.Duration
}

type Response struct {
	Message       string             `json:"message,omitempty"`
	CorrelationID string             `json:"correlationID,omitempty"`
	Result        *types.PollResult  `json:"result,omitempty"`
	Errors        []skill.FileErrors `json:"errors,omitempty"`
}

func (r *Response) render(w io.Writer) {
	json.NewEncoder(w).Encode(r)
}

type cycle struct {
	result *types.PollResult
	err    error
}

// ServeHTTP runs one poll cycle on demand. If the cycle outlasts the timeout
// the caller gets 504; a deployment already in progress still runs to completion.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var response Response

	response.CorrelationID = middleware.GetCorrelationID(r.Context())
	logger := log.WithFields(middleware.RequestLogFields(r)).WithField(types.LogFieldTrigger, types.TriggerManual)

	respond := func(code int) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		response.render(w)
	}

	logger.Tracef("Incoming manual sync request")

	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()

	done := make(chan cycle, 1)
	go func() {
		result, err := h.Poller.CheckForUpdates(ctx, types.TriggerManual)
		done <- cycle{result: result, err: err}
	}()

	var c cycle
	select {
	case c = <-done:
	case <-ctx.Done():
		response.Message = fmt.Sprintf("sync did not finish within %s", h.Timeout)
		respond(http.StatusGatewayTimeout)
		logger.Warn(response.Message)
		return
	}

	response.Result = c.result

	var verr *skill.ValidationError
	switch {
	case c.err == nil:
	case errors.As(c.err, &verr):
		response.Message = "skill document validation failed"
		response.Errors = verr.Files
		respond(http.StatusBadRequest)
		logger.Warnf("%s: %s", response.Message, c.err)
		return
	case errors.Is(c.err, lock.ErrLockHeld):
		response.Message = "another deployment is in progress; try again later"
		respond(http.StatusConflict)
		logger.Warnf("%s: %s", response.Message, c.err)
		return
	case errors.Is(c.err, context.DeadlineExceeded):
		response.Message = fmt.Sprintf("sync did not finish within %s", h.Timeout)
		respond(http.StatusGatewayTimeout)
		logger.Warnf("%s: %s", response.Message, c.err)
		return
	default:
		response.Message = fmt.Sprintf("sync failed: %s", c.err)
		respond(http.StatusInternalServerError)
		logger.Error(response.Message)
		return
	}

	if c.result.Changed {
		response.Message = fmt.Sprintf("processed %d skill document(s) up to %s", len(c.result.Files), c.result.HeadRef)
	} else {
		response.Message = "no changes since last sync"
	}
	respond(http.StatusOK)
	logger.Info(response.Message)
}
