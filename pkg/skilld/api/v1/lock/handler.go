package api_v1_lock

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/render"
	"github.com/nais/skilld/pkg/lock"
	"github.com/nais/skilld/pkg/skilld/httperr"
	"github.com/nais/skilld/pkg/skilld/middleware"
	"github.com/nais/skilld/pkg/types"
	log "github.com/sirupsen/logrus"
)

type Handler struct {
	Locks lock.Service
	Now   func() time.Time
}

type Response struct {
	Key      string     `json:"key"`
	Held     bool       `json:"held"`
	Holder   string     `json:"holder,omitempty"`
	Acquired *time.Time `json:"acquired,omitempty"`
	TTL      string     `json:"ttl,omitempty"`
	Age      string     `json:"age,omitempty"`
	Stale    bool       `json:"stale"`
	Released bool       `json:"released,omitempty"`
}

func (h *Handler) now() time.Time {
	if h.Now == nil {
		return time.Now()
	}
	return h.Now()
}

func (h *Handler) response(record *lock.Record) Response {
	now := h.now()
	acquired := record.Acquired
	return Response{
		Key:      record.Key,
		Held:     true,
		Holder:   record.Holder,
		Acquired: &acquired,
		TTL:      record.TTL.String(),
		Age:      record.Age(now).Truncate(time.Second).String(),
		Stale:    record.Stale(now),
	}
}

// Status reports who holds the deployment lock, and since when.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	logger := log.WithFields(middleware.RequestLogFields(r)).WithField(types.LogFieldLockKey, lock.DeploymentKey)

	record, err := h.Locks.Inspect(r.Context(), lock.DeploymentKey)
	switch {
	case errors.Is(err, lock.ErrNotHeld):
		render.JSON(w, r, Response{Key: lock.DeploymentKey})
		return
	case err != nil:
		render.Render(w, r, httperr.ErrUnavailable(err))
		logger.Errorf("Inspect lock: %s", err)
		return
	}

	render.JSON(w, r, h.response(record))
}

// ForceRelease removes the deployment lock, but only if its holder has exceeded the TTL.
func (h *Handler) ForceRelease(w http.ResponseWriter, r *http.Request) {
	logger := log.WithFields(middleware.RequestLogFields(r)).WithField(types.LogFieldLockKey, lock.DeploymentKey)

	record, err := h.Locks.ForceRelease(r.Context(), lock.DeploymentKey)
	switch {
	case errors.Is(err, lock.ErrNotHeld):
		render.Render(w, r, httperr.ErrNotFound(err))
		return
	case errors.Is(err, lock.ErrNotStale):
		render.Render(w, r, httperr.ErrConflict(err))
		logger.Warnf("Refused to force release lock: %s", err)
		return
	case err != nil:
		render.Render(w, r, httperr.ErrUnavailable(err))
		logger.Errorf("Force release lock: %s", err)
		return
	}

	response := h.response(record)
	response.Held = false
	response.Released = true
	render.JSON(w, r, response)
	logger.Warnf("Force released stale lock held by %s since %s", record.Holder, record.Acquired)
}
