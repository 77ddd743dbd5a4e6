package httperr

import (
	"net/http"

	"github.com/go-chi/render"
	"github.com/nais/skilld/pkg/skilld/middleware"
)

// ErrResponse renders an error as JSON with the matching status code.
type ErrResponse struct {
	Err            error `json:"-"`
	HTTPStatusCode int   `json:"-"`

	StatusText    string `json:"status"`
	ErrorText     string `json:"error,omitempty"`
	CorrelationID string `json:"correlationID,omitempty"`
}

func (e *ErrResponse) Render(w http.ResponseWriter, r *http.Request) error {
	e.CorrelationID = middleware.GetCorrelationID(r.Context())
	render.Status(r, e.HTTPStatusCode)
	return nil
}

func newErrResponse(code int, status string, err error) *ErrResponse {
	response := &ErrResponse{
		Err:            err,
		HTTPStatusCode: code,
		StatusText:     status,
	}
	if err != nil {
		response.ErrorText = err.Error()
	}
	return response
}

func ErrNotFound(err error) render.Renderer {
	return newErrResponse(http.StatusNotFound, "resource not found", err)
}

func ErrConflict(err error) render.Renderer {
	return newErrResponse(http.StatusConflict, "the request conflicts with the current state", err)
}

func ErrUnavailable(err error) render.Renderer {
	return newErrResponse(http.StatusServiceUnavailable, "the service is unavailable", err)
}
