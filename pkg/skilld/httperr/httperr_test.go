package httperr_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/render"
	"github.com/nais/skilld/pkg/skilld/httperr"
	"github.com/nais/skilld/pkg/skilld/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	for _, test := range []struct {
		renderer render.Renderer
		code     int
		status   string
	}{
		{httperr.ErrNotFound(errors.New("no lock")), http.StatusNotFound, "resource not found"},
		{httperr.ErrConflict(errors.New("not stale")), http.StatusConflict, "the request conflicts with the current state"},
		{httperr.ErrUnavailable(errors.New("down")), http.StatusServiceUnavailable, "the service is unavailable"},
	} {
		request := httptest.NewRequest(http.MethodGet, "/", nil)
		request = request.WithContext(middleware.WithCorrelationID(request.Context(), "abc"))
		recorder := httptest.NewRecorder()

		require.NoError(t, render.Render(recorder, request, test.renderer))
		assert.Equal(t, test.code, recorder.Code)

		body := httperr.ErrResponse{}
		require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
		assert.Equal(t, test.status, body.StatusText)
		assert.NotEmpty(t, body.ErrorText)
		assert.Equal(t, "abc", body.CorrelationID)
	}
}
