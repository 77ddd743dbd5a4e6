package middleware

import (
	"net/http"
	"time"

	chi_middleware "github.com/go-chi/chi/middleware"
	"github.com/google/uuid"
	"github.com/nais/skilld/pkg/types"
	log "github.com/sirupsen/logrus"
)

const CorrelationIDHeader = "X-Correlation-ID"

// RequestLogFields returns the log fields identifying a request.
func RequestLogFields(r *http.Request) log.Fields {
	return log.Fields{
		types.LogFieldCorrelationID: GetCorrelationID(r.Context()),
		"remote_address":            r.RemoteAddr,
		"request_method":            r.Method,
		"request_path":              r.URL.Path,
	}
}

// RequestLogger assigns every request a correlation ID and logs it when done.
func RequestLogger() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			id, err := uuid.NewRandom()
			if err == nil {
				r = r.WithContext(WithCorrelationID(r.Context(), id.String()))
				w.Header().Set(CorrelationIDHeader, id.String())
			}

			start := time.Now()
			ww := chi_middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			log.WithFields(RequestLogFields(r)).WithFields(log.Fields{
				"status_code":   ww.Status(),
				"bytes_written": ww.BytesWritten(),
				"elapsed":       time.Since(start).String(),
			}).Debugf("%s %s", r.Method, r.URL.Path)
		}
		return http.HandlerFunc(fn)
	}
}
