package middleware

import (
	"crypto/subtle"
	"fmt"
	"net/http"

	log "github.com/sirupsen/logrus"
)

const APIKeyHeader = "X-API-Key"

// APIKeyValidatorMiddleware lets through requests carrying one of the keys in the
// X-API-Key header. Keys are compared in constant time.
func APIKeyValidatorMiddleware(keys []string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			presented := []byte(r.Header.Get(APIKeyHeader))
			if len(presented) > 0 {
				for _, key := range keys {
					if len(key) == 0 {
						continue
					}
					if subtle.ConstantTimeCompare(presented, []byte(key)) == 1 {
						next.ServeHTTP(w, r)
						return
					}
				}
			}
			log.WithFields(RequestLogFields(r)).Warnf("Rejected request with invalid API key")
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprintf(w, "Unauthorized access: Invalid key")
		}
		return http.HandlerFunc(fn)
	}
}
