package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RateLimiter allows at most perMinute requests per minute through, with bursts
// up to the same amount. Excess requests get 429 Too Many Requests.
func RateLimiter(perMinute int) func(next http.Handler) http.Handler {
	if perMinute < 1 {
		perMinute = 1
	}
	interval := time.Minute / time.Duration(perMinute)
	limiter := rate.NewLimiter(rate.Every(interval), perMinute)

	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				log.WithFields(RequestLogFields(r)).Warnf("Rate limit of %d requests per minute exceeded", perMinute)
				w.Header().Set("Retry-After", strconv.Itoa(int(interval.Seconds())+1))
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, "Too many requests")
				return
			}
			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(fn)
	}
}
