package ratelimit

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/shinsa/internal/model"
)

// maxRetryAfter caps the Retry-After hint for very slow buckets.
const maxRetryAfter = time.Minute

// KeyFunc picks the bucket for a request. An empty key exempts the request.
type KeyFunc func(r *http.Request) string

// RequestIDFunc returns the request ID echoed in the 429 body. The server
// package supplies it so this package does not import it.
type RequestIDFunc func(r *http.Request) string

// retryAdvisor is implemented by limiters that know when a denied key
// will next be admitted.
type retryAdvisor interface {
	RetryAfter(key string) time.Duration
}

// Middleware answers 429 with a Retry-After header once a key's bucket is
// empty. It fails open: a limiter error is logged and the request served.
func Middleware(limiter Limiter, keyFunc KeyFunc, reqIDFunc RequestIDFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	advisor, _ := limiter.(retryAdvisor)

	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			allowed, err := limiter.Allow(r.Context(), key)
			switch {
			case err != nil:
				logger.Warn("ratelimit: limiter failed, allowing request", "key", key, "error", err)
			case !allowed:
				var wait time.Duration
				if advisor != nil {
					wait = advisor.RetryAfter(key)
				}
				var requestID string
				if reqIDFunc != nil {
					requestID = reqIDFunc(r)
				}
				reject(w, retryAfterSeconds(wait), requestID)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// retryAfterSeconds rounds wait up to whole seconds within [1, maxRetryAfter].
func retryAfterSeconds(wait time.Duration) int {
	secs := int(math.Ceil(wait.Seconds()))
	return min(max(secs, 1), int(maxRetryAfter.Seconds()))
}

func reject(w http.ResponseWriter, retryAfter int, requestID string) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{Code: model.ErrCodeRateLimited, Message: "too many requests"},
		Meta:  model.ResponseMeta{RequestID: requestID, Timestamp: time.Now().UTC()},
	})
}

// IPKeyFunc keys on the peer address. X-Forwarded-For is ignored because
// any client can set it.
func IPKeyFunc(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
