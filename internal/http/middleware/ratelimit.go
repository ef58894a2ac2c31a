package middleware

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// visitor pairs a client's limiter with its last activity for eviction.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimit rejects clients exceeding r requests per second with the given
// burst, keyed by client IP, answering 429. Idle clients are evicted after
// ten minutes so the map does not grow with every scanner on the internet.
func RateLimit(r float64, burst int) func(http.Handler) http.Handler {
	var (
		mu       sync.Mutex
		visitors = map[string]*visitor{}
	)

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			mu.Lock()
			cutoff := time.Now().Add(-10 * time.Minute)
			for ip, v := range visitors {
				if v.lastSeen.Before(cutoff) {
					delete(visitors, ip)
				}
			}
			mu.Unlock()
		}
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ip := req.RemoteAddr
			// RealIP runs earlier in the stack and rewrites RemoteAddr;
			// the header is the fallback when this middleware is used bare.
			if xri := req.Header.Get("X-Real-Ip"); xri != "" {
				ip = xri
			}

			mu.Lock()
			v, ok := visitors[ip]
			if !ok {
				v = &visitor{limiter: rate.NewLimiter(rate.Limit(r), burst)}
				visitors[ip] = v
			}
			v.lastSeen = time.Now()
			mu.Unlock()

			if !v.limiter.Allow() {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}
