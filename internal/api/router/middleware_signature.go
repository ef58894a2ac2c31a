package router

import (
	"net/http"
	"strings"

	"github.com/notdienststation/dispatch/internal/telephony"
	"github.com/notdienststation/dispatch/pkg/logging"
)

// webhookSignature rejects webhook requests not signed with the account's
// auth token. The signed URL is rebuilt from the public base URL because
// the server sits behind a proxy and never sees the external scheme and
// host itself. An empty token disables the check for local setups.
func webhookSignature(authToken, serverURL string, logger *logging.Logger) func(http.Handler) http.Handler {
	base := strings.TrimRight(serverURL, "/")
	return func(next http.Handler) http.Handler {
		if authToken == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !telephony.ValidateSignature(r, authToken, base+r.URL.RequestURI()) {
				if logger != nil {
					logger.Warn("webhook signature rejected",
						"path", r.URL.Path,
						"remote_ip", r.RemoteAddr,
					)
				}
				http.Error(w, `{"error": "invalid signature"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
