package middleware

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/notdienststation/dispatch/pkg/logging"
)

// tokenCache remembers bearer tokens that already passed userinfo
// validation.
type tokenCache interface {
	IsTokenCached(ctx context.Context, token string) (bool, error)
	CacheToken(ctx context.Context, token string) error
}

// BearerAuthConfig wires the dashboard auth middleware.
type BearerAuthConfig struct {
	// UserinfoURL is the OIDC userinfo endpoint tokens are validated
	// against. Empty rejects every request.
	UserinfoURL string
	// Cache stores validation results so the identity provider sees each
	// token once per cache window.
	Cache      tokenCache
	HTTPClient *http.Client
	Logger     *logging.Logger
}

// BearerAuth validates dashboard bearer tokens against the OIDC userinfo
// endpoint. A token that validated once is accepted from the cache until
// its entry expires.
func BearerAuth(cfg BearerAuthConfig) func(http.Handler) http.Handler {
	if cfg.UserinfoURL == "" || cfg.Cache == nil {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"error":"dashboard auth not configured"}`, http.StatusUnauthorized)
			})
		}
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth == "" || !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, `{"error":"missing authorization header"}`, http.StatusUnauthorized)
				return
			}
			token := strings.TrimPrefix(auth, "Bearer ")
			if token == "" {
				http.Error(w, `{"error":"empty bearer token"}`, http.StatusUnauthorized)
				return
			}

			cached, err := cfg.Cache.IsTokenCached(r.Context(), token)
			if err != nil {
				logger.Warn("auth cache read failed, validating remotely", "error", err)
			}
			if cached {
				next.ServeHTTP(w, r)
				return
			}

			if err := validateUserinfo(r.Context(), client, cfg.UserinfoURL, token); err != nil {
				logger.Info("dashboard token rejected", "error", err)
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}
			if err := cfg.Cache.CacheToken(r.Context(), token); err != nil {
				logger.Warn("auth cache write failed", "error", err)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// validateUserinfo performs the round trip to the identity provider. Any
// non-200 answer counts as an invalid token.
func validateUserinfo(ctx context.Context, client *http.Client, userinfoURL, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, userinfoURL, nil)
	if err != nil {
		return fmt.Errorf("build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("userinfo request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("userinfo returned %d", resp.StatusCode)
	}
	return nil
}
