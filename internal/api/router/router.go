// Package router wires the HTTP surface: telephony webhooks, public
// call resources and the authenticated dashboard subtree.
package router

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/notdienststation/dispatch/internal/callflow"
	"github.com/notdienststation/dispatch/internal/dashboard"
	httpmiddleware "github.com/notdienststation/dispatch/internal/http/middleware"
	"github.com/notdienststation/dispatch/internal/locshare"
	"github.com/notdienststation/dispatch/internal/observability/metrics"
	"github.com/notdienststation/dispatch/internal/recordings"
	"github.com/notdienststation/dispatch/internal/store"
	"github.com/notdienststation/dispatch/pkg/logging"
)

// AudioSource returns cached synthesis output by blob key.
type AudioSource interface {
	Audio(key string) ([]byte, bool)
}

// Config holds router configuration.
type Config struct {
	Logger     *logging.Logger
	Flow       *callflow.Flow
	Recordings *recordings.Handler
	Locations  *locshare.Handler
	Dashboard  *dashboard.Handler
	Audio      AudioSource
	Metrics    *metrics.CallMetrics

	// MetricsHandler serves the Prometheus scrape endpoint (optional).
	MetricsHandler http.Handler

	// ServerURL is the public base URL webhooks are reached on; the
	// signature check reconstructs the signed URL from it.
	ServerURL string
	// WebhookAuthToken verifies X-Twilio-Signature on the webhook
	// routes. Empty disables the check.
	WebhookAuthToken string

	// Dashboard auth: bearer tokens are validated against the OIDC
	// userinfo endpoint, with validated tokens cached in Store.
	DashboardUserinfoURL string
	Store                *store.Store
	CORSAllowedOrigins   []string
}

// New creates the Chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))

	// Telephony webhooks. The provider sends GET or POST depending on the
	// method attribute of the instruction that set the callback, so every
	// webhook answers both.
	if cfg.Flow != nil {
		r.Group(func(hooks chi.Router) {
			hooks.Use(webhookSignature(cfg.WebhookAuthToken, cfg.ServerURL, cfg.Logger))
			hooks.Use(webhookLatency(cfg.Metrics))
			handle := func(pattern string, h http.HandlerFunc) {
				hooks.Get(pattern, h)
				hooks.Post(pattern, h)
			}
			handle("/incoming-call", cfg.Flow.HandleIncomingCall)
			handle("/parse-intent-1", cfg.Flow.HandleParseIntentFirst)
			handle("/parse-intent-2", cfg.Flow.HandleParseIntentSecond)
			handle("/ask-adress", cfg.Flow.HandleAskAddress)
			handle("/process-address", cfg.Flow.HandleProcessAddress)
			handle("/address-processed", cfg.Flow.HandleAddressProcessed)
			handle("/confirm-address", cfg.Flow.HandleConfirmAddress)
			handle("/ask-plz", cfg.Flow.HandleAskPLZ)
			handle("/process-plz", cfg.Flow.HandleProcessPLZ)
			handle("/ask-send-sms", cfg.Flow.HandleAskSendSMS)
			handle("/process-sms-offer", cfg.Flow.HandleProcessSMSOffer)
			handle("/start-pricing", cfg.Flow.HandleStartPricing)
			handle("/parse-connection-request", cfg.Flow.HandleParseConnectionRequest)
			handle("/parse-transfer-call/{name}/{phone}", cfg.Flow.HandleTransferResult)
			handle("/location-callback/{phone}", cfg.Flow.HandleLocationCallback)
			handle("/status", cfg.Flow.HandleCallStatus)
			if cfg.Recordings != nil {
				handle("/recording-status-callback/{caller}", cfg.Recordings.HandleStatusCallback)
			}
		})
	}

	// Public resources.
	r.Group(func(public chi.Router) {
		public.Get("/health", handleHealth)
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
		if cfg.Recordings != nil {
			public.Get("/recordings/{number}/{timestamp}", cfg.Recordings.HandleInitial)
			public.Get("/recordings/link/{number}/{timestamp}", cfg.Recordings.HandleFollowup)
		}
		if cfg.Audio != nil {
			public.Get("/audio/{key}.mp3", serveAudio(cfg.Audio))
		}
	})

	// Location-share pages are reachable under guessable integer ids, so
	// the subtree is rate limited per IP.
	if cfg.Locations != nil {
		r.Group(func(loc chi.Router) {
			loc.Use(httpmiddleware.RateLimit(5, 10))
			loc.Get("/location/{id}", cfg.Locations.HandlePage)
			loc.Post("/receive-location/{id}", cfg.Locations.HandleReceive)
		})
	}

	// Staff dashboard API.
	if cfg.Dashboard != nil {
		authCfg := httpmiddleware.BearerAuthConfig{
			UserinfoURL: cfg.DashboardUserinfoURL,
			Logger:      cfg.Logger,
		}
		if cfg.Store != nil {
			authCfg.Cache = cfg.Store
		}
		r.Route("/api/dashboard", func(api chi.Router) {
			if len(cfg.CORSAllowedOrigins) > 0 {
				api.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
			}
			api.Use(httpmiddleware.BearerAuth(authCfg))
			api.Mount("/", cfg.Dashboard.Routes())
		})
	}

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func serveAudio(src AudioSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := src.Audio(chi.URLParam(r, "key"))
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Header().Set("Cache-Control", "public, max-age=86400")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Write(body)
	}
}
