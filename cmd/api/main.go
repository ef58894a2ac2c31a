package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/notdienststation/dispatch/internal/api/router"
	"github.com/notdienststation/dispatch/internal/callflow"
	appconfig "github.com/notdienststation/dispatch/internal/config"
	"github.com/notdienststation/dispatch/internal/dashboard"
	"github.com/notdienststation/dispatch/internal/geo"
	"github.com/notdienststation/dispatch/internal/grid"
	"github.com/notdienststation/dispatch/internal/llm"
	"github.com/notdienststation/dispatch/internal/locshare"
	"github.com/notdienststation/dispatch/internal/notify"
	"github.com/notdienststation/dispatch/internal/observability/metrics"
	"github.com/notdienststation/dispatch/internal/pricing"
	"github.com/notdienststation/dispatch/internal/recordings"
	"github.com/notdienststation/dispatch/internal/services"
	"github.com/notdienststation/dispatch/internal/speech"
	"github.com/notdienststation/dispatch/internal/store"
	"github.com/notdienststation/dispatch/internal/telephony"
	"github.com/notdienststation/dispatch/pkg/logging"
)

func main() {
	// Load .env if present; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.NewWithOptions(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	logger.Info("starting dispatch API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	loc := cfg.Location()

	rdb := redis.NewClient(redisOptions(cfg))
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	err := rdb.Ping(pingCtx).Err()
	cancelPing()
	if err != nil {
		logger.Error("redis unreachable", "addr", cfg.RedisAddr, "error", err)
		os.Exit(1)
	}

	st := store.New(rdb, loc)
	svcs := services.NewStore(rdb)
	m := metrics.NewCallMetrics(nil)

	orchestrator := llm.New(llm.Config{
		Primary:    llm.NewOpenAIProvider("gpt", cfg.OpenAIAPIKey, "", cfg.OpenAIModel, cfg.LLMMaxTokens),
		Secondary:  llm.NewOpenAIProvider("grok", cfg.XAIAPIKey, cfg.XAIBaseURL, cfg.XAIModel, cfg.LLMMaxTokens),
		CacheDir:   cfg.CacheDir,
		PLZTimeout: cfg.PLZTimeout,
		Logger:     logger,
	})

	geocoder, err := geo.NewGeocoder(geo.GeocoderConfig{
		APIKey:    cfg.GeocodingAPIKey,
		Corrector: orchestrator,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("geocoder init failed", "error", err)
		os.Exit(1)
	}
	routes, err := geo.NewRoutesClient(geo.RoutesClientConfig{
		APIKey:  cfg.RoutesAPIKey,
		BaseURL: cfg.RoutesBaseURL,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("routes client init failed", "error", err)
		os.Exit(1)
	}

	gridTable := grid.NewTable(rdb)
	quoter := pricing.NewQuoter(pricing.QuoterConfig{
		Routes:   routes,
		Grid:     gridTable,
		Location: loc,
		Logger:   logger,
	})

	speechEngine, err := speech.New(speech.Config{
		APIKey:   cfg.STTAPIKey,
		TTSModel: cfg.TTSModel,
		TTSVoice: cfg.TTSVoice,
		CacheDir: cfg.CacheDir,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("speech engine init failed", "error", err)
		os.Exit(1)
	}

	dialer, err := telephony.NewCaller(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.SMSFromNumber, logger)
	if err != nil {
		logger.Error("telephony caller init failed", "error", err)
		os.Exit(1)
	}
	smsSender := telephony.NewSMSSender(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.SMSFromNumber, logger)
	fetcher := telephony.NewRecordingFetcher(cfg.RecordingAccountSID, cfg.RecordingAuthToken, logger)
	prompter := telephony.NewPrompter(cfg.VoiceName, cfg.VoiceLanguage, logger)
	telegram := notify.NewTelegram(notify.TelegramConfig{
		BotToken: cfg.TelegramBotToken,
		ChatID:   cfg.TelegramChatID,
		Logger:   logger,
	})

	flow := callflow.New(callflow.Config{
		Store:       st,
		Services:    svcs,
		LLM:         orchestrator,
		Geocoder:    geocoder,
		Quoter:      quoter,
		Prompter:    prompter,
		STT:         speechEngine,
		Fetcher:     fetcher,
		SMS:         smsSender,
		TTS:         speechEngine,
		Notifier:    telegram,
		Metrics:     m,
		ServerURL:   cfg.ServerURL,
		DialTimeout: cfg.DialTimeout,
		LLMTimeout:  cfg.LLMTimeout,
		Location:    loc,
		Logger:      logger,
	})
	recorder := recordings.New(recordings.Config{
		Store:   st,
		Fetcher: fetcher,
		Metrics: m,
		Logger:  logger,
	})
	locations := locshare.New(locshare.Config{
		Store:     st,
		Geocoder:  geocoder,
		Dialer:    dialer,
		Notifier:  telegram,
		ServerURL: cfg.ServerURL,
		Logger:    logger,
	})
	dash := dashboard.NewHandler(svcs, geocoder, logger)

	recomputer := grid.NewRecomputer(grid.RecomputerConfig{
		Services: svcs,
		Geocoder: geocoder,
		Table:    gridTable,
		Schedule: cfg.GridCron,
		Logger:   logger,
	})
	// A bad cron expression should not take the call server down; the
	// quoter just loses its territory fallback until the next deploy.
	if err := recomputer.Start(context.Background()); err != nil {
		logger.Warn("territory recompute not scheduled", "error", err)
	}

	r := router.New(&router.Config{
		Logger:               logger,
		Flow:                 flow,
		Recordings:           recorder,
		Locations:            locations,
		Dashboard:            dash,
		Audio:                speechEngine,
		Metrics:              m,
		MetricsHandler:       promhttp.Handler(),
		ServerURL:            cfg.ServerURL,
		WebhookAuthToken:     cfg.TwilioAuthToken,
		DashboardUserinfoURL: cfg.OIDCUserinfoURL,
		Store:                st,
		CORSAllowedOrigins:   corsOrigins(cfg.DashboardURL),
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	recomputer.Stop()
	if err := rdb.Close(); err != nil {
		logger.Warn("redis close failed", "error", err)
	}
	logger.Info("server stopped")
}

// redisOptions builds the client options, with TLS for managed Redis
// deployments.
func redisOptions(cfg *appconfig.Config) *redis.Options {
	opts := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts
}

// corsOrigins derives the allowed dashboard origin from its configured
// URL. The Origin header never carries a path, so only scheme and host
// survive.
func corsOrigins(dashboardURL string) []string {
	if dashboardURL == "" {
		return nil
	}
	u, err := url.Parse(dashboardURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil
	}
	return []string{u.Scheme + "://" + u.Host}
}
