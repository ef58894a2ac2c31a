package llm

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/notdienststation/dispatch/pkg/logging"
)

var llmTracer = otel.Tracer("dispatch.internal.llm")

// Result sources beyond the provider tags.
const (
	SourceCache   = "cache"
	SourceUnknown = "unknown"
)

// graceDelay is the head start the primary provider gets before the
// secondary result is considered.
const graceDelay = time.Second

// ErrHumanRequested signals that the caller asked for a human agent. It is
// raised whenever a raw model response contains "mitarbeiter" and routes
// the call to transfer from any state.
var ErrHumanRequested = errors.New("llm: human agent requested")

// Orchestrator races two providers and caches parsed results per prompt.
type Orchestrator struct {
	primary    Provider
	secondary  Provider
	cacheDir   string
	plzTimeout time.Duration
	logger     *logging.Logger

	mu     sync.Mutex
	caches map[string]*Cache
}

// Config wires an Orchestrator.
type Config struct {
	Primary    Provider
	Secondary  Provider
	CacheDir   string
	PLZTimeout time.Duration
	Logger     *logging.Logger
}

// New builds the orchestrator. Both providers are required.
func New(cfg Config) *Orchestrator {
	if cfg.Primary == nil || cfg.Secondary == nil {
		panic("llm: both providers are required")
	}
	if cfg.PLZTimeout <= 0 {
		cfg.PLZTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Orchestrator{
		primary:    cfg.Primary,
		secondary:  cfg.Secondary,
		cacheDir:   cfg.CacheDir,
		plzTimeout: cfg.PLZTimeout,
		logger:     cfg.Logger,
		caches:     map[string]*Cache{},
	}
}

// cache returns the namespace cache, creating and loading it on first use.
func (o *Orchestrator) cache(namespace string) (*Cache, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if c, ok := o.caches[namespace]; ok {
		return c, nil
	}
	c, err := NewCache(filepath.Join(o.cacheDir, namespace))
	if err != nil {
		return nil, err
	}
	o.caches[namespace] = c
	return c, nil
}

// Ask races both providers. The primary gets a one-second head start; after
// that the first non-empty answer wins and the loser's request is
// cancelled. Provider errors count as empty answers. When both come back
// empty the source is "unknown".
func (o *Orchestrator) Ask(ctx context.Context, systemPrompt, userPrompt string) (string, string) {
	ctx, span := llmTracer.Start(ctx, "llm.ask")
	defer span.End()

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	primaryCh := make(chan string, 1)
	secondaryCh := make(chan string, 1)
	go o.askInto(raceCtx, o.primary, systemPrompt, userPrompt, primaryCh)
	go o.askInto(raceCtx, o.secondary, systemPrompt, userPrompt, secondaryCh)

	grace := time.NewTimer(graceDelay)
	defer grace.Stop()

	primaryPending, secondaryPending := true, true

	headStart := true
	for headStart && primaryPending {
		select {
		case text := <-primaryCh:
			primaryPending = false
			if text != "" {
				span.SetAttributes(attribute.String("dispatch.llm.source", o.primary.Name()))
				return text, o.primary.Name()
			}
		case <-grace.C:
			headStart = false
		case <-ctx.Done():
			return "", SourceUnknown
		}
	}

	for primaryPending || secondaryPending {
		select {
		case text := <-primaryCh:
			primaryPending = false
			if text != "" {
				span.SetAttributes(attribute.String("dispatch.llm.source", o.primary.Name()))
				return text, o.primary.Name()
			}
		case text := <-secondaryCh:
			secondaryPending = false
			if text != "" {
				span.SetAttributes(attribute.String("dispatch.llm.source", o.secondary.Name()))
				return text, o.secondary.Name()
			}
		case <-ctx.Done():
			return "", SourceUnknown
		}
	}
	span.SetAttributes(attribute.String("dispatch.llm.source", SourceUnknown))
	return "", SourceUnknown
}

// askInto runs one provider and always delivers exactly one result on out.
// The channel is buffered so an abandoned loser never leaks its goroutine.
func (o *Orchestrator) askInto(ctx context.Context, p Provider, systemPrompt, userPrompt string, out chan<- string) {
	text, err := p.Ask(ctx, systemPrompt, userPrompt)
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Warn("llm provider failed", "provider", p.Name(), "error", err)
		}
		out <- ""
		return
	}
	out <- strings.TrimSpace(text)
}

func containsHumanRequest(raw string) bool {
	return strings.Contains(strings.ToLower(raw), "mitarbeiter")
}

// cachedAsk is the shared request path of all primitives: derive a key
// from input, serve a cached parse when present, otherwise race the
// providers, intercept the human-agent token, parse, and persist the
// parsed value. Parse failures fall back without a cache write, as do
// empty answers, so a transient failure never poisons the cache.
func cachedAsk[T any](ctx context.Context, o *Orchestrator, namespace string, input map[string]string, systemPrompt, userPrompt string, parse func(string) (T, error), fallback func(error) T) (T, float64, string, error) {
	var zero T

	ctx, span := llmTracer.Start(ctx, "llm.cached_ask")
	defer span.End()
	span.SetAttributes(attribute.String("dispatch.llm.namespace", namespace))

	key := DeriveKey(input)
	cache, err := o.cache(namespace)
	if err != nil {
		o.logger.Error("llm cache unavailable", "namespace", namespace, "error", err)
		cache = nil
	}
	if cache != nil {
		var cached T
		if cache.GetJSON(key, &cached) {
			span.SetAttributes(attribute.String("dispatch.llm.source", SourceCache))
			return cached, 0.0, SourceCache, nil
		}
	}

	start := time.Now()
	raw, source := o.Ask(ctx, systemPrompt, userPrompt)
	elapsed := time.Since(start).Seconds()

	if err := ctx.Err(); err != nil {
		span.RecordError(err)
		return zero, elapsed, source, err
	}
	if containsHumanRequest(raw) {
		return zero, elapsed, source, ErrHumanRequested
	}
	if raw == "" {
		parsed, perr := parse(raw)
		if perr != nil {
			return fallback(perr), elapsed, source, nil
		}
		return parsed, elapsed, source, nil
	}

	parsed, perr := parse(raw)
	if perr != nil {
		return fallback(perr), elapsed, source, nil
	}
	if cache != nil {
		if err := cache.PutJSON(key, parsed); err != nil {
			o.logger.Error("llm cache write failed", "namespace", namespace, "error", err)
		}
	}
	return parsed, elapsed, source, nil
}
