// Package callflow drives a phone call through the dispatch state
// machine: greeting, intent classification, address capture, price
// offer, and the hand-off to a human contact. Every handler answers a
// telephony webhook with the TwiML for the next turn; external failures
// degrade to a transfer so the provider never sees an error response.
package callflow

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/twilio/twilio-go/twiml"
	"go.opentelemetry.io/otel"

	"github.com/notdienststation/dispatch/internal/geo"
	"github.com/notdienststation/dispatch/internal/llm"
	"github.com/notdienststation/dispatch/internal/observability/metrics"
	"github.com/notdienststation/dispatch/internal/pricing"
	"github.com/notdienststation/dispatch/internal/services"
	"github.com/notdienststation/dispatch/internal/store"
	"github.com/notdienststation/dispatch/internal/telephony"
	"github.com/notdienststation/dispatch/pkg/logging"
)

var flowTracer = otel.Tracer("dispatch.internal.callflow")

const (
	// defaultLLMTimeout bounds every model turn. A caller on the line
	// tolerates a short pause, not an open-ended one.
	defaultLLMTimeout = 6 * time.Second

	// defaultDialTimeout is how long one contact's phone rings before the
	// queue advances.
	defaultDialTimeout = 15 * time.Second

	// maxTranscriptionPolls bounds the redirect loop that waits for the
	// background transcription of the address recording.
	maxTranscriptionPolls = 5

	// backgroundTimeout bounds work that outlives the webhook request:
	// recording transcription, job SMS, summary notifications.
	backgroundTimeout = 60 * time.Second

	greetingSynthesisTimeout = 4 * time.Second
)

// llmAPI is the slice of the llm.Orchestrator the flow consumes.
type llmAPI interface {
	ClassifyIntent(ctx context.Context, text string) (llm.IntentResult, float64, string, error)
	ExtractLocation(ctx context.Context, text string) (llm.LocationResult, float64, string, error)
	YesNo(ctx context.Context, text, question string) (llm.YesNoResult, float64, string, error)
}

// addressResolver is the slice of geo.Geocoder the flow consumes.
type addressResolver interface {
	Resolve(ctx context.Context, address string) (*geo.Result, error)
}

// offerQuoter computes a price offer for a located job.
type offerQuoter interface {
	Quote(ctx context.Context, svc *services.Service, category string, lat, lng float64) (*pricing.Offer, error)
}

// transcriber turns recorded audio into text.
type transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
}

// synthesizer renders a prompt to a cached audio blob and returns its key.
type synthesizer interface {
	Synthesize(ctx context.Context, text string) (string, error)
}

// recordingFetcher downloads call recordings from the provider.
type recordingFetcher interface {
	Download(ctx context.Context, mediaURL string) ([]byte, string, error)
}

// smsSender delivers text messages.
type smsSender interface {
	Send(ctx context.Context, to, body string) error
}

// notifier pushes operator notifications.
type notifier interface {
	Notify(ctx context.Context, text string) error
}

// Flow holds the per-call state machine and its collaborators.
type Flow struct {
	store    *store.Store
	services *services.Store
	llm      llmAPI
	geocoder addressResolver
	quoter   offerQuoter
	prompter *telephony.Prompter
	stt      transcriber
	fetcher  recordingFetcher

	sms      smsSender
	tts      synthesizer
	notifier notifier
	metrics  *metrics.CallMetrics

	serverURL   string
	dialTimeout time.Duration
	llmTimeout  time.Duration
	loc         *time.Location
	logger      *logging.Logger

	now func() time.Time
}

// Config wires a Flow. SMS, TTS, Notifier, and Metrics are optional;
// everything else is required.
type Config struct {
	Store    *store.Store
	Services *services.Store
	LLM      llmAPI
	Geocoder addressResolver
	Quoter   offerQuoter
	Prompter *telephony.Prompter
	STT      transcriber
	Fetcher  recordingFetcher

	SMS      smsSender
	TTS      synthesizer
	Notifier notifier
	Metrics  *metrics.CallMetrics

	// ServerURL is the public base URL all webhook actions are built on.
	ServerURL string
	// DialTimeout is the per-contact ring time during transfers.
	DialTimeout time.Duration
	// LLMTimeout is the ceiling for one model turn.
	LLMTimeout time.Duration
	// Location is the timezone for vacation and day/night decisions.
	Location *time.Location
	Logger   *logging.Logger
}

// New builds the flow.
func New(cfg Config) *Flow {
	switch {
	case cfg.Store == nil:
		panic("callflow: store is required")
	case cfg.Services == nil:
		panic("callflow: services store is required")
	case cfg.LLM == nil:
		panic("callflow: llm client is required")
	case cfg.Geocoder == nil:
		panic("callflow: geocoder is required")
	case cfg.Quoter == nil:
		panic("callflow: quoter is required")
	case cfg.Prompter == nil:
		panic("callflow: prompter is required")
	case cfg.STT == nil:
		panic("callflow: transcriber is required")
	case cfg.Fetcher == nil:
		panic("callflow: recording fetcher is required")
	case strings.TrimSpace(cfg.ServerURL) == "":
		panic("callflow: server URL is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = defaultLLMTimeout
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Flow{
		store:       cfg.Store,
		services:    cfg.Services,
		llm:         cfg.LLM,
		geocoder:    cfg.Geocoder,
		quoter:      cfg.Quoter,
		prompter:    cfg.Prompter,
		stt:         cfg.STT,
		fetcher:     cfg.Fetcher,
		sms:         cfg.SMS,
		tts:         cfg.TTS,
		notifier:    cfg.Notifier,
		metrics:     cfg.Metrics,
		serverURL:   strings.TrimRight(cfg.ServerURL, "/"),
		dialTimeout: cfg.DialTimeout,
		llmTimeout:  cfg.LLMTimeout,
		loc:         cfg.Location,
		logger:      cfg.Logger,
		now:         time.Now,
	}
}

func (f *Flow) absURL(path string) string {
	return f.serverURL + path
}

// callService resolves the service of the live call, falling back to the
// default service when the call state is gone.
func (f *Flow) callService(ctx context.Context, caller store.CallerID) (*services.Service, error) {
	id, err := f.store.Service(ctx, caller)
	if err != nil {
		return nil, err
	}
	if id == "" {
		id = services.DefaultID
	}
	return f.services.Get(ctx, id)
}

// begin parses the webhook and resolves caller and service. On failure it
// has already answered with the technical-error response.
func (f *Flow) begin(w http.ResponseWriter, r *http.Request) (context.Context, *telephony.Webhook, store.CallerID, *services.Service, bool) {
	ctx := r.Context()
	wh, err := telephony.ParseWebhook(r)
	if err != nil {
		f.logger.Error("webhook parse failed", "path", r.URL.Path, "error", err)
		f.respondTechnicalError(ctx, w, store.AnonymousCaller())
		return ctx, nil, store.AnonymousCaller(), nil, false
	}
	caller := store.ParseCaller(wh.From)
	svc, err := f.callService(ctx, caller)
	if err != nil {
		f.logger.Error("service lookup failed", "caller", caller.Key(), "error", err)
		f.respondTechnicalError(ctx, w, caller)
		return ctx, wh, caller, nil, false
	}
	return ctx, wh, caller, svc, true
}

// Transcript logging. Append failures are logged and swallowed; a broken
// transcript must not break the call.

func (f *Flow) logPrompt(ctx context.Context, caller store.CallerID, text string) {
	f.appendMessage(ctx, caller, store.Message{Role: store.RoleAgent, Content: text})
}

func (f *Flow) logUtterance(ctx context.Context, caller store.CallerID, text string) {
	f.appendMessage(ctx, caller, store.Message{Role: store.RoleUser, Content: text})
}

func (f *Flow) logAI(ctx context.Context, caller store.CallerID, content string, elapsed float64, source string) {
	f.appendMessage(ctx, caller, store.Message{
		Role:        store.RoleAI,
		Content:     content,
		Duration:    elapsed,
		ModelSource: source,
	})
}

func (f *Flow) logGoogle(ctx context.Context, caller store.CallerID, content string) {
	f.appendMessage(ctx, caller, store.Message{Role: store.RoleGoogle, Content: content})
}

func (f *Flow) logProvider(ctx context.Context, caller store.CallerID, content string) {
	f.appendMessage(ctx, caller, store.Message{Role: store.RoleTwilio, Content: content})
}

func (f *Flow) appendMessage(ctx context.Context, caller store.CallerID, msg store.Message) {
	if err := f.store.AppendMessage(ctx, caller, msg); err != nil {
		f.logger.Warn("transcript append failed", "caller", caller.Key(), "role", msg.Role, "error", err)
	}
}

// say logs the prompt to the transcript and returns the spoken verb.
func (f *Flow) say(ctx context.Context, caller store.CallerID, text string) twiml.Element {
	f.logPrompt(ctx, caller, text)
	return f.prompter.Say(text)
}

// redirect answers with a bare redirect to the next flow state.
func (f *Flow) redirect(w http.ResponseWriter, path string) {
	f.prompter.Respond(w, f.prompter.Redirect(f.absURL(path)))
}

func (f *Flow) respondTechnicalError(ctx context.Context, w http.ResponseWriter, caller store.CallerID) {
	f.prompter.Respond(w, f.say(ctx, caller, promptTechnicalError), f.prompter.Hangup())
}

// respondLLMFailure diverts the call to a human after a model turn ended
// in an error. A human-agent request transfers silently; everything else
// is a timeout and gets the apology first. The marker entry keeps the
// transcript honest about what the model produced.
func (f *Flow) respondLLMFailure(ctx context.Context, w http.ResponseWriter, caller store.CallerID, svc *services.Service, dialFrom string, err error) {
	if errors.Is(err, llm.ErrHumanRequested) {
		f.logAI(ctx, caller, markerHumanRequested, 0, "")
		f.respondTransfer(ctx, w, caller, svc, dialFrom, promptTransfer)
		return
	}
	f.logAI(ctx, caller, markerTimeout, f.llmTimeout.Seconds(), "")
	f.respondTransfer(ctx, w, caller, svc, dialFrom, promptTransferApology)
}

// llmCtx bounds one model turn.
func (f *Flow) llmCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, f.llmTimeout)
}

// recordingCallbackURL builds the status callback that ingests finished
// recording media for this caller.
func (f *Flow) recordingCallbackURL(caller store.CallerID, recordingType string) string {
	return f.absURL("/recording-status-callback/" + caller.Encoded() + "?type=" + recordingType)
}
