// Package recordings ingests call recordings from the provider's status
// callbacks and serves them over HTTP with byte-range support.
package recordings

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"

	"github.com/notdienststation/dispatch/internal/observability/metrics"
	"github.com/notdienststation/dispatch/internal/store"
	"github.com/notdienststation/dispatch/internal/telephony"
	"github.com/notdienststation/dispatch/pkg/logging"
)

var recTracer = otel.Tracer("dispatch.internal.recordings")

// fetcher is the slice of telephony.RecordingFetcher the ingest path needs.
type fetcher interface {
	Download(ctx context.Context, mediaURL string) ([]byte, string, error)
}

// Handler ingests and serves call recordings.
type Handler struct {
	store   *store.Store
	fetcher fetcher
	metrics *metrics.CallMetrics
	logger  *logging.Logger
}

// Config wires a Handler.
type Config struct {
	Store   *store.Store
	Fetcher fetcher
	Metrics *metrics.CallMetrics
	Logger  *logging.Logger
}

// New builds a Handler. Store and Fetcher are required.
func New(cfg Config) *Handler {
	if cfg.Store == nil {
		panic("recordings: store is required")
	}
	if cfg.Fetcher == nil {
		panic("recordings: fetcher is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		store:   cfg.Store,
		fetcher: cfg.Fetcher,
		metrics: cfg.Metrics,
		logger:  logger,
	}
}

// HandleStatusCallback ingests a completed recording. Anonymous callers,
// empty payloads and recordings whose call state is already gone are
// dropped without an error status.
func (h *Handler) HandleStatusCallback(w http.ResponseWriter, r *http.Request) {
	ctx, span := recTracer.Start(r.Context(), "recordings.ingest")
	defer span.End()

	caller := store.ParseCaller(chi.URLParam(r, "caller"))
	if caller.IsAnonymous() {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	wh, err := telephony.ParseWebhook(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if wh.RecordingURL == "" {
		h.logger.Debug("recording callback without media url", "caller", caller.Key())
		w.WriteHeader(http.StatusNoContent)
		return
	}

	recordingType := r.URL.Query().Get("type")
	if recordingType != store.RecordingFollowup {
		recordingType = store.RecordingInitial
	}

	timestamp, err := h.store.StartTime(ctx, caller)
	if err != nil {
		h.logger.Error("recording ingest: start time lookup failed", "caller", caller.Key(), "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if timestamp == "" {
		h.logger.Warn("recording arrived after call state expired, dropping",
			"caller", caller.Key(), "recording_sid", wh.RecordingSid)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	body, contentType, err := h.fetcher.Download(ctx, wh.RecordingURL+".mp3")
	if err != nil {
		h.logger.Error("recording download failed", "caller", caller.Key(), "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if len(body) == 0 {
		h.logger.Debug("empty recording payload dropped", "caller", caller.Key())
		w.WriteHeader(http.StatusNoContent)
		return
	}

	duration, _ := strconv.ParseFloat(wh.RecordingDuration, 64)
	rec := store.Recording{
		Body:        body,
		ContentType: contentType,
		Meta: store.RecordingMeta{
			RecordingSID:           wh.RecordingSid,
			RecordingType:          recordingType,
			BytesTotal:             len(body),
			SegmentDurationSeconds: duration,
			CallTimestamp:          timestamp,
		},
	}
	if err := h.store.SaveRecording(ctx, caller.Encoded(), timestamp, recordingType, rec); err != nil {
		h.logger.Error("recording save failed", "caller", caller.Key(), "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	h.metrics.ObserveRecording(recordingType)
	h.logger.Info("recording stored",
		"caller", caller.Key(), "type", recordingType, "bytes", len(body), "timestamp", timestamp)
	w.WriteHeader(http.StatusNoContent)
}
