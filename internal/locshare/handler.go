// Package locshare serves the one-shot location-share page and turns the
// browser-posted coordinate into an immediate follow-up call.
package locshare

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"

	"github.com/notdienststation/dispatch/internal/geo"
	"github.com/notdienststation/dispatch/internal/store"
	"github.com/notdienststation/dispatch/pkg/logging"
)

var locTracer = otel.Tracer("dispatch.internal.locshare")

//go:embed templates/location.html
var templatesFS embed.FS

var pageTemplate = template.Must(template.ParseFS(templatesFS, "templates/location.html"))

const notifyTimeout = 10 * time.Second

// resolver reverse-geocodes a shared coordinate.
type resolver interface {
	ReverseResolve(ctx context.Context, lat, lng float64) (*geo.Result, error)
}

// dialer places the follow-up call.
type dialer interface {
	StartCall(to, twimlURL string) (string, error)
}

// notifier pushes operator notifications.
type notifier interface {
	Notify(ctx context.Context, text string) error
}

// Handler serves the share page and the coordinate endpoint.
type Handler struct {
	store     *store.Store
	geocoder  resolver
	dialer    dialer
	notifier  notifier
	serverURL string
	logger    *logging.Logger
}

// Config wires a Handler.
type Config struct {
	Store *store.Store
	// Geocoder resolves the shared coordinate to an address for the job
	// details; skipped when nil.
	Geocoder resolver
	// Dialer starts the follow-up call after a successful share.
	Dialer dialer
	// Notifier announces shared locations on the operator channel;
	// optional.
	Notifier notifier
	// ServerURL is the public base URL the callback webhook is built on.
	ServerURL string
	Logger    *logging.Logger
}

// New creates the handler.
func New(cfg Config) *Handler {
	if cfg.Store == nil {
		panic("locshare: store is required")
	}
	if cfg.Dialer == nil {
		panic("locshare: dialer is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		store:     cfg.Store,
		geocoder:  cfg.Geocoder,
		dialer:    cfg.Dialer,
		notifier:  cfg.Notifier,
		serverURL: cfg.ServerURL,
		logger:    logger,
	}
}

type pageData struct {
	LinkID int64
	Used   bool
}

// HandlePage renders the share page for GET /location/{id}. Unknown or
// expired links get a 404; a used link renders a terminal notice instead
// of the share button.
func (h *Handler) HandlePage(w http.ResponseWriter, r *http.Request) {
	ctx, span := locTracer.Start(r.Context(), "locshare.page")
	defer span.End()

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid link id", http.StatusBadRequest)
		return
	}
	link, err := h.store.GetLink(ctx, id)
	if err != nil {
		h.logger.Error("locshare: load link", "link_id", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if link == nil {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pageTemplate.Execute(w, pageData{LinkID: link.LinkID, Used: link.Used}); err != nil {
		h.logger.Error("locshare: render page", "link_id", id, "error", err)
	}
}

// coordinates is the JSON body the share page posts.
type coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (c coordinates) valid() bool {
	return c.Latitude >= -90 && c.Latitude <= 90 && c.Longitude >= -180 && c.Longitude <= 180
}

// HandleReceive handles POST /receive-location/{id}: it consumes the
// link, stores the shared position under the caller and starts the
// follow-up call. Invalid coordinates are rejected before the link is
// consumed so the caller can retry; a second POST on a consumed link
// answers 410.
func (h *Handler) HandleReceive(w http.ResponseWriter, r *http.Request) {
	ctx, span := locTracer.Start(r.Context(), "locshare.receive")
	defer span.End()

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid link id", http.StatusBadRequest)
		return
	}
	var coords coordinates
	if err := json.NewDecoder(r.Body).Decode(&coords); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if !coords.valid() {
		http.Error(w, "coordinates out of range", http.StatusBadRequest)
		return
	}

	link, err := h.store.ConsumeLink(ctx, id)
	switch {
	case errors.Is(err, store.ErrLinkUsed):
		http.Error(w, "link already used", http.StatusGone)
		return
	case errors.Is(err, store.ErrLinkNotFound):
		http.Error(w, "link not found", http.StatusNotFound)
		return
	case err != nil:
		h.logger.Error("locshare: consume link", "link_id", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	caller := store.ParseCaller(link.PhoneNumber)
	shared := store.SharedLocation{Latitude: coords.Latitude, Longitude: coords.Longitude}
	if err := h.store.SetSharedLocation(ctx, caller, shared); err != nil {
		h.logger.Error("locshare: store shared location", "link_id", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.resolveAddress(ctx, caller, coords)
	h.announce(link, coords)

	callbackURL := h.serverURL + "/location-callback/" + caller.Encoded() +
		"?service=" + url.QueryEscape(link.ServiceID)
	if _, err := h.dialer.StartCall(link.PhoneNumber, callbackURL); err != nil {
		h.logger.Error("locshare: start follow-up call", "link_id", id, "caller", caller.Key(), "error", err)
		http.Error(w, "failed to start follow-up call", http.StatusBadGateway)
		return
	}

	h.logger.Info("locshare: location received", "link_id", id, "caller", caller.Key())
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "received"})
}

// resolveAddress reverse-geocodes the shared point so the job details can
// name a street instead of raw coordinates. Best effort.
func (h *Handler) resolveAddress(ctx context.Context, caller store.CallerID, coords coordinates) {
	if h.geocoder == nil {
		return
	}
	result, err := h.geocoder.ReverseResolve(ctx, coords.Latitude, coords.Longitude)
	if err != nil {
		h.logger.Warn("locshare: reverse geocode", "error", err)
		return
	}
	if result == nil {
		return
	}
	if err := h.store.SetLocation(ctx, caller, &result.Location); err != nil {
		h.logger.Warn("locshare: store resolved location", "error", err)
	}
}

// announce posts the share on the operator channel in the background.
func (h *Handler) announce(link *store.LocationLink, coords coordinates) {
	if h.notifier == nil {
		return
	}
	text := fmt.Sprintf("Standort geteilt: %s\nhttps://www.google.com/maps?q=%.6f,%.6f",
		link.PhoneNumber, coords.Latitude, coords.Longitude)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := h.notifier.Notify(ctx, text); err != nil {
			h.logger.Warn("locshare: notify", "error", err)
		}
	}()
}
