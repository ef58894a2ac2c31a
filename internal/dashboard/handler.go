// Package dashboard exposes the staff-facing configuration API: contact
// management per category, transfer order, vacation mode, and active
// hours. All routes sit behind the bearer-auth middleware.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/notdienststation/dispatch/internal/geo"
	"github.com/notdienststation/dispatch/internal/services"
	"github.com/notdienststation/dispatch/pkg/logging"
)

// resolver forward-geocodes provider addresses on save.
type resolver interface {
	Resolve(ctx context.Context, address string) (*geo.Result, error)
}

// Handler provides the dashboard HTTP endpoints.
type Handler struct {
	services *services.Store
	geocoder resolver
	logger   *logging.Logger
}

// NewHandler creates the dashboard handler. The geocoder is optional;
// without it, new contacts wait for the nightly grid pass to pick up
// coordinates.
func NewHandler(svcs *services.Store, geocoder resolver, logger *logging.Logger) *Handler {
	if svcs == nil {
		panic("dashboard: services store is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{services: svcs, geocoder: geocoder, logger: logger}
}

// Routes returns the dashboard subtree, mounted under /api/dashboard.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/contacts/{category}", h.ListContacts)
	r.Post("/contacts/{category}", h.CreateContact)
	r.Post("/contacts/{category}/reorder", h.Reorder)
	r.Put("/contacts/{category}/{id}", h.UpdateContact)
	r.Delete("/contacts/{category}/{id}", h.DeleteContact)
	r.Get("/vacation", h.GetVacation)
	r.Put("/vacation", h.SetVacation)
	r.Get("/active-hours", h.GetActiveHours)
	r.Put("/active-hours", h.SetActiveHours)
	r.Get("/status", h.Status)
	return r
}

// serviceID picks the service a dashboard call operates on. Single-service
// installations never send the parameter and land on the default.
func serviceID(r *http.Request) string {
	if id := r.URL.Query().Get("service"); id != "" {
		return id
	}
	return services.DefaultID
}

func (h *Handler) loadService(w http.ResponseWriter, r *http.Request) (*services.Service, bool) {
	svc, err := h.services.Get(r.Context(), serviceID(r))
	if err != nil {
		h.logger.Error("dashboard: load service", "service", serviceID(r), "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
		return nil, false
	}
	return svc, true
}

func (h *Handler) save(w http.ResponseWriter, r *http.Request, svc *services.Service) bool {
	if err := h.services.Set(r.Context(), svc); err != nil {
		h.logger.Error("dashboard: save service", "service", svc.ID, "error", err)
		http.Error(w, `{"error": "failed to save"}`, http.StatusInternalServerError)
		return false
	}
	return true
}

func category(w http.ResponseWriter, r *http.Request) (string, bool) {
	c := chi.URLParam(r, "category")
	if c != services.CategoryLocksmith && c != services.CategoryTowing {
		http.Error(w, `{"error": "unknown category"}`, http.StatusBadRequest)
		return "", false
	}
	return c, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// GET /api/dashboard/contacts/{category}
func (h *Handler) ListContacts(w http.ResponseWriter, r *http.Request) {
	cat, ok := category(w, r)
	if !ok {
		return
	}
	svc, ok := h.loadService(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service":  svc.ID,
		"category": cat,
		"contacts": svc.ContactsByCategory(cat),
	})
}

// contactRequest is the JSON body for contact create and update.
type contactRequest struct {
	Name      string  `json:"name"`
	Phone     string  `json:"phone"`
	Address   string  `json:"address,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	Position  int     `json:"position,omitempty"`
}

// POST /api/dashboard/contacts/{category}
func (h *Handler) CreateContact(w http.ResponseWriter, r *http.Request) {
	cat, ok := category(w, r)
	if !ok {
		return
	}
	var req contactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "invalid JSON body"}`, http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.Phone == "" {
		http.Error(w, `{"error": "name and phone required"}`, http.StatusBadRequest)
		return
	}
	svc, ok := h.loadService(w, r)
	if !ok {
		return
	}

	contact := services.Contact{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Phone:     req.Phone,
		Address:   req.Address,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		Position:  req.Position,
	}
	if contact.Position == 0 {
		contact.Position = len(svc.Categories[cat]) + 1
	}
	h.geocodeContact(r.Context(), &contact)

	svc.UpsertContact(cat, contact)
	if !h.save(w, r, svc) {
		return
	}
	h.logger.Info("dashboard: contact created", "service", svc.ID, "category", cat, "name", contact.Name)
	writeJSON(w, http.StatusCreated, contact)
}

// PUT /api/dashboard/contacts/{category}/{id}
func (h *Handler) UpdateContact(w http.ResponseWriter, r *http.Request) {
	cat, ok := category(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	var req contactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "invalid JSON body"}`, http.StatusBadRequest)
		return
	}
	svc, ok := h.loadService(w, r)
	if !ok {
		return
	}

	var contact *services.Contact
	list := svc.Categories[cat]
	for i := range list {
		if list[i].ID == id {
			contact = &list[i]
			break
		}
	}
	if contact == nil {
		http.Error(w, `{"error": "contact not found"}`, http.StatusNotFound)
		return
	}

	if req.Name != "" {
		contact.Name = req.Name
	}
	if req.Phone != "" {
		contact.Phone = req.Phone
	}
	if req.Address != "" && req.Address != contact.Address {
		contact.Address = req.Address
		contact.Latitude = 0
		contact.Longitude = 0
	}
	if req.Latitude != 0 || req.Longitude != 0 {
		contact.Latitude = req.Latitude
		contact.Longitude = req.Longitude
	}
	if req.Position != 0 {
		contact.Position = req.Position
	}
	h.geocodeContact(r.Context(), contact)

	if !h.save(w, r, svc) {
		return
	}
	h.logger.Info("dashboard: contact updated", "service", svc.ID, "category", cat, "id", id)
	writeJSON(w, http.StatusOK, *contact)
}

// DELETE /api/dashboard/contacts/{category}/{id}
func (h *Handler) DeleteContact(w http.ResponseWriter, r *http.Request) {
	cat, ok := category(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	svc, ok := h.loadService(w, r)
	if !ok {
		return
	}
	if !svc.RemoveContact(cat, id) {
		http.Error(w, `{"error": "contact not found"}`, http.StatusNotFound)
		return
	}
	if !h.save(w, r, svc) {
		return
	}
	h.logger.Info("dashboard: contact deleted", "service", svc.ID, "category", cat, "id", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type reorderRequest struct {
	IDs []string `json:"ids"`
}

// POST /api/dashboard/contacts/{category}/reorder
func (h *Handler) Reorder(w http.ResponseWriter, r *http.Request) {
	cat, ok := category(w, r)
	if !ok {
		return
	}
	var req reorderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "invalid JSON body"}`, http.StatusBadRequest)
		return
	}
	svc, ok := h.loadService(w, r)
	if !ok {
		return
	}
	if err := svc.ReorderContacts(cat, req.IDs); err != nil {
		http.Error(w, fmt.Sprintf(`{"error": %q}`, err.Error()), http.StatusBadRequest)
		return
	}
	if !h.save(w, r, svc) {
		return
	}
	h.logger.Info("dashboard: contacts reordered", "service", svc.ID, "category", cat)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "reordered",
		"contacts": svc.ContactsByCategory(cat),
	})
}

// GET /api/dashboard/vacation
func (h *Handler) GetVacation(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.loadService(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, svc.Vacation)
}

// PUT /api/dashboard/vacation
func (h *Handler) SetVacation(w http.ResponseWriter, r *http.Request) {
	var req services.Vacation
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "invalid JSON body"}`, http.StatusBadRequest)
		return
	}
	for _, day := range []string{req.From, req.Until} {
		if day == "" {
			continue
		}
		if _, err := time.Parse("2006-01-02", day); err != nil {
			http.Error(w, `{"error": "dates must be YYYY-MM-DD"}`, http.StatusBadRequest)
			return
		}
	}
	svc, ok := h.loadService(w, r)
	if !ok {
		return
	}
	svc.Vacation = req
	if !h.save(w, r, svc) {
		return
	}
	h.logger.Info("dashboard: vacation updated", "service", svc.ID, "active", req.Active)
	writeJSON(w, http.StatusOK, svc.Vacation)
}

// GET /api/dashboard/active-hours
func (h *Handler) GetActiveHours(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.loadService(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, svc.ActiveHours)
}

// PUT /api/dashboard/active-hours
func (h *Handler) SetActiveHours(w http.ResponseWriter, r *http.Request) {
	var req services.ActiveHours
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "invalid JSON body"}`, http.StatusBadRequest)
		return
	}
	if req.DayStart < 0 || req.DayEnd > 24 || req.DayStart > req.DayEnd {
		http.Error(w, `{"error": "hours must satisfy 0 <= day_start <= day_end <= 24"}`, http.StatusBadRequest)
		return
	}
	svc, ok := h.loadService(w, r)
	if !ok {
		return
	}
	svc.ActiveHours = req
	if !h.save(w, r, svc) {
		return
	}
	h.logger.Info("dashboard: active hours updated", "service", svc.ID, "day_start", req.DayStart, "day_end", req.DayEnd)
	writeJSON(w, http.StatusOK, svc.ActiveHours)
}

// GET /api/dashboard/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.loadService(w, r)
	if !ok {
		return
	}
	counts := map[string]int{}
	for cat, list := range svc.Categories {
		counts[cat] = len(list)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service":         svc.ID,
		"label":           svc.Label,
		"numbers":         svc.Numbers,
		"direct_forward":  svc.DirectForward != "",
		"vacation_active": svc.Vacation.OnVacation(time.Now()),
		"contacts":        counts,
	})
}

// geocodeContact fills missing coordinates from the address so routing
// can use a fresh contact right away; the nightly grid pass repairs the
// rest. Best effort.
func (h *Handler) geocodeContact(ctx context.Context, c *services.Contact) {
	if h.geocoder == nil || c.Address == "" || c.Latitude != 0 || c.Longitude != 0 {
		return
	}
	result, err := h.geocoder.Resolve(ctx, c.Address)
	if err != nil {
		h.logger.Warn("dashboard: geocode contact", "address", c.Address, "error", err)
		return
	}
	if result == nil {
		return
	}
	c.Latitude = result.Latitude
	c.Longitude = result.Longitude
}
