package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/notdienststation/dispatch/internal/geo"
	"github.com/notdienststation/dispatch/internal/services"
	"github.com/notdienststation/dispatch/internal/store"
	"github.com/notdienststation/dispatch/pkg/logging"
)

type fakeResolver struct {
	results map[string]*geo.Result
	err     error
	queries []string
}

func (f *fakeResolver) Resolve(ctx context.Context, address string) (*geo.Result, error) {
	f.queries = append(f.queries, address)
	if f.err != nil {
		return nil, f.err
	}
	return f.results[address], nil
}

type fixture struct {
	services *services.Store
	resolver *fakeResolver
	router   http.Handler
}

func setupDashboard(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	fx := &fixture{
		services: services.NewStore(rdb),
		resolver: &fakeResolver{results: map[string]*geo.Result{}},
	}
	h := NewHandler(fx.services, fx.resolver, logging.New("error"))
	r := chi.NewRouter()
	r.Mount("/api/dashboard", h.Routes())
	fx.router = r
	return fx
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func createContact(t *testing.T, fx *fixture, category string, body map[string]any) services.Contact {
	t.Helper()
	rec := doJSON(t, fx.router, http.MethodPost, "/api/dashboard/contacts/"+category, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var c services.Contact
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &c))
	return c
}

func listContacts(t *testing.T, fx *fixture, category string) []services.Contact {
	t.Helper()
	rec := doJSON(t, fx.router, http.MethodGet, "/api/dashboard/contacts/"+category, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Contacts []services.Contact `json:"contacts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Contacts
}

func TestCreateContactGeocodesAddress(t *testing.T) {
	fx := setupDashboard(t)
	fx.resolver.results["Bahnhofstraße 1, Kempten"] = &geo.Result{
		Location: store.Location{Latitude: 47.71, Longitude: 10.31},
		Country:  "DE",
	}

	c := createContact(t, fx, services.CategoryLocksmith, map[string]any{
		"name":    "Schmidt",
		"phone":   "+49170111222",
		"address": "Bahnhofstraße 1, Kempten",
	})
	if c.ID == "" {
		t.Fatal("contact has no id")
	}
	if c.Position != 1 {
		t.Fatalf("position = %d, want 1", c.Position)
	}
	if c.Latitude != 47.71 || c.Longitude != 10.31 {
		t.Fatalf("coordinates = (%v,%v), want geocoded values", c.Latitude, c.Longitude)
	}

	svc, err := fx.services.Get(context.Background(), services.DefaultID)
	require.NoError(t, err)
	contacts := svc.ContactsByCategory(services.CategoryLocksmith)
	require.Len(t, contacts, 1)
	if contacts[0].Name != "Schmidt" {
		t.Fatalf("persisted name = %q", contacts[0].Name)
	}
}

func TestCreateContactValidation(t *testing.T) {
	fx := setupDashboard(t)

	rec := doJSON(t, fx.router, http.MethodPost, "/api/dashboard/contacts/gartenbau", map[string]any{
		"name": "X", "phone": "+491",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown category status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, fx.router, http.MethodPost, "/api/dashboard/contacts/"+services.CategoryTowing, map[string]any{
		"name": "Meier",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing phone status = %d, want 400", rec.Code)
	}
}

func TestListContactsOrdered(t *testing.T) {
	fx := setupDashboard(t)
	createContact(t, fx, services.CategoryTowing, map[string]any{
		"name": "Huber", "phone": "+49170333444", "position": 2,
	})
	createContact(t, fx, services.CategoryTowing, map[string]any{
		"name": "Meier", "phone": "+49170555666", "position": 1,
	})

	contacts := listContacts(t, fx, services.CategoryTowing)
	require.Len(t, contacts, 2)
	if contacts[0].Name != "Meier" || contacts[1].Name != "Huber" {
		t.Fatalf("order = [%s, %s], want [Meier, Huber]", contacts[0].Name, contacts[1].Name)
	}
}

func TestUpdateContact(t *testing.T) {
	fx := setupDashboard(t)
	c := createContact(t, fx, services.CategoryLocksmith, map[string]any{
		"name": "Schmidt", "phone": "+49170111222",
	})

	rec := doJSON(t, fx.router, http.MethodPut, "/api/dashboard/contacts/"+services.CategoryLocksmith+"/"+c.ID, map[string]any{
		"phone": "+49170999888",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	contacts := listContacts(t, fx, services.CategoryLocksmith)
	require.Len(t, contacts, 1)
	if contacts[0].Phone != "+49170999888" {
		t.Fatalf("phone = %q, want updated value", contacts[0].Phone)
	}
	if contacts[0].Name != "Schmidt" {
		t.Fatalf("name = %q, partial update must keep it", contacts[0].Name)
	}
}

func TestUpdateContactNewAddressRegeocodes(t *testing.T) {
	fx := setupDashboard(t)
	fx.resolver.results["Neue Straße 7, Memmingen"] = &geo.Result{
		Location: store.Location{Latitude: 47.98, Longitude: 10.18},
		Country:  "DE",
	}
	c := createContact(t, fx, services.CategoryLocksmith, map[string]any{
		"name": "Schmidt", "phone": "+49170111222",
	})

	rec := doJSON(t, fx.router, http.MethodPut, "/api/dashboard/contacts/"+services.CategoryLocksmith+"/"+c.ID, map[string]any{
		"address": "Neue Straße 7, Memmingen",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	contacts := listContacts(t, fx, services.CategoryLocksmith)
	require.Len(t, contacts, 1)
	if contacts[0].Latitude != 47.98 {
		t.Fatalf("latitude = %v, want re-geocoded value", contacts[0].Latitude)
	}
}

func TestUpdateContactUnknownID(t *testing.T) {
	fx := setupDashboard(t)

	rec := doJSON(t, fx.router, http.MethodPut, "/api/dashboard/contacts/"+services.CategoryLocksmith+"/nope", map[string]any{
		"name": "X",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestDeleteContact(t *testing.T) {
	fx := setupDashboard(t)
	c := createContact(t, fx, services.CategoryTowing, map[string]any{
		"name": "Meier", "phone": "+49170555666",
	})

	path := "/api/dashboard/contacts/" + services.CategoryTowing + "/" + c.ID
	rec := doJSON(t, fx.router, http.MethodDelete, path, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Empty(t, listContacts(t, fx, services.CategoryTowing))

	if rec := doJSON(t, fx.router, http.MethodDelete, path, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", rec.Code)
	}
}

func TestReorderContacts(t *testing.T) {
	fx := setupDashboard(t)
	a := createContact(t, fx, services.CategoryLocksmith, map[string]any{"name": "A", "phone": "+491"})
	b := createContact(t, fx, services.CategoryLocksmith, map[string]any{"name": "B", "phone": "+492"})
	c := createContact(t, fx, services.CategoryLocksmith, map[string]any{"name": "C", "phone": "+493"})

	rec := doJSON(t, fx.router, http.MethodPost, "/api/dashboard/contacts/"+services.CategoryLocksmith+"/reorder", map[string]any{
		"ids": []string{c.ID, a.ID, b.ID},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	contacts := listContacts(t, fx, services.CategoryLocksmith)
	require.Len(t, contacts, 3)
	got := []string{contacts[0].Name, contacts[1].Name, contacts[2].Name}
	want := []string{"C", "A", "B"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}

	rec = doJSON(t, fx.router, http.MethodPost, "/api/dashboard/contacts/"+services.CategoryLocksmith+"/reorder", map[string]any{
		"ids": []string{c.ID, a.ID, "nope"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad reorder status = %d, want 400", rec.Code)
	}
}

func TestVacationRoundTrip(t *testing.T) {
	fx := setupDashboard(t)

	rec := doJSON(t, fx.router, http.MethodGet, "/api/dashboard/vacation", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var v services.Vacation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	if v.Active {
		t.Fatal("fresh service should not be on vacation")
	}

	rec = doJSON(t, fx.router, http.MethodPut, "/api/dashboard/vacation", map[string]any{
		"active": true, "from": "2026-08-01", "until": "2026-08-15",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, fx.router, http.MethodGet, "/api/dashboard/vacation", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	if !v.Active || v.From != "2026-08-01" || v.Until != "2026-08-15" {
		t.Fatalf("vacation = %+v", v)
	}

	rec = doJSON(t, fx.router, http.MethodPut, "/api/dashboard/vacation", map[string]any{
		"active": true, "from": "01.08.2026",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad date status = %d, want 400", rec.Code)
	}
}

func TestActiveHoursValidation(t *testing.T) {
	fx := setupDashboard(t)

	rec := doJSON(t, fx.router, http.MethodPut, "/api/dashboard/active-hours", map[string]any{
		"day_start": 7, "day_end": 22,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, fx.router, http.MethodGet, "/api/dashboard/active-hours", nil)
	var h services.ActiveHours
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	if h.DayStart != 7 || h.DayEnd != 22 {
		t.Fatalf("active hours = %+v", h)
	}

	rec = doJSON(t, fx.router, http.MethodPut, "/api/dashboard/active-hours", map[string]any{
		"day_start": 22, "day_end": 7,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("inverted hours status = %d, want 400", rec.Code)
	}
}

func TestStatusOverview(t *testing.T) {
	fx := setupDashboard(t)
	createContact(t, fx, services.CategoryLocksmith, map[string]any{
		"name": "Schmidt", "phone": "+49170111222",
	})

	rec := doJSON(t, fx.router, http.MethodGet, "/api/dashboard/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status struct {
		Service        string         `json:"service"`
		VacationActive bool           `json:"vacation_active"`
		Contacts       map[string]int `json:"contacts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	if status.Service != services.DefaultID {
		t.Fatalf("service = %q, want %q", status.Service, services.DefaultID)
	}
	if status.VacationActive {
		t.Fatal("vacation should be off")
	}
	if status.Contacts[services.CategoryLocksmith] != 1 {
		t.Fatalf("contact counts = %v", status.Contacts)
	}
}

func TestServiceQueryParameter(t *testing.T) {
	fx := setupDashboard(t)

	rec := doJSON(t, fx.router, http.MethodPost, "/api/dashboard/contacts/"+services.CategoryTowing+"?service=allgaeu", map[string]any{
		"name": "Meier", "phone": "+49170555666",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	svc, err := fx.services.Get(context.Background(), "allgaeu")
	require.NoError(t, err)
	require.Len(t, svc.ContactsByCategory(services.CategoryTowing), 1)

	std, err := fx.services.Get(context.Background(), services.DefaultID)
	require.NoError(t, err)
	require.Empty(t, std.ContactsByCategory(services.CategoryTowing))
}
