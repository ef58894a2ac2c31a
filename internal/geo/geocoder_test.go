package geo

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"googlemaps.github.io/maps"
)

type fakeMapsAPI struct {
	geocodeFn func(r *maps.GeocodingRequest) ([]maps.GeocodingResult, error)
	reverseFn func(r *maps.GeocodingRequest) ([]maps.GeocodingResult, error)
}

func (f *fakeMapsAPI) Geocode(_ context.Context, r *maps.GeocodingRequest) ([]maps.GeocodingResult, error) {
	return f.geocodeFn(r)
}

func (f *fakeMapsAPI) ReverseGeocode(_ context.Context, r *maps.GeocodingRequest) ([]maps.GeocodingResult, error) {
	return f.reverseFn(r)
}

func comp(long, short string, types ...string) maps.AddressComponent {
	return maps.AddressComponent{LongName: long, ShortName: short, Types: types}
}

func geoResult(formatted string, lat, lng float64, components ...maps.AddressComponent) maps.GeocodingResult {
	return maps.GeocodingResult{
		FormattedAddress:  formatted,
		Geometry:          maps.AddressGeometry{Location: maps.LatLng{Lat: lat, Lng: lng}},
		AddressComponents: components,
	}
}

type fakeCorrector struct {
	plz   string
	calls int
}

func (f *fakeCorrector) CorrectPLZ(_ context.Context, _ string, _, _ float64) (string, float64, string, error) {
	f.calls++
	return f.plz, 0.1, "grok", nil
}

func TestResolvePrefersReverseComponents(t *testing.T) {
	api := &fakeMapsAPI{
		geocodeFn: func(r *maps.GeocodingRequest) ([]maps.GeocodingResult, error) {
			if r.Region != "de" {
				t.Fatalf("region = %q, want de", r.Region)
			}
			return []maps.GeocodingResult{
				geoResult("Hauptstr. 5, Kempten", 47.73, 10.31,
					comp("87435", "87435", "postal_code"),
					comp("Deutschland", "DE", "country")),
			}, nil
		},
		reverseFn: func(r *maps.GeocodingRequest) ([]maps.GeocodingResult, error) {
			return []maps.GeocodingResult{
				geoResult("Hauptstraße 5, 87435 Kempten, Deutschland", 47.73, 10.31,
					comp("87435", "87435", "postal_code"),
					comp("Kempten", "Kempten", "locality"),
					comp("Deutschland", "DE", "country")),
			}, nil
		},
	}
	g, err := NewGeocoder(GeocoderConfig{API: api})
	if err != nil {
		t.Fatalf("NewGeocoder: %v", err)
	}

	result, err := g.Resolve(context.Background(), "Hauptstraße 5 in Kempten")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if result == nil {
		t.Fatal("expected result")
	}
	if result.FormattedAddress != "Hauptstraße 5, 87435 Kempten, Deutschland" {
		t.Fatalf("formatted = %q, reverse response must win", result.FormattedAddress)
	}
	if result.PLZ != "87435" || result.Ort != "Kempten" {
		t.Fatalf("plz=%q ort=%q", result.PLZ, result.Ort)
	}
	if result.Latitude != 47.73 || result.Longitude != 10.31 {
		t.Fatalf("coords = %v,%v", result.Latitude, result.Longitude)
	}
	if result.GoogleMapsLink != "https://www.google.com/maps?q=47.730000,10.310000" {
		t.Fatalf("maps link = %q", result.GoogleMapsLink)
	}
	if !result.InArea() {
		t.Fatal("DE result must be in area")
	}
}

func TestResolveNoHit(t *testing.T) {
	api := &fakeMapsAPI{
		geocodeFn: func(*maps.GeocodingRequest) ([]maps.GeocodingResult, error) {
			return nil, nil
		},
		reverseFn: func(*maps.GeocodingRequest) ([]maps.GeocodingResult, error) {
			t.Fatal("reverse must not run without a forward hit")
			return nil, nil
		},
	}
	g, _ := NewGeocoder(GeocoderConfig{API: api})
	result, err := g.Resolve(context.Background(), "xyzzy")
	if err != nil || result != nil {
		t.Fatalf("got (%v, %v), want (nil, nil)", result, err)
	}
}

func TestPLZRepairEastShift(t *testing.T) {
	var reverseCalls []maps.LatLng
	api := &fakeMapsAPI{
		geocodeFn: func(*maps.GeocodingRequest) ([]maps.GeocodingResult, error) {
			return []maps.GeocodingResult{
				geoResult("Irgendwo im Wald", 47.7, 10.3,
					comp("Deutschland", "DE", "country")),
			}, nil
		},
		reverseFn: func(r *maps.GeocodingRequest) ([]maps.GeocodingResult, error) {
			reverseCalls = append(reverseCalls, *r.LatLng)
			// First reverse (exact point): still no postal code.
			if len(reverseCalls) == 1 {
				return []maps.GeocodingResult{
					geoResult("Irgendwo im Wald", 47.7, 10.3,
						comp("Deutschland", "DE", "country")),
				}, nil
			}
			// Shifted point carries one.
			return []maps.GeocodingResult{
				geoResult("Waldrand", 47.7, 10.3,
					comp("87435", "87435", "postal_code"),
					comp("Deutschland", "DE", "country")),
			}, nil
		},
	}
	corrector := &fakeCorrector{plz: "99999"}
	g, _ := NewGeocoder(GeocoderConfig{API: api, Corrector: corrector})

	result, err := g.Resolve(context.Background(), "im Wald bei Kempten")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if result.PLZ != "87435" {
		t.Fatalf("plz = %q, want repaired 87435", result.PLZ)
	}
	if corrector.calls != 0 {
		t.Fatal("model correction must not run when the east shift succeeds")
	}
	if len(reverseCalls) != 2 {
		t.Fatalf("reverse calls = %d, want 2", len(reverseCalls))
	}
	if got := reverseCalls[1].Lng - reverseCalls[0].Lng; math.Abs(got-plzEastShift) > 1e-9 {
		t.Fatalf("shift = %v, want %v", got, plzEastShift)
	}
}

func TestPLZRepairModelFallback(t *testing.T) {
	api := &fakeMapsAPI{
		geocodeFn: func(*maps.GeocodingRequest) ([]maps.GeocodingResult, error) {
			return []maps.GeocodingResult{
				geoResult("Dornbirn, Österreich", 47.41, 9.74,
					comp("Österreich", "AT", "country"),
					comp("Dornbirn", "Dornbirn", "locality")),
			}, nil
		},
		reverseFn: func(*maps.GeocodingRequest) ([]maps.GeocodingResult, error) {
			return []maps.GeocodingResult{
				geoResult("Dornbirn, Österreich", 47.41, 9.74,
					comp("Österreich", "AT", "country"),
					comp("Dornbirn", "Dornbirn", "locality")),
			}, nil
		},
	}
	corrector := &fakeCorrector{plz: "6850"}
	g, _ := NewGeocoder(GeocoderConfig{API: api, Corrector: corrector})

	result, err := g.Resolve(context.Background(), "Dornbirn")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if result.PLZ != "6850" {
		t.Fatalf("plz = %q, want model-corrected 6850", result.PLZ)
	}
	if corrector.calls != 1 {
		t.Fatalf("corrector calls = %d, want 1", corrector.calls)
	}
	if !result.InArea() {
		t.Fatal("AT result must be in area")
	}
}

func TestCityFallbackOrder(t *testing.T) {
	r := geoResult("x", 0, 0,
		comp("Oberallgäu", "OA", "administrative_area_level_3"),
		comp("Bayern", "BY", "administrative_area_level_1"))
	if got := componentCity(r); got != "Oberallgäu" {
		t.Fatalf("city = %q, want level_3 before level_1", got)
	}

	r = geoResult("x", 0, 0,
		comp("Kempten", "KE", "locality"),
		comp("Oberallgäu", "OA", "administrative_area_level_3"))
	if got := componentCity(r); got != "Kempten" {
		t.Fatalf("city = %q, want locality first", got)
	}

	if got := componentCity(geoResult("x", 0, 0)); got != "" {
		t.Fatalf("city = %q, want empty", got)
	}
}

func TestOutOfArea(t *testing.T) {
	r := &Result{Country: "CH"}
	if r.InArea() {
		t.Fatal("CH must be out of area")
	}
}

func TestResolveThroughRealClient(t *testing.T) {
	envelope := map[string]any{
		"status": "OK",
		"results": []map[string]any{
			{
				"formatted_address": "Hauptstraße 5, 87435 Kempten, Deutschland",
				"geometry": map[string]any{
					"location":      map[string]float64{"lat": 47.73, "lng": 10.31},
					"location_type": "ROOFTOP",
				},
				"address_components": []map[string]any{
					{"long_name": "87435", "short_name": "87435", "types": []string{"postal_code"}},
					{"long_name": "Kempten", "short_name": "Kempten", "types": []string{"locality"}},
					{"long_name": "Deutschland", "short_name": "DE", "types": []string{"country"}},
				},
				"types": []string{"street_address"},
			},
		},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(envelope)
	}))
	defer srv.Close()

	g, err := NewGeocoder(GeocoderConfig{APIKey: "test-key", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewGeocoder: %v", err)
	}
	result, err := g.Resolve(context.Background(), "Hauptstraße 5 Kempten")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if result == nil || result.PLZ != "87435" || result.Ort != "Kempten" || result.Country != "DE" {
		t.Fatalf("result = %+v", result)
	}
}
