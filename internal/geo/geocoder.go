package geo

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"googlemaps.github.io/maps"

	"github.com/notdienststation/dispatch/internal/store"
	"github.com/notdienststation/dispatch/pkg/logging"
)

// plzEastShift nudges a coordinate roughly 100 m east. Reverse-geocoding
// the shifted point often lands in the neighbouring cell that does carry a
// postal code.
const plzEastShift = 0.00134

var fiveDigits = regexp.MustCompile(`^\d{5}$`)

// mapsAPI is the slice of the Google Maps client the geocoder consumes.
type mapsAPI interface {
	Geocode(ctx context.Context, r *maps.GeocodingRequest) ([]maps.GeocodingResult, error)
	ReverseGeocode(ctx context.Context, r *maps.GeocodingRequest) ([]maps.GeocodingResult, error)
}

// PLZCorrector asks a language model for the postal code of a position.
type PLZCorrector interface {
	CorrectPLZ(ctx context.Context, description string, lat, lng float64) (string, float64, string, error)
}

// Result is a resolved position plus the country it falls in.
type Result struct {
	store.Location
	Country string
}

// InArea reports whether the position lies in the service territory
// (Germany or Austria), decided on the country component rather than
// formatted-address substrings.
func (r *Result) InArea() bool {
	return r.Country == "DE" || r.Country == "AT"
}

// Geocoder resolves free-form addresses and coordinates through the Google
// geocoding API.
type Geocoder struct {
	api       mapsAPI
	corrector PLZCorrector
	logger    *logging.Logger
}

// GeocoderConfig wires a Geocoder.
type GeocoderConfig struct {
	// APIKey authenticates against the Google geocoding API.
	APIKey string
	// BaseURL overrides the API endpoint (for testing).
	BaseURL string
	// API overrides the maps client entirely (for testing).
	API mapsAPI
	// Corrector repairs malformed postal codes; optional.
	Corrector PLZCorrector
	Logger    *logging.Logger
}

// NewGeocoder creates a geocoder backed by the Google Maps client.
func NewGeocoder(cfg GeocoderConfig) (*Geocoder, error) {
	api := cfg.API
	if api == nil {
		opts := []maps.ClientOption{maps.WithAPIKey(cfg.APIKey)}
		if cfg.BaseURL != "" {
			opts = append(opts, maps.WithBaseURL(cfg.BaseURL))
		}
		client, err := maps.NewClient(opts...)
		if err != nil {
			return nil, fmt.Errorf("geo: maps client: %w", err)
		}
		api = client
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Geocoder{api: api, corrector: cfg.Corrector, logger: logger}, nil
}

// Resolve forward-geocodes an address with a German region hint, then
// reverse-geocodes the hit for cleaner component extraction. A postal code
// that is not five digits goes through the repair chain. Returns nil when
// the address does not geocode.
func (g *Geocoder) Resolve(ctx context.Context, address string) (*Result, error) {
	forward, err := g.api.Geocode(ctx, &maps.GeocodingRequest{
		Address: address,
		Region:  "de",
	})
	if err != nil {
		return nil, fmt.Errorf("geo: geocode %q: %w", address, err)
	}
	if len(forward) == 0 {
		return nil, nil
	}

	lat := forward[0].Geometry.Location.Lat
	lng := forward[0].Geometry.Location.Lng

	// The reverse response usually has better-structured components for
	// the exact point than the forward match.
	best := forward[0]
	reverse, err := g.api.ReverseGeocode(ctx, &maps.GeocodingRequest{
		LatLng: &maps.LatLng{Lat: lat, Lng: lng},
	})
	if err != nil {
		g.logger.Warn("geo: reverse geocode failed, using forward components", "error", err)
	} else if len(reverse) > 0 {
		best = reverse[0]
	}

	result := g.buildResult(lat, lng, best)
	g.repairPLZ(ctx, result)
	return result, nil
}

// ReverseResolve resolves a raw coordinate, used for browser-shared
// locations. Returns nil when the point has no address.
func (g *Geocoder) ReverseResolve(ctx context.Context, lat, lng float64) (*Result, error) {
	reverse, err := g.api.ReverseGeocode(ctx, &maps.GeocodingRequest{
		LatLng: &maps.LatLng{Lat: lat, Lng: lng},
	})
	if err != nil {
		return nil, fmt.Errorf("geo: reverse geocode %.5f,%.5f: %w", lat, lng, err)
	}
	if len(reverse) == 0 {
		return nil, nil
	}
	result := g.buildResult(lat, lng, reverse[0])
	g.repairPLZ(ctx, result)
	return result, nil
}

func (g *Geocoder) buildResult(lat, lng float64, r maps.GeocodingResult) *Result {
	return &Result{
		Location: store.Location{
			Latitude:         lat,
			Longitude:        lng,
			FormattedAddress: r.FormattedAddress,
			PLZ:              componentPLZ(r),
			Ort:              componentCity(r),
			GoogleMapsLink:   fmt.Sprintf("https://www.google.com/maps?q=%.6f,%.6f", lat, lng),
		},
		Country: componentCountry(r),
	}
}

// repairPLZ runs the two-step repair chain when the postal code is not
// exactly five digits: reverse-geocode a point shifted east, then ask the
// model. First success wins; an unrepairable code stays as extracted.
func (g *Geocoder) repairPLZ(ctx context.Context, result *Result) {
	if fiveDigits.MatchString(result.PLZ) {
		return
	}
	shifted, err := g.api.ReverseGeocode(ctx, &maps.GeocodingRequest{
		LatLng: &maps.LatLng{Lat: result.Latitude, Lng: result.Longitude + plzEastShift},
	})
	if err != nil {
		g.logger.Warn("geo: plz repair reverse geocode failed", "error", err)
	} else if len(shifted) > 0 {
		if plz := componentPLZ(shifted[0]); fiveDigits.MatchString(plz) {
			result.PLZ = plz
			return
		}
	}
	if g.corrector == nil {
		return
	}
	plz, _, source, err := g.corrector.CorrectPLZ(ctx, result.FormattedAddress, result.Latitude, result.Longitude)
	if err != nil || plz == "" {
		return
	}
	g.logger.Info("geo: plz corrected by model", "plz", plz, "source", source)
	result.PLZ = plz
}

func componentPLZ(r maps.GeocodingResult) string {
	for _, c := range r.AddressComponents {
		for _, t := range c.Types {
			if t == "postal_code" {
				return strings.ReplaceAll(c.LongName, " ", "")
			}
		}
	}
	return ""
}

// componentCity picks the city in decreasing order of precision.
func componentCity(r maps.GeocodingResult) string {
	order := []string{
		"locality",
		"postal_town",
		"administrative_area_level_3",
		"administrative_area_level_2",
		"administrative_area_level_1",
	}
	byType := map[string]string{}
	for _, c := range r.AddressComponents {
		for _, t := range c.Types {
			if _, ok := byType[t]; !ok {
				byType[t] = c.LongName
			}
		}
	}
	for _, t := range order {
		if name := byType[t]; name != "" {
			return name
		}
	}
	return ""
}

func componentCountry(r maps.GeocodingResult) string {
	for _, c := range r.AddressComponents {
		for _, t := range c.Types {
			if t == "country" {
				return c.ShortName
			}
		}
	}
	return ""
}
