// Package pricing turns a caller position into a binding price offer by
// racing the service's provider locations for the shortest drive.
package pricing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/notdienststation/dispatch/internal/geo"
	"github.com/notdienststation/dispatch/internal/services"
	"github.com/notdienststation/dispatch/pkg/logging"
)

// ErrNoProvider means no provider location produced a route to the caller.
var ErrNoProvider = errors.New("pricing: no provider reachable")

// Announced arrival never undercuts the realistic minimum.
const minETAMinutes = 10

// router is the slice of geo.RoutesClient the quoter needs.
type router interface {
	DriveDuration(ctx context.Context, originLat, originLng float64, destAddress string) (*geo.Route, error)
}

// territory is the precomputed postal grid consulted when live routing
// yields nothing.
type territory interface {
	Nearest(ctx context.Context, serviceID, category string, lat, lng float64) (*services.ProviderLocation, float64, error)
}

// Offer is a price quote for one job, bound to the closest provider
// location.
type Offer struct {
	Provider services.ProviderLocation
	Price    int
	Minutes  int // raw drive minutes
	ETA      int // announced minutes, floored at minETAMinutes
	Day      bool
}

// Quoter computes offers against the current local time.
type Quoter struct {
	routes router
	grid   territory
	loc    *time.Location
	logger *logging.Logger

	now func() time.Time
}

// QuoterConfig configures a Quoter.
type QuoterConfig struct {
	Routes router
	// Grid estimates offers from the territory table when no location
	// routes; optional.
	Grid territory
	// Location is the timezone for day/night decisions.
	Location *time.Location
	Logger   *logging.Logger
}

// NewQuoter creates a quoter.
func NewQuoter(cfg QuoterConfig) *Quoter {
	if cfg.Routes == nil {
		panic("pricing: routes client is required")
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Quoter{routes: cfg.Routes, grid: cfg.Grid, loc: loc, logger: logger, now: time.Now}
}

// Quote prices a job at the given caller coordinate. Every provider
// location of the category with an address is routed; the shortest drive
// wins and picks the tier. Locations that error or have no route are
// skipped, so one dead address never blocks an offer.
func (q *Quoter) Quote(ctx context.Context, svc *services.Service, category string, lat, lng float64) (*Offer, error) {
	var best *services.ProviderLocation
	bestDur := time.Duration(-1)

	for _, pl := range svc.ProviderLocations(category) {
		if strings.TrimSpace(pl.Address) == "" {
			continue
		}
		route, err := q.routes.DriveDuration(ctx, lat, lng, pl.Address)
		if err != nil {
			q.logger.Warn("route lookup failed, skipping location",
				"service", svc.ID, "address", pl.Address, "error", err)
			continue
		}
		if route == nil {
			continue
		}
		if bestDur < 0 || route.Duration < bestDur {
			bestDur = route.Duration
			loc := pl
			best = &loc
		}
	}

	if best == nil {
		return q.quoteFromGrid(ctx, svc, category, lat, lng)
	}

	minutes := int(bestDur / time.Minute)
	offer := q.buildOffer(svc, best, minutes)
	q.logger.Info("price offer computed",
		"service", svc.ID,
		"provider", best.Name,
		"minutes", minutes,
		"price", offer.Price,
		"day", offer.Day)
	return offer, nil
}

// Straight-line estimate speed for territory fallback offers.
const fallbackSpeedKMH = 60.0

// quoteFromGrid estimates an offer from the nightly territory table so
// a routes outage does not push every caller to the human queue. The
// straight line at highway speed understates the real drive, so these
// offers lean toward the cheaper tier.
func (q *Quoter) quoteFromGrid(ctx context.Context, svc *services.Service, category string, lat, lng float64) (*Offer, error) {
	if q.grid == nil {
		return nil, ErrNoProvider
	}
	near, km, err := q.grid.Nearest(ctx, svc.ID, category, lat, lng)
	if err != nil {
		q.logger.Warn("territory lookup failed", "service", svc.ID, "error", err)
		return nil, ErrNoProvider
	}
	if near == nil {
		return nil, ErrNoProvider
	}

	// Rebind to the live location so the transfer queue gets the full
	// contact list, not the single number stored in the table.
	for _, pl := range svc.ProviderLocations(category) {
		if strings.EqualFold(strings.TrimSpace(pl.Address), strings.TrimSpace(near.Address)) {
			loc := pl
			near = &loc
			break
		}
	}

	minutes := int(km / fallbackSpeedKMH * 60)
	offer := q.buildOffer(svc, near, minutes)
	q.logger.Warn("price offer estimated from territory table",
		"service", svc.ID,
		"provider", near.Name,
		"distance_km", int(km),
		"minutes", minutes,
		"price", offer.Price)
	return offer, nil
}

func (q *Quoter) buildOffer(svc *services.Service, provider *services.ProviderLocation, minutes int) *Offer {
	day := svc.ActiveHours.IsDayHour(q.now().In(q.loc).Hour())
	eta := minutes
	if eta < minETAMinutes {
		eta = minETAMinutes
	}
	return &Offer{
		Provider: *provider,
		Price:    PriceFor(svc.Pricing, minutes, day),
		Minutes:  minutes,
		ETA:      eta,
		Day:      day,
	}
}

// PriceFor picks the first tier whose minute bound exceeds the drive time
// and returns its day or night price. Drives beyond every tier get the
// fallback price.
func PriceFor(p services.Pricing, minutes int, day bool) int {
	for _, tier := range p.Tiers {
		if minutes < tier.Minutes {
			if day {
				return tier.DayPrice
			}
			return tier.NightPrice
		}
	}
	if day {
		return p.FallbackDayPrice
	}
	return p.FallbackNightPrice
}
