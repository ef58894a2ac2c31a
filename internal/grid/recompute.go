package grid

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/notdienststation/dispatch/internal/geo"
	"github.com/notdienststation/dispatch/internal/services"
	"github.com/notdienststation/dispatch/pkg/logging"
)

// Nightly, after the Maps quota reset and well before morning traffic.
const recomputeSchedule = "17 3 * * *"

const (
	recomputeTimeout = 10 * time.Minute
	// Spread instances that share a schedule across a window so they do
	// not hit the geocoding API in the same second.
	recomputeJitter = 5 * time.Minute
)

// geocoder is the slice of geo.Geocoder the recompute pass needs.
type geocoder interface {
	Resolve(ctx context.Context, address string) (*geo.Result, error)
	ReverseResolve(ctx context.Context, lat, lng float64) (*geo.Result, error)
}

// Recomputer owns the nightly territory pass: it fills missing contact
// coordinates and rebuilds the postal-prefix table for every service.
type Recomputer struct {
	services *services.Store
	geocoder geocoder
	table    *Table
	schedule string
	logger   *logging.Logger
	cron     *cron.Cron

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// RecomputerConfig configures a Recomputer.
type RecomputerConfig struct {
	Services *services.Store
	Geocoder geocoder
	Table    *Table
	// Schedule is the cron expression for the nightly pass; empty uses
	// the default.
	Schedule string
	Logger   *logging.Logger
}

// NewRecomputer creates a recomputer.
func NewRecomputer(cfg RecomputerConfig) *Recomputer {
	if cfg.Services == nil {
		panic("grid: services store is required")
	}
	if cfg.Geocoder == nil {
		panic("grid: geocoder is required")
	}
	if cfg.Table == nil {
		panic("grid: table is required")
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = recomputeSchedule
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Recomputer{
		services: cfg.Services,
		geocoder: cfg.Geocoder,
		table:    cfg.Table,
		schedule: schedule,
		logger:   logger,
	}
}

// Start schedules the nightly pass. Calling Start twice is a no-op.
func (r *Recomputer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(r.schedule, r.runScheduled); err != nil {
		return fmt.Errorf("grid: schedule recompute: %w", err)
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.cron = c
	c.Start()
	r.started = true
	r.logger.Info("territory recompute scheduled", "schedule", r.schedule)
	return nil
}

// Stop cancels the schedule and waits for a running pass to finish. The
// cron is drained outside the mutex: a just-fired job takes the mutex to
// read its context, and holding it here would deadlock the drain.
func (r *Recomputer) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	cancel := r.cancel
	c := r.cron
	r.ctx = nil
	r.cancel = nil
	r.cron = nil
	r.mu.Unlock()

	cancel()
	<-c.Stop().Done()
	r.logger.Info("territory recompute stopped")
}

func (r *Recomputer) runScheduled() {
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()
	if ctx == nil {
		return
	}

	select {
	case <-time.After(time.Duration(rand.Int63n(int64(recomputeJitter)))):
	case <-ctx.Done():
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, recomputeTimeout)
	defer cancel()

	start := time.Now()
	if err := r.Run(runCtx); err != nil {
		r.logger.Error("territory recompute failed", "error", err, "duration", time.Since(start).String())
		return
	}
	r.logger.Info("territory recompute completed", "duration", time.Since(start).String())
}

// Run executes one full pass over every known service.
func (r *Recomputer) Run(ctx context.Context) error {
	svcs, err := r.services.All(ctx)
	if err != nil {
		return err
	}
	for _, svc := range svcs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.recomputeService(ctx, svc); err != nil {
			r.logger.Warn("territory recompute: service failed", "service", svc.ID, "error", err)
		}
	}
	return nil
}

func (r *Recomputer) recomputeService(ctx context.Context, svc *services.Service) error {
	if err := r.fillCoordinates(ctx, svc); err != nil {
		return err
	}
	for _, category := range []string{services.CategoryLocksmith, services.CategoryTowing} {
		rows, err := r.buildRows(ctx, svc, category)
		if err != nil {
			return err
		}
		if err := r.table.Replace(ctx, svc.ID, category, rows); err != nil {
			return err
		}
		r.logger.Info("territory table rebuilt",
			"service", svc.ID, "category", category, "rows", len(rows))
	}
	return nil
}

// fillCoordinates geocodes contacts that have an address but no stored
// position yet, repairing entries the dashboard saved while the
// geocoding API was down.
func (r *Recomputer) fillCoordinates(ctx context.Context, svc *services.Service) error {
	changed := false
	for _, category := range []string{services.CategoryLocksmith, services.CategoryTowing} {
		contacts := svc.Categories[category]
		for i := range contacts {
			c := &contacts[i]
			if c.Address == "" || c.Latitude != 0 || c.Longitude != 0 {
				continue
			}
			result, err := r.geocoder.Resolve(ctx, c.Address)
			if err != nil {
				r.logger.Warn("territory recompute: geocode contact failed",
					"service", svc.ID, "contact", c.Name, "error", err)
				continue
			}
			if result == nil {
				r.logger.Warn("territory recompute: contact address unresolvable",
					"service", svc.ID, "contact", c.Name, "address", c.Address)
				continue
			}
			c.Latitude = result.Latitude
			c.Longitude = result.Longitude
			changed = true
			r.logger.Info("contact coordinates filled",
				"service", svc.ID, "category", category, "contact", c.Name)
		}
	}
	if !changed {
		return nil
	}
	return r.services.Set(ctx, svc)
}

// buildRows assigns each postal prefix to the first provider location,
// in transfer order, whose own postal code starts with it.
func (r *Recomputer) buildRows(ctx context.Context, svc *services.Service, category string) ([]Row, error) {
	byPrefix := map[string]Row{}
	for _, pl := range svc.ProviderLocations(category) {
		if pl.Latitude == 0 && pl.Longitude == 0 {
			continue
		}
		result, err := r.geocoder.ReverseResolve(ctx, pl.Latitude, pl.Longitude)
		if err != nil {
			r.logger.Warn("territory recompute: reverse geocode failed",
				"service", svc.ID, "address", pl.Address, "error", err)
			continue
		}
		if result == nil || len(result.PLZ) < 2 {
			continue
		}
		prefix := result.PLZ[:2]
		if _, taken := byPrefix[prefix]; taken {
			continue
		}
		byPrefix[prefix] = Row{
			PLZPrefix: prefix,
			Name:      pl.Name,
			Phone:     pl.Phone,
			Address:   pl.Address,
			Latitude:  pl.Latitude,
			Longitude: pl.Longitude,
		}
	}

	rows := make([]Row, 0, len(byPrefix))
	for _, row := range byPrefix {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].PLZPrefix < rows[j].PLZPrefix })
	return rows, nil
}
