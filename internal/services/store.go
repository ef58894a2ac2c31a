package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// DefaultID is the service used when the dialed number is not mapped.
const DefaultID = "standard"

const (
	serviceKeyPrefix  = "notdienststation:service:"
	serviceIndexKey   = "notdienststation:services"
	serviceNumbersKey = "notdienststation:service_numbers"
)

// DefaultService returns the seed configuration for a service that has
// never been saved: standard tiers, no contacts yet.
func DefaultService(id string) *Service {
	return &Service{
		ID:    id,
		Label: "Notdienststation",
		Categories: map[string][]Contact{
			CategoryLocksmith: {},
			CategoryTowing:    {},
		},
		Pricing: Pricing{
			Tiers: []PricingTier{
				{Minutes: 15, DayPrice: 100, NightPrice: 150},
				{Minutes: 30, DayPrice: 200, NightPrice: 250},
			},
			FallbackDayPrice:   400,
			FallbackNightPrice: 450,
		},
		ActiveHours: ActiveHours{DayStart: 8, DayEnd: 20},
	}
}

// Store reads and writes service configurations in Redis.
type Store struct {
	rdb *redis.Client
}

// NewStore creates a service store on the given Redis client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) key(id string) string {
	return serviceKeyPrefix + id
}

// Get loads a service by ID. A service that was never saved comes back as
// the seeded default so first-run installations work without setup.
func (s *Store) Get(ctx context.Context, id string) (*Service, error) {
	data, err := s.rdb.Get(ctx, s.key(id)).Result()
	if err == redis.Nil {
		return DefaultService(id), nil
	}
	if err != nil {
		return nil, fmt.Errorf("services: get %s: %w", id, err)
	}

	var svc Service
	if err := json.Unmarshal([]byte(data), &svc); err != nil {
		return nil, fmt.Errorf("services: unmarshal %s: %w", id, err)
	}
	if svc.Categories == nil {
		svc.Categories = map[string][]Contact{}
	}
	return &svc, nil
}

// Set persists a service and refreshes the dialed-number index. Numbers
// the service no longer claims are unmapped.
func (s *Store) Set(ctx context.Context, svc *Service) error {
	if svc == nil || svc.ID == "" {
		return fmt.Errorf("services: set: missing service id")
	}

	data, err := json.Marshal(svc)
	if err != nil {
		return fmt.Errorf("services: marshal %s: %w", svc.ID, err)
	}

	current := map[string]bool{}
	for _, n := range svc.Numbers {
		current[n] = true
	}
	mapped, err := s.rdb.HGetAll(ctx, serviceNumbersKey).Result()
	if err != nil {
		return fmt.Errorf("services: read number index: %w", err)
	}
	var stale []string
	for number, id := range mapped {
		if id == svc.ID && !current[number] {
			stale = append(stale, number)
		}
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.key(svc.ID), data, 0)
	pipe.SAdd(ctx, serviceIndexKey, svc.ID)
	for _, n := range svc.Numbers {
		pipe.HSet(ctx, serviceNumbersKey, n, svc.ID)
	}
	if len(stale) > 0 {
		pipe.HDel(ctx, serviceNumbersKey, stale...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("services: set %s: %w", svc.ID, err)
	}
	return nil
}

// ByNumber resolves the service that owns a dialed number. Unknown
// numbers return (nil, nil); callers fall back to the default service.
func (s *Store) ByNumber(ctx context.Context, number string) (*Service, error) {
	id, err := s.rdb.HGet(ctx, serviceNumbersKey, number).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("services: lookup number %s: %w", number, err)
	}
	return s.Get(ctx, id)
}

// All returns every saved service, ordered by ID.
func (s *Store) All(ctx context.Context) ([]*Service, error) {
	ids, err := s.rdb.SMembers(ctx, serviceIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("services: list: %w", err)
	}
	sort.Strings(ids)

	out := make([]*Service, 0, len(ids))
	for _, id := range ids {
		svc, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, svc)
	}
	return out, nil
}
