// Seeds a demo service configuration into Redis so a fresh install can take
// calls before anyone touches the dashboard.
//
// Usage:
//
//	go run ./scripts/seed [service-id]
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/notdienststation/dispatch/internal/config"
	"github.com/notdienststation/dispatch/internal/services"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	id := services.DefaultID
	if len(os.Args) > 1 {
		id = os.Args[1]
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		fmt.Printf("❌ redis unreachable at %s: %v\n", cfg.RedisAddr, err)
		os.Exit(1)
	}

	store := services.NewStore(rdb)
	svc, err := store.Get(ctx, id)
	if err != nil {
		fmt.Printf("❌ load service %q: %v\n", id, err)
		os.Exit(1)
	}
	if len(svc.Categories[services.CategoryLocksmith]) > 0 || len(svc.Categories[services.CategoryTowing]) > 0 {
		fmt.Printf("service %q already has contacts, refusing to overwrite\n", id)
		os.Exit(1)
	}

	svc.Label = "Notdienststation Demo"
	svc.EmergencyContact = services.Contact{
		ID:       uuid.NewString(),
		Name:     "Zentrale Bereitschaft",
		Phone:    "+498001112223",
		Position: 1,
	}
	svc.Categories = map[string][]services.Contact{
		services.CategoryLocksmith: {
			{ID: uuid.NewString(), Name: "Schlüsseldienst Maier", Phone: "+498211234567",
				Address: "Karolinenstraße 12, 86150 Augsburg", Latitude: 48.3705, Longitude: 10.8978, Position: 1},
			{ID: uuid.NewString(), Name: "Aufsperrdienst Huber", Phone: "+498912345678",
				Address: "Lindwurmstraße 88, 80337 München", Latitude: 48.1246, Longitude: 11.5553, Position: 2},
		},
		services.CategoryTowing: {
			{ID: uuid.NewString(), Name: "Abschleppdienst Brandl", Phone: "+498211112223",
				Address: "Ulmer Straße 45, 86154 Augsburg", Latitude: 48.3841, Longitude: 10.8795, Position: 1},
		},
	}

	if err := store.Set(ctx, svc); err != nil {
		fmt.Printf("❌ save service %q: %v\n", id, err)
		os.Exit(1)
	}

	fmt.Printf("✅ seeded service %q with %d locksmith and %d towing contacts\n",
		id,
		len(svc.Categories[services.CategoryLocksmith]),
		len(svc.Categories[services.CategoryTowing]))
	fmt.Println("   run the nightly recompute (or wait for it) to build the territory tables")
}
