// Package grid maintains the territory table: a per-service,
// per-category map from two-digit postal prefixes to the provider
// location serving that area. The table is rebuilt nightly and read by
// the pricing fallback when live routing is unavailable.
package grid

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/notdienststation/dispatch/internal/services"
)

const tableKeyPrefix = "notdienststation:grid:"

// Row assigns one postal prefix to a provider location.
type Row struct {
	PLZPrefix string  `json:"plz_prefix"`
	Name      string  `json:"name"`
	Phone     string  `json:"phone"`
	Address   string  `json:"address"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Table reads and writes the territory rows in Redis.
type Table struct {
	rdb *redis.Client
}

// NewTable creates a table on the given client.
func NewTable(rdb *redis.Client) *Table {
	return &Table{rdb: rdb}
}

func tableKey(serviceID, category string) string {
	return tableKeyPrefix + serviceID + ":" + category
}

// Replace swaps the rows of one service and category atomically, so
// readers never see a half-rebuilt table.
func (t *Table) Replace(ctx context.Context, serviceID, category string, rows []Row) error {
	fields := make(map[string]any, len(rows))
	for _, row := range rows {
		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("grid: marshal row %s: %w", row.PLZPrefix, err)
		}
		fields[row.PLZPrefix] = data
	}

	key := tableKey(serviceID, category)
	pipe := t.rdb.TxPipeline()
	pipe.Del(ctx, key)
	if len(fields) > 0 {
		pipe.HSet(ctx, key, fields)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("grid: replace %s/%s: %w", serviceID, category, err)
	}
	return nil
}

// Rows returns the stored rows ordered by postal prefix.
func (t *Table) Rows(ctx context.Context, serviceID, category string) ([]Row, error) {
	data, err := t.rdb.HGetAll(ctx, tableKey(serviceID, category)).Result()
	if err != nil {
		return nil, fmt.Errorf("grid: rows %s/%s: %w", serviceID, category, err)
	}
	rows := make([]Row, 0, len(data))
	for prefix, raw := range data {
		var row Row
		if err := json.Unmarshal([]byte(raw), &row); err != nil {
			return nil, fmt.Errorf("grid: unmarshal row %s: %w", prefix, err)
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].PLZPrefix < rows[j].PLZPrefix })
	return rows, nil
}

// Nearest returns the stored location closest to the coordinate by
// straight-line distance, with that distance in kilometers. The result
// carries a single synthesized contact from the row so callers always
// get a dialable number; nil when the table is empty.
func (t *Table) Nearest(ctx context.Context, serviceID, category string, lat, lng float64) (*services.ProviderLocation, float64, error) {
	rows, err := t.Rows(ctx, serviceID, category)
	if err != nil {
		return nil, 0, err
	}

	var best *Row
	bestKM := math.MaxFloat64
	for i := range rows {
		km := DistanceKM(lat, lng, rows[i].Latitude, rows[i].Longitude)
		if km < bestKM {
			bestKM = km
			best = &rows[i]
		}
	}
	if best == nil {
		return nil, 0, nil
	}
	return &services.ProviderLocation{
		Name:      best.Name,
		Phone:     best.Phone,
		Address:   best.Address,
		Latitude:  best.Latitude,
		Longitude: best.Longitude,
		Contacts:  []services.Contact{{Name: best.Name, Phone: best.Phone}},
	}, bestKM, nil
}

const earthRadiusKM = 6371.0

// DistanceKM is the haversine great-circle distance between two
// coordinates.
func DistanceKM(lat1, lng1, lat2, lng2 float64) float64 {
	const rad = math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLng := (lng2 - lng1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKM * math.Asin(math.Sqrt(a))
}
