package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key layout. Transient call state lives one hour, conversation artifacts
// one day. Cleanup removes the transient keys and keeps the artifacts so a
// repeat caller can be fast-tracked.
const (
	callerKeyPrefix = "callers:"
	appKeyPrefix    = "notdienststation:"

	TransientTTL = time.Hour
	ArtifactTTL  = 24 * time.Hour

	// TimestampLayout is the call start-time format, rendered in the
	// configured local timezone.
	TimestampLayout = "20060102T150405"

	// LiveYes marks a call in progress.
	LiveYes = "Ja"
)

// Location is the caller's last known position. After successful geocoding
// either PLZ has five digits or Ort is non-empty.
type Location struct {
	Latitude         float64 `json:"latitude"`
	Longitude        float64 `json:"longitude"`
	FormattedAddress string  `json:"formatted_address,omitempty"`
	PLZ              string  `json:"plz,omitempty"`
	Ort              string  `json:"ort,omitempty"`
	GoogleMapsLink   string  `json:"google_maps_link,omitempty"`
}

// TransferredTo records the contact who accepted the transferred call.
type TransferredTo struct {
	Phone string `json:"phone"`
	Name  string `json:"name,omitempty"`
}

// SharedLocation is a browser-reported position from the location-share
// page.
type SharedLocation struct {
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	ReceivedAt string  `json:"received_at,omitempty"`
}

// Store keeps all per-call state in Redis.
type Store struct {
	rdb *redis.Client
	loc *time.Location
	now func() time.Time
}

// New creates a store backed by Redis. Timestamps are rendered in loc,
// which defaults to UTC when nil.
func New(rdb *redis.Client, loc *time.Location) *Store {
	if loc == nil {
		loc = time.UTC
	}
	return &Store{rdb: rdb, loc: loc, now: time.Now}
}

// Ping verifies the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func callerKey(c CallerID, field string) string {
	return callerKeyPrefix + c.Key() + ":" + field
}

func jobKey(c CallerID, field string) string {
	return callerKey(c, "job:"+field)
}

func jobKeyPattern(c CallerID) string {
	return callerKey(c, "job:*")
}

// InitCall atomically seeds the call root: service, start time, live flag,
// and an empty transcript. It returns the start timestamp that identifies
// this call in recording keys.
func (s *Store) InitCall(ctx context.Context, caller CallerID, service string) (string, error) {
	ts := s.now().In(s.loc).Format(TimestampLayout)
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, callerKey(caller, "service"), service, TransientTTL)
	pipe.Set(ctx, callerKey(caller, "start_time"), ts, TransientTTL)
	pipe.Set(ctx, callerKey(caller, "live"), LiveYes, TransientTTL)
	pipe.Del(ctx, callerKey(caller, "messages"))
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("store: init call: %w", err)
	}
	return ts, nil
}

// CleanupCall deletes the transient call keys. Messages, recordings,
// transferred_to, intent, and the shared location survive on their own
// TTLs so a repeat caller keeps context.
func (s *Store) CleanupCall(ctx context.Context, caller CallerID) error {
	keys := []string{
		callerKey(caller, "service"),
		callerKey(caller, "start_time"),
		callerKey(caller, "live"),
		callerKey(caller, "location"),
		callerKey(caller, "queue"),
		callerKey(caller, "transcription"),
		callerKey(caller, "hangup_reason"),
	}
	iter := s.rdb.Scan(ctx, 0, jobKeyPattern(caller), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("store: cleanup scan: %w", err)
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("store: cleanup: %w", err)
	}
	return nil
}

// Service returns the service id of the live call, empty when not set.
func (s *Store) Service(ctx context.Context, caller CallerID) (string, error) {
	return s.getString(ctx, callerKey(caller, "service"))
}

// StartTime returns the call's start timestamp, empty when not set.
func (s *Store) StartTime(ctx context.Context, caller CallerID) (string, error) {
	return s.getString(ctx, callerKey(caller, "start_time"))
}

// IsLive reports whether a call for this caller is in progress.
func (s *Store) IsLive(ctx context.Context, caller CallerID) (bool, error) {
	v, err := s.getString(ctx, callerKey(caller, "live"))
	if err != nil {
		return false, err
	}
	return v == LiveYes, nil
}

// SetJobField stores one free-form job-info field on the call.
func (s *Store) SetJobField(ctx context.Context, caller CallerID, field, value string) error {
	if err := s.rdb.Set(ctx, jobKey(caller, field), value, TransientTTL).Err(); err != nil {
		return fmt.Errorf("store: set job %s: %w", field, err)
	}
	return nil
}

// JobField reads one job-info field, empty when missing.
func (s *Store) JobField(ctx context.Context, caller CallerID, field string) (string, error) {
	return s.getString(ctx, jobKey(caller, field))
}

// JobInfo collects all job-info fields of the call.
func (s *Store) JobInfo(ctx context.Context, caller CallerID) (map[string]string, error) {
	prefix := callerKey(caller, "job:")
	info := map[string]string{}
	iter := s.rdb.Scan(ctx, 0, jobKeyPattern(caller), 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		val, err := s.getString(ctx, key)
		if err != nil {
			return nil, err
		}
		info[key[len(prefix):]] = val
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("store: job info scan: %w", err)
	}
	return info, nil
}

// SetIntent records the classified intent. It survives call cleanup so a
// repeat caller skips the interview.
func (s *Store) SetIntent(ctx context.Context, caller CallerID, intent string) error {
	if err := s.rdb.Set(ctx, callerKey(caller, "intent"), intent, ArtifactTTL).Err(); err != nil {
		return fmt.Errorf("store: set intent: %w", err)
	}
	return nil
}

// Intent returns the stored intent, empty when missing.
func (s *Store) Intent(ctx context.Context, caller CallerID) (string, error) {
	return s.getString(ctx, callerKey(caller, "intent"))
}

// SetLocation stores the caller's geocoded location.
func (s *Store) SetLocation(ctx context.Context, caller CallerID, loc *Location) error {
	return s.setJSON(ctx, callerKey(caller, "location"), loc, TransientTTL, "location")
}

// GetLocation returns the stored location, nil when absent.
func (s *Store) GetLocation(ctx context.Context, caller CallerID) (*Location, error) {
	var loc Location
	ok, err := s.getJSON(ctx, callerKey(caller, "location"), &loc, "location")
	if err != nil || !ok {
		return nil, err
	}
	return &loc, nil
}

// SetTransferredTo records the contact who accepted the call.
func (s *Store) SetTransferredTo(ctx context.Context, caller CallerID, to TransferredTo) error {
	return s.setJSON(ctx, callerKey(caller, "transferred_to"), to, ArtifactTTL, "transferred_to")
}

// GetTransferredTo returns the last accepted contact, nil when absent.
func (s *Store) GetTransferredTo(ctx context.Context, caller CallerID) (*TransferredTo, error) {
	var to TransferredTo
	ok, err := s.getJSON(ctx, callerKey(caller, "transferred_to"), &to, "transferred_to")
	if err != nil || !ok {
		return nil, err
	}
	return &to, nil
}

// SetSharedLocation stores a browser-reported location for the caller.
func (s *Store) SetSharedLocation(ctx context.Context, caller CallerID, loc SharedLocation) error {
	if loc.ReceivedAt == "" {
		loc.ReceivedAt = s.now().In(s.loc).Format(TimestampLayout)
	}
	return s.setJSON(ctx, callerKey(caller, "shared_location"), loc, ArtifactTTL, "shared_location")
}

// GetSharedLocation returns the shared location, nil when absent.
func (s *Store) GetSharedLocation(ctx context.Context, caller CallerID) (*SharedLocation, error) {
	var loc SharedLocation
	ok, err := s.getJSON(ctx, callerKey(caller, "shared_location"), &loc, "shared_location")
	if err != nil || !ok {
		return nil, err
	}
	return &loc, nil
}

// SetHangupReason records why the call ended without a transfer.
func (s *Store) SetHangupReason(ctx context.Context, caller CallerID, reason string) error {
	if err := s.rdb.Set(ctx, callerKey(caller, "hangup_reason"), reason, TransientTTL).Err(); err != nil {
		return fmt.Errorf("store: set hangup reason: %w", err)
	}
	return nil
}

// HangupReason returns the stored hangup reason, empty when missing.
func (s *Store) HangupReason(ctx context.Context, caller CallerID) (string, error) {
	return s.getString(ctx, callerKey(caller, "hangup_reason"))
}

// SetTranscription stores the STT text of the address recording.
func (s *Store) SetTranscription(ctx context.Context, caller CallerID, text string) error {
	if err := s.rdb.Set(ctx, callerKey(caller, "transcription"), text, TransientTTL).Err(); err != nil {
		return fmt.Errorf("store: set transcription: %w", err)
	}
	return nil
}

// Transcription returns the stored STT text, empty when missing.
func (s *Store) Transcription(ctx context.Context, caller CallerID) (string, error) {
	return s.getString(ctx, callerKey(caller, "transcription"))
}

func (s *Store) getString(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil
		}
		return "", fmt.Errorf("store: get %s: %w", key, err)
	}
	return v, nil
}

func (s *Store) setJSON(ctx context.Context, key string, v any, ttl time.Duration, what string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: %s: marshal: %w", what, err)
	}
	if err := s.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("store: %s: set: %w", what, err)
	}
	return nil
}

func (s *Store) getJSON(ctx context.Context, key string, v any, what string) (bool, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, fmt.Errorf("store: %s: get: %w", what, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("store: %s: unmarshal: %w", what, err)
	}
	return true, nil
}
