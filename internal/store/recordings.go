package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// Recording types. The initial recording is the caller's address turn, the
// follow-up recording the transferred call leg.
const (
	RecordingInitial  = "initial"
	RecordingFollowup = "followup"
)

// RecordingMeta describes a stored recording segment.
type RecordingMeta struct {
	RecordingSID           string  `json:"recording_sid"`
	RecordingType          string  `json:"recording_type"`
	BytesTotal             int     `json:"bytes_total"`
	SegmentDurationSeconds float64 `json:"segment_duration_seconds"`
	CallTimestamp          string  `json:"call_timestamp"`
}

// Recording is a stored recording artifact.
type Recording struct {
	Body        []byte
	ContentType string
	Meta        RecordingMeta
}

func recordingKey(encodedPhone, timestamp, recordingType string) string {
	return fmt.Sprintf("recordings:%s:%s:%s", encodedPhone, timestamp, recordingType)
}

// SaveRecording stores recording bytes plus metadata under the call-scoped
// key. The phone must already be in encoded ("00") form.
func (s *Store) SaveRecording(ctx context.Context, encodedPhone, timestamp, recordingType string, rec Recording) error {
	meta, err := json.Marshal(rec.Meta)
	if err != nil {
		return fmt.Errorf("store: recording: marshal meta: %w", err)
	}
	key := recordingKey(encodedPhone, timestamp, recordingType)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"body", rec.Body,
		"content_type", rec.ContentType,
		"metadata", meta,
	)
	pipe.Expire(ctx, key, ArtifactTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: recording: save: %w", err)
	}
	return nil
}

// GetRecording returns the stored recording, nil when absent.
func (s *Store) GetRecording(ctx context.Context, encodedPhone, timestamp, recordingType string) (*Recording, error) {
	fields, err := s.rdb.HGetAll(ctx, recordingKey(encodedPhone, timestamp, recordingType)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: recording: get: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	rec := &Recording{
		Body:        []byte(fields["body"]),
		ContentType: fields["content_type"],
	}
	if meta, ok := fields["metadata"]; ok {
		if err := json.Unmarshal([]byte(meta), &rec.Meta); err != nil {
			return nil, fmt.Errorf("store: recording: unmarshal meta: %w", err)
		}
	}
	return rec, nil
}
