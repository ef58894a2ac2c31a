package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

const (
	linkKeyPrefix  = appKeyPrefix + "standort_link:"
	linkCounterKey = appKeyPrefix + "standort_link_counter"
)

// ErrLinkUsed is returned when a location-share link is consumed a second
// time. Used links stay terminal.
var ErrLinkUsed = errors.New("store: location link already used")

// ErrLinkNotFound is returned when a link id is unknown or expired.
var ErrLinkNotFound = errors.New("store: location link not found")

// LocationLink is a one-shot location-share link sent to a caller by SMS.
// ServiceID pins the link to the service the call came in on, so the
// follow-up call after a share can run even after the call state expired.
type LocationLink struct {
	LinkID      int64      `json:"link_id"`
	PhoneNumber string     `json:"phone_number"`
	ServiceID   string     `json:"service_id"`
	ExpiresAt   time.Time  `json:"expires_at"`
	Used        bool       `json:"used"`
	UsedAt      *time.Time `json:"used_at,omitempty"`
}

func linkKey(id int64) string {
	return linkKeyPrefix + strconv.FormatInt(id, 10)
}

// NextLinkID allocates the next link id with a server-side atomic
// increment.
func (s *Store) NextLinkID(ctx context.Context) (int64, error) {
	id, err := s.rdb.Incr(ctx, linkCounterKey).Result()
	if err != nil {
		return 0, fmt.Errorf("store: link counter: %w", err)
	}
	return id, nil
}

// CreateLink allocates an id and stores a fresh link for the phone number.
func (s *Store) CreateLink(ctx context.Context, phone, serviceID string) (*LocationLink, error) {
	id, err := s.NextLinkID(ctx)
	if err != nil {
		return nil, err
	}
	link := &LocationLink{
		LinkID:      id,
		PhoneNumber: phone,
		ServiceID:   serviceID,
		ExpiresAt:   s.now().In(s.loc).Add(ArtifactTTL),
	}
	if err := s.setJSON(ctx, linkKey(id), link, ArtifactTTL, "link"); err != nil {
		return nil, err
	}
	return link, nil
}

// GetLink returns the link record, nil when absent or expired.
func (s *Store) GetLink(ctx context.Context, id int64) (*LocationLink, error) {
	var link LocationLink
	ok, err := s.getJSON(ctx, linkKey(id), &link, "link")
	if err != nil || !ok {
		return nil, err
	}
	return &link, nil
}

// ConsumeLink marks the link used. A second consume returns ErrLinkUsed,
// an unknown or expired id ErrLinkNotFound.
func (s *Store) ConsumeLink(ctx context.Context, id int64) (*LocationLink, error) {
	link, err := s.GetLink(ctx, id)
	if err != nil {
		return nil, err
	}
	if link == nil {
		return nil, ErrLinkNotFound
	}
	if link.Used {
		return nil, ErrLinkUsed
	}
	usedAt := s.now().In(s.loc)
	link.Used = true
	link.UsedAt = &usedAt
	if err := s.setJSON(ctx, linkKey(id), link, ArtifactTTL, "link"); err != nil {
		return nil, err
	}
	return link, nil
}
