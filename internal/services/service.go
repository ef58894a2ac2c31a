// Package services provides per-service configuration: dialed-number
// mapping, contact categories, pricing tiers, and active hours. Contacts
// and tiers are read-only during a call and edited through the dashboard.
package services

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Contact categories. Keys are ASCII because they appear in Redis keys and
// URL path segments.
const (
	CategoryLocksmith = "schluesseldienst"
	CategoryTowing    = "abschleppdienst"
)

// Contact is one dialable person of a service, ordered within their
// category by Position.
type Contact struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Phone     string  `json:"phone"`
	Address   string  `json:"address,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	Position  int     `json:"position"`
}

// PricingTier prices jobs whose drive time stays under Minutes.
type PricingTier struct {
	Minutes    int `json:"minutes"`
	DayPrice   int `json:"day_price"`
	NightPrice int `json:"night_price"`
}

// Pricing is the tier list plus the overflow fallback.
type Pricing struct {
	Tiers              []PricingTier `json:"tiers"`
	FallbackDayPrice   int           `json:"fallback_day_price"`
	FallbackNightPrice int           `json:"fallback_night_price"`
}

// ActiveHours defines the day window. A local hour h is "day" when
// DayStart <= h < DayEnd.
type ActiveHours struct {
	DayStart int `json:"day_start"`
	DayEnd   int `json:"day_end"`
}

// IsDayHour reports whether the local hour falls in the day window.
func (h ActiveHours) IsDayHour(hour int) bool {
	return h.DayStart <= hour && hour < h.DayEnd
}

// Vacation switches the service to direct emergency forwarding. An empty
// date range means the flag alone decides.
type Vacation struct {
	Active bool   `json:"active"`
	From   string `json:"from,omitempty"`  // 2006-01-02
	Until  string `json:"until,omitempty"` // 2006-01-02, inclusive
}

// OnVacation reports whether the vacation window covers t.
func (v Vacation) OnVacation(t time.Time) bool {
	if !v.Active {
		return false
	}
	if v.From == "" && v.Until == "" {
		return true
	}
	day := t.Format("2006-01-02")
	if v.From != "" && day < v.From {
		return false
	}
	if v.Until != "" && day > v.Until {
		return false
	}
	return true
}

// Service is one business line, distinguished by the dialed number.
type Service struct {
	ID               string               `json:"id"`
	Label            string               `json:"label"`
	Numbers          []string             `json:"numbers"`
	DirectForward    string               `json:"direct_forward,omitempty"`
	EmergencyContact Contact              `json:"emergency_contact"`
	Categories       map[string][]Contact `json:"categories"`
	Pricing          Pricing              `json:"pricing"`
	ActiveHours      ActiveHours          `json:"active_hours"`
	Vacation         Vacation             `json:"vacation"`
}

// ProviderLocation groups the contacts of a category that share a street
// address. The first contact by position represents the location in price
// offers.
type ProviderLocation struct {
	Name      string
	Phone     string
	Address   string
	Latitude  float64
	Longitude float64
	Contacts  []Contact
}

// ContactsByCategory returns the category's contacts ordered by position.
func (s *Service) ContactsByCategory(category string) []Contact {
	contacts := append([]Contact(nil), s.Categories[category]...)
	sort.SliceStable(contacts, func(i, j int) bool {
		return contacts[i].Position < contacts[j].Position
	})
	return contacts
}

// ProviderLocations groups a category's contacts by address, ordered by
// the position of each group's first contact. Contacts without an address
// form their own trailing group so they still reach the transfer queue.
func (s *Service) ProviderLocations(category string) []ProviderLocation {
	contacts := s.ContactsByCategory(category)
	index := map[string]int{}
	var locations []ProviderLocation
	for _, c := range contacts {
		key := strings.TrimSpace(strings.ToLower(c.Address))
		if i, ok := index[key]; ok && key != "" {
			locations[i].Contacts = append(locations[i].Contacts, c)
			continue
		}
		index[key] = len(locations)
		locations = append(locations, ProviderLocation{
			Name:      c.Name,
			Phone:     c.Phone,
			Address:   c.Address,
			Latitude:  c.Latitude,
			Longitude: c.Longitude,
			Contacts:  []Contact{c},
		})
	}
	return locations
}

// UpsertContact inserts a contact into a category, or replaces the
// contact with the same ID.
func (s *Service) UpsertContact(category string, c Contact) {
	if s.Categories == nil {
		s.Categories = map[string][]Contact{}
	}
	list := s.Categories[category]
	for i := range list {
		if list[i].ID == c.ID {
			list[i] = c
			s.Categories[category] = list
			return
		}
	}
	s.Categories[category] = append(list, c)
}

// RemoveContact deletes a contact by ID and reports whether it existed.
func (s *Service) RemoveContact(category, id string) bool {
	list := s.Categories[category]
	for i := range list {
		if list[i].ID == id {
			s.Categories[category] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// ReorderContacts rewrites a category's positions to match the given ID
// order. The list must name every contact of the category exactly once.
func (s *Service) ReorderContacts(category string, ids []string) error {
	list := s.Categories[category]
	if len(ids) != len(list) {
		return fmt.Errorf("services: reorder %s: got %d ids, category has %d contacts", category, len(ids), len(list))
	}
	byID := map[string]int{}
	for i, c := range list {
		byID[c.ID] = i
	}
	seen := map[string]bool{}
	for pos, id := range ids {
		i, ok := byID[id]
		if !ok {
			return fmt.Errorf("services: reorder %s: unknown contact id %q", category, id)
		}
		if seen[id] {
			return fmt.Errorf("services: reorder %s: duplicate contact id %q", category, id)
		}
		seen[id] = true
		list[i].Position = pos + 1
	}
	s.Categories[category] = list
	return nil
}

// CategoryForIntent maps a classified intent to the contact category that
// serves it. ADAC jobs are handled by the towing fleet.
func CategoryForIntent(intent string) string {
	switch intent {
	case "schlüsseldienst", "schluesseldienst":
		return CategoryLocksmith
	case "abschleppdienst", "adac":
		return CategoryTowing
	default:
		return ""
	}
}
