package services

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestGetUnknownReturnsDefault(t *testing.T) {
	store := NewStore(setupTestRedis(t))

	svc, err := store.Get(context.Background(), "fresh")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if svc.ID != "fresh" {
		t.Fatalf("ID = %q, want fresh", svc.ID)
	}
	if got := len(svc.Pricing.Tiers); got != 2 {
		t.Fatalf("default tiers = %d, want 2", got)
	}
	if svc.ActiveHours.DayStart != 8 || svc.ActiveHours.DayEnd != 20 {
		t.Fatalf("default hours = %+v", svc.ActiveHours)
	}
	if svc.Categories[CategoryLocksmith] == nil {
		t.Fatal("default locksmith category missing")
	}
}

func TestSetGetRoundtrip(t *testing.T) {
	store := NewStore(setupTestRedis(t))
	ctx := context.Background()

	svc := DefaultService("allgaeu")
	svc.Label = "Schlüsseldienst Allgäu"
	svc.Numbers = []string{"+49831999000"}
	svc.EmergencyContact = Contact{Name: "Zentrale", Phone: "+49831999111"}
	svc.UpsertContact(CategoryLocksmith, Contact{ID: "c1", Name: "Anbieter A", Phone: "+49111", Address: "Musterweg 1, Kempten", Position: 1})

	if err := store.Set(ctx, svc); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := store.Get(ctx, "allgaeu")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Label != "Schlüsseldienst Allgäu" {
		t.Fatalf("Label = %q", got.Label)
	}
	if len(got.Categories[CategoryLocksmith]) != 1 || got.Categories[CategoryLocksmith][0].Name != "Anbieter A" {
		t.Fatalf("contacts = %+v", got.Categories[CategoryLocksmith])
	}
	if got.EmergencyContact.Phone != "+49831999111" {
		t.Fatalf("emergency = %+v", got.EmergencyContact)
	}
}

func TestByNumber(t *testing.T) {
	store := NewStore(setupTestRedis(t))
	ctx := context.Background()

	svc := DefaultService("allgaeu")
	svc.Numbers = []string{"+49831999000", "+49831999001"}
	if err := store.Set(ctx, svc); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := store.ByNumber(ctx, "+49831999001")
	if err != nil {
		t.Fatalf("ByNumber: %v", err)
	}
	if got == nil || got.ID != "allgaeu" {
		t.Fatalf("ByNumber = %+v, want allgaeu", got)
	}

	got, err = store.ByNumber(ctx, "+49000000000")
	if err != nil {
		t.Fatalf("ByNumber unknown: %v", err)
	}
	if got != nil {
		t.Fatalf("unknown number resolved to %q", got.ID)
	}
}

func TestSetUnmapsDroppedNumbers(t *testing.T) {
	store := NewStore(setupTestRedis(t))
	ctx := context.Background()

	svc := DefaultService("allgaeu")
	svc.Numbers = []string{"+49831999000", "+49831999001"}
	if err := store.Set(ctx, svc); err != nil {
		t.Fatalf("Set: %v", err)
	}

	svc.Numbers = []string{"+49831999000"}
	if err := store.Set(ctx, svc); err != nil {
		t.Fatalf("Set again: %v", err)
	}

	got, err := store.ByNumber(ctx, "+49831999001")
	if err != nil {
		t.Fatalf("ByNumber: %v", err)
	}
	if got != nil {
		t.Fatalf("dropped number still mapped to %q", got.ID)
	}
}

func TestAll(t *testing.T) {
	store := NewStore(setupTestRedis(t))
	ctx := context.Background()

	for _, id := range []string{"b-dienst", "a-dienst"} {
		if err := store.Set(ctx, DefaultService(id)); err != nil {
			t.Fatalf("Set %s: %v", id, err)
		}
	}

	all, err := store.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 2 || all[0].ID != "a-dienst" || all[1].ID != "b-dienst" {
		t.Fatalf("All = %+v", all)
	}
}

func TestContactsByCategoryOrdersByPosition(t *testing.T) {
	svc := DefaultService("x")
	svc.Categories[CategoryTowing] = []Contact{
		{ID: "c3", Name: "Dritter", Position: 3},
		{ID: "c1", Name: "Erster", Position: 1},
		{ID: "c2", Name: "Zweiter", Position: 2},
	}

	got := svc.ContactsByCategory(CategoryTowing)
	if got[0].ID != "c1" || got[1].ID != "c2" || got[2].ID != "c3" {
		t.Fatalf("order = %v %v %v", got[0].ID, got[1].ID, got[2].ID)
	}
}

func TestProviderLocationsGroupByAddress(t *testing.T) {
	svc := DefaultService("x")
	svc.Categories[CategoryLocksmith] = []Contact{
		{ID: "c1", Name: "Anbieter A", Phone: "+49111", Address: "Musterweg 1, Kempten", Position: 1},
		{ID: "c2", Name: "Anbieter A2", Phone: "+49112", Address: "musterweg 1, kempten", Position: 2},
		{ID: "c3", Name: "Anbieter B", Phone: "+49222", Address: "Bergstr. 5, Füssen", Position: 3},
		{ID: "c4", Name: "Ohne Adresse", Phone: "+49333", Position: 4},
	}

	locs := svc.ProviderLocations(CategoryLocksmith)
	if len(locs) != 3 {
		t.Fatalf("locations = %d, want 3", len(locs))
	}
	if locs[0].Name != "Anbieter A" || locs[0].Phone != "+49111" {
		t.Fatalf("representative = %+v", locs[0])
	}
	if len(locs[0].Contacts) != 2 {
		t.Fatalf("grouped contacts = %d, want 2", len(locs[0].Contacts))
	}
	if locs[1].Address != "Bergstr. 5, Füssen" {
		t.Fatalf("second location = %+v", locs[1])
	}
	if locs[2].Address != "" || len(locs[2].Contacts) != 1 {
		t.Fatalf("addressless location = %+v", locs[2])
	}
}

func TestIsDayHour(t *testing.T) {
	hours := ActiveHours{DayStart: 8, DayEnd: 20}
	cases := []struct {
		hour int
		want bool
	}{
		{7, false},
		{8, true},
		{19, true},
		{20, false},
		{23, false},
	}
	for _, tc := range cases {
		if got := hours.IsDayHour(tc.hour); got != tc.want {
			t.Errorf("IsDayHour(%d) = %v, want %v", tc.hour, got, tc.want)
		}
	}
}

func TestVacation(t *testing.T) {
	day := func(s string) time.Time {
		ts, err := time.Parse("2006-01-02", s)
		if err != nil {
			t.Fatalf("parse %s: %v", s, err)
		}
		return ts
	}

	cases := []struct {
		name string
		v    Vacation
		t    time.Time
		want bool
	}{
		{"inactive", Vacation{}, day("2026-08-01"), false},
		{"active no range", Vacation{Active: true}, day("2026-08-01"), true},
		{"inside range", Vacation{Active: true, From: "2026-08-01", Until: "2026-08-15"}, day("2026-08-10"), true},
		{"from boundary", Vacation{Active: true, From: "2026-08-01", Until: "2026-08-15"}, day("2026-08-01"), true},
		{"until boundary", Vacation{Active: true, From: "2026-08-01", Until: "2026-08-15"}, day("2026-08-15"), true},
		{"before", Vacation{Active: true, From: "2026-08-01", Until: "2026-08-15"}, day("2026-07-31"), false},
		{"after", Vacation{Active: true, From: "2026-08-01", Until: "2026-08-15"}, day("2026-08-16"), false},
	}
	for _, tc := range cases {
		if got := tc.v.OnVacation(tc.t); got != tc.want {
			t.Errorf("%s: OnVacation = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestUpsertRemoveReorder(t *testing.T) {
	svc := DefaultService("x")
	svc.UpsertContact(CategoryLocksmith, Contact{ID: "c1", Name: "Alt", Position: 1})
	svc.UpsertContact(CategoryLocksmith, Contact{ID: "c2", Name: "Zwei", Position: 2})
	svc.UpsertContact(CategoryLocksmith, Contact{ID: "c1", Name: "Neu", Position: 1})

	if got := svc.Categories[CategoryLocksmith]; len(got) != 2 || got[0].Name != "Neu" {
		t.Fatalf("after upsert = %+v", got)
	}

	if err := svc.ReorderContacts(CategoryLocksmith, []string{"c2", "c1"}); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	ordered := svc.ContactsByCategory(CategoryLocksmith)
	if ordered[0].ID != "c2" || ordered[1].ID != "c1" {
		t.Fatalf("reordered = %+v", ordered)
	}

	if err := svc.ReorderContacts(CategoryLocksmith, []string{"c2", "nope"}); err == nil {
		t.Fatal("reorder with unknown id succeeded")
	}
	if err := svc.ReorderContacts(CategoryLocksmith, []string{"c2"}); err == nil {
		t.Fatal("reorder with missing id succeeded")
	}

	if !svc.RemoveContact(CategoryLocksmith, "c2") {
		t.Fatal("remove existing returned false")
	}
	if svc.RemoveContact(CategoryLocksmith, "c2") {
		t.Fatal("remove twice returned true")
	}
}

func TestCategoryForIntent(t *testing.T) {
	cases := map[string]string{
		"schlüsseldienst": CategoryLocksmith,
		"abschleppdienst": CategoryTowing,
		"adac":            CategoryTowing,
		"andere":          "",
	}
	for intent, want := range cases {
		if got := CategoryForIntent(intent); got != want {
			t.Errorf("CategoryForIntent(%q) = %q, want %q", intent, got, want)
		}
	}
}
