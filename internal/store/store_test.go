package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	s := New(client, time.UTC)
	s.now = func() time.Time {
		return time.Date(2024, 3, 5, 14, 30, 45, 0, time.UTC)
	}
	return s, mr
}

func TestPhoneCodec(t *testing.T) {
	tests := []struct {
		name    string
		phone   string
		encoded string
	}{
		{"e164", "+4917612345678", "004917612345678"},
		{"no plus passes through", "017612345678", "017612345678"},
		{"austrian", "+43123456", "0043123456"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EncodePhone(tt.phone); got != tt.encoded {
				t.Fatalf("EncodePhone(%q) = %q, want %q", tt.phone, got, tt.encoded)
			}
			if got := DecodePhone(tt.encoded); got != tt.phone {
				t.Fatalf("DecodePhone(%q) = %q, want %q", tt.encoded, got, tt.phone)
			}
		})
	}
}

func TestParseCaller(t *testing.T) {
	if c := ParseCaller("+4917612345678"); c.IsAnonymous() || c.E164() != "+4917612345678" {
		t.Fatalf("expected known caller, got %+v", c)
	}
	if c := ParseCaller("004917612345678"); c.E164() != "+4917612345678" {
		t.Fatalf("expected decoded caller, got %q", c.E164())
	}
	for _, from := range []string{"", "anonymous", "Anonymous", "unknown", "Restricted"} {
		if c := ParseCaller(from); !c.IsAnonymous() {
			t.Fatalf("ParseCaller(%q) should be anonymous", from)
		}
	}
	anon := AnonymousCaller()
	if anon.Key() != "anonymous" || anon.Encoded() != "anonymous" {
		t.Fatalf("anonymous key/encoded mismatch: %q %q", anon.Key(), anon.Encoded())
	}
}

func TestInitCall(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()
	caller := KnownCaller("+4917612345678")

	ts, err := s.InitCall(ctx, caller, "schluessel-allgaeu")
	require.NoError(t, err)
	if ts != "20240305T143045" {
		t.Fatalf("start timestamp = %q, want %q", ts, "20240305T143045")
	}

	svc, err := s.Service(ctx, caller)
	require.NoError(t, err)
	if svc != "schluessel-allgaeu" {
		t.Fatalf("service = %q", svc)
	}
	live, err := s.IsLive(ctx, caller)
	require.NoError(t, err)
	if !live {
		t.Fatal("expected live call after init")
	}
	msgs, err := s.Messages(ctx, caller)
	require.NoError(t, err)
	if len(msgs) != 0 {
		t.Fatalf("expected primed empty transcript, got %d entries", len(msgs))
	}
}

func TestCleanupPreservesArtifacts(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()
	caller := KnownCaller("+4917612345678")

	_, err := s.InitCall(ctx, caller, "schluessel-allgaeu")
	require.NoError(t, err)
	require.NoError(t, s.SetJobField(ctx, caller, "address", "Hauptstraße 5"))
	require.NoError(t, s.SetJobField(ctx, caller, "price", "200"))
	require.NoError(t, s.SetIntent(ctx, caller, "schlüsseldienst"))
	require.NoError(t, s.SetLocation(ctx, caller, &Location{Latitude: 47.73, Longitude: 10.31}))
	require.NoError(t, s.AppendMessage(ctx, caller, Message{Role: RoleUser, Content: "hallo"}))
	require.NoError(t, s.SetTransferredTo(ctx, caller, TransferredTo{Phone: "+49111", Name: "Provider A"}))
	require.NoError(t, s.SetHangupReason(ctx, caller, "Keine Mitarbeiter erreichbar"))

	require.NoError(t, s.CleanupCall(ctx, caller))

	if svc, _ := s.Service(ctx, caller); svc != "" {
		t.Fatalf("service survived cleanup: %q", svc)
	}
	if loc, _ := s.GetLocation(ctx, caller); loc != nil {
		t.Fatal("location survived cleanup")
	}
	if info, _ := s.JobInfo(ctx, caller); len(info) != 0 {
		t.Fatalf("job info survived cleanup: %v", info)
	}
	if reason, _ := s.HangupReason(ctx, caller); reason != "" {
		t.Fatalf("hangup reason survived cleanup: %q", reason)
	}

	msgs, err := s.Messages(ctx, caller)
	require.NoError(t, err)
	if len(msgs) != 1 {
		t.Fatalf("messages should survive cleanup, got %d", len(msgs))
	}
	to, err := s.GetTransferredTo(ctx, caller)
	require.NoError(t, err)
	if to == nil || to.Name != "Provider A" {
		t.Fatalf("transferred_to should survive cleanup, got %+v", to)
	}
	intent, err := s.Intent(ctx, caller)
	require.NoError(t, err)
	if intent != "schlüsseldienst" {
		t.Fatalf("intent should survive cleanup, got %q", intent)
	}
}

func TestAppendMessageIdempotentTail(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()
	caller := KnownCaller("+4917612345678")

	msg := Message{Role: RoleAgent, Content: "Wie kann ich helfen?"}
	require.NoError(t, s.AppendMessage(ctx, caller, msg))
	require.NoError(t, s.AppendMessage(ctx, caller, msg))

	msgs, err := s.Messages(ctx, caller)
	require.NoError(t, err)
	if len(msgs) != 1 {
		t.Fatalf("duplicate tail should append once, got %d entries", len(msgs))
	}

	require.NoError(t, s.AppendMessage(ctx, caller, Message{Role: RoleUser, Content: "Abschleppdienst"}))
	require.NoError(t, s.AppendMessage(ctx, caller, msg))
	msgs, err = s.Messages(ctx, caller)
	require.NoError(t, err)
	if len(msgs) != 3 {
		t.Fatalf("non-tail duplicate must append, got %d entries", len(msgs))
	}
	if msgs[1].Content != "Abschleppdienst" || msgs[1].Role != RoleUser {
		t.Fatalf("order broken: %+v", msgs)
	}
}

func TestMessageRender(t *testing.T) {
	m := Message{Role: RoleAI, Content: "Ja", Duration: 0.3}
	if got := m.Render(); got != "ai: Ja (took 0.300s)" {
		t.Fatalf("ai render = %q", got)
	}
	m = Message{Role: RoleAgent, Content: "Hallo"}
	if got := m.Render(); got != "agent: Hallo" {
		t.Fatalf("agent render = %q", got)
	}
	m = Message{Role: RoleAI, Content: "Nein"}
	if got := m.Render(); got != "ai: Nein" {
		t.Fatalf("ai render without duration = %q", got)
	}
}

func TestQueueOps(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()
	caller := KnownCaller("+4917612345678")

	entries := []QueueEntry{
		{Name: "Alice", Phone: "+49111"},
		{Name: "Bob", Phone: "+49222"},
	}
	require.NoError(t, s.QueueSet(ctx, caller, entries))

	n, err := s.QueueLen(ctx, caller)
	require.NoError(t, err)
	if n != 2 {
		t.Fatalf("queue len = %d, want 2", n)
	}

	head, err := s.QueuePeek(ctx, caller)
	require.NoError(t, err)
	if head == nil || head.Name != "Alice" {
		t.Fatalf("peek = %+v, want Alice", head)
	}
	// Peek must not remove.
	head, err = s.QueuePeek(ctx, caller)
	require.NoError(t, err)
	if head == nil || head.Name != "Alice" {
		t.Fatalf("second peek = %+v, want Alice", head)
	}

	require.NoError(t, s.QueueAdvance(ctx, caller))
	head, err = s.QueuePeek(ctx, caller)
	require.NoError(t, err)
	if head == nil || head.Name != "Bob" {
		t.Fatalf("after advance peek = %+v, want Bob", head)
	}

	require.NoError(t, s.QueueAdvance(ctx, caller))
	head, err = s.QueuePeek(ctx, caller)
	require.NoError(t, err)
	if head != nil {
		t.Fatalf("empty queue peek = %+v, want nil", head)
	}
	// Advancing an empty queue is a no-op.
	require.NoError(t, s.QueueAdvance(ctx, caller))

	require.NoError(t, s.QueueSet(ctx, caller, entries))
	require.NoError(t, s.QueueSet(ctx, caller, []QueueEntry{{Name: "Carol", Phone: "+49333"}}))
	n, err = s.QueueLen(ctx, caller)
	require.NoError(t, err)
	if n != 1 {
		t.Fatalf("set must replace, len = %d", n)
	}

	require.NoError(t, s.QueuePush(ctx, caller, QueueEntry{Name: "Dave", Phone: "+49444"}))
	n, err = s.QueueLen(ctx, caller)
	require.NoError(t, err)
	if n != 2 {
		t.Fatalf("push len = %d", n)
	}
}

func TestRecordingRoundTrip(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	body := make([]byte, 100)
	for i := range body {
		body[i] = byte(i)
	}
	rec := Recording{
		Body:        body,
		ContentType: "audio/mpeg",
		Meta: RecordingMeta{
			RecordingSID:           "RE123",
			RecordingType:          RecordingInitial,
			BytesTotal:             100,
			SegmentDurationSeconds: 12.5,
			CallTimestamp:          "20240305T143045",
		},
	}
	require.NoError(t, s.SaveRecording(ctx, "004917612345678", "20240305T143045", RecordingInitial, rec))

	got, err := s.GetRecording(ctx, "004917612345678", "20240305T143045", RecordingInitial)
	require.NoError(t, err)
	require.NotNil(t, got)
	if len(got.Body) != 100 || got.Body[42] != 42 {
		t.Fatalf("body corrupted: len=%d", len(got.Body))
	}
	if got.ContentType != "audio/mpeg" {
		t.Fatalf("content type = %q", got.ContentType)
	}
	if got.Meta.RecordingSID != "RE123" || got.Meta.BytesTotal != 100 {
		t.Fatalf("meta = %+v", got.Meta)
	}

	missing, err := s.GetRecording(ctx, "004917612345678", "20240305T143045", RecordingFollowup)
	require.NoError(t, err)
	if missing != nil {
		t.Fatal("expected nil for missing recording")
	}
}

func TestLocationLinks(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	first, err := s.CreateLink(ctx, "+4917612345678", "standard")
	require.NoError(t, err)
	second, err := s.CreateLink(ctx, "+4917612345679", "standard")
	require.NoError(t, err)
	if second.LinkID != first.LinkID+1 {
		t.Fatalf("link ids not monotonic: %d then %d", first.LinkID, second.LinkID)
	}
	if first.ServiceID != "standard" {
		t.Fatalf("service id = %q, want standard", first.ServiceID)
	}
	if !first.ExpiresAt.After(time.Date(2024, 3, 5, 14, 30, 45, 0, time.UTC)) {
		t.Fatalf("expires_at = %v", first.ExpiresAt)
	}

	link, err := s.ConsumeLink(ctx, first.LinkID)
	require.NoError(t, err)
	if !link.Used || link.UsedAt == nil {
		t.Fatalf("consume did not mark used: %+v", link)
	}

	_, err = s.ConsumeLink(ctx, first.LinkID)
	if !errors.Is(err, ErrLinkUsed) {
		t.Fatalf("second consume err = %v, want ErrLinkUsed", err)
	}

	_, err = s.ConsumeLink(ctx, 9999)
	if !errors.Is(err, ErrLinkNotFound) {
		t.Fatalf("missing link err = %v, want ErrLinkNotFound", err)
	}
}

func TestSharedLocation(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()
	caller := KnownCaller("+4917612345678")

	loc, err := s.GetSharedLocation(ctx, caller)
	require.NoError(t, err)
	if loc != nil {
		t.Fatal("expected nil before share")
	}

	require.NoError(t, s.SetSharedLocation(ctx, caller, SharedLocation{Latitude: 47.73, Longitude: 10.31}))
	loc, err = s.GetSharedLocation(ctx, caller)
	require.NoError(t, err)
	require.NotNil(t, loc)
	if loc.Latitude != 47.73 || loc.ReceivedAt == "" {
		t.Fatalf("shared location = %+v", loc)
	}
}

func TestTokenCache(t *testing.T) {
	s, mr := setupTestStore(t)
	ctx := context.Background()

	ok, err := s.IsTokenCached(ctx, "tok-1")
	require.NoError(t, err)
	if ok {
		t.Fatal("token should not be cached yet")
	}

	require.NoError(t, s.CacheToken(ctx, "tok-1"))
	ok, err = s.IsTokenCached(ctx, "tok-1")
	require.NoError(t, err)
	if !ok {
		t.Fatal("token should be cached")
	}

	// Only the hash is stored.
	for _, key := range mr.Keys() {
		if key == "notdienststation:auth_token:tok-1" {
			t.Fatal("raw token stored as key")
		}
	}
}

func TestJobInfo(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()
	caller := KnownCaller("+4917612345678")

	require.NoError(t, s.SetJobField(ctx, caller, "address", "Hauptstraße 5, Kempten"))
	require.NoError(t, s.SetJobField(ctx, caller, "price", "200"))
	require.NoError(t, s.SetJobField(ctx, caller, "eta_minutes", "20"))

	info, err := s.JobInfo(ctx, caller)
	require.NoError(t, err)
	if len(info) != 3 {
		t.Fatalf("job info size = %d: %v", len(info), info)
	}
	if info["address"] != "Hauptstraße 5, Kempten" || info["price"] != "200" {
		t.Fatalf("job info = %v", info)
	}

	v, err := s.JobField(ctx, caller, "price")
	require.NoError(t, err)
	if v != "200" {
		t.Fatalf("job field price = %q", v)
	}
	v, err = s.JobField(ctx, caller, "missing")
	require.NoError(t, err)
	if v != "" {
		t.Fatalf("missing job field = %q", v)
	}
}
