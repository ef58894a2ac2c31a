package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Message roles. Agent lines are spoken prompts, user lines caller
// utterances; ai, google, and twilio lines record what the respective
// upstream returned.
const (
	RoleAgent  = "agent"
	RoleUser   = "user"
	RoleAI     = "ai"
	RoleGoogle = "google"
	RoleTwilio = "twilio"
)

// Message is one transcript entry of a call.
type Message struct {
	Role        string  `json:"role"`
	Content     string  `json:"content"`
	Duration    float64 `json:"duration,omitempty"`
	ModelSource string  `json:"model_source,omitempty"`
}

// Render formats the entry for human consumption. AI entries with a
// duration carry a "(took D.DDDs)" suffix.
func (m Message) Render() string {
	if m.Role == RoleAI && m.Duration > 0 {
		return fmt.Sprintf("%s: %s (took %.3fs)", m.Role, m.Content, m.Duration)
	}
	return fmt.Sprintf("%s: %s", m.Role, m.Content)
}

func messagesKey(c CallerID) string {
	return callerKey(c, "messages")
}

// AppendMessage appends one transcript entry. A re-delivered webhook that
// would append the exact entry already at the tail is a no-op.
func (s *Store) AppendMessage(ctx context.Context, caller CallerID, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("store: message: marshal: %w", err)
	}
	key := messagesKey(caller)
	last, err := s.rdb.LIndex(ctx, key, -1).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("store: message: tail: %w", err)
	}
	if err == nil && last == string(data) {
		return nil
	}
	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, ArtifactTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: message: append: %w", err)
	}
	return nil
}

// Messages returns the full transcript in insertion order.
func (s *Store) Messages(ctx context.Context, caller CallerID) ([]Message, error) {
	data, err := s.rdb.LRange(ctx, messagesKey(caller), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("store: messages: %w", err)
	}
	msgs := make([]Message, 0, len(data))
	for _, d := range data {
		var m Message
		if err := json.Unmarshal([]byte(d), &m); err != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}
