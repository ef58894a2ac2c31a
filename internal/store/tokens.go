package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

const (
	tokenKeyPrefix = appKeyPrefix + "auth_token:"
	tokenTTL       = 7 * 24 * time.Hour
)

func tokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return tokenKeyPrefix + hex.EncodeToString(sum[:])
}

// IsTokenCached reports whether the bearer token passed userinfo
// validation within the cache window. Only the SHA-256 of the token is
// stored.
func (s *Store) IsTokenCached(ctx context.Context, token string) (bool, error) {
	n, err := s.rdb.Exists(ctx, tokenKey(token)).Result()
	if err != nil {
		return false, fmt.Errorf("store: token: exists: %w", err)
	}
	return n > 0, nil
}

// CacheToken records a successful userinfo validation for seven days.
func (s *Store) CacheToken(ctx context.Context, token string) error {
	if err := s.rdb.Set(ctx, tokenKey(token), "1", tokenTTL).Err(); err != nil {
		return fmt.Errorf("store: token: cache: %w", err)
	}
	return nil
}
