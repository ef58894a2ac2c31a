package llm

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// sanitizeValue folds a prompt fragment into a stable cache-key token:
// NFD-normalized, combining marks stripped, lowercased, everything outside
// [a-z0-9] collapsed to single underscores.
func sanitizeValue(s string) string {
	decomposed := norm.NFD.String(s)
	var b strings.Builder
	b.Grow(len(decomposed))
	lastUnderscore := false
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		r = unicode.ToLower(r)
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}

// DeriveKey builds the cache key for a request input. The sanitized values
// are joined in sorted order; when nothing survives sanitization the key
// falls back to the SHA-256 of the JSON-encoded input so every input still
// maps to a stable key.
func DeriveKey(input map[string]string) string {
	values := make([]string, 0, len(input))
	for _, v := range input {
		if sv := sanitizeValue(v); sv != "" {
			values = append(values, sv)
		}
	}
	if len(values) == 0 {
		data, err := json.Marshal(input)
		if err != nil {
			data = []byte{}
		}
		sum := sha256.Sum256(data)
		return hex.EncodeToString(sum[:])
	}
	sort.Strings(values)
	return strings.Join(values, " | ")
}
