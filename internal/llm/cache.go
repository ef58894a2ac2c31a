package llm

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Cache is a per-namespace key/value cache with a disk copy and an
// in-memory map. All entries on disk are loaded at construction; reads hit
// memory, writes go to both. Values with the "json" extension hold encoded
// JSON, any other extension holds opaque bytes (synthesized audio).
type Cache struct {
	dir string

	mu      sync.RWMutex
	entries map[string][]byte
}

// NewCache opens the cache directory for one namespace, creating it when
// missing, and eagerly loads every existing entry.
func NewCache(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("llm: cache dir %s: %w", dir, err)
	}
	c := &Cache{dir: dir, entries: map[string][]byte{}}

	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("llm: cache read dir: %w", err)
	}
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, f.Name()))
		if err != nil {
			continue
		}
		c.entries[f.Name()] = data
	}
	return c, nil
}

// Len returns the number of loaded entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// GetJSON decodes the cached JSON value for key into v.
func (c *Cache) GetJSON(key string, v any) bool {
	data, ok := c.get(key + ".json")
	if !ok {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

// PutJSON stores v as JSON under key, on disk and in memory.
func (c *Cache) PutJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("llm: cache marshal: %w", err)
	}
	return c.put(key+".json", data)
}

// GetBytes returns the cached opaque value stored under key with the given
// extension.
func (c *Cache) GetBytes(key, ext string) ([]byte, bool) {
	return c.get(key + "." + strings.TrimPrefix(ext, "."))
}

// PutBytes stores opaque bytes under key with the given extension.
func (c *Cache) PutBytes(key, ext string, data []byte) error {
	return c.put(key+"."+strings.TrimPrefix(ext, "."), data)
}

func (c *Cache) get(name string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, ok := c.entries[name]
	return data, ok
}

func (c *Cache) put(name string, data []byte) error {
	if err := os.WriteFile(filepath.Join(c.dir, name), data, 0o644); err != nil {
		return fmt.Errorf("llm: cache write %s: %w", name, err)
	}
	c.mu.Lock()
	c.entries[name] = data
	c.mu.Unlock()
	return nil
}
