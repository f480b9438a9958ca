// Package roomcache persists the last known room id per username so that a
// broadcast can still be found when every lookup provider is down. Entries
// go stale the moment a broadcast ends; consumers must treat a cached id as
// a best-effort hint, never as proof of liveness.
package roomcache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Entry is the persisted value for one username.
type Entry struct {
	RoomID  string `json:"room_id"`
	Updated string `json:"updated"`
}

// Cache is a whole-file JSON map of lowercased username → Entry. Reads and
// writes are read-modify-write over the entire file, serialized by a mutex:
// several monitors in one process share a single Cache instance.
type Cache struct {
	mu   sync.Mutex
	path string
}

// DefaultPath returns the cache location in the user's home directory.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tiktok_recorder_cache.json"
	}
	return filepath.Join(home, ".tiktok_recorder_cache.json")
}

// New creates a Cache backed by the given file. The file is not created
// until the first Put.
func New(path string) *Cache {
	return &Cache{path: path}
}

// Get returns the cached room id for a username, if any. A missing or
// unreadable file is an empty cache, not an error.
func (c *Cache) Get(user string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.read()
	if err != nil {
		return "", false
	}
	e, ok := entries[strings.ToLower(user)]
	if !ok || e.RoomID == "" {
		return "", false
	}
	return e.RoomID, true
}

// Put stores a room id for a username, replacing any previous entry.
func (c *Cache) Put(user, roomID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.read()
	if err != nil {
		return err
	}
	entries[strings.ToLower(user)] = Entry{
		RoomID:  roomID,
		Updated: time.Now().Format(time.RFC3339),
	}
	return c.write(entries)
}

// Clear removes the entry for one username, or every entry when user is "".
func (c *Cache) Clear(user string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if user == "" {
		err := os.Remove(c.path)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove cache file: %w", err)
		}
		return nil
	}

	entries, err := c.read()
	if err != nil {
		return err
	}
	delete(entries, strings.ToLower(user))
	return c.write(entries)
}

// read loads the whole cache file. Must be called with c.mu held.
func (c *Cache) read() (map[string]Entry, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Entry{}, nil
		}
		return nil, fmt.Errorf("read cache file %q: %w", c.path, err)
	}

	entries := map[string]Entry{}
	if err := json.Unmarshal(data, &entries); err != nil {
		// A corrupt cache is not worth failing a resolution over.
		return map[string]Entry{}, nil
	}
	return entries, nil
}

// write replaces the whole cache file. Must be called with c.mu held.
func (c *Cache) write(entries map[string]Entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cache: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("write cache file %q: %w", c.path, err)
	}
	return nil
}
