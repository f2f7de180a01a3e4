package gbif

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultNameCacheTTL is how long a cached taxonomy verification stays
// valid.
const DefaultNameCacheTTL = 30 * 24 * time.Hour

type nameCacheEntry struct {
	Verification *Verification `json:"verification"`
	CachedAt     time.Time     `json:"cached_at"`
}

// NameCache is a persistent verification cache keyed by canonical
// scientific name, shared between the pipeline and the review tooling.
type NameCache struct {
	path string
	ttl  time.Duration
	now  func() time.Time

	lock    sync.Mutex
	entries map[string]nameCacheEntry
}

// OpenNameCache loads the cache at path, starting empty when the file is
// absent or corrupt.
func OpenNameCache(path string, ttl time.Duration) *NameCache {
	if ttl <= 0 {
		ttl = DefaultNameCacheTTL
	}
	c := &NameCache{path: path, ttl: ttl, now: time.Now, entries: map[string]nameCacheEntry{}}
	raw, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(raw, &c.entries); err != nil {
			logrus.WithError(err).Warn("Taxonomy name cache is corrupt, starting empty.")
			c.entries = map[string]nameCacheEntry{}
		}
	}
	return c
}

// canonicalName folds a scientific name into its cache key.
func canonicalName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// Get returns the cached verification for a name if it is within TTL.
func (c *NameCache) Get(name string) (*Verification, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	entry, ok := c.entries[canonicalName(name)]
	if !ok || c.now().Sub(entry.CachedAt) > c.ttl {
		return nil, false
	}
	return entry.Verification, true
}

// Put stores a verification and persists the cache atomically.
func (c *NameCache) Put(name string, verification *Verification) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.entries[canonicalName(name)] = nameCacheEntry{Verification: verification, CachedAt: c.now()}
	raw, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("could not serialize name cache: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(c.path), ".namecache-*")
	if err != nil {
		return fmt.Errorf("could not stage name cache write: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("could not write name cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("could not finish name cache write: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("could not move name cache into place: %w", err)
	}
	return nil
}
