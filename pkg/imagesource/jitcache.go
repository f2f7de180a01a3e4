package imagesource

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const metadataFile = "cache_metadata.json"

// cacheEntry is the persisted record for one cached image.
type cacheEntry struct {
	LocalPath  string    `json:"local_path"`
	CachedAt   time.Time `json:"cached_at"`
	TTLSeconds int64     `json:"ttl_seconds"`
	Source     string    `json:"source"`
	SizeBytes  int64     `json:"size_bytes"`
}

func (e cacheEntry) expired(now time.Time) bool {
	return e.TTLSeconds > 0 && now.Sub(e.CachedAt) > time.Duration(e.TTLSeconds)*time.Second
}

// JITCache keeps recently used images on local disk, bounded by total size
// and per-entry TTL. Metadata survives restarts; a corrupt metadata file
// means starting over with an empty cache rather than failing.
type JITCache struct {
	fs           afero.Fs
	dir          string
	ttl          time.Duration
	maxSizeBytes int64
	now          func() time.Time

	lock    sync.Mutex
	entries map[string]cacheEntry
}

// NewJITCache opens (creating if needed) a cache at dir.
func NewJITCache(fs afero.Fs, dir string, ttl time.Duration, maxSizeBytes int64) (*JITCache, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create cache directory %s: %w", dir, err)
	}
	c := &JITCache{
		fs:           fs,
		dir:          dir,
		ttl:          ttl,
		maxSizeBytes: maxSizeBytes,
		now:          time.Now,
		entries:      map[string]cacheEntry{},
	}
	raw, err := afero.ReadFile(fs, filepath.Join(dir, metadataFile))
	if err == nil {
		if err := json.Unmarshal(raw, &c.entries); err != nil {
			logrus.WithError(err).Warn("Image cache metadata is corrupt, starting with an empty cache.")
			c.entries = map[string]cacheEntry{}
		}
	}
	return c, nil
}

// Dir returns the cache directory.
func (c *JITCache) Dir() string { return c.dir }

// Get returns the cached path for sha if the file still exists and the
// entry is within its TTL. Stale or missing entries are evicted silently.
func (c *JITCache) Get(sha string) (string, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	entry, ok := c.entries[sha]
	if !ok {
		return "", false
	}
	exists, err := afero.Exists(c.fs, entry.LocalPath)
	if err != nil || !exists || entry.expired(c.now()) {
		delete(c.entries, sha)
		c.fs.Remove(entry.LocalPath)
		c.persistLocked()
		return "", false
	}
	return entry.LocalPath, true
}

// Put records an already-written file as the cached copy of sha. When the
// cache exceeds its size limit the oldest entries are evicted until usage
// drops to 90% of the limit.
func (c *JITCache) Put(sha, localPath, source string, sizeBytes int64) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.entries[sha] = cacheEntry{
		LocalPath:  localPath,
		CachedAt:   c.now(),
		TTLSeconds: int64(c.ttl.Seconds()),
		Source:     source,
		SizeBytes:  sizeBytes,
	}
	c.evictLocked()
	return c.persistLocked()
}

// Len reports the number of live entries.
func (c *JITCache) Len() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.entries)
}

// Close flushes metadata.
func (c *JITCache) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.persistLocked()
}

func (c *JITCache) evictLocked() {
	if c.maxSizeBytes <= 0 {
		return
	}
	var total int64
	for _, e := range c.entries {
		total += e.SizeBytes
	}
	if total <= c.maxSizeBytes {
		return
	}
	type aged struct {
		sha   string
		entry cacheEntry
	}
	ordered := make([]aged, 0, len(c.entries))
	for sha, e := range c.entries {
		ordered = append(ordered, aged{sha: sha, entry: e})
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].entry.CachedAt.Before(ordered[j].entry.CachedAt)
	})
	target := c.maxSizeBytes * 9 / 10
	for _, item := range ordered {
		if total <= target {
			break
		}
		delete(c.entries, item.sha)
		c.fs.Remove(item.entry.LocalPath)
		total -= item.entry.SizeBytes
		logrus.WithFields(logrus.Fields{"sha256": item.sha, "size": item.entry.SizeBytes}).Debug("Evicted image from cache.")
	}
}

func (c *JITCache) persistLocked() error {
	raw, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("could not serialize cache metadata: %w", err)
	}
	if err := afero.WriteFile(c.fs, filepath.Join(c.dir, metadataFile), raw, 0o644); err != nil {
		return fmt.Errorf("could not persist cache metadata: %w", err)
	}
	return nil
}
