package imagesource

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// LocationRegistry persists where copies of an image live, so a fresh cache
// can rehydrate from a previous run's downloads instead of refetching.
type LocationRegistry interface {
	RegisterImageLocation(sha, source, path string) error
	ImageLocation(sha, source string) (string, bool, error)
}

// Stats counts cache outcomes for run summaries.
type Stats struct {
	Hits       int
	Rehydrated int
	Downloads  int
}

// CachedSource fronts a Source with a JITCache and a LocationRegistry.
type CachedSource struct {
	src           Source
	cache         *JITCache
	registry      LocationRegistry
	allowDownload bool

	lock  sync.Mutex
	stats Stats
}

// NewCachedSource wires a source behind a cache. With allowDownload false
// the source is never contacted; only cached or registry-known local copies
// are served.
func NewCachedSource(src Source, cache *JITCache, registry LocationRegistry, allowDownload bool) *CachedSource {
	return &CachedSource{src: src, cache: cache, registry: registry, allowDownload: allowDownload}
}

// Get returns a local path for the image, consulting in order the cache,
// the registry's known local copies, and finally the source.
func (c *CachedSource) Get(ctx context.Context, sha string) (string, error) {
	if path, ok := c.cache.Get(sha); ok {
		c.count(func(s *Stats) { s.Hits++ })
		return path, nil
	}
	if path, ok, err := c.registry.ImageLocation(sha, "cache"); err != nil {
		return "", fmt.Errorf("could not look up image location for %s: %w", sha, err)
	} else if ok {
		if info, statErr := os.Stat(path); statErr == nil {
			if err := c.cache.Put(sha, path, "registry", info.Size()); err != nil {
				return "", err
			}
			c.count(func(s *Stats) { s.Rehydrated++ })
			return path, nil
		}
	}
	if !c.allowDownload {
		return "", fmt.Errorf("image %s is not cached and downloads are disabled", sha)
	}
	dest := filepath.Join(c.cache.Dir(), shardKey(sha))
	if err := c.src.Download(ctx, sha, dest); err != nil {
		return "", err
	}
	info, err := os.Stat(dest)
	if err != nil {
		return "", fmt.Errorf("downloaded image %s is missing: %w", sha, err)
	}
	if err := c.cache.Put(sha, dest, c.src.Name(), info.Size()); err != nil {
		return "", err
	}
	if err := c.registry.RegisterImageLocation(sha, "cache", dest); err != nil {
		return "", fmt.Errorf("could not register cache location for %s: %w", sha, err)
	}
	if err := c.registry.RegisterImageLocation(sha, c.src.Name(), ""); err != nil {
		return "", fmt.Errorf("could not register source location for %s: %w", sha, err)
	}
	c.count(func(s *Stats) { s.Downloads++ })
	return dest, nil
}

// Stats returns a snapshot of the cache outcome counters.
func (c *CachedSource) Stats() Stats {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.stats
}

func (c *CachedSource) count(update func(*Stats)) {
	c.lock.Lock()
	defer c.lock.Unlock()
	update(&c.stats)
}

// Warmup fetches a set of images ahead of processing with bounded
// parallelism. Individual failures are collected and reported together;
// one bad image never cancels the rest of the warmup.
func (c *CachedSource) Warmup(ctx context.Context, shas []string, maxWorkers int) error {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	var lock sync.Mutex
	var errs *multierror.Error
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(maxWorkers)
	for _, sha := range shas {
		sha := sha
		group.Go(func() error {
			if _, err := c.Get(ctx, sha); err != nil {
				lock.Lock()
				errs = multierror.Append(errs, fmt.Errorf("warmup of %s failed: %w", sha, err))
				lock.Unlock()
				logrus.WithError(err).WithField("sha256", sha).Warn("Could not warm image cache entry.")
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	return errs.ErrorOrNil()
}
