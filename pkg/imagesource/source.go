// Package imagesource locates and fetches specimen images by content hash.
// Sources abstract over local shard trees, S3 buckets and plain HTTP
// mirrors; a JIT cache in front of them keeps the working set on fast local
// disk without mirroring the whole collection.
package imagesource

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// Source resolves and fetches images addressed by SHA-256.
type Source interface {
	// ResolvePath returns a directly usable local path for the image, if
	// the source has one.
	ResolvePath(sha string) (string, bool)
	// Download fetches the image to dest.
	Download(ctx context.Context, sha, dest string) error
	// Exists reports whether the source holds the image.
	Exists(ctx context.Context, sha string) bool
	// Name identifies the source in location registries and logs.
	Name() string
}

// shardKey lays out content-addressed files as ab/cd/<sha>.jpg, keeping
// directory fan-out manageable at collection scale.
func shardKey(sha string) string {
	if len(sha) < 4 {
		return sha + ".jpg"
	}
	return filepath.Join(sha[0:2], sha[2:4], sha+".jpg")
}

type localSource struct {
	baseDir string
}

// NewLocal serves images from a sharded directory tree rooted at baseDir.
func NewLocal(baseDir string) Source {
	return &localSource{baseDir: baseDir}
}

func (s *localSource) Name() string { return "local" }

func (s *localSource) ResolvePath(sha string) (string, bool) {
	path := filepath.Join(s.baseDir, shardKey(sha))
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

func (s *localSource) Exists(_ context.Context, sha string) bool {
	_, ok := s.ResolvePath(sha)
	return ok
}

func (s *localSource) Download(_ context.Context, sha, dest string) error {
	src, ok := s.ResolvePath(sha)
	if !ok {
		return fmt.Errorf("image %s not present under %s", sha, s.baseDir)
	}
	return copyFile(src, dest)
}

type httpSource struct {
	baseURL string
	client  *retryablehttp.Client
}

// NewHTTP serves images from a read-only HTTP mirror laid out with the same
// shard scheme. Transient failures retry with backoff.
func NewHTTP(baseURL string) Source {
	client := retryablehttp.NewClient()
	client.Logger = &logAdapter{entry: logrus.WithField("client", "imagesource")}
	return &httpSource{baseURL: baseURL, client: client}
}

func (s *httpSource) Name() string { return "http" }

// ResolvePath never resolves for HTTP; remote images must be downloaded.
func (s *httpSource) ResolvePath(string) (string, bool) { return "", false }

func (s *httpSource) url(sha string) string {
	return fmt.Sprintf("%s/%s", s.baseURL, filepath.ToSlash(shardKey(sha)))
}

func (s *httpSource) Exists(ctx context.Context, sha string) bool {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodHead, s.url(sha), nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (s *httpSource) Download(ctx context.Context, sha, dest string) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, s.url(sha), nil)
	if err != nil {
		return fmt.Errorf("could not build request for %s: %w", sha, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("could not fetch image %s: %w", sha, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching image %s returned status %d", sha, resp.StatusCode)
	}
	return writeAtomically(dest, resp.Body)
}

type multiSource struct {
	sources []Source
}

// NewMulti consults sources in order; the first that can serve a request
// wins.
func NewMulti(sources ...Source) Source {
	return &multiSource{sources: sources}
}

func (m *multiSource) Name() string { return "multi" }

func (m *multiSource) ResolvePath(sha string) (string, bool) {
	for _, s := range m.sources {
		if path, ok := s.ResolvePath(sha); ok {
			return path, true
		}
	}
	return "", false
}

func (m *multiSource) Exists(ctx context.Context, sha string) bool {
	for _, s := range m.sources {
		if s.Exists(ctx, sha) {
			return true
		}
	}
	return false
}

func (m *multiSource) Download(ctx context.Context, sha, dest string) error {
	var lastErr error
	for _, s := range m.sources {
		if err := s.Download(ctx, sha, dest); err != nil {
			lastErr = err
			logrus.WithError(err).WithFields(logrus.Fields{"source": s.Name(), "sha256": sha}).Debug("Source could not serve image, trying next.")
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no sources configured")
	}
	return fmt.Errorf("image %s unavailable from all sources: %w", sha, lastErr)
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("could not open %s: %w", src, err)
	}
	defer in.Close()
	return writeAtomically(dest, in)
}

// writeAtomically stages the content next to dest and renames it into
// place, so readers never see a partial image.
func writeAtomically(dest string, content io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("could not create directory for %s: %w", dest, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return fmt.Errorf("could not stage download for %s: %w", dest, err)
	}
	if _, err := io.Copy(tmp, content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("could not write %s: %w", dest, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("could not finish writing %s: %w", dest, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("could not move download into place at %s: %w", dest, err)
	}
	return nil
}

// logAdapter bridges retryablehttp's leveled logger onto logrus.
type logAdapter struct {
	entry *logrus.Entry
}

func (l *logAdapter) Error(msg string, keysAndValues ...interface{}) {
	l.entry.WithField("details", keysAndValues).Error(msg)
}
func (l *logAdapter) Info(msg string, keysAndValues ...interface{}) {
	l.entry.WithField("details", keysAndValues).Info(msg)
}
func (l *logAdapter) Debug(msg string, keysAndValues ...interface{}) {
	l.entry.WithField("details", keysAndValues).Debug(msg)
}
func (l *logAdapter) Warn(msg string, keysAndValues ...interface{}) {
	l.entry.WithField("details", keysAndValues).Warn(msg)
}
