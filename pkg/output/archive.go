package output

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/blang/semver"

	"github.com/devvyn/herbarium-specimen-tools/pkg/api"
)

// BundleOptions configure the DwC-A zip.
type BundleOptions struct {
	// Version is the archive semantic version; anything but
	// MAJOR.MINOR.PATCH is rejected.
	Version string
	// Rich switches the archive name from dwca_v<version>.zip to the
	// timestamped, commit-stamped form.
	Rich bool
	// GitCommit and FilterHash feed the rich name.
	GitCommit  string
	FilterHash string
	// Extras are additional files to include beyond the standard set.
	Extras []string
	// Timestamp overrides the archive timestamp; zero means now.
	Timestamp time.Time
}

// bundleFiles is the standard DwC-A content set.
var bundleFiles = []string{"occurrence.csv", "identification_history.csv", "meta.xml", "manifest.json"}

// ArchiveName computes the bundle filename for the options.
func ArchiveName(opts BundleOptions) (string, error) {
	version, err := semver.Parse(opts.Version)
	if err != nil {
		return "", &api.InvalidVersionError{Version: opts.Version}
	}
	// Only bare MAJOR.MINOR.PATCH names an archive; prerelease and build
	// suffixes are rejected even though they parse.
	if len(version.Pre) > 0 || len(version.Build) > 0 {
		return "", &api.InvalidVersionError{Version: opts.Version}
	}
	if !opts.Rich {
		return fmt.Sprintf("dwca_v%s.zip", version), nil
	}
	when := opts.Timestamp
	if when.IsZero() {
		when = time.Now()
	}
	commit := opts.GitCommit
	if len(commit) > 8 {
		commit = commit[:8]
	}
	if commit == "" {
		commit = "nogit"
	}
	filter := opts.FilterHash
	if filter == "" {
		filter = "all"
	}
	return fmt.Sprintf("dwca_v%s_%s_%s_%s.zip", version, when.UTC().Format("20060102T150405Z"), commit, filter), nil
}

// WriteBundle zips the run directory's artifact set into a DwC-A archive
// inside dir and returns the archive path plus per-file digests for the
// manifest.
func WriteBundle(dir string, opts BundleOptions) (string, map[string]FileDigest, error) {
	name, err := ArchiveName(opts)
	if err != nil {
		return "", nil, err
	}
	archivePath := filepath.Join(dir, name)
	archive, err := os.Create(archivePath)
	if err != nil {
		return "", nil, fmt.Errorf("could not create archive %s: %w", archivePath, err)
	}
	writer := zip.NewWriter(archive)

	digests := map[string]FileDigest{}
	include := append(append([]string(nil), bundleFiles...), opts.Extras...)
	for _, file := range include {
		digest, err := addFile(writer, dir, file)
		if err != nil {
			writer.Close()
			archive.Close()
			os.Remove(archivePath)
			return "", nil, err
		}
		digests[file] = digest
	}
	if err := writer.Close(); err != nil {
		archive.Close()
		return "", nil, fmt.Errorf("could not finish archive %s: %w", archivePath, err)
	}
	if err := archive.Close(); err != nil {
		return "", nil, fmt.Errorf("could not close archive %s: %w", archivePath, err)
	}
	return archivePath, digests, nil
}

func addFile(writer *zip.Writer, dir, name string) (FileDigest, error) {
	source, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return FileDigest{}, fmt.Errorf("could not open %s for bundling: %w", name, err)
	}
	defer source.Close()
	entry, err := writer.Create(name)
	if err != nil {
		return FileDigest{}, fmt.Errorf("could not add %s to the archive: %w", name, err)
	}
	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(entry, hash), source)
	if err != nil {
		return FileDigest{}, fmt.Errorf("could not bundle %s: %w", name, err)
	}
	return FileDigest{SHA256: hex.EncodeToString(hash.Sum(nil)), SizeBytes: size}, nil
}
