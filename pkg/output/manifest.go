package output

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// ProvenanceSummary describes the run's provenance log for the manifest.
type ProvenanceSummary struct {
	TotalFragments int            `json:"total_fragments"`
	FragmentTypes  map[string]int `json:"fragment_types"`
	ProvenanceFile string         `json:"provenance_file"`
}

// FileDigest is an optional per-file integrity record in the manifest.
type FileDigest struct {
	SHA256    string `json:"sha256"`
	SizeBytes int64  `json:"size_bytes"`
}

// Manifest describes one completed run.
type Manifest struct {
	RunID      string                `json:"run_id"`
	StartedAt  time.Time             `json:"started_at"`
	GitCommit  string                `json:"git_commit,omitempty"`
	Config     string                `json:"config"`
	Provenance ProvenanceSummary     `json:"provenance"`
	Files      map[string]FileDigest `json:"files,omitempty"`
}

// WriteManifest serializes the manifest to path.
func WriteManifest(path string, manifest Manifest) error {
	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("could not serialize manifest: %w", err)
	}
	if err := os.WriteFile(path, append(raw, '\n'), 0o644); err != nil {
		return fmt.Errorf("could not write manifest %s: %w", path, err)
	}
	return nil
}

// ReadManifest loads a manifest from path.
func ReadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read manifest %s: %w", path, err)
	}
	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("corrupt manifest %s: %w", path, err)
	}
	return &manifest, nil
}
