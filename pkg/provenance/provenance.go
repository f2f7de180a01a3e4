// Package provenance records every derivation step as a chained fragment,
// so any published value can be traced back through extraction, OCR and
// preprocessing to the original image.
package provenance

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Fragment types, one per pipeline stage that transforms data.
const (
	TypeImagePreprocessing = "image_preprocessing"
	TypeOCRExtraction      = "ocr_extraction"
	TypeDwcExtraction      = "dwc_extraction"
	TypeQCValidation       = "qc_validation"
	TypePublication        = "publication"
)

// Fragment is one link in a specimen's derivation chain.
type Fragment struct {
	FragmentID         string             `json:"fragment_id"`
	FragmentType       string             `json:"fragment_type"`
	SourceIdentifier   string             `json:"source_identifier"`
	OutputIdentifier   string             `json:"output_identifier"`
	PreviousFragmentID string             `json:"previous_fragment_id,omitempty"`
	Operation          string             `json:"operation"`
	AgentID            string             `json:"agent_id"`
	Timestamp          time.Time          `json:"timestamp"`
	Parameters         map[string]string  `json:"parameters,omitempty"`
	QualityMetrics     map[string]float64 `json:"quality_metrics,omitempty"`
	Metadata           map[string]string  `json:"metadata,omitempty"`
}

// fragmentIdentity is the canonical form hashed into a fragment id. Field
// order is fixed by the struct; encoding/json emits it deterministically.
type fragmentIdentity struct {
	Type      string `json:"type"`
	Source    string `json:"source"`
	Operation string `json:"operation"`
	Output    string `json:"output"`
	Timestamp string `json:"timestamp"`
}

// NewFragment builds a fragment with a deterministic content-derived id:
// two fragments describing the same derivation at the same instant get the
// same id.
func NewFragment(fragmentType, source, output, operation, agentID, previousID string, timestamp time.Time) Fragment {
	identity := fragmentIdentity{
		Type:      fragmentType,
		Source:    source,
		Operation: fmt.Sprintf("%s:%s", operation, agentID),
		Output:    output,
		Timestamp: timestamp.UTC().Format(time.RFC3339Nano),
	}
	canonical, _ := json.Marshal(identity)
	sum := sha256.Sum256(canonical)
	return Fragment{
		FragmentID:         hex.EncodeToString(sum[:]),
		FragmentType:       fragmentType,
		SourceIdentifier:   source,
		OutputIdentifier:   output,
		PreviousFragmentID: previousID,
		Operation:          operation,
		AgentID:            agentID,
		Timestamp:          timestamp.UTC(),
	}
}

// Writer appends fragments to a JSON lines log. The log is append-only;
// fragments are never rewritten.
type Writer struct {
	lock sync.Mutex
	file *os.File
}

// NewWriter opens (appending to) the provenance log at path.
func NewWriter(path string) (*Writer, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("could not open provenance log %s: %w", path, err)
	}
	return &Writer{file: file}, nil
}

// Append writes one fragment as a JSON line.
func (w *Writer) Append(fragment Fragment) error {
	raw, err := json.Marshal(fragment)
	if err != nil {
		return fmt.Errorf("could not serialize provenance fragment: %w", err)
	}
	w.lock.Lock()
	defer w.lock.Unlock()
	if _, err := w.file.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("could not append provenance fragment: %w", err)
	}
	return nil
}

// Close flushes and closes the log.
func (w *Writer) Close() error {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.file.Close()
}

// Read loads every fragment from a provenance log, in order.
func Read(path string) ([]Fragment, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read provenance log %s: %w", path, err)
	}
	var fragments []Fragment
	decoder := json.NewDecoder(bytes.NewReader(raw))
	for decoder.More() {
		var fragment Fragment
		if err := decoder.Decode(&fragment); err != nil {
			return nil, fmt.Errorf("corrupt provenance log %s: %w", path, err)
		}
		fragments = append(fragments, fragment)
	}
	return fragments, nil
}
