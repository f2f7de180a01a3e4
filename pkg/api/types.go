package api

import (
	"fmt"
	"time"
)

// Task identifies a class of engine capability.
type Task string

const (
	TaskImageToText Task = "image_to_text"
	TaskTextToDwc   Task = "text_to_dwc"
	TaskImageToDwc  Task = "image_to_dwc"
)

// PipelineStep names an orchestrator step. The set of valid steps is the
// set of tasks; the orchestrator rejects anything else.
type PipelineStep = Task

// FieldValue is one extracted value for a DwC term together with the
// engine's confidence in it.
type FieldValue struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// DwcRecord is the normalized Darwin Core record for one specimen: a map of
// canonical term to value, plus validation flags and per-field confidences.
type DwcRecord struct {
	Fields     map[string]string  `json:"fields"`
	Flags      []string           `json:"flags,omitempty"`
	Confidence map[string]float64 `json:"confidence,omitempty"`
}

// Specimen identity is the stem of the original camera filename.
type Specimen struct {
	SpecimenID            string `db:"specimen_id" json:"specimen_id"`
	CameraFilename        string `db:"camera_filename" json:"camera_filename,omitempty"`
	ExpectedCatalogNumber string `db:"expected_catalog_number" json:"expected_catalog_number,omitempty"`
}

// OriginalFileRole distinguishes camera JPEGs from raw captures.
type OriginalFileRole string

const (
	RoleOriginalPhoto OriginalFileRole = "original_photo"
	RoleOriginalRaw   OriginalFileRole = "original_raw"
)

// OriginalFile is an as-captured image, content-addressed by SHA-256.
// Immutable once written.
type OriginalFile struct {
	SHA256     string           `db:"sha256" json:"sha256"`
	SpecimenID string           `db:"specimen_id" json:"specimen_id"`
	Path       string           `db:"path" json:"path"`
	Format     string           `db:"format" json:"format,omitempty"`
	Width      int              `db:"width" json:"width,omitempty"`
	Height     int              `db:"height" json:"height,omitempty"`
	SizeBytes  int64            `db:"size_bytes" json:"size_bytes,omitempty"`
	Role       OriginalFileRole `db:"role" json:"role"`
	CapturedAt string           `db:"captured_at" json:"captured_at,omitempty"`
}

// ImageTransformation records one derivation in the image lineage DAG.
// DerivedFrom refers to an OriginalFile or another ImageTransformation.
type ImageTransformation struct {
	SHA256      string            `db:"sha256" json:"sha256"`
	SpecimenID  string            `db:"specimen_id" json:"specimen_id"`
	DerivedFrom string            `db:"derived_from" json:"derived_from"`
	Operation   []string          `json:"operation"`
	Params      map[string]string `json:"params,omitempty"`
	Timestamp   time.Time         `db:"timestamp" json:"timestamp"`
	Tool        string            `db:"tool" json:"tool"`
	ToolVersion string            `db:"tool_version" json:"tool_version,omitempty"`
}

// OCRResult is the cached output of one OCR engine over one image.
// At most one row exists per (sha, engine, engine version); writes upsert.
type OCRResult struct {
	SpecimenSHA256 string    `db:"specimen_sha256" json:"specimen_sha256"`
	Engine         string    `db:"engine" json:"engine"`
	EngineVersion  string    `db:"engine_version" json:"engine_version,omitempty"`
	ExtractedText  string    `db:"extracted_text" json:"extracted_text"`
	Confidence     float64   `db:"confidence" json:"confidence"`
	Error          bool      `db:"error" json:"error"`
	OCRTimestamp   time.Time `db:"ocr_timestamp" json:"ocr_timestamp"`
}

// ExtractionStatus is the terminal disposition of one extraction attempt.
type ExtractionStatus string

const (
	ExtractionCompleted ExtractionStatus = "completed"
	ExtractionFailed    ExtractionStatus = "failed"
	ExtractionSkipped   ExtractionStatus = "skipped"
)

// Extraction is one field-extraction outcome, unique per
// (image sha, params hash). Re-extraction is allowed only after a failure.
// The producing engine is persisted so records rebuilt from a previous
// extraction keep their attribution.
type Extraction struct {
	ExtractionID  string                `db:"extraction_id" json:"extraction_id"`
	ImageSHA256   string                `db:"image_sha256" json:"image_sha256"`
	ParamsHash    string                `db:"params_hash" json:"params_hash"`
	SpecimenID    string                `db:"specimen_id" json:"specimen_id"`
	RunID         string                `db:"run_id" json:"run_id"`
	Status        ExtractionStatus      `db:"status" json:"status"`
	Engine        string                `db:"engine" json:"engine,omitempty"`
	EngineVersion string                `db:"engine_version" json:"engine_version,omitempty"`
	DwcFields     map[string]FieldValue `json:"dwc_fields,omitempty"`
	EventOffset   int64                 `db:"event_offset" json:"event_offset"`
	Timestamp     time.Time             `db:"timestamp" json:"timestamp"`
}

// ProcessingStatus is the per-module state of a specimen.
type ProcessingStatus string

const (
	StatusPending ProcessingStatus = "pending"
	StatusDone    ProcessingStatus = "done"
	StatusError   ProcessingStatus = "error"
)

// ProcessingState is upserted after every pipeline attempt; Retries never
// decreases.
type ProcessingState struct {
	SpecimenID   string           `db:"specimen_id" json:"specimen_id"`
	Module       string           `db:"module" json:"module"`
	Status       ProcessingStatus `db:"status" json:"status"`
	Retries      int              `db:"retries" json:"retries"`
	ErrorCode    string           `db:"error_code" json:"error_code,omitempty"`
	ErrorMessage string           `db:"error_message" json:"error_message,omitempty"`
	Confidence   float64          `db:"confidence" json:"confidence,omitempty"`
	UpdatedAt    time.Time        `db:"updated_at" json:"updated_at"`
}

// Run is one top-level pipeline invocation.
type Run struct {
	RunID          string     `db:"run_id" json:"run_id"`
	StartedAt      time.Time  `db:"started_at" json:"started_at"`
	CompletedAt    *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	ConfigSnapshot string     `db:"config_snapshot" json:"config_snapshot"`
	GitCommit      string     `db:"git_commit" json:"git_commit,omitempty"`
	Operator       string     `db:"operator" json:"operator,omitempty"`
}

// RunLineage relates a run to a specimen it touched and whether the OCR
// cache served the result.
type RunLineage struct {
	RunID            string    `db:"run_id" json:"run_id"`
	SpecimenID       string    `db:"specimen_id" json:"specimen_id"`
	ProcessingStatus string    `db:"processing_status" json:"processing_status"`
	CacheHit         bool      `db:"cache_hit" json:"cache_hit"`
	ProcessedAt      time.Time `db:"processed_at" json:"processed_at"`
}

// Candidate records every engine output for later reviewer arbitration.
type Candidate struct {
	RunID      string  `db:"run_id" json:"run_id"`
	ImageSHA   string  `db:"image_sha" json:"image_sha"`
	Engine     string  `db:"engine" json:"engine"`
	Value      string  `db:"value" json:"value"`
	Confidence float64 `db:"confidence" json:"confidence"`
	Error      string  `db:"error" json:"error,omitempty"`
}

// Event is one line of raw.jsonl.
type Event struct {
	RunID                 string                 `json:"run_id"`
	Image                 string                 `json:"image"`
	SHA256                string                 `json:"sha256"`
	Engine                string                 `json:"engine,omitempty"`
	EngineVersion         string                 `json:"engine_version,omitempty"`
	Dwc                   map[string]string      `json:"dwc"`
	DwcConfidence         map[string]float64     `json:"dwc_confidence,omitempty"`
	Flags                 []string               `json:"flags"`
	AddedFields           []string               `json:"added_fields"`
	Errors                []string               `json:"errors"`
	IdentificationHistory []map[string]string    `json:"identification_history,omitempty"`
	GBIFVerification      map[string]interface{} `json:"gbif_verification,omitempty"`
	ScanPct               float64                `json:"scan_pct,omitempty"`
}

// QualityCheck is one data-quality finding emitted by the specimen index.
type QualityCheck struct {
	SpecimenID string `db:"specimen_id" json:"specimen_id"`
	CheckType  string `db:"check_type" json:"check_type"`
	Severity   string `db:"severity" json:"severity"`
	Message    string `db:"message" json:"message"`
}

const (
	CheckDuplicateCatalogNumber = "DUPLICATE_CATALOG_NUMBER"
	CheckMalformedCatalogNumber = "MALFORMED_CATALOG_NUMBER"

	SeverityError   = "error"
	SeverityWarning = "warning"
)

// String implements fmt.Stringer for log lines.
func (c QualityCheck) String() string {
	return fmt.Sprintf("%s[%s]: %s", c.CheckType, c.Severity, c.Message)
}
