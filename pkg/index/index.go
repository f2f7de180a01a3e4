// Package index is the system of record for specimens, their image
// lineage, extraction outcomes and processing state. It is a single sqlite
// database with writes serialized through one mutex, which keeps the
// concurrency story trivial at herbarium-collection scale.
package index

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/devvyn/herbarium-specimen-tools/pkg/api"
)

const schema = `
CREATE TABLE IF NOT EXISTS specimens (
	specimen_id             TEXT PRIMARY KEY,
	camera_filename         TEXT NOT NULL DEFAULT '',
	expected_catalog_number TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS original_files (
	sha256      TEXT PRIMARY KEY,
	specimen_id TEXT NOT NULL,
	path        TEXT NOT NULL,
	format      TEXT NOT NULL DEFAULT '',
	width       INTEGER NOT NULL DEFAULT 0,
	height      INTEGER NOT NULL DEFAULT 0,
	size_bytes  INTEGER NOT NULL DEFAULT 0,
	role        TEXT NOT NULL,
	captured_at TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS image_transformations (
	sha256       TEXT PRIMARY KEY,
	specimen_id  TEXT NOT NULL,
	derived_from TEXT NOT NULL,
	operation    TEXT NOT NULL,
	params       TEXT NOT NULL DEFAULT '{}',
	timestamp    TIMESTAMP NOT NULL,
	tool         TEXT NOT NULL,
	tool_version TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS extractions (
	extraction_id  TEXT PRIMARY KEY,
	image_sha256   TEXT NOT NULL,
	params_hash    TEXT NOT NULL,
	specimen_id    TEXT NOT NULL,
	run_id         TEXT NOT NULL,
	status         TEXT NOT NULL,
	engine         TEXT NOT NULL DEFAULT '',
	engine_version TEXT NOT NULL DEFAULT '',
	dwc_fields     TEXT NOT NULL DEFAULT '{}',
	event_offset   INTEGER NOT NULL DEFAULT 0,
	timestamp      TIMESTAMP NOT NULL,
	UNIQUE (image_sha256, params_hash)
);
CREATE TABLE IF NOT EXISTS specimen_aggregations (
	specimen_id TEXT PRIMARY KEY,
	fields      TEXT NOT NULL,
	candidates  TEXT NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS quality_checks (
	specimen_id TEXT NOT NULL,
	check_type  TEXT NOT NULL,
	severity    TEXT NOT NULL,
	message     TEXT NOT NULL,
	PRIMARY KEY (specimen_id, check_type)
);
CREATE TABLE IF NOT EXISTS processing_state (
	specimen_id   TEXT NOT NULL,
	module        TEXT NOT NULL,
	status        TEXT NOT NULL,
	retries       INTEGER NOT NULL DEFAULT 0,
	error_code    TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	confidence    REAL NOT NULL DEFAULT 0,
	updated_at    TIMESTAMP NOT NULL,
	PRIMARY KEY (specimen_id, module)
);
CREATE TABLE IF NOT EXISTS runs (
	run_id          TEXT PRIMARY KEY,
	started_at      TIMESTAMP NOT NULL,
	completed_at    TIMESTAMP,
	config_snapshot TEXT NOT NULL DEFAULT '',
	git_commit      TEXT NOT NULL DEFAULT '',
	operator        TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS run_lineage (
	run_id            TEXT NOT NULL,
	specimen_id       TEXT NOT NULL,
	processing_status TEXT NOT NULL,
	cache_hit         INTEGER NOT NULL DEFAULT 0,
	processed_at      TIMESTAMP NOT NULL,
	PRIMARY KEY (run_id, specimen_id)
);
CREATE TABLE IF NOT EXISTS candidates (
	run_id     TEXT NOT NULL,
	image_sha  TEXT NOT NULL,
	engine     TEXT NOT NULL,
	value      TEXT NOT NULL,
	confidence REAL NOT NULL DEFAULT 0,
	error      TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS image_locations (
	sha256 TEXT NOT NULL,
	source TEXT NOT NULL,
	path   TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (sha256, source)
);`

// Index is the specimen registry. All writes go through one mutex; sqlite
// handles durability.
type Index struct {
	db             *sqlx.DB
	catalogPattern *regexp.Regexp

	lock sync.Mutex
}

// Open opens (creating if necessary) the index database at path. The
// catalog pattern drives the malformed-catalog-number quality check.
func Open(path, catalogPattern string) (*Index, error) {
	pattern, err := regexp.Compile(catalogPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid catalog number pattern %q: %w", catalogPattern, err)
	}
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("could not open specimen index %s: %w", path, err)
	}
	// sqlite tolerates one writer; a second pooled connection surfaces as
	// "database is locked" under concurrent workers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not initialize specimen index schema: %w", err)
	}
	return &Index{db: db, catalogPattern: pattern}, nil
}

// Close releases the database handle.
func (i *Index) Close() error {
	return i.db.Close()
}

// RegisterSpecimen inserts the specimen if new and reports whether it was
// created.
func (i *Index) RegisterSpecimen(s api.Specimen) (bool, error) {
	i.lock.Lock()
	defer i.lock.Unlock()
	result, err := i.db.NamedExec(`
		INSERT INTO specimens (specimen_id, camera_filename, expected_catalog_number)
		VALUES (:specimen_id, :camera_filename, :expected_catalog_number)
		ON CONFLICT (specimen_id) DO NOTHING`, s)
	if err != nil {
		return false, fmt.Errorf("could not register specimen %s: %w", s.SpecimenID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("could not determine insert outcome for %s: %w", s.SpecimenID, err)
	}
	return rows > 0, nil
}

// RegisterOriginal upserts an as-captured file by content hash.
func (i *Index) RegisterOriginal(f api.OriginalFile) error {
	i.lock.Lock()
	defer i.lock.Unlock()
	_, err := i.db.NamedExec(`
		INSERT INTO original_files (sha256, specimen_id, path, format, width, height, size_bytes, role, captured_at)
		VALUES (:sha256, :specimen_id, :path, :format, :width, :height, :size_bytes, :role, :captured_at)
		ON CONFLICT (sha256) DO UPDATE SET path = excluded.path`, f)
	if err != nil {
		return fmt.Errorf("could not register original file %s: %w", f.SHA256, err)
	}
	return nil
}

type transformationRow struct {
	SHA256      string    `db:"sha256"`
	SpecimenID  string    `db:"specimen_id"`
	DerivedFrom string    `db:"derived_from"`
	Operation   string    `db:"operation"`
	Params      string    `db:"params"`
	Timestamp   time.Time `db:"timestamp"`
	Tool        string    `db:"tool"`
	ToolVersion string    `db:"tool_version"`
}

// RegisterTransformation upserts a derived image by content hash, recording
// its place in the lineage DAG.
func (i *Index) RegisterTransformation(tr api.ImageTransformation) error {
	operation, err := json.Marshal(tr.Operation)
	if err != nil {
		return fmt.Errorf("could not serialize operation list: %w", err)
	}
	params, err := json.Marshal(tr.Params)
	if err != nil {
		return fmt.Errorf("could not serialize transformation params: %w", err)
	}
	i.lock.Lock()
	defer i.lock.Unlock()
	_, err = i.db.NamedExec(`
		INSERT INTO image_transformations (sha256, specimen_id, derived_from, operation, params, timestamp, tool, tool_version)
		VALUES (:sha256, :specimen_id, :derived_from, :operation, :params, :timestamp, :tool, :tool_version)
		ON CONFLICT (sha256) DO UPDATE SET
			derived_from = excluded.derived_from,
			operation = excluded.operation,
			params = excluded.params,
			timestamp = excluded.timestamp`, transformationRow{
		SHA256:      tr.SHA256,
		SpecimenID:  tr.SpecimenID,
		DerivedFrom: tr.DerivedFrom,
		Operation:   string(operation),
		Params:      string(params),
		Timestamp:   tr.Timestamp,
		Tool:        tr.Tool,
		ToolVersion: tr.ToolVersion,
	})
	if err != nil {
		return fmt.Errorf("could not register transformation %s: %w", tr.SHA256, err)
	}
	return nil
}

// SpecimenForImage resolves an image hash, original or derived, back to its
// specimen.
func (i *Index) SpecimenForImage(sha string) (string, bool, error) {
	var specimenID string
	err := i.db.Get(&specimenID, `SELECT specimen_id FROM original_files WHERE sha256 = ?`, sha)
	if errors.Is(err, sql.ErrNoRows) {
		err = i.db.Get(&specimenID, `SELECT specimen_id FROM image_transformations WHERE sha256 = ?`, sha)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("could not resolve specimen for image %s: %w", sha, err)
	}
	return specimenID, true, nil
}

type extractionRow struct {
	ExtractionID  string    `db:"extraction_id"`
	ImageSHA256   string    `db:"image_sha256"`
	ParamsHash    string    `db:"params_hash"`
	SpecimenID    string    `db:"specimen_id"`
	RunID         string    `db:"run_id"`
	Status        string    `db:"status"`
	Engine        string    `db:"engine"`
	EngineVersion string    `db:"engine_version"`
	DwcFields     string    `db:"dwc_fields"`
	EventOffset   int64     `db:"event_offset"`
	Timestamp     time.Time `db:"timestamp"`
}

func (r extractionRow) toExtraction() (*api.Extraction, error) {
	fields := map[string]api.FieldValue{}
	if err := json.Unmarshal([]byte(r.DwcFields), &fields); err != nil {
		return nil, fmt.Errorf("corrupt dwc_fields on extraction %s: %w", r.ExtractionID, err)
	}
	return &api.Extraction{
		ExtractionID:  r.ExtractionID,
		ImageSHA256:   r.ImageSHA256,
		ParamsHash:    r.ParamsHash,
		SpecimenID:    r.SpecimenID,
		RunID:         r.RunID,
		Status:        api.ExtractionStatus(r.Status),
		Engine:        r.Engine,
		EngineVersion: r.EngineVersion,
		DwcFields:     fields,
		EventOffset:   r.EventOffset,
		Timestamp:     r.Timestamp,
	}, nil
}

// ShouldExtract decides whether an extraction over (image, parameters) needs
// to run. A previous completed or skipped extraction suppresses re-runs;
// only failures are retried.
func (i *Index) ShouldExtract(imageSHA, paramsHash string) (bool, *api.Extraction, error) {
	var row extractionRow
	err := i.db.Get(&row, `
		SELECT extraction_id, image_sha256, params_hash, specimen_id, run_id, status, engine, engine_version, dwc_fields, event_offset, timestamp
		FROM extractions WHERE image_sha256 = ? AND params_hash = ?`, imageSHA, paramsHash)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("could not look up extraction for %s: %w", imageSHA, err)
	}
	previous, err := row.toExtraction()
	if err != nil {
		return false, nil, err
	}
	return previous.Status == api.ExtractionFailed, previous, nil
}

// RecordExtraction upserts an extraction outcome. The (image, params) unique
// constraint means a retried failure replaces the failed row.
func (i *Index) RecordExtraction(e api.Extraction) error {
	fields, err := json.Marshal(e.DwcFields)
	if err != nil {
		return fmt.Errorf("could not serialize dwc fields: %w", err)
	}
	i.lock.Lock()
	defer i.lock.Unlock()
	_, err = i.db.NamedExec(`
		INSERT INTO extractions (extraction_id, image_sha256, params_hash, specimen_id, run_id, status, engine, engine_version, dwc_fields, event_offset, timestamp)
		VALUES (:extraction_id, :image_sha256, :params_hash, :specimen_id, :run_id, :status, :engine, :engine_version, :dwc_fields, :event_offset, :timestamp)
		ON CONFLICT (image_sha256, params_hash) DO UPDATE SET
			extraction_id = excluded.extraction_id,
			run_id = excluded.run_id,
			status = excluded.status,
			engine = excluded.engine,
			engine_version = excluded.engine_version,
			dwc_fields = excluded.dwc_fields,
			event_offset = excluded.event_offset,
			timestamp = excluded.timestamp`, extractionRow{
		ExtractionID:  e.ExtractionID,
		ImageSHA256:   e.ImageSHA256,
		ParamsHash:    e.ParamsHash,
		SpecimenID:    e.SpecimenID,
		RunID:         e.RunID,
		Status:        string(e.Status),
		Engine:        e.Engine,
		EngineVersion: e.EngineVersion,
		DwcFields:     string(fields),
		EventOffset:   e.EventOffset,
		Timestamp:     e.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("could not record extraction %s: %w", e.ExtractionID, err)
	}
	return nil
}

// ExtractionsForSpecimen returns all recorded extractions for a specimen.
func (i *Index) ExtractionsForSpecimen(specimenID string) ([]api.Extraction, error) {
	var rows []extractionRow
	if err := i.db.Select(&rows, `
		SELECT extraction_id, image_sha256, params_hash, specimen_id, run_id, status, engine, engine_version, dwc_fields, event_offset, timestamp
		FROM extractions WHERE specimen_id = ? ORDER BY timestamp`, specimenID); err != nil {
		return nil, fmt.Errorf("could not list extractions for %s: %w", specimenID, err)
	}
	extractions := make([]api.Extraction, 0, len(rows))
	for _, row := range rows {
		e, err := row.toExtraction()
		if err != nil {
			return nil, err
		}
		extractions = append(extractions, *e)
	}
	return extractions, nil
}
