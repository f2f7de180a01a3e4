// Package ocrcache persists OCR engine output keyed by image content, so
// re-runs over unchanged images never pay for OCR twice. Entries never
// expire on their own; a cached failure is still a cache hit and callers
// decide whether to retry.
package ocrcache

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/devvyn/herbarium-specimen-tools/pkg/api"
)

const schema = `
CREATE TABLE IF NOT EXISTS ocr_results (
	specimen_sha256 TEXT NOT NULL,
	engine          TEXT NOT NULL,
	engine_version  TEXT NOT NULL DEFAULT '',
	extracted_text  TEXT NOT NULL,
	confidence      REAL NOT NULL,
	error           INTEGER NOT NULL DEFAULT 0,
	ocr_timestamp   TIMESTAMP NOT NULL,
	PRIMARY KEY (specimen_sha256, engine, engine_version)
);`

// Key identifies a cache entry. A new engine version is a distinct key, so
// upgrading an engine naturally re-runs OCR without losing old results.
type Key struct {
	SHA256        string
	Engine        string
	EngineVersion string
}

// Store is a content-addressed OCR result cache backed by sqlite.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if necessary) the cache database at path.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("could not open OCR cache %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not initialize OCR cache schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the cached result for key, if any.
func (s *Store) Get(key Key) (*api.OCRResult, bool, error) {
	var result api.OCRResult
	err := s.db.Get(&result, `
		SELECT specimen_sha256, engine, engine_version, extracted_text, confidence, error, ocr_timestamp
		FROM ocr_results
		WHERE specimen_sha256 = ? AND engine = ? AND engine_version = ?`,
		key.SHA256, key.Engine, key.EngineVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("could not read OCR cache entry: %w", err)
	}
	return &result, true, nil
}

// Put upserts a result. Failed OCR attempts are stored too, with Error set,
// so repeated failures over the same image are visible and cheap.
func (s *Store) Put(result api.OCRResult) error {
	_, err := s.db.NamedExec(`
		INSERT INTO ocr_results (specimen_sha256, engine, engine_version, extracted_text, confidence, error, ocr_timestamp)
		VALUES (:specimen_sha256, :engine, :engine_version, :extracted_text, :confidence, :error, :ocr_timestamp)
		ON CONFLICT (specimen_sha256, engine, engine_version) DO UPDATE SET
			extracted_text = excluded.extracted_text,
			confidence = excluded.confidence,
			error = excluded.error,
			ocr_timestamp = excluded.ocr_timestamp`,
		result)
	if err != nil {
		return fmt.Errorf("could not write OCR cache entry: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"sha256": result.SpecimenSHA256,
		"engine": result.Engine,
		"error":  result.Error,
	}).Debug("Cached OCR result.")
	return nil
}

// Evict removes the entry for key. Evicting an absent key is not an error.
func (s *Store) Evict(key Key) error {
	_, err := s.db.Exec(
		`DELETE FROM ocr_results WHERE specimen_sha256 = ? AND engine = ? AND engine_version = ?`,
		key.SHA256, key.Engine, key.EngineVersion)
	if err != nil {
		return fmt.Errorf("could not evict OCR cache entry: %w", err)
	}
	return nil
}
