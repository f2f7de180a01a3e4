package index

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/devvyn/herbarium-specimen-tools/pkg/api"
)

// ProcessingState returns the recorded state for (specimen, module).
func (i *Index) ProcessingState(specimenID, module string) (*api.ProcessingState, bool, error) {
	var state api.ProcessingState
	err := i.db.Get(&state, `
		SELECT specimen_id, module, status, retries, error_code, error_message, confidence, updated_at
		FROM processing_state WHERE specimen_id = ? AND module = ?`, specimenID, module)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("could not read processing state for %s/%s: %w", specimenID, module, err)
	}
	return &state, true, nil
}

// UpsertProcessingState records the outcome of a pipeline attempt. The
// retry counter only ever grows, even if a caller passes a smaller value.
func (i *Index) UpsertProcessingState(state api.ProcessingState) error {
	i.lock.Lock()
	defer i.lock.Unlock()
	_, err := i.db.NamedExec(`
		INSERT INTO processing_state (specimen_id, module, status, retries, error_code, error_message, confidence, updated_at)
		VALUES (:specimen_id, :module, :status, :retries, :error_code, :error_message, :confidence, :updated_at)
		ON CONFLICT (specimen_id, module) DO UPDATE SET
			status = excluded.status,
			retries = MAX(processing_state.retries, excluded.retries),
			error_code = excluded.error_code,
			error_message = excluded.error_message,
			confidence = excluded.confidence,
			updated_at = excluded.updated_at`, state)
	if err != nil {
		return fmt.Errorf("could not upsert processing state for %s/%s: %w", state.SpecimenID, state.Module, err)
	}
	return nil
}

// CreateRun records the start of a pipeline invocation.
func (i *Index) CreateRun(run api.Run) error {
	i.lock.Lock()
	defer i.lock.Unlock()
	_, err := i.db.NamedExec(`
		INSERT INTO runs (run_id, started_at, completed_at, config_snapshot, git_commit, operator)
		VALUES (:run_id, :started_at, :completed_at, :config_snapshot, :git_commit, :operator)`, run)
	if err != nil {
		return fmt.Errorf("could not create run %s: %w", run.RunID, err)
	}
	return nil
}

// CompleteRun stamps the run's completion time.
func (i *Index) CompleteRun(runID string, completedAt time.Time) error {
	i.lock.Lock()
	defer i.lock.Unlock()
	_, err := i.db.Exec(`UPDATE runs SET completed_at = ? WHERE run_id = ?`, completedAt, runID)
	if err != nil {
		return fmt.Errorf("could not complete run %s: %w", runID, err)
	}
	return nil
}

// Run returns a recorded run by id.
func (i *Index) Run(runID string) (*api.Run, bool, error) {
	var run api.Run
	err := i.db.Get(&run, `
		SELECT run_id, started_at, completed_at, config_snapshot, git_commit, operator
		FROM runs WHERE run_id = ?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("could not read run %s: %w", runID, err)
	}
	return &run, true, nil
}

// AddRunLineage relates a run to a specimen it processed.
func (i *Index) AddRunLineage(lineage api.RunLineage) error {
	i.lock.Lock()
	defer i.lock.Unlock()
	_, err := i.db.NamedExec(`
		INSERT INTO run_lineage (run_id, specimen_id, processing_status, cache_hit, processed_at)
		VALUES (:run_id, :specimen_id, :processing_status, :cache_hit, :processed_at)
		ON CONFLICT (run_id, specimen_id) DO UPDATE SET
			processing_status = excluded.processing_status,
			cache_hit = excluded.cache_hit,
			processed_at = excluded.processed_at`, lineage)
	if err != nil {
		return fmt.Errorf("could not record run lineage for %s/%s: %w", lineage.RunID, lineage.SpecimenID, err)
	}
	return nil
}

// AddCandidate persists one engine output for reviewer arbitration.
func (i *Index) AddCandidate(candidate api.Candidate) error {
	i.lock.Lock()
	defer i.lock.Unlock()
	_, err := i.db.NamedExec(`
		INSERT INTO candidates (run_id, image_sha, engine, value, confidence, error)
		VALUES (:run_id, :image_sha, :engine, :value, :confidence, :error)`, candidate)
	if err != nil {
		return fmt.Errorf("could not record candidate from %s: %w", candidate.Engine, err)
	}
	return nil
}

// Candidates returns all recorded engine outputs for an image.
func (i *Index) Candidates(imageSHA string) ([]api.Candidate, error) {
	var candidates []api.Candidate
	if err := i.db.Select(&candidates, `
		SELECT run_id, image_sha, engine, value, confidence, error FROM candidates
		WHERE image_sha = ? ORDER BY engine`, imageSHA); err != nil {
		return nil, fmt.Errorf("could not list candidates for %s: %w", imageSHA, err)
	}
	return candidates, nil
}

// RegisterImageLocation records where a copy of an image lives.
func (i *Index) RegisterImageLocation(sha, source, path string) error {
	i.lock.Lock()
	defer i.lock.Unlock()
	_, err := i.db.Exec(`
		INSERT INTO image_locations (sha256, source, path)
		VALUES (?, ?, ?)
		ON CONFLICT (sha256, source) DO UPDATE SET path = excluded.path`, sha, source, path)
	if err != nil {
		return fmt.Errorf("could not register image location %s/%s: %w", sha, source, err)
	}
	return nil
}

// ImageLocation returns the recorded path of an image at a source.
func (i *Index) ImageLocation(sha, source string) (string, bool, error) {
	var path string
	err := i.db.Get(&path, `SELECT path FROM image_locations WHERE sha256 = ? AND source = ?`, sha, source)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("could not look up image location %s/%s: %w", sha, source, err)
	}
	return path, true, nil
}
