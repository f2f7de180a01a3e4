package index

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/devvyn/herbarium-specimen-tools/pkg/api"
)

// Aggregate folds all completed extractions for a specimen into one best
// record: per term, the non-empty candidate with the highest confidence
// wins. The full candidate set is persisted alongside the selection so a
// reviewer can overrule it later, and the data-quality checks run over the
// fresh aggregation.
func (i *Index) Aggregate(specimenID string) (map[string]api.FieldValue, []api.QualityCheck, error) {
	extractions, err := i.ExtractionsForSpecimen(specimenID)
	if err != nil {
		return nil, nil, err
	}

	best := map[string]api.FieldValue{}
	candidates := map[string][]api.FieldValue{}
	for _, e := range extractions {
		if e.Status != api.ExtractionCompleted {
			continue
		}
		for term, value := range e.DwcFields {
			if value.Value == "" {
				continue
			}
			candidates[term] = append(candidates[term], value)
			if current, ok := best[term]; !ok || value.Confidence > current.Confidence {
				best[term] = value
			}
		}
	}

	fields, err := json.Marshal(best)
	if err != nil {
		return nil, nil, fmt.Errorf("could not serialize aggregation: %w", err)
	}
	allCandidates, err := json.Marshal(candidates)
	if err != nil {
		return nil, nil, fmt.Errorf("could not serialize candidate set: %w", err)
	}

	i.lock.Lock()
	_, err = i.db.Exec(`
		INSERT INTO specimen_aggregations (specimen_id, fields, candidates, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (specimen_id) DO UPDATE SET
			fields = excluded.fields,
			candidates = excluded.candidates,
			updated_at = excluded.updated_at`,
		specimenID, string(fields), string(allCandidates), time.Now().UTC())
	i.lock.Unlock()
	if err != nil {
		return nil, nil, fmt.Errorf("could not persist aggregation for %s: %w", specimenID, err)
	}

	checks, err := i.runQualityChecks(specimenID, best)
	if err != nil {
		return nil, nil, err
	}
	return best, checks, nil
}

// runQualityChecks evaluates catalog number integrity for a specimen and
// persists any findings.
func (i *Index) runQualityChecks(specimenID string, fields map[string]api.FieldValue) ([]api.QualityCheck, error) {
	var checks []api.QualityCheck
	catalog := fields["catalogNumber"].Value
	if catalog == "" {
		return nil, nil
	}

	var holders []string
	if err := i.db.Select(&holders, `
		SELECT specimen_id FROM specimen_aggregations
		WHERE specimen_id != ? AND json_extract(fields, '$.catalogNumber.value') = ?`,
		specimenID, catalog); err != nil {
		return nil, fmt.Errorf("could not check for duplicate catalog numbers: %w", err)
	}
	if len(holders) > 0 {
		checks = append(checks, api.QualityCheck{
			SpecimenID: specimenID,
			CheckType:  api.CheckDuplicateCatalogNumber,
			Severity:   api.SeverityError,
			Message:    fmt.Sprintf("catalog number %s is also claimed by %v", catalog, holders),
		})
	}
	if !i.catalogPattern.MatchString(catalog) {
		checks = append(checks, api.QualityCheck{
			SpecimenID: specimenID,
			CheckType:  api.CheckMalformedCatalogNumber,
			Severity:   api.SeverityWarning,
			Message:    fmt.Sprintf("catalog number %q does not match the expected format", catalog),
		})
	}

	i.lock.Lock()
	defer i.lock.Unlock()
	for _, check := range checks {
		if _, err := i.db.NamedExec(`
			INSERT INTO quality_checks (specimen_id, check_type, severity, message)
			VALUES (:specimen_id, :check_type, :severity, :message)
			ON CONFLICT (specimen_id, check_type) DO UPDATE SET
				severity = excluded.severity,
				message = excluded.message`, check); err != nil {
			return nil, fmt.Errorf("could not persist quality check: %w", err)
		}
		logrus.WithField("specimen", specimenID).Warn(check.String())
	}
	return checks, nil
}

// QualityChecks returns the persisted findings for a specimen.
func (i *Index) QualityChecks(specimenID string) ([]api.QualityCheck, error) {
	var checks []api.QualityCheck
	if err := i.db.Select(&checks, `
		SELECT specimen_id, check_type, severity, message FROM quality_checks
		WHERE specimen_id = ? ORDER BY check_type`, specimenID); err != nil {
		return nil, fmt.Errorf("could not list quality checks for %s: %w", specimenID, err)
	}
	return checks, nil
}
