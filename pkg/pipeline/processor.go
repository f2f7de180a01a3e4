// Package pipeline orchestrates the per-specimen flow: preprocess, OCR
// with caching and fallback, DwC extraction, GBIF enrichment and quality
// checks. One specimen's failure never touches another's.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/devvyn/herbarium-specimen-tools/pkg/api"
	"github.com/devvyn/herbarium-specimen-tools/pkg/config"
	"github.com/devvyn/herbarium-specimen-tools/pkg/dwc"
	"github.com/devvyn/herbarium-specimen-tools/pkg/engine"
	"github.com/devvyn/herbarium-specimen-tools/pkg/gbif"
	"github.com/devvyn/herbarium-specimen-tools/pkg/index"
	"github.com/devvyn/herbarium-specimen-tools/pkg/ocrcache"
	"github.com/devvyn/herbarium-specimen-tools/pkg/preprocess"
	"github.com/devvyn/herbarium-specimen-tools/pkg/provenance"
	"github.com/devvyn/herbarium-specimen-tools/pkg/results"
)

// Verifier is the GBIF surface the orchestrator consumes.
type Verifier interface {
	VerifyTaxonomy(fields map[string]string) *gbif.Verification
	VerifyLocality(fields map[string]string) *gbif.Verification
	ValidateOccurrence(scientificName string, lat, lon float64) *gbif.Verification
}

// Services are the collaborators a Processor drives. GBIF may be nil when
// verification is disabled.
type Services struct {
	Registry     *engine.Registry
	Index        *index.Index
	OCRCache     *ocrcache.Store
	GBIF         Verifier
	Mapper       *dwc.Mapper
	Preprocessor *preprocess.Pipeline
	Schemas      *dwc.SchemaInfo
	Dedup        *Detector
}

// Result is everything one specimen produced.
type Result struct {
	SpecimenID string
	Event      api.Event
	DwcRow     map[string]string
	IdentRows  []map[string]string
	Fragments  []provenance.Fragment
	// Skipped specimens produced no event.
	Skipped    bool
	SkipReason string
	// CacheHit reports whether the OCR cache or extraction dedup served
	// this specimen.
	CacheHit bool
	// Failed specimens have an event with errors and no dwc content.
	Failed bool
}

// Processor runs the configured pipeline over single specimens.
type Processor struct {
	services Services
	cfg      config.Config
	gates    engine.Gates
}

// New builds a processor. The step list is validated here so a bad
// configuration fails the run before any specimen is touched.
func New(services Services, cfg config.Config) (*Processor, error) {
	for _, step := range cfg.Pipeline.Steps {
		switch api.Task(step) {
		case api.TaskImageToText, api.TaskTextToDwc, api.TaskImageToDwc:
		default:
			return nil, &api.UnsupportedStepError{Step: step}
		}
		if api.Task(step) == api.TaskImageToDwc && cfg.Pipeline.ImageToDwcInstructions == "" {
			return nil, api.NewConfigError("pipeline.image_to_dwc_instructions is required for the %s step", step)
		}
	}
	if services.Dedup == nil {
		services.Dedup = NewDetector(cfg.QC.PhashThreshold)
	}
	return &Processor{
		services: services,
		cfg:      cfg,
		gates: engine.Gates{
			AllowGPT:               cfg.OCR.AllowGPT,
			AllowTesseractOnDarwin: cfg.OCR.AllowTesseractOnDarwin,
		},
	}, nil
}

// stepState is the orchestrator's step-local accumulator.
type stepState struct {
	text         string
	confidences  []float64
	fields       map[string]api.FieldValue
	identRows    []map[string]string
	finalEngine  string
	finalVersion string
	cacheHit     bool
	fragments    []provenance.Fragment
	prevFragment string
}

func (s *stepState) emit(fragment provenance.Fragment) {
	s.fragments = append(s.fragments, fragment)
	s.prevFragment = fragment.FragmentID
}

// Process runs one specimen end to end. Configuration errors return a
// non-nil error and abort the run; everything else is captured in the
// Result.
func (p *Processor) Process(ctx context.Context, imagePath, runID string, resume bool) (*Result, error) {
	specimenID := strings.TrimSuffix(filepath.Base(imagePath), filepath.Ext(imagePath))
	log := logrus.WithFields(logrus.Fields{"specimen": specimenID, "run": runID})

	if _, err := p.services.Index.RegisterSpecimen(api.Specimen{
		SpecimenID:     specimenID,
		CameraFilename: filepath.Base(imagePath),
	}); err != nil {
		return nil, err
	}

	if result := p.checkSkip(specimenID, resume, log); result != nil {
		return result, nil
	}

	inputSHA, err := api.SHA256File(imagePath)
	if err != nil {
		return p.fail(specimenID, runID, api.Event{RunID: runID, Image: filepath.Base(imagePath)}, err, log)
	}
	if err := p.services.Index.RegisterOriginal(api.OriginalFile{
		SHA256:     inputSHA,
		SpecimenID: specimenID,
		Path:       imagePath,
		Role:       api.RoleOriginalPhoto,
	}); err != nil {
		return nil, err
	}

	event := api.Event{
		RunID:  runID,
		Image:  filepath.Base(imagePath),
		SHA256: inputSHA,
		Dwc:    map[string]string{},
		Errors: []string{},
	}
	state := &stepState{fields: map[string]api.FieldValue{}}
	dupFlags := p.services.Dedup.Check(inputSHA)

	procPath, procSHA, err := p.preprocessImage(ctx, imagePath, inputSHA, specimenID, state)
	if err != nil {
		return p.fail(specimenID, runID, event, results.ForReason(results.ReasonPreprocessing).ForError(err), log)
	}
	if procPath != imagePath {
		defer os.Remove(procPath)
	}

	paramsHash := api.ParamsHash(p.extractionParams())
	if reused := p.reusePrevious(specimenID, runID, procSHA, paramsHash, event, dupFlags, log); reused != nil {
		return reused, nil
	}

	for _, step := range p.cfg.Pipeline.Steps {
		var err error
		switch api.Task(step) {
		case api.TaskImageToText:
			err = p.stepImageToText(ctx, runID, procPath, procSHA, state)
		case api.TaskTextToDwc:
			err = p.stepTextToDwc(ctx, state)
		case api.TaskImageToDwc:
			err = p.stepImageToDwc(ctx, procPath, procSHA, state)
		default:
			return nil, &api.UnsupportedStepError{Step: step}
		}
		if err != nil {
			return p.fail(specimenID, runID, event, err, log)
		}
	}

	dwc.Normalize(state.fields)
	flags := dwc.Validate(state.fields, p.services.Schemas)

	event.Engine = state.finalEngine
	event.EngineVersion = state.finalVersion
	for term, value := range state.fields {
		event.Dwc[term] = value.Value
		if event.DwcConfidence == nil {
			event.DwcConfidence = map[string]float64{}
		}
		event.DwcConfidence[term] = value.Confidence
	}
	event.Flags = flags

	if p.cfg.QC.GBIF.Enabled && p.services.GBIF != nil {
		p.verifyWithGBIF(procSHA, &event, state)
	}

	p.applyQualityFlags(imagePath, dupFlags, &event, state)

	meanConfidence := meanFieldConfidence(state.fields)
	now := time.Now().UTC()
	if err := p.services.Index.RecordExtraction(api.Extraction{
		ExtractionID:  uuid.NewString(),
		ImageSHA256:   procSHA,
		ParamsHash:    paramsHash,
		SpecimenID:    specimenID,
		RunID:         runID,
		Status:        api.ExtractionCompleted,
		Engine:        state.finalEngine,
		EngineVersion: state.finalVersion,
		DwcFields:     state.fields,
		Timestamp:     now,
	}); err != nil {
		return nil, err
	}
	_, checks, err := p.services.Index.Aggregate(specimenID)
	if err != nil {
		return nil, err
	}
	for _, check := range checks {
		event.Flags = append(event.Flags, strings.ToLower(check.CheckType))
	}
	if err := p.services.Index.UpsertProcessingState(api.ProcessingState{
		SpecimenID: specimenID,
		Module:     "process",
		Status:     api.StatusDone,
		Confidence: meanConfidence,
		UpdatedAt:  now,
	}); err != nil {
		return nil, err
	}
	if err := p.services.Index.AddRunLineage(api.RunLineage{
		RunID:            runID,
		SpecimenID:       specimenID,
		ProcessingStatus: string(api.StatusDone),
		CacheHit:         state.cacheHit,
		ProcessedAt:      now,
	}); err != nil {
		return nil, err
	}

	identRows := p.identRows(specimenID, state)
	event.IdentificationHistory = identRows

	return &Result{
		SpecimenID: specimenID,
		Event:      event,
		DwcRow:     event.Dwc,
		IdentRows:  identRows,
		Fragments:  state.fragments,
		CacheHit:   state.cacheHit,
	}, nil
}

// checkSkip applies the resume and retry-limit skip rules.
func (p *Processor) checkSkip(specimenID string, resume bool, log *logrus.Entry) *Result {
	state, found, err := p.services.Index.ProcessingState(specimenID, "process")
	if err != nil || !found {
		return nil
	}
	if resume && state.Status == api.StatusDone {
		log.Debug("Skipping specimen, already done.")
		return &Result{SpecimenID: specimenID, Skipped: true, SkipReason: "done"}
	}
	if state.Status == api.StatusError && state.Retries >= p.cfg.Processing.RetryLimit {
		log.WithField("retries", state.Retries).Warn("Skipping specimen, retry limit reached.")
		return &Result{SpecimenID: specimenID, Skipped: true, SkipReason: "retry limit reached"}
	}
	return nil
}

// preprocessImage runs the configured transform pipeline and records its
// lineage. With no steps configured the input passes through untouched and
// no fragment is emitted.
func (p *Processor) preprocessImage(_ context.Context, imagePath, inputSHA, specimenID string, state *stepState) (string, string, error) {
	pre := p.services.Preprocessor
	if pre == nil || pre.Empty() {
		return imagePath, inputSHA, nil
	}
	outPath, err := pre.Run(imagePath)
	if err != nil {
		return "", "", err
	}
	outSHA, err := api.SHA256File(outPath)
	if err != nil {
		os.Remove(outPath)
		return "", "", err
	}
	now := time.Now().UTC()
	if err := p.services.Index.RegisterTransformation(api.ImageTransformation{
		SHA256:      outSHA,
		SpecimenID:  specimenID,
		DerivedFrom: inputSHA,
		Operation:   pre.Names(),
		Params:      pre.ParamsMap(),
		Timestamp:   now,
		Tool:        "preprocess",
	}); err != nil {
		os.Remove(outPath)
		return "", "", err
	}
	fragment := provenance.NewFragment(provenance.TypeImagePreprocessing, inputSHA, outSHA, strings.Join(pre.Names(), ","), "preprocess", state.prevFragment, now)
	fragment.Parameters = pre.ParamsMap()
	state.emit(fragment)
	return outPath, outSHA, nil
}

// extractionParams is the parameter set whose hash deduplicates
// extractions: same image, same parameters, same outcome.
func (p *Processor) extractionParams() map[string]string {
	params := map[string]string{
		"steps":      strings.Join(p.cfg.Pipeline.Steps, ","),
		"ocr_engine": p.cfg.OCR.PreferredEngine,
		"dwc_engine": p.dwcEngine(),
		"model":      p.cfg.GPT.Model,
	}
	if pre := p.services.Preprocessor; pre != nil {
		for key, value := range pre.ParamsMap() {
			params["preprocess_"+key] = value
		}
	}
	return params
}

func (p *Processor) dwcEngine() string {
	if p.cfg.DwC.PreferredEngine != "" {
		return p.cfg.DwC.PreferredEngine
	}
	return "gpt"
}

// reusePrevious serves a completed extraction for the same (image, params)
// pair instead of re-running engines.
func (p *Processor) reusePrevious(specimenID, runID, procSHA, paramsHash string, event api.Event, dupFlags []string, log *logrus.Entry) *Result {
	should, previous, err := p.services.Index.ShouldExtract(procSHA, paramsHash)
	if err != nil || should || previous == nil || previous.Status != api.ExtractionCompleted {
		return nil
	}
	log.Debug("Reusing previous extraction for unchanged image and parameters.")
	event.Flags = append(event.Flags, dupFlags...)
	event.Engine = previous.Engine
	event.EngineVersion = previous.EngineVersion
	event.DwcConfidence = map[string]float64{}
	for term, value := range previous.DwcFields {
		event.Dwc[term] = value.Value
		event.DwcConfidence[term] = value.Confidence
	}
	now := time.Now().UTC()
	if err := p.services.Index.UpsertProcessingState(api.ProcessingState{
		SpecimenID: specimenID,
		Module:     "process",
		Status:     api.StatusDone,
		Confidence: meanFieldConfidence(previous.DwcFields),
		UpdatedAt:  now,
	}); err != nil {
		log.WithError(err).Warn("Could not update processing state for reused extraction.")
	}
	if err := p.services.Index.AddRunLineage(api.RunLineage{
		RunID:            runID,
		SpecimenID:       specimenID,
		ProcessingStatus: string(api.StatusDone),
		CacheHit:         true,
		ProcessedAt:      now,
	}); err != nil {
		log.WithError(err).Warn("Could not record lineage for reused extraction.")
	}
	return &Result{
		SpecimenID: specimenID,
		Event:      event,
		DwcRow:     event.Dwc,
		CacheHit:   true,
	}
}

func (p *Processor) ocrOptions() engine.Options {
	return engine.Options{
		Langs:     p.cfg.OCR.Langs,
		Model:     p.cfg.GPT.Model,
		DryRun:    p.cfg.GPT.DryRun,
		PromptDir: p.cfg.GPT.PromptDir,
	}
}

// stepImageToText runs OCR through the cache, records candidates and
// applies the engine's fallback policy.
func (p *Processor) stepImageToText(ctx context.Context, runID, procPath, procSHA string, state *stepState) error {
	name, err := p.services.Registry.Select(api.TaskImageToText, p.cfg.OCR.PreferredEngine, p.cfg.OCR.EnabledEngines, p.gates)
	if err != nil {
		return err
	}
	version := p.services.Registry.Version(name)
	key := ocrcache.Key{SHA256: procSHA, Engine: name, EngineVersion: version}

	cached, hit, err := p.services.OCRCache.Get(key)
	if err != nil {
		return err
	}
	if hit && !cached.Error {
		state.text = cached.ExtractedText
		state.confidences = []float64{cached.Confidence}
		state.finalEngine = cached.Engine
		state.finalVersion = cached.EngineVersion
		state.cacheHit = true
	} else {
		result, err := p.services.Registry.DispatchImageToText(ctx, name, procPath, p.ocrOptions())
		now := time.Now().UTC()
		if err != nil {
			putErr := p.services.OCRCache.Put(api.OCRResult{
				SpecimenSHA256: procSHA,
				Engine:         name,
				EngineVersion:  version,
				Error:          true,
				OCRTimestamp:   now,
			})
			if putErr != nil {
				logrus.WithError(putErr).Warn("Could not cache the failed OCR attempt.")
			}
			return results.ForReason(results.ReasonOCR).ForError(err)
		}
		state.text = result.Text
		state.confidences = result.Confidences
		state.finalEngine = result.Engine
		state.finalVersion = result.EngineVersion
		if err := p.services.OCRCache.Put(api.OCRResult{
			SpecimenSHA256: procSHA,
			Engine:         result.Engine,
			EngineVersion:  result.EngineVersion,
			ExtractedText:  result.Text,
			Confidence:     result.MeanConfidence(),
			OCRTimestamp:   now,
		}); err != nil {
			return err
		}
		fragment := provenance.NewFragment(provenance.TypeOCRExtraction, procSHA, api.SHA256Bytes([]byte(result.Text)), "ocr", agentID(result.Engine, result.EngineVersion), state.prevFragment, now)
		fragment.QualityMetrics = map[string]float64{"mean_confidence": result.MeanConfidence()}
		state.emit(fragment)
	}

	if err := p.services.Index.AddCandidate(api.Candidate{
		RunID:      runID,
		ImageSHA:   procSHA,
		Engine:     state.finalEngine,
		Value:      state.text,
		Confidence: mean(state.confidences),
	}); err != nil {
		return err
	}

	if policy, ok := p.services.Registry.Fallback(state.finalEngine); ok {
		promoted, err := policy(ctx, p.services.Registry, engine.FallbackInput{
			ImagePath:   procPath,
			Text:        state.text,
			Confidences: state.confidences,
			Engine:      state.finalEngine,
		})
		if err != nil {
			return results.ForReason(results.ReasonOCR).ForError(err)
		}
		if promoted.Engine != state.finalEngine {
			if err := p.services.Index.AddCandidate(api.Candidate{
				RunID:      runID,
				ImageSHA:   procSHA,
				Engine:     promoted.Engine,
				Value:      promoted.Text,
				Confidence: promoted.MeanConfidence(),
			}); err != nil {
				return err
			}
			fragment := provenance.NewFragment(provenance.TypeOCRExtraction, procSHA, api.SHA256Bytes([]byte(promoted.Text)), "ocr_fallback", agentID(promoted.Engine, promoted.EngineVersion), state.prevFragment, time.Now().UTC())
			fragment.QualityMetrics = map[string]float64{"mean_confidence": promoted.MeanConfidence()}
			state.emit(fragment)
			state.text = promoted.Text
			state.confidences = promoted.Confidences
			state.finalEngine = promoted.Engine
			state.finalVersion = promoted.EngineVersion
		}
	}
	return nil
}

// stepTextToDwc extracts DwC fields from the accumulated OCR text.
func (p *Processor) stepTextToDwc(ctx context.Context, state *stepState) error {
	result, err := p.services.Registry.DispatchTextToDwc(ctx, p.dwcEngine(), state.text, p.ocrOptions())
	if err != nil {
		return results.ForReason(results.ReasonDwcExtraction).ForError(err)
	}
	state.identRows = append(state.identRows, result.IdentificationHistory...)
	p.mergeFields(result, state)
	now := time.Now().UTC()
	fragment := provenance.NewFragment(provenance.TypeDwcExtraction, api.SHA256Bytes([]byte(state.text)), fieldsDigest(state.fields), "dwc_extraction", p.dwcEngine(), state.prevFragment, now)
	fragment.Metadata = map[string]string{"source_type": "ocr_text"}
	state.emit(fragment)
	return nil
}

// stepImageToDwc extracts DwC fields straight off the image.
func (p *Processor) stepImageToDwc(ctx context.Context, procPath, procSHA string, state *stepState) error {
	opts := p.ocrOptions()
	opts.Instructions = p.cfg.Pipeline.ImageToDwcInstructions
	if opts.Instructions == "" {
		return api.NewConfigError("pipeline.image_to_dwc_instructions is required for image_to_dwc")
	}
	result, err := p.services.Registry.DispatchImageToDwc(ctx, p.dwcEngine(), procPath, opts)
	if err != nil {
		return results.ForReason(results.ReasonDwcExtraction).ForError(err)
	}
	state.identRows = append(state.identRows, result.IdentificationHistory...)
	p.mergeFields(result, state)
	now := time.Now().UTC()
	fragment := provenance.NewFragment(provenance.TypeDwcExtraction, procSHA, fieldsDigest(state.fields), "dwc_extraction", p.dwcEngine(), state.prevFragment, now)
	fragment.Metadata = map[string]string{"source_type": "image"}
	state.emit(fragment)
	return nil
}

// mergeFields maps raw engine output onto canonical terms and folds it into
// the accumulated record, higher confidence winning per term.
func (p *Processor) mergeFields(result engine.DwcResult, state *stepState) {
	raw := map[string]api.FieldValue{}
	for term, value := range result.Fields {
		raw[term] = api.FieldValue{Value: value, Confidence: result.Confidence[term]}
	}
	for term, value := range p.services.Mapper.Map(raw) {
		if current, ok := state.fields[term]; !ok || value.Confidence > current.Confidence {
			state.fields[term] = value
		}
	}
}

// verifyWithGBIF enriches the record in place. A GBIF outage leaves the
// pre-verification record intact and notes the failure on the event.
func (p *Processor) verifyWithGBIF(procSHA string, event *api.Event, state *stepState) {
	verification := map[string]interface{}{}

	taxonomy := p.services.GBIF.VerifyTaxonomy(event.Dwc)
	if taxonomy == nil {
		event.Errors = append(event.Errors, "GBIF verification error: taxonomy verification unavailable")
	} else {
		verification["taxonomy"] = taxonomy
		p.applyVerification(event, taxonomy, "taxonomy")
	}

	if event.Dwc["decimalLatitude"] != "" || event.Dwc["decimalLongitude"] != "" {
		inputLat, latErr := strconv.ParseFloat(event.Dwc["decimalLatitude"], 64)
		inputLon, lonErr := strconv.ParseFloat(event.Dwc["decimalLongitude"], 64)
		locality := p.services.GBIF.VerifyLocality(event.Dwc)
		if locality == nil {
			event.Errors = append(event.Errors, "GBIF verification error: locality verification unavailable")
		} else {
			verification["locality"] = locality
			p.applyVerification(event, locality, "locality")
			if locality.Verified && latErr == nil && lonErr == nil {
				verifiedLat, errLat := strconv.ParseFloat(locality.Fields["decimalLatitude"], 64)
				verifiedLon, errLon := strconv.ParseFloat(locality.Fields["decimalLongitude"], 64)
				if errLat == nil && errLon == nil {
					if issue, flagged := gbif.CheckCoordinateDiscrepancy(inputLat, inputLon, verifiedLat, verifiedLon); flagged {
						event.Flags = append(event.Flags, "gbif_issue:locality:"+issue)
					}
				}
			}

			if p.cfg.QC.GBIF.EnableOccurrenceValidation && latErr == nil && lonErr == nil && event.Dwc["scientificName"] != "" {
				occurrence := p.services.GBIF.ValidateOccurrence(event.Dwc["scientificName"], inputLat, inputLon)
				if occurrence == nil {
					event.Errors = append(event.Errors, "GBIF verification error: occurrence validation unavailable")
				} else {
					verification["occurrence"] = occurrence
					p.applyVerification(event, occurrence, "occurrence")
				}
			}
		}
	}

	if len(verification) > 0 {
		event.GBIFVerification = verification
	}
	fragment := provenance.NewFragment(provenance.TypeQCValidation, procSHA, procSHA, "gbif_verification", "gbif", state.prevFragment, time.Now().UTC())
	state.emit(fragment)
}

// applyVerification copies verified fields through, recording additions and
// flagging changes and issues.
func (p *Processor) applyVerification(event *api.Event, verification *gbif.Verification, kind string) {
	for _, issue := range verification.Issues {
		event.Flags = append(event.Flags, fmt.Sprintf("gbif_issue:%s:%s", kind, issue))
	}
	if !verification.Verified {
		return
	}
	for term, value := range verification.Fields {
		current, exists := event.Dwc[term]
		switch {
		case !exists || current == "":
			event.Dwc[term] = value
			event.AddedFields = append(event.AddedFields, term)
		case current != value:
			event.Dwc[term] = value
			event.Flags = append(event.Flags, "gbif_updated:"+term)
		}
	}
}

// applyQualityFlags runs the cheap per-run quality checks.
func (p *Processor) applyQualityFlags(imagePath string, dupFlags []string, event *api.Event, state *stepState) {
	event.Flags = append(event.Flags, dupFlags...)

	if threshold := p.cfg.QC.LowConfidenceFlag; threshold > 0 {
		if mean := meanFieldConfidence(state.fields); len(state.fields) > 0 && mean < threshold {
			event.Flags = append(event.Flags, "low_confidence")
		}
	}

	if pct := p.cfg.QC.TopFifthScanPct; pct > 0 {
		coverage, err := preprocess.TopFifthCoverage(imagePath)
		if err != nil {
			logrus.WithError(err).Debug("Could not compute scan coverage.")
			return
		}
		event.ScanPct = coverage
		if coverage >= 100-pct {
			event.Flags = append(event.Flags, "top_fifth_scan")
		}
	}
}

// fail records a retryable failure against the specimen, or propagates
// configuration errors to the run controller.
func (p *Processor) fail(specimenID, runID string, event api.Event, err error, log *logrus.Entry) (*Result, error) {
	classification := results.Classify(err)
	if !classification.Retryable {
		return nil, err
	}
	log.WithError(err).WithField("code", classification.Code).Warn("Specimen processing failed.")

	retries := 1
	if previous, found, stateErr := p.services.Index.ProcessingState(specimenID, "process"); stateErr == nil && found {
		retries = previous.Retries + 1
	}
	now := time.Now().UTC()
	if stateErr := p.services.Index.UpsertProcessingState(api.ProcessingState{
		SpecimenID:   specimenID,
		Module:       "process",
		Status:       api.StatusError,
		Retries:      retries,
		ErrorCode:    classification.Code,
		ErrorMessage: err.Error(),
		UpdatedAt:    now,
	}); stateErr != nil {
		return nil, stateErr
	}
	if lineageErr := p.services.Index.AddRunLineage(api.RunLineage{
		RunID:            runID,
		SpecimenID:       specimenID,
		ProcessingStatus: string(api.StatusError),
		ProcessedAt:      now,
	}); lineageErr != nil {
		return nil, lineageErr
	}

	event.Dwc = map[string]string{}
	message := err.Error()
	if !strings.HasPrefix(message, classification.Code) {
		message = classification.Code + ": " + message
	}
	event.Errors = append(event.Errors, message)
	return &Result{SpecimenID: specimenID, Event: event, Failed: true}, nil
}

// identRows stamps the occurrence id onto extracted identification history
// rows.
func (p *Processor) identRows(specimenID string, state *stepState) []map[string]string {
	rows := make([]map[string]string, 0, len(state.identRows))
	for n, row := range state.identRows {
		stamped := map[string]string{}
		for column, value := range row {
			stamped[column] = value
		}
		if stamped["occurrenceID"] == "" {
			stamped["occurrenceID"] = specimenID
		}
		if stamped["identificationID"] == "" {
			stamped["identificationID"] = fmt.Sprintf("%s-ident-%d", specimenID, n+1)
		}
		rows = append(rows, stamped)
	}
	return rows
}

// fieldsDigest hashes the extracted record for provenance identity.
// encoding/json sorts map keys, so the digest is stable.
func fieldsDigest(fields map[string]api.FieldValue) string {
	canonical, _ := json.Marshal(fields)
	return api.SHA256Bytes(canonical)
}

func agentID(engineName, version string) string {
	if version == "" {
		return engineName
	}
	return engineName + "-" + version
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func meanFieldConfidence(fields map[string]api.FieldValue) float64 {
	if len(fields) == 0 {
		return 0
	}
	var sum float64
	for _, value := range fields {
		sum += value.Confidence
	}
	return sum / float64(len(fields))
}
