// Package run drives a whole pipeline invocation: it enumerates the input
// images, fans them out over a bounded worker pool, serializes all artifact
// writes through a single committer and seals the run with a manifest.
package run

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/devvyn/herbarium-specimen-tools/pkg/api"
	"github.com/devvyn/herbarium-specimen-tools/pkg/config"
	"github.com/devvyn/herbarium-specimen-tools/pkg/output"
	"github.com/devvyn/herbarium-specimen-tools/pkg/pipeline"
	"github.com/devvyn/herbarium-specimen-tools/pkg/provenance"
)

// Options configure one invocation.
type Options struct {
	InputDir  string
	OutputDir string
	// Resume skips specimens already done and appends to existing outputs.
	Resume bool
	// MaxWorkers bounds the processing pool; zero means one worker.
	MaxWorkers int
	// Bundle builds the DwC-A zip after the run completes.
	Bundle        bool
	BundleVersion string
	RichBundle    bool
	Operator      string
}

// Summary is what a finished run reports.
type Summary struct {
	RunID     string
	Total     int
	Processed int
	Skipped   int
	Failed    int
	CacheHits int
}

// Controller owns the artifact writers and the worker pool for one run.
type Controller struct {
	services pipeline.Services
	cfg      config.Config
	opts     Options
}

// NewController wires a controller. The configuration must already be
// validated.
func NewController(services pipeline.Services, cfg config.Config, opts Options) *Controller {
	return &Controller{services: services, cfg: cfg, opts: opts}
}

// NewRunID derives the run identifier from the start instant. The format is
// filename-safe so run ids can name artifact directories.
func NewRunID(now time.Time) string {
	return now.UTC().Format("20060102T150405Z")
}

// Execute runs the pipeline over every image in the input directory.
// Per-specimen failures are recorded and counted; only configuration and
// artifact errors abort the run.
func (c *Controller) Execute(ctx context.Context) (*Summary, error) {
	started := time.Now().UTC()
	runID := NewRunID(started)
	// run ids have second resolution; a back-to-back invocation takes the
	// next free instant
	for {
		_, taken, err := c.services.Index.Run(runID)
		if err != nil {
			return nil, err
		}
		if !taken {
			break
		}
		started = started.Add(time.Second)
		runID = NewRunID(started)
	}
	log := logrus.WithField("run", runID)

	snapshot, err := c.cfg.Snapshot()
	if err != nil {
		return nil, err
	}
	commit := gitCommit()
	if err := c.services.Index.CreateRun(api.Run{
		RunID:          runID,
		StartedAt:      started,
		ConfigSnapshot: snapshot,
		GitCommit:      commit,
		Operator:       c.opts.Operator,
	}); err != nil {
		return nil, err
	}

	inputs, err := enumerateImages(c.opts.InputDir, c.cfg.Processing.Extensions)
	if err != nil {
		return nil, err
	}
	log.WithField("images", len(inputs)).Info("Starting run.")

	if err := os.MkdirAll(c.opts.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create output directory %s: %w", c.opts.OutputDir, err)
	}
	committer, err := newCommitter(c.opts.OutputDir, c.opts.Resume)
	if err != nil {
		return nil, err
	}

	processor, err := pipeline.New(c.services, c.cfg)
	if err != nil {
		committer.close()
		return nil, err
	}

	results := make(chan *pipeline.Result)
	writerDone := make(chan error, 1)
	summary := &Summary{RunID: runID, Total: len(inputs)}
	go func() {
		writerDone <- committer.run(results, summary)
	}()

	workers := c.opts.MaxWorkers
	if workers < 1 {
		workers = 1
	}
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(workers)
	for _, imagePath := range inputs {
		imagePath := imagePath
		group.Go(func() error {
			result, err := processor.Process(groupCtx, imagePath, runID, c.opts.Resume)
			if err != nil {
				return err
			}
			select {
			case results <- result:
				return nil
			case <-groupCtx.Done():
				return groupCtx.Err()
			}
		})
	}
	processErr := group.Wait()
	close(results)
	writeErr := <-writerDone
	closeErr := committer.close()
	for _, err := range []error{processErr, writeErr, closeErr} {
		if err != nil {
			return nil, err
		}
	}

	if err := c.seal(runID, started, snapshot, commit, committer); err != nil {
		return nil, err
	}
	if err := c.services.Index.CompleteRun(runID, time.Now().UTC()); err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"processed":  summary.Processed,
		"skipped":    summary.Skipped,
		"failed":     summary.Failed,
		"cache_hits": summary.CacheHits,
	}).Info("Run complete.")
	return summary, nil
}

// seal writes the archive descriptor, the manifest and, when requested, the
// DwC-A bundle.
func (c *Controller) seal(runID string, started time.Time, snapshot, commit string, committer *committer) error {
	metaPath := filepath.Join(c.opts.OutputDir, "meta.xml")
	if err := output.WriteMetaXML(metaPath); err != nil {
		return err
	}

	files := map[string]output.FileDigest{}
	for _, name := range []string{"raw.jsonl", "occurrence.csv", "identification_history.csv", "provenance.jsonl", "meta.xml"} {
		digest, err := digestFile(filepath.Join(c.opts.OutputDir, name))
		if err != nil {
			return err
		}
		files[name] = digest
	}
	manifest := output.Manifest{
		RunID:     runID,
		StartedAt: started,
		GitCommit: commit,
		Config:    snapshot,
		Provenance: output.ProvenanceSummary{
			TotalFragments: committer.totalFragments,
			FragmentTypes:  committer.fragmentTypes,
			ProvenanceFile: "provenance.jsonl",
		},
		Files: files,
	}
	if err := output.WriteManifest(filepath.Join(c.opts.OutputDir, "manifest.json"), manifest); err != nil {
		return err
	}

	if !c.opts.Bundle {
		return nil
	}
	archivePath, _, err := output.WriteBundle(c.opts.OutputDir, output.BundleOptions{
		Version:   c.opts.BundleVersion,
		Rich:      c.opts.RichBundle,
		GitCommit: commit,
		Timestamp: started,
	})
	if err != nil {
		return err
	}
	logrus.WithField("archive", archivePath).Info("Wrote DwC-A bundle.")
	return nil
}

// committer is the single goroutine that owns all artifact files, so each
// specimen's event, rows and fragments land together.
type committer struct {
	events    *output.EventWriter
	occ       *output.CSVWriter
	ident     *output.CSVWriter
	fragments *provenance.Writer

	totalFragments int
	fragmentTypes  map[string]int
}

func newCommitter(dir string, resume bool) (*committer, error) {
	events, err := output.NewEventWriter(filepath.Join(dir, "raw.jsonl"), resume)
	if err != nil {
		return nil, err
	}
	occ, err := output.NewCSVWriter(filepath.Join(dir, "occurrence.csv"), api.DwcTerms, resume)
	if err != nil {
		events.Close()
		return nil, err
	}
	ident, err := output.NewCSVWriter(filepath.Join(dir, "identification_history.csv"), api.IdentHistoryColumns, resume)
	if err != nil {
		events.Close()
		occ.Close()
		return nil, err
	}
	fragments, err := provenance.NewWriter(filepath.Join(dir, "provenance.jsonl"))
	if err != nil {
		events.Close()
		occ.Close()
		ident.Close()
		return nil, err
	}
	return &committer{
		events:        events,
		occ:           occ,
		ident:         ident,
		fragments:     fragments,
		fragmentTypes: map[string]int{},
	}, nil
}

// run consumes results until the channel closes, committing each one and
// tallying the summary. After a write error the channel is still drained so
// workers never block on send.
func (c *committer) run(results <-chan *pipeline.Result, summary *Summary) error {
	var firstErr error
	for result := range results {
		if firstErr != nil {
			continue
		}
		switch {
		case result.Skipped:
			summary.Skipped++
			continue
		case result.Failed:
			summary.Failed++
		default:
			summary.Processed++
		}
		if result.CacheHit {
			summary.CacheHits++
		}
		if err := c.commit(result); err != nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *committer) commit(result *pipeline.Result) error {
	if err := c.events.Append(result.Event); err != nil {
		return err
	}
	if !result.Failed {
		row := map[string]string{}
		for term, value := range result.Event.Dwc {
			row[term] = value
		}
		if row["occurrenceID"] == "" {
			row["occurrenceID"] = result.SpecimenID
		}
		if err := c.occ.WriteRecord(row); err != nil {
			return err
		}
		for _, identRow := range result.IdentRows {
			if err := c.ident.WriteRecord(identRow); err != nil {
				return err
			}
		}
	}
	for _, fragment := range result.Fragments {
		if err := c.fragments.Append(fragment); err != nil {
			return err
		}
		c.totalFragments++
		c.fragmentTypes[fragment.FragmentType]++
	}
	return nil
}

func (c *committer) close() error {
	var firstErr error
	for _, closeFn := range []func() error{c.events.Close, c.occ.Close, c.ident.Close, c.fragments.Close} {
		if err := closeFn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// enumerateImages lists the input images in stable sorted order, filtering
// by the configured extensions case-insensitively.
func enumerateImages(dir string, extensions []string) ([]string, error) {
	allowed := map[string]bool{}
	for _, ext := range extensions {
		allowed[strings.ToLower(ext)] = true
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("could not read input directory %s: %w", dir, err)
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if allowed[strings.ToLower(filepath.Ext(entry.Name()))] {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func digestFile(path string) (output.FileDigest, error) {
	sha, err := api.SHA256File(path)
	if err != nil {
		return output.FileDigest{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return output.FileDigest{}, err
	}
	return output.FileDigest{SHA256: sha, SizeBytes: info.Size()}, nil
}

// gitCommit best-effort discovers the commit the pipeline runs from. Runs
// outside a checkout get an empty commit in the manifest.
func gitCommit() string {
	out, err := exec.Command("git", "rev-parse", "HEAD").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
