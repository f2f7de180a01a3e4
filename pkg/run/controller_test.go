package run

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/devvyn/herbarium-specimen-tools/pkg/api"
	"github.com/devvyn/herbarium-specimen-tools/pkg/config"
	"github.com/devvyn/herbarium-specimen-tools/pkg/dwc"
	"github.com/devvyn/herbarium-specimen-tools/pkg/engine"
	"github.com/devvyn/herbarium-specimen-tools/pkg/index"
	"github.com/devvyn/herbarium-specimen-tools/pkg/ocrcache"
	"github.com/devvyn/herbarium-specimen-tools/pkg/output"
	"github.com/devvyn/herbarium-specimen-tools/pkg/pipeline"
	"github.com/devvyn/herbarium-specimen-tools/pkg/provenance"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.OCR.PreferredEngine = "tesseract"
	cfg.QC.TopFifthScanPct = 0
	cfg.QC.GBIF.Enabled = false
	return cfg
}

func testServices(t *testing.T) pipeline.Services {
	t.Helper()
	registry := engine.NewRegistry()
	registry.RegisterImageToText("tesseract", &engine.FakeImageToText{})
	registry.RegisterVersion("tesseract", "5.3.4")
	registry.RegisterTextToDwc("gpt", &engine.FakeTextToDwc{})

	idx, err := index.Open(filepath.Join(t.TempDir(), "index.db"), `^Herbarium-\d{5,6}$`)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { idx.Close() })
	store, err := ocrcache.Open(filepath.Join(t.TempDir(), "ocr.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	return pipeline.Services{
		Registry: registry,
		Index:    idx,
		OCRCache: store,
		Mapper:   dwc.NewMapper(),
		Schemas:  &dwc.SchemaInfo{},
	}
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	trimmed := strings.TrimRight(string(raw), "\n")
	if trimmed == "" {
		return 0
	}
	return len(strings.Split(trimmed, "\n"))
}

func TestNewRunID(t *testing.T) {
	id := NewRunID(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	if id != "20240601T120000Z" {
		t.Errorf("wrong run id: %s", id)
	}
}

func TestExecuteEmptyDirectory(t *testing.T) {
	services := testServices(t)
	outputDir := t.TempDir()
	controller := NewController(services, testConfig(), Options{
		InputDir:  t.TempDir(),
		OutputDir: outputDir,
	})

	summary, err := controller.Execute(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Total != 0 || summary.Processed != 0 {
		t.Errorf("an empty directory should process nothing: %+v", summary)
	}

	if got := countLines(t, filepath.Join(outputDir, "occurrence.csv")); got != 1 {
		t.Errorf("expected a header-only occurrence.csv, got %d lines", got)
	}
	if got := countLines(t, filepath.Join(outputDir, "raw.jsonl")); got != 0 {
		t.Errorf("expected an empty event log, got %d lines", got)
	}
	manifest, err := output.ReadManifest(filepath.Join(outputDir, "manifest.json"))
	if err != nil {
		t.Fatal(err)
	}
	if manifest.RunID != summary.RunID {
		t.Errorf("manifest names run %s, summary %s", manifest.RunID, summary.RunID)
	}
	if _, ok := manifest.Files["meta.xml"]; !ok {
		t.Error("the manifest should digest meta.xml")
	}

	recorded, found, err := services.Index.Run(summary.RunID)
	if err != nil || !found {
		t.Fatalf("run not recorded: %v", err)
	}
	if recorded.CompletedAt == nil {
		t.Error("the run should be completed")
	}
}

func TestExecuteProcessesImages(t *testing.T) {
	services := testServices(t)
	inputDir := t.TempDir()
	outputDir := t.TempDir()
	for _, name := range []string{"IMG_0001.jpg", "IMG_0002.JPG", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(inputDir, name), []byte("content of "+name), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	controller := NewController(services, testConfig(), Options{
		InputDir:   inputDir,
		OutputDir:  outputDir,
		MaxWorkers: 2,
	})
	summary, err := controller.Execute(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Total != 2 || summary.Processed != 2 || summary.Failed != 0 {
		t.Fatalf("expected both images processed and the text file ignored: %+v", summary)
	}

	if got := countLines(t, filepath.Join(outputDir, "occurrence.csv")); got != 3 {
		t.Errorf("expected header plus two rows, got %d lines", got)
	}
	events, err := output.ReadEvents(filepath.Join(outputDir, "raw.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected two events, got %d", len(events))
	}
	fragments, err := provenance.Read(filepath.Join(outputDir, "provenance.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	if len(fragments) != 4 {
		t.Errorf("expected ocr and dwc fragments per specimen, got %d", len(fragments))
	}
	manifest, err := output.ReadManifest(filepath.Join(outputDir, "manifest.json"))
	if err != nil {
		t.Fatal(err)
	}
	if manifest.Provenance.TotalFragments != 4 {
		t.Errorf("manifest fragment count is %d", manifest.Provenance.TotalFragments)
	}
}

func TestExecuteResumeSkipsDone(t *testing.T) {
	services := testServices(t)
	inputDir := t.TempDir()
	outputDir := t.TempDir()
	for _, name := range []string{"IMG_0001.jpg", "IMG_0002.jpg"} {
		if err := os.WriteFile(filepath.Join(inputDir, name), []byte("content of "+name), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	first := NewController(services, testConfig(), Options{InputDir: inputDir, OutputDir: outputDir})
	if _, err := first.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}

	second := NewController(services, testConfig(), Options{InputDir: inputDir, OutputDir: outputDir, Resume: true})
	summary, err := second.Execute(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Skipped != 2 || summary.Processed != 0 {
		t.Errorf("a resumed run should skip done specimens: %+v", summary)
	}
	if got := countLines(t, filepath.Join(outputDir, "occurrence.csv")); got != 3 {
		t.Errorf("resume should not duplicate rows, got %d lines", got)
	}
	events, err := output.ReadEvents(filepath.Join(outputDir, "raw.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Errorf("resume should not duplicate events, got %d", len(events))
	}
}

func TestExecuteWritesBundle(t *testing.T) {
	services := testServices(t)
	inputDir := t.TempDir()
	outputDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(inputDir, "IMG_0001.jpg"), []byte("specimen"), 0o644); err != nil {
		t.Fatal(err)
	}

	controller := NewController(services, testConfig(), Options{
		InputDir:      inputDir,
		OutputDir:     outputDir,
		Bundle:        true,
		BundleVersion: "1.0.0",
	})
	if _, err := controller.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(outputDir, "dwca_v1.0.0.zip")); err != nil {
		t.Errorf("expected the bundle to be written: %v", err)
	}
}

func TestExecuteRecordsFailures(t *testing.T) {
	services := testServices(t)
	broken := &engine.FakeImageToText{Err: api.NewEngineError(api.ErrOCRError, "engine crashed")}
	registry := engine.NewRegistry()
	registry.RegisterImageToText("tesseract", broken)
	registry.RegisterTextToDwc("gpt", &engine.FakeTextToDwc{})
	services.Registry = registry

	inputDir := t.TempDir()
	outputDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(inputDir, "IMG_0001.jpg"), []byte("specimen"), 0o644); err != nil {
		t.Fatal(err)
	}

	controller := NewController(services, testConfig(), Options{InputDir: inputDir, OutputDir: outputDir})
	summary, err := controller.Execute(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Failed != 1 || summary.Processed != 0 {
		t.Fatalf("expected one failure: %+v", summary)
	}
	events, err := output.ReadEvents(filepath.Join(outputDir, "raw.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || len(events[0].Errors) == 0 {
		t.Fatalf("the failure should be recorded as an event with errors: %+v", events)
	}
	if got := countLines(t, filepath.Join(outputDir, "occurrence.csv")); got != 1 {
		t.Errorf("a failed specimen must not produce a row, got %d lines", got)
	}
}
