package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/devvyn/herbarium-specimen-tools/pkg/config"
	"github.com/devvyn/herbarium-specimen-tools/pkg/dwc"
	"github.com/devvyn/herbarium-specimen-tools/pkg/engine"
	"github.com/devvyn/herbarium-specimen-tools/pkg/gbif"
	"github.com/devvyn/herbarium-specimen-tools/pkg/imagesource"
	"github.com/devvyn/herbarium-specimen-tools/pkg/index"
	"github.com/devvyn/herbarium-specimen-tools/pkg/ocrcache"
	"github.com/devvyn/herbarium-specimen-tools/pkg/pipeline"
	"github.com/devvyn/herbarium-specimen-tools/pkg/preprocess"
	"github.com/devvyn/herbarium-specimen-tools/pkg/run"
	"github.com/devvyn/herbarium-specimen-tools/pkg/schema"
)

var defaultSchemaURLs = map[string]string{
	"dwc_simple": "https://rs.tdwg.org/dwc/xsd/tdwg_dwc_simple.xsd",
	"abcd_206":   "https://abcd.tdwg.org/xml/ABCD_2.06.xsd",
}

func bindOptions() *options {
	opt := &options{}
	flag.StringVar(&opt.configPath, "config", "", "Path to the TOML configuration; omitted means packaged defaults.")
	flag.StringVar(&opt.inputDir, "input", "", "Directory of specimen images to process.")
	flag.StringVar(&opt.outputDir, "output", "", "Directory for run artifacts.")
	flag.StringVar(&opt.indexPath, "index", "", "Path to the specimen index database, defaults to <output>/index.db.")
	flag.StringVar(&opt.ocrCachePath, "ocr-cache", "", "Path to the OCR cache database, defaults to <output>/ocr_cache.db.")
	flag.StringVar(&opt.schemaDir, "schema-dir", "", "Directory for cached term schemas; empty disables schema-aware validation.")
	flag.BoolVar(&opt.resume, "resume", false, "Skip specimens already done and append to existing outputs.")
	flag.IntVar(&opt.maxWorkers, "max-workers", 4, "Concurrent specimen workers.")
	flag.BoolVar(&opt.bundle, "bundle", false, "Build the DwC-A zip after the run.")
	flag.StringVar(&opt.bundleVersion, "bundle-version", "1.0.0", "Archive version, MAJOR.MINOR.PATCH.")
	flag.BoolVar(&opt.richBundle, "rich-bundle", false, "Use the timestamped archive naming scheme.")
	flag.StringVar(&opt.operator, "operator", "", "Operator name recorded on the run.")
	flag.StringVar(&opt.logLevel, "log-level", "info", "Logging level.")
	flag.StringVar(&opt.imageBaseDir, "image-base-dir", "", "Local directory of content-addressed images to fetch from.")
	flag.StringVar(&opt.imageBaseURL, "image-base-url", "", "HTTP endpoint serving content-addressed images.")
	flag.StringVar(&opt.s3Bucket, "image-s3-bucket", "", "S3 bucket of content-addressed images.")
	flag.StringVar(&opt.s3Region, "image-s3-region", "", "Region of the image S3 bucket.")
	flag.StringVar(&opt.s3Prefix, "image-s3-prefix", "", "Key prefix inside the image S3 bucket.")
	flag.StringVar(&opt.warmupList, "warmup-list", "", "File of image sha256 digests (one per line) to prefetch before the run.")
	return opt
}

type options struct {
	configPath    string
	inputDir      string
	outputDir     string
	indexPath     string
	ocrCachePath  string
	schemaDir     string
	resume        bool
	maxWorkers    int
	bundle        bool
	bundleVersion string
	richBundle    bool
	operator      string
	logLevel      string
	imageBaseDir  string
	imageBaseURL  string
	s3Bucket      string
	s3Region      string
	s3Prefix      string
	warmupList    string

	cfg      config.Config
	services pipeline.Services
	images   *imagesource.CachedSource
}

func (o *options) Validate() error {
	if o.inputDir == "" {
		return fmt.Errorf("an input directory must be provided with `--input`")
	}
	if o.outputDir == "" {
		return fmt.Errorf("an output directory must be provided with `--output`")
	}
	level, err := logrus.ParseLevel(o.logLevel)
	if err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	logrus.SetLevel(level)
	return nil
}

func (o *options) Complete() error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	o.cfg = cfg

	if err := os.MkdirAll(o.outputDir, 0o755); err != nil {
		return fmt.Errorf("could not create output directory %s: %w", o.outputDir, err)
	}
	if o.indexPath == "" {
		o.indexPath = filepath.Join(o.outputDir, "index.db")
	}
	if o.ocrCachePath == "" {
		o.ocrCachePath = filepath.Join(o.outputDir, "ocr_cache.db")
	}

	idx, err := index.Open(o.indexPath, cfg.QC.CatalogPattern)
	if err != nil {
		return err
	}
	store, err := ocrcache.Open(o.ocrCachePath)
	if err != nil {
		return err
	}

	registry := engine.NewRegistry()
	engine.RegisterBuiltins(registry, cfg)

	preprocessor, err := preprocess.New(cfg.Preprocess.Pipeline, preprocess.Params{
		ContrastFactor:     cfg.Preprocess.ContrastFactor,
		MaxDimPx:           cfg.Preprocess.MaxDimPx,
		BinarizeMethod:     cfg.Preprocess.BinarizeMethod,
		AdaptiveWindowSize: cfg.Preprocess.AdaptiveWindowSize,
		AdaptiveK:          cfg.Preprocess.AdaptiveK,
	})
	if err != nil {
		return err
	}

	o.services = pipeline.Services{
		Registry:     registry,
		Index:        idx,
		OCRCache:     store,
		Mapper:       dwc.NewMapper(cfg.DwC.Custom),
		Preprocessor: preprocessor,
	}

	if cfg.QC.GBIF.Enabled {
		client, err := gbif.NewClient(cfg.QC.GBIF)
		if err != nil {
			return err
		}
		o.services.GBIF = client
	}

	schemas, err := o.loadSchemas()
	if err != nil {
		return err
	}
	o.services.Schemas = schemas

	return o.completeImageSource(idx)
}

// completeImageSource wires the remote image sources behind the JIT cache
// when any source flag is set.
func (o *options) completeImageSource(registry imagesource.LocationRegistry) error {
	var sources []imagesource.Source
	if o.imageBaseDir != "" {
		sources = append(sources, imagesource.NewLocal(o.imageBaseDir))
	}
	if o.imageBaseURL != "" {
		sources = append(sources, imagesource.NewHTTP(o.imageBaseURL))
	}
	if o.s3Bucket != "" {
		s3, err := imagesource.NewS3(context.Background(), o.s3Bucket, o.s3Region, o.s3Prefix)
		if err != nil {
			return err
		}
		sources = append(sources, s3)
	}
	if len(sources) == 0 {
		return nil
	}

	cacheDir := o.cfg.Cache.Dir
	if cacheDir == "" {
		cacheDir = filepath.Join(o.outputDir, "image_cache")
	}
	cache, err := imagesource.NewJITCache(afero.NewOsFs(), cacheDir, time.Duration(o.cfg.Cache.TTLSeconds)*time.Second, o.cfg.Cache.MaxSizeBytes)
	if err != nil {
		return err
	}
	o.images = imagesource.NewCachedSource(imagesource.NewMulti(sources...), cache, registry, true)
	return nil
}

// loadSchemas refreshes the cached term schemas and folds them into the
// validator's view. Without a schema directory the validator only checks
// the minimal fields.
func (o *options) loadSchemas() (*dwc.SchemaInfo, error) {
	if o.schemaDir == "" {
		return &dwc.SchemaInfo{}, nil
	}
	manager, err := schema.NewManager(afero.NewOsFs(), o.schemaDir, defaultSchemaURLs)
	if err != nil {
		return nil, err
	}
	if manager.Stale() {
		if err := manager.Refresh(false); err != nil {
			// stale terms still beat none; validation degrades gracefully
			logrus.WithError(err).Warn("Could not refresh term schemas, continuing with the cached set.")
		}
	}
	known := map[string]bool{}
	for _, name := range manager.Available() {
		terms, err := manager.Terms(name)
		if err != nil {
			continue
		}
		for _, term := range terms {
			known[term] = true
		}
	}
	return &dwc.SchemaInfo{KnownTerms: known}, nil
}

func (o *options) Run() error {
	defer o.services.Index.Close()
	defer o.services.OCRCache.Close()

	if o.warmupList != "" {
		if err := o.warmup(context.Background()); err != nil {
			logrus.WithError(err).Warn("Image cache warmup finished with failures.")
		}
	}

	controller := run.NewController(o.services, o.cfg, run.Options{
		InputDir:      o.inputDir,
		OutputDir:     o.outputDir,
		Resume:        o.resume,
		MaxWorkers:    o.maxWorkers,
		Bundle:        o.bundle,
		BundleVersion: o.bundleVersion,
		RichBundle:    o.richBundle,
		Operator:      o.operator,
	})
	summary, err := controller.Execute(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("Run %s: %d processed, %d skipped, %d failed, %d cache hits\n",
		summary.RunID, summary.Processed, summary.Skipped, summary.Failed, summary.CacheHits)
	return nil
}

// warmup prefetches the listed images so processing never waits on the
// network.
func (o *options) warmup(ctx context.Context) error {
	if o.images == nil {
		return fmt.Errorf("--warmup-list requires an image source flag")
	}
	raw, err := os.ReadFile(o.warmupList)
	if err != nil {
		return fmt.Errorf("could not read warmup list %s: %w", o.warmupList, err)
	}
	var shas []string
	for _, line := range strings.Split(string(raw), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			shas = append(shas, line)
		}
	}
	err = o.images.Warmup(ctx, shas, o.cfg.Cache.MaxWorkers)
	stats := o.images.Stats()
	logrus.WithFields(logrus.Fields{
		"hits":       stats.Hits,
		"rehydrated": stats.Rehydrated,
		"downloads":  stats.Downloads,
	}).Info("Image cache warmup complete.")
	return err
}

func main() {
	opt := bindOptions()
	flag.Parse()

	if err := opt.Validate(); err != nil {
		logrus.Fatalf("Invalid options: %v", err)
	}

	if err := opt.Complete(); err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}

	if err := opt.Run(); err != nil {
		logrus.Fatalf("Failed: %v", err)
	}
}
