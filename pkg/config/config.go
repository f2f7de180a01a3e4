package config

import (
	"bytes"
	"fmt"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"

	"github.com/devvyn/herbarium-specimen-tools/pkg/api"
)

// Config is the effective pipeline configuration. A user-provided TOML file
// is decoded over the packaged defaults, so any omitted key keeps its
// default.
type Config struct {
	Pipeline   Pipeline   `toml:"pipeline"`
	Preprocess Preprocess `toml:"preprocess"`
	OCR        OCR        `toml:"ocr"`
	GPT        GPT        `toml:"gpt"`
	GPT4o      ModelAlias `toml:"gpt4o"`
	GPT4oMini  ModelAlias `toml:"gpt4omini"`
	Tesseract  Tesseract  `toml:"tesseract"`
	PaddleOCR  PaddleOCR  `toml:"paddleocr"`
	QC         QC         `toml:"qc"`
	DwC        DwC        `toml:"dwc"`
	Processing Processing `toml:"processing"`
	Cache      Cache      `toml:"cache"`
}

type Pipeline struct {
	Steps                  []string `toml:"steps"`
	ImageToDwcInstructions string   `toml:"image_to_dwc_instructions"`
}

type Preprocess struct {
	Pipeline           []string `toml:"pipeline"`
	ContrastFactor     float64  `toml:"contrast_factor"`
	MaxDimPx           int      `toml:"max_dim_px"`
	BinarizeMethod     string   `toml:"binarize_method"`
	AdaptiveWindowSize int      `toml:"adaptive_window_size"`
	AdaptiveK          float64  `toml:"adaptive_k"`
}

type OCR struct {
	EnabledEngines          []string `toml:"enabled_engines"`
	PreferredEngine         string   `toml:"preferred_engine"`
	Langs                   []string `toml:"langs"`
	ConfidenceThreshold     float64  `toml:"confidence_threshold"`
	AllowGPT                bool     `toml:"allow_gpt"`
	AllowTesseractOnDarwin  bool     `toml:"allow_tesseract_on_darwin"`
}

type GPT struct {
	Model             string  `toml:"model"`
	DryRun            bool    `toml:"dry_run"`
	PromptDir         string  `toml:"prompt_dir"`
	FallbackThreshold float64 `toml:"fallback_threshold"`
	Endpoint          string  `toml:"endpoint"`
	APIKeyEnv         string  `toml:"api_key_env"`
}

// ModelAlias configures an engine alias that dispatches to the gpt
// capability with a substituted model.
type ModelAlias struct {
	Model string `toml:"model"`
}

type Tesseract struct {
	OEM        int      `toml:"oem"`
	PSM        int      `toml:"psm"`
	ExtraArgs  []string `toml:"extra_args"`
	ModelPaths []string `toml:"model_paths"`
}

type PaddleOCR struct {
	Lang string `toml:"lang"`
}

type QC struct {
	PhashThreshold    int     `toml:"phash_threshold"`
	LowConfidenceFlag float64 `toml:"low_confidence_flag"`
	TopFifthScanPct   float64 `toml:"top_fifth_scan_pct"`
	CatalogPattern    string  `toml:"catalog_pattern"`
	GBIF              GBIF    `toml:"gbif"`
}

type GBIF struct {
	Enabled                     bool    `toml:"enabled"`
	SpeciesMatchEndpoint        string  `toml:"species_match_endpoint"`
	ReverseGeocodeEndpoint      string  `toml:"reverse_geocode_endpoint"`
	SuggestEndpoint             string  `toml:"suggest_endpoint"`
	OccurrenceSearchEndpoint    string  `toml:"occurrence_search_endpoint"`
	TimeoutSeconds              int     `toml:"timeout"`
	RetryAttempts               int     `toml:"retry_attempts"`
	BackoffFactor               float64 `toml:"backoff_factor"`
	CacheSize                   int     `toml:"cache_size"`
	MinConfidenceScore          float64 `toml:"min_confidence_score"`
	EnableFuzzyMatching         bool    `toml:"enable_fuzzy_matching"`
	EnableOccurrenceValidation  bool    `toml:"enable_occurrence_validation"`
}

type DwC struct {
	SchemaFiles         []string          `toml:"schema_files"`
	Custom              map[string]string `toml:"custom"`
	StrictMinimalFields bool              `toml:"strict_minimal_fields"`
	PreferredEngine     string            `toml:"preferred_engine"`
}

type Processing struct {
	RetryLimit int      `toml:"retry_limit"`
	Extensions []string `toml:"extensions"`
}

type Cache struct {
	Dir          string `toml:"dir"`
	TTLSeconds   int64  `toml:"ttl_seconds"`
	MaxSizeBytes int64  `toml:"max_size_bytes"`
	MaxWorkers   int    `toml:"max_workers"`
}

// Default returns the packaged defaults.
func Default() Config {
	return Config{
		Pipeline: Pipeline{
			Steps: []string{string(api.TaskImageToText), string(api.TaskTextToDwc)},
		},
		Preprocess: Preprocess{
			ContrastFactor:     1.0,
			MaxDimPx:           3000,
			BinarizeMethod:     "otsu",
			AdaptiveWindowSize: 25,
			AdaptiveK:          0.2,
		},
		OCR: OCR{
			EnabledEngines:      []string{"tesseract"},
			Langs:               []string{"eng"},
			ConfidenceThreshold: 0.5,
		},
		GPT: GPT{
			Model:             "gpt-4o",
			FallbackThreshold: 0.5,
			Endpoint:          "https://api.openai.com/v1/chat/completions",
			APIKeyEnv:         "OPENAI_API_KEY",
		},
		GPT4o:     ModelAlias{Model: "gpt-4o"},
		GPT4oMini: ModelAlias{Model: "gpt-4o-mini"},
		Tesseract: Tesseract{
			OEM: 3,
			PSM: 3,
		},
		PaddleOCR: PaddleOCR{Lang: "en"},
		QC: QC{
			PhashThreshold:    2,
			LowConfidenceFlag: 0.5,
			TopFifthScanPct:   20,
			CatalogPattern:    `^Herbarium-\d{5,6}$`,
			GBIF: GBIF{
				SpeciesMatchEndpoint:     "https://api.gbif.org/v1/species/match",
				ReverseGeocodeEndpoint:   "https://api.gbif.org/v1/geocode/reverse",
				SuggestEndpoint:          "https://api.gbif.org/v1/species/suggest",
				OccurrenceSearchEndpoint: "https://api.gbif.org/v1/occurrence/search",
				TimeoutSeconds:           10,
				RetryAttempts:            3,
				BackoffFactor:            1.0,
				CacheSize:                1000,
				MinConfidenceScore:       0.80,
			},
		},
		DwC: DwC{},
		Processing: Processing{
			RetryLimit: 3,
			Extensions: []string{".jpg", ".jpeg", ".png"},
		},
		Cache: Cache{
			TTLSeconds:   7 * 24 * 3600,
			MaxSizeBytes: 10 << 30,
			MaxWorkers:   4,
		},
	}
}

// Load reads a TOML configuration file and deep-merges it over the packaged
// defaults. An empty path returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("could not read config file %s: %w", path, err)
	}
	// decoding into the populated struct overwrites only the keys present
	// in the file, which is exactly deep-merge over defaults
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return cfg, nil
}

var validSteps = map[string]bool{
	string(api.TaskImageToText): true,
	string(api.TaskTextToDwc):   true,
	string(api.TaskImageToDwc):  true,
}

var validPreprocessSteps = map[string]bool{
	"grayscale":          true,
	"deskew":             true,
	"binarize":           true,
	"adaptive_threshold": true,
	"contrast":           true,
	"resize":             true,
}

// Validate checks the semantic constraints the pipeline depends on. Any
// error here is fatal to the run.
func (c *Config) Validate() error {
	if len(c.Pipeline.Steps) == 0 {
		return api.NewConfigError("pipeline.steps must not be empty")
	}
	for _, step := range c.Pipeline.Steps {
		if !validSteps[step] {
			return &api.UnsupportedStepError{Step: step}
		}
		if step == string(api.TaskImageToDwc) && c.Pipeline.ImageToDwcInstructions == "" {
			return api.NewConfigError("pipeline.image_to_dwc_instructions is required for the image_to_dwc step")
		}
	}
	for _, name := range c.Preprocess.Pipeline {
		if !validPreprocessSteps[name] {
			return api.NewConfigError("%s: unknown preprocessing step %q", api.ErrUnknownPreprocessor, name)
		}
	}
	if c.Preprocess.AdaptiveWindowSize < 3 {
		return api.NewConfigError("preprocess.adaptive_window_size must be at least 3")
	}
	if _, err := regexp.Compile(c.QC.CatalogPattern); err != nil {
		return api.NewConfigError("qc.catalog_pattern is not a valid regular expression: %v", err)
	}
	if c.Processing.RetryLimit < 0 {
		return api.NewConfigError("processing.retry_limit must not be negative")
	}
	return nil
}

// Snapshot serializes the effective config for the run row and manifest.
func (c *Config) Snapshot() (string, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return "", fmt.Errorf("could not snapshot config: %w", err)
	}
	return buf.String(), nil
}
