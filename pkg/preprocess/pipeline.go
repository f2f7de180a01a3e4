// Package preprocess implements the deterministic image transform pipeline
// that runs ahead of OCR. Steps are pure functions over grayscale buffers;
// the pipeline decodes once, applies the configured steps in order and
// writes the result to a temp file owned by the caller.
package preprocess

import (
	"fmt"
	"image"
	"image/png"
	"os"

	// register decoders for the supported input formats
	_ "image/jpeg"
	_ "image/png"

	"github.com/sirupsen/logrus"

	"github.com/devvyn/herbarium-specimen-tools/pkg/api"
)

// Params carries the per-step tuning knobs.
type Params struct {
	ContrastFactor     float64
	MaxDimPx           int
	BinarizeMethod     string
	AdaptiveWindowSize int
	AdaptiveK          float64
}

// DefaultParams mirror the packaged configuration defaults.
func DefaultParams() Params {
	return Params{
		ContrastFactor:     1.0,
		MaxDimPx:           3000,
		BinarizeMethod:     "otsu",
		AdaptiveWindowSize: 25,
		AdaptiveK:          0.2,
	}
}

type step func(*image.Gray, Params) *image.Gray

var steps = map[string]step{
	"grayscale":          stepGrayscale,
	"deskew":             stepDeskew,
	"binarize":           stepBinarize,
	"adaptive_threshold": stepAdaptiveThreshold,
	"contrast":           stepContrast,
	"resize":             stepResize,
}

// Pipeline is a named, ordered list of preprocessing steps.
type Pipeline struct {
	names  []string
	params Params
}

// New validates the step names and returns a runnable pipeline. An unknown
// name fails with UNKNOWN_PREPROCESSOR.
func New(names []string, params Params) (*Pipeline, error) {
	for _, name := range names {
		if _, ok := steps[name]; !ok {
			return nil, api.NewEngineError(api.ErrUnknownPreprocessor, "unknown preprocessing step %q", name)
		}
	}
	return &Pipeline{names: names, params: params}, nil
}

// Names returns the configured step order.
func (p *Pipeline) Names() []string {
	return append([]string(nil), p.names...)
}

// Empty reports whether the pipeline has no steps.
func (p *Pipeline) Empty() bool {
	return len(p.names) == 0
}

// ParamsMap serializes the effective parameters for provenance fragments
// and extraction dedup keys.
func (p *Pipeline) ParamsMap() map[string]string {
	return map[string]string{
		"pipeline":             fmt.Sprintf("%v", p.names),
		"contrast_factor":      fmt.Sprintf("%g", p.params.ContrastFactor),
		"max_dim_px":           fmt.Sprintf("%d", p.params.MaxDimPx),
		"binarize_method":      p.params.BinarizeMethod,
		"adaptive_window_size": fmt.Sprintf("%d", p.params.AdaptiveWindowSize),
		"adaptive_k":           fmt.Sprintf("%g", p.params.AdaptiveK),
	}
}

// Run applies the pipeline to the image at inPath. With no steps configured
// the input path is returned untouched. Otherwise the output is written to
// a temp file whose path is returned; the caller owns deletion.
func (p *Pipeline) Run(inPath string) (string, error) {
	if p.Empty() {
		return inPath, nil
	}
	f, err := os.Open(inPath)
	if err != nil {
		return "", fmt.Errorf("could not open image %s: %w", inPath, err)
	}
	decoded, format, err := image.Decode(f)
	f.Close()
	if err != nil {
		return "", fmt.Errorf("could not decode image %s: %w", inPath, err)
	}
	logrus.WithFields(logrus.Fields{"image": inPath, "format": format, "steps": p.names}).Debug("Preprocessing image.")

	gray := toGray(decoded)
	for _, name := range p.names {
		gray = steps[name](gray, p.params)
	}

	out, err := os.CreateTemp("", "preprocessed-*.png")
	if err != nil {
		return "", fmt.Errorf("could not create temp file: %w", err)
	}
	if err := png.Encode(out, gray); err != nil {
		out.Close()
		os.Remove(out.Name())
		return "", fmt.Errorf("could not encode preprocessed image: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return "", fmt.Errorf("could not finish writing %s: %w", out.Name(), err)
	}
	return out.Name(), nil
}
