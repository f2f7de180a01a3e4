package preprocess

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/devvyn/herbarium-specimen-tools/pkg/api"
)

func writeTestImage(t *testing.T, img image.Image) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create test image: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("failed to encode test image: %v", err)
	}
	return path
}

// gradient builds a simple left-dark right-light test card.
func gradient(width, height int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8(x * 255 / width)})
		}
	}
	return img
}

func TestNewRejectsUnknownStep(t *testing.T) {
	_, err := New([]string{"grayscale", "sharpen"}, DefaultParams())
	engineErr, ok := api.AsEngineError(err)
	if !ok {
		t.Fatalf("expected an engine error, got %v", err)
	}
	if engineErr.Code != api.ErrUnknownPreprocessor {
		t.Errorf("expected UNKNOWN_PREPROCESSOR, got %s", engineErr.Code)
	}
}

func TestEmptyPipelineReturnsInputPath(t *testing.T) {
	pipeline, err := New(nil, DefaultParams())
	if err != nil {
		t.Fatalf("failed to build pipeline: %v", err)
	}
	out, err := pipeline.Run("/tmp/does-not-even-need-to-exist.jpg")
	if err != nil {
		t.Fatalf("empty pipeline failed: %v", err)
	}
	if out != "/tmp/does-not-even-need-to-exist.jpg" {
		t.Errorf("expected input path back, got %s", out)
	}
}

func TestRunWritesTempOutput(t *testing.T) {
	path := writeTestImage(t, gradient(64, 48))
	pipeline, err := New([]string{"grayscale", "contrast", "binarize"}, DefaultParams())
	if err != nil {
		t.Fatalf("failed to build pipeline: %v", err)
	}
	out, err := pipeline.Run(path)
	if err != nil {
		t.Fatalf("pipeline failed: %v", err)
	}
	defer os.Remove(out)
	if out == path {
		t.Fatal("expected a distinct output path")
	}
	f, err := os.Open(out)
	if err != nil {
		t.Fatalf("could not open output: %v", err)
	}
	defer f.Close()
	decoded, err := png.Decode(f)
	if err != nil {
		t.Fatalf("output is not a valid png: %v", err)
	}
	gray := toGray(decoded)
	for y := 0; y < gray.Bounds().Dy(); y++ {
		for x := 0; x < gray.Bounds().Dx(); x++ {
			if v := gray.GrayAt(x, y).Y; v != 0 && v != 255 {
				t.Fatalf("binarized output contains non-binary value %d at (%d,%d)", v, x, y)
			}
		}
	}
}

func TestOtsuSeparatesBimodalImage(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 10, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			if x < 5 {
				img.SetGray(x, y, color.Gray{Y: 40})
			} else {
				img.SetGray(x, y, color.Gray{Y: 220})
			}
		}
	}
	out := otsu(img)
	if v := out.GrayAt(0, 0).Y; v != 0 {
		t.Errorf("dark side should threshold to 0, got %d", v)
	}
	if v := out.GrayAt(9, 9).Y; v != 255 {
		t.Errorf("light side should threshold to 255, got %d", v)
	}
}

func TestSauvolaKeepsTextOnUnevenBackground(t *testing.T) {
	// dark text stroke on a background whose brightness drifts, which
	// defeats a global threshold
	img := image.NewGray(image.Rect(0, 0, 60, 30))
	for y := 0; y < 30; y++ {
		for x := 0; x < 60; x++ {
			background := uint8(120 + x*2)
			img.SetGray(x, y, color.Gray{Y: background})
		}
	}
	for x := 5; x < 55; x++ {
		img.SetGray(x, 15, color.Gray{Y: 10})
	}
	out := stepAdaptiveThreshold(img, Params{AdaptiveWindowSize: 15, AdaptiveK: 0.2})
	for x := 10; x < 50; x += 10 {
		if v := out.GrayAt(x, 15).Y; v != 0 {
			t.Errorf("text pixel at x=%d should be black, got %d", x, v)
		}
		if v := out.GrayAt(x, 5).Y; v != 255 {
			t.Errorf("background pixel at x=%d should be white, got %d", x, v)
		}
	}
}

func TestResizeScalesLongestSide(t *testing.T) {
	img := gradient(200, 100)
	out := stepResize(img, Params{MaxDimPx: 50})
	if got := out.Bounds().Dx(); got != 50 {
		t.Errorf("expected width 50, got %d", got)
	}
	if got := out.Bounds().Dy(); got != 25 {
		t.Errorf("expected height 25, got %d", got)
	}
}

func TestContrastExpandsRange(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 2, 1))
	img.SetGray(0, 0, color.Gray{Y: 100})
	img.SetGray(1, 0, color.Gray{Y: 156})
	out := stepContrast(img, Params{ContrastFactor: 2})
	if v := out.GrayAt(0, 0).Y; v != 72 {
		t.Errorf("expected 72, got %d", v)
	}
	if v := out.GrayAt(1, 0).Y; v != 184 {
		t.Errorf("expected 184, got %d", v)
	}
}

func TestSkewAngleDetectsRotatedLine(t *testing.T) {
	// a line of dark pixels at roughly 10 degrees
	img := image.NewGray(image.Rect(0, 0, 100, 100))
	for y := 0; y < 100; y++ {
		for x := 0; x < 100; x++ {
			img.SetGray(x, y, color.Gray{Y: 255})
		}
	}
	for x := 10; x < 90; x++ {
		y := 50 + int(float64(x-50)*0.176) // tan(10°) ≈ 0.176
		img.SetGray(x, y, color.Gray{Y: 0})
	}
	angle := skewAngle(img)
	if angle < 8 || angle > 12 {
		t.Errorf("expected roughly 10 degrees of skew, got %f", angle)
	}
}

func TestRotateExpandsCanvasAndFillsWhite(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 100, 20))
	for y := 0; y < 20; y++ {
		for x := 0; x < 100; x++ {
			img.SetGray(x, y, color.Gray{Y: 0})
		}
	}
	out := rotate(img, 45)
	if out.Bounds().Dx() <= 100 || out.Bounds().Dy() <= 20 {
		t.Errorf("expected expanded canvas, got %v", out.Bounds())
	}
	if v := out.GrayAt(0, 0).Y; v != 255 {
		t.Errorf("expected white fill in the corner, got %d", v)
	}
}
