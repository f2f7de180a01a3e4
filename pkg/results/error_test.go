package results

import (
	"errors"
	"fmt"
	"testing"

	"github.com/devvyn/herbarium-specimen-tools/pkg/api"
)

func TestError(t *testing.T) {
	base := errors.New("failure")
	if actual, expected := FullReason(base), "unknown"; actual != expected {
		t.Errorf("got incorrect reason for base error; expected %s, got %v", expected, actual)
	}
	initial := ForReason("ocr").WithError(base).Errorf("couldn't do it")
	if actual, expected := FullReason(initial), "ocr"; actual != expected {
		t.Errorf("got incorrect reason for initial error; expected %s, got %v", expected, actual)
	}
	second := ForReason("dwc_extraction").WithError(initial).Errorf("couldn't do it")
	if actual, expected := FullReason(second), "dwc_extraction:ocr"; actual != expected {
		t.Errorf("got incorrect reason for second error; expected %s, got %v", expected, actual)
	}
	third := ForReason("outputs").WithError(second).Errorf("couldn't do it")
	if actual, expected := FullReason(third), "outputs:dwc_extraction:ocr"; actual != expected {
		t.Errorf("got incorrect reason for third error; expected %s, got %v", expected, actual)
	}

	simple := ForReason("simple").ForError(base)
	if actual, expected := FullReason(simple), "simple"; actual != expected {
		t.Errorf("got incorrect reason for simple error; expected %s, got %v", expected, actual)
	}

	none := ForReason("fake").ForError(nil)
	if none != nil {
		t.Errorf("expected a wrapped nil error to be nil, got %v", none)
	}

	alsoNone := DefaultReason(nil)
	if alsoNone != nil {
		t.Errorf("expected a wrapped nil error to be nil, got %v", alsoNone)
	}
	withDefault := DefaultReason(base)
	if actual, expected := FullReason(withDefault), "unknown"; actual != expected {
		t.Errorf("got incorrect reason for defaulted error; expected %s, got %v", expected, actual)
	}
	unchanged := DefaultReason(initial)
	if actual, expected := FullReason(unchanged), "ocr"; actual != expected {
		t.Errorf("got incorrect reason for unchanged error; expected %s, got %v", expected, actual)
	}
}

func TestClassify(t *testing.T) {
	testCases := []struct {
		name      string
		err       error
		code      string
		retryable bool
	}{{
		name:      "engine error keeps its code",
		err:       api.NewEngineError(api.ErrOCRError, "boom"),
		code:      "OCR_ERROR",
		retryable: true,
	}, {
		name:      "wrapped engine error keeps its code",
		err:       fmt.Errorf("step failed: %w", api.NewEngineError(api.ErrAPIError, "rate limited")),
		code:      "API_ERROR",
		retryable: true,
	}, {
		name:      "config error is not retryable",
		err:       api.NewConfigError("image_to_dwc_instructions is required"),
		code:      "config",
		retryable: false,
	}, {
		name:      "unsupported step is not retryable",
		err:       &api.UnsupportedStepError{Step: "image_to_audio"},
		code:      "config",
		retryable: false,
	}, {
		name:      "anything else is unknown and retryable",
		err:       errors.New("disk on fire"),
		code:      "UNKNOWN",
		retryable: true,
	}}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			classification := Classify(testCase.err)
			if classification.Code != testCase.code {
				t.Errorf("expected code %s, got %s", testCase.code, classification.Code)
			}
			if classification.Retryable != testCase.retryable {
				t.Errorf("expected retryable=%t, got %t", testCase.retryable, classification.Retryable)
			}
		})
	}
}
