package engine

import (
	"context"
)

// FakeImageToText is a deterministic in-memory OCR engine used by tests and
// dry runs.
type FakeImageToText struct {
	Texts map[string]TextResult
	Err   error
	// Invocations counts Run calls, which lets tests assert that the OCR
	// cache actually bypassed the engine.
	Invocations int
}

func (f *FakeImageToText) Run(_ context.Context, imagePath string, _ Options) (TextResult, error) {
	f.Invocations++
	if f.Err != nil {
		return TextResult{}, f.Err
	}
	if result, ok := f.Texts[imagePath]; ok {
		return result, nil
	}
	return TextResult{Text: "HERBARIUM SPECIMEN", Confidences: []float64{0.9, 0.9}}, nil
}

// FakeTextToDwc returns canned fields regardless of input.
type FakeTextToDwc struct {
	Result      DwcResult
	Err         error
	Invocations int
}

func (f *FakeTextToDwc) Run(_ context.Context, _ string, _ Options) (DwcResult, error) {
	f.Invocations++
	if f.Err != nil {
		return DwcResult{}, f.Err
	}
	if f.Result.Fields != nil {
		return f.Result, nil
	}
	return DwcResult{
		Fields:     map[string]string{"scientificName": "Carex praticola", "catalogNumber": "Herbarium-012345"},
		Confidence: map[string]float64{"scientificName": 0.95, "catalogNumber": 0.99},
	}, nil
}

// FakeImageToDwc returns canned fields regardless of input.
type FakeImageToDwc struct {
	Result      DwcResult
	Err         error
	Invocations int
}

func (f *FakeImageToDwc) Run(_ context.Context, _ string, _ Options) (DwcResult, error) {
	f.Invocations++
	if f.Err != nil {
		return DwcResult{}, f.Err
	}
	if f.Result.Fields != nil {
		return f.Result, nil
	}
	return DwcResult{
		Fields:     map[string]string{"scientificName": "Carex praticola"},
		Confidence: map[string]float64{"scientificName": 0.9},
	}, nil
}
