package engine

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/devvyn/herbarium-specimen-tools/pkg/api"
)

func TestAvailableSortsNames(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterImageToText("tesseract", &FakeImageToText{})
	reg.RegisterImageToText("apple_vision", &FakeImageToText{})
	reg.RegisterImageToText("gpt", &FakeImageToText{})

	expected := []string{"apple_vision", "gpt", "tesseract"}
	if diff := cmp.Diff(expected, reg.Available(api.TaskImageToText)); diff != "" {
		t.Errorf("unexpected available engines: %s", diff)
	}
	if names := reg.Available(api.TaskTextToDwc); len(names) != 0 {
		t.Errorf("expected no text_to_dwc engines, got %v", names)
	}
}

func TestRegisterLastWriteWins(t *testing.T) {
	reg := NewRegistry()
	first := &FakeImageToText{Texts: map[string]TextResult{"a.jpg": {Text: "first"}}}
	second := &FakeImageToText{Texts: map[string]TextResult{"a.jpg": {Text: "second"}}}
	reg.RegisterImageToText("fake", first)
	reg.RegisterImageToText("fake", second)

	result, err := reg.DispatchImageToText(context.Background(), "fake", "a.jpg", Options{})
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if result.Text != "second" {
		t.Errorf("expected the re-registered engine to win, got %q", result.Text)
	}
}

func TestDispatchUnknownEngine(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.DispatchImageToText(context.Background(), "nope", "a.jpg", Options{})
	engineErr, ok := api.AsEngineError(err)
	if !ok {
		t.Fatalf("expected an engine error, got %v", err)
	}
	if engineErr.Code != api.ErrUnknownEngine {
		t.Errorf("expected UNKNOWN_ENGINE, got %s", engineErr.Code)
	}
}

func TestHasUnknownTask(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Has(api.Task("image_to_audio"), "fake")
	engineErr, ok := api.AsEngineError(err)
	if !ok {
		t.Fatalf("expected an engine error, got %v", err)
	}
	if engineErr.Code != api.ErrUnknownTask {
		t.Errorf("expected UNKNOWN_TASK, got %s", engineErr.Code)
	}
}

func TestDispatchReportsConfiguredAliasName(t *testing.T) {
	reg := NewRegistry()
	var sawModel string
	reg.RegisterImageToText("gpt", ImageToTextFunc(func(_ context.Context, _ string, opts Options) (TextResult, error) {
		sawModel = opts.Model
		return TextResult{Text: "ok", Confidences: []float64{1}}, nil
	}))

	result, err := reg.DispatchImageToText(context.Background(), "gpt4omini", "a.jpg", Options{})
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if result.Engine != "gpt4omini" {
		t.Errorf("expected the configured alias on the result, got %q", result.Engine)
	}
	if sawModel != "gpt-4o-mini" {
		t.Errorf("expected the substituted model at dispatch, got %q", sawModel)
	}
}

func TestMeanConfidence(t *testing.T) {
	testCases := []struct {
		name        string
		confidences []float64
		expected    float64
	}{{
		name:     "empty is zero",
		expected: 0,
	}, {
		name:        "mean of values",
		confidences: []float64{0.1, 0.2, 0.3},
		expected:    0.2,
	}}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			result := TextResult{Confidences: testCase.confidences}
			if mean := result.MeanConfidence(); mean < testCase.expected-1e-9 || mean > testCase.expected+1e-9 {
				t.Errorf("expected mean %f, got %f", testCase.expected, mean)
			}
		})
	}
}
