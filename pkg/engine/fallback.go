package engine

import (
	"context"

	"github.com/sirupsen/logrus"
)

// FallbackInput is everything a policy may consider. Policies are pure over
// their inputs: no hidden state beyond the registry, and never a recursive
// dispatch into the policy's own engine.
type FallbackInput struct {
	ImagePath   string
	Text        string
	Confidences []float64
	// Engine is the name whose output is being judged.
	Engine string
}

// Policy decides whether an OCR result stands or another engine should be
// consulted. The returned result names the engine that produced it.
type Policy func(ctx context.Context, registry *Registry, input FallbackInput) (TextResult, error)

// ConfidencePolicy promotes to another engine when the mean per-token
// confidence falls below threshold. Below-threshold results are re-run on
// promoteTo; everything else passes through unchanged.
func ConfidencePolicy(threshold float64, promoteTo string) Policy {
	return func(ctx context.Context, registry *Registry, input FallbackInput) (TextResult, error) {
		passthrough := TextResult{
			Text:        input.Text,
			Confidences: input.Confidences,
			Engine:      input.Engine,
		}
		if promoteTo == input.Engine {
			// a policy must not recurse into its own engine
			return passthrough, nil
		}
		mean := passthrough.MeanConfidence()
		if mean >= threshold {
			return passthrough, nil
		}
		logrus.WithFields(logrus.Fields{
			"engine":    input.Engine,
			"mean":      mean,
			"threshold": threshold,
			"promote":   promoteTo,
		}).Debug("OCR confidence below threshold, promoting to fallback engine")
		promoted, err := registry.DispatchImageToText(ctx, promoteTo, input.ImagePath, Options{})
		if err != nil {
			// the original result is still usable; fallback failure is not
			// a step failure
			logrus.WithError(err).WithField("engine", promoteTo).Warn("Fallback engine failed, keeping original OCR result.")
			return passthrough, nil
		}
		return promoted, nil
	}
}
