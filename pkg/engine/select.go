package engine

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/devvyn/herbarium-specimen-tools/pkg/api"
)

// Gates restrict which engines may be selected for a step, independent of
// what is registered.
type Gates struct {
	// AllowGPT permits paid engines (gpt and its aliases).
	AllowGPT bool
	// AllowTesseractOnDarwin permits tesseract on macOS, where the platform
	// OCR is normally preferred.
	AllowTesseractOnDarwin bool
	// GOOS overrides the detected platform in tests.
	GOOS string
}

func (g Gates) goos() string {
	if g.GOOS != "" {
		return g.GOOS
	}
	return runtime.GOOS
}

// permits applies the platform and paid-engine gates to a single name.
func (g Gates) permits(name string) bool {
	if name == "tesseract" && g.goos() == "darwin" && !g.AllowTesseractOnDarwin {
		return false
	}
	if isPaid(name) && !g.AllowGPT {
		return false
	}
	return true
}

func isPaid(name string) bool {
	return name == "gpt" || strings.HasPrefix(name, "gpt4")
}

// Select picks the engine for a step: the preferred engine when configured,
// registered and gate-passing, otherwise the first available engine that
// passes the gates. Failing the gate falls through to the next candidate.
func (r *Registry) Select(task api.Task, preferred string, enabled []string, gates Gates) (string, error) {
	available := r.Available(task)
	registered := func(name string) bool {
		ok, err := r.Has(task, name)
		return err == nil && ok
	}
	candidates := enabled
	if len(candidates) == 0 {
		candidates = available
	}
	if preferred != "" {
		if registered(preferred) && gates.permits(preferred) {
			return preferred, nil
		}
		logrus.WithFields(logrus.Fields{
			"engine": preferred,
			"task":   string(task),
		}).Debug("Preferred engine unavailable or gated, falling through.")
	}
	for _, name := range candidates {
		if registered(name) && gates.permits(name) {
			return name, nil
		}
	}
	return "", api.NewEngineError(api.ErrUnknownEngine, "no usable engine for %s (available: %s)", task, strings.Join(available, ", "))
}
