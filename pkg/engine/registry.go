package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/devvyn/herbarium-specimen-tools/pkg/api"
)

// Options carries engine-specific knobs across the dispatch boundary. Tasks
// read only the keys they understand.
type Options struct {
	// Langs are the OCR language codes, e.g. ["eng", "fra"].
	Langs []string
	// Fields restricts text_to_dwc extraction to a term subset when set.
	Fields []string
	// Model overrides the engine's configured model.
	Model string
	// DryRun makes remote engines return canned output without any network
	// call.
	DryRun bool
	// PromptDir points at prompt templates for LLM engines.
	PromptDir string
	// Instructions is the user-supplied prompt for image_to_dwc.
	Instructions string
}

// TextResult is the output of an image_to_text capability.
type TextResult struct {
	Text          string
	Confidences   []float64
	Engine        string
	EngineVersion string
}

// MeanConfidence averages the per-token confidences, or 0 when there are
// none.
func (r TextResult) MeanConfidence() float64 {
	if len(r.Confidences) == 0 {
		return 0
	}
	var sum float64
	for _, c := range r.Confidences {
		sum += c
	}
	return sum / float64(len(r.Confidences))
}

// DwcResult is the output of a text_to_dwc or image_to_dwc capability.
// IdentificationHistory, when present, is popped out of the record by the
// orchestrator and written to its own output.
type DwcResult struct {
	Fields                map[string]string
	Confidence            map[string]float64
	IdentificationHistory []map[string]string
}

// ImageToText turns an image on disk into text with per-token confidences.
type ImageToText interface {
	Run(ctx context.Context, imagePath string, opts Options) (TextResult, error)
}

// ImageToTextFunc adapts a function to the ImageToText interface.
type ImageToTextFunc func(ctx context.Context, imagePath string, opts Options) (TextResult, error)

func (f ImageToTextFunc) Run(ctx context.Context, imagePath string, opts Options) (TextResult, error) {
	return f(ctx, imagePath, opts)
}

// TextToDwc turns OCR text into a raw DwC field map.
type TextToDwc interface {
	Run(ctx context.Context, text string, opts Options) (DwcResult, error)
}

// ImageToDwc extracts DwC fields directly from an image.
type ImageToDwc interface {
	Run(ctx context.Context, imagePath string, opts Options) (DwcResult, error)
}

// ImageToDwcFunc adapts a function to the ImageToDwc interface.
type ImageToDwcFunc func(ctx context.Context, imagePath string, opts Options) (DwcResult, error)

func (f ImageToDwcFunc) Run(ctx context.Context, imagePath string, opts Options) (DwcResult, error) {
	return f(ctx, imagePath, opts)
}

// Registry maps (task, engine name) to capability and engine name to
// fallback policy. Writes happen at startup; reads are hot.
type Registry struct {
	lock        sync.RWMutex
	imageToText map[string]ImageToText
	textToDwc   map[string]TextToDwc
	imageToDwc  map[string]ImageToDwc
	fallbacks   map[string]Policy
	versions    map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		imageToText: map[string]ImageToText{},
		textToDwc:   map[string]TextToDwc{},
		imageToDwc:  map[string]ImageToDwc{},
		fallbacks:   map[string]Policy{},
		versions:    map[string]string{},
	}
}

// RegisterImageToText registers a capability. Registration is idempotent;
// the last write wins.
func (r *Registry) RegisterImageToText(name string, capability ImageToText) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.imageToText[name] = capability
}

// RegisterTextToDwc registers a capability. Last write wins.
func (r *Registry) RegisterTextToDwc(name string, capability TextToDwc) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.textToDwc[name] = capability
}

// RegisterImageToDwc registers a capability. Last write wins.
func (r *Registry) RegisterImageToDwc(name string, capability ImageToDwc) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.imageToDwc[name] = capability
}

// RegisterVersion records the version string reported for an engine.
func (r *Registry) RegisterVersion(name, version string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.versions[name] = version
}

// Version returns the recorded version for an engine, if any.
func (r *Registry) Version(name string) string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.versions[name]
}

// RegisterFallback attaches a fallback policy to an engine.
func (r *Registry) RegisterFallback(engine string, policy Policy) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.fallbacks[engine] = policy
}

// Fallback returns the policy registered for an engine, if any.
func (r *Registry) Fallback(engine string) (Policy, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	policy, ok := r.fallbacks[engine]
	return policy, ok
}

// Available returns the sorted engine names registered for a task.
func (r *Registry) Available(task api.Task) []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	var names []string
	switch task {
	case api.TaskImageToText:
		for name := range r.imageToText {
			names = append(names, name)
		}
	case api.TaskTextToDwc:
		for name := range r.textToDwc {
			names = append(names, name)
		}
	case api.TaskImageToDwc:
		for name := range r.imageToDwc {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Has reports whether an engine (or an alias resolving to one) is
// registered for a task. Unknown tasks report an UNKNOWN_TASK error.
func (r *Registry) Has(task api.Task, engineName string) (bool, error) {
	name, _ := r.resolveAlias(engineName, Options{})
	r.lock.RLock()
	defer r.lock.RUnlock()
	switch task {
	case api.TaskImageToText:
		_, ok := r.imageToText[name]
		return ok, nil
	case api.TaskTextToDwc:
		_, ok := r.textToDwc[name]
		return ok, nil
	case api.TaskImageToDwc:
		_, ok := r.imageToDwc[name]
		return ok, nil
	}
	return false, api.NewEngineError(api.ErrUnknownTask, "no such task: %s", task)
}

// DispatchImageToText looks up and runs an OCR engine. The configured name
// may be an alias; resolveAlias decides what actually runs, but the result
// always reports the configured name.
func (r *Registry) DispatchImageToText(ctx context.Context, engineName, imagePath string, opts Options) (TextResult, error) {
	dispatchName, opts := r.resolveAlias(engineName, opts)
	r.lock.RLock()
	capability, ok := r.imageToText[dispatchName]
	r.lock.RUnlock()
	if !ok {
		return TextResult{}, api.NewEngineError(api.ErrUnknownEngine, "no engine %q registered for %s", engineName, api.TaskImageToText)
	}
	result, err := capability.Run(ctx, imagePath, opts)
	if err != nil {
		return TextResult{}, err
	}
	result.Engine = engineName
	if result.EngineVersion == "" {
		result.EngineVersion = r.Version(dispatchName)
	}
	return result, nil
}

// DispatchTextToDwc looks up and runs a text extraction engine.
func (r *Registry) DispatchTextToDwc(ctx context.Context, engineName, text string, opts Options) (DwcResult, error) {
	dispatchName, opts := r.resolveAlias(engineName, opts)
	r.lock.RLock()
	capability, ok := r.textToDwc[dispatchName]
	r.lock.RUnlock()
	if !ok {
		return DwcResult{}, api.NewEngineError(api.ErrUnknownEngine, "no engine %q registered for %s", engineName, api.TaskTextToDwc)
	}
	return capability.Run(ctx, text, opts)
}

// DispatchImageToDwc looks up and runs a direct image extraction engine.
func (r *Registry) DispatchImageToDwc(ctx context.Context, engineName, imagePath string, opts Options) (DwcResult, error) {
	dispatchName, opts := r.resolveAlias(engineName, opts)
	r.lock.RLock()
	capability, ok := r.imageToDwc[dispatchName]
	r.lock.RUnlock()
	if !ok {
		return DwcResult{}, api.NewEngineError(api.ErrUnknownEngine, "no engine %q registered for %s", engineName, api.TaskImageToDwc)
	}
	return capability.Run(ctx, imagePath, opts)
}

// aliasModels maps alias engine names to the model substituted when the
// alias dispatches to the gpt capability. Populated from config by
// RegisterBuiltins; the configured names stay on events and candidates.
var defaultAliasModels = map[string]string{
	"gpt4o":     "gpt-4o",
	"gpt4omini": "gpt-4o-mini",
}

func (r *Registry) resolveAlias(engineName string, opts Options) (string, Options) {
	if model, ok := defaultAliasModels[engineName]; ok {
		if opts.Model == "" {
			opts.Model = model
		}
		return "gpt", opts
	}
	return engineName, opts
}
