package engine

import (
	"github.com/sirupsen/logrus"

	"github.com/devvyn/herbarium-specimen-tools/pkg/config"
)

// RegisterBuiltins wires the built-in engines into a registry. Engines whose
// native dependency is missing register nothing and are simply absent from
// Available. Third-party engines use the same mechanism: a package-provided
// Register(reg *Registry) called from main.
func RegisterBuiltins(reg *Registry, cfg config.Config) {
	if tesseract, version, ok := NewTesseract(cfg.Tesseract.OEM, cfg.Tesseract.PSM, cfg.Tesseract.ExtraArgs, cfg.Tesseract.ModelPaths); ok {
		reg.RegisterImageToText("tesseract", tesseract)
		if version != "" {
			reg.RegisterVersion("tesseract", version)
		}
	}

	gpt := NewGPT(cfg.GPT.Endpoint, cfg.GPT.APIKeyEnv, cfg.GPT.Model, cfg.GPT.PromptDir)
	reg.RegisterTextToDwc("gpt", gpt)
	reg.RegisterImageToDwc("gpt", ImageToDwcFunc(gpt.RunImage))
	reg.RegisterImageToText("gpt", ImageToTextFunc(gpt.RunOCR))

	if cfg.GPT.FallbackThreshold > 0 {
		for _, name := range cfg.OCR.EnabledEngines {
			if name == "gpt" {
				continue
			}
			reg.RegisterFallback(name, ConfidencePolicy(cfg.GPT.FallbackThreshold, "gpt"))
		}
	}

	logrus.WithFields(logrus.Fields{
		"image_to_text": reg.Available("image_to_text"),
		"text_to_dwc":   reg.Available("text_to_dwc"),
		"image_to_dwc":  reg.Available("image_to_dwc"),
	}).Debug("Registered built-in engines.")
}
