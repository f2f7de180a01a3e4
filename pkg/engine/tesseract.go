package engine

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/devvyn/herbarium-specimen-tools/pkg/api"
)

const tesseractTimeout = 30 * time.Second

var languageCode = regexp.MustCompile(`^[a-z]{3}(_[a-z]+)?$`)

// tesseractEngine shells out to the tesseract binary and parses its TSV
// output for per-token confidences.
type tesseractEngine struct {
	binary     string
	oem        int
	psm        int
	extraArgs  []string
	modelPaths []string
}

// NewTesseract returns an image_to_text capability backed by the tesseract
// binary, or false when the binary is not on PATH (in which case nothing
// registers and the engine is simply absent from Available).
func NewTesseract(oem, psm int, extraArgs, modelPaths []string) (ImageToText, string, bool) {
	binary, err := exec.LookPath("tesseract")
	if err != nil {
		logrus.Debug("tesseract binary not found, engine not registered")
		return nil, "", false
	}
	version := tesseractVersion(binary)
	return &tesseractEngine{
		binary:     binary,
		oem:        oem,
		psm:        psm,
		extraArgs:  extraArgs,
		modelPaths: modelPaths,
	}, version, true
}

func tesseractVersion(binary string) string {
	out, err := exec.Command(binary, "--version").Output()
	if err != nil {
		return ""
	}
	line := strings.SplitN(string(out), "\n", 2)[0]
	return strings.TrimSpace(strings.TrimPrefix(line, "tesseract"))
}

func (t *tesseractEngine) Run(ctx context.Context, imagePath string, opts Options) (TextResult, error) {
	langs := opts.Langs
	if len(langs) == 0 {
		langs = []string{"eng"}
	}
	for _, lang := range langs {
		if !languageCode.MatchString(lang) {
			return TextResult{}, api.NewEngineError(api.ErrInvalidLanguage, "invalid language code %q", lang)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, tesseractTimeout)
	defer cancel()

	args := []string{imagePath, "stdout",
		"-l", strings.Join(langs, "+"),
		"--oem", strconv.Itoa(t.oem),
		"--psm", strconv.Itoa(t.psm),
	}
	for _, path := range t.modelPaths {
		args = append(args, "--tessdata-dir", path)
	}
	args = append(args, t.extraArgs...)
	args = append(args, "tsv")

	cmd := exec.CommandContext(ctx, t.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return TextResult{}, api.NewEngineError(api.ErrOCRError, "tesseract failed over %s: %v: %s", imagePath, err, strings.TrimSpace(stderr.String()))
	}
	text, confidences, err := parseTesseractTSV(stdout.String())
	if err != nil {
		return TextResult{}, api.NewEngineError(api.ErrParseError, "could not parse tesseract output: %v", err)
	}
	return TextResult{Text: text, Confidences: confidences}, nil
}

// parseTesseractTSV extracts word-level text and confidences from tesseract
// TSV output. Rows with conf=-1 are structural (page/block/line) and carry
// no token.
func parseTesseractTSV(raw string) (string, []float64, error) {
	lines := strings.Split(strings.TrimRight(raw, "\n"), "\n")
	if len(lines) < 1 {
		return "", nil, fmt.Errorf("empty TSV output")
	}
	header := strings.Split(lines[0], "\t")
	confIdx, textIdx := -1, -1
	for i, column := range header {
		switch column {
		case "conf":
			confIdx = i
		case "text":
			textIdx = i
		}
	}
	if confIdx < 0 || textIdx < 0 {
		return "", nil, fmt.Errorf("TSV header missing conf/text columns: %q", lines[0])
	}
	var words []string
	var confidences []float64
	for _, line := range lines[1:] {
		columns := strings.Split(line, "\t")
		if len(columns) <= confIdx || len(columns) <= textIdx {
			continue
		}
		conf, err := strconv.ParseFloat(columns[confIdx], 64)
		if err != nil || conf < 0 {
			continue
		}
		word := strings.TrimSpace(columns[textIdx])
		if word == "" {
			continue
		}
		words = append(words, word)
		// tesseract reports 0-100
		confidences = append(confidences, conf/100)
	}
	return strings.Join(words, " "), confidences, nil
}
