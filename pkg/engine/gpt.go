package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/devvyn/herbarium-specimen-tools/pkg/api"
)

// gptEngine talks to an OpenAI-style chat completion endpoint. It serves
// both text_to_dwc and image_to_dwc.
type gptEngine struct {
	endpoint  string
	apiKey    string
	model     string
	promptDir string
	client    *http.Client
}

// NewGPT builds the LLM extraction engine. The API key is read from the
// named environment variable; a missing key only fails at dispatch time so
// dry runs still work offline.
func NewGPT(endpoint, apiKeyEnv, model, promptDir string) *gptEngine {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.Logger = logAdapter{}
	return &gptEngine{
		endpoint:  endpoint,
		apiKey:    os.Getenv(apiKeyEnv),
		model:     model,
		promptDir: promptDir,
		client:    retryClient.StandardClient(),
	}
}

var _ TextToDwc = &gptEngine{}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// extractionPayload is the JSON shape the prompts instruct the model to
// produce.
type extractionPayload struct {
	Fields                map[string]string   `json:"fields"`
	Confidence            map[string]float64  `json:"confidence"`
	IdentificationHistory []map[string]string `json:"identificationHistory,omitempty"`
}

func (g *gptEngine) prompt(name string, opts Options) (string, error) {
	dir := opts.PromptDir
	if dir == "" {
		dir = g.promptDir
	}
	if dir == "" {
		return "", api.NewEngineError(api.ErrMissingPrompt, "no prompt directory configured for %s", name)
	}
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return "", api.NewEngineError(api.ErrMissingPrompt, "could not read prompt %s: %v", name, err)
	}
	return string(data), nil
}

func (g *gptEngine) chooseModel(opts Options) string {
	if opts.Model != "" {
		return opts.Model
	}
	return g.model
}

// Run implements text_to_dwc.
func (g *gptEngine) Run(ctx context.Context, text string, opts Options) (DwcResult, error) {
	if opts.DryRun {
		return dryRunResult(), nil
	}
	prompt, err := g.prompt("text_to_dwc.txt", opts)
	if err != nil {
		return DwcResult{}, err
	}
	if len(opts.Fields) > 0 {
		prompt = fmt.Sprintf("%s\n\nExtract only these terms: %s", prompt, strings.Join(opts.Fields, ", "))
	}
	request := chatRequest{
		Model: g.chooseModel(opts),
		Messages: []chatMessage{
			{Role: "system", Content: prompt},
			{Role: "user", Content: text},
		},
		ResponseFormat: &respFormat{Type: "json_object"},
	}
	payload, err := g.complete(ctx, request)
	if err != nil {
		return DwcResult{}, err
	}
	return DwcResult{Fields: payload.Fields, Confidence: payload.Confidence, IdentificationHistory: payload.IdentificationHistory}, nil
}

// RunImage implements image_to_dwc via an inline base64 image part.
func (g *gptEngine) RunImage(ctx context.Context, imagePath string, opts Options) (DwcResult, error) {
	if opts.DryRun {
		return dryRunResult(), nil
	}
	if opts.Instructions == "" {
		return DwcResult{}, api.NewConfigError("image_to_dwc requires pipeline.image_to_dwc_instructions")
	}
	imageBytes, err := os.ReadFile(imagePath)
	if err != nil {
		return DwcResult{}, api.NewEngineError(api.ErrOCRError, "could not read image %s: %v", imagePath, err)
	}
	encoded := base64.StdEncoding.EncodeToString(imageBytes)
	request := chatRequest{
		Model: g.chooseModel(opts),
		Messages: []chatMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: opts.Instructions},
				{Type: "image_url", ImageURL: &imageURL{URL: "data:image/jpeg;base64," + encoded}},
			},
		}},
		ResponseFormat: &respFormat{Type: "json_object"},
	}
	payload, err := g.complete(ctx, request)
	if err != nil {
		return DwcResult{}, err
	}
	return DwcResult{Fields: payload.Fields, Confidence: payload.Confidence, IdentificationHistory: payload.IdentificationHistory}, nil
}

// ocrPayload is the JSON shape the OCR prompt instructs the model to
// produce.
type ocrPayload struct {
	Text        string    `json:"text"`
	Confidences []float64 `json:"confidences"`
}

// RunOCR implements image_to_text through the vision endpoint. The model is
// asked for a transcription plus per-token confidences.
func (g *gptEngine) RunOCR(ctx context.Context, imagePath string, opts Options) (TextResult, error) {
	if opts.DryRun {
		return TextResult{Text: "HERBARIUM SPECIMEN", Confidences: []float64{1, 1}}, nil
	}
	prompt, err := g.prompt("image_to_text.txt", opts)
	if err != nil {
		return TextResult{}, err
	}
	imageBytes, err := os.ReadFile(imagePath)
	if err != nil {
		return TextResult{}, api.NewEngineError(api.ErrOCRError, "could not read image %s: %v", imagePath, err)
	}
	encoded := base64.StdEncoding.EncodeToString(imageBytes)
	request := chatRequest{
		Model: g.chooseModel(opts),
		Messages: []chatMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: prompt},
				{Type: "image_url", ImageURL: &imageURL{URL: "data:image/jpeg;base64," + encoded}},
			},
		}},
		ResponseFormat: &respFormat{Type: "json_object"},
	}
	raw, err := g.completeRaw(ctx, request)
	if err != nil {
		return TextResult{}, err
	}
	var payload ocrPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return TextResult{}, api.NewEngineError(api.ErrParseError, "model output is not the expected JSON: %v", err)
	}
	return TextResult{Text: payload.Text, Confidences: payload.Confidences}, nil
}

func (g *gptEngine) complete(ctx context.Context, request chatRequest) (*extractionPayload, error) {
	raw, err := g.completeRaw(ctx, request)
	if err != nil {
		return nil, err
	}
	var payload extractionPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, api.NewEngineError(api.ErrParseError, "model output is not the expected JSON: %v", err)
	}
	return &payload, nil
}

func (g *gptEngine) completeRaw(ctx context.Context, request chatRequest) (string, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return "", api.NewEngineError(api.ErrAPIError, "could not marshal chat request: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", api.NewEngineError(api.ErrAPIError, "could not create chat request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return "", api.NewEngineError(api.ErrAPIError, "chat completion request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", api.NewEngineError(api.ErrAPIError, "got unexpected http %d status code from chat endpoint", resp.StatusCode)
	}
	var completion chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return "", api.NewEngineError(api.ErrParseError, "could not decode chat completion: %v", err)
	}
	if len(completion.Choices) == 0 {
		return "", api.NewEngineError(api.ErrParseError, "chat completion returned no choices")
	}
	return completion.Choices[0].Message.Content, nil
}

func dryRunResult() DwcResult {
	return DwcResult{
		Fields:     map[string]string{"basisOfRecord": "PreservedSpecimen"},
		Confidence: map[string]float64{"basisOfRecord": 1.0},
	}
}

// logAdapter bridges retryablehttp's leveled logger onto logrus.
type logAdapter struct{}

func (logAdapter) format(s string, i ...interface{}) string {
	builder := strings.Builder{}
	builder.WriteString(s)
	for _, x := range i {
		builder.WriteString(" ")
		builder.WriteString(fmt.Sprintf("%v", x))
	}
	return builder.String()
}

func (a logAdapter) Error(s string, i ...interface{}) { logrus.Error(a.format(s, i...)) }
func (a logAdapter) Info(s string, i ...interface{})  { logrus.Info(a.format(s, i...)) }
func (a logAdapter) Debug(s string, i ...interface{}) { logrus.Debug(a.format(s, i...)) }
func (a logAdapter) Warn(s string, i ...interface{})  { logrus.Warn(a.format(s, i...)) }

var _ retryablehttp.LeveledLogger = logAdapter{}
