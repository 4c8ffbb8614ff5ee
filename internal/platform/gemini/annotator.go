package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"github.com/phrazzld/scry-batch/internal/batch"
	"github.com/phrazzld/scry-batch/internal/config"
	"google.golang.org/genai"
)

// ImageSource loads the bytes of an image by object key.
type ImageSource interface {
	FetchImage(ctx context.Context, key string) (data []byte, mimeType string, err error)
}

// contentGenerator is the part of the genai client the Annotator calls.
// *genai.Models satisfies it.
type contentGenerator interface {
	GenerateContent(
		ctx context.Context,
		model string,
		contents []*genai.Content,
		config *genai.GenerateContentConfig,
	) (*genai.GenerateContentResponse, error)
}

// Annotator implements batch.ItemProcessor on top of the Gemini API.
type Annotator struct {
	logger         *slog.Logger
	images         ImageSource
	generator      contentGenerator
	promptTemplate *template.Template
	model          string
	requestTimeout time.Duration
}

var _ batch.ItemProcessor = (*Annotator)(nil)

// NewAnnotator validates cfg, creates the Gemini client and loads the prompt
// template.
func NewAnnotator(
	ctx context.Context,
	cfg config.LLMConfig,
	images ImageSource,
	logger *slog.Logger,
) (*Annotator, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Gemini client: %v", ErrInvalidConfig, err)
	}

	return newAnnotator(cfg, client.Models, images, logger)
}

func newAnnotator(
	cfg config.LLMConfig,
	generator contentGenerator,
	images ImageSource,
	logger *slog.Logger,
) (*Annotator, error) {
	if images == nil {
		return nil, fmt.Errorf("%w: image source cannot be nil", ErrInvalidConfig)
	}
	if logger == nil {
		logger = slog.Default()
	}

	tmpl, err := loadPromptTemplate(cfg.PromptTemplatePath)
	if err != nil {
		return nil, err
	}

	return &Annotator{
		logger:         logger.With("component", "gemini_annotator"),
		images:         images,
		generator:      generator,
		promptTemplate: tmpl,
		model:          cfg.ModelName,
		requestTimeout: cfg.RequestTimeout,
	}, nil
}

func validateConfig(cfg config.LLMConfig) error {
	if cfg.GeminiAPIKey == "" {
		return fmt.Errorf("%w: gemini API key cannot be empty", ErrInvalidConfig)
	}
	if cfg.ModelName == "" {
		return fmt.Errorf("%w: model name cannot be empty", ErrInvalidConfig)
	}
	if cfg.RequestTimeout <= 0 {
		return fmt.Errorf("%w: request timeout must be positive", ErrInvalidConfig)
	}
	return nil
}

// Process annotates the image stored under itemID.
func (a *Annotator) Process(ctx context.Context, itemID string) (batch.Result, error) {
	if itemID == "" {
		return batch.Result{}, ErrEmptyItemID
	}

	if a.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.requestTimeout)
		defer cancel()
	}

	data, mimeType, err := a.images.FetchImage(ctx, itemID)
	if err != nil {
		return batch.Result{}, fmt.Errorf("failed to load image %s: %w", itemID, err)
	}

	prompt, err := renderPrompt(a.promptTemplate, itemID)
	if err != nil {
		return batch.Result{}, err
	}

	contents := []*genai.Content{{
		Role: "user",
		Parts: []*genai.Part{
			{Text: prompt},
			{InlineData: &genai.Blob{MIMEType: mimeType, Data: data}},
		},
	}}

	start := time.Now()
	resp, err := a.generator.GenerateContent(ctx, a.model, contents, nil)
	if err != nil {
		a.logger.DebugContext(ctx, "gemini request failed",
			"item_id", itemID,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err)
		return batch.Result{}, fmt.Errorf("gemini request failed: %w", err)
	}

	text, err := responseText(resp)
	if err != nil {
		return batch.Result{}, err
	}

	a.logger.DebugContext(ctx, "image annotated",
		"item_id", itemID,
		"image_bytes", len(data),
		"duration_ms", time.Since(start).Milliseconds())

	return batch.Result{ItemID: itemID, Output: text}, nil
}

// responseText concatenates the text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		if resp != nil && resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return "", fmt.Errorf("%w: prompt blocked (%s)", ErrContentBlocked, resp.PromptFeedback.BlockReason)
		}
		return "", fmt.Errorf("%w: no candidates", ErrEmptyResponse)
	}

	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return "", ErrContentBlocked
	}
	if candidate.Content == nil {
		return "", fmt.Errorf("%w: candidate has no content", ErrEmptyResponse)
	}

	var sb strings.Builder
	for _, part := range candidate.Content.Parts {
		if part != nil {
			sb.WriteString(part.Text)
		}
	}

	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", errors.Join(ErrEmptyResponse, fmt.Errorf("finish reason %q", candidate.FinishReason))
	}
	return text, nil
}
