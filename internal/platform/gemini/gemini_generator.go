package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"text/template"

	"github.com/inkloom/inkloom-api/internal/config"
	"github.com/inkloom/inkloom-api/internal/generation"
	"google.golang.org/genai"
)

// chapterPromptTemplate instructs the model to draft one chapter and
// return strict JSON matching chapterResponse.
const chapterPromptTemplate = `You are a novelist drafting chapter {{.ChapterNumber}} of a novel.

Synopsis of the novel:
{{.Synopsis}}
{{if .PreviousSummary}}
Summary of the story so far:
{{.PreviousSummary}}
{{end}}{{if .Style}}
Write in the following style: {{.Style}}
{{end}}
Respond with a JSON object containing exactly these fields:
- "title": the chapter title
- "content": the full chapter prose
- "summary": a concise summary of this chapter for continuity

Return only the JSON object.`

// chapterResponse is the JSON shape the model is asked to produce.
type chapterResponse struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	Summary string `json:"summary"`
}

// GeminiGenerator implements the generation.Generator interface using
// Google's Gemini API to draft novel chapters.
//
// It makes a single attempt per call. Retry scheduling belongs to the
// task engine, which already applies backoff from the error kind, so
// retrying here as well would multiply attempts.
type GeminiGenerator struct {
	logger         *slog.Logger
	config         config.LLMConfig
	promptTemplate *template.Template
	client         *genai.Client
	model          string
}

// NewGeminiGenerator creates a new instance of GeminiGenerator with the
// provided dependencies.
func NewGeminiGenerator(ctx context.Context, logger *slog.Logger, cfg config.LLMConfig) (*GeminiGenerator, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("%w: gemini API key cannot be empty", generation.ErrInvalidConfig)
	}
	if cfg.ModelName == "" {
		return nil, fmt.Errorf("%w: model name cannot be empty", generation.ErrInvalidConfig)
	}

	promptTemplate, err := template.New("chapter").Parse(chapterPromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse prompt template: %v",
			generation.ErrInvalidConfig, err)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Gemini client: %v",
			generation.ErrInvalidConfig, err)
	}

	return &GeminiGenerator{
		logger:         logger.With("component", "gemini_generator"),
		config:         cfg,
		promptTemplate: promptTemplate,
		client:         client,
		model:          cfg.ModelName,
	}, nil
}

// GenerateChapter drafts a single chapter for the request.
func (g *GeminiGenerator) GenerateChapter(ctx context.Context, req generation.ChapterRequest) (*generation.ChapterDraft, error) {
	if req.Synopsis == "" {
		return nil, generation.ErrEmptySynopsis
	}
	if req.ChapterNumber < 1 {
		return nil, fmt.Errorf("%w: chapter number must be positive", generation.ErrGenerationFailed)
	}

	prompt, err := g.createPrompt(req)
	if err != nil {
		return nil, err
	}

	g.logger.DebugContext(ctx, "calling Gemini API",
		"model", g.model,
		"chapter", req.ChapterNumber,
		"prompt_length", len(prompt))

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return nil, g.mapAPIError(ctx, err)
	}

	if resp == nil || len(resp.Candidates) == 0 {
		if resp != nil && resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return nil, fmt.Errorf("%w: prompt blocked: %s",
				generation.ErrContentBlocked, resp.PromptFeedback.BlockReason)
		}
		return nil, fmt.Errorf("%w: no content generated", generation.ErrInvalidResponse)
	}

	text := resp.Text()
	if text == "" {
		return nil, fmt.Errorf("%w: empty response text", generation.ErrInvalidResponse)
	}

	var parsed chapterResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &parsed); err != nil {
		return nil, fmt.Errorf("%w: malformed response JSON: %v", generation.ErrInvalidResponse, err)
	}
	if parsed.Content == "" || parsed.Summary == "" {
		return nil, fmt.Errorf("%w: response missing chapter content or summary", generation.ErrInvalidResponse)
	}

	g.logger.InfoContext(ctx, "chapter drafted",
		"chapter", req.ChapterNumber,
		"title", parsed.Title,
		"content_length", len(parsed.Content))

	return &generation.ChapterDraft{
		ChapterNumber: req.ChapterNumber,
		Title:         parsed.Title,
		Content:       parsed.Content,
		Summary:       parsed.Summary,
	}, nil
}

// createPrompt renders the chapter prompt from the template.
func (g *GeminiGenerator) createPrompt(req generation.ChapterRequest) (string, error) {
	var buf bytes.Buffer
	if err := g.promptTemplate.Execute(&buf, req); err != nil {
		return "", fmt.Errorf("%w: failed to execute prompt template: %v",
			generation.ErrGenerationFailed, err)
	}
	return buf.String(), nil
}

// mapAPIError translates Gemini API failures into the generation error
// taxonomy the task engine classifies on.
func (g *GeminiGenerator) mapAPIError(ctx context.Context, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		g.logger.ErrorContext(ctx, "Gemini API error",
			"code", apiErr.Code,
			"status", apiErr.Status)
		switch apiErr.Code {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return fmt.Errorf("%w: %v", generation.ErrTransientFailure, err)
		default:
			return fmt.Errorf("%w: %v", generation.ErrGenerationFailed, err)
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	// Network-level failures without a structured API error.
	g.logger.ErrorContext(ctx, "Gemini call failed", "error", err)
	return fmt.Errorf("%w: %v", generation.ErrTransientFailure, err)
}

var _ generation.Generator = (*GeminiGenerator)(nil)
