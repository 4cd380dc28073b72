package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/inkloom/inkloom-api/internal/generation"
)

// Task type constants.
const (
	// TaskTypeChapterGeneration drafts a single novel chapter and, for
	// multi-chapter runs, tail-dispatches the next chapter as a subtask.
	TaskTypeChapterGeneration = "chapter_generation"

	// TaskTypeNovelOutline fans out one chapter_generation child per
	// chapter of a novel outline.
	TaskTypeNovelOutline = "novel_outline"

	// TaskTypeEcho returns its parameters unchanged. Used for pipeline
	// diagnostics and tests.
	TaskTypeEcho = "echo"
)

// Common errors.
var (
	ErrNilGenerator = errors.New("generator cannot be nil")
	ErrNilLogger    = errors.New("logger cannot be nil")
)

// chapterGenerationParams is the parameter payload for a chapter task.
// When TotalChapters is greater than ChapterNumber the task submits the
// next chapter as a single subtask on completion, forming a sequential
// chain that advances without blocking recursion.
type chapterGenerationParams struct {
	NovelID         uuid.UUID `json:"novel_id"`
	ChapterNumber   int       `json:"chapter_number"`
	TotalChapters   int       `json:"total_chapters"`
	Synopsis        string    `json:"synopsis"`
	PreviousSummary string    `json:"previous_summary,omitempty"`
	Style           string    `json:"style,omitempty"`
}

// chapterGenerationProgress is the progress payload reported while a
// chapter is drafted.
type chapterGenerationProgress struct {
	ChapterNumber int    `json:"chapter_number"`
	Stage         string `json:"stage"`
}

// chapterGenerationResult is the success payload.
type chapterGenerationResult struct {
	ChapterNumber int        `json:"chapter_number"`
	Title         string     `json:"title"`
	Content       string     `json:"content"`
	Summary       string     `json:"summary"`
	NextTaskID    *uuid.UUID `json:"next_task_id,omitempty"`
}

// ChapterGenerationExecutable drafts one chapter through the generation
// boundary. It is AI-bound and is expected to be registered behind a
// RateLimitedExecutable.
type ChapterGenerationExecutable struct {
	generator generation.Generator
	logger    *slog.Logger
}

// NewChapterGenerationExecutable creates the executable.
func NewChapterGenerationExecutable(generator generation.Generator, logger *slog.Logger) (*ChapterGenerationExecutable, error) {
	if generator == nil {
		return nil, ErrNilGenerator
	}
	if logger == nil {
		return nil, ErrNilLogger
	}
	return &ChapterGenerationExecutable{
		generator: generator,
		logger:    logger.With("task_type", TaskTypeChapterGeneration),
	}, nil
}

// TaskType returns the routing identifier.
func (e *ChapterGenerationExecutable) TaskType() string {
	return TaskTypeChapterGeneration
}

// IsCancellable reports that chapter generation honors the cooperative
// flag between drafting stages.
func (e *ChapterGenerationExecutable) IsCancellable() bool {
	return true
}

// Cancel flips the cooperative flag on the running context.
func (e *ChapterGenerationExecutable) Cancel(ctx context.Context, ec *ExecContext) error {
	ec.requestCancel()
	return nil
}

// EstimatedExecutionSeconds is a rough per-chapter drafting estimate.
func (e *ChapterGenerationExecutable) EstimatedExecutionSeconds(ec *ExecContext) int {
	return 90
}

// Execute drafts the chapter and, when more chapters remain, submits the
// next one as a subtask before returning. The subtask carries the advanced
// chapter number and the fresh running summary, so the chain replays
// deterministically chapter by chapter.
func (e *ChapterGenerationExecutable) Execute(ctx context.Context, ec *ExecContext) (json.RawMessage, error) {
	var params chapterGenerationParams
	if err := json.Unmarshal(ec.Parameters(), &params); err != nil {
		return nil, NewValidationError(fmt.Errorf("malformed chapter parameters: %w", err))
	}
	if params.Synopsis == "" {
		return nil, NewValidationError(generation.ErrEmptySynopsis)
	}
	if params.ChapterNumber < 1 {
		return nil, NewValidationError(fmt.Errorf("chapter number must be positive, got %d", params.ChapterNumber))
	}

	logger := e.logger.With("task_id", ec.TaskID(), "chapter", params.ChapterNumber)

	if ec.CancelRequested() {
		return nil, ErrCancelled
	}

	e.reportStage(ctx, ec, params.ChapterNumber, "drafting")
	logger.Info("drafting chapter")

	draft, err := e.generator.GenerateChapter(ctx, generation.ChapterRequest{
		NovelID:         params.NovelID,
		ChapterNumber:   params.ChapterNumber,
		Synopsis:        params.Synopsis,
		PreviousSummary: params.PreviousSummary,
		Style:           params.Style,
	})
	if err != nil {
		logger.Error("chapter generation failed", "error", err)
		switch {
		case errors.Is(err, generation.ErrContentBlocked), errors.Is(err, generation.ErrInvalidResponse):
			return nil, NewPermanentError(err)
		case errors.Is(err, generation.ErrTransientFailure):
			return nil, NewTransientError(err)
		default:
			return nil, NewUpstreamError(err)
		}
	}

	if ec.CancelRequested() {
		// The draft is abandoned; a safe point between the AI call and the
		// chain continuation.
		return nil, ErrCancelled
	}

	result := chapterGenerationResult{
		ChapterNumber: draft.ChapterNumber,
		Title:         draft.Title,
		Content:       draft.Content,
		Summary:       draft.Summary,
	}

	if params.ChapterNumber < params.TotalChapters {
		e.reportStage(ctx, ec, params.ChapterNumber, "continuing")
		nextParams := params
		nextParams.ChapterNumber++
		nextParams.PreviousSummary = draft.Summary

		nextPayload, err := json.Marshal(nextParams)
		if err != nil {
			return nil, NewPermanentError(fmt.Errorf("failed to marshal continuation parameters: %w", err))
		}

		nextID, err := ec.SubmitSubTask(ctx, TaskTypeChapterGeneration, nextPayload)
		if err != nil {
			logger.Error("failed to submit continuation chapter", "error", err)
			return nil, NewTransientError(fmt.Errorf("failed to submit chapter %d: %w", nextParams.ChapterNumber, err))
		}
		result.NextTaskID = &nextID
		logger.Info("submitted continuation chapter",
			"next_chapter", nextParams.ChapterNumber,
			"next_task_id", nextID)
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return nil, NewPermanentError(fmt.Errorf("failed to marshal chapter result: %w", err))
	}

	logger.Info("chapter drafted", "title", draft.Title)
	return payload, nil
}

// reportStage publishes a progress update; failures are already logged by
// the context.
func (e *ChapterGenerationExecutable) reportStage(ctx context.Context, ec *ExecContext, chapter int, stage string) {
	progress, err := json.Marshal(chapterGenerationProgress{ChapterNumber: chapter, Stage: stage})
	if err != nil {
		return
	}
	ec.UpdateProgress(ctx, progress)
}

var _ Executable = (*ChapterGenerationExecutable)(nil)
