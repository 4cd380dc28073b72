package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// novelOutlineParams is the parameter payload for an outline fan-out.
type novelOutlineParams struct {
	NovelID      uuid.UUID `json:"novel_id"`
	Synopsis     string    `json:"synopsis"`
	ChapterCount int       `json:"chapter_count"`
	Style        string    `json:"style,omitempty"`
}

// novelOutlineResult records the fan-out performed by the parent. The
// parent's terminal status is decided later by child fan-in, not by this
// payload.
type novelOutlineResult struct {
	SubmittedChapters int         `json:"submitted_chapters"`
	ChapterTaskIDs    []uuid.UUID `json:"chapter_task_ids"`
}

// NovelOutlineExecutable fans a novel outline out into one independent
// chapter_generation child per chapter. The outline task completes its own
// handler quickly; its terminal status is aggregated from its children.
type NovelOutlineExecutable struct {
	logger *slog.Logger
}

// NewNovelOutlineExecutable creates the executable.
func NewNovelOutlineExecutable(logger *slog.Logger) (*NovelOutlineExecutable, error) {
	if logger == nil {
		return nil, ErrNilLogger
	}
	return &NovelOutlineExecutable{
		logger: logger.With("task_type", TaskTypeNovelOutline),
	}, nil
}

// TaskType returns the routing identifier.
func (e *NovelOutlineExecutable) TaskType() string {
	return TaskTypeNovelOutline
}

// IsCancellable reports that the fan-out can stop between submissions.
func (e *NovelOutlineExecutable) IsCancellable() bool {
	return true
}

// Cancel flips the cooperative flag on the running context.
func (e *NovelOutlineExecutable) Cancel(ctx context.Context, ec *ExecContext) error {
	ec.requestCancel()
	return nil
}

// EstimatedExecutionSeconds covers only the fan-out itself, not the
// children.
func (e *NovelOutlineExecutable) EstimatedExecutionSeconds(ec *ExecContext) int {
	return 5
}

// Execute submits one chapter child per outline chapter. Each child is an
// independent single-chapter draft (TotalChapters equals its own number),
// so the children run in parallel rather than chaining.
func (e *NovelOutlineExecutable) Execute(ctx context.Context, ec *ExecContext) (json.RawMessage, error) {
	var params novelOutlineParams
	if err := json.Unmarshal(ec.Parameters(), &params); err != nil {
		return nil, NewValidationError(fmt.Errorf("malformed outline parameters: %w", err))
	}
	if params.ChapterCount < 1 {
		return nil, NewValidationError(fmt.Errorf("chapter count must be positive, got %d", params.ChapterCount))
	}
	if params.Synopsis == "" {
		return nil, NewValidationError(fmt.Errorf("synopsis cannot be empty"))
	}

	logger := e.logger.With("task_id", ec.TaskID(), "chapter_count", params.ChapterCount)
	logger.Info("fanning out chapter tasks")

	childIDs := make([]uuid.UUID, 0, params.ChapterCount)
	for chapter := 1; chapter <= params.ChapterCount; chapter++ {
		if ec.CancelRequested() {
			// Already-submitted children keep running; the parent resolves
			// through fan-in over whatever was submitted.
			return nil, ErrCancelled
		}

		childParams, err := json.Marshal(chapterGenerationParams{
			NovelID:       params.NovelID,
			ChapterNumber: chapter,
			TotalChapters: chapter,
			Synopsis:      params.Synopsis,
			Style:         params.Style,
		})
		if err != nil {
			return nil, NewPermanentError(fmt.Errorf("failed to marshal chapter %d parameters: %w", chapter, err))
		}

		childID, err := ec.SubmitSubTask(ctx, TaskTypeChapterGeneration, childParams)
		if err != nil {
			logger.Error("failed to submit chapter task",
				"error", err,
				"chapter", chapter)
			return nil, NewTransientError(fmt.Errorf("failed to submit chapter %d: %w", chapter, err))
		}
		childIDs = append(childIDs, childID)
	}

	payload, err := json.Marshal(novelOutlineResult{
		SubmittedChapters: len(childIDs),
		ChapterTaskIDs:    childIDs,
	})
	if err != nil {
		return nil, NewPermanentError(fmt.Errorf("failed to marshal outline result: %w", err))
	}

	logger.Info("fan-out complete", "submitted", len(childIDs))
	return payload, nil
}

var _ Executable = (*NovelOutlineExecutable)(nil)
