package generation

import (
	"context"

	"github.com/google/uuid"
)

// ChapterRequest describes one chapter draft to generate.
type ChapterRequest struct {
	// NovelID identifies the novel the chapter belongs to.
	NovelID uuid.UUID

	// ChapterNumber is the 1-based position of the chapter.
	ChapterNumber int

	// Synopsis is the story outline driving the draft.
	Synopsis string

	// PreviousSummary recaps the chapters written so far, empty for the
	// first chapter.
	PreviousSummary string

	// Style is an optional prose style instruction.
	Style string
}

// ChapterDraft is a generated chapter plus the running summary that seeds
// the next chapter's request.
type ChapterDraft struct {
	ChapterNumber int    `json:"chapter_number"`
	Title         string `json:"title"`
	Content       string `json:"content"`
	Summary       string `json:"summary"`
}

// Generator defines the interface for drafting novel content. It serves
// as the boundary between the task engine and external AI/LLM services.
type Generator interface {
	// GenerateChapter drafts one chapter from the request. Implementations
	// return wrapped package errors (ErrTransientFailure, ErrContentBlocked,
	// ErrInvalidResponse) so callers can classify retryability.
	GenerateChapter(ctx context.Context, req ChapterRequest) (*ChapterDraft, error)
}
