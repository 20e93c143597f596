package model

import "github.com/google/uuid"

// GradingBatch is the bulk-loaded persisted state needed to grade a set of attempts.
type GradingBatch struct {
	Attempts map[uuid.UUID]Attempt
	// Snapshots holds the frozen questions per attempt, in attempt order.
	Snapshots map[uuid.UUID][]QuestionSnapshot
	// PaperQuestions holds each paper's question bindings, in paper order.
	PaperQuestions map[int64][]PaperQuestion
	Sections       map[int64]Section
	// LiveOptions is the current question bank, used when no snapshot exists.
	LiveOptions map[int64][]OptionSnapshot
	Responses   map[uuid.UUID]map[int64]Response
}

// NewGradingBatch returns an empty batch with all maps allocated.
func NewGradingBatch() *GradingBatch {
	return &GradingBatch{
		Attempts:       make(map[uuid.UUID]Attempt),
		Snapshots:      make(map[uuid.UUID][]QuestionSnapshot),
		PaperQuestions: make(map[int64][]PaperQuestion),
		Sections:       make(map[int64]Section),
		LiveOptions:    make(map[int64][]OptionSnapshot),
		Responses:      make(map[uuid.UUID]map[int64]Response),
	}
}
