package model

import "time"

// MarkingScheme holds the marks applied to a correct, incorrect and unanswered response.
type MarkingScheme struct {
	Correct    float64 `json:"correct"`
	Incorrect  float64 `json:"incorrect"`
	Unanswered float64 `json:"unanswered"`
}

// DefaultMarkingScheme applies to questions that are not bound to a section.
var DefaultMarkingScheme = MarkingScheme{Correct: 1, Incorrect: 0, Unanswered: 0}

// Paper is a structured timed exam composed of ordered sections.
type Paper struct {
	ID              int64      `json:"id"`
	Title           string     `json:"title"`
	TestType        string     `json:"testType"`
	DurationMinutes int        `json:"durationMinutes"`
	EndsAt          *time.Time `json:"endsAt,omitempty"`
}

// Section is a scored subset of a paper.
type Section struct {
	ID              int64         `json:"id"`
	PaperID         int64         `json:"paperId"`
	Title           string        `json:"title"`
	DisplayOrder    int           `json:"displayOrder"`
	Scheme          MarkingScheme `json:"scheme"`
	DurationMinutes *int          `json:"durationMinutes,omitempty"`
}

// PaperQuestion binds a question to a section and position within a paper.
type PaperQuestion struct {
	PaperID    int64 `json:"paperId"`
	SectionID  int64 `json:"sectionId"`
	QuestionID int64 `json:"questionId"`
	Position   int   `json:"position"`
}
