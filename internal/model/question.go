package model

// OptionSnapshot is one answer option as it looked when the attempt started.
type OptionSnapshot struct {
	ID        int64 `json:"id"`
	IsCorrect bool  `json:"isCorrect"`
}

// QuestionSnapshot freezes a question's section binding and option correctness
// for a single attempt, so later question bank edits never regrade history.
type QuestionSnapshot struct {
	QuestionID int64            `json:"questionId"`
	SectionID  *int64           `json:"sectionId,omitempty"`
	Position   int              `json:"position"`
	Options    []OptionSnapshot `json:"options"`
}

// HasOption reports whether optionID belongs to the question.
func (q QuestionSnapshot) HasOption(optionID int64) bool {
	for _, o := range q.Options {
		if o.ID == optionID {
			return true
		}
	}
	return false
}
