package model

import (
	"time"

	"github.com/google/uuid"
)

// Attempt is the persisted record of one user's timed session.
type Attempt struct {
	ID                   uuid.UUID     `json:"id"`
	UserID               uuid.UUID     `json:"userId"`
	PaperID              *int64        `json:"paperId,omitempty"`
	TestType             string        `json:"testType"`
	Status               SessionStatus `json:"status"`
	DurationMinutes      int           `json:"durationMinutes"`
	StartedAt            time.Time     `json:"startedAt"`
	EndsAt               time.Time     `json:"endsAt"`
	PaperEndsAt          *time.Time    `json:"paperEndsAt,omitempty"`
	SubmittedAt          *time.Time    `json:"submittedAt,omitempty"`
	CurrentQuestionIndex int           `json:"currentQuestionIndex"`
	LastEventSequence    int64         `json:"lastEventSequence"`
	Score                float64       `json:"score"`
	CorrectCount         int           `json:"correctCount"`
	WrongCount           int           `json:"wrongCount"`
	UnansweredCount      int           `json:"unansweredCount"`
	TotalQuestions       int           `json:"totalQuestions"`
	TotalTimeSeconds     int           `json:"totalTimeSeconds"`
}

// Deadline is the earlier of the attempt and paper deadlines.
func (a Attempt) Deadline() time.Time {
	if a.PaperEndsAt != nil && a.PaperEndsAt.Before(a.EndsAt) {
		return *a.PaperEndsAt
	}
	return a.EndsAt
}

// Accuracy is the share of correct answers as a whole percentage.
func (a Attempt) Accuracy() int {
	if a.TotalQuestions == 0 {
		return 0
	}
	return int(float64(a.CorrectCount)/float64(a.TotalQuestions)*100 + 0.5)
}

// XPEarned is the experience handed to the rewards sink for this attempt.
func (a Attempt) XPEarned() int {
	return a.Accuracy()*2 + a.CorrectCount*10
}

// Response is the graded (or pending) answer for one (attempt, question) pair.
type Response struct {
	AttemptID        uuid.UUID `json:"attemptId"`
	QuestionID       int64     `json:"questionId"`
	SectionID        *int64    `json:"sectionId,omitempty"`
	SelectedOptionID *int64    `json:"selectedOptionId"`
	IsCorrect        *bool     `json:"isCorrect"`
	MarksAwarded     float64   `json:"marksAwarded"`
	TimeSpentSeconds int       `json:"timeSpentSeconds"`
	Flagged          bool      `json:"flagged"`
	AnsweredAt       time.Time `json:"answeredAt"`
}

// Answered reports whether the response selects an option.
func (r Response) Answered() bool {
	return r.SelectedOptionID != nil
}

// AttemptSection summarises one section of a graded attempt.
type AttemptSection struct {
	AttemptID        uuid.UUID `json:"attemptId"`
	SectionID        int64     `json:"sectionId"`
	Score            float64   `json:"score"`
	TimeSpentSeconds int       `json:"timeSpentSeconds"`
}

// Finalization is everything written by the grading transaction.
type Finalization struct {
	Attempt    Attempt
	Responses  []Response
	Sections   []AttemptSection
	Completion Completion
}

// Completion is the outbox record handed to the rewards sink.
type Completion struct {
	ID             int64         `json:"id"`
	AttemptID      uuid.UUID     `json:"attemptId"`
	UserID         uuid.UUID     `json:"userId"`
	PaperID        *int64        `json:"paperId,omitempty"`
	TestType       string        `json:"testType"`
	Status         SessionStatus `json:"status"`
	Score          float64       `json:"score"`
	TotalQuestions int           `json:"totalQuestions"`
	CorrectAnswers int           `json:"correctAnswers"`
	Accuracy       int           `json:"accuracy"`
	XPEarned       int           `json:"xpEarned"`
	CompletedAt    time.Time     `json:"completedAt"`
}

// NewCompletion builds the rewards notification for a finalized attempt.
func NewCompletion(a Attempt) Completion {
	completedAt := time.Time{}
	if a.SubmittedAt != nil {
		completedAt = *a.SubmittedAt
	}
	return Completion{
		AttemptID:      a.ID,
		UserID:         a.UserID,
		PaperID:        a.PaperID,
		TestType:       a.TestType,
		Status:         a.Status,
		Score:          a.Score,
		TotalQuestions: a.TotalQuestions,
		CorrectAnswers: a.CorrectCount,
		Accuracy:       a.Accuracy(),
		XPEarned:       a.XPEarned(),
		CompletedAt:    completedAt,
	}
}

// PurgeStats reports what a retention purge removed.
type PurgeStats struct {
	Attempts  int   `json:"attempts"`
	Events    int64 `json:"events"`
	Responses int64 `json:"responses"`
}
