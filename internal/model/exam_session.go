package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a live session and its persisted attempt.
type SessionStatus string

const (
	SessionStatusInProgress    SessionStatus = "in_progress"
	SessionStatusCompleted     SessionStatus = "completed"
	SessionStatusExpired       SessionStatus = "expired"
	SessionStatusAutoSubmitted SessionStatus = "auto_submitted"
)

// Terminal reports whether no further transition is allowed out of s.
func (s SessionStatus) Terminal() bool {
	return s != SessionStatusInProgress
}

// Answer is the last value a participant recorded for one question.
type Answer struct {
	QuestionID       int64     `json:"questionId"`
	OptionID         *int64    `json:"answer"`
	TimeSpentSeconds int       `json:"timeSpent"`
	Flagged          bool      `json:"flagged"`
	AnsweredAt       time.Time `json:"answeredAt"`
	Sequence         int64     `json:"sequence"`
}

// SessionSnapshot is a point-in-time copy of a live session.
// Callers own the copy; mutating it never affects the registry.
type SessionSnapshot struct {
	ID                   uuid.UUID        `json:"sessionId"`
	OwnerID              uuid.UUID        `json:"userId"`
	TestType             string           `json:"testType"`
	PaperID              *int64           `json:"paperId,omitempty"`
	QuestionIDs          []int64          `json:"questionsList"`
	CurrentQuestionIndex int              `json:"currentQuestionIndex"`
	Status               SessionStatus    `json:"status"`
	DurationMinutes      int              `json:"durationMinutes"`
	StartedAt            time.Time        `json:"startedAt"`
	EndsAt               time.Time        `json:"endsAt"`
	Answers              map[int64]Answer `json:"answers"`
	Participants         []uuid.UUID      `json:"participants"`
	LastEventSequence    int64            `json:"lastEventSequence"`
}

// CurrentQuestionID returns the question at the session's current index.
func (s SessionSnapshot) CurrentQuestionID() int64 {
	if s.CurrentQuestionIndex < 0 || s.CurrentQuestionIndex >= len(s.QuestionIDs) {
		return 0
	}
	return s.QuestionIDs[s.CurrentQuestionIndex]
}

// HasParticipant reports whether userID is connected to the session.
func (s SessionSnapshot) HasParticipant(userID uuid.UUID) bool {
	for _, p := range s.Participants {
		if p == userID {
			return true
		}
	}
	return false
}
