package websocket

import (
	"encoding/json"
	"strconv"
	"time"
)

// MessageType is the `type` tag of the {type, payload} envelope.
type MessageType string

// ─── Client → Server ────────────────────────────────────────────────

const (
	TypeStart     MessageType = "test:start"
	TypeQuestion  MessageType = "test:question"
	TypeAnswer    MessageType = "test:answer"
	TypeComplete  MessageType = "test:complete"
	TypeReconnect MessageType = "session:reconnect"
)

// ─── Server → Client ────────────────────────────────────────────────

const (
	TypeTimer        MessageType = "test:timer"
	TypeState        MessageType = "session:state"
	TypeAchievements MessageType = "achievements:unlocked"
	TypeError        MessageType = "error"
)

// Envelope is one JSON frame.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ClientMessage is the closed set of messages a client may send. Only types
// in this package implement it.
type ClientMessage interface {
	clientMessage()
}

// StartRequest starts a session from a question list or a paper.
type StartRequest struct {
	TestType        string  `json:"testType" binding:"max=64"`
	QuestionsList   []int64 `json:"questionsList" binding:"required_without=PaperID,max=1000,dive,gt=0"`
	DurationMinutes int     `json:"durationMinutes" binding:"gte=0,lte=1440"`
	PaperID         *int64  `json:"paperId" binding:"omitempty,gt=0"`
}

// QuestionRequest navigates to another question.
type QuestionRequest struct {
	SessionID     string `json:"sessionId" binding:"required,uuid"`
	QuestionIndex *int   `json:"questionIndex" binding:"required,gte=0"`
}

// AnswerRequest records an answer. A null answer clears the question.
type AnswerRequest struct {
	SessionID       string      `json:"sessionId" binding:"required,uuid"`
	QuestionID      int64       `json:"questionId" binding:"required,gt=0"`
	Answer          *int64      `json:"answer"`
	TimeSpent       int         `json:"timeSpent" binding:"gte=0"`
	Flagged         bool        `json:"flagged"`
	ClientTimestamp *ClientTime `json:"clientTimestamp"`
}

// CompleteRequest submits a session.
type CompleteRequest struct {
	SessionID string `json:"sessionId" binding:"required,uuid"`
}

// ReconnectRequest rejoins a session.
type ReconnectRequest struct {
	SessionID string `json:"sessionId" binding:"required,uuid"`
}

func (StartRequest) clientMessage()     {}
func (QuestionRequest) clientMessage()  {}
func (AnswerRequest) clientMessage()    {}
func (CompleteRequest) clientMessage()  {}
func (ReconnectRequest) clientMessage() {}

// ClientTime accepts either epoch milliseconds or an RFC 3339 string.
type ClientTime struct {
	time.Time
}

func (c *ClientTime) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if ms, err := strconv.ParseInt(string(b), 10, 64); err == nil {
		c.Time = time.UnixMilli(ms)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return err
	}
	c.Time = t
	return nil
}

// ─── Server payloads ────────────────────────────────────────────────

type StartedPayload struct {
	SessionID       string    `json:"sessionId"`
	TestType        string    `json:"testType"`
	PaperID         *int64    `json:"paperId,omitempty"`
	QuestionsList   []int64   `json:"questionsList"`
	DurationMinutes int       `json:"durationMinutes"`
	StartedAt       time.Time `json:"startedAt"`
	EndsAt          time.Time `json:"endsAt"`
}

type QuestionPayload struct {
	SessionID     string `json:"sessionId"`
	QuestionIndex int    `json:"questionIndex"`
	QuestionID    int64  `json:"questionId"`
	TimeRemaining int    `json:"timeRemaining"`
}

type TimerPayload struct {
	SessionID     string `json:"sessionId"`
	TimeRemaining int    `json:"timeRemaining"`
	ServerTime    int64  `json:"serverTime"`
}

type AnswerAckPayload struct {
	SessionID  string `json:"sessionId"`
	QuestionID int64  `json:"questionId"`
	Saved      bool   `json:"saved"`
	ServerTime int64  `json:"serverTime"`
}

type CompletePayload struct {
	SessionID      string  `json:"sessionId"`
	Status         string  `json:"status"`
	Score          float64 `json:"score"`
	TotalQuestions int     `json:"totalQuestions"`
	CorrectAnswers int     `json:"correctAnswers"`
	Accuracy       int     `json:"accuracy"`
	XPEarned       int     `json:"xpEarned"`
}

type AnswerState struct {
	QuestionID int64  `json:"questionId"`
	Answer     *int64 `json:"answer"`
	TimeSpent  int    `json:"timeSpent"`
	Flagged    bool   `json:"flagged"`
}

type StatePayload struct {
	SessionID            string        `json:"sessionId"`
	TestType             string        `json:"testType"`
	PaperID              *int64        `json:"paperId,omitempty"`
	Status               string        `json:"status"`
	QuestionsList        []int64       `json:"questionsList"`
	CurrentQuestionIndex int           `json:"currentQuestionIndex"`
	Answers              []AnswerState `json:"answers"`
	DurationMinutes      int           `json:"durationMinutes"`
	StartedAt            time.Time     `json:"startedAt"`
	EndsAt               time.Time     `json:"endsAt"`
	TimeRemaining        int           `json:"timeRemaining"`
	ServerTime           int64         `json:"serverTime"`
	LastEventSequence    int64         `json:"lastEventSequence"`
}

type AchievementsPayload struct {
	Achievements json.RawMessage `json:"achievements"`
}

// ErrorCode classifies an error reply.
type ErrorCode string

const (
	ErrCodeValidation     ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidMessage ErrorCode = "INVALID_MESSAGE"
	ErrCodeUnknownType    ErrorCode = "UNKNOWN_MESSAGE_TYPE"
	ErrCodeNotFound       ErrorCode = "SESSION_NOT_FOUND"
	ErrCodeExpired        ErrorCode = "SESSION_EXPIRED"
	ErrCodeClosed         ErrorCode = "SESSION_CLOSED"
	ErrCodeForbidden      ErrorCode = "FORBIDDEN"
	ErrCodeTransaction    ErrorCode = "TRANSACTION_ERROR"
	ErrCodeHandler        ErrorCode = "HANDLER_ERROR"
)

type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
}
