package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prepline/examcore/internal/model"
	"github.com/prepline/examcore/internal/scoring"
	"github.com/prepline/examcore/internal/session"
	"github.com/prepline/examcore/internal/timer"
)

// QuestionBank is the read-only question/paper collaborator.
type QuestionBank interface {
	Snapshots(ctx context.Context, questionIDs []int64) (map[int64]model.QuestionSnapshot, error)
	GetPaper(ctx context.Context, paperID int64) (*model.Paper, error)
	PaperQuestions(ctx context.Context, paperID int64) ([]model.PaperQuestion, error)
}

// AttemptStore reads persisted attempts for reconnects.
type AttemptStore interface {
	GetAttempt(ctx context.Context, id uuid.UUID) (*model.Attempt, error)
	ListSnapshots(ctx context.Context, attemptID uuid.UUID) ([]model.QuestionSnapshot, error)
	ListResponses(ctx context.Context, attemptID uuid.UUID) ([]model.Response, error)
}

// AttemptFinalizer grades and commits an attempt.
type AttemptFinalizer interface {
	Finalize(ctx context.Context, attemptID uuid.UUID, status model.SessionStatus) (*scoring.Outcome, error)
}

// ActiveSessionStore tracks each user's live session.
type ActiveSessionStore interface {
	Set(ctx context.Context, userID, sessionID uuid.UUID, endsAt time.Time) error
	Get(ctx context.Context, userID uuid.UUID) (uuid.UUID, bool, error)
	Clear(ctx context.Context, userID, sessionID uuid.UUID) error
}

// Notifier pushes server-initiated messages to a session's participants.
type Notifier interface {
	Tick(sessionID uuid.UUID, remaining int, serverTime time.Time)
	Completed(sessionID uuid.UUID, summary CompletionSummary)
}

// StartRequest starts a session from an explicit question list or a paper.
type StartRequest struct {
	TestType        string
	QuestionIDs     []int64
	DurationMinutes int
	PaperID         *int64
}

// AnswerRequest is one inbound answer.
type AnswerRequest struct {
	SessionID       uuid.UUID
	QuestionID      int64
	Answer          *int64
	TimeSpent       int
	Flagged         bool
	ClientTimestamp *time.Time
}

// AnswerAck acknowledges a stored answer.
type AnswerAck struct {
	SessionID  uuid.UUID
	QuestionID int64
	Saved      bool
	ServerTime time.Time
}

// NavigateResult is the outcome of a question change.
type NavigateResult struct {
	SessionID     uuid.UUID
	QuestionIndex int
	QuestionID    int64
	TimeRemaining int
}

// CompletionSummary is the final score view of an attempt.
type CompletionSummary struct {
	SessionID      uuid.UUID           `json:"sessionId"`
	Status         model.SessionStatus `json:"status"`
	Score          float64             `json:"score"`
	TotalQuestions int                 `json:"totalQuestions"`
	CorrectAnswers int                 `json:"correctAnswers"`
	Accuracy       int                 `json:"accuracy"`
	XPEarned       int                 `json:"xpEarned"`
}

// SessionState is the full resumable state handed to a reconnecting client.
type SessionState struct {
	model.SessionSnapshot
	TimeRemaining int       `json:"timeRemaining"`
	ServerTime    time.Time `json:"serverTime"`
}

// ReconnectResult carries either a resumable state or, past the deadline, only the final score.
type ReconnectResult struct {
	State *SessionState
	Final *CompletionSummary
}

// SessionConfig tunes the session service.
type SessionConfig struct {
	DriftThreshold time.Duration
}

// ExamSessionService drives live sessions: it owns the timer lifecycle, ties
// completions to the rewards pointer and resumes sessions after restarts.
type ExamSessionService struct {
	registry  *session.Registry
	timer     *timer.Scheduler
	bank      QuestionBank
	attempts  AttemptStore
	finalizer AttemptFinalizer
	active    ActiveSessionStore
	notifier  Notifier
	cfg       SessionConfig
	log       zerolog.Logger
}

// NewExamSessionService creates the service and registers it as the registry's observer.
func NewExamSessionService(
	registry *session.Registry,
	scheduler *timer.Scheduler,
	bank QuestionBank,
	attempts AttemptStore,
	finalizer AttemptFinalizer,
	active ActiveSessionStore,
	cfg SessionConfig,
	log zerolog.Logger,
) *ExamSessionService {
	s := &ExamSessionService{
		registry:  registry,
		timer:     scheduler,
		bank:      bank,
		attempts:  attempts,
		finalizer: finalizer,
		active:    active,
		cfg:       cfg,
		log:       log.With().Str("component", "exam_session_service").Logger(),
	}
	registry.SetObserver(s)
	return s
}

// SetNotifier sets the notifier (called after the gateway is created).
func (s *ExamSessionService) SetNotifier(n Notifier) {
	s.notifier = n
}

// Start creates a session, persists its attempt and starts its countdown.
func (s *ExamSessionService) Start(ctx context.Context, userID uuid.UUID, req StartRequest) (model.SessionSnapshot, error) {
	ids := req.QuestionIDs
	duration := req.DurationMinutes
	testType := req.TestType
	sectionOf := make(map[int64]int64)
	var closesAt *time.Time

	if req.PaperID != nil {
		paper, err := s.bank.GetPaper(ctx, *req.PaperID)
		if errors.Is(err, model.ErrPaperNotFound) {
			return model.SessionSnapshot{}, fmt.Errorf("%w: paper %d does not exist", model.ErrValidation, *req.PaperID)
		}
		if err != nil {
			return model.SessionSnapshot{}, fmt.Errorf("load paper: %w", err)
		}
		pqs, err := s.bank.PaperQuestions(ctx, paper.ID)
		if err != nil {
			return model.SessionSnapshot{}, fmt.Errorf("load paper questions: %w", err)
		}
		for _, pq := range pqs {
			sectionOf[pq.QuestionID] = pq.SectionID
		}
		if len(ids) == 0 {
			for _, pq := range pqs {
				ids = append(ids, pq.QuestionID)
			}
		}
		if duration == 0 {
			duration = paper.DurationMinutes
		}
		if testType == "" {
			testType = paper.TestType
		}
		closesAt = paper.EndsAt
	}

	if err := session.ValidateCreate(userID, len(ids), duration); err != nil {
		return model.SessionSnapshot{}, err
	}

	snaps, err := s.bank.Snapshots(ctx, ids)
	if err != nil {
		return model.SessionSnapshot{}, fmt.Errorf("snapshot questions: %w", err)
	}
	questions := make([]model.QuestionSnapshot, 0, len(ids))
	for _, id := range ids {
		q, ok := snaps[id]
		if !ok {
			return model.SessionSnapshot{}, fmt.Errorf("%w: question %d does not exist", model.ErrValidation, id)
		}
		if sid, ok := sectionOf[id]; ok {
			q.SectionID = &sid
		}
		questions = append(questions, q)
	}

	snap, err := s.registry.CreateSession(ctx, session.CreateParams{
		UserID:          userID,
		TestType:        testType,
		PaperID:         req.PaperID,
		Questions:       questions,
		DurationMinutes: duration,
		ClosesAt:        closesAt,
	})
	if err != nil {
		return model.SessionSnapshot{}, err
	}

	if err := s.active.Set(ctx, userID, snap.ID, snap.EndsAt); err != nil {
		s.log.Warn().Err(err).Str("session_id", snap.ID.String()).Msg("Failed to record active session pointer")
	}
	s.startTimer(snap)
	return snap, nil
}

// Navigate moves the session to questionIndex.
func (s *ExamSessionService) Navigate(ctx context.Context, userID, sessionID uuid.UUID, questionIndex int) (NavigateResult, error) {
	snap, err := s.registry.UpdateQuestionIndex(ctx, sessionID, userID, questionIndex)
	if err != nil {
		return NavigateResult{}, err
	}
	return NavigateResult{
		SessionID:     snap.ID,
		QuestionIndex: snap.CurrentQuestionIndex,
		QuestionID:    snap.CurrentQuestionID(),
		TimeRemaining: timer.Remaining(snap.EndsAt, s.registry.Now()),
	}, nil
}

// Answer records an answer. Client clock drift beyond the threshold is logged,
// never rejected: network latency alone produces drift.
func (s *ExamSessionService) Answer(ctx context.Context, userID uuid.UUID, req AnswerRequest) (AnswerAck, error) {
	now := s.registry.Now()
	if req.ClientTimestamp != nil {
		drift := now.Sub(*req.ClientTimestamp)
		if drift < 0 {
			drift = -drift
		}
		if drift > s.cfg.DriftThreshold {
			s.log.Warn().
				Str("session_id", req.SessionID.String()).
				Str("user_id", userID.String()).
				Int64("question_id", req.QuestionID).
				Int64("drift_ms", drift.Milliseconds()).
				Msg("Client clock drift exceeds threshold")
		}
	}

	_, err := s.registry.RecordAnswer(ctx, req.SessionID, userID, session.AnswerParams{
		QuestionID:       req.QuestionID,
		OptionID:         req.Answer,
		TimeSpentSeconds: req.TimeSpent,
		Flagged:          req.Flagged,
		ClientTimestamp:  req.ClientTimestamp,
	})
	if err != nil {
		return AnswerAck{}, err
	}
	return AnswerAck{
		SessionID:  req.SessionID,
		QuestionID: req.QuestionID,
		Saved:      true,
		ServerTime: s.registry.Now().UTC(),
	}, nil
}

// Complete finalizes a session at the user's request. The completion message
// reaches participants through the Notifier.
func (s *ExamSessionService) Complete(ctx context.Context, userID, sessionID uuid.UUID) (CompletionSummary, error) {
	outcome, err := s.registry.CompleteSession(ctx, sessionID, userID)
	if err != nil {
		return CompletionSummary{}, err
	}
	return summaryOf(outcome.Attempt), nil
}

// Reconnect rejoins a session. Before the deadline the caller gets the exact
// current state, restoring it from the store if this process never held it;
// after the deadline the caller only gets the final score.
func (s *ExamSessionService) Reconnect(ctx context.Context, userID, sessionID uuid.UUID) (ReconnectResult, error) {
	if _, ok := s.registry.GetSession(sessionID); ok {
		snap, err := s.registry.Join(ctx, sessionID, userID)
		switch {
		case err == nil:
			return ReconnectResult{State: s.stateOf(snap)}, nil
		case errors.Is(err, model.ErrSessionExpired), errors.Is(err, model.ErrSessionClosed):
			return s.final(ctx, userID, sessionID)
		case !errors.Is(err, model.ErrSessionNotFound):
			return ReconnectResult{}, err
		}
		// Evicted between lookup and join: resolve from the store below.
	}

	a, err := s.attempts.GetAttempt(ctx, sessionID)
	if errors.Is(err, model.ErrAttemptNotFound) {
		return ReconnectResult{}, model.ErrSessionNotFound
	}
	if err != nil {
		return ReconnectResult{}, fmt.Errorf("load attempt: %w", err)
	}
	if a.UserID != userID {
		return ReconnectResult{}, model.ErrNotParticipant
	}
	if a.Status.Terminal() || !s.registry.Now().Before(a.Deadline()) {
		return s.final(ctx, userID, sessionID)
	}

	questions, err := s.attempts.ListSnapshots(ctx, sessionID)
	if err != nil {
		return ReconnectResult{}, fmt.Errorf("load attempt questions: %w", err)
	}
	responses, err := s.attempts.ListResponses(ctx, sessionID)
	if err != nil {
		return ReconnectResult{}, fmt.Errorf("load attempt responses: %w", err)
	}
	restored, err := s.registry.Restore(*a, questions, responses)
	if err != nil {
		return ReconnectResult{}, err
	}
	s.startTimer(restored)

	snap, err := s.registry.Join(ctx, sessionID, userID)
	if err != nil {
		if errors.Is(err, model.ErrSessionExpired) || errors.Is(err, model.ErrSessionClosed) {
			return s.final(ctx, userID, sessionID)
		}
		return ReconnectResult{}, err
	}
	if err := s.active.Set(ctx, userID, snap.ID, snap.EndsAt); err != nil {
		s.log.Warn().Err(err).Str("session_id", snap.ID.String()).Msg("Failed to record active session pointer")
	}
	return ReconnectResult{State: s.stateOf(snap)}, nil
}

// Disconnect removes one connection of userID from each session. Sessions stay live.
func (s *ExamSessionService) Disconnect(userID uuid.UUID, sessionIDs []uuid.UUID) {
	for _, id := range sessionIDs {
		s.registry.Leave(id, userID)
	}
}

// Participants returns the users currently connected to a session.
func (s *ExamSessionService) Participants(sessionID uuid.UUID) []uuid.UUID {
	return s.registry.Participants(sessionID)
}

// ActiveSession returns the user's live session pointer.
func (s *ExamSessionService) ActiveSession(ctx context.Context, userID uuid.UUID) (uuid.UUID, bool, error) {
	return s.active.Get(ctx, userID)
}

// SessionClosed implements session.Observer.
func (s *ExamSessionService) SessionClosed(snap model.SessionSnapshot, outcome *scoring.Outcome) {
	s.timer.Stop(snap.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.active.Clear(ctx, snap.OwnerID, snap.ID); err != nil {
		s.log.Warn().Err(err).Str("session_id", snap.ID.String()).Msg("Failed to clear active session pointer")
	}

	if outcome != nil && s.notifier != nil {
		s.notifier.Completed(snap.ID, summaryOf(outcome.Attempt))
	}
}

// AttemptFinalized implements reaper.Notifier.
func (s *ExamSessionService) AttemptFinalized(outcome *scoring.Outcome) {
	if _, live := s.registry.GetSession(outcome.Attempt.ID); live {
		s.registry.Close(outcome.Attempt.ID, outcome)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.active.Clear(ctx, outcome.Attempt.UserID, outcome.Attempt.ID); err != nil {
		s.log.Warn().Err(err).Str("session_id", outcome.Attempt.ID.String()).Msg("Failed to clear active session pointer")
	}
}

func (s *ExamSessionService) startTimer(snap model.SessionSnapshot) {
	id := snap.ID
	s.timer.Start(id, snap.EndsAt,
		func(remaining int) {
			if s.notifier != nil {
				s.notifier.Tick(id, remaining, s.registry.Now().UTC())
			}
		},
		func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := s.registry.Expire(ctx, id); err != nil {
				s.log.Error().Err(err).Str("session_id", id.String()).Msg("Expiry finalization failed, leaving attempt to the reaper")
			}
		},
	)
}

// final returns the persisted score, finalizing first if the deadline passed
// and nobody has graded the attempt yet.
func (s *ExamSessionService) final(ctx context.Context, userID, sessionID uuid.UUID) (ReconnectResult, error) {
	a, err := s.attempts.GetAttempt(ctx, sessionID)
	if errors.Is(err, model.ErrAttemptNotFound) {
		return ReconnectResult{}, model.ErrSessionNotFound
	}
	if err != nil {
		return ReconnectResult{}, fmt.Errorf("load attempt: %w", err)
	}
	if a.UserID != userID {
		return ReconnectResult{}, model.ErrNotParticipant
	}
	if !a.Status.Terminal() {
		if s.registry.Now().Before(a.Deadline()) {
			return ReconnectResult{}, model.ErrSessionNotFound
		}
		outcome, err := s.finalizer.Finalize(ctx, sessionID, model.SessionStatusAutoSubmitted)
		if err != nil {
			return ReconnectResult{}, err
		}
		s.AttemptFinalized(outcome)
		a = &outcome.Attempt
	}
	summary := summaryOf(*a)
	return ReconnectResult{Final: &summary}, nil
}

func (s *ExamSessionService) stateOf(snap model.SessionSnapshot) *SessionState {
	now := s.registry.Now()
	return &SessionState{
		SessionSnapshot: snap,
		TimeRemaining:   timer.Remaining(snap.EndsAt, now),
		ServerTime:      now.UTC(),
	}
}

func summaryOf(a model.Attempt) CompletionSummary {
	return CompletionSummary{
		SessionID:      a.ID,
		Status:         a.Status,
		Score:          a.Score,
		TotalQuestions: a.TotalQuestions,
		CorrectAnswers: a.CorrectCount,
		Accuracy:       a.Accuracy(),
		XPEarned:       a.XPEarned(),
	}
}
