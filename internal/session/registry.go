// Package session owns the live, in-memory state of exam sessions. The
// registry is a cache in front of the persisted attempt: it can be lost at any
// time and every terminal state is recomputed from the store.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prepline/examcore/internal/model"
	"github.com/prepline/examcore/internal/scoring"
)

// Store persists the attempt behind a live session.
type Store interface {
	CreateAttempt(ctx context.Context, a *model.Attempt, questions []model.QuestionSnapshot) error
	SaveAnswer(ctx context.Context, attemptID uuid.UUID, resp model.Response, sequence int64) error
	SaveProgress(ctx context.Context, attemptID uuid.UUID, index int, sequence int64) error
}

// Ledger receives every sequenced session event.
type Ledger interface {
	Append(ctx context.Context, e model.Event) error
}

// Finalizer grades and commits an attempt.
type Finalizer interface {
	Finalize(ctx context.Context, attemptID uuid.UUID, status model.SessionStatus) (*scoring.Outcome, error)
}

// Observer is notified when a session reaches a terminal state, just before it
// is evicted. It must not call back into the registry's mutating methods.
type Observer interface {
	SessionClosed(snap model.SessionSnapshot, outcome *scoring.Outcome)
}

// CreateParams describes a new session.
type CreateParams struct {
	UserID          uuid.UUID
	TestType        string
	PaperID         *int64
	Questions       []model.QuestionSnapshot
	DurationMinutes int
	// ClosesAt caps the session deadline, typically the paper's own deadline.
	ClosesAt *time.Time
}

// AnswerParams is one inbound answer.
type AnswerParams struct {
	QuestionID       int64
	OptionID         *int64
	TimeSpentSeconds int
	Flagged          bool
	ClientTimestamp  *time.Time
}

type session struct {
	// op serializes operations on this session, including their persistence calls.
	op sync.Mutex

	// mu guards the mutable fields below for short reads (snapshots, broadcasts).
	mu           sync.Mutex
	index        int
	status       model.SessionStatus
	answers      map[int64]model.Answer
	participants map[uuid.UUID]int
	seq          int64

	id          uuid.UUID
	owner       uuid.UUID
	testType    string
	paperID     *int64
	questionIDs []int64
	questions   map[int64]model.QuestionSnapshot
	duration    int
	startedAt   time.Time
	endsAt      time.Time
}

// Registry is the authoritative owner of live sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*session

	store     Store
	ledger    Ledger
	finalizer Finalizer
	observer  Observer

	now   func() time.Time
	newID func() uuid.UUID
	log   zerolog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the registry's time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithIDGenerator overrides how session IDs are minted.
func WithIDGenerator(fn func() uuid.UUID) Option {
	return func(r *Registry) { r.newID = fn }
}

// NewRegistry creates an empty Registry.
func NewRegistry(store Store, ledger Ledger, finalizer Finalizer, log zerolog.Logger, opts ...Option) *Registry {
	r := &Registry{
		sessions:  make(map[uuid.UUID]*session),
		store:     store,
		ledger:    ledger,
		finalizer: finalizer,
		now:       time.Now,
		newID:     uuid.New,
		log:       log.With().Str("component", "session_registry").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetObserver registers the close observer. Call before serving traffic.
func (r *Registry) SetObserver(o Observer) {
	r.observer = o
}

// Now returns the registry's current time.
func (r *Registry) Now() time.Time {
	return r.now()
}

// CreateSession validates the request, persists the attempt and registers the
// caller as the first participant.
func (r *Registry) CreateSession(ctx context.Context, p CreateParams) (model.SessionSnapshot, error) {
	if err := ValidateCreate(p.UserID, len(p.Questions), p.DurationMinutes); err != nil {
		return model.SessionSnapshot{}, err
	}

	questions := make(map[int64]model.QuestionSnapshot, len(p.Questions))
	ids := make([]int64, 0, len(p.Questions))
	ordered := make([]model.QuestionSnapshot, 0, len(p.Questions))
	for i, q := range p.Questions {
		if _, dup := questions[q.QuestionID]; dup {
			return model.SessionSnapshot{}, fmt.Errorf("%w: question %d listed twice", model.ErrValidation, q.QuestionID)
		}
		q.Position = i
		questions[q.QuestionID] = q
		ids = append(ids, q.QuestionID)
		ordered = append(ordered, q)
	}

	startedAt := r.now().UTC().Truncate(time.Microsecond)
	endsAt := startedAt.Add(time.Duration(p.DurationMinutes) * time.Minute)
	if p.ClosesAt != nil {
		if !startedAt.Before(*p.ClosesAt) {
			return model.SessionSnapshot{}, fmt.Errorf("%w: paper closed at %s", model.ErrValidation, p.ClosesAt.UTC().Format(time.RFC3339))
		}
		if p.ClosesAt.Before(endsAt) {
			endsAt = p.ClosesAt.UTC()
		}
	}
	s := &session{
		id:           r.newID(),
		owner:        p.UserID,
		testType:     p.TestType,
		paperID:      p.PaperID,
		questionIDs:  ids,
		questions:    questions,
		duration:     p.DurationMinutes,
		startedAt:    startedAt,
		endsAt:       endsAt,
		status:       model.SessionStatusInProgress,
		answers:      make(map[int64]model.Answer),
		participants: map[uuid.UUID]int{p.UserID: 1},
	}

	// The start event's sequence is persisted with the attempt so a restore
	// before any other event resumes after it.
	startSeq := s.nextSeq()
	attempt := &model.Attempt{
		ID:                s.id,
		UserID:            s.owner,
		PaperID:           s.paperID,
		TestType:          s.testType,
		Status:            model.SessionStatusInProgress,
		DurationMinutes:   s.duration,
		StartedAt:         s.startedAt,
		EndsAt:            s.endsAt,
		LastEventSequence: startSeq,
		TotalQuestions:    len(ids),
	}
	if err := r.store.CreateAttempt(ctx, attempt, ordered); err != nil {
		return model.SessionSnapshot{}, fmt.Errorf("persist attempt: %w", err)
	}

	s.op.Lock()
	defer s.op.Unlock()

	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()

	r.publish(ctx, s, p.UserID, model.EventStart, startSeq, map[string]any{
		"testType":        s.testType,
		"questionsList":   s.questionIDs,
		"durationMinutes": s.duration,
		"endsAt":          s.endsAt,
	}, nil)

	r.log.Info().
		Str("session_id", s.id.String()).
		Str("user_id", p.UserID.String()).
		Int("questions", len(ids)).
		Time("ends_at", s.endsAt).
		Msg("Session created")

	return s.snapshot(), nil
}

// ValidateCreate rejects a session request before anything is loaded or persisted.
func ValidateCreate(userID uuid.UUID, questions, durationMinutes int) error {
	if questions == 0 {
		return fmt.Errorf("%w: questionsList must not be empty", model.ErrValidation)
	}
	if durationMinutes <= 0 {
		return fmt.Errorf("%w: durationMinutes must be positive", model.ErrValidation)
	}
	if userID == uuid.Nil {
		return fmt.Errorf("%w: user is required", model.ErrValidation)
	}
	return nil
}

// Restore re-registers a persisted in-progress attempt, for example after a
// process restart. If the session is already live its current state is returned.
func (r *Registry) Restore(a model.Attempt, questions []model.QuestionSnapshot, responses []model.Response) (model.SessionSnapshot, error) {
	if a.Status != model.SessionStatusInProgress {
		return model.SessionSnapshot{}, fmt.Errorf("restore attempt %s: %w", a.ID, model.ErrSessionClosed)
	}
	if len(questions) == 0 {
		return model.SessionSnapshot{}, fmt.Errorf("%w: attempt %s has no questions", model.ErrValidation, a.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[a.ID]; ok {
		return existing.snapshot(), nil
	}

	s := &session{
		id:           a.ID,
		owner:        a.UserID,
		testType:     a.TestType,
		paperID:      a.PaperID,
		questions:    make(map[int64]model.QuestionSnapshot, len(questions)),
		duration:     a.DurationMinutes,
		startedAt:    a.StartedAt,
		endsAt:       a.Deadline(),
		status:       model.SessionStatusInProgress,
		index:        a.CurrentQuestionIndex,
		seq:          a.LastEventSequence,
		answers:      make(map[int64]model.Answer, len(responses)),
		participants: make(map[uuid.UUID]int),
	}
	for _, q := range questions {
		s.questions[q.QuestionID] = q
		s.questionIDs = append(s.questionIDs, q.QuestionID)
	}
	for _, resp := range responses {
		if _, ok := s.questions[resp.QuestionID]; !ok {
			continue
		}
		s.answers[resp.QuestionID] = model.Answer{
			QuestionID:       resp.QuestionID,
			OptionID:         resp.SelectedOptionID,
			TimeSpentSeconds: resp.TimeSpentSeconds,
			Flagged:          resp.Flagged,
			AnsweredAt:       resp.AnsweredAt,
		}
	}
	r.sessions[s.id] = s

	r.log.Info().
		Str("session_id", s.id.String()).
		Int("answers", len(s.answers)).
		Int64("sequence", s.seq).
		Msg("Session restored from store")

	return s.snapshot(), nil
}

// GetSession returns a copy of a live session. A miss only means the session is
// not resumable from memory; it may exist in the store.
func (r *Registry) GetSession(id uuid.UUID) (model.SessionSnapshot, bool) {
	s := r.lookup(id)
	if s == nil {
		return model.SessionSnapshot{}, false
	}
	return s.snapshot(), true
}

// Participants returns the user IDs currently connected to a session.
func (r *Registry) Participants(id uuid.UUID) []uuid.UUID {
	s := r.lookup(id)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uuid.UUID, 0, len(s.participants))
	for u := range s.participants {
		out = append(out, u)
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// IDs returns the IDs of all live sessions.
func (r *Registry) IDs() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]uuid.UUID, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

// Join adds a connection of userID to the session's participants.
func (r *Registry) Join(ctx context.Context, id, userID uuid.UUID) (model.SessionSnapshot, error) {
	s := r.lookup(id)
	if s == nil {
		return model.SessionSnapshot{}, model.ErrSessionNotFound
	}
	s.op.Lock()
	defer s.op.Unlock()

	if err := r.checkActive(ctx, s, userID); err != nil {
		return model.SessionSnapshot{}, err
	}

	s.mu.Lock()
	s.participants[userID]++
	s.mu.Unlock()
	return s.snapshot(), nil
}

// Leave removes one connection of userID from the participants. The session
// itself stays live until it completes or expires.
func (r *Registry) Leave(id, userID uuid.UUID) {
	s := r.lookup(id)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := s.participants[userID]; n > 1 {
		s.participants[userID] = n - 1
	} else {
		delete(s.participants, userID)
	}
}

// UpdateQuestionIndex moves the session to another question. Answers are untouched.
func (r *Registry) UpdateQuestionIndex(ctx context.Context, id, userID uuid.UUID, index int) (model.SessionSnapshot, error) {
	s := r.lookup(id)
	if s == nil {
		return model.SessionSnapshot{}, model.ErrSessionNotFound
	}
	s.op.Lock()
	defer s.op.Unlock()

	if err := r.checkActive(ctx, s, userID); err != nil {
		return model.SessionSnapshot{}, err
	}
	if index < 0 || index >= len(s.questionIDs) {
		return model.SessionSnapshot{}, fmt.Errorf("%w: questionIndex %d out of range [0, %d)", model.ErrValidation, index, len(s.questionIDs))
	}

	seq := s.nextSeq()
	if err := r.store.SaveProgress(ctx, s.id, index, seq); err != nil {
		s.rewindSeq()
		return model.SessionSnapshot{}, fmt.Errorf("persist progress: %w", err)
	}

	s.mu.Lock()
	s.index = index
	s.mu.Unlock()

	r.publish(ctx, s, userID, model.EventNavigate, seq, map[string]any{
		"questionIndex": index,
		"questionId":    s.questionIDs[index],
	}, nil)

	return s.snapshot(), nil
}

// RecordAnswer stores the answer with last-write-wins semantics and appends an
// answer event even when the value did not change. An option that does not
// belong to the question is stored as unanswered.
func (r *Registry) RecordAnswer(ctx context.Context, id, userID uuid.UUID, p AnswerParams) (model.Answer, error) {
	s := r.lookup(id)
	if s == nil {
		return model.Answer{}, model.ErrSessionNotFound
	}
	s.op.Lock()
	defer s.op.Unlock()

	if err := r.checkActive(ctx, s, userID); err != nil {
		return model.Answer{}, err
	}
	q, ok := s.questions[p.QuestionID]
	if !ok {
		return model.Answer{}, fmt.Errorf("%w: question %d is not part of this session", model.ErrValidation, p.QuestionID)
	}
	if p.TimeSpentSeconds < 0 {
		return model.Answer{}, fmt.Errorf("%w: timeSpent must not be negative", model.ErrValidation)
	}

	option := p.OptionID
	if option != nil && !q.HasOption(*option) {
		r.log.Warn().
			Str("session_id", s.id.String()).
			Int64("question_id", p.QuestionID).
			Int64("option_id", *option).
			Msg("Answer references an unknown option, storing as unanswered")
		option = nil
	}

	now := r.now().UTC()
	seq := s.nextSeq()
	answer := model.Answer{
		QuestionID:       p.QuestionID,
		OptionID:         option,
		TimeSpentSeconds: p.TimeSpentSeconds,
		Flagged:          p.Flagged,
		AnsweredAt:       now,
		Sequence:         seq,
	}
	resp := model.Response{
		AttemptID:        s.id,
		QuestionID:       p.QuestionID,
		SectionID:        q.SectionID,
		SelectedOptionID: option,
		TimeSpentSeconds: p.TimeSpentSeconds,
		Flagged:          p.Flagged,
		AnsweredAt:       now,
	}
	if err := r.store.SaveAnswer(ctx, s.id, resp, seq); err != nil {
		s.rewindSeq()
		return model.Answer{}, fmt.Errorf("persist answer: %w", err)
	}

	s.mu.Lock()
	s.answers[p.QuestionID] = answer
	s.mu.Unlock()

	r.publish(ctx, s, userID, model.EventAnswer, seq, map[string]any{
		"questionId": p.QuestionID,
		"answer":     option,
		"timeSpent":  p.TimeSpentSeconds,
		"flagged":    p.Flagged,
	}, p.ClientTimestamp)

	return answer, nil
}

// CompleteSession finalizes a user-submitted session. On a failed commit the
// session returns to in_progress so the user (or the reaper) can retry.
func (r *Registry) CompleteSession(ctx context.Context, id, userID uuid.UUID) (*scoring.Outcome, error) {
	s := r.lookup(id)
	if s == nil {
		return nil, model.ErrSessionNotFound
	}
	s.op.Lock()
	defer s.op.Unlock()

	if err := r.checkActive(ctx, s, userID); err != nil {
		return nil, err
	}

	s.setStatus(model.SessionStatusCompleted)
	outcome, err := r.finalizer.Finalize(ctx, s.id, model.SessionStatusCompleted)
	if err != nil {
		s.setStatus(model.SessionStatusInProgress)
		return nil, err
	}
	r.appendEvent(ctx, s, userID, model.EventComplete, map[string]any{"status": outcome.Attempt.Status}, nil)

	r.close(s, outcome)
	return outcome, nil
}

// Expire finalizes a session whose deadline has passed. It is a no-op for
// sessions that are unknown, already terminal or still within their deadline.
func (r *Registry) Expire(ctx context.Context, id uuid.UUID) (*scoring.Outcome, error) {
	s := r.lookup(id)
	if s == nil {
		return nil, nil
	}
	s.op.Lock()
	defer s.op.Unlock()

	if s.currentStatus() != model.SessionStatusInProgress || r.now().Before(s.endsAt) {
		return nil, nil
	}
	return r.expireLocked(ctx, s)
}

// Close evicts a session that was finalized outside the registry (by the
// reaper). The session adopts the persisted terminal status.
func (r *Registry) Close(id uuid.UUID, outcome *scoring.Outcome) {
	s := r.lookup(id)
	if s == nil {
		return
	}
	s.op.Lock()
	defer s.op.Unlock()

	if r.lookup(id) != s {
		return
	}
	r.close(s, outcome)
}

// Evict drops a session from memory without finalizing it.
func (r *Registry) Evict(id uuid.UUID) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// ─── internals ──────────────────────────────────────────────────────

func (r *Registry) lookup(id uuid.UUID) *session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// checkActive must be called with s.op held. A session past its deadline is
// routed into expiry finalization and the action is rejected.
func (r *Registry) checkActive(ctx context.Context, s *session, userID uuid.UUID) error {
	if userID != s.owner {
		return model.ErrNotParticipant
	}
	switch s.currentStatus() {
	case model.SessionStatusInProgress:
	case model.SessionStatusExpired:
		return model.ErrSessionExpired
	default:
		return model.ErrSessionClosed
	}
	if !r.now().Before(s.endsAt) {
		if _, err := r.expireLocked(ctx, s); err != nil {
			r.log.Error().Err(err).Str("session_id", s.id.String()).Msg("Expiry finalization failed, leaving attempt to the reaper")
		}
		return model.ErrSessionExpired
	}
	return nil
}

// expireLocked must be called with s.op held. The in-memory session moves to
// expired; the persisted attempt becomes auto_submitted. On a failed commit the
// session is still evicted and the reaper finalizes the attempt later.
func (r *Registry) expireLocked(ctx context.Context, s *session) (*scoring.Outcome, error) {
	s.setStatus(model.SessionStatusExpired)
	r.appendEvent(ctx, s, s.owner, model.EventExpire, map[string]any{"endsAt": s.endsAt}, nil)

	outcome, err := r.finalizer.Finalize(ctx, s.id, model.SessionStatusAutoSubmitted)
	if err != nil {
		r.close(s, nil)
		return nil, err
	}
	r.close(s, outcome)
	return outcome, nil
}

// close adopts the persisted terminal status, notifies the observer and evicts.
func (r *Registry) close(s *session, outcome *scoring.Outcome) {
	if outcome != nil {
		s.setStatus(outcome.Attempt.Status)
	}
	if r.observer != nil {
		r.observer.SessionClosed(s.snapshot(), outcome)
	}
	r.mu.Lock()
	if r.sessions[s.id] == s {
		delete(r.sessions, s.id)
	}
	r.mu.Unlock()
}

// appendEvent allocates the next sequence and publishes the event.
func (r *Registry) appendEvent(ctx context.Context, s *session, userID uuid.UUID, t model.EventType, payload any, clientTS *time.Time) {
	r.publish(ctx, s, userID, t, s.nextSeq(), payload, clientTS)
}

func (r *Registry) publish(ctx context.Context, s *session, userID uuid.UUID, t model.EventType, seq int64, payload any, clientTS *time.Time) {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte("{}")
	}
	e := model.Event{
		SessionID:       s.id,
		UserID:          userID,
		Type:            t,
		Payload:         raw,
		Sequence:        seq,
		ClientTimestamp: clientTS,
		ServerTimestamp: r.now().UTC(),
	}
	if err := r.ledger.Append(ctx, e); err != nil && !errors.Is(err, context.Canceled) {
		r.log.Error().Err(err).
			Str("session_id", s.id.String()).
			Int64("sequence", seq).
			Str("event_type", string(t)).
			Msg("Ledger append failed")
	}
}

func (s *session) nextSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

func (s *session) rewindSeq() {
	s.mu.Lock()
	s.seq--
	s.mu.Unlock()
}

func (s *session) setStatus(st model.SessionStatus) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *session) currentStatus() model.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *session) snapshot() model.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	answers := make(map[int64]model.Answer, len(s.answers))
	for k, v := range s.answers {
		answers[k] = v
	}
	participants := make([]uuid.UUID, 0, len(s.participants))
	for u := range s.participants {
		participants = append(participants, u)
	}
	return model.SessionSnapshot{
		ID:                   s.id,
		OwnerID:              s.owner,
		TestType:             s.testType,
		PaperID:              s.paperID,
		QuestionIDs:          append([]int64(nil), s.questionIDs...),
		CurrentQuestionIndex: s.index,
		Status:               s.status,
		DurationMinutes:      s.duration,
		StartedAt:            s.startedAt,
		EndsAt:               s.endsAt,
		Answers:              answers,
		Participants:         participants,
		LastEventSequence:    s.seq,
	}
}
