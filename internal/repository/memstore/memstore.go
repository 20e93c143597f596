// Package memstore is an in-memory implementation of the repository ports,
// mirroring the Postgres semantics the engine relies on: one response row per
// (attempt, question), the in_progress finalization guard and the outbox.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/prepline/examcore/internal/model"
)

// Store holds attempts, the question bank and the ledger in memory.
type Store struct {
	mu sync.Mutex

	attempts   map[uuid.UUID]model.Attempt
	snapshots  map[uuid.UUID][]model.QuestionSnapshot
	responses  map[uuid.UUID]map[int64]model.Response
	sections   map[uuid.UUID][]model.AttemptSection
	events     map[uuid.UUID]map[int64]model.Event
	outbox     []model.Completion
	dispatched map[int64]time.Time
	nextOutbox int64

	options        map[int64][]model.OptionSnapshot
	papers         map[int64]model.Paper
	paperSections  map[int64]model.Section
	paperQuestions map[int64][]model.PaperQuestion

	// FailCommit, when set, is returned by CommitFinalization without writing.
	FailCommit error
	// FailSave, when set, is returned by SaveAnswer and SaveProgress.
	FailSave error
	// Commits counts applied finalizations.
	Commits int
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		attempts:       make(map[uuid.UUID]model.Attempt),
		snapshots:      make(map[uuid.UUID][]model.QuestionSnapshot),
		responses:      make(map[uuid.UUID]map[int64]model.Response),
		sections:       make(map[uuid.UUID][]model.AttemptSection),
		events:         make(map[uuid.UUID]map[int64]model.Event),
		dispatched:     make(map[int64]time.Time),
		options:        make(map[int64][]model.OptionSnapshot),
		papers:         make(map[int64]model.Paper),
		paperSections:  make(map[int64]model.Section),
		paperQuestions: make(map[int64][]model.PaperQuestion),
	}
}

// ─── seeding ────────────────────────────────────────────────────────

// AddQuestion registers a question with its options.
func (s *Store) AddQuestion(questionID int64, options ...model.OptionSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.options[questionID] = append([]model.OptionSnapshot(nil), options...)
}

// AddPaper registers a paper with its sections and question bindings.
func (s *Store) AddPaper(p model.Paper, sections []model.Section, questions []model.PaperQuestion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.papers[p.ID] = p
	for _, sec := range sections {
		s.paperSections[sec.ID] = sec
	}
	pqs := append([]model.PaperQuestion(nil), questions...)
	sort.SliceStable(pqs, func(i, j int) bool {
		si, sj := s.paperSections[pqs[i].SectionID], s.paperSections[pqs[j].SectionID]
		if si.DisplayOrder != sj.DisplayOrder {
			return si.DisplayOrder < sj.DisplayOrder
		}
		return pqs[i].Position < pqs[j].Position
	})
	s.paperQuestions[p.ID] = pqs
}

// PutAttempt inserts or replaces an attempt row directly.
func (s *Store) PutAttempt(a model.Attempt, questions []model.QuestionSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[a.ID] = a
	if questions != nil {
		s.snapshots[a.ID] = append([]model.QuestionSnapshot(nil), questions...)
	}
}

// PutResponse inserts or replaces one response row directly.
func (s *Store) PutResponse(r model.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.responses[r.AttemptID] == nil {
		s.responses[r.AttemptID] = make(map[int64]model.Response)
	}
	s.responses[r.AttemptID][r.QuestionID] = r
}

// ─── session.Store ──────────────────────────────────────────────────

func (s *Store) CreateAttempt(_ context.Context, a *model.Attempt, questions []model.QuestionSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	cp.TotalQuestions = len(questions)
	if cp.PaperID != nil {
		if p, ok := s.papers[*cp.PaperID]; ok {
			cp.PaperEndsAt = p.EndsAt
		}
	}
	s.attempts[a.ID] = cp
	s.snapshots[a.ID] = append([]model.QuestionSnapshot(nil), questions...)
	return nil
}

func (s *Store) SaveAnswer(_ context.Context, attemptID uuid.UUID, resp model.Response, sequence int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSave != nil {
		return s.FailSave
	}
	a, ok := s.attempts[attemptID]
	if !ok || a.Status != model.SessionStatusInProgress {
		return model.ErrSessionClosed
	}
	if s.responses[attemptID] == nil {
		s.responses[attemptID] = make(map[int64]model.Response)
	}
	resp.AttemptID = attemptID
	s.responses[attemptID][resp.QuestionID] = resp
	if sequence > a.LastEventSequence {
		a.LastEventSequence = sequence
		s.attempts[attemptID] = a
	}
	return nil
}

func (s *Store) SaveProgress(_ context.Context, attemptID uuid.UUID, index int, sequence int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSave != nil {
		return s.FailSave
	}
	if a, ok := s.attempts[attemptID]; ok && a.Status == model.SessionStatusInProgress {
		a.CurrentQuestionIndex = index
		if sequence > a.LastEventSequence {
			a.LastEventSequence = sequence
		}
		s.attempts[attemptID] = a
	}
	return nil
}

// ─── scoring.Store ──────────────────────────────────────────────────

func (s *Store) GetAttempt(_ context.Context, id uuid.UUID) (*model.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok {
		return nil, model.ErrAttemptNotFound
	}
	return &a, nil
}

func (s *Store) LoadGradingBatch(_ context.Context, attemptIDs []uuid.UUID) (*model.GradingBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := model.NewGradingBatch()
	for _, id := range attemptIDs {
		a, ok := s.attempts[id]
		if !ok {
			continue
		}
		b.Attempts[id] = a
		if snaps := s.snapshots[id]; len(snaps) > 0 {
			b.Snapshots[id] = append([]model.QuestionSnapshot(nil), snaps...)
		}
		if resp := s.responses[id]; len(resp) > 0 {
			cp := make(map[int64]model.Response, len(resp))
			for k, v := range resp {
				cp[k] = v
			}
			b.Responses[id] = cp
		}
		if a.PaperID != nil {
			b.PaperQuestions[*a.PaperID] = s.paperQuestions[*a.PaperID]
			for _, pq := range s.paperQuestions[*a.PaperID] {
				b.Sections[pq.SectionID] = s.paperSections[pq.SectionID]
			}
		}
	}
	for qid, opts := range s.options {
		b.LiveOptions[qid] = opts
	}
	return b, nil
}

func (s *Store) CommitFinalization(_ context.Context, f *model.Finalization) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailCommit != nil {
		return false, s.FailCommit
	}
	current, ok := s.attempts[f.Attempt.ID]
	if !ok || current.Status != model.SessionStatusInProgress {
		return false, nil
	}

	a := f.Attempt
	a.PaperEndsAt = current.PaperEndsAt
	a.CurrentQuestionIndex = current.CurrentQuestionIndex
	a.LastEventSequence = current.LastEventSequence
	s.attempts[a.ID] = a

	rows := make(map[int64]model.Response, len(f.Responses))
	for _, r := range f.Responses {
		rows[r.QuestionID] = r
	}
	s.responses[a.ID] = rows
	s.sections[a.ID] = append([]model.AttemptSection(nil), f.Sections...)

	s.nextOutbox++
	c := f.Completion
	c.ID = s.nextOutbox
	s.outbox = append(s.outbox, c)
	s.Commits++
	return true, nil
}

// ─── reaper ─────────────────────────────────────────────────────────

func (s *Store) FindExpired(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []model.Attempt
	for _, a := range s.attempts {
		if a.Status == model.SessionStatusInProgress && !now.Before(a.Deadline()) {
			expired = append(expired, a)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].Deadline().Before(expired[j].Deadline()) })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	ids := make([]uuid.UUID, 0, len(expired))
	for _, a := range expired {
		ids = append(ids, a.ID)
	}
	return ids, nil
}

func (s *Store) PurgeTerminal(_ context.Context, cutoff time.Time) (model.PurgeStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats model.PurgeStats
	for id, a := range s.attempts {
		if a.Status == model.SessionStatusInProgress || a.SubmittedAt == nil || !a.SubmittedAt.Before(cutoff) {
			continue
		}
		stats.Attempts++
		stats.Events += int64(len(s.events[id]))
		stats.Responses += int64(len(s.responses[id]))
		delete(s.events, id)
		delete(s.responses, id)
		delete(s.snapshots, id)
		delete(s.sections, id)
	}
	return stats, nil
}

// ─── question bank ──────────────────────────────────────────────────

func (s *Store) Snapshots(_ context.Context, questionIDs []int64) (map[int64]model.QuestionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]model.QuestionSnapshot, len(questionIDs))
	for _, id := range questionIDs {
		if opts, ok := s.options[id]; ok {
			out[id] = model.QuestionSnapshot{QuestionID: id, Options: append([]model.OptionSnapshot(nil), opts...)}
		}
	}
	return out, nil
}

func (s *Store) GetPaper(_ context.Context, paperID int64) (*model.Paper, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.papers[paperID]
	if !ok {
		return nil, model.ErrPaperNotFound
	}
	return &p, nil
}

func (s *Store) PaperQuestions(_ context.Context, paperID int64) ([]model.PaperQuestion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.PaperQuestion(nil), s.paperQuestions[paperID]...), nil
}

// ─── attempt history ────────────────────────────────────────────────

func (s *Store) ListSnapshots(_ context.Context, attemptID uuid.UUID) ([]model.QuestionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.QuestionSnapshot(nil), s.snapshots[attemptID]...), nil
}

func (s *Store) ListResponses(_ context.Context, attemptID uuid.UUID) ([]model.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos := make(map[int64]int)
	for _, q := range s.snapshots[attemptID] {
		pos[q.QuestionID] = q.Position
	}
	out := make([]model.Response, 0, len(s.responses[attemptID]))
	for _, r := range s.responses[attemptID] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return pos[out[i].QuestionID] < pos[out[j].QuestionID] })
	return out, nil
}

func (s *Store) ListByUser(_ context.Context, userID uuid.UUID, limit, offset int) ([]model.Attempt, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []model.Attempt
	for _, a := range s.attempts {
		if a.UserID == userID {
			all = append(all, a)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].StartedAt.After(all[j].StartedAt) })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := min(offset+limit, total)
	return all[offset:end], total, nil
}

// Sections returns the graded section rows of an attempt.
func (s *Store) Sections(attemptID uuid.UUID) []model.AttemptSection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.AttemptSection(nil), s.sections[attemptID]...)
}

// ─── ledger + outbox ────────────────────────────────────────────────

func (s *Store) InsertBatch(ctx context.Context, events []model.Event) error {
	for _, e := range events {
		if err := s.Insert(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Insert(_ context.Context, e model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events[e.SessionID] == nil {
		s.events[e.SessionID] = make(map[int64]model.Event)
	}
	if _, exists := s.events[e.SessionID][e.Sequence]; !exists {
		s.events[e.SessionID][e.Sequence] = e
	}
	return nil
}

func (s *Store) ListBySession(_ context.Context, sessionID uuid.UUID) ([]model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Event, 0, len(s.events[sessionID]))
	for _, e := range s.events[sessionID] {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *Store) Pending(_ context.Context, limit int) ([]model.Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Completion
	for _, c := range s.outbox {
		if _, done := s.dispatched[c.ID]; done {
			continue
		}
		out = append(out, c)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkDispatched(_ context.Context, ids []int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if _, done := s.dispatched[id]; !done {
			s.dispatched[id] = at
		}
	}
	return nil
}
