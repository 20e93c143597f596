package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prepline/examcore/internal/ledger"
	"github.com/prepline/examcore/internal/model"
	"github.com/prepline/examcore/internal/repository/memstore"
	"github.com/prepline/examcore/internal/scoring"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type closedRecorder struct {
	mu     sync.Mutex
	closed []model.SessionSnapshot
}

func (r *closedRecorder) SessionClosed(snap model.SessionSnapshot, _ *scoring.Outcome) {
	r.mu.Lock()
	r.closed = append(r.closed, snap)
	r.mu.Unlock()
}

type fixture struct {
	store    *memstore.Store
	ledger   *ledger.Memory
	clock    *clock
	registry *Registry
	observer *closedRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := &clock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	store := memstore.New()
	led := ledger.NewMemory()
	fin := scoring.NewFinalizer(store, zerolog.Nop()).WithClock(c.Now)
	r := NewRegistry(store, led, fin, zerolog.Nop(), WithClock(c.Now))
	obs := &closedRecorder{}
	r.SetObserver(obs)
	return &fixture{store: store, ledger: led, clock: c, registry: r, observer: obs}
}

func sampleQuestions() []model.QuestionSnapshot {
	return []model.QuestionSnapshot{
		{QuestionID: 1, Options: []model.OptionSnapshot{{ID: 11, IsCorrect: true}, {ID: 12}}},
		{QuestionID: 2, Options: []model.OptionSnapshot{{ID: 21}, {ID: 22, IsCorrect: true}}},
		{QuestionID: 3, Options: []model.OptionSnapshot{{ID: 31, IsCorrect: true}, {ID: 32}}},
	}
}

func (f *fixture) start(t *testing.T, user uuid.UUID, minutes int) model.SessionSnapshot {
	t.Helper()
	snap, err := f.registry.CreateSession(context.Background(), CreateParams{
		UserID:          user,
		TestType:        "practice",
		Questions:       sampleQuestions(),
		DurationMinutes: minutes,
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return snap
}

func opt(v int64) *int64 { return &v }

func TestCreateSessionValidation(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	ctx := context.Background()

	tests := []struct {
		name string
		p    CreateParams
	}{
		{"empty question list", CreateParams{UserID: user, DurationMinutes: 10}},
		{"zero duration", CreateParams{UserID: user, Questions: sampleQuestions()}},
		{"negative duration", CreateParams{UserID: user, Questions: sampleQuestions(), DurationMinutes: -5}},
		{"missing user", CreateParams{Questions: sampleQuestions(), DurationMinutes: 10}},
		{"duplicate question", CreateParams{UserID: user, DurationMinutes: 10,
			Questions: []model.QuestionSnapshot{{QuestionID: 1}, {QuestionID: 1}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.registry.CreateSession(ctx, tt.p)
			if !errors.Is(err, model.ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
		})
	}
	if f.registry.Len() != 0 {
		t.Fatalf("rejected sessions were registered")
	}
}

func TestCreateSessionInitialState(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	snap := f.start(t, user, 30)

	if snap.Status != model.SessionStatusInProgress || snap.CurrentQuestionIndex != 0 {
		t.Fatalf("initial state = %s at %d", snap.Status, snap.CurrentQuestionIndex)
	}
	if got := snap.EndsAt.Sub(snap.StartedAt); got != 30*time.Minute {
		t.Fatalf("endsAt - startedAt = %v", got)
	}
	if !snap.HasParticipant(user) || len(snap.Participants) != 1 {
		t.Fatalf("participants = %v", snap.Participants)
	}
	if len(snap.Answers) != 0 {
		t.Fatalf("answers = %v", snap.Answers)
	}
	a, err := f.store.GetAttempt(context.Background(), snap.ID)
	if err != nil || a.Status != model.SessionStatusInProgress {
		t.Fatalf("attempt not persisted in progress: %+v %v", a, err)
	}
	events := f.ledger.Events(snap.ID)
	if len(events) != 1 || events[0].Type != model.EventStart || events[0].Sequence != 1 {
		t.Fatalf("events = %+v", events)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	f := newFixture(t)
	snap := f.start(t, uuid.New(), 10)
	snap.QuestionIDs[0] = 999
	snap.Answers[1] = model.Answer{QuestionID: 1}

	again, _ := f.registry.GetSession(snap.ID)
	if again.QuestionIDs[0] != 1 || len(again.Answers) != 0 {
		t.Fatal("mutating a snapshot changed the registry")
	}
}

func TestUpdateQuestionIndexBounds(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	snap := f.start(t, user, 10)
	ctx := context.Background()

	for _, idx := range []int{-1, 3, 42} {
		if _, err := f.registry.UpdateQuestionIndex(ctx, snap.ID, user, idx); !errors.Is(err, model.ErrValidation) {
			t.Fatalf("index %d: err = %v, want ErrValidation", idx, err)
		}
	}
	got, err := f.registry.UpdateQuestionIndex(ctx, snap.ID, user, 2)
	if err != nil {
		t.Fatalf("UpdateQuestionIndex: %v", err)
	}
	if got.CurrentQuestionIndex != 2 || got.CurrentQuestionID() != 3 {
		t.Fatalf("index = %d id = %d", got.CurrentQuestionIndex, got.CurrentQuestionID())
	}
	a, _ := f.store.GetAttempt(ctx, snap.ID)
	if a.CurrentQuestionIndex != 2 {
		t.Fatalf("persisted index = %d", a.CurrentQuestionIndex)
	}
}

func TestRecordAnswerLastWriteWins(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	snap := f.start(t, user, 10)
	ctx := context.Background()

	first, err := f.registry.RecordAnswer(ctx, snap.ID, user, AnswerParams{QuestionID: 1, OptionID: opt(11), TimeSpentSeconds: 5})
	if err != nil {
		t.Fatalf("RecordAnswer: %v", err)
	}
	second, err := f.registry.RecordAnswer(ctx, snap.ID, user, AnswerParams{QuestionID: 1, OptionID: opt(12), TimeSpentSeconds: 9})
	if err != nil {
		t.Fatalf("RecordAnswer: %v", err)
	}
	if second.Sequence <= first.Sequence {
		t.Fatalf("sequences not increasing: %d then %d", first.Sequence, second.Sequence)
	}

	got, _ := f.registry.GetSession(snap.ID)
	if a := got.Answers[1]; a.OptionID == nil || *a.OptionID != 12 || a.TimeSpentSeconds != 9 {
		t.Fatalf("answer = %+v, want the later write", a)
	}

	// Same value again still produces an event.
	if _, err := f.registry.RecordAnswer(ctx, snap.ID, user, AnswerParams{QuestionID: 1, OptionID: opt(12), TimeSpentSeconds: 9}); err != nil {
		t.Fatalf("RecordAnswer: %v", err)
	}
	var answers int
	for _, e := range f.ledger.Events(snap.ID) {
		if e.Type == model.EventAnswer {
			answers++
		}
	}
	if answers != 3 {
		t.Fatalf("answer events = %d, want 3", answers)
	}
}

func TestRecordAnswerClearingAndUnknownOption(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	snap := f.start(t, user, 10)
	ctx := context.Background()

	if _, err := f.registry.RecordAnswer(ctx, snap.ID, user, AnswerParams{QuestionID: 2, OptionID: opt(22)}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.registry.RecordAnswer(ctx, snap.ID, user, AnswerParams{QuestionID: 2, OptionID: nil}); err != nil {
		t.Fatal(err)
	}
	got, _ := f.registry.GetSession(snap.ID)
	if a, ok := got.Answers[2]; !ok || a.OptionID != nil {
		t.Fatalf("cleared answer = %+v", a)
	}

	a, err := f.registry.RecordAnswer(ctx, snap.ID, user, AnswerParams{QuestionID: 3, OptionID: opt(12)})
	if err != nil {
		t.Fatal(err)
	}
	if a.OptionID != nil {
		t.Fatalf("option from another question stored: %v", *a.OptionID)
	}
}

func TestRecordAnswerRejections(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	snap := f.start(t, user, 10)
	ctx := context.Background()

	if _, err := f.registry.RecordAnswer(ctx, snap.ID, user, AnswerParams{QuestionID: 77, OptionID: opt(1)}); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("foreign question: err = %v", err)
	}
	if _, err := f.registry.RecordAnswer(ctx, snap.ID, user, AnswerParams{QuestionID: 1, TimeSpentSeconds: -1}); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("negative time: err = %v", err)
	}
	if _, err := f.registry.RecordAnswer(ctx, snap.ID, uuid.New(), AnswerParams{QuestionID: 1}); !errors.Is(err, model.ErrNotParticipant) {
		t.Fatalf("other user: err = %v", err)
	}
	if _, err := f.registry.RecordAnswer(ctx, uuid.New(), user, AnswerParams{QuestionID: 1}); !errors.Is(err, model.ErrSessionNotFound) {
		t.Fatalf("unknown session: err = %v", err)
	}
}

func TestRecordAnswerPersistFailureKeepsState(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	snap := f.start(t, user, 10)
	ctx := context.Background()

	f.store.FailSave = errors.New("db down")
	if _, err := f.registry.RecordAnswer(ctx, snap.ID, user, AnswerParams{QuestionID: 1, OptionID: opt(11)}); err == nil {
		t.Fatal("expected persist error")
	}
	got, _ := f.registry.GetSession(snap.ID)
	if _, ok := got.Answers[1]; ok {
		t.Fatal("answer applied in memory despite failed persist")
	}
	if got.LastEventSequence != snap.LastEventSequence {
		t.Fatalf("sequence advanced to %d on failure", got.LastEventSequence)
	}

	f.store.FailSave = nil
	a, err := f.registry.RecordAnswer(ctx, snap.ID, user, AnswerParams{QuestionID: 1, OptionID: opt(11)})
	if err != nil {
		t.Fatal(err)
	}
	if a.Sequence != snap.LastEventSequence+1 {
		t.Fatalf("sequence = %d, want %d", a.Sequence, snap.LastEventSequence+1)
	}
}

func TestActionsAfterDeadlineExpireTheSession(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	snap := f.start(t, user, 1)
	ctx := context.Background()

	if _, err := f.registry.RecordAnswer(ctx, snap.ID, user, AnswerParams{QuestionID: 1, OptionID: opt(11)}); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(time.Minute)

	_, err := f.registry.RecordAnswer(ctx, snap.ID, user, AnswerParams{QuestionID: 2, OptionID: opt(22)})
	if !errors.Is(err, model.ErrSessionExpired) {
		t.Fatalf("err = %v, want ErrSessionExpired", err)
	}
	if _, ok := f.registry.GetSession(snap.ID); ok {
		t.Fatal("expired session still live")
	}
	a, _ := f.store.GetAttempt(ctx, snap.ID)
	if a.Status != model.SessionStatusAutoSubmitted || a.Score != 1 {
		t.Fatalf("attempt = %s score %v, want auto_submitted with only the in-time answer", a.Status, a.Score)
	}
	if len(f.observer.closed) != 1 {
		t.Fatalf("observer calls = %d", len(f.observer.closed))
	}
}

func TestCompleteSession(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	snap := f.start(t, user, 10)
	ctx := context.Background()

	for _, p := range []AnswerParams{
		{QuestionID: 1, OptionID: opt(11), TimeSpentSeconds: 10},
		{QuestionID: 2, OptionID: opt(21), TimeSpentSeconds: 20},
	} {
		if _, err := f.registry.RecordAnswer(ctx, snap.ID, user, p); err != nil {
			t.Fatal(err)
		}
	}

	out, err := f.registry.CompleteSession(ctx, snap.ID, user)
	if err != nil {
		t.Fatalf("CompleteSession: %v", err)
	}
	if !out.Applied || out.Attempt.Status != model.SessionStatusCompleted {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Attempt.CorrectCount != 1 || out.Attempt.WrongCount != 1 || out.Attempt.UnansweredCount != 1 {
		t.Fatalf("counts = %+v", out.Attempt)
	}
	if _, ok := f.registry.GetSession(snap.ID); ok {
		t.Fatal("completed session still live")
	}
	if _, err := f.registry.CompleteSession(ctx, snap.ID, user); !errors.Is(err, model.ErrSessionNotFound) {
		t.Fatalf("second complete: err = %v", err)
	}

	events := f.ledger.Events(snap.ID)
	for i, e := range events {
		if e.Sequence != int64(i+1) {
			t.Fatalf("event %d has sequence %d", i, e.Sequence)
		}
	}
	if last := events[len(events)-1]; last.Type != model.EventComplete {
		t.Fatalf("last event = %s", last.Type)
	}
}

func TestCompleteSessionCommitFailureRevertsToInProgress(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	snap := f.start(t, user, 10)
	ctx := context.Background()

	f.store.FailCommit = errors.New("serialization failure")
	_, err := f.registry.CompleteSession(ctx, snap.ID, user)
	if !errors.Is(err, model.ErrTransaction) {
		t.Fatalf("err = %v, want ErrTransaction", err)
	}
	got, ok := f.registry.GetSession(snap.ID)
	if !ok || got.Status != model.SessionStatusInProgress {
		t.Fatalf("session after failed commit: ok=%v status=%s", ok, got.Status)
	}

	for _, e := range f.ledger.Events(snap.ID) {
		if e.Type == model.EventComplete {
			t.Fatalf("complete event recorded for a failed commit (seq %d)", e.Sequence)
		}
	}

	f.store.FailCommit = nil
	if _, err := f.registry.CompleteSession(ctx, snap.ID, user); err != nil {
		t.Fatalf("retry: %v", err)
	}
	events := f.ledger.Events(snap.ID)
	if last := events[len(events)-1]; last.Type != model.EventComplete || last.Sequence != int64(len(events)) {
		t.Fatalf("last event = %s/%d after %d events", last.Type, last.Sequence, len(events))
	}
}

func TestExpireIsNoOpBeforeDeadline(t *testing.T) {
	f := newFixture(t)
	snap := f.start(t, uuid.New(), 5)

	out, err := f.registry.Expire(context.Background(), snap.ID)
	if err != nil || out != nil {
		t.Fatalf("early expire: out=%v err=%v", out, err)
	}
	f.clock.Advance(5 * time.Minute)
	out, err = f.registry.Expire(context.Background(), snap.ID)
	if err != nil || out == nil || out.Attempt.Status != model.SessionStatusAutoSubmitted {
		t.Fatalf("expire at deadline: out=%+v err=%v", out, err)
	}
	if out, _ := f.registry.Expire(context.Background(), snap.ID); out != nil {
		t.Fatal("second expire did something")
	}
}

func TestParticipantsAreReferenceCounted(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	snap := f.start(t, user, 10)
	ctx := context.Background()

	if _, err := f.registry.Join(ctx, snap.ID, user); err != nil {
		t.Fatal(err)
	}
	if _, err := f.registry.Join(ctx, snap.ID, uuid.New()); !errors.Is(err, model.ErrNotParticipant) {
		t.Fatalf("stranger join: err = %v", err)
	}

	f.registry.Leave(snap.ID, user)
	if got := f.registry.Participants(snap.ID); len(got) != 1 {
		t.Fatalf("after one leave: %v", got)
	}
	f.registry.Leave(snap.ID, user)
	if got := f.registry.Participants(snap.ID); len(got) != 0 {
		t.Fatalf("after two leaves: %v", got)
	}
	if _, ok := f.registry.GetSession(snap.ID); !ok {
		t.Fatal("session dropped when last participant left")
	}
}

func TestRestoreContinuesSequence(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	snap := f.start(t, user, 10)
	ctx := context.Background()

	if _, err := f.registry.RecordAnswer(ctx, snap.ID, user, AnswerParams{QuestionID: 2, OptionID: opt(22), Flagged: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.registry.UpdateQuestionIndex(ctx, snap.ID, user, 1); err != nil {
		t.Fatal(err)
	}
	before, _ := f.registry.GetSession(snap.ID)

	// Simulate a restart: a fresh registry over the same store.
	fin := scoring.NewFinalizer(f.store, zerolog.Nop()).WithClock(f.clock.Now)
	r2 := NewRegistry(f.store, f.ledger, fin, zerolog.Nop(), WithClock(f.clock.Now))
	a, _ := f.store.GetAttempt(ctx, snap.ID)
	qs, _ := f.store.ListSnapshots(ctx, snap.ID)
	resps, _ := f.store.ListResponses(ctx, snap.ID)

	restored, err := r2.Restore(*a, qs, resps)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored.CurrentQuestionIndex != 1 || restored.LastEventSequence != before.LastEventSequence {
		t.Fatalf("restored index=%d seq=%d, want 1/%d", restored.CurrentQuestionIndex, restored.LastEventSequence, before.LastEventSequence)
	}
	if ans := restored.Answers[2]; ans.OptionID == nil || *ans.OptionID != 22 || !ans.Flagged {
		t.Fatalf("restored answer = %+v", ans)
	}
	if !restored.EndsAt.Equal(snap.EndsAt) {
		t.Fatalf("deadline moved: %v vs %v", restored.EndsAt, snap.EndsAt)
	}

	if _, err := r2.Join(ctx, snap.ID, user); err != nil {
		t.Fatal(err)
	}
	next, err := r2.RecordAnswer(ctx, snap.ID, user, AnswerParams{QuestionID: 1, OptionID: opt(11)})
	if err != nil {
		t.Fatal(err)
	}
	if next.Sequence != before.LastEventSequence+1 {
		t.Fatalf("sequence after restore = %d, want %d", next.Sequence, before.LastEventSequence+1)
	}
}

func TestRestoreBeforeFirstActionContinuesSequence(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	snap := f.start(t, user, 10)
	ctx := context.Background()

	fin := scoring.NewFinalizer(f.store, zerolog.Nop()).WithClock(f.clock.Now)
	r2 := NewRegistry(f.store, f.ledger, fin, zerolog.Nop(), WithClock(f.clock.Now))
	a, _ := f.store.GetAttempt(ctx, snap.ID)
	if a.LastEventSequence != 1 {
		t.Fatalf("persisted sequence after start = %d, want 1", a.LastEventSequence)
	}
	qs, _ := f.store.ListSnapshots(ctx, snap.ID)
	if _, err := r2.Restore(*a, qs, nil); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if _, err := r2.Join(ctx, snap.ID, user); err != nil {
		t.Fatal(err)
	}
	if _, err := r2.UpdateQuestionIndex(ctx, snap.ID, user, 2); err != nil {
		t.Fatal(err)
	}

	events := f.ledger.Events(snap.ID)
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Type != model.EventStart || events[0].Sequence != 1 ||
		events[1].Type != model.EventNavigate || events[1].Sequence != 2 {
		t.Fatalf("events = %s/%d %s/%d", events[0].Type, events[0].Sequence, events[1].Type, events[1].Sequence)
	}
}

func TestCreateSessionCappedByClosingTime(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	ctx := context.Background()

	closes := f.clock.Now().Add(5 * time.Minute)
	snap, err := f.registry.CreateSession(ctx, CreateParams{
		UserID: user, TestType: "mock", Questions: sampleQuestions(), DurationMinutes: 45, ClosesAt: &closes,
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if !snap.EndsAt.Equal(closes) {
		t.Fatalf("endsAt = %v, want %v", snap.EndsAt, closes)
	}
	if a, _ := f.store.GetAttempt(ctx, snap.ID); !a.EndsAt.Equal(closes) || a.DurationMinutes != 45 {
		t.Fatalf("persisted endsAt = %v duration = %d", a.EndsAt, a.DurationMinutes)
	}

	f.clock.Advance(6 * time.Minute)
	_, err = f.registry.RecordAnswer(ctx, snap.ID, user, AnswerParams{QuestionID: 1, OptionID: opt(11)})
	if !errors.Is(err, model.ErrSessionExpired) {
		t.Fatalf("answer after closing time: err = %v, want ErrSessionExpired", err)
	}

	// A later closing time leaves the duration in charge.
	late := f.clock.Now().Add(time.Hour)
	snap, err = f.registry.CreateSession(ctx, CreateParams{
		UserID: user, Questions: sampleQuestions(), DurationMinutes: 10, ClosesAt: &late,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := snap.EndsAt.Sub(snap.StartedAt); got != 10*time.Minute {
		t.Fatalf("endsAt - startedAt = %v", got)
	}

	closed := f.clock.Now()
	_, err = f.registry.CreateSession(ctx, CreateParams{
		UserID: user, Questions: sampleQuestions(), DurationMinutes: 10, ClosesAt: &closed,
	})
	if !errors.Is(err, model.ErrValidation) {
		t.Fatalf("closed paper: err = %v, want ErrValidation", err)
	}
}

func TestAnswerRejectedOnceAttemptIsFinalized(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	snap := f.start(t, user, 10)
	ctx := context.Background()

	if _, err := f.registry.RecordAnswer(ctx, snap.ID, user, AnswerParams{QuestionID: 1, OptionID: opt(11)}); err != nil {
		t.Fatal(err)
	}
	// Another process finalizes the attempt while this session is still live.
	fin := scoring.NewFinalizer(f.store, zerolog.Nop()).WithClock(f.clock.Now)
	if out, err := fin.Finalize(ctx, snap.ID, model.SessionStatusAutoSubmitted); err != nil || !out.Applied {
		t.Fatalf("Finalize: out=%+v err=%v", out, err)
	}

	_, err := f.registry.RecordAnswer(ctx, snap.ID, user, AnswerParams{QuestionID: 1, OptionID: opt(12)})
	if !errors.Is(err, model.ErrSessionClosed) {
		t.Fatalf("err = %v, want ErrSessionClosed", err)
	}
	resps, _ := f.store.ListResponses(ctx, snap.ID)
	for _, r := range resps {
		if r.QuestionID == 1 && (r.SelectedOptionID == nil || *r.SelectedOptionID != 11) {
			t.Fatalf("graded response rewritten: %+v", r)
		}
	}
	if got, _ := f.registry.GetSession(snap.ID); got.Answers[1].OptionID == nil || *got.Answers[1].OptionID != 11 {
		t.Fatalf("live answer changed: %+v", got.Answers[1])
	}
}

func TestConcurrentAnswersGetDistinctSequences(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	snap := f.start(t, user, 10)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q := int64(i%3 + 1)
			if _, err := f.registry.RecordAnswer(ctx, snap.ID, user, AnswerParams{QuestionID: q}); err != nil {
				t.Errorf("RecordAnswer: %v", err)
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool)
	for _, e := range f.ledger.Events(snap.ID) {
		if seen[e.Sequence] {
			t.Fatalf("duplicate sequence %d", e.Sequence)
		}
		seen[e.Sequence] = true
	}
	if len(seen) != 21 {
		t.Fatalf("events = %d, want 21", len(seen))
	}
}
