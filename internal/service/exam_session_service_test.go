package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/prepline/examcore/internal/ledger"
	"github.com/prepline/examcore/internal/model"
	"github.com/prepline/examcore/internal/repository/memstore"
	"github.com/prepline/examcore/internal/scoring"
	"github.com/prepline/examcore/internal/session"
	"github.com/prepline/examcore/internal/timer"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type completion struct {
	sessionID uuid.UUID
	summary   CompletionSummary
}

type fakeNotifier struct {
	mu        sync.Mutex
	completed []completion
}

func (n *fakeNotifier) Tick(uuid.UUID, int, time.Time) {}

func (n *fakeNotifier) Completed(sessionID uuid.UUID, summary CompletionSummary) {
	n.mu.Lock()
	n.completed = append(n.completed, completion{sessionID, summary})
	n.mu.Unlock()
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.completed)
}

type env struct {
	store     *memstore.Store
	clock     *testClock
	rdb       *redis.Client
	active    *ActiveSessions
	scheduler *timer.Scheduler
	finalizer *scoring.Finalizer
	svc       *ExamSessionService
	notifier  *fakeNotifier
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	e := &env{
		store:  memstore.New(),
		clock:  &testClock{now: time.Now().UTC().Truncate(time.Second)},
		rdb:    rdb,
		active: NewActiveSessions(rdb),
	}
	e.store.AddQuestion(1, model.OptionSnapshot{ID: 11, IsCorrect: true}, model.OptionSnapshot{ID: 12})
	e.store.AddQuestion(2, model.OptionSnapshot{ID: 21}, model.OptionSnapshot{ID: 22, IsCorrect: true})
	e.store.AddQuestion(3, model.OptionSnapshot{ID: 31, IsCorrect: true}, model.OptionSnapshot{ID: 32})
	e.boot(t)
	return e
}

// boot builds a fresh registry and service over the existing store, as a
// process restart would.
func (e *env) boot(t *testing.T) {
	t.Helper()
	if e.scheduler != nil {
		e.scheduler.Shutdown()
	}
	e.finalizer = scoring.NewFinalizer(e.store, zerolog.Nop()).WithClock(e.clock.Now)
	registry := session.NewRegistry(e.store, ledger.NewMemory(), e.finalizer, zerolog.Nop(), session.WithClock(e.clock.Now))
	e.scheduler = timer.NewScheduler(time.Hour, zerolog.Nop()).WithClock(e.clock.Now)
	t.Cleanup(e.scheduler.Shutdown)
	e.svc = NewExamSessionService(registry, e.scheduler, e.store, e.store, e.finalizer, e.active,
		SessionConfig{DriftThreshold: 5 * time.Second}, zerolog.Nop())
	e.notifier = &fakeNotifier{}
	e.svc.SetNotifier(e.notifier)
}

func (e *env) start(t *testing.T, user uuid.UUID) model.SessionSnapshot {
	t.Helper()
	snap, err := e.svc.Start(context.Background(), user, StartRequest{
		TestType:        "practice",
		QuestionIDs:     []int64{1, 2, 3},
		DurationMinutes: 30,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return snap
}

func optID(v int64) *int64 { return &v }

func TestStartRecordsPointerAndTimer(t *testing.T) {
	e := newEnv(t)
	user := uuid.New()
	snap := e.start(t, user)

	id, ok, err := e.active.Get(context.Background(), user)
	if err != nil || !ok || id != snap.ID {
		t.Fatalf("active pointer = %v %v %v", id, ok, err)
	}
	if r, ok := e.scheduler.TimeRemaining(snap.ID); !ok || r != 1800 {
		t.Fatalf("timer remaining = %d %v", r, ok)
	}
}

func TestStartRejectsUnknownQuestion(t *testing.T) {
	e := newEnv(t)
	_, err := e.svc.Start(context.Background(), uuid.New(), StartRequest{QuestionIDs: []int64{1, 99}, DurationMinutes: 10})
	if !errors.Is(err, model.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if e.scheduler.Active() != 0 {
		t.Fatal("timer started for a rejected session")
	}
}

func TestStartFromPaper(t *testing.T) {
	e := newEnv(t)
	e.store.AddPaper(
		model.Paper{ID: 7, Title: "Full mock", TestType: "mock", DurationMinutes: 45},
		[]model.Section{
			{ID: 1, PaperID: 7, DisplayOrder: 2, Scheme: model.MarkingScheme{Correct: 4, Incorrect: -1}},
			{ID: 2, PaperID: 7, DisplayOrder: 1, Scheme: model.MarkingScheme{Correct: 2}},
		},
		[]model.PaperQuestion{
			{PaperID: 7, SectionID: 1, QuestionID: 1, Position: 0},
			{PaperID: 7, SectionID: 2, QuestionID: 3, Position: 0},
		},
	)
	paperID := int64(7)
	snap, err := e.svc.Start(context.Background(), uuid.New(), StartRequest{PaperID: &paperID})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if snap.TestType != "mock" || snap.DurationMinutes != 45 {
		t.Fatalf("paper defaults not applied: %+v", snap)
	}
	if len(snap.QuestionIDs) != 2 || snap.QuestionIDs[0] != 3 || snap.QuestionIDs[1] != 1 {
		t.Fatalf("questions = %v, want section order", snap.QuestionIDs)
	}

	missing := int64(404)
	if _, err := e.svc.Start(context.Background(), uuid.New(), StartRequest{PaperID: &missing}); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("unknown paper: err = %v", err)
	}
}

func TestStartFromPaperHonorsPaperDeadline(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	closes := e.clock.Now().Add(5 * time.Minute)
	e.store.AddPaper(
		model.Paper{ID: 8, Title: "Timed mock", TestType: "mock", DurationMinutes: 45, EndsAt: &closes},
		[]model.Section{{ID: 3, PaperID: 8, Scheme: model.MarkingScheme{Correct: 1}}},
		[]model.PaperQuestion{
			{PaperID: 8, SectionID: 3, QuestionID: 1, Position: 0},
			{PaperID: 8, SectionID: 3, QuestionID: 2, Position: 1},
		},
	)
	paperID := int64(8)
	user := uuid.New()

	snap, err := e.svc.Start(ctx, user, StartRequest{PaperID: &paperID})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !snap.EndsAt.Equal(closes) {
		t.Fatalf("live endsAt = %v, want paper deadline %v", snap.EndsAt, closes)
	}
	if r, ok := e.scheduler.TimeRemaining(snap.ID); !ok || r != 300 {
		t.Fatalf("timer remaining = %d %v, want 300", r, ok)
	}
	if a, _ := e.store.GetAttempt(ctx, snap.ID); !a.Deadline().Equal(snap.EndsAt) {
		t.Fatalf("persisted deadline %v differs from live %v", a.Deadline(), snap.EndsAt)
	}
	if _, err := e.svc.Answer(ctx, user, AnswerRequest{SessionID: snap.ID, QuestionID: 1, Answer: optID(11)}); err != nil {
		t.Fatal(err)
	}

	// The reaper finalizes once the paper closes; a late answer must not touch the graded attempt.
	e.clock.Advance(10 * time.Minute)
	out, err := e.finalizer.Finalize(ctx, snap.ID, model.SessionStatusAutoSubmitted)
	if err != nil || !out.Applied {
		t.Fatalf("Finalize: %+v %v", out, err)
	}
	if _, err := e.svc.Answer(ctx, user, AnswerRequest{SessionID: snap.ID, QuestionID: 2, Answer: optID(22)}); !errors.Is(err, model.ErrSessionExpired) {
		t.Fatalf("answer after paper deadline: err = %v, want ErrSessionExpired", err)
	}
	resps, _ := e.store.ListResponses(ctx, snap.ID)
	for _, r := range resps {
		if r.QuestionID == 2 && r.SelectedOptionID != nil {
			t.Fatalf("terminal attempt rewritten: %+v", r)
		}
	}

	// Starting once the paper has closed is refused.
	if _, err := e.svc.Start(ctx, uuid.New(), StartRequest{PaperID: &paperID}); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("closed paper: err = %v, want ErrValidation", err)
	}
}

func TestCompleteNotifiesAndClearsPointer(t *testing.T) {
	e := newEnv(t)
	user := uuid.New()
	snap := e.start(t, user)
	ctx := context.Background()

	if _, err := e.svc.Answer(ctx, user, AnswerRequest{SessionID: snap.ID, QuestionID: 1, Answer: optID(11), TimeSpent: 12}); err != nil {
		t.Fatal(err)
	}
	summary, err := e.svc.Complete(ctx, user, snap.ID)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if summary.Status != model.SessionStatusCompleted || summary.CorrectAnswers != 1 || summary.TotalQuestions != 3 {
		t.Fatalf("summary = %+v", summary)
	}
	// accuracy 33, xp 33*2 + 10
	if summary.Accuracy != 33 || summary.XPEarned != 76 {
		t.Fatalf("accuracy = %d xp = %d", summary.Accuracy, summary.XPEarned)
	}
	if e.notifier.count() != 1 {
		t.Fatalf("Completed notifications = %d", e.notifier.count())
	}
	if _, ok, _ := e.active.Get(ctx, user); ok {
		t.Fatal("active pointer survived completion")
	}
	if e.scheduler.Active() != 0 {
		t.Fatal("timer survived completion")
	}
	if _, err := e.svc.Complete(ctx, user, snap.ID); !errors.Is(err, model.ErrSessionNotFound) {
		t.Fatalf("second Complete: err = %v", err)
	}
}

func TestAnswerAcceptsClockDrift(t *testing.T) {
	e := newEnv(t)
	user := uuid.New()
	snap := e.start(t, user)

	skewed := e.clock.Now().Add(-10 * time.Minute)
	ack, err := e.svc.Answer(context.Background(), user, AnswerRequest{
		SessionID:       snap.ID,
		QuestionID:      2,
		Answer:          optID(22),
		ClientTimestamp: &skewed,
	})
	if err != nil || !ack.Saved {
		t.Fatalf("drifted answer rejected: %+v %v", ack, err)
	}
}

func TestReconnectRoundTrip(t *testing.T) {
	e := newEnv(t)
	user := uuid.New()
	snap := e.start(t, user)
	ctx := context.Background()

	if _, err := e.svc.Answer(ctx, user, AnswerRequest{SessionID: snap.ID, QuestionID: 2, Answer: optID(21), Flagged: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.svc.Navigate(ctx, user, snap.ID, 2); err != nil {
		t.Fatal(err)
	}
	e.svc.Disconnect(user, []uuid.UUID{snap.ID})
	if len(e.svc.Participants(snap.ID)) != 0 {
		t.Fatal("participant survived disconnect")
	}

	e.clock.Advance(10 * time.Minute)
	res, err := e.svc.Reconnect(ctx, user, snap.ID)
	if err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if res.State == nil || res.Final != nil {
		t.Fatalf("result = %+v", res)
	}
	st := res.State
	if st.CurrentQuestionIndex != 2 || st.TimeRemaining != 1200 {
		t.Fatalf("state index=%d remaining=%d", st.CurrentQuestionIndex, st.TimeRemaining)
	}
	if a := st.Answers[2]; a.OptionID == nil || *a.OptionID != 21 || !a.Flagged {
		t.Fatalf("answer = %+v", a)
	}
	if !st.HasParticipant(user) {
		t.Fatal("reconnecting user not a participant")
	}

	if _, err := e.svc.Reconnect(ctx, uuid.New(), snap.ID); !errors.Is(err, model.ErrNotParticipant) {
		t.Fatalf("stranger reconnect: err = %v", err)
	}
	if _, err := e.svc.Reconnect(ctx, user, uuid.New()); !errors.Is(err, model.ErrSessionNotFound) {
		t.Fatalf("unknown session: err = %v", err)
	}
}

func TestReconnectRestoresAfterRestart(t *testing.T) {
	e := newEnv(t)
	user := uuid.New()
	snap := e.start(t, user)
	ctx := context.Background()

	if _, err := e.svc.Answer(ctx, user, AnswerRequest{SessionID: snap.ID, QuestionID: 1, Answer: optID(11)}); err != nil {
		t.Fatal(err)
	}
	e.boot(t)
	if e.scheduler.Active() != 0 {
		t.Fatal("fresh process already has timers")
	}

	res, err := e.svc.Reconnect(ctx, user, snap.ID)
	if err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if res.State == nil || len(res.State.Answers) != 1 {
		t.Fatalf("restored state = %+v", res.State)
	}
	if !res.State.EndsAt.Equal(snap.EndsAt) {
		t.Fatalf("deadline moved on restore")
	}
	if _, ok := e.scheduler.TimeRemaining(snap.ID); !ok {
		t.Fatal("countdown not restarted on restore")
	}

	// The restored session accepts more work and completes normally.
	if _, err := e.svc.Answer(ctx, user, AnswerRequest{SessionID: snap.ID, QuestionID: 3, Answer: optID(31)}); err != nil {
		t.Fatal(err)
	}
	summary, err := e.svc.Complete(ctx, user, snap.ID)
	if err != nil {
		t.Fatal(err)
	}
	if summary.CorrectAnswers != 2 {
		t.Fatalf("correct = %d", summary.CorrectAnswers)
	}
}

func TestReconnectAfterDeadlineReturnsFinalScore(t *testing.T) {
	e := newEnv(t)
	user := uuid.New()
	snap := e.start(t, user)
	ctx := context.Background()

	if _, err := e.svc.Answer(ctx, user, AnswerRequest{SessionID: snap.ID, QuestionID: 1, Answer: optID(11)}); err != nil {
		t.Fatal(err)
	}
	e.boot(t)
	e.clock.Advance(31 * time.Minute)

	res, err := e.svc.Reconnect(ctx, user, snap.ID)
	if err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if res.State != nil || res.Final == nil {
		t.Fatalf("result = %+v", res)
	}
	if res.Final.Status != model.SessionStatusAutoSubmitted || res.Final.Score != 1 {
		t.Fatalf("final = %+v", res.Final)
	}

	again, err := e.svc.Reconnect(ctx, user, snap.ID)
	if err != nil || again.Final == nil || again.Final.Score != 1 {
		t.Fatalf("second reconnect = %+v %v", again, err)
	}
	if e.store.Commits != 1 {
		t.Fatalf("commits = %d", e.store.Commits)
	}
}

func TestReconnectLiveSessionPastDeadline(t *testing.T) {
	e := newEnv(t)
	user := uuid.New()
	snap := e.start(t, user)
	e.clock.Advance(30 * time.Minute)

	res, err := e.svc.Reconnect(context.Background(), user, snap.ID)
	if err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if res.Final == nil || res.Final.Status != model.SessionStatusAutoSubmitted {
		t.Fatalf("result = %+v", res)
	}
	if e.notifier.count() != 1 {
		t.Fatalf("Completed notifications = %d", e.notifier.count())
	}
}

func TestReaperFinalizationClosesLiveSession(t *testing.T) {
	e := newEnv(t)
	user := uuid.New()
	snap := e.start(t, user)
	ctx := context.Background()

	out, err := e.finalizer.Finalize(ctx, snap.ID, model.SessionStatusAutoSubmitted)
	if err != nil || !out.Applied {
		t.Fatalf("Finalize: %+v %v", out, err)
	}
	e.svc.AttemptFinalized(out)

	if e.notifier.count() != 1 {
		t.Fatalf("Completed notifications = %d", e.notifier.count())
	}
	if _, err := e.svc.Complete(ctx, user, snap.ID); !errors.Is(err, model.ErrSessionNotFound) {
		t.Fatalf("Complete after reaper: err = %v", err)
	}

	// A late local completion racing the reaper is a no-op.
	late, err := e.finalizer.Finalize(ctx, snap.ID, model.SessionStatusCompleted)
	if err != nil {
		t.Fatal(err)
	}
	if late.Applied || late.Attempt.Status != model.SessionStatusAutoSubmitted {
		t.Fatalf("late finalize = %+v", late)
	}
	if _, ok, _ := e.active.Get(ctx, user); ok {
		t.Fatal("active pointer survived reaper finalization")
	}
}
