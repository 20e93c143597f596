package scoring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prepline/examcore/internal/model"
)

// Store is the persistence port used to grade and finalize attempts.
type Store interface {
	LoadGradingBatch(ctx context.Context, attemptIDs []uuid.UUID) (*model.GradingBatch, error)
	// CommitFinalization writes the graded attempt in one transaction guarded by
	// status = 'in_progress'. It reports false when another finalization already won.
	CommitFinalization(ctx context.Context, f *model.Finalization) (bool, error)
	GetAttempt(ctx context.Context, id uuid.UUID) (*model.Attempt, error)
}

// Outcome describes the persisted terminal state of an attempt after a finalization call.
type Outcome struct {
	Attempt model.Attempt
	// Applied is false when the attempt was already terminal and nothing was written.
	Applied bool
}

// Finalizer grades attempts and commits their terminal state. It is safe to
// call repeatedly and concurrently for the same attempt: only one call applies.
type Finalizer struct {
	store Store
	now   func() time.Time
	log   zerolog.Logger
}

// NewFinalizer creates a Finalizer backed by store.
func NewFinalizer(store Store, log zerolog.Logger) *Finalizer {
	return &Finalizer{
		store: store,
		now:   time.Now,
		log:   log.With().Str("component", "finalizer").Logger(),
	}
}

// WithClock overrides the time source used for submitted_at.
func (f *Finalizer) WithClock(now func() time.Time) *Finalizer {
	f.now = now
	return f
}

// Finalize loads, grades and commits a single attempt.
func (f *Finalizer) Finalize(ctx context.Context, attemptID uuid.UUID, status model.SessionStatus) (*Outcome, error) {
	batch, err := f.store.LoadGradingBatch(ctx, []uuid.UUID{attemptID})
	if err != nil {
		return nil, fmt.Errorf("load grading input: %w", err)
	}
	return f.FinalizeLoaded(ctx, batch, attemptID, status)
}

// FinalizeLoaded grades one attempt of an already loaded batch and commits it.
func (f *Finalizer) FinalizeLoaded(ctx context.Context, batch *model.GradingBatch, attemptID uuid.UUID, status model.SessionStatus) (*Outcome, error) {
	if status != model.SessionStatusCompleted && status != model.SessionStatusAutoSubmitted {
		return nil, fmt.Errorf("%w: cannot finalize into status %q", model.ErrValidation, status)
	}

	in, err := BuildInput(batch, attemptID)
	if err != nil {
		return nil, err
	}
	if in.Attempt.Status.Terminal() {
		return &Outcome{Attempt: in.Attempt}, nil
	}

	fin := Apply(in.Attempt, Grade(in), status, f.now().UTC())

	applied, err := f.store.CommitFinalization(ctx, fin)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrTransaction, err)
	}
	if !applied {
		persisted, err := f.store.GetAttempt(ctx, attemptID)
		if err != nil {
			return nil, fmt.Errorf("reload attempt after lost race: %w", err)
		}
		f.log.Debug().Str("attempt_id", attemptID.String()).Msg("Attempt already finalized, skipping")
		return &Outcome{Attempt: *persisted}, nil
	}

	f.log.Info().
		Str("attempt_id", attemptID.String()).
		Str("status", string(status)).
		Float64("score", fin.Attempt.Score).
		Int("correct", fin.Attempt.CorrectCount).
		Int("wrong", fin.Attempt.WrongCount).
		Int("unanswered", fin.Attempt.UnansweredCount).
		Msg("Attempt finalized")

	return &Outcome{Attempt: fin.Attempt, Applied: true}, nil
}

// Apply folds a grading result into the attempt and builds the finalization record.
func Apply(a model.Attempt, res Result, status model.SessionStatus, at time.Time) *model.Finalization {
	a.Status = status
	a.SubmittedAt = &at
	a.Score = res.Score
	a.CorrectCount = res.Correct
	a.WrongCount = res.Wrong
	a.UnansweredCount = res.Unanswered
	a.TotalQuestions = res.Total
	a.TotalTimeSeconds = res.TotalTimeSeconds

	return &model.Finalization{
		Attempt:    a,
		Responses:  res.Responses,
		Sections:   res.Sections,
		Completion: model.NewCompletion(a),
	}
}

// IsRetryable reports whether a finalization error leaves the attempt in progress
// for a later retry.
func IsRetryable(err error) bool {
	return errors.Is(err, model.ErrTransaction)
}
