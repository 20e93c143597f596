package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/prepline/examcore/internal/database"
	"github.com/prepline/examcore/internal/model"
)

// errAlreadyFinal rolls back a finalization that lost the status guard.
var errAlreadyFinal = errors.New("attempt no longer in progress")

// snapshotDoc is the jsonb document stored in attempt_questions.snapshot.
type snapshotDoc struct {
	Options []model.OptionSnapshot `json:"options"`
}

// AttemptRepository persists attempts, their responses and their graded state.
type AttemptRepository struct {
	pool *pgxpool.Pool
	tx   *database.Transactor
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool, tx: database.NewTransactor(pool)}
}

const attemptColumns = `
	a.id, a.user_id, a.paper_id, a.test_type, a.status, a.duration_minutes,
	a.started_at, a.ends_at, p.ends_at, a.submitted_at, a.current_question_index,
	a.last_event_sequence, a.score, a.correct_count, a.wrong_count,
	a.unanswered_count, a.total_questions, a.total_time_seconds`

func scanAttempt(row pgx.Row) (*model.Attempt, error) {
	a := &model.Attempt{}
	err := row.Scan(
		&a.ID, &a.UserID, &a.PaperID, &a.TestType, &a.Status, &a.DurationMinutes,
		&a.StartedAt, &a.EndsAt, &a.PaperEndsAt, &a.SubmittedAt, &a.CurrentQuestionIndex,
		&a.LastEventSequence, &a.Score, &a.CorrectCount, &a.WrongCount,
		&a.UnansweredCount, &a.TotalQuestions, &a.TotalTimeSeconds,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// CreateAttempt inserts the attempt row together with its frozen question list.
func (r *AttemptRepository) CreateAttempt(ctx context.Context, a *model.Attempt, questions []model.QuestionSnapshot) error {
	return r.tx.WithinTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO attempts (id, user_id, paper_id, test_type, status, duration_minutes,
			                       started_at, ends_at, last_event_sequence, total_questions)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			a.ID, a.UserID, a.PaperID, a.TestType, a.Status, a.DurationMinutes,
			a.StartedAt, a.EndsAt, a.LastEventSequence, len(questions),
		)
		if err != nil {
			return fmt.Errorf("insert attempt: %w", err)
		}

		rows := make([][]interface{}, 0, len(questions))
		for _, q := range questions {
			rows = append(rows, []interface{}{
				a.ID, q.QuestionID, q.SectionID, q.Position, snapshotDoc{Options: q.Options},
			})
		}
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"attempt_questions"},
			[]string{"attempt_id", "question_id", "section_id", "position", "snapshot"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("copy attempt questions: %w", err)
		}
		return nil
	})
}

// SaveAnswer upserts the single response row for (attempt, question) and
// advances the attempt's persisted event sequence. It returns
// model.ErrSessionClosed once the attempt has left in_progress, so a graded
// attempt never has its responses rewritten.
func (r *AttemptRepository) SaveAnswer(ctx context.Context, attemptID uuid.UUID, resp model.Response, sequence int64) error {
	batch := &pgx.Batch{}
	batch.Queue(
		`INSERT INTO attempt_responses (attempt_id, question_id, section_id, selected_option_id,
		                                time_spent_seconds, flagged, answered_at)
		 SELECT $1, $2, $3, $4, $5, $6, $7
		 WHERE EXISTS (SELECT 1 FROM attempts WHERE id = $1 AND status = 'in_progress')
		 ON CONFLICT (attempt_id, question_id) DO UPDATE
		 SET selected_option_id = EXCLUDED.selected_option_id,
		     time_spent_seconds = EXCLUDED.time_spent_seconds,
		     flagged = EXCLUDED.flagged,
		     answered_at = EXCLUDED.answered_at`,
		attemptID, resp.QuestionID, resp.SectionID, resp.SelectedOptionID,
		resp.TimeSpentSeconds, resp.Flagged, resp.AnsweredAt,
	)
	batch.Queue(
		`UPDATE attempts SET last_event_sequence = GREATEST(last_event_sequence, $2)
		 WHERE id = $1 AND status = 'in_progress'`,
		attemptID, sequence,
	)

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	tag, err := br.Exec()
	if err != nil {
		return fmt.Errorf("upsert response: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrSessionClosed
	}
	if _, err := br.Exec(); err != nil {
		return fmt.Errorf("advance sequence: %w", err)
	}
	return br.Close()
}

// SaveProgress records navigation and the latest event sequence.
func (r *AttemptRepository) SaveProgress(ctx context.Context, attemptID uuid.UUID, index int, sequence int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE attempts
		 SET current_question_index = $2,
		     last_event_sequence = GREATEST(last_event_sequence, $3)
		 WHERE id = $1 AND status = 'in_progress'`,
		attemptID, index, sequence,
	)
	return err
}

// GetAttempt loads one attempt. Returns model.ErrAttemptNotFound when absent.
func (r *AttemptRepository) GetAttempt(ctx context.Context, id uuid.UUID) (*model.Attempt, error) {
	a, err := scanAttempt(r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+`
		 FROM attempts a LEFT JOIN papers p ON p.id = a.paper_id
		 WHERE a.id = $1`, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrAttemptNotFound
	}
	return a, err
}

// ListByUser returns a page of the user's attempts, newest first, and the total count.
func (r *AttemptRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]model.Attempt, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM attempts WHERE user_id = $1`, userID,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+attemptColumns+`
		 FROM attempts a LEFT JOIN papers p ON p.id = a.paper_id
		 WHERE a.user_id = $1
		 ORDER BY a.started_at DESC
		 LIMIT $2 OFFSET $3`, userID, limit, offset,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var attempts []model.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, 0, err
		}
		attempts = append(attempts, *a)
	}
	return attempts, total, rows.Err()
}

// ListResponses returns the response rows of an attempt in question order.
func (r *AttemptRepository) ListResponses(ctx context.Context, attemptID uuid.UUID) ([]model.Response, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT r.attempt_id, r.question_id, r.section_id, r.selected_option_id, r.is_correct,
		        r.marks_awarded, r.time_spent_seconds, r.flagged, r.answered_at
		 FROM attempt_responses r
		 LEFT JOIN attempt_questions q ON q.attempt_id = r.attempt_id AND q.question_id = r.question_id
		 WHERE r.attempt_id = $1
		 ORDER BY q.position NULLS LAST, r.question_id`, attemptID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Response
	for rows.Next() {
		resp, err := scanResponse(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, resp)
	}
	return out, rows.Err()
}

// ListSnapshots returns the frozen question list of an attempt, in order.
func (r *AttemptRepository) ListSnapshots(ctx context.Context, attemptID uuid.UUID) ([]model.QuestionSnapshot, error) {
	byAttempt, err := loadSnapshots(ctx, r.pool, []uuid.UUID{attemptID})
	if err != nil {
		return nil, err
	}
	return byAttempt[attemptID], nil
}

// FindExpired returns in-progress attempts whose attempt or paper deadline has
// passed at now, oldest deadline first.
func (r *AttemptRepository) FindExpired(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT a.id
		 FROM attempts a LEFT JOIN papers p ON p.id = a.paper_id
		 WHERE a.status = 'in_progress'
		   AND (a.ends_at <= $1 OR (p.ends_at IS NOT NULL AND p.ends_at <= $1))
		 ORDER BY LEAST(a.ends_at, COALESCE(p.ends_at, a.ends_at))
		 LIMIT $2`, now, limit,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

// LoadGradingBatch bulk-loads everything needed to grade the given attempts:
// one query per table regardless of how many attempts are in the batch.
func (r *AttemptRepository) LoadGradingBatch(ctx context.Context, attemptIDs []uuid.UUID) (*model.GradingBatch, error) {
	b := model.NewGradingBatch()
	if len(attemptIDs) == 0 {
		return b, nil
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+attemptColumns+`
		 FROM attempts a LEFT JOIN papers p ON p.id = a.paper_id
		 WHERE a.id = ANY($1::uuid[])`, attemptIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("load attempts: %w", err)
	}
	var paperIDs []int64
	seenPaper := make(map[int64]bool)
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		b.Attempts[a.ID] = *a
		if a.PaperID != nil && !seenPaper[*a.PaperID] {
			seenPaper[*a.PaperID] = true
			paperIDs = append(paperIDs, *a.PaperID)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s, err := loadSnapshots(gctx, r.pool, attemptIDs)
		b.Snapshots = s
		return err
	})
	g.Go(func() error {
		pq, err := loadPaperQuestions(gctx, r.pool, paperIDs)
		b.PaperQuestions = pq
		return err
	})
	g.Go(func() error {
		s, err := loadSections(gctx, r.pool, paperIDs)
		b.Sections = s
		return err
	})
	g.Go(func() error {
		resp, err := loadResponses(gctx, r.pool, attemptIDs)
		b.Responses = resp
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("load grading data: %w", err)
	}

	// Live options are only needed for questions without a frozen snapshot.
	var missing []int64
	seenQ := make(map[int64]bool)
	need := func(qid int64) {
		if !seenQ[qid] {
			seenQ[qid] = true
			missing = append(missing, qid)
		}
	}
	for _, snaps := range b.Snapshots {
		for _, s := range snaps {
			if len(s.Options) == 0 {
				need(s.QuestionID)
			}
		}
	}
	for id, a := range b.Attempts {
		if len(b.Snapshots[id]) == 0 && a.PaperID != nil {
			for _, pq := range b.PaperQuestions[*a.PaperID] {
				need(pq.QuestionID)
			}
		}
	}
	if len(missing) > 0 {
		opts, err := loadOptions(ctx, r.pool, missing)
		if err != nil {
			return nil, fmt.Errorf("load live options: %w", err)
		}
		b.LiveOptions = opts
	}

	return b, nil
}

// CommitFinalization rewrites the attempt's responses, section rows and
// aggregates in one transaction, guarded by status = 'in_progress'. A lost
// guard rolls everything back and reports false.
func (r *AttemptRepository) CommitFinalization(ctx context.Context, f *model.Finalization) (bool, error) {
	a := f.Attempt
	err := r.tx.WithinTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE attempts
			 SET status = $2, submitted_at = $3, score = $4, correct_count = $5,
			     wrong_count = $6, unanswered_count = $7, total_questions = $8,
			     total_time_seconds = $9
			 WHERE id = $1 AND status = 'in_progress'`,
			a.ID, a.Status, a.SubmittedAt, a.Score, a.CorrectCount,
			a.WrongCount, a.UnansweredCount, a.TotalQuestions, a.TotalTimeSeconds,
		)
		if err != nil {
			return fmt.Errorf("update attempt: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return errAlreadyFinal
		}

		if _, err := tx.Exec(ctx, `DELETE FROM attempt_responses WHERE attempt_id = $1`, a.ID); err != nil {
			return fmt.Errorf("delete responses: %w", err)
		}
		responseRows := make([][]interface{}, 0, len(f.Responses))
		for _, resp := range f.Responses {
			answeredAt := resp.AnsweredAt
			if answeredAt.IsZero() {
				answeredAt = *a.SubmittedAt
			}
			responseRows = append(responseRows, []interface{}{
				a.ID, resp.QuestionID, resp.SectionID, resp.SelectedOptionID, resp.IsCorrect,
				resp.MarksAwarded, resp.TimeSpentSeconds, resp.Flagged, answeredAt,
			})
		}
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"attempt_responses"},
			[]string{"attempt_id", "question_id", "section_id", "selected_option_id", "is_correct",
				"marks_awarded", "time_spent_seconds", "flagged", "answered_at"},
			pgx.CopyFromRows(responseRows),
		); err != nil {
			return fmt.Errorf("insert responses: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM attempt_sections WHERE attempt_id = $1`, a.ID); err != nil {
			return fmt.Errorf("delete sections: %w", err)
		}
		sectionRows := make([][]interface{}, 0, len(f.Sections))
		for _, s := range f.Sections {
			sectionRows = append(sectionRows, []interface{}{a.ID, s.SectionID, s.Score, s.TimeSpentSeconds})
		}
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"attempt_sections"},
			[]string{"attempt_id", "section_id", "score", "time_spent_seconds"},
			pgx.CopyFromRows(sectionRows),
		); err != nil {
			return fmt.Errorf("insert sections: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO attempt_completions (attempt_id, payload)
			 VALUES ($1, $2)
			 ON CONFLICT (attempt_id) DO NOTHING`,
			a.ID, f.Completion,
		); err != nil {
			return fmt.Errorf("insert completion outbox: %w", err)
		}
		return nil
	})

	if errors.Is(err, errAlreadyFinal) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PurgeTerminal deletes the event, response, snapshot and section rows of
// finalized attempts submitted before cutoff. Attempt summary rows are kept
// and in-progress attempts are never selected, whatever their age.
func (r *AttemptRepository) PurgeTerminal(ctx context.Context, cutoff time.Time) (model.PurgeStats, error) {
	var stats model.PurgeStats
	err := r.tx.WithinTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT id FROM attempts
			 WHERE status <> 'in_progress'
			   AND submitted_at IS NOT NULL
			   AND submitted_at < $1`, cutoff,
		)
		if err != nil {
			return err
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
		if err != nil {
			return err
		}
		stats.Attempts = len(ids)
		if len(ids) == 0 {
			return nil
		}

		tag, err := tx.Exec(ctx, `DELETE FROM session_events WHERE session_id = ANY($1::uuid[])`, ids)
		if err != nil {
			return fmt.Errorf("purge events: %w", err)
		}
		stats.Events = tag.RowsAffected()

		tag, err = tx.Exec(ctx, `DELETE FROM attempt_responses WHERE attempt_id = ANY($1::uuid[])`, ids)
		if err != nil {
			return fmt.Errorf("purge responses: %w", err)
		}
		stats.Responses = tag.RowsAffected()

		if _, err := tx.Exec(ctx, `DELETE FROM attempt_questions WHERE attempt_id = ANY($1::uuid[])`, ids); err != nil {
			return fmt.Errorf("purge snapshots: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM attempt_sections WHERE attempt_id = ANY($1::uuid[])`, ids); err != nil {
			return fmt.Errorf("purge sections: %w", err)
		}
		return nil
	})
	return stats, err
}

// ─── bulk loaders ───────────────────────────────────────────────────

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadSnapshots(ctx context.Context, q querier, attemptIDs []uuid.UUID) (map[uuid.UUID][]model.QuestionSnapshot, error) {
	rows, err := q.Query(ctx,
		`SELECT attempt_id, question_id, section_id, position, snapshot
		 FROM attempt_questions
		 WHERE attempt_id = ANY($1::uuid[])
		 ORDER BY attempt_id, position`, attemptIDs,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[uuid.UUID][]model.QuestionSnapshot)
	for rows.Next() {
		var (
			attemptID uuid.UUID
			s         model.QuestionSnapshot
			doc       snapshotDoc
		)
		if err := rows.Scan(&attemptID, &s.QuestionID, &s.SectionID, &s.Position, &doc); err != nil {
			return nil, err
		}
		s.Options = doc.Options
		out[attemptID] = append(out[attemptID], s)
	}
	return out, rows.Err()
}

func loadResponses(ctx context.Context, q querier, attemptIDs []uuid.UUID) (map[uuid.UUID]map[int64]model.Response, error) {
	rows, err := q.Query(ctx,
		`SELECT attempt_id, question_id, section_id, selected_option_id, is_correct,
		        marks_awarded, time_spent_seconds, flagged, answered_at
		 FROM attempt_responses
		 WHERE attempt_id = ANY($1::uuid[])`, attemptIDs,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[uuid.UUID]map[int64]model.Response)
	for rows.Next() {
		resp, err := scanResponse(rows)
		if err != nil {
			return nil, err
		}
		if out[resp.AttemptID] == nil {
			out[resp.AttemptID] = make(map[int64]model.Response)
		}
		out[resp.AttemptID][resp.QuestionID] = resp
	}
	return out, rows.Err()
}

func scanResponse(row pgx.Row) (model.Response, error) {
	var resp model.Response
	err := row.Scan(&resp.AttemptID, &resp.QuestionID, &resp.SectionID, &resp.SelectedOptionID,
		&resp.IsCorrect, &resp.MarksAwarded, &resp.TimeSpentSeconds, &resp.Flagged, &resp.AnsweredAt)
	return resp, err
}
