package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prepline/examcore/internal/model"
)

// QuestionRepository reads the question bank and paper structure. It never writes.
type QuestionRepository struct {
	pool *pgxpool.Pool
}

// NewQuestionRepository creates a new QuestionRepository.
func NewQuestionRepository(pool *pgxpool.Pool) *QuestionRepository {
	return &QuestionRepository{pool: pool}
}

// Snapshots freezes the current options of the given questions. Unknown
// question IDs are absent from the result.
func (r *QuestionRepository) Snapshots(ctx context.Context, questionIDs []int64) (map[int64]model.QuestionSnapshot, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM questions WHERE id = ANY($1::bigint[])`, questionIDs,
	)
	if err != nil {
		return nil, err
	}
	known, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, err
	}

	options, err := loadOptions(ctx, r.pool, known)
	if err != nil {
		return nil, err
	}

	out := make(map[int64]model.QuestionSnapshot, len(known))
	for _, id := range known {
		out[id] = model.QuestionSnapshot{QuestionID: id, Options: options[id]}
	}
	return out, nil
}

// GetPaper loads a paper. Returns model.ErrPaperNotFound when absent.
func (r *QuestionRepository) GetPaper(ctx context.Context, paperID int64) (*model.Paper, error) {
	p := &model.Paper{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, test_type, duration_minutes, ends_at FROM papers WHERE id = $1`, paperID,
	).Scan(&p.ID, &p.Title, &p.TestType, &p.DurationMinutes, &p.EndsAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrPaperNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// PaperQuestions returns the paper's questions ordered by section, then position.
func (r *QuestionRepository) PaperQuestions(ctx context.Context, paperID int64) ([]model.PaperQuestion, error) {
	byPaper, err := loadPaperQuestions(ctx, r.pool, []int64{paperID})
	if err != nil {
		return nil, err
	}
	return byPaper[paperID], nil
}

func loadPaperQuestions(ctx context.Context, q querier, paperIDs []int64) (map[int64][]model.PaperQuestion, error) {
	out := make(map[int64][]model.PaperQuestion)
	if len(paperIDs) == 0 {
		return out, nil
	}
	rows, err := q.Query(ctx,
		`SELECT pq.paper_id, pq.section_id, pq.question_id, pq.position
		 FROM paper_questions pq
		 JOIN paper_sections s ON s.id = pq.section_id
		 WHERE pq.paper_id = ANY($1::bigint[])
		 ORDER BY pq.paper_id, s.display_order, s.id, pq.position`, paperIDs,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var pq model.PaperQuestion
		if err := rows.Scan(&pq.PaperID, &pq.SectionID, &pq.QuestionID, &pq.Position); err != nil {
			return nil, err
		}
		out[pq.PaperID] = append(out[pq.PaperID], pq)
	}
	return out, rows.Err()
}

func loadSections(ctx context.Context, q querier, paperIDs []int64) (map[int64]model.Section, error) {
	out := make(map[int64]model.Section)
	if len(paperIDs) == 0 {
		return out, nil
	}
	rows, err := q.Query(ctx,
		`SELECT id, paper_id, title, display_order, marks_correct, marks_incorrect,
		        marks_unanswered, duration_minutes
		 FROM paper_sections
		 WHERE paper_id = ANY($1::bigint[])`, paperIDs,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var s model.Section
		if err := rows.Scan(&s.ID, &s.PaperID, &s.Title, &s.DisplayOrder, &s.Scheme.Correct,
			&s.Scheme.Incorrect, &s.Scheme.Unanswered, &s.DurationMinutes); err != nil {
			return nil, err
		}
		out[s.ID] = s
	}
	return out, rows.Err()
}

func loadOptions(ctx context.Context, q querier, questionIDs []int64) (map[int64][]model.OptionSnapshot, error) {
	out := make(map[int64][]model.OptionSnapshot)
	if len(questionIDs) == 0 {
		return out, nil
	}
	rows, err := q.Query(ctx,
		`SELECT question_id, id, is_correct
		 FROM question_options
		 WHERE question_id = ANY($1::bigint[])
		 ORDER BY question_id, id`, questionIDs,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			qid int64
			o   model.OptionSnapshot
		)
		if err := rows.Scan(&qid, &o.ID, &o.IsCorrect); err != nil {
			return nil, err
		}
		out[qid] = append(out[qid], o)
	}
	return out, rows.Err()
}
