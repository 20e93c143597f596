// Package scoring grades attempts under per-section marking schemes and
// persists the result in a single guarded transaction.
package scoring

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/prepline/examcore/internal/model"
)

// Question is one gradable item of an attempt, with its correctness and scheme resolved.
type Question struct {
	QuestionID int64
	SectionID  *int64
	Options    []model.OptionSnapshot
	Scheme     model.MarkingScheme
}

func (q Question) hasOption(id int64) bool {
	for _, o := range q.Options {
		if o.ID == id {
			return true
		}
	}
	return false
}

func (q Question) isCorrect(id int64) bool {
	for _, o := range q.Options {
		if o.ID == id {
			return o.IsCorrect
		}
	}
	return false
}

// Input is the grading input for a single attempt, in paper order.
type Input struct {
	Attempt   model.Attempt
	Questions []Question
	Responses map[int64]model.Response
}

// Result is the outcome of grading an attempt.
type Result struct {
	Score            float64
	Correct          int
	Wrong            int
	Unanswered       int
	Total            int
	TotalTimeSeconds int
	Responses        []model.Response
	Sections         []model.AttemptSection
}

// BuildInput resolves the questions, marking schemes and correct options of one
// attempt from a bulk-loaded batch. Frozen per-attempt snapshots win over the
// live question bank; a paper's question bindings are used only when the attempt
// has no snapshot rows at all.
func BuildInput(b *model.GradingBatch, attemptID uuid.UUID) (Input, error) {
	a, ok := b.Attempts[attemptID]
	if !ok {
		return Input{}, fmt.Errorf("attempt %s: %w", attemptID, model.ErrAttemptNotFound)
	}

	bound := make(map[int64]int64)
	if a.PaperID != nil {
		for _, pq := range b.PaperQuestions[*a.PaperID] {
			bound[pq.QuestionID] = pq.SectionID
		}
	}

	snapshots := b.Snapshots[attemptID]
	if len(snapshots) == 0 && a.PaperID != nil {
		for i, pq := range b.PaperQuestions[*a.PaperID] {
			sid := pq.SectionID
			snapshots = append(snapshots, model.QuestionSnapshot{
				QuestionID: pq.QuestionID,
				SectionID:  &sid,
				Position:   i,
			})
		}
	}

	questions := make([]Question, 0, len(snapshots))
	for _, s := range snapshots {
		q := Question{
			QuestionID: s.QuestionID,
			SectionID:  s.SectionID,
			Options:    s.Options,
			Scheme:     model.DefaultMarkingScheme,
		}
		if len(q.Options) == 0 {
			q.Options = b.LiveOptions[s.QuestionID]
		}
		if q.SectionID == nil {
			if sid, ok := bound[s.QuestionID]; ok {
				q.SectionID = &sid
			}
		}
		if q.SectionID != nil {
			if sec, ok := b.Sections[*q.SectionID]; ok {
				q.Scheme = sec.Scheme
			}
		}
		questions = append(questions, q)
	}

	return Input{
		Attempt:   a,
		Questions: questions,
		Responses: b.Responses[attemptID],
	}, nil
}

// Grade scores every question of the attempt exactly once. Responses for
// questions outside the attempt are ignored; a response whose option does not
// belong to its question counts as unanswered. Grade is pure: the same input
// always yields the same result.
func Grade(in Input) Result {
	var (
		res      = Result{Total: len(in.Questions)}
		total    = decimal.Zero
		sections = make(map[int64]*sectionTotals)
		order    []int64
	)

	res.Responses = make([]model.Response, 0, len(in.Questions))

	for _, q := range in.Questions {
		resp, ok := in.Responses[q.QuestionID]
		row := model.Response{
			AttemptID:  in.Attempt.ID,
			QuestionID: q.QuestionID,
			SectionID:  q.SectionID,
		}
		if ok {
			row.TimeSpentSeconds = resp.TimeSpentSeconds
			row.Flagged = resp.Flagged
			row.AnsweredAt = resp.AnsweredAt
			if resp.SelectedOptionID != nil && q.hasOption(*resp.SelectedOptionID) {
				selected := *resp.SelectedOptionID
				row.SelectedOptionID = &selected
			}
		}

		var marks decimal.Decimal
		correct := false
		switch {
		case row.SelectedOptionID == nil:
			marks = decimal.NewFromFloat(q.Scheme.Unanswered)
			res.Unanswered++
		case q.isCorrect(*row.SelectedOptionID):
			marks = decimal.NewFromFloat(q.Scheme.Correct)
			correct = true
			res.Correct++
		default:
			marks = decimal.NewFromFloat(q.Scheme.Incorrect)
			res.Wrong++
		}

		row.IsCorrect = &correct
		row.MarksAwarded = marks.InexactFloat64()
		total = total.Add(marks)
		res.TotalTimeSeconds += row.TimeSpentSeconds
		res.Responses = append(res.Responses, row)

		if q.SectionID != nil {
			st, seen := sections[*q.SectionID]
			if !seen {
				st = &sectionTotals{score: decimal.Zero}
				sections[*q.SectionID] = st
				order = append(order, *q.SectionID)
			}
			st.score = st.score.Add(marks)
			st.seconds += row.TimeSpentSeconds
		}
	}

	res.Score = total.InexactFloat64()
	res.Sections = make([]model.AttemptSection, 0, len(order))
	for _, sid := range order {
		st := sections[sid]
		res.Sections = append(res.Sections, model.AttemptSection{
			AttemptID:        in.Attempt.ID,
			SectionID:        sid,
			Score:            st.score.InexactFloat64(),
			TimeSpentSeconds: st.seconds,
		})
	}

	return res
}

type sectionTotals struct {
	score   decimal.Decimal
	seconds int
}
