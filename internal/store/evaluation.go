package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/papergrader/internal/model"
)

const evaluationColumns = `id, submission_id, question_number, result_json, superseded_by, manual_marks, manual_feedback`

// InsertEvaluation stores a new result for one question of a submission.
// Any previous current result for the same question is marked as superseded
// by the new one; no existing result is modified otherwise.
func (s *Store) InsertEvaluation(ctx context.Context, submissionID string, questionNumber int, res model.EvaluationResult) (string, error) {
	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	if res.EvaluatedAt.IsZero() {
		res.EvaluatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(res)
	if err != nil {
		return "", fmt.Errorf("encode evaluation: %w", err)
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := s.exec(ctx, tx,
			`UPDATE evaluations SET superseded_by = ?
			 WHERE submission_id = ? AND question_number = ? AND superseded_by = ''`,
			res.ID, submissionID, questionNumber,
		)
		if err != nil {
			return fmt.Errorf("supersede evaluations: %w", err)
		}
		_, err = s.exec(ctx, tx,
			`INSERT INTO evaluations (id, submission_id, question_number, result_json, marks_awarded, max_marks, mode, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			res.ID, submissionID, questionNumber, string(data), res.MarksAwarded, res.MaxMarks, res.Mode, res.EvaluatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert evaluation: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return res.ID, nil
}

// GetEvaluation returns a stored evaluation by ID, superseded or not.
func (s *Store) GetEvaluation(ctx context.Context, id string) (*model.StoredEvaluation, error) {
	row := s.queryRow(ctx, s.db, `SELECT `+evaluationColumns+` FROM evaluations WHERE id = ?`, id)
	ev, err := scanEvaluation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("evaluation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// CurrentEvaluations returns the non-superseded evaluations of the given
// submissions ordered by submission and question.
func (s *Store) CurrentEvaluations(ctx context.Context, submissionIDs ...string) ([]model.StoredEvaluation, error) {
	if len(submissionIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(submissionIDs)), ", ")
	args := make([]any, len(submissionIDs))
	for i, id := range submissionIDs {
		args[i] = id
	}
	rows, err := s.query(ctx, s.db,
		`SELECT `+evaluationColumns+` FROM evaluations
		 WHERE superseded_by = '' AND submission_id IN (`+placeholders+`)
		 ORDER BY submission_id, question_number`, args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.StoredEvaluation
	for rows.Next() {
		ev, err := scanEvaluation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

// OverrideEvaluation records a grader's marks and feedback beside an
// automated result. The automated result itself is kept unchanged.
func (s *Store) OverrideEvaluation(ctx context.Context, id string, marks int, feedback string) error {
	res, err := s.exec(ctx, s.db,
		`UPDATE evaluations SET manual_marks = ?, manual_feedback = ? WHERE id = ?`,
		marks, feedback, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("evaluation %s: %w", id, ErrNotFound)
	}
	slog.Info("evaluation overridden", "id", id, "marks", marks)
	return nil
}

func scanEvaluation(r rowScanner) (*model.StoredEvaluation, error) {
	var (
		ev     model.StoredEvaluation
		data   string
		manual sql.NullInt64
	)
	if err := r.Scan(&ev.Result.ID, &ev.SubmissionID, &ev.QuestionNumber, &data, &ev.SupersededBy, &manual, &ev.ManualFeedback); err != nil {
		return nil, err
	}
	id := ev.Result.ID
	if err := json.Unmarshal([]byte(data), &ev.Result); err != nil {
		return nil, fmt.Errorf("decode evaluation %s: %w", id, err)
	}
	ev.Result.ID = id
	if manual.Valid {
		m := int(manual.Int64)
		ev.ManualMarks = &m
	}
	return &ev, nil
}
