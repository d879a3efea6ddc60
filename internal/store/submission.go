package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/papergrader/internal/model"
)

const submissionColumns = `seq, id, paper_id, student, image_path, extracted_text, ocr_confidence, analysis_json, status, submitted_at`

// CreateSubmission stores a new submission. An empty ID is replaced by a
// fresh UUID. The stored ID and persistence sequence are returned in the
// copy.
func (s *Store) CreateSubmission(ctx context.Context, sub model.Submission) (model.Submission, error) {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.SubmittedAt.IsZero() {
		sub.SubmittedAt = time.Now().UTC()
	}
	if sub.Status == "" {
		sub.Status = model.SubmissionPending
		if sub.ExtractedText != "" {
			sub.Status = model.SubmissionReady
		}
	}
	analysis, err := encodeAnalysis(sub.Analysis)
	if err != nil {
		return sub, err
	}

	err = s.queryRow(ctx, s.db,
		`INSERT INTO submissions (id, paper_id, student, image_path, extracted_text, ocr_confidence, analysis_json, status, submitted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING seq`,
		sub.ID, sub.PaperID, sub.Student, sub.ImagePath, sub.ExtractedText, sub.OCRConfidence, analysis, sub.Status, sub.SubmittedAt,
	).Scan(&sub.Seq)
	if err != nil {
		slog.Error("failed to create submission", "paper_id", sub.PaperID, "student", sub.Student, "error", err)
		return sub, fmt.Errorf("insert submission: %w", err)
	}
	slog.Info("created submission", "id", sub.ID, "paper_id", sub.PaperID, "student", sub.Student)
	return sub, nil
}

// GetSubmission returns a submission by ID.
func (s *Store) GetSubmission(ctx context.Context, id string) (*model.Submission, error) {
	row := s.queryRow(ctx, s.db, `SELECT `+submissionColumns+` FROM submissions WHERE id = ?`, id)
	sub, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("submission %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// ListSubmissions returns a paper's submissions in persistence order. An
// empty student lists every student's submissions.
func (s *Store) ListSubmissions(ctx context.Context, paperID int64, student string) ([]model.Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions WHERE paper_id = ?`
	args := []any{paperID}
	if student != "" {
		query += ` AND student = ?`
		args = append(args, student)
	}
	query += ` ORDER BY seq`

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var subs []model.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// UpdateSubmissionText records OCR output and marks the submission ready.
func (s *Store) UpdateSubmissionText(ctx context.Context, id, text string, confidence float64) error {
	return s.updateSubmission(ctx, id,
		`UPDATE submissions SET extracted_text = ?, ocr_confidence = ?, analysis_json = '', status = ? WHERE id = ?`,
		text, confidence, model.SubmissionReady, id,
	)
}

// UpdateSubmissionStatus sets the lifecycle status.
func (s *Store) UpdateSubmissionStatus(ctx context.Context, id string, status model.SubmissionStatus) error {
	return s.updateSubmission(ctx, id, `UPDATE submissions SET status = ? WHERE id = ?`, status, id)
}

// SaveAnalysis caches the sequence analysis of a submission.
func (s *Store) SaveAnalysis(ctx context.Context, id string, a *model.SequenceAnalysis) error {
	data, err := encodeAnalysis(a)
	if err != nil {
		return err
	}
	return s.updateSubmission(ctx, id, `UPDATE submissions SET analysis_json = ? WHERE id = ?`, data, id)
}

func (s *Store) updateSubmission(ctx context.Context, id, query string, args ...any) error {
	res, err := s.exec(ctx, s.db, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("submission %s: %w", id, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(r rowScanner) (*model.Submission, error) {
	var (
		sub      model.Submission
		conf     sql.NullFloat64
		analysis string
	)
	if err := r.Scan(&sub.Seq, &sub.ID, &sub.PaperID, &sub.Student, &sub.ImagePath, &sub.ExtractedText,
		&conf, &analysis, &sub.Status, &sub.SubmittedAt); err != nil {
		return nil, err
	}
	if conf.Valid {
		sub.OCRConfidence = &conf.Float64
	}
	if analysis != "" {
		var a model.SequenceAnalysis
		if err := json.Unmarshal([]byte(analysis), &a); err != nil {
			slog.Warn("discarding unreadable cached analysis", "submission", sub.ID, "error", err)
		} else {
			sub.Analysis = &a
		}
	}
	return &sub, nil
}

func encodeAnalysis(a *model.SequenceAnalysis) (string, error) {
	if a == nil {
		return "", nil
	}
	data, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("encode analysis: %w", err)
	}
	return string(data), nil
}
