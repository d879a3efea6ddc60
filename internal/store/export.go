package store

import (
	"context"
	"fmt"

	"github.com/pavelanni/papergrader/internal/model"
)

// ExportPaper collects a paper with all its submissions and their current
// evaluations.
func (s *Store) ExportPaper(ctx context.Context, paperID int64) (*model.PaperExport, error) {
	paper, err := s.GetPaper(ctx, paperID)
	if err != nil {
		return nil, err
	}
	subs, err := s.ListSubmissions(ctx, paperID, "")
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	ids := make([]string, len(subs))
	for i, sub := range subs {
		ids[i] = sub.ID
	}
	evals, err := s.CurrentEvaluations(ctx, ids...)
	if err != nil {
		return nil, fmt.Errorf("list evaluations: %w", err)
	}
	return &model.PaperExport{
		Paper:       *paper,
		Submissions: subs,
		Evaluations: evals,
	}, nil
}
