package grading

import (
	"cmp"
	"context"
	"math"
	"slices"
	"time"

	"github.com/pavelanni/papergrader/internal/i18n"
	"github.com/pavelanni/papergrader/internal/model"
	"github.com/pavelanni/papergrader/internal/orgroup"
	"github.com/pavelanni/papergrader/internal/sequence"
)

var bandMessages = map[model.Band]string{
	model.BandExcellent:        "BandExcellent",
	model.BandVeryGood:         "BandVeryGood",
	model.BandGood:             "BandGood",
	model.BandSatisfactory:     "BandSatisfactory",
	model.BandNeedsImprovement: "BandNeedsImprovement",
	model.BandPoor:             "BandPoor",
}

// BuildReport totals every student's submissions on a paper and summarises
// the distribution. Students are listed in order of their first submission.
// Improvement areas average the four scoring signals over all current
// evaluations, weakest first.
func BuildReport(ctx context.Context, exp *model.PaperExport, seqCfg sequence.Config) *model.PaperReport {
	rep := &model.PaperReport{
		PaperID:     exp.Paper.ID,
		Title:       exp.Paper.Title,
		Subject:     exp.Paper.Subject,
		GeneratedAt: time.Now().UTC(),
	}

	var students []string
	byStudent := make(map[string][]model.Submission)
	for _, sub := range exp.Submissions {
		if _, ok := byStudent[sub.Student]; !ok {
			students = append(students, sub.Student)
		}
		byStudent[sub.Student] = append(byStudent[sub.Student], sub)
	}

	counts := make(map[model.Band]int)
	var pcts []float64
	for _, name := range students {
		subs := byStudent[name]
		agg := orgroup.Aggregate(exp.Paper.Questions, buildAttempts(exp.Paper.Questions, subs, exp.Evaluations, seqCfg))
		pct := round(agg.Percentage(), 2)
		band := model.BandFor(pct)
		counts[band]++
		pcts = append(pcts, pct)
		rep.Students = append(rep.Students, model.StudentResult{
			Student:     name,
			Submissions: len(subs),
			Aggregate:   agg,
			Percentage:  pct,
			Band:        band,
			BandLabel:   i18n.T(ctx, bandMessages[band]),
		})
	}

	for _, b := range model.Bands {
		rep.Distribution = append(rep.Distribution, model.BandCount{
			Band:  b,
			Label: i18n.T(ctx, bandMessages[b]),
			Count: counts[b],
		})
	}
	if len(pcts) > 0 {
		rep.AverageScore = round(mean(pcts), 2)
		rep.MedianScore = round(median(pcts), 2)
	}
	rep.ImprovementAreas = improvementAreas(ctx, exp.Evaluations)
	return rep
}

func improvementAreas(ctx context.Context, evals []model.StoredEvaluation) []model.ImprovementArea {
	if len(evals) == 0 {
		return nil
	}
	var sem, kw, st, co []float64
	for _, e := range evals {
		d := e.Result.DetailedScores
		sem = append(sem, d.Semantic)
		kw = append(kw, d.Keyword)
		st = append(st, d.Structure)
		co = append(co, d.Comprehensiveness)
	}
	areas := []model.ImprovementArea{
		{Signal: "semantic", Area: i18n.T(ctx, "AreaSemantic"), Score: round(mean(sem), 1)},
		{Signal: "keyword", Area: i18n.T(ctx, "AreaKeyword"), Score: round(mean(kw), 1)},
		{Signal: "structure", Area: i18n.T(ctx, "AreaStructure"), Score: round(mean(st), 1)},
		{Signal: "comprehensiveness", Area: i18n.T(ctx, "AreaComprehensiveness"), Score: round(mean(co), 1)},
	}
	slices.SortStableFunc(areas, func(a, b model.ImprovementArea) int { return cmp.Compare(a.Score, b.Score) })
	return areas
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func median(xs []float64) float64 {
	s := slices.Clone(xs)
	slices.Sort(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
