package scorer

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/pavelanni/papergrader/internal/i18n"
	"github.com/pavelanni/papergrader/internal/model"
)

// Weights blends the four signals into a final 0-100 score. They sum to 1.
type Weights struct {
	Semantic          float64 `json:"semantic_weight"`
	Keyword           float64 `json:"keyword_weight"`
	Structure         float64 `json:"structure_weight"`
	Comprehensiveness float64 `json:"comprehensiveness_weight"`
}

var profiles = map[string]Weights{
	model.SubjectScience:     {Semantic: 0.35, Keyword: 0.35, Structure: 0.15, Comprehensiveness: 0.15},
	model.SubjectMath:        {Semantic: 0.30, Keyword: 0.40, Structure: 0.15, Comprehensiveness: 0.15},
	model.SubjectHumanities:  {Semantic: 0.40, Keyword: 0.25, Structure: 0.20, Comprehensiveness: 0.15},
	model.SubjectProgramming: {Semantic: 0.25, Keyword: 0.45, Structure: 0.15, Comprehensiveness: 0.15},
	model.SubjectGeneral:     {Semantic: 0.35, Keyword: 0.30, Structure: 0.20, Comprehensiveness: 0.15},
}

// Subjects lists the subject areas with a scoring profile.
var Subjects = []string{
	model.SubjectGeneral,
	model.SubjectScience,
	model.SubjectMath,
	model.SubjectHumanities,
	model.SubjectProgramming,
}

var subjectAliases = map[string]string{
	"physics":          model.SubjectScience,
	"chemistry":        model.SubjectScience,
	"biology":          model.SubjectScience,
	"mathematics":      model.SubjectMath,
	"maths":            model.SubjectMath,
	"history":          model.SubjectHumanities,
	"geography":        model.SubjectHumanities,
	"literature":       model.SubjectHumanities,
	"english":          model.SubjectHumanities,
	"computer science": model.SubjectProgramming,
	"coding":           model.SubjectProgramming,
}

// NormalizeSubject maps a free-form subject name onto a known profile,
// defaulting to general.
func NormalizeSubject(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if _, ok := profiles[s]; ok {
		return s
	}
	if a, ok := subjectAliases[s]; ok {
		return a
	}
	return model.SubjectGeneral
}

// WeightsFor returns the weight profile of a subject.
func WeightsFor(subject string) Weights {
	return profiles[NormalizeSubject(subject)]
}

// SubjectCriteria describes how a subject is scored.
type SubjectCriteria struct {
	Subject     string  `json:"subject"`
	Weights     Weights `json:"weights"`
	Description string  `json:"description"`
}

var criteriaMessages = map[string]string{
	model.SubjectGeneral:     "CriteriaGeneral",
	model.SubjectScience:     "CriteriaScience",
	model.SubjectMath:        "CriteriaMath",
	model.SubjectHumanities:  "CriteriaHumanities",
	model.SubjectProgramming: "CriteriaProgramming",
}

// Criteria returns the scoring profile of a subject with a localised
// description.
func Criteria(ctx context.Context, subject string) SubjectCriteria {
	s := NormalizeSubject(subject)
	return SubjectCriteria{
		Subject:     s,
		Weights:     profiles[s],
		Description: i18n.T(ctx, criteriaMessages[s]),
	}
}

// Validation reports problems with a scoring request before it is scored.
type Validation struct {
	Valid    bool     `json:"is_valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// ValidateInputs checks a request without scoring it. Errors mean the
// request cannot be meaningfully scored; warnings are informational.
func (s *Scorer) ValidateInputs(ctx context.Context, req model.ScoreRequest) Validation {
	v := Validation{Errors: []string{}, Warnings: []string{}}
	q := strings.TrimSpace(req.Question)
	a := strings.TrimSpace(req.StudentAnswer)
	m := strings.TrimSpace(req.ModelAnswer)

	if q == "" {
		v.Errors = append(v.Errors, i18n.T(ctx, "ValidationEmptyQuestion"))
	}
	if a == "" {
		v.Errors = append(v.Errors, i18n.T(ctx, "ValidationEmptyAnswer"))
	} else if utf8.RuneCountInString(a) < s.th.InsufficientChars {
		v.Warnings = append(v.Warnings, i18n.T(ctx, "ValidationShortAnswer"))
	}
	switch {
	case m == "":
		v.Warnings = append(v.Warnings, i18n.T(ctx, "ValidationEmptyModel"))
	case utf8.RuneCountInString(m) < s.th.ShortModelChars:
		v.Warnings = append(v.Warnings, i18n.T(ctx, "ValidationShortModel"))
	}
	if a != "" && s.isGiveUp(a) {
		v.Warnings = append(v.Warnings, i18n.T(ctx, "ValidationGiveUp"))
	}
	v.Valid = len(v.Errors) == 0
	return v
}
