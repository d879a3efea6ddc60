// Package scorer grades a student answer against a model answer using four
// local signals: semantic similarity, key-term coverage, structure and
// comprehensiveness. A few short-circuit rules settle obvious cases first.
package scorer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pavelanni/papergrader/internal/embed"
	"github.com/pavelanni/papergrader/internal/i18n"
	"github.com/pavelanni/papergrader/internal/model"
	"github.com/pavelanni/papergrader/internal/textnorm"
)

// Thresholds are the empirically chosen constants of the short-circuit rules
// and the semantic blend.
type Thresholds struct {
	InsufficientChars int     // answers shorter than this score 0
	IrrelevantChars   int     // give-up phrases are only checked up to this length
	Unrelated         float64 // similarity to both question and model below this scores 0
	ExactMatch        float64 // similarity to the model at or above this scores full marks
	ShortModelChars   int     // model answers shorter than this draw a validation warning
	PrimaryWeight     float64 // share of the higher-capacity provider in the semantic signal
}

// DefaultThresholds returns the standard constants.
func DefaultThresholds() Thresholds {
	return Thresholds{
		InsufficientChars: 5,
		IrrelevantChars:   20,
		Unrelated:         0.15,
		ExactMatch:        0.92,
		ShortModelChars:   20,
		PrimaryWeight:     0.7,
	}
}

// giveUpPhrases are all at least InsufficientChars long; shorter answers
// never reach the give-up check.
var giveUpPhrases = []string{
	"i dont know", "i do not know", "dont know", "no idea", "dunno",
	"not sure", "nothing", "no answer", "i have no idea", "cant answer",
	"cannot answer",
}

// Scorer computes local evaluation results. It is safe for concurrent use.
type Scorer struct {
	primary   embed.Provider
	secondary embed.Provider
	th        Thresholds
	now       func() time.Time
}

// New creates a scorer. primary is the higher-capacity similarity provider;
// secondary contributes the smaller share of the semantic signal. Nil
// providers default to embed.Stemmed and embed.BagOfWords.
func New(primary, secondary embed.Provider, th Thresholds) *Scorer {
	if primary == nil {
		primary = embed.Stemmed{}
	}
	if secondary == nil {
		secondary = embed.BagOfWords{}
	}
	return &Scorer{primary: primary, secondary: secondary, th: th, now: time.Now}
}

// Thresholds returns the scorer's constants.
func (s *Scorer) Thresholds() Thresholds { return s.th }

// Score evaluates one answer. It never returns an error: any failure while
// computing signals yields a zero-mark result with Failure set to
// model.FailureScoring and the error text in Feedback.
func (s *Scorer) Score(ctx context.Context, req model.ScoreRequest) (res model.EvaluationResult) {
	maxMarks := req.MaxMarks
	if maxMarks <= 0 {
		maxMarks = 10
	}
	subject := NormalizeSubject(req.SubjectArea)

	defer func() {
		if r := recover(); r != nil {
			res = s.failure(ctx, maxMarks, subject, fmt.Errorf("panic: %v", r))
		}
	}()

	out, err := s.evaluate(ctx, req, subject)
	if err != nil {
		return s.failure(ctx, maxMarks, subject, err)
	}

	res = model.EvaluationResult{
		MarksAwarded:    model.RescaleMarks(float64(out.marks10), maxMarks),
		MaxMarks:        maxMarks,
		Marks10:         float64(out.marks10),
		SimilarityScore: out.final / 100,
		DetailedScores:  out.scores,
		SourceScores: map[string]float64{
			"local.semantic":          out.scores.Semantic,
			"local.keyword":           out.scores.Keyword,
			"local.structure":         out.scores.Structure,
			"local.comprehensiveness": out.scores.Comprehensiveness,
			"local.final":             out.final,
			"local.marks10":           float64(out.marks10),
		},
		Feedback:      out.feedback,
		Strengths:     out.strengths,
		Weaknesses:    out.weaknesses,
		MissingPoints: out.missing,
		Mode:          model.ModeLocalOnly,
		SubjectArea:   subject,
		EvaluatedAt:   s.now().UTC(),
	}
	return res
}

type outcome struct {
	marks10    int
	final      float64
	scores     model.ScoreBreakdown
	feedback   string
	strengths  []string
	weaknesses []string
	missing    []string
}

func (s *Scorer) evaluate(ctx context.Context, req model.ScoreRequest, subject string) (outcome, error) {
	answer := strings.TrimSpace(req.StudentAnswer)
	reference := strings.TrimSpace(req.ModelAnswer)
	if reference == "" {
		reference = strings.TrimSpace(req.Question)
	}

	if utf8.RuneCountInString(answer) < s.th.InsufficientChars {
		return s.shortCircuit(ctx, model.ShortCircuitInsufficient, "FeedbackInsufficient"), nil
	}

	simQuestion, err := s.primary.Similarity(ctx, answer, req.Question)
	if err != nil {
		return outcome{}, fmt.Errorf("question similarity: %w", err)
	}
	simModel, err := s.primary.Similarity(ctx, answer, reference)
	if err != nil {
		return outcome{}, fmt.Errorf("model answer similarity: %w", err)
	}

	if simQuestion < s.th.Unrelated && simModel < s.th.Unrelated {
		return s.shortCircuit(ctx, model.ShortCircuitUnrelated, "FeedbackUnrelated"), nil
	}

	if s.isGiveUp(answer) {
		return s.shortCircuit(ctx, model.ShortCircuitIrrelevant, "FeedbackIrrelevant"), nil
	}

	na := textnorm.NormalizeAnswer(answer)
	if (na != "" && na == textnorm.NormalizeAnswer(reference)) || simModel >= s.th.ExactMatch {
		out := s.shortCircuit(ctx, model.ShortCircuitExactMatch, "FeedbackExactMatch")
		out.marks10 = 10
		out.final = 100
		out.scores = model.ScoreBreakdown{
			Semantic: 100, Keyword: 100, Structure: 100, Comprehensiveness: 100,
			ShortCircuit: model.ShortCircuitExactMatch,
		}
		return out, nil
	}

	secondary, err := s.secondary.Similarity(ctx, answer, reference)
	if err != nil {
		return outcome{}, fmt.Errorf("secondary similarity: %w", err)
	}
	semantic := 100 * ((1-s.th.PrimaryWeight)*secondary + s.th.PrimaryWeight*simModel)
	kw := keywordScore(answer, reference, subject)
	st := structureScore(answer, reference)
	co := comprehensivenessScore(answer, reference)

	w := WeightsFor(subject)
	final := semantic*w.Semantic + kw.score*w.Keyword + st.score*w.Structure + co.score*w.Comprehensiveness

	out := outcome{
		marks10: BandMarks(final),
		final:   final,
		scores: model.ScoreBreakdown{
			Semantic:          semantic,
			Keyword:           kw.score,
			Structure:         st.score,
			Comprehensiveness: co.score,
		},
		missing: firstN(kw.missing, 5),
	}
	s.describe(ctx, &out, st, co)
	return out, nil
}

// isGiveUp reports whether a short answer is, or starts, a give-up phrase.
func (s *Scorer) isGiveUp(answer string) bool {
	if utf8.RuneCountInString(answer) > s.th.IrrelevantChars {
		return false
	}
	na := textnorm.NormalizeAnswer(answer)
	if na == "" {
		return false
	}
	for _, p := range giveUpPhrases {
		if na == p || strings.HasPrefix(p, na+" ") || strings.HasPrefix(na, p+" ") {
			return true
		}
	}
	return false
}

func (s *Scorer) shortCircuit(ctx context.Context, rule model.ShortCircuit, msgID string) outcome {
	slog.Debug("answer short-circuited", "rule", rule)
	return outcome{
		scores:   model.ScoreBreakdown{ShortCircuit: rule},
		feedback: i18n.T(ctx, msgID),
	}
}

func (s *Scorer) failure(ctx context.Context, maxMarks int, subject string, err error) model.EvaluationResult {
	slog.Warn("scoring failed", "error", err)
	return model.EvaluationResult{
		MaxMarks:    maxMarks,
		Feedback:    i18n.Td(ctx, "FeedbackScoringError", map[string]any{"Error": err.Error()}),
		Mode:        model.ModeLocalOnly,
		SubjectArea: subject,
		Failure:     model.FailureScoring,
		Error:       err.Error(),
		EvaluatedAt: s.now().UTC(),
	}
}

// describe fills the localised feedback, strengths and weaknesses.
func (s *Scorer) describe(ctx context.Context, out *outcome, st structureResult, co comprehensivenessResult) {
	var parts []string
	switch {
	case out.marks10 >= 8:
		parts = append(parts, i18n.T(ctx, "FeedbackExcellent"))
	case out.marks10 >= 6:
		parts = append(parts, i18n.T(ctx, "FeedbackGood"))
	case out.marks10 >= 4:
		parts = append(parts, i18n.T(ctx, "FeedbackFair"))
	default:
		parts = append(parts, i18n.T(ctx, "FeedbackPoor"))
	}

	sc := out.scores
	if sc.Semantic >= 60 {
		out.strengths = append(out.strengths, i18n.T(ctx, "StrengthSemantic"))
	} else if sc.Semantic < 40 {
		out.weaknesses = append(out.weaknesses, i18n.T(ctx, "WeaknessSemantic"))
	}
	if sc.Keyword >= 60 {
		out.strengths = append(out.strengths, i18n.T(ctx, "StrengthKeywords"))
	} else if sc.Keyword < 40 {
		out.weaknesses = append(out.weaknesses, i18n.T(ctx, "WeaknessKeywords"))
	}
	if st.hasIntro && st.hasConcl {
		out.strengths = append(out.strengths, i18n.T(ctx, "StrengthStructure"))
	} else if sc.Structure < 75 {
		out.weaknesses = append(out.weaknesses, i18n.T(ctx, "WeaknessStructure"))
		parts = append(parts, i18n.T(ctx, "FeedbackImproveStructure"))
	}
	if co.coverage >= 0.7 {
		out.strengths = append(out.strengths, i18n.T(ctx, "StrengthComprehensive"))
	} else if co.coverage < 0.4 {
		out.weaknesses = append(out.weaknesses, i18n.T(ctx, "WeaknessComprehensive"))
	}
	if !co.examples && out.marks10 < 8 {
		parts = append(parts, i18n.T(ctx, "FeedbackAddExamples"))
	}
	if len(out.missing) > 0 {
		parts = append(parts, i18n.Td(ctx, "FeedbackMissingTerms", map[string]any{
			"Terms": strings.Join(out.missing, ", "),
		}))
	}
	parts = append(parts, i18n.Tp(ctx, "MarksOutOfTen", out.marks10))
	out.feedback = strings.Join(parts, " ")
}

func firstN(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
