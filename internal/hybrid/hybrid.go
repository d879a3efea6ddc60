// Package hybrid blends the local signal scorer with a remote LLM scorer.
package hybrid

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pavelanni/papergrader/internal/i18n"
	"github.com/pavelanni/papergrader/internal/llm"
	"github.com/pavelanni/papergrader/internal/llm/prompts"
	"github.com/pavelanni/papergrader/internal/model"
	"github.com/pavelanni/papergrader/internal/scorer"
)

// RemoteScorer marks an answer out of Request.MaxMarks. *llm.Client
// implements it.
type RemoteScorer interface {
	ScoreAnswer(ctx context.Context, req llm.Request) (*llm.Score, error)
}

// Config controls the blend.
type Config struct {
	LLMWeight float64               // share of the LLM mark in the combined mark, in [0,1]
	Timeout   time.Duration         // bound on one remote call; zero means none
	Variant   prompts.PromptVariant // LLM prompt variant
}

// DefaultConfig returns the standard blend: 60% LLM, 30 second timeout.
func DefaultConfig() Config {
	return Config{LLMWeight: 0.6, Timeout: 30 * time.Second, Variant: prompts.PromptStandard}
}

// Combiner scores answers locally and, when a remote scorer is configured,
// blends in the remote mark.
type Combiner struct {
	local  *scorer.Scorer
	remote RemoteScorer
	cfg    Config
}

// New creates a combiner. remote may be nil, in which case every result is
// the local one.
func New(local *scorer.Scorer, remote RemoteScorer, cfg Config) *Combiner {
	cfg.LLMWeight = min(max(cfg.LLMWeight, 0), 1)
	return &Combiner{local: local, remote: remote, cfg: cfg}
}

// Score evaluates one answer. A remote failure never surfaces as an error:
// the local result is returned with mode FALLBACK.
func (c *Combiner) Score(ctx context.Context, req model.ScoreRequest) model.EvaluationResult {
	local := c.local.Score(ctx, req)
	if c.remote == nil {
		return local
	}
	if local.Failure != "" || local.DetailedScores.ShortCircuit == model.ShortCircuitInsufficient {
		return local
	}

	remote, err := c.callRemote(ctx, req)
	if err != nil {
		slog.Warn("LLM scoring unavailable, using local result", "error", err)
		local.Mode = model.ModeFallback
		local.SourceScores = withKey(local.SourceScores, "llm.available", 0)
		return local
	}
	return c.combine(ctx, local, remote)
}

func (c *Combiner) callRemote(ctx context.Context, req model.ScoreRequest) (score *llm.Score, err error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("LLM scorer panic: %v", r)
		}
	}()

	score, err = c.remote.ScoreAnswer(ctx, llm.Request{
		Question:      req.Question,
		StudentAnswer: req.StudentAnswer,
		ModelAnswer:   req.ModelAnswer,
		SubjectArea:   scorer.NormalizeSubject(req.SubjectArea),
		MaxMarks:      10,
		Variant:       c.cfg.Variant,
	})
	if err != nil {
		return nil, err
	}
	if score == nil {
		return nil, fmt.Errorf("LLM scorer returned no result")
	}
	return score, nil
}

func (c *Combiner) combine(ctx context.Context, local model.EvaluationResult, remote *llm.Score) model.EvaluationResult {
	w := c.cfg.LLMWeight
	llm10 := remote.Marks10()
	combined := local.Marks10*(1-w) + llm10*w

	res := local
	res.Mode = model.ModeHybrid
	res.Marks10 = combined
	res.MarksAwarded = model.RescaleMarks(combined, local.MaxMarks)
	res.SimilarityScore = combined / 10

	res.SourceScores = make(map[string]float64, len(local.SourceScores)+len(remote.DetailedScores)+3)
	for k, v := range local.SourceScores {
		res.SourceScores[k] = v
	}
	for k, v := range remote.DetailedScores {
		res.SourceScores["llm."+k] = v
	}
	res.SourceScores["llm.marks10"] = llm10
	res.SourceScores["llm.available"] = 1
	res.SourceScores["hybrid.marks10"] = combined

	res.Strengths = remote.Strengths
	res.Weaknesses = remote.Weaknesses
	res.MissingPoints = remote.MissingPoints
	res.Feedback = mergeFeedback(ctx, remote, local.Feedback)

	slog.Debug("hybrid score", "local", local.Marks10, "llm", llm10, "combined", combined)
	return res
}

// mergeFeedback joins the LLM narrative with its bulleted lists. The local
// feedback is used only when the LLM gave none.
func mergeFeedback(ctx context.Context, remote *llm.Score, localFeedback string) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(remote.Feedback))

	section := func(msgID string, items []string) {
		if len(items) == 0 {
			return
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(i18n.T(ctx, msgID))
		for _, it := range items {
			sb.WriteString("\n• ")
			sb.WriteString(it)
		}
	}
	section("HybridStrengths", remote.Strengths)
	section("HybridWeaknesses", remote.Weaknesses)
	section("HybridMissing", remote.MissingPoints)

	if sb.Len() == 0 {
		return localFeedback
	}
	return sb.String()
}

func withKey(m map[string]float64, k string, v float64) map[string]float64 {
	out := make(map[string]float64, len(m)+1)
	for key, val := range m {
		out[key] = val
	}
	out[k] = v
	return out
}
