package hybrid

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pavelanni/papergrader/internal/embed"
	"github.com/pavelanni/papergrader/internal/llm"
	"github.com/pavelanni/papergrader/internal/model"
	"github.com/pavelanni/papergrader/internal/scorer"
)

type stubRemote struct {
	score *llm.Score
	err   error
	panic bool
	calls int
	got   llm.Request
}

func (s *stubRemote) ScoreAnswer(ctx context.Context, req llm.Request) (*llm.Score, error) {
	s.calls++
	s.got = req
	if s.panic {
		panic("boom")
	}
	return s.score, s.err
}

type slowRemote struct{}

func (slowRemote) ScoreAnswer(ctx context.Context, req llm.Request) (*llm.Score, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func newLocal() *scorer.Scorer {
	return scorer.New(nil, nil, scorer.DefaultThresholds())
}

func scoreReq() model.ScoreRequest {
	return model.ScoreRequest{
		Question:      "Explain photosynthesis.",
		StudentAnswer: "Photosynthesis is how plants use sunlight, water and carbon dioxide to make glucose.",
		ModelAnswer:   "Photosynthesis is the process by which plants convert light energy, water and carbon dioxide into glucose and oxygen.",
		SubjectArea:   "science",
		MaxMarks:      10,
	}
}

func TestCombineScenario(t *testing.T) {
	c := New(newLocal(), nil, DefaultConfig())
	local := model.EvaluationResult{
		MaxMarks:     10,
		Marks10:      6,
		MarksAwarded: 6,
		Feedback:     "local feedback",
		SourceScores: map[string]float64{"local.marks10": 6},
		Mode:         model.ModeLocalOnly,
	}
	remote := &llm.Score{MarksAwarded: 8, MaxMarks: 10, Feedback: "Solid answer."}

	res := c.combine(context.Background(), local, remote)
	if res.MarksAwarded != 7 {
		t.Errorf("MarksAwarded = %d, want 7", res.MarksAwarded)
	}
	if res.Marks10 < 7.19 || res.Marks10 > 7.21 {
		t.Errorf("Marks10 = %v, want 7.2", res.Marks10)
	}
	if res.Mode != model.ModeHybrid {
		t.Errorf("Mode = %s, want HYBRID", res.Mode)
	}
	if res.SourceScores["local.marks10"] != 6 || res.SourceScores["llm.marks10"] != 8 {
		t.Errorf("source scores = %v", res.SourceScores)
	}
	if local.Mode != model.ModeLocalOnly || len(local.SourceScores) != 1 {
		t.Error("local result must not be mutated")
	}
}

func TestCombineRescales(t *testing.T) {
	c := New(newLocal(), nil, DefaultConfig())
	local := model.EvaluationResult{MaxMarks: 5, Marks10: 6}
	res := c.combine(context.Background(), local, &llm.Score{MarksAwarded: 8, MaxMarks: 10})
	if res.MarksAwarded != 4 {
		t.Errorf("MarksAwarded = %d, want round(7.2/10*5) = 4", res.MarksAwarded)
	}
}

func TestMergeFeedback(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name   string
		remote *llm.Score
		want   []string
		absent []string
	}{
		{
			name: "narrative and lists",
			remote: &llm.Score{
				Feedback:      "Good.",
				Strengths:     []string{"clear"},
				Weaknesses:    []string{"short"},
				MissingPoints: []string{"oxygen"},
			},
			want:   []string{"Good.", "Strengths:\n• clear", "Areas for improvement:\n• short", "Missing points:\n• oxygen"},
			absent: []string{"local"},
		},
		{
			name:   "lists only",
			remote: &llm.Score{Strengths: []string{"clear"}},
			want:   []string{"Strengths:\n• clear"},
			absent: []string{"local"},
		},
		{
			name:   "nothing from LLM",
			remote: &llm.Score{},
			want:   []string{"local"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mergeFeedback(ctx, tt.remote, "local")
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("feedback %q missing %q", got, w)
				}
			}
			for _, a := range tt.absent {
				if strings.Contains(got, a) {
					t.Errorf("feedback %q should not contain %q", got, a)
				}
			}
		})
	}
}

func TestScoreModes(t *testing.T) {
	ctx := context.Background()

	t.Run("no remote", func(t *testing.T) {
		res := New(newLocal(), nil, DefaultConfig()).Score(ctx, scoreReq())
		if res.Mode != model.ModeLocalOnly {
			t.Errorf("Mode = %s, want LOCAL_ONLY", res.Mode)
		}
	})

	t.Run("hybrid", func(t *testing.T) {
		r := &stubRemote{score: &llm.Score{MarksAwarded: 9, MaxMarks: 10, Feedback: "Nice.", DetailedScores: map[string]float64{"accuracy": 90}}}
		res := New(newLocal(), r, DefaultConfig()).Score(ctx, scoreReq())
		if res.Mode != model.ModeHybrid {
			t.Fatalf("Mode = %s, want HYBRID", res.Mode)
		}
		if res.SourceScores["llm.accuracy"] != 90 {
			t.Errorf("llm.accuracy = %v", res.SourceScores["llm.accuracy"])
		}
		if _, ok := res.SourceScores["local.semantic"]; !ok {
			t.Error("local scores should be kept")
		}
		if r.got.MaxMarks != 10 || r.got.SubjectArea != "science" {
			t.Errorf("remote request = %+v", r.got)
		}
	})

	t.Run("remote error", func(t *testing.T) {
		r := &stubRemote{err: errors.New("unavailable")}
		res := New(newLocal(), r, DefaultConfig()).Score(ctx, scoreReq())
		if res.Mode != model.ModeFallback {
			t.Errorf("Mode = %s, want FALLBACK", res.Mode)
		}
		if res.Failure != "" {
			t.Errorf("LLM failure must not surface, got %q", res.Failure)
		}
	})

	t.Run("remote panic", func(t *testing.T) {
		r := &stubRemote{panic: true}
		res := New(newLocal(), r, DefaultConfig()).Score(ctx, scoreReq())
		if res.Mode != model.ModeFallback {
			t.Errorf("Mode = %s, want FALLBACK", res.Mode)
		}
	})

	t.Run("remote nil score", func(t *testing.T) {
		res := New(newLocal(), &stubRemote{}, DefaultConfig()).Score(ctx, scoreReq())
		if res.Mode != model.ModeFallback {
			t.Errorf("Mode = %s, want FALLBACK", res.Mode)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Timeout = 10 * time.Millisecond
		res := New(newLocal(), slowRemote{}, cfg).Score(ctx, scoreReq())
		if res.Mode != model.ModeFallback {
			t.Errorf("Mode = %s, want FALLBACK", res.Mode)
		}
	})

	t.Run("insufficient answer skips remote", func(t *testing.T) {
		r := &stubRemote{score: &llm.Score{MarksAwarded: 10, MaxMarks: 10}}
		req := scoreReq()
		req.StudentAnswer = "yes"
		res := New(newLocal(), r, DefaultConfig()).Score(ctx, req)
		if r.calls != 0 {
			t.Errorf("remote called %d times, want 0", r.calls)
		}
		if res.MarksAwarded != 0 {
			t.Errorf("MarksAwarded = %d, want 0", res.MarksAwarded)
		}
	})

	t.Run("local failure skips remote", func(t *testing.T) {
		failing := scorer.New(embed.Func(func(ctx context.Context, a, b string) (float64, error) {
			return 0, errors.New("no model")
		}), nil, scorer.DefaultThresholds())
		r := &stubRemote{score: &llm.Score{MarksAwarded: 10, MaxMarks: 10}}
		res := New(failing, r, DefaultConfig()).Score(ctx, scoreReq())
		if r.calls != 0 || res.Failure != model.FailureScoring {
			t.Errorf("calls = %d, failure = %q", r.calls, res.Failure)
		}
	})
}

func TestNewClampsWeight(t *testing.T) {
	c := New(newLocal(), nil, Config{LLMWeight: 1.5})
	if c.cfg.LLMWeight != 1 {
		t.Errorf("LLMWeight = %v, want 1", c.cfg.LLMWeight)
	}
}
