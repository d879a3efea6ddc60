package paper

import (
	"testing"

	"github.com/pavelanni/papergrader/internal/model"
)

func keys(qs []model.ExpectedQuestion) []string {
	out := make([]string, len(qs))
	for i, q := range qs {
		out[i] = q.Key()
	}
	return out
}

func TestParseSequentialQuestions(t *testing.T) {
	raw := "Question 1: What is energy?\nQuestion 2: Define force.\nQuestion 3: State Newton's first law."
	res := Parse(raw, DefaultConfig())

	if res.Fallback {
		t.Fatal("unexpected fallback")
	}
	if len(res.Questions) != 3 {
		t.Fatalf("got %d questions, want 3", len(res.Questions))
	}
	for i, q := range res.Questions {
		if q.Number != i+1 {
			t.Errorf("question %d has Number %d", i, q.Number)
		}
		if q.OrGroupID != "" {
			t.Errorf("question %d unexpectedly in group %q", q.Number, q.OrGroupID)
		}
		if q.MaxMarks != 10 {
			t.Errorf("question %d MaxMarks = %d, want 10", q.Number, q.MaxMarks)
		}
	}
	if res.Questions[1].Text != "Define force." {
		t.Errorf("question 2 text = %q", res.Questions[1].Text)
	}
}

func TestParseOrGroup(t *testing.T) {
	raw := `1. Explain photosynthesis.
OR
2. Explain respiration.
3. Define osmosis.`
	res := Parse(raw, DefaultConfig())

	if len(res.Questions) != 3 {
		t.Fatalf("got %d questions, want 3", len(res.Questions))
	}
	q1, q2, q3 := res.Questions[0], res.Questions[1], res.Questions[2]
	if q1.OrGroupID == "" || q1.OrGroupID != q2.OrGroupID {
		t.Errorf("questions 1 and 2 should share a group, got %q and %q", q1.OrGroupID, q2.OrGroupID)
	}
	if q1.OrGroupID != "or_group_1" {
		t.Errorf("group id = %q, want or_group_1", q1.OrGroupID)
	}
	if q3.OrGroupID != "" {
		t.Errorf("question 3 should not be grouped, got %q", q3.OrGroupID)
	}
	if res.OrGroups != 1 {
		t.Errorf("OrGroups = %d, want 1", res.OrGroups)
	}
}

func TestParseOrGroupSkipsAnswerLines(t *testing.T) {
	raw := `1. Describe the water cycle.
Ans 1: Evaporation, condensation and precipitation.
Water moves between sea, air and land.
(OR)
2. Describe the carbon cycle.`
	res := Parse(raw, DefaultConfig())

	if len(res.Questions) != 2 {
		t.Fatalf("got %d questions, want 2", len(res.Questions))
	}
	if res.Questions[0].OrGroupID == "" || res.Questions[0].OrGroupID != res.Questions[1].OrGroupID {
		t.Errorf("expected shared group, got %q and %q", res.Questions[0].OrGroupID, res.Questions[1].OrGroupID)
	}
	want := "Evaporation, condensation and precipitation.\nWater moves between sea, air and land."
	if res.Questions[0].ModelAnswer != want {
		t.Errorf("model answer = %q, want %q", res.Questions[0].ModelAnswer, want)
	}
}

func TestParseChainedOr(t *testing.T) {
	raw := "1. First option\nOR\n2. Second option\nOR\n3. Third option\n4. Compulsory"
	res := Parse(raw, DefaultConfig())

	if res.OrGroups != 1 {
		t.Fatalf("OrGroups = %d, want 1", res.OrGroups)
	}
	for _, q := range res.Questions[:3] {
		if q.OrGroupID != "or_group_1" {
			t.Errorf("question %s group = %q, want or_group_1", q.Key(), q.OrGroupID)
		}
	}
	if res.Questions[3].OrGroupID != "" {
		t.Errorf("question 4 group = %q, want none", res.Questions[3].OrGroupID)
	}
}

func TestParseSubQuestions(t *testing.T) {
	raw := "Question 2b: Part b\nQuestion 1: First\nQuestion 2a: Part a"
	res := Parse(raw, DefaultConfig())

	got := keys(res.Questions)
	want := []string{"1", "2a", "2b"}
	if len(got) != len(want) {
		t.Fatalf("keys = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("keys = %v, want %v", got, want)
			break
		}
	}
	marks := []int{10, 5, 5}
	for i, q := range res.Questions {
		if q.Number != i+1 {
			t.Errorf("%s Number = %d, want %d", q.Key(), q.Number, i+1)
		}
		if q.MaxMarks != marks[i] {
			t.Errorf("%s MaxMarks = %d, want %d", q.Key(), q.MaxMarks, marks[i])
		}
	}
}

func TestParseSubQuestionOrGroupsFamily(t *testing.T) {
	raw := `1a. Define mass.
1b. Define weight.
OR
2a. Define speed.
2b. Define velocity.`
	res := Parse(raw, DefaultConfig())

	if len(res.Questions) != 4 {
		t.Fatalf("got %d questions, want 4", len(res.Questions))
	}
	for _, q := range res.Questions {
		if q.OrGroupID != "or_group_1" {
			t.Errorf("%s group = %q, want or_group_1", q.Key(), q.OrGroupID)
		}
	}
}

func TestParseAnswerKeySection(t *testing.T) {
	raw := `Questions
1. What is inertia?
2. What is momentum?
Answer Key
1. Resistance to change in motion.
2. Mass times velocity.`
	res := Parse(raw, DefaultConfig())

	if len(res.Questions) != 2 {
		t.Fatalf("got %d questions, want 2", len(res.Questions))
	}
	if res.Questions[0].ModelAnswer != "Resistance to change in motion." {
		t.Errorf("model answer 1 = %q", res.Questions[0].ModelAnswer)
	}
	if res.Questions[1].Text != "What is momentum?" {
		t.Errorf("question 2 text = %q", res.Questions[1].Text)
	}
	if res.AnswerSection == "" {
		t.Error("answer section should not be empty")
	}
}

func TestParseMarksAndDecimals(t *testing.T) {
	raw := "1. Compute the mass. (4 marks)\n1.5 kg of water is heated.\n2. Explain heat [6]"
	res := Parse(raw, DefaultConfig())

	if len(res.Questions) != 2 {
		t.Fatalf("got %d questions, want 2", len(res.Questions))
	}
	if res.Questions[0].MaxMarks != 4 {
		t.Errorf("question 1 MaxMarks = %d, want 4", res.Questions[0].MaxMarks)
	}
	if res.Questions[1].MaxMarks != 6 {
		t.Errorf("question 2 MaxMarks = %d, want 6", res.Questions[1].MaxMarks)
	}
	if want := "Compute the mass. (4 marks)\n1.5 kg of water is heated."; res.Questions[0].Text != want {
		t.Errorf("question 1 text = %q, want %q", res.Questions[0].Text, want)
	}

	cfg := DefaultConfig()
	cfg.DetectMarks = false
	res = Parse(raw, cfg)
	if res.Questions[0].MaxMarks != 10 {
		t.Errorf("with detection off MaxMarks = %d, want 10", res.Questions[0].MaxMarks)
	}
}

func TestParseRepeatedMarkerOverwrites(t *testing.T) {
	raw := "Question 1: draft text\nQuestion 1: final text"
	res := Parse(raw, DefaultConfig())
	if len(res.Questions) != 1 {
		t.Fatalf("got %d questions, want 1", len(res.Questions))
	}
	if res.Questions[0].Text != "final text" {
		t.Errorf("text = %q, want %q", res.Questions[0].Text, "final text")
	}
}

func TestParseFallback(t *testing.T) {
	raw := "Physics exam\nanswer all parts\nenergy is conserved\nforce is mass times acceleration"
	res := Parse(raw, DefaultConfig())

	if !res.Fallback {
		t.Fatal("expected fallback")
	}
	if res.Failure != model.FailureParse {
		t.Errorf("Failure = %q, want %q", res.Failure, model.FailureParse)
	}
	if res.QuestionSection != "Physics exam\nanswer all parts" {
		t.Errorf("question section = %q", res.QuestionSection)
	}
	if res.AnswerSection != "energy is conserved\nforce is mass times acceleration" {
		t.Errorf("answer section = %q", res.AnswerSection)
	}
}

func TestParseEmpty(t *testing.T) {
	res := Parse("", DefaultConfig())
	if !res.Fallback || len(res.Questions) != 0 {
		t.Errorf("empty input: fallback=%v questions=%d", res.Fallback, len(res.Questions))
	}
}
