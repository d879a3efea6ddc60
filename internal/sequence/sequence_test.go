package sequence

import (
	"math"
	"reflect"
	"testing"

	"github.com/pavelanni/papergrader/internal/model"
)

func questions(keys ...string) []model.ExpectedQuestion {
	qs := make([]model.ExpectedQuestion, 0, len(keys))
	for i, k := range keys {
		q := model.ExpectedQuestion{Number: i + 1, MaxMarks: 10}
		main := 0
		for _, r := range k {
			if r >= '0' && r <= '9' {
				main = main*10 + int(r-'0')
			} else {
				q.SubLetter = string(r)
				q.MaxMarks = 5
			}
		}
		q.MainNumber = main
		qs = append(qs, q)
	}
	return qs
}

func TestAnalyzeOutOfOrderSubQuestions(t *testing.T) {
	raw := "2a. Water is H2O\n1. Energy cannot be created\n2b. Oxygen is released"
	res := Analyze(raw, questions("1", "2a", "2b"))

	want := model.ParsedAnswerMap{
		"1":  "Energy cannot be created",
		"2a": "Water is H2O",
		"2b": "Oxygen is released",
	}
	if !reflect.DeepEqual(res.Answers, want) {
		t.Fatalf("Answers = %#v, want %#v", res.Answers, want)
	}
	if got := res.Sequence; !reflect.DeepEqual(got, []string{"2a", "1", "2b"}) {
		t.Errorf("Sequence = %v", got)
	}
	// 0.4*0.8 + 0.4*1 + 0.2*0.8
	if math.Abs(res.Confidence-0.88) > 1e-9 {
		t.Errorf("Confidence = %v, want 0.88", res.Confidence)
	}
	if res.Metadata.MatchingRate != 1 {
		t.Errorf("MatchingRate = %v, want 1", res.Metadata.MatchingRate)
	}
	if res.Failure != "" {
		t.Errorf("unexpected failure %q", res.Failure)
	}
}

func TestAnalyzeOrderInsensitive(t *testing.T) {
	qs := questions("1", "2", "3")
	shuffled := Analyze("2. Plants make food from light\n1. Energy is conserved in a closed system\n3. Force equals mass times acceleration", qs)
	ordered := Analyze("1. Energy is conserved in a closed system\n2. Plants make food from light\n3. Force equals mass times acceleration", qs)

	for _, k := range []string{"1", "2", "3"} {
		if shuffled.Answers[k] == "" {
			t.Errorf("missing answer for %s", k)
		}
		if shuffled.Answers[k] != ordered.Answers[k] {
			t.Errorf("answer %s differs: %q vs %q", k, shuffled.Answers[k], ordered.Answers[k])
		}
	}
}

func TestAnalyzeIdempotent(t *testing.T) {
	raw := "Q1: Newton's first law is about inertia\nQ3) The sun\n2. Friction opposes motion between surfaces"
	qs := questions("1", "2", "3")
	a := Analyze(raw, qs)
	b := Analyze(raw, qs)
	if !reflect.DeepEqual(a, b) {
		t.Errorf("results differ:\n%#v\n%#v", a, b)
	}
}

func TestAnalyzeFallback(t *testing.T) {
	raw := "photosynthesis converts light into chemical energy"
	res := Analyze(raw, questions("1", "2"))

	if res.Failure != model.FailureSegmentation {
		t.Errorf("Failure = %q, want %q", res.Failure, model.FailureSegmentation)
	}
	if res.Confidence != 0.1 {
		t.Errorf("Confidence = %v, want 0.1", res.Confidence)
	}
	if res.Answers["1"] != raw {
		t.Errorf("Answers[1] = %q", res.Answers["1"])
	}
	if len(res.Sections) != 1 || !res.Metadata.FallbackUsed {
		t.Errorf("expected one fallback section, got %d", len(res.Sections))
	}
}

func TestAnalyzeEmpty(t *testing.T) {
	res := Analyze("   ", questions("1"))
	if len(res.Answers) != 0 || res.Confidence != 0 {
		t.Errorf("empty input: answers=%v confidence=%v", res.Answers, res.Confidence)
	}
	if res.Failure != model.FailureSegmentation {
		t.Errorf("Failure = %q", res.Failure)
	}
}

func TestAnalyzeContentMatch(t *testing.T) {
	qs := []model.ExpectedQuestion{
		{Number: 1, MainNumber: 1, Text: "Explain photosynthesis in green plants", MaxMarks: 10},
		{Number: 2, MainNumber: 2, Text: "Describe Newton's laws of motion", MaxMarks: 10},
	}
	raw := "1. Green plants use photosynthesis\n7. Newton described motion with three laws about force"
	res := Analyze(raw, qs)

	if _, ok := res.Answers["2"+model.ContentMatchSuffix]; !ok {
		t.Fatalf("expected content match for question 2, got %#v", res.Answers)
	}
	got, ok := res.Answers.Lookup(qs[1])
	if !ok || got != "Newton described motion with three laws about force" {
		t.Errorf("Lookup(q2) = %q, %v", got, ok)
	}
}

func TestAnalyzeLetterMarkers(t *testing.T) {
	res := Analyze("a) first answer here\nb) second answer here", questions("1", "2"))

	want := model.ParsedAnswerMap{"1": "first answer here", "2": "second answer here"}
	if !reflect.DeepEqual(res.Answers, want) {
		t.Errorf("Answers = %#v, want %#v", res.Answers, want)
	}
}

func TestAnalyzeSameMarkerTwoFamilies(t *testing.T) {
	res := Analyze("2. a) Force is a push or a pull", questions("2a"))

	if len(res.Sections) != 1 {
		t.Fatalf("got %d sections, want 1: %#v", len(res.Sections), res.Sections)
	}
	if res.Answers["2a"] != "Force is a push or a pull" {
		t.Errorf("Answers[2a] = %q", res.Answers["2a"])
	}
}

func TestAnalyzeFoldsSubAnswersIntoMain(t *testing.T) {
	res := Analyze("1a. part one\n1b. part two", questions("1"))
	if want := "a) part one\n\nb) part two"; res.Answers["1"] != want {
		t.Errorf("Answers[1] = %q, want %q", res.Answers["1"], want)
	}
}

func TestAnalyzeDecimalIsNotMarker(t *testing.T) {
	res := Analyze("1. The mass is\n2.5 kg in total", questions("1", "2"))
	if want := "The mass is\n2.5 kg in total"; res.Answers["1"] != want {
		t.Errorf("Answers[1] = %q, want %q", res.Answers["1"], want)
	}
	if _, ok := res.Answers["2"]; ok {
		t.Error("decimal should not start a section")
	}
}

func TestAnalyzeIdenticalShortAnswersKept(t *testing.T) {
	res := Analyze("1. True\n2. True", questions("1", "2"))
	if res.Answers["1"] != "True" || res.Answers["2"] != "True" {
		t.Errorf("Answers = %#v", res.Answers)
	}
}

func TestSectionConfidence(t *testing.T) {
	tests := []struct {
		name    string
		fam     family
		content string
		want    float64
	}{
		{"sub short", digitFamilies[1], "short", 0.8},
		{"main medium", digitFamilies[2], "twenty one characters", 0.8},
		{"sub long", digitFamilies[1], "this answer is comfortably longer than fifty characters", 1.0},
		{"letter", letterFamily, "", 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sectionConfidence(tt.fam, tt.content); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("sectionConfidence() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConsistencyOutOfRange(t *testing.T) {
	cfg := DefaultConfig()
	secs := []model.AnswerSection{{QuestionNumber: "1"}, {QuestionNumber: "45"}}
	if got := cfg.consistency(secs, true); got != 0.4 {
		t.Errorf("consistency = %v, want 0.4", got)
	}
	if got := cfg.consistency(nil, false); got != 0.6 {
		t.Errorf("consistency without numbers = %v, want 0.6", got)
	}
}
