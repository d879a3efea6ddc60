// Package sequence maps the OCR text of a student submission back onto the
// questions of a paper, whatever order the student answered them in.
package sequence

import (
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pavelanni/papergrader/internal/model"
	"github.com/pavelanni/papergrader/internal/textnorm"
)

// Config holds the tunable constants of the analyzer.
type Config struct {
	DedupOverlap      float64 // token-set overlap above which two sections are one answer
	DedupDistance     int     // sections of one question starting this close are one answer
	KeywordTokens     int     // question tokens considered for content matching
	KeywordMinHits    int     // tokens that must appear in a section for a content match
	MaxQuestionNumber int     // upper bound of plausible question numbers
}

// DefaultConfig returns the standard analyzer settings.
func DefaultConfig() Config {
	return Config{
		DedupOverlap:      0.7,
		DedupDistance:     50,
		KeywordTokens:     10,
		KeywordMinHits:    2,
		MaxQuestionNumber: 20,
	}
}

const fallbackConfidence = 0.1

// A family is one marker style. Families are listed from most to least
// specific; bonus is added to a section's base confidence.
type family struct {
	name        string
	specificity int
	bonus       float64
	pattern     *regexp.Regexp
	extract     func(m []string) (num, sub string)
}

func numSub(m []string) (string, string) { return m[1], strings.ToLower(m[2]) }

func firstNum(m []string) (string, string) {
	if m[1] != "" {
		return m[1], ""
	}
	return m[2], ""
}

var digitFamilies = []family{
	{
		name:        "labelled-sub",
		specificity: 4,
		bonus:       0.3,
		pattern:     regexp.MustCompile(`(?im)^[ \t]*question[ \t]*(\d{1,3})[ \t]*\(?([a-z])\)?[ \t]*[.):\-]`),
		extract:     numSub,
	},
	{
		name:        "sub",
		specificity: 3,
		bonus:       0.3,
		pattern:     regexp.MustCompile(`(?im)^[ \t]*(?:q\.?[ \t]*|ans(?:wer)?\.?[ \t]*)?(\d{1,3})[ \t]*[.)]?[ \t]*\(?([a-z])[ \t]*[.):\-]`),
		extract:     numSub,
	},
	{
		name:        "main",
		specificity: 2,
		bonus:       0.2,
		pattern:     regexp.MustCompile(`(?im)^[ \t]*(?:(?:question|q|ans(?:wer)?)[ \t]*\.?[ \t]*(\d{1,3})\b[ \t]*[.):\-]?|(\d{1,3})[ \t]*[.):\-])`),
		extract:     firstNum,
	},
}

var letterFamily = family{
	name:        "letter",
	specificity: 1,
	pattern:     regexp.MustCompile(`(?im)^[ \t]*\(?([a-z])[ \t]*[.)][ \t]`),
	extract:     func(m []string) (string, string) { return "", strings.ToLower(m[1]) },
}

type match struct {
	fam        family
	num, sub   string
	start, end int
}

// Analyze segments raw with the default configuration.
func Analyze(raw string, expected []model.ExpectedQuestion) model.SequenceAnalysis {
	return DefaultConfig().Analyze(raw, expected)
}

// Analyze splits raw into answer sections, matches them to expected
// questions and scores how reliable the mapping is. It never fails; when no
// marker is found the whole text becomes the answer to question "1".
func (cfg Config) Analyze(raw string, expected []model.ExpectedQuestion) model.SequenceAnalysis {
	text := textnorm.Normalize(raw)

	matches := findMatches(text, digitFamilies)
	numeric := len(matches) > 0
	if !numeric {
		matches = findMatches(text, []family{letterFamily})
	}

	sections := cfg.dedupe(buildSections(text, matches))

	if len(sections) == 0 {
		return fallback(text, len(expected))
	}

	answers, matched := cfg.assign(sections, expected)

	seq := make([]string, 0, len(sections))
	var total float64
	for _, s := range sections {
		seq = append(seq, s.Label())
		total += s.Confidence
	}

	coverage := 0.5
	if len(expected) > 0 {
		coverage = min(float64(len(sections))/float64(len(expected)), 1)
	}
	overall := 0.4*(total/float64(len(sections))) + 0.4*coverage + 0.2*cfg.consistency(sections, numeric)

	rate := 0.0
	if len(expected) > 0 {
		rate = float64(matched) / float64(len(expected))
	}

	slog.Debug("analyzed answer sequence",
		"sections", len(sections),
		"expected", len(expected),
		"matched", matched,
		"confidence", overall,
	)

	return model.SequenceAnalysis{
		Sections:   sections,
		Sequence:   seq,
		Confidence: min(overall, 1),
		Answers:    answers,
		Metadata: model.AnalysisMetadata{
			TotalSections:     len(sections),
			ExpectedQuestions: len(expected),
			MatchingRate:      rate,
			TextLength:        len(text),
		},
	}
}

func findMatches(text string, fams []family) []match {
	var out []match
	for _, f := range fams {
		for _, idx := range f.pattern.FindAllStringSubmatchIndex(text, -1) {
			// "1.5 litres" is a quantity, not a marker.
			if idx[1] < len(text) && text[idx[1]] >= '0' && text[idx[1]] <= '9' {
				continue
			}
			groups := make([]string, len(idx)/2)
			for g := range groups {
				if idx[2*g] >= 0 {
					groups[g] = text[idx[2*g]:idx[2*g+1]]
				}
			}
			num, sub := f.extract(groups)
			out = append(out, match{fam: f, num: trimZeros(num), sub: sub, start: idx[0], end: idx[1]})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].start != out[j].start {
			return out[i].start < out[j].start
		}
		return out[i].fam.specificity > out[j].fam.specificity
	})
	return out
}

func trimZeros(num string) string {
	if num == "" {
		return ""
	}
	n, err := strconv.Atoi(num)
	if err != nil {
		return num
	}
	return strconv.Itoa(n)
}

// buildSections cuts the text at every marker start. All families share the
// same boundaries so a main-number answer never swallows a sub-question.
func buildSections(text string, matches []match) []model.AnswerSection {
	sections := make([]model.AnswerSection, 0, len(matches))
	for i, m := range matches {
		end := len(text)
		for _, next := range matches[i+1:] {
			if next.start > m.start {
				end = next.start
				break
			}
		}
		content := ""
		if m.end < end {
			content = strings.TrimSpace(text[m.end:end])
		}
		sections = append(sections, model.AnswerSection{
			QuestionNumber: m.num,
			SubLetter:      m.sub,
			Content:        content,
			Position:       m.start,
			Confidence:     sectionConfidence(m.fam, content),
			Pattern:        m.fam.name,
		})
	}
	return sections
}

func sectionConfidence(f family, content string) float64 {
	c := 0.5 + f.bonus
	switch n := len(content); {
	case n > 50:
		c += 0.2
	case n > 20:
		c += 0.1
	}
	return min(c, 1)
}

// dedupe drops sections that repeat the previous kept one: either the same
// text caught by two families or two markers for one question close together.
func (cfg Config) dedupe(sections []model.AnswerSection) []model.AnswerSection {
	var kept []model.AnswerSection
	for _, s := range sections {
		if len(kept) > 0 {
			prev := kept[len(kept)-1]
			if s.Position == prev.Position {
				continue
			}
			same := prev.Label() == s.Label()
			// Distinct questions answered identically ("1. True", "2. True")
			// stay separate unless two marker styles caught them.
			if (same || prev.Pattern != s.Pattern) && textnorm.Jaccard(prev.Content, s.Content) >= cfg.DedupOverlap {
				continue
			}
			if same && s.Position-prev.Position < cfg.DedupDistance {
				continue
			}
		}
		kept = append(kept, s)
	}
	return kept
}

// assign maps sections to question keys. Explicit markers are resolved
// first, then unresolved sections are matched by question keywords.
func (cfg Config) assign(sections []model.AnswerSection, expected []model.ExpectedQuestion) (model.ParsedAnswerMap, int) {
	answers := make(model.ParsedAnswerMap)
	used := make([]bool, len(expected))
	keys := make([]string, len(sections))

	put := func(key, content string) {
		if content == "" {
			return
		}
		if prev, ok := answers[key]; ok && prev != "" {
			answers[key] = prev + "\n\n" + content
			return
		}
		answers[key] = content
	}

	for i, s := range sections {
		if j := exactMatch(s, expected); j >= 0 {
			keys[i] = expected[j].Key()
			used[j] = true
			continue
		}
		if j := mainOnlyMatch(s, expected); j >= 0 {
			keys[i] = expected[j].Key()
			used[j] = true
			if s.Content != "" {
				sections[i].Content = s.SubLetter + ") " + s.Content
			}
			continue
		}
		if s.QuestionNumber == "" {
			if j := letterMatch(s, expected, used); j >= 0 {
				keys[i] = expected[j].Key()
				used[j] = true
			}
		}
	}

	for i, s := range sections {
		if keys[i] != "" || s.Content == "" {
			continue
		}
		if j := cfg.keywordMatch(s.Content, expected, used); j >= 0 {
			keys[i] = expected[j].Key() + model.ContentMatchSuffix
			used[j] = true
			continue
		}
		keys[i] = s.Label()
	}

	for i, s := range sections {
		put(keys[i], s.Content)
	}

	matched := 0
	for _, u := range used {
		if u {
			matched++
		}
	}
	return answers, matched
}

func exactMatch(s model.AnswerSection, expected []model.ExpectedQuestion) int {
	if s.QuestionNumber == "" {
		return -1
	}
	for j, q := range expected {
		if strconv.Itoa(q.MainNumber) == s.QuestionNumber && q.SubLetter == s.SubLetter {
			return j
		}
	}
	return -1
}

// mainOnlyMatch folds a lettered answer into its main question when the
// paper has no sub-questions for that number.
func mainOnlyMatch(s model.AnswerSection, expected []model.ExpectedQuestion) int {
	if s.QuestionNumber == "" || s.SubLetter == "" {
		return -1
	}
	idx := -1
	for j, q := range expected {
		if strconv.Itoa(q.MainNumber) != s.QuestionNumber {
			continue
		}
		if q.SubLetter != "" {
			return -1
		}
		idx = j
	}
	return idx
}

// letterMatch resolves a bare "a)" marker: first by sub-letter, then by
// alphabetical position among the questions.
func letterMatch(s model.AnswerSection, expected []model.ExpectedQuestion, used []bool) int {
	for j, q := range expected {
		if !used[j] && q.SubLetter == s.SubLetter {
			return j
		}
	}
	if len(s.SubLetter) != 1 {
		return -1
	}
	ord := int(s.SubLetter[0] - 'a')
	if ord >= 0 && ord < len(expected) && !used[ord] {
		return ord
	}
	return -1
}

func (cfg Config) keywordMatch(content string, expected []model.ExpectedQuestion, used []bool) int {
	have := textnorm.TokenSet(content)
	best, bestHits := -1, 0
	for j, q := range expected {
		if used[j] {
			continue
		}
		hits := 0
		for _, t := range questionKeywords(q.Text, cfg.KeywordTokens) {
			if _, ok := have[t]; ok {
				hits++
			}
		}
		if hits >= cfg.KeywordMinHits && hits > bestHits {
			best, bestHits = j, hits
		}
	}
	return best
}

func questionKeywords(text string, limit int) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range textnorm.ContentTokens(text, 2) {
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
		if len(out) == limit {
			break
		}
	}
	return out
}

func (cfg Config) consistency(sections []model.AnswerSection, numeric bool) float64 {
	if !numeric {
		return 0.6
	}
	for _, s := range sections {
		n, err := strconv.Atoi(s.QuestionNumber)
		if err != nil {
			continue
		}
		if n < 1 || n > cfg.MaxQuestionNumber {
			return 0.4
		}
	}
	return 0.8
}

func fallback(text string, expected int) model.SequenceAnalysis {
	res := model.SequenceAnalysis{
		Answers: model.ParsedAnswerMap{},
		Failure: model.FailureSegmentation,
		Metadata: model.AnalysisMetadata{
			ExpectedQuestions: expected,
			TextLength:        len(text),
			FallbackUsed:      true,
		},
	}
	if text == "" {
		return res
	}
	res.Sections = []model.AnswerSection{{
		QuestionNumber: "1",
		Content:        text,
		Confidence:     fallbackConfidence,
		Pattern:        "fallback",
	}}
	res.Sequence = []string{"1"}
	res.Answers["1"] = text
	res.Confidence = fallbackConfidence
	res.Metadata.TotalSections = 1
	slog.Debug("no answer markers found, using whole text", "length", len(text))
	return res
}
