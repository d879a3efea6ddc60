// Package paper turns the OCR text of a question paper into an ordered list
// of questions, sub-questions and OR groups.
package paper

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pavelanni/papergrader/internal/model"
	"github.com/pavelanni/papergrader/internal/textnorm"
)

// Config holds the marking policy and the OR-scan limits.
type Config struct {
	MainMarks   int    // max marks for a main question
	SubMarks    int    // max marks for a lettered sub-question
	DetectMarks bool   // honour "(5 marks)" style allocations in question text
	OrBackLines int    // non-blank, non-answer lines scanned above an OR line
	OrFwdLines  int    // non-blank lines scanned below an OR line
	SubjectArea string // copied onto every question
}

// DefaultConfig returns the standard policy: 10 marks per main question,
// 5 per sub-question, OR scans of 10 lines each way.
func DefaultConfig() Config {
	return Config{
		MainMarks:   10,
		SubMarks:    5,
		DetectMarks: true,
		OrBackLines: 10,
		OrFwdLines:  10,
		SubjectArea: model.SubjectGeneral,
	}
}

// Result is the structured form of a question paper.
type Result struct {
	Questions       []model.ExpectedQuestion `json:"questions"`
	QuestionSection string                   `json:"question_text"`
	AnswerSection   string                   `json:"answer_text"`
	OrGroups        int                      `json:"or_groups"`
	Fallback        bool                     `json:"fallback,omitempty"`
	Failure         model.FailureKind        `json:"failure,omitempty"`
}

type lineKind int

const (
	lineOther lineKind = iota
	lineBlank
	lineQuestion
	lineAnswer
	lineOr
	lineQuestionHeader
	lineAnswerHeader
)

// A rule classifies a line. Rules are evaluated top to bottom and the first
// match wins. For marker rules the pattern captures (main, sub, rest).
type rule struct {
	name    string
	kind    lineKind
	pattern *regexp.Regexp
	// contextual rules produce an answer marker while inside an answer section
	contextual bool
}

var rules = []rule{
	{name: "or", kind: lineOr, pattern: regexp.MustCompile(`(?i)^[(\[\-–— ]*or[)\]\-–— ]*$`)},
	{name: "answer-header", kind: lineAnswerHeader, pattern: regexp.MustCompile(`(?i)^(?:model\s+)?answers?(?:\s+(?:key|scheme|sheet))?\s*:?$`)},
	{name: "question-header", kind: lineQuestionHeader, pattern: regexp.MustCompile(`(?i)^questions?(?:\s+paper)?\s*:?$`)},
	{name: "answer-word", kind: lineAnswer, pattern: regexp.MustCompile(`(?i)^(?:answer|ans)\s*\.?\s*(\d{1,3})([a-z])?\b\s*[:.)\-]?\s*(.*)$`)},
	{name: "question-word", kind: lineQuestion, pattern: regexp.MustCompile(`(?i)^question\s*(\d{1,3})([a-z])?\b\s*[:.)\-]?\s*(.*)$`)},
	{name: "q-prefix", kind: lineQuestion, contextual: true, pattern: regexp.MustCompile(`(?i)^q\.?\s*(\d{1,3})([a-z])?\b\s*[:.)\-]?\s*(.*)$`)},
	{name: "numbered", kind: lineQuestion, contextual: true, pattern: regexp.MustCompile(`^(\d{1,2})([a-zA-Z])?\s*[.)]\s*(.*)$`)},
}

var (
	marksSuffixRegex = regexp.MustCompile(`(?im)(?:[(\[]\s*(\d{1,3})\s*(?:marks?|m|pts?|points?)?\s*[)\]]|\b(\d{1,3})\s*(?:marks?|pts?|points?))\s*\.?$`)
	leadingDigit     = regexp.MustCompile(`^\d`)
)

type classified struct {
	kind lineKind
	main int
	sub  string
	rest string
}

func classify(line string, inAnswers bool) classified {
	if strings.TrimSpace(line) == "" {
		return classified{kind: lineBlank}
	}
	for _, r := range rules {
		m := r.pattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		switch r.kind {
		case lineOr, lineAnswerHeader, lineQuestionHeader:
			return classified{kind: r.kind}
		}
		main, err := strconv.Atoi(m[1])
		if err != nil || main == 0 {
			continue
		}
		rest := strings.TrimSpace(m[3])
		// "1.5 kg" is a decimal, not a marker.
		if r.name == "numbered" && leadingDigit.MatchString(rest) {
			continue
		}
		kind := r.kind
		if r.contextual && inAnswers {
			kind = lineAnswer
		}
		return classified{kind: kind, main: main, sub: strings.ToLower(m[2]), rest: rest}
	}
	return classified{kind: lineOther}
}

type entry struct {
	main     int
	sub      string
	question []string
	answer   []string
}

// Parse converts paper text into questions. It never fails: when no marker
// is recognised it falls back to splitting the lines at the midpoint and
// flags the result with model.FailureParse.
func Parse(raw string, cfg Config) Result {
	lines := textnorm.Lines(raw)
	info := make([]classified, len(lines))

	entries := make(map[string]*entry)
	var (
		active      *[]string
		activeKind  lineKind
		inAnswers   bool
		markerCount int
		qLines      []string
		aLines      []string
	)

	for i, line := range lines {
		c := classify(line, inAnswers)
		info[i] = c
		switch c.kind {
		case lineQuestionHeader:
			inAnswers = false
			active = nil
			qLines = append(qLines, line)
		case lineAnswerHeader:
			inAnswers = true
			active = nil
			aLines = append(aLines, line)
		case lineQuestion, lineAnswer:
			markerCount++
			key := strconv.Itoa(c.main) + c.sub
			e, ok := entries[key]
			if !ok {
				e = &entry{main: c.main, sub: c.sub}
				entries[key] = e
			}
			field := &e.question
			if c.kind == lineAnswer {
				field = &e.answer
			}
			// A repeated marker of the same type restarts that field.
			*field = (*field)[:0]
			if c.rest != "" {
				*field = append(*field, c.rest)
			}
			active = field
			activeKind = c.kind
			if c.kind == lineAnswer {
				aLines = append(aLines, line)
			} else {
				qLines = append(qLines, line)
			}
		case lineOr:
			active = nil
			qLines = append(qLines, line)
		case lineBlank:
			// blank lines keep the active block open
		default:
			if active != nil {
				*active = append(*active, line)
				// continuation lines inherit the block's kind for the OR scan
				info[i].kind = activeKind
				info[i].main = -1
			}
			if active != nil && activeKind == lineAnswer || active == nil && inAnswers {
				aLines = append(aLines, line)
			} else {
				qLines = append(qLines, line)
			}
		}
	}

	if markerCount == 0 {
		return fallback(lines, cfg)
	}

	var ordered []*entry
	for _, e := range entries {
		if strings.TrimSpace(strings.Join(e.question, " ")) != "" {
			ordered = append(ordered, e)
		}
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].main != ordered[j].main {
			return ordered[i].main < ordered[j].main
		}
		return ordered[i].sub < ordered[j].sub
	})

	groups := detectOrGroups(info, cfg)

	questions := make([]model.ExpectedQuestion, 0, len(ordered))
	for i, e := range ordered {
		text := strings.Join(e.question, "\n")
		q := model.ExpectedQuestion{
			Number:      i + 1,
			MainNumber:  e.main,
			SubLetter:   e.sub,
			Text:        text,
			MaxMarks:    cfg.marksFor(e.sub, text),
			OrGroupID:   groups.ids[e.main],
			ModelAnswer: strings.Join(e.answer, "\n"),
			SubjectArea: cfg.SubjectArea,
		}
		questions = append(questions, q)
	}

	slog.Debug("parsed question paper",
		"lines", len(lines),
		"markers", markerCount,
		"questions", len(questions),
		"or_groups", groups.count,
	)

	return Result{
		Questions:       questions,
		QuestionSection: strings.Join(qLines, "\n"),
		AnswerSection:   strings.Join(aLines, "\n"),
		OrGroups:        groups.count,
	}
}

func (cfg Config) marksFor(sub, text string) int {
	if cfg.DetectMarks {
		if m := marksSuffixRegex.FindStringSubmatch(text); m != nil {
			v := m[1]
			if v == "" {
				v = m[2]
			}
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				return n
			}
		}
	}
	if sub != "" {
		return cfg.SubMarks
	}
	return cfg.MainMarks
}

func fallback(lines []string, cfg Config) Result {
	mid := len(lines) / 2
	qs := strings.TrimSpace(strings.Join(lines[:mid], "\n"))
	as := strings.TrimSpace(strings.Join(lines[mid:], "\n"))
	res := Result{
		QuestionSection: qs,
		AnswerSection:   as,
		Fallback:        true,
		Failure:         model.FailureParse,
	}
	if qs != "" {
		res.Questions = []model.ExpectedQuestion{{
			Number:      1,
			MainNumber:  1,
			Text:        qs,
			MaxMarks:    cfg.MainMarks,
			ModelAnswer: as,
			SubjectArea: cfg.SubjectArea,
		}}
	}
	slog.Debug("no question markers found, split at midpoint", "lines", len(lines))
	return res
}

type orGroups struct {
	ids   map[int]string
	count int
}

// detectOrGroups links the main-question family directly above each OR line
// with the first question found below it. Families already grouped by an
// earlier OR keep their group, so "1 OR 2 OR 3" yields a single group.
func detectOrGroups(info []classified, cfg Config) orGroups {
	g := orGroups{ids: make(map[int]string)}
	for i, c := range info {
		if c.kind != lineOr {
			continue
		}
		back := scanBack(info, i, cfg.OrBackLines)
		fwd := scanForward(info, i, cfg.OrFwdLines)
		if back == 0 || fwd == 0 || back == fwd {
			continue
		}
		id, ok := g.ids[back]
		if other, ok2 := g.ids[fwd]; ok2 {
			if !ok {
				id, ok = other, true
			} else if other != id {
				for m, v := range g.ids {
					if v == other {
						g.ids[m] = id
					}
				}
			}
		}
		if !ok {
			g.count++
			id = fmt.Sprintf("or_group_%d", g.count)
		}
		g.ids[back] = id
		g.ids[fwd] = id
	}
	return g
}

func scanBack(info []classified, from, limit int) int {
	family, seen := 0, 0
	for j := from - 1; j >= 0 && seen < limit; j-- {
		c := info[j]
		switch c.kind {
		case lineBlank, lineAnswer:
			continue
		case lineOr, lineQuestionHeader, lineAnswerHeader:
			return family
		}
		seen++
		if c.kind != lineQuestion || c.main <= 0 {
			continue
		}
		if family == 0 {
			family = c.main
		} else if c.main != family {
			break
		}
	}
	return family
}

func scanForward(info []classified, from, limit int) int {
	seen := 0
	for j := from + 1; j < len(info) && seen < limit; j++ {
		c := info[j]
		switch c.kind {
		case lineBlank:
			continue
		case lineOr:
			return 0
		case lineQuestion:
			if c.main > 0 {
				return c.main
			}
		}
		seen++
	}
	return 0
}
