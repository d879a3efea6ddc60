package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"
)

//go:embed templates/*.txt
var templateFS embed.FS

var (
	studentAnswerRegex      = regexp.MustCompile(`(?i)</?\s*student-answer\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

const maxAnswerRunes = 10000

// PromptVariant represents a grading prompt variant.
type PromptVariant string

const (
	// PromptStrict is a strict grading variant for core courses.
	PromptStrict PromptVariant = "strict"
	// PromptStandard is the default grading variant.
	PromptStandard PromptVariant = "standard"
	// PromptLenient is a lenient grading variant for electives.
	PromptLenient PromptVariant = "lenient"
)

var validVariants = map[PromptVariant]bool{
	PromptStrict:   true,
	PromptStandard: true,
	PromptLenient:  true,
}

var (
	loadOnce       sync.Once
	loadErr        error
	scoreTemplates map[PromptVariant]*template.Template
)

// IsValidVariant checks if a prompt variant name is valid.
func IsValidVariant(v string) bool {
	return validVariants[PromptVariant(v)]
}

// ScoreData holds template data for scoring prompts.
type ScoreData struct {
	Subject     string
	Question    string
	ModelAnswer string
	Answer      string
	MaxMarks    int
}

func load(fsys fs.FS) error {
	loadOnce.Do(func() {
		scoreTemplates = make(map[PromptVariant]*template.Template)
		for _, v := range []PromptVariant{PromptStrict, PromptStandard, PromptLenient} {
			file := "templates/score_" + string(v) + ".txt"
			content, err := fs.ReadFile(fsys, file)
			if err != nil {
				loadErr = fmt.Errorf("read prompt file %s: %w", file, err)
				return
			}
			tmpl, err := template.New(string(v)).Parse(string(content))
			if err != nil {
				loadErr = fmt.Errorf("parse prompt template %s: %w", file, err)
				return
			}
			scoreTemplates[v] = tmpl
		}
	})
	return loadErr
}

// BuildScorePrompt renders the scoring prompt of a variant. An empty variant
// means PromptStandard.
func BuildScorePrompt(variant PromptVariant, data ScoreData) (string, error) {
	if err := load(templateFS); err != nil {
		return "", err
	}
	if variant == "" {
		variant = PromptStandard
	}
	tmpl, ok := scoreTemplates[variant]
	if !ok {
		return "", errors.New("invalid prompt variant: " + string(variant))
	}

	if data.Subject == "" {
		data.Subject = "general"
	}
	data.Question = strings.TrimSpace(data.Question)
	data.ModelAnswer = strings.TrimSpace(data.ModelAnswer)
	data.Answer = sanitizeAnswer(data.Answer)

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func sanitizeAnswer(answer string) string {
	answer = studentAnswerRegex.ReplaceAllString(answer, "")
	answer = systemInstructionsRegex.ReplaceAllString(answer, "")
	answer = strings.TrimSpace(answer)

	if answer == "" {
		return "[No answer provided]"
	}

	if utf8.RuneCountInString(answer) > maxAnswerRunes {
		runes := []rune(answer)
		answer = string(runes[:maxAnswerRunes]) + "\n\n[Answer truncated due to length]"
	}

	return answer
}
