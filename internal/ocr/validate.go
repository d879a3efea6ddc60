package ocr

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// Document types accepted by Validate.
const (
	DocGeneral  = "general"
	DocQuestion = "question"
	DocAnswer   = "answer"
)

// Validation thresholds.
const (
	minTextLength = 50
	minWords      = 10
	maxNoiseRatio = 0.3
)

// Validation is a quality report on extracted text. Issues make the text
// invalid; warnings are informational. Neither stops the text from being
// used.
type Validation struct {
	Valid    bool               `json:"is_valid"`
	Issues   []string           `json:"issues"`
	Warnings []string           `json:"warnings"`
	Metrics  map[string]float64 `json:"metrics"`
}

var (
	wordRegex           = regexp.MustCompile(`\b\w+\b`)
	noiseRegex          = regexp.MustCompile(`[^a-zA-Z0-9\s.,!?()"'\-]`)
	questionMarkerRegex = regexp.MustCompile(`(?i)(?:^|\n)\s*(?:q(?:uestion)?\.?\s*\d+|\d+\.)`)
	markIndicatorRegex  = regexp.MustCompile(`(?i)(?:\d+\s*(?:marks?|points?)|\(\d+\))`)
	keyTermRegex        = regexp.MustCompile(`(?:[A-Z][a-z]{2,}(?:\s+[A-Z][a-z]+)*|\*\*.*?\*\*|__.*?__)`)
)

var ocrErrorPatterns = []struct {
	re   *regexp.Regexp
	name string
}{
	{regexp.MustCompile(`\bl\d+\b`), "number/letter confusion"},
	{regexp.MustCompile(`[A-Za-z]{15,}`), "word run-together"},
	{regexp.MustCompile(`(?:\d[A-Za-z]|[A-Za-z]\d){2,}`), "mixed characters"},
}

// Validate checks OCR text for length, noise and typical recognition
// errors. docType adds checks for question papers (question markers, mark
// allocations) or model answers (paragraphs, key terms).
func Validate(text, docType string) Validation {
	v := Validation{Issues: []string{}, Warnings: []string{}, Metrics: map[string]float64{}}
	if strings.TrimSpace(text) == "" {
		v.Issues = append(v.Issues, "Empty or invalid text")
		v.Metrics["length"] = 0
		v.Metrics["word_count"] = 0
		v.Metrics["noise_ratio"] = 1
		return v
	}

	length := utf8.RuneCountInString(text)
	words := significantWords(text)
	totalLen := 0
	for _, w := range words {
		totalLen += utf8.RuneCountInString(w)
	}
	noise := float64(len(noiseRegex.FindAllStringIndex(text, -1))) / float64(length)

	v.Metrics["length"] = float64(length)
	v.Metrics["word_count"] = float64(len(words))
	v.Metrics["avg_word_length"] = round(float64(totalLen)/float64(max(len(words), 1)), 2)
	v.Metrics["noise_ratio"] = round(noise, 3)

	if length < minTextLength {
		v.Issues = append(v.Issues, fmt.Sprintf("Text is too short (%d chars). Minimum required: %d", length, minTextLength))
	}
	if len(words) < minWords {
		v.Issues = append(v.Issues, fmt.Sprintf("Too few words (%d). Minimum required: %d", len(words), minWords))
	}
	if noise > maxNoiseRatio {
		v.Issues = append(v.Issues, fmt.Sprintf("High noise ratio (%.2f%%). Maximum allowed: %.2f%%", noise*100, maxNoiseRatio*100))
	}

	switch docType {
	case DocQuestion:
		validateQuestionPaper(text, &v)
	case DocAnswer:
		validateModelAnswer(text, &v)
	}
	checkQuality(text, words, &v)

	v.Valid = len(v.Issues) == 0
	return v
}

func significantWords(text string) []string {
	var out []string
	for _, w := range wordRegex.FindAllString(strings.ToLower(text), -1) {
		if utf8.RuneCountInString(w) > 1 {
			out = append(out, w)
		}
	}
	return out
}

func validateQuestionPaper(text string, v *Validation) {
	markers := questionMarkerRegex.FindAllStringIndex(text, -1)
	v.Metrics["question_count"] = float64(len(markers))
	if len(markers) == 0 {
		v.Warnings = append(v.Warnings, "No clear question markers detected")
	}
	if !markIndicatorRegex.MatchString(text) {
		v.Warnings = append(v.Warnings, "No mark allocations detected")
	}
}

func validateModelAnswer(text string, v *Validation) {
	paragraphs := strings.Split(text, "\n\n")
	v.Metrics["paragraph_count"] = float64(len(paragraphs))
	if len(paragraphs) < 2 {
		v.Warnings = append(v.Warnings, "Answer appears to lack proper structure/paragraphs")
	}

	terms := make(map[string]struct{})
	for _, t := range keyTermRegex.FindAllString(text, -1) {
		terms[t] = struct{}{}
	}
	v.Metrics["key_terms_count"] = float64(len(terms))
	if len(terms) < 3 {
		v.Warnings = append(v.Warnings, "Few key terms detected in the answer")
	}
}

func checkQuality(text string, words []string, v *Validation) {
	if rep := repetitiveWords(words); len(rep) > 0 {
		v.Warnings = append(v.Warnings, "Repetitive words detected: "+strings.Join(firstN(rep, 3), ", "))
	}

	var errs []string
	for _, p := range ocrErrorPatterns {
		if p.re.MatchString(text) {
			errs = append(errs, p.name)
		}
	}
	if len(errs) > 0 {
		v.Warnings = append(v.Warnings, "Possible OCR errors detected: "+strings.Join(errs, ", "))
	}

	lines := strings.Split(text, "\n")
	total := 0
	for _, l := range lines {
		total += utf8.RuneCountInString(strings.TrimSpace(l))
	}
	avg := float64(total) / float64(len(lines))
	v.Metrics["avg_line_length"] = round(avg, 2)
	if avg < 20 && len(lines) > 5 {
		v.Warnings = append(v.Warnings, "Text appears fragmented with many short lines")
	}
}

// repetitiveWords returns words longer than three characters that occur more
// than three times, most frequent first.
func repetitiveWords(words []string) []string {
	counts := make(map[string]int)
	for _, w := range words {
		if utf8.RuneCountInString(w) > 3 {
			counts[w]++
		}
	}
	var out []string
	for w, n := range counts {
		if n > 3 {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if counts[out[i]] != counts[out[j]] {
			return counts[out[i]] > counts[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}

func firstN(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
