// Package textnorm normalises OCR text and splits it into lines, sentences
// and tokens for the parsers and scorers.
package textnorm

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var (
	lineBreakRegex  = regexp.MustCompile(`\r\n|\r|\f|\v`)
	hSpaceRegex     = regexp.MustCompile(`[ \t\p{Zs}]+`)
	blankLinesRegex = regexp.MustCompile(`\n{3,}`)
	sentenceRegex   = regexp.MustCompile(`[.!?]+`)
)

// Normalize applies NFKC, unifies line endings, collapses horizontal
// whitespace and limits runs of blank lines to one. Line boundaries are kept.
func Normalize(text string) string {
	text = norm.NFKC.String(text)
	text = lineBreakRegex.ReplaceAllString(text, "\n")
	text = hSpaceRegex.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	text = strings.Join(lines, "\n")
	text = blankLinesRegex.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// Lines normalises text and returns its lines, blank lines included.
func Lines(text string) []string {
	n := Normalize(text)
	if n == "" {
		return nil
	}
	return strings.Split(n, "\n")
}

// Tokens returns lowercase word tokens. Apostrophes inside words are dropped
// so "don't" becomes "dont".
func Tokens(text string) []string {
	text = strings.ToLower(strings.ReplaceAll(text, "'", ""))
	text = strings.ReplaceAll(text, "’", "")
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// ContentTokens returns tokens longer than minLen that are not stop words.
func ContentTokens(text string, minLen int) []string {
	var out []string
	for _, t := range Tokens(text) {
		if len(t) > minLen && !IsStopWord(t) {
			out = append(out, t)
		}
	}
	return out
}

// TokenSet returns the distinct tokens of text.
func TokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range Tokens(text) {
		set[t] = struct{}{}
	}
	return set
}

// Jaccard returns |a∩b| / |a∪b| over the token sets of a and b.
// Either side empty yields 0.
func Jaccard(a, b string) float64 {
	sa, sb := TokenSet(a), TokenSet(b)
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}
	inter := 0
	for t := range sa {
		if _, ok := sb[t]; ok {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	return float64(inter) / float64(union)
}

// NormalizeAnswer lowercases, strips punctuation and collapses whitespace.
// It is used for exact-match comparisons.
func NormalizeAnswer(s string) string {
	s = norm.NFKC.String(s)
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			space = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
		default:
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// Sentences splits on terminal punctuation and drops empty pieces.
func Sentences(text string) []string {
	var out []string
	for _, s := range sentenceRegex.Split(text, -1) {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// WordCount counts whitespace separated words.
func WordCount(text string) int {
	return len(strings.Fields(text))
}

// IsStopWord reports whether w (lowercase) is an English stop word.
func IsStopWord(w string) bool {
	_, ok := stopWords[w]
	return ok
}

var stopWords = toSet(
	"a", "about", "above", "after", "again", "against", "all", "also", "am", "an", "and",
	"any", "are", "as", "at", "be", "because", "been", "before", "being", "below",
	"between", "both", "but", "by", "can", "cannot", "could", "did", "do", "does",
	"doing", "down", "during", "each", "few", "for", "from", "further", "had", "has",
	"have", "having", "he", "her", "here", "hers", "herself", "him", "himself", "his",
	"how", "i", "if", "in", "into", "is", "it", "its", "itself", "just", "me", "more",
	"most", "my", "myself", "no", "nor", "not", "now", "of", "off", "on", "once",
	"only", "or", "other", "our", "ours", "ourselves", "out", "over", "own", "same",
	"she", "should", "so", "some", "such", "than", "that", "the", "their", "theirs",
	"them", "themselves", "then", "there", "these", "they", "this", "those", "through",
	"to", "too", "under", "until", "up", "very", "was", "we", "were", "what", "when",
	"where", "which", "while", "who", "whom", "why", "will", "with", "would", "you",
	"your", "yours", "yourself", "yourselves", "explain", "describe", "define", "write",
	"state", "discuss", "give", "briefly", "marks", "mark", "question", "answer",
)

func toSet(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}
