// Package embed provides text similarity measures for the scorer.
//
// Two local providers are always available: BagOfWords, a plain
// term-frequency cosine, and Stemmed, which folds inflections and adds
// bigrams. OpenAI uses a remote embedding model and is normally wrapped with
// WithFallback so a network failure degrades to a local provider.
package embed

import (
	"context"
	"log/slog"
	"math"
	"strings"

	"github.com/pavelanni/papergrader/internal/textnorm"
)

// Provider computes a similarity in [0,1] between two texts.
type Provider interface {
	Similarity(ctx context.Context, a, b string) (float64, error)
}

// Func adapts a plain function to Provider.
type Func func(ctx context.Context, a, b string) (float64, error)

// Similarity calls f.
func (f Func) Similarity(ctx context.Context, a, b string) (float64, error) { return f(ctx, a, b) }

// BagOfWords is a term-frequency cosine over non-stop-word tokens.
type BagOfWords struct{}

// Similarity implements Provider.
func (BagOfWords) Similarity(_ context.Context, a, b string) (float64, error) {
	return cosine(termFreq(textnorm.ContentTokens(a, 1)), termFreq(textnorm.ContentTokens(b, 1))), nil
}

// Stemmed compares stemmed unigrams and bigrams with sublinear weighting.
// It tolerates inflection ("conserved" vs "conservation") that BagOfWords
// misses, at the cost of a little more work.
type Stemmed struct{}

// Similarity implements Provider.
func (Stemmed) Similarity(_ context.Context, a, b string) (float64, error) {
	return cosine(stemmedFeatures(a), stemmedFeatures(b)), nil
}

func stemmedFeatures(text string) map[string]float64 {
	toks := textnorm.ContentTokens(text, 1)
	stems := make([]string, len(toks))
	for i, t := range toks {
		stems[i] = Stem(t)
	}
	tf := termFreq(stems)
	for i := 1; i < len(stems); i++ {
		tf[stems[i-1]+" "+stems[i]]++
	}
	for k, v := range tf {
		tf[k] = 1 + math.Log(v)
	}
	return tf
}

func termFreq(tokens []string) map[string]float64 {
	tf := make(map[string]float64, len(tokens))
	for _, t := range tokens {
		tf[t]++
	}
	return tf
}

func cosine(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var dot, na, nb float64
	for k, v := range a {
		na += v * v
		if w, ok := b[k]; ok {
			dot += v * w
		}
	}
	for _, w := range b {
		nb += w * w
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return clamp01(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// CosineVectors returns the cosine similarity of two dense vectors clamped
// to [0,1]. Vectors of different length compare as 0.
func CosineVectors(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return clamp01(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func clamp01(v float64) float64 {
	return max(0, min(v, 1))
}

// suffixes are tried longest first; a stem keeps at least three letters.
var suffixes = []string{
	"ational", "ization", "fulness", "iveness", "ations", "ition",
	"ation", "ments", "ness", "ment", "able", "ible", "ence", "ance",
	"ings", "ives", "ing", "ies", "ive", "ous", "ful", "est", "ers",
	"ed", "er", "ly", "es", "al", "s",
}

// Stem strips one common English suffix from a lowercase word.
func Stem(w string) string {
	for _, s := range suffixes {
		if strings.HasSuffix(w, s) && len(w)-len(s) >= 3 {
			stem := strings.TrimSuffix(w, s)
			if s == "ies" {
				return stem + "y"
			}
			// "conserv" and "conserve" should agree
			return strings.TrimSuffix(stem, "e")
		}
	}
	return strings.TrimSuffix(w, "e")
}

type fallback struct {
	primary, secondary Provider
}

// WithFallback returns a provider that uses primary and switches to
// secondary for any call where primary fails.
func WithFallback(primary, secondary Provider) Provider {
	return &fallback{primary: primary, secondary: secondary}
}

func (f *fallback) Similarity(ctx context.Context, a, b string) (float64, error) {
	v, err := f.primary.Similarity(ctx, a, b)
	if err == nil {
		return v, nil
	}
	slog.Warn("embedding provider failed, using local similarity", "error", err)
	return f.secondary.Similarity(ctx, a, b)
}
