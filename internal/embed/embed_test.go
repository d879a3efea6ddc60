package embed

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestLocalProviders(t *testing.T) {
	ctx := context.Background()
	providers := map[string]Provider{
		"bag of words": BagOfWords{},
		"stemmed":      Stemmed{},
	}
	for name, p := range providers {
		t.Run(name, func(t *testing.T) {
			same, _ := p.Similarity(ctx, "Energy cannot be created or destroyed", "Energy cannot be created or destroyed")
			if math.Abs(same-1) > 1e-9 {
				t.Errorf("identical text similarity = %v, want 1", same)
			}
			unrelated, _ := p.Similarity(ctx, "Photosynthesis converts sunlight into glucose", "The French revolution began in Paris")
			if unrelated != 0 {
				t.Errorf("unrelated similarity = %v, want 0", unrelated)
			}
			empty, _ := p.Similarity(ctx, "", "anything")
			if empty != 0 {
				t.Errorf("empty similarity = %v, want 0", empty)
			}
		})
	}
}

func TestStemmedToleratesInflection(t *testing.T) {
	ctx := context.Background()
	a, b := "energy is conserved", "conservation of energy"
	bow, _ := BagOfWords{}.Similarity(ctx, a, b)
	st, _ := Stemmed{}.Similarity(ctx, a, b)
	if st <= bow {
		t.Errorf("stemmed similarity %v should exceed bag-of-words %v", st, bow)
	}
}

func TestStem(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"conserved", "conserv"},
		{"conservation", "conserv"},
		{"conserve", "conserv"},
		{"studies", "study"},
		{"forces", "forc"},
		{"force", "forc"},
		{"gas", "gas"},
	}
	for _, tt := range tests {
		if got := Stem(tt.in); got != tt.want {
			t.Errorf("Stem(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCosineVectors(t *testing.T) {
	if got := CosineVectors([]float32{1, 0}, []float32{1, 0}); got != 1 {
		t.Errorf("parallel = %v", got)
	}
	if got := CosineVectors([]float32{1, 0}, []float32{0, 1}); got != 0 {
		t.Errorf("orthogonal = %v", got)
	}
	if got := CosineVectors([]float32{1, 0}, []float32{-1, 0}); got != 0 {
		t.Errorf("opposite should clamp to 0, got %v", got)
	}
	if got := CosineVectors([]float32{1}, []float32{1, 0}); got != 0 {
		t.Errorf("length mismatch = %v", got)
	}
}

func TestWithFallback(t *testing.T) {
	failing := Func(func(context.Context, string, string) (float64, error) {
		return 0, errors.New("unavailable")
	})
	fixed := Func(func(context.Context, string, string) (float64, error) {
		return 0.42, nil
	})

	got, err := WithFallback(failing, fixed).Similarity(context.Background(), "a", "b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 0.42 {
		t.Errorf("Similarity() = %v, want 0.42", got)
	}
}

func TestOpenAISimilarity(t *testing.T) {
	vectors := map[string][]float32{
		"water":    {1, 0, 0},
		"H2O":      {0.9, 0.1, 0},
		"democrat": {0, 0, 1},
	}
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			http.NotFound(w, r)
			return
		}
		calls.Add(1)
		var req struct {
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		type item struct {
			Object    string    `json:"object"`
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		data := make([]item, len(req.Input))
		for i, in := range req.Input {
			data[i] = item{Object: "embedding", Embedding: vectors[in], Index: i}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data, "model": "test"})
	}))
	defer srv.Close()

	p := NewOpenAI(srv.URL+"/v1", "test-key", "")
	ctx := context.Background()

	near, err := p.Similarity(ctx, "water", "H2O")
	if err != nil {
		t.Fatalf("Similarity: %v", err)
	}
	if near < 0.9 {
		t.Errorf("similar vectors = %v, want > 0.9", near)
	}
	far, err := p.Similarity(ctx, "water", "democrat")
	if err != nil {
		t.Fatalf("Similarity: %v", err)
	}
	if far != 0 {
		t.Errorf("orthogonal vectors = %v, want 0", far)
	}
	// "water" and "H2O" are cached now.
	if _, err := p.Similarity(ctx, "H2O", "water"); err != nil {
		t.Fatalf("Similarity: %v", err)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("API calls = %d, want 2", n)
	}
}

func TestOpenAIFallsBackOnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"down"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := WithFallback(NewOpenAI(srv.URL+"/v1", "k", ""), BagOfWords{})
	got, err := p.Similarity(context.Background(), "water boils", "water boils")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(got-1) > 1e-9 {
		t.Errorf("fallback similarity = %v, want 1", got)
	}
}
