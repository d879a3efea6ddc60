package embed

import (
	"context"
	"fmt"
	"sync"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAI computes similarity from an OpenAI-compatible embeddings endpoint.
// Vectors are cached by text, since question and model-answer texts repeat
// across every submission of a paper.
type OpenAI struct {
	api   *openai.Client
	model openai.EmbeddingModel

	mu       sync.Mutex
	cache    map[string][]float32
	maxCache int
}

// NewOpenAI creates an embedding provider. An empty modelName selects
// text-embedding-3-small.
func NewOpenAI(baseURL, apiKey, modelName string) *OpenAI {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	m := openai.SmallEmbedding3
	if modelName != "" {
		m = openai.EmbeddingModel(modelName)
	}
	return &OpenAI{
		api:      openai.NewClientWithConfig(config),
		model:    m,
		cache:    make(map[string][]float32),
		maxCache: 1024,
	}
}

// Similarity implements Provider.
func (o *OpenAI) Similarity(ctx context.Context, a, b string) (float64, error) {
	vecs, err := o.vectors(ctx, a, b)
	if err != nil {
		return 0, err
	}
	return CosineVectors(vecs[0], vecs[1]), nil
}

func (o *OpenAI) vectors(ctx context.Context, texts ...string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int

	o.mu.Lock()
	for i, t := range texts {
		if v, ok := o.cache[t]; ok {
			out[i] = v
			continue
		}
		missing = append(missing, t)
		missingIdx = append(missingIdx, i)
	}
	o.mu.Unlock()

	if len(missing) == 0 {
		return out, nil
	}

	resp, err := o.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: missing,
		Model: o.model,
	})
	if err != nil {
		return nil, fmt.Errorf("embeddings API call: %w", err)
	}
	if len(resp.Data) != len(missing) {
		return nil, fmt.Errorf("embeddings API returned %d vectors for %d inputs", len(resp.Data), len(missing))
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(missing) {
			return nil, fmt.Errorf("embeddings API returned index %d out of range", d.Index)
		}
		out[missingIdx[d.Index]] = d.Embedding
		if len(o.cache) >= o.maxCache {
			clear(o.cache)
		}
		o.cache[missing[d.Index]] = d.Embedding
	}
	return out, nil
}
