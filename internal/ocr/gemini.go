package ocr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const defaultGeminiModel = "gemini-1.5-flash"

const geminiInstruction = `You transcribe scanned examination pages.
Return the text exactly as written, preserving question numbers, sub-question
letters, "OR" lines, mark allocations and line breaks. Do not correct spelling
and do not add commentary. Estimate how legible the page was as a confidence
between 0 and 1.
Respond ONLY with JSON: {"text": "<transcription>", "confidence": <0-1>}`

// generateFunc sends one image to the model and returns the raw reply.
type generateFunc func(ctx context.Context, mime string, data []byte) (string, error)

// Gemini extracts text with a Gemini vision model.
type Gemini struct {
	apiKey   string
	model    string
	generate generateFunc
}

// NewGemini creates a Gemini extractor. An empty model uses gemini-1.5-flash.
func NewGemini(apiKey, model string) *Gemini {
	g := &Gemini{apiKey: strings.TrimSpace(apiKey), model: strings.TrimSpace(model)}
	if g.model == "" {
		g.model = defaultGeminiModel
	}
	g.generate = g.callAPI
	return g
}

// Name implements Extractor.
func (g *Gemini) Name() string { return "gemini" }

// ExtractText implements Extractor.
func (g *Gemini) ExtractText(ctx context.Context, imagePath string) (Result, error) {
	data, err := readImage(imagePath)
	if err != nil {
		return Result{}, err
	}
	raw, err := g.generate(ctx, http.DetectContentType(data), data)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return Result{}, fmt.Errorf("%w: gemini: %v", ErrProcessing, err)
	}
	res, err := parseGeminiReply(raw)
	if err != nil {
		return Result{}, err
	}
	res.Engine = g.Name()
	return res, nil
}

func (g *Gemini) callAPI(ctx context.Context, mime string, data []byte) (string, error) {
	if g.apiKey == "" {
		return "", errors.New("gemini API key is empty")
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(g.apiKey))
	if err != nil {
		return "", err
	}
	defer cl.Close()

	m := cl.GenerativeModel(g.model)
	m.GenerationConfig = genai.GenerationConfig{
		Temperature:      ptrFloat32(0),
		ResponseMIMEType: "application/json",
	}
	m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(geminiInstruction)}}

	resp, err := m.GenerateContent(ctx,
		genai.Text("Transcribe this page."),
		&genai.Blob{MIMEType: mime, Data: data},
	)
	if err != nil {
		return "", err
	}
	return firstText(resp), nil
}

// defaultConfidence is reported when the model omits a confidence.
const defaultConfidence = 0.9

// parseGeminiReply decodes the model's JSON reply. A reply that is not JSON
// is taken as the transcription itself.
func parseGeminiReply(raw string) (Result, error) {
	raw = stripCodeFences(strings.TrimSpace(raw))
	if raw == "" {
		return Result{}, fmt.Errorf("%w: empty response", ErrProcessing)
	}

	var out struct {
		Text       string   `json:"text"`
		Confidence *float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return Result{Text: raw, Confidence: defaultConfidence}, nil
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return Result{}, fmt.Errorf("%w: no text on page", ErrProcessing)
	}
	conf := defaultConfidence
	if out.Confidence != nil {
		conf = clampConfidence(*out.Confidence)
	}
	return Result{Text: text, Confidence: conf}, nil
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				return string(t)
			}
		}
	}
	return ""
}

func stripCodeFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 && !strings.HasPrefix(strings.TrimSpace(s), "{") {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

func ptrFloat32(v float32) *float32 { return &v }
