package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/pavelanni/papergrader/internal/llm/prompts"

	openai "github.com/sashabaranov/go-openai"
)

// Request is one answer to be scored by the LLM.
type Request struct {
	Question      string
	StudentAnswer string
	ModelAnswer   string
	SubjectArea   string
	MaxMarks      int
	Variant       prompts.PromptVariant
}

// Score holds the LLM's assessment of a single answer.
type Score struct {
	MarksAwarded   float64            `json:"marks_awarded"`
	MaxMarks       int                `json:"max_marks"`
	Strengths      []string           `json:"strengths"`
	Weaknesses     []string           `json:"weaknesses"`
	MissingPoints  []string           `json:"missing_points"`
	Feedback       string             `json:"feedback"`
	DetailedScores map[string]float64 `json:"detailed_scores"`
	// Parsed is false when the reply was not valid JSON and the mark came
	// from the text fallback or the zero stub.
	Parsed bool   `json:"-"`
	Raw    string `json:"-"`
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api   *openai.Client
	model string
}

// New creates a new LLM client.
func New(baseURL, apiKey, modelName string) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:   openai.NewClientWithConfig(config),
		model: modelName,
	}
}

// Ping checks that the endpoint answers a model listing.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

// ScoreAnswer asks the LLM to mark one answer. Transport errors are returned;
// a malformed reply is not an error and degrades through ParseScore.
func (c *Client) ScoreAnswer(ctx context.Context, req Request) (*Score, error) {
	maxMarks := req.MaxMarks
	if maxMarks <= 0 {
		maxMarks = 10
	}
	prompt, err := prompts.BuildScorePrompt(req.Variant, prompts.ScoreData{
		Subject:     req.SubjectArea,
		Question:    req.Question,
		ModelAnswer: req.ModelAnswer,
		Answer:      req.StudentAnswer,
		MaxMarks:    maxMarks,
	})
	if err != nil {
		return nil, fmt.Errorf("build prompt: %w", err)
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt},
			{Role: openai.ChatMessageRoleUser, Content: "Grade the answer now."},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("LLM API call: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, errors.New("LLM returned no choices")
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "raw", raw)
	return ParseScore(raw, maxMarks), nil
}

var marksAwardedRegex = regexp.MustCompile(`(?i)marks[_\s]*awarded["'\s]*[:=]?["'\s]*(\d+(?:\.\d+)?)`)

const maxRawFeedback = 500

// ParseScore decodes an LLM reply. Code fences are stripped before decoding.
// If the reply is not JSON the mark is taken from a "marks awarded: N" phrase;
// failing that a zero-mark stub carries the start of the reply as feedback.
// The mark is always clamped to [0, maxMarks].
func ParseScore(raw string, maxMarks int) *Score {
	text := stripFences(raw)

	var s Score
	err := json.Unmarshal([]byte(text), &s)
	if err == nil {
		s.MaxMarks = maxMarks
		s.MarksAwarded = clamp(s.MarksAwarded, maxMarks)
		s.Parsed = true
		s.Raw = raw
		return &s
	}
	slog.Warn("LLM reply is not JSON", "error", err)

	s = Score{MaxMarks: maxMarks, Raw: raw, Feedback: truncate(strings.TrimSpace(text), maxRawFeedback)}
	if m := marksAwardedRegex.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			s.MarksAwarded = clamp(v, maxMarks)
		}
	}
	return &s
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "```json"):
		s = s[len("```json"):]
	case strings.HasPrefix(s, "```"):
		s = s[3:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func clamp(v float64, maxMarks int) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return math.Min(v, float64(maxMarks))
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// Marks10 rescales the awarded mark to a 0-10 scale.
func (s *Score) Marks10() float64 {
	if s.MaxMarks <= 0 {
		return 0
	}
	return s.MarksAwarded * 10 / float64(s.MaxMarks)
}
