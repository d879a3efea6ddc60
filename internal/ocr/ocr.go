// Package ocr turns scanned answer sheets and question papers into text.
//
// Extractors wrap an OCR engine and report the text with a confidence in
// [0, 1]. Failures are classified by the sentinel errors below so callers can
// tell a missing image from a broken engine or a slow one.
package ocr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrUpload means the image could not be handed to the engine.
	ErrUpload = errors.New("ocr upload failed")
	// ErrProcessing means the engine ran but produced no usable text.
	ErrProcessing = errors.New("ocr processing failed")
	// ErrTimeout means the engine did not answer in time.
	ErrTimeout = errors.New("ocr timed out")
)

// Result is the text extracted from one image.
type Result struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Engine     string  `json:"engine"`
}

// Extractor extracts text from an image file.
type Extractor interface {
	Name() string
	ExtractText(ctx context.Context, imagePath string) (Result, error)
}

// Config selects and configures an extractor.
type Config struct {
	Engine        string // gemini, tesseract or text
	GeminiAPIKey  string
	GeminiModel   string
	TesseractPath string
	TesseractLang string
	Timeout       time.Duration
}

// New builds the extractor named by cfg.Engine, bounded by cfg.Timeout.
func New(cfg Config) (Extractor, error) {
	var e Extractor
	switch strings.ToLower(cfg.Engine) {
	case "gemini", "":
		if cfg.GeminiAPIKey == "" {
			return nil, errors.New("gemini OCR needs an API key")
		}
		e = NewGemini(cfg.GeminiAPIKey, cfg.GeminiModel)
	case "tesseract":
		e = NewTesseract(cfg.TesseractPath, cfg.TesseractLang)
	case "text":
		e = TextFile{}
	default:
		return nil, fmt.Errorf("unknown OCR engine %q", cfg.Engine)
	}
	return WithTimeout(e, cfg.Timeout), nil
}

type timeoutExtractor struct {
	Extractor
	d time.Duration
}

// WithTimeout bounds every ExtractText call by d. A call that runs out of
// time fails with ErrTimeout. A zero d returns e unchanged.
func WithTimeout(e Extractor, d time.Duration) Extractor {
	if d <= 0 {
		return e
	}
	return timeoutExtractor{Extractor: e, d: d}
}

func (t timeoutExtractor) ExtractText(ctx context.Context, imagePath string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()

	type reply struct {
		res Result
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		res, err := t.Extractor.ExtractText(ctx, imagePath)
		ch <- reply{res, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(r.err, ErrTimeout) {
			return Result{}, fmt.Errorf("%w after %s: %v", ErrTimeout, t.d, r.err)
		}
		return r.res, r.err
	case <-ctx.Done():
		slog.Warn("OCR call abandoned", "engine", t.Name(), "timeout", t.d)
		return Result{}, fmt.Errorf("%w after %s", ErrTimeout, t.d)
	}
}

// TextFile is an extractor for text that was already transcribed: it reads
// the file itself, or a sibling .txt file for an image, with confidence 1.
type TextFile struct{}

// Name implements Extractor.
func (TextFile) Name() string { return "text" }

// ExtractText implements Extractor.
func (TextFile) ExtractText(ctx context.Context, imagePath string) (Result, error) {
	path := imagePath
	if !strings.EqualFold(filepath.Ext(path), ".txt") {
		path = strings.TrimSuffix(path, filepath.Ext(path)) + ".txt"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUpload, err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return Result{}, fmt.Errorf("%w: %s is empty", ErrProcessing, path)
	}
	return Result{Text: text, Confidence: 1, Engine: "text"}, nil
}

func readImage(imagePath string) ([]byte, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpload, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrUpload, imagePath)
	}
	return data, nil
}

func clampConfidence(c float64) float64 {
	return min(max(c, 0), 1)
}
