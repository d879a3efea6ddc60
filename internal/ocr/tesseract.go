package ocr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// Tesseract extracts text with a local tesseract binary.
type Tesseract struct {
	path string
	lang string
	run  func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewTesseract creates a tesseract extractor. Empty arguments default to
// "tesseract" on PATH and English.
func NewTesseract(path, lang string) *Tesseract {
	if path == "" {
		path = "tesseract"
	}
	if lang == "" {
		lang = "eng"
	}
	return &Tesseract{path: path, lang: lang, run: runCommand}
}

// Name implements Extractor.
func (t *Tesseract) Name() string { return "tesseract" }

// ExtractText implements Extractor. The TSV output gives per-word
// confidences; the result confidence is their mean.
func (t *Tesseract) ExtractText(ctx context.Context, imagePath string) (Result, error) {
	if _, err := os.Stat(imagePath); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUpload, err)
	}
	out, err := t.run(ctx, t.path, imagePath, "stdout", "-l", t.lang, "tsv")
	if err != nil {
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return Result{}, fmt.Errorf("%w: tesseract: %v", ErrProcessing, err)
	}
	res, err := parseTSV(out)
	if err != nil {
		return Result{}, err
	}
	res.Engine = t.Name()
	return res, nil
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return out, nil
}

// tsv columns: level page_num block_num par_num line_num word_num left top
// width height conf text
const (
	tsvBlock = 2
	tsvPar   = 3
	tsvLine  = 4
	tsvConf  = 10
	tsvText  = 11
)

// parseTSV rebuilds the page text line by line and averages the word
// confidences, which tesseract reports on a 0-100 scale.
func parseTSV(out []byte) (Result, error) {
	var (
		sb       strings.Builder
		lastLine string
		lastPar  string
		sum      float64
		words    int
	)
	for i, row := range strings.Split(string(out), "\n") {
		if i == 0 || row == "" {
			continue
		}
		cols := strings.Split(row, "\t")
		if len(cols) <= tsvText {
			continue
		}
		conf, err := strconv.ParseFloat(cols[tsvConf], 64)
		word := strings.TrimSpace(cols[tsvText])
		if err != nil || conf < 0 || word == "" {
			continue
		}

		par := cols[tsvBlock] + "." + cols[tsvPar]
		line := par + "." + cols[tsvLine]
		switch {
		case sb.Len() == 0:
		case par != lastPar:
			sb.WriteString("\n\n")
		case line != lastLine:
			sb.WriteByte('\n')
		default:
			sb.WriteByte(' ')
		}
		sb.WriteString(word)
		lastLine, lastPar = line, par

		sum += conf
		words++
	}
	if words == 0 {
		return Result{}, fmt.Errorf("%w: no text recognised", ErrProcessing)
	}
	return Result{Text: sb.String(), Confidence: clampConfidence(sum / float64(words) / 100)}, nil
}
