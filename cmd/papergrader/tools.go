package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/papergrader/internal/grading"
	appI18n "github.com/pavelanni/papergrader/internal/i18n"
	"github.com/pavelanni/papergrader/internal/model"
	"github.com/pavelanni/papergrader/internal/ocr"
	"github.com/pavelanni/papergrader/internal/paper"
	"github.com/pavelanni/papergrader/internal/scorer"
	"github.com/pavelanni/papergrader/internal/sequence"
)

func parsePaperCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "parse-paper FILE",
		Short: "Parse a question paper transcript into expected questions",
		Long:  "Parse a question paper transcript (FILE, or - for stdin) and print the questions as JSON. With --save the paper is stored.",
		Args:  cobra.ExactArgs(1),
		RunE:  runParsePaper,
	}
	f := cmd.Flags()
	f.String("subject", "", "Subject area (science, math, humanities, programming, general)")
	f.Int("main-marks", paper.DefaultConfig().MainMarks, "Marks for a main question")
	f.Int("sub-marks", paper.DefaultConfig().SubMarks, "Marks for a lettered sub-question")
	f.Bool("detect-marks", true, `Honour mark allocations such as "(5 marks)" in question text`)
	f.Bool("save", false, "Store the parsed paper in the database")
	f.String("title", "", "Paper title when saving")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addStoreFlags(f)
	addLogFlags(f)
	return cmd
}

func analyzeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze FILE",
		Short: "Segment an answer-sheet transcript against a paper's questions",
		Args:  cobra.ExactArgs(1),
		RunE:  runAnalyze,
	}
	f := cmd.Flags()
	f.Int64("paper-id", 0, "Stored paper to analyse against")
	f.String("paper", "", "Question paper transcript to parse instead of --paper-id")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addStoreFlags(f)
	addLogFlags(f)
	return cmd
}

func scoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score one answer against a model answer",
		RunE:  runScore,
	}
	f := cmd.Flags()
	f.String("question", "", "Question text")
	f.String("answer", "", "Student answer (or use --answer-file)")
	f.String("answer-file", "", "File holding the student answer")
	f.String("model-answer", "", "Model answer (falls back to the question when empty)")
	f.String("subject", "", "Subject area")
	f.Int("max-marks", 10, "Maximum marks for the question")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addScoringFlags(f)
	addLogFlags(f)
	return cmd
}

func ocrCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ocr IMAGE",
		Short: "Extract and validate text from a scanned page",
		Args:  cobra.ExactArgs(1),
		RunE:  runOCR,
	}
	f := cmd.Flags()
	f.String("doc-type", ocr.DocGeneral, "Document type for validation (general, question, answer)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addOCRFlags(f)
	addLogFlags(f)
	return cmd
}

func criteriaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "criteria [SUBJECT]",
		Short: "Show the scoring weights for a subject",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runCriteria,
	}
	f := cmd.Flags()
	f.StringP("lang", "l", "en", "Output language (en, ru)")
	addLogFlags(f)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a paper's submissions, evaluations and report as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.Int64("paper-id", 0, "Paper to export (required)")
	f.StringP("lang", "l", "en", "Language of report labels (en, ru)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addStoreFlags(f)
	addLogFlags(f)

	_ = cmd.MarkFlagRequired("paper-id")

	return cmd
}

func runParsePaper(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	raw, err := readInput(args[0])
	if err != nil {
		return err
	}
	cfg := paperConfig(v)
	res := paper.Parse(raw, cfg)
	validation := ocr.Validate(raw, ocr.DocQuestion)
	for _, issue := range validation.Issues {
		slog.Warn("question paper text", "issue", issue)
	}

	out := struct {
		paper.Result
		Validation ocr.Validation `json:"validation"`
		PaperID    int64          `json:"paper_id,omitempty"`
	}{Result: res, Validation: validation}

	if v.GetBool("save") {
		db, err := openStore(ctx, v)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		out.PaperID, err = db.CreatePaper(ctx, model.Paper{
			Title:           v.GetString("title"),
			Subject:         cfg.SubjectArea,
			QuestionSection: res.QuestionSection,
			AnswerSection:   res.AnswerSection,
			Questions:       res.Questions,
		})
		if err != nil {
			return fmt.Errorf("save paper: %w", err)
		}
		slog.Info("saved paper", "id", out.PaperID, "questions", len(res.Questions))
	}
	return writeOutput(v.GetString("output"), out)
}

func paperConfig(v *viper.Viper) paper.Config {
	cfg := paper.DefaultConfig()
	cfg.MainMarks = v.GetInt("main-marks")
	cfg.SubMarks = v.GetInt("sub-marks")
	cfg.DetectMarks = v.GetBool("detect-marks")
	if s := v.GetString("subject"); s != "" {
		cfg.SubjectArea = scorer.NormalizeSubject(s)
	}
	return cfg
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	raw, err := readInput(args[0])
	if err != nil {
		return err
	}

	var questions []model.ExpectedQuestion
	switch {
	case v.GetString("paper") != "":
		text, err := readInput(v.GetString("paper"))
		if err != nil {
			return err
		}
		questions = paper.Parse(text, paper.DefaultConfig()).Questions
	case v.GetInt64("paper-id") != 0:
		db, err := openStore(ctx, v)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		p, err := db.GetPaper(ctx, v.GetInt64("paper-id"))
		if err != nil {
			return fmt.Errorf("load paper: %w", err)
		}
		questions = p.Questions
	}

	return writeOutput(v.GetString("output"), sequence.DefaultConfig().Analyze(raw, questions))
}

func runScore(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	if err := appI18n.Init(v.GetString("lang")); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	answer := v.GetString("answer")
	if path := v.GetString("answer-file"); path != "" {
		text, err := readInput(path)
		if err != nil {
			return err
		}
		answer = text
	}
	req := model.ScoreRequest{
		Question:      v.GetString("question"),
		StudentAnswer: answer,
		ModelAnswer:   v.GetString("model-answer"),
		SubjectArea:   v.GetString("subject"),
		MaxMarks:      v.GetInt("max-marks"),
	}

	local, combined, err := buildScorers(ctx, v)
	if err != nil {
		return err
	}
	validation := local.ValidateInputs(ctx, req)
	for _, w := range validation.Warnings {
		slog.Warn("score input", "warning", w)
	}
	for _, e := range validation.Errors {
		slog.Warn("score input", "error", e)
	}

	res := combined.Score(ctx, req)
	return writeOutput(v.GetString("output"), res)
}

func runOCR(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	extractor, err := buildExtractor(v)
	if err != nil {
		return fmt.Errorf("create OCR engine: %w", err)
	}
	res, err := extractor.ExtractText(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("extract text: %w", err)
	}
	out := struct {
		ocr.Result
		Validation ocr.Validation `json:"validation"`
	}{Result: res, Validation: ocr.Validate(res.Text, v.GetString("doc-type"))}
	return writeOutput(v.GetString("output"), out)
}

func runCriteria(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	if err := appI18n.Init(v.GetString("lang")); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}
	subject := model.SubjectGeneral
	if len(args) > 0 {
		subject = args[0]
	}
	return writeOutput("-", scorer.Criteria(context.Background(), subject))
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	if err := appI18n.Init(v.GetString("lang")); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	db, err := openStore(ctx, v)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	exp, err := db.ExportPaper(ctx, v.GetInt64("paper-id"))
	if err != nil {
		return fmt.Errorf("export paper: %w", err)
	}
	exp.Report = grading.BuildReport(ctx, exp, sequence.DefaultConfig())

	return writeOutput(v.GetString("output"), exp)
}

func readInput(path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

// writeOutput writes v as indented JSON to outPath, or stdout for "" and "-".
func writeOutput(outPath string, v any) (err error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, ferr := os.Create(outPath)
		if ferr != nil {
			return fmt.Errorf("create output file: %w", ferr)
		}
		defer func() { err = errors.Join(err, f.Close()) }()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)
	return nil
}
