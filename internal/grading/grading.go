// Package grading runs answer sheets through segmentation, scoring and
// OR-group aggregation, persisting the results through a Repository.
package grading

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/papergrader/internal/lock"
	"github.com/pavelanni/papergrader/internal/model"
	"github.com/pavelanni/papergrader/internal/ocr"
	"github.com/pavelanni/papergrader/internal/orgroup"
	"github.com/pavelanni/papergrader/internal/sequence"
)

var (
	// ErrPending means the submission has no extracted text to evaluate.
	ErrPending = errors.New("evaluation pending: no extracted text")
	// ErrDuplicateImage means the same image was already ingested for
	// another submission.
	ErrDuplicateImage = errors.New("image already ingested")
	// ErrNoExtractor means IngestImage was called without an OCR engine.
	ErrNoExtractor = errors.New("no OCR extractor configured")
)

// Repository is the persistence the service needs. *store.Store implements it.
type Repository interface {
	GetPaper(ctx context.Context, id int64) (*model.Paper, error)
	GetSubmission(ctx context.Context, id string) (*model.Submission, error)
	ListSubmissions(ctx context.Context, paperID int64, student string) ([]model.Submission, error)
	UpdateSubmissionText(ctx context.Context, id, text string, confidence float64) error
	UpdateSubmissionStatus(ctx context.Context, id string, status model.SubmissionStatus) error
	SaveAnalysis(ctx context.Context, id string, a *model.SequenceAnalysis) error
	CurrentEvaluations(ctx context.Context, submissionIDs ...string) ([]model.StoredEvaluation, error)
	InsertEvaluation(ctx context.Context, submissionID string, questionNumber int, res model.EvaluationResult) (string, error)
	PutMetadataIfAbsent(ctx context.Context, key, value string) (bool, string, error)
	ExportPaper(ctx context.Context, paperID int64) (*model.PaperExport, error)
}

// Scorer scores one answer. *scorer.Scorer and *hybrid.Combiner implement it.
type Scorer interface {
	Score(ctx context.Context, req model.ScoreRequest) model.EvaluationResult
}

// Config holds service tunables.
type Config struct {
	Parallelism int           // concurrent scoring calls; <= 0 means 4
	OCRTimeout  time.Duration // bound on one OCR call; zero means none
	Sequence    sequence.Config
}

// DefaultConfig returns the default service configuration.
func DefaultConfig() Config {
	return Config{
		Parallelism: 4,
		OCRTimeout:  60 * time.Second,
		Sequence:    sequence.DefaultConfig(),
	}
}

// Service orchestrates evaluation of submissions.
type Service struct {
	repo      Repository
	scorer    Scorer
	extractor ocr.Extractor
	locker    lock.Locker
	cfg       Config
}

// New creates a grading service. extractor may be nil when images are never
// ingested; a nil locker means an in-process lock.
func New(repo Repository, sc Scorer, extractor ocr.Extractor, locker lock.Locker, cfg Config) *Service {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	if locker == nil {
		locker = lock.NewLocal()
	}
	if extractor != nil {
		extractor = ocr.WithTimeout(extractor, cfg.OCRTimeout)
	}
	return &Service{repo: repo, scorer: sc, extractor: extractor, locker: locker, cfg: cfg}
}

// QuestionResult is one question scored during an evaluation.
type QuestionResult struct {
	Number       int                    `json:"number"`
	Key          string                 `json:"key"`
	EvaluationID string                 `json:"evaluation_id"`
	Result       model.EvaluationResult `json:"result"`
}

// Evaluation is the outcome of evaluating one submission.
type Evaluation struct {
	SubmissionID string                  `json:"submission_id"`
	Student      string                  `json:"student"`
	Status       model.SubmissionStatus  `json:"status"`
	Analysis     *model.SequenceAnalysis `json:"analysis,omitempty"`
	Results      []QuestionResult        `json:"results"`
	Skipped      []int                   `json:"skipped,omitempty"`
	Aggregate    model.Aggregate         `json:"aggregate"`
}

// EvaluateSubmission segments and scores a submission and returns the
// student's paper aggregate. A submission without text is not scored: its
// status is returned together with ErrPending. force recomputes a cached
// sequence analysis.
func (s *Service) EvaluateSubmission(ctx context.Context, submissionID string, force bool) (*Evaluation, error) {
	sub, err := s.repo.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, fmt.Errorf("get submission: %w", err)
	}
	ev := &Evaluation{SubmissionID: sub.ID, Student: sub.Student, Status: sub.Status}
	if strings.TrimSpace(sub.ExtractedText) == "" {
		return ev, fmt.Errorf("submission %s: %w", sub.ID, ErrPending)
	}

	paper, err := s.repo.GetPaper(ctx, sub.PaperID)
	if err != nil {
		return nil, fmt.Errorf("get paper: %w", err)
	}

	analysis := sub.Analysis
	if analysis == nil || force {
		a := s.cfg.Sequence.Analyze(sub.ExtractedText, paper.Questions)
		analysis = &a
		if err := s.repo.SaveAnalysis(ctx, sub.ID, analysis); err != nil {
			return nil, fmt.Errorf("save analysis: %w", err)
		}
		slog.Debug("analysed submission", "id", sub.ID, "sections", len(a.Sections), "confidence", a.Confidence)
	}
	sub.Analysis = analysis
	ev.Analysis = analysis

	unlock, err := s.lockGroups(ctx, paper, sub)
	if err != nil {
		return nil, err
	}
	defer unlock()

	subs, err := s.repo.ListSubmissions(ctx, paper.ID, sub.Student)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	for i := range subs {
		if subs[i].ID == sub.ID {
			subs[i].Analysis = analysis
		}
	}
	evals, err := s.repo.CurrentEvaluations(ctx, submissionIDs(subs)...)
	if err != nil {
		return nil, fmt.Errorf("list evaluations: %w", err)
	}
	attempts := buildAttempts(paper.Questions, subs, evals, s.cfg.Sequence)

	// Siblings of an OR member attempted earlier are skipped, not scored.
	prior := orgroup.Aggregate(paper.Questions, attempts)
	skipped := make(map[int]bool)
	for _, out := range prior.Questions {
		if out.Status == model.QuestionSkipped {
			skipped[out.Number] = true
		}
	}

	type job struct {
		q   model.ExpectedQuestion
		req model.ScoreRequest
	}
	var jobs []job
	for _, q := range paper.Questions {
		answer, ok := analysis.Answers.Lookup(q)
		if !ok {
			continue
		}
		if skipped[q.Number] {
			ev.Skipped = append(ev.Skipped, q.Number)
			continue
		}
		jobs = append(jobs, job{q: q, req: scoreRequest(paper, q, answer)})
	}

	reqs := make([]model.ScoreRequest, len(jobs))
	for i, j := range jobs {
		reqs[i] = j.req
	}
	results, err := s.ScoreBatch(ctx, reqs)
	if err != nil {
		return nil, err
	}

	scored := make(map[int]*model.EvaluationResult, len(jobs))
	for i, j := range jobs {
		res := results[i]
		id, err := s.repo.InsertEvaluation(ctx, sub.ID, j.q.Number, res)
		if err != nil {
			return nil, fmt.Errorf("save evaluation for question %d: %w", j.q.Number, err)
		}
		res.ID = id
		ev.Results = append(ev.Results, QuestionResult{Number: j.q.Number, Key: j.q.Key(), EvaluationID: id, Result: res})
		scored[j.q.Number] = &res
	}
	for i := range attempts {
		at := &attempts[i]
		if at.Seq != sub.Seq {
			continue
		}
		if res, ok := scored[at.QuestionNumber]; ok {
			at.Result = res
		}
	}

	ev.Aggregate = orgroup.Aggregate(paper.Questions, attempts)
	if err := s.repo.UpdateSubmissionStatus(ctx, sub.ID, model.SubmissionEvaluated); err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	ev.Status = model.SubmissionEvaluated
	slog.Info("evaluated submission",
		"id", sub.ID, "student", sub.Student, "scored", len(ev.Results), "skipped", len(ev.Skipped),
		"earned", ev.Aggregate.EarnedMarks, "possible", ev.Aggregate.PossibleMarks)
	return ev, nil
}

// ScoreBatch scores independent requests in parallel. Results are in request
// order. The only error is cancellation of ctx.
func (s *Service) ScoreBatch(ctx context.Context, reqs []model.ScoreRequest) ([]model.EvaluationResult, error) {
	results := make([]model.EvaluationResult, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Parallelism)
	for i, req := range reqs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = s.scorer.Score(gctx, req)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("score batch: %w", err)
	}
	return results, nil
}

// Ingest is the outcome of running OCR on a submission image.
type Ingest struct {
	SubmissionID string         `json:"submission_id"`
	OCR          ocr.Result     `json:"ocr"`
	Validation   ocr.Validation `json:"validation"`
}

// IngestImage extracts text from an answer-sheet image and stores it on the
// submission. On failure the submission is marked ocr_failed and the error
// wraps one of the ocr sentinels. An image already ingested for a different
// submission is rejected with ErrDuplicateImage.
func (s *Service) IngestImage(ctx context.Context, submissionID, imagePath string) (*Ingest, error) {
	if s.extractor == nil {
		return nil, ErrNoExtractor
	}
	sub, err := s.repo.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, fmt.Errorf("get submission: %w", err)
	}

	sum, err := fileHash(imagePath)
	if err != nil {
		s.markOCRFailed(ctx, sub.ID)
		return nil, fmt.Errorf("%w: %v", ocr.ErrUpload, err)
	}
	stored, owner, err := s.repo.PutMetadataIfAbsent(ctx, "image:"+sum, sub.ID)
	if err != nil {
		return nil, fmt.Errorf("record image hash: %w", err)
	}
	if !stored && owner != sub.ID {
		return nil, fmt.Errorf("%w: submission %s", ErrDuplicateImage, owner)
	}

	res, err := s.extractor.ExtractText(ctx, imagePath)
	if err != nil {
		slog.Warn("OCR failed", "submission", sub.ID, "engine", s.extractor.Name(), "error", err)
		s.markOCRFailed(ctx, sub.ID)
		return nil, fmt.Errorf("extract text: %w", err)
	}

	v := ocr.Validate(res.Text, ocr.DocGeneral)
	if !v.Valid {
		slog.Warn("OCR text has quality issues", "submission", sub.ID, "issues", v.Issues)
	}
	if err := s.repo.UpdateSubmissionText(ctx, sub.ID, res.Text, res.Confidence); err != nil {
		return nil, fmt.Errorf("save text: %w", err)
	}
	slog.Info("ingested image", "submission", sub.ID, "engine", res.Engine, "confidence", res.Confidence, "chars", len(res.Text))
	return &Ingest{SubmissionID: sub.ID, OCR: res, Validation: v}, nil
}

// StudentAggregate recomputes a student's paper total from the current
// persisted submissions and evaluations.
func (s *Service) StudentAggregate(ctx context.Context, paperID int64, student string) (model.Aggregate, error) {
	paper, err := s.repo.GetPaper(ctx, paperID)
	if err != nil {
		return model.Aggregate{}, fmt.Errorf("get paper: %w", err)
	}
	subs, err := s.repo.ListSubmissions(ctx, paperID, student)
	if err != nil {
		return model.Aggregate{}, fmt.Errorf("list submissions: %w", err)
	}
	evals, err := s.repo.CurrentEvaluations(ctx, submissionIDs(subs)...)
	if err != nil {
		return model.Aggregate{}, fmt.Errorf("list evaluations: %w", err)
	}
	return orgroup.Aggregate(paper.Questions, buildAttempts(paper.Questions, subs, evals, s.cfg.Sequence)), nil
}

// Report builds the paper report from the current persisted results.
func (s *Service) Report(ctx context.Context, paperID int64) (*model.PaperReport, error) {
	exp, err := s.repo.ExportPaper(ctx, paperID)
	if err != nil {
		return nil, err
	}
	return BuildReport(ctx, exp, s.cfg.Sequence), nil
}

func (s *Service) markOCRFailed(ctx context.Context, id string) {
	if err := s.repo.UpdateSubmissionStatus(ctx, id, model.SubmissionOCRFailed); err != nil {
		slog.Error("failed to mark submission", "id", id, "error", err)
	}
}

// lockGroups locks every OR group the submission answers, in key order.
func (s *Service) lockGroups(ctx context.Context, paper *model.Paper, sub *model.Submission) (func(), error) {
	var groups []string
	for _, q := range paper.Questions {
		if q.OrGroupID == "" || slices.Contains(groups, q.OrGroupID) {
			continue
		}
		if _, ok := sub.Analysis.Answers.Lookup(q); ok {
			groups = append(groups, q.OrGroupID)
		}
	}
	slices.Sort(groups)

	var unlocks []func()
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, g := range groups {
		key := "paper:" + strconv.FormatInt(paper.ID, 10) + ":student:" + sub.Student + ":group:" + g
		unlock, err := s.locker.Lock(ctx, key)
		if err != nil {
			release()
			return nil, fmt.Errorf("lock OR group %s: %w", g, err)
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}

// buildAttempts collects the answers of a student's submissions with their
// current results, manual overrides applied. Submissions without a cached
// analysis are analysed on the fly.
func buildAttempts(questions []model.ExpectedQuestion, subs []model.Submission, evals []model.StoredEvaluation, seqCfg sequence.Config) []model.Attempt {
	type key struct {
		sub string
		q   int
	}
	current := make(map[key]model.StoredEvaluation, len(evals))
	for _, e := range evals {
		current[key{e.SubmissionID, e.QuestionNumber}] = e
	}

	var out []model.Attempt
	for _, sub := range subs {
		if strings.TrimSpace(sub.ExtractedText) == "" {
			continue
		}
		var answers model.ParsedAnswerMap
		if sub.Analysis != nil {
			answers = sub.Analysis.Answers
		} else {
			answers = seqCfg.Analyze(sub.ExtractedText, questions).Answers
		}
		for _, q := range questions {
			text, ok := answers.Lookup(q)
			if !ok {
				continue
			}
			at := model.Attempt{QuestionNumber: q.Number, Answer: text, Seq: sub.Seq}
			if e, ok := current[key{sub.ID, q.Number}]; ok {
				res := e.Result
				res.MarksAwarded = e.EffectiveMarks()
				if e.ManualFeedback != "" {
					res.Feedback = e.ManualFeedback
				}
				at.Result = &res
			}
			out = append(out, at)
		}
	}
	return out
}

func scoreRequest(paper *model.Paper, q model.ExpectedQuestion, answer string) model.ScoreRequest {
	subject := q.SubjectArea
	if subject == "" {
		subject = paper.Subject
	}
	return model.ScoreRequest{
		Question:      q.Text,
		StudentAnswer: answer,
		ModelAnswer:   q.ModelAnswer,
		SubjectArea:   subject,
		MaxMarks:      q.MaxMarks,
	}
}

func submissionIDs(subs []model.Submission) []string {
	ids := make([]string, len(subs))
	for i, s := range subs {
		ids[i] = s.ID
	}
	return ids
}

func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
