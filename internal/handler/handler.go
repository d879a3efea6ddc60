package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/pavelanni/papergrader/internal/grading"
	appI18n "github.com/pavelanni/papergrader/internal/i18n"
	"github.com/pavelanni/papergrader/internal/model"
	"github.com/pavelanni/papergrader/internal/ocr"
	"github.com/pavelanni/papergrader/internal/orgroup"
	"github.com/pavelanni/papergrader/internal/paper"
	"github.com/pavelanni/papergrader/internal/scorer"
	"github.com/pavelanni/papergrader/internal/sequence"
	"github.com/pavelanni/papergrader/internal/store"
)

const (
	maxJSONBody   = 1 << 20
	maxUploadBody = 20 << 20
)

// Options carries the engine configuration the HTTP layer needs.
type Options struct {
	API       model.APIConfig
	Paper     paper.Config
	Sequence  sequence.Config
	Validator *scorer.Scorer // checks /api/score inputs; nil skips validation
	UploadDir string         // where uploaded answer-sheet images are kept
	Timeout   time.Duration  // per-request timeout; zero means none
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store   *store.Store
	grading *grading.Service
	opts    Options
}

// New creates a new Handler.
func New(s *store.Store, svc *grading.Service, opts Options) (*Handler, error) {
	if opts.UploadDir == "" {
		opts.UploadDir = filepath.Join(os.TempDir(), "papergrader-uploads")
	}
	if err := os.MkdirAll(opts.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &Handler{store: s, grading: svc, opts: opts}, nil
}

// Router builds the HTTP handler with middleware, mounted under the
// configured base path.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	if h.opts.Timeout > 0 {
		r.Use(middleware.Timeout(h.opts.Timeout))
	}
	if len(h.opts.API.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   h.opts.API.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "Accept-Language"},
			ExposedHeaders:   []string{"Content-Length"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	r.Use(appI18n.Middleware(h.opts.API.Lang))

	if base := h.opts.API.BasePath; base != "" {
		r.Route(base, h.Routes)
	} else {
		h.Routes(r)
	}
	return r
}

// Routes registers all API routes.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/api/login", h.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAuth)
		r.Post("/api/logout", h.handleLogout)

		r.Post("/api/papers/parse", h.handleParsePaper)
		r.Post("/api/papers", h.handleCreatePaper)
		r.Get("/api/papers", h.handleListPapers)
		r.Get("/api/papers/{paperID}", h.handleGetPaper)
		r.Post("/api/papers/{paperID}/submissions", h.handleCreateSubmission)
		r.Get("/api/papers/{paperID}/report", h.handleReport)

		r.Post("/api/analyze", h.handleAnalyze)
		r.Post("/api/score", h.handleScore)
		r.Post("/api/aggregate", h.handleAggregate)

		r.Get("/api/submissions/{submissionID}", h.handleGetSubmission)
		r.Post("/api/submissions/{submissionID}/evaluate", h.handleEvaluate)

		r.Get("/api/criteria/{subject}", h.handleCriteria)

		r.Group(func(r chi.Router) {
			r.Use(requireRole(model.UserRoleAdmin))
			r.Post("/api/evaluations/{evaluationID}/override", h.handleOverride)
			r.Get("/api/admin/users", h.handleListUsers)
			r.Post("/api/admin/users", h.handleCreateUser)
			r.Post("/api/admin/users/{userID}/toggle-active", h.handleToggleUserActive)
		})
	})
}

type parseRequest struct {
	Text        string `json:"text"`
	Subject     string `json:"subject"`
	DetectMarks *bool  `json:"detect_marks,omitempty"`
}

type parseResponse struct {
	paper.Result
	Validation ocr.Validation `json:"validation"`
}

func (h *Handler) parseConfig(subject string, detect *bool) paper.Config {
	cfg := h.opts.Paper
	if subject != "" {
		cfg.SubjectArea = scorer.NormalizeSubject(subject)
	}
	if detect != nil {
		cfg.DetectMarks = *detect
	}
	return cfg
}

func (h *Handler) handleParsePaper(w http.ResponseWriter, r *http.Request) {
	var req parseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, r, http.StatusBadRequest, "ErrBadRequest")
		return
	}
	res := paper.Parse(req.Text, h.parseConfig(req.Subject, req.DetectMarks))
	writeJSON(w, http.StatusOK, parseResponse{Result: res, Validation: ocr.Validate(req.Text, ocr.DocQuestion)})
}

type createPaperRequest struct {
	Title       string                   `json:"title"`
	Subject     string                   `json:"subject"`
	Text        string                   `json:"text"`
	Questions   []model.ExpectedQuestion `json:"questions"`
	DetectMarks *bool                    `json:"detect_marks,omitempty"`
}

func (h *Handler) handleCreatePaper(w http.ResponseWriter, r *http.Request) {
	var req createPaperRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p := model.Paper{Title: req.Title, Subject: scorer.NormalizeSubject(req.Subject), Questions: req.Questions}
	if len(p.Questions) == 0 {
		if strings.TrimSpace(req.Text) == "" {
			writeError(w, r, http.StatusBadRequest, "ErrBadRequest")
			return
		}
		res := paper.Parse(req.Text, h.parseConfig(req.Subject, req.DetectMarks))
		p.Questions = res.Questions
		p.QuestionSection = res.QuestionSection
		p.AnswerSection = res.AnswerSection
	}
	if err := validateQuestions(p.Questions); err != nil {
		writeErrorText(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := h.store.CreatePaper(r.Context(), p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	created, err := h.store.GetPaper(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	slog.Info("created paper", "id", id, "questions", len(created.Questions), "user", currentUsername(r))
	writeJSON(w, http.StatusCreated, created)
}

// validateQuestions enforces unique numbers and a main number on sub-questions.
func validateQuestions(qs []model.ExpectedQuestion) error {
	seen := make(map[int]bool, len(qs))
	for _, q := range qs {
		if seen[q.Number] {
			return fmt.Errorf("duplicate question number %d", q.Number)
		}
		seen[q.Number] = true
		if q.SubLetter != "" && q.MainNumber == 0 {
			return fmt.Errorf("question %d has a sub-letter but no main number", q.Number)
		}
		if q.MaxMarks < 0 {
			return fmt.Errorf("question %d has negative max marks", q.Number)
		}
	}
	return nil
}

func (h *Handler) handleListPapers(w http.ResponseWriter, r *http.Request) {
	papers, err := h.store.ListPapers(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if papers == nil {
		papers = []model.Paper{}
	}
	writeJSON(w, http.StatusOK, papers)
}

func (h *Handler) handleGetPaper(w http.ResponseWriter, r *http.Request) {
	id, ok := paperIDParam(w, r)
	if !ok {
		return
	}
	p, err := h.store.GetPaper(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type submissionRequest struct {
	Student string `json:"student"`
	Text    string `json:"text"`
}

type submissionResponse struct {
	Submission *model.Submission `json:"submission"`
	Ingest     *grading.Ingest   `json:"ingest,omitempty"`
}

// handleCreateSubmission accepts either JSON with already extracted text or
// a multipart form with an "image" file and a "student" field.
func (h *Handler) handleCreateSubmission(w http.ResponseWriter, r *http.Request) {
	paperID, ok := paperIDParam(w, r)
	if !ok {
		return
	}
	if _, err := h.store.GetPaper(r.Context(), paperID); err != nil {
		h.fail(w, r, err)
		return
	}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		h.createSubmissionFromImage(w, r, paperID)
		return
	}

	var req submissionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Student) == "" {
		writeError(w, r, http.StatusBadRequest, "ErrBadRequest")
		return
	}
	sub, err := h.store.CreateSubmission(r.Context(), model.Submission{
		PaperID:       paperID,
		Student:       req.Student,
		ExtractedText: req.Text,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, submissionResponse{Submission: &sub})
}

func (h *Handler) createSubmissionFromImage(w http.ResponseWriter, r *http.Request, paperID int64) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBody)
	if err := r.ParseMultipartForm(maxUploadBody); err != nil {
		writeErrorText(w, http.StatusBadRequest, "file too large or malformed form")
		return
	}
	student := strings.TrimSpace(r.FormValue("student"))
	if student == "" {
		writeError(w, r, http.StatusBadRequest, "ErrBadRequest")
		return
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		writeErrorText(w, http.StatusBadRequest, "no image uploaded")
		return
	}
	defer file.Close()

	path := filepath.Join(h.opts.UploadDir, uuid.NewString()+strings.ToLower(filepath.Ext(header.Filename)))
	if err := saveUpload(path, file); err != nil {
		h.fail(w, r, err)
		return
	}

	sub, err := h.store.CreateSubmission(r.Context(), model.Submission{
		PaperID:   paperID,
		Student:   student,
		ImagePath: path,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	in, err := h.grading.IngestImage(r.Context(), sub.ID, path)
	if err != nil {
		slog.Warn("image ingestion failed", "submission", sub.ID, "error", err)
		h.fail(w, r, err)
		return
	}
	updated, err := h.store.GetSubmission(r.Context(), sub.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, submissionResponse{Submission: updated, Ingest: in})
}

func saveUpload(path string, src io.Reader) error {
	dst, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create upload: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("write upload: %w", err)
	}
	return dst.Close()
}

func (h *Handler) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	sub, err := h.store.GetSubmission(r.Context(), chi.URLParam(r, "submissionID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *Handler) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	ev, err := h.grading.EvaluateSubmission(r.Context(), chi.URLParam(r, "submissionID"), force)
	if errors.Is(err, grading.ErrPending) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":  appI18n.T(r.Context(), "ErrPending"),
			"status": ev.Status,
		})
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

type analyzeRequest struct {
	Text      string                   `json:"text"`
	PaperID   int64                    `json:"paper_id,omitempty"`
	Questions []model.ExpectedQuestion `json:"questions,omitempty"`
}

func (h *Handler) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	qs := req.Questions
	if req.PaperID != 0 {
		p, err := h.store.GetPaper(r.Context(), req.PaperID)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		qs = p.Questions
	}
	writeJSON(w, http.StatusOK, h.opts.Sequence.Analyze(req.Text, qs))
}

type scoreRequest struct {
	model.ScoreRequest
	Requests []model.ScoreRequest `json:"requests,omitempty"`
}

type scoreResponse struct {
	Result     *model.EvaluationResult  `json:"result,omitempty"`
	Results    []model.EvaluationResult `json:"results,omitempty"`
	Validation []scorer.Validation      `json:"validation,omitempty"`
}

// handleScore scores a single request, or a batch when "requests" is set.
func (h *Handler) handleScore(w http.ResponseWriter, r *http.Request) {
	var req scoreRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	batch := len(req.Requests) > 0
	reqs := req.Requests
	if !batch {
		reqs = []model.ScoreRequest{req.ScoreRequest}
	}

	var resp scoreResponse
	if h.opts.Validator != nil {
		for _, sr := range reqs {
			resp.Validation = append(resp.Validation, h.opts.Validator.ValidateInputs(r.Context(), sr))
		}
	}
	results, err := h.grading.ScoreBatch(r.Context(), reqs)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if batch {
		resp.Results = results
	} else {
		resp.Result = &results[0]
	}
	writeJSON(w, http.StatusOK, resp)
}

type aggregateRequest struct {
	PaperID   int64                    `json:"paper_id,omitempty"`
	Student   string                   `json:"student,omitempty"`
	Questions []model.ExpectedQuestion `json:"questions,omitempty"`
	Attempts  []model.Attempt          `json:"attempts,omitempty"`
}

// handleAggregate totals either the persisted submissions of a student
// (paper_id + student) or the supplied questions and attempts.
func (h *Handler) handleAggregate(w http.ResponseWriter, r *http.Request) {
	var req aggregateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.PaperID != 0 {
		if req.Student == "" {
			writeError(w, r, http.StatusBadRequest, "ErrBadRequest")
			return
		}
		agg, err := h.grading.StudentAggregate(r.Context(), req.PaperID, req.Student)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, agg)
		return
	}
	writeJSON(w, http.StatusOK, orgroup.Aggregate(req.Questions, req.Attempts))
}

func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	id, ok := paperIDParam(w, r)
	if !ok {
		return
	}
	rep, err := h.grading.Report(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) handleCriteria(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scorer.Criteria(r.Context(), chi.URLParam(r, "subject")))
}

func paperIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "paperID"), 10, 64)
	if err != nil {
		writeErrorText(w, http.StatusBadRequest, "invalid paper ID")
		return 0, false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErrorText(w, http.StatusBadRequest, appI18n.T(r.Context(), "ErrBadRequest")+" "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

type errResp struct {
	Error string `json:"error"`
}

// writeError writes a localised error message.
func writeError(w http.ResponseWriter, r *http.Request, status int, msgID string) {
	writeJSON(w, status, errResp{Error: appI18n.T(r.Context(), msgID)})
}

func writeErrorText(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errResp{Error: msg})
}

// fail maps domain errors to HTTP statuses.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "ErrNotFound")
	case errors.Is(err, grading.ErrDuplicateImage):
		writeErrorText(w, http.StatusConflict, err.Error())
	case errors.Is(err, ocr.ErrUpload):
		writeErrorText(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ocr.ErrProcessing), errors.Is(err, ocr.ErrTimeout), errors.Is(err, grading.ErrNoExtractor):
		writeErrorText(w, http.StatusBadGateway, err.Error())
	default:
		slog.Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, r, http.StatusInternalServerError, "ErrInternal")
	}
}
