package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/papergrader/internal/grading"
	"github.com/pavelanni/papergrader/internal/model"
	"github.com/pavelanni/papergrader/internal/ocr"
	"github.com/pavelanni/papergrader/internal/paper"
	"github.com/pavelanni/papergrader/internal/scorer"
	"github.com/pavelanni/papergrader/internal/sequence"
	"github.com/pavelanni/papergrader/internal/store"
)

type testEnv struct {
	store  *store.Store
	server *httptest.Server
	admin  string
	grader string
}

func newTestEnv(t *testing.T, basePath string) *testEnv {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sc := scorer.New(nil, nil, scorer.DefaultThresholds())
	svc := grading.New(st, sc, ocr.TextFile{}, nil, grading.DefaultConfig())
	h, err := New(st, svc, Options{
		API:       model.APIConfig{BasePath: basePath, Lang: "en"},
		Paper:     paper.DefaultConfig(),
		Sequence:  sequence.DefaultConfig(),
		Validator: sc,
		UploadDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("handler.New: %v", err)
	}
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)

	env := &testEnv{store: st, server: srv}
	createUser(t, st, "admin", "secret", model.UserRoleAdmin)
	createUser(t, st, "grader", "secret", model.UserRoleGrader)
	env.admin = env.login(t, basePath, "admin", "secret")
	env.grader = env.login(t, basePath, "grader", "secret")
	return env
}

func createUser(t *testing.T, st *store.Store, name, password string, role model.UserRole) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if _, err := st.CreateUser(context.Background(), model.User{
		Username: name, PasswordHash: string(hash), Role: role, Active: true,
	}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
}

func (e *testEnv) login(t *testing.T, basePath, user, password string) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, basePath+"/api/login", "", loginRequest{Username: user, Password: password})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login %s: status %d", user, resp.StatusCode)
	}
	var out loginResponse
	decode(t, resp, &out)
	return out.Token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

const paperText = `1. Define photosynthesis. (10 marks)
2. Explain respiration. (10 marks)
OR
3. Explain transpiration. (10 marks)`

func (e *testEnv) createPaper(t *testing.T) model.Paper {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/papers", e.grader, model.Paper{
		Title:   "Biology",
		Subject: "science",
		Questions: []model.ExpectedQuestion{
			{Number: 1, MainNumber: 1, Text: "Define photosynthesis.", MaxMarks: 10},
			{Number: 2, MainNumber: 2, Text: "Explain respiration.", MaxMarks: 10, OrGroupID: "or_1"},
			{Number: 3, MainNumber: 3, Text: "Explain transpiration.", MaxMarks: 10, OrGroupID: "or_1"},
		},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create paper: status %d", resp.StatusCode)
	}
	var p model.Paper
	decode(t, resp, &p)
	return p
}

func TestAuth(t *testing.T) {
	env := newTestEnv(t, "")

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		want   int
	}{
		{"no token", http.MethodGet, "/api/papers", "", nil, http.StatusUnauthorized},
		{"bad token", http.MethodGet, "/api/papers", "nope", nil, http.StatusUnauthorized},
		{"grader ok", http.MethodGet, "/api/papers", env.grader, nil, http.StatusOK},
		{"grader not admin", http.MethodGet, "/api/admin/users", env.grader, nil, http.StatusForbidden},
		{"admin ok", http.MethodGet, "/api/admin/users", env.admin, nil, http.StatusOK},
		{"wrong password", http.MethodPost, "/api/login", "", loginRequest{Username: "admin", Password: "wrong"}, http.StatusUnauthorized},
		{"unknown user", http.MethodPost, "/api/login", "", loginRequest{Username: "ghost", Password: "secret"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, tt.method, tt.path, tt.token, tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t, "")
	if resp := env.do(t, http.MethodPost, "/api/logout", env.grader, nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout status = %d", resp.StatusCode)
	}
	if resp := env.do(t, http.MethodGet, "/api/papers", env.grader, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("token still valid after logout: %d", resp.StatusCode)
	}
}

func TestBasePath(t *testing.T) {
	env := newTestEnv(t, "/grader")
	if resp := env.do(t, http.MethodGet, "/grader/api/papers", env.grader, nil); resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d under base path", resp.StatusCode)
	}
	if resp := env.do(t, http.MethodGet, "/api/papers", env.grader, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d outside base path, want 404", resp.StatusCode)
	}
}

func TestParsePaper(t *testing.T) {
	env := newTestEnv(t, "")
	resp := env.do(t, http.MethodPost, "/api/papers/parse", env.grader, parseRequest{Text: paperText})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out parseResponse
	decode(t, resp, &out)
	if len(out.Questions) != 3 {
		t.Fatalf("got %d questions, want 3", len(out.Questions))
	}
	if out.Questions[1].OrGroupID == "" || out.Questions[1].OrGroupID != out.Questions[2].OrGroupID {
		t.Errorf("questions 2 and 3 should share an OR group: %+v", out.Questions)
	}

	if resp := env.do(t, http.MethodPost, "/api/papers/parse", env.grader, parseRequest{}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty text status = %d, want 400", resp.StatusCode)
	}
}

func TestCreatePaperFromText(t *testing.T) {
	env := newTestEnv(t, "")
	resp := env.do(t, http.MethodPost, "/api/papers", env.grader, createPaperRequest{Title: "Bio", Text: paperText})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var p model.Paper
	decode(t, resp, &p)
	if p.ID == 0 || len(p.Questions) != 3 {
		t.Fatalf("unexpected paper: %+v", p)
	}

	resp = env.do(t, http.MethodGet, "/api/papers/999", env.grader, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing paper status = %d, want 404", resp.StatusCode)
	}
}

func TestCreatePaperRejectsDuplicateNumbers(t *testing.T) {
	env := newTestEnv(t, "")
	resp := env.do(t, http.MethodPost, "/api/papers", env.grader, createPaperRequest{
		Questions: []model.ExpectedQuestion{
			{Number: 1, MainNumber: 1, Text: "a", MaxMarks: 5},
			{Number: 1, MainNumber: 1, Text: "b", MaxMarks: 5},
		},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAnalyze(t *testing.T) {
	env := newTestEnv(t, "")
	p := env.createPaper(t)
	resp := env.do(t, http.MethodPost, "/api/analyze", env.grader, analyzeRequest{
		PaperID: p.ID,
		Text:    "1. Plants make food from light\n3. Water leaves through stomata",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var a model.SequenceAnalysis
	decode(t, resp, &a)
	if _, ok := a.Answers.Lookup(p.Questions[0]); !ok {
		t.Errorf("answer 1 not found: %+v", a.Answers)
	}
	if _, ok := a.Answers.Lookup(p.Questions[2]); !ok {
		t.Errorf("answer 3 not found: %+v", a.Answers)
	}
}

func TestScore(t *testing.T) {
	env := newTestEnv(t, "")
	const answer = "Photosynthesis converts light energy into chemical energy stored in glucose."

	resp := env.do(t, http.MethodPost, "/api/score", env.grader, model.ScoreRequest{
		Question:      "Define photosynthesis.",
		StudentAnswer: answer,
		ModelAnswer:   answer,
		SubjectArea:   "science",
		MaxMarks:      5,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var single scoreResponse
	decode(t, resp, &single)
	if single.Result == nil || single.Result.MarksAwarded != 5 || single.Result.MaxMarks != 5 {
		t.Errorf("exact answer should score full marks: %+v", single.Result)
	}
	if len(single.Validation) != 1 || !single.Validation[0].Valid {
		t.Errorf("unexpected validation: %+v", single.Validation)
	}

	resp = env.do(t, http.MethodPost, "/api/score", env.grader, map[string]any{
		"requests": []model.ScoreRequest{
			{Question: "Define photosynthesis.", StudentAnswer: answer, ModelAnswer: answer, MaxMarks: 10},
			{Question: "Define photosynthesis.", StudentAnswer: "", ModelAnswer: answer, MaxMarks: 10},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("batch status = %d", resp.StatusCode)
	}
	var batch scoreResponse
	decode(t, resp, &batch)
	if len(batch.Results) != 2 {
		t.Fatalf("got %d results, want 2", len(batch.Results))
	}
	if batch.Results[0].MarksAwarded != 10 || batch.Results[1].MarksAwarded != 0 {
		t.Errorf("unexpected batch marks: %d, %d", batch.Results[0].MarksAwarded, batch.Results[1].MarksAwarded)
	}
	if batch.Validation[1].Valid {
		t.Error("empty answer should fail validation")
	}
}

func TestAggregateFromAttempts(t *testing.T) {
	env := newTestEnv(t, "")
	qs := []model.ExpectedQuestion{
		{Number: 1, MainNumber: 1, MaxMarks: 10, OrGroupID: "or_1"},
		{Number: 2, MainNumber: 2, MaxMarks: 10, OrGroupID: "or_1"},
	}
	resp := env.do(t, http.MethodPost, "/api/aggregate", env.grader, aggregateRequest{
		Questions: qs,
		Attempts: []model.Attempt{
			{QuestionNumber: 2, Seq: 1, Answer: "x", Result: &model.EvaluationResult{MarksAwarded: 7, MaxMarks: 10}},
			{QuestionNumber: 1, Seq: 2, Answer: "y", Result: &model.EvaluationResult{MarksAwarded: 9, MaxMarks: 10}},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var agg model.Aggregate
	decode(t, resp, &agg)
	if agg.PossibleMarks != 10 || agg.EarnedMarks != 7 {
		t.Errorf("got %d/%d, want 7/10", agg.EarnedMarks, agg.PossibleMarks)
	}
}

func TestSubmissionEvaluateAndOverride(t *testing.T) {
	env := newTestEnv(t, "")
	p := env.createPaper(t)

	resp := env.do(t, http.MethodPost, "/api/papers/"+itoa(p.ID)+"/submissions", env.grader, submissionRequest{Student: "alice"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create submission status = %d", resp.StatusCode)
	}
	var pending submissionResponse
	decode(t, resp, &pending)
	if resp := env.do(t, http.MethodPost, "/api/submissions/"+pending.Submission.ID+"/evaluate", env.grader, nil); resp.StatusCode != http.StatusConflict {
		t.Errorf("pending evaluate status = %d, want 409", resp.StatusCode)
	}

	resp = env.do(t, http.MethodPost, "/api/papers/"+itoa(p.ID)+"/submissions", env.grader, submissionRequest{
		Student: "alice",
		Text:    "1. Plants use sunlight to make glucose from carbon dioxide and water\n2. Cells break down glucose to release energy",
	})
	var created submissionResponse
	decode(t, resp, &created)

	resp = env.do(t, http.MethodPost, "/api/submissions/"+created.Submission.ID+"/evaluate", env.grader, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("evaluate status = %d", resp.StatusCode)
	}
	var ev grading.Evaluation
	decode(t, resp, &ev)
	if ev.Status != model.SubmissionEvaluated || len(ev.Results) != 2 {
		t.Fatalf("unexpected evaluation: %+v", ev)
	}
	evalID := ev.Results[0].EvaluationID

	path := "/api/evaluations/" + evalID + "/override"
	if resp := env.do(t, http.MethodPost, path, env.grader, overrideRequest{Marks: intPtr(8)}); resp.StatusCode != http.StatusForbidden {
		t.Errorf("grader override status = %d, want 403", resp.StatusCode)
	}
	if resp := env.do(t, http.MethodPost, path, env.admin, overrideRequest{Marks: intPtr(11)}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("out of range override status = %d, want 400", resp.StatusCode)
	}
	if resp := env.do(t, http.MethodPost, "/api/evaluations/missing/override", env.admin, overrideRequest{Marks: intPtr(1)}); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing evaluation status = %d, want 404", resp.StatusCode)
	}
	resp = env.do(t, http.MethodPost, path, env.admin, overrideRequest{Marks: intPtr(8), Feedback: "good enough"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("override status = %d", resp.StatusCode)
	}
	var stored model.StoredEvaluation
	decode(t, resp, &stored)
	if stored.EffectiveMarks() != 8 || stored.ManualFeedback != "good enough" {
		t.Errorf("override not applied: %+v", stored)
	}

	resp = env.do(t, http.MethodGet, "/api/papers/"+itoa(p.ID)+"/report", env.grader, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("report status = %d", resp.StatusCode)
	}
	var rep model.PaperReport
	decode(t, resp, &rep)
	if len(rep.Students) != 1 || rep.Students[0].Student != "alice" || rep.Students[0].Submissions != 2 {
		t.Errorf("unexpected report: %+v", rep.Students)
	}
}

func TestSubmissionFromImage(t *testing.T) {
	env := newTestEnv(t, "")
	p := env.createPaper(t)

	// The text extractor reads the uploaded file itself when it is a .txt.
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("student", "bob"); err != nil {
		t.Fatal(err)
	}
	fw, err := mw.CreateFormFile("image", "sheet.txt")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte("1. Light energy becomes chemical energy"))
	mw.Close()

	req, _ := http.NewRequest(http.MethodPost, env.server.URL+"/api/papers/"+itoa(p.ID)+"/submissions", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+env.grader)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out submissionResponse
	decode(t, resp, &out)
	if out.Ingest == nil || out.Ingest.OCR.Engine != "text" {
		t.Errorf("unexpected ingest: %+v", out.Ingest)
	}
	if out.Submission.ExtractedText == "" || out.Submission.Status != model.SubmissionReady {
		t.Errorf("text not stored: %+v", out.Submission)
	}
	if _, err := os.Stat(filepath.Clean(out.Submission.ImagePath)); err != nil {
		t.Errorf("upload not kept: %v", err)
	}
}

func TestCriteria(t *testing.T) {
	env := newTestEnv(t, "")
	resp := env.do(t, http.MethodGet, "/api/criteria/physics", env.grader, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var c scorer.SubjectCriteria
	decode(t, resp, &c)
	if c.Subject != model.SubjectScience {
		t.Errorf("subject = %q, want %q", c.Subject, model.SubjectScience)
	}
}

func TestAdminUsers(t *testing.T) {
	env := newTestEnv(t, "")
	resp := env.do(t, http.MethodPost, "/api/admin/users", env.admin, createUserRequest{Username: "carol", Password: "pw"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var u userView
	decode(t, resp, &u)
	if u.Role != model.UserRoleGrader || !u.Active {
		t.Errorf("unexpected user: %+v", u)
	}

	if resp := env.do(t, http.MethodPost, "/api/admin/users", env.admin, createUserRequest{Username: "carol", Password: "pw"}); resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate user status = %d, want 409", resp.StatusCode)
	}

	resp = env.do(t, http.MethodPost, "/api/admin/users/"+itoa(u.ID)+"/toggle-active", env.admin, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("toggle status = %d", resp.StatusCode)
	}
	decode(t, resp, &u)
	if u.Active {
		t.Error("user should be inactive after toggle")
	}
	if resp := env.do(t, http.MethodPost, "/api/login", "", loginRequest{Username: "carol", Password: "pw"}); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("inactive login status = %d, want 401", resp.StatusCode)
	}
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

func intPtr(n int) *int { return &n }
