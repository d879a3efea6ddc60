package model

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"
)

// UserRole represents a grader account's access level.
type UserRole string

const (
	// UserRoleGrader can upload papers, submissions and run evaluations.
	UserRoleGrader UserRole = "grader"
	// UserRoleAdmin can additionally override evaluations.
	UserRoleAdmin UserRole = "admin"
)

// User represents a grader account of the HTTP API.
type User struct {
	ID           int64
	Username     string
	DisplayName  string
	PasswordHash string
	Role         UserRole
	Active       bool
	CreatedAt    time.Time
}

// AuthSession represents a bearer token issued at login.
type AuthSession struct {
	ID        string
	UserID    int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}

// ShortCircuit names the rule that bypassed multi-signal scoring.
type ShortCircuit string

const (
	ShortCircuitNone         ShortCircuit = ""
	ShortCircuitInsufficient ShortCircuit = "INSUFFICIENT"
	ShortCircuitIrrelevant   ShortCircuit = "IRRELEVANT"
	ShortCircuitUnrelated    ShortCircuit = "UNRELATED"
	ShortCircuitExactMatch   ShortCircuit = "EXACT_MATCH"
)

// EvaluationMode records which scorers produced a result.
type EvaluationMode string

const (
	ModeLocalOnly EvaluationMode = "LOCAL_ONLY"
	ModeHybrid    EvaluationMode = "HYBRID"
	ModeFallback  EvaluationMode = "FALLBACK"
)

// FailureKind classifies a degraded outcome. Empty means success.
type FailureKind string

const (
	FailureNone         FailureKind = ""
	FailureParse        FailureKind = "parse_failure"
	FailureSegmentation FailureKind = "segmentation_failure"
	FailureScoring      FailureKind = "scoring_failure"
	FailureExternal     FailureKind = "external_service_failure"
)

// Subject areas with dedicated scoring profiles.
const (
	SubjectGeneral     = "general"
	SubjectScience     = "science"
	SubjectMath        = "math"
	SubjectHumanities  = "humanities"
	SubjectProgramming = "programming"
)

// ExpectedQuestion is one question of a parsed paper.
type ExpectedQuestion struct {
	Number      int    `json:"number"`
	MainNumber  int    `json:"main_number"`
	SubLetter   string `json:"sub_letter,omitempty"`
	Text        string `json:"text"`
	MaxMarks    int    `json:"max_marks"`
	OrGroupID   string `json:"or_group_id,omitempty"`
	ModelAnswer string `json:"model_answer,omitempty"`
	SubjectArea string `json:"subject_area,omitempty"`
}

// Key returns the answer-map key for the question, e.g. "2" or "2a".
func (q ExpectedQuestion) Key() string {
	return strconv.Itoa(q.MainNumber) + q.SubLetter
}

// IsSubQuestion reports whether the question is a lettered part.
func (q ExpectedQuestion) IsSubQuestion() bool {
	return q.SubLetter != ""
}

// AnswerSection is a slice of submission text attributed to one marker.
type AnswerSection struct {
	QuestionNumber string  `json:"question_number"`
	SubLetter      string  `json:"sub_letter,omitempty"`
	Content        string  `json:"content"`
	Position       int     `json:"position_in_text"`
	Confidence     float64 `json:"confidence"`
	Pattern        string  `json:"pattern,omitempty"`
}

// Label returns the marker as written, e.g. "2" or "2a".
func (s AnswerSection) Label() string {
	return s.QuestionNumber + s.SubLetter
}

// ContentMatchSuffix tags keys that were matched by keyword overlap rather
// than by an explicit marker.
const ContentMatchSuffix = "_content_match"

// ParsedAnswerMap maps question keys to extracted answer text.
type ParsedAnswerMap map[string]string

// Lookup finds the answer for q, trying the marker key, the underscored
// sub-question form and finally the content-match key.
func (m ParsedAnswerMap) Lookup(q ExpectedQuestion) (string, bool) {
	candidates := []string{q.Key()}
	if q.SubLetter != "" {
		candidates = append(candidates, strconv.Itoa(q.MainNumber)+"_"+q.SubLetter)
	}
	candidates = append(candidates, q.Key()+ContentMatchSuffix)
	for _, k := range candidates {
		if v, ok := m[k]; ok && strings.TrimSpace(v) != "" {
			return v, true
		}
	}
	return "", false
}

// AnalysisMetadata summarises a sequence analysis run.
type AnalysisMetadata struct {
	TotalSections     int     `json:"total_sections_found"`
	ExpectedQuestions int     `json:"expected_questions"`
	MatchingRate      float64 `json:"matching_rate"`
	TextLength        int     `json:"text_length"`
	FallbackUsed      bool    `json:"fallback_used,omitempty"`
}

// SequenceAnalysis is the output of segmenting a submission.
type SequenceAnalysis struct {
	Sections   []AnswerSection  `json:"answer_sections"`
	Sequence   []string         `json:"answer_sequence"`
	Confidence float64          `json:"sequence_confidence"`
	Answers    ParsedAnswerMap  `json:"parsed_answers"`
	Metadata   AnalysisMetadata `json:"analysis_metadata"`
	Failure    FailureKind      `json:"failure,omitempty"`
}

// ScoreBreakdown holds the four 0-100 signals.
type ScoreBreakdown struct {
	Semantic          float64      `json:"semantic"`
	Keyword           float64      `json:"keyword"`
	Structure         float64      `json:"structure"`
	Comprehensiveness float64      `json:"comprehensiveness"`
	ShortCircuit      ShortCircuit `json:"short_circuit,omitempty"`
}

// ScoreRequest is one (question, student answer, model answer) triple.
type ScoreRequest struct {
	Question      string `json:"question"`
	StudentAnswer string `json:"student_answer"`
	ModelAnswer   string `json:"model_answer"`
	SubjectArea   string `json:"subject_area"`
	MaxMarks      int    `json:"max_marks"`
}

// EvaluationResult is an immutable scoring outcome for one answer.
type EvaluationResult struct {
	ID              string             `json:"id,omitempty"`
	MarksAwarded    int                `json:"marks_awarded"`
	MaxMarks        int                `json:"max_marks"`
	Marks10         float64            `json:"marks_out_of_10"`
	SimilarityScore float64            `json:"similarity_score"`
	DetailedScores  ScoreBreakdown     `json:"detailed_scores"`
	SourceScores    map[string]float64 `json:"source_scores,omitempty"`
	Feedback        string             `json:"feedback"`
	Strengths       []string           `json:"strengths,omitempty"`
	Weaknesses      []string           `json:"weaknesses,omitempty"`
	MissingPoints   []string           `json:"missing_points,omitempty"`
	Mode            EvaluationMode     `json:"mode"`
	SubjectArea     string             `json:"subject_area,omitempty"`
	Failure         FailureKind        `json:"failure,omitempty"`
	Error           string             `json:"error,omitempty"`
	EvaluatedAt     time.Time          `json:"evaluated_at"`
}

// RescaleMarks converts a 0-10 mark to the question's scale:
// round(marks10/10*maxMarks) clamped to [0, maxMarks].
func RescaleMarks(marks10 float64, maxMarks int) int {
	if maxMarks <= 0 {
		return 0
	}
	m := int(math.Round(marks10 / 10 * float64(maxMarks)))
	return max(0, min(m, maxMarks))
}

// OrGroupState tracks which member of an OR group a student attempted.
type OrGroupState struct {
	GroupID             string `json:"group_id"`
	MemberQuestionIDs   []int  `json:"member_question_ids"`
	AttemptedQuestionID *int   `json:"attempted_question_id,omitempty"`
	PossibleMarks       int    `json:"possible_marks"`
}

// QuestionStatus is the aggregation outcome for a single question.
type QuestionStatus string

const (
	QuestionScored     QuestionStatus = "scored"
	QuestionAttempted  QuestionStatus = "attempted"
	QuestionSkipped    QuestionStatus = "skipped"
	QuestionUnanswered QuestionStatus = "unanswered"
)

// SkippedReason is recorded on OR-group siblings of the attempted member.
const SkippedReason = "skipped - OR group already attempted"

// Attempt is one question's answer from a student's persisted submissions.
// Seq is the persistence order of the submission the answer came from.
type Attempt struct {
	QuestionNumber int               `json:"question_number"`
	Answer         string            `json:"answer"`
	Seq            int64             `json:"seq"`
	Result         *EvaluationResult `json:"result,omitempty"`
}

// QuestionOutcome is the per-question line of an aggregate.
type QuestionOutcome struct {
	Number    int            `json:"number"`
	Key       string         `json:"key"`
	OrGroupID string         `json:"or_group_id,omitempty"`
	Status    QuestionStatus `json:"status"`
	Reason    string         `json:"reason,omitempty"`
	MaxMarks  int            `json:"max_marks"`
	Marks     int            `json:"marks"`
}

// Aggregate is the paper-level total for one student.
type Aggregate struct {
	PossibleMarks int               `json:"possible_marks"`
	EarnedMarks   int               `json:"earned_marks"`
	Groups        []OrGroupState    `json:"group_states"`
	Questions     []QuestionOutcome `json:"questions"`
}

// Percentage returns earned/possible as 0-100.
func (a Aggregate) Percentage() float64 {
	if a.PossibleMarks == 0 {
		return 0
	}
	return float64(a.EarnedMarks) / float64(a.PossibleMarks) * 100
}

// Paper is a parsed question paper.
type Paper struct {
	ID              int64              `json:"id"`
	Title           string             `json:"title"`
	Subject         string             `json:"subject"`
	QuestionSection string             `json:"question_text"`
	AnswerSection   string             `json:"answer_text"`
	Questions       []ExpectedQuestion `json:"questions"`
	CreatedAt       time.Time          `json:"created_at"`
}

// SubmissionStatus tracks a submission through OCR and evaluation.
type SubmissionStatus string

const (
	SubmissionPending   SubmissionStatus = "pending"
	SubmissionOCRFailed SubmissionStatus = "ocr_failed"
	SubmissionReady     SubmissionStatus = "ready"
	SubmissionEvaluated SubmissionStatus = "evaluated"
)

// Submission is a student's answer sheet for a paper.
type Submission struct {
	ID            string            `json:"id"`
	Seq           int64             `json:"seq"`
	PaperID       int64             `json:"paper_id"`
	Student       string            `json:"student"`
	ImagePath     string            `json:"image_path,omitempty"`
	ExtractedText string            `json:"extracted_text"`
	OCRConfidence *float64          `json:"ocr_confidence,omitempty"`
	Analysis      *SequenceAnalysis `json:"analysis,omitempty"`
	Status        SubmissionStatus  `json:"status"`
	SubmittedAt   time.Time         `json:"submitted_at"`
}

// StoredEvaluation is a persisted result for one question of a submission.
type StoredEvaluation struct {
	Result         EvaluationResult `json:"result"`
	SubmissionID   string           `json:"submission_id"`
	QuestionNumber int              `json:"question_number"`
	SupersededBy   string           `json:"superseded_by,omitempty"`
	ManualMarks    *int             `json:"manual_marks,omitempty"`
	ManualFeedback string           `json:"manual_feedback,omitempty"`
}

// EffectiveMarks returns the grader's manual override if present.
func (e StoredEvaluation) EffectiveMarks() int {
	if e.ManualMarks != nil {
		return *e.ManualMarks
	}
	return e.Result.MarksAwarded
}

// APIConfig holds runtime HTTP parameters set via CLI flags.
type APIConfig struct {
	BasePath    string   // URL prefix for sub-path deployments
	Lang        string   // default feedback language
	CORSOrigins []string // allowed browser origins; empty disables CORS
	Parallelism int      // concurrent scoring calls per evaluation
}
