package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pavelanni/papergrader/internal/model"

	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	_ "modernc.org/sqlite"             // driver: sqlite
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Driver selects the database backend.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

type Store struct {
	db     *sql.DB
	driver Driver
}

// New opens a SQLite database file (or ":memory:").
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if dbPath != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}
	return Open(context.Background(), DriverSQLite, dsn)
}

// Open opens a database with the given driver and ensures the schema exists.
func Open(ctx context.Context, driver Driver, dsn string) (*Store, error) {
	var drvName string
	switch driver {
	case DriverSQLite:
		drvName = "sqlite"
	case DriverPostgres:
		drvName = "pgx"
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	db, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver == DriverSQLite {
		// one connection keeps :memory: databases alive and serialises writers
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Driver reports the backend in use.
func (s *Store) Driver() Driver { return s.driver }

// rebind rewrites ? placeholders to $N for postgres.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (s *Store) exec(ctx context.Context, q execer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, q execer, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, q execer, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, s.rebind(query), args...)
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) migrate(ctx context.Context) error {
	schema := schemaSQLite
	if s.driver == DriverPostgres {
		schema = schemaPostgres
	}
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w\n%s", err, strings.TrimSpace(stmt))
		}
	}
	return nil
}

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS papers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT NOT NULL DEFAULT '',
	subject TEXT NOT NULL DEFAULT 'general',
	question_text TEXT NOT NULL DEFAULT '',
	answer_text TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS questions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	paper_id INTEGER NOT NULL REFERENCES papers(id) ON DELETE CASCADE,
	number INTEGER NOT NULL,
	main_number INTEGER NOT NULL,
	sub_letter TEXT NOT NULL DEFAULT '',
	text TEXT NOT NULL,
	max_marks INTEGER NOT NULL DEFAULT 10,
	or_group_id TEXT NOT NULL DEFAULT '',
	model_answer TEXT NOT NULL DEFAULT '',
	subject_area TEXT NOT NULL DEFAULT '',
	UNIQUE (paper_id, number)
);

CREATE TABLE IF NOT EXISTS submissions (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	paper_id INTEGER NOT NULL REFERENCES papers(id) ON DELETE CASCADE,
	student TEXT NOT NULL,
	image_path TEXT NOT NULL DEFAULT '',
	extracted_text TEXT NOT NULL DEFAULT '',
	ocr_confidence REAL,
	analysis_json TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	submitted_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_submissions_paper_student ON submissions (paper_id, student);

CREATE TABLE IF NOT EXISTS evaluations (
	id TEXT PRIMARY KEY,
	submission_id TEXT NOT NULL REFERENCES submissions(id) ON DELETE CASCADE,
	question_number INTEGER NOT NULL,
	result_json TEXT NOT NULL,
	marks_awarded INTEGER NOT NULL,
	max_marks INTEGER NOT NULL,
	mode TEXT NOT NULL,
	superseded_by TEXT NOT NULL DEFAULT '',
	manual_marks INTEGER,
	manual_feedback TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evaluations_submission ON evaluations (submission_id, question_number);

CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL DEFAULT '',
	password_hash TEXT NOT NULL,
	role TEXT NOT NULL DEFAULT 'grader',
	active BOOLEAN NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS auth_sessions (
	id TEXT PRIMARY KEY,
	user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	created_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS metadata (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
)
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS papers (
	id BIGSERIAL PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	subject TEXT NOT NULL DEFAULT 'general',
	question_text TEXT NOT NULL DEFAULT '',
	answer_text TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS questions (
	id BIGSERIAL PRIMARY KEY,
	paper_id BIGINT NOT NULL REFERENCES papers(id) ON DELETE CASCADE,
	number INTEGER NOT NULL,
	main_number INTEGER NOT NULL,
	sub_letter TEXT NOT NULL DEFAULT '',
	text TEXT NOT NULL,
	max_marks INTEGER NOT NULL DEFAULT 10,
	or_group_id TEXT NOT NULL DEFAULT '',
	model_answer TEXT NOT NULL DEFAULT '',
	subject_area TEXT NOT NULL DEFAULT '',
	UNIQUE (paper_id, number)
);

CREATE TABLE IF NOT EXISTS submissions (
	seq BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	paper_id BIGINT NOT NULL REFERENCES papers(id) ON DELETE CASCADE,
	student TEXT NOT NULL,
	image_path TEXT NOT NULL DEFAULT '',
	extracted_text TEXT NOT NULL DEFAULT '',
	ocr_confidence DOUBLE PRECISION,
	analysis_json TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	submitted_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_submissions_paper_student ON submissions (paper_id, student);

CREATE TABLE IF NOT EXISTS evaluations (
	id TEXT PRIMARY KEY,
	submission_id TEXT NOT NULL REFERENCES submissions(id) ON DELETE CASCADE,
	question_number INTEGER NOT NULL,
	result_json TEXT NOT NULL,
	marks_awarded INTEGER NOT NULL,
	max_marks INTEGER NOT NULL,
	mode TEXT NOT NULL,
	superseded_by TEXT NOT NULL DEFAULT '',
	manual_marks INTEGER,
	manual_feedback TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evaluations_submission ON evaluations (submission_id, question_number);

CREATE TABLE IF NOT EXISTS users (
	id BIGSERIAL PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL DEFAULT '',
	password_hash TEXT NOT NULL,
	role TEXT NOT NULL DEFAULT 'grader',
	active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS auth_sessions (
	id TEXT PRIMARY KEY,
	user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS metadata (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
)
`

// CreatePaper stores a paper and its questions and returns the paper ID.
func (s *Store) CreatePaper(ctx context.Context, p model.Paper) (int64, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.Subject == "" {
		p.Subject = model.SubjectGeneral
	}
	var id int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		err := s.queryRow(ctx, tx,
			`INSERT INTO papers (title, subject, question_text, answer_text, created_at)
			 VALUES (?, ?, ?, ?, ?) RETURNING id`,
			p.Title, p.Subject, p.QuestionSection, p.AnswerSection, p.CreatedAt,
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("insert paper: %w", err)
		}
		for _, q := range p.Questions {
			_, err := s.exec(ctx, tx,
				`INSERT INTO questions (paper_id, number, main_number, sub_letter, text, max_marks, or_group_id, model_answer, subject_area)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				id, q.Number, q.MainNumber, q.SubLetter, q.Text, q.MaxMarks, q.OrGroupID, q.ModelAnswer, q.SubjectArea,
			)
			if err != nil {
				return fmt.Errorf("insert question %d: %w", q.Number, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// GetPaper returns a paper with its questions in order.
func (s *Store) GetPaper(ctx context.Context, id int64) (*model.Paper, error) {
	var p model.Paper
	err := s.queryRow(ctx, s.db,
		`SELECT id, title, subject, question_text, answer_text, created_at FROM papers WHERE id = ?`, id,
	).Scan(&p.ID, &p.Title, &p.Subject, &p.QuestionSection, &p.AnswerSection, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("paper %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	p.Questions, err = s.ListQuestions(ctx, id)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListQuestions returns the questions of a paper ordered by number.
func (s *Store) ListQuestions(ctx context.Context, paperID int64) ([]model.ExpectedQuestion, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT number, main_number, sub_letter, text, max_marks, or_group_id, model_answer, subject_area
		 FROM questions WHERE paper_id = ? ORDER BY number`, paperID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var questions []model.ExpectedQuestion
	for rows.Next() {
		var q model.ExpectedQuestion
		if err := rows.Scan(&q.Number, &q.MainNumber, &q.SubLetter, &q.Text, &q.MaxMarks, &q.OrGroupID, &q.ModelAnswer, &q.SubjectArea); err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// ListPapers returns all papers without their questions, newest first.
func (s *Store) ListPapers(ctx context.Context) ([]model.Paper, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT id, title, subject, question_text, answer_text, created_at FROM papers ORDER BY id DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var papers []model.Paper
	for rows.Next() {
		var p model.Paper
		if err := rows.Scan(&p.ID, &p.Title, &p.Subject, &p.QuestionSection, &p.AnswerSection, &p.CreatedAt); err != nil {
			return nil, err
		}
		papers = append(papers, p)
	}
	return papers, rows.Err()
}
