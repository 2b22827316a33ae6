package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	_ "modernc.org/sqlite"             // driver: sqlite
)

type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Open opens a DB and ensures schema exists.
func Open(ctx context.Context, driver Driver, dsn string) (*sql.DB, error) {
	var drvName string
	switch driver {
	case DriverSQLite:
		drvName = "sqlite" // modernc driver
		if dsn == "" {
			dsn = "file:examengine.db?cache=shared&mode=rwc&_pragma=busy_timeout(5000)"
		}
	case DriverPostgres:
		drvName = "pgx" // pgx stdlib driver
		if dsn == "" {
			dsn = "postgres://localhost:5432/examengine?sslmode=disable"
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	db, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	if err := ensureSchema(ctx, db, driver); err != nil {
		return nil, err
	}
	return db, nil
}

func ensureSchema(ctx context.Context, db *sql.DB, driver Driver) error {
	var schema string
	switch driver {
	case DriverSQLite:
		schema = schemaSQLite
	case DriverPostgres:
		schema = schemaPostgres
	}
	_, err := db.ExecContext(ctx, schema)
	return err
}

const schemaSQLite = `
PRAGMA foreign_keys=ON;

CREATE TABLE IF NOT EXISTS users (
  id TEXT PRIMARY KEY,
  external_id TEXT NOT NULL UNIQUE,
  name TEXT NOT NULL DEFAULT '',
  role TEXT NOT NULL DEFAULT 'candidate',
  created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS exams (
  id TEXT PRIMARY KEY,
  title TEXT NOT NULL,
  duration_minutes INTEGER NOT NULL,
  total_questions INTEGER NOT NULL,
  total_marks REAL NOT NULL,
  pass_mark_percentage REAL NOT NULL,
  has_negative_marking BOOLEAN NOT NULL DEFAULT 0,
  negative_marking_value REAL NOT NULL DEFAULT 0,
  allow_navigation BOOLEAN NOT NULL DEFAULT 1,
  allow_multiple_attempts BOOLEAN NOT NULL DEFAULT 0,
  max_attempt INTEGER NOT NULL DEFAULT 1,
  is_active BOOLEAN NOT NULL DEFAULT 1,
  is_premium BOOLEAN NOT NULL DEFAULT 0,
  category TEXT NOT NULL DEFAULT '',
  difficulty_level TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS questions (
  id TEXT PRIMARY KEY,
  exam_id TEXT NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
  type TEXT NOT NULL,
  question_text TEXT NOT NULL,
  statements_json TEXT NOT NULL DEFAULT '',
  statement_instruction TEXT NOT NULL DEFAULT '',
  options_json TEXT NOT NULL,
  correct_answer TEXT NOT NULL DEFAULT '',
  marks REAL NOT NULL DEFAULT 1,
  has_negative_marking BOOLEAN NOT NULL DEFAULT 0,
  negative_marks REAL
);
CREATE INDEX IF NOT EXISTS idx_questions_exam ON questions(exam_id);

CREATE TABLE IF NOT EXISTS purchases (
  user_id TEXT NOT NULL,
  exam_id TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  PRIMARY KEY (user_id, exam_id)
);

CREATE TABLE IF NOT EXISTS attempts (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  exam_id TEXT NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
  status TEXT NOT NULL,
  start_time INTEGER NOT NULL,
  end_time INTEGER,
  time_remaining INTEGER,
  last_db_sync INTEGER,
  total_marks REAL NOT NULL DEFAULT 0,
  negative_marks REAL NOT NULL DEFAULT 0,
  final_score REAL NOT NULL DEFAULT 0,
  correct_answers INTEGER NOT NULL DEFAULT 0,
  wrong_answers INTEGER NOT NULL DEFAULT 0,
  unattempted INTEGER NOT NULL DEFAULT 0,
  has_passed BOOLEAN NOT NULL DEFAULT 0,
  rank INTEGER,
  percentile REAL,
  status_changed_by TEXT,
  status_changed_at INTEGER,
  manually_completed BOOLEAN NOT NULL DEFAULT 0,
  last_recalculated_by TEXT,
  last_recalculated_at INTEGER,
  processing_error TEXT,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attempts_user_exam ON attempts(user_id, exam_id);
CREATE INDEX IF NOT EXISTS idx_attempts_exam_status ON attempts(exam_id, status);
CREATE INDEX IF NOT EXISTS idx_attempts_exam_score ON attempts(exam_id, final_score DESC);
CREATE INDEX IF NOT EXISTS idx_attempts_exam_created ON attempts(exam_id, created_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_attempts_active
  ON attempts(user_id, exam_id) WHERE status = 'in-progress';

CREATE TABLE IF NOT EXISTS attempt_answers (
  attempt_id TEXT NOT NULL REFERENCES attempts(id) ON DELETE CASCADE,
  question_id TEXT NOT NULL,
  position INTEGER NOT NULL,
  selected_json TEXT NOT NULL,
  is_correct BOOLEAN,
  marks_earned REAL NOT NULL DEFAULT 0,
  negative_marks REAL NOT NULL DEFAULT 0,
  response_time REAL NOT NULL DEFAULT 0,
  PRIMARY KEY (attempt_id, question_id)
);
CREATE INDEX IF NOT EXISTS idx_attempt_answers_pos ON attempt_answers(attempt_id, position);

CREATE TABLE IF NOT EXISTS exam_stats (
  exam_id TEXT PRIMARY KEY,
  total_attempted INTEGER NOT NULL DEFAULT 0,
  total_completed INTEGER NOT NULL DEFAULT 0,
  pass_count INTEGER NOT NULL DEFAULT 0,
  fail_count INTEGER NOT NULL DEFAULT 0,
  recalculated_count INTEGER NOT NULL DEFAULT 0,
  deleted_count INTEGER NOT NULL DEFAULT 0,
  updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  attempt_id TEXT NOT NULL,
  exam_id TEXT NOT NULL,
  actor TEXT NOT NULL,
  action TEXT NOT NULL,
  detail TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_attempt ON audit_events(attempt_id);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS users (
  id TEXT PRIMARY KEY,
  external_id TEXT NOT NULL UNIQUE,
  name TEXT NOT NULL DEFAULT '',
  role TEXT NOT NULL DEFAULT 'candidate',
  created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS exams (
  id TEXT PRIMARY KEY,
  title TEXT NOT NULL,
  duration_minutes INTEGER NOT NULL,
  total_questions INTEGER NOT NULL,
  total_marks DOUBLE PRECISION NOT NULL,
  pass_mark_percentage DOUBLE PRECISION NOT NULL,
  has_negative_marking BOOLEAN NOT NULL DEFAULT FALSE,
  negative_marking_value DOUBLE PRECISION NOT NULL DEFAULT 0,
  allow_navigation BOOLEAN NOT NULL DEFAULT TRUE,
  allow_multiple_attempts BOOLEAN NOT NULL DEFAULT FALSE,
  max_attempt INTEGER NOT NULL DEFAULT 1,
  is_active BOOLEAN NOT NULL DEFAULT TRUE,
  is_premium BOOLEAN NOT NULL DEFAULT FALSE,
  category TEXT NOT NULL DEFAULT '',
  difficulty_level TEXT NOT NULL DEFAULT '',
  created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS questions (
  id TEXT PRIMARY KEY,
  exam_id TEXT NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
  type TEXT NOT NULL,
  question_text TEXT NOT NULL,
  statements_json TEXT NOT NULL DEFAULT '',
  statement_instruction TEXT NOT NULL DEFAULT '',
  options_json TEXT NOT NULL,
  correct_answer TEXT NOT NULL DEFAULT '',
  marks DOUBLE PRECISION NOT NULL DEFAULT 1,
  has_negative_marking BOOLEAN NOT NULL DEFAULT FALSE,
  negative_marks DOUBLE PRECISION
);
CREATE INDEX IF NOT EXISTS idx_questions_exam ON questions(exam_id);

CREATE TABLE IF NOT EXISTS purchases (
  user_id TEXT NOT NULL,
  exam_id TEXT NOT NULL,
  created_at BIGINT NOT NULL,
  PRIMARY KEY (user_id, exam_id)
);

CREATE TABLE IF NOT EXISTS attempts (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  exam_id TEXT NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
  status TEXT NOT NULL,
  start_time BIGINT NOT NULL,
  end_time BIGINT,
  time_remaining INTEGER,
  last_db_sync BIGINT,
  total_marks DOUBLE PRECISION NOT NULL DEFAULT 0,
  negative_marks DOUBLE PRECISION NOT NULL DEFAULT 0,
  final_score DOUBLE PRECISION NOT NULL DEFAULT 0,
  correct_answers INTEGER NOT NULL DEFAULT 0,
  wrong_answers INTEGER NOT NULL DEFAULT 0,
  unattempted INTEGER NOT NULL DEFAULT 0,
  has_passed BOOLEAN NOT NULL DEFAULT FALSE,
  rank INTEGER,
  percentile DOUBLE PRECISION,
  status_changed_by TEXT,
  status_changed_at BIGINT,
  manually_completed BOOLEAN NOT NULL DEFAULT FALSE,
  last_recalculated_by TEXT,
  last_recalculated_at BIGINT,
  processing_error TEXT,
  created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attempts_user_exam ON attempts(user_id, exam_id);
CREATE INDEX IF NOT EXISTS idx_attempts_exam_status ON attempts(exam_id, status);
CREATE INDEX IF NOT EXISTS idx_attempts_exam_score ON attempts(exam_id, final_score DESC);
CREATE INDEX IF NOT EXISTS idx_attempts_exam_created ON attempts(exam_id, created_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_attempts_active
  ON attempts(user_id, exam_id) WHERE status = 'in-progress';

CREATE TABLE IF NOT EXISTS attempt_answers (
  attempt_id TEXT NOT NULL REFERENCES attempts(id) ON DELETE CASCADE,
  question_id TEXT NOT NULL,
  position INTEGER NOT NULL,
  selected_json TEXT NOT NULL,
  is_correct BOOLEAN,
  marks_earned DOUBLE PRECISION NOT NULL DEFAULT 0,
  negative_marks DOUBLE PRECISION NOT NULL DEFAULT 0,
  response_time DOUBLE PRECISION NOT NULL DEFAULT 0,
  PRIMARY KEY (attempt_id, question_id)
);
CREATE INDEX IF NOT EXISTS idx_attempt_answers_pos ON attempt_answers(attempt_id, position);

CREATE TABLE IF NOT EXISTS exam_stats (
  exam_id TEXT PRIMARY KEY,
  total_attempted INTEGER NOT NULL DEFAULT 0,
  total_completed INTEGER NOT NULL DEFAULT 0,
  pass_count INTEGER NOT NULL DEFAULT 0,
  fail_count INTEGER NOT NULL DEFAULT 0,
  recalculated_count INTEGER NOT NULL DEFAULT 0,
  deleted_count INTEGER NOT NULL DEFAULT 0,
  updated_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_events (
  id BIGSERIAL PRIMARY KEY,
  attempt_id TEXT NOT NULL,
  exam_id TEXT NOT NULL,
  actor TEXT NOT NULL,
  action TEXT NOT NULL,
  detail TEXT NOT NULL DEFAULT '',
  created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_attempt ON audit_events(attempt_id);
`
