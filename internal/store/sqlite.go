package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zhouzirui/z-clinic/backend/internal/model/encounter"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB

	// beforeCommit runs inside FinalizeSession right before COMMIT; tests use
	// it to simulate a failing commit.
	beforeCommit func() error
}

// NewSQLite opens (and migrates) the database at dbPath. ":memory:" keeps
// everything on a single connection.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	memory := dbPath == ":memory:" || strings.Contains(dbPath, "mode=memory")
	if !memory {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	dsn := dbPath + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	if !memory {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if memory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(8)
		db.SetMaxIdleConns(4)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			case_id TEXT NOT NULL,
			case_code TEXT NOT NULL,
			user_id TEXT,
			ended INTEGER NOT NULL DEFAULT 0,
			evaluation TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			ended_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS session_turns (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_session ON session_turns(session_id, seq)`,
		`CREATE TABLE IF NOT EXISTS session_decisions (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_session ON session_decisions(session_id, seq)`,
		`CREATE TABLE IF NOT EXISTS performance_records (
			record_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL UNIQUE,
			case_id TEXT NOT NULL,
			case_code TEXT NOT NULL,
			user_id TEXT,
			overall_score REAL NOT NULL DEFAULT 0,
			summary TEXT NOT NULL DEFAULT '',
			metrics_json TEXT NOT NULL,
			raw_evaluation TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_performance_user ON performance_records(user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS learner_progress (
			user_id TEXT PRIMARY KEY,
			sessions_completed INTEGER NOT NULL DEFAULT 0,
			scored_sessions INTEGER NOT NULL DEFAULT 0,
			total_score REAL NOT NULL DEFAULT 0,
			best_score REAL NOT NULL DEFAULT 0,
			last_session_id TEXT NOT NULL DEFAULT '',
			last_case_code TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateSession inserts the session row and its seed turns atomically.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *encounter.Session) error {
	return withRetry(ctx, "create session", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create session: %w", err)
		}
		defer tx.Rollback()

		_, err = tx.ExecContext(ctx,
			`INSERT INTO sessions (session_id, case_id, case_code, user_id, ended, evaluation, created_at, updated_at)
			 VALUES (?, ?, ?, ?, 0, NULL, ?, ?)`,
			session.ID, session.CaseID, session.CaseCode, nullString(session.UserID),
			session.CreatedAt.UnixMilli(), session.UpdatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}

		for i := range session.History {
			turn := &session.History[i]
			seq, err := insertTurn(ctx, tx, session.ID, turn)
			if err != nil {
				return err
			}
			turn.Seq = seq
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit create session: %w", err)
		}
		return nil
	})
}

// GetSession loads a session with its full history and decision log.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*encounter.Session, error) {
	var (
		session    encounter.Session
		userID     sql.NullString
		evaluation sql.NullString
		ended      int
		createdAt  int64
		updatedAt  int64
		endedAt    sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, case_id, case_code, user_id, ended, evaluation, created_at, updated_at, ended_at
		 FROM sessions WHERE session_id = ?`, sessionID).
		Scan(&session.ID, &session.CaseID, &session.CaseCode, &userID, &ended, &evaluation, &createdAt, &updatedAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	session.UserID = userID.String
	session.Ended = ended != 0
	if evaluation.Valid {
		text := evaluation.String
		session.Evaluation = &text
	}
	session.CreatedAt = time.UnixMilli(createdAt)
	session.UpdatedAt = time.UnixMilli(updatedAt)
	if endedAt.Valid {
		ts := time.UnixMilli(endedAt.Int64)
		session.EndedAt = &ts
	}

	if session.History, err = s.loadTurns(ctx, sessionID); err != nil {
		return nil, err
	}
	if session.Decisions, err = s.loadDecisions(ctx, sessionID); err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *SQLiteStore) loadTurns(ctx context.Context, sessionID string) ([]encounter.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, role, content, created_at FROM session_turns WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	turns := make([]encounter.Turn, 0, 16)
	for rows.Next() {
		var turn encounter.Turn
		var ts int64
		if err := rows.Scan(&turn.Seq, &turn.Role, &turn.Content, &ts); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		turn.Timestamp = time.UnixMilli(ts)
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return turns, nil
}

func (s *SQLiteStore) loadDecisions(ctx context.Context, sessionID string) ([]encounter.Decision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, kind, content, created_at FROM session_decisions WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var decisions []encounter.Decision
	for rows.Next() {
		var d encounter.Decision
		var ts int64
		if err := rows.Scan(&d.Seq, &d.Kind, &d.Content, &ts); err != nil {
			return nil, fmt.Errorf("scan decision row: %w", err)
		}
		d.Timestamp = time.UnixMilli(ts)
		decisions = append(decisions, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return decisions, nil
}

// AppendTurn appends one turn and bumps the session's updated_at. Ended
// sessions reject new turns with ErrSessionEnded, checked in the same
// transaction as the insert.
func (s *SQLiteStore) AppendTurn(ctx context.Context, sessionID string, turn *encounter.Turn) error {
	return withRetry(ctx, "append turn", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append turn: %w", err)
		}
		defer tx.Rollback()

		if err := ensureOpen(ctx, tx, sessionID); err != nil {
			return err
		}
		if err := touchSession(ctx, tx, sessionID, turn.Timestamp); err != nil {
			return err
		}
		seq, err := insertTurn(ctx, tx, sessionID, turn)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit append turn: %w", err)
		}
		turn.Seq = seq
		return nil
	})
}

// AppendDecision appends a decision log entry while the session is open.
func (s *SQLiteStore) AppendDecision(ctx context.Context, sessionID string, decision *encounter.Decision) error {
	return withRetry(ctx, "append decision", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append decision: %w", err)
		}
		defer tx.Rollback()

		if err := ensureOpen(ctx, tx, sessionID); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO session_decisions (session_id, kind, content, created_at) VALUES (?, ?, ?, ?)`,
			sessionID, decision.Kind, decision.Content, decision.Timestamp.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert decision: %w", err)
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("decision seq: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit append decision: %w", err)
		}
		decision.Seq = seq
		return nil
	})
}

// MarkEnded sets the ended flag; ended_at keeps its first value.
func (s *SQLiteStore) MarkEnded(ctx context.Context, sessionID string) error {
	return withRetry(ctx, "mark ended", func() error {
		now := time.Now().UnixMilli()
		res, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET ended = 1, ended_at = COALESCE(ended_at, ?), updated_at = ? WHERE session_id = ?`,
			now, now, sessionID)
		if err != nil {
			return fmt.Errorf("mark session ended: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// FinalizeSession sets the evaluation and ended flag and inserts the
// performance record in one transaction. Any failure rolls both back.
func (s *SQLiteStore) FinalizeSession(ctx context.Context, sessionID string, evaluation string, record *encounter.PerformanceRecord) error {
	metricsJSON, err := json.Marshal(record.Metrics)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}

	return withRetry(ctx, "finalize session", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin finalize: %w", err)
		}
		committed := false
		defer func() {
			if !committed {
				if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
					log.Printf("[store] rollback finalize session=%s failed: %v", sessionID, rbErr)
				}
			}
		}()

		now := record.CreatedAt.UnixMilli()
		res, err := tx.ExecContext(ctx,
			`UPDATE sessions SET ended = 1, evaluation = ?, ended_at = COALESCE(ended_at, ?), updated_at = ?
			 WHERE session_id = ? AND evaluation IS NULL`,
			evaluation, now, now, sessionID)
		if err != nil {
			return fmt.Errorf("update session terminal state: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			var exists int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE session_id = ?`, sessionID).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("check session: %w", err)
			}
			return ErrAlreadyFinalized
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO performance_records (record_id, session_id, case_id, case_code, user_id, overall_score, summary, metrics_json, raw_evaluation, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			record.ID, sessionID, record.CaseID, record.CaseCode, nullString(record.UserID),
			record.Metrics.OverallScore, record.Metrics.Summary, string(metricsJSON), record.RawEvaluation, now)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("insert performance record: %w: %v", ErrAlreadyFinalized, err)
			}
			return fmt.Errorf("insert performance record: %w", err)
		}

		if s.beforeCommit != nil {
			if err := s.beforeCommit(); err != nil {
				return fmt.Errorf("commit finalize: %w", err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit finalize: %w", err)
		}
		committed = true
		return nil
	})
}

const performanceColumns = `record_id, session_id, case_id, case_code, user_id, metrics_json, raw_evaluation, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPerformanceRecord(row rowScanner) (*encounter.PerformanceRecord, error) {
	var (
		record      encounter.PerformanceRecord
		userID      sql.NullString
		metricsJSON string
		createdAt   int64
	)
	if err := row.Scan(&record.ID, &record.SessionID, &record.CaseID, &record.CaseCode, &userID, &metricsJSON, &record.RawEvaluation, &createdAt); err != nil {
		return nil, err
	}
	record.UserID = userID.String
	record.CreatedAt = time.UnixMilli(createdAt)
	if err := json.Unmarshal([]byte(metricsJSON), &record.Metrics); err != nil {
		return nil, fmt.Errorf("decode metrics of record %s: %w", record.ID, err)
	}
	return &record, nil
}

// GetPerformanceRecordBySession returns the record of a finalized session.
func (s *SQLiteStore) GetPerformanceRecordBySession(ctx context.Context, sessionID string) (*encounter.PerformanceRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+performanceColumns+` FROM performance_records WHERE session_id = ?`, sessionID)
	record, err := scanPerformanceRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan performance record: %w", err)
	}
	return record, nil
}

// ListPerformanceRecordsByUser returns a learner's records, oldest first.
func (s *SQLiteStore) ListPerformanceRecordsByUser(ctx context.Context, userID string) ([]encounter.PerformanceRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+performanceColumns+` FROM performance_records WHERE user_id = ? ORDER BY created_at ASC, record_id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query performance records: %w", err)
	}
	defer rows.Close()

	var records []encounter.PerformanceRecord
	for rows.Next() {
		record, err := scanPerformanceRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan performance record: %w", err)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate performance records: %w", err)
	}
	return records, nil
}

// RecordOutcome folds outcome into the learner's progress row. Replaying the
// same session is a no-op.
func (s *SQLiteStore) RecordOutcome(ctx context.Context, userID string, outcome encounter.Outcome) error {
	scored, score := 0, 0.0
	if outcome.Scored {
		scored, score = 1, outcome.OverallScore
	}

	return withRetry(ctx, "record outcome", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO learner_progress (user_id, sessions_completed, scored_sessions, total_score, best_score, last_session_id, last_case_code, updated_at)
			 VALUES (?, 1, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(user_id) DO UPDATE SET
				sessions_completed = learner_progress.sessions_completed + 1,
				scored_sessions = learner_progress.scored_sessions + excluded.scored_sessions,
				total_score = learner_progress.total_score + excluded.total_score,
				best_score = MAX(learner_progress.best_score, excluded.best_score),
				last_session_id = excluded.last_session_id,
				last_case_code = excluded.last_case_code,
				updated_at = excluded.updated_at
			 WHERE learner_progress.last_session_id <> excluded.last_session_id`,
			userID, scored, score, score, outcome.SessionID, outcome.CaseCode, outcome.FinalizedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("upsert learner progress: %w", err)
		}
		return nil
	})
}

// GetProgress returns a learner's aggregated progress.
func (s *SQLiteStore) GetProgress(ctx context.Context, userID string) (*encounter.Progress, error) {
	var (
		p          encounter.Progress
		totalScore float64
		updatedAt  int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, sessions_completed, scored_sessions, total_score, best_score, last_session_id, last_case_code, updated_at
		 FROM learner_progress WHERE user_id = ?`, userID).
		Scan(&p.UserID, &p.SessionsCompleted, &p.ScoredSessions, &totalScore, &p.BestScore, &p.LastSessionID, &p.LastCaseCode, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan learner progress: %w", err)
	}
	if p.ScoredSessions > 0 {
		p.AverageScore = totalScore / float64(p.ScoredSessions)
	}
	p.UpdatedAt = time.UnixMilli(updatedAt)
	return &p, nil
}

func insertTurn(ctx context.Context, tx *sql.Tx, sessionID string, turn *encounter.Turn) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO session_turns (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, turn.Role, turn.Content, turn.Timestamp.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("insert turn: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("turn seq: %w", err)
	}
	return seq, nil
}

// ensureOpen fails with ErrNotFound or ErrSessionEnded unless the session
// accepts appends.
func ensureOpen(ctx context.Context, tx *sql.Tx, sessionID string) error {
	var ended int
	err := tx.QueryRowContext(ctx, `SELECT ended FROM sessions WHERE session_id = ?`, sessionID).Scan(&ended)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check session state: %w", err)
	}
	if ended != 0 {
		return ErrSessionEnded
	}
	return nil
}

func touchSession(ctx context.Context, tx *sql.Tx, sessionID string, at time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE session_id = ?`, at.UnixMilli(), sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
