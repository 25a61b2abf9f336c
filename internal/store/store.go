// Package store persists simulation sessions, transcripts and performance records.
package store

import (
	"context"
	"errors"

	"github.com/zhouzirui/z-clinic/backend/internal/model/encounter"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyFinalized is returned when another finalization won the race.
	ErrAlreadyFinalized = errors.New("session already finalized")
	// ErrSessionEnded is returned when appending turns or decisions to an ended session.
	ErrSessionEnded = errors.New("session ended")
)

// Repository defines the persistence contract of the simulation engine.
type Repository interface {
	// CreateSession inserts the session row and its seed turns atomically.
	CreateSession(ctx context.Context, session *encounter.Session) error

	// GetSession loads a session with its full history and decision log.
	GetSession(ctx context.Context, sessionID string) (*encounter.Session, error)

	// AppendTurn appends one turn. Appends are single inserts so concurrent
	// writers never drop each other's turns. It returns ErrSessionEnded once
	// the session has ended.
	AppendTurn(ctx context.Context, sessionID string, turn *encounter.Turn) error

	// AppendDecision appends a decision log entry while the session is open.
	AppendDecision(ctx context.Context, sessionID string, decision *encounter.Decision) error

	// MarkEnded sets the monotonic ended flag. Already ended sessions are left as is.
	MarkEnded(ctx context.Context, sessionID string) error

	// FinalizeSession commits the evaluation and the performance record in one
	// transaction. It returns ErrAlreadyFinalized if the evaluation was already set.
	FinalizeSession(ctx context.Context, sessionID string, evaluation string, record *encounter.PerformanceRecord) error

	// GetPerformanceRecordBySession returns the record of a finalized session.
	GetPerformanceRecordBySession(ctx context.Context, sessionID string) (*encounter.PerformanceRecord, error)

	// ListPerformanceRecordsByUser returns a learner's records, oldest first.
	ListPerformanceRecordsByUser(ctx context.Context, userID string) ([]encounter.PerformanceRecord, error)

	// RecordOutcome folds a finalized session into the learner's progress row.
	RecordOutcome(ctx context.Context, userID string, outcome encounter.Outcome) error

	// GetProgress returns a learner's aggregated progress.
	GetProgress(ctx context.Context, userID string) (*encounter.Progress, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
