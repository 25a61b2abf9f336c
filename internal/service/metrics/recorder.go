package metrics

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/z-clinic/backend/internal/model/encounter"
)

// ProgressStore persists longitudinal learner statistics.
type ProgressStore interface {
	RecordOutcome(ctx context.Context, userID string, outcome encounter.Outcome) error
}

// Recorder owns the performance-record schema: it builds records from
// generated evaluations and feeds finalized outcomes into learner progress.
type Recorder struct {
	progress ProgressStore
	now      func() time.Time
}

// NewRecorder creates a Recorder. progress may be nil, in which case
// UpdateProgress is a no-op.
func NewRecorder(progress ProgressStore) *Recorder {
	return &Recorder{progress: progress, now: time.Now}
}

// Build stages a performance record for session. Malformed metrics are kept
// with their problems listed rather than rejected.
func (r *Recorder) Build(session *encounter.Session, actingUser string, generated *encounter.GeneratedEvaluation) *encounter.PerformanceRecord {
	userID := actingUser
	if userID == "" {
		userID = session.UserID
	}

	m := Normalize(generated.Metrics)
	if len(m.Problems) > 0 {
		log.Printf("[metrics] session=%s metrics stored with problems: %v", session.ID, m.Problems)
	}

	return &encounter.PerformanceRecord{
		ID:            uuid.NewString(),
		SessionID:     session.ID,
		CaseID:        session.CaseID,
		CaseCode:      session.CaseCode,
		UserID:        userID,
		Metrics:       m,
		RawEvaluation: generated.Text,
		CreatedAt:     r.now().UTC(),
	}
}

// OutcomeOf derives the progress outcome of a committed record.
func OutcomeOf(record *encounter.PerformanceRecord) encounter.Outcome {
	return encounter.Outcome{
		SessionID:    record.SessionID,
		CaseCode:     record.CaseCode,
		OverallScore: record.Metrics.OverallScore,
		Scored:       record.Metrics.Scored,
		FinalizedAt:  record.CreatedAt,
	}
}

// UpdateProgress folds a finalized session into the learner's statistics.
func (r *Recorder) UpdateProgress(ctx context.Context, userID string, outcome encounter.Outcome) error {
	if r.progress == nil || userID == "" {
		return nil
	}
	if err := r.progress.RecordOutcome(ctx, userID, outcome); err != nil {
		return fmt.Errorf("update progress for %s: %w", userID, err)
	}
	return nil
}
