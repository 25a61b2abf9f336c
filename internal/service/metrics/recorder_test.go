package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-clinic/backend/internal/model/encounter"
)

type progressRecorder struct {
	calls []encounter.Outcome
	err   error
}

func (p *progressRecorder) RecordOutcome(_ context.Context, _ string, outcome encounter.Outcome) error {
	p.calls = append(p.calls, outcome)
	return p.err
}

func TestBuildRecord(t *testing.T) {
	r := NewRecorder(nil)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	session := &encounter.Session{ID: "s1", CaseID: "c1", CaseCode: "CASE-001", UserID: "owner"}
	record := r.Build(session, "", &encounter.GeneratedEvaluation{
		Text:    "Good job",
		Metrics: map[string]any{"overallScore": 88.0, "summary": "good"},
	})

	assert.NotEmpty(t, record.ID)
	assert.Equal(t, "s1", record.SessionID)
	assert.Equal(t, "CASE-001", record.CaseCode)
	assert.Equal(t, "owner", record.UserID)
	assert.Equal(t, "Good job", record.RawEvaluation)
	assert.Equal(t, 88.0, record.Metrics.OverallScore)
	assert.Equal(t, fixed, record.CreatedAt)

	acting := r.Build(session, "instructor", &encounter.GeneratedEvaluation{Text: "x"})
	assert.Equal(t, "instructor", acting.UserID)
	assert.False(t, acting.Metrics.Valid)

	outcome := OutcomeOf(record)
	assert.True(t, outcome.Scored)
	assert.Equal(t, 88.0, outcome.OverallScore)
	assert.False(t, OutcomeOf(acting).Scored)
}

func TestUpdateProgress(t *testing.T) {
	store := &progressRecorder{}
	r := NewRecorder(store)

	require.NoError(t, r.UpdateProgress(context.Background(), "", encounter.Outcome{}))
	assert.Empty(t, store.calls, "anonymous sessions are skipped")

	require.NoError(t, r.UpdateProgress(context.Background(), "u1", encounter.Outcome{SessionID: "s1"}))
	assert.Len(t, store.calls, 1)

	store.err = errors.New("locked")
	assert.Error(t, r.UpdateProgress(context.Background(), "u1", encounter.Outcome{SessionID: "s2"}))

	assert.NoError(t, NewRecorder(nil).UpdateProgress(context.Background(), "u1", encounter.Outcome{}))
}
