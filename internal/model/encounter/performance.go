package encounter

import "time"

// Metrics is the normalized structured extraction of one evaluation.
type Metrics struct {
	OverallScore float64            `json:"overallScore"`
	Scored       bool               `json:"scored"`
	Summary      string             `json:"summary"`
	Subscores    map[string]float64 `json:"subscores,omitempty"`
	Strengths    []string           `json:"strengths,omitempty"`
	Improvements []string           `json:"improvements,omitempty"`
	Raw          map[string]any     `json:"raw,omitempty"`
	Valid        bool               `json:"valid"`
	Problems     []string           `json:"problems,omitempty"`
}

// PerformanceRecord is the durable, immutable summary of one finalized session.
type PerformanceRecord struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"sessionId"`
	CaseID        string    `json:"caseId"`
	CaseCode      string    `json:"caseCode"`
	UserID        string    `json:"userId,omitempty"`
	Metrics       Metrics   `json:"metrics"`
	RawEvaluation string    `json:"rawEvaluation"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Outcome is what the longitudinal progress updater learns about a session.
type Outcome struct {
	SessionID    string
	CaseCode     string
	OverallScore float64
	Scored       bool
	FinalizedAt  time.Time
}

// Progress aggregates a learner's finalized sessions.
type Progress struct {
	UserID            string    `json:"userId"`
	SessionsCompleted int       `json:"sessionsCompleted"`
	ScoredSessions    int       `json:"scoredSessions"`
	AverageScore      float64   `json:"averageScore"`
	BestScore         float64   `json:"bestScore"`
	LastSessionID     string    `json:"lastSessionId"`
	LastCaseCode      string    `json:"lastCaseCode"`
	UpdatedAt         time.Time `json:"updatedAt"`
}
