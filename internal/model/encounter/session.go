package encounter

import "time"

// Role attributes a transcript turn.
type Role string

const (
	RoleClinician Role = "clinician"
	RolePatient   Role = "patient"
	RoleSystem    Role = "system"
	RoleEvaluator Role = "evaluator"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleClinician, RolePatient, RoleSystem, RoleEvaluator:
		return true
	}
	return false
}

// Turn is one transcript entry. Seq is assigned by the store and defines order.
type Turn struct {
	Seq       int64     `json:"seq"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// DecisionKind classifies an ancillary decision log entry.
type DecisionKind string

const (
	DecisionDifferential DecisionKind = "differential"
	DecisionTest         DecisionKind = "test"
	DecisionTreatment    DecisionKind = "treatment"
)

// Valid reports whether k is a known decision kind.
func (k DecisionKind) Valid() bool {
	switch k {
	case DecisionDifferential, DecisionTest, DecisionTreatment:
		return true
	}
	return false
}

// Decision is an independently appended diagnostic or treatment entry.
type Decision struct {
	Seq       int64        `json:"seq"`
	Kind      DecisionKind `json:"kind"`
	Content   string       `json:"content"`
	Timestamp time.Time    `json:"timestamp"`
}

// State is the lifecycle position of a session.
type State string

const (
	StateActive    State = "active"
	StateEnding    State = "ending"
	StateFinalized State = "finalized"
)

// Session is one learner's run through a case.
type Session struct {
	ID         string     `json:"id"`
	CaseID     string     `json:"caseId"`
	CaseCode   string     `json:"caseCode"`
	UserID     string     `json:"userId,omitempty"`
	History    []Turn     `json:"history"`
	Decisions  []Decision `json:"decisions,omitempty"`
	Ended      bool       `json:"ended"`
	Evaluation *string    `json:"evaluation"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
}

// State derives the lifecycle state. Ending and Active both refuse asks once
// Ended is set; Ending tells the finalizer that real work is still pending.
func (s *Session) State() State {
	switch {
	case s.Evaluation != nil:
		return StateFinalized
	case s.Ended:
		return StateEnding
	default:
		return StateActive
	}
}

// Finalized reports whether the evaluation has been committed.
func (s *Session) Finalized() bool {
	return s.Ended && s.Evaluation != nil
}
