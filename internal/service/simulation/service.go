// Package simulation implements the encounter lifecycle: starting sessions,
// mediating clinician/patient turns and finalizing evaluations exactly once.
package simulation

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/zhouzirui/z-clinic/backend/internal/analysis/trigger"
	"github.com/zhouzirui/z-clinic/backend/internal/model/clinicalcase"
	"github.com/zhouzirui/z-clinic/backend/internal/model/encounter"
	"github.com/zhouzirui/z-clinic/backend/internal/service/metrics"
	"github.com/zhouzirui/z-clinic/backend/internal/store"
)

const instrumentationName = "github.com/zhouzirui/z-clinic/backend/internal/service/simulation"

// CaseCatalog resolves a case by internal id or case code.
type CaseCatalog interface {
	FindCase(ref string) (clinicalcase.Case, bool)
}

// ResponseGenerator produces the simulated patient's streamed reply.
type ResponseGenerator interface {
	StreamPatientReply(ctx context.Context, c *clinicalcase.Case, history []encounter.Turn, utterance string, forceEnd bool) (encounter.ReplyStream, error)
}

// EvaluationGenerator produces the end-of-encounter feedback.
type EvaluationGenerator interface {
	Evaluate(ctx context.Context, c *clinicalcase.Case, history []encounter.Turn, decisions []encounter.Decision) (*encounter.GeneratedEvaluation, error)
}

// ProgressUpdater receives finalized outcomes. Failures never affect End.
type ProgressUpdater interface {
	UpdateProgress(ctx context.Context, userID string, outcome encounter.Outcome) error
}

// Deps groups the collaborators of Service.
type Deps struct {
	Repo      store.Repository
	Cases     CaseCatalog
	Responder ResponseGenerator
	Evaluator EvaluationGenerator
	Recorder  *metrics.Recorder
	// Progress defaults to Recorder when nil.
	Progress ProgressUpdater
}

// Config tunes the lifecycle behaviour.
type Config struct {
	Triggers        *trigger.Detector
	ProgressTimeout time.Duration
	// FinalizeTimeout bounds a shared End call, which outlives the caller
	// that started it.
	FinalizeTimeout time.Duration
}

// Service 负责会话生命周期：创建、问诊中转与一次性的评估落库。
type Service struct {
	repo      store.Repository
	cases     CaseCatalog
	responder ResponseGenerator
	evaluator EvaluationGenerator
	recorder  *metrics.Recorder
	progress  ProgressUpdater

	triggers        *trigger.Detector
	progressTimeout time.Duration
	finalizeTimeout time.Duration

	finalize   singleflight.Group
	background sync.WaitGroup
	now        func() time.Time

	tracer           trace.Tracer
	startedCounter   metric.Int64Counter
	askCounter       metric.Int64Counter
	finalizedCounter metric.Int64Counter
	progressFailures metric.Int64Counter
}

// NewService wires the lifecycle service.
func NewService(deps Deps, cfg Config) *Service {
	triggers := cfg.Triggers
	if triggers == nil {
		triggers = trigger.Default()
	}
	timeout := cfg.ProgressTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	finalizeTimeout := cfg.FinalizeTimeout
	if finalizeTimeout <= 0 {
		finalizeTimeout = 3 * time.Minute
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = metrics.NewRecorder(nil)
	}
	progress := deps.Progress
	if progress == nil {
		progress = recorder
	}

	meter := otel.Meter(instrumentationName)
	return &Service{
		repo:             deps.Repo,
		cases:            deps.Cases,
		responder:        deps.Responder,
		evaluator:        deps.Evaluator,
		recorder:         recorder,
		progress:         progress,
		triggers:         triggers,
		progressTimeout:  timeout,
		finalizeTimeout:  finalizeTimeout,
		now:              time.Now,
		tracer:           otel.Tracer(instrumentationName),
		startedCounter:   newCounter(meter, "simulator.sessions.started", "Sessions created"),
		askCounter:       newCounter(meter, "simulator.asks", "Clinician utterances mediated"),
		finalizedCounter: newCounter(meter, "simulator.finalized", "Sessions finalized with an evaluation"),
		progressFailures: newCounter(meter, "simulator.progress_failures", "Best-effort progress updates that failed"),
	}
}

func newCounter(meter metric.Meter, name, desc string) metric.Int64Counter {
	counter, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		log.Printf("[simulation] create counter %s failed: %v", name, err)
		counter, _ = noop.Meter{}.Int64Counter(name)
	}
	return counter
}

// Wait blocks until background progress updates have finished.
func (s *Service) Wait() {
	s.background.Wait()
}

// StartResult is returned by Start.
type StartResult struct {
	SessionID   string           `json:"sessionId"`
	CaseCode    string           `json:"caseCode"`
	PatientName string           `json:"patientDisplayName"`
	OpeningLine string           `json:"openingLine,omitempty"`
	History     []encounter.Turn `json:"history"`
}

// Start creates a session for caseRef (internal id or case code), seeded
// with the case's opening line when it has one.
func (s *Service) Start(ctx context.Context, caseRef, userID string) (*StartResult, error) {
	const op = "start"
	ctx, span := s.tracer.Start(ctx, "simulation.Start", trace.WithAttributes(attribute.String("case.ref", caseRef)))
	defer span.End()

	caseRef = strings.TrimSpace(caseRef)
	if caseRef == "" {
		return nil, fail(span, newError(KindInvalidArgument, op, "case reference is required", nil))
	}

	c, ok := s.cases.FindCase(caseRef)
	if !ok {
		return nil, fail(span, newError(KindNotFound, op, "case not found", nil))
	}

	now := s.now().UTC()
	session := &encounter.Session{
		ID:        uuid.NewString(),
		CaseID:    c.ID,
		CaseCode:  c.Code,
		UserID:    strings.TrimSpace(userID),
		History:   []encounter.Turn{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if opening := strings.TrimSpace(c.OpeningLine); opening != "" {
		session.History = append(session.History, encounter.Turn{
			Role:      encounter.RolePatient,
			Content:   opening,
			Timestamp: now,
		})
	}

	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, fail(span, newError(KindInternal, op, "create session", err))
	}

	s.startedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("case.code", c.Code)))
	span.SetAttributes(attribute.String("session.id", session.ID))
	log.Printf("[simulation] session started id=%s case=%s user=%q", session.ID, c.Code, session.UserID)

	return &StartResult{
		SessionID:   session.ID,
		CaseCode:    c.Code,
		PatientName: c.PatientName,
		OpeningLine: strings.TrimSpace(c.OpeningLine),
		History:     session.History,
	}, nil
}

// EndSignal combines the local trigger hint with the generator's own
// judgment. Either one ends the encounter.
type EndSignal struct {
	Local    bool
	Upstream bool
}

// Merged reports whether the encounter should end.
func (e EndSignal) Merged() bool {
	return e.Local || e.Upstream
}

// Reason names the source of the ending decision, empty when not ending.
func (e EndSignal) Reason() string {
	switch {
	case e.Local && e.Upstream:
		return "trigger+generator"
	case e.Local:
		return "trigger"
	case e.Upstream:
		return "generator"
	default:
		return ""
	}
}

// AskResult is returned once the patient's reply has been fully delivered.
type AskResult struct {
	Reply     string           `json:"reply"`
	Ended     bool             `json:"ended"`
	EndReason string           `json:"endReason,omitempty"`
	History   []encounter.Turn `json:"history"`
}

// Ask appends the clinician's utterance, streams the patient's reply to sink
// chunk by chunk and records it. The clinician turn is durable even when the
// reply fails; the patient turn is only written for a complete reply.
func (s *Service) Ask(ctx context.Context, sessionID, utterance string, sink func(chunk string) error) (*AskResult, error) {
	const op = "ask"
	ctx, span := s.tracer.Start(ctx, "simulation.Ask", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	if err := validateID(op, sessionID); err != nil {
		return nil, fail(span, err)
	}

	session, c, err := s.loadWithCase(ctx, op, sessionID)
	if err != nil {
		return nil, fail(span, err)
	}
	if session.Ended {
		return nil, fail(span, newError(KindForbidden, op, "session has ended", nil))
	}

	utterance = strings.TrimSpace(utterance)
	if utterance == "" {
		return nil, fail(span, newError(KindInvalidArgument, op, "utterance is required", nil))
	}

	if s.responder == nil {
		return nil, fail(span, newError(KindUpstreamFailure, op, "patient responder unavailable", nil))
	}

	prior := session.History
	clinicianTurn := encounter.Turn{Role: encounter.RoleClinician, Content: utterance, Timestamp: s.now().UTC()}
	if err := s.repo.AppendTurn(ctx, sessionID, &clinicianTurn); err != nil {
		return nil, fail(span, appendError(op, "append clinician turn", err))
	}
	s.askCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("case.code", c.Code)))

	hint := s.triggers.With(c.TriggerPhrases...).ShouldEnd(utterance)

	stream, err := s.responder.StreamPatientReply(ctx, c, prior, utterance, hint)
	if err != nil {
		return nil, fail(span, newError(KindUpstreamFailure, op, "patient reply failed", err))
	}
	defer stream.Close()

	var reply strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			log.Printf("[simulation] session=%s reply stream aborted: %v", sessionID, err)
			return nil, fail(span, newError(KindUpstreamFailure, op, "patient reply interrupted", err))
		}
		if chunk == "" {
			continue
		}
		reply.WriteString(chunk)
		if sink != nil {
			if err := sink(chunk); err != nil {
				log.Printf("[simulation] session=%s reply delivery failed: %v", sessionID, err)
				return nil, fail(span, newError(KindUpstreamFailure, op, "reply delivery interrupted", err))
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, fail(span, newError(KindUpstreamFailure, op, "patient reply interrupted", err))
	}

	patientTurn := encounter.Turn{Role: encounter.RolePatient, Content: strings.TrimSpace(reply.String()), Timestamp: s.now().UTC()}
	if err := s.repo.AppendTurn(ctx, sessionID, &patientTurn); err != nil {
		return nil, fail(span, appendError(op, "append patient turn", err))
	}

	signal := EndSignal{Local: hint, Upstream: stream.ShouldEnd()}
	ended := signal.Merged()
	if ended {
		if err := s.repo.MarkEnded(ctx, sessionID); err != nil {
			return nil, fail(span, storeError(op, "mark session ended", err))
		}
		log.Printf("[simulation] session=%s marked ended reason=%s", sessionID, signal.Reason())
	}
	span.SetAttributes(attribute.Bool("session.ended", ended))

	history := make([]encounter.Turn, 0, len(prior)+2)
	history = append(history, prior...)
	history = append(history, clinicianTurn, patientTurn)

	return &AskResult{
		Reply:     patientTurn.Content,
		Ended:     ended,
		EndReason: signal.Reason(),
		History:   history,
	}, nil
}

// EndResult is returned by End. AlreadyFinalized is set when the stored
// evaluation was returned without regenerating it.
type EndResult struct {
	Ended            bool                         `json:"ended"`
	Evaluation       string                       `json:"evaluation"`
	History          []encounter.Turn             `json:"history"`
	Record           *encounter.PerformanceRecord `json:"performanceRecord,omitempty"`
	AlreadyFinalized bool                         `json:"alreadyFinalized"`
}

// End finalizes the session: the evaluation is generated once and committed
// atomically with the performance record. Repeated calls return the stored
// evaluation. Concurrent calls for the same session share one finalization.
func (s *Service) End(ctx context.Context, sessionID, actingUser string) (*EndResult, error) {
	const op = "end"
	ctx, span := s.tracer.Start(ctx, "simulation.End", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	if err := validateID(op, sessionID); err != nil {
		return nil, fail(span, err)
	}

	// 共享调用脱离发起方的取消，其他仍在等待的调用方可以拿到结果。
	ch := s.finalize.DoChan(sessionID, func() (any, error) {
		detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.finalizeTimeout)
		defer cancel()
		return s.end(detached, sessionID, strings.TrimSpace(actingUser))
	})

	select {
	case <-ctx.Done():
		return nil, fail(span, newError(KindUpstreamFailure, op, "end interrupted", ctx.Err()))
	case res := <-ch:
		if res.Shared {
			span.SetAttributes(attribute.Bool("end.shared", true))
		}
		if res.Err != nil {
			return nil, fail(span, res.Err)
		}
		result := *res.Val.(*EndResult)
		return &result, nil
	}
}

func (s *Service) end(ctx context.Context, sessionID, actingUser string) (*EndResult, error) {
	const op = "end"

	session, c, err := s.loadWithCase(ctx, op, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Finalized() {
		return s.finalizedResult(ctx, session)
	}
	if s.evaluator == nil {
		return nil, newError(KindUpstreamFailure, op, "evaluator unavailable", nil)
	}

	generated, err := s.evaluator.Evaluate(ctx, c, session.History, session.Decisions)
	if err != nil {
		return nil, newError(KindUpstreamFailure, op, "evaluation failed", err)
	}
	if generated == nil || strings.TrimSpace(generated.Text) == "" {
		return nil, newError(KindUpstreamFailure, op, "evaluation was empty", nil)
	}

	record := s.recorder.Build(session, actingUser, generated)
	err = s.repo.FinalizeSession(ctx, sessionID, generated.Text, record)
	switch {
	case errors.Is(err, store.ErrAlreadyFinalized):
		// 其他进程抢先完成，读取其结果。
		reloaded, loadErr := s.repo.GetSession(ctx, sessionID)
		if loadErr != nil {
			return nil, storeError(op, "reload session", loadErr)
		}
		if !reloaded.Finalized() {
			return nil, newError(KindInternal, op, "finalization conflict", err)
		}
		return s.finalizedResult(ctx, reloaded)
	case err != nil:
		return nil, storeError(op, "finalize session", err)
	}

	s.finalizedCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("case.code", c.Code),
		attribute.Bool("metrics.valid", record.Metrics.Valid),
	))
	log.Printf("[simulation] session=%s finalized record=%s score=%.1f valid=%t",
		sessionID, record.ID, record.Metrics.OverallScore, record.Metrics.Valid)

	s.updateProgressAsync(ctx, record)

	return &EndResult{
		Ended:      true,
		Evaluation: generated.Text,
		History:    session.History,
		Record:     record,
	}, nil
}

func (s *Service) finalizedResult(ctx context.Context, session *encounter.Session) (*EndResult, error) {
	record, err := s.repo.GetPerformanceRecordBySession(ctx, session.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, storeError("end", "load performance record", err)
	}
	return &EndResult{
		Ended:            true,
		Evaluation:       *session.Evaluation,
		History:          session.History,
		Record:           record,
		AlreadyFinalized: true,
	}, nil
}

// updateProgressAsync runs the progress side effect detached from the request.
func (s *Service) updateProgressAsync(ctx context.Context, record *encounter.PerformanceRecord) {
	if record.UserID == "" {
		return
	}

	outcome := metrics.OutcomeOf(record)
	detached := context.WithoutCancel(ctx)

	s.background.Add(1)
	go func() {
		defer s.background.Done()

		ctx, cancel := context.WithTimeout(detached, s.progressTimeout)
		defer cancel()

		if err := s.progress.UpdateProgress(ctx, record.UserID, outcome); err != nil {
			s.progressFailures.Add(ctx, 1)
			log.Printf("[simulation] session=%s progress update failed: %v", record.SessionID, err)
		}
	}()
}

// RecordDecision appends a differential, test or treatment decision.
func (s *Service) RecordDecision(ctx context.Context, sessionID string, kind encounter.DecisionKind, content string) (*encounter.Decision, error) {
	const op = "record decision"

	if err := validateID(op, sessionID); err != nil {
		return nil, err
	}
	if !kind.Valid() {
		return nil, newError(KindInvalidArgument, op, "unknown decision kind "+string(kind), nil)
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, newError(KindInvalidArgument, op, "decision content is required", nil)
	}

	decision := &encounter.Decision{Kind: kind, Content: content, Timestamp: s.now().UTC()}
	if err := s.repo.AppendDecision(ctx, sessionID, decision); err != nil {
		return nil, appendError(op, "append decision", err)
	}
	return decision, nil
}

// GetSession returns the session with its transcript and decisions.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*encounter.Session, error) {
	const op = "get session"
	if err := validateID(op, sessionID); err != nil {
		return nil, err
	}
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, storeError(op, "load session", err)
	}
	return session, nil
}

// GetPerformanceRecordBySession returns the record of a finalized session.
func (s *Service) GetPerformanceRecordBySession(ctx context.Context, sessionID string) (*encounter.PerformanceRecord, error) {
	const op = "get performance record"
	if err := validateID(op, sessionID); err != nil {
		return nil, err
	}
	record, err := s.repo.GetPerformanceRecordBySession(ctx, sessionID)
	if err != nil {
		return nil, storeError(op, "load performance record", err)
	}
	return record, nil
}

// GetPerformanceRecordsByUser returns a learner's records; none is NotFound.
func (s *Service) GetPerformanceRecordsByUser(ctx context.Context, userID string) ([]encounter.PerformanceRecord, error) {
	const op = "list performance records"
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, newError(KindInvalidArgument, op, "user id is required", nil)
	}
	records, err := s.repo.ListPerformanceRecordsByUser(ctx, userID)
	if err != nil {
		return nil, storeError(op, "list performance records", err)
	}
	if len(records) == 0 {
		return nil, newError(KindNotFound, op, "no performance records", nil)
	}
	return records, nil
}

// GetProgress returns a learner's aggregated progress.
func (s *Service) GetProgress(ctx context.Context, userID string) (*encounter.Progress, error) {
	const op = "get progress"
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, newError(KindInvalidArgument, op, "user id is required", nil)
	}
	progress, err := s.repo.GetProgress(ctx, userID)
	if err != nil {
		return nil, storeError(op, "load progress", err)
	}
	return progress, nil
}

func (s *Service) loadWithCase(ctx context.Context, op, sessionID string) (*encounter.Session, *clinicalcase.Case, error) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, storeError(op, "load session", err)
	}

	c, ok := s.cases.FindCase(session.CaseID)
	if !ok {
		c, ok = s.cases.FindCase(session.CaseCode)
	}
	if !ok {
		log.Printf("[simulation] session=%s references missing case id=%s code=%s", sessionID, session.CaseID, session.CaseCode)
		return nil, nil, newError(KindInternal, op, "case data missing", nil)
	}
	return session, &c, nil
}

// validateID accepts only the canonical hyphenated form the store issues.
func validateID(op, sessionID string) error {
	parsed, err := uuid.Parse(sessionID)
	if err != nil {
		return newError(KindInvalidArgument, op, "invalid session id", err)
	}
	if parsed.String() != sessionID {
		return newError(KindInvalidArgument, op, "invalid session id", nil)
	}
	return nil
}

// appendError maps a rejected append on an ended session to Forbidden.
func appendError(op, msg string, err error) error {
	if errors.Is(err, store.ErrSessionEnded) {
		return newError(KindForbidden, op, "session has ended", err)
	}
	return storeError(op, msg, err)
}

func storeError(op, msg string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return newError(KindNotFound, op, msg+": not found", nil)
	}
	return newError(KindInternal, op, msg, err)
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
