package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/z-clinic/backend/internal/config"
	"github.com/zhouzirui/z-clinic/backend/internal/model/clinicalcase"
	"github.com/zhouzirui/z-clinic/backend/internal/model/encounter"
)

// Service drives the patient and evaluator chains on top of Ark chat models.
type Service struct {
	cfg       config.AIConfig
	prompts   *PatientPromptBuilder
	patient   compose.Runnable[map[string]any, *schema.Message]
	evaluator compose.Runnable[map[string]any, *schema.Message]
}

// NewService creates the AI service from configuration. A separate evaluation
// model is used when AI_EVALUATION_MODEL is set.
func NewService(ctx context.Context, cfg config.AIConfig) (*Service, error) {
	patientModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}

	var evaluationModel model.BaseChatModel = patientModel
	if cfg.EvaluationModel != "" && cfg.EvaluationModel != cfg.Model {
		evaluationModel, err = cfg.NewEvaluationModel(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create evaluation model: %w", err)
		}
	}

	return NewServiceWithModels(ctx, patientModel, evaluationModel, cfg)
}

// NewServiceWithModels compiles both chains over the supplied models.
func NewServiceWithModels(ctx context.Context, patientModel, evaluationModel model.BaseChatModel, cfg config.AIConfig) (*Service, error) {
	patientTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	patientChain := compose.NewChain[map[string]any, *schema.Message]()
	patientChain.AppendChatTemplate(patientTemplate)
	patientChain.AppendChatModel(patientModel)

	patient, err := patientChain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile patient chain: %w", err)
	}

	evaluatorTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.UserMessage("{transcript}"),
	)

	evaluatorChain := compose.NewChain[map[string]any, *schema.Message]()
	evaluatorChain.AppendChatTemplate(evaluatorTemplate)
	evaluatorChain.AppendChatModel(evaluationModel)

	evaluator, err := evaluatorChain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile evaluator chain: %w", err)
	}

	return &Service{
		cfg:       cfg,
		prompts:   NewPatientPromptBuilder(),
		patient:   patient,
		evaluator: evaluator,
	}, nil
}

// StreamPatientReply streams the patient's answer to utterance. history is
// the transcript before utterance. The returned stream reports whether the
// model appended EndMarker.
func (s *Service) StreamPatientReply(ctx context.Context, c *clinicalcase.Case, history []encounter.Turn, utterance string, forceEnd bool) (encounter.ReplyStream, error) {
	input := map[string]any{
		"system":  s.prompts.BuildSystemPrompt(c, forceEnd),
		"history": buildHistoryMessages(history),
		"query":   utterance,
	}

	replyCtx, cancel := withTimeout(ctx, s.cfg.ReplyTimeout)

	if !s.cfg.StreamResponse {
		msg, err := s.patient.Invoke(replyCtx, input)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("failed to run patient chain: %w", err)
		}
		return newReplyStream(singleChunk(msg.Content), func() {}), nil
	}

	stream, err := s.patient.Stream(replyCtx, input)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to stream patient chain output: %w", err)
	}

	next := func() (string, error) {
		chunk, err := stream.Recv()
		if err != nil {
			return "", err
		}
		if chunk == nil {
			return "", nil
		}
		return chunk.Content, nil
	}
	return newReplyStream(next, func() {
		stream.Close()
		cancel()
	}), nil
}

// Evaluate produces the end-of-encounter feedback and its metrics extraction.
func (s *Service) Evaluate(ctx context.Context, c *clinicalcase.Case, history []encounter.Turn, decisions []encounter.Decision) (*encounter.GeneratedEvaluation, error) {
	evalCtx, cancel := withTimeout(ctx, s.cfg.EvaluationTimeout)
	defer cancel()

	input := map[string]any{
		"system":     buildEvaluatorPrompt(c),
		"transcript": formatTranscript(c, history, decisions),
	}

	msg, err := s.evaluator.Invoke(evalCtx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to run evaluator chain: %w", err)
	}
	if msg == nil {
		return nil, errEmptyEvaluation
	}

	result, err := parseEvaluation(msg.Content)
	if err != nil {
		return nil, err
	}
	log.Printf("[ai] evaluated case=%s turns=%d metrics=%d", c.Code, len(history), len(result.Metrics))
	return result, nil
}

func buildHistoryMessages(turns []encounter.Turn) []*schema.Message {
	if len(turns) == 0 {
		return nil
	}

	history := make([]*schema.Message, 0, len(turns))
	for _, turn := range turns {
		switch turn.Role {
		case encounter.RoleClinician:
			history = append(history, schema.UserMessage(turn.Content))
		case encounter.RolePatient:
			history = append(history, schema.AssistantMessage(turn.Content, nil))
		}
	}
	return history
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// replyStream adapts a chunk source to encounter.ReplyStream, filtering the
// end marker out of the forwarded text.
type replyStream struct {
	next   func() (string, error)
	close  func()
	filter *markerFilter
	eof    bool
	closed bool
}

func newReplyStream(next func() (string, error), closeFn func()) *replyStream {
	return &replyStream{next: next, close: closeFn, filter: newMarkerFilter()}
}

func singleChunk(content string) func() (string, error) {
	sent := false
	return func() (string, error) {
		if sent {
			return "", io.EOF
		}
		sent = true
		return content, nil
	}
}

func (r *replyStream) Recv() (string, error) {
	for {
		if r.eof {
			return "", io.EOF
		}

		chunk, err := r.next()
		if errors.Is(err, io.EOF) {
			r.eof = true
			if tail := r.filter.Flush(); tail != "" {
				return tail, nil
			}
			return "", io.EOF
		}
		if err != nil {
			return "", err
		}
		if chunk == "" {
			continue
		}
		if out := r.filter.Push(chunk); out != "" {
			return out, nil
		}
	}
}

func (r *replyStream) ShouldEnd() bool {
	return r.filter.Seen()
}

func (r *replyStream) Close() {
	if r.closed {
		return
	}
	r.closed = true
	r.close()
}

func describeTurnRole(role encounter.Role) string {
	switch role {
	case encounter.RoleClinician:
		return "Clinician"
	case encounter.RolePatient:
		return "Patient"
	case encounter.RoleEvaluator:
		return "Evaluator"
	case encounter.RoleSystem:
		return "System"
	default:
		return string(role)
	}
}
