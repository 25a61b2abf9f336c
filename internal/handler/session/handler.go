package session

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-clinic/backend/internal/handler/apierror"
	"github.com/zhouzirui/z-clinic/backend/internal/model/encounter"
	"github.com/zhouzirui/z-clinic/backend/internal/service/simulation"
	"github.com/zhouzirui/z-clinic/backend/pkg/utils"
)

// UserHeader carries the acting learner's id.
const UserHeader = "X-User-ID"

// Service is the lifecycle API the handler drives.
type Service interface {
	Start(ctx context.Context, caseRef, userID string) (*simulation.StartResult, error)
	GetSession(ctx context.Context, sessionID string) (*encounter.Session, error)
	Ask(ctx context.Context, sessionID, utterance string, sink func(chunk string) error) (*simulation.AskResult, error)
	End(ctx context.Context, sessionID, actingUser string) (*simulation.EndResult, error)
	RecordDecision(ctx context.Context, sessionID string, kind encounter.DecisionKind, content string) (*encounter.Decision, error)
}

// Handler 会话生命周期的HTTP处理器
type Handler struct {
	svc Service
}

// New 创建会话处理器
func New(svc Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/sessions", h.handleStart)
	r.Route("/sessions/{sessionID}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Post("/ask", h.handleAsk)
		r.Post("/end", h.handleEnd)
		r.Post("/decisions", h.handleDecision)
	})
}

// StreamResponse is one SSE payload of the ask stream.
type StreamResponse struct {
	Event     string `json:"event"`
	Content   string `json:"content,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Ended     bool   `json:"ended,omitempty"`
	EndReason string `json:"endReason,omitempty"`
	Finished  bool   `json:"finished,omitempty"`
	Error     string `json:"error,omitempty"`
}

type sessionView struct {
	*encounter.Session
	State encounter.State `json:"state"`
}

// handleStart 创建会话
func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		CaseID   string `json:"caseId"`
		CaseCode string `json:"caseCode"`
		UserID   string `json:"userId"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	caseRef := strings.TrimSpace(payload.CaseID)
	if caseRef == "" {
		caseRef = strings.TrimSpace(payload.CaseCode)
	}
	userID := strings.TrimSpace(payload.UserID)
	if userID == "" {
		userID = actingUser(r)
	}

	result, err := h.svc.Start(r.Context(), caseRef, userID)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, result)
}

// handleGet 返回会话、对话记录与决策日志
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		apierror.Write(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, sessionView{Session: s, State: s.State()})
}

// handleAsk 转发学员提问并以 SSE 流式返回病人回复。Accept: application/json 时一次性返回。
func (h *Handler) handleAsk(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var payload struct {
		Utterance *string `json:"utterance"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	utterance := ""
	if payload.Utterance != nil {
		utterance = *payload.Utterance
	}

	if wantsJSON(r) {
		result, err := h.svc.Ask(r.Context(), sessionID, utterance, nil)
		if err != nil {
			apierror.Write(w, err)
			return
		}
		utils.RespondJSON(w, http.StatusOK, result)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// 首个分片到达前不写响应头，校验失败仍可返回普通错误码。
	started := false
	begin := func() error {
		if started {
			return nil
		}
		started = true
		utils.SetupSSEHeaders(w)
		w.WriteHeader(http.StatusOK)
		return utils.SendSSEEvent(w, flusher, "start", StreamResponse{Event: "start", SessionID: sessionID})
	}

	sink := func(chunk string) error {
		if err := begin(); err != nil {
			return err
		}
		return utils.SendSSEEvent(w, flusher, "delta", StreamResponse{Event: "delta", SessionID: sessionID, Content: chunk})
	}

	result, err := h.svc.Ask(r.Context(), sessionID, utterance, sink)
	if err != nil {
		if !started {
			apierror.Write(w, err)
			return
		}
		log.Printf("[sse] session=%s ask failed mid-stream: %v", sessionID, err)
		h.send(w, flusher, StreamResponse{Event: "error", SessionID: sessionID, Error: err.Error()})
		return
	}

	if err := begin(); err != nil {
		log.Printf("[sse] session=%s open stream failed: %v", sessionID, err)
		return
	}
	h.send(w, flusher, StreamResponse{
		Event:     "message",
		SessionID: sessionID,
		Content:   result.Reply,
		Ended:     result.Ended,
		EndReason: result.EndReason,
	})
	if result.Ended {
		h.send(w, flusher, StreamResponse{Event: "ended", SessionID: sessionID, Ended: true, EndReason: result.EndReason})
	}
	h.send(w, flusher, StreamResponse{Event: "end", SessionID: sessionID, Finished: true})

	log.Printf("[sse] completed ask for session=%s ended=%t", sessionID, result.Ended)
}

// handleEnd 结束会话并返回评估
func (h *Handler) handleEnd(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.End(r.Context(), chi.URLParam(r, "sessionID"), actingUser(r))
	if err != nil {
		apierror.Write(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, result)
}

// handleDecision 记录诊断或处置决策
func (h *Handler) handleDecision(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Kind    string `json:"kind"`
		Content string `json:"content"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	kind := encounter.DecisionKind(strings.ToLower(strings.TrimSpace(payload.Kind)))
	decision, err := h.svc.RecordDecision(r.Context(), chi.URLParam(r, "sessionID"), kind, payload.Content)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, decision)
}

func (h *Handler) send(w http.ResponseWriter, flusher http.Flusher, resp StreamResponse) {
	if err := utils.SendSSEEvent(w, flusher, resp.Event, resp); err != nil {
		log.Printf("[sse] %v", err)
	}
}

func actingUser(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(UserHeader))
}

func wantsJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/json") && !strings.Contains(accept, "text/event-stream")
}
