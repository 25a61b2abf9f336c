package performance

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-clinic/backend/internal/handler/apierror"
	"github.com/zhouzirui/z-clinic/backend/internal/model/encounter"
	"github.com/zhouzirui/z-clinic/backend/pkg/utils"
)

// Service exposes the read side of performance records and progress.
type Service interface {
	GetPerformanceRecordBySession(ctx context.Context, sessionID string) (*encounter.PerformanceRecord, error)
	GetPerformanceRecordsByUser(ctx context.Context, userID string) ([]encounter.PerformanceRecord, error)
	GetProgress(ctx context.Context, userID string) (*encounter.Progress, error)
}

// Handler 成绩记录与学习进度的HTTP处理器
type Handler struct {
	svc Service
}

// New 创建成绩处理器
func New(svc Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes 注册成绩相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/performance/sessions/{sessionID}", h.handleBySession)
	r.Get("/performance/users/{userID}", h.handleByUser)
	r.Get("/progress/{userID}", h.handleProgress)
}

func (h *Handler) handleBySession(w http.ResponseWriter, r *http.Request) {
	record, err := h.svc.GetPerformanceRecordBySession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		apierror.Write(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, record)
}

func (h *Handler) handleByUser(w http.ResponseWriter, r *http.Request) {
	records, err := h.svc.GetPerformanceRecordsByUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		apierror.Write(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, records)
}

func (h *Handler) handleProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := h.svc.GetProgress(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		apierror.Write(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, progress)
}
