package cases

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-clinic/backend/internal/model/clinicalcase"
	"github.com/zhouzirui/z-clinic/backend/pkg/utils"
)

// Handler 病例目录的HTTP处理器
type Handler struct {
	cases clinicalcase.Store
}

// New 创建病例处理器
func New(cases clinicalcase.Store) *Handler {
	return &Handler{cases: cases}
}

// RegisterRoutes 注册病例相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/cases", h.handleListCases)
}

// handleListCases 列出病例摘要，不包含病人设定与评分细则
func (h *Handler) handleListCases(w http.ResponseWriter, r *http.Request) {
	items := h.cases.List()
	summaries := make([]clinicalcase.Summary, 0, len(items))
	for _, c := range items {
		summaries = append(summaries, c.Summarize())
	}
	utils.RespondJSON(w, http.StatusOK, summaries)
}
