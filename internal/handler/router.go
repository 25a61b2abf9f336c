package handler

import (
	"context"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/z-clinic/backend/internal/handler/cases"
	"github.com/zhouzirui/z-clinic/backend/internal/handler/performance"
	"github.com/zhouzirui/z-clinic/backend/internal/handler/session"
	middlewarePkg "github.com/zhouzirui/z-clinic/backend/internal/middleware"
	"github.com/zhouzirui/z-clinic/backend/internal/model/clinicalcase"
	"github.com/zhouzirui/z-clinic/backend/internal/service/simulation"
	"github.com/zhouzirui/z-clinic/backend/pkg/utils"
)

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewRouter wires HTTP routes to core services.
func NewRouter(catalog clinicalcase.Store, simSvc *simulation.Service, db Pinger, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(allowedOrigins))

	caseHandler := cases.New(catalog)
	sessionHandler := session.New(simSvc)
	performanceHandler := performance.New(simSvc)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			log.Printf("[health] database ping failed: %v", err)
			utils.RespondError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(api chi.Router) {
		caseHandler.RegisterRoutes(api)
		sessionHandler.RegisterRoutes(api)
		performanceHandler.RegisterRoutes(api)
	})

	return r
}
