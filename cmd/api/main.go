package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/z-clinic/backend/internal/config"
	"github.com/zhouzirui/z-clinic/backend/internal/handler"
	"github.com/zhouzirui/z-clinic/backend/internal/model/clinicalcase"
	"github.com/zhouzirui/z-clinic/backend/internal/service/ai"
	"github.com/zhouzirui/z-clinic/backend/internal/service/metrics"
	"github.com/zhouzirui/z-clinic/backend/internal/service/simulation"
	"github.com/zhouzirui/z-clinic/backend/internal/store"
	"github.com/zhouzirui/z-clinic/backend/internal/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	closeLog, err := telemetry.InitLogger(cfg.Log)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer closeLog()

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.InitTelemetry(ctx, cfg.Telemetry, cfg.Log)
		if err != nil {
			log.Printf("warning: failed to initialize telemetry: %v", err)
		} else {
			defer shutdownTelemetry()
		}
	}

	catalog, err := loadCatalog(cfg.Simulation)
	if err != nil {
		log.Fatalf("failed to load cases: %v", err)
	}

	repo, err := store.NewSQLite(cfg.Storage.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer repo.Close()
	log.Printf("session store ready at %s", cfg.Storage.DBPath)

	deps := simulation.Deps{
		Repo:     repo,
		Cases:    catalog,
		Recorder: metrics.NewRecorder(repo),
	}

	// Initialize AI service
	if cfg.AI.Enabled() {
		aiService, err := ai.NewService(ctx, cfg.AI)
		if err != nil {
			log.Printf("warning: failed to initialize AI service: %v", err)
			log.Println("continuing without AI functionality - 请检查 Ark 模型相关环境变量")
		} else {
			deps.Responder = aiService
			deps.Evaluator = aiService
			log.Println("AI service initialized successfully")
		}
	} else {
		log.Println("Ark 凭证未配置，跳过 AI 功能初始化")
	}

	simService := simulation.NewService(deps, simulation.Config{
		Triggers:        cfg.Simulation.Triggers(),
		ProgressTimeout: cfg.Simulation.ProgressTimeout,
		FinalizeTimeout: cfg.AI.EvaluationTimeout + 30*time.Second,
	})
	defer simService.Wait()

	router := handler.NewRouter(catalog, simService, repo, cfg.Server.AllowedOrigins)

	startServer(ctx, cfg.Server, router)
}

func loadCatalog(cfg config.SimulationConfig) (*clinicalcase.MemoryStore, error) {
	if cfg.CasesFile == "" {
		return clinicalcase.NewMemoryStore(clinicalcase.Seed()), nil
	}

	items, err := clinicalcase.LoadFile(cfg.CasesFile)
	if err != nil {
		return nil, err
	}
	log.Printf("loaded %d cases from %s", len(items), cfg.CasesFile)
	return clinicalcase.NewMemoryStore(items), nil
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("Z Clinic simulator listening on %s", addr)
	if err := runServer(ctx, srv, serverCfg.ShutdownTimeout); err != nil {
		log.Printf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
