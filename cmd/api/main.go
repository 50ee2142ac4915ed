package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanwahyu/automaton-inspect/internal/application"
	"github.com/bryanwahyu/automaton-inspect/internal/application/handoff"
	appinspect "github.com/bryanwahyu/automaton-inspect/internal/application/inspection"
	"github.com/bryanwahyu/automaton-inspect/internal/config"
	"github.com/bryanwahyu/automaton-inspect/internal/domain/analysis"
	"github.com/bryanwahyu/automaton-inspect/internal/domain/inspection"
	"github.com/bryanwahyu/automaton-inspect/internal/infra/ai/engines"
	"github.com/bryanwahyu/automaton-inspect/internal/infra/ai/openai"
	mysqlp "github.com/bryanwahyu/automaton-inspect/internal/infra/db/mysql"
	pgp "github.com/bryanwahyu/automaton-inspect/internal/infra/db/postgres"
	"github.com/bryanwahyu/automaton-inspect/internal/infra/httpserver"
	minioStore "github.com/bryanwahyu/automaton-inspect/internal/infra/storage"
	"github.com/bryanwahyu/automaton-inspect/internal/middleware"
	"github.com/bryanwahyu/automaton-inspect/internal/observability"
)

func main() {
	// path config.yaml
	path := "config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		path = v
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	log := observability.InitLogger("inspect-api", cfg.Server.Env, cfg.Server.LogLevel)
	ctx := context.Background()

	shutdownTelemetry, err := observability.Setup(ctx, "inspect-api", cfg.Telemetry.ServiceVersion, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		log.Warn().Err(err).Msg("telemetry setup failed, continuing without export")
	} else {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTelemetry(ctx); err != nil {
				log.Error().Err(err).Msg("telemetry shutdown error")
			}
		}()
	}

	checkers := map[string]middleware.HealthChecker{}

	// persistence optional: tanpa driver, hasil cuma di memory
	var (
		repo     inspection.Repository
		analyses analysis.Repository
	)
	if db := connectDB(ctx, cfg, log); db != nil {
		defer db.Close()
		checkers["database"] = &middleware.DatabaseHealthChecker{DB: db}
		if cfg.Database.Driver == "postgres" {
			repo, analyses = pgp.NewInspectionRepository(db), pgp.NewAnalysisRepository(db)
		} else {
			repo, analyses = mysqlp.NewInspectionRepository(db), mysqlp.NewAnalysisRepository(db)
		}
	}

	var evidence inspection.EvidenceStore
	if cfg.Minio.Endpoint != "" {
		store, err := minioStore.New(ctx,
			cfg.Minio.Endpoint,
			cfg.Minio.Region,
			cfg.Minio.BucketName,
			cfg.Minio.AccessKey,
			cfg.Minio.SecretKey,
			cfg.Minio.UseSSL,
		)
		if err != nil {
			log.Fatal().Err(err).Msg("minio init error")
		}
		evidence = store
		checkers["evidence"] = store
	}

	// reasoning backend for the hand-off; without a key the fallback is used
	var reasoner analysis.Reasoner
	if cfg.OpenAI.APIKey != "" {
		reasoner = openai.NewClientWithBaseURL(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.ReasoningModel)
	} else {
		log.Warn().Msg("no OpenAI key: hand-off will always use the local fallback analysis")
	}

	factory := engines.NewFactory(cfg, log)
	svc := &appinspect.Service{
		Repo:     repo,
		Analyses: analyses,
		Evidence: evidence,
		Handoff:  handoff.NewAnalyzer(reasoner, cfg.OpenAI.HandoffTimeout, log),
		Engines:  factory.Build,
		Clock:    application.SystemClock{},
		Metrics:  middleware.InspectionMetrics{},
		Log:      log,
		Interval: cfg.Engine.CaptureInterval,
	}

	handler := httpserver.NewRouter(svc, httpserver.Options{
		APIKeys:       cfg.Server.APIKeys,
		RateLimit:     cfg.Server.RateLimit,
		FrameInterval: cfg.Engine.CaptureInterval,
		Checkers:      checkers,
		Log:           log,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.OpenAI.HandoffTimeout + 30*time.Second, // end/cancel waits for the hand-off
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Str("engine", cfg.Engine.Mode).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Info().Msg("shutting down server...")

	ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx2); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}

	// live sessions are cancelled; their evidence is still persisted
	ctx3, cancel3 := context.WithTimeout(context.Background(), cfg.OpenAI.HandoffTimeout+time.Minute)
	defer cancel3()
	svc.Shutdown(ctx3)
}

func connectDB(ctx context.Context, cfg *config.Config, log zerolog.Logger) *sql.DB {
	var (
		db     *sql.DB
		err    error
		schema func(context.Context, *sql.DB) error
	)
	switch cfg.Database.Driver {
	case "mysql":
		db, err = mysqlp.Connect(ctx, cfg.MySQLDSN())
		schema = mysqlp.EnsureSchema
	case "postgres":
		db, err = pgp.Connect(ctx, cfg.PostgresDSN())
		schema = pgp.EnsureSchema
	default:
		log.Warn().Msg("no database configured: sessions are kept in memory only")
		return nil
	}
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Database.Driver).Msg("database connect error")
	}
	if err := schema(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("database schema error")
	}
	return db
}
