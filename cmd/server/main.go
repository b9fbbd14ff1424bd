package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rpattn/datagov/internal/config"
	"github.com/rpattn/datagov/internal/db"
	"github.com/rpattn/datagov/internal/engine"
	"github.com/rpattn/datagov/internal/lifecycle"
	"github.com/rpattn/datagov/internal/middleware"
	"github.com/rpattn/datagov/internal/oracle"
	"github.com/rpattn/datagov/internal/repository"
	"github.com/rpattn/datagov/internal/sandbox"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := log.With().Str("service", "datagov").Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(".")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	conn, err := db.NewConnection(ctx, cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer conn.Close()

	if err := db.RunMigrations(cfg.Database, cfg.MigrationsPath); err != nil {
		logger.Fatal().Err(err).Msg("failed to run migrations")
	}

	planRepo := repository.NewPlanRepository(conn.Pool)
	iterationRepo := repository.NewIterationRepository(conn.Pool)
	approvalRepo := repository.NewApprovalRepository(conn.Pool)
	execLogRepo := repository.NewExecutionLogRepository(conn.Pool)
	datasetRepo := repository.NewDatasetRepository(conn.Pool)

	oracleClient := oracle.NewHTTPClient(cfg.Oracle.BaseURL, cfg.Oracle.APIKey,
		oracle.WithModel(cfg.Oracle.Model),
		oracle.WithRequestTimeout(cfg.Oracle.RequestTimeout),
	)
	synthesizer := oracle.NewSynthesizer(oracleClient)
	evaluator := oracle.NewEvaluator(oracleClient)

	executor := sandbox.NewExecutor(
		sandbox.WithTimeout(cfg.Sandbox.Timeout),
		sandbox.WithMaxSteps(cfg.Sandbox.MaxSteps),
	)

	eng := engine.NewEngine(planRepo, iterationRepo, datasetRepo, synthesizer, evaluator, executor,
		engine.WithSampleSize(cfg.Engine.SampleSize),
		engine.WithStepRetries(cfg.Engine.RetryAttempts, cfg.Engine.RetryBackoff),
		engine.WithSkipEvaluationTypes(cfg.Engine.SkipIterationTypes),
		engine.WithLogger(logger.With().Str("component", "engine").Logger()),
	)
	runner := engine.NewRunner(eng, planRepo,
		engine.WithRunTimeout(cfg.Engine.RunTimeout),
		engine.WithRunnerLogger(logger.With().Str("component", "runner").Logger()),
	)

	service := lifecycle.NewService(planRepo, iterationRepo, approvalRepo, execLogRepo, datasetRepo, runner, executor,
		lifecycle.WithInlineTypes(cfg.Engine.InlineTypes),
		lifecycle.WithLogger(logger.With().Str("component", "lifecycle").Logger()),
	)

	// Pick up plans left runnable by a previous process.
	if err := service.Resume(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to resume plans")
	}

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
	})
	logging := middleware.LoggingMiddleware(logger.With().Str("component", "http").Logger())

	mux := http.NewServeMux()
	mux.Handle("/plans", lifecycle.NewHTTPHandler(service))
	mux.Handle("/plans/", lifecycle.NewHTTPHandler(service))

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      corsHandler.Handler(logging(mux)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Server.Addr).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server forced to shutdown")
	}
	runner.Shutdown()

	logger.Info().Msg("server exited")
}
