package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/skillforge/api/handlers"
	"github.com/BaSui01/skillforge/config"
	"github.com/BaSui01/skillforge/evolution"
	"github.com/BaSui01/skillforge/internal/metrics"
	"github.com/BaSui01/skillforge/llm"
	"github.com/BaSui01/skillforge/runtime"
)

// Server wires every component together and owns their lifecycles.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	httpServer *http.Server
	pipeline   *evolution.Pipeline
	store      evolution.RecordStore
	blocklist  *evolution.Blocklist

	cancel context.CancelFunc
	done   chan struct{}
}

// NewServer builds the full component graph from the configuration.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	sourceStore, err := runtime.NewSourceStore(cfg.Runtime.SkillsDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open skill source store: %w", err)
	}
	executor := runtime.NewExecutor(runtime.ExecutorConfig{CallTimeout: cfg.Runtime.CallTimeout}, logger)
	rt := runtime.NewRuntime(sourceStore, executor, logger)

	provider := llm.NewOpenAIProvider(cfg.LLM, logger)

	recordStore, err := evolution.NewRecordStore(cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open record store: %w", err)
	}

	blocklist, err := evolution.NewBlocklist(cfg.Blocklist, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open capability blocklist: %w", err)
	}

	fixtures, err := evolution.NewFixtureStore(cfg.Runtime.FixturesDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open fixture store: %w", err)
	}

	tracker := evolution.NewErrorTracker(cfg.Tracker, logger)
	observer := evolution.NewObservationManager(cfg.Observer, sourceStore, tracker, logger)

	generator := evolution.NewGenerator(provider, cfg.Generator, logger)
	auditor := evolution.NewAuditor(provider, cfg.Auditor, logger)

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(cfg.Metrics.Namespace, logger)
		generator.SetUsageRecorder(collector)
		auditor.SetUsageRecorder(collector)
	}

	pipeline := evolution.NewPipeline(cfg.Pipeline, evolution.PipelineDeps{
		Store:     recordStore,
		Tracker:   tracker,
		Generator: generator,
		Auditor:   auditor,
		Checker:   evolution.NewCompileChecker(executor, logger),
		Fixtures:  fixtures,
		Observer:  observer,
		Blocklist: blocklist,
		Sources:   sourceStore,
		Collector: collector,
	}, logger)
	rt.AddCallListener(pipeline)

	health := handlers.NewHealthHandler(Version, logger)
	health.RegisterCheck(handlers.HealthCheckFunc{
		CheckName: "record_store",
		Fn:        recordStore.Ping,
	})
	health.RegisterCheck(handlers.HealthCheckFunc{
		CheckName: "llm_provider",
		Fn: func(ctx context.Context) error {
			status, err := provider.HealthCheck(ctx)
			if err != nil {
				return err
			}
			if !status.Healthy {
				return fmt.Errorf("provider unhealthy, probe latency %v", status.Latency)
			}
			return nil
		},
	})

	mux := http.NewServeMux()
	handlers.RegisterRoutes(mux, handlers.Handlers{
		Evolutions: handlers.NewEvolutionHandler(pipeline, recordStore, logger),
		Skills:     handlers.NewSkillHandler(rt, pipeline, logger),
		Blocks:     handlers.NewBlockHandler(blocklist, logger),
		Health:     health,
	})
	if cfg.Metrics.Enabled {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return &Server{
		cfg:    cfg,
		logger: logger,
		httpServer: &http.Server{
			Addr:         cfg.Server.Addr,
			Handler:      mux,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
		pipeline:  pipeline,
		store:     recordStore,
		blocklist: blocklist,
		done:      make(chan struct{}),
	}, nil
}

// Start launches the HTTP listener and the pipeline loops.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go func() {
		if err := s.pipeline.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("pipeline loop exited", zap.Error(err))
		}
	}()

	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", s.cfg.Server.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", zap.Error(err))
		}
		close(s.done)
	}()

	return nil
}

// WaitForShutdown blocks until a termination signal, then shuts everything
// down gracefully.
func (s *Server) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	s.logger.Info("shutdown signal received", zap.String("signal", sig.String()))

	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP shutdown failed", zap.Error(err))
	}
	<-s.done

	if err := s.store.Close(); err != nil {
		s.logger.Error("record store close failed", zap.Error(err))
	}
	if err := s.blocklist.Close(); err != nil {
		s.logger.Error("blocklist close failed", zap.Error(err))
	}
}
