package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/visionflow/visionflow/internal/api/middleware"
	"github.com/visionflow/visionflow/internal/bridge"
	"github.com/visionflow/visionflow/internal/handler"
	apihttp "github.com/visionflow/visionflow/internal/http"
	"github.com/visionflow/visionflow/internal/infrastructure/config"
	"github.com/visionflow/visionflow/internal/infrastructure/logging"
	"github.com/visionflow/visionflow/internal/infrastructure/monitoring"
	"github.com/visionflow/visionflow/internal/machines/pickplace"
	"github.com/visionflow/visionflow/internal/pipeline"
	"github.com/visionflow/visionflow/internal/ws"
)

// Server wraps the HTTP server and the pipeline runtime it fronts.
type Server struct {
	cfg        *config.Config
	log        *logging.Logger
	router     *gin.Engine
	httpServer *http.Server
	supervisor *pipeline.Supervisor
	bridge     *bridge.Bridge
}

// New assembles the full service: registries, supervisor, bridge, and
// the HTTP surface.
func New(cfg *config.Config, log *logging.Logger) (*Server, error) {
	return newWithRegisterer(cfg, log, prometheus.DefaultRegisterer)
}

func newWithRegisterer(cfg *config.Config, log *logging.Logger, reg prometheus.Registerer) (*Server, error) {
	if log == nil {
		log = logging.NewNop()
	}
	metrics := monitoring.NewMetrics(reg)

	handlers := handler.NewRegistry(log)
	if err := handler.RegisterBuiltins(handlers); err != nil {
		return nil, fmt.Errorf("register handlers: %w", err)
	}

	types := pipeline.NewTypeRegistry()
	if err := pickplace.Register(types, handlers); err != nil {
		return nil, fmt.Errorf("register pipeline types: %w", err)
	}

	sup := pipeline.NewSupervisor(types, config.NewProvider(), pipeline.SupervisorConfig{
		StartupTimeout: cfg.Pipeline.StartupTimeout,
		StopGrace:      cfg.Pipeline.StopGrace,
		Worker: pipeline.WorkerConfig{
			StepInterval:      cfg.Pipeline.StepInterval,
			HeartbeatInterval: cfg.Pipeline.Heartbeat,
		},
	}, log).WithMetrics(metrics)

	if err := registerDefinitions(sup, cfg.Pipeline.Definitions, log); err != nil {
		return nil, err
	}

	b := bridge.New(sup, bridge.Config{
		OutboxLimit: cfg.Bridge.OutboxLimit,
		CompressMin: cfg.Bridge.CompressMin,
	}, log).WithMetrics(metrics)

	router := newRouter(cfg, log, metrics, sup, b, handlers)

	return &Server{
		cfg:    cfg,
		log:    log,
		router: router,
		httpServer: &http.Server{
			Addr:    cfg.Server.Host + ":" + cfg.Server.Port,
			Handler: router,
		},
		supervisor: sup,
		bridge:     b,
	}, nil
}

// registerDefinitions loads the pipeline definition file. A missing
// file is not fatal; the service starts with an empty registry.
func registerDefinitions(sup *pipeline.Supervisor, path string, log *logging.Logger) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Warn("Pipeline definition file not found, starting empty",
			zap.String("path", path))
		return nil
	}
	descs, err := config.LoadDefinitions(path)
	if err != nil {
		return fmt.Errorf("load pipeline definitions: %w", err)
	}
	for _, desc := range descs {
		if err := sup.Register(desc); err != nil {
			return fmt.Errorf("register pipeline %q: %w", desc.Name, err)
		}
		log.Info("Pipeline registered",
			zap.String("pipeline", desc.Name),
			zap.String("type", desc.Type))
	}
	return nil
}

func newRouter(
	cfg *config.Config,
	log *logging.Logger,
	metrics *monitoring.Metrics,
	sup *pipeline.Supervisor,
	b *bridge.Bridge,
	handlers *handler.Registry,
) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	h := apihttp.NewHandlers(sup, b, handlers)
	wsHandler := ws.NewHandler(b, log)

	router.GET("/", h.Root)
	router.GET("/health", h.Health)
	router.GET("/stats", h.Stats)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/pipelines", h.ListPipelines)
	router.GET("/pipelines/:name", h.GetPipeline)
	router.POST("/pipelines/:name/start", h.StartPipeline)
	router.POST("/pipelines/:name/stop", h.StopPipeline)
	router.POST("/pipelines/:name/signals", h.SendSignal)
	router.PATCH("/pipelines/:name/config", h.UpdateConfig)
	router.GET("/pipelines/:name/topics/:topic", h.TopicSnapshot)
	router.GET("/pipelines/:name/subscribers", h.Subscribers)

	router.GET("/ws/pipeline/:name", wsHandler.HandlePipeline)
	router.GET("/ws/pipeline/:name/topic/:topic", wsHandler.HandleTopic)

	return router
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine { return s.router }

// Supervisor exposes the pipeline supervisor.
func (s *Server) Supervisor() *pipeline.Supervisor { return s.supervisor }

// Run serves HTTP until the context is cancelled, then drains
// connections and stops every pipeline.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	s.Close()
	return nil
}

// Close stops every pipeline and detaches all subscribers.
func (s *Server) Close() {
	s.bridge.Close()
	s.supervisor.StopAll()
}
