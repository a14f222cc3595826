package server

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AnnotationBridge/internal/api/http"
	"github.com/GriffinCanCode/AnnotationBridge/internal/api/middleware"
	"github.com/GriffinCanCode/AnnotationBridge/internal/api/ws"
	"github.com/GriffinCanCode/AnnotationBridge/internal/backend"
	"github.com/GriffinCanCode/AnnotationBridge/internal/domain/access"
	"github.com/GriffinCanCode/AnnotationBridge/internal/domain/bridge"
	"github.com/GriffinCanCode/AnnotationBridge/internal/domain/events"
	"github.com/GriffinCanCode/AnnotationBridge/internal/domain/frame"
	"github.com/GriffinCanCode/AnnotationBridge/internal/domain/syncer"
	"github.com/GriffinCanCode/AnnotationBridge/internal/domain/ui"
	"github.com/GriffinCanCode/AnnotationBridge/internal/domain/workspace"
	"github.com/GriffinCanCode/AnnotationBridge/internal/infrastructure/config"
	"github.com/GriffinCanCode/AnnotationBridge/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AnnotationBridge/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AnnotationBridge/internal/infrastructure/tracing"
)

// Backend is the annotation backend collaborator
type Backend interface {
	syncer.Transport
	access.Refresher
}

// Server wraps the HTTP server and dependencies
type Server struct {
	config    *config.Config
	logger    *logging.Logger
	metrics   *monitoring.Metrics
	tracer    *tracing.Tracer
	registry  *prometheus.Registry
	bus       *events.Bus
	backend   Backend
	access    *access.Manager
	bridge    *bridge.Bridge
	sync      *syncer.Manager
	ui        *ui.Coordinator
	workspace *workspace.Workspace
	router    *gin.Engine

	httpServer *nethttp.Server
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config, logger *logging.Logger) (*Server, error) {
	if logger == nil {
		logger = logging.NewDefault()
	}

	logger.Info("Initializing annotation bridge",
		zap.String("port", cfg.Server.Port),
		zap.String("target_origin", cfg.Bridge.TargetOrigin),
		zap.Strings("allowed_origins", cfg.Security.AllowedOrigins),
		zap.String("sync_transport", cfg.Sync.Transport),
		zap.String("backend_mode", cfg.Backend.Mode),
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewMetrics(registry)

	tracer := tracing.New("annotation-bridge", logger.Logger)

	bus := events.NewBus(logger.Logger)

	be := newBackend(cfg, logger)

	accessMgr := access.NewManager(access.Options{
		DefaultTTL: cfg.Context.TTL,
		Refresher:  be,
		Bus:        bus,
		Logger:     logger,
		Metrics:    metrics,
	})

	channel, err := bridge.NewChannel(cfg.Bridge.EnableSigning, cfg.Bridge.SigningKey, cfg.Bridge.SigningAlgorithm, cfg.Bridge.MaxClockSkew)
	if err != nil {
		return nil, fmt.Errorf("failed to build bridge channel: %w", err)
	}
	if cfg.Security.RequireSignature && !channel.Signed() {
		return nil, fmt.Errorf("signature required but channel %s is unsigned", channel.Name())
	}
	br := bridge.New(bridge.Options{
		Timeout:          cfg.Bridge.Timeout,
		MaxRetries:       cfg.Bridge.MaxRetries,
		RetryBackoff:     cfg.Bridge.RetryBackoff,
		HandshakeTimeout: cfg.Bridge.HandshakeTimeout,
		Channel:          channel,
		Logger:           logger,
		Metrics:          metrics,
	})

	syncOpts, err := syncOptions(cfg, accessMgr, bus, logger, metrics)
	if err != nil {
		return nil, err
	}
	var transport syncer.Transport = syncer.NewBridgeTransport(br)
	if cfg.Sync.Transport == "backend" {
		transport = be
	}
	syncMgr := syncer.NewManager(transport, syncOpts)

	coord := ui.NewCoordinator(ui.Options{
		MaxWidth:  cfg.UI.MaxWidth,
		MaxHeight: cfg.UI.MaxHeight,
		Bus:       bus,
		Logger:    logger.Logger,
	})

	acceptor := ws.NewAcceptor(br, ws.Options{
		AllowedOrigins: cfg.Security.AllowedOrigins,
		InboundRate:    float64(cfg.Bridge.InboundRate),
		InboundBurst:   2 * cfg.Bridge.InboundRate,
	}, logger.Logger, metrics)

	work := workspace.New(workspace.Options{
		Loader: acceptor,
		Frame: frame.Options{
			Spec: frame.Spec{
				Src:     cfg.Frame.Src,
				Origin:  cfg.Bridge.TargetOrigin,
				Sandbox: cfg.Frame.Sandbox,
				Title:   "Annotation tool",
			},
			LoadTimeout:   cfg.Frame.LoadTimeout,
			RetryAttempts: cfg.Frame.RetryAttempts,
			RetryBackoff:  cfg.Frame.RetryBackoff,
			Bus:           bus,
			Logger:        logger.Logger,
			Metrics:       metrics,
		},
		Bridge: br,
		Access: accessMgr,
		Sync:   syncMgr,
		UI:     coord,
		Bus:    bus,
		Logger: logger,
	})

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(tracer))
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig(cfg.Security.AllowedOrigins)))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
			Metrics:           metrics,
		}))
	}

	handlers := http.NewHandlers(work, syncMgr, accessMgr, coord, logger.Logger)
	if token := cfg.ContextWriteToken(); token != "" {
		handlers.WithContextAuth(middleware.RequireBearer(middleware.BearerConfig{
			Token:   token,
			Metrics: metrics,
			Audit:   logger.AuditLogger(),
		}))
	} else {
		logger.Info("Context write routes disabled; no admin or backend token configured")
	}
	handlers.Register(router)
	router.GET("/frame/connect", acceptor.HandleConnect)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	logger.Info("Server initialized successfully")

	return &Server{
		config:    cfg,
		logger:    logger,
		metrics:   metrics,
		tracer:    tracer,
		registry:  registry,
		bus:       bus,
		backend:   be,
		access:    accessMgr,
		bridge:    br,
		sync:      syncMgr,
		ui:        coord,
		workspace: work,
		router:    router,
	}, nil
}

func newBackend(cfg *config.Config, logger *logging.Logger) Backend {
	if cfg.Backend.Mode == "memory" {
		logger.Warn("Using in-memory annotation backend")
		return backend.NewMemory()
	}
	return backend.NewClient(backend.ClientOptions{
		BaseURL:  cfg.Backend.URL,
		Token:    cfg.Backend.Token,
		Timeout:  cfg.Backend.Timeout,
		RetryMax: 3,
		Logger:   logger.Logger,
	})
}

func syncOptions(cfg *config.Config, authz syncer.Authorizer, bus *events.Bus, logger *logging.Logger, metrics *monitoring.Metrics) (syncer.Options, error) {
	opts := syncer.DefaultOptions()
	opts.Interval = cfg.Sync.Interval
	opts.BatchSize = cfg.Sync.BatchSize
	opts.MaxQueueSize = cfg.Sync.MaxQueueSize
	opts.BaseBackoff = cfg.Sync.BaseBackoff
	opts.MaxBackoff = cfg.Sync.MaxBackoff
	opts.MaxConflictRetries = cfg.Sync.MaxConflictRetries
	opts.OfflineThreshold = cfg.Sync.OfflineThreshold
	opts.ProbeInterval = cfg.Sync.ProbeInterval
	opts.ManualConflictTTL = cfg.Sync.ManualConflictTTL
	opts.Authorizer = authz
	opts.Bus = bus
	opts.Logger = logger
	opts.Metrics = metrics

	opts.Policies = make(map[string]syncer.Policy, len(cfg.Sync.ConflictPolicies))
	for opType, name := range cfg.Sync.ConflictPolicies {
		policy, err := syncer.PolicyByName(name)
		if err != nil {
			return opts, fmt.Errorf("conflict policy for %s: %w", opType, err)
		}
		opts.Policies[opType] = policy
	}
	return opts, nil
}

// Handler returns the root HTTP handler
func (s *Server) Handler() nethttp.Handler {
	return s.router
}

// Run restores queued work, starts background loops and serves until
// Shutdown is called
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if path := s.config.Sync.SnapshotPath; path != "" {
		n, err := s.sync.LoadSnapshotFile(path)
		if err != nil {
			s.logger.Warn("Failed to restore sync queue", zap.String("path", path), zap.Error(err))
		} else if n > 0 {
			s.logger.Info("Restored sync queue", zap.String("path", path), zap.Int("operations", n))
		}
	}
	if s.config.Sync.Transport == "bridge" {
		// flushes wait for the frame; the workspace resumes sync on open
		s.sync.Suspend()
	}
	s.sync.Start(ctx)

	if s.config.Frame.AutoOpen {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if _, err := s.workspace.Open(ctx); err != nil {
				s.logger.Warn("Auto-open of annotation frame failed", zap.Error(err))
			}
		}()
	}

	addr := s.config.Server.Host + ":" + s.config.Server.Port
	s.httpServer = &nethttp.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting HTTP server", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, closes the frame, and persists the
// sync queue
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server...")

	var errs []error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop HTTP server: %w", err))
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.workspace.Close()
	s.sync.Stop()

	if path := s.config.Sync.SnapshotPath; path != "" {
		n, err := s.sync.SaveSnapshotFile(path)
		if err != nil {
			s.logger.Error("Failed to persist sync queue", zap.String("path", path), zap.Error(err))
			errs = append(errs, err)
		} else {
			s.logger.Info("Persisted sync queue", zap.String("path", path), zap.Int("operations", n))
		}
	}

	s.tracer.Close()
	_ = s.logger.Sync()
	return errors.Join(errs...)
}
