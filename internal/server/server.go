package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jackzampolin/tome/internal/api"
	"github.com/jackzampolin/tome/internal/config"
	"github.com/jackzampolin/tome/internal/dlq"
	"github.com/jackzampolin/tome/internal/events"
	"github.com/jackzampolin/tome/internal/home"
	"github.com/jackzampolin/tome/internal/jobs"
	"github.com/jackzampolin/tome/internal/metrics"
	"github.com/jackzampolin/tome/internal/pipeline"
	"github.com/jackzampolin/tome/internal/prompts"
	"github.com/jackzampolin/tome/internal/providers"
	"github.com/jackzampolin/tome/internal/server/endpoints"
	"github.com/jackzampolin/tome/internal/svcctx"
	"github.com/jackzampolin/tome/internal/typeset"
)

// shutdownTimeout bounds graceful shutdown: running jobs checkpoint and
// open streams drain within it.
const shutdownTimeout = 30 * time.Second

// Server is the main tome HTTP server.
// It owns the job runner and, when configured, the Gotenberg container,
// starting them with the server and stopping them on shutdown.
type Server struct {
	httpServer *http.Server
	docker     *typeset.DockerManager
	nats       *events.NATSBridge
	store      *dlq.Store
	registry   *providers.Registry
	configMgr  *config.Manager
	home       *home.Dir
	logger     *slog.Logger

	// services holds all core services for context enrichment
	services *svcctx.Services

	// endpoints registry for HTTP routes
	endpointRegistry *api.Registry

	mu      sync.RWMutex
	running bool
}

// Config holds server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1)
	Host string
	// Port is the port to listen on (default: 8080)
	Port string
	// Home is the state directory (default: ~/.tome)
	Home *home.Dir
	// ConfigManager provides configuration with hot-reload support
	ConfigManager *config.Manager
	// Registry overrides the provider registry built from configuration
	Registry *providers.Registry
	// Logger is the structured logger to use
	Logger *slog.Logger
}

// New creates a new Server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Home == nil {
		h, err := home.New("")
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		cfg.Home = h
	}

	registry := cfg.Registry
	if registry == nil {
		registry = providers.NewRegistry()
		registry.SetLogger(cfg.Logger)

		// If config manager provided, set up providers and hot reload
		if cfg.ConfigManager != nil {
			registry.Reload(cfg.ConfigManager.Get().ToProviderRegistryConfig())

			cfg.ConfigManager.OnChange(func(c *config.Config) {
				registry.Reload(c.ToProviderRegistryConfig())
				cfg.Logger.Info("provider registry reloaded from config")
			})
		}
	}

	s := &Server{
		registry:  registry,
		configMgr: cfg.ConfigManager,
		home:      cfg.Home,
		logger:    cfg.Logger,
	}

	// Create endpoint registry and register all endpoints
	s.endpointRegistry = api.NewRegistry()
	for _, ep := range endpoints.All() {
		s.endpointRegistry.Register(ep)
	}

	mux := http.NewServeMux()
	s.endpointRegistry.RegisterRoutes(mux, s.requireInit)

	// No write timeout: progress streams and downloads stay open for as
	// long as they need.
	s.httpServer = &http.Server{
		Addr:        net.JoinHostPort(cfg.Host, cfg.Port),
		Handler:     s.withServices(mux),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	return s, nil
}

// Start initializes the job registry, dead letter store, typesetter and
// pipeline, then serves HTTP. It blocks until the context is cancelled or
// an error occurs.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.mu.Unlock()

	if err := s.init(ctx); err != nil {
		s.release()
		s.setNotRunning()
		return err
	}

	// Bind before serving so a port conflict fails Start directly.
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		s.stopServices()
		s.release()
		s.setNotRunning()
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for context cancellation or error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			_ = s.shutdown()
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}

	return s.shutdown()
}

// init builds the services requests are served with.
func (s *Server) init(ctx context.Context) error {
	cfg := config.DefaultConfig()
	if s.configMgr != nil {
		cfg = s.configMgr.Get()
	}

	s.home.SetOverrides(home.Overrides{
		DLQPath:  cfg.Storage.DLQPath,
		JobsPath: cfg.Storage.JobsPath,
		RunsDir:  cfg.Storage.RunsDir,
	})
	if err := s.home.EnsureExists(); err != nil {
		return err
	}

	rec := metrics.NewRecorder()

	registry := jobs.NewRegistry(s.home.JobsPath(), s.logger)
	if err := registry.Load(); err != nil {
		return fmt.Errorf("failed to load jobs: %w", err)
	}

	broker := events.NewBroker(cfg.Events.QueueSize, rec, s.logger)
	var publisher events.Publisher = broker
	if cfg.Events.NATSURL != "" {
		bridge, err := events.ConnectNATS(cfg.Events.NATSURL, cfg.Events.NATSSubjectPrefix, broker, s.logger)
		if err != nil {
			// Local subscribers still get every event.
			s.logger.Warn("NATS bridge disabled", "url", cfg.Events.NATSURL, "error", err)
		} else {
			s.nats = bridge
			publisher = bridge
			s.logger.Info("mirroring progress events to NATS", "url", cfg.Events.NATSURL)
		}
	}

	store, err := dlq.Open(s.home.DLQPath(), s.logger)
	if err != nil {
		return fmt.Errorf("failed to open dead letter store: %w", err)
	}
	s.store = store

	if err := s.startDocker(ctx, cfg); err != nil {
		return err
	}
	ts, err := typeset.New(typeset.Config{
		Engine:       cfg.Typesetting.Engine,
		GotenbergURL: cfg.Typesetting.GotenbergURL,
		Docker:       s.docker,
		Logger:       s.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create typesetter: %w", err)
	}

	resolver := prompts.NewDefaultResolver(s.home.PromptsPath(), s.logger)

	p, err := pipeline.New(pipeline.Deps{
		Config:      cfg,
		Clients:     s.registry,
		Jobs:        registry,
		Events:      publisher,
		DeadLetters: store,
		Metrics:     rec,
		Prompts:     resolver,
		Typesetter:  ts,
		Logger:      s.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	if s.configMgr != nil {
		s.configMgr.OnChange(func(c *config.Config) {
			p.SetConfig(c)
			s.logger.Info("pipeline settings reloaded from config")
		})
	}

	runner := pipeline.NewRunner(pipeline.RunnerConfig{
		Pipeline: p,
		Jobs:     registry,
		RunDir:   s.home.RunDir,
		Metrics:  rec,
		Logger:   s.logger,
	})

	s.mu.Lock()
	s.services = &svcctx.Services{
		Config:     s.configMgr,
		Registry:   s.registry,
		Jobs:       registry,
		Broker:     broker,
		DLQ:        store,
		Pipeline:   p,
		Runner:     runner,
		Metrics:    rec,
		Prompts:    resolver,
		Typesetter: ts,
		Logger:     s.logger,
		Home:       s.home,
	}
	s.mu.Unlock()
	s.logger.Info("services initialized",
		"home", s.home.Path(),
		"jobs", len(registry.List()),
		"llm_providers", s.registry.ListLLM(),
		"typesetter", ts.Name())
	return nil
}

// startDocker starts the managed Gotenberg container when the gotenberg
// engine has no explicit URL and management is enabled.
func (s *Server) startDocker(ctx context.Context, cfg *config.Config) error {
	t := cfg.Typesetting
	if t.Engine != typeset.EngineGotenberg || t.GotenbergURL != "" || !t.Docker.Manage {
		return nil
	}

	name := t.Docker.ContainerName
	if name == "" {
		name = typeset.GenerateContainerName(s.home.Path())
	}
	dm, err := typeset.NewDockerManager(typeset.DockerConfig{
		ContainerName: name,
		Image:         t.Docker.Image,
		HostPort:      t.Docker.HostPort,
		Logger:        s.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create docker manager: %w", err)
	}
	s.docker = dm

	if err := dm.ValidateExisting(ctx); err != nil {
		return fmt.Errorf("existing Gotenberg container incompatible: %w", err)
	}
	s.logger.Info("starting Gotenberg", "container", name)
	if err := dm.Start(ctx); err != nil {
		return fmt.Errorf("failed to start Gotenberg: %w", err)
	}
	s.logger.Info("Gotenberg is ready", "url", dm.URL())
	return nil
}

// shutdown stops the runner, then the HTTP server, then the container.
func (s *Server) shutdown() error {
	s.logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Cancelled jobs publish their terminal event, which ends their
	// progress streams before the HTTP server drains.
	s.stopServices()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
		_ = s.httpServer.Close()
	}

	s.release()
	s.setNotRunning()
	s.logger.Info("server stopped")
	return nil
}

// stopServices cancels running jobs and waits for them to checkpoint.
func (s *Server) stopServices() {
	svc := s.Services()
	if svc == nil || svc.Runner == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := svc.Runner.Shutdown(ctx); err != nil {
		s.logger.Error("job runner shutdown error", "error", err)
	}
	if err := svc.Jobs.Save(); err != nil {
		s.logger.Error("failed to save jobs", "error", err)
	}
}

// release closes the stores and connections init opened.
func (s *Server) release() {
	if s.nats != nil {
		s.nats.Close()
		s.nats = nil
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("dead letter store close error", "error", err)
		}
		s.store = nil
	}
	if s.docker != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.logger.Info("stopping Gotenberg")
		if err := s.docker.Stop(ctx); err != nil {
			s.logger.Error("Gotenberg stop error", "error", err)
		}
		if err := s.docker.Close(); err != nil {
			s.logger.Error("docker client close error", "error", err)
		}
		s.docker = nil
	}
	s.mu.Lock()
	s.services = nil
	s.mu.Unlock()
}

func (s *Server) setNotRunning() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Services returns the initialized services, or nil before Start.
func (s *Server) Services() *svcctx.Services {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.services
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Registry returns the provider registry.
func (s *Server) Registry() *providers.Registry {
	return s.registry
}

// Handler returns the root handler, for serving through httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// withServices wraps a handler to enrich the request context with services.
func (s *Server) withServices(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc := s.Services(); svc != nil {
			ctx = svcctx.WithServices(ctx, svc)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireInit is middleware that ensures the server is fully initialized.
// Returns 503 Service Unavailable if the job runner isn't ready.
func (s *Server) requireInit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc := s.Services(); svc == nil || svc.Runner == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"server not fully initialized"}`))
			return
		}
		next(w, r)
	}
}
