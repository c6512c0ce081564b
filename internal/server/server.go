// Package server assembles tiercache from its configuration and runs the
// cache and admin listeners.
package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/tiercache/internal/admin"
	"github.com/wudi/tiercache/internal/cache"
	"github.com/wudi/tiercache/internal/cacheability"
	"github.com/wudi/tiercache/internal/config"
	"github.com/wudi/tiercache/internal/groups"
	"github.com/wudi/tiercache/internal/logging"
	"github.com/wudi/tiercache/internal/metrics"
	"github.com/wudi/tiercache/internal/middleware"
	"github.com/wudi/tiercache/internal/middleware/compression"
	"github.com/wudi/tiercache/internal/pagecache"
	"github.com/wudi/tiercache/internal/proxy"
	"github.com/wudi/tiercache/internal/purge"
	"github.com/wudi/tiercache/internal/tracing"
)

// Server owns every component built from one configuration.
type Server struct {
	config     *config.Config
	configPath string

	metrics  *metrics.Collector
	tracer   *tracing.Tracer
	groups   *groups.Registry
	purge    *purge.Service
	pages    *pagecache.Cache
	proxy    *proxy.Proxy
	backends map[string]*storeBackend

	authorizer admin.Authorizer

	httpServer  *http.Server
	adminServer *http.Server
	watcher     *config.Watcher

	stop     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New builds the stores, tiers, proxy routes and admin API for cfg.
// configPath is watched for group changes when non-empty.
func New(cfg *config.Config, configPath string) (*Server, error) {
	tracer, err := tracing.New(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	s := &Server{
		config:     cfg,
		configPath: configPath,
		metrics:    metrics.NewCollector(),
		tracer:     tracer,
		groups:     groups.NewRegistry(cfg.Groups...),
		backends:   make(map[string]*storeBackend, len(cfg.Stores)),
		stop:       make(chan struct{}),
	}
	s.authorizer, err = newAuthorizer(cfg.Admin)
	if err != nil {
		return nil, err
	}
	s.purge = purge.New(s.groups, s.metrics)

	if err := s.initStores(); err != nil {
		s.purge.Close()
		return nil, err
	}
	s.metrics.TrackEntries(func() map[string]int {
		out := make(map[string]int)
		for name, st := range s.purge.Stats() {
			out[name] = st.Size
		}
		return out
	})

	route, _ := s.purge.Store(cfg.Tiers.Route)
	component, _ := s.purge.Store(cfg.Tiers.Component)
	data, _ := s.purge.Store(cfg.Tiers.Data)
	s.pages = pagecache.New(pagecache.Options{
		Route:     route,
		Component: component,
		Data:      data,
		Observer:  s.metrics,
	})

	names := cacheability.HeaderNames{
		Tags:         cfg.Headers.Tags,
		SurrogateKey: cfg.Headers.SurrogateKey,
		NoStore:      cfg.Headers.NoStore,
	}
	s.proxy, err = proxy.New(cfg, proxy.Options{
		Cache:   s.pages,
		Store:   s.purge.Store,
		Headers: names,
		Tracer:  tracer,
		Metrics: s.metrics,
	})
	if err != nil {
		s.purge.Close()
		return nil, fmt.Errorf("failed to build routes: %w", err)
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Listen.Address,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.Listen.ReadTimeout,
		WriteTimeout: cfg.Listen.WriteTimeout,
		IdleTimeout:  cfg.Listen.IdleTimeout,
	}
	if cfg.Admin.Enabled {
		s.adminServer = &http.Server{
			Addr:         cfg.Admin.Address,
			Handler:      s.AdminHandler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}
	return s, nil
}

// newAuthorizer accepts admin API keys and, when configured, bearer tokens.
func newAuthorizer(cfg config.AdminConfig) (admin.Authorizer, error) {
	keys := admin.NewAPIKeyAuthorizer(cfg.KeyHeader, cfg.APIKeys...)
	if !cfg.JWT.Enabled() {
		return keys, nil
	}
	tokens, err := admin.NewJWTAuthorizer(admin.JWTConfig{
		Secret:    cfg.JWT.Secret,
		PublicKey: cfg.JWT.PublicKey,
		Issuer:    cfg.JWT.Issuer,
		Audience:  cfg.JWT.Audience,
		Scope:     cfg.JWT.Scope,
	})
	if err != nil {
		return nil, fmt.Errorf("admin: %w", err)
	}
	return admin.AnyOf(keys, tokens), nil
}

// initStores builds each store over its backend and warms persistent ones.
func (s *Server) initStores() error {
	for _, sc := range s.config.Stores {
		sb, err := buildBackend(sc.Name, sc.Backend, s.metrics)
		if err != nil {
			return fmt.Errorf("store %s: %w", sc.Name, err)
		}
		st, err := cache.New(sc.Name, sb, cache.Options{
			Capacity:    sc.Capacity,
			BackendName: sb.kind,
			Observer:    s.metrics,
		})
		if err != nil {
			sb.Close()
			return fmt.Errorf("store %s: %w", sc.Name, err)
		}
		s.purge.Register(st)
		s.backends[sc.Name] = sb

		if sc.Warm {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			n, err := st.Warm(ctx)
			cancel()
			if err != nil {
				logging.Warn("store warm-up failed", zap.String("store", sc.Name), zap.Error(err))
			} else {
				logging.Info("store warmed", zap.String("store", sc.Name), zap.Int("entries", n))
			}
		}
		logging.Info("store ready",
			zap.String("store", sc.Name),
			zap.String("backend", sb.kind),
			zap.Int("capacity", sc.Capacity),
		)
	}
	return nil
}

// Handler is the public cache listener's handler.
func (s *Server) Handler() http.Handler {
	return middleware.NewBuilder().
		Use(middleware.Recovery()).
		Use(middleware.RequestID()).
		Use(s.tracer.Middleware()).
		Use(middleware.Logging()).
		UseIf(s.config.Compression.Enabled, compression.New(s.config.Compression).Middleware()).
		Handler(s.proxy)
}

// AdminHandler serves the purge, stats, health and metrics endpoints.
func (s *Server) AdminHandler() http.Handler {
	checks := make(map[string]func(context.Context) error)
	for name, sb := range s.backends {
		if sb.redis != nil {
			checks["store:"+name] = sb.ping
		}
	}
	return admin.New(s.purge, admin.Config{
		Authorizer:   s.authorizer,
		PublicStats:  s.config.Admin.PublicStats,
		RateLimit:    s.config.Admin.RateLimit,
		Burst:        s.config.Admin.Burst,
		Metrics:      s.metrics.Handler(),
		MetricsPath:  s.config.Admin.MetricsPath,
		HealthChecks: checks,
		Snapshot:     s.snapshot,
	})
}

// snapshot is the running configuration: the startup config with the
// current groups, secrets redacted.
func (s *Server) snapshot() (any, error) {
	cfg := *s.config
	cfg.Groups = s.groups.Groups()
	return config.Redact(&cfg)
}

// Cache returns the tier cache, for hosts rendering components and data
// in process.
func (s *Server) Cache() *pagecache.Cache { return s.pages }

// Purge returns the purge service.
func (s *Server) Purge() *purge.Service { return s.purge }

// Start starts the listeners, backend upkeep and the config watcher.
func (s *Server) Start() error {
	errCh := make(chan error, 2)

	for name, sb := range s.backends {
		sc, _ := s.config.Store(name)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sb.maintain(name, sc.Backend, s.metrics, s.stop)
		}()
	}

	go func() {
		logging.Info("Starting cache listener", zap.String("address", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("cache listener error: %w", err)
		}
	}()

	if s.adminServer != nil {
		go func() {
			logging.Info("Starting admin server", zap.String("address", s.adminServer.Addr))
			if err := s.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("admin server error: %w", err)
			}
		}()
	}

	if s.configPath != "" {
		w, err := config.NewWatcher(s.configPath)
		if err != nil {
			logging.Warn("config watcher disabled", zap.Error(err))
		} else {
			w.OnChange(s.applyGroups)
			if err := w.Start(); err != nil {
				logging.Warn("config watcher disabled", zap.Error(err))
				w.Stop()
			} else {
				s.watcher = w
			}
		}
	}

	// Give listeners a moment to fail on bind errors
	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
	}
	return nil
}

// Run starts the server and blocks until SIGINT or SIGTERM, then shuts
// down. SIGHUP reloads cache groups from the config file.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(quit)
	for sig := range quit {
		switch sig {
		case syscall.SIGHUP:
			if err := s.Reload(); err != nil {
				logging.Error("Config reload failed", zap.Error(err))
			}
		default:
			logging.Info("Shutting down gracefully...")
			return s.Shutdown(s.config.Listen.ShutdownTimeout)
		}
	}
	return nil
}

// Reload re-reads the config file and applies its groups. Stores, routes
// and listeners need a restart to change.
func (s *Server) Reload() error {
	if s.configPath == "" {
		return fmt.Errorf("no config file to reload")
	}
	if s.watcher != nil {
		return s.watcher.Reload()
	}
	cfg, err := config.NewLoader().Load(s.configPath)
	if err != nil {
		return err
	}
	s.applyGroups(cfg)
	return nil
}

func (s *Server) applyGroups(cfg *config.Config) {
	s.groups.Replace(cfg.Groups)
	logging.Info("cache groups reloaded", zap.Int("groups", s.groups.Len()))
}

// Shutdown stops the listeners, lets background revalidations finish and
// closes every store.
func (s *Server) Shutdown(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if s.adminServer != nil {
		if err := s.adminServer.Shutdown(ctx); err != nil {
			logging.Error("Admin server shutdown error", zap.Error(err))
			errs = append(errs, err)
		}
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		logging.Error("Cache listener shutdown error", zap.Error(err))
		errs = append(errs, err)
	}
	if s.watcher != nil {
		s.watcher.Stop()
	}

	s.pages.Wait()
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	s.proxy.CloseIdleConnections()

	if err := s.purge.Close(); err != nil {
		logging.Error("Store close error", zap.Error(err))
		errs = append(errs, err)
	}
	if err := s.tracer.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return stderrors.Join(errs...)
}
