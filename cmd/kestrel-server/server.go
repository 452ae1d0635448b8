package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/psantana5/kestrel/pkg/api"
	"github.com/psantana5/kestrel/pkg/auth"
	"github.com/psantana5/kestrel/pkg/config"
	"github.com/psantana5/kestrel/pkg/coordinator"
	"github.com/psantana5/kestrel/pkg/jobkill"
	"github.com/psantana5/kestrel/pkg/logging"
	"github.com/psantana5/kestrel/pkg/metrics"
	"github.com/psantana5/kestrel/pkg/ratelimit"
	"github.com/psantana5/kestrel/pkg/resolver"
	"github.com/psantana5/kestrel/pkg/scheduler"
	"github.com/psantana5/kestrel/pkg/shutdown"
	"github.com/psantana5/kestrel/pkg/store"
	tlsutil "github.com/psantana5/kestrel/pkg/tls"
	"github.com/psantana5/kestrel/pkg/tracing"
)

// server is the wired kestrel server
type server struct {
	cfg     *config.Config
	logger  *logging.Logger
	store   store.Store
	counter scheduler.UsageCounter
	sched   *scheduler.Service
	metrics *metrics.Registry
	tracer  *tracing.Provider
	coord   *coordinator.Coordinator
	killer  *jobkill.Service
	limiter *ratelimit.Limiter
	handler http.Handler

	closeOnce sync.Once
	closeErr  error
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	level := logging.ParseLevel(cfg.Log.Level)
	if cfg.Log.File != "" {
		return logging.NewPathLogger(cfg.Log.File, level, cfg.JSONLogs())
	}
	return logging.NewLogger(level, cfg.JSONLogs()), nil
}

// newServer opens the store and counter and wires every service. Close
// releases what it opened.
func newServer(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*server, error) {
	s := &server{cfg: cfg, logger: logger}

	st, err := store.NewStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Type, err)
	}
	s.store = st

	if cfg.Catalog != "" {
		catalog, err := store.LoadCatalogFile(ctx, st, cfg.Catalog)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("load catalog: %w", err)
		}
		logger.Info("Catalog loaded", map[string]interface{}{
			"path":         cfg.Catalog,
			"clusters":     len(catalog.Clusters),
			"commands":     len(catalog.Commands),
			"applications": len(catalog.Applications),
		})
	}

	switch cfg.Scheduler.Counter {
	case "redis":
		counter, err := scheduler.NewRedisCounter(ctx, cfg.Scheduler.Redis)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("connect usage counter: %w", err)
		}
		s.counter = counter
	default:
		s.counter = scheduler.NewLocalCounter()
	}
	s.sched = scheduler.New(st, s.counter, cfg.Scheduler.Config)

	s.tracer, err = tracing.InitTracer(ctx, cfg.Tracing)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	s.metrics = metrics.NewRegistry()
	s.metrics.MustRegister(metrics.NewJobCollector(st, s.sched.GetUsedMemory))

	res := resolver.New(st, cfg.ResolverProperties(), cfg.Selector())
	s.coord = coordinator.New(st, res, s.sched, cfg.Coordinator,
		coordinator.WithRecorder(s.metrics),
		coordinator.WithTracer(s.tracer),
		coordinator.WithLogger(logger),
		coordinator.WithTokenManager(auth.NewTokenManager(cfg.Auth.TokenCost)),
	)
	s.killer = jobkill.New(st, s.sched, s.metrics, logger)

	routes := api.RouterConfig{
		Jobs:    s.coord,
		Killer:  s.killer,
		Health:  st.HealthCheck,
		Version: version,
		Metrics: s.metrics,
		Tracer:  s.tracer,
	}
	if cfg.RateLimit.Enabled {
		s.limiter = ratelimit.NewLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
		routes.Limiter = s.limiter
	}
	if len(cfg.Auth.APIKeys) > 0 {
		routes.APIKeys = auth.NewAPIKeyManager(cfg.Auth.APIKeys...)
	}
	s.handler = api.NewRouter(routes)
	return s, nil
}

// Close releases the store, the counter and the tracer. Later calls return
// the first result.
func (s *server) Close() error {
	s.closeOnce.Do(func() {
		keep := func(err error) {
			if err != nil && s.closeErr == nil {
				s.closeErr = err
			}
		}
		if s.tracer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			keep(s.tracer.Shutdown(ctx))
			cancel()
		}
		if s.counter != nil {
			keep(s.counter.Close())
		}
		if s.store != nil {
			keep(s.store.Close())
		}
	})
	return s.closeErr
}

// run serves until a signal arrives, then shuts down in reverse start order
func (s *server) run(ctx context.Context) error {
	recovered, err := s.sched.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover reservations: %w", err)
	}
	log.Printf("[Server] Recovered %d reservations", recovered)

	srv := &http.Server{
		Addr:         s.cfg.Server.Addr,
		Handler:      s.handler,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}
	if s.cfg.TLS.Enabled() {
		tlsConfig, err := tlsutil.LoadTLSConfig(s.cfg.TLS)
		if err != nil {
			return fmt.Errorf("load TLS config: %w", err)
		}
		srv.TLSConfig = tlsConfig
	} else {
		log.Println("[Server] WARNING: TLS disabled")
	}

	mgr := shutdown.New(s.cfg.Server.ShutdownTimeout)
	mgr.Register("resources", func(context.Context) error { return s.Close() })
	s.sched.Start(ctx)
	mgr.Register("scheduler", func(context.Context) error {
		s.sched.Stop()
		return nil
	})
	if s.limiter != nil {
		stopSweep := s.sweepLimiters(time.Minute, 10*time.Minute)
		mgr.Register("rate limiter", func(context.Context) error {
			stopSweep()
			return nil
		})
	}
	mgr.Register("http server", shutdown.StopHTTPServer(srv))

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("[Server] kestrel-server %s listening on %s", version, srv.Addr)
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			serveErr <- err
			mgr.Trigger()
		}
	}()

	if err := mgr.WaitWithContext(ctx); err != nil && err != context.Canceled {
		return err
	}
	select {
	case err := <-serveErr:
		return fmt.Errorf("serve: %w", err)
	default:
	}
	log.Println("[Server] Stopped")
	return nil
}

// sweepLimiters drops idle per-client limiters until stopped
func (s *server) sweepLimiters(every, maxAge time.Duration) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if n := s.limiter.CleanupOldLimiters(maxAge); n > 0 {
					log.Printf("[RateLimit] Removed %d idle client limiters", n)
				}
			}
		}
	}()
	return func() { close(done) }
}

// writeMetrics dumps the current metrics in the Prometheus text format
func (s *server) writeMetrics(w io.Writer) error {
	return s.metrics.WriteText(w)
}
