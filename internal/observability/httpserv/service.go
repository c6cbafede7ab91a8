// Package httpserv exposes the operational HTTP endpoints: a liveness
// probe and a JSON status snapshot.
package httpserv

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	rtsup "biliradar/internal/runtime/supervisor"
	logx "biliradar/pkg/logx"
)

// Config controls the optional status HTTP server.
//
// Prefer binding to localhost (the default); the endpoints carry no auth.
type Config struct {
	Enabled bool
	Addr    string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// SnapshotFunc produces the /status payload. It must be safe for
// concurrent use.
type SnapshotFunc func() any

type Service struct {
	log      logx.Logger
	snapshot SnapshotFunc

	mu  sync.Mutex
	cfg Config
	ln  net.Listener
	srv *http.Server
	sup *rtsup.Supervisor
}

func New(cfg Config, snapshot SnapshotFunc, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if snapshot == nil {
		snapshot = func() any { return struct{}{} }
	}
	return &Service{log: log, snapshot: snapshot, cfg: withDefaults(cfg)}
}

func withDefaults(cfg Config) Config {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:6060"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	return cfg
}

// Start brings the server up if enabled. Idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "httpserv"))),
		// Status is optional observability; never hard-kill the app.
		rtsup.WithCancelOnError(false),
	)
	// Restart loop so the status server self-heals after bind errors.
	s.sup.GoRestart("http.serve", 500*time.Millisecond, 10*time.Second, s.serveOnce)
}

// Stop shuts the server down, honoring ctx as the grace deadline.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	srv, ln, sup := s.srv, s.ln, s.sup
	s.srv, s.ln, s.sup = nil, nil, nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if srv != nil {
		_ = srv.Shutdown(ctx)
		_ = srv.Close()
	}
	if ln != nil {
		_ = ln.Close()
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
}

// Reconfigure applies cfg, starting, stopping or restarting as needed.
// Safe to call during hot reload.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	cfg = withDefaults(cfg)
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled && running:
		s.Stop(ctx)
	case cfg.Enabled && !running:
		s.Start(ctx)
	case cfg.Enabled && running && cfg.Addr != prev.Addr:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Addr reports the bound address ("" if not listening). Useful in tests
// with Addr "127.0.0.1:0".
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:      s.routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.mu.Unlock()

	s.log.Info("status server listening", logx.String("addr", ln.Addr().String()))

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	err = srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) || ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Service) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(s.snapshot()); err != nil {
			s.log.Error("encode status", logx.Err(err))
		}
	})
	return r
}
