package diag

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"flexpower/internal/runtime/supervisor"
	logx "flexpower/pkg/logx"
)

const DefaultAddr = "127.0.0.1:6061"

// Config controls the optional diagnostics HTTP server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

var ErrInsecureBind = errors.New("diag: non-loopback addr requires token or allow_insecure")

type Service struct {
	mu   sync.Mutex
	log  logx.Logger
	cfg  Config
	deps Deps

	addr    string
	srv     *http.Server
	sup     *supervisor.Supervisor
	started chan struct{}
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	return &Service{cfg: cfg, deps: deps, log: log.With(logx.String("comp", "diag"))}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr is the bound listen address, empty while the server is down.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Ready is closed once the current server is listening. It is nil if the
// service was never started.
func (s *Service) Ready() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Reconfigure applies cfg and starts, stops or restarts the server as needed.
// Safe to call during hot reload.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			return s.Stop(ctx)
		}
		return nil
	case !running:
		return s.Start(ctx)
	case prev != cfg:
		if err := s.Stop(ctx); err != nil {
			return err
		}
		return s.Start(ctx)
	}
	return nil
}

// Start is idempotent. A disabled config is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return nil
	}
	addr := bindAddr(s.cfg)
	if !s.cfg.AllowInsecure && s.cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Error("diagnostics refused to start", logx.String("addr", addr), logx.Err(ErrInsecureBind))
		return fmt.Errorf("%w: %s", ErrInsecureBind, addr)
	}
	if s.cfg.AllowInsecure && s.cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Warn("diagnostics running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	// Diagnostics are optional; their failures never cancel the process.
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log), supervisor.WithCancelOnError(false))
	s.started = make(chan struct{})
	cfg, ready := s.cfg, s.started
	s.sup.GoRestart("http.serve", func(c context.Context) error {
		return s.serveOnce(c, cfg, ready)
	}, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	srv := s.srv
	s.sup, s.srv, s.addr = nil, nil, ""
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	// Cancel first so serveOnce treats the shutdown as a stop, not a crash.
	sup.Cancel()
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
	err := sup.Wait(ctx)
	s.log.Info("diagnostics stopped")
	return err
}

func (s *Service) serveOnce(ctx context.Context, cfg Config, ready chan struct{}) error {
	ln, err := net.Listen("tcp", bindAddr(cfg))
	if err != nil {
		s.log.Error("diagnostics listen failed", logx.String("addr", bindAddr(cfg)), logx.Err(err))
		return err
	}
	srv := &http.Server{
		Handler:      s.handler(cfg),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	s.mu.Lock()
	s.srv = srv
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	select {
	case <-ready:
	default:
		close(ready)
	}

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("diagnostics started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", cfg.Token != ""),
		logx.Bool("pprof", cfg.Pprof),
	)
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("diagnostics server exited unexpectedly")
	}
	return err
}

func bindAddr(cfg Config) string {
	if a := strings.TrimSpace(cfg.Addr); a != "" {
		return a
	}
	return DefaultAddr
}

func withAuth(token string, h http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Either "Authorization: Bearer <token>" or "?token=<token>".
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h.ServeHTTP(w, r)
			return
		}
		unauthorized(w)
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// All interfaces.
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
