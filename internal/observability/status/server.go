// Package status serves the daemon's health and scheduler snapshot over HTTP, with
// optional pprof endpoints. It binds to loopback unless a token is configured.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"taskmanager/internal/runtime/supervisor"
	"taskmanager/internal/task/scheduler"
	logx "taskmanager/pkg/logx"
)

const DefaultAddr = "127.0.0.1:9477"

var ErrInsecureBind = errors.New("status server refused to start: non-loopback addr requires a token")

type Config struct {
	Addr  string
	Token string
	Pprof bool
}

type Server struct {
	cfg  Config
	log  logx.Logger
	snap func() scheduler.Snapshot

	mu  sync.Mutex
	ln  net.Listener
	srv *http.Server
	sup *supervisor.Supervisor
}

func New(cfg Config, snap func() scheduler.Snapshot, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	return &Server{cfg: cfg, log: log, snap: snap}
}

// Handler returns the routes, wrapped in token auth when a token is set.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(view(s.snap()))
	})
	if s.cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", hpprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	}
	return withAuth(s.cfg.Token, mux)
}

// Start binds the listener and serves until Stop or ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	addr := strings.TrimSpace(s.cfg.Addr)
	if strings.TrimSpace(s.cfg.Token) == "" && !isLoopbackAddr(addr) {
		return ErrInsecureBind
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.ln, s.srv = ln, srv
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log), supervisor.WithCancelOnError(false))
	s.sup.Go("status.serve", func(c context.Context) error {
		go func() {
			<-c.Done()
			cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = srv.Shutdown(cctx)
			cancel()
		}()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	s.log.Info("status server started", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", s.cfg.Pprof))
	return nil
}

// Addr is the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.ln, s.sup = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	_ = sup.Stop(ctx)
	return err
}

type timerView struct {
	Name     string    `json:"name"`
	Kind     string    `json:"kind"`
	Every    string    `json:"every"`
	State    string    `json:"state"`
	Next     time.Time `json:"next"`
	LastRun  time.Time `json:"last_run,omitzero"`
	LastErr  string    `json:"last_error,omitempty"`
	Runs     uint64    `json:"runs"`
	Fails    uint64    `json:"fails"`
	Skips    uint64    `json:"skips"`
	InFlight bool      `json:"in_flight"`
}

type runView struct {
	Task     string    `json:"task"`
	Started  time.Time `json:"started"`
	Duration string    `json:"duration"`
	Manual   bool      `json:"manual,omitempty"`
	Error    string    `json:"error,omitempty"`
}

type statusView struct {
	Running    bool        `json:"running"`
	Timers     []timerView `json:"timers"`
	History    []runView   `json:"history"`
	Goroutines struct {
		Active  int64  `json:"active"`
		Started uint64 `json:"started"`
		Panics  uint64 `json:"panics"`
	} `json:"goroutines"`
}

func view(s scheduler.Snapshot) statusView {
	v := statusView{Running: s.Running, Timers: []timerView{}, History: []runView{}}
	for _, t := range s.Timers {
		v.Timers = append(v.Timers, timerView{
			Name: t.Name, Kind: string(t.Kind), Every: t.Every.String(), State: string(t.State),
			Next: t.Next, LastRun: t.LastRun, LastErr: t.LastErr,
			Runs: t.Runs, Fails: t.Fails, Skips: t.Skips, InFlight: t.InFlight,
		})
	}
	for _, h := range s.History {
		v.History = append(v.History, runView{
			Task: h.Task, Started: h.Started, Duration: h.Duration.String(), Manual: h.Manual, Error: h.Error,
		})
	}
	v.Goroutines.Active = s.Goroutines.Active
	v.Goroutines.Started = s.Goroutines.Started
	v.Goroutines.Panics = s.Goroutines.Panics
	return v
}

func withAuth(token string, h http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			h.ServeHTTP(w, r)
			return
		}
		if got := r.URL.Query().Get("token"); got != "" && got == tok {
			h.ServeHTTP(w, r)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
