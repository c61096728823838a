package core

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"yipyap/internal/config"
	"yipyap/internal/scheduler"
	"yipyap/internal/workflow"
	"yipyap/pkg/logx"
)

// Trigger is the synchronous administrative invocation surface.
type Trigger interface {
	TriggerNow(ctx context.Context, accountID string, bypassGuard bool) (workflow.Summary, error)
}

// adminServer manages lifecycle for the administrative HTTP listener.
//
// Endpoints:
//
//	GET  /healthz                       liveness probe
//	POST /run?account=ID[&bypass_guard=1]  run one account now, returns the summary
type adminServer struct {
	mu      sync.Mutex
	log     logx.Logger
	trigger Trigger
	srv     *http.Server
	ln      net.Listener
	addr    string
	token   string
}

func newAdminServer(log logx.Logger, trigger Trigger) *adminServer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &adminServer{log: log.With(logx.String("comp", "admin")), trigger: trigger}
}

// Apply starts/stops the admin server according to cfg.
func (a *adminServer) Apply(ctx context.Context, cfg config.AdminConfig) {
	addr := cfg.Addr
	if addr == "" {
		addr = "127.0.0.1:8787"
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !cfg.Enabled {
		a.stopLocked(ctx)
		return
	}
	if a.srv != nil && a.addr == addr && a.token == cfg.Token {
		return
	}
	a.stopLocked(ctx)

	if cfg.Token == "" && !cfg.AllowInsecure && !loopbackAddr(addr) {
		a.log.Error("refusing to bind admin server without a token on a non-loopback address",
			logx.String("addr", addr))
		return
	}
	a.startLocked(addr, cfg.Token)
}

func (a *adminServer) startLocked(addr, token string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/run", a.handleRun)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		a.log.Warn("admin listen failed", logx.String("addr", addr), logx.Err(err))
		return
	}

	a.srv = srv
	a.ln = ln
	a.addr = ln.Addr().String()
	a.token = token

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("admin server error", logx.String("addr", a.addr), logx.Err(err))
		}
	}()
	a.log.Info("admin server enabled", logx.String("addr", a.addr))
}

func (a *adminServer) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !a.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	accountID := strings.TrimSpace(r.URL.Query().Get("account"))
	if accountID == "" {
		http.Error(w, "account query parameter is required", http.StatusBadRequest)
		return
	}
	bypass := r.URL.Query().Get("bypass_guard") == "1"

	summary, err := a.trigger.TriggerNow(r.Context(), accountID, bypass)
	w.Header().Set("Content-Type", "application/json")
	switch {
	case errors.Is(err, scheduler.ErrRunInFlight):
		w.WriteHeader(http.StatusConflict)
	case err != nil:
		w.WriteHeader(http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusOK)
	}

	resp := struct {
		Summary workflow.Summary `json:"summary"`
		Error   string           `json:"error,omitempty"`
	}{Summary: summary}
	if err != nil {
		resp.Error = err.Error()
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (a *adminServer) authorized(r *http.Request) bool {
	a.mu.Lock()
	token := a.token
	a.mu.Unlock()
	if token == "" {
		return true
	}
	got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}

// Addr returns the bound address, or "" when the server is stopped.
func (a *adminServer) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// Stop gracefully shuts down the admin server.
func (a *adminServer) Stop(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopLocked(ctx)
}

func (a *adminServer) stopLocked(ctx context.Context) {
	if a.srv == nil {
		return
	}
	srv := a.srv
	ln := a.ln
	addr := a.addr
	a.srv = nil
	a.ln = nil
	a.addr = ""

	shutdownCtx := ctx
	if shutdownCtx == nil {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.log.Warn("admin shutdown error", logx.String("addr", addr), logx.Err(err))
	}
	if ln != nil {
		_ = ln.Close()
	}
	a.log.Info("admin server disabled", logx.String("addr", addr))
}

func loopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
