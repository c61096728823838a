package core

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"yipyap/internal/config"
	"yipyap/internal/scheduler"
	"yipyap/internal/workflow"
	"yipyap/pkg/logx"
)

type fakeTrigger struct {
	mu      sync.Mutex
	calls   []string
	err     error
	summary workflow.Summary
}

func (f *fakeTrigger) TriggerNow(ctx context.Context, accountID string, bypassGuard bool) (workflow.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, accountID)
	return f.summary, f.err
}

func waitForHTTP(ctx context.Context, url string) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		reqCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, http.NoBody)
		if err != nil {
			cancel()
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		cancel()
		if err == nil && resp != nil {
			_ = resp.Body.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func post(t *testing.T, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, http.NoBody)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	return resp
}

func TestAdminServerApplyEnableDisable(t *testing.T) {
	trig := &fakeTrigger{summary: workflow.Summary{Success: true, Status: "completed"}}
	srv := newAdminServer(logx.Nop(), trig)
	t.Cleanup(func() { srv.Stop(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	srv.Apply(ctx, config.AdminConfig{Enabled: true, Addr: "127.0.0.1:0", Token: "s3cret"})
	addr := srv.Addr()
	if addr == "" {
		t.Fatal("expected admin server to expose address")
	}
	if err := waitForHTTP(ctx, "http://"+addr+"/healthz"); err != nil {
		t.Fatalf("healthz not reachable: %v", err)
	}

	// Missing token is rejected.
	resp := post(t, "http://"+addr+"/run?account=acct-1", "")
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	// Missing account is rejected.
	resp = post(t, "http://"+addr+"/run", "s3cret")
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}

	resp = post(t, "http://"+addr+"/run?account=acct-1", "s3cret")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Summary workflow.Summary `json:"summary"`
		Error   string           `json:"error,omitempty"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Summary.Success || body.Summary.Status != "completed" || body.Error != "" {
		t.Fatalf("body = %+v", body)
	}
	trig.mu.Lock()
	calls := len(trig.calls)
	trig.mu.Unlock()
	if calls != 1 {
		t.Fatalf("trigger calls = %d, want 1", calls)
	}

	// Disable and ensure the listener shuts down.
	srv.Apply(ctx, config.AdminConfig{Enabled: false})
	if addr := srv.Addr(); addr != "" {
		t.Fatalf("expected admin server to stop, still at %s", addr)
	}
}

func TestAdminServerRunConflict(t *testing.T) {
	trig := &fakeTrigger{err: scheduler.ErrRunInFlight}
	srv := newAdminServer(logx.Nop(), trig)
	t.Cleanup(func() { srv.Stop(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	srv.Apply(ctx, config.AdminConfig{Enabled: true, Addr: "127.0.0.1:0"})
	addr := srv.Addr()
	if addr == "" {
		t.Fatal("expected admin server to expose address")
	}
	if err := waitForHTTP(ctx, "http://"+addr+"/healthz"); err != nil {
		t.Fatalf("healthz not reachable: %v", err)
	}

	resp := post(t, "http://"+addr+"/run?account=acct-1", "")
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}
