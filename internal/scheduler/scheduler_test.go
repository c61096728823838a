package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"yipyap/internal/storage"
	"yipyap/internal/workflow"
	"yipyap/pkg/logx"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   []string
	block   chan struct{}
	summary workflow.Summary
}

func (f *fakeRunner) Run(_ context.Context, accountID string, _ workflow.RunOptions) (workflow.Summary, error) {
	f.mu.Lock()
	f.calls = append(f.calls, accountID)
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	return f.summary, nil
}

func TestDueWindow(t *testing.T) {
	t.Parallel()
	svc := New(Config{Tolerance: 15 * time.Minute}, nil, &fakeRunner{}, logx.Nop())

	tests := []struct {
		name string
		acc  storage.Account
		now  time.Time
		want bool
	}{
		{
			name: "exact match",
			acc:  storage.Account{Timezone: "UTC", DigestTime: "09:00"},
			now:  time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC),
			want: true,
		},
		{
			name: "inside tolerance",
			acc:  storage.Account{Timezone: "UTC", DigestTime: "09:00"},
			now:  time.Date(2025, 6, 2, 9, 14, 0, 0, time.UTC),
			want: true,
		},
		{
			name: "outside tolerance",
			acc:  storage.Account{Timezone: "UTC", DigestTime: "09:00"},
			now:  time.Date(2025, 6, 2, 9, 16, 0, 0, time.UTC),
			want: false,
		},
		{
			name: "timezone resolved",
			acc:  storage.Account{Timezone: "Asia/Tokyo", DigestTime: "09:00"},
			now:  time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC), // 09:00 JST
			want: true,
		},
		{
			name: "midnight wrap",
			acc:  storage.Account{Timezone: "UTC", DigestTime: "00:05"},
			now:  time.Date(2025, 6, 2, 23, 55, 0, 0, time.UTC),
			want: true,
		},
		{
			name: "bad digest time never due",
			acc:  storage.Account{Timezone: "UTC", DigestTime: "whenever"},
			now:  time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC),
			want: false,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, _ := svc.due(tt.acc, tt.now)
			if got != tt.want {
				t.Fatalf("due = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDueKeysOnOccurrenceAcrossMidnight(t *testing.T) {
	t.Parallel()
	svc := New(Config{Tolerance: 15 * time.Minute}, nil, &fakeRunner{}, logx.Nop())
	acc := storage.Account{Timezone: "UTC", DigestTime: "00:00"}

	// Both ticks straddle the same midnight occurrence; they must share a
	// dedup key or the digest would run twice ten minutes apart.
	due1, key1 := svc.due(acc, time.Date(2025, 6, 2, 23, 55, 0, 0, time.UTC))
	due2, key2 := svc.due(acc, time.Date(2025, 6, 3, 0, 5, 0, 0, time.UTC))
	if !due1 || !due2 {
		t.Fatalf("due = %v, %v, want both true", due1, due2)
	}
	if key1 != key2 || key1 != "2025-06-03" {
		t.Fatalf("keys = %q, %q, want both 2025-06-03", key1, key2)
	}

	if !svc.claim("acc-1", key1) {
		t.Fatal("first claim refused")
	}
	svc.end("acc-1")
	if svc.claim("acc-1", key2) {
		t.Fatal("second tick claimed the same occurrence")
	}
}

func TestClaimDedupsSameLocalDay(t *testing.T) {
	t.Parallel()
	svc := New(Config{}, nil, &fakeRunner{}, logx.Nop())

	if !svc.claim("acc-1", "2025-06-02") {
		t.Fatal("first claim refused")
	}
	svc.end("acc-1")
	if svc.claim("acc-1", "2025-06-02") {
		t.Fatal("second claim on the same day accepted")
	}
	if !svc.claim("acc-1", "2025-06-03") {
		t.Fatal("next-day claim refused")
	}
}

func TestClaimRefusesWhileInFlight(t *testing.T) {
	t.Parallel()
	svc := New(Config{}, nil, &fakeRunner{}, logx.Nop())

	if !svc.claim("acc-1", "2025-06-02") {
		t.Fatal("first claim refused")
	}
	if svc.claim("acc-1", "2025-06-03") {
		t.Fatal("claim accepted while a run is in flight")
	}
}

func TestTriggerNowOverlapGuard(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{block: make(chan struct{})}
	svc := New(Config{}, nil, runner, logx.Nop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := svc.TriggerNow(context.Background(), "acc-1", false); err != nil {
			t.Errorf("TriggerNow: %v", err)
		}
	}()

	// Wait for the first run to be in flight.
	for {
		runner.mu.Lock()
		n := len(runner.calls)
		runner.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := svc.TriggerNow(context.Background(), "acc-1", false); err != ErrRunInFlight {
		t.Fatalf("err = %v, want ErrRunInFlight", err)
	}

	close(runner.block)
	<-done

	// After the first run finishes a manual trigger works again.
	runner.mu.Lock()
	runner.block = nil
	runner.mu.Unlock()
	if _, err := svc.TriggerNow(context.Background(), "acc-1", false); err != nil {
		t.Fatalf("TriggerNow after completion: %v", err)
	}
}

func TestParseClock(t *testing.T) {
	t.Parallel()
	if m, err := parseClock("23:15"); err != nil || m != 23*60+15 {
		t.Fatalf("parseClock = %d, %v", m, err)
	}
	for _, bad := range []string{"24:00", "12:60", "noon", ""} {
		if _, err := parseClock(bad); err == nil {
			t.Fatalf("parseClock(%q) accepted", bad)
		}
	}
}
