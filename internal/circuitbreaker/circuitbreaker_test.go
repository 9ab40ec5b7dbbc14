package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(maxFailures int, recovery time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := New(Config{Name: "broker", MaxFailures: maxFailures, RecoveryTimeout: recovery}, zap.NewNop())
	cb.now = clock.now
	return cb, clock
}

func trip(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		cb.Allow()
		cb.RecordFailure()
	}
}

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)
	if cb.State() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.State())
	}
	for i := 0; i < 10; i++ {
		if !cb.Allow() {
			t.Fatalf("request %d should be allowed", i)
		}
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)

	trip(cb, 2)
	if cb.State() != StateClosed {
		t.Fatalf("expected closed below threshold, got %s", cb.State())
	}
	trip(cb, 1)
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}
	if cb.Allow() {
		t.Fatal("open breaker must reject")
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)

	trip(cb, 2)
	cb.Allow()
	cb.RecordSuccess()
	trip(cb, 2)

	if cb.State() != StateClosed {
		t.Fatalf("failures must be consecutive to open, got %s", cb.State())
	}
}

func TestCircuitBreaker_Recovery(t *testing.T) {
	tests := []struct {
		name      string
		probe     func(cb *CircuitBreaker)
		wantState State
	}{
		{"successful probe closes", func(cb *CircuitBreaker) { cb.RecordSuccess() }, StateClosed},
		{"failed probe reopens", func(cb *CircuitBreaker) { cb.RecordFailure() }, StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, clock := newTestBreaker(2, time.Minute)
			trip(cb, 2)

			clock.advance(59 * time.Second)
			if cb.Allow() {
				t.Fatal("must reject before the recovery timeout")
			}

			clock.advance(time.Second)
			if !cb.Allow() {
				t.Fatal("must allow a probe after the recovery timeout")
			}
			if cb.State() != StateHalfOpen {
				t.Fatalf("expected half-open, got %s", cb.State())
			}
			if cb.Allow() {
				t.Fatal("half-open breaker allows a single probe")
			}

			tt.probe(cb)
			if cb.State() != tt.wantState {
				t.Fatalf("expected %s, got %s", tt.wantState, cb.State())
			}
		})
	}
}

func TestCircuitBreaker_Execute(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Minute)
	ctx := context.Background()

	if err := cb.Execute(ctx, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("execute: %v", err)
	}

	downstream := errors.New("503 from downstream")
	if err := cb.Execute(ctx, func(context.Context) error { return downstream }); !errors.Is(err, downstream) {
		t.Fatalf("expected downstream error, got %v", err)
	}

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Fatal("fn must not run while open")
	}
}

func TestCircuitBreaker_CancellationIsNotAFailure(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = cb.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })

	if cb.State() != StateClosed {
		t.Fatalf("caller cancellation opened the breaker: %s", cb.State())
	}
}

func TestCircuitBreaker_ResetAndStats(t *testing.T) {
	cb, _ := newTestBreaker(2, time.Minute)
	trip(cb, 2)
	cb.Allow()

	s := cb.Stats()
	if s.State != "open" || s.Failed != 2 || s.Rejected != 1 || s.Requests != 3 {
		t.Fatalf("unexpected stats %+v", s)
	}

	cb.Reset()
	if cb.State() != StateClosed || cb.Stats().Failures != 0 {
		t.Fatalf("reset did not close: %s", cb)
	}
}

func TestNew_Defaults(t *testing.T) {
	cb := New(Config{Name: "sns"}, zap.NewNop())
	if cb.config.MaxFailures != 5 || cb.config.RecoveryTimeout != 30*time.Second || cb.config.HalfOpenMaxRequests != 1 {
		t.Fatalf("unexpected defaults %+v", cb.config)
	}
	if cb.Name() != "sns" {
		t.Fatalf("name = %q", cb.Name())
	}
}

func TestGroup(t *testing.T) {
	g := NewGroup(Config{MaxFailures: 1}, zap.NewNop())

	broker := g.Get("broker")
	if g.Get("broker") != broker {
		t.Fatal("expected the same breaker for the same name")
	}
	broker.Allow()
	broker.RecordFailure()

	if g.Get("pubsub").State() != StateClosed {
		t.Fatal("breakers must be independent")
	}

	stats := g.Stats()
	if len(stats) != 2 || stats[0].Name != "broker" || stats[0].State != "open" || stats[1].Name != "pubsub" {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
