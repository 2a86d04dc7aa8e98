package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rosetsky/nlq/internal/backend"
)

// stubBackend fails or succeeds on demand.
type stubBackend struct {
	id    string
	text  string
	err   error
	delay time.Duration
	calls int
	mu    sync.Mutex
}

func (s *stubBackend) ID() string                       { return s.id }
func (s *stubBackend) IsRunning(_ context.Context) bool { return true }

func (s *stubBackend) Complete(ctx context.Context, _ backend.CompleteRequest) (string, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", &backend.Error{Backend: s.id, Kind: backend.KindCancelled, Err: ctx.Err()}
		}
	}
	if s.err != nil {
		return "", s.err
	}
	return s.text, nil
}

func authError(id string) error {
	return &backend.Error{Backend: id, Kind: backend.KindUnauthorized, Message: "bad key"}
}

func newTestOrchestrator(order []string, backends ...backend.Backend) *Orchestrator {
	return New(backends, order, NewUsageTracker(), 2*time.Second)
}

func TestGenerate_UnauthorizedFallsThroughToNext(t *testing.T) {
	a := &stubBackend{id: "A", err: authError("A")}
	b := &stubBackend{id: "B", text: "SELECT 1"}
	o := newTestOrchestrator([]string{"A", "B"}, a, b)

	res, err := o.Generate(context.Background(), "", "q", nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.BackendUsed != "B" {
		t.Errorf("backend used = %s, want B", res.BackendUsed)
	}
	if a.calls != 1 {
		t.Errorf("A called %d times, want 1 (no same-backend retry)", a.calls)
	}

	if got := o.Usage().Get("A"); got.Failures != 1 || got.Calls != 1 {
		t.Errorf("UsageStats[A] = %+v, want 1 call, 1 failure", got)
	}
	if got := o.Usage().Get("B"); got.Successes != 1 || got.Calls != 1 {
		t.Errorf("UsageStats[B] = %+v, want 1 call, 1 success", got)
	}
}

func TestGenerate_TransientFailureAdvancesWithoutRetry(t *testing.T) {
	a := &stubBackend{id: "A", err: &backend.Error{Backend: "A", Kind: backend.KindRateLimited}}
	b := &stubBackend{id: "B", text: "SELECT 2"}
	o := newTestOrchestrator([]string{"A", "B"}, a, b)

	res, err := o.Generate(context.Background(), "", "q", nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.BackendUsed != "B" {
		t.Errorf("backend used = %s, want B", res.BackendUsed)
	}
	if a.calls != 1 {
		t.Errorf("A called %d times, want exactly 1", a.calls)
	}
}

func TestGenerate_AllBackendsFailNamesLast(t *testing.T) {
	a := &stubBackend{id: "A", err: authError("A")}
	b := &stubBackend{id: "B", err: &backend.Error{Backend: "B", Kind: backend.KindUnavailable, Message: "down"}}
	o := newTestOrchestrator([]string{"A", "B"}, a, b)

	_, err := o.Generate(context.Background(), "", "q", nil)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("error type = %T, want *ExhaustedError", err)
	}
	if ex.LastBackend != "B" || ex.LastKind != backend.KindUnavailable {
		t.Errorf("last = %s/%s, want B/unavailable", ex.LastBackend, ex.LastKind)
	}
	if len(ex.Attempts) != 2 {
		t.Errorf("attempts = %d, want 2", len(ex.Attempts))
	}
}

func TestGenerate_EmptyCompletionIsFailureNeverFabricated(t *testing.T) {
	a := &stubBackend{id: "A", text: "   \n"}
	o := newTestOrchestrator([]string{"A"}, a)

	_, err := o.Generate(context.Background(), "", "q", nil)
	if err == nil {
		t.Fatal("blank completion must surface as error")
	}
	if got := o.Usage().Get("A"); got.Failures != 1 {
		t.Errorf("UsageStats[A] = %+v, want failure recorded", got)
	}
}

func TestGenerate_ExplicitOrderOverridesDefault(t *testing.T) {
	a := &stubBackend{id: "A", text: "FROM A"}
	b := &stubBackend{id: "B", text: "FROM B"}
	o := newTestOrchestrator([]string{"A", "B"}, a, b)

	res, err := o.Generate(context.Background(), "", "q", []string{"B"})
	if err != nil {
		t.Fatal(err)
	}
	if res.BackendUsed != "B" {
		t.Errorf("backend used = %s, want B", res.BackendUsed)
	}
	if a.calls != 0 {
		t.Errorf("A called %d times, want 0", a.calls)
	}
}

func TestGenerate_CancellationCountsAsFailure(t *testing.T) {
	a := &stubBackend{id: "A", delay: time.Second, text: "SELECT 1"}
	o := newTestOrchestrator([]string{"A"}, a)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := o.Generate(ctx, "", "q", nil)
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("error type = %T, want *ExhaustedError", err)
	}
	if ex.LastKind != backend.KindCancelled {
		t.Errorf("kind = %s, want cancelled", ex.LastKind)
	}
	if got := o.Usage().Get("A"); got.Failures != 1 {
		t.Errorf("in-flight cancelled attempt not counted: %+v", got)
	}
}

func TestGenerate_PerAttemptTimeoutAdvances(t *testing.T) {
	slow := &stubBackend{id: "slow", delay: time.Second, text: "never"}
	fast := &stubBackend{id: "fast", text: "SELECT 3"}
	o := New([]backend.Backend{slow, fast}, []string{"slow", "fast"}, NewUsageTracker(), 30*time.Millisecond)

	res, err := o.Generate(context.Background(), "", "q", nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.BackendUsed != "fast" {
		t.Errorf("backend used = %s, want fast", res.BackendUsed)
	}
}

func TestGenerate_UnknownBackendInOrderSkipped(t *testing.T) {
	b := &stubBackend{id: "B", text: "SELECT 4"}
	o := newTestOrchestrator([]string{"ghost", "B"}, b)

	res, err := o.Generate(context.Background(), "", "q", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.BackendUsed != "B" {
		t.Errorf("backend used = %s, want B", res.BackendUsed)
	}
}

func TestUsageTracker_ConcurrentRecord(t *testing.T) {
	tr := NewUsageTracker()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			tr.Record("X", n%2 == 0, time.Millisecond)
		}(i)
	}
	wg.Wait()

	got := tr.Get("X")
	if got.Calls != 50 {
		t.Errorf("calls = %d, want 50", got.Calls)
	}
	if got.Successes != 25 || got.Failures != 25 {
		t.Errorf("successes/failures = %d/%d, want 25/25", got.Successes, got.Failures)
	}
	if got.TotalElapsed != 50*time.Millisecond {
		t.Errorf("total elapsed = %v, want 50ms", got.TotalElapsed)
	}
}

func TestUsageTracker_Reset(t *testing.T) {
	tr := NewUsageTracker()
	tr.Record("X", true, time.Millisecond)
	tr.Reset()
	if got := tr.Get("X"); got.Calls != 0 {
		t.Errorf("calls after reset = %d, want 0", got.Calls)
	}
}

func TestCleanQueryText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare", "SELECT 1", "SELECT 1"},
		{"trailing_semicolon", "SELECT 1;", "SELECT 1"},
		{"fenced", "```sql\nSELECT a FROM t\n```", "SELECT a FROM t"},
		{"fence_no_tag", "```\nSELECT a FROM t\n```", "SELECT a FROM t"},
		{"prose_then_fence", "Here is the query:\n```sql\nSELECT 1\n```", "SELECT 1"},
		{"blank", "   \n ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CleanQueryText(tt.in); got != tt.want {
				t.Errorf("CleanQueryText(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
