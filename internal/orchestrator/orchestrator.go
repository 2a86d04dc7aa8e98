// Package orchestrator drives generation backends in a policy-defined
// order with ordered fallback, health-aware error classification, and
// usage accounting. Attempts are strictly sequential: the next backend
// in the order is the retry strategy, never the same backend again.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rosetsky/nlq/internal/backend"
)

const defaultAttemptTimeout = 60 * time.Second

// AttemptState tracks one backend attempt through its lifecycle.
type AttemptState string

const (
	StatePending   AttemptState = "pending"
	StateInFlight  AttemptState = "in_flight"
	StateSucceeded AttemptState = "succeeded"
	StateFailed    AttemptState = "failed"
)

// Attempt records a single backend call for diagnostics.
type Attempt struct {
	BackendID string
	StartedAt time.Time
	Elapsed   time.Duration
	State     AttemptState
	ErrorKind backend.Kind
}

// Result is a successful generation.
type Result struct {
	QueryText   string
	BackendUsed string
	Elapsed     time.Duration
	Attempts    []Attempt
}

// ExhaustedError reports that every backend in the order failed. It names
// the last backend's failure; earlier attempts are in Attempts.
type ExhaustedError struct {
	LastBackend string
	LastKind    backend.Kind
	Err         error
	Attempts    []Attempt
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all backends failed, last %s: %v", e.LastBackend, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Orchestrator owns the backend set, the default order, and the usage tracker.
type Orchestrator struct {
	backends       map[string]backend.Backend
	defaultOrder   []string
	usage          *UsageTracker
	attemptTimeout time.Duration
}

// New creates an Orchestrator. defaultOrder lists backend IDs in
// preference order (higher-capability first). attemptTimeout <= 0 uses
// the default (60s).
func New(backends []backend.Backend, defaultOrder []string, usage *UsageTracker, attemptTimeout time.Duration) *Orchestrator {
	if attemptTimeout <= 0 {
		attemptTimeout = defaultAttemptTimeout
	}
	byID := make(map[string]backend.Backend, len(backends))
	for _, b := range backends {
		byID[b.ID()] = b
	}
	return &Orchestrator{
		backends:       byID,
		defaultOrder:   defaultOrder,
		usage:          usage,
		attemptTimeout: attemptTimeout,
	}
}

// Usage exposes the tracker for the stats surface.
func (o *Orchestrator) Usage() *UsageTracker {
	return o.usage
}

// DefaultOrder returns the configured preference order.
func (o *Orchestrator) DefaultOrder() []string {
	return o.defaultOrder
}

// Generate tries each backend in order until one produces a non-empty
// query. order may be nil to use the configured default. Every attempt,
// successful or not, updates that backend's usage counters. Failures
// advance to the next backend: an unauthorized failure because retrying
// the same credentials is pointless, a transient one because the next
// backend is the retry strategy. If the caller's context is cancelled
// mid-flight, the attempt is counted as a failure with a cancelled kind
// and the cancellation propagates.
func (o *Orchestrator) Generate(ctx context.Context, system, prompt string, order []string) (Result, error) {
	if len(order) == 0 {
		order = o.defaultOrder
	}
	if len(order) == 0 {
		return Result{}, fmt.Errorf("no generation backends configured")
	}

	var attempts []Attempt
	var lastErr error
	var lastBackend string
	var lastKind backend.Kind

	for _, id := range order {
		b, ok := o.backends[id]
		if !ok {
			slog.Warn("unknown backend in order, skipping", "backend", id)
			continue
		}

		att := Attempt{BackendID: id, State: StatePending}
		att.StartedAt = time.Now()
		att.State = StateInFlight

		attemptCtx, cancel := context.WithTimeout(ctx, o.attemptTimeout)
		text, err := b.Complete(attemptCtx, backend.CompleteRequest{System: system, Prompt: prompt})
		cancel()
		att.Elapsed = time.Since(att.StartedAt)

		if err == nil {
			cleaned := CleanQueryText(text)
			if cleaned == "" {
				// An empty result is surfaced as a failure, never returned.
				err = &backend.Error{Backend: id, Kind: backend.KindOther, Message: "backend returned no usable query text"}
			} else {
				att.State = StateSucceeded
				attempts = append(attempts, att)
				o.usage.Record(id, true, att.Elapsed)
				return Result{
					QueryText:   cleaned,
					BackendUsed: id,
					Elapsed:     att.Elapsed,
					Attempts:    attempts,
				}, nil
			}
		}

		kind := backend.KindOf(err)
		att.State = StateFailed
		att.ErrorKind = kind
		attempts = append(attempts, att)
		o.usage.Record(id, false, att.Elapsed)

		lastErr, lastBackend, lastKind = err, id, kind

		// Caller cancellation stops the fallback chain entirely.
		if ctx.Err() != nil {
			return Result{}, &ExhaustedError{LastBackend: id, LastKind: backend.KindCancelled, Err: ctx.Err(), Attempts: attempts}
		}

		if kind.Unrecoverable() {
			slog.Warn("backend credentials rejected, advancing", "backend", id, "error", err)
		} else {
			slog.Warn("backend attempt failed, advancing", "backend", id, "kind", kind, "error", err)
		}
	}

	if lastErr == nil {
		return Result{}, fmt.Errorf("no known backends in order %v", order)
	}
	return Result{}, &ExhaustedError{LastBackend: lastBackend, LastKind: lastKind, Err: lastErr, Attempts: attempts}
}

// CleanQueryText strips markdown fences and surrounding prose that models
// wrap around SQL, returning the bare statement.
func CleanQueryText(text string) string {
	s := strings.TrimSpace(text)

	if idx := strings.Index(s, "```"); idx != -1 {
		s = s[idx+3:]
		if nl := strings.IndexByte(s, '\n'); nl != -1 && !strings.ContainsAny(s[:nl], " \t") {
			// Language tag line like "sql".
			s = s[nl+1:]
		}
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ";")
	return strings.TrimSpace(s)
}
