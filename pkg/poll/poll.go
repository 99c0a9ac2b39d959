// Package poll implements the generic retry-until-converged primitive used
// by the upgrade procedures: instance readiness, shard role convergence,
// ensemble membership convergence, and ensemble health all wait through it.
package poll

import (
	"context"
	"fmt"
	"time"
)

// Probe observes one discrete state of the system under inspection.
type Probe func(ctx context.Context) (string, error)

// Spec bounds a poll loop. Every loop has a deterministic worst case of
// Interval * MaxAttempts.
type Spec struct {
	// Name identifies the loop in logs, metrics, and timeout errors.
	Name string

	// Interval is the pause between probe attempts.
	Interval time.Duration

	// MaxAttempts is the probe call budget. The probe is called at most
	// MaxAttempts times.
	MaxAttempts int

	// Transient reports whether a probe error counts as "not yet
	// converged" rather than fatal. A nil Transient treats every probe
	// error as fatal.
	Transient func(error) bool

	// OnAttempt, if set, is invoked after each probe call with the
	// attempt number and observed state. Used for progress reporting
	// and metrics.
	OnAttempt func(attempt int, state string)
}

// Result describes a converged poll loop.
type Result struct {
	// State is the observed state that matched a target.
	State string

	// Attempts is the number of probe calls made, including the one
	// that converged.
	Attempts int

	// Elapsed is the total wall time spent in the loop.
	Elapsed time.Duration
}

// TimeoutError reports an exhausted poll loop. The loop is safe to re-run.
type TimeoutError struct {
	// Name is the poll loop name from the Spec.
	Name string

	// LastState is the most recent observed state, empty if every probe
	// errored.
	LastState string

	// Attempts is the number of probe calls made.
	Attempts int

	// Elapsed is the total wall time spent before giving up.
	Elapsed time.Duration

	// Limit is the configured worst-case budget (Interval * MaxAttempts).
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("poll %q did not converge: last state %q after %d attempts (%s elapsed, limit %s)",
		e.Name, e.LastState, e.Attempts, e.Elapsed.Round(time.Millisecond), e.Limit)
}

// IsTimeout reports whether err is a poll timeout.
func IsTimeout(err error) bool {
	_, ok := err.(*TimeoutError)
	return ok
}

// Until calls probe, compares the observed state against the target set,
// and sleeps Interval between attempts until a target matches or the
// attempt budget is exhausted.
//
// A probe error for which spec.Transient returns true is treated as "not
// yet converged"; any other probe error propagates immediately. Exhaustion
// returns a *TimeoutError. If a target matches on call N, probe has been
// called exactly N times.
func Until(ctx context.Context, spec Spec, probe Probe, targets ...string) (Result, error) {
	if spec.MaxAttempts <= 0 {
		return Result{}, fmt.Errorf("poll %q: max attempts must be positive, got %d", spec.Name, spec.MaxAttempts)
	}
	if len(targets) == 0 {
		return Result{}, fmt.Errorf("poll %q: no target states given", spec.Name)
	}

	want := make(map[string]bool, len(targets))
	for _, t := range targets {
		want[t] = true
	}

	start := time.Now()
	lastState := ""

	for attempt := 1; attempt <= spec.MaxAttempts; attempt++ {
		state, err := probe(ctx)
		if spec.OnAttempt != nil {
			spec.OnAttempt(attempt, state)
		}
		switch {
		case err == nil:
			lastState = state
			if want[state] {
				return Result{
					State:    state,
					Attempts: attempt,
					Elapsed:  time.Since(start),
				}, nil
			}
		case spec.Transient != nil && spec.Transient(err):
			// Known transient condition, e.g. a probe hitting a
			// member mid-election. Counts as not yet converged.
		default:
			return Result{}, err
		}

		if attempt == spec.MaxAttempts {
			break
		}

		select {
		case <-time.After(spec.Interval):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}

	return Result{}, &TimeoutError{
		Name:      spec.Name,
		LastState: lastState,
		Attempts:  spec.MaxAttempts,
		Elapsed:   time.Since(start),
		Limit:     spec.Interval * time.Duration(spec.MaxAttempts),
	}
}
