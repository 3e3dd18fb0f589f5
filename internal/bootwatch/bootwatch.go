// Package bootwatch decides whether a launched instance reached a usable
// state, by tailing its console log until a ready marker, a fatal pattern,
// process death, or a timeout.
package bootwatch

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ckoehler/usbipvm/internal/console"
)

// Default watcher tuning.
const (
	DefaultPollInterval = 2 * time.Second
	DefaultStallAfter   = 30 * time.Second
	DefaultStallTicks   = 3
	DefaultLoginGrace   = 10 * time.Second
)

// TimeoutError means the boot deadline passed without a verdict.
type TimeoutError struct {
	Timeout time.Duration
	Lines   int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("boot: no ready marker within %s (%d console lines seen)", e.Timeout, e.Lines)
}

// FailureError means the boot failed definitively before the deadline.
type FailureError struct {
	Reason  string
	Pattern string // fatal pattern that matched, if any
	Raw     string // offending console line, if any
}

func (e *FailureError) Error() string {
	if e.Pattern != "" {
		return fmt.Sprintf("boot: %s (matched %q: %s)", e.Reason, e.Pattern, e.Raw)
	}
	return "boot: " + e.Reason
}

// Result describes a successful boot.
type Result struct {
	Elapsed time.Duration
	Markers []console.Marker
	Weak    bool // readiness inferred from a login prompt, not the strong marker
}

// Watcher polls one instance's console log and process state.
//
// Alive reports whether the hypervisor process still exists. Nudge delivers
// a keystroke over the control channel to wake a console that stopped
// scrolling; its failure is tolerated.
type Watcher struct {
	Tailer *console.Tailer
	Alive  func() bool
	Nudge  func(ctx context.Context) error

	PollInterval time.Duration
	StallAfter   time.Duration
	StallTicks   int
	LoginGrace   time.Duration
}

// NewWatcher builds a watcher with default tuning.
func NewWatcher(tailer *console.Tailer, alive func() bool, nudge func(ctx context.Context) error) *Watcher {
	return &Watcher{
		Tailer:       tailer,
		Alive:        alive,
		Nudge:        nudge,
		PollInterval: DefaultPollInterval,
		StallAfter:   DefaultStallAfter,
		StallTicks:   DefaultStallTicks,
		LoginGrace:   DefaultLoginGrace,
	}
}

// Wait blocks until the instance is ready, fails, or the timeout elapses.
//
// A fatal console pattern or process death returns *FailureError
// immediately. Stall detection goes by raw log growth, not typed events: a
// guest scrolling free-form kernel text is making progress. When the line
// count is unchanged for StallTicks consecutive polls and at least
// StallAfter has elapsed, one nudge keystroke is sent; no further nudge
// until a new line appears. A login prompt without the strong ready marker
// counts as weak readiness once LoginGrace passes without a contrary
// signal.
func (w *Watcher) Wait(ctx context.Context, timeout time.Duration) (*Result, error) {
	start := time.Now()
	deadline := start.Add(timeout)
	lastCount := w.Tailer.LineCount()
	stalledTicks := 0
	nudged := false

	var markers []console.Marker
	var loginSeen time.Time

	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()

	for {
		events, err := w.Tailer.Poll()
		if err != nil {
			return nil, &FailureError{Reason: fmt.Sprintf("read console log: %v", err)}
		}
		if count := w.Tailer.LineCount(); count != lastCount {
			lastCount = count
			stalledTicks = 0
			nudged = false
		} else {
			stalledTicks++
		}

		for _, ev := range events {
			switch ev := ev.(type) {
			case console.FatalEvent:
				return nil, &FailureError{Reason: "fatal pattern in console output", Pattern: ev.Pattern, Raw: ev.Raw}
			case console.ReadyEvent:
				return &Result{Elapsed: time.Since(start), Markers: markers}, nil
			case console.MarkerEvent:
				markers = append(markers, ev.Marker)
			case console.LoginPromptEvent:
				if loginSeen.IsZero() {
					loginSeen = time.Now()
					log.Printf("bootwatch: login prompt seen, allowing %s for the ready marker", w.LoginGrace)
				}
			}
		}

		if !w.Alive() {
			return nil, &FailureError{Reason: "hypervisor process exited during boot"}
		}

		if !loginSeen.IsZero() && time.Since(loginSeen) >= w.LoginGrace {
			return &Result{Elapsed: time.Since(start), Markers: markers, Weak: true}, nil
		}

		if time.Now().After(deadline) {
			return nil, &TimeoutError{Timeout: timeout, Lines: w.Tailer.LineCount()}
		}

		if stalledTicks >= w.StallTicks && time.Since(start) >= w.StallAfter && !nudged {
			log.Printf("bootwatch: log unchanged for %d polls, sending wake keystroke", stalledTicks)
			if w.Nudge != nil {
				w.Nudge(ctx)
			}
			nudged = true
			stalledTicks = 0
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
