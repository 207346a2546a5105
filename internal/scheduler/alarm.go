// Package scheduler implements the single programmable alarm described
// in spec.md §4.7: one re-armable timer per session, set to the
// minimum of the idle-hibernate deadline and the soonest pending
// question expiry. Generalized from the teacher's pack sibling
// (ashureev-shsh-labs/internal/container/ttl.go), which instead sweeps
// all sessions on a fixed fleet-wide interval; a single-session alarm
// needs no periodic sweep, only precise re-arming after each state
// change that could move the next-due instant.
package scheduler

import (
	"log"
	"sync"
	"time"
)

// Alarm calls fn at most once per call to Set, on its own goroutine, at
// the instant passed to Set (at once if that instant is already past).
// Stop, or Set with a zero time, disarms it.
type Alarm struct {
	mu    sync.Mutex
	timer *time.Timer
	fn    func(at time.Time)
	label string
}

// New returns an Alarm that invokes fn (with the instant it fired) each
// time it rings. label is used only for log lines.
func New(label string, fn func(at time.Time)) *Alarm {
	return &Alarm{fn: fn, label: label}
}

// Set arms (or re-arms) the alarm to fire at `at`. A zero time disarms
// it. Calling Set while already armed replaces the pending fire time,
// matching spec.md's "single alarm time is maintained" wording.
func (a *Alarm) Set(at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	if at.IsZero() {
		return
	}

	d := time.Until(at)
	if d < 0 {
		d = 0
	}
	a.timer = time.AfterFunc(d, func() {
		fired := time.Now()
		log.Printf("scheduler[%s]: alarm fired", a.label)
		a.fn(fired)
	})
}

// Stop disarms the alarm without firing it.
func (a *Alarm) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// Earliest returns the earliest of the given instants, treating a zero time as
// "no deadline" (so it never wins). Session code uses this to combine
// the idle deadline with the soonest question expiry.
func Earliest(times ...time.Time) time.Time {
	var best time.Time
	for _, t := range times {
		if t.IsZero() {
			continue
		}
		if best.IsZero() || t.Before(best) {
			best = t
		}
	}
	return best
}
