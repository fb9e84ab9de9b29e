// Package window keeps the per-rule sliding window of matching events.
package window

import (
	"sort"
	"time"
)

// Window is a time-based sliding window of matching events, oldest first.
// It is not safe for concurrent use; the engine serializes access per rule.
type Window struct {
	duration time.Duration
	lateness time.Duration
	items    []entry
	latest   time.Time
	late     uint64
}

type entry struct {
	timestamp time.Time
	id        string
}

// State is the window as reported to the trigger machine.
type State struct {
	Start time.Time
	End   time.Time
	Count int
}

// New creates a window of the given duration. Events up to lateness behind
// the newest timestamp seen are considered on time.
func New(duration, lateness time.Duration) *Window {
	if duration <= 0 {
		duration = 30 * time.Minute // default fallback
	}
	if lateness < 0 {
		lateness = 0
	}
	return &Window{
		duration: duration,
		lateness: lateness,
		items:    make([]entry, 0, 16),
	}
}

// Resize changes the window length. The next Add or Advance evicts against it.
func (w *Window) Resize(duration time.Duration) {
	if duration > 0 {
		w.duration = duration
	}
}

// Duration returns the window length.
func (w *Window) Duration() time.Duration { return w.duration }

// Add records a matching event and evicts everything older than the window.
// late is true when ts was further behind the newest timestamp than the
// lateness bound. Such events are still inserted in order, but an event
// already outside the window is evicted straight away.
func (w *Window) Add(ts time.Time, id string) (st State, late bool) {
	if !w.latest.IsZero() && ts.Before(w.latest.Add(-w.lateness)) {
		late = true
		w.late++
	}

	n := len(w.items)
	if n == 0 || !ts.Before(w.items[n-1].timestamp) {
		w.items = append(w.items, entry{timestamp: ts, id: id})
	} else {
		i := sort.Search(n, func(i int) bool { return w.items[i].timestamp.After(ts) })
		w.items = append(w.items, entry{})
		copy(w.items[i+1:], w.items[i:])
		w.items[i] = entry{timestamp: ts, id: id}
	}

	return w.Advance(ts), late
}

// Advance moves the window end to now (never backwards) and evicts expired
// entries. Only event timestamps should move it; use Age for wall-clock decay.
func (w *Window) Advance(now time.Time) State {
	if now.After(w.latest) {
		w.latest = now
	}
	return w.evict(w.latest)
}

// Age evicts against end without moving the newest event timestamp, so the
// next Add is still measured against event time. end before Latest is
// clamped to Latest.
func (w *Window) Age(end time.Time) State {
	if end.Before(w.latest) {
		end = w.latest
	}
	return w.evict(end)
}

func (w *Window) evict(end time.Time) State {
	cutoff := end.Add(-w.duration)

	prune := 0
	for _, it := range w.items {
		if !it.timestamp.Before(cutoff) {
			break
		}
		prune++
	}

	if prune > 0 {
		w.items = w.items[prune:]
		// Release the backing array once most of it is dead.
		if cap(w.items) > 64 && len(w.items) < cap(w.items)/4 {
			w.items = append(make([]entry, 0, len(w.items)*2), w.items...)
		}
	}

	return State{Start: cutoff, End: end, Count: len(w.items)}
}

// Count returns the number of events currently held, without evicting.
func (w *Window) Count() int { return len(w.items) }

// Latest returns the newest timestamp the window has seen.
func (w *Window) Latest() time.Time { return w.latest }

// Late returns how many events arrived beyond the lateness bound.
func (w *Window) Late() uint64 { return w.late }

// IDs returns up to max event ids, oldest first. max <= 0 means all.
func (w *Window) IDs(max int) []string {
	n := len(w.items)
	if max > 0 && n > max {
		n = max
	}
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = w.items[i].id
	}
	return ids
}

// Timestamps returns the held timestamps, oldest first.
func (w *Window) Timestamps() []time.Time {
	out := make([]time.Time, len(w.items))
	for i, it := range w.items {
		out[i] = it.timestamp
	}
	return out
}

// Reset drops every entry.
func (w *Window) Reset() {
	w.items = w.items[:0]
	w.latest = time.Time{}
}
