// Package trigger implements the per-rule firing and cooldown state machine.
package trigger

import "time"

// Status of a rule's trigger.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusArmed       Status = "armed"
	StatusCoolingDown Status = "cooling_down"
)

// Machine decides when a rule fires. The zero value is an idle machine.
// It is not safe for concurrent use.
type Machine struct {
	status    Status
	lastFired time.Time
	fired     bool
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Fire bool
	// Suppressed is set when the threshold was met but cooldown held the fire back.
	Suppressed bool
	From       Status
	To         Status
}

// Status returns the current state.
func (m *Machine) Status() Status {
	if m.status == "" {
		return StatusIdle
	}
	return m.status
}

// LastFired returns the time of the last firing, if any.
func (m *Machine) LastFired() (time.Time, bool) {
	return m.lastFired, m.fired
}

// Evaluate feeds the current window count at time now.
//
//	idle         -> armed         count >= threshold
//	armed        -> cooling_down  fires exactly once
//	armed        -> idle          count dropped below threshold
//	cooling_down -> armed | idle  once now-lastFired >= cooldown, by count
//
// Leaving cooldown and firing again happen in the same call when the count
// is still at or above threshold.
func (m *Machine) Evaluate(now time.Time, count, threshold int, cooldown time.Duration) Decision {
	d := Decision{From: m.Status()}

	if m.Status() == StatusCoolingDown {
		if now.Sub(m.lastFired) < cooldown {
			d.Suppressed = count >= threshold
			d.To = m.status
			return d
		}
		m.status = StatusIdle
	}

	if m.Status() == StatusIdle && count >= threshold {
		m.status = StatusArmed
	}

	if m.status == StatusArmed {
		if count >= threshold {
			m.status = StatusCoolingDown
			m.lastFired = now
			m.fired = true
			d.Fire = true
		} else {
			m.status = StatusIdle
		}
	}

	d.To = m.Status()
	return d
}

// Snapshot is a copy of the machine state for observers.
type Snapshot struct {
	Status    Status
	LastFired *time.Time
}

// Snapshot returns the current state.
func (m *Machine) Snapshot() Snapshot {
	s := Snapshot{Status: m.Status()}
	if m.fired {
		t := m.lastFired
		s.LastFired = &t
	}
	return s
}
