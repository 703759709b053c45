package lattice

import "time"

// pressureCounterDefault gates the pressure trigger when no node-count
// interval is configured, so it cannot fire on every add at the 90% line.
const pressureCounterDefault = 100

// maybeAutoPersist runs the snapshot policy after a successful add. It is
// called outside the writer lock; Save acquires it again.
func (l *Lattice) maybeAutoPersist() {
	p := l.persist
	if !l.dirty {
		return
	}

	trigger := false
	switch {
	case p.IntervalNodes > 0 && l.nodesSince >= p.IntervalNodes:
		trigger = true
	case p.Interval > 0 && time.Since(l.lastSave) >= p.Interval:
		trigger = true
	case p.Pressure && l.underPressure():
		trigger = true
	}
	if !trigger {
		return
	}

	if err := l.Save(); err != nil {
		// The add already succeeded; a failed background save only delays
		// the checkpoint. The next trigger retries.
		l.logger.Warn("auto-persist save failed", "error", err)
	}
}

func (l *Lattice) underPressure() bool {
	gate := l.persist.IntervalNodes
	if gate <= 0 {
		gate = pressureCounterDefault
	}
	return l.st.Used() >= l.maxNodes*9/10 && l.nodesSince >= gate
}
