package dapps

import (
	"sync"
)

// inFlightStatus represents the result of trying to mark an identity as in flight.
type inFlightStatus int

const (
	// statusMarked means the caller now owns the identity.
	statusMarked inFlightStatus = iota
	// statusInFlight means another flow owns the identity.
	statusInFlight
)

// inFlightTable holds the single in-flight marker per authorization identity.
// Markers are released by the owner that set them; releasing with a stale owner is a no-op
// so a cleared flow that resolves late cannot drop the marker of its replacement.
type inFlightTable struct {
	mu   sync.Mutex
	runs map[string]*FlowRun
}

func newInFlightTable() *inFlightTable {
	return &inFlightTable{
		runs: make(map[string]*FlowRun),
	}
}

// checkAndMark atomically checks whether key is free and marks it as owned by run.
// It returns the current owner when the key is already in flight.
func (t *inFlightTable) checkAndMark(key string, run *FlowRun) (inFlightStatus, *FlowRun) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if owner, exists := t.runs[key]; exists {
		return statusInFlight, owner
	}
	t.runs[key] = run
	return statusMarked, run
}

// get returns the run owning key
func (t *inFlightTable) get(key string) (*FlowRun, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	run, ok := t.runs[key]
	return run, ok
}

// release removes the marker for key if run still owns it
func (t *inFlightTable) release(key string, run *FlowRun) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if owner, exists := t.runs[key]; exists && owner == run {
		delete(t.runs, key)
		return true
	}
	return false
}

// drain removes and returns every marker
func (t *inFlightTable) drain() []*FlowRun {
	t.mu.Lock()
	defer t.mu.Unlock()

	runs := make([]*FlowRun, 0, len(t.runs))
	for key, run := range t.runs {
		runs = append(runs, run)
		delete(t.runs, key)
	}
	return runs
}

// size returns the number of flows in flight
func (t *inFlightTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.runs)
}
