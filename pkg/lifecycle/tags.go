package lifecycle

import (
	"sync"

	"github.com/golang/glog"
)

// Verdict is the outcome of validating a CSW tag against the tag we sent.
type Verdict uint8

const (
	// Accept means the tag is good enough for the current phase.
	Accept Verdict = iota
	// Mismatch means the tag is wrong under the current phase's policy.
	Mismatch
	// SuspectedReset means the device appears to have restarted its tag
	// counter; the caller should Rebase and treat the exchange as accepted.
	SuspectedReset
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case Mismatch:
		return "mismatch"
	case SuspectedReset:
		return "suspected reset"
	}
	return "INVL"
}

// ringSize is how many (expected, actual) pairs are kept for the reset
// heuristic and statistics.
const ringSize = 50

// connectingTolerance is the allowed |expected - actual| distance while the
// device is still settling.
const connectingTolerance = 10

// resetActualBelow / resetExpectedAbove bound the suspected-reset heuristic:
// a tiny returned tag against a large expected one means the device counter
// restarted. Whether the device can also reuse a tag for an asynchronous
// event is unresolved; this heuristic covers the known case only.
const (
	resetActualBelow   = 5
	resetExpectedAbove = 100
)

// TagRecord is one remembered validation.
type TagRecord struct {
	Expected uint32
	Actual   uint32
	Verdict  Verdict
	Phase    Phase
}

// TagMonitor generates command tags and validates the ones echoed back.
type TagMonitor struct {
	mu         sync.Mutex
	next       uint32
	history    []TagRecord
	total      uint64
	mismatches uint64
	rebases    uint64
}

// NewTagMonitor returns a monitor whose first tag will be 1.
func NewTagMonitor() *TagMonitor {
	return &TagMonitor{next: 1}
}

// Next returns the tag to put in the next CBW and advances the counter. Tag
// zero is never issued, even across 32-bit wrap.
func (m *TagMonitor) Next() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	tag := m.next
	m.next++
	if m.next == 0 {
		m.next = 1
	}
	return tag
}

// Validate judges the tag a CSW carried against the one we sent, under the
// given phase's policy.
func (m *TagMonitor) Validate(expected, actual uint32, ph Phase) Verdict {
	m.mu.Lock()
	defer m.mu.Unlock()

	verdict := m.judge(expected, actual, ph)
	m.total++
	if expected != actual {
		m.mismatches++
	}
	m.history = append(m.history, TagRecord{Expected: expected, Actual: actual, Verdict: verdict, Phase: ph})
	if len(m.history) > ringSize {
		m.history = m.history[len(m.history)-ringSize:]
	}
	return verdict
}

func (m *TagMonitor) judge(expected, actual uint32, ph Phase) Verdict {
	if expected == actual {
		return Accept
	}
	if actual < resetActualBelow && expected > resetExpectedAbove {
		return SuspectedReset
	}
	switch ph {
	case Connecting:
		diff := expected - actual
		if actual > expected {
			diff = actual - expected
		}
		if diff < connectingTolerance {
			return Accept
		}
		return Mismatch
	case Connected:
		return Mismatch
	default:
		// Animation, Disconnected, Unknown: the device streams tags from
		// its animation loop, matching is hopeless. Accept everything and
		// keep the statistics.
		return Accept
	}
}

// Rebase restarts the counter just above the tag the device last returned
// and flushes the history ring. Called after a SuspectedReset verdict.
func (m *TagMonitor) Rebase(actual uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	glog.Infof("Device tag counter reset detected (got %d, expected around %d); rebasing", actual, m.next)
	m.next = actual + 1
	if m.next == 0 {
		m.next = 1
	}
	m.history = m.history[:0]
	m.rebases++
}

// Reset returns the monitor to its initial state. Used after a device reset,
// where the device's counter is back at its own starting point.
func (m *TagMonitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next = 1
	m.history = m.history[:0]
	m.total = 0
	m.mismatches = 0
	m.rebases = 0
}

// TagSummary is a snapshot of the monitor for statistics reporting.
type TagSummary struct {
	Next       uint32
	Total      uint64
	Mismatches uint64
	Rebases    uint64
	History    []TagRecord
}

// Summary snapshots the monitor.
func (m *TagMonitor) Summary() TagSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return TagSummary{
		Next:       m.next,
		Total:      m.total,
		Mismatches: m.mismatches,
		Rebases:    m.rebases,
		History:    append([]TagRecord(nil), m.history...),
	}
}

// MismatchRate is the all-time fraction of raw tag mismatches.
func (m *TagMonitor) MismatchRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.total == 0 {
		return 0
	}
	return float64(m.mismatches) / float64(m.total)
}
