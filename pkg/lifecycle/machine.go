package lifecycle

import (
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/jonboulle/clockwork"
)

// Config holds the transition thresholds. The device's internal conditions
// are unknown; these are proxies derived from packet captures and must stay
// tunable.
type Config struct {
	// AnimationMinimum is how long the device is assumed to stay in its
	// boot animation at minimum.
	AnimationMinimum time.Duration
	// MismatchWindow is how many recent CSWs the rolling tag-mismatch rate
	// is computed over.
	MismatchWindow int
	// MismatchRateThreshold is the rolling rate below which the animation
	// is considered over.
	MismatchRateThreshold float64
	// ConnectingStreak is how many consecutive good CSWs promote
	// Connecting to Connected.
	ConnectingStreak int
	// ConnectedSilence is how long without any CSW before the device shows
	// its "connection lost" screen.
	ConnectedSilence time.Duration
	// DisconnectedReset is the device's own countdown from the lost screen
	// back to the boot animation.
	DisconnectedReset time.Duration
}

// DefaultConfig returns the thresholds observed on the ALi panel.
func DefaultConfig() Config {
	return Config{
		AnimationMinimum:      55 * time.Second,
		MismatchWindow:        20,
		MismatchRateThreshold: 0.5,
		ConnectingStreak:      3,
		ConnectedSilence:      5 * time.Second,
		DisconnectedReset:     10 * time.Second,
	}
}

// PhaseStats are per-phase counters accumulated over every entry into the
// phase. They are not reset when the phase is entered again, so no count
// since the latest entry is kept.
type PhaseStats struct {
	Entries       uint64
	Commands      uint64
	Successes     uint64
	TagMismatches uint64
	PipeErrors    uint64
	Timeouts      uint64
	// PhaseErrors counts CSW status 2 ("phase error"), which this device
	// emits during its boot animation for reasons unknown.
	PhaseErrors uint64
}

// CSWObservation is what the orchestrator learned from one completed
// CBW/CSW exchange.
type CSWObservation struct {
	// Success is true when the CSW carried status 0.
	Success bool
	// TagExact is true when the echoed tag equaled the sent one.
	TagExact bool
	// TagAccepted is true when the tag passed the phase policy.
	TagAccepted bool
	// PhaseError is true when the CSW carried status 2.
	PhaseError bool
}

// Machine is the observational lifecycle state machine. It never performs
// I/O; the orchestrator and keep-alive task feed it events, and every
// operation consults it via Tick before starting.
type Machine struct {
	mu    sync.Mutex
	clock clockwork.Clock
	cfg   Config

	phase    Phase
	entered  time.Time
	lastCSW  time.Time
	lastGood time.Time

	// window is the rolling record of raw tag matches over recent CSWs.
	window []bool
	streak int

	stats map[Phase]*PhaseStats
}

// NewMachine returns a machine in the Unknown phase.
func NewMachine(cfg Config, clock clockwork.Clock) *Machine {
	m := &Machine{
		clock: clock,
		cfg:   cfg,
		phase: Unknown,
		stats: make(map[Phase]*PhaseStats),
	}
	m.entered = clock.Now()
	return m
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// InPhase returns how long the machine has been in the current phase.
func (m *Machine) InPhase() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clock.Since(m.entered)
}

// SinceCSW returns how long ago the last CSW was observed, or a negative
// duration if none has been seen yet.
func (m *Machine) SinceCSW() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastCSW.IsZero() {
		return -1
	}
	return m.clock.Since(m.lastCSW)
}

// Begin marks the first transport operation after open: Unknown becomes
// Animation, with the entry timer reset.
func (m *Machine) Begin() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase == Unknown {
		m.transition(Animation, "first operation")
	}
}

// Tick applies the wall-clock transitions. Called at the start of every
// operation and periodically by the keep-alive task.
func (m *Machine) Tick() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	switch m.phase {
	case Connected:
		if !m.lastCSW.IsZero() && now.Sub(m.lastCSW) >= m.cfg.ConnectedSilence {
			m.transition(Disconnected, "CSW silence")
		}
	case Disconnected:
		if now.Sub(m.entered) >= m.cfg.DisconnectedReset {
			// The device's own countdown expired; it is back in its boot
			// animation.
			m.transition(Animation, "device countdown expired")
		}
	}
	return m.phase
}

// ObserveCSW feeds one completed exchange into the machine and returns the
// possibly updated phase.
func (m *Machine) ObserveCSW(o CSWObservation) Phase {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	m.lastCSW = now
	st := m.phaseStats(m.phase)
	st.Commands++
	if o.Success {
		st.Successes++
		m.lastGood = now
	}
	if !o.TagExact {
		st.TagMismatches++
	}
	if o.PhaseError {
		st.PhaseErrors++
	}

	m.window = append(m.window, o.TagExact)
	if len(m.window) > m.cfg.MismatchWindow {
		m.window = m.window[len(m.window)-m.cfg.MismatchWindow:]
	}

	if o.Success && o.TagAccepted {
		m.streak++
	} else {
		m.streak = 0
	}

	switch m.phase {
	case Animation:
		if now.Sub(m.entered) >= m.cfg.AnimationMinimum &&
			len(m.window) == m.cfg.MismatchWindow &&
			m.windowMismatchRate() < m.cfg.MismatchRateThreshold {
			m.transition(Connecting, "animation over")
		}
	case Connecting:
		if m.streak >= m.cfg.ConnectingStreak {
			m.transition(Connected, "stable replies")
		}
	}
	return m.phase
}

// ObservePipeError records an endpoint stall against the current phase.
func (m *Machine) ObservePipeError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phaseStats(m.phase).PipeErrors++
	m.streak = 0
}

// ObserveTimeout records a transfer timeout against the current phase.
func (m *Machine) ObserveTimeout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phaseStats(m.phase).Timeouts++
	m.streak = 0
}

// ObserveGone marks the device as disconnected immediately.
func (m *Machine) ObserveGone() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != Disconnected {
		m.transition(Disconnected, "device gone")
	}
}

// ObserveReenumerated records that the device came back on the bus: it is
// running its boot animation again.
func (m *Machine) ObserveReenumerated() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transition(Animation, "re-enumerated")
}

// ForceUnknown drops back to Unknown. Used by close, re-open and after a
// port reset, where all inferred state is void.
func (m *Machine) ForceUnknown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != Unknown {
		m.transition(Unknown, "reset")
	}
}

// Stats snapshots the per-phase counters.
func (m *Machine) Stats() map[Phase]PhaseStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[Phase]PhaseStats, len(m.stats))
	for ph, st := range m.stats {
		out[ph] = *st
	}
	return out
}

func (m *Machine) phaseStats(ph Phase) *PhaseStats {
	st, ok := m.stats[ph]
	if !ok {
		st = &PhaseStats{}
		m.stats[ph] = st
	}
	return st
}

func (m *Machine) windowMismatchRate() float64 {
	if len(m.window) == 0 {
		return 1
	}
	miss := 0
	for _, exact := range m.window {
		if !exact {
			miss++
		}
	}
	return float64(miss) / float64(len(m.window))
}

// transition must be called with the lock held.
func (m *Machine) transition(to Phase, why string) {
	glog.Infof("Phase transition: %v -> %v (%s, %.1fs in phase)", m.phase, to, why, m.clock.Since(m.entered).Seconds())
	m.phase = to
	m.entered = m.clock.Now()
	m.streak = 0
	m.phaseStats(to).Entries++
	if to == Animation || to == Unknown {
		m.window = m.window[:0]
	}
}
