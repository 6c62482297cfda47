// Package lifecycle tracks the inferred state of the ALi TFT device. The
// device gives no in-band signal about where it is in its boot cycle, so the
// host infers a phase from elapsed time, tag behavior and error patterns,
// and adapts pacing, retries and tag validation to it.
package lifecycle

// Phase is the inferred device lifecycle phase.
type Phase uint8

const (
	// Unknown is the phase before the first transport operation and after
	// an explicit reset.
	Unknown Phase = iota
	// Animation is the boot animation period right after power-on or
	// re-enumeration. Commands fail or return garbage tags; both are
	// expected.
	Animation
	// Connecting is the short window in which the device starts answering
	// coherently but tags may still be slightly off.
	Connecting
	// Connected is steady state: exact tags, commands succeed.
	Connected
	// Disconnected is the device's "connection lost" screen, entered when
	// the host pauses too long.
	Disconnected
)

func (p Phase) String() string {
	switch p {
	case Unknown:
		return "Unknown"
	case Animation:
		return "Animation"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected"
	}
	return "INVL"
}
