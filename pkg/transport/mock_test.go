package transport_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alitft/alitft/pkg/usbio"
	"github.com/alitft/alitft/pkg/usbms"
)

// reply scripts how the mock device answers one CBW.
type reply struct {
	// dataIn is served during the data phase of device-to-host commands.
	dataIn []byte
	// status and echoTag build the CSW; echoTag nil echoes the CBW tag.
	status  usbms.Status
	echoTag *uint32
	// rawCSW, if non-empty, is a queue of raw status-phase responses that
	// overrides CSW encoding (for invalid-CSW scripting).
	rawCSW [][]byte
	// stallDataOut stalls the host's data-phase bulk-OUT.
	stallDataOut bool
	// stallCSWOnce stalls the first status-phase read.
	stallCSWOnce bool
	// goneOnCSW fails the status-phase read with a disconnect.
	goneOnCSW bool
}

func tagp(v uint32) *uint32 { return &v }

// mockGateway is a scripted device on the far side of the bulk pipes. It
// checks BOT framing as it goes: a second CBW while one is unresolved is a
// protocol violation.
type mockGateway struct {
	mu     sync.Mutex
	script func(n int, cbw *usbms.CBW) reply

	cbwCount   int
	cbws       []*usbms.CBW
	dataOut    [][]byte
	clearHalts int
	resets     int
	closed     bool
	violations []string

	inflight       bool
	awaitingData   bool
	stallDataWrite bool
	cur            reply
	curTag         uint32
	dataServed     bool
	stallServed    bool
}

func newMockGateway(script func(n int, cbw *usbms.CBW) reply) *mockGateway {
	return &mockGateway{script: script}
}

func (g *mockGateway) setScript(script func(n int, cbw *usbms.CBW) reply) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.script = script
}

func (g *mockGateway) BulkOut(ctx context.Context, p []byte, timeout time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stallDataWrite {
		g.stallDataWrite = false
		return usbio.ErrStall
	}
	if g.awaitingData {
		g.awaitingData = false
		g.dataOut = append(g.dataOut, append([]byte(nil), p...))
		return nil
	}

	cbw, err := usbms.DecodeCBW(p)
	if err != nil {
		g.violations = append(g.violations, fmt.Sprintf("undecodable CBW: %v", err))
		return nil
	}
	if g.inflight {
		g.violations = append(g.violations, fmt.Sprintf("CBW tag %d sent while tag %d unresolved", cbw.Tag, g.curTag))
	}
	g.cbwCount++
	g.cbws = append(g.cbws, cbw)
	g.inflight = true
	g.curTag = cbw.Tag
	g.dataServed = false
	g.stallServed = false
	g.cur = g.script(g.cbwCount, cbw)

	if cbw.Direction == usbms.DirectionOut && cbw.TransferLength > 0 {
		if g.cur.stallDataOut {
			g.stallDataWrite = true
		} else {
			g.awaitingData = true
		}
	}
	return nil
}

func (g *mockGateway) BulkIn(ctx context.Context, max int, timeout time.Duration) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.inflight {
		g.violations = append(g.violations, "bulk IN with no CBW pending")
		return nil, usbio.ErrTimeout
	}

	// Data phase of device-to-host commands.
	if len(g.cur.dataIn) > 0 && !g.dataServed && max != usbms.CSWSize {
		g.dataServed = true
		n := len(g.cur.dataIn)
		if n > max {
			n = max
		}
		return append([]byte(nil), g.cur.dataIn[:n]...), nil
	}

	// Status phase.
	if g.cur.stallCSWOnce && !g.stallServed {
		g.stallServed = true
		return nil, usbio.ErrStall
	}
	if g.cur.goneOnCSW {
		g.inflight = false
		return nil, usbio.ErrGone
	}
	if len(g.cur.rawCSW) > 0 {
		raw := g.cur.rawCSW[0]
		g.cur.rawCSW = g.cur.rawCSW[1:]
		return raw, nil
	}
	tag := g.curTag
	if g.cur.echoTag != nil {
		tag = *g.cur.echoTag
	}
	g.inflight = false
	return usbms.CSW{Tag: tag, Status: g.cur.status}.Encode(), nil
}

func (g *mockGateway) ClearHalt(in bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clearHalts++
	return nil
}

func (g *mockGateway) ResetDevice() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resets++
	g.inflight = false
	g.awaitingData = false
	return nil
}

func (g *mockGateway) IsPresent() bool { return !g.closed }

func (g *mockGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

func (g *mockGateway) snapshotTags() []uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	tags := make([]uint32, len(g.cbws))
	for i, c := range g.cbws {
		tags[i] = c.Tag
	}
	return tags
}

func (g *mockGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cbwCount
}
