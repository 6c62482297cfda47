package transport_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alitft/alitft/pkg/lifecycle"
	"github.com/alitft/alitft/pkg/transport"
	"github.com/alitft/alitft/pkg/usbms"
)

// fastConfig compresses the device's minute-long lifecycle into tens of
// milliseconds so the scenarios run at test speed. The shape of every
// threshold and policy is unchanged.
func fastConfig() transport.Config {
	cfg := transport.DefaultConfig()
	cfg.KeepAlive = false
	cfg.Lifecycle = lifecycle.Config{
		AnimationMinimum:      50 * time.Millisecond,
		MismatchWindow:        4,
		MismatchRateThreshold: 0.5,
		ConnectingStreak:      3,
		ConnectedSilence:      150 * time.Millisecond,
		DisconnectedReset:     200 * time.Millisecond,
	}
	ps := lifecycle.DefaultPolicies()
	for ph, p := range ps {
		p.PreDelay = 0
		p.PostDelay = 0
		p.BackoffBase = time.Millisecond
		ps[ph] = p
	}
	cfg.Policies = ps
	return cfg
}

func echoGood(n int, cbw *usbms.CBW) reply {
	return reply{status: usbms.StatusGood}
}

func newFastTransport(script func(int, *usbms.CBW) reply) (*transport.Transport, *mockGateway) {
	gw := newMockGateway(script)
	return transport.New(gw, transport.WithConfig(fastConfig())), gw
}

// driveToConnected pushes the transport through Animation and Connecting
// with clean probe replies.
func driveToConnected(t *testing.T, tr *transport.Transport) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for tr.CurrentPhase() != lifecycle.Connected {
		if time.Now().After(deadline) {
			t.Fatalf("transport stuck in %v", tr.CurrentPhase())
		}
		if _, err := tr.Execute(context.Background(), usbms.TestUnitReady()); err != nil {
			t.Fatalf("probe failed in %v: %v", tr.CurrentPhase(), err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestColdStartToConnected(t *testing.T) {
	start := time.Now()
	tr, gw := newFastTransport(func(n int, cbw *usbms.CBW) reply {
		// The boot animation: failures with garbage tags, then coherent
		// replies once the panel is up.
		if time.Since(start) < 120*time.Millisecond {
			return reply{status: usbms.StatusFailed, echoTag: tagp(cbw.Tag + 999)}
		}
		return reply{status: usbms.StatusGood}
	})
	defer tr.Close()

	ph, err := tr.WaitForPhase(context.Background(), lifecycle.Connected, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Connected, ph)

	res, err := tr.Execute(context.Background(), usbms.TestUnitReady())
	require.NoError(t, err)
	assert.Equal(t, usbms.StatusGood, res.Csw.Status)
	assert.Empty(t, gw.violations)
}

func TestTagResetRebase(t *testing.T) {
	tr, gw := newFastTransport(func(n int, cbw *usbms.CBW) reply {
		if n == 151 {
			// The device's tag counter restarted.
			return reply{status: usbms.StatusGood, echoTag: tagp(3)}
		}
		return reply{status: usbms.StatusGood}
	})
	defer tr.Close()

	for i := 0; i < 151; i++ {
		_, err := tr.Execute(context.Background(), usbms.TestUnitReady())
		require.NoError(t, err, "command %d", i+1)
	}

	// The rebase puts the very next CBW at the device's counter + 1.
	_, err := tr.Execute(context.Background(), usbms.TestUnitReady())
	require.NoError(t, err)
	tags := gw.snapshotTags()
	assert.Equal(t, uint32(151), tags[150])
	assert.Equal(t, uint32(4), tags[151])
	assert.Equal(t, uint64(1), tr.Statistics().Tags.Rebases)
}

func TestDataPhaseStallSurfacesStatus(t *testing.T) {
	tr, gw := newFastTransport(echoGood)
	defer tr.Close()
	driveToConnected(t, tr)

	payload := make([]byte, 10+64)
	gw.setScript(func(n int, cbw *usbms.CBW) reply {
		return reply{status: usbms.StatusFailed, stallDataOut: true}
	})
	_, err := tr.Execute(context.Background(), usbms.VendorDisplayImage(payload))
	assert.True(t, transport.IsKind(err, transport.ScsiFailure),
		"want ScsiFailure after recovered stall, got %v", err)
	assert.Greater(t, gw.clearHalts, 0)

	gw.setScript(func(n int, cbw *usbms.CBW) reply {
		return reply{status: usbms.StatusGood, stallDataOut: true}
	})
	res, err := tr.Execute(context.Background(), usbms.VendorDisplayImage(payload))
	require.NoError(t, err)
	assert.Equal(t, usbms.StatusGood, res.Csw.Status)
}

func TestSilenceDropsToDisconnected(t *testing.T) {
	tr, _ := newFastTransport(echoGood)
	defer tr.Close()
	driveToConnected(t, tr)

	time.Sleep(160 * time.Millisecond)
	assert.Equal(t, lifecycle.Disconnected, tr.CurrentPhase())
}

func TestDisconnectedFailsFast(t *testing.T) {
	tr, gw := newFastTransport(echoGood)
	defer tr.Close()
	driveToConnected(t, tr)
	time.Sleep(160 * time.Millisecond)
	require.Equal(t, lifecycle.Disconnected, tr.CurrentPhase())

	before := gw.count()
	_, err := tr.Execute(context.Background(), usbms.TestUnitReady())
	assert.True(t, transport.IsKind(err, transport.DeviceGone), "got %v", err)
	assert.Equal(t, before, gw.count(), "fail-fast must not touch the gateway")

	_, err = tr.Execute(context.Background(), usbms.TestUnitReady(), transport.AllowDisconnected())
	require.NoError(t, err)
	assert.Equal(t, before+1, gw.count())
}

func TestDeviceGonePoisons(t *testing.T) {
	tr, gw := newFastTransport(func(n int, cbw *usbms.CBW) reply {
		return reply{goneOnCSW: true}
	})

	_, err := tr.Execute(context.Background(), usbms.TestUnitReady())
	assert.True(t, transport.IsKind(err, transport.DeviceGone), "got %v", err)
	require.Equal(t, 1, gw.count())

	// Poisoned: every further call fails without touching the gateway.
	for i := 0; i < 5; i++ {
		_, err := tr.Execute(context.Background(), usbms.TestUnitReady())
		assert.True(t, transport.IsKind(err, transport.DeviceGone), "got %v", err)
	}
	assert.Equal(t, 1, gw.count())

	require.NoError(t, tr.Close())
	_, err = tr.Execute(context.Background(), usbms.TestUnitReady())
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestSingleInFlight(t *testing.T) {
	tr, gw := newFastTransport(echoGood)
	defer tr.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, err := tr.Execute(context.Background(), usbms.TestUnitReady())
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, gw.violations)
	tags := gw.snapshotTags()
	require.Len(t, tags, 160)
	for i := 1; i < len(tags); i++ {
		assert.Greater(t, tags[i], tags[i-1], "tags must be strictly increasing")
	}
}

func TestAnimationToleratesRandomTags(t *testing.T) {
	tr, _ := newFastTransport(func(n int, cbw *usbms.CBW) reply {
		if n%5 == 0 {
			return reply{status: usbms.StatusGood}
		}
		// 80% garbage tags, as the animation produces.
		return reply{status: usbms.StatusGood, echoTag: tagp(cbw.Tag + 1000 + uint32(n))}
	})
	defer tr.Close()

	for i := 0; i < 50; i++ {
		_, err := tr.Execute(context.Background(), usbms.TestUnitReady())
		require.NoError(t, err, "Animation must never surface TagMismatch (command %d)", i+1)
	}
}

func TestConnectedMismatchRetries(t *testing.T) {
	tr, gw := newFastTransport(echoGood)
	defer tr.Close()
	driveToConnected(t, tr)

	// One transient mismatch: a single retry succeeds.
	wrongOnce := true
	gw.setScript(func(n int, cbw *usbms.CBW) reply {
		if wrongOnce {
			wrongOnce = false
			return reply{status: usbms.StatusGood, echoTag: tagp(cbw.Tag + 7)}
		}
		return reply{status: usbms.StatusGood}
	})
	before := gw.count()
	_, err := tr.Execute(context.Background(), usbms.TestUnitReady())
	require.NoError(t, err)
	assert.Equal(t, before+2, gw.count())

	// A persistent mismatch exhausts the Connected retry budget and
	// surfaces.
	gw.setScript(func(n int, cbw *usbms.CBW) reply {
		return reply{status: usbms.StatusGood, echoTag: tagp(cbw.Tag + 7)}
	})
	before = gw.count()
	_, err = tr.Execute(context.Background(), usbms.TestUnitReady())
	assert.True(t, transport.IsKind(err, transport.TagMismatch), "got %v", err)
	assert.Equal(t, before+4, gw.count(), "MaxRetries+1 attempts")
}

func TestInvalidCSWRereadOnce(t *testing.T) {
	garbage := make([]byte, usbms.CSWSize)
	tr, _ := newFastTransport(func(n int, cbw *usbms.CBW) reply {
		return reply{status: usbms.StatusGood, rawCSW: [][]byte{garbage}}
	})
	defer tr.Close()

	// One bad wrapper, then a clean re-read: the operation succeeds.
	res, err := tr.Execute(context.Background(), usbms.TestUnitReady())
	require.NoError(t, err)
	assert.Equal(t, usbms.StatusGood, res.Csw.Status)
}

func TestInvalidCSWTwiceFatal(t *testing.T) {
	garbage := make([]byte, usbms.CSWSize)
	short := make([]byte, 5)
	tr, _ := newFastTransport(func(n int, cbw *usbms.CBW) reply {
		return reply{rawCSW: [][]byte{garbage, short}}
	})
	defer tr.Close()

	_, err := tr.Execute(context.Background(), usbms.TestUnitReady())
	assert.True(t, transport.IsKind(err, transport.InvalidCSW), "got %v", err)
}

func TestCSWStallRecovered(t *testing.T) {
	tr, gw := newFastTransport(func(n int, cbw *usbms.CBW) reply {
		return reply{status: usbms.StatusGood, stallCSWOnce: true}
	})
	defer tr.Close()

	res, err := tr.Execute(context.Background(), usbms.TestUnitReady())
	require.NoError(t, err)
	assert.Equal(t, usbms.StatusGood, res.Csw.Status)
	assert.Greater(t, gw.clearHalts, 0)
}

func TestKeepAliveHoldsConnected(t *testing.T) {
	cfg := fastConfig()
	cfg.KeepAlive = true
	cfg.KeepAliveInterval = 20 * time.Millisecond
	cfg.KeepAliveIdle = 10 * time.Millisecond
	gw := newMockGateway(echoGood)
	tr := transport.New(gw, transport.WithConfig(cfg))

	driveToConnected(t, tr)

	// No user traffic for twice the silence threshold: the keep-alive
	// probes must prevent the drop to Disconnected.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, lifecycle.Connected, tr.CurrentPhase())
	assert.Empty(t, gw.violations)

	require.NoError(t, tr.Close())
	after := gw.count()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, after, gw.count(), "keep-alive must stop with the transport")
}

func TestCloseIdempotent(t *testing.T) {
	tr, _ := newFastTransport(echoGood)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	_, err := tr.Execute(context.Background(), usbms.TestUnitReady())
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestInquiryDataPhase(t *testing.T) {
	inq := make([]byte, 36)
	copy(inq, "\x00\x80\x02\x02")
	tr, _ := newFastTransport(func(n int, cbw *usbms.CBW) reply {
		return reply{status: usbms.StatusGood, dataIn: inq}
	})
	defer tr.Close()

	res, err := tr.Execute(context.Background(), usbms.Inquiry(36))
	require.NoError(t, err)
	assert.Equal(t, inq, res.Data)
}

func TestStatistics(t *testing.T) {
	tr, _ := newFastTransport(echoGood)
	defer tr.Close()
	driveToConnected(t, tr)

	st := tr.Statistics()
	assert.Equal(t, lifecycle.Connected, st.Phase)
	assert.NotZero(t, st.PerPhase[lifecycle.Animation].Commands)
	assert.NotZero(t, st.Tags.Total)
	assert.NotEmpty(t, st.Tags.History)
}
