package transport

import (
	"context"
	"errors"

	"github.com/golang/glog"

	"github.com/alitft/alitft/pkg/lifecycle"
	"github.com/alitft/alitft/pkg/usbms"
)

// keepAlive is the background TEST UNIT READY emitter. The device drops to
// its "connection lost" screen after ~5 s of bus silence; this task fills
// the gaps when no caller is talking. It funnels through Execute, so it
// contends for the same mutex as everyone else and cannot violate the
// single-outstanding-command rule.
type keepAlive struct {
	stop chan struct{}
	done chan struct{}
}

func (t *Transport) startKeepAlive() {
	t.ka = &keepAlive{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go t.keepAliveLoop(t.ka)
}

func (ka *keepAlive) stopAndWait() {
	close(ka.stop)
	<-ka.done
}

func (t *Transport) keepAliveLoop(ka *keepAlive) {
	defer close(ka.done)

	ticker := t.clock.NewTicker(t.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ka.stop:
			return
		case <-ticker.Chan():
		}

		ph := t.machine.Tick()
		if ph != lifecycle.Connecting && ph != lifecycle.Connected {
			// Nothing to keep alive before the device starts listening,
			// and nothing to be done once it has given up.
			continue
		}
		if since := t.machine.SinceCSW(); since >= 0 && since < t.cfg.KeepAliveIdle {
			continue
		}

		_, err := t.Execute(context.Background(), usbms.TestUnitReady())
		switch {
		case err == nil:
			glog.V(2).Infof("Keep-alive probe ok")
		case errors.Is(err, ErrClosed):
			return
		default:
			// Keep-alive failures feed the lifecycle machine through
			// Execute but are never surfaced to other callers.
			glog.V(1).Infof("Keep-alive probe failed: %v", err)
		}
	}
}
