// Package usbio wraps gousb for the ALi TFT's mass storage interface. It is
// the only package that touches the USB stack: it opens the device, detaches
// any kernel driver, claims interface 0, resolves the two bulk endpoints, and
// translates libusb errors into the canonical sentinels everything above
// keys off.
package usbio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/google/gousb"
	"github.com/hashicorp/go-multierror"
)

// Canonical transfer errors. The transport maps these onto its own error
// taxonomy; nothing above this package sees a gousb error.
var (
	ErrStall      = errors.New("endpoint stalled")
	ErrTimeout    = errors.New("transfer timed out")
	ErrBusy       = errors.New("resource busy")
	ErrGone       = errors.New("device gone")
	ErrCancelled  = errors.New("transfer cancelled")
	ErrNotFound   = errors.New("device not found")
	ErrPermission = errors.New("permission denied")
)

const (
	reqClearFeature  = 0x01
	featEndpointHalt = 0x00
	// bmRequestType: host-to-device, standard, endpoint recipient.
	rtEndpointOut = 0x02
	// bmRequestType: device-to-host, standard, device recipient.
	rtDeviceIn   = 0x80
	reqGetStatus = 0x00
)

// Gateway owns one claimed mass storage interface of one device.
type Gateway struct {
	vid, pid gousb.ID

	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	in   *gousb.InEndpoint
	out  *gousb.OutEndpoint

	inAddr  uint8
	outAddr uint8
}

// newContext builds a gousb context, converting the panic gousb raises when
// libusb is unusable into an error.
func newContext() (ctx *gousb.Context, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	return gousb.NewContext(), nil
}

// Open claims the device's interface 0 and resolves its bulk endpoint pair.
func Open(vid, pid gousb.ID) (*Gateway, error) {
	ctx, err := newContext()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize USB: %w", err)
	}

	g := &Gateway{vid: vid, pid: pid, ctx: ctx}
	if err := g.open(); err != nil {
		ctx.Close()
		return nil, err
	}
	return g, nil
}

func (g *Gateway) open() error {
	dev, err := g.ctx.OpenDeviceWithVIDPID(g.vid, g.pid)
	if err != nil {
		return translate(err)
	}
	if dev == nil {
		return ErrNotFound
	}
	g.dev = dev

	if err := dev.SetAutoDetach(true); err != nil {
		g.teardown()
		return fmt.Errorf("failed to detach kernel driver: %w", translate(err))
	}

	cfgNum, err := dev.ActiveConfigNum()
	if err != nil {
		g.teardown()
		return translate(err)
	}
	cfg, err := dev.Config(cfgNum)
	if err != nil {
		g.teardown()
		return translate(err)
	}
	g.cfg = cfg

	intf, err := cfg.Interface(0, 0)
	if err != nil {
		g.teardown()
		return fmt.Errorf("failed to claim interface 0: %w", translate(err))
	}
	g.intf = intf

	eps := dev.Desc.Configs[cfg.Desc.Number].Interfaces[0].AltSettings[0].Endpoints
	for _, ep := range eps {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		switch ep.Direction {
		case gousb.EndpointDirectionIn:
			g.in, err = intf.InEndpoint(ep.Number)
			g.inAddr = uint8(ep.Number) | 0x80
		case gousb.EndpointDirectionOut:
			g.out, err = intf.OutEndpoint(ep.Number)
			g.outAddr = uint8(ep.Number)
		}
		if err != nil {
			g.teardown()
			return translate(err)
		}
	}
	if g.in == nil || g.out == nil {
		g.teardown()
		return fmt.Errorf("interface 0 has no bulk endpoint pair")
	}
	glog.V(1).Infof("Claimed %s:%s, bulk in %#02x, bulk out %#02x", g.vid, g.pid, g.inAddr, g.outAddr)
	return nil
}

// teardown releases everything except the gousb context.
func (g *Gateway) teardown() {
	if g.intf != nil {
		g.intf.Close()
		g.intf = nil
	}
	if g.cfg != nil {
		g.cfg.Close()
		g.cfg = nil
	}
	if g.dev != nil {
		g.dev.Close()
		g.dev = nil
	}
	g.in = nil
	g.out = nil
}

// Close releases the interface and the USB context. SetAutoDetach makes
// libusb reattach the kernel driver on release.
func (g *Gateway) Close() error {
	var errs error
	if g.cfg != nil {
		if g.intf != nil {
			g.intf.Close()
			g.intf = nil
		}
		if err := g.cfg.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
		g.cfg = nil
	}
	if g.dev != nil {
		if err := g.dev.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
		g.dev = nil
	}
	if g.ctx != nil {
		if err := g.ctx.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
		g.ctx = nil
	}
	return errs
}

// BulkOut writes p to the bulk OUT endpoint within timeout.
func (g *Gateway) BulkOut(ctx context.Context, p []byte, timeout time.Duration) error {
	if g.out == nil {
		return ErrGone
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	n, err := g.out.WriteContext(tctx, p)
	if err != nil {
		return translate(err)
	}
	if n != len(p) {
		return fmt.Errorf("short bulk write: %d of %d bytes", n, len(p))
	}
	return nil
}

// BulkIn reads up to max bytes from the bulk IN endpoint within timeout.
// Short reads are returned as-is; the caller decides what they mean.
func (g *Gateway) BulkIn(ctx context.Context, max int, timeout time.Duration) ([]byte, error) {
	if g.in == nil {
		return nil, ErrGone
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	buf := make([]byte, max)
	n, err := g.in.ReadContext(tctx, buf)
	if err != nil {
		return nil, translate(err)
	}
	return buf[:n], nil
}

// ClearHalt clears the halt condition on one of the bulk endpoints via a
// CLEAR_FEATURE(ENDPOINT_HALT) control request.
func (g *Gateway) ClearHalt(in bool) error {
	if g.dev == nil {
		return ErrGone
	}
	addr := g.outAddr
	if in {
		addr = g.inAddr
	}
	glog.V(2).Infof("Clearing halt on endpoint %#02x", addr)
	_, err := g.dev.Control(rtEndpointOut, reqClearFeature, featEndpointHalt, uint16(addr), nil)
	if err != nil {
		return translate(err)
	}
	return nil
}

// ResetDevice performs a USB port reset. The claimed interface survives in
// libusb terms, but the device re-runs its init path, so callers must treat
// all protocol state as lost.
func (g *Gateway) ResetDevice() error {
	if g.dev == nil {
		return ErrGone
	}
	glog.V(1).Infof("Resetting device %s:%s", g.vid, g.pid)
	if err := g.dev.Reset(); err != nil {
		return translate(err)
	}
	return nil
}

// IsPresent reports whether the device still answers on the bus, using a
// standard GET_STATUS request as the probe.
func (g *Gateway) IsPresent() bool {
	if g.dev == nil {
		return false
	}
	buf := make([]byte, 2)
	_, err := g.dev.Control(rtDeviceIn, reqGetStatus, 0, 0, buf)
	return !errors.Is(translate(err), ErrGone)
}

// Reopen drops the current device handle and polls for re-enumeration until
// ctx expires. It mirrors the open sequence once the device shows up again.
func (g *Gateway) Reopen(ctx context.Context) error {
	g.teardown()
	for {
		err := g.open()
		switch {
		case err == nil:
			return nil
		case !errors.Is(err, ErrNotFound):
			glog.V(1).Infof("Reopen attempt: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// translate maps gousb/libusb/context errors onto the canonical sentinels.
// Unknown errors pass through unchanged.
func translate(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, gousb.ErrorPipe), errors.Is(err, gousb.TransferStall):
		return ErrStall
	case errors.Is(err, gousb.ErrorTimeout), errors.Is(err, gousb.TransferTimedOut),
		errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, gousb.ErrorBusy):
		return ErrBusy
	case errors.Is(err, gousb.ErrorNoDevice), errors.Is(err, gousb.TransferNoDevice),
		errors.Is(err, gousb.ErrorNotFound), errors.Is(err, gousb.ErrorIO):
		return ErrGone
	case errors.Is(err, gousb.ErrorAccess):
		return ErrPermission
	case errors.Is(err, gousb.TransferCancelled), errors.Is(err, context.Canceled):
		return ErrCancelled
	}
	return err
}
