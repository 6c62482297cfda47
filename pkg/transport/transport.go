// Package transport implements the lifecycle-aware Bulk-Only Transport for
// the ALi TFT device. One Transport owns one claimed USB interface and runs
// at most one CBW/CSW exchange at a time; callers from any goroutine are
// serialized through a single mutex around the whole exchange, as BOT
// requires.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/gousb"
	"github.com/jonboulle/clockwork"

	"github.com/alitft/alitft/pkg/lifecycle"
	"github.com/alitft/alitft/pkg/usbio"
	"github.com/alitft/alitft/pkg/usbms"
)

// Config collects every tunable of the transport. New starts from
// DefaultConfig; WithConfig replaces it as a whole, and zero values in the
// replacement are used as given.
type Config struct {
	Lifecycle lifecycle.Config
	Policies  lifecycle.Policies

	// CommandTimeout bounds the CBW bulk-OUT.
	CommandTimeout time.Duration
	// StatusTimeout bounds the CSW bulk-IN.
	StatusTimeout time.Duration
	// DataTimeoutBase plus DataTimeoutPerKiB times the payload size bounds
	// the data phase.
	DataTimeoutBase   time.Duration
	DataTimeoutPerKiB time.Duration

	// KeepAlive starts the background TEST UNIT READY emitter.
	KeepAlive         bool
	KeepAliveInterval time.Duration
	// KeepAliveIdle is how long the bus may stay quiet before the emitter
	// probes.
	KeepAliveIdle time.Duration

	// AutoReconnect makes Execute attempt a full reconnect (wait for
	// re-enumeration, re-claim) when the handle is poisoned by DeviceGone.
	AutoReconnect bool
}

// DefaultConfig returns the timings that keep the device alive.
func DefaultConfig() Config {
	return Config{
		Lifecycle:         lifecycle.DefaultConfig(),
		Policies:          lifecycle.DefaultPolicies(),
		CommandTimeout:    time.Second,
		StatusTimeout:     time.Second,
		DataTimeoutBase:   5 * time.Second,
		DataTimeoutPerKiB: 10 * time.Millisecond,
		KeepAlive:         true,
		KeepAliveInterval: 3 * time.Second,
		KeepAliveIdle:     3 * time.Second,
	}
}

// Result is a completed exchange: the CSW, and the data-phase payload for
// device-to-host commands.
type Result struct {
	Csw  usbms.CSW
	Data []byte
}

// Transport is the handle around one claimed device.
type Transport struct {
	cfg   Config
	clock clockwork.Clock
	gw    Gateway

	// mu serializes the CBW -> data -> CSW sequence. The orchestrator
	// updates machine, tags and poisoned under it; machine and tags also
	// carry their own locks, so CurrentPhase and Statistics read them
	// without taking mu.
	mu       sync.Mutex
	machine  *lifecycle.Machine
	tags     *lifecycle.TagMonitor
	poisoned error
	closed   bool

	ka        *keepAlive
	closeOnce sync.Once
	closeErr  error
}

// Option tweaks a Transport at construction.
type Option func(*Transport)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(t *Transport) { t.cfg = cfg }
}

// WithClock injects a clock; tests pass a fake one.
func WithClock(c clockwork.Clock) Option {
	return func(t *Transport) { t.clock = c }
}

// Open claims the device with the given USB IDs and wraps it in a
// Transport. usbio sentinels (ErrNotFound, ErrBusy, ErrPermission) pass
// through for the caller to distinguish.
func Open(vid, pid gousb.ID, opts ...Option) (*Transport, error) {
	gw, err := usbio.Open(vid, pid)
	if err != nil {
		return nil, fmt.Errorf("opening %s:%s: %w", vid, pid, err)
	}
	return New(gw, opts...), nil
}

// New wraps an already-open gateway. The keep-alive task starts here if
// enabled.
func New(gw Gateway, opts ...Option) *Transport {
	t := &Transport{
		cfg:   DefaultConfig(),
		clock: clockwork.NewRealClock(),
		gw:    gw,
	}
	for _, o := range opts {
		o(t)
	}
	t.machine = lifecycle.NewMachine(t.cfg.Lifecycle, t.clock)
	t.tags = lifecycle.NewTagMonitor()
	if t.cfg.KeepAlive {
		t.startKeepAlive()
	}
	return t
}

// Close cancels the keep-alive task, waits for it, and releases the device.
// It is idempotent; the keep-alive task is joined exactly once.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		if t.ka != nil {
			t.ka.stopAndWait()
		}
		t.mu.Lock()
		t.closed = true
		t.machine.ForceUnknown()
		t.mu.Unlock()
		t.closeErr = t.gw.Close()
	})
	return t.closeErr
}

// CurrentPhase returns the inferred device phase, applying any wall-clock
// transition that is due.
func (t *Transport) CurrentPhase() lifecycle.Phase {
	return t.machine.Tick()
}

// Statistics is a snapshot of the handle's lifecycle accounting.
type Statistics struct {
	Phase    lifecycle.Phase
	InPhase  time.Duration
	PerPhase map[lifecycle.Phase]lifecycle.PhaseStats
	Tags     lifecycle.TagSummary
}

// Statistics snapshots the per-phase counters and the tag history.
func (t *Transport) Statistics() Statistics {
	return Statistics{
		Phase:    t.machine.Phase(),
		InPhase:  t.machine.InPhase(),
		PerPhase: t.machine.Stats(),
		Tags:     t.tags.Summary(),
	}
}

// ExecOption adjusts a single Execute call.
type ExecOption func(*execOpts)

type execOpts struct {
	allowDisconnected bool
}

// AllowDisconnected lets the call proceed while the device is in its
// "connection lost" state instead of failing fast. Probes rescuing the
// device use it.
func AllowDisconnected() ExecOption {
	return func(o *execOpts) { o.allowDisconnected = true }
}

// Execute runs one SCSI command through the full protocol: pacing, tag
// allocation, CBW, data phase, CSW, validation, lifecycle accounting and
// per-phase recovery. The returned CSW includes the status byte; whether a
// non-zero status is an error in the caller's domain is the caller's call,
// except where the phase policy already surfaces it as ScsiFailure.
func (t *Transport) Execute(ctx context.Context, cmd usbms.Command, opts ...ExecOption) (*Result, error) {
	var eo execOpts
	for _, o := range opts {
		o(&eo)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}
	if t.poisoned != nil {
		if !t.cfg.AutoReconnect {
			return nil, t.poisoned
		}
		if err := t.reconnectLocked(ctx); err != nil {
			return nil, err
		}
	}

	t.machine.Begin()
	ph := t.machine.Tick()
	if ph == lifecycle.Disconnected && !eo.allowDisconnected {
		return nil, &Error{Kind: DeviceGone, Phase: ph, Elapsed: t.machine.InPhase(),
			Err: errors.New("device is showing its connection lost screen")}
	}

	pol := t.cfg.Policies.For(ph)
	stalls := 0
	for attempt := 0; ; attempt++ {
		res, err := t.exchange(ctx, cmd, ph, pol, attempt)
		if err == nil {
			return res, nil
		}

		kind, ok := KindOf(err)
		if !ok {
			return nil, err
		}
		switch kind {
		case DeviceGone:
			t.poison(err)
			return nil, err
		case Cancelled, InvalidCSW, ScsiFailure:
			return nil, err
		}
		if attempt >= pol.MaxRetries {
			return nil, err
		}

		switch kind {
		case PipeStall:
			stalls++
			if pol.ResetOnRepeatedStall && stalls >= 2 {
				glog.Warningf("Repeated stall in %v, resetting device", ph)
				if rerr := t.resetLocked(); rerr != nil {
					return nil, rerr
				}
			} else if pol.ClearHaltOnStall {
				t.clearHalts()
			}
		case ResourceBusy, Timeout, TagMismatch:
			if err := t.sleep(ctx, pol.Backoff(attempt)); err != nil {
				return nil, &Error{Kind: Cancelled, Phase: ph, Elapsed: t.machine.InPhase(), Attempt: attempt, Err: err}
			}
		}
		// The phase may have moved while we recovered.
		ph = t.machine.Tick()
		pol = t.cfg.Policies.For(ph)
		glog.V(1).Infof("Retrying command %#02x after %v (attempt %d/%d)", cmd.CDB[0], kind, attempt+1, pol.MaxRetries)
	}
}

// exchange runs a single attempt of the CBW -> data -> CSW protocol. It must
// be called with t.mu held.
func (t *Transport) exchange(ctx context.Context, cmd usbms.Command, ph lifecycle.Phase, pol lifecycle.Policy, attempt int) (*Result, error) {
	fail := func(kind Kind, tag uint32, err error) *Error {
		return &Error{Kind: kind, Phase: ph, Tag: tag, Elapsed: t.machine.InPhase(), Attempt: attempt, Err: err}
	}

	if err := t.sleep(ctx, pol.PreDelay); err != nil {
		return nil, fail(Cancelled, 0, err)
	}

	tag := t.tags.Next()
	cbw := usbms.CBW{
		Tag:            tag,
		TransferLength: cmd.TransferLength(),
		Direction:      cmd.Direction,
		CDB:            cmd.CDB,
	}
	raw, err := cbw.Encode()
	if err != nil {
		return nil, fmt.Errorf("encoding CBW: %w", err)
	}

	glog.V(2).Infof("CBW out: op %#02x, tag %d, %d bytes %v", cmd.CDB[0], tag, cbw.TransferLength, cmd.Direction)
	if err := t.gw.BulkOut(ctx, raw, t.cfg.CommandTimeout); err != nil {
		return nil, t.transferError(fail, tag, err, false)
	}

	// From here on the CBW is on the wire: every early return must either
	// have consumed the CSW or have poisoned the handle, or the device's
	// framing desynchronizes for all later commands.
	var data []byte
	switch cmd.Direction {
	case usbms.DirectionOut:
		if len(cmd.Data) > 0 {
			if err := t.gw.BulkOut(ctx, cmd.Data, t.dataTimeout(len(cmd.Data))); err != nil {
				if e := t.dataPhaseError(fail, tag, err, false); e != nil {
					return nil, e
				}
			}
		}
	case usbms.DirectionIn:
		if cmd.InLength > 0 {
			data, err = t.gw.BulkIn(ctx, cmd.InLength, t.dataTimeout(cmd.InLength))
			if err != nil {
				if e := t.dataPhaseError(fail, tag, err, true); e != nil {
					return nil, e
				}
				data = nil
			}
		}
	}

	csw, cswErr := t.readCSW(ctx, fail, tag)
	if cswErr != nil {
		return nil, cswErr
	}

	verdict := t.tags.Validate(tag, csw.Tag, ph)
	if verdict == lifecycle.SuspectedReset {
		t.tags.Rebase(csw.Tag)
		verdict = lifecycle.Accept
	}

	t.machine.ObserveCSW(lifecycle.CSWObservation{
		Success:     csw.Status == usbms.StatusGood,
		TagExact:    csw.Tag == tag,
		TagAccepted: verdict == lifecycle.Accept,
		PhaseError:  csw.Status == usbms.StatusPhaseError,
	})

	if verdict == lifecycle.Mismatch {
		return nil, fail(TagMismatch, tag, fmt.Errorf("sent %d, device answered %d", tag, csw.Tag))
	}
	if csw.Status != usbms.StatusGood && !pol.AcceptScsiFailure {
		e := fail(ScsiFailure, tag, nil)
		e.Status = csw.Status
		return nil, e
	}

	// The exchange is complete; a cancelled post-delay does not undo it.
	t.sleep(ctx, pol.PostDelay)
	return &Result{Csw: csw, Data: data}, nil
}

// dataPhaseError handles a failed data phase. A stall there is recoverable:
// clear the halted endpoint and fall through to the status phase (returns
// nil). Everything else aborts the attempt.
func (t *Transport) dataPhaseError(fail func(Kind, uint32, error) *Error, tag uint32, err error, in bool) *Error {
	if errors.Is(err, usbio.ErrStall) {
		glog.V(1).Infof("Stall during data phase, clearing halt and reading CSW")
		t.machine.ObservePipeError()
		if cerr := t.gw.ClearHalt(in); cerr != nil {
			return t.transferError(fail, tag, cerr, in)
		}
		return nil
	}
	return t.transferError(fail, tag, err, in)
}

// readCSW reads and decodes the 13-byte status wrapper, with one recovery
// re-read after a stall or an invalid wrapper.
func (t *Transport) readCSW(ctx context.Context, fail func(Kind, uint32, error) *Error, tag uint32) (usbms.CSW, *Error) {
	var lastErr error
	for i := 0; i < 2; i++ {
		raw, err := t.gw.BulkIn(ctx, usbms.CSWSize, t.cfg.StatusTimeout)
		if err != nil {
			if errors.Is(err, usbio.ErrStall) && i == 0 {
				t.machine.ObservePipeError()
				if cerr := t.gw.ClearHalt(true); cerr != nil {
					return usbms.CSW{}, t.transferError(fail, tag, cerr, true)
				}
				lastErr = err
				continue
			}
			return usbms.CSW{}, t.transferError(fail, tag, err, true)
		}
		csw, err := usbms.DecodeCSW(raw)
		if err != nil {
			lastErr = err
			if i == 0 {
				glog.V(1).Infof("Invalid CSW (%v), clearing IN halt and re-reading", err)
				t.gw.ClearHalt(true)
				continue
			}
			break
		}
		return csw, nil
	}
	return usbms.CSW{}, fail(InvalidCSW, tag, lastErr)
}

// transferError turns a gateway sentinel into a transport error and feeds
// the lifecycle machine.
func (t *Transport) transferError(fail func(Kind, uint32, error) *Error, tag uint32, err error, in bool) *Error {
	switch {
	case errors.Is(err, usbio.ErrStall):
		t.machine.ObservePipeError()
		return fail(PipeStall, tag, err)
	case errors.Is(err, usbio.ErrTimeout):
		t.machine.ObserveTimeout()
		return fail(Timeout, tag, err)
	case errors.Is(err, usbio.ErrBusy):
		return fail(ResourceBusy, tag, err)
	case errors.Is(err, usbio.ErrGone):
		t.machine.ObserveGone()
		return fail(DeviceGone, tag, err)
	case errors.Is(err, usbio.ErrCancelled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// A cancelled exchange may have left an unanswered CBW on the
		// wire; the handle cannot re-synchronize, so poison it.
		t.poison(fail(DeviceGone, tag, errors.New("cancelled mid-exchange, CBW/CSW framing lost")))
		return fail(Cancelled, tag, err)
	default:
		return fail(DeviceGone, tag, err)
	}
}

func (t *Transport) poison(err error) {
	if t.poisoned == nil {
		glog.Warningf("Transport poisoned: %v", err)
		t.poisoned = err
	}
}

// clearHalts clears both bulk endpoints, best effort.
func (t *Transport) clearHalts() {
	if err := t.gw.ClearHalt(false); err != nil {
		glog.V(1).Infof("Clearing OUT halt: %v", err)
	}
	if err := t.gw.ClearHalt(true); err != nil {
		glog.V(1).Infof("Clearing IN halt: %v", err)
	}
}

// resetLocked performs a device reset and voids all inferred state.
func (t *Transport) resetLocked() error {
	if err := t.gw.ResetDevice(); err != nil {
		e := &Error{Kind: DeviceGone, Phase: t.machine.Phase(), Elapsed: t.machine.InPhase(), Err: err}
		t.poison(e)
		return e
	}
	t.machine.ForceUnknown()
	t.tags.Reset()
	return nil
}

// reconnectLocked waits for the device to re-enumerate and re-claims it.
func (t *Transport) reconnectLocked(ctx context.Context) error {
	ro, ok := t.gw.(Reopener)
	if !ok {
		return t.poisoned
	}
	glog.Infof("Reconnecting after: %v", t.poisoned)
	if err := ro.Reopen(ctx); err != nil {
		return fmt.Errorf("reconnect failed: %w", err)
	}
	t.poisoned = nil
	t.tags.Reset()
	t.machine.ObserveReenumerated()
	return nil
}

// Reconnect explicitly waits for re-enumeration and resets the handle's
// protocol state. Usable whether or not the handle is poisoned.
func (t *Transport) Reconnect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	ro, ok := t.gw.(Reopener)
	if !ok {
		return errors.New("gateway cannot reopen")
	}
	if err := ro.Reopen(ctx); err != nil {
		return fmt.Errorf("reconnect failed: %w", err)
	}
	t.poisoned = nil
	t.tags.Reset()
	t.machine.ObserveReenumerated()
	return nil
}

// WaitForPhase drives TEST UNIT READY probes until the lifecycle machine
// reports the target phase or the timeout runs out. This is how a caller
// rides out the ~minute of boot animation before the panel listens.
func (t *Transport) WaitForPhase(ctx context.Context, target lifecycle.Phase, timeout time.Duration) (lifecycle.Phase, error) {
	deadline := t.clock.Now().Add(timeout)
	for {
		ph := t.CurrentPhase()
		if ph == target {
			return ph, nil
		}
		if t.clock.Now().After(deadline) {
			return ph, &Error{Kind: Timeout, Phase: ph, Elapsed: t.machine.InPhase(),
				Err: fmt.Errorf("phase %v not reached within %v", target, timeout)}
		}

		_, err := t.Execute(ctx, usbms.TestUnitReady(), AllowDisconnected())
		if err != nil {
			if errors.Is(err, ErrClosed) || IsKind(err, DeviceGone) || IsKind(err, Cancelled) {
				return t.CurrentPhase(), err
			}
			// Failures are the norm during the animation; keep probing.
			glog.V(1).Infof("Probe failed while waiting for %v: %v", target, err)
		}

		if err := t.sleep(ctx, probeInterval(t.CurrentPhase())); err != nil {
			return t.CurrentPhase(), err
		}
	}
}

// probeInterval spaces WaitForPhase probes: patient during the animation,
// brisk once the device talks.
func probeInterval(ph lifecycle.Phase) time.Duration {
	switch ph {
	case lifecycle.Animation, lifecycle.Unknown:
		return 200 * time.Millisecond
	default:
		return 100 * time.Millisecond
	}
}

func (t *Transport) dataTimeout(n int) time.Duration {
	return t.cfg.DataTimeoutBase + time.Duration(n/1024)*t.cfg.DataTimeoutPerKiB
}

// sleep waits for d on the transport clock, or until ctx is done.
func (t *Transport) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := t.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}
