// Package display drives the ALi TFT panel over a lifecycle-aware
// transport: the 0xF5 init sequence, screen control, and RGB565 image
// blits. The transport carries the bytes; this package knows what they
// mean.
package display

import (
	"context"
	"encoding/binary"
	"fmt"
	"image"

	"github.com/golang/glog"

	"github.com/alitft/alitft/pkg/devices"
	"github.com/alitft/alitft/pkg/transport"
	"github.com/alitft/alitft/pkg/usbms"
)

// Executor is the slice of the transport the display needs. Tests substitute
// their own.
type Executor interface {
	Execute(ctx context.Context, cmd usbms.Command, opts ...transport.ExecOption) (*transport.Result, error)
}

// framebufferMode is the only set-mode value observed to enable direct
// image writes.
const framebufferMode = 5

const headerSize = 10

// formatRGB565 is the sole pixel format the panel accepts.
const formatRGB565 = 0x01

// Display is a panel attached through a transport.
type Display struct {
	x    Executor
	desc devices.Description
}

// New wraps a transport (or any Executor) driving the described panel.
func New(x Executor, desc devices.Description) *Display {
	return &Display{x: x, desc: desc}
}

// Size returns the panel dimensions in pixels.
func (d *Display) Size() (w, h int) {
	return d.desc.Width, d.desc.Height
}

// run executes one command and folds a non-zero CSW status into an error.
func (d *Display) run(ctx context.Context, what string, cmd usbms.Command) (*transport.Result, error) {
	res, err := d.x.Execute(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	if res.Csw.Status != usbms.StatusGood {
		return nil, fmt.Errorf("%s: device answered %v", what, res.Csw.Status)
	}
	return res, nil
}

// Init brings the panel out of its boot animation into framebuffer mode:
// init, set mode, stop the animation, clear. The transport should be in the
// Connected phase first, or the sequence will bounce off the animation.
func (d *Display) Init(ctx context.Context) error {
	glog.Infof("Initializing %v", d.desc.Kind)
	if _, err := d.run(ctx, "display init", usbms.VendorInit()); err != nil {
		return err
	}
	if err := d.SetMode(ctx, framebufferMode); err != nil {
		return err
	}
	if err := d.Animation(ctx, false); err != nil {
		return err
	}
	return d.Clear(ctx)
}

// Reset issues the controller reset subcommand.
func (d *Display) Reset(ctx context.Context) error {
	_, err := d.run(ctx, "display reset", usbms.VendorReset())
	return err
}

// Clear blanks the screen.
func (d *Display) Clear(ctx context.Context) error {
	_, err := d.run(ctx, "clear screen", usbms.VendorClearScreen())
	return err
}

// SetMode selects a display mode.
func (d *Display) SetMode(ctx context.Context, mode uint8) error {
	_, err := d.run(ctx, "set mode", usbms.VendorSetMode(mode))
	return err
}

// Animation starts or stops the built-in boot animation.
func (d *Display) Animation(ctx context.Context, on bool) error {
	_, err := d.run(ctx, "animation control", usbms.VendorAnimation(on))
	return err
}

// Status reads the 8-byte controller status block. Its layout is not fully
// understood; callers get the raw bytes.
func (d *Display) Status(ctx context.Context) ([]byte, error) {
	res, err := d.run(ctx, "get status", usbms.VendorGetStatus())
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

// DrawImage blits img to the panel with its top-left corner at (x, y),
// converting to RGB565 as needed. The image must fit the panel.
func (d *Display) DrawImage(ctx context.Context, img image.Image, x, y int) error {
	fb, ok := img.(*Image)
	if !ok {
		fb = FromImage(img)
	}
	w, h := fb.Rect.Dx(), fb.Rect.Dy()
	if x < 0 || y < 0 || x+w > d.desc.Width || y+h > d.desc.Height {
		return fmt.Errorf("%dx%d image at (%d, %d) exceeds %dx%d panel", w, h, x, y, d.desc.Width, d.desc.Height)
	}

	pix := fb.Bytes()
	payload := make([]byte, 0, headerSize+len(pix))
	payload = append(payload, imageHeader(x, y, w, h)...)
	payload = append(payload, pix...)

	glog.V(1).Infof("Blitting %dx%d at (%d, %d), %d bytes", w, h, x, y, len(payload))
	_, err := d.run(ctx, "display image", usbms.VendorDisplayImage(payload))
	return err
}

// Fill paints the whole panel a single color.
func (d *Display) Fill(ctx context.Context, c RGB565) error {
	fb := NewImage(d.desc.Width, d.desc.Height)
	for i := 0; i < len(fb.Pix); i += 2 {
		fb.Pix[i] = uint8(c.V >> 8)
		fb.Pix[i+1] = uint8(c.V)
	}
	return d.DrawImage(ctx, fb, 0, 0)
}

// imageHeader builds the 10-byte header preceding pixel data. Unlike the
// CBW/CSW envelopes, its coordinate fields are big-endian.
func imageHeader(x, y, w, h int) []byte {
	hdr := make([]byte, headerSize)
	hdr[0] = formatRGB565
	binary.BigEndian.PutUint16(hdr[2:], uint16(x))
	binary.BigEndian.PutUint16(hdr[4:], uint16(y))
	binary.BigEndian.PutUint16(hdr[6:], uint16(w))
	binary.BigEndian.PutUint16(hdr[8:], uint16(h))
	return hdr
}
