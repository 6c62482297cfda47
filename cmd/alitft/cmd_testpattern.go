package main

import (
	"context"
	"fmt"

	"github.com/fogleman/gg"
	"github.com/spf13/cobra"

	"github.com/alitft/alitft/pkg/display"
	"github.com/alitft/alitft/pkg/transport"
)

var testpatternCmd = &cobra.Command{
	Use:   "testpattern",
	Short: "Render a test pattern on the panel",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDisplay(cmd.Context(), func(ctx context.Context, d *display.Display, tr *transport.Transport) error {
			if err := d.Init(ctx); err != nil {
				return err
			}
			w, h := d.Size()
			return d.DrawImage(ctx, testPattern(w, h), 0, 0)
		})
	},
}

// testPattern renders color bars, a border and the panel geometry, enough
// to spot mirroring, offset and channel-order bugs at a glance.
func testPattern(w, h int) *display.Image {
	dc := gg.NewContext(w, h)

	bars := [][3]float64{
		{1, 1, 1}, {1, 1, 0}, {0, 1, 1}, {0, 1, 0},
		{1, 0, 1}, {1, 0, 0}, {0, 0, 1}, {0, 0, 0},
	}
	bw := float64(w) / float64(len(bars))
	for i, c := range bars {
		dc.SetRGB(c[0], c[1], c[2])
		dc.DrawRectangle(float64(i)*bw, 0, bw, float64(h)*0.75)
		dc.Fill()
	}

	// Horizontal grayscale ramp along the bottom quarter.
	for x := 0; x < w; x++ {
		v := float64(x) / float64(w-1)
		dc.SetRGB(v, v, v)
		dc.DrawRectangle(float64(x), float64(h)*0.75, 1, float64(h)*0.25)
		dc.Fill()
	}

	dc.SetRGB(1, 0, 0)
	dc.SetLineWidth(2)
	dc.DrawRectangle(1, 1, float64(w)-2, float64(h)-2)
	dc.Stroke()

	dc.SetRGB(0, 0, 0)
	dc.DrawStringAnchored(fmt.Sprintf("alitft %dx%d", w, h), float64(w)/2, float64(h)*0.8, 0.5, 0.5)

	return display.FromImage(dc.Image())
}
