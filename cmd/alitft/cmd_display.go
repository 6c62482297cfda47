package main

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/spf13/cobra"

	"github.com/alitft/alitft/pkg/display"
	"github.com/alitft/alitft/pkg/transport"
)

var (
	displayX     int
	displayY     int
	displayScale bool
)

var displayCmd = &cobra.Command{
	Use:   "display [image file]",
	Short: "Show an image on the panel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		img, _, err := image.Decode(f)
		if err != nil {
			return fmt.Errorf("decoding %s: %w", args[0], err)
		}

		return withDisplay(cmd.Context(), func(ctx context.Context, d *display.Display, tr *transport.Transport) error {
			if err := d.Init(ctx); err != nil {
				return err
			}
			if displayScale {
				w, h := d.Size()
				return d.DrawImage(ctx, display.Scaled(img, w, h), 0, 0)
			}
			return d.DrawImage(ctx, img, displayX, displayY)
		})
	},
}
