package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/alitft/alitft/pkg/display"
	"github.com/alitft/alitft/pkg/transport"
)

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Blank the panel",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDisplay(cmd.Context(), func(ctx context.Context, d *display.Display, tr *transport.Transport) error {
			return d.Clear(ctx)
		})
	},
}
