package main

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alitft/alitft/pkg/display"
	"github.com/alitft/alitft/pkg/lifecycle"
	"github.com/alitft/alitft/pkg/transport"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query the panel's status block and show transport statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDisplay(cmd.Context(), func(ctx context.Context, d *display.Display, tr *transport.Transport) error {
			raw, err := d.Status(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Controller status: %s\n", hex.EncodeToString(raw))
			printStatistics(tr.Statistics())
			return nil
		})
	},
}

func printStatistics(st transport.Statistics) {
	fmt.Printf("Phase: %v (%.1fs)\n", st.Phase, st.InPhase.Seconds())
	for _, ph := range []lifecycle.Phase{lifecycle.Unknown, lifecycle.Animation, lifecycle.Connecting, lifecycle.Connected, lifecycle.Disconnected} {
		s, ok := st.PerPhase[ph]
		if !ok {
			continue
		}
		fmt.Printf("  %-12v commands %-5d ok %-5d tag mismatches %-5d stalls %-3d timeouts %-3d status-2 %d\n",
			ph, s.Commands, s.Successes, s.TagMismatches, s.PipeErrors, s.Timeouts, s.PhaseErrors)
	}
	fmt.Printf("Tags: next %d, %d sent, %d mismatched, %d device resets\n",
		st.Tags.Next, st.Tags.Total, st.Tags.Mismatches, st.Tags.Rebases)
}
