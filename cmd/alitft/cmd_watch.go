package main

import (
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/alitft/alitft/pkg/lifecycle"
	"github.com/alitft/alitft/pkg/usbms"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the device through its lifecycle phases",
	Long: `Opens the device, checks the inferred phase once a second and prints
each change. Before Connecting each check also sends a TEST UNIT READY probe;
from Connecting on, the keep-alive probes run. Useful for watching a cold panel crawl through
Animation into Connected, and for seeing how fast it drops back when probes
stop.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tr, _, err := openTransport()
		if err != nil {
			return err
		}
		defer tr.Close()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt)
		defer signal.Stop(sig)

		tick := time.NewTicker(time.Second)
		defer tick.Stop()

		last := tr.CurrentPhase()
		fmt.Printf("Phase: %v\n", last)
		for {
			select {
			case <-sig:
				fmt.Println()
				printStatistics(tr.Statistics())
				return nil
			case <-tick.C:
				if ph := tr.CurrentPhase(); ph == lifecycle.Unknown || ph == lifecycle.Animation {
					// The keep-alive task stays quiet before Connecting;
					// probe here so a cold panel can leave its animation.
					tr.Execute(cmd.Context(), usbms.TestUnitReady())
				}
				if ph := tr.CurrentPhase(); ph != last {
					fmt.Printf("Phase: %v -> %v\n", last, ph)
					last = ph
				}
			}
		}
	},
}
