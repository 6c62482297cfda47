package main

import (
	goflag "flag"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "alitft",
	Short: "alitft drives ALi USB TFT panels (0402:3922)",
	Long: `Drives the reverse-engineered ALi USB TFT panel found in AIO coolers.

The device pretends to be a mass storage disk; images travel as vendor SCSI
commands over Bulk-Only Transport. The panel spends its first minute in a
boot animation during which it answers garbage - commands in that window
are paced and their failures expected. Be patient.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// glog wants flag.Parse; its flags are grafted onto cobra in main.
		goflag.CommandLine.Parse(nil)
	},
}

var flagConfig string

func main() {
	rootCmd.PersistentFlags().AddGoFlagSet(goflag.CommandLine)
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "Path to config file (default: $XDG_CONFIG_HOME/alitft/config.toml)")
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	displayCmd.Flags().IntVarP(&displayX, "x", "x", 0, "X coordinate of the top-left corner")
	displayCmd.Flags().IntVarP(&displayY, "y", "y", 0, "Y coordinate of the top-left corner")
	displayCmd.Flags().BoolVarP(&displayScale, "scale", "s", false, "Scale the image to fill the panel")
	displayCmd.Flags().BoolVar(&skipWait, "no-wait", false, "Do not wait for the device to leave its boot animation")
	testpatternCmd.Flags().BoolVar(&skipWait, "no-wait", false, "Do not wait for the device to leave its boot animation")
	clearCmd.Flags().BoolVar(&skipWait, "no-wait", false, "Do not wait for the device to leave its boot animation")

	rootCmd.AddCommand(displayCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(testpatternCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(inquiryCmd)
	rootCmd.Execute()
}
