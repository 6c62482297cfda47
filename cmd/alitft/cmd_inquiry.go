package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alitft/alitft/pkg/usbms"
)

var inquiryCmd = &cobra.Command{
	Use:   "inquiry",
	Short: "Send a SCSI INQUIRY and print what the device claims to be",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tr, _, err := openTransport()
		if err != nil {
			return err
		}
		defer tr.Close()

		res, err := tr.Execute(cmd.Context(), usbms.Inquiry(36))
		if err != nil {
			return err
		}
		if res.Csw.Status != usbms.StatusGood {
			return fmt.Errorf("INQUIRY answered %v", res.Csw.Status)
		}
		if len(res.Data) < 36 {
			return fmt.Errorf("short INQUIRY response: %d bytes", len(res.Data))
		}
		fmt.Printf("Vendor:   %s\n", strings.TrimSpace(string(res.Data[8:16])))
		fmt.Printf("Product:  %s\n", strings.TrimSpace(string(res.Data[16:32])))
		fmt.Printf("Revision: %s\n", strings.TrimSpace(string(res.Data[32:36])))
		return nil
	},
}
