package app

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tsingmao/xdna/internal/device"
	"github.com/tsingmao/xdna/internal/logger"
)

// NewDeviceCommand creates the device command for hardware detection
//
// Usage:
//
//	xdnactl device scan         # List AIE2 NPU functions
//	xdnactl device scan --all   # List every PCI function
func NewDeviceCommand(globalOpts *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "NPU device detection",
		Long: `Detect AIE2 NPU functions on the PCI bus.

Detection reads sysfs only; it does not open the device.`,
	}

	cmd.AddCommand(newDeviceScanCommand(globalOpts))

	return cmd
}

// newDeviceScanCommand creates the 'device scan' subcommand
func newDeviceScanCommand(globalOpts *GlobalOptions) *cobra.Command {
	var (
		showAll bool
		root    string
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan PCI devices for NPUs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showAll {
				devices, err := device.ScanPCIDevices(root)
				if err != nil {
					return fmt.Errorf("failed to scan PCI devices: %w", err)
				}
				logger.Info("Found %d PCI devices", len(devices))
				return printResult(cmd.OutOrStdout(), globalOpts, devices, func(tw *tabwriter.Writer) {
					fmt.Fprintln(tw, "PCI ADDRESS\tVENDOR:DEVICE\tCLASS\tDRIVER")
					fmt.Fprintln(tw, "-----------\t-------------\t-----\t------")
					for _, dev := range devices {
						fmt.Fprintf(tw, "%s\t%s:%s\t%s\t%s\n",
							dev.BusAddress, dev.VendorID, dev.DeviceID, orDash(dev.Class), orDash(dev.Driver))
					}
				})
			}

			npus, err := device.FindNPUs(root)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), globalOpts, npus, func(tw *tabwriter.Writer) {
				if len(npus) == 0 {
					fmt.Fprintln(tw, "No NPU detected on this system.")
					return
				}
				fmt.Fprintln(tw, "PCI ADDRESS\tMODEL\tVENDOR:DEVICE\tDRIVER")
				fmt.Fprintln(tw, "-----------\t-----\t-------------\t------")
				for _, npu := range npus {
					fmt.Fprintf(tw, "%s\t%s\t%s:%s\t%s\n",
						npu.BusAddress, npu.Model, npu.VendorID, npu.DeviceID, orDash(npu.Driver))
				}
				fmt.Fprintf(tw, "\nTotal: %d NPU(s) found\n", len(npus))
			})
		},
	}

	cmd.Flags().BoolVarP(&showAll, "all", "a", false, "show all PCI devices, not just NPUs")
	cmd.Flags().StringVar(&root, "sysfs", device.DefaultPCIRoot, "PCI devices directory")

	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
