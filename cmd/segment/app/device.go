package app

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/soumen02/lesion-segmentator/internal/api"
	"github.com/soumen02/lesion-segmentator/internal/capability"
	"github.com/soumen02/lesion-segmentator/internal/device"
	"github.com/soumen02/lesion-segmentator/internal/logger"
	"github.com/soumen02/lesion-segmentator/internal/runtime"
)

// deviceReport is the JSON form of the device command output.
type deviceReport struct {
	GPUs      []device.PCIDevice   `json:"gpus"`
	Decisions []api.DeviceDecision `json:"decisions"`
}

// NewDeviceCommand creates the device command.
//
// The device command shows the NVIDIA GPUs visible on the PCI bus and how
// the auto and accelerated modes would be resolved on this host right now.
//
// Usage:
//
//	segment device [--json]
//
// Parameters:
//   - globalOpts: Global options shared across commands
//
// Returns:
//   - A configured cobra.Command for device detection
func NewDeviceCommand(globalOpts *GlobalOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "device",
		Short: "Show GPU detection and device resolution",
		Long: `Detect NVIDIA GPUs and show which backend a run would use.

Acceleration requires a supported host OS, a working NVIDIA driver and the
nvidia runtime registered with Docker. The first missing piece is reported.`,
		Example: `  # Show detected GPUs and the resolved backend
  segment device

  # Machine readable output
  segment device --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := globalOpts.Config()
			if err != nil {
				return err
			}

			// A missing daemon is a probe failure here, not an error.
			var lister capability.RuntimeLister
			engine, err := runtime.NewDockerEngine(ctx)
			if err != nil {
				logger.Debug("Docker unavailable: %v", err)
			} else {
				defer engine.Close()
				lister = engine
			}

			devices := device.NewManager()
			gpus, err := devices.GPUs(ctx)
			if err != nil {
				logger.Warn("PCI scan failed: %v", err)
			}

			detector := capability.NewDetector(capability.DefaultProbes(lister, cfg.Runtime.GPURuntime, devices)...)
			report := deviceReport{GPUs: gpus}
			for _, mode := range []api.DeviceMode{api.DeviceAuto, api.DeviceAccelerated} {
				report.Decisions = append(report.Decisions, detector.Resolve(ctx, mode))
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			printDeviceReport(report)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")

	return cmd
}

func printDeviceReport(r deviceReport) {
	if len(r.GPUs) == 0 {
		fmt.Println("No NVIDIA GPU detected on the PCI bus.")
	} else {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "PCI ADDRESS\tVENDOR:DEVICE")
		fmt.Fprintln(w, "-----------\t-------------")
		for _, gpu := range r.GPUs {
			fmt.Fprintf(w, "%s\t%s:%s\n", gpu.BusAddress, gpu.VendorID, gpu.DeviceID)
		}
		w.Flush()
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "REQUESTED\tRESOLVED\tFAILED PROBE\tREASON")
	fmt.Fprintln(w, "---------\t--------\t------------\t------")
	for _, d := range r.Decisions {
		probe, reason := d.FailedProbe, d.Reason
		if probe == "" {
			probe = "-"
		}
		if reason == "" {
			reason = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.Requested, d.Resolved, probe, reason)
	}
	w.Flush()
}
