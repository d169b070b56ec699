package app

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/soumen02/lesion-segmentator/internal/api"
	"github.com/soumen02/lesion-segmentator/internal/capability"
	"github.com/soumen02/lesion-segmentator/internal/config"
	"github.com/soumen02/lesion-segmentator/internal/contract"
	"github.com/soumen02/lesion-segmentator/internal/device"
	"github.com/soumen02/lesion-segmentator/internal/modelcache"
	"github.com/soumen02/lesion-segmentator/internal/orchestrator"
	"github.com/soumen02/lesion-segmentator/internal/paths"
	"github.com/soumen02/lesion-segmentator/internal/runtime"
)

// RunOptions holds options for a segmentation run
type RunOptions struct {
	*GlobalOptions

	// Input is the FLAIR volume to segment
	Input string

	// Output is the mask to write
	Output string

	// Device is the requested compute mode
	Device string

	// CPU is the legacy shorthand for --device fallback
	CPU bool

	// RefreshModel downloads the weights even if cached
	RefreshModel bool

	// Update pulls the inference image even if present
	Update bool
}

// newRunCommand creates the command that segments one volume.
//
// Usage:
//
//	segment -i INPUT -o OUTPUT [--device auto|accelerated|fallback]
//	segment INPUT OUTPUT
//
// Parameters:
//   - globalOpts: Global options shared across commands
//
// Returns:
//   - A configured cobra.Command for running a segmentation
func newRunCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &RunOptions{GlobalOptions: globalOpts}

	cmd := &cobra.Command{
		Long: `Segment white matter lesions in a FLAIR MRI volume.

The volume is processed inside a container. A GPU is used when one is
available to the container runtime; otherwise the run falls back to the CPU
with bounded resources. The model weights are downloaded once and cached.

Input and output must be NIfTI files (.nii or .nii.gz). The output directory
is created if it does not exist. The mask holds 0 for background and 1 for
lesion voxels.`,
		Example: `  # Segment using the GPU when available
  segment -i sub01/flair.nii.gz -o results/sub01_mask.nii.gz

  # Positional form
  segment sub01/flair.nii.gz results/sub01_mask.nii.gz

  # Force CPU
  segment -i flair.nii.gz -o mask.nii.gz --device fallback

  # Re-download the weights and pull the latest image
  segment -i flair.nii.gz -o mask.nii.gz --refresh-model --update`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.complete(cmd, args); err != nil {
				return err
			}
			return runSegment(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Input, "input", "i", "",
		"input FLAIR volume (.nii or .nii.gz)")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "",
		"output mask path (.nii or .nii.gz)")
	cmd.Flags().StringVar(&opts.Device, "device", "",
		"compute device: auto, accelerated (gpu) or fallback (cpu) (default from config, else auto)")
	cmd.Flags().BoolVar(&opts.CPU, "cpu", false,
		"shorthand for --device fallback")
	cmd.Flags().BoolVar(&opts.RefreshModel, "refresh-model", false,
		"download the model weights even if cached")
	cmd.Flags().BoolVar(&opts.Update, "update", false,
		"pull the latest inference image before running")

	cmd.MarkFlagsMutuallyExclusive("device", "cpu")

	return cmd
}

// complete fills Input and Output from positional arguments.
func (o *RunOptions) complete(cmd *cobra.Command, args []string) error {
	switch len(args) {
	case 0:
	case 2:
		if o.Input != "" || o.Output != "" {
			return api.Errorf(api.InvalidInput, "", "give input and output either as arguments or as flags, not both")
		}
		o.Input, o.Output = args[0], args[1]
	default:
		return api.Errorf(api.InvalidInput, "", "expected INPUT and OUTPUT, got %d argument(s)", len(args))
	}

	if o.Input == "" && o.Output == "" {
		return cmd.Help()
	}
	if o.Input == "" || o.Output == "" {
		return api.Errorf(api.InvalidInput, "", "both --input and --output are required")
	}
	return nil
}

// requestedMode applies --cpu, --device and the configured profile, in that order.
func (o *RunOptions) requestedMode(cfg *config.Config) (api.DeviceMode, error) {
	if o.CPU {
		return api.DeviceFallback, nil
	}
	if o.Device != "" {
		mode, err := api.ParseDeviceMode(o.Device)
		if err != nil {
			return "", api.E(api.InvalidInput, "", err)
		}
		return mode, nil
	}
	return cfg.DefaultMode(), nil
}

// runSegment wires the pipeline and runs it once.
//
// The paths are checked before Docker is contacted, so a bad path is
// reported as such even when the daemon is down.
func runSegment(ctx context.Context, opts *RunOptions) error {
	if opts.Input == "" {
		// Help was printed.
		return nil
	}

	cfg, err := opts.Config()
	if err != nil {
		return err
	}
	mode, err := opts.requestedMode(cfg)
	if err != nil {
		return err
	}

	resolved, err := (&paths.Resolver{Accept: contract.CheckFileNames}).Resolve(opts.Input, opts.Output)
	if err != nil {
		return err
	}

	engine, err := runtime.NewDockerEngine(ctx)
	if err != nil {
		return err
	}
	defer engine.Close()

	cache, err := modelcache.New(cfg)
	if err != nil {
		return err
	}

	detector := capability.NewDetector(
		capability.DefaultProbes(engine, cfg.Runtime.GPURuntime, device.NewManager())...)

	orch := orchestrator.New(cfg, engine, detector, cache,
		orchestrator.WithResolver(orchestrator.Resolved(resolved)))
	result, err := orch.Run(ctx, &api.ExecutionRequest{
		InputPath:     opts.Input,
		OutputPath:    opts.Output,
		RequestedMode: mode,
		ForceRefresh:  opts.RefreshModel,
		RefreshImage:  opts.Update,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Segmentation complete: %s (%s, %s)\n",
		resolved.OutputAbsolutePath, result.Device.Resolved, result.ElapsedDuration.Round(time.Second))
	return nil
}
