package app

import (
	"fmt"
	goruntime "runtime"

	"github.com/spf13/cobra"

	"github.com/soumen02/lesion-segmentator/internal/contract"
	"github.com/soumen02/lesion-segmentator/internal/modelcache"
)

// Build information, set with -ldflags "-X".
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// VersionOptions holds options for the version command
type VersionOptions struct {
	*GlobalOptions

	// Short prints the version number only
	Short bool
}

// NewVersionCommand creates the version command.
//
// Usage:
//
//	segment version [--short]
//
// Parameters:
//   - globalOpts: Global options shared across commands
//
// Returns:
//   - A configured cobra.Command for displaying version info
func NewVersionCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &VersionOptions{GlobalOptions: globalOpts}

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Display version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVersion(opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Short, "short", false, "print the version number only")

	return cmd
}

// runVersion prints build and inference contract information.
func runVersion(opts *VersionOptions) error {
	if opts.Short {
		fmt.Println(Version)
		return nil
	}

	fmt.Println("Client Version:")
	fmt.Printf("  Version:    %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
	fmt.Printf("  Go:         %s %s/%s\n", goruntime.Version(), goruntime.GOOS, goruntime.GOARCH)
	fmt.Println()
	fmt.Println("Model:")
	fmt.Printf("  Weights:    %s\n", modelcache.WeightsFileName)
	fmt.Printf("  Window:     %d^3 voxels, batch %d, overlap %g\n",
		contract.ROISize, contract.SWBatchSize, contract.Overlap)
	fmt.Printf("  Spacing:    %g mm isotropic, %s\n", contract.TargetSpacing, contract.Orientation)
	return nil
}
