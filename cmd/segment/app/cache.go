package app

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/soumen02/lesion-segmentator/internal/modelcache"
)

// NewCacheCommand creates the cache command.
//
// Usage:
//
//	segment cache status
//	segment cache fetch [--force]
//	segment cache clean [--yes]
//
// Parameters:
//   - globalOpts: Global options shared across commands
//
// Returns:
//   - A configured cobra.Command for model cache management
func NewCacheCommand(globalOpts *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the cached model weights",
		Long: `Inspect, populate or delete the model weights cache.

The weights are downloaded on the first run and reused afterwards. Use
'cache fetch' to download them ahead of time, for example before going
offline.`,
		Example: `  # Show where the weights are and whether they verify
  segment cache status

  # Download the weights now
  segment cache fetch

  # Delete the cache
  segment cache clean --yes`,
	}

	cmd.AddCommand(
		newCacheStatusCommand(globalOpts),
		newCacheFetchCommand(globalOpts),
		newCacheCleanCommand(globalOpts),
	)

	return cmd
}

func newCache(globalOpts *GlobalOptions) (*modelcache.Manager, error) {
	cfg, err := globalOpts.Config()
	if err != nil {
		return nil, err
	}
	return modelcache.New(cfg)
}

// newCacheStatusCommand creates the 'cache status' subcommand
func newCacheStatusCommand(globalOpts *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the state of the model cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := newCache(globalOpts)
			if err != nil {
				return err
			}
			entry := cache.Status()

			fmt.Printf("Directory: %s\n", cache.Dir())
			fmt.Printf("Weights:   %s\n", entry.WeightsPath)
			switch {
			case !entry.Present:
				fmt.Println("Status:    not downloaded")
			case !entry.Verified:
				fmt.Printf("Status:    present but failed verification (%s)\n", humanize.Bytes(uint64(entry.Size)))
			default:
				fmt.Printf("Status:    ready (%s)\n", humanize.Bytes(uint64(entry.Size)))
			}
			if partials := cache.Partials(); len(partials) > 0 {
				fmt.Printf("Leftover partial downloads: %d (removed by 'segment cache clean')\n", len(partials))
			}
			return nil
		},
	}
}

// newCacheFetchCommand creates the 'cache fetch' subcommand
func newCacheFetchCommand(globalOpts *GlobalOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download the model weights into the cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := newCache(globalOpts)
			if err != nil {
				return err
			}
			entry, err := cache.Ensure(cmd.Context(), force)
			if err != nil {
				return err
			}
			if entry.Downloaded {
				fmt.Printf("Downloaded %s (%s)\n", entry.WeightsPath, humanize.Bytes(uint64(entry.Size)))
			} else {
				fmt.Printf("Already cached: %s\n", entry.WeightsPath)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "download even if cached")

	return cmd
}

// newCacheCleanCommand creates the 'cache clean' subcommand
func newCacheCleanCommand(globalOpts *GlobalOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Delete the model cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := newCache(globalOpts)
			if err != nil {
				return err
			}
			if _, err := os.Stat(cache.Dir()); os.IsNotExist(err) {
				fmt.Println("Model cache is already empty.")
				return nil
			}
			ok, err := confirm(yes, fmt.Sprintf("Delete the model cache at %s?", cache.Dir()))
			if err != nil || !ok {
				return err
			}
			if err := cache.Remove(); err != nil {
				return err
			}
			fmt.Printf("Removed %s\n", cache.Dir())
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")

	return cmd
}
