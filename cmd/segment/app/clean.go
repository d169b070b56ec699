package app

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/chzyer/readline"
	"github.com/docker/go-units"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/soumen02/lesion-segmentator/internal/api"
	"github.com/soumen02/lesion-segmentator/internal/logger"
	"github.com/soumen02/lesion-segmentator/internal/modelcache"
	"github.com/soumen02/lesion-segmentator/internal/runtime"
)

// CleanOptions holds options for the clean command
type CleanOptions struct {
	*GlobalOptions

	// All also removes the configuration directory
	All bool

	// Cache also removes the model cache (with All)
	Cache bool

	// Yes skips the confirmation prompt
	Yes bool
}

// NewCleanCommand creates the clean command.
//
// The clean command removes containers left behind by interrupted runs, the
// same way every run does before it starts. Containers of runs that are
// still in progress are kept. Named containers are force-removed.
//
// Usage:
//
//	segment clean [CONTAINER...] [--all [--cache]] [--yes]
//
// Parameters:
//   - globalOpts: Global options shared across commands
//
// Returns:
//   - A configured cobra.Command for cleanup
func NewCleanCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &CleanOptions{GlobalOptions: globalOpts}

	cmd := &cobra.Command{
		Use:   "clean [CONTAINER...]",
		Short: "Remove leftover containers and, optionally, local state",
		Long: `Remove containers left behind by interrupted runs.

With --all the configuration directory is deleted as well, and with
--all --cache also the cached model weights. Deleting files asks for
confirmation unless --yes is given.`,
		Example: `  # Remove stale containers
  segment clean

  # Force-remove a specific container
  segment clean lesion-segmentor-0f8fad5bd9cb

  # Reset everything, including the downloaded weights
  segment clean --all --cache --yes`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClean(cmd, opts, args)
		},
	}

	cmd.Flags().BoolVar(&opts.All, "all", false, "also delete the configuration directory")
	cmd.Flags().BoolVar(&opts.Cache, "cache", false, "with --all, also delete the model cache")
	cmd.Flags().BoolVarP(&opts.Yes, "yes", "y", false, "do not ask for confirmation")

	return cmd
}

func runClean(cmd *cobra.Command, opts *CleanOptions, names []string) error {
	ctx := cmd.Context()
	if opts.Cache && !opts.All {
		return api.Errorf(api.InvalidInput, "", "--cache requires --all")
	}
	cfg, err := opts.Config()
	if err != nil {
		return err
	}

	engine, err := runtime.NewDockerEngine(ctx)
	if err != nil {
		if !opts.All {
			return err
		}
		logger.Warn("Skipping container cleanup: %v", err)
	} else {
		defer engine.Close()
		if err := cleanContainers(cmd, engine, names); err != nil {
			return err
		}
	}

	if !opts.All {
		return nil
	}

	dirs := []string{cfg.Storage.ConfigDir}
	if opts.Cache {
		dirs = append(dirs, cfg.Storage.CacheDir)
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			continue
		}
		ok, err := confirm(opts.Yes, fmt.Sprintf("Delete %s?", dir))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Printf("Kept %s\n", dir)
			continue
		}
		if dir == cfg.Storage.CacheDir {
			err = modelcache.NewManager(dir, nil).Remove()
		} else {
			err = os.RemoveAll(dir)
		}
		if err != nil {
			return fmt.Errorf("failed to delete %s: %w", dir, err)
		}
		fmt.Printf("Deleted %s\n", dir)
	}
	return nil
}

func cleanContainers(cmd *cobra.Command, engine *runtime.DockerEngine, names []string) error {
	ctx := cmd.Context()

	if len(names) > 0 {
		var errs []error
		for _, name := range names {
			if err := engine.Remove(ctx, name); err != nil {
				errs = append(errs, err)
				continue
			}
			fmt.Printf("Removed %s\n", name)
		}
		if len(errs) > 0 {
			return api.E(api.RuntimeUnavailable, "", errors.Join(errs...))
		}
		return nil
	}

	removed, err := engine.EnsureClean(ctx, "")
	fmt.Printf("Removed %d stale container(s)\n", removed)
	if err != nil {
		return api.E(api.RuntimeUnavailable, "", err)
	}

	remaining, err := engine.ListManaged(ctx)
	if err != nil || len(remaining) == 0 {
		return nil
	}
	fmt.Println("\nContainers of runs still in progress:")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATE\tRUN ID\tCREATED")
	for _, c := range remaining {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s ago\n", c.Name, c.State, c.RunID,
			units.HumanDuration(time.Since(c.Created)))
	}
	return w.Flush()
}

// confirm asks a yes/no question on the terminal. yes answers it up front.
func confirm(yes bool, question string) (bool, error) {
	if yes {
		return true, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false, api.Errorf(api.InvalidInput, "", "%s Refusing without --yes when stdin is not a terminal", question)
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          question + " [y/N] ",
		InterruptPrompt: "^C",
		EOFPrompt:       "n",
	})
	if err != nil {
		return false, fmt.Errorf("failed to initialize readline: %w", err)
	}
	defer rl.Close()

	line, err := rl.Readline()
	if err != nil {
		if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
			return false, nil
		}
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}
