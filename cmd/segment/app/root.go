// Package app provides the command-line interface of segment.
//
// The root command runs a segmentation. Subcommands inspect and maintain the
// host state the tool relies on: the accelerator, the model cache and the
// containers left behind by interrupted runs.
package app

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/soumen02/lesion-segmentator/internal/api"
	"github.com/soumen02/lesion-segmentator/internal/config"
	"github.com/soumen02/lesion-segmentator/internal/logger"
)

const (
	// cliName is the name of the CLI application
	cliName = "segment"

	// cliDescription is the short description shown in help text
	cliDescription = "segment - white matter lesion segmentation of FLAIR MRI"
)

// GlobalOptions holds options that are common to all commands
type GlobalOptions struct {
	// ConfigFile is an explicit config.yaml path
	ConfigFile string

	// Verbose enables debug logging
	Verbose bool

	// LogFile adds a rotating JSON log file
	LogFile string

	cfg *config.Config
}

// Config loads the configuration once per process.
func (o *GlobalOptions) Config() (*config.Config, error) {
	if o.cfg != nil {
		return o.cfg, nil
	}
	cfg, err := config.Load(o.ConfigFile)
	if err != nil {
		return nil, err
	}
	o.cfg = cfg
	if o.LogFile == "" && cfg.Storage.LogFile != "" {
		o.LogFile = cfg.Storage.LogFile
		if err := initLogging(o); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// NewSegmentCommand creates the root segment command with all subcommands.
//
// The root command provides the main entry point for the CLI. It sets up
// global flags, initializes logging, and registers all subcommands. Invoked
// without a subcommand it segments one volume.
//
// Returns:
//   - A configured cobra.Command ready for execution
//
// Example:
//
//	cmd := NewSegmentCommand()
//	if err := cmd.ExecuteContext(ctx); err != nil {
//	    os.Exit(api.ExitCode(err))
//	}
func NewSegmentCommand() *cobra.Command {
	opts := &GlobalOptions{}

	cmd := newRunCommand(opts)
	cmd.Use = cliName + " [flags] [INPUT OUTPUT]"
	cmd.Short = cliDescription
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	cmd.Version = Version
	cmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return initLogging(opts)
	}
	cmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return api.E(api.InvalidInput, "", fmt.Errorf("%w\nRun '%s --help' for usage", err, c.CommandPath()))
	})

	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "",
		"config file (default: "+config.ConfigFileName+" in the user config directory)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false,
		"verbose output")
	cmd.PersistentFlags().StringVar(&opts.LogFile, "log-file", "",
		"also write a JSON log to this file")

	cmd.AddCommand(
		NewDeviceCommand(opts),
		NewCacheCommand(opts),
		NewCleanCommand(opts),
		NewVersionCommand(opts),
	)

	return cmd
}

// initLogging installs the process logger.
//
// The level is debug with --verbose, otherwise SEGMENT_LOG_LEVEL or info.
func initLogging(opts *GlobalOptions) error {
	level, err := logger.ParseLevel(os.Getenv(logger.EnvLogLevel))
	if err != nil {
		return api.E(api.Config, "", err)
	}
	if opts.Verbose {
		level = slog.LevelDebug
	}

	logOpts := []logger.Option{logger.WithLevel(level)}
	if opts.LogFile != "" {
		logOpts = append(logOpts, logger.WithLogFile(config.ExpandTilde(opts.LogFile)))
	}
	logger.Init(logOpts...)
	return nil
}
