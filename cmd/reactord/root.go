package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"reactord/internal/logging"
	"reactord/internal/sched"
)

type flags struct {
	config    string
	debug     bool
	logLevel  string
	logFormat string
	trace     string
	spawn     []string
}

func newRootCmd() *cobra.Command {
	var f flags
	root := &cobra.Command{
		Use:   "reactord",
		Short: "Single-threaded event-loop daemon",
		Long: "reactord runs one event loop that multiplexes descriptors, timers and child\n" +
			"processes. It supervises the commands given with --spawn and shuts them down\n" +
			"on SIGTERM. SIGHUP reloads the configuration and dumps the loop state to stdout.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := sched.Load(f.config)
			applyFlags(cmd.Flags(), &f, &cfg)
			logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Source: f.debug})
			slog.SetDefault(logger)

			d, err := newDaemon(cfg, f.config, f.spawn, logger)
			if err != nil {
				return err
			}
			defer d.close()
			err = d.run(cmd.Context())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	root.Flags().StringVarP(&f.config, "config", "c", "", "YAML configuration file")
	root.Flags().BoolVar(&f.debug, "debug", false, "Enable debug logging")
	root.Flags().StringVar(&f.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.Flags().StringVar(&f.logFormat, "log-format", "text", "Log format (text, json)")
	root.Flags().StringVar(&f.trace, "trace", "", "Write a CSV record per dispatch to this file")
	root.Flags().StringArrayVar(&f.spawn, "spawn", nil, "Shell command to run and supervise (repeatable)")
	return root
}

// applyFlags lets explicitly set flags win over the configuration file.
func applyFlags(fs *pflag.FlagSet, f *flags, cfg *sched.Config) {
	if fs.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if fs.Changed("log-format") {
		cfg.LogFormat = f.logFormat
	}
	if f.debug {
		cfg.LogLevel = "debug"
	}
	if f.trace != "" {
		cfg.TracePath = f.trace
	}
}
