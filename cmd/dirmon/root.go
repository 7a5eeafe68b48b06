package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jamesainslie/dirmon/pkg/dirmon/config"
	"github.com/jamesainslie/dirmon/pkg/dirmon/logging"
)

var (
	cfgFile string
	verbose bool
	quiet   bool

	// settings is the loaded configuration with flag overrides applied.
	settings *config.Config

	rootCmd = &cobra.Command{
		Use:   "dirmon [path]",
		Short: "Index directory sizes and keep them current",
		Long: `Dirmon walks a directory tree in parallel and indexes every directory that
holds, directly or below it, a file at or above the size threshold. Each
indexed directory carries the exact size and file count of its subtree.

With --watch, dirmon keeps the index in step with the filesystem after the
walk and prints every directory that enters or leaves it.

Examples:
  dirmon                       # Index the current directory
  dirmon -t 100M ~/Downloads   # Index directories holding files >= 100MiB
  dirmon -W /srv               # Keep watching after the walk
  dirmon -o json --verify .    # JSON report, cross-checked by a second pass
  dirmon config show           # Show configuration

While a walk runs, SIGUSR1 suspends it and a second SIGUSR1 resumes it.`,
		Args:              cobra.MaximumNArgs(1),
		PersistentPreRunE: initializeLogging,
		PersistentPostRun: func(*cobra.Command, []string) {
			_ = logging.Close()
		},
		SilenceUsage: true,
		RunE:         runScan,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.config/dirmon/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug output on stderr")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "minimal output")

	addScanFlags(rootCmd)
}

// initializeLogging loads the configuration and starts the log sinks.
func initializeLogging(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadFile(cfgFile)
	if err != nil {
		return err
	}
	if err := applyFlags(cmd, cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	settings = cfg

	logCfg := cfg.LoggingOptions()
	if logCfg.Path == "" {
		logCfg.Path = logging.DefaultLogPath()
	}
	if verbose {
		logCfg.ConsoleLevel = "debug"
	}
	if err := logging.Init(logCfg); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	return nil
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// printVerbose prints a message if verbose mode is enabled.
func printVerbose(format string, args ...interface{}) {
	if verbose && !quiet {
		fmt.Fprintf(os.Stderr, "[DEBUG] "+format+"\n", args...)
	}
}

// printInfo prints a message to stderr if quiet mode is not enabled.
func printInfo(format string, args ...interface{}) {
	if !quiet {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
}
