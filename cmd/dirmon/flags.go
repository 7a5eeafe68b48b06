package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jamesainslie/dirmon/pkg/dirmon/config"
	"github.com/jamesainslie/dirmon/pkg/dirmon/output"
)

// Scan flags. Values left unset fall back to the configuration.
var (
	thresholdFlag string
	workersFlag   int
	rateFlag      float64
	bufferFlag    int
	outputFormat  string
	templateStr   string
	watchFlag     bool
	verifyFlag    bool
)

func addScanFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVarP(&thresholdFlag, "threshold", "t", "", "file size that qualifies a directory (e.g. 10M, 1G)")
	flags.IntVarP(&workersFlag, "workers", "w", 0, "override walk parallelism (0=auto)")
	flags.Float64Var(&rateFlag, "rate", 0, "limit re-scans per second while watching (0=unlimited)")
	flags.IntVar(&bufferFlag, "buffer", 0, "event channel capacity")
	flags.StringVarP(&outputFormat, "output", "o", "pretty", fmt.Sprintf("report format %v", output.Available()))
	flags.StringVar(&templateStr, "template", "", "Go template for -o template (default lists size and path)")
	flags.BoolVarP(&watchFlag, "watch", "W", false, "keep the index current after the walk and print changes")
	flags.BoolVar(&verifyFlag, "verify", false, "cross-check the root totals with a second pass")
}

// applyFlags copies explicitly set flags over the configuration.
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Lookup("threshold") == nil {
		return nil
	}

	if flags.Changed("threshold") {
		cfg.Threshold = thresholdFlag
	}
	if flags.Changed("workers") {
		cfg.Workers = workersFlag
	}
	if flags.Changed("rate") {
		cfg.Resync.Rate = rateFlag
	}
	if flags.Changed("buffer") {
		cfg.Events.Buffer = bufferFlag
	}
	return nil
}

// selectFormatter resolves the report formatter for a format name.
func selectFormatter(format, tmpl string) (output.Formatter, error) {
	if format == "" {
		format = "pretty"
	}
	if format == "template" && tmpl != "" {
		return output.NewTemplateFormatter(tmpl), nil
	}
	f, err := output.Get(format)
	if err != nil {
		return nil, fmt.Errorf("unknown output format %q: available formats are %v", format, output.Available())
	}
	return f, nil
}
