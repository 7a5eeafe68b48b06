package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jamesainslie/dirmon/pkg/dirmon/broadcaster"
	"github.com/jamesainslie/dirmon/pkg/dirmon/config"
	"github.com/jamesainslie/dirmon/pkg/dirmon/logging"
	"github.com/jamesainslie/dirmon/pkg/dirmon/monitor"
	"github.com/jamesainslie/dirmon/pkg/dirmon/output"
	"github.com/jamesainslie/dirmon/pkg/dirmon/types"
	"github.com/jamesainslie/dirmon/pkg/dirmon/walker"
)

// scanOptions is everything one scan run needs.
type scanOptions struct {
	Root      string
	Threshold int64
	Workers   int
	Rate      float64
	Buffer    int
	Watch     bool
	Verify    bool
	Styled    bool

	// Monitor overrides the monitor options, for tests.
	Monitor *monitor.Options
}

var scanCmd = &cobra.Command{
	Use:   "scan [path]",
	Short: "Index a directory tree",
	Long:  `Index a directory tree. Same as running dirmon with a path.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runScan,
}

func init() {
	addScanFlags(scanCmd)
	rootCmd.AddCommand(scanCmd)
}

// runScan is the main scan command handler.
func runScan(cmd *cobra.Command, args []string) error {
	cfg := settings
	if cfg == nil {
		return errors.New("configuration not loaded")
	}

	opts, err := resolveScanOptions(cfg, args)
	if err != nil {
		return err
	}
	formatter, err := selectFormatter(outputFormat, templateStr)
	if err != nil {
		return err
	}
	opts.Styled = outputFormat == "" || outputFormat == "pretty"

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	watched := []os.Signal{os.Interrupt, syscall.SIGTERM}
	if toggleSignal != nil {
		watched = append(watched, toggleSignal)
	}
	signal.Notify(sigs, watched...)
	defer signal.Stop(sigs)

	printInfo("Indexing %s for files >= %s...", opts.Root, types.FormatSize(opts.Threshold))

	result, err := executeScan(ctx, opts, sigs, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := formatter.Format(&buf, result); err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(buf.Bytes())
	return err
}

// resolveScanOptions picks the scan root and parses the configured values.
func resolveScanOptions(cfg *config.Config, args []string) (scanOptions, error) {
	scanPath := "."
	if len(args) > 0 {
		scanPath = args[0]
	} else if cfg.DefaultPath != "" {
		scanPath = cfg.DefaultPath
	}

	expandedPath, err := config.ExpandPath(scanPath)
	if err != nil {
		return scanOptions{}, fmt.Errorf("failed to expand path: %w", err)
	}
	absPath, err := types.Canonical(expandedPath)
	if err != nil {
		return scanOptions{}, fmt.Errorf("failed to resolve path: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return scanOptions{}, fmt.Errorf("path does not exist: %s", absPath)
		}
		return scanOptions{}, fmt.Errorf("cannot access path: %w", err)
	}
	if !info.IsDir() {
		return scanOptions{}, fmt.Errorf("path is not a directory: %s", absPath)
	}

	threshold, err := cfg.ThresholdBytes()
	if err != nil {
		return scanOptions{}, fmt.Errorf("invalid threshold %q: %w", cfg.Threshold, err)
	}

	return scanOptions{
		Root:      absPath,
		Threshold: threshold,
		Workers:   cfg.Workers,
		Rate:      cfg.Resync.Rate,
		Buffer:    cfg.Events.Buffer,
		Watch:     watchFlag,
		Verify:    verifyFlag,
	}, nil
}

// executeScan indexes opts.Root and returns the report. Without Watch it
// returns once the walk completes. With Watch it prints index events to
// events until an interrupt arrives on sigs or ctx is done.
func executeScan(ctx context.Context, opts scanOptions, sigs <-chan os.Signal, events io.Writer) (*output.Result, error) {
	logger := logging.Get("cli")

	var (
		warnMu   sync.Mutex
		warnings []string
	)
	monOpts := monitor.Options{}
	if opts.Monitor != nil {
		monOpts = *opts.Monitor
	}
	monOpts.Threshold = opts.Threshold
	monOpts.Workers = opts.Workers
	monOpts.ResyncRate = opts.Rate
	monOpts.EventBuffer = opts.Buffer
	monOpts.OnError = func(path string, err error) {
		logger.Warn("directory unavailable", "path", path, "error", err)
		warnMu.Lock()
		warnings = append(warnings, fmt.Sprintf("%s: %v", path, err))
		warnMu.Unlock()
	}

	m := monitor.New(monOpts)
	defer m.Close()

	var live <-chan *broadcaster.Event
	if opts.Watch {
		live = m.Subscribe(opts.Root, 0).Events
	}

	start := time.Now()
	job, err := m.Scan(ctx, opts.Root)
	if err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	done := job.Done()
	interrupted := false

loop:
	for {
		select {
		case <-done:
			done = nil
			switch job.Outcome() {
			case monitor.JobStopped:
				if err := job.Err(); err != nil && ctx.Err() == nil {
					return nil, fmt.Errorf("scan failed: %w", err)
				}
				interrupted = true
				break loop
			case monitor.JobSuspended:
				printInfo("Walk suspended with %d directories pending, signal again to resume", m.Stats().Walk.Drained)
			case monitor.JobCompleted:
				if !opts.Watch {
					break loop
				}
				printInfo("Walk completed in %s, watching %s for changes", time.Since(start).Round(time.Millisecond), opts.Root)
			}

		case e, ok := <-live:
			if !ok {
				live = nil
				continue
			}
			fmt.Fprintln(events, output.EventLine(e, opts.Styled))

		case sig := <-sigs:
			if toggleSignal != nil && sig == toggleSignal {
				if next := toggle(ctx, m); next != nil {
					job, done = next, next.Done()
				}
				continue
			}
			printInfo("\nInterrupted, stopping...")
			interrupted = true
			break loop

		case <-ctx.Done():
			interrupted = true
			break loop
		}
	}

	if ctx.Err() != nil {
		interrupted = true
	}
	state := m.State().String()
	if !interrupted && job.Outcome() == monitor.JobCompleted && !opts.Watch {
		state = "completed"
	}
	m.Stop()
	elapsed := time.Since(start)

	root := m.Root()
	source := opts.Root
	if root != nil {
		source = root.Path()
	}
	result := output.NewResult(source, opts.Threshold, root, m.Nodes())

	stats := m.Stats()
	result.State = state
	result.Stats = output.ScanStats{
		Visited:  stats.Walk.Visited,
		Failed:   stats.Walk.Failed,
		Workers:  stats.Walk.Workers,
		Medium:   stats.Walk.Medium.String(),
		Resyncs:  stats.Resync.Applied,
		Duration: elapsed,
	}
	result.Interrupted = interrupted

	warnMu.Lock()
	result.Warnings = append([]string(nil), warnings...)
	warnMu.Unlock()

	if opts.Verify && !interrupted {
		measured, err := walker.Measure(ctx, source)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("verification failed: %v", err))
		} else {
			result.Verify(measured)
		}
	}

	logger.Info("scan finished",
		"root", source,
		"indexed", len(result.Dirs),
		"interrupted", interrupted,
		"elapsed", elapsed)
	return result, nil
}

// toggle suspends a running walk or resumes a suspended one. It returns
// the job of a resumed walk.
func toggle(ctx context.Context, m *monitor.Monitor) *monitor.Job {
	switch m.State() {
	case monitor.Scanning:
		if err := m.Suspend(); err != nil {
			printVerbose("suspend failed: %v", err)
		}
	case monitor.Suspended:
		job, err := m.Resume(ctx)
		if err != nil {
			printVerbose("resume failed: %v", err)
			return nil
		}
		printInfo("Walk resumed")
		return job
	default:
		printVerbose("nothing to suspend or resume in state %s", m.State())
	}
	return nil
}
