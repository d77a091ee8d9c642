package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tinygo-org/rtkernel/kernel"
	"github.com/tinygo-org/rtkernel/shell"
	"github.com/tinygo-org/rtkernel/sim"
	"github.com/tinygo-org/rtkernel/tracedump"
)

var (
	runTicks    int
	runRealtime bool
	runDuration time.Duration
	runTrace    string
)

var runCmd = &cobra.Command{
	Use:   "run <system.yaml>",
	Short: "Run a system until all its threads terminate",
	Long: `Boot the system and inject ticks until all threads terminated, the tick
limit is reached or the system halts, then print a summary.

With --realtime the ticks come from a wall clock at the configured frequency
instead, until all threads terminated, the --duration elapsed or the run is
interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSystem(cmd.Context(), args[0])
	},
}

func init() {
	flags := runCmd.Flags()
	flags.IntVar(&runTicks, "ticks", 10000, "maximum number of ticks to inject, 0 for no limit")
	flags.BoolVar(&runRealtime, "realtime", false, "drive the system tick from the wall clock")
	flags.DurationVar(&runDuration, "duration", 0, "with --realtime, stop after this long")
	flags.StringVar(&runTrace, "trace", "", "write the trace buffer to this file (.txt, .bin or .hex)")
}

func runSystem(ctx context.Context, path string) error {
	sys, err := sim.LoadSystem(path)
	if err != nil {
		return err
	}
	s, err := sim.Start(sys, logger)
	if s == nil {
		return err
	}
	defer s.Shutdown()

	if err == nil {
		if runRealtime {
			err = runClock(ctx, s)
		} else {
			err = s.RunTicks(ctx, runTicks)
			if errors.Is(err, context.Canceled) {
				err = nil
			}
		}
	}
	report(stdout, sys, s, err)

	if runTrace != "" {
		events := s.Core.Trace()
		if err := tracedump.WriteFile(runTrace, tracedump.FormatForFile(runTrace), events); err != nil {
			return err
		}
		logger.Info("trace written", zap.String("file", runTrace), zap.Int("events", len(events)))
	}
	if errors.Is(err, sim.ErrLimit) {
		return nil
	}
	return err
}

// runClock ticks s from the wall clock until all threads terminated, ctx is
// done or the system halts.
func runClock(ctx context.Context, s *sim.Sim) error {
	if runDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runDuration)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	period := time.Second / time.Duration(s.Core.Config().Frequency)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Port.RunClock(ctx, period)
	})
	g.Go(func() error {
		select {
		case <-s.Finished():
			cancel()
		case <-ctx.Done():
		}
		return nil
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

const (
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiReset  = "\x1b[0m"
)

func paint(code, s string) string {
	if !color {
		return s
	}
	return code + s + ansiReset
}

// report prints how the run ended, the emitted tokens, the exit codes and the
// thread table.
func report(w io.Writer, sys *sim.System, s *sim.Sim, err error) {
	snap := s.Core.Snapshot()
	done, at := s.Done()

	var he *kernel.HaltError
	switch {
	case errors.As(err, &he):
		fmt.Fprintf(w, "%s %s at tick %d: %s\n", snap.Name, paint(ansiRed, "halted"), snap.Time, he.Reason)
	case done:
		fmt.Fprintf(w, "%s %s at tick %d\n", snap.Name, paint(ansiGreen, "finished"), at)
	default:
		fmt.Fprintf(w, "%s %s at tick %d\n", snap.Name, paint(ansiYellow, "stopped"), snap.Time)
	}

	if tokens := s.Tokens(); tokens != "" {
		fmt.Fprintf(w, "tokens: %s\n", tokens)
	}
	var exits []string
	for _, t := range sys.Threads {
		if msg, ok := s.ExitCode(t.Name); ok {
			exits = append(exits, fmt.Sprintf("%s=%s", t.Name, msg))
		}
	}
	if len(exits) > 0 {
		fmt.Fprintf(w, "exit codes: %s\n", strings.Join(exits, " "))
	}
	if !done {
		shell.New(s.Core, nil, logger).Exec(w, "threads")
	}
}
