// Command rtsim runs scripted systems on the hosted kernel port and gives a
// shell to inspect them.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tinygo-org/rtkernel/diagnostics"
)

var (
	verbose bool
	cpu     int

	logger *zap.Logger
	stdout io.Writer = colorable.NewColorableStdout()
	color            = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
)

var rootCmd = &cobra.Command{
	Use:   "rtsim",
	Short: "Run real-time kernel systems on the host",
	Long: `rtsim boots a system described by a YAML file on the hosted port of the
kernel: every kernel thread is a goroutine and the system tick is either
injected (one tick per step, fully deterministic) or driven by a wall clock.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config = zap.NewDevelopmentConfig()
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if cpu >= 0 {
			if err := pinToCPU(cpu); err != nil {
				return fmt.Errorf("could not pin to CPU %d: %w", cpu, err)
			}
			logger.Debug("pinned to CPU", zap.Int("cpu", cpu))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log kernel events at debug level")
	rootCmd.PersistentFlags().IntVar(&cpu, "cpu", -1, "pin the simulator to this CPU (linux only)")
	rootCmd.AddCommand(runCmd, shellCmd, dumpCmd, portsCmd)
}

// printErrors prints err the way compilers print errors: one line per
// problem, prefixed by its position relative to the working directory.
func printErrors(err error) {
	wd, getwdErr := os.Getwd()
	if getwdErr != nil {
		wd = ""
	}
	diagnostics.CreateDiagnostics(err).WriteTo(os.Stderr, wd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		printErrors(err)
		os.Exit(1)
	}
}
