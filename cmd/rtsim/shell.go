package main

import (
	"context"
	"io"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-tty"
	"github.com/spf13/cobra"
	"go.bug.st/serial"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tinygo-org/rtkernel/shell"
	"github.com/tinygo-org/rtkernel/sim"
)

var (
	shellPort  string
	shellBaud  int
	shellClock bool
)

var shellCmd = &cobra.Command{
	Use:   "shell <system.yaml>",
	Short: "Boot a system and open a shell on it",
	Long: `Boot the system and serve the kernel shell on the terminal, or on a
serial port with --port. Ticks are injected with the tick command, or come
from a wall clock with --clock.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return shellSystem(cmd.Context(), args[0])
	},
}

func init() {
	flags := shellCmd.Flags()
	flags.StringVarP(&shellPort, "port", "p", "", "serve the shell on this serial port instead of the terminal")
	flags.IntVarP(&shellBaud, "baud", "b", 115200, "baud rate of the serial port")
	flags.BoolVar(&shellClock, "clock", false, "drive the system tick from the wall clock")
}

// lineConn is the two ends of a shell session.
type lineConn struct {
	r      shell.LineReader
	w      io.Writer
	closer io.Closer
}

// ttyReader reads lines from the controlling terminal.
type ttyReader struct {
	t *tty.TTY
}

func (r ttyReader) ReadLine() (string, error) {
	return r.t.ReadString()
}

// crlfWriter turns LF into CRLF, as expected by serial terminals.
type crlfWriter struct {
	w io.Writer
}

func (c crlfWriter) Write(p []byte) (int, error) {
	start := 0
	for i, b := range p {
		if b != '\n' {
			continue
		}
		if _, err := c.w.Write(p[start:i]); err != nil {
			return start, err
		}
		if _, err := io.WriteString(c.w, "\r\n"); err != nil {
			return i, err
		}
		start = i + 1
	}
	if _, err := c.w.Write(p[start:]); err != nil {
		return start, err
	}
	return len(p), nil
}

func openConn() (*lineConn, error) {
	if shellPort != "" {
		port, err := serial.Open(shellPort, &serial.Mode{BaudRate: shellBaud})
		if err != nil {
			return nil, err
		}
		logger.Info("serving shell on serial port", zap.String("port", shellPort), zap.Int("baud", shellBaud))
		return &lineConn{
			r:      shell.NewTerminalReader(port, port),
			w:      crlfWriter{port},
			closer: port,
		}, nil
	}
	t, err := tty.Open()
	if err != nil {
		return nil, err
	}
	return &lineConn{
		r:      ttyReader{t},
		w:      colorable.NewColorable(t.Output()),
		closer: t,
	}, nil
}

func shellSystem(ctx context.Context, path string) error {
	sys, err := sim.LoadSystem(path)
	if err != nil {
		return err
	}
	s, err := sim.Start(sys, logger)
	if s == nil {
		return err
	}
	defer s.Shutdown()
	if err != nil {
		// Still useful to look at the trace of a halted system.
		logger.Warn("system halted while booting", zap.Error(err))
	}

	conn, err := openConn()
	if err != nil {
		return err
	}
	sh := shell.New(s.Core, s.Port, logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		err := sh.Serve(ctx, conn.r, conn.w)
		if ctx.Err() != nil {
			// Reads fail once the connection is closed below.
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		return conn.closer.Close()
	})
	if shellClock && s.Port.Err() == nil {
		period := time.Second / time.Duration(s.Core.Config().Frequency)
		g.Go(func() error {
			err := s.Port.RunClock(ctx, period)
			if ctx.Err() == nil {
				// The shell stays up to inspect the halted system.
				logger.Error("system halted", zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}
