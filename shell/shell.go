// Package shell implements a small command shell to inspect and drive a
// running system: list threads and timers, dump the trace buffer, inject
// ticks. It works over any line oriented stream: a terminal, a serial port, a
// test buffer.
package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"unicode"

	"github.com/google/shlex"
	"go.uber.org/zap"

	"github.com/tinygo-org/rtkernel/kernel"
	"github.com/tinygo-org/rtkernel/tracedump"
)

// ErrExit is returned by Exec when the exit command was run.
var ErrExit = errors.New("shell: exit")

// Clock injects system ticks. It is implemented by hosted.Port.
type Clock interface {
	Ticks(n int) error
}

// LineReader reads one command line at a time, without the line terminator.
type LineReader interface {
	ReadLine() (string, error)
}

type scannerReader struct {
	s *bufio.Scanner
}

// NewLineReader returns a LineReader reading lines from r.
func NewLineReader(r io.Reader) LineReader {
	return scannerReader{s: bufio.NewScanner(r)}
}

func (r scannerReader) ReadLine() (string, error) {
	if r.s.Scan() {
		return strings.TrimRight(r.s.Text(), "\r"), nil
	}
	if err := r.s.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

type terminalReader struct {
	r      *bufio.Reader
	echo   io.Writer
	lastCR bool
}

// NewTerminalReader returns a LineReader for a raw terminal line, like a
// serial port: it echoes what is typed to echo, handles backspace, and
// accepts CR, LF or CRLF as line terminator. Ctrl-D on an empty line ends
// the input. echo may be nil.
func NewTerminalReader(r io.Reader, echo io.Writer) LineReader {
	return &terminalReader{r: bufio.NewReader(r), echo: echo}
}

func (t *terminalReader) ReadLine() (string, error) {
	var line []rune
	for {
		r, _, err := t.r.ReadRune()
		if err != nil {
			if err == io.EOF && len(line) > 0 {
				return string(line), nil
			}
			return "", err
		}
		if r == '\n' && t.lastCR {
			t.lastCR = false
			continue
		}
		t.lastCR = r == '\r'
		switch {
		case r == '\r' || r == '\n':
			t.write("\r\n")
			return string(line), nil
		case r == '\b' || r == 0x7f:
			if len(line) > 0 {
				line = line[:len(line)-1]
				t.write("\b \b")
			}
		case r == 0x04:
			if len(line) == 0 {
				return "", io.EOF
			}
		case unicode.IsPrint(r):
			line = append(line, r)
			t.write(string(r))
		}
	}
}

func (t *terminalReader) write(s string) {
	if t.echo != nil {
		io.WriteString(t.echo, s)
	}
}

type command struct {
	args string
	help string
	run  func(sh *Shell, w io.Writer, args []string) error
}

var commands map[string]command

func init() {
	// Set up in init, help refers to the table.
	commands = map[string]command{
		"help":    {"", "list the commands", (*Shell).cmdHelp},
		"exit":    {"", "leave the shell", (*Shell).cmdExit},
		"echo":    {"[text...]", "print the arguments", (*Shell).cmdEcho},
		"info":    {"", "kernel and core information", (*Shell).cmdInfo},
		"systime": {"", "print the system time", (*Shell).cmdSystime},
		"threads": {"", "list the threads", (*Shell).cmdThreads},
		"timers":  {"", "list the armed virtual timers", (*Shell).cmdTimers},
		"trace":   {"[count]", "print the most recent trace events", (*Shell).cmdTrace},
		"dump":    {"<file>", "write the trace buffer to a file (.txt, .bin or .hex)", (*Shell).cmdDump},
		"tick":    {"[count]", "inject system ticks", (*Shell).cmdTick},
	}
}

// Shell runs commands against a core.
type Shell struct {
	core   *kernel.Core
	clock  Clock
	log    *zap.Logger
	Prompt string
}

// New returns a shell for c. clock may be nil, in which case the tick command
// fails.
func New(c *kernel.Core, clock Clock, log *zap.Logger) *Shell {
	if log == nil {
		log = zap.NewNop()
	}
	return &Shell{
		core:   c,
		clock:  clock,
		log:    log.Named("shell"),
		Prompt: "rt> ",
	}
}

// Exec runs a single command line, writing its output to w. Empty lines and
// comments do nothing.
func (sh *Shell) Exec(w io.Writer, line string) error {
	args, err := shlex.Split(line)
	if err != nil {
		return fmt.Errorf("could not parse command line: %w", err)
	}
	if len(args) == 0 {
		return nil
	}
	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("unknown command %q, try help", args[0])
	}
	sh.log.Debug("exec", zap.Strings("args", args))
	return cmd.run(sh, w, args[1:])
}

// Serve reads command lines from r and runs them until EOF, the exit command
// or the end of ctx. Command errors are printed and do not stop the shell.
func (sh *Shell) Serve(ctx context.Context, r LineReader, w io.Writer) error {
	fmt.Fprintf(w, "%s shell, type help for the list of commands\n", sh.core.Config().Name)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		fmt.Fprint(w, sh.Prompt)
		line, err := r.ReadLine()
		if err == io.EOF {
			fmt.Fprintln(w)
			return nil
		}
		if err != nil {
			return err
		}
		err = sh.Exec(w, line)
		if errors.Is(err, ErrExit) {
			return nil
		}
		if err != nil {
			fmt.Fprintf(w, "error: %v\n", err)
		}
	}
}

// countArg parses the optional count argument of a command.
func countArg(args []string, def int) (int, error) {
	switch len(args) {
	case 0:
		return def, nil
	case 1:
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid count %q", args[0])
		}
		return n, nil
	}
	return 0, errors.New("too many arguments")
}

func (sh *Shell) cmdHelp(w io.Writer, args []string) error {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	for _, name := range names {
		cmd := commands[name]
		fmt.Fprintf(tw, "%s %s\t%s\n", name, cmd.args, cmd.help)
	}
	return tw.Flush()
}

func (sh *Shell) cmdExit(w io.Writer, args []string) error {
	return ErrExit
}

func (sh *Shell) cmdEcho(w io.Writer, args []string) error {
	_, err := fmt.Fprintln(w, strings.Join(args, " "))
	return err
}

func (sh *Shell) cmdInfo(w io.Writer, args []string) error {
	cfg := sh.core.Config()
	s := sh.core.Snapshot()
	halted := "no"
	if s.Halted != "" {
		halted = s.Halted
	}
	quantum := "disabled"
	if cfg.TimeQuantum > 0 {
		quantum = fmt.Sprintf("%d ticks", cfg.TimeQuantum)
	}

	tw := tabwriter.NewWriter(w, 0, 8, 1, ' ', 0)
	fmt.Fprintf(tw, "Core:\t%s\n", s.Name)
	fmt.Fprintf(tw, "Frequency:\t%d Hz\n", cfg.Frequency)
	fmt.Fprintf(tw, "Time quantum:\t%s\n", quantum)
	fmt.Fprintf(tw, "System time:\t%d\n", s.Time)
	fmt.Fprintf(tw, "Threads:\t%d\n", len(s.Threads))
	fmt.Fprintf(tw, "Current:\t%s\n", s.Current)
	fmt.Fprintf(tw, "Halted:\t%s\n", halted)
	return tw.Flush()
}

func (sh *Shell) cmdSystime(w io.Writer, args []string) error {
	_, err := fmt.Fprintln(w, sh.core.Snapshot().Time)
	return err
}

func (sh *Shell) cmdThreads(w io.Writer, args []string) error {
	s := sh.core.Snapshot()
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "id\tname\tprio\treal\tstate\tticks\tstack\t")
	for _, t := range s.Threads {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%s\t%d\t%s\t\n",
			t.ID, t.Name, t.Priority, t.RealPriority, t.State, t.Ticks, t.Stack)
	}
	return tw.Flush()
}

func (sh *Shell) cmdTimers(w io.Writer, args []string) error {
	s := sh.core.Snapshot()
	if len(s.Timers) == 0 {
		_, err := fmt.Fprintln(w, "no armed timers")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "#\tdeadline\tremaining\treload\t")
	for i, t := range s.Timers {
		reload := "-"
		if t.Reload > 0 {
			reload = strconv.Itoa(int(t.Reload))
		}
		fmt.Fprintf(tw, "%d\t%d\t%d\t%s\t\n", i, s.Time.Add(t.Remaining), t.Remaining, reload)
	}
	return tw.Flush()
}

func (sh *Shell) cmdTrace(w io.Writer, args []string) error {
	n, err := countArg(args, 16)
	if err != nil {
		return err
	}
	events := sh.core.Trace()
	if len(events) > n {
		events = events[len(events)-n:]
	}
	return tracedump.WriteText(w, events)
}

func (sh *Shell) cmdDump(w io.Writer, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: dump <file>")
	}
	path := args[0]
	events := sh.core.Trace()
	if err := tracedump.WriteFile(path, tracedump.FormatForFile(path), events); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d events written to %s\n", len(events), path)
	return err
}

func (sh *Shell) cmdTick(w io.Writer, args []string) error {
	if sh.clock == nil {
		return errors.New("no clock attached")
	}
	n, err := countArg(args, 1)
	if err != nil {
		return err
	}
	if err := sh.clock.Ticks(n); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "systime %d\n", sh.core.Snapshot().Time)
	return err
}
