package sim

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/tinygo-org/rtkernel/diagnostics"
	"github.com/tinygo-org/rtkernel/kernel"
)

// Op is the operation of a program step.
type Op uint8

const (
	OpRun Op = iota + 1
	OpSleep
	OpYield
	OpWait
	OpSignal
	OpLock
	OpUnlock
	OpPriority
	OpEmit
	OpTrace
	OpExit
	OpLoop
	OpHalt
)

var opNames = [...]string{
	OpRun:      "run",
	OpSleep:    "sleep",
	OpYield:    "yield",
	OpWait:     "wait",
	OpSignal:   "signal",
	OpLock:     "lock",
	OpUnlock:   "unlock",
	OpPriority: "priority",
	OpEmit:     "emit",
	OpTrace:    "trace",
	OpExit:     "exit",
	OpLoop:     "loop",
	OpHalt:     "halt",
}

func (op Op) String() string {
	if int(op) < len(opNames) && opNames[op] != "" {
		return opNames[op]
	}
	return "op(" + strconv.Itoa(int(op)) + ")"
}

func lookupOp(name string) (Op, bool) {
	for op, n := range opNames {
		if n != "" && n == name {
			return Op(op), true
		}
	}
	return 0, false
}

// Step is a single instruction of a thread program.
type Step struct {
	Op Op

	// Duration of run and sleep, timeout of wait.
	Ticks kernel.Interval

	// Semaphore or mutex the step operates on.
	Object string

	// Priority, exit code, or the arguments of a trace event.
	Value int64
	A, B  uint32

	// Token of emit, reason of halt.
	Text string

	Pos diagnostics.Position

	// Entry number in the program, counting blank lines and comments.
	index int
}

// parseStep parses a single program line, already split into words. The
// frequency in cfg converts durations like "10ms" into ticks.
func parseStep(args []string, cfg *kernel.Config) (Step, error) {
	op, ok := lookupOp(args[0])
	if !ok {
		return Step{}, fmt.Errorf("unknown step %q", args[0])
	}
	step := Step{Op: op}
	args = args[1:]

	var err error
	switch op {
	case OpRun, OpSleep:
		if err = wantArgs(op, args, 1, 1); err != nil {
			return step, err
		}
		step.Ticks, err = parseInterval(args[0], cfg)
		if err == nil && step.Ticks == kernel.TimeImmediate {
			err = fmt.Errorf("%s needs a positive duration", op)
		}
	case OpYield, OpLoop:
		err = wantArgs(op, args, 0, 0)
	case OpWait:
		if err = wantArgs(op, args, 1, 2); err != nil {
			return step, err
		}
		step.Object = args[0]
		step.Ticks = kernel.TimeInfinite
		if len(args) == 2 {
			step.Ticks, err = parseInterval(args[1], cfg)
		}
	case OpSignal, OpLock, OpUnlock:
		if err = wantArgs(op, args, 1, 1); err != nil {
			return step, err
		}
		step.Object = args[0]
	case OpPriority:
		if err = wantArgs(op, args, 1, 1); err != nil {
			return step, err
		}
		step.Value, err = parsePriority(args[0])
	case OpEmit:
		if err = wantArgs(op, args, 1, 1); err != nil {
			return step, err
		}
		step.Text = args[0]
	case OpTrace:
		if err = wantArgs(op, args, 1, 2); err != nil {
			return step, err
		}
		step.A, err = parseUint32(args[0])
		if err == nil && len(args) == 2 {
			step.B, err = parseUint32(args[1])
		}
	case OpExit:
		if err = wantArgs(op, args, 0, 1); err != nil {
			return step, err
		}
		if len(args) == 1 {
			step.Value, err = strconv.ParseInt(args[0], 0, 32)
			if err != nil {
				err = fmt.Errorf("invalid exit code %q", args[0])
			}
		}
	case OpHalt:
		if len(args) == 0 {
			return step, errors.New("halt needs a reason")
		}
		step.Text = strings.Join(args, " ")
	}
	return step, err
}

func wantArgs(op Op, args []string, least, most int) error {
	switch {
	case len(args) < least:
		return fmt.Errorf("%s needs %d argument(s), got %d", op, least, len(args))
	case len(args) > most:
		return fmt.Errorf("%s takes at most %d argument(s), got %d", op, most, len(args))
	}
	return nil
}

// parseInterval accepts a number of ticks, a duration with a unit ("10ms",
// "1.5s") or "forever".
func parseInterval(s string, cfg *kernel.Config) (kernel.Interval, error) {
	if s == "forever" {
		return kernel.TimeInfinite, nil
	}
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		if kernel.Interval(n) == kernel.TimeInfinite {
			return 0, fmt.Errorf("interval %s is too large", s)
		}
		return kernel.Interval(n), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid interval %q", s)
	}
	if cfg.Frequency == 0 {
		return 0, fmt.Errorf("interval %s needs a tick frequency", s)
	}
	ms := d.Milliseconds()
	if d%time.Millisecond != 0 {
		ms++
	}
	if ms > int64(^uint32(0))/int64(cfg.Frequency) {
		return 0, fmt.Errorf("interval %s is too large", s)
	}
	return cfg.TimeMS2I(uint32(ms)), nil
}

func parsePriority(s string) (int64, error) {
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil || kernel.Priority(n) < kernel.LowPriority {
		return 0, fmt.Errorf("invalid priority %q (expected %d to %d)", s, kernel.LowPriority, kernel.HighPriority)
	}
	return int64(n), nil
}

func parseUint32(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", s)
	}
	return uint32(n), nil
}

// parseProgram parses the program lines of a thread. Each line is tokenized
// like a shell command, so "#" starts a comment and quoting works. first is
// the line number of lines[0], or zero when the lines have no meaningful
// position, in which case errors name the step number instead.
func parseProgram(thread, filename string, first int, lines []string, cfg *kernel.Config) ([]Step, error) {
	var (
		steps []Step
		errs  []error
	)
	for i, line := range lines {
		pos := diagnostics.Position{Filename: filename}
		if first > 0 {
			pos.Line = first + i
		}
		fail := func(err error) {
			if first == 0 {
				err = fmt.Errorf("step %d: %w", i+1, err)
			}
			errs = append(errs, &diagnostics.Error{Pos: pos, Err: fmt.Errorf("thread %q: %w", thread, err)})
		}

		args, err := shlex.Split(line)
		if err != nil {
			fail(err)
			continue
		}
		if len(args) == 0 {
			continue
		}
		step, err := parseStep(args, cfg)
		if err != nil {
			fail(err)
			continue
		}
		step.Pos = pos
		step.index = i + 1
		steps = append(steps, step)
	}
	return steps, errors.Join(errs...)
}
