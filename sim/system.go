// Package sim runs scripted systems on the hosted port. A system file names
// the kernel configuration, the semaphores and mutexes, and a program for
// each thread. Programs burn CPU, sleep, block on objects and emit tokens,
// so that the order in which threads ran can be checked afterwards.
package sim

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/inhies/go-bytesize"
	"gopkg.in/yaml.v2"

	"github.com/tinygo-org/rtkernel/diagnostics"
	"github.com/tinygo-org/rtkernel/kernel"
)

// DefaultStack is the working area of threads that do not set one.
const DefaultStack = 512 * bytesize.B

// System is a decoded system file.
type System struct {
	Kernel     kernel.Config    `yaml:"kernel"`
	Semaphores map[string]int32 `yaml:"semaphores"`
	Mutexes    []string         `yaml:"mutexes"`
	Threads    []ThreadSpec     `yaml:"threads"`

	// File the system was loaded from, if any.
	Filename string `yaml:"-"`
}

// ThreadSpec describes one thread of a system. The program is either given
// inline, one step per list entry, or read from a script file with one step
// per line.
type ThreadSpec struct {
	Name     string            `yaml:"name"`
	Priority kernel.Priority   `yaml:"priority"`
	Stack    bytesize.ByteSize `yaml:"stack"`
	Program  []string          `yaml:"program"`
	Script   string            `yaml:"script"`

	Steps []Step `yaml:"-"`
}

// LoadSystem reads and parses the system file at path. Scripts are looked up
// relative to the directory of path.
func LoadSystem(path string) (*System, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read system file: %w", err)
	}
	return ParseSystem(data, path)
}

// ParseSystem parses a system file. filename is used in errors and to find
// scripts, it may be empty for systems that only use inline programs.
//
// All problems found are reported at once. Errors carry a
// diagnostics.Position so that they can be printed the way compilers print
// errors.
func ParseSystem(data []byte, filename string) (*System, error) {
	sys := &System{
		Kernel:   kernel.DefaultConfig(),
		Filename: filename,
	}
	if err := yaml.UnmarshalStrict(data, sys); err != nil {
		return nil, &diagnostics.Error{Pos: diagnostics.Position{Filename: filename}, Err: err}
	}

	var errs []error
	fail := func(err error) {
		errs = append(errs, &diagnostics.Error{Pos: diagnostics.Position{Filename: filename}, Err: err})
	}
	if err := sys.Kernel.Validate(); err != nil {
		for _, err := range err.(interface{ Unwrap() []error }).Unwrap() {
			fail(fmt.Errorf("kernel: %w", err))
		}
	}
	for _, name := range sortedKeys(sys.Semaphores) {
		if n := sys.Semaphores[name]; n < 0 {
			fail(fmt.Errorf("semaphore %q: initial count must not be negative, got %d", name, n))
		}
	}
	mutexes := map[string]bool{}
	for _, name := range sys.Mutexes {
		if mutexes[name] {
			fail(fmt.Errorf("mutex %q declared twice", name))
		}
		mutexes[name] = true
	}

	if len(sys.Threads) == 0 {
		fail(errors.New("no threads defined"))
	}
	names := map[string]bool{"main": true, "idle": true}
	for i := range sys.Threads {
		t := &sys.Threads[i]
		if t.Name == "" {
			fail(fmt.Errorf("thread %d has no name", i+1))
			continue
		}
		if names[t.Name] {
			fail(fmt.Errorf("thread %q: name already in use", t.Name))
		}
		names[t.Name] = true
		if t.Priority < kernel.LowPriority {
			fail(fmt.Errorf("thread %q: priority %d is below the lowest user priority %d", t.Name, t.Priority, kernel.LowPriority))
		}
		if t.Stack == 0 {
			t.Stack = DefaultStack
		}

		var err error
		switch {
		case t.Script != "" && t.Program != nil:
			fail(fmt.Errorf("thread %q: program and script are mutually exclusive", t.Name))
			continue
		case t.Script != "":
			t.Steps, err = loadScript(t.Name, filepath.Join(filepath.Dir(filename), t.Script), &sys.Kernel)
			if errors.Is(err, fs.ErrNotExist) {
				fail(fmt.Errorf("thread %q: %w", t.Name, err))
				continue
			}
		default:
			t.Steps, err = parseProgram(t.Name, filename, 0, t.Program, &sys.Kernel)
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		errs = append(errs, sys.checkProgram(t, mutexes)...)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return sys, nil
}

// loadScript reads a program from a script file, one step per line.
func loadScript(thread, path string, cfg *kernel.Config) ([]Step, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read script: %w", err)
	}
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return parseProgram(thread, path, 1, lines, cfg)
}

// checkProgram verifies the objects a program refers to, and that looping
// programs have a step that can block. The loop step itself waits for the
// next tick when an iteration did not block.
func (sys *System) checkProgram(t *ThreadSpec, mutexes map[string]bool) []error {
	var errs []error
	fail := func(i int, err error) {
		step := &t.Steps[i]
		if step.Pos.Line == 0 {
			err = fmt.Errorf("step %d: %w", step.index, err)
		}
		errs = append(errs, &diagnostics.Error{Pos: step.Pos, Err: fmt.Errorf("thread %q: %w", t.Name, err)})
	}

	blocks := false
	for i := range t.Steps {
		step := &t.Steps[i]
		switch step.Op {
		case OpWait, OpSignal:
			if _, ok := sys.Semaphores[step.Object]; !ok {
				fail(i, fmt.Errorf("undefined semaphore %q", step.Object))
			}
		case OpLock, OpUnlock:
			if !mutexes[step.Object] {
				fail(i, fmt.Errorf("undefined mutex %q", step.Object))
			}
		case OpLoop:
			if i != len(t.Steps)-1 {
				fail(i, errors.New("loop must be the last step"))
			} else if !blocks {
				fail(i, errors.New("loop without a run, sleep or wait step never lets time pass"))
			}
		}
		switch step.Op {
		case OpRun, OpSleep, OpWait:
			blocks = true
		}
	}
	return errs
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
