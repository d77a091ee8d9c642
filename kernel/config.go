package kernel

import (
	"errors"
	"fmt"
	"os"

	"github.com/inhies/go-bytesize"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

// Config is the static configuration of a core.
type Config struct {
	// Name of the core instance, used in logs and diagnostics.
	Name string `yaml:"name"`

	// System tick frequency, in Hz.
	Frequency uint32 `yaml:"frequency"`

	// Round robin time quantum, in ticks. Zero disables round robin between
	// threads of equal priority: a thread then runs until it blocks, yields
	// or a higher priority thread becomes ready.
	TimeQuantum int `yaml:"time_quantum"`

	// Priority and working area of the main thread.
	MainPriority Priority          `yaml:"main_priority"`
	MainStack    bytesize.ByteSize `yaml:"main_stack"`

	// Working area of the idle thread.
	IdleStack bytesize.ByteSize `yaml:"idle_stack"`

	// Allow a thread to lock a mutex it already owns.
	RecursiveMutexes bool `yaml:"recursive_mutexes"`

	Debug DebugConfig `yaml:"debug"`

	Hooks Hooks `yaml:"-"`

	// Logger receives kernel events. A nil logger discards them.
	Logger *zap.Logger `yaml:"-"`
}

// MaxTraceBuffer is the largest trace buffer. Trace images count their
// events on 16 bits.
const MaxTraceBuffer = 1<<16 - 1

// MaxFrequency is the highest system tick frequency, one tick per
// nanosecond.
const MaxFrequency = 1_000_000_000

// DebugConfig enables the runtime checks of the kernel.
type DebugConfig struct {
	// Checks validates the lock class of every API call (SV#4..SV#11).
	Checks bool `yaml:"checks"`

	// Asserts validates internal consistency, like thread states on every
	// transition and the priority order of the ready list.
	Asserts bool `yaml:"asserts"`

	// Number of events kept in the trace buffer, zero disables tracing.
	TraceBuffer int `yaml:"trace_buffer"`
}

// Hooks are optional callbacks invoked at well defined points of the kernel.
// A nil hook is a no-op. All hooks except Halt are called with the kernel
// lock held and must not block.
type Hooks struct {
	// ThreadInit is called when a thread object is initialized.
	ThreadInit func(t *Thread)

	// ThreadExit is called when a thread terminates, before it goes FINAL.
	ThreadExit func(t *Thread)

	// ContextSwitch is called right before switching from otp to ntp.
	ContextSwitch func(ntp, otp *Thread)

	// IdleEnter and IdleLeave are called when the idle thread is switched in
	// and out.
	IdleEnter func()
	IdleLeave func()

	// IdleLoop runs on every iteration of the idle thread, before it waits
	// for an interrupt. It is called without the kernel lock.
	IdleLoop func()

	// SystemTick is called from the system tick interrupt.
	SystemTick func()

	// Halt is called once when the system halts, with the reason.
	Halt func(reason string)
}

func (h *Hooks) setDefaults() {
	if h.ThreadInit == nil {
		h.ThreadInit = func(*Thread) {}
	}
	if h.ThreadExit == nil {
		h.ThreadExit = func(*Thread) {}
	}
	if h.ContextSwitch == nil {
		h.ContextSwitch = func(ntp, otp *Thread) {}
	}
	if h.IdleEnter == nil {
		h.IdleEnter = func() {}
	}
	if h.IdleLeave == nil {
		h.IdleLeave = func() {}
	}
	if h.IdleLoop == nil {
		h.IdleLoop = func() {}
	}
	if h.SystemTick == nil {
		h.SystemTick = func() {}
	}
	if h.Halt == nil {
		h.Halt = func(string) {}
	}
}

// DefaultConfig returns the configuration used when nothing else is
// specified.
func DefaultConfig() Config {
	return Config{
		Name:         "c0",
		Frequency:    1000,
		TimeQuantum:  20,
		MainPriority: NormalPriority,
		MainStack:    1 * bytesize.KB,
		IdleStack:    256 * bytesize.B,
		Debug: DebugConfig{
			Checks:      true,
			Asserts:     true,
			TraceBuffer: 128,
		},
	}
}

// ParseConfig decodes a YAML configuration on top of DefaultConfig.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return cfg, fmt.Errorf("kernel config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadConfig reads and decodes the YAML configuration file at path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("could not read kernel config: %w", err)
	}
	return ParseConfig(data)
}

// Validate checks the configuration for values the kernel cannot work with.
// All problems are reported, joined in a single error.
func (cfg *Config) Validate() error {
	var errs []error
	if cfg.Frequency == 0 {
		errs = append(errs, errors.New("frequency must be greater than zero"))
	} else if cfg.Frequency > MaxFrequency {
		errs = append(errs, fmt.Errorf("frequency must not exceed %d Hz, got %d", MaxFrequency, cfg.Frequency))
	}
	if cfg.TimeQuantum < 0 {
		errs = append(errs, fmt.Errorf("time_quantum must not be negative, got %d", cfg.TimeQuantum))
	}
	if cfg.MainPriority < LowPriority {
		errs = append(errs, fmt.Errorf("main_priority %d is below the lowest user priority %d", cfg.MainPriority, LowPriority))
	}
	if cfg.MainStack == 0 {
		errs = append(errs, errors.New("main_stack must not be zero"))
	}
	if cfg.IdleStack == 0 {
		errs = append(errs, errors.New("idle_stack must not be zero"))
	}
	if cfg.Debug.TraceBuffer < 0 {
		errs = append(errs, fmt.Errorf("debug.trace_buffer must not be negative, got %d", cfg.Debug.TraceBuffer))
	} else if cfg.Debug.TraceBuffer > MaxTraceBuffer {
		errs = append(errs, fmt.Errorf("debug.trace_buffer must not exceed %d, got %d", MaxTraceBuffer, cfg.Debug.TraceBuffer))
	}
	return errors.Join(errs...)
}

// TimeMS2I converts milliseconds to ticks, rounding up.
func (cfg *Config) TimeMS2I(ms uint32) Interval {
	return Interval((uint64(ms)*uint64(cfg.Frequency) + 999) / 1000)
}

// TimeI2MS converts ticks to milliseconds, rounding up.
func (cfg *Config) TimeI2MS(i Interval) uint32 {
	return uint32((uint64(i)*1000 + uint64(cfg.Frequency) - 1) / uint64(cfg.Frequency))
}
