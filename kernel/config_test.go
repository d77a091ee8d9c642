package kernel_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/inhies/go-bytesize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinygo-org/rtkernel/kernel"
)

func TestParseConfig(t *testing.T) {
	cfg, err := kernel.ParseConfig([]byte(`
name: sim
frequency: 10000
time_quantum: 0
main_stack: 4KB
recursive_mutexes: true
debug:
  trace_buffer: 16
`))
	require.NoError(t, err)

	want := kernel.DefaultConfig()
	want.Name = "sim"
	want.Frequency = 10000
	want.TimeQuantum = 0
	want.MainStack = 4 * bytesize.KB
	want.RecursiveMutexes = true
	want.Debug.TraceBuffer = 16
	assert.Equal(t, want, cfg)
}

func TestParseConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		errs []string
	}{
		{
			name: "unknown field",
			yaml: "quantum: 3\n",
			errs: []string{"kernel config:", "quantum"},
		},
		{
			name: "bad size",
			yaml: "idle_stack: lots\n",
			errs: []string{"kernel config:"},
		},
		{
			name: "all invalid values reported",
			yaml: "frequency: 0\ntime_quantum: -1\nmain_priority: 1\n",
			errs: []string{
				"frequency must be greater than zero",
				"time_quantum must not be negative, got -1",
				"main_priority 1 is below the lowest user priority 2",
			},
		},
		{
			name: "above limits",
			yaml: "frequency: 2000000000\ndebug:\n  trace_buffer: 65536\n",
			errs: []string{
				"frequency must not exceed 1000000000 Hz, got 2000000000",
				"debug.trace_buffer must not exceed 65535, got 65536",
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := kernel.ParseConfig([]byte(tc.yaml))
			require.Error(t, err)
			for _, msg := range tc.errs {
				assert.Contains(t, err.Error(), msg)
			}
		})
	}
}

func TestConfigLimits(t *testing.T) {
	cfg := kernel.DefaultConfig()
	cfg.Frequency = kernel.MaxFrequency
	cfg.Debug.TraceBuffer = kernel.MaxTraceBuffer
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: disk\n"), 0o644))

	cfg, err := kernel.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "disk", cfg.Name)

	_, err = kernel.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := kernel.DefaultConfig()
	cfg.MainStack = 0
	_, err := kernel.New(cfg, nil)
	assert.EqualError(t, err, "main_stack must not be zero")
}

func TestTimeConversions(t *testing.T) {
	cfg := kernel.DefaultConfig()
	cfg.Frequency = 300
	assert.Equal(t, kernel.Interval(3), cfg.TimeMS2I(10))
	assert.Equal(t, kernel.Interval(1), cfg.TimeMS2I(1))
	assert.Equal(t, uint32(4), cfg.TimeI2MS(1))
	assert.Equal(t, uint32(1000), cfg.TimeI2MS(300))
}

func TestSysTimeWraps(t *testing.T) {
	start := kernel.SysTime(0xfffffffe)
	end := start.Add(4)
	assert.Equal(t, kernel.SysTime(2), end)
	assert.Equal(t, kernel.Interval(4), end.Sub(start))
	assert.True(t, kernel.SysTime(0).InRange(start, end))
	assert.False(t, end.InRange(start, end))
}
