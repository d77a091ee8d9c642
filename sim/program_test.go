package sim

import (
	"testing"

	"github.com/google/shlex"

	"github.com/tinygo-org/rtkernel/kernel"
)

func TestParseStep(t *testing.T) {
	cfg := kernel.DefaultConfig()
	tests := []struct {
		line string
		want Step
		err  string
	}{
		{line: "run 3", want: Step{Op: OpRun, Ticks: 3}},
		{line: "run forever", want: Step{Op: OpRun, Ticks: kernel.TimeInfinite}},
		{line: "sleep 1.5ms", want: Step{Op: OpSleep, Ticks: 2}},
		{line: "sleep 1s", want: Step{Op: OpSleep, Ticks: 1000}},
		{line: "yield", want: Step{Op: OpYield}},
		{line: "wait s", want: Step{Op: OpWait, Object: "s", Ticks: kernel.TimeInfinite}},
		{line: "wait s 0", want: Step{Op: OpWait, Object: "s", Ticks: kernel.TimeImmediate}},
		{line: "signal s", want: Step{Op: OpSignal, Object: "s"}},
		{line: "lock m", want: Step{Op: OpLock, Object: "m"}},
		{line: "unlock m", want: Step{Op: OpUnlock, Object: "m"}},
		{line: "priority 40", want: Step{Op: OpPriority, Value: 40}},
		{line: "emit 'two words'", want: Step{Op: OpEmit, Text: "two words"}},
		{line: "trace 0x10", want: Step{Op: OpTrace, A: 16}},
		{line: "trace 1 2", want: Step{Op: OpTrace, A: 1, B: 2}},
		{line: "exit", want: Step{Op: OpExit}},
		{line: "exit 12", want: Step{Op: OpExit, Value: 12}},
		{line: "loop", want: Step{Op: OpLoop}},
		{line: "halt bad   thing", want: Step{Op: OpHalt, Text: "bad thing"}},

		{line: "frobnicate", err: `unknown step "frobnicate"`},
		{line: "run 0", err: "run needs a positive duration"},
		{line: "sleep -5", err: `invalid interval "-5"`},
		{line: "sleep 4294967295", err: "interval 4294967295 is too large"},
		{line: "sleep 2000h", err: "interval 2000h is too large"},
		{line: "yield now", err: "yield takes at most 0 argument(s), got 1"},
		{line: "emit", err: "emit needs 1 argument(s), got 0"},
		{line: "priority 1", err: `invalid priority "1" (expected 2 to 255)`},
		{line: "priority 256", err: `invalid priority "256" (expected 2 to 255)`},
		{line: "trace x", err: `invalid value "x"`},
		{line: "exit code", err: `invalid exit code "code"`},
		{line: "halt", err: "halt needs a reason"},
	}
	for _, tc := range tests {
		args, err := shlex.Split(tc.line)
		if err != nil {
			t.Fatalf("could not split %q: %v", tc.line, err)
		}
		step, err := parseStep(args, &cfg)
		if tc.err != "" {
			if err == nil || err.Error() != tc.err {
				t.Errorf("parseStep(%q) returned error %v, want %q", tc.line, err, tc.err)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseStep(%q) returned error %v", tc.line, err)
			continue
		}
		if step != tc.want {
			t.Errorf("parseStep(%q) returned %+v, want %+v", tc.line, step, tc.want)
		}
	}
}

func TestOpString(t *testing.T) {
	for op := OpRun; op <= OpHalt; op++ {
		got, ok := lookupOp(op.String())
		if !ok || got != op {
			t.Errorf("lookupOp(%q) returned %v, %v", op.String(), got, ok)
		}
	}
	if s := Op(99).String(); s != "op(99)" {
		t.Errorf("Op(99).String() returned %q", s)
	}
}
