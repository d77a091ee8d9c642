package kernel_test

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinygo-org/rtkernel/kernel"
	"github.com/tinygo-org/rtkernel/port/hosted"
)

func TestRoundRobin(t *testing.T) {
	var switches switchLog
	cfg := testConfig(t)
	cfg.Hooks.ContextSwitch = switches.hook

	c, p := boot(t, cfg, func(c *kernel.Core) kernel.Msg {
		c.Create(thread("A", 5, spin(c)))
		c.Create(thread("B", 5, spin(c)))
		c.Create(thread("C", 10, func() kernel.Msg {
			work(c, 2)
			return kernel.MsgOK
		}))
		return kernel.MsgOK
	})

	s := c.Snapshot()
	assert.Equal(t, "C", s.Current)
	assert.Equal(t, []string{"A", "B", "idle"}, s.Ready)
	assert.Nil(t, s.Thread("main"), "main left the registry when it exited")

	require.NoError(t, p.Ticks(18))

	want := []string{"<nil>>main", "main>C", "C>A", "A>B", "B>A", "A>B", "B>A"}
	if diff := cmp.Diff(want, []string(switches)); diff != "" {
		t.Errorf("context switches mismatch (-want +got):\n%s", diff)
	}

	s = c.Snapshot()
	assert.Equal(t, kernel.SysTime(18), s.Time)
	assert.Equal(t, uint64(8), s.Thread("A").Ticks)
	assert.Equal(t, uint64(8), s.Thread("B").Ticks)
	assert.Nil(t, s.Thread("C"))
	assert.Equal(t, uint64(0), s.Thread("idle").Ticks)
	assert.Equal(t, "A", s.Current)
}

func TestRoundRobinDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.TimeQuantum = 0

	c, p := boot(t, cfg, func(c *kernel.Core) kernel.Msg {
		c.Create(thread("A", 5, spin(c)))
		c.Create(thread("B", 5, spin(c)))
		return kernel.MsgOK
	})
	require.NoError(t, p.Ticks(50))

	s := c.Snapshot()
	assert.Equal(t, "A", s.Current)
	assert.Equal(t, uint64(50), s.Thread("A").Ticks)
	assert.Equal(t, uint64(0), s.Thread("B").Ticks)
}

func TestTimeoutWakeup(t *testing.T) {
	var (
		a         *kernel.Thread
		ref       kernel.ThreadReference
		firstMsg  = kernel.Msg(99)
		wokeAt    kernel.SysTime
		resumed   bool
		secondMsg kernel.Msg
	)
	c, p := boot(t, testConfig(t), func(c *kernel.Core) kernel.Msg {
		a = c.Create(thread("A", 5, func() kernel.Msg {
			c.Lock()
			firstMsg = c.GoSleepTimeoutS(kernel.StateSleeping, 50)
			wokeAt = c.Now()
			secondMsg = c.SuspendS(&ref)
			resumed = true
			c.Unlock()
			return kernel.MsgOK
		}))
		c.Create(thread("B", 6, func() kernel.Msg {
			c.Sleep(10)
			c.Lock()
			c.WakeupS(a, kernel.MsgOK)
			c.Unlock()
			return kernel.MsgOK
		}))
		return kernel.MsgOK
	})

	s := c.Snapshot()
	assert.Equal(t, "idle", s.Current)
	assert.Equal(t, []kernel.TimerInfo{{Remaining: 10}, {Remaining: 50}}, s.Timers)

	require.NoError(t, p.Ticks(10))
	assert.Equal(t, kernel.MsgOK, firstMsg)
	assert.Equal(t, kernel.SysTime(10), wokeAt)
	assert.Same(t, a, ref.Thread())

	// The timeout of the first wait was disarmed when A was woken up.
	s = c.Snapshot()
	assert.Empty(t, s.Timers)
	assert.Equal(t, kernel.StateSuspended, s.Thread("A").State)

	require.NoError(t, p.Ticks(50))
	assert.False(t, resumed)
	assert.Equal(t, kernel.Msg(0), secondMsg)
	assert.Equal(t, kernel.StateSuspended, c.Snapshot().Thread("A").State)
}

func TestSleepTimesOut(t *testing.T) {
	var msg kernel.Msg
	var wokeAt kernel.SysTime
	c, p := boot(t, testConfig(t), func(c *kernel.Core) kernel.Msg {
		c.Lock()
		msg = c.GoSleepTimeoutS(kernel.StateSleeping, 3)
		wokeAt = c.Now()
		c.Unlock()
		return kernel.MsgOK
	})
	require.NoError(t, p.Ticks(2))
	assert.Equal(t, kernel.StateSleeping, c.Snapshot().Thread("main").State)

	require.NoError(t, p.Tick())
	assert.Equal(t, kernel.MsgTimeout, msg)
	assert.Equal(t, kernel.SysTime(3), wokeAt)
}

func TestSuspendTimesOut(t *testing.T) {
	var (
		a      *kernel.Thread
		ref    kernel.ThreadReference
		msg    = kernel.Msg(99)
		wokeAt kernel.SysTime
	)
	c, p := boot(t, testConfig(t), func(c *kernel.Core) kernel.Msg {
		a = c.Create(thread("A", 5, func() kernel.Msg {
			c.Lock()
			msg = c.SuspendTimeoutS(&ref, 5)
			wokeAt = c.Now()
			c.Unlock()
			return kernel.MsgOK
		}))
		return kernel.MsgOK
	})

	assert.Same(t, a, ref.Thread())
	assert.Equal(t, kernel.StateSuspended, c.Snapshot().Thread("A").State)

	require.NoError(t, p.Ticks(4))
	assert.Same(t, a, ref.Thread())
	assert.Equal(t, kernel.Msg(99), msg)

	require.NoError(t, p.Tick())
	assert.Nil(t, ref.Thread(), "the timeout must clear the reference")
	assert.Equal(t, kernel.MsgTimeout, msg)
	assert.Equal(t, kernel.SysTime(5), wokeAt)

	// Resuming the cleared reference does nothing.
	require.NoError(t, p.Interrupt(func() {
		c.LockFromISR()
		c.ResumeI(&ref, kernel.MsgOK)
		c.UnlockFromISR()
	}))
	assert.Equal(t, kernel.MsgTimeout, msg)
}

func TestSleepTimeoutImmediateHalts(t *testing.T) {
	_, p, err := hosted.Boot(testConfig(t), func(c *kernel.Core) kernel.Msg {
		c.Lock()
		c.GoSleepTimeoutS(kernel.StateSleeping, kernel.TimeImmediate)
		c.Unlock()
		return kernel.MsgOK
	})
	require.NotNil(t, p)
	defer p.Shutdown()
	assert.EqualError(t, err, "kernel c0 halted: immediate timeout")
}

func TestWakeupHigherPrioritySwitchesImmediately(t *testing.T) {
	var switches switchLog
	var events eventLog
	var ref kernel.ThreadReference
	cfg := testConfig(t)
	cfg.Hooks.ContextSwitch = switches.hook

	c, _ := boot(t, cfg, func(c *kernel.Core) kernel.Msg {
		c.Create(thread("H", 200, func() kernel.Msg {
			c.Lock()
			msg := c.SuspendS(&ref)
			c.Unlock()
			events.add("H woke %d", msg)
			return kernel.MsgOK
		}))
		events.add("main created H")
		c.Create(thread("P", 128, func() kernel.Msg {
			events.add("P runs")
			return kernel.MsgOK
		}))
		c.Resume(&ref, 42)
		events.add("main resumed H")
		return kernel.MsgOK
	})

	want := []string{"main created H", "H woke 42", "main resumed H", "P runs"}
	if diff := cmp.Diff(want, []string(events)); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}

	// When H exits, main gets the CPU back before its peer P: it was put
	// ahead of P when H preempted it.
	want = []string{"<nil>>main", "main>H", "H>main", "main>H", "H>main", "main>P", "P>idle"}
	if diff := cmp.Diff(want, []string(switches)); diff != "" {
		t.Errorf("context switches mismatch (-want +got):\n%s", diff)
	}

	// H was switched in directly every time, never through the ready list.
	for _, e := range c.Trace() {
		if e.Kind == kernel.TraceReady {
			assert.NotEqual(t, "H", e.Thread, "unexpected %v", e)
		}
	}
}

func TestWakeupLowerPriorityKeepsRunning(t *testing.T) {
	var (
		ref       kernel.ThreadReference
		l         *kernel.Thread
		stillMain bool
		lState    kernel.State
		lMsg      kernel.Msg
	)
	c, p := boot(t, testConfig(t), func(c *kernel.Core) kernel.Msg {
		l = c.Create(thread("L", 10, func() kernel.Msg {
			c.Lock()
			lMsg = c.SuspendS(&ref)
			c.Unlock()
			return kernel.MsgOK
		}))
		c.Sleep(1)

		c.Lock()
		c.ResumeS(&ref, 7)
		stillMain = c.Self() == c.Main()
		lState = l.State()
		c.Unlock()
		return kernel.MsgOK
	})
	assert.Equal(t, kernel.StateSuspended, c.Snapshot().Thread("L").State)

	require.NoError(t, p.Tick())
	assert.True(t, stillMain)
	assert.Equal(t, kernel.StateReady, lState)
	assert.Equal(t, kernel.Msg(7), lMsg)
	assert.Nil(t, ref.Thread())
}

func TestYieldAlternatesPeers(t *testing.T) {
	var events eventLog
	body := func(c *kernel.Core, name string) kernel.ThreadFunc {
		return func() kernel.Msg {
			for i := 0; i < 3; i++ {
				events.add("%s%d", name, i)
				c.Yield()
			}
			return kernel.MsgOK
		}
	}
	boot(t, testConfig(t), func(c *kernel.Core) kernel.Msg {
		c.Create(thread("A", 5, body(c, "A")))
		c.Create(thread("B", 5, body(c, "B")))
		return kernel.MsgOK
	})

	want := []string{"A0", "B0", "A1", "B1", "A2", "B2"}
	if diff := cmp.Diff(want, []string(events)); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestYieldWithoutPeersKeepsRunning(t *testing.T) {
	var self *kernel.Thread
	boot(t, testConfig(t), func(c *kernel.Core) kernel.Msg {
		c.Create(thread("L", 5, spin(c)))
		c.Yield()
		self = c.Self()
		return kernel.MsgOK
	})
	assert.Equal(t, "main", self.Name())
}

func TestPreemptedThreadPosition(t *testing.T) {
	var switches switchLog
	cfg := testConfig(t)
	cfg.Hooks.ContextSwitch = switches.hook

	_, p := boot(t, cfg, func(c *kernel.Core) kernel.Msg {
		c.Create(thread("A", 5, spin(c)))
		c.Create(thread("B", 5, spin(c)))
		c.Create(thread("H", 20, func() kernel.Msg {
			for i := 0; i < 2; i++ {
				c.Sleep(2)
			}
			return kernel.MsgOK
		}))
		return kernel.MsgOK
	})
	require.NoError(t, p.Ticks(4))

	// At tick 2 A still has time left in its quantum, so it goes back ahead
	// of B. At tick 4 its quantum is used up and it goes behind B.
	want := []string{"<nil>>main", "main>H", "H>A", "A>H", "H>A", "A>H", "H>B"}
	if diff := cmp.Diff(want, []string(switches)); diff != "" {
		t.Errorf("context switches mismatch (-want +got):\n%s", diff)
	}
}

func TestSetPriority(t *testing.T) {
	var events eventLog
	var old kernel.Priority
	boot(t, testConfig(t), func(c *kernel.Core) kernel.Msg {
		c.Create(thread("M", 50, func() kernel.Msg {
			events.add("M runs")
			return kernel.MsgOK
		}))
		old = c.SetPriority(20)
		events.add("main at %d", c.Self().Priority())
		return kernel.MsgOK
	})
	assert.Equal(t, kernel.NormalPriority, old)
	assert.Equal(t, []string{"M runs", "main at 20"}, []string(events))
}

func TestWaitReturnsExitCode(t *testing.T) {
	var code kernel.Msg
	var late kernel.Msg
	boot(t, testConfig(t), func(c *kernel.Core) kernel.Msg {
		w := c.Create(thread("W", 10, func() kernel.Msg {
			c.Yield()
			return 77
		}))
		code = c.Wait(w)
		// Waiting for a thread that already terminated returns at once.
		late = c.Wait(w)
		return kernel.MsgOK
	})
	assert.Equal(t, kernel.Msg(77), code)
	assert.Equal(t, kernel.Msg(77), late)
}

func TestTerminateRequest(t *testing.T) {
	var exited bool
	c, p := boot(t, testConfig(t), func(c *kernel.Core) kernel.Msg {
		w := c.Create(thread("W", 10, func() kernel.Msg {
			for !c.ShouldTerminate() {
				c.WaitForInterrupt()
			}
			exited = true
			return kernel.MsgOK
		}))
		c.Sleep(3)
		c.Terminate(w)
		c.Wait(w)
		return kernel.MsgOK
	})
	require.NoError(t, p.Ticks(3))
	assert.True(t, exited)
	assert.Equal(t, "idle", c.Snapshot().Current)
}

func TestCreateSuspendedAndStart(t *testing.T) {
	var events eventLog
	boot(t, testConfig(t), func(c *kernel.Core) kernel.Msg {
		w := c.CreateSuspended(thread("W", 200, func() kernel.Msg {
			events.add("W runs")
			return kernel.MsgOK
		}))
		events.add("created %s", w.State())
		c.StartThread(w)
		events.add("started")
		return kernel.MsgOK
	})
	assert.Equal(t, []string{"created WTSTART", "W runs", "started"}, []string(events))
}

func TestSleepUntilWindowed(t *testing.T) {
	var times []kernel.SysTime
	_, p := boot(t, testConfig(t), func(c *kernel.Core) kernel.Msg {
		prev := c.Now()
		for i := 0; i < 3; i++ {
			prev = c.SleepUntilWindowed(prev, prev.Add(5))
			times = append(times, c.Now())
		}
		return kernel.MsgOK
	})
	require.NoError(t, p.Ticks(20))
	assert.Equal(t, []kernel.SysTime{5, 10, 15}, times)
}

func TestVirtualTimers(t *testing.T) {
	var (
		fired     []string
		remaining kernel.Interval
		periodic  kernel.VirtualTimer
		first     kernel.VirtualTimer
		second    kernel.VirtualTimer
		cancelled kernel.VirtualTimer
		ref       kernel.ThreadReference
	)
	c, p := boot(t, testConfig(t), func(c *kernel.Core) kernel.Msg {
		rec := func(name string) kernel.TimerFunc {
			return func(*kernel.VirtualTimer, any) {
				fired = append(fired, fmt.Sprintf("%s@%d", name, c.Now()))
			}
		}

		c.Lock()
		c.DoSetContinuousI(&periodic, 3, rec("periodic"), nil)
		c.DoSetI(&first, 5, rec("first"), nil)
		c.DoSetI(&second, 5, rec("second"), nil)
		c.DoSetI(&cancelled, 4, rec("cancelled"), nil)
		remaining = c.RemainingIntervalI(&first)
		c.Unlock()

		c.Sleep(2)
		c.Reset(&cancelled)
		c.Sleep(8)
		c.Reset(&periodic)

		c.Lock()
		c.SuspendS(&ref)
		c.Unlock()
		return kernel.MsgOK
	})
	assert.Equal(t, kernel.Interval(5), remaining)

	require.NoError(t, p.Ticks(20))

	// Timers with the same deadline fire the most recently armed first.
	want := []string{"periodic@3", "second@5", "first@5", "periodic@6", "periodic@9"}
	if diff := cmp.Diff(want, fired); diff != "" {
		t.Errorf("fired timers mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, c.Snapshot().Timers)
}

func TestIdleHooks(t *testing.T) {
	var enter, leave int
	cfg := testConfig(t)
	cfg.Hooks.IdleEnter = func() { enter++ }
	cfg.Hooks.IdleLeave = func() { leave++ }

	_, p := boot(t, cfg, func(c *kernel.Core) kernel.Msg {
		for i := 0; i < 3; i++ {
			c.Sleep(1)
		}
		return kernel.MsgOK
	})
	require.NoError(t, p.Ticks(3))
	assert.Equal(t, 4, enter)
	assert.Equal(t, 3, leave)
}

func TestIntegrityCheck(t *testing.T) {
	var err error
	boot(t, testConfig(t), func(c *kernel.Core) kernel.Msg {
		c.Create(thread("A", 5, spin(c)))
		var vt kernel.VirtualTimer
		c.Set(&vt, 10, func(*kernel.VirtualTimer, any) {}, nil)

		c.Lock()
		err = c.IntegrityCheckI(kernel.IntegrityReadyList | kernel.IntegrityTimerList | kernel.IntegrityRegistry)
		c.Unlock()
		return kernel.MsgOK
	})
	assert.NoError(t, err)
}

func TestUserTrace(t *testing.T) {
	c, _ := boot(t, testConfig(t), func(c *kernel.Core) kernel.Msg {
		c.TraceUser(1, 0xbeef)
		return kernel.MsgOK
	})

	var user []kernel.TraceEvent
	for _, e := range c.Trace() {
		if e.Kind == kernel.TraceUser {
			user = append(user, e)
		}
	}
	require.Len(t, user, 1)
	assert.Equal(t, "main", user[0].Thread)
	assert.Equal(t, uint32(0xbeef), user[0].B)
}
