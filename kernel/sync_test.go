package kernel_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinygo-org/rtkernel/kernel"
)

func TestSemaphoreTimeoutRestoresCount(t *testing.T) {
	var (
		s         *kernel.Semaphore
		immediate kernel.Msg
		msg       kernel.Msg
	)
	_, p := boot(t, testConfig(t), func(c *kernel.Core) kernel.Msg {
		s = c.NewSemaphore(0)
		immediate = s.WaitTimeout(kernel.TimeImmediate)
		msg = s.WaitTimeout(5)
		return kernel.MsgOK
	})
	assert.Equal(t, kernel.MsgTimeout, immediate)
	assert.Equal(t, int32(-1), s.Count())

	require.NoError(t, p.Ticks(5))
	assert.Equal(t, kernel.MsgTimeout, msg)
	assert.Equal(t, int32(0), s.Count())
}

func TestSemaphoreWaitersAreFIFO(t *testing.T) {
	var events eventLog
	var s *kernel.Semaphore
	waiter := func(c *kernel.Core, name string, delay kernel.Interval) kernel.ThreadFunc {
		return func() kernel.Msg {
			c.Sleep(delay)
			msg := s.Wait()
			events.add("%s %s", name, msg)
			return kernel.MsgOK
		}
	}
	c, p := boot(t, testConfig(t), func(c *kernel.Core) kernel.Msg {
		s = c.NewSemaphore(0)
		// The low priority thread queues first.
		c.Create(thread("low", 10, waiter(c, "low", 1)))
		c.Create(thread("high", 20, waiter(c, "high", 2)))
		c.Sleep(3)
		s.Signal()
		return kernel.MsgOK
	})
	require.NoError(t, p.Ticks(3))

	assert.Equal(t, []string{"low ok"}, []string(events))
	assert.Equal(t, kernel.StateWaitSem, c.Snapshot().Thread("high").State)
	assert.Equal(t, int32(-1), s.Count())
}

func TestSemaphoreReset(t *testing.T) {
	var events eventLog
	var s *kernel.Semaphore
	var count int32
	waiter := func(c *kernel.Core, name string) kernel.ThreadFunc {
		return func() kernel.Msg {
			events.add("%s %s", name, s.Wait())
			return kernel.MsgOK
		}
	}
	_, p := boot(t, testConfig(t), func(c *kernel.Core) kernel.Msg {
		s = c.NewSemaphore(0)
		c.Create(thread("W1", 10, waiter(c, "W1")))
		c.Create(thread("W2", 10, waiter(c, "W2")))
		c.Sleep(1)
		s.Reset(2)
		count = s.Count()
		return kernel.MsgOK
	})
	require.NoError(t, p.Tick())

	// Waiters are released most recent first.
	assert.Equal(t, []string{"W2 reset", "W1 reset"}, []string(events))
	assert.Equal(t, int32(2), count)
}

func TestSemaphoreSignalFromInterrupt(t *testing.T) {
	var events eventLog
	var s *kernel.Semaphore
	c, p := boot(t, testConfig(t), func(c *kernel.Core) kernel.Msg {
		s = c.NewSemaphore(0)
		c.Create(thread("W", 10, func() kernel.Msg {
			events.add("W %s", s.Wait())
			return kernel.MsgOK
		}))
		return kernel.MsgOK
	})
	require.Empty(t, events)

	require.NoError(t, p.Interrupt(func() {
		c.LockFromISR()
		s.AddCounterI(2)
		c.UnlockFromISR()
	}))
	assert.Equal(t, []string{"W ok"}, []string(events))
	assert.Equal(t, int32(1), s.Count())
}

func TestSemaphoreSignalWait(t *testing.T) {
	var events eventLog
	boot(t, testConfig(t), func(c *kernel.Core) kernel.Msg {
		a, b := c.NewSemaphore(0), c.NewSemaphore(0)
		c.Create(thread("W", 200, func() kernel.Msg {
			a.Wait()
			events.add("W woke")
			b.Signal()
			return kernel.MsgOK
		}))
		events.add("main %s", a.SignalWait(b))
		return kernel.MsgOK
	})
	assert.Equal(t, []string{"W woke", "main ok"}, []string(events))
}

func TestMutexPriorityInheritanceChain(t *testing.T) {
	var events eventLog
	var m1, m2 *kernel.Mutex
	c, p := boot(t, testConfig(t), func(c *kernel.Core) kernel.Msg {
		m1, m2 = c.NewMutex(), c.NewMutex()
		c.Create(thread("L", 10, func() kernel.Msg {
			m1.Lock()
			work(c, 5)
			m1.Unlock()
			events.add("L prio=%d", c.Self().Priority())
			return kernel.MsgOK
		}))
		c.Sleep(1)
		c.Create(thread("Mid", 20, func() kernel.Msg {
			m2.Lock()
			m1.Lock()
			events.add("Mid got m1 prio=%d", c.Self().Priority())
			m1.Unlock()
			m2.Unlock()
			events.add("Mid done prio=%d", c.Self().Priority())
			return kernel.MsgOK
		}))
		c.Sleep(1)
		c.Create(thread("H", 30, func() kernel.Msg {
			m2.Lock()
			events.add("H got m2")
			m2.Unlock()
			return kernel.MsgOK
		}))
		return kernel.MsgOK
	})
	require.NoError(t, p.Ticks(2))

	// H waits on Mid, which waits on L: L inherits the priority of H.
	s := c.Snapshot()
	assert.Equal(t, "L", s.Current)
	assert.Equal(t, kernel.Priority(30), s.Thread("L").Priority)
	assert.Equal(t, kernel.Priority(10), s.Thread("L").RealPriority)
	assert.Equal(t, kernel.Priority(30), s.Thread("Mid").Priority)
	assert.Equal(t, kernel.StateWaitMutex, s.Thread("Mid").State)
	assert.Equal(t, kernel.StateWaitMutex, s.Thread("H").State)
	assert.Equal(t, "L", m1.Owner().Name())
	assert.Equal(t, "Mid", m2.Owner().Name())

	require.NoError(t, p.Ticks(3))
	want := []string{"Mid got m1 prio=30", "H got m2", "Mid done prio=20", "L prio=10"}
	if diff := cmp.Diff(want, []string(events)); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	assert.Nil(t, m1.Owner())
	assert.Nil(t, m2.Owner())
}

func TestMutexUnlockAll(t *testing.T) {
	var events eventLog
	boot(t, testConfig(t), func(c *kernel.Core) kernel.Msg {
		m1, m2 := c.NewMutex(), c.NewMutex()
		m1.Lock()
		m2.Lock()
		c.Create(thread("W", 200, func() kernel.Msg {
			m1.Lock()
			events.add("W got m1")
			m1.Unlock()
			return kernel.MsgOK
		}))
		events.add("main prio=%d", c.Self().Priority())
		c.UnlockAll()
		events.add("main prio=%d", c.Self().Priority())
		return kernel.MsgOK
	})
	assert.Equal(t, []string{"main prio=200", "W got m1", "main prio=128"}, []string(events))
}

func TestMutexTryLock(t *testing.T) {
	var results []bool
	var owner *kernel.Thread
	boot(t, testConfig(t), func(c *kernel.Core) kernel.Msg {
		m := c.NewMutex()
		results = append(results, m.TryLock(), m.TryLock())
		m.Unlock()
		owner = m.Owner()
		return kernel.MsgOK
	})
	assert.Equal(t, []bool{true, false}, results)
	assert.Nil(t, owner)
}

func TestMutexRecursive(t *testing.T) {
	var owners []string
	cfg := testConfig(t)
	cfg.RecursiveMutexes = true
	boot(t, cfg, func(c *kernel.Core) kernel.Msg {
		m := c.NewMutex()
		m.Lock()
		m.Lock()
		m.Unlock()
		owners = append(owners, m.Owner().String())
		m.Unlock()
		owners = append(owners, m.Owner().String())
		return kernel.MsgOK
	})
	assert.Equal(t, []string{"main", "<nil>"}, owners)
}

func TestCondVarBroadcast(t *testing.T) {
	var events eventLog
	c, p := boot(t, testConfig(t), func(c *kernel.Core) kernel.Msg {
		m := c.NewMutex()
		cv := c.NewCondVar()
		waiter := func(name string) kernel.ThreadFunc {
			return func() kernel.Msg {
				m.Lock()
				msg := cv.Wait()
				events.add("%s %s owner=%t", name, msg, m.Owner() == c.Self())
				m.Unlock()
				return kernel.MsgOK
			}
		}
		c.Create(thread("W1", 10, waiter("W1")))
		c.Create(thread("W2", 10, waiter("W2")))
		c.Sleep(1)

		m.Lock()
		cv.Broadcast()
		m.Unlock()
		return kernel.MsgOK
	})
	s := c.Snapshot()
	assert.Equal(t, kernel.StateWaitCond, s.Thread("W1").State)
	assert.Equal(t, kernel.StateWaitCond, s.Thread("W2").State)

	require.NoError(t, p.Tick())
	assert.Equal(t, []string{"W1 reset owner=true", "W2 reset owner=true"}, []string(events))
}

func TestCondVarSignal(t *testing.T) {
	var events eventLog
	_, p := boot(t, testConfig(t), func(c *kernel.Core) kernel.Msg {
		m := c.NewMutex()
		cv := c.NewCondVar()
		for _, name := range []string{"W1", "W2"} {
			c.Create(thread(name, 10, func() kernel.Msg {
				m.Lock()
				events.add("%s %s", name, cv.Wait())
				m.Unlock()
				return kernel.MsgOK
			}))
		}
		c.Sleep(1)

		m.Lock()
		cv.Signal()
		m.Unlock()
		return kernel.MsgOK
	})
	require.NoError(t, p.Tick())
	assert.Equal(t, []string{"W1 ok"}, []string(events))
}

func TestCondVarWaitTimeout(t *testing.T) {
	var msg kernel.Msg
	var m *kernel.Mutex
	_, p := boot(t, testConfig(t), func(c *kernel.Core) kernel.Msg {
		m = c.NewMutex()
		cv := c.NewCondVar()
		m.Lock()
		msg = cv.WaitTimeout(3)
		return kernel.MsgOK
	})
	require.NoError(t, p.Ticks(3))

	// The mutex is not locked again after a timeout.
	assert.Equal(t, kernel.MsgTimeout, msg)
	assert.Nil(t, m.Owner())
}

func TestThreadsQueueDequeueFromInterrupt(t *testing.T) {
	var events eventLog
	var tq kernel.ThreadsQueue
	c, p := boot(t, testConfig(t), func(c *kernel.Core) kernel.Msg {
		c.Create(thread("L", 5, spin(c)))
		c.Create(thread("W", 50, func() kernel.Msg {
			c.Lock()
			events.add("immediate %s", c.EnqueueTimeoutS(&tq, kernel.TimeImmediate))
			events.add("dequeued %s", c.EnqueueTimeoutS(&tq, kernel.TimeInfinite))
			events.add("then %s", c.EnqueueTimeoutS(&tq, 2))
			c.Unlock()
			return kernel.MsgOK
		}))
		return kernel.MsgOK
	})
	assert.Equal(t, "L", c.Snapshot().Current)

	require.NoError(t, p.Interrupt(func() {
		c.LockFromISR()
		c.DequeueNextI(&tq, 5)
		c.UnlockFromISR()
	}))
	assert.Equal(t, []string{"immediate timeout", "dequeued msg(5)"}, []string(events))

	// W preempted L, which went back to the head of the ready list.
	s := c.Snapshot()
	assert.Equal(t, "L", s.Current)
	assert.Equal(t, kernel.StateQueued, s.Thread("W").State)

	require.NoError(t, p.Ticks(2))
	assert.Equal(t, "then timeout", events[2])
}
