package kernel

import (
	"go.uber.org/zap"
)

func (c *Core) checkDescriptor(d *Descriptor) {
	if !c.cfg.Debug.Checks {
		return
	}
	if d.Func == nil || d.Priority < LowPriority || d.Stack == 0 {
		c.Halt("invalid thread descriptor")
	}
}

// threadInit initializes a thread object in the WTSTART state and prepares
// its context.
func (c *Core) threadInit(d Descriptor, prio Priority) *Thread {
	t := &Thread{
		core:     c,
		id:       c.nextID,
		name:     d.Name,
		stack:    d.Stack,
		prio:     prio,
		realPrio: prio,
		state:    StateWaitStart,
		ticks:    c.cfg.TimeQuantum,
		body:     d.Func,
	}
	c.nextID++
	c.registryAdd(t)
	c.hooks.ThreadInit(t)
	c.port.SetupContext(t, c.threadEntry(t))

	c.log.Debug("thread created",
		zap.Uint32("id", t.id),
		zap.String("name", t.name),
		zap.Uint8("prio", uint8(prio)),
		zap.Stringer("stack", t.stack))
	return t
}

// threadEntry returns the first function run by t. The thread is switched in
// for the first time with the kernel lock held by whoever switched to it.
func (c *Core) threadEntry(t *Thread) func() {
	return func() {
		c.Unlock()
		c.Exit(t.body())
	}
}

// CreateSuspendedI creates a thread in the WTSTART state. It must be started
// with StartI or StartThread.
func (c *Core) CreateSuspendedI(d Descriptor) *Thread {
	c.checkClassI()
	c.checkDescriptor(&d)
	return c.threadInit(d, d.Priority)
}

// CreateSuspended creates a thread in the WTSTART state.
func (c *Core) CreateSuspended(d Descriptor) *Thread {
	c.Lock()
	t := c.CreateSuspendedI(d)
	c.Unlock()
	return t
}

// CreateI creates a thread and makes it ready, without rescheduling.
func (c *Core) CreateI(d Descriptor) *Thread {
	return c.ReadyI(c.CreateSuspendedI(d))
}

// Create creates a thread and starts it. If its priority is higher than the
// priority of the caller it runs immediately.
func (c *Core) Create(d Descriptor) *Thread {
	c.Lock()
	t := c.CreateSuspendedI(d)
	c.WakeupS(t, MsgOK)
	c.Unlock()
	return t
}

// StartI makes a thread created with CreateSuspended ready.
func (c *Core) StartI(t *Thread) *Thread {
	c.checkClassI()
	c.assert(t.state == StateWaitStart, "wrong state")
	return c.readyBehind(t)
}

// StartThread starts a thread created with CreateSuspended.
func (c *Core) StartThread(t *Thread) *Thread {
	c.Lock()
	c.assert(t.state == StateWaitStart, "wrong state")
	c.WakeupS(t, MsgOK)
	c.Unlock()
	return t
}

// Exit terminates the current thread with the given exit code.
func (c *Core) Exit(msg Msg) {
	c.Lock()
	c.ExitS(msg)
}

// ExitS terminates the current thread. The threads waiting for it are made
// ready, and the thread goes FINAL. It does not return.
func (c *Core) ExitS(msg Msg) {
	c.checkClassS()
	t := c.current

	t.exitCode = msg
	c.hooks.ThreadExit(t)
	for w := t.waiting.fifoRemove(); w != nil; w = t.waiting.fifoRemove() {
		c.ReadyI(w)
	}
	c.registryRemove(t)

	c.log.Debug("thread exited",
		zap.String("name", t.name),
		zap.Int32("code", int32(msg)),
		zap.Uint64("ticks", t.time))

	c.GoSleepS(StateFinal)
	c.Halt("final thread switched in")
}

// Wait blocks until t terminates and returns its exit code.
func (c *Core) Wait(t *Thread) Msg {
	c.Lock()
	c.assert(t != c.current, "waiting self")
	if t.state != StateFinal {
		t.waiting.insert(c.current)
		c.GoSleepS(StateWaitExit)
	}
	msg := t.exitCode
	c.Unlock()
	return msg
}

// SetPriority changes the priority of the current thread and returns the old
// one. A priority raised by priority inheritance is only lowered when the
// owned mutexes are released.
func (c *Core) SetPriority(p Priority) Priority {
	if c.cfg.Debug.Checks && p < LowPriority {
		c.Halt("invalid priority")
	}

	c.Lock()
	t := c.current
	old := t.realPrio
	if t.prio == t.realPrio || p > t.prio {
		t.prio = p
	}
	t.realPrio = p
	c.RescheduleS()
	c.Unlock()
	return old
}

// Terminate asks t to terminate. It is up to the thread to check
// ShouldTerminate and exit.
func (c *Core) Terminate(t *Thread) {
	c.Lock()
	t.terminate = true
	c.Unlock()
}

// ShouldTerminate reports whether Terminate was called on the current
// thread.
func (c *Core) ShouldTerminate() bool {
	return c.current.terminate
}

// SleepS suspends the current thread for the given number of ticks.
func (c *Core) SleepS(i Interval) {
	if c.cfg.Debug.Checks && i == TimeImmediate {
		c.Halt("invalid sleep interval")
	}
	c.GoSleepTimeoutS(StateSleeping, i)
}

// Sleep suspends the current thread for the given number of ticks.
func (c *Core) Sleep(i Interval) {
	c.Lock()
	c.SleepS(i)
	c.Unlock()
}

// SleepUntil suspends the current thread until the system time reaches t.
// It returns immediately if t is now.
func (c *Core) SleepUntil(t SysTime) {
	c.Lock()
	if i := t.Sub(c.systime); i > 0 {
		c.SleepS(i)
	}
	c.Unlock()
}

// SleepUntilWindowed suspends the current thread until next, if the system
// time is still within [prev, next). It returns next, to be used as prev of
// the following period.
func (c *Core) SleepUntilWindowed(prev, next SysTime) SysTime {
	c.Lock()
	if now := c.systime; now.InRange(prev, next) {
		c.SleepS(next.Sub(now))
	}
	c.Unlock()
	return next
}

// Yield passes the CPU to the next ready thread of the same priority.
func (c *Core) Yield() {
	c.Lock()
	c.DoYieldS()
	c.Unlock()
}

// ThreadReference holds a thread suspended on it. The zero value is empty.
type ThreadReference struct {
	thread *Thread
}

// Thread returns the suspended thread, or nil.
func (r *ThreadReference) Thread() *Thread {
	return r.thread
}

// SuspendS suspends the current thread on r until it is resumed.
func (c *Core) SuspendS(r *ThreadReference) Msg {
	t := c.current
	c.assert(r.thread == nil, "reference not empty")

	r.thread = t
	t.wtRef = r
	return c.GoSleepS(StateSuspended)
}

// SuspendTimeoutS is SuspendS with a timeout. TimeImmediate fails right
// away with MsgTimeout.
func (c *Core) SuspendTimeoutS(r *ThreadReference, timeout Interval) Msg {
	t := c.current
	c.assert(r.thread == nil, "reference not empty")

	if timeout == TimeImmediate {
		return MsgTimeout
	}
	r.thread = t
	t.wtRef = r
	return c.GoSleepTimeoutS(StateSuspended, timeout)
}

func (c *Core) takeReference(r *ThreadReference) *Thread {
	t := r.thread
	if t == nil {
		return nil
	}
	c.assert(t.state == StateSuspended, "not suspended")
	r.thread = nil
	t.wtRef = nil
	return t
}

// ResumeI makes the thread suspended on r ready with msg. It does nothing if
// r is empty.
func (c *Core) ResumeI(r *ThreadReference, msg Msg) {
	if t := c.takeReference(r); t != nil {
		t.rdyMsg = msg
		c.ReadyI(t)
	}
}

// ResumeS wakes up the thread suspended on r with msg, switching to it if it
// has a higher priority.
func (c *Core) ResumeS(r *ThreadReference, msg Msg) {
	if t := c.takeReference(r); t != nil {
		c.WakeupS(t, msg)
	}
}

// Resume wakes up the thread suspended on r.
func (c *Core) Resume(r *ThreadReference, msg Msg) {
	c.Lock()
	c.ResumeS(r, msg)
	c.Unlock()
}

// ThreadsQueue is a FIFO queue of threads waiting for an event. The zero
// value is an empty queue.
type ThreadsQueue struct {
	q threadQueue
}

// IsEmptyI reports whether no thread is waiting in tq.
func (tq *ThreadsQueue) IsEmptyI() bool {
	return tq.q.isEmpty()
}

// EnqueueTimeoutS waits in tq until dequeued or until the timeout expires.
// TimeImmediate fails right away with MsgTimeout.
func (c *Core) EnqueueTimeoutS(tq *ThreadsQueue, timeout Interval) Msg {
	if timeout == TimeImmediate {
		return MsgTimeout
	}
	tq.q.insert(c.current)
	return c.GoSleepTimeoutS(StateQueued, timeout)
}

// DequeueNextI makes the first thread of tq ready with msg, if any.
func (c *Core) DequeueNextI(tq *ThreadsQueue, msg Msg) {
	if !tq.q.isEmpty() {
		c.doDequeueNextI(tq, msg)
	}
}

// DequeueAllI makes all the threads of tq ready with msg.
func (c *Core) DequeueAllI(tq *ThreadsQueue, msg Msg) {
	for !tq.q.isEmpty() {
		c.doDequeueNextI(tq, msg)
	}
}

func (c *Core) doDequeueNextI(tq *ThreadsQueue, msg Msg) {
	t := tq.q.fifoRemove()
	c.assert(t.state == StateQueued, "invalid state")
	t.rdyMsg = msg
	c.ReadyI(t)
}
