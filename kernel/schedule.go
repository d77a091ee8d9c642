package kernel

// Ready list manipulation and context switch decisions.
//
// Every function that changes the current thread ends by returning the result
// of switchTo. When switchTo returns, the old thread has been switched in
// again and the returned message is its wakeup payload.

// readyBehind inserts t in the ready list behind all threads with a higher or
// equal priority.
func (c *Core) readyBehind(t *Thread) *Thread {
	c.assert(t.state != StateReady && t.state != StateFinal, "invalid state")
	c.trace.record(c, TraceReady, t, nil, t.rdyMsg)
	t.state = StateReady
	return c.rlist.insertBehind(t)
}

// readyAhead inserts t in the ready list ahead of the threads with its same
// priority.
func (c *Core) readyAhead(t *Thread) *Thread {
	c.assert(t.state != StateReady && t.state != StateFinal, "invalid state")
	c.trace.record(c, TraceReady, t, nil, t.rdyMsg)
	t.state = StateReady
	return c.rlist.insertAhead(t)
}

// promote makes the first ready thread the current one.
func (c *Core) promote() *Thread {
	ntp := c.removeHighest()
	ntp.state = StateCurrent
	c.current = ntp
	return ntp
}

// switchTo hands the CPU from otp to ntp. It must be the last thing a
// scheduler operation does.
func (c *Core) switchTo(ntp, otp *Thread) Msg {
	c.trace.record(c, TraceSwitch, ntp, otp, MsgOK)
	c.hooks.ContextSwitch(ntp, otp)
	c.port.Switch(ntp, otp)
	if otp == nil {
		return MsgOK
	}
	return otp.rdyMsg
}

// ReadyI makes t ready behind its peers. It does not reschedule: the caller
// must do that before leaving the kernel, except in interrupt handlers where
// the epilogue takes care of it.
func (c *Core) ReadyI(t *Thread) *Thread {
	c.checkClassI()
	return c.readyBehind(t)
}

// GoSleepS puts the current thread to sleep in the given state and switches
// to the first ready thread. It returns the wakeup message once the thread
// has been woken up.
func (c *Core) GoSleepS(state State) Msg {
	c.checkClassS()
	otp := c.current
	c.assert(otp != c.idle, "sleeping in idle thread")

	otp.state = state
	if c.cfg.TimeQuantum > 0 {
		// The thread renounces its remaining time slice, it gets a fresh
		// quantum when it runs again.
		otp.ticks = c.cfg.TimeQuantum
	}

	ntp := c.promote()
	if ntp.prio == IdlePriority {
		c.hooks.IdleEnter()
	}
	return c.switchTo(ntp, otp)
}

// GoSleepTimeoutS is GoSleepS with a timeout. If the thread is not woken up
// within timeout ticks it is made ready with MsgTimeout. TimeInfinite waits
// forever; TimeImmediate is not a valid timeout.
func (c *Core) GoSleepTimeoutS(state State, timeout Interval) Msg {
	c.checkClassS()
	t := c.current

	if timeout == TimeInfinite {
		return c.GoSleepS(state)
	}
	if timeout == TimeImmediate {
		c.Halt("immediate timeout")
	}

	var vt VirtualTimer
	c.DoSetI(&vt, timeout, c.wakeupTimeout, t)
	c.GoSleepS(state)
	if vt.IsArmedI() {
		c.DoResetI(&vt)
	}
	return t.rdyMsg
}

// wakeupTimeout is the virtual timer callback of GoSleepTimeoutS. It runs in
// interrupt context without the lock held.
func (c *Core) wakeupTimeout(_ *VirtualTimer, arg any) {
	t := arg.(*Thread)

	c.LockFromISR()
	switch t.state {
	case StateReady:
		// Made ready by someone else in the same tick, before the timer
		// fired.
		c.UnlockFromISR()
		return
	case StateSuspended:
		t.wtRef.thread = nil
		t.wtRef = nil
	case StateWaitSem:
		// Give back the count taken by the wait.
		t.wtSem.cnt++
		fallthrough
	case StateQueued, StateWaitCond:
		t.queue.dequeue(t)
	}
	t.rdyMsg = MsgTimeout
	c.readyBehind(t)
	c.UnlockFromISR()
}

// WakeupS makes ntp ready with the given message, switching to it right away
// if it has a higher priority than the current thread. In that case the
// current thread goes ahead of its peers, since it did not use up its time
// slice.
func (c *Core) WakeupS(ntp *Thread, msg Msg) {
	c.checkClassS()
	otp := c.current
	c.assert(c.rlist.peekHighestPriority() <= otp.prio, "priority order violation")
	c.assert(ntp.queue == nil, "thread already queued")

	ntp.rdyMsg = msg
	if ntp.prio <= otp.prio {
		c.readyBehind(ntp)
		return
	}
	c.wakeupSwitch(ntp, otp)
}

func (c *Core) wakeupSwitch(ntp, otp *Thread) Msg {
	c.readyAhead(otp)
	if otp.prio == IdlePriority {
		c.hooks.IdleLeave()
	}
	ntp.state = StateCurrent
	c.current = ntp
	return c.switchTo(ntp, otp)
}

// rescheduleBehind switches to the first ready thread. The current thread
// goes behind its peers with a new time quantum.
func (c *Core) rescheduleBehind() Msg {
	otp := c.current
	ntp := c.promote()
	if otp.prio == IdlePriority {
		c.hooks.IdleLeave()
	}
	if c.cfg.TimeQuantum > 0 {
		otp.ticks = c.cfg.TimeQuantum
	}
	c.readyBehind(otp)
	return c.switchTo(ntp, otp)
}

// rescheduleAhead switches to the first ready thread. The current thread
// goes ahead of its peers and keeps what is left of its quantum.
func (c *Core) rescheduleAhead() Msg {
	otp := c.current
	ntp := c.promote()
	if otp.prio == IdlePriority {
		c.hooks.IdleLeave()
	}
	c.readyAhead(otp)
	return c.switchTo(ntp, otp)
}

// RescheduleS switches to the first ready thread if it has a higher priority
// than the current one. It is used after I-class functions made threads
// ready.
func (c *Core) RescheduleS() {
	c.checkClassS()
	if c.rlist.peekHighestPriority() > c.current.prio {
		c.rescheduleAhead()
	}
}

// DoYieldS gives the CPU to the next thread of the same or higher priority,
// if any. The current thread goes behind its peers.
func (c *Core) DoYieldS() {
	c.checkClassS()
	if c.rlist.peekHighestPriority() >= c.current.prio {
		c.rescheduleBehind()
	}
}

// IsPreemptionRequired reports whether the current thread must be preempted
// at the end of an interrupt handler.
//
// With round robin enabled, a thread that still has time left in its quantum
// is only preempted by a strictly higher priority thread, while a thread that
// used up its quantum also gives way to its peers.
func (c *Core) IsPreemptionRequired() bool {
	p1 := c.rlist.peekHighestPriority()
	p2 := c.current.prio
	if c.cfg.TimeQuantum > 0 && c.current.ticks == 0 {
		return p1 >= p2
	}
	return p1 > p2
}

// DoPreemption switches to the first ready thread. It is called by the
// interrupt epilogue after IsPreemptionRequired returned true.
func (c *Core) DoPreemption() {
	c.doPreemption()
}

func (c *Core) doPreemption() Msg {
	otp := c.current
	ntp := c.promote()
	if otp.prio == IdlePriority {
		c.hooks.IdleLeave()
	}
	if c.cfg.TimeQuantum > 0 && otp.ticks == 0 {
		// Quantum used up: behind the peers, with a new quantum.
		c.readyBehind(otp)
		otp.ticks = c.cfg.TimeQuantum
	} else {
		c.readyAhead(otp)
	}
	return c.switchTo(ntp, otp)
}

// Preemption combines IsPreemptionRequired and DoPreemption.
func (c *Core) Preemption() {
	p1 := c.rlist.peekHighestPriority()
	p2 := c.current.prio
	if c.cfg.TimeQuantum > 0 && c.current.ticks == 0 {
		if p1 >= p2 {
			c.rescheduleBehind()
		}
		return
	}
	if p1 > p2 {
		c.rescheduleAhead()
	}
}
