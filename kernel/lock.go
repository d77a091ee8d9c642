package kernel

// The kernel lock serializes scheduler data between thread code and interrupt
// handlers. On a real target it masks interrupts. Here it is a sync.Mutex that
// is handed over across context switches: the thread that switches out still
// holds it, and the thread switched in releases it when it leaves the kernel.
//
// The debug counters track the lock class of the caller. They are only
// touched by the thread that is current, so they need no extra protection.

// Lock enters the kernel from thread context.
func (c *Core) Lock() {
	if c.dead.Load() {
		return
	}
	if c.cfg.Debug.Checks && (c.isrCnt != 0 || c.lockCnt != 0) {
		c.Halt("SV#4")
	}
	c.mu.Lock()
	c.lockCnt++
}

// Unlock leaves the kernel from thread context.
func (c *Core) Unlock() {
	if c.dead.Load() {
		return
	}
	if c.cfg.Debug.Checks && (c.isrCnt != 0 || c.lockCnt <= 0) {
		c.Halt("SV#5")
	}
	if c.cfg.Debug.Asserts && c.current != nil && !c.rlist.isEmpty() &&
		c.rlist.peekHighestPriority() > c.current.prio {
		// Leaving the kernel with a higher priority thread ready means some
		// operation forgot to reschedule.
		c.Halt("priority order violation")
	}
	c.lockCnt--
	c.mu.Unlock()
}

// LockFromISR enters the kernel from interrupt context.
func (c *Core) LockFromISR() {
	if c.dead.Load() {
		return
	}
	if c.cfg.Debug.Checks && (c.isrCnt <= 0 || c.lockCnt != 0) {
		c.Halt("SV#6")
	}
	c.mu.Lock()
	c.lockCnt++
}

// UnlockFromISR leaves the kernel from interrupt context.
func (c *Core) UnlockFromISR() {
	if c.dead.Load() {
		return
	}
	if c.cfg.Debug.Checks && (c.isrCnt <= 0 || c.lockCnt <= 0) {
		c.Halt("SV#7")
	}
	c.lockCnt--
	c.mu.Unlock()
}

// EnterISR is the prologue of an interrupt handler. The port calls it before
// running the handler, on the stack of the interrupted thread.
func (c *Core) EnterISR() {
	if c.dead.Load() {
		return
	}
	if c.cfg.Debug.Checks && (c.isrCnt < 0 || c.lockCnt != 0) {
		c.Halt("SV#8")
	}
	c.mu.Lock()
	c.isrCnt++
	c.trace.record(c, TraceISREnter, c.current, nil, MsgOK)
	c.mu.Unlock()
}

// LeaveISR is the epilogue of an interrupt handler. It decides whether the
// handler made a thread ready that must preempt the interrupted one, and
// switches to it if so. In that case LeaveISR only returns when the
// interrupted thread is scheduled again.
func (c *Core) LeaveISR() {
	if c.dead.Load() {
		return
	}
	if c.cfg.Debug.Checks && (c.isrCnt <= 0 || c.lockCnt != 0) {
		c.Halt("SV#9")
	}
	c.mu.Lock()
	c.isrCnt--
	c.trace.record(c, TraceISRLeave, c.current, nil, MsgOK)
	c.lockCnt++
	if c.IsPreemptionRequired() {
		c.DoPreemption()
	}
	c.lockCnt--
	c.mu.Unlock()
}

// Critical runs fn in a thread context critical section. The lock is
// released when fn returns or panics.
func (c *Core) Critical(fn func()) {
	c.Lock()
	defer c.Unlock()
	fn()
}

// CriticalFromISR runs fn in an interrupt context critical section.
func (c *Core) CriticalFromISR(fn func()) {
	c.LockFromISR()
	defer c.UnlockFromISR()
	fn()
}

// checkClassI verifies the caller is in a critical section, thread or ISR.
func (c *Core) checkClassI() {
	if c.cfg.Debug.Checks && (c.isrCnt < 0 || c.lockCnt <= 0) {
		c.Halt("SV#10")
	}
}

// checkClassS verifies the caller is in a thread context critical section.
func (c *Core) checkClassS() {
	if c.cfg.Debug.Checks && (c.isrCnt != 0 || c.lockCnt <= 0) {
		c.Halt("SV#11")
	}
}

// IsLocked reports whether the caller is inside a critical section.
func (c *Core) IsLocked() bool {
	return c.lockCnt > 0
}

// InISR reports whether the caller runs in interrupt context.
func (c *Core) InISR() bool {
	return c.isrCnt > 0
}
