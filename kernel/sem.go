package kernel

// Semaphore is a counting semaphore. Waiting threads are queued in FIFO
// order.
type Semaphore struct {
	core *Core

	// Threads waiting on the semaphore. When the counter is negative its
	// absolute value is the number of waiters.
	queue threadQueue
	cnt   int32
}

// NewSemaphore returns a semaphore with the counter set to n.
func (c *Core) NewSemaphore(n int32) *Semaphore {
	if c.cfg.Debug.Checks && n < 0 {
		c.Halt("invalid semaphore counter")
	}
	return &Semaphore{core: c, cnt: n}
}

// Count returns the counter value.
func (s *Semaphore) Count() int32 {
	return s.cnt
}

func (s *Semaphore) checkConsistency() {
	s.core.assert((s.cnt >= 0 && s.queue.isEmpty()) || (s.cnt < 0 && !s.queue.isEmpty()),
		"inconsistent semaphore")
}

// Wait decrements the counter, waiting if it goes negative.
func (s *Semaphore) Wait() Msg {
	s.core.Lock()
	msg := s.WaitS()
	s.core.Unlock()
	return msg
}

// WaitS is Wait for callers already in a critical section.
func (s *Semaphore) WaitS() Msg {
	c := s.core
	c.checkClassS()
	s.checkConsistency()

	s.cnt--
	if s.cnt >= 0 {
		return MsgOK
	}
	t := c.current
	t.wtSem = s
	s.queue.insert(t)
	return c.GoSleepS(StateWaitSem)
}

// WaitTimeout is Wait with a timeout. With TimeImmediate it never waits: it
// fails with MsgTimeout if the counter is not positive.
func (s *Semaphore) WaitTimeout(timeout Interval) Msg {
	s.core.Lock()
	msg := s.WaitTimeoutS(timeout)
	s.core.Unlock()
	return msg
}

// WaitTimeoutS is WaitTimeout for callers already in a critical section.
func (s *Semaphore) WaitTimeoutS(timeout Interval) Msg {
	c := s.core
	c.checkClassS()
	s.checkConsistency()

	s.cnt--
	if s.cnt >= 0 {
		return MsgOK
	}
	if timeout == TimeImmediate {
		s.cnt++
		return MsgTimeout
	}
	t := c.current
	t.wtSem = s
	s.queue.insert(t)
	return c.GoSleepTimeoutS(StateWaitSem, timeout)
}

// Signal increments the counter, waking up the first waiter if any.
func (s *Semaphore) Signal() {
	c := s.core
	c.Lock()
	s.checkConsistency()
	s.cnt++
	if s.cnt <= 0 {
		c.WakeupS(s.queue.fifoRemove(), MsgOK)
	}
	c.Unlock()
}

// SignalI is Signal for I-class callers. It does not reschedule.
func (s *Semaphore) SignalI() {
	c := s.core
	c.checkClassI()
	s.checkConsistency()
	s.cnt++
	if s.cnt <= 0 {
		t := s.queue.fifoRemove()
		t.rdyMsg = MsgOK
		c.ReadyI(t)
	}
}

// AddCounterI adds n to the counter, waking up as many waiters.
func (s *Semaphore) AddCounterI(n int32) {
	c := s.core
	c.checkClassI()
	if c.cfg.Debug.Checks && n <= 0 {
		c.Halt("invalid semaphore increment")
	}
	s.checkConsistency()
	for ; n > 0; n-- {
		s.cnt++
		if s.cnt <= 0 {
			t := s.queue.fifoRemove()
			t.rdyMsg = MsgOK
			c.ReadyI(t)
		}
	}
}

// ResetWithMessageI sets the counter to n and makes all waiters ready with
// msg, most recent waiter first.
func (s *Semaphore) ResetWithMessageI(n int32, msg Msg) {
	c := s.core
	c.checkClassI()
	if c.cfg.Debug.Checks && n < 0 {
		c.Halt("invalid semaphore counter")
	}
	s.checkConsistency()
	s.cnt = n
	for t := s.queue.lifoRemove(); t != nil; t = s.queue.lifoRemove() {
		t.rdyMsg = msg
		c.ReadyI(t)
	}
}

// ResetI resets the semaphore, waiters get MsgReset.
func (s *Semaphore) ResetI(n int32) {
	s.ResetWithMessageI(n, MsgReset)
}

// ResetWithMessage sets the counter to n and wakes up all waiters with msg.
func (s *Semaphore) ResetWithMessage(n int32, msg Msg) {
	c := s.core
	c.Lock()
	s.ResetWithMessageI(n, msg)
	c.RescheduleS()
	c.Unlock()
}

// Reset resets the semaphore, waiters get MsgReset.
func (s *Semaphore) Reset(n int32) {
	s.ResetWithMessage(n, MsgReset)
}

// SignalWait atomically signals s and waits on w.
func (s *Semaphore) SignalWait(w *Semaphore) Msg {
	c := s.core
	c.Lock()
	s.checkConsistency()
	w.checkConsistency()

	s.cnt++
	if s.cnt <= 0 {
		t := s.queue.fifoRemove()
		t.rdyMsg = MsgOK
		c.ReadyI(t)
	}

	var msg Msg
	w.cnt--
	if w.cnt < 0 {
		t := c.current
		t.wtSem = w
		w.queue.insert(t)
		msg = c.GoSleepS(StateWaitSem)
	} else {
		c.RescheduleS()
		msg = MsgOK
	}
	c.Unlock()
	return msg
}
