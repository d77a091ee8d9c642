package kernel

// Mutex is a mutual exclusion lock with priority inheritance: while a thread
// waits for a mutex, the owner runs with at least the priority of the waiter.
// The boost is propagated along chains of threads waiting on each other.
//
// Mutexes must be unlocked in the reverse order they were locked.
type Mutex struct {
	core *Core

	// Waiters, in priority order.
	queue threadQueue

	owner *Thread

	// Next mutex in the owner's list of owned mutexes.
	next *Mutex

	// Lock count, only above one for recursive locks.
	cnt int
}

// NewMutex returns an unlocked mutex.
func (c *Core) NewMutex() *Mutex {
	return &Mutex{core: c}
}

// Owner returns the thread owning the mutex, or nil.
func (m *Mutex) Owner() *Thread {
	return m.owner
}

// take makes t the owner of m.
func (m *Mutex) take(t *Thread) {
	m.owner = t
	m.cnt = 1
	m.next = t.mtxList
	t.mtxList = m
}

// Lock locks the mutex, waiting if it is owned by another thread.
func (m *Mutex) Lock() {
	m.core.Lock()
	m.LockS()
	m.core.Unlock()
}

// LockS is Lock for callers already in a critical section.
func (m *Mutex) LockS() {
	c := m.core
	c.checkClassS()
	ctp := c.current

	if m.owner == nil {
		m.take(ctp)
		return
	}
	if m.owner == ctp {
		if c.cfg.RecursiveMutexes {
			m.cnt++
			return
		}
		c.Halt("mutex already owned")
	}

	// Boost the priority of the owner, and of whatever the owner is waiting
	// on, up to the priority of the current thread.
	tp := m.owner
	for tp.prio < ctp.prio {
		tp.prio = ctp.prio

		if tp.state == StateWaitMutex {
			requeue(tp)
			tp = tp.wtMtx.owner
			continue
		}
		switch tp.state {
		case StateWaitCond:
			requeue(tp)
		case StateReady:
			c.rlist.dequeue(tp)
			tp.state = StateCurrent
			c.ReadyI(tp)
		}
		break
	}

	m.queue.prioInsert(ctp)
	ctp.wtMtx = m
	c.GoSleepS(StateWaitMutex)

	// The unlocking thread handed the mutex over.
	c.assert(m.owner == ctp, "not owner")
	c.assert(ctp.mtxList == m, "not owned")
}

// requeue moves t to its new place in a priority ordered wait queue after its
// priority changed.
func requeue(t *Thread) {
	q := t.queue
	q.dequeue(t)
	q.prioInsert(t)
}

// TryLock locks the mutex if it is free and reports whether it did.
func (m *Mutex) TryLock() bool {
	m.core.Lock()
	ok := m.TryLockS()
	m.core.Unlock()
	return ok
}

// TryLockS is TryLock for callers already in a critical section.
func (m *Mutex) TryLockS() bool {
	c := m.core
	c.checkClassS()

	if m.owner != nil {
		if m.owner == c.current && c.cfg.RecursiveMutexes {
			m.cnt++
			return true
		}
		return false
	}
	m.take(c.current)
	return true
}

// Unlock unlocks the mutex. If threads are waiting, the highest priority one
// becomes the owner.
func (m *Mutex) Unlock() {
	c := m.core
	c.Lock()
	m.UnlockS()
	c.RescheduleS()
	c.Unlock()
}

// UnlockS is Unlock for callers already in a critical section. It does not
// reschedule.
func (m *Mutex) UnlockS() {
	c := m.core
	c.checkClassS()
	ctp := c.current

	c.assert(ctp.mtxList != nil, "owned mutexes list empty")
	c.assert(ctp.mtxList.owner == ctp, "ownership failure")
	c.assert(m.cnt >= 1, "counter is not positive")

	m.cnt--
	if m.cnt > 0 {
		return
	}

	c.assert(ctp.mtxList == m, "not next in list")
	ctp.mtxList = m.next
	m.next = nil

	if m.queue.isEmpty() {
		m.owner = nil
		return
	}

	// The priority of the thread falls back to the highest between its own
	// and the waiters of the mutexes it still owns.
	prio := ctp.realPrio
	for lmp := ctp.mtxList; lmp != nil; lmp = lmp.next {
		if p := lmp.queue.peekHighestPriority(); p > prio {
			prio = p
		}
	}
	ctp.prio = prio

	tp := m.queue.fifoRemove()
	m.take(tp)
	c.ReadyI(tp)
}

// UnlockAll releases all the mutexes owned by the current thread.
func (c *Core) UnlockAll() {
	c.Lock()
	c.UnlockAllS()
	c.Unlock()
}

// UnlockAllS releases all the mutexes owned by the current thread and
// restores its real priority.
func (c *Core) UnlockAllS() {
	c.checkClassS()
	ctp := c.current
	if ctp.mtxList == nil {
		return
	}
	for ctp.mtxList != nil {
		m := ctp.mtxList
		ctp.mtxList = m.next
		m.next = nil
		if tp := m.queue.fifoRemove(); tp != nil {
			m.take(tp)
			c.ReadyI(tp)
		} else {
			m.owner = nil
			m.cnt = 0
		}
	}
	ctp.prio = ctp.realPrio
	c.RescheduleS()
}

// CondVar is a condition variable. Waiters are queued in priority order.
type CondVar struct {
	core  *Core
	queue threadQueue
}

// NewCondVar returns a condition variable with no waiters.
func (c *Core) NewCondVar() *CondVar {
	return &CondVar{core: c}
}

// Signal wakes up the first waiter, if any.
func (cv *CondVar) Signal() {
	c := cv.core
	c.Lock()
	if t := cv.queue.fifoRemove(); t != nil {
		c.WakeupS(t, MsgOK)
	}
	c.Unlock()
}

// SignalI makes the first waiter ready, if any.
func (cv *CondVar) SignalI() {
	c := cv.core
	c.checkClassI()
	if t := cv.queue.fifoRemove(); t != nil {
		t.rdyMsg = MsgOK
		c.ReadyI(t)
	}
}

// Broadcast wakes up all waiters with MsgReset, so that they can tell it
// from a Signal.
func (cv *CondVar) Broadcast() {
	c := cv.core
	c.Lock()
	cv.BroadcastI()
	c.RescheduleS()
	c.Unlock()
}

// BroadcastI makes all waiters ready with MsgReset.
func (cv *CondVar) BroadcastI() {
	c := cv.core
	c.checkClassI()
	for t := cv.queue.fifoRemove(); t != nil; t = cv.queue.fifoRemove() {
		t.rdyMsg = MsgReset
		c.ReadyI(t)
	}
}

// Wait releases the most recently locked mutex, waits for a signal and locks
// the mutex again.
func (cv *CondVar) Wait() Msg {
	cv.core.Lock()
	msg := cv.WaitS()
	cv.core.Unlock()
	return msg
}

// WaitS is Wait for callers already in a critical section.
func (cv *CondVar) WaitS() Msg {
	c := cv.core
	c.checkClassS()
	ctp := c.current
	mp := ctp.mtxList
	if mp == nil {
		c.Halt("not owning a mutex")
	}

	mp.UnlockS()
	cv.queue.prioInsert(ctp)
	msg := c.GoSleepS(StateWaitCond)
	mp.LockS()
	return msg
}

// WaitTimeout is Wait with a timeout. On timeout the mutex is not locked
// again.
func (cv *CondVar) WaitTimeout(timeout Interval) Msg {
	cv.core.Lock()
	msg := cv.WaitTimeoutS(timeout)
	cv.core.Unlock()
	return msg
}

// WaitTimeoutS is WaitTimeout for callers already in a critical section.
func (cv *CondVar) WaitTimeoutS(timeout Interval) Msg {
	c := cv.core
	c.checkClassS()
	if c.cfg.Debug.Checks && timeout == TimeImmediate {
		c.Halt("invalid timeout")
	}
	ctp := c.current
	mp := ctp.mtxList
	if mp == nil {
		c.Halt("not owning a mutex")
	}

	mp.UnlockS()
	cv.queue.prioInsert(ctp)
	msg := c.GoSleepTimeoutS(StateWaitCond, timeout)
	if msg != MsgTimeout {
		mp.LockS()
	}
	return msg
}
