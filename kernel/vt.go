package kernel

// TimerFunc is the callback of a virtual timer. It runs in interrupt context
// without the kernel lock held: it must take it with LockFromISR if it
// touches kernel state.
type TimerFunc func(vt *VirtualTimer, arg any)

// VirtualTimer is a deadline callback driven by the system tick. The zero
// value is a disarmed timer.
type VirtualTimer struct {
	next, prev *VirtualTimer
	list       *vtList

	// Ticks after the previous timer in the list.
	delta Interval

	// Period of a continuous timer, zero for one-shot timers.
	reload Interval

	fn  TimerFunc
	arg any
}

// IsArmedI reports whether the timer is armed.
func (vt *VirtualTimer) IsArmedI() bool {
	return vt.list != nil
}

// vtList is a delta list: each timer stores the ticks between its own expiry
// and the expiry of the timer before it, so a tick only has to decrement the
// head.
type vtList struct {
	head, tail *VirtualTimer
}

// insert arms vt to expire after delay ticks. A timer inserted with the same
// deadline as an armed one is placed before it.
func (l *vtList) insert(vt *VirtualTimer, delay Interval) {
	p := l.head
	for p != nil && p.delta < delay {
		delay -= p.delta
		p = p.next
	}

	vt.list = l
	vt.delta = delay
	vt.next = p
	if p == nil {
		vt.prev = l.tail
		l.tail = vt
	} else {
		vt.prev = p.prev
		p.prev = vt
		p.delta -= delay
	}
	if vt.prev == nil {
		l.head = vt
	} else {
		vt.prev.next = vt
	}
}

// remove disarms vt, giving its delta to the timer after it.
func (l *vtList) remove(vt *VirtualTimer) {
	if vt.next != nil {
		vt.next.delta += vt.delta
	}
	l.unlink(vt)
}

func (l *vtList) unlink(vt *VirtualTimer) {
	if vt.prev == nil {
		l.head = vt.next
	} else {
		vt.prev.next = vt.next
	}
	if vt.next == nil {
		l.tail = vt.prev
	} else {
		vt.next.prev = vt.prev
	}
	vt.next, vt.prev, vt.list = nil, nil, nil
}

func (l *vtList) checkLinks() bool {
	n := 0
	var prev *VirtualTimer
	for vt := l.head; vt != nil; vt = vt.next {
		if vt.list != l || vt.prev != prev {
			return false
		}
		prev = vt
		n++
	}
	if prev != l.tail {
		return false
	}
	for vt := l.tail; vt != nil; vt = vt.prev {
		n--
	}
	return n == 0
}

// SetI arms vt as a one-shot timer, disarming it first if needed.
func (c *Core) SetI(vt *VirtualTimer, delay Interval, fn TimerFunc, arg any) {
	if vt.IsArmedI() {
		c.DoResetI(vt)
	}
	c.DoSetI(vt, delay, fn, arg)
}

// DoSetI arms a disarmed timer as a one-shot timer expiring after delay
// ticks. TimeImmediate is not a valid delay, TimeInfinite is taken
// literally.
func (c *Core) DoSetI(vt *VirtualTimer, delay Interval, fn TimerFunc, arg any) {
	c.checkClassI()
	c.checkTimer(vt, delay, fn)

	vt.fn = fn
	vt.arg = arg
	vt.reload = 0
	c.vtlist.insert(vt, delay)
}

// DoSetContinuousI arms a disarmed timer that fires every delay ticks until
// it is reset.
func (c *Core) DoSetContinuousI(vt *VirtualTimer, delay Interval, fn TimerFunc, arg any) {
	c.checkClassI()
	c.checkTimer(vt, delay, fn)

	vt.fn = fn
	vt.arg = arg
	vt.reload = delay
	c.vtlist.insert(vt, delay)
}

func (c *Core) checkTimer(vt *VirtualTimer, delay Interval, fn TimerFunc) {
	if c.cfg.Debug.Checks && (vt == nil || fn == nil || delay == TimeImmediate) {
		c.Halt("invalid timer parameters")
	}
	c.assert(!vt.IsArmedI(), "timer already armed")
}

// ResetI disarms vt if it is armed.
func (c *Core) ResetI(vt *VirtualTimer) {
	if vt.IsArmedI() {
		c.DoResetI(vt)
	}
}

// DoResetI disarms an armed timer.
func (c *Core) DoResetI(vt *VirtualTimer) {
	c.checkClassI()
	c.assert(vt.IsArmedI(), "timer not armed")
	c.vtlist.remove(vt)
}

// RemainingIntervalI returns the ticks left before vt fires.
func (c *Core) RemainingIntervalI(vt *VirtualTimer) Interval {
	c.checkClassI()

	var delta Interval
	for p := c.vtlist.head; p != nil; p = p.next {
		delta += p.delta
		if p == vt {
			return delta
		}
	}
	c.assert(false, "timer not in list")
	return TimeInfinite
}

// Set arms vt from thread context.
func (c *Core) Set(vt *VirtualTimer, delay Interval, fn TimerFunc, arg any) {
	c.Lock()
	c.SetI(vt, delay, fn, arg)
	c.Unlock()
}

// Reset disarms vt from thread context.
func (c *Core) Reset(vt *VirtualTimer) {
	c.Lock()
	c.ResetI(vt)
	c.Unlock()
}

// vtDoTickI advances the system time by one tick and fires the timers that
// expired. The lock is released around each callback.
func (c *Core) vtDoTickI() {
	c.checkClassI()

	c.systime++
	if c.vtlist.head == nil {
		return
	}
	c.vtlist.head.delta--
	for vt := c.vtlist.head; vt != nil && vt.delta == 0; vt = c.vtlist.head {
		c.vtlist.unlink(vt)

		c.UnlockFromISR()
		vt.fn(vt, vt.arg)
		c.LockFromISR()

		// The callback may have re-armed the timer itself.
		if vt.reload > 0 && !vt.IsArmedI() {
			c.vtlist.insert(vt, vt.reload)
		}
	}
}

// DoTickI is the tick handler of the virtual timers. It is exported for
// ports that drive time without TimerHandlerI.
func (c *Core) DoTickI() {
	c.vtDoTickI()
}
