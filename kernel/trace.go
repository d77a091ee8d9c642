package kernel

import "fmt"

// TraceKind is the type of a trace event.
type TraceKind uint8

const (
	TraceSwitch TraceKind = iota + 1
	TraceReady
	TraceISREnter
	TraceISRLeave
	TraceHalt
	TraceUser
)

func (k TraceKind) String() string {
	switch k {
	case TraceSwitch:
		return "switch"
	case TraceReady:
		return "ready"
	case TraceISREnter:
		return "isr-enter"
	case TraceISRLeave:
		return "isr-leave"
	case TraceHalt:
		return "halt"
	case TraceUser:
		return "user"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// TraceEvent is an entry of the trace buffer.
type TraceEvent struct {
	Kind TraceKind
	Time SysTime

	// Thread the event is about: the thread switched in, the thread made
	// ready, or the thread interrupted.
	Thread string

	// For switches, the thread switched out and the state it was left in.
	// For halts, the halt reason.
	Other string
	State State

	// Wakeup message of a thread made ready.
	Msg Msg

	// Arguments of user events.
	A, B uint32
}

func (e TraceEvent) String() string {
	switch e.Kind {
	case TraceSwitch:
		return fmt.Sprintf("%8d switch %s -> %s (%s)", e.Time, e.Other, e.Thread, e.State)
	case TraceReady:
		return fmt.Sprintf("%8d ready  %s msg=%s", e.Time, e.Thread, e.Msg)
	case TraceHalt:
		return fmt.Sprintf("%8d halt   %s in %s", e.Time, e.Other, e.Thread)
	case TraceUser:
		return fmt.Sprintf("%8d user   %s %#x %#x", e.Time, e.Thread, e.A, e.B)
	}
	return fmt.Sprintf("%8d %-6s %s", e.Time, e.Kind, e.Thread)
}

// traceBuffer is a ring of the most recent events.
type traceBuffer struct {
	events []TraceEvent
	next   int
	full   bool
}

func (b *traceBuffer) init(size int) {
	if size > 0 {
		b.events = make([]TraceEvent, size)
	}
}

func (b *traceBuffer) add(e TraceEvent) {
	if len(b.events) == 0 {
		return
	}
	b.events[b.next] = e
	b.next++
	if b.next == len(b.events) {
		b.next = 0
		b.full = true
	}
}

// record adds a kernel event about t. other is the thread switched out, for
// switch events.
func (b *traceBuffer) record(c *Core, kind TraceKind, t, other *Thread, msg Msg) {
	if len(b.events) == 0 {
		return
	}
	e := TraceEvent{
		Kind:   kind,
		Time:   c.systime,
		Thread: t.String(),
		Msg:    msg,
	}
	switch kind {
	case TraceSwitch:
		if other != nil {
			e.Other = other.name
			e.State = other.state
		}
	case TraceHalt:
		e.Other = c.HaltReason()
	}
	b.add(e)
}

// snapshot returns the buffered events, oldest first.
func (b *traceBuffer) snapshot() []TraceEvent {
	if !b.full {
		return append([]TraceEvent(nil), b.events[:b.next]...)
	}
	out := make([]TraceEvent, 0, len(b.events))
	out = append(out, b.events[b.next:]...)
	return append(out, b.events[:b.next]...)
}

// TraceUserI adds a user event to the trace buffer.
func (c *Core) TraceUserI(a, b uint32) {
	c.checkClassI()
	c.trace.add(TraceEvent{
		Kind:   TraceUser,
		Time:   c.systime,
		Thread: c.current.String(),
		A:      a,
		B:      b,
	})
}

// TraceUser adds a user event to the trace buffer from thread context.
func (c *Core) TraceUser(a, b uint32) {
	c.Lock()
	c.TraceUserI(a, b)
	c.Unlock()
}

// Trace returns the content of the trace buffer, oldest event first. Like
// Snapshot, it is meant to be called from outside the system.
func (c *Core) Trace() []TraceEvent {
	if !c.dead.Load() {
		c.mu.Lock()
		defer c.mu.Unlock()
	}
	return c.trace.snapshot()
}
