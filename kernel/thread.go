package kernel

import (
	"github.com/inhies/go-bytesize"
)

// ThreadFunc is the body of a thread. The returned message becomes the exit
// code of the thread, as if Exit had been called with it.
type ThreadFunc func() Msg

// Descriptor describes a thread to be created.
type Descriptor struct {
	Name     string
	Priority Priority

	// Working area reserved for the thread. It is bookkeeping only on hosted
	// ports, but it must not be zero so that configurations stay portable to
	// real targets.
	Stack bytesize.ByteSize

	Func ThreadFunc
}

// Thread is the thread control block.
//
// All fields are owned by the scheduler and must only be accessed with the
// kernel lock held, or by the thread itself while it is current.
type Thread struct {
	// Queue linkage. A thread is linked in at most one queue at a time: the
	// ready list or a single wait queue. queue points back to that queue and
	// is nil when the thread is not linked anywhere.
	next, prev *Thread
	queue      *threadQueue

	core  *Core
	id    uint32
	name  string
	stack bytesize.ByteSize

	// Current priority, possibly boosted by priority inheritance, and the
	// priority the thread was given.
	prio     Priority
	realPrio Priority

	state     State
	terminate bool

	// Remaining time quantum, in ticks.
	ticks int

	// Ticks during which this thread was current.
	time uint64

	// Wakeup payload, valid after the thread resumes from a sleep.
	rdyMsg   Msg
	exitCode Msg

	// Object the thread is blocked on, valid in the matching wait state.
	wtRef *ThreadReference
	wtSem *Semaphore
	wtMtx *Mutex

	// Mutexes owned by this thread, most recently locked first.
	mtxList *Mutex

	// Threads waiting for this thread to terminate.
	waiting threadQueue

	// Registry linkage, in creation order.
	regNext, regPrev *Thread

	body ThreadFunc

	// Saved execution context, private to the port.
	ctx any
}

// ID returns a number that identifies the thread within its core. The idle
// thread is always 0.
func (t *Thread) ID() uint32 {
	return t.id
}

// Name returns the name given in the thread descriptor.
func (t *Thread) Name() string {
	return t.name
}

// Stack returns the working area size of the thread.
func (t *Thread) Stack() bytesize.ByteSize {
	return t.stack
}

// Priority returns the current priority of the thread.
func (t *Thread) Priority() Priority {
	return t.prio
}

// RealPriority returns the priority of the thread without any priority
// inheritance boost.
func (t *Thread) RealPriority() Priority {
	return t.realPrio
}

// State returns the run state of the thread.
func (t *Thread) State() State {
	return t.state
}

// Ticks returns the number of system ticks the thread spent running.
func (t *Thread) Ticks() uint64 {
	return t.time
}

// Core returns the core the thread belongs to.
func (t *Thread) Core() *Core {
	return t.core
}

// Context returns the saved execution context stored by the port.
func (t *Thread) Context() any {
	return t.ctx
}

// SetContext stores the port specific execution context. It is meant to be
// called by Port.SetupContext only.
func (t *Thread) SetContext(ctx any) {
	t.ctx = ctx
}

func (t *Thread) String() string {
	if t == nil {
		return "<nil>"
	}
	return t.name
}
