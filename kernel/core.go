package kernel

import (
	"sync"
	"sync/atomic"

	"github.com/inhies/go-bytesize"
	"go.uber.org/zap"
)

// Core is the scheduler state of one processor core: the ready list, the
// current thread, the virtual timer list and the system time. Every kernel
// operation is a method on it, there is no package level state.
type Core struct {
	cfg   Config
	hooks Hooks
	port  Port
	log   *zap.Logger

	// Kernel lock and its debug counters, see lock.go.
	mu      sync.Mutex
	lockCnt int
	isrCnt  int

	// Set when the core halted or was stopped. The lock operations are no-ops
	// from then on.
	dead       atomic.Bool
	haltReason atomic.Value

	rlist   threadQueue
	current *Thread
	idle    *Thread
	main    *Thread
	started bool

	vtlist  vtList
	systime SysTime

	// Registry of live threads, in creation order.
	regHead, regTail *Thread
	nextID           uint32

	trace traceBuffer
}

// New creates a core with the given configuration. The core does nothing
// until Start is called.
func New(cfg Config, port Port) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Core{
		cfg:   cfg,
		hooks: cfg.Hooks,
		port:  port,
		log:   cfg.Logger,
	}
	c.hooks.setDefaults()
	if c.log == nil {
		c.log = zap.NewNop()
	}
	c.log = c.log.Named("kernel").With(zap.String("core", cfg.Name))
	c.trace.init(cfg.Debug.TraceBuffer)
	port.Attach(c)
	return c, nil
}

// Start creates the idle thread and the main thread, and switches to the
// main thread. The calling goroutine is not a thread: Start returns as soon
// as the main thread has been given the CPU.
func (c *Core) Start(main ThreadFunc) *Thread {
	c.Lock()
	if c.started {
		c.Halt("core already started")
	}
	c.started = true

	c.idle = c.threadInit(Descriptor{
		Name:  "idle",
		Stack: c.cfg.IdleStack,
		Func:  c.idleLoop,
	}, IdlePriority)
	c.readyBehind(c.idle)

	c.main = c.threadInit(Descriptor{
		Name:  "main",
		Stack: c.cfg.MainStack,
		Func:  main,
	}, c.cfg.MainPriority)
	c.readyBehind(c.main)

	c.log.Info("core started",
		zap.Uint32("frequency", c.cfg.Frequency),
		zap.Int("quantum", c.cfg.TimeQuantum))

	// The lock is released by the main thread once it runs.
	c.switchTo(c.promote(), nil)
	return c.main
}

// Stop marks the core as no longer running. It is meant for ports tearing
// down a hosted system: after Stop the lock operations do nothing, so
// threads being unwound cannot trip the lock checks.
func (c *Core) Stop() {
	if c.dead.CompareAndSwap(false, true) {
		c.log.Info("core stopped")
	}
}

// Stopped reports whether the core halted or was stopped.
func (c *Core) Stopped() bool {
	return c.dead.Load()
}

func (c *Core) idleLoop() Msg {
	for {
		c.hooks.IdleLoop()
		c.WaitForInterrupt()
	}
}

// WaitForInterrupt suspends the current thread until an interrupt has been
// served. It is the only point where interrupts are taken on hosted ports, so
// a thread simulating computation calls it in a loop.
func (c *Core) WaitForInterrupt() {
	if c.cfg.Debug.Checks && (c.lockCnt != 0 || c.isrCnt != 0) {
		c.Halt("waiting for interrupt in a critical section")
	}
	c.port.WaitForInterrupt()
}

// SysTick is the body of the system tick interrupt handler.
func (c *Core) SysTick() {
	c.LockFromISR()
	c.TimerHandlerI()
	c.UnlockFromISR()
}

// TimerHandlerI accounts one tick to the current thread and advances the
// virtual timers.
func (c *Core) TimerHandlerI() {
	c.checkClassI()

	if c.cfg.TimeQuantum > 0 && c.current.ticks > 0 {
		c.current.ticks--
	}
	c.current.time++
	c.vtDoTickI()
	c.hooks.SystemTick()
}

// Now returns the system time.
func (c *Core) Now() SysTime {
	return c.systime
}

// Self returns the current thread.
func (c *Core) Self() *Thread {
	return c.current
}

// Idle returns the idle thread.
func (c *Core) Idle() *Thread {
	return c.idle
}

// Main returns the main thread.
func (c *Core) Main() *Thread {
	return c.main
}

// Config returns the configuration of the core.
func (c *Core) Config() Config {
	return c.cfg
}

// Logger returns the logger used by the kernel.
func (c *Core) Logger() *zap.Logger {
	return c.log
}

// removeHighest takes the first thread out of the ready list. The idle thread
// never leaves the ready list unless it runs, so an empty list means the
// kernel state is corrupted.
func (c *Core) removeHighest() *Thread {
	t := c.rlist.removeHighest()
	if t == nil {
		c.Halt("ready list empty")
	}
	return t
}

func (c *Core) registryAdd(t *Thread) {
	t.regPrev = c.regTail
	if c.regTail == nil {
		c.regHead = t
	} else {
		c.regTail.regNext = t
	}
	c.regTail = t
}

func (c *Core) registryRemove(t *Thread) {
	if t.regPrev == nil {
		c.regHead = t.regNext
	} else {
		t.regPrev.regNext = t.regNext
	}
	if t.regNext == nil {
		c.regTail = t.regPrev
	} else {
		t.regNext.regPrev = t.regPrev
	}
	t.regNext, t.regPrev = nil, nil
}

// ThreadInfo is a copy of the inspectable fields of a thread.
type ThreadInfo struct {
	ID           uint32
	Name         string
	Priority     Priority
	RealPriority Priority
	State        State
	Ticks        uint64
	Quantum      int
	Stack        bytesize.ByteSize
}

// TimerInfo describes an armed virtual timer.
type TimerInfo struct {
	Remaining Interval
	Reload    Interval
}

// Snapshot is a consistent copy of the scheduler state.
type Snapshot struct {
	Name    string
	Time    SysTime
	Current string
	Halted  string

	// Threads in the registry, in creation order.
	Threads []ThreadInfo

	// Names of the ready threads, in ready list order.
	Ready []string

	// Armed timers, in expiry order.
	Timers []TimerInfo
}

// Snapshot copies the scheduler state for inspection from outside the
// kernel, like a debugger would. It must not be called by a thread; ports
// call it while the system is idle between interrupts.
func (c *Core) Snapshot() Snapshot {
	if !c.dead.Load() {
		c.mu.Lock()
		defer c.mu.Unlock()
	}

	s := Snapshot{
		Name:    c.cfg.Name,
		Time:    c.systime,
		Current: c.current.String(),
		Halted:  c.HaltReason(),
	}
	for t := c.regHead; t != nil; t = t.regNext {
		s.Threads = append(s.Threads, ThreadInfo{
			ID:           t.id,
			Name:         t.name,
			Priority:     t.prio,
			RealPriority: t.realPrio,
			State:        t.state,
			Ticks:        t.time,
			Quantum:      t.ticks,
			Stack:        t.stack,
		})
	}
	for t := c.rlist.first(); t != nil; t = t.next {
		s.Ready = append(s.Ready, t.name)
	}
	var remaining Interval
	for vt := c.vtlist.head; vt != nil; vt = vt.next {
		remaining += vt.delta
		s.Timers = append(s.Timers, TimerInfo{Remaining: remaining, Reload: vt.reload})
	}
	return s
}

// Thread returns the thread with the given name from the registry, or nil.
func (s Snapshot) Thread(name string) *ThreadInfo {
	for i := range s.Threads {
		if s.Threads[i].Name == name {
			return &s.Threads[i]
		}
	}
	return nil
}
