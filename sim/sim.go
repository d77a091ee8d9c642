package sim

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/tinygo-org/rtkernel/kernel"
	"github.com/tinygo-org/rtkernel/port/hosted"
)

// Sim is a system running on the hosted port.
//
// The main thread creates the objects and the threads in file order, then
// waits for every thread to terminate. Like Core.Snapshot, the accessors must
// only be used while the system is idle, between calls to Tick or Sync.
type Sim struct {
	Core *kernel.Core
	Port *hosted.Port

	sys *System
	log *zap.Logger

	sems map[string]*kernel.Semaphore
	mtxs map[string]*kernel.Mutex

	tokens   strings.Builder
	exits    map[string]kernel.Msg
	done     bool
	doneAt   kernel.SysTime
	finished chan struct{}
}

// Start boots sys. If the system halts while booting, the returned Sim is
// still valid, for instance to dump the trace buffer, and the error is the
// *kernel.HaltError.
func Start(sys *System, log *zap.Logger) (*Sim, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Sim{
		sys:      sys,
		log:      log.Named("sim"),
		sems:     map[string]*kernel.Semaphore{},
		mtxs:     map[string]*kernel.Mutex{},
		exits:    map[string]kernel.Msg{},
		finished: make(chan struct{}),
	}
	cfg := sys.Kernel
	cfg.Logger = log
	c, p, err := hosted.Boot(cfg, s.main)
	if p == nil {
		return nil, err
	}
	s.Core, s.Port = c, p
	return s, err
}

func (s *Sim) main(c *kernel.Core) kernel.Msg {
	for _, name := range sortedKeys(s.sys.Semaphores) {
		s.sems[name] = c.NewSemaphore(s.sys.Semaphores[name])
	}
	for _, name := range s.sys.Mutexes {
		s.mtxs[name] = c.NewMutex()
	}

	threads := make([]*kernel.Thread, len(s.sys.Threads))
	for i := range s.sys.Threads {
		spec := &s.sys.Threads[i]
		threads[i] = c.Create(kernel.Descriptor{
			Name:     spec.Name,
			Priority: spec.Priority,
			Stack:    spec.Stack,
			Func:     s.program(c, spec),
		})
	}
	for i, t := range threads {
		msg := c.Wait(t)
		s.exits[s.sys.Threads[i].Name] = msg
		s.log.Info("thread terminated",
			zap.String("thread", s.sys.Threads[i].Name),
			zap.Stringer("exit", msg))
	}
	s.done = true
	s.doneAt = c.Now()
	close(s.finished)
	s.log.Info("all threads terminated", zap.Uint32("systime", uint32(s.doneAt)))
	return kernel.MsgOK
}

// program returns the body of a thread running the steps of spec.
func (s *Sim) program(c *kernel.Core, spec *ThreadSpec) kernel.ThreadFunc {
	log := s.log.With(zap.String("thread", spec.Name))
	return func() kernel.Msg {
		start := c.Now()
		for pc := 0; pc < len(spec.Steps); pc++ {
			step := &spec.Steps[pc]
			if ce := log.Check(zap.DebugLevel, "step"); ce != nil {
				ce.Write(zap.Int("pc", pc), zap.Stringer("op", step.Op), zap.Uint32("systime", uint32(c.Now())))
			}
			switch step.Op {
			case OpRun:
				run(c, step.Ticks)
			case OpSleep:
				c.Sleep(step.Ticks)
			case OpYield:
				c.Yield()
			case OpWait:
				if msg := s.sems[step.Object].WaitTimeout(step.Ticks); msg != kernel.MsgOK {
					log.Debug("wait", zap.String("semaphore", step.Object), zap.Stringer("msg", msg))
				}
			case OpSignal:
				s.sems[step.Object].Signal()
			case OpLock:
				s.mtxs[step.Object].Lock()
			case OpUnlock:
				s.mtxs[step.Object].Unlock()
			case OpPriority:
				c.SetPriority(kernel.Priority(step.Value))
			case OpEmit:
				s.tokens.WriteString(step.Text)
			case OpTrace:
				c.TraceUser(step.A, step.B)
			case OpExit:
				return kernel.Msg(step.Value)
			case OpLoop:
				// Waits on a semaphore that is available do not block, so
				// an iteration may not have let time pass yet.
				for c.Now() == start {
					c.WaitForInterrupt()
				}
				start = c.Now()
				pc = -1
			case OpHalt:
				c.Halt(step.Text)
			}
		}
		return kernel.MsgOK
	}
}

// run keeps the current thread busy until it was current for n ticks.
func run(c *kernel.Core, n kernel.Interval) {
	self := c.Self()
	for end := self.Ticks() + uint64(n); self.Ticks() < end; {
		c.WaitForInterrupt()
	}
}

// Tokens returns the tokens emitted so far, in order.
func (s *Sim) Tokens() string {
	return s.tokens.String()
}

// ExitCode returns the exit code of the named thread, if it terminated.
func (s *Sim) ExitCode(name string) (kernel.Msg, bool) {
	msg, ok := s.exits[name]
	return msg, ok
}

// Done reports whether all threads terminated, and when.
func (s *Sim) Done() (bool, kernel.SysTime) {
	return s.done, s.doneAt
}

// Finished returns a channel that is closed when all threads terminated. It
// may be used while the system is running, for instance with RunClock.
func (s *Sim) Finished() <-chan struct{} {
	return s.finished
}

// Semaphore returns the named semaphore, or nil.
func (s *Sim) Semaphore(name string) *kernel.Semaphore {
	return s.sems[name]
}

// Mutex returns the named mutex, or nil.
func (s *Sim) Mutex(name string) *kernel.Mutex {
	return s.mtxs[name]
}

// ErrLimit is returned by RunTicks when the tick limit was reached before all
// threads terminated.
var ErrLimit = errors.New("sim: tick limit reached")

// RunTicks injects ticks until all threads terminated, until limit ticks
// were injected or until ctx is done. A limit of zero means no limit.
func (s *Sim) RunTicks(ctx context.Context, limit int) error {
	for n := 0; ; n++ {
		if s.done {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if limit > 0 && n == limit {
			return ErrLimit
		}
		if err := s.Port.Tick(); err != nil {
			return err
		}
	}
}

// Shutdown stops the system and releases its goroutines.
func (s *Sim) Shutdown() {
	s.Port.Shutdown()
}
