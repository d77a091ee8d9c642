// Package hosted runs a kernel core on top of goroutines.
//
// Each kernel thread is backed by its own goroutine, but only one of them runs
// at any time: the CPU is a baton passed on every context switch. A thread
// that is switched out waits on its resume channel until another thread
// switches it back in.
//
// Interrupts are injected by a driver goroutine (a test, a clock, a shell).
// They are taken only at interrupt points, that is when the current thread
// calls Core.WaitForInterrupt, and they run on the goroutine of the
// interrupted thread, like an interrupt handler runs on the stack of the
// interrupted thread on a real target.
package hosted

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tinygo-org/rtkernel/kernel"
)

// ErrShutdown is returned by the driver functions after Shutdown.
var ErrShutdown = errors.New("hosted: port shut down")

// threadContext is the saved context of a thread.
type threadContext struct {
	// Posted to switch the thread in. It has room for one token, so posting
	// never blocks even if the thread has not parked yet.
	resume chan struct{}
}

// request is an interrupt to be served. A request without handler is a sync
// probe: it does nothing, but is only taken once the system reached an
// interrupt point.
type request struct {
	handler func()
	done    chan struct{}
}

// Port implements kernel.Port.
type Port struct {
	core *kernel.Core
	log  *zap.Logger

	irq  chan request
	kill chan struct{}

	halted   chan struct{}
	haltErr  *kernel.HaltError
	haltOnce sync.Once
	stopOnce sync.Once

	// Goroutines backing threads.
	wg sync.WaitGroup
}

// New returns a port ready to be passed to kernel.New.
func New() *Port {
	return &Port{
		irq:    make(chan request),
		kill:   make(chan struct{}),
		halted: make(chan struct{}),
	}
}

// Boot creates a core on a new hosted port, starts it with main as the main
// thread body, and waits until the system reaches its first interrupt point.
func Boot(cfg kernel.Config, main func(c *kernel.Core) kernel.Msg) (*kernel.Core, *Port, error) {
	p := New()
	c, err := kernel.New(cfg, p)
	if err != nil {
		return nil, nil, err
	}
	c.Start(func() kernel.Msg {
		return main(c)
	})
	if err := p.Sync(); err != nil {
		return c, p, err
	}
	return c, p, nil
}

// Attach implements kernel.Port.
func (p *Port) Attach(c *kernel.Core) {
	p.core = c
	p.log = c.Logger().Named("hosted")
}

// SetupContext implements kernel.Port. It starts the goroutine of t, parked
// until the first switch to t.
func (p *Port) SetupContext(t *kernel.Thread, entry func()) {
	ctx := &threadContext{resume: make(chan struct{}, 1)}
	t.SetContext(ctx)

	p.wg.Add(1)
	go p.run(ctx, entry)
}

func (p *Port) run(ctx *threadContext, entry func()) {
	defer p.wg.Done()
	defer p.recoverHalt()

	select {
	case <-ctx.resume:
	case <-p.kill:
		return
	}
	entry()
}

// recoverHalt reports a kernel halt to the driver. The goroutine then stays
// parked, like a halted CPU, until the port is shut down.
func (p *Port) recoverHalt() {
	r := recover()
	if r == nil {
		return
	}
	he, ok := r.(*kernel.HaltError)
	if !ok {
		panic(r)
	}
	p.haltOnce.Do(func() {
		p.haltErr = he
		close(p.halted)
	})
	<-p.kill
}

// Switch implements kernel.Port.
func (p *Port) Switch(ntp, otp *kernel.Thread) {
	if otp == nil {
		ntp.Context().(*threadContext).resume <- struct{}{}
		return
	}

	// otp must not be looked at once ntp runs.
	final := otp.State() == kernel.StateFinal
	octx := otp.Context().(*threadContext)

	ntp.Context().(*threadContext).resume <- struct{}{}
	if final {
		// A terminated thread is never switched in again. Its goroutine
		// goes away with the port.
		<-p.kill
		runtime.Goexit()
	}
	select {
	case <-octx.resume:
	case <-p.kill:
		runtime.Goexit()
	}
}

// WaitForInterrupt implements kernel.Port.
func (p *Port) WaitForInterrupt() {
	select {
	case req := <-p.irq:
		p.serve(req)
	case <-p.kill:
		runtime.Goexit()
	}
}

func (p *Port) serve(req request) {
	if req.handler == nil {
		close(req.done)
		return
	}
	p.core.EnterISR()
	req.handler()
	// The driver is released before the epilogue: if the epilogue preempts
	// this thread, it is the next interrupt point that settles the system.
	close(req.done)
	p.core.LeaveISR()
}

// post hands a request to the current thread and waits until it was served.
func (p *Port) post(handler func()) error {
	req := request{handler: handler, done: make(chan struct{})}
	select {
	case p.irq <- req:
	case <-p.halted:
		return p.haltErr
	case <-p.kill:
		return ErrShutdown
	}
	select {
	case <-req.done:
		return nil
	case <-p.halted:
		return p.haltErr
	}
}

// Sync waits until the current thread reaches an interrupt point. After Sync
// returned, the kernel state can be inspected with Core.Snapshot.
func (p *Port) Sync() error {
	return p.post(nil)
}

// Interrupt raises an interrupt served by handler, and waits until the system
// settled again. The handler runs in interrupt context: it may only use
// I-class kernel functions inside LockFromISR and UnlockFromISR.
func (p *Port) Interrupt(handler func()) error {
	if err := p.post(handler); err != nil {
		return err
	}
	return p.Sync()
}

// Tick raises one system tick interrupt.
func (p *Port) Tick() error {
	return p.Interrupt(p.core.SysTick)
}

// Ticks raises n system tick interrupts.
func (p *Port) Ticks(n int) error {
	for i := 0; i < n; i++ {
		if err := p.Tick(); err != nil {
			return err
		}
	}
	return nil
}

// RunClock raises a system tick every period until ctx is done or the
// system halts.
func (p *Port) RunClock(ctx context.Context, period time.Duration) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.Tick(); err != nil {
				return err
			}
		}
	}
}

// Halted returns a channel closed when the core halts.
func (p *Port) Halted() <-chan struct{} {
	return p.halted
}

// Err returns the halt error, or nil if the core did not halt.
func (p *Port) Err() error {
	select {
	case <-p.halted:
		return p.haltErr
	default:
		return nil
	}
}

// Shutdown stops the core and ends all thread goroutines. Threads are ended
// wherever they are parked, without running the rest of their body.
func (p *Port) Shutdown() {
	p.stopOnce.Do(func() {
		if p.core != nil {
			p.core.Stop()
		}
		close(p.kill)
	})
	p.wg.Wait()
	if p.log != nil {
		p.log.Debug("port shut down")
	}
}
