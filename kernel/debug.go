package kernel

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// HaltError is the panic value of a halted core. A halt is never recovered by
// the kernel: it means an invariant was broken and nothing can be trusted
// anymore. Ports recover it at the top of each thread to report it.
type HaltError struct {
	Core   string
	Reason string
}

func (e *HaltError) Error() string {
	if e.Core == "" {
		return "kernel halted: " + e.Reason
	}
	return fmt.Sprintf("kernel %s halted: %s", e.Core, e.Reason)
}

// Halt stops the core with the given reason. It does not return.
//
// The first halt records the reason, logs it and calls the halt hook. After
// that every lock operation becomes a no-op so that deferred unlocks on the
// unwinding stack cannot trip further checks.
func (c *Core) Halt(reason string) {
	if c == nil {
		panic(&HaltError{Reason: reason})
	}
	if c.dead.CompareAndSwap(false, true) {
		c.haltReason.Store(reason)
		c.trace.record(c, TraceHalt, c.current, nil, MsgOK)
		c.log.Error("system halted",
			zap.String("reason", reason),
			zap.Stringer("current", c.current),
			zap.Uint32("systime", uint32(c.systime)))
		c.hooks.Halt(reason)
	}
	panic(&HaltError{Core: c.cfg.Name, Reason: reason})
}

// HaltReason returns the reason the core halted with, or "" if it did not.
func (c *Core) HaltReason() string {
	r, _ := c.haltReason.Load().(string)
	return r
}

// assert halts with reason when cond is false and asserts are enabled.
func (c *Core) assert(cond bool, reason string) {
	if !cond && c.cfg.Debug.Asserts {
		c.Halt(reason)
	}
}

// Masks for IntegrityCheckI.
const (
	IntegrityReadyList = 1 << iota
	IntegrityTimerList
	IntegrityRegistry
)

// IntegrityCheckI walks the selected kernel lists forward and backward and
// reports the first inconsistency found.
func (c *Core) IntegrityCheckI(mask int) error {
	c.checkClassI()

	var errs []error
	if mask&IntegrityReadyList != 0 && !c.rlist.checkLinks() {
		errs = append(errs, errors.New("ready list corrupted"))
	}
	if mask&IntegrityTimerList != 0 && !c.vtlist.checkLinks() {
		errs = append(errs, errors.New("timer list corrupted"))
	}
	if mask&IntegrityRegistry != 0 && !c.checkRegistry() {
		errs = append(errs, errors.New("registry corrupted"))
	}
	return errors.Join(errs...)
}

func (c *Core) checkRegistry() bool {
	n := 0
	var prev *Thread
	for t := c.regHead; t != nil; t = t.regNext {
		if t.regPrev != prev || t.core != c {
			return false
		}
		prev = t
		n++
	}
	if prev != c.regTail {
		return false
	}
	for t := c.regTail; t != nil; t = t.regPrev {
		n--
	}
	return n == 0
}
