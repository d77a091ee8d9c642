// Package kernel implements a preemptive, priority based real-time scheduler
// for a single core: a ready list with round robin tie-breaking, timeout
// wakeups driven by virtual timers, and a kernel lock that serializes
// scheduler data between thread code and interrupt handlers.
//
// The actual register/stack swap is not done here. It is delegated to a Port,
// see the port/hosted package for an implementation that runs every thread on
// its own goroutine.
package kernel

import "strconv"

// Priority of a thread. A higher value runs first.
type Priority uint8

const (
	// NoPriority is never assigned to a thread. It is what an empty ready
	// list reports as its highest priority.
	NoPriority Priority = 0

	// IdlePriority is reserved for the idle thread.
	IdlePriority Priority = 1

	// LowPriority is the lowest priority a user thread can have.
	LowPriority Priority = 2

	// NormalPriority is the default priority of the main thread.
	NormalPriority Priority = 128

	// HighPriority is the highest priority a user thread can have.
	HighPriority Priority = 255
)

// Msg is the wakeup payload delivered to a thread when it resumes.
type Msg int32

const (
	// MsgOK is the normal wakeup message.
	MsgOK Msg = 0

	// MsgTimeout is delivered when a bounded wait expired.
	MsgTimeout Msg = -1

	// MsgReset is delivered when the object the thread was waiting on has
	// been reset (semaphore reset, condition variable broadcast).
	MsgReset Msg = -2
)

func (m Msg) String() string {
	switch m {
	case MsgOK:
		return "ok"
	case MsgTimeout:
		return "timeout"
	case MsgReset:
		return "reset"
	}
	return "msg(" + strconv.Itoa(int(m)) + ")"
}

// SysTime is the system time, in ticks since the core was started. It wraps.
type SysTime uint32

// Interval is a number of ticks.
type Interval uint32

const (
	// TimeImmediate means "do not wait". It is not a valid sleep duration.
	TimeImmediate Interval = 0

	// TimeInfinite means "wait forever", no timer is armed.
	TimeInfinite Interval = ^Interval(0)
)

// Add returns t advanced by i ticks.
func (t SysTime) Add(i Interval) SysTime {
	return t + SysTime(i)
}

// Sub returns the number of ticks from start to t, accounting for wrap.
func (t SysTime) Sub(start SysTime) Interval {
	return Interval(t - start)
}

// InRange reports whether t is within the half open window [start, end).
func (t SysTime) InRange(start, end SysTime) bool {
	return t-start < end-start
}

// State is the run state of a thread.
type State uint8

const (
	StateReady     State = iota // In the ready list.
	StateCurrent                // Running, in no queue.
	StateWaitStart              // Created but not yet started.
	StateSuspended              // Waiting on a ThreadReference.
	StateQueued                 // Waiting in a ThreadsQueue.
	StateWaitSem                // Waiting on a Semaphore.
	StateWaitMutex              // Waiting on a Mutex.
	StateWaitCond               // Waiting on a CondVar.
	StateSleeping               // Sleeping for a time interval.
	StateWaitExit               // Waiting for another thread to terminate.
	StateFinal                  // Terminated.
)

var stateNames = [...]string{
	StateReady:     "READY",
	StateCurrent:   "CURRENT",
	StateWaitStart: "WTSTART",
	StateSuspended: "SUSPENDED",
	StateQueued:    "QUEUED",
	StateWaitSem:   "WTSEM",
	StateWaitMutex: "WTMTX",
	StateWaitCond:  "WTCOND",
	StateSleeping:  "SLEEPING",
	StateWaitExit:  "WTEXIT",
	StateFinal:     "FINAL",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "STATE(" + strconv.Itoa(int(s)) + ")"
}
