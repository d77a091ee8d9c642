package kernel

// Port performs the parts of scheduling that depend on the machine: saving
// and restoring execution contexts and waiting for interrupts.
type Port interface {
	// Attach is called once by New, before any other method.
	Attach(c *Core)

	// SetupContext prepares the context of a new thread so that the first
	// switch to it runs entry. The entry function never returns.
	SetupContext(t *Thread, entry func())

	// Switch saves the context of otp and restores the one of ntp. It returns
	// when otp is switched in again, so from the point of view of otp it is a
	// function call that takes a while. otp is nil on the very first switch,
	// and a FINAL otp is never switched in again.
	Switch(ntp, otp *Thread)

	// WaitForInterrupt suspends the current thread until an interrupt has
	// been served. It is called without the kernel lock.
	WaitForInterrupt()
}
