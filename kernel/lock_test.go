package kernel_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinygo-org/rtkernel/kernel"
	"github.com/tinygo-org/rtkernel/port/hosted"
)

func TestLockClassViolations(t *testing.T) {
	tests := []struct {
		name   string
		reason string
		fn     func(c *kernel.Core)
	}{
		{"nested lock", "SV#4", func(c *kernel.Core) { c.Lock(); c.Lock() }},
		{"lock from isr", "SV#4", func(c *kernel.Core) { c.EnterISR(); c.Lock() }},
		{"unlock without lock", "SV#5", func(c *kernel.Core) { c.Unlock() }},
		{"isr lock from thread", "SV#6", func(c *kernel.Core) { c.LockFromISR() }},
		{"isr unlock without lock", "SV#7", func(c *kernel.Core) { c.EnterISR(); c.UnlockFromISR() }},
		{"enter isr while locked", "SV#8", func(c *kernel.Core) { c.Lock(); c.EnterISR() }},
		{"leave isr outside isr", "SV#9", func(c *kernel.Core) { c.LeaveISR() }},
		{"I-class without lock", "SV#10", func(c *kernel.Core) { c.ReadyI(nil) }},
		{"S-class from isr", "SV#11", func(c *kernel.Core) { c.EnterISR(); c.LockFromISR(); c.RescheduleS() }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var halts []string
			cfg := testConfig(t)
			cfg.Hooks.Halt = func(reason string) { halts = append(halts, reason) }
			c, err := kernel.New(cfg, hosted.New())
			require.NoError(t, err)

			require.PanicsWithError(t, "kernel c0 halted: "+tc.reason, func() {
				tc.fn(c)
			})
			assert.True(t, c.Stopped())
			assert.Equal(t, tc.reason, c.HaltReason())
			assert.Equal(t, []string{tc.reason}, halts)

			// Lock operations are no-ops on a halted core.
			assert.NotPanics(t, func() {
				c.Lock()
				c.Unlock()
				c.Unlock()
			})
		})
	}
}

func TestChecksDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Debug.Checks = false
	c, err := kernel.New(cfg, hosted.New())
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		c.EnterISR()
		c.LockFromISR()
		c.UnlockFromISR()
	})
	assert.True(t, c.InISR())
	assert.False(t, c.IsLocked())
}

func TestCriticalReleasesLockOnPanic(t *testing.T) {
	c, err := kernel.New(testConfig(t), hosted.New())
	require.NoError(t, err)

	assert.PanicsWithValue(t, "boom", func() {
		c.Critical(func() {
			assert.True(t, c.IsLocked())
			panic("boom")
		})
	})
	assert.False(t, c.IsLocked())
	assert.NotPanics(t, func() {
		c.Critical(func() {})
	})
}

func TestHaltInThreadIsReported(t *testing.T) {
	cfg := testConfig(t)
	c, p, err := hosted.Boot(cfg, func(c *kernel.Core) kernel.Msg {
		c.Sleep(2)
		// Not in a critical section.
		c.Unlock()
		return kernel.MsgOK
	})
	require.NoError(t, err)
	defer p.Shutdown()

	require.NoError(t, p.Tick())
	assert.NoError(t, p.Err())

	err = p.Tick()
	var he *kernel.HaltError
	require.True(t, errors.As(err, &he), "expected a halt, got %v", err)
	assert.Equal(t, "SV#5", he.Reason)
	assert.Equal(t, "c0", he.Core)
	assert.Equal(t, err, p.Err())

	select {
	case <-p.Halted():
	default:
		t.Fatal("halted channel not closed")
	}

	s := c.Snapshot()
	assert.Equal(t, "SV#5", s.Halted)
	assert.Equal(t, "main", s.Current)

	trace := c.Trace()
	require.NotEmpty(t, trace)
	last := trace[len(trace)-1]
	assert.Equal(t, kernel.TraceHalt, last.Kind)
	assert.Equal(t, "SV#5", last.Other)

	// Once halted, every driver call reports the halt.
	assert.ErrorIs(t, p.Tick(), he)
}

func TestMutexSelfLockHalts(t *testing.T) {
	_, p, err := hosted.Boot(testConfig(t), func(c *kernel.Core) kernel.Msg {
		m := c.NewMutex()
		m.Lock()
		m.Lock()
		return kernel.MsgOK
	})
	require.NotNil(t, p)
	defer p.Shutdown()
	assert.EqualError(t, err, "kernel c0 halted: mutex already owned")
}

func TestInvalidDescriptorHalts(t *testing.T) {
	_, p, err := hosted.Boot(testConfig(t), func(c *kernel.Core) kernel.Msg {
		c.Create(kernel.Descriptor{Name: "bad", Priority: kernel.IdlePriority})
		return kernel.MsgOK
	})
	require.NotNil(t, p)
	defer p.Shutdown()
	assert.EqualError(t, err, "kernel c0 halted: invalid thread descriptor")
}

func TestWaitForInterruptInCriticalSectionHalts(t *testing.T) {
	_, p, err := hosted.Boot(testConfig(t), func(c *kernel.Core) kernel.Msg {
		c.Lock()
		c.WaitForInterrupt()
		return kernel.MsgOK
	})
	require.NotNil(t, p)
	defer p.Shutdown()
	assert.EqualError(t, err, "kernel c0 halted: waiting for interrupt in a critical section")
}
