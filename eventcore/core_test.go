package eventcore

import (
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atp-go/atp/atplog"
)

func newRunningCore(t *testing.T) *Core {
	t.Helper()
	c, err := New(atplog.NoOp())
	require.NoError(t, err)
	go c.Run()
	t.Cleanup(c.Shutdown)
	return c
}

func TestRegisterTimerFiresAndRearms(t *testing.T) {
	c := newRunningCore(t)

	var count atomic.Int32
	_, err := c.RegisterTimer(5*time.Millisecond, 0, func() time.Duration {
		count.Add(1)
		if count.Load() >= 3 {
			return NoRearm
		}
		return 5 * time.Millisecond
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return count.Load() >= 3 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(3), count.Load())
}

func TestRegisterTimerInvokeImmediately(t *testing.T) {
	c := newRunningCore(t)

	fired := make(chan struct{}, 1)
	_, err := c.RegisterTimer(time.Hour, FlagInvokeImmediately, func() time.Duration {
		fired <- struct{}{}
		return NoRearm
	})
	require.NoError(t, err)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire immediately")
	}
}

func TestSuspendPreventsFiring(t *testing.T) {
	c := newRunningCore(t)

	var count atomic.Int32
	id, err := c.RegisterTimer(5*time.Millisecond, 0, func() time.Duration {
		count.Add(1)
		return 5 * time.Millisecond
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return count.Load() >= 1 }, time.Second, time.Millisecond)
	require.NoError(t, c.Suspend(id))
	time.Sleep(10 * time.Millisecond)
	after := count.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, count.Load(), "no firing should occur while suspended")
}

func TestResumeReArmsTimer(t *testing.T) {
	c := newRunningCore(t)

	var count atomic.Int32
	id, err := c.RegisterTimer(5*time.Millisecond, FlagSuspend, func() time.Duration {
		count.Add(1)
		return 5 * time.Millisecond
	})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), count.Load(), "must not fire while starting suspended")

	require.NoError(t, c.Resume(id))
	require.Eventually(t, func() bool { return count.Load() >= 1 }, time.Second, time.Millisecond)
}

func TestDeleteStopsFurtherFiring(t *testing.T) {
	c := newRunningCore(t)

	var count atomic.Int32
	id, err := c.RegisterTimer(5*time.Millisecond, 0, func() time.Duration {
		count.Add(1)
		return 5 * time.Millisecond
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return count.Load() >= 1 }, time.Second, time.Millisecond)
	require.NoError(t, c.Delete(id))
	after := count.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, count.Load())
}

func TestSuspendResumeUnknownID(t *testing.T) {
	c := newRunningCore(t)
	assert.ErrorIs(t, c.Suspend(CallbackID(999)), ErrUnknownCallback)
	assert.ErrorIs(t, c.Resume(CallbackID(999)), ErrUnknownCallback)
	assert.ErrorIs(t, c.Delete(CallbackID(999)), ErrUnknownCallback)
}

func TestRegisterFDFiresOnReadability(t *testing.T) {
	c := newRunningCore(t)

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	gotEvents := make(chan IOEvents, 1)
	_, err = c.RegisterFD(int(r.Fd()), EventRead, 0, func(events IOEvents) time.Duration {
		var buf [1]byte
		_, _ = r.Read(buf[:])
		gotEvents <- events
		return NoRearm
	})
	require.NoError(t, err)

	_, err = w.Write([]byte{1})
	require.NoError(t, err)

	select {
	case ev := <-gotEvents:
		assert.True(t, ev&EventRead != 0)
	case <-time.After(time.Second):
		t.Fatal("fd callback did not fire")
	}
}

func TestSubmitRunsOnDispatcherGoroutine(t *testing.T) {
	c := newRunningCore(t)

	done := make(chan struct{})
	require.NoError(t, c.Submit(func() { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("submitted task did not run")
	}
}

func TestShutdownIsIdempotentAndRejectsNewWork(t *testing.T) {
	c, err := New(atplog.NoOp())
	require.NoError(t, err)
	go c.Run()

	c.Shutdown()
	c.Shutdown()

	_, err = c.RegisterTimer(time.Millisecond, 0, func() time.Duration { return NoRearm })
	assert.ErrorIs(t, err, ErrClosed)
}
