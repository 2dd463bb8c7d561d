package eventcore

import (
	"container/heap"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atp-go/atp/atplog"
)

// CallbackID identifies a registration. Zero is reserved for "none".
type CallbackID uint64

// Flags modify registration behavior, per §4.1.
type Flags uint8

const (
	// FlagInvokeImmediately fires the callback once at registration time,
	// regardless of fd readiness or elapsed time. Required to give a
	// pure-timer callback a first invocation without waiting a full
	// interval (e.g. an immediate first STUN query).
	FlagInvokeImmediately Flags = 1 << iota
	// FlagSuspend starts the registration suspended; Resume must be
	// called explicitly before it ever fires.
	FlagSuspend
)

// State is the dispatcher's lifecycle, mirroring eventloop's LoopState.
type State uint32

const (
	StateAwake State = iota
	StateRunning
	StateTerminating
	StateTerminated
)

var (
	ErrClosed          = errors.New("eventcore: core closed")
	ErrUnknownCallback = errors.New("eventcore: unknown callback id")
	ErrAlreadyRunning  = errors.New("eventcore: already running")
)

type registration struct {
	id       CallbackID
	fd       int // -1 for pure-timer registrations
	mask     IOEvents
	cbFD     func(IOEvents) time.Duration
	cbTimer  func() time.Duration
	interval time.Duration // last duration used; Resume reuses it for timers
	suspended bool
	deleted  bool
}

// Core is the single-threaded cooperative dispatcher (C1). Registration,
// suspend/resume/delete may be called from any goroutine; Run executes
// every callback sequentially on its own goroutine, per §4.1's invariant
// that callbacks never overlap.
type Core struct {
	log atplog.Logger

	poller ioPoller

	mu    sync.Mutex
	regs  map[CallbackID]*registration
	nextID uint64
	timers timerHeap

	wakeR *os.File
	wakeW *os.File

	taskMu sync.Mutex
	tasks  []func()

	state   atomic.Uint32
	doneCh  chan struct{}
}

// New constructs a Core with its platform poller initialized and its
// wake self-pipe registered, but does not start dispatching; call Run.
func New(logger atplog.Logger) (*Core, error) {
	if logger == nil {
		logger = atplog.NoOp()
	}
	p := newPoller()
	if err := p.Init(); err != nil {
		return nil, err
	}
	r, w, err := os.Pipe()
	if err != nil {
		_ = p.Close()
		return nil, err
	}

	c := &Core{
		log:    logger,
		poller: p,
		regs:   make(map[CallbackID]*registration),
		nextID: 1,
		wakeR:  r,
		wakeW:  w,
		doneCh: make(chan struct{}),
	}

	wakeFD := fileFD(r)
	if err := p.RegisterFD(wakeFD, EventRead, func(IOEvents) { c.drainWake() }); err != nil {
		_ = p.Close()
		_ = r.Close()
		_ = w.Close()
		return nil, err
	}
	return c, nil
}

func fileFD(f *os.File) int { return int(f.Fd()) }

// drainWake consumes the wake bytes buffered in the self-pipe. wakeR is in
// blocking mode (fileFD's call to Fd switches it), so it reads once per
// readiness event; the level-triggered poller reports the pipe again if
// bytes remain.
func (c *Core) drainWake() {
	var buf [64]byte
	_, _ = c.wakeR.Read(buf[:])
}

// RegisterFD registers a fd-ready callback. cb's return value, if not
// NoRearm, additionally arms a one-shot deadline after which cb fires
// again with events==0 even absent fd readiness (useful for combined
// readiness+timeout patterns such as "resend if no reply within T").
func (c *Core) RegisterFD(fd int, mask IOEvents, flags Flags, cb func(IOEvents) time.Duration) (CallbackID, error) {
	if c.isClosed() {
		return 0, ErrClosed
	}

	c.mu.Lock()
	id := CallbackID(c.nextID)
	c.nextID++
	reg := &registration{id: id, fd: fd, mask: mask, cbFD: cb, suspended: flags&FlagSuspend != 0}
	c.regs[id] = reg
	c.mu.Unlock()

	if err := c.poller.RegisterFD(fd, mask, func(events IOEvents) { c.dispatchFD(id, events) }); err != nil {
		c.mu.Lock()
		delete(c.regs, id)
		c.mu.Unlock()
		return 0, err
	}

	if flags&FlagInvokeImmediately != 0 {
		c.scheduleTimer(id, 0)
	}
	return id, nil
}

// RegisterTimer registers a pure-timer callback, firing after initial and
// re-arming after whatever duration cb returns (NoRearm stops it).
func (c *Core) RegisterTimer(initial time.Duration, flags Flags, cb func() time.Duration) (CallbackID, error) {
	if c.isClosed() {
		return 0, ErrClosed
	}

	c.mu.Lock()
	id := CallbackID(c.nextID)
	c.nextID++
	reg := &registration{id: id, fd: -1, cbTimer: cb, interval: initial, suspended: flags&FlagSuspend != 0}
	c.regs[id] = reg
	c.mu.Unlock()

	delay := initial
	if flags&FlagInvokeImmediately != 0 {
		delay = 0
	}
	c.scheduleTimer(id, delay)
	return id, nil
}

func (c *Core) scheduleTimer(id CallbackID, delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reg, ok := c.regs[id]
	if !ok || reg.deleted {
		return
	}
	heap.Push(&c.timers, &timerEntry{id: id, when: time.Now().Add(delay)})
	c.wake()
}

func (c *Core) dispatchFD(id CallbackID, events IOEvents) {
	c.mu.Lock()
	reg, ok := c.regs[id]
	if !ok || reg.deleted || reg.suspended {
		c.mu.Unlock()
		return
	}
	cb := reg.cbFD
	c.mu.Unlock()

	next := cb(events)
	if next != NoRearm {
		c.scheduleTimer(id, next)
	}
}

func (c *Core) fireTimer(id CallbackID) {
	c.mu.Lock()
	reg, ok := c.regs[id]
	if !ok || reg.deleted || reg.suspended {
		c.mu.Unlock()
		return
	}
	if reg.fd >= 0 {
		cb := reg.cbFD
		c.mu.Unlock()
		next := cb(0)
		if next != NoRearm {
			c.scheduleTimer(id, next)
		}
		return
	}
	cb := reg.cbTimer
	c.mu.Unlock()

	next := cb()
	if next != NoRearm {
		c.mu.Lock()
		if r, ok := c.regs[id]; ok {
			r.interval = next
		}
		c.mu.Unlock()
		c.scheduleTimer(id, next)
	}
}

// Suspend pauses dispatch for id; pending deadlines are cancelled (for
// timers) or ignored when they fire (for fd readiness). Resume re-arms.
func (c *Core) Suspend(id CallbackID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	reg, ok := c.regs[id]
	if !ok || reg.deleted {
		return ErrUnknownCallback
	}
	reg.suspended = true
	return nil
}

// Resume reactivates id. A pure-timer registration is rescheduled using
// its last-known interval; a fd-ready registration simply starts
// dispatching again on the next readiness event.
func (c *Core) Resume(id CallbackID) error {
	c.mu.Lock()
	reg, ok := c.regs[id]
	if !ok || reg.deleted {
		c.mu.Unlock()
		return ErrUnknownCallback
	}
	reg.suspended = false
	isTimer := reg.fd < 0
	interval := reg.interval
	c.mu.Unlock()

	if isTimer {
		c.scheduleTimer(id, interval)
	}
	return nil
}

// Delete releases id. Re-use of the identifier value is permitted only
// after this call returns (§4.1's contract); ids are never reused by Core
// itself since nextID only increments.
func (c *Core) Delete(id CallbackID) error {
	c.mu.Lock()
	reg, ok := c.regs[id]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownCallback
	}
	reg.deleted = true
	fd := reg.fd
	delete(c.regs, id)
	c.mu.Unlock()

	if fd >= 0 {
		_ = c.poller.UnregisterFD(fd)
	}
	return nil
}

// Submit enqueues fn to run on the dispatcher goroutine, serialised with
// every other callback. Safe to call from any goroutine, including from
// inside a running callback.
func (c *Core) Submit(fn func()) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.taskMu.Lock()
	c.tasks = append(c.tasks, fn)
	c.taskMu.Unlock()
	c.wake()
	return nil
}

func (c *Core) wake() {
	_, _ = c.wakeW.Write([]byte{1})
}

func (c *Core) isClosed() bool {
	s := State(c.state.Load())
	return s == StateTerminating || s == StateTerminated
}

// Run executes the dispatch loop until Shutdown is called. It must be
// called from exactly one goroutine.
func (c *Core) Run() error {
	if !c.state.CompareAndSwap(uint32(StateAwake), uint32(StateRunning)) {
		return ErrAlreadyRunning
	}
	defer close(c.doneCh)

	for {
		if State(c.state.Load()) == StateTerminating {
			c.state.Store(uint32(StateTerminated))
			return nil
		}

		timeout := c.nextTimeoutMs()
		if _, err := c.poller.PollIO(timeout); err != nil {
			c.log.Log(atplog.Entry{Level: atplog.LevelError, Category: "eventcore", Message: "poll failed", Err: err})
			c.state.Store(uint32(StateTerminated))
			return err
		}

		c.runDueTimers()
		c.runTasks()
	}
}

// Shutdown stops the dispatch loop. It's idempotent and may be called
// from any goroutine; it blocks until Run has returned (or, if Run was
// never started, returns immediately).
func (c *Core) Shutdown() {
	for {
		s := State(c.state.Load())
		if s == StateTerminated {
			return
		}
		if s == StateAwake {
			// Run() hasn't started yet (or never will); race it for the
			// Awake->* transition so exactly one of Shutdown/Run closes
			// doneCh.
			if c.state.CompareAndSwap(uint32(StateAwake), uint32(StateTerminated)) {
				close(c.doneCh)
				_ = c.poller.Close()
				_ = c.wakeR.Close()
				_ = c.wakeW.Close()
				return
			}
			continue
		}
		if c.state.CompareAndSwap(uint32(s), uint32(StateTerminating)) {
			break
		}
	}
	c.wake()
	<-c.doneCh
	_ = c.poller.Close()
	_ = c.wakeR.Close()
	_ = c.wakeW.Close()
}

func (c *Core) nextTimeoutMs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.timers) > 0 {
		top := c.timers[0]
		if reg, ok := c.regs[top.id]; !ok || reg.deleted {
			heap.Pop(&c.timers)
			continue
		}
		d := time.Until(top.when)
		if d < 0 {
			return 0
		}
		ms := d.Milliseconds()
		if ms > 1<<30 {
			ms = 1 << 30
		}
		return int(ms)
	}
	return -1
}

func (c *Core) runDueTimers() {
	now := time.Now()
	for {
		c.mu.Lock()
		if len(c.timers) == 0 || c.timers[0].when.After(now) {
			c.mu.Unlock()
			break
		}
		entry := heap.Pop(&c.timers).(*timerEntry)
		c.mu.Unlock()

		if entry.deleted {
			continue
		}
		c.fireTimer(entry.id)
	}
}

func (c *Core) runTasks() {
	c.taskMu.Lock()
	pending := c.tasks
	c.tasks = nil
	c.taskMu.Unlock()

	for _, fn := range pending {
		fn()
	}
}
