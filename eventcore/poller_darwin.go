//go:build darwin

package eventcore

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

type fdInfo struct {
	callback func(IOEvents)
	events   IOEvents
	active   bool
}

// kqueuePoller implements ioPoller with kqueue (Darwin/BSD), mirroring
// eventloop's poller_darwin.go FastPoller: a dynamic fd-indexed slice
// instead of epoll's fixed array, since kqueue has no natural fd ceiling
// the way epoll's direct-indexing scheme assumes.
type kqueuePoller struct {
	kq       int32
	eventBuf [256]unix.Kevent_t
	fds      []fdInfo
	fdMu     sync.RWMutex
	version  atomic.Uint64
	closed   atomic.Bool
}

func newPoller() ioPoller { return &kqueuePoller{} }

func (p *kqueuePoller) Init() error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	kq, err := unix.Kqueue()
	if err != nil {
		return err
	}
	p.kq = int32(kq)
	return nil
}

func (p *kqueuePoller) Close() error {
	p.closed.Store(true)
	if p.kq > 0 {
		return unix.Close(int(p.kq))
	}
	return nil
}

func (p *kqueuePoller) ensureCap(fd int) {
	if fd < len(p.fds) {
		return
	}
	grown := make([]fdInfo, fd+1)
	copy(grown, p.fds)
	p.fds = grown
}

func (p *kqueuePoller) RegisterFD(fd int, events IOEvents, cb func(IOEvents)) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if fd < 0 {
		return ErrFDOutOfRange
	}

	p.fdMu.Lock()
	p.ensureCap(fd)
	if p.fds[fd].active {
		p.fdMu.Unlock()
		return ErrFDAlreadyRegistered
	}
	p.fds[fd] = fdInfo{callback: cb, events: events, active: true}
	p.version.Add(1)
	p.fdMu.Unlock()

	changes := kqueueChanges(fd, events, unix.EV_ADD|unix.EV_ENABLE)
	_, err := unix.Kevent(int(p.kq), changes, nil, nil)
	if err != nil {
		p.fdMu.Lock()
		p.fds[fd] = fdInfo{}
		p.fdMu.Unlock()
		return err
	}
	return nil
}

func (p *kqueuePoller) UnregisterFD(fd int) error {
	p.fdMu.Lock()
	if fd < 0 || fd >= len(p.fds) || !p.fds[fd].active {
		p.fdMu.Unlock()
		return ErrFDNotRegistered
	}
	events := p.fds[fd].events
	p.fds[fd] = fdInfo{}
	p.version.Add(1)
	p.fdMu.Unlock()

	changes := kqueueChanges(fd, events, unix.EV_DELETE)
	_, _ = unix.Kevent(int(p.kq), changes, nil, nil)
	return nil
}

func (p *kqueuePoller) ModifyFD(fd int, events IOEvents) error {
	p.fdMu.Lock()
	if fd < 0 || fd >= len(p.fds) || !p.fds[fd].active {
		p.fdMu.Unlock()
		return ErrFDNotRegistered
	}
	old := p.fds[fd].events
	p.fds[fd].events = events
	p.version.Add(1)
	p.fdMu.Unlock()

	_, _ = unix.Kevent(int(p.kq), kqueueChanges(fd, old, unix.EV_DELETE), nil, nil)
	_, err := unix.Kevent(int(p.kq), kqueueChanges(fd, events, unix.EV_ADD|unix.EV_ENABLE), nil, nil)
	return err
}

func (p *kqueuePoller) PollIO(timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, ErrPollerClosed
	}
	v := p.version.Load()

	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * 1_000_000)
		ts = &t
	}

	n, err := unix.Kevent(int(p.kq), nil, p.eventBuf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	if p.version.Load() != v {
		return 0, nil
	}

	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Ident)
		p.fdMu.RLock()
		var info fdInfo
		if fd >= 0 && fd < len(p.fds) {
			info = p.fds[fd]
		}
		p.fdMu.RUnlock()
		if info.active && info.callback != nil {
			info.callback(kqueueToEvents(p.eventBuf[i]))
		}
	}
	return n, nil
}

func kqueueChanges(fd int, events IOEvents, flags uint16) []unix.Kevent_t {
	var changes []unix.Kevent_t
	if events&EventRead != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flags})
	}
	if events&EventWrite != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flags})
	}
	return changes
}

func kqueueToEvents(ev unix.Kevent_t) IOEvents {
	var events IOEvents
	switch ev.Filter {
	case unix.EVFILT_READ:
		events |= EventRead
	case unix.EVFILT_WRITE:
		events |= EventWrite
	}
	if ev.Flags&unix.EV_EOF != 0 {
		events |= EventHangup
	}
	if ev.Flags&unix.EV_ERROR != 0 {
		events |= EventError
	}
	return events
}
