//go:build linux

package eventcore

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

const maxFDs = 65536

type fdInfo struct {
	callback func(IOEvents)
	events   IOEvents
	active   bool
}

// epollPoller manages I/O event registration using epoll (Linux).
// PERFORMANCE: direct FD-indexed array, RWMutex guarding it, version
// counter so PollIO can discard a batch made stale by a concurrent
// registration change. Mirrors eventloop's FastPoller (poller_linux.go)
// almost verbatim; the only behavioral change is the narrower ioPoller
// contract it implements.
type epollPoller struct {
	epfd     int32
	version  atomic.Uint64
	eventBuf [256]unix.EpollEvent
	fds      [maxFDs]fdInfo
	fdMu     sync.RWMutex
	closed   atomic.Bool
}

func newPoller() ioPoller { return &epollPoller{} }

func (p *epollPoller) Init() error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	p.epfd = int32(epfd)
	return nil
}

func (p *epollPoller) Close() error {
	p.closed.Store(true)
	if p.epfd > 0 {
		return unix.Close(int(p.epfd))
	}
	return nil
}

func (p *epollPoller) RegisterFD(fd int, events IOEvents, cb func(IOEvents)) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if fd < 0 || fd >= maxFDs {
		return ErrFDOutOfRange
	}

	p.fdMu.Lock()
	if p.fds[fd].active {
		p.fdMu.Unlock()
		return ErrFDAlreadyRegistered
	}
	p.fds[fd] = fdInfo{callback: cb, events: events, active: true}
	p.version.Add(1)
	p.fdMu.Unlock()

	ev := &unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(int(p.epfd), unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		p.fdMu.Lock()
		p.fds[fd] = fdInfo{}
		p.fdMu.Unlock()
		return err
	}
	return nil
}

func (p *epollPoller) UnregisterFD(fd int) error {
	if fd < 0 || fd >= maxFDs {
		return ErrFDOutOfRange
	}
	p.fdMu.Lock()
	if !p.fds[fd].active {
		p.fdMu.Unlock()
		return ErrFDNotRegistered
	}
	p.fds[fd] = fdInfo{}
	p.version.Add(1)
	p.fdMu.Unlock()

	return unix.EpollCtl(int(p.epfd), unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoller) ModifyFD(fd int, events IOEvents) error {
	if fd < 0 || fd >= maxFDs {
		return ErrFDOutOfRange
	}
	p.fdMu.Lock()
	if !p.fds[fd].active {
		p.fdMu.Unlock()
		return ErrFDNotRegistered
	}
	p.fds[fd].events = events
	p.version.Add(1)
	p.fdMu.Unlock()

	ev := &unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	return unix.EpollCtl(int(p.epfd), unix.EPOLL_CTL_MOD, fd, ev)
}

func (p *epollPoller) PollIO(timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, ErrPollerClosed
	}
	v := p.version.Load()

	n, err := unix.EpollWait(int(p.epfd), p.eventBuf[:], timeoutMs)
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
		fd := int(p.eventBuf[i].Fd)
		if fd < 0 || fd >= maxFDs {
			continue
		}
		p.fdMu.RLock()
		info := p.fds[fd]
		p.fdMu.RUnlock()
		if info.active && info.callback != nil {
			info.callback(epollToEvents(p.eventBuf[i].Events))
		}
	}
	return n, nil
}

func eventsToEpoll(events IOEvents) uint32 {
	var e uint32
	if events&EventRead != 0 {
		e |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func epollToEvents(e uint32) IOEvents {
	var events IOEvents
	if e&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if e&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if e&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if e&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	return events
}
