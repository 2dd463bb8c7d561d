//go:build windows

package eventcore

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/windows"
)

type fdInfo struct {
	callback func(IOEvents)
	events   IOEvents
	active   bool
}

// selectPoller implements ioPoller on Windows via select, the one
// readiness primitive common to every fd kind eventcore registers here
// (UDP sockets, signal.Provider's self-pipe read end). The teacher's own
// Windows poller targets IOCP for true overlapped I/O; this stack never
// issues overlapped reads, so select's simplicity is preferred over
// reimplementing IOCP's completion-port plumbing for no benefit.
type selectPoller struct {
	fds     map[int]fdInfo
	fdMu    sync.RWMutex
	version atomic.Uint64
	closed  atomic.Bool
}

func newPoller() ioPoller {
	return &selectPoller{fds: make(map[int]fdInfo)}
}

func (p *selectPoller) Init() error { return nil }

func (p *selectPoller) Close() error {
	p.closed.Store(true)
	return nil
}

func (p *selectPoller) RegisterFD(fd int, events IOEvents, cb func(IOEvents)) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	p.fdMu.Lock()
	defer p.fdMu.Unlock()
	if _, exists := p.fds[fd]; exists {
		return ErrFDAlreadyRegistered
	}
	p.fds[fd] = fdInfo{callback: cb, events: events, active: true}
	p.version.Add(1)
	return nil
}

func (p *selectPoller) UnregisterFD(fd int) error {
	p.fdMu.Lock()
	defer p.fdMu.Unlock()
	if _, exists := p.fds[fd]; !exists {
		return ErrFDNotRegistered
	}
	delete(p.fds, fd)
	p.version.Add(1)
	return nil
}

func (p *selectPoller) ModifyFD(fd int, events IOEvents) error {
	p.fdMu.Lock()
	defer p.fdMu.Unlock()
	info, exists := p.fds[fd]
	if !exists {
		return ErrFDNotRegistered
	}
	info.events = events
	p.fds[fd] = info
	p.version.Add(1)
	return nil
}

func (p *selectPoller) PollIO(timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, ErrPollerClosed
	}

	p.fdMu.RLock()
	var readSet, writeSet windows.FdSet
	var maxFD int
	entries := make([]fdInfo, 0, len(p.fds))
	fdList := make([]int, 0, len(p.fds))
	for fd, info := range p.fds {
		if info.events&EventRead != 0 {
			fdSetAdd(&readSet, fd)
		}
		if info.events&EventWrite != 0 {
			fdSetAdd(&writeSet, fd)
		}
		if fd > maxFD {
			maxFD = fd
		}
		entries = append(entries, info)
		fdList = append(fdList, fd)
	}
	v := p.version.Load()
	p.fdMu.RUnlock()

	if len(fdList) == 0 {
		return 0, nil
	}

	var tv *windows.Timeval
	if timeoutMs >= 0 {
		t := windows.NsecToTimeval(int64(timeoutMs) * 1_000_000)
		tv = &t
	}

	_, err := windows.Select(maxFD+1, &readSet, &writeSet, nil, tv)
	if err != nil {
		return 0, err
	}
	if p.version.Load() != v {
		return 0, nil
	}

	fired := 0
	for i, fd := range fdList {
		var events IOEvents
		if fdSetIsSet(&readSet, fd) {
			events |= EventRead
		}
		if fdSetIsSet(&writeSet, fd) {
			events |= EventWrite
		}
		if events != 0 && entries[i].callback != nil {
			entries[i].callback(events)
			fired++
		}
	}
	return fired, nil
}

// fdSetAdd/fdSetIsSet assume a 32-bit word FdSet.Bits, matching the
// windows.FdSet layout ([64]int32, 32 descriptors per 32-bit word).
func fdSetAdd(set *windows.FdSet, fd int) {
	set.Bits[fd/32] |= 1 << (uint(fd) % 32)
}

func fdSetIsSet(set *windows.FdSet, fd int) bool {
	return set.Bits[fd/32]&(1<<(uint(fd)%32)) != 0
}
