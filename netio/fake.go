package netio

import (
	"errors"
	"net/netip"
	"sync"
)

// ErrAddrInUse is returned by FakeFactory.NewUDPSocket when laddr is
// already bound by another live fakeSocket.
var ErrAddrInUse = errors.New("netio: address in use")

var errFakeSocketHasNoFD = errors.New("netio: fake socket has no fd, use NotifyChan")

// FakeFactory is an in-memory Factory for tests: sockets created from the
// same FakeFactory can exchange datagrams with each other by AddrPort
// without touching a real kernel socket, so tests can run without binding
// real ports. Only netio's own tests use it; the conn and atp tests bind
// real UDP sockets.
type FakeFactory struct {
	mu      sync.Mutex
	sockets map[netip.AddrPort]*fakeSocket
	nextPort uint16
}

// NewFakeFactory constructs an empty FakeFactory.
func NewFakeFactory() *FakeFactory {
	return &FakeFactory{sockets: make(map[netip.AddrPort]*fakeSocket), nextPort: 1}
}

// NewUDPSocket implements Factory. A zero laddr is assigned a synthetic
// loopback endpoint with a fresh port.
func (f *FakeFactory) NewUDPSocket(laddr netip.AddrPort) (Socket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !laddr.IsValid() || laddr.Port() == 0 {
		laddr = netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), f.allocPort())
	}
	if _, exists := f.sockets[laddr]; exists {
		return nil, ErrAddrInUse
	}

	s := &fakeSocket{factory: f, local: laddr, inbox: make(chan fakeDatagram, 256), notify: make(chan struct{}, 1)}
	f.sockets[laddr] = s
	return s, nil
}

func (f *FakeFactory) allocPort() uint16 {
	f.nextPort++
	return f.nextPort
}

func (f *FakeFactory) deliver(dst netip.AddrPort, dg fakeDatagram) bool {
	f.mu.Lock()
	s, ok := f.sockets[dst]
	f.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case s.inbox <- dg:
	default:
		// Inbox full: drop, matching real UDP's behavior under socket
		// buffer pressure rather than blocking the sender.
	}
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

func (f *FakeFactory) remove(local netip.AddrPort) {
	f.mu.Lock()
	delete(f.sockets, local)
	f.mu.Unlock()
}

type fakeDatagram struct {
	payload []byte
	src     netip.AddrPort
}

type fakeSocket struct {
	factory *FakeFactory
	local   netip.AddrPort
	inbox   chan fakeDatagram
	notify  chan struct{}

	closeMu sync.Mutex
	closed  bool
}

func (s *fakeSocket) LocalAddr() netip.AddrPort { return s.local }

func (s *fakeSocket) ReadFrom(buf []byte) (int, netip.AddrPort, error) {
	select {
	case dg := <-s.inbox:
		n := copy(buf, dg.payload)
		return n, dg.src, nil
	default:
		return 0, netip.AddrPort{}, ErrWouldBlock
	}
}

func (s *fakeSocket) WriteTo(buf []byte, dst netip.AddrPort) (int, error) {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	s.factory.deliver(dst, fakeDatagram{payload: cp, src: s.local})
	return len(buf), nil
}

// FD always returns an error: a fakeSocket has no kernel descriptor, so it
// serves tests that poll ReadFrom directly rather than through eventcore's
// fd-ready path. Use NotifyChan for tests that need readiness.
func (s *fakeSocket) FD() (uintptr, error) {
	return 0, errFakeSocketHasNoFD
}

// NotifyChan returns a channel readable once whenever a new datagram has
// arrived, for tests that want to select on readiness instead of polling.
func (s *fakeSocket) NotifyChan() <-chan struct{} { return s.notify }

func (s *fakeSocket) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.factory.remove(s.local)
	return nil
}
