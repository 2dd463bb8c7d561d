// Package netio implements the socket abstraction & factory (C2, §9's
// "Dynamic dispatch over I/O" note): a thin seam over real UDP sockets,
// narrow enough that eventcore, demux, and stunclient can all be driven by
// an in-memory test double instead of a kernel fd.
//
// Grounded on bassosimone-nop's capability-interface style (connect.go's
// Dialer interface wrapped by ConnectFunc): express the seam as the
// smallest interface a caller needs, not an inheritance hierarchy.
package netio

import (
	"errors"
	"net"
	"net/netip"
)

// Socket is the capability interface the rest of the stack depends on
// instead of *net.UDPConn directly.
type Socket interface {
	// LocalAddr returns the endpoint this socket is bound to.
	LocalAddr() netip.AddrPort
	// ReadFrom reads one datagram into buf, non-blocking from the
	// caller's perspective once registered with eventcore (the fd itself
	// is what blocks/unblocks readiness).
	ReadFrom(buf []byte) (n int, src netip.AddrPort, err error)
	// WriteTo sends buf to dst.
	WriteTo(buf []byte, dst netip.AddrPort) (n int, err error)
	// FD returns the raw descriptor for eventcore fd-ready registration.
	FD() (uintptr, error)
	// Close releases the socket.
	Close() error
}

// Factory constructs Sockets. A real Factory opens kernel UDP sockets; a
// test double can hand out in-memory Sockets wired to paired channels.
type Factory interface {
	// NewUDPSocket opens a UDP socket bound to laddr (the zero AddrPort
	// means "any available local port").
	NewUDPSocket(laddr netip.AddrPort) (Socket, error)
}

// ErrWouldBlock is returned by a FakeFactory socket's ReadFrom when no
// datagram is queued. UDPFactory sockets never return it: their ReadFrom
// blocks until a datagram arrives or the socket is closed.
var ErrWouldBlock = errors.New("netio: would block")

// UDPFactory is the production Factory, backed by real kernel sockets.
type UDPFactory struct{}

// NewUDPSocket implements Factory.
func (UDPFactory) NewUDPSocket(laddr netip.AddrPort) (Socket, error) {
	conn, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(laddr))
	if err != nil {
		return nil, err
	}
	return &udpSocket{conn: conn}, nil
}

type udpSocket struct {
	conn *net.UDPConn
}

func (s *udpSocket) LocalAddr() netip.AddrPort {
	if a, ok := s.conn.LocalAddr().(*net.UDPAddr); ok {
		return a.AddrPort()
	}
	return netip.AddrPort{}
}

func (s *udpSocket) ReadFrom(buf []byte) (int, netip.AddrPort, error) {
	n, addr, err := s.conn.ReadFromUDPAddrPort(buf)
	return n, addr, err
}

func (s *udpSocket) WriteTo(buf []byte, dst netip.AddrPort) (int, error) {
	return s.conn.WriteToUDPAddrPort(buf, dst)
}

func (s *udpSocket) FD() (uintptr, error) {
	sc, err := s.conn.SyscallConn()
	if err != nil {
		return 0, err
	}
	var fd uintptr
	if err := sc.Control(func(f uintptr) { fd = f }); err != nil {
		return 0, err
	}
	return fd, nil
}

func (s *udpSocket) Close() error {
	return s.conn.Close()
}
