package signal

import (
	"net"
	"os"
	"sync"

	"github.com/atp-go/atp/atplog"
	"github.com/atp-go/atp/proto"
)

// UDPProvider is a reference Provider carrying the 12-byte Signal envelope
// over UDP, suitable for same-host integration tests and for a rendezvous
// server reachable by both peers. Destination ATP addresses are resolved
// via their Hostname/Service strings as a literal "host:port" pair, which
// is sufficient for test doubles and small deployments; production
// deployments needing directory lookup or a relay should implement
// Provider directly against their own rendezvous transport.
//
// Readiness is modelled as a self-pipe (os.Pipe), not a platform eventfd:
// grounded on eventloop/wakeup_linux.go's createWakeFd/drainWakeUpPipe
// pair, but using the portable os.Pipe primitive so one implementation
// covers every GOOS instead of three build-tagged ones, since a
// signalling socket's readiness fd only needs to wake eventcore's poller,
// not match the dispatcher's own low-latency wake-up budget.
type UDPProvider struct {
	log atplog.Logger

	mu       sync.Mutex
	sockets  map[Handle]*udpSocket
	bound    map[proto.Addr]Handle
	nextSock uint64
}

type udpSocket struct {
	conn  *net.UDPConn
	addr  proto.Addr
	bound bool

	wakeRead  *os.File
	wakeWrite *os.File

	mu     sync.Mutex
	queue  []queuedSignal
	closed bool
}

type queuedSignal struct {
	sig    proto.Signal
	source proto.Addr
}

// NewUDPProvider constructs an empty UDPProvider. Pass atplog.NoOp() for
// logger if no logging is wanted.
func NewUDPProvider(logger atplog.Logger) *UDPProvider {
	if logger == nil {
		logger = atplog.NoOp()
	}
	return &UDPProvider{
		log:     logger,
		sockets: make(map[Handle]*udpSocket),
		bound:   make(map[proto.Addr]Handle),
	}
}

// Socket implements Provider. It opens an ephemeral UDP socket immediately
// (so a readiness fd exists before Bind) and starts its receive loop.
func (p *UDPProvider) Socket() (Handle, uintptr, error) {
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return 0, 0, err
	}
	r, w, err := os.Pipe()
	if err != nil {
		_ = conn.Close()
		return 0, 0, err
	}

	sock := &udpSocket{conn: conn, wakeRead: r, wakeWrite: w}

	p.mu.Lock()
	p.nextSock++
	h := Handle(p.nextSock)
	p.sockets[h] = sock
	p.mu.Unlock()

	go p.recvLoop(h, sock)

	fd, err := r.SyscallConn()
	if err != nil {
		_ = p.Close(h)
		return 0, 0, err
	}
	var rawFD uintptr
	_ = fd.Control(func(f uintptr) { rawFD = f })

	return h, rawFD, nil
}

func (p *UDPProvider) recvLoop(h Handle, sock *udpSocket) {
	buf := make([]byte, proto.SignalLen)
	for {
		n, peer, err := sock.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if n != proto.SignalLen {
			p.log.Log(atplog.Entry{Level: atplog.LevelWarn, Category: "signal", Message: "dropped undersized datagram"})
			continue
		}
		sig, err := proto.DecodeSignal(buf[:n])
		if err != nil {
			p.log.Log(atplog.Entry{Level: atplog.LevelWarn, Category: "signal", Message: "dropped malformed signal", Err: err})
			continue
		}
		source := proto.NewAddr(proto.AddrFamilyIPv4, peer.IP.String(), portString(peer.Port))

		sock.mu.Lock()
		if sock.closed {
			sock.mu.Unlock()
			return
		}
		sock.queue = append(sock.queue, queuedSignal{sig: sig, source: source})
		sock.mu.Unlock()

		_, _ = sock.wakeWrite.Write([]byte{1})
	}
}

// Bind implements Provider.
func (p *UDPProvider) Bind(h Handle, addr proto.Addr) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	sock, ok := p.sockets[h]
	if !ok {
		return ErrUnknownHandle
	}
	if sock.bound {
		return ErrAlreadyBound
	}
	if owner, exists := p.bound[addr]; exists && owner != h {
		return ErrAddrInUse
	}
	sock.addr = addr
	sock.bound = true
	p.bound[addr] = h
	return nil
}

// Send implements Provider.
func (p *UDPProvider) Send(h Handle, s proto.Signal, dest proto.Addr) error {
	p.mu.Lock()
	sock, ok := p.sockets[h]
	p.mu.Unlock()
	if !ok {
		return ErrUnknownHandle
	}
	if !sock.bound {
		return ErrNotBound
	}

	buf, err := proto.EncodeSignal(s)
	if err != nil {
		return err
	}
	destAddr, err := net.ResolveUDPAddr("udp4", dest.HostnameString()+":"+dest.ServiceString())
	if err != nil {
		return err
	}
	_, err = sock.conn.WriteToUDP(buf, destAddr)
	return err
}

// Recv implements Provider.
func (p *UDPProvider) Recv(h Handle) (proto.Signal, proto.Addr, error) {
	p.mu.Lock()
	sock, ok := p.sockets[h]
	p.mu.Unlock()
	if !ok {
		return proto.Signal{}, proto.Addr{}, ErrUnknownHandle
	}
	if !sock.bound {
		return proto.Signal{}, proto.Addr{}, ErrNotBound
	}

	sock.mu.Lock()
	defer sock.mu.Unlock()
	if len(sock.queue) == 0 {
		return proto.Signal{}, proto.Addr{}, ErrWouldBlock
	}
	next := sock.queue[0]
	sock.queue = sock.queue[1:]

	// Drain one readiness byte per dequeue so the fd stops reading ready
	// once the queue empties; a concurrent recvLoop write may still leave
	// the fd readable for the next Recv, which is correct (level-trigger).
	var drop [1]byte
	_, _ = sock.wakeRead.Read(drop[:])

	return next.sig, next.source, nil
}

// Close implements Provider.
func (p *UDPProvider) Close(h Handle) error {
	p.mu.Lock()
	sock, ok := p.sockets[h]
	if ok {
		delete(p.sockets, h)
		if sock.bound {
			delete(p.bound, sock.addr)
		}
	}
	p.mu.Unlock()
	if !ok {
		return ErrUnknownHandle
	}

	sock.mu.Lock()
	sock.closed = true
	sock.mu.Unlock()

	_ = sock.conn.Close()
	_ = sock.wakeRead.Close()
	_ = sock.wakeWrite.Close()
	return nil
}

// LocalAddr reports the real ephemeral UDP endpoint a handle's Socket()
// call landed on. Socket() never lets a caller choose a port, so anything
// publishing h's ATP address to a peer (directly, or via a directory
// service) needs this to learn what port was actually picked.
func (p *UDPProvider) LocalAddr(h Handle) (proto.Addr, error) {
	p.mu.Lock()
	sock, ok := p.sockets[h]
	p.mu.Unlock()
	if !ok {
		return proto.Addr{}, ErrUnknownHandle
	}
	udpAddr, ok := sock.conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return proto.Addr{}, ErrUnknownHandle
	}
	return proto.NewAddr(proto.AddrFamilyIPv4, udpAddr.IP.String(), portString(udpAddr.Port)), nil
}

func portString(p int) string {
	const digits = "0123456789"
	if p == 0 {
		return "0"
	}
	var buf [5]byte
	i := len(buf)
	for p > 0 {
		i--
		buf[i] = digits[p%10]
		p /= 10
	}
	return string(buf[i:])
}
