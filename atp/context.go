// Package atp is the Context/multiplexor (C8, §4.7): the process-facing
// entry point. A Context owns the dispatcher goroutine and the resources a
// LISTEN socket and its children share (§3) — one eventcore.Core, one
// demux.Demux, one shared UDP socket, one stunclient.Client, one
// signal.Provider — and holds the socket table mapping an application
// Handle to the owning conn.Socket.
//
// Bind, Listen, Accept, Connect, Close, Shutdown and the socket-creation
// step of Socket are thin wrappers that marshal onto the dispatcher via
// eventcore.Core.Submit and block on a result channel (§5's NEW concurrency
// note), mirroring eventloop.Loop.Promisify's bridge from a synchronous
// caller to loop-thread execution, minus the Promise/A+ machinery. Socket's
// STUN query, AppConn, SignalAddr and LocalReflexiveAddr run on the
// caller's goroutine.
package atp

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/atp-go/atp/atpconfig"
	"github.com/atp-go/atp/atperr"
	"github.com/atp-go/atp/atplog"
	"github.com/atp-go/atp/conn"
	"github.com/atp-go/atp/demux"
	"github.com/atp-go/atp/eventcore"
	"github.com/atp-go/atp/netio"
	"github.com/atp-go/atp/proto"
	"github.com/atp-go/atp/signal"
	"github.com/atp-go/atp/stunclient"
)

// Addr is the fixed-size ATP address (§3's "ATP address representation").
type Addr = proto.Addr

// NewAddr constructs an Addr from a hostname and service string.
func NewAddr(hostname, service string) Addr {
	return proto.NewAddr(proto.AddrFamilyIPv4, hostname, service)
}

// Handle is the application-visible identifier for a live socket.
type Handle uint64

// Domain, Type and Protocol are the only values Socket accepts; anything
// else fails with AFNOSUPPORT/PROTONOSUPPORT (§4.7).
const (
	AF_INET      = 1
	SOCK_STREAM  = 1
	IPPROTO_ATP  = 1
)

// Context holds the socket table and owns the shared runtime resources.
// Construct with NewContext; call Shutdown to stop the dispatcher and
// release every socket.
type Context struct {
	cfg  *atpconfig.Config
	log  atplog.Logger
	core *eventcore.Core
	dmux *demux.Demux
	udp  netio.Socket
	stun *stunclient.Client
	sig  signal.Provider

	fdID eventcore.CallbackID

	mu         sync.Mutex
	sockets    map[Handle]*conn.Socket
	nextHandle uint64
	closed     bool
}

// NewContext constructs a Context, wiring the shared eventcore.Core,
// demux.Demux, UDP socket, STUN client and signalling provider, then
// starts the dispatcher goroutine (§4.7: "Creates the event-loop thread on
// construction"). The STUN client's reflexive address is *not* queried
// here: it's queried (or reused) the first time Socket is called, since
// NATQUERYFAILURE/NATDEPENDENT are part of Socket's error set, not
// NewContext's.
func NewContext(opts ...atpconfig.Option) (*Context, error) {
	cfg := atpconfig.New(opts...)

	core, err := eventcore.New(cfg.Logger)
	if err != nil {
		return nil, atperr.Wrap("NewContext", atperr.EVENTCORE, err)
	}

	udpSock, err := netio.UDPFactory{}.NewUDPSocket(cfg.ListenAddr)
	if err != nil {
		core.Shutdown()
		return nil, atperr.Wrap("NewContext", atperr.EVENTCORE, err)
	}

	dmux := demux.New()
	stun := stunclient.New(cfg.Logger, cfg, udpSock, cfg.StunServers)
	sig := signal.NewUDPProvider(cfg.Logger)

	c := &Context{
		cfg:     cfg,
		log:     cfg.Logger,
		core:    core,
		dmux:    dmux,
		udp:     udpSock,
		stun:    stun,
		sig:     sig,
		sockets: make(map[Handle]*conn.Socket),
	}

	fd, err := udpSock.FD()
	if err != nil {
		_ = udpSock.Close()
		core.Shutdown()
		return nil, atperr.Wrap("NewContext", atperr.EVENTCORE, err)
	}
	fdID, err := core.RegisterFD(int(fd), eventcore.EventRead, eventcore.FlagInvokeImmediately, c.onUDPReadable)
	if err != nil {
		_ = udpSock.Close()
		core.Shutdown()
		return nil, atperr.Wrap("NewContext", atperr.EVENTCORE, err)
	}
	c.fdID = fdID

	go func() {
		if err := core.Run(); err != nil {
			c.log.Log(atplog.Entry{Level: atplog.LevelError, Category: "context", Message: "dispatcher exited", Err: err})
		}
	}()

	return c, nil
}

// onUDPReadable reads one datagram from the shared UDP socket per readiness
// event, routing it to the STUN client (if it's a STUN message) or the demux
// (if it's an ATP datagram), per §4.4's "one UDP socket, many logical peers"
// model. The kernel socket's ReadFrom blocks when nothing is queued, so an
// invocation without EventRead (the registration's immediate first call)
// reads nothing.
func (c *Context) onUDPReadable(events eventcore.IOEvents) time.Duration {
	if events&eventcore.EventRead == 0 {
		return eventcore.NoRearm
	}
	buf := make([]byte, 2048)
	n, src, err := c.udp.ReadFrom(buf)
	if err != nil {
		return eventcore.NoRearm
	}
	datagram := buf[:n]
	if c.stun.HandleDatagram(src, datagram) {
		return eventcore.NoRearm
	}
	if proto.IsATPDatagram(datagram) {
		if !c.dmux.Dispatch(src, datagram) {
			c.log.Log(atplog.Entry{Level: atplog.LevelDebug, Category: "context", Message: "no socket registered for source", Fields: map[string]any{"src": src.String()}})
		}
		return eventcore.NoRearm
	}
	c.log.Log(atplog.Entry{Level: atplog.LevelWarn, Category: "context", Message: "dropped unrecognised datagram", Fields: map[string]any{"src": src.String(), "len": n}})
	return eventcore.NoRearm
}

// submit runs fn on the dispatcher goroutine and blocks for its result,
// per §5's NEW concurrency note.
func (c *Context) submit(fn func() error) error {
	done := make(chan error, 1)
	if err := c.core.Submit(func() { done <- fn() }); err != nil {
		return atperr.Wrap("submit", atperr.EVENTCORE, err)
	}
	return <-done
}

// Socket validates domain/type/protocol, enforces MaxSocketCount, ensures
// the Context's shared STUN client has a reflexive address (querying once,
// lazily, on first use), and creates a new CLOSED socket, per §4.7/§6.
func (c *Context) Socket(domain, typ, protocol int) (Handle, error) {
	if domain != AF_INET {
		return 0, atperr.New("Socket", atperr.AFNOSUPPORT)
	}
	if typ != SOCK_STREAM || protocol != IPPROTO_ATP {
		return 0, atperr.New("Socket", atperr.PROTONOSUPPORT)
	}

	c.mu.Lock()
	closed := c.closed
	full := len(c.sockets) >= c.cfg.MaxSocketCount
	c.mu.Unlock()
	if closed {
		return 0, atperr.New("Socket", atperr.BADFD)
	}
	if full {
		return 0, atperr.New("Socket", atperr.MAXSOCKETS)
	}

	// QueryAllServers blocks the calling goroutine until every server has
	// answered or the backoff schedule is exhausted; it must NOT run via
	// c.submit, since the responses that unblock it only arrive through
	// onUDPReadable, which runs on the dispatcher goroutine itself — doing
	// both on the same goroutine would deadlock. stunclient.Client's own
	// locking is what makes calling it concurrently with the dispatcher
	// safe (§4.2).
	if _, ok := c.stun.GetReflexiveAddress(); !ok {
		if qerr := c.stun.QueryAllServers(context.Background()); qerr != nil {
			return 0, atperr.Wrap("Socket", atperr.NATQUERYFAILURE, qerr)
		}
		if _, ok := c.stun.GetReflexiveAddress(); !ok {
			return 0, atperr.New("Socket", atperr.NATQUERYFAILURE)
		}
	}
	if c.stun.GetNatType() == stunclient.VerdictDependent {
		return 0, atperr.New("Socket", atperr.NATDEPENDENT)
	}

	var handle Handle
	err := c.submit(func() error {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return atperr.New("Socket", atperr.BADFD)
		}
		if len(c.sockets) >= c.cfg.MaxSocketCount {
			c.mu.Unlock()
			return atperr.New("Socket", atperr.MAXSOCKETS)
		}
		c.nextHandle++
		h := Handle(c.nextHandle)
		sock := conn.New(uint64(h), c.cfg, c.log, c.core, c.dmux, c.udp, c.stun, c.sig)
		c.sockets[h] = sock
		c.mu.Unlock()
		handle = h
		return nil
	})
	if err != nil {
		return 0, err
	}
	return handle, nil
}

func (c *Context) lookup(h Handle) (*conn.Socket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sock, ok := c.sockets[h]
	if !ok {
		return nil, atperr.New("lookup", atperr.BADFD)
	}
	return sock, nil
}

// SignalAddr reports the real transport address h's signalling handle is
// bound to. Socket() never lets a caller pick a port, so the addr passed
// to Bind may not match the real one the underlying signal.Provider
// allocated; a caller publishing h's address to a peer (directly, or via a
// directory service) needs this, not the Bind argument, to be reachable.
func (c *Context) SignalAddr(h Handle) (Addr, error) {
	sock, err := c.lookup(h)
	if err != nil {
		return Addr{}, err
	}
	type localAddrProvider interface {
		LocalAddr(signal.Handle) (proto.Addr, error)
	}
	p, ok := c.sig.(localAddrProvider)
	if !ok {
		return Addr{}, atperr.New("SignalAddr", atperr.SIGNALLINGPROVIDER)
	}
	return p.LocalAddr(sock.SigHandle())
}

// Bind implements §6's Bind(handle, atp_addr).
func (c *Context) Bind(h Handle, addr Addr) error {
	sock, err := c.lookup(h)
	if err != nil {
		return err
	}
	return c.submit(func() error { return sock.Bind(addr) })
}

// Listen implements §6's Listen(handle, backlog).
func (c *Context) Listen(h Handle, backlog int) error {
	sock, err := c.lookup(h)
	if err != nil {
		return err
	}
	return c.submit(func() error { return sock.Listen(backlog) })
}

// Accept implements §6's Accept(handle, out_addr). The accepted child is
// registered under a new Handle in this same Context's table (§4.6:
// "ownership of that socket is transferred to the caller's context").
func (c *Context) Accept(h Handle) (Handle, Addr, error) {
	sock, err := c.lookup(h)
	if err != nil {
		return 0, Addr{}, err
	}

	var (
		child    *conn.Socket
		peerAddr Addr
		childH   Handle
	)
	err = c.submit(func() error {
		var aerr error
		child, peerAddr, aerr = sock.Accept()
		if aerr != nil {
			return aerr
		}
		c.mu.Lock()
		c.nextHandle++
		childH = Handle(c.nextHandle)
		c.sockets[childH] = child
		c.mu.Unlock()
		return nil
	})
	if err != nil {
		return 0, Addr{}, err
	}
	return childH, peerAddr, nil
}

// Connect implements §6's Connect(handle, atp_addr).
func (c *Context) Connect(h Handle, dest Addr) error {
	sock, err := c.lookup(h)
	if err != nil {
		return err
	}
	return c.submit(func() error { return sock.Connect(dest) })
}

// AppConn returns the application-facing net.Conn for a socket that has
// reached ESTABLISHED at least once. Reading/writing the returned net.Conn
// is how application data actually flows (§4.6); it needs no dispatcher
// marshaling since net.Pipe's own synchronization is sufficient.
func (c *Context) AppConn(h Handle) (net.Conn, error) {
	sock, err := c.lookup(h)
	if err != nil {
		return nil, err
	}
	if appConn := sock.AppConn(); appConn != nil {
		return appConn, nil
	}
	return nil, atperr.New("AppConn", atperr.INVAL)
}

// Close implements socket teardown, removing h from the table. It does not
// stop the Context's dispatcher; call Shutdown for that.
func (c *Context) Close(h Handle) error {
	sock, err := c.lookup(h)
	if err != nil {
		return err
	}
	err = c.submit(func() error { return sock.Close() })
	c.mu.Lock()
	delete(c.sockets, h)
	c.mu.Unlock()
	return err
}

// Shutdown tears down every live socket, stops the dispatcher goroutine,
// and releases the shared UDP socket. It's the explicit stop §5 calls for
// ("specify explicit start/stop rather than relying on implicit
// shutdown").
func (c *Context) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sockets := make([]*conn.Socket, 0, len(c.sockets))
	for _, s := range c.sockets {
		sockets = append(sockets, s)
	}
	c.sockets = nil
	c.mu.Unlock()

	_ = c.submit(func() error {
		for _, s := range sockets {
			_ = s.Close()
		}
		return nil
	})

	c.core.Shutdown()
	_ = c.udp.Close()
}

// LocalReflexiveAddr reports this Context's shared reflexive endpoint, if
// STUN discovery has completed.
func (c *Context) LocalReflexiveAddr() (netip.AddrPort, bool) {
	return c.stun.GetReflexiveAddress()
}
