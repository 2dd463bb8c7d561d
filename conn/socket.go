package conn

import (
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/atp-go/atp/atpconfig"
	"github.com/atp-go/atp/atperr"
	"github.com/atp-go/atp/atplog"
	"github.com/atp-go/atp/demux"
	"github.com/atp-go/atp/eventcore"
	"github.com/atp-go/atp/netio"
	"github.com/atp-go/atp/proto"
	"github.com/atp-go/atp/signal"
	"github.com/atp-go/atp/stunclient"
)

// Socket is the per-connection state machine (C7). A Socket is either a
// root socket (created directly by a Context) or a child cloned from a
// LISTEN socket's incoming Request (§4.6's "On signalling Request at a
// LISTEN socket").
type Socket struct {
	id  uint64
	cfg *atpconfig.Config
	log atplog.Logger

	core *eventcore.Core
	dmux *demux.Demux
	udp  netio.Socket
	stun *stunclient.Client
	sig  signal.Provider

	state atomic.Uint32

	mu          sync.Mutex
	localATP    proto.Addr
	peerATP     proto.Addr
	peerIP      netip.AddrPort
	sigHandle   signal.Handle
	sigBound    bool
	sigFD       uintptr
	seqNum      uint32
	ackNum      uint32
	punchSent   int
	connectedTo proto.Addr // destination of an in-flight Connect, for matching the Response

	// LISTEN-only.
	parent     *Socket // non-owning back-reference, cleared by the parent's teardown() before it releases its own resources
	backlog    int
	incomplete map[*Socket]struct{}
	completed  []*Socket

	// Registration handles, released in reverse acquisition order by teardown().
	sigRecvID    eventcore.CallbackID
	punchTimerID eventcore.CallbackID
	keepAliveID  eventcore.CallbackID
	netRecvID    demux.CallbackID

	appConn      net.Conn
	internalConn net.Conn

	closeOnce sync.Once
}

// New constructs a CLOSED Socket sharing the given UDP socket, demux,
// STUN client and signalling provider (§3's "Shared ownership").
func New(id uint64, cfg *atpconfig.Config, logger atplog.Logger, core *eventcore.Core, dmux *demux.Demux, udp netio.Socket, stun *stunclient.Client, sig signal.Provider) *Socket {
	if logger == nil {
		logger = atplog.NoOp()
	}
	s := &Socket{
		id:   id,
		cfg:  cfg,
		log:  logger,
		core: core,
		dmux: dmux,
		udp:  udp,
		stun: stun,
		sig:  sig,
	}
	// "Keepalive runs continuously from socket creation" (§4.6).
	keepAliveID, err := core.RegisterTimer(cfg.NatKeepAliveTimeout, eventcore.FlagInvokeImmediately, s.keepAliveTick)
	if err != nil {
		s.log.Log(atplog.Entry{Level: atplog.LevelError, Category: "conn", Message: "failed to register NAT keepalive timer", Err: err, SocketID: id})
	}
	s.keepAliveID = keepAliveID
	return s
}

// State returns the socket's current state.
func (s *Socket) State() State { return State(s.state.Load()) }

func (s *Socket) setState(next State) {
	prev := State(s.state.Swap(uint32(next)))
	if prev != next {
		s.log.Log(atplog.Entry{Level: atplog.LevelInfo, Category: "conn", Message: "state transition", SocketID: s.id, Fields: map[string]any{"from": prev.String(), "to": next.String()}})
	}
}

func (s *Socket) compareAndSwapState(old, next State) bool {
	return s.state.CompareAndSwap(uint32(old), uint32(next))
}

// Bind publishes addr as this socket's signalling address, per §4.3/§6.
func (s *Socket) Bind(addr proto.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sigBound {
		return atperr.New("Bind", atperr.ALREADYSET)
	}
	h, fd, err := s.sig.Socket()
	if err != nil {
		return atperr.Wrap("Bind", atperr.SIGNALLINGPROVIDER, err)
	}
	if err := s.sig.Bind(h, addr); err != nil {
		_ = s.sig.Close(h)
		return atperr.Wrap("Bind", atperr.SIGNALLINGPROVIDER, err)
	}
	s.sigHandle = h
	s.sigFD = fd
	s.sigBound = true
	s.localATP = addr
	return nil
}

// Listen transitions a bound CLOSED socket into LISTEN, per §4.6.
func (s *Socket) Listen(backlog int) error {
	if s.State() != StateClosed {
		return atperr.New("Listen", atperr.ALREADYSET)
	}
	s.mu.Lock()
	bound := s.sigBound
	s.mu.Unlock()
	if !bound {
		return atperr.New("Listen", atperr.NOTBOUND)
	}
	if backlog < 1 || backlog > s.cfg.MaxBacklog {
		return atperr.New("Listen", atperr.INVAL)
	}

	s.mu.Lock()
	s.backlog = backlog
	s.incomplete = make(map[*Socket]struct{})
	s.completed = nil
	s.mu.Unlock()

	if err := s.registerSigRecv(); err != nil {
		return err
	}
	// "flush any queued signalling messages" (§4.6): the registration
	// above carries FlagInvokeImmediately, so sigRecvTick runs on the next
	// dispatcher tick regardless of readiness, draining anything already
	// buffered on the handle.

	s.setState(StateListen)
	return nil
}

// Accept pops one completed child connection, per §4.6. Non-blocking:
// fails with WOULDBLOCK if none is ready.
func (s *Socket) Accept() (*Socket, proto.Addr, error) {
	if s.State() != StateListen {
		return nil, proto.Addr{}, atperr.New("Accept", atperr.INVAL)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.completed) == 0 {
		return nil, proto.Addr{}, atperr.New("Accept", atperr.WOULDBLOCK)
	}
	child := s.completed[0]
	s.completed = s.completed[1:]
	return child, child.peerATP, nil
}

// Connect implements §4.6's active open. It returns once the Request
// signal has been sent (or failed); reaching PUNCH happens asynchronously
// when the peer's Response arrives.
func (s *Socket) Connect(dest proto.Addr) error {
	if !s.compareAndSwapState(StateClosed, StateClosed) {
		return atperr.New("Connect", atperr.ALREADYSET)
	}
	s.mu.Lock()
	if !s.sigBound {
		s.mu.Unlock()
		return atperr.New("Connect", atperr.NOTBOUND)
	}
	if s.connectedTo != (proto.Addr{}) {
		s.mu.Unlock()
		return atperr.New("Connect", atperr.ALREADYSET)
	}
	handle := s.sigHandle
	s.mu.Unlock()

	if err := s.registerSigRecv(); err != nil {
		return err
	}

	reflexive, ok := s.stun.GetReflexiveAddress()
	if !ok {
		_ = s.core.Delete(s.sigRecvID)
		return atperr.New("Connect", atperr.NATQUERYFAILURE)
	}

	req := proto.Signal{Flags: proto.SignalRequest, Endpoint: reflexive}
	if err := s.sig.Send(handle, req, dest); err != nil {
		_ = s.core.Delete(s.sigRecvID)
		return atperr.Wrap("Connect", atperr.SIGNALLINGPROVIDER, err)
	}

	s.mu.Lock()
	s.connectedTo = dest
	s.mu.Unlock()
	return nil
}

// SigHandle returns the signalling handle this socket bound, for a caller
// that needs to resolve its real transport address (e.g. via
// signal.UDPProvider.LocalAddr) in order to publish it to a peer.
func (s *Socket) SigHandle() signal.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sigHandle
}

// AppConn returns the application-facing stream endpoint, valid once the
// socket has reached ESTABLISHED at least once.
func (s *Socket) AppConn() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appConn
}

// registerSigRecv registers the fd-ready callback draining this socket's
// signalling handle. It's idempotent: a second call is a no-op.
func (s *Socket) registerSigRecv() error {
	s.mu.Lock()
	if s.sigRecvID != 0 {
		s.mu.Unlock()
		return nil
	}
	fd := s.sigFD
	s.mu.Unlock()

	id, err := s.core.RegisterFD(int(fd), eventcore.EventRead, eventcore.FlagInvokeImmediately, s.sigRecvTick)
	if err != nil {
		return atperr.Wrap("registerSigRecv", atperr.EVENTCORE, err)
	}
	s.mu.Lock()
	s.sigRecvID = id
	s.mu.Unlock()
	return nil
}

// Close implements the termination half from SPEC_FULL.md §4.6.
func (s *Socket) Close() error {
	var result error
	s.closeOnce.Do(func() {
		switch s.State() {
		case StateEstablished:
			s.sendCtrl(proto.CtrlFin)
			s.setState(StateFinWait1)
		case StateCloseWait:
			s.sendCtrl(proto.CtrlFin)
			s.setState(StateLastAck)
		case StateListen:
			s.teardown()
		case StatePunch, StateThru:
			// No data has flowed yet; there's nothing for the peer to
			// acknowledge, so close abruptly rather than running a FIN
			// handshake over a connection that was never ESTABLISHED.
			s.teardown()
		case StateClosed:
			// idempotent
		default:
			result = atperr.New("Close", atperr.ALREADYSET)
		}
	})
	return result
}

// teardown releases every resource this socket owns, in reverse
// acquisition order (§5's cancellation/ownership rule).
func (s *Socket) teardown() {
	s.mu.Lock()
	netRecvID := s.netRecvID
	sigRecvID := s.sigRecvID
	punchTimerID := s.punchTimerID
	keepAliveID := s.keepAliveID
	handle := s.sigHandle
	bound := s.sigBound
	parent := s.parent
	appConn := s.appConn
	internalConn := s.internalConn
	s.netRecvID = 0
	s.sigRecvID = 0
	s.punchTimerID = 0
	children := make([]*Socket, 0, len(s.incomplete)+len(s.completed))
	for child := range s.incomplete {
		children = append(children, child)
	}
	children = append(children, s.completed...)
	s.mu.Unlock()

	for _, child := range children {
		child.mu.Lock()
		child.parent = nil
		child.mu.Unlock()
	}
	if appConn != nil {
		_ = appConn.Close()
	}
	if internalConn != nil {
		_ = internalConn.Close()
	}
	if punchTimerID != 0 {
		_ = s.core.Delete(punchTimerID)
	}
	if netRecvID != 0 {
		_ = s.dmux.Delete(netRecvID)
	}
	if sigRecvID != 0 {
		_ = s.core.Delete(sigRecvID)
	}
	if bound {
		_ = s.sig.Close(handle)
	}
	if keepAliveID != 0 {
		_ = s.core.Delete(keepAliveID)
	}
	if parent != nil {
		parent.removeIncomplete(s)
	}
	s.setState(StateClosed)
}

func (s *Socket) removeIncomplete(child *Socket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.incomplete, child)
}
