package conn

import (
	"net"
	"net/netip"
	"time"

	"github.com/atp-go/atp/atperr"
	"github.com/atp-go/atp/atplog"
	"github.com/atp-go/atp/eventcore"
	"github.com/atp-go/atp/proto"
)

// onNetworkDatagram is the demux callback for this socket's peer endpoint.
// It implements the network-datagram half of §4.6's state table: every ATP
// control segment this socket can legally receive in each state, plus the
// termination states SPEC_FULL.md adds. Malformed or out-of-state
// datagrams are dropped with a warning, never promoted to an error, per
// §7's "never crash the dispatcher on peer input" rule.
func (s *Socket) onNetworkDatagram(src netip.AddrPort, raw []byte) {
	h, payload, err := proto.Decode(raw)
	if err != nil {
		s.log.Log(atplog.Entry{Level: atplog.LevelWarn, Category: "conn", Message: "malformed datagram", Err: err, SocketID: s.id})
		return
	}

	switch s.State() {
	case StatePunch:
		s.onDatagramPunch(h, payload, src)
	case StateThru:
		s.onDatagramThru(h, payload, src)
	case StateEstablished:
		s.onDatagramEstablished(h, payload)
	case StateFinWait1:
		s.onDatagramFinWait1(h)
	case StateFinWait2:
		s.onDatagramFinWait2(h)
	case StateCloseWait:
		s.onDatagramCloseWait(h)
	case StateLastAck:
		s.onDatagramLastAck(h)
	case StateClosing:
		s.onDatagramClosing(h)
	default:
		s.log.Log(atplog.Entry{Level: atplog.LevelWarn, Category: "conn", Message: "stray datagram for socket state", SocketID: s.id, Fields: map[string]any{"state": s.State().String(), "ctrl": h.Ctrl.String()}})
	}
}

// onDatagramPunch handles the hole-punching phase: a PUNCH from the peer
// confirms their side has a path out and moves this socket to THRU (sending
// its own THRU), a THRU confirms direct reachability and completes the
// handshake immediately (§4.6).
func (s *Socket) onDatagramPunch(h proto.Header, _ []byte, src netip.AddrPort) {
	switch {
	case h.Ctrl.Has(proto.CtrlThru):
		s.mu.Lock()
		s.peerIP = src
		s.mu.Unlock()
		s.setState(StateThru)
		_ = s.sendCtrl(proto.CtrlThru)
		s.establish()
	case h.Ctrl.Has(proto.CtrlPunch):
		// The peer's datagrams reach us: move to THRU and tell the peer so.
		// punchTick keeps retransmitting THRU until ESTABLISHED.
		s.mu.Lock()
		s.peerIP = src
		s.mu.Unlock()
		s.setState(StateThru)
		_ = s.sendCtrl(proto.CtrlThru)
	default:
		s.log.Log(atplog.Entry{Level: atplog.LevelWarn, Category: "conn", Message: "unexpected control bits in PUNCH", SocketID: s.id, Fields: map[string]any{"ctrl": h.Ctrl.String()}})
	}
}

// onDatagramThru handles the brief window after sending our own THRU but
// before the peer's matching THRU or first data segment has arrived.
func (s *Socket) onDatagramThru(h proto.Header, _ []byte, src netip.AddrPort) {
	if h.Ctrl.Has(proto.CtrlThru) || h.Ctrl.Has(proto.CtrlData) {
		s.mu.Lock()
		s.peerIP = src
		s.mu.Unlock()
		s.establish()
		return
	}
	s.log.Log(atplog.Entry{Level: atplog.LevelWarn, Category: "conn", Message: "unexpected control bits in THRU", SocketID: s.id, Fields: map[string]any{"ctrl": h.Ctrl.String()}})
}

func (s *Socket) onDatagramEstablished(h proto.Header, payload []byte) {
	switch {
	case h.Ctrl.Has(proto.CtrlFin):
		s.onFinReceived()
	case h.Ctrl.Has(proto.CtrlData):
		s.mu.Lock()
		s.ackNum = h.SeqNum + uint32(len(payload))
		conn := s.internalConn
		s.mu.Unlock()
		if conn != nil && len(payload) > 0 {
			_, _ = conn.Write(payload)
		}
	case h.Ctrl.Has(proto.CtrlKpalive), h.Ctrl.Has(proto.CtrlAck):
		// No application-visible effect; the header itself is the keepalive.
	default:
		s.log.Log(atplog.Entry{Level: atplog.LevelWarn, Category: "conn", Message: "stray datagram while ESTABLISHED", SocketID: s.id, Fields: map[string]any{"ctrl": h.Ctrl.String()}})
	}
}

// onDatagramFinWait1 handles both the ordinary close (peer ACKs our FIN)
// and simultaneous close (peer's own FIN crosses ours), per SPEC_FULL.md's
// termination half.
func (s *Socket) onDatagramFinWait1(h proto.Header) {
	switch {
	case h.Ctrl.Has(proto.CtrlFin) && h.Ctrl.Has(proto.CtrlAck):
		s.enterTimeWait()
	case h.Ctrl.Has(proto.CtrlAck):
		s.setState(StateFinWait2)
	case h.Ctrl.Has(proto.CtrlFin):
		_ = s.sendCtrl(proto.CtrlAck)
		s.setState(StateClosing)
	default:
		s.log.Log(atplog.Entry{Level: atplog.LevelWarn, Category: "conn", Message: "stray datagram while FIN_WAIT_1", SocketID: s.id})
	}
}

func (s *Socket) onDatagramFinWait2(h proto.Header) {
	if h.Ctrl.Has(proto.CtrlFin) {
		_ = s.sendCtrl(proto.CtrlAck)
		s.enterTimeWait()
		return
	}
	s.log.Log(atplog.Entry{Level: atplog.LevelWarn, Category: "conn", Message: "stray datagram while FIN_WAIT_2", SocketID: s.id})
}

func (s *Socket) onDatagramCloseWait(h proto.Header) {
	// The app already saw EOF on entry to CLOSE_WAIT; nothing more to do
	// here besides ignore retransmitted FINs until our own Close() fires.
	if h.Ctrl.Has(proto.CtrlFin) {
		_ = s.sendCtrl(proto.CtrlAck)
	}
}

func (s *Socket) onDatagramLastAck(h proto.Header) {
	if h.Ctrl.Has(proto.CtrlAck) {
		s.teardown()
		return
	}
	s.log.Log(atplog.Entry{Level: atplog.LevelWarn, Category: "conn", Message: "stray datagram while LAST_ACK", SocketID: s.id})
}

func (s *Socket) onDatagramClosing(h proto.Header) {
	if h.Ctrl.Has(proto.CtrlAck) {
		s.enterTimeWait()
		return
	}
	s.log.Log(atplog.Entry{Level: atplog.LevelWarn, Category: "conn", Message: "stray datagram while CLOSING", SocketID: s.id})
}

// enterTimeWait arms the TIME_WAIT hold before final teardown.
func (s *Socket) enterTimeWait() {
	s.setState(StateTimeWait)
	if _, err := s.core.RegisterTimer(s.cfg.TimeWaitDuration, 0, s.timeWaitExpire); err != nil {
		s.log.Log(atplog.Entry{Level: atplog.LevelWarn, Category: "conn", Message: "failed to arm TIME_WAIT timer", Err: err, SocketID: s.id})
		s.teardown()
	}
}

func (s *Socket) timeWaitExpire() time.Duration {
	s.teardown()
	return eventcore.NoRearm
}

// sendCtrl encodes and sends a bare control segment (no payload) carrying
// this socket's current sequence/ack numbers, per §4.5.
func (s *Socket) sendCtrl(ctrl proto.Ctrl) error {
	s.mu.Lock()
	h := proto.Header{SeqNum: s.seqNum, AckNum: s.ackNum, Ctrl: ctrl, Window: uint16(s.cfg.ConstantWindow)}
	peerIP := s.peerIP
	s.mu.Unlock()

	buf, err := proto.Encode(h, nil)
	if err != nil {
		return atperr.Wrap("sendCtrl", atperr.INVAL, err)
	}
	if _, err := s.udp.WriteTo(buf, peerIP); err != nil {
		s.log.Log(atplog.Entry{Level: atplog.LevelWarn, Category: "conn", Message: "failed to send control segment", Err: err, SocketID: s.id, Fields: map[string]any{"ctrl": ctrl.String()}})
		return atperr.Wrap("sendCtrl", atperr.EVENTCORE, err)
	}
	return nil
}

// establish transitions into ESTABLISHED, wires up the application-facing
// net.Pipe() half (§4.6: "an application-facing channel endpoint and its
// paired internal endpoint"), and, for a child socket, hands it to the
// parent's Accept() backlog.
func (s *Socket) establish() {
	if s.State() == StateEstablished {
		return
	}
	appConn, internalConn := net.Pipe()
	s.mu.Lock()
	s.appConn = appConn
	s.internalConn = internalConn
	parent := s.parent
	s.mu.Unlock()

	s.setState(StateEstablished)
	go s.pumpOutbound()

	if parent != nil {
		parent.onChildEstablished(s)
	}
}

// pumpOutbound carries application writes from the internal pipe endpoint
// onto the wire as DATA segments. It runs for the lifetime of the
// ESTABLISHED connection, exiting once teardown() closes internalConn.
func (s *Socket) pumpOutbound() {
	buf := make([]byte, proto.MaxPayload)
	for {
		s.mu.Lock()
		internalConn := s.internalConn
		s.mu.Unlock()
		if internalConn == nil {
			return
		}

		n, err := internalConn.Read(buf)
		if n > 0 {
			s.mu.Lock()
			h := proto.Header{SeqNum: s.seqNum, AckNum: s.ackNum, Ctrl: proto.CtrlData, Window: uint16(s.cfg.ConstantWindow)}
			s.seqNum += uint32(n)
			peerIP := s.peerIP
			s.mu.Unlock()

			if encoded, encErr := proto.Encode(h, buf[:n]); encErr == nil {
				if _, werr := s.udp.WriteTo(encoded, peerIP); werr != nil {
					s.log.Log(atplog.Entry{Level: atplog.LevelWarn, Category: "conn", Message: "failed to send data segment", Err: werr, SocketID: s.id})
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// onFinReceived implements the passive-close entry point: CLOSE_WAIT, and
// surfacing EOF to the application side by closing the internal pipe end.
func (s *Socket) onFinReceived() {
	s.mu.Lock()
	internalConn := s.internalConn
	s.mu.Unlock()

	s.setState(StateCloseWait)
	_ = s.sendCtrl(proto.CtrlAck)
	if internalConn != nil {
		_ = internalConn.Close()
	}
}

// onChildEstablished moves a child socket from the incomplete set to the
// completed queue an Accept() call can pop from (§4.6).
func (s *Socket) onChildEstablished(child *Socket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.incomplete, child)
	s.completed = append(s.completed, child)
}
