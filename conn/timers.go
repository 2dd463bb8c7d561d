package conn

import (
	"time"

	"github.com/atp-go/atp/atplog"
	"github.com/atp-go/atp/eventcore"
	"github.com/atp-go/atp/proto"
)

// punchTick drives PUNCH/THRU retransmission for the establishment
// handshake. It stops counting once the socket has left the punching phase
// (Design Note (i): the counter predicate is state != PUNCH && state !=
// THRU, not merely "!= PUNCH" as a literal reading of the upstream pseudo
// code might suggest, since a socket legitimately spends time in THRU
// before reaching ESTABLISHED and must not be timed out from under it).
func (s *Socket) punchTick() time.Duration {
	state := s.State()
	if state != StatePunch && state != StateThru {
		return eventcore.NoRearm
	}

	s.mu.Lock()
	s.punchSent++
	sent := s.punchSent
	s.mu.Unlock()

	if time.Duration(sent)*s.cfg.PunchInterval > s.cfg.PunchTimeout {
		s.log.Log(atplog.Entry{Level: atplog.LevelWarn, Category: "conn", Message: "punch timeout", SocketID: s.id})
		s.teardown()
		return eventcore.NoRearm
	}

	ctrl := proto.CtrlPunch
	if state == StateThru {
		ctrl = proto.CtrlThru
	}
	if err := s.sendCtrl(ctrl); err != nil {
		s.log.Log(atplog.Entry{Level: atplog.LevelWarn, Category: "conn", Message: "punch send failed", Err: err, SocketID: s.id})
	}
	return s.cfg.PunchInterval
}

// keepAliveTick sends a NAT keepalive datagram via the shared STUN client
// (§4.6: "runs continuously from socket creation... never suppressed").
// A send failure is logged and the timer still re-arms; only teardown()
// stops it.
func (s *Socket) keepAliveTick() time.Duration {
	if err := s.stun.NatKeepAliveSend(); err != nil {
		s.log.Log(atplog.Entry{Level: atplog.LevelWarn, Category: "conn", Message: "NAT keepalive send failed", Err: err, SocketID: s.id})
	}
	return s.cfg.NatKeepAliveTimeout
}
