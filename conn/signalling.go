package conn

import (
	"errors"
	"time"

	"github.com/atp-go/atp/atplog"
	"github.com/atp-go/atp/eventcore"
	"github.com/atp-go/atp/proto"
	"github.com/atp-go/atp/signal"
)

// sigRecvTick drains every buffered signal on this socket's handle. It's
// registered as a fd-ready eventcore callback (with FlagInvokeImmediately
// so a LISTEN socket also picks up anything already queued).
func (s *Socket) sigRecvTick(eventcore.IOEvents) time.Duration {
	for {
		handle := s.currentSigHandle()
		sig, src, err := s.sig.Recv(handle)
		if errors.Is(err, signal.ErrWouldBlock) {
			return eventcore.NoRearm
		}
		if err != nil {
			s.log.Log(atplog.Entry{Level: atplog.LevelWarn, Category: "conn", Message: "signalling recv failed", Err: err, SocketID: s.id})
			return eventcore.NoRearm
		}
		s.handleSignal(sig, src)
	}
}

func (s *Socket) currentSigHandle() signal.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sigHandle
}

// handleSignal dispatches an inbound Signal per §4.6. A signal that
// doesn't match the current state/role is dropped with a warning, never
// promoted to an error (§7's propagation policy, applied uniformly to
// signalling as well as network datagrams).
func (s *Socket) handleSignal(sig proto.Signal, src proto.Addr) {
	switch {
	case sig.Flags == proto.SignalRequest && s.State() == StateListen:
		s.onRequest(sig, src)
	case sig.Flags == proto.SignalResponse && s.isAwaitingResponseFrom(src):
		s.onResponse(sig, src)
	default:
		s.log.Log(atplog.Entry{Level: atplog.LevelWarn, Category: "conn", Message: "unexpected signal for socket state", SocketID: s.id, Fields: map[string]any{"state": s.State().String(), "flags": sig.Flags}})
	}
}

func (s *Socket) isAwaitingResponseFrom(src proto.Addr) bool {
	if s.State() != StateClosed {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedTo != (proto.Addr{}) && s.connectedTo == src
}

// onRequest implements "On signalling Request at a LISTEN socket" (§4.6):
// clone a child in PUNCH, or drop with a warning if the backlog is full.
func (s *Socket) onRequest(sig proto.Signal, src proto.Addr) {
	s.mu.Lock()
	full := len(s.incomplete)+len(s.completed) >= s.backlog
	s.mu.Unlock()
	if full {
		s.log.Log(atplog.Entry{Level: atplog.LevelWarn, Category: "conn", Message: "backlog full, dropping Request", SocketID: s.id})
		return
	}

	reflexive, _ := s.stun.GetReflexiveAddress()
	resp := proto.Signal{Flags: proto.SignalResponse, Endpoint: reflexive}
	if err := s.sig.Send(s.currentSigHandle(), resp, src); err != nil {
		s.log.Log(atplog.Entry{Level: atplog.LevelWarn, Category: "conn", Message: "failed to send Response", Err: err, SocketID: s.id})
		return
	}

	child := New(nextChildID(), s.cfg, s.log, s.core, s.dmux, s.udp, s.stun, s.sig)
	child.parent = s
	child.peerATP = src
	child.peerIP = sig.Endpoint

	netRecvID, err := s.dmux.RegisterEndpoint(sig.Endpoint, child.onNetworkDatagram)
	if err != nil {
		s.log.Log(atplog.Entry{Level: atplog.LevelWarn, Category: "conn", Message: "failed to register child demux callback", Err: err, SocketID: s.id})
		child.teardown()
		return
	}
	child.netRecvID = netRecvID

	punchTimerID, err := s.core.RegisterTimer(s.cfg.PunchInterval, eventcore.FlagInvokeImmediately, child.punchTick)
	if err != nil {
		s.log.Log(atplog.Entry{Level: atplog.LevelWarn, Category: "conn", Message: "failed to register child punch timer", Err: err, SocketID: s.id})
		child.teardown()
		return
	}
	child.punchTimerID = punchTimerID

	child.setState(StatePunch)

	s.mu.Lock()
	s.incomplete[child] = struct{}{}
	s.mu.Unlock()
}

// onResponse implements the second half of Active open (§4.6): record the
// peer's endpoint, arm the punch timer and demux callback, enter PUNCH.
func (s *Socket) onResponse(sig proto.Signal, src proto.Addr) {
	s.mu.Lock()
	s.peerATP = src
	s.peerIP = sig.Endpoint
	s.mu.Unlock()

	netRecvID, err := s.dmux.RegisterEndpoint(sig.Endpoint, s.onNetworkDatagram)
	if err != nil {
		s.log.Log(atplog.Entry{Level: atplog.LevelWarn, Category: "conn", Message: "failed to register demux callback", Err: err, SocketID: s.id})
		return
	}
	s.mu.Lock()
	s.netRecvID = netRecvID
	s.mu.Unlock()

	punchTimerID, err := s.core.RegisterTimer(s.cfg.PunchInterval, eventcore.FlagInvokeImmediately, s.punchTick)
	if err != nil {
		s.log.Log(atplog.Entry{Level: atplog.LevelWarn, Category: "conn", Message: "failed to register punch timer", Err: err, SocketID: s.id})
		_ = s.dmux.Delete(netRecvID)
		return
	}
	s.mu.Lock()
	s.punchTimerID = punchTimerID
	s.mu.Unlock()

	s.setState(StatePunch)
}

// nextChildID hands out unique ids for cloned children; Context assigns
// stable ids to root sockets, but a child is created entirely inside the
// dispatcher goroutine without Context's involvement, so it needs its own
// source.
var childIDCounter uint64

func nextChildID() uint64 {
	childIDCounter++
	return childIDCounter
}
