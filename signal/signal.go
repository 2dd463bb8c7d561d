// Package signal implements the signalling-provider contract (C4, §4.3):
// the narrow interface the core depends on to exchange reflexive endpoints
// with a peer, plus a reference UDP-backed implementation.
package signal

import (
	"errors"

	"github.com/atp-go/atp/proto"
)

// Handle identifies a signalling socket returned by Provider.Socket.
type Handle uint64

// ErrWouldBlock is returned by Recv when no signal is buffered.
var ErrWouldBlock = errors.New("signal: would block")

// ErrAlreadyBound is returned by Bind when the handle is already bound.
var ErrAlreadyBound = errors.New("signal: already bound")

// ErrNotBound is returned by Send/Recv on an unbound handle.
var ErrNotBound = errors.New("signal: not bound")

// ErrAddrInUse is returned by Bind when another live handle already owns
// the requested ATP address (§4.3: "no two signalling sockets may bind the
// same ATP address").
var ErrAddrInUse = errors.New("signal: address in use")

// ErrUnknownHandle is returned for any operation on an unrecognised handle.
var ErrUnknownHandle = errors.New("signal: unknown handle")

// Provider is the interface the core depends on for C4, matching §4.3
// verbatim:
//
//   - Socket obtains a handle and a readiness fd that becomes
//     readable exactly when at least one signal is buffered for that
//     handle; Send is assumed always non-blocking.
//   - Bind publishes the handle's ATP address; every handle must be bound
//     before Send/Recv. No two live handles may bind the same address.
//   - Send/Recv are non-blocking; Recv returns ErrWouldBlock when idle.
//
// The provider must deliver exactly what was sent, and must itself be
// reliable (retries, if the underlying channel drops messages, are the
// provider's concern, not the core's).
type Provider interface {
	// Socket allocates a new signalling handle and returns it along with a
	// file descriptor suitable for edge- or level-triggered readiness
	// registration in eventcore: the fd becomes readable whenever Recv
	// would return a signal.
	Socket() (Handle, uintptr, error)
	// Bind publishes addr as the handle's ATP address.
	Bind(h Handle, addr proto.Addr) error
	// Send transmits a Signal to dest. Non-blocking; always assumed to
	// succeed or fail immediately.
	Send(h Handle, s proto.Signal, dest proto.Addr) error
	// Recv retrieves one buffered Signal and its source address, or
	// ErrWouldBlock if none is queued.
	Recv(h Handle) (proto.Signal, proto.Addr, error)
	// Close releases h and any resources (sockets, readiness fds) it owns.
	Close(h Handle) error
}
