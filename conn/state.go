// Package conn implements the connection state machine (C7, §4.6): the
// per-socket establishment handshake (CLOSED/LISTEN/PUNCH/THRU/ESTABLISHED)
// and, per SPEC_FULL.md's termination-half addition, the TCP-like teardown
// states (FIN_WAIT_1/FIN_WAIT_2/CLOSE_WAIT/LAST_ACK/CLOSING/TIME_WAIT).
//
// State storage is grounded on eventloop's LoopState/FastState atomic CAS
// machine (state.go): an atomic.Uint32 holding one of a small fixed set of
// values, generalized from the loop's 5 states to ATP's 11.
package conn

import "fmt"

// State is a socket's position in the establishment/termination machine.
type State uint32

const (
	StateClosed State = iota
	StateListen
	StatePunch
	StateThru
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateLastAck
	StateClosing
	StateTimeWait
)

// String renders the state name for logging.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StatePunch:
		return "PUNCH"
	case StateThru:
		return "THRU"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN_WAIT_1"
	case StateFinWait2:
		return "FIN_WAIT_2"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateLastAck:
		return "LAST_ACK"
	case StateClosing:
		return "CLOSING"
	case StateTimeWait:
		return "TIME_WAIT"
	default:
		return fmt.Sprintf("STATE(%d)", s)
	}
}
