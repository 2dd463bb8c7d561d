package proto

import (
	"errors"
	"net/netip"
)

const (
	// SignalLen is the fixed size of a Signal envelope in bytes.
	SignalLen = 12
	// SignalMagic identifies a well-formed Signal envelope.
	SignalMagic = 0xF6F9
	// AddrFamilyIPv4 is the only address family Signal supports (§1 Non-goals:
	// no IPv6).
	AddrFamilyIPv4 = 1
)

// SignalFlag is the request/response bitfield of a Signal envelope.
type SignalFlag uint8

const (
	SignalRequest SignalFlag = 1 << iota
	SignalResponse
)

// Signal is the in-memory form of the 12-byte signalling envelope carrying
// a reflexive endpoint between two ATP addresses.
type Signal struct {
	Flags    SignalFlag
	Endpoint netip.AddrPort
}

// ErrSignalTooShort is returned when decoding a buffer shorter than SignalLen.
var ErrSignalTooShort = errors.New("proto: signal buffer shorter than SignalLen")

// ErrSignalBadMagic is returned when the magic field doesn't match SignalMagic.
var ErrSignalBadMagic = errors.New("proto: signal bad magic")

// ErrSignalMalformed is returned when the zero byte is non-zero, when
// neither or both of request/response are set, or the address family isn't
// IPv4.
var ErrSignalMalformed = errors.New("proto: signal malformed")

// EncodeSignal writes s into a freshly allocated network-byte-order buffer.
func EncodeSignal(s Signal) ([]byte, error) {
	if !exactlyOneFlag(s.Flags) {
		return nil, ErrSignalMalformed
	}
	if !s.Endpoint.Addr().Is4() {
		return nil, ErrSignalMalformed
	}
	buf := make([]byte, SignalLen)
	putUint16(buf[0:2], SignalMagic)
	buf[2] = 0
	buf[3] = byte(s.Flags)
	putUint16(buf[4:6], AddrFamilyIPv4)
	putUint16(buf[6:8], s.Endpoint.Port())
	ip4 := s.Endpoint.Addr().As4()
	copy(buf[8:12], ip4[:])
	return buf, nil
}

// DecodeSignal parses buf into a Signal, validating well-formedness per §6:
// magic matches, the zero byte is zero, exactly one of request/response is
// set, and the address family is IPv4.
func DecodeSignal(buf []byte) (Signal, error) {
	if len(buf) < SignalLen {
		return Signal{}, ErrSignalTooShort
	}
	if getUint16(buf[0:2]) != SignalMagic {
		return Signal{}, ErrSignalBadMagic
	}
	if buf[2] != 0 {
		return Signal{}, ErrSignalMalformed
	}
	flags := SignalFlag(buf[3])
	if !exactlyOneFlag(flags) {
		return Signal{}, ErrSignalMalformed
	}
	if getUint16(buf[4:6]) != AddrFamilyIPv4 {
		return Signal{}, ErrSignalMalformed
	}
	port := getUint16(buf[6:8])
	var ip4 [4]byte
	copy(ip4[:], buf[8:12])
	addr := netip.AddrFrom4(ip4)
	return Signal{Flags: flags, Endpoint: netip.AddrPortFrom(addr, port)}, nil
}

func exactlyOneFlag(f SignalFlag) bool {
	return f == SignalRequest || f == SignalResponse
}
