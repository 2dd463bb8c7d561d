package proto

import "fmt"

// Addr is the opaque, transport-independent identifier used at the
// signalling layer. It's a fixed-size, comparable struct so it can key Go
// maps directly (signalling socket registry, backlog dedup), unlike a
// variable-length string or slice form.
type Addr struct {
	Family   uint16
	Hostname [16]byte
	Service  [14]byte
}

// NewAddr builds an Addr from a family and variable-length hostname/service
// strings, truncating/padding to the fixed field widths. Truncation of an
// over-length hostname or service is deliberate: Addr is a fixed-size key,
// not a general string container.
func NewAddr(family uint16, hostname, service string) Addr {
	var a Addr
	a.Family = family
	copy(a.Hostname[:], hostname)
	copy(a.Service[:], service)
	return a
}

// HostnameString returns the NUL-trimmed hostname string.
func (a Addr) HostnameString() string { return trimNUL(a.Hostname[:]) }

// ServiceString returns the NUL-trimmed service string.
func (a Addr) ServiceString() string { return trimNUL(a.Service[:]) }

func (a Addr) String() string {
	return fmt.Sprintf("atp://%s:%s", a.HostnameString(), a.ServiceString())
}

func trimNUL(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
