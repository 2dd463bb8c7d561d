// Package stunclient implements the STUN client (C3, §4.2): reflexive
// address discovery, endpoint-independent/-dependent NAT classification,
// and NAT keepalive.
//
// The wire format (RFC 5389 Binding Request/Success Response,
// XOR-MAPPED-ADDRESS) is handled entirely by github.com/pion/stun/v2, the
// same codec named in the retrieval pack's pion-stun manifest and used
// throughout the pion NAT-traversal stack. This package layers the domain
// logic pion/stun doesn't know about on top of it: the ordered-by-send-time
// transaction set, the exponential RTO backoff schedule, and the
// reflexive-address verdict state machine.
package stunclient

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	catrate "github.com/joeycumines/go-catrate"
	"github.com/pion/stun/v2"

	"github.com/atp-go/atp/atpconfig"
	"github.com/atp-go/atp/atplog"
	"github.com/atp-go/atp/demux"
	"github.com/atp-go/atp/netio"
)

// TransactionID is STUN's 96-bit opaque request identifier.
type TransactionID = [stun.TransactionIDSize]byte

// Verdict classifies the local NAT's reflexive-address behavior, per §3.
type Verdict int

const (
	// VerdictUnknown is the initial state: no confirming second response
	// has arrived yet.
	VerdictUnknown Verdict = iota
	// VerdictIndependent means two servers observed the same reflexive
	// endpoint: traversal is possible.
	VerdictIndependent
	// VerdictDependent means two servers observed different reflexive
	// endpoints: traversal is not attempted for the rest of the session.
	VerdictDependent
)

// String renders the verdict name.
func (v Verdict) String() string {
	switch v {
	case VerdictIndependent:
		return "Independent"
	case VerdictDependent:
		return "Dependent"
	default:
		return "Unknown"
	}
}

var (
	// ErrNoServers is returned when no configured server name resolved.
	ErrNoServers = errors.New("stunclient: no servers resolved")
	// ErrQueryFailed is returned when no server answered before the final
	// round's timeout, or when the NAT is already known to be Dependent.
	ErrQueryFailed = errors.New("stunclient: no server answered")
)

// txnRecord is one entry of the ordered-by-send-time transaction set.
// Client.txns is kept in send-time order (sends only ever append, and time
// only moves forward), so purging stale entries is a prefix trim and
// lookup by id is the companion map — together giving the set's two
// required operations without re-sorting on every insert.
type txnRecord struct {
	id       TransactionID
	server   netip.AddrPort
	sendTime time.Time
	ttl      time.Duration
}

// activeQuery tracks the servers a single in-flight QueryAllServers call is
// still waiting to hear from.
type activeQuery struct {
	mu       sync.Mutex
	pending  map[netip.AddrPort]struct{}
	resultCh chan netip.AddrPort
}

// Client is the STUN client shared by a listening socket and all of its
// children (§3's "Shared resources").
type Client struct {
	log     atplog.Logger
	cfg     *atpconfig.Config
	sock    netio.Socket
	servers []string
	limiter *catrate.Limiter

	mu      sync.Mutex
	txns    []*txnRecord
	byID    map[TransactionID]*txnRecord
	active  *activeQuery
	verdict Verdict
	haveEP  bool
	reflect netip.AddrPort

	queryMu sync.Mutex
}

// New constructs a Client. servers are "host:port" names, re-resolved on
// every query per §4.2's "resolve each configured server via name lookup".
// sock is the shared UDP socket STUN traffic is sent/received on.
func New(logger atplog.Logger, cfg *atpconfig.Config, sock netio.Socket, servers []string) *Client {
	if logger == nil {
		logger = atplog.NoOp()
	}
	return &Client{
		log:     logger,
		cfg:     cfg,
		sock:    sock,
		servers: servers,
		// Five requests per second per server: enough headroom for the
		// backoff schedule's early rounds without letting one slow server
		// flood the others' share of the socket.
		limiter: catrate.NewLimiter(map[time.Duration]int{time.Second: 5}),
		byID:    make(map[TransactionID]*txnRecord),
	}
}

// QueryAllServers implements §4.2's query algorithm: resolve every
// configured server, send a Binding Request to each in parallel, and retry
// with exponential backoff (StunTimeout, doubling, StunMaxRetransmissions
// rounds, then one final round at StunTimeout*StunFinalTimeoutMultiplier)
// until every server has answered or the schedule is exhausted. Succeeds
// if at least one server answered.
func (c *Client) QueryAllServers(ctx context.Context) error {
	c.queryMu.Lock()
	defer c.queryMu.Unlock()

	c.mu.Lock()
	dependent := c.verdict == VerdictDependent
	c.mu.Unlock()
	if dependent {
		// "subsequent QueryAllServers returns failure without sending".
		return ErrQueryFailed
	}

	targets := make(map[netip.AddrPort]struct{})
	for _, name := range c.servers {
		addr, err := c.resolve(name)
		if err != nil {
			c.log.Log(atplog.Entry{Level: atplog.LevelWarn, Category: "stun", Message: "server resolution failed", Err: err, Fields: map[string]any{"server": name}})
			continue
		}
		targets[addr] = struct{}{}
	}
	if len(targets) == 0 {
		return ErrNoServers
	}

	q := &activeQuery{pending: targets, resultCh: make(chan netip.AddrPort, len(targets))}
	c.mu.Lock()
	c.active = q
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.active = nil
		c.mu.Unlock()
	}()

	rto := c.cfg.StunTimeout
	answered := 0
	for round := 0; round <= c.cfg.StunMaxRetransmissions; round++ {
		wait := rto
		if round == c.cfg.StunMaxRetransmissions {
			wait = c.cfg.StunTimeout * time.Duration(c.cfg.StunFinalTimeoutMultiplier)
		}

		c.purgeExpired(time.Now())

		q.mu.Lock()
		pending := make([]netip.AddrPort, 0, len(q.pending))
		for addr := range q.pending {
			pending = append(pending, addr)
		}
		q.mu.Unlock()

		for _, addr := range pending {
			if _, ok := c.limiter.Allow(addr); !ok {
				continue
			}
			if err := c.send(addr); err != nil {
				c.log.Log(atplog.Entry{Level: atplog.LevelWarn, Category: "stun", Message: "binding request send failed", Err: err})
			}
		}

		timer := time.NewTimer(wait)
	drainRound:
		for {
			select {
			case addr := <-q.resultCh:
				answered++
				q.mu.Lock()
				delete(q.pending, addr)
				empty := len(q.pending) == 0
				q.mu.Unlock()
				if empty {
					break drainRound
				}
			case <-timer.C:
				break drainRound
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
		timer.Stop()

		q.mu.Lock()
		remaining := len(q.pending)
		q.mu.Unlock()
		if remaining == 0 {
			break
		}
		rto *= 2
	}

	if answered == 0 {
		return ErrQueryFailed
	}
	return nil
}

// send emits a fresh Binding Request to addr and records its transaction.
func (c *Client) send(addr netip.AddrPort) error {
	c.purgeExpired(time.Now())
	msg, err := stun.Build(stun.BindingRequest, stun.TransactionID)
	if err != nil {
		return err
	}
	rec := &txnRecord{id: msg.TransactionID, server: addr, sendTime: time.Now(), ttl: c.cfg.StunTTL()}
	c.mu.Lock()
	c.txns = append(c.txns, rec)
	c.byID[rec.id] = rec
	c.mu.Unlock()

	_, err = c.sock.WriteTo(msg.Raw, addr)
	return err
}

// HandleDatagram consumes one inbound datagram if it's a STUN message this
// client is waiting on, per §4.2/§8: unknown transaction ids are rejected,
// known ones are consumed and removed from the live set. It reports
// whether the datagram was STUN traffic at all (consumed either way),
// letting the caller skip re-dispatching it as ATP payload.
func (c *Client) HandleDatagram(src netip.AddrPort, buf []byte) bool {
	if !stun.IsMessage(buf) {
		return false
	}

	raw := make([]byte, len(buf))
	copy(raw, buf)
	msg := &stun.Message{Raw: raw}
	if err := msg.Decode(); err != nil {
		c.log.Log(atplog.Entry{Level: atplog.LevelWarn, Category: "stun", Message: "malformed STUN datagram", Err: err, Fields: map[string]any{"src": src.String()}})
		return true
	}
	if msg.Type.Method != stun.MethodBinding || msg.Type.Class != stun.ClassSuccessResponse {
		return true
	}

	c.purgeExpired(time.Now())
	c.mu.Lock()
	rec, ok := c.byID[msg.TransactionID]
	if ok {
		delete(c.byID, msg.TransactionID)
	}
	c.mu.Unlock()
	if !ok {
		c.log.Log(atplog.Entry{Level: atplog.LevelWarn, Category: "stun", Message: "response for unknown transaction", Fields: map[string]any{"src": src.String()}})
		return true
	}
	if time.Since(rec.sendTime) > rec.ttl {
		return true // past STUN_TTL; treat as if it had never arrived
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(msg); err != nil {
		c.log.Log(atplog.Entry{Level: atplog.LevelWarn, Category: "stun", Message: "response missing XOR-MAPPED-ADDRESS", Err: err})
		return true
	}
	ip, ok := netip.AddrFromSlice(xorAddr.IP.To4())
	if !ok {
		return true
	}
	endpoint := netip.AddrPortFrom(ip, uint16(xorAddr.Port))

	c.recordVerdict(endpoint)

	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if active != nil {
		select {
		case active.resultCh <- rec.server:
		default:
		}
	}
	return true
}

// Callback adapts HandleDatagram to demux.Callback, for registering this
// client as a Demux wildcard (or endpoint-specific, for servers with a
// fixed address) recipient.
func (c *Client) Callback() demux.Callback {
	return func(src netip.AddrPort, payload []byte) { c.HandleDatagram(src, payload) }
}

// recordVerdict applies §3's reflexive-address verdict state machine.
func (c *Client) recordVerdict(endpoint netip.AddrPort) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.verdict == VerdictDependent {
		return
	}
	if !c.haveEP {
		c.haveEP = true
		c.reflect = endpoint
		return
	}
	if c.verdict == VerdictUnknown {
		if endpoint == c.reflect {
			c.verdict = VerdictIndependent
		} else {
			c.verdict = VerdictDependent
			c.haveEP = false
			c.reflect = netip.AddrPort{}
		}
	}
}

// GetReflexiveAddress returns the recorded reflexive endpoint, if any.
func (c *Client) GetReflexiveAddress() (netip.AddrPort, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reflect, c.haveEP
}

// GetNatType returns the current verdict.
func (c *Client) GetNatType() Verdict {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.verdict
}

// NatKeepAliveSend re-resolves a randomly chosen configured server and
// sends a fresh Binding Request, per §4.2's keepalive contract.
func (c *Client) NatKeepAliveSend() error {
	c.mu.Lock()
	servers := c.servers
	c.mu.Unlock()
	if len(servers) == 0 {
		return ErrNoServers
	}
	name := servers[rand.Intn(len(servers))]
	addr, err := c.resolve(name)
	if err != nil {
		return err
	}
	if _, ok := c.limiter.Allow(addr); !ok {
		return nil
	}
	return c.send(addr)
}

// NatKeepAliveReceive accepts one STUN message, matching its transaction
// id against the live set; it reports whether the datagram was consumed.
func (c *Client) NatKeepAliveReceive(buf []byte) bool {
	return c.HandleDatagram(netip.AddrPort{}, buf)
}

// purgeExpired drops transactions older than their STUN_TTL from the
// front of the send-time-ordered slice, per §3's "removed ... when age >
// STUN_TTL" and §4.2's "purged before each send and each receive".
func (c *Client) purgeExpired(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := 0
	for i < len(c.txns) && now.Sub(c.txns[i].sendTime) > c.txns[i].ttl {
		delete(c.byID, c.txns[i].id)
		i++
	}
	if i > 0 {
		c.txns = c.txns[i:]
	}
}

// resolve looks up the first IPv4 address for a "host:port" server name.
func (c *Client) resolve(hostport string) (netip.AddrPort, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return netip.AddrPort{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return netip.AddrPort{}, err
	}
	ips, err := net.DefaultResolver.LookupIP(context.Background(), "ip4", host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if len(ips) == 0 {
		return netip.AddrPort{}, fmt.Errorf("stunclient: no IPv4 address for %q", host)
	}
	addr, ok := netip.AddrFromSlice(ips[0].To4())
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("stunclient: bad address for %q", host)
	}
	return netip.AddrPortFrom(addr, uint16(port)), nil
}
