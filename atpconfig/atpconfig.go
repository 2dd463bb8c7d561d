// Package atpconfig holds the tunable defaults from §6 of the spec and the
// functional-options machinery used to override them.
package atpconfig

import (
	"net/netip"
	"time"

	"github.com/atp-go/atp/atplog"
)

// Config holds process-wide defaults. All fields have sensible defaults set
// by New; override via Option values passed to New.
type Config struct {
	// MaxSocketCount caps the number of live sockets in a Context.
	MaxSocketCount int
	// MaxBacklog caps the backlog argument accepted by Listen.
	MaxBacklog int
	// NatKeepAliveTimeout is the interval between NAT keepalive sends.
	NatKeepAliveTimeout time.Duration
	// PunchInterval is the interval between punch/thru retransmissions.
	PunchInterval time.Duration
	// PunchTimeout is the total time a socket spends retransmitting PUNCH/THRU
	// before giving up and moving to CLOSED.
	PunchTimeout time.Duration
	// ConstantWindow is the fixed advertised window carried on every header.
	ConstantWindow uint16
	// TimeWaitDuration is how long a socket lingers in TIME_WAIT.
	TimeWaitDuration time.Duration

	// StunTimeout is the initial STUN retransmission timeout (T).
	StunTimeout time.Duration
	// StunMaxRetransmissions is the number of doubling rounds (N) before the
	// final round.
	StunMaxRetransmissions int
	// StunFinalTimeoutMultiplier multiplies StunTimeout for the final round (F).
	StunFinalTimeoutMultiplier int

	// Logger receives structured log entries from every component. Defaults
	// to atplog.NoOp().
	Logger atplog.Logger

	// StunServers are the "host:port" names a Context's shared STUN client
	// queries for reflexive-address discovery.
	StunServers []string
	// ListenAddr is the local address a Context's shared UDP socket binds.
	// The zero value binds an ephemeral port on all interfaces.
	ListenAddr netip.AddrPort
}

// New constructs a Config with the defaults from §6, then applies opts in
// order. Later options override earlier ones; nil options are skipped.
func New(opts ...Option) *Config {
	cfg := &Config{
		MaxSocketCount:             32,
		MaxBacklog:                 64,
		NatKeepAliveTimeout:        5 * time.Second,
		PunchInterval:              5 * time.Second,
		PunchTimeout:               180 * time.Second,
		ConstantWindow:             4096,
		TimeWaitDuration:           60 * time.Second,
		StunTimeout:                500 * time.Millisecond,
		StunMaxRetransmissions:     7,
		StunFinalTimeoutMultiplier: 16,
		Logger:                     atplog.NoOp(),
		StunServers:                []string{"stun.l.google.com:19302", "stun1.l.google.com:19302"},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.apply(cfg)
	}
	return cfg
}

// Option configures a Config.
type Option interface {
	apply(*Config)
}

type optionFunc func(*Config)

func (f optionFunc) apply(cfg *Config) { f(cfg) }

// WithMaxSocketCount overrides MaxSocketCount.
func WithMaxSocketCount(n int) Option {
	return optionFunc(func(cfg *Config) { cfg.MaxSocketCount = n })
}

// WithMaxBacklog overrides MaxBacklog.
func WithMaxBacklog(n int) Option {
	return optionFunc(func(cfg *Config) { cfg.MaxBacklog = n })
}

// WithNatKeepAliveTimeout overrides NatKeepAliveTimeout.
func WithNatKeepAliveTimeout(d time.Duration) Option {
	return optionFunc(func(cfg *Config) { cfg.NatKeepAliveTimeout = d })
}

// WithPunchInterval overrides PunchInterval.
func WithPunchInterval(d time.Duration) Option {
	return optionFunc(func(cfg *Config) { cfg.PunchInterval = d })
}

// WithPunchTimeout overrides PunchTimeout.
func WithPunchTimeout(d time.Duration) Option {
	return optionFunc(func(cfg *Config) { cfg.PunchTimeout = d })
}

// WithTimeWaitDuration overrides TimeWaitDuration.
func WithTimeWaitDuration(d time.Duration) Option {
	return optionFunc(func(cfg *Config) { cfg.TimeWaitDuration = d })
}

// WithStunBackoff overrides the STUN retransmission schedule.
func WithStunBackoff(initial time.Duration, rounds int, finalMultiplier int) Option {
	return optionFunc(func(cfg *Config) {
		cfg.StunTimeout = initial
		cfg.StunMaxRetransmissions = rounds
		cfg.StunFinalTimeoutMultiplier = finalMultiplier
	})
}

// WithStunServers overrides the STUN server list.
func WithStunServers(servers ...string) Option {
	return optionFunc(func(cfg *Config) { cfg.StunServers = servers })
}

// WithListenAddr overrides the local address the shared UDP socket binds.
func WithListenAddr(addr netip.AddrPort) Option {
	return optionFunc(func(cfg *Config) { cfg.ListenAddr = addr })
}

// WithLogger overrides Logger.
func WithLogger(logger atplog.Logger) Option {
	return optionFunc(func(cfg *Config) {
		if logger != nil {
			cfg.Logger = logger
		}
	})
}

// StunTTL returns the total lifetime of a STUN transaction: the sum of all
// retransmission waits plus the final round's wait, per §4.2.
func (c *Config) StunTTL() time.Duration {
	total := time.Duration(0)
	rto := c.StunTimeout
	for i := 0; i < c.StunMaxRetransmissions; i++ {
		total += rto
		rto *= 2
	}
	total += c.StunTimeout * time.Duration(c.StunFinalTimeoutMultiplier)
	return total
}
