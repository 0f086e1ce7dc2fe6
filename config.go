package gossipsub

import (
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p-core/protocol"
)

// Protocol ids advertised during stream negotiation, newest first so a peer
// that speaks both prefers v1.1 peer exchange. Only the protocol.ID type is
// used from go-libp2p-core here; the rest of that module (host, network,
// connmgr, peerstore) belongs to the swarm and is out of scope per §1.
const (
	ProtocolIDv11 = protocol.ID("/meshsub/1.1.0")
	ProtocolIDv10 = protocol.ID("/meshsub/1.0.0")
)

// Default overlay, gossip, and timing parameters, matching the values the
// gossipsub v1.0 spec recommends, but carried on Config instead of mutable
// package globals so that multiple routers in one process (as the test
// suite needs) don't stomp on each other.
var (
	DefaultMeshN      = 6
	DefaultMeshNLow   = 4
	DefaultMeshNHigh  = 12
	DefaultGossipLazy = 6

	DefaultGossipFactor = 0.25

	DefaultHistoryLength = 5
	DefaultHistoryGossip = 3

	DefaultHeartbeatInitialDelay = 100 * time.Millisecond
	DefaultHeartbeatInterval     = 1 * time.Second

	DefaultFanoutTTL = 60 * time.Second

	DefaultPruneBackoff = 60 * time.Second
	DefaultBackoffSlack = 1 * time.Second
	DefaultPrunePeers   = 16

	DefaultCheckExplicitPeersTicks uint64 = 300

	DefaultMaxTransmitSize = 2048

	DefaultMaxIHaveLength   = 5000
	DefaultMaxIHaveMessages = 10
)

// ValidationMode decides how message ids are derived and whether messages
// must carry a signature, per §6.
type ValidationMode int

const (
	ValidationSigned ValidationMode = iota
	ValidationAuthorOnly
	ValidationAnonymous
	ValidationNone
)

// MsgIDFunction computes the dedup/cache key for a message. The default
// concatenates source and big-endian sequence number.
type MsgIDFunction func(msg *Message) string

// Config holds every tunable named in §6. It is never constructed directly
// by callers; NewRouter builds it from DefaultConfig() and applies Options.
type Config struct {
	MeshN      int
	MeshNLow   int
	MeshNHigh  int
	GossipLazy int

	GossipFactor float64

	HistoryLength int
	HistoryGossip int

	HeartbeatInitialDelay time.Duration
	HeartbeatInterval     time.Duration

	FanoutTTL time.Duration

	PruneBackoff time.Duration
	BackoffSlack time.Duration
	PrunePeers   int

	CheckExplicitPeersTicks uint64

	FloodPublish bool

	MaxTransmitSize int

	MaxIHaveLength   int
	MaxIHaveMessages int

	ValidationMode ValidationMode
	MsgID          MsgIDFunction

	// EnablePeerExchange turns on PX hints for this node's own PRUNEs; it
	// should generally only be set on bootstrappers/well-connected nodes,
	// not the default.
	EnablePeerExchange bool

	// Rand is the injected, seedable random source used for every shuffle
	// and random peer selection (Design Notes: "a seeded random source is
	// an injected capability so tests are deterministic").
	Rand Rand
}

// DefaultConfig returns the configuration described by §6, with
// flood_publish enabled as specified.
func DefaultConfig() Config {
	return Config{
		MeshN:                   DefaultMeshN,
		MeshNLow:                DefaultMeshNLow,
		MeshNHigh:               DefaultMeshNHigh,
		GossipLazy:              DefaultGossipLazy,
		GossipFactor:            DefaultGossipFactor,
		HistoryLength:           DefaultHistoryLength,
		HistoryGossip:           DefaultHistoryGossip,
		HeartbeatInitialDelay:   DefaultHeartbeatInitialDelay,
		HeartbeatInterval:       DefaultHeartbeatInterval,
		FanoutTTL:               DefaultFanoutTTL,
		PruneBackoff:            DefaultPruneBackoff,
		BackoffSlack:            DefaultBackoffSlack,
		PrunePeers:              DefaultPrunePeers,
		CheckExplicitPeersTicks: DefaultCheckExplicitPeersTicks,
		FloodPublish:            true,
		MaxTransmitSize:         DefaultMaxTransmitSize,
		MaxIHaveLength:          DefaultMaxIHaveLength,
		MaxIHaveMessages:        DefaultMaxIHaveMessages,
		ValidationMode:          ValidationSigned,
		MsgID:                   DefaultMsgIDFn,
		Rand:                    newMathRand(),
	}
}

// Option configures a Router at construction time following the
// `Option func(*Router) error` pattern. Only the fields set by the With*
// functions below can be changed; every other Config field (for example
// GossipLazy, GossipFactor, HistoryLength, HistoryGossip, FanoutTTL,
// PruneBackoff, BackoffSlack, PrunePeers, CheckExplicitPeersTicks and
// HeartbeatInitialDelay) keeps its DefaultConfig value.
type Option func(*Router) error

// WithFloodPublish enables or disables flood publishing (default enabled).
func WithFloodPublish(flood bool) Option {
	return func(r *Router) error {
		r.cfg.FloodPublish = flood
		return nil
	}
}

// WithPeerExchange enables Peer eXchange hints on this node's PRUNEs.
// Should generally only be set on bootstrappers/well-connected nodes.
func WithPeerExchange(enabled bool) Option {
	return func(r *Router) error {
		r.cfg.EnablePeerExchange = enabled
		return nil
	}
}

// WithMessageIDFn overrides the function used to derive a message's dedup
// and cache key.
func WithMessageIDFn(fn MsgIDFunction) Option {
	return func(r *Router) error {
		if fn == nil {
			return fmt.Errorf("gossipsub: message id function must not be nil")
		}
		r.cfg.MsgID = fn
		return nil
	}
}

// WithHeartbeatInterval overrides the heartbeat tick period.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(r *Router) error {
		if d <= 0 {
			return fmt.Errorf("gossipsub: heartbeat interval must be positive")
		}
		r.cfg.HeartbeatInterval = d
		return nil
	}
}

// WithMeshParams overrides the mesh degree targets.
func WithMeshParams(n, low, high int) Option {
	return func(r *Router) error {
		if !(0 < low && low <= n && n <= high) {
			return fmt.Errorf("gossipsub: mesh params must satisfy 0 < low <= n <= high")
		}
		r.cfg.MeshNLow, r.cfg.MeshN, r.cfg.MeshNHigh = low, n, high
		return nil
	}
}

// WithMaxTransmitSize overrides the maximum outbound frame size.
func WithMaxTransmitSize(n int) Option {
	return func(r *Router) error {
		if n <= 0 {
			return fmt.Errorf("gossipsub: max transmit size must be positive")
		}
		r.cfg.MaxTransmitSize = n
		return nil
	}
}

// WithValidationMode overrides the authenticity mode used to build and
// derive ids for locally published messages.
func WithValidationMode(mode ValidationMode) Option {
	return func(r *Router) error {
		r.cfg.ValidationMode = mode
		return nil
	}
}

// WithRand overrides the injected random source, primarily for
// deterministic tests.
func WithRand(rnd Rand) Option {
	return func(r *Router) error {
		if rnd == nil {
			return fmt.Errorf("gossipsub: rand must not be nil")
		}
		r.cfg.Rand = rnd
		return nil
	}
}

// DefaultMsgIDFn concatenates source and sequence number.
func DefaultMsgIDFn(msg *Message) string {
	return string(msg.From) + string(msg.Seqno)
}
