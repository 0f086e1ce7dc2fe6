// Package gossipsub implements the Gossipsub v1.0 mesh router: a
// single-threaded, host-driven overlay maintainer that decides, per topic,
// which peers form the forwarding mesh, how GRAFT/PRUNE/IHAVE/IWANT
// coordinate repair under churn, and how lazy gossip advertises messages to
// peers outside the mesh.
//
// The wire codec, message-envelope cryptography, the underlying transport/
// swarm, topic-hash computation, and peer identity are all external
// collaborators, reached only through the Adapter interface and the
// peer.ID type; see adapter.go.
package gossipsub

import (
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-core/protocol"

	logging "github.com/ipfs/go-log/v2"

	"github.com/libp2p/go-meshsub/rpc"
)

var log = logging.Logger("gossipsub")

// Router is the Gossipsub mesh router. All exported methods except Poll
// are cheap, synchronous, non-blocking mutations of in-memory state (§5);
// Poll is the only method that calls into the host Adapter.
type Router struct {
	cfg     Config
	adapter Adapter
	localID peer.ID

	idx    *peerIndex
	direct map[peer.ID]struct{} // explicit peers

	mesh          map[string]map[peer.ID]struct{}
	fanout        map[string]map[peer.ID]struct{}
	fanoutLastPub map[string]time.Time

	mySubs map[string]struct{}

	backoff *backoffTable
	mcache  *messageCache
	dedup   *dedupFilter
	control *controlPool
	queue   eventQueue

	// per-heartbeat-window flood-protection counters (§4.11), reset every
	// heartbeat tick.
	peerhave map[peer.ID]int
	iasked   map[peer.ID]int

	seqCounter     uint64
	heartbeatTicks uint64
	startedAt      time.Time
	lastHeartbeat  time.Time
}

// NewRouter constructs a Router for localID, delivering outbound work to
// adapter. Options are applied over DefaultConfig().
func NewRouter(localID peer.ID, adapter Adapter, opts ...Option) (*Router, error) {
	if adapter == nil {
		return nil, fmt.Errorf("gossipsub: adapter must not be nil")
	}

	r := &Router{
		cfg:           DefaultConfig(),
		adapter:       adapter,
		localID:       localID,
		idx:           newPeerIndex(),
		direct:        make(map[peer.ID]struct{}),
		mesh:          make(map[string]map[peer.ID]struct{}),
		fanout:        make(map[string]map[peer.ID]struct{}),
		fanoutLastPub: make(map[string]time.Time),
		mySubs:        make(map[string]struct{}),
		backoff:       newBackoffTable(),
		control:       newControlPool(),
		peerhave:      make(map[peer.ID]int),
		iasked:        make(map[peer.ID]int),
	}

	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}

	r.mcache = newMessageCache(r.cfg.HistoryGossip, r.cfg.HistoryLength)
	r.dedup = newDedupFilter(TimeCacheDuration)
	r.startedAt = time.Time{}

	return r, nil
}

// Protocols returns the protocol ids this router negotiates, newest first,
// matching §4.10.
func (r *Router) Protocols() []protocol.ID {
	return []protocol.ID{ProtocolIDv11, ProtocolIDv10}
}

// AddExplicitPeer marks p as an explicit (direct) peer: it is never placed
// in a mesh or fanout set but always receives messages for topics it is
// subscribed to, and is periodically redialed by the heartbeat (§4.8).
func (r *Router) AddExplicitPeer(p peer.ID) {
	r.direct[p] = struct{}{}
}

// RemoveExplicitPeer clears the explicit-peer flag for p. Existing mesh
// membership is not affected retroactively; the heartbeat's normal repair
// logic takes over on the next tick.
func (r *Router) RemoveExplicitPeer(p peer.ID) {
	delete(r.direct, p)
}

func (r *Router) isExplicit(p peer.ID) bool {
	_, ok := r.direct[p]
	return ok
}

// InjectConnected implements inject_connected (§4.7): it creates a peer
// record with an empty topic set and sends the local node's current
// subscription set as a single SUBSCRIBE "hello" RPC.
func (r *Router) InjectConnected(p peer.ID, proto protocol.ID) {
	kind := peerKindGossipsub
	if proto != ProtocolIDv10 && proto != ProtocolIDv11 {
		kind = peerKindFloodOnly
	}
	r.idx.connect(p, proto, kind)
	log.Debugf("PEERUP: %s using %s", p, proto)

	if len(r.mySubs) == 0 {
		return
	}
	subs := make([]*rpc.SubOpts, 0, len(r.mySubs))
	for t := range r.mySubs {
		subs = append(subs, &rpc.SubOpts{Subscribe: true, TopicID: t})
	}
	r.queue.notify(p, &rpc.RPC{Subscriptions: subs})
}

// InjectDisconnected implements inject_disconnected (§4.7): removes the
// peer from every mesh[t], fanout[t], and topic_peers[t], and drops the
// peer record. The explicit-peer flag is retained so the heartbeat will
// still try to redial.
func (r *Router) InjectDisconnected(p peer.ID) {
	log.Debugf("PEERDOWN: %s", p)
	for _, peers := range r.mesh {
		delete(peers, p)
	}
	for _, peers := range r.fanout {
		delete(peers, p)
	}
	r.idx.disconnect(p)
	delete(r.peerhave, p)
	delete(r.iasked, p)
}
