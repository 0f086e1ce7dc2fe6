package gossipsub

import (
	"math"
	"time"

	"github.com/libp2p/go-libp2p-core/peer"

	"github.com/libp2p/go-meshsub/rpc"
)

// maybeHeartbeat fires the heartbeat if, before the first tick,
// HeartbeatInitialDelay has elapsed since the first Poll call, or afterwards
// HeartbeatInterval has elapsed since the previous tick, driven by the host's
// Poll calls instead of a goroutine-owned ticker (§5).
func (r *Router) maybeHeartbeat(now time.Time) {
	if r.startedAt.IsZero() {
		r.startedAt = now
	}
	if r.lastHeartbeat.IsZero() {
		if now.Sub(r.startedAt) < r.cfg.HeartbeatInitialDelay {
			return
		}
	} else if now.Sub(r.lastHeartbeat) < r.cfg.HeartbeatInterval {
		return
	}
	r.heartbeat(now)
	r.lastHeartbeat = now
}

// heartbeat runs the seven steps of §4.5, in order.
func (r *Router) heartbeat(now time.Time) {
	r.heartbeatTicks++
	log.Debugf("heartbeat %d", r.heartbeatTicks)

	// Amortized resource cleanup: only every 15 ticks, not on every one.
	if r.heartbeatTicks%15 == 0 {
		r.backoff.gc(now)
	}
	r.peerhave = make(map[peer.ID]int)
	r.iasked = make(map[peer.ID]int)

	r.heartbeatMeshRepair(now)  // step 1
	r.heartbeatFanoutTTL(now)   // step 2
	r.heartbeatFanoutRepair()   // step 3
	r.heartbeatGossipEmission() // step 4
	r.heartbeatExplicitPeers()  // step 5
	r.heartbeatFlushControl()   // step 6
	r.mcache.shift()            // step 7
}

// heartbeatMeshRepair implements §4.5 step 1: grow meshes under mesh_n_low
// up to mesh_n, and shrink meshes over mesh_n_high back down to mesh_n.
func (r *Router) heartbeatMeshRepair(now time.Time) {
	for topic, peers := range r.mesh {
		if l := len(peers); l < r.cfg.MeshNLow {
			need := r.cfg.MeshN - l
			added := r.eligibleMeshCandidates(topic, need, peers)
			for _, p := range added {
				peers[p] = struct{}{}
				log.Debugf("HEARTBEAT: add mesh link to %s in %s", p, topic)
				r.control.addGraft(p, topic)
			}
		}

		if len(peers) > r.cfg.MeshNHigh {
			plst := make([]peer.ID, 0, len(peers))
			for p := range peers {
				plst = append(plst, p)
			}
			shufflePeers(r.cfg.Rand, plst)
			keep := plst[:r.cfg.MeshN]
			drop := plst[r.cfg.MeshN:]

			var px []*rpc.PeerInfo
			if r.cfg.EnablePeerExchange && r.cfg.MeshN >= r.cfg.PrunePeers {
				hints := keep
				if len(hints) > r.cfg.PrunePeers {
					hints = hints[:r.cfg.PrunePeers]
				}
				for _, p := range hints {
					px = append(px, &rpc.PeerInfo{PeerID: rpc.PeerID(p)})
				}
			}

			for _, p := range drop {
				delete(peers, p)
				log.Debugf("HEARTBEAT: remove mesh link to %s in %s", p, topic)
				r.backoff.add(p, topic, r.cfg.PruneBackoff+r.cfg.BackoffSlack)
				r.control.addPrune(p, r.prunePX(p, topic, px))
			}
		}
	}
}

// prunePX builds a PRUNE reusing a precomputed px hint list (heartbeat
// surplus trims share the same hint set across every pruned peer, per the
// concrete scenario in §8 #4), falling back to makePrune's per-peer
// computation when hints is empty.
func (r *Router) prunePX(p peer.ID, topic string, hints []*rpc.PeerInfo) *rpc.ControlPrune {
	if len(hints) == 0 {
		return r.makePrune(p, topic)
	}
	backoffSecs := uint64((r.cfg.PruneBackoff + r.cfg.BackoffSlack) / secondUnit)
	pr, known := r.idx.get(p)
	if !known || pr.proto == ProtocolIDv10 {
		return &rpc.ControlPrune{TopicID: topic, Backoff: backoffSecs}
	}
	filtered := make([]*rpc.PeerInfo, 0, len(hints))
	for _, h := range hints {
		if peer.ID(h.PeerID) != p {
			filtered = append(filtered, h)
		}
	}
	return &rpc.ControlPrune{TopicID: topic, Peers: filtered, Backoff: backoffSecs}
}

// heartbeatFanoutTTL implements §4.5 step 2.
func (r *Router) heartbeatFanoutTTL(now time.Time) {
	for topic, last := range r.fanoutLastPub {
		if now.Sub(last) > r.cfg.FanoutTTL {
			delete(r.fanout, topic)
			delete(r.fanoutLastPub, topic)
		}
	}
}

// heartbeatFanoutRepair implements §4.5 step 3.
func (r *Router) heartbeatFanoutRepair() {
	for topic, peers := range r.fanout {
		for p := range peers {
			if _, stillSubscribed := r.idx.topicPeers[topic][p]; !stillSubscribed {
				delete(peers, p)
			}
		}
		if len(peers) < r.cfg.MeshN {
			need := r.cfg.MeshN - len(peers)
			added := r.eligibleMeshCandidates(topic, need, peers)
			for _, p := range added {
				peers[p] = struct{}{}
			}
		}
	}
}

// heartbeatGossipEmission implements §4.5 step 4: emit IHAVE for every mesh
// and fanout topic to peers outside the mesh/fanout for that topic.
func (r *Router) heartbeatGossipEmission() {
	done := make(map[string]struct{})
	for topic, peers := range r.mesh {
		r.emitGossip(topic, peers)
		done[topic] = struct{}{}
	}
	for topic, peers := range r.fanout {
		if _, already := done[topic]; already {
			continue
		}
		r.emitGossip(topic, peers)
	}
}

// emitGossip implements §4.5 step 4's per-topic selection: IHAVE goes to
// max(gossip_lazy, ceil(gossip_factor * eligible)) random gossipsub peers
// outside exclude (the mesh/fanout set for that topic).
func (r *Router) emitGossip(topic string, exclude map[peer.ID]struct{}) {
	ids := r.mcache.getGossipIDs(topic)
	if len(ids) == 0 {
		return
	}

	candidates := r.idx.topicPeerList(topic)
	eligible := pickRandom(r.cfg.Rand, candidates, -1, func(p peer.ID) bool {
		if _, excluded := exclude[p]; excluded {
			return false
		}
		if r.isExplicit(p) {
			return false
		}
		return r.idx.isGossipsubCapable(p)
	})

	target := r.cfg.GossipLazy
	if factor := int(math.Ceil(r.cfg.GossipFactor * float64(len(eligible)))); factor > target {
		target = factor
	}
	if target > len(eligible) {
		target = len(eligible)
	}
	selected := eligible[:target]

	for _, p := range selected {
		r.control.addIHave(p, &rpc.ControlIHave{TopicID: topic, MessageIDs: ids})
	}
}

// heartbeatExplicitPeers implements §4.5 step 5.
func (r *Router) heartbeatExplicitPeers() {
	if r.heartbeatTicks%r.cfg.CheckExplicitPeersTicks != 0 {
		return
	}
	for p := range r.direct {
		if !r.idx.isConnected(p) {
			r.queue.dial(p)
		}
	}
}

// heartbeatFlushControl implements §4.5 step 6.
func (r *Router) heartbeatFlushControl() {
	for p, out := range r.control.flush() {
		r.queue.notify(p, out)
	}
}
