package gossipsub

import (
	"github.com/libp2p/go-libp2p-core/peer"

	"github.com/libp2p/go-meshsub/rpc"
)

// Subscribe implements §4.1: if the topic is already in the mesh this is a
// no-op that returns false. Otherwise it announces the subscription to
// every known peer and runs JOIN, returning true.
func (r *Router) Subscribe(topic string) bool {
	if _, ok := r.mesh[topic]; ok {
		return false
	}

	r.mySubs[topic] = struct{}{}
	r.announce(topic, true)
	r.join(topic)
	return true
}

// Unsubscribe implements §4.1: if the topic is not in the mesh this is a
// no-op that returns false. Otherwise it announces withdrawal to every
// known peer and runs LEAVE, returning true.
func (r *Router) Unsubscribe(topic string) bool {
	if _, ok := r.mesh[topic]; !ok {
		return false
	}

	delete(r.mySubs, topic)
	r.announce(topic, false)
	r.leave(topic)
	return true
}

// announce emits a SUBSCRIBE/UNSUBSCRIBE notification for topic to every
// currently known peer, regardless of whether that peer has ever shown
// interest in the topic (§4.1).
func (r *Router) announce(topic string, subscribe bool) {
	sub := []*rpc.SubOpts{{Subscribe: subscribe, TopicID: topic}}
	for p := range r.idx.peers {
		r.queue.notify(p, &rpc.RPC{Subscriptions: sub})
	}
}

// join implements JOIN(topic) per §4.1.
func (r *Router) join(topic string) {
	gmap, fromFanout := r.fanout[topic]
	var added []peer.ID

	if fromFanout {
		if len(gmap) > r.cfg.MeshN {
			plst := make([]peer.ID, 0, len(gmap))
			for p := range gmap {
				plst = append(plst, p)
			}
			shufflePeers(r.cfg.Rand, plst)
			gmap = peerListToSet(plst[:r.cfg.MeshN])
		}
		if len(gmap) < r.cfg.MeshN {
			more := r.eligibleMeshCandidates(topic, r.cfg.MeshN-len(gmap), gmap)
			for _, p := range more {
				gmap[p] = struct{}{}
				added = append(added, p)
			}
		}
		r.mesh[topic] = gmap
		delete(r.fanout, topic)
		delete(r.fanoutLastPub, topic)
		for p := range gmap {
			if !contains(added, p) {
				added = append(added, p)
			}
		}
	} else {
		picked := r.eligibleMeshCandidates(topic, r.cfg.MeshN, nil)
		gmap = peerListToSet(picked)
		r.mesh[topic] = gmap
		added = picked
	}

	log.Debugf("JOIN %s", topic)
	for _, p := range added {
		log.Debugf("JOIN: add mesh link to %s in %s", p, topic)
		r.control.addGraft(p, topic)
	}
}

// leave implements LEAVE(topic) per §4.1.
func (r *Router) leave(topic string) {
	gmap, ok := r.mesh[topic]
	if !ok {
		return
	}
	log.Debugf("LEAVE %s", topic)

	peers := make([]peer.ID, 0, len(gmap))
	for p := range gmap {
		peers = append(peers, p)
	}

	for _, p := range peers {
		prune := r.makePrune(p, topic)
		r.control.addPrune(p, prune)
		r.backoff.add(p, topic, r.cfg.PruneBackoff+r.cfg.BackoffSlack)
	}
	delete(r.mesh, topic)
}

// eligibleMeshCandidates picks up to n random peers subscribed to topic
// that are gossipsub-capable, not explicit, not already in exclude, and not
// under an active backoff for topic — the filter shared by JOIN and
// heartbeat mesh repair (§4.1(b), §4.5.1).
func (r *Router) eligibleMeshCandidates(topic string, n int, exclude map[peer.ID]struct{}) []peer.ID {
	if n <= 0 {
		return nil
	}
	now := timeNow()
	candidates := r.idx.topicPeerList(topic)
	return pickRandom(r.cfg.Rand, candidates, n, func(p peer.ID) bool {
		if exclude != nil {
			if _, in := exclude[p]; in {
				return false
			}
		}
		if r.isExplicit(p) {
			return false
		}
		if !r.idx.isGossipsubCapable(p) {
			return false
		}
		if r.backoff.active(p, topic, now) {
			return false
		}
		return true
	})
}

func peerListToSet(peers []peer.ID) map[peer.ID]struct{} {
	m := make(map[peer.ID]struct{}, len(peers))
	for _, p := range peers {
		m[p] = struct{}{}
	}
	return m
}

func contains(list []peer.ID, p peer.ID) bool {
	for _, x := range list {
		if x == p {
			return true
		}
	}
	return false
}
