package gossipsub

import (
	"github.com/libp2p/go-libp2p-core/peer"

	"github.com/libp2p/go-meshsub/rpc"
)

// InjectRPC processes one inbound frame from peer `from`, implementing
// §4.3/§4.4's ordering guarantee: subscription updates, then messages, then
// control actions (§5 ordering guarantee (a)).
func (r *Router) InjectRPC(from peer.ID, in *rpc.RPC) {
	if !r.idx.isConnected(from) {
		log.Warnf("SubscriptionFromUnknownPeer: dropping RPC from unknown peer %s", from)
		return
	}

	r.handleReceivedSubscriptions(in.GetSubscriptions(), from)

	for _, wm := range in.GetPublish() {
		r.handleReceivedMessage(fromWire(wm, from))
	}

	ctl := in.GetControl()
	if ctl == nil {
		return
	}
	r.handleIHave(from, ctl.GetIhave())
	r.handleIWant(from, ctl.GetIwant())
	r.handleGraft(from, ctl.GetGraft())
	r.handlePrune(from, ctl.GetPrune())
}

// handleReceivedSubscriptions implements §4.3: updates peer_topics/
// topic_peers and emits Subscribed/Unsubscribed app events. Unknown peers
// never reach here because InjectRPC already dropped the frame.
func (r *Router) handleReceivedSubscriptions(subs []*rpc.SubOpts, from peer.ID) {
	for _, s := range subs {
		if s.Subscribe {
			if r.idx.subscribe(from, s.TopicID) {
				r.queue.emit(AppEvent{Kind: EventSubscribed, Peer: from, Topic: s.TopicID})
			}
		} else {
			if r.idx.unsubscribe(from, s.TopicID) {
				r.queue.emit(AppEvent{Kind: EventUnsubscribed, Peer: from, Topic: s.TopicID})
			}
		}
	}
}

// handleReceivedMessage implements §4.3's handle_received_message: dedup,
// cache, app delivery for locally subscribed topics, and forwarding to the
// mesh/flood-only/explicit recipients of every topic the message lists,
// excluding the sender and the local node (§5 ordering guarantee (c)).
func (r *Router) handleReceivedMessage(msg *Message) {
	id := r.id(msg)
	if r.dedup.seen(id) {
		return // DuplicateMessage (§7): silently ignored, expected under gossip
	}
	r.dedup.markSeen(id)
	r.mcache.put(id, msg)

	for _, t := range msg.Topics {
		if _, subscribed := r.mySubs[t]; subscribed {
			r.queue.emit(AppEvent{Kind: EventMessage, Message: msg})
			break
		}
	}

	recipients := make(map[peer.ID]struct{})
	for _, t := range msg.Topics {
		if gmap, ok := r.mesh[t]; ok {
			for p := range gmap {
				recipients[p] = struct{}{}
			}
		}
		for _, p := range r.idx.topicPeerList(t) {
			if r.idx.isFloodOnly(p) {
				recipients[p] = struct{}{}
			}
		}
		for p := range r.direct {
			if _, subscribed := r.idx.topicPeers[t][p]; subscribed {
				recipients[p] = struct{}{}
			}
		}
	}
	delete(recipients, msg.ReceivedFrom)
	delete(recipients, r.localID)

	if len(recipients) == 0 {
		return
	}
	wire := msg.ToWire()
	for p := range recipients {
		r.queue.notify(p, &rpc.RPC{Publish: []*rpc.Message{wire}})
	}
}

// handleIHave implements §4.4's IHAVE handler plus the §4.11 flood-
// protection counters.
func (r *Router) handleIHave(from peer.ID, ihaves []*rpc.ControlIHave) {
	if len(ihaves) == 0 {
		return
	}

	r.peerhave[from]++
	if r.peerhave[from] > r.cfg.MaxIHaveMessages {
		log.Debugf("IHAVE: peer %s exceeded max IHAVE messages this heartbeat; ignoring", from)
		return
	}
	if r.iasked[from] >= r.cfg.MaxIHaveLength {
		log.Debugf("IHAVE: peer %s already exhausted the IHAVE id budget; ignoring", from)
		return
	}

	wanted := make(map[string]struct{})
	for _, ihave := range ihaves {
		if _, subscribed := r.mySubs[ihave.GetTopicID()]; !subscribed {
			continue
		}
		for _, id := range ihave.GetMessageIDs() {
			if r.dedup.seen(id) {
				continue
			}
			wanted[id] = struct{}{}
		}
	}
	if len(wanted) == 0 {
		return
	}

	ids := make([]string, 0, len(wanted))
	for id := range wanted {
		ids = append(ids, id)
	}
	shuffleStrings(r.cfg.Rand, ids)

	budget := r.cfg.MaxIHaveLength - r.iasked[from]
	if budget < len(ids) {
		ids = ids[:budget]
	}
	r.iasked[from] += len(ids)
	r.control.addIWant(from, ids)
}

// handleIWant implements §4.4's IWANT handler: cached messages are sent
// directly, bypassing the control pool.
func (r *Router) handleIWant(from peer.ID, iwants []*rpc.ControlIWant) {
	var toSend []*rpc.Message
	for _, iw := range iwants {
		for _, id := range iw.GetMessageIDs() {
			if msg, ok := r.mcache.get(id); ok {
				toSend = append(toSend, msg.ToWire())
			}
		}
	}
	if len(toSend) == 0 {
		return
	}
	r.queue.notify(from, &rpc.RPC{Publish: toSend})
}

// handleGraft implements §4.4's GRAFT handler.
func (r *Router) handleGraft(from peer.ID, grafts []*rpc.ControlGraft) {
	now := timeNow()
	for _, g := range grafts {
		topic := g.GetTopicID()

		if r.isExplicit(from) {
			log.Warnf("GRAFT: rejecting explicit peer %s for %s", from, topic)
			r.control.addPrune(from, r.makePrune(from, topic))
			continue
		}

		if r.backoff.active(from, topic, now) {
			log.Debugf("GRAFT: peer %s is backed off for %s", from, topic)
			r.backoff.add(from, topic, r.cfg.PruneBackoff+r.cfg.BackoffSlack)
			r.control.addPrune(from, r.makePrune(from, topic))
			continue
		}

		gmap, subscribed := r.mesh[topic]
		if !subscribed {
			r.control.addPrune(from, r.makePrune(from, topic))
			continue
		}

		log.Debugf("GRAFT: add mesh link to %s in %s", from, topic)
		gmap[from] = struct{}{}
	}
}

// handlePrune implements §4.4's PRUNE handler.
func (r *Router) handlePrune(from peer.ID, prunes []*rpc.ControlPrune) {
	dialBudget := r.cfg.PrunePeers
	dialed := make(map[peer.ID]struct{})
	for _, p := range prunes {
		topic := p.GetTopicID()
		if gmap, ok := r.mesh[topic]; ok {
			delete(gmap, from)
		}

		backoff := r.cfg.PruneBackoff
		if s := p.GetBackoff(); s > 0 {
			if given := secondsToDuration(s); given > backoff {
				backoff = given
			}
		}
		r.backoff.add(from, topic, backoff+r.cfg.BackoffSlack)

		for _, px := range p.GetPeers() {
			if dialBudget <= 0 {
				break
			}
			hinted := peer.ID(px.GetPeerID())
			if hinted == "" || r.idx.isConnected(hinted) {
				continue
			}
			if _, already := dialed[hinted]; already {
				continue
			}
			dialed[hinted] = struct{}{}
			r.queue.dial(hinted)
			dialBudget--
		}
	}
}

// makePrune builds the outgoing PRUNE for p/topic, attaching backoff and,
// when this node has PX enabled and the peer negotiated v1.1, up to
// prune_peers random mesh peer hints (§4.9/§4.10).
func (r *Router) makePrune(p peer.ID, topic string) *rpc.ControlPrune {
	backoffSecs := uint64((r.cfg.PruneBackoff + r.cfg.BackoffSlack) / secondUnit)

	pr, known := r.idx.get(p)
	if !known || pr.proto == ProtocolIDv10 {
		return &rpc.ControlPrune{TopicID: topic, Backoff: backoffSecs}
	}
	if !r.cfg.EnablePeerExchange {
		return &rpc.ControlPrune{TopicID: topic, Backoff: backoffSecs}
	}

	mesh := r.mesh[topic]
	if len(mesh) < r.cfg.PrunePeers {
		var px []*rpc.PeerInfo
		for xp := range mesh {
			if xp == p {
				continue
			}
			px = append(px, &rpc.PeerInfo{PeerID: rpc.PeerID(xp)})
		}
		return &rpc.ControlPrune{TopicID: topic, Peers: px, Backoff: backoffSecs}
	}

	candidates := make([]peer.ID, 0, len(mesh))
	for xp := range mesh {
		if xp != p {
			candidates = append(candidates, xp)
		}
	}
	shufflePeers(r.cfg.Rand, candidates)
	if len(candidates) > r.cfg.PrunePeers {
		candidates = candidates[:r.cfg.PrunePeers]
	}
	px := make([]*rpc.PeerInfo, 0, len(candidates))
	for _, xp := range candidates {
		px = append(px, &rpc.PeerInfo{PeerID: rpc.PeerID(xp)})
	}
	return &rpc.ControlPrune{TopicID: topic, Peers: px, Backoff: backoffSecs}
}
