package gossipsub

import (
	"github.com/libp2p/go-libp2p-core/peer"

	"github.com/libp2p/go-meshsub/rpc"
)

// Publish implements §4.2: builds a message with a random (well, monotonic
// counter-derived) sequence number and the configured source identity,
// computes its id, inserts it into the cache and dedup filter, selects
// recipients per the flood_publish/mesh/fanout precedence, and enqueues one
// NotifyHandler per recipient.
func (r *Router) Publish(topics []string, payload []byte) error {
	if len(topics) == 0 {
		return ErrNoTopics
	}

	msg := &Message{
		Data:   payload,
		Topics: topics,
	}
	switch r.cfg.ValidationMode {
	case ValidationAnonymous:
		// no source, no seqno
	default:
		msg.From = r.localID
		msg.Seqno = r.nextSeqno()
	}

	wire := msg.ToWire()
	if r.cfg.MaxTransmitSize > 0 && estimateWireSize(wire) > r.cfg.MaxTransmitSize {
		return &PublishError{Topic: topics[0], Err: ErrFrameTooLarge}
	}

	id := r.id(msg)
	r.mcache.put(id, msg)
	r.dedup.markSeen(id)

	recipients := make(map[peer.ID]struct{})
	for _, topic := range topics {
		r.collectPublishRecipients(topic, recipients)
	}
	for p := range r.direct {
		if r.idx.isConnected(p) {
			for _, t := range topics {
				if _, subscribed := r.idx.topicPeers[t][p]; subscribed {
					recipients[p] = struct{}{}
					break
				}
			}
		}
	}

	if len(recipients) == 0 {
		return &PublishError{Topic: topics[0], Err: ErrNoRecipients}
	}

	for p := range recipients {
		r.queue.notify(p, &rpc.RPC{Publish: []*rpc.Message{wire}})
	}
	return nil
}

// collectPublishRecipients adds to recipients the peers that should
// receive a locally published message for topic, per the precedence in
// §4.2: flood_publish > mesh > fanout > freshly materialized fanout.
func (r *Router) collectPublishRecipients(topic string, recipients map[peer.ID]struct{}) {
	if r.cfg.FloodPublish {
		for _, p := range r.idx.topicPeerList(topic) {
			if !r.isExplicit(p) {
				recipients[p] = struct{}{}
			}
		}
		return
	}

	if _, subscribed := r.mySubs[topic]; subscribed {
		if gmap, ok := r.mesh[topic]; ok {
			for p := range gmap {
				recipients[p] = struct{}{}
			}
			return
		}
	}

	if gmap, ok := r.fanout[topic]; ok {
		for p := range gmap {
			recipients[p] = struct{}{}
		}
		r.fanoutLastPub[topic] = timeNow()
		return
	}

	picked := r.eligibleMeshCandidates(topic, r.cfg.MeshN, nil)
	if len(picked) == 0 {
		return
	}
	gmap := peerListToSet(picked)
	r.fanout[topic] = gmap
	r.fanoutLastPub[topic] = timeNow()
	for p := range gmap {
		recipients[p] = struct{}{}
	}
}

// estimateWireSize is a cheap, allocation-free stand-in for the actual wire
// encoder (external collaborator, §1): it sums the byte-representable
// fields so PublishError/ErrFrameTooLarge can be enforced without owning
// the real framing format.
func estimateWireSize(m *rpc.Message) int {
	n := len(m.Data) + len(m.From) + len(m.Seqno) + len(m.Signature) + len(m.Key)
	for _, t := range m.Topics {
		n += len(t)
	}
	return n
}
