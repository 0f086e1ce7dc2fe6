package gossipsub

import (
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-core/protocol"
)

// peerKind distinguishes gossipsub-capable peers (speak v1.0 or v1.1) from
// flood-only peers that only ever receive/forward full messages outside the
// mesh.
type peerKind int

const (
	peerKindGossipsub peerKind = iota
	peerKindFloodOnly
)

// peerRecord is the per-connected-peer bookkeeping described in §3: the
// insertion-ordered set of topics the peer announced, and its kind.
type peerRecord struct {
	proto protocol.ID
	kind  peerKind

	// topicOrder preserves the order in which the peer announced its
	// topics; topicSet is the membership test.
	topicOrder []string
	topicSet   map[string]struct{}
}

func newPeerRecord(proto protocol.ID, kind peerKind) *peerRecord {
	return &peerRecord{
		proto:    proto,
		kind:     kind,
		topicSet: make(map[string]struct{}),
	}
}

func (pr *peerRecord) hasTopic(t string) bool {
	_, ok := pr.topicSet[t]
	return ok
}

func (pr *peerRecord) addTopic(t string) {
	if pr.hasTopic(t) {
		return
	}
	pr.topicSet[t] = struct{}{}
	pr.topicOrder = append(pr.topicOrder, t)
}

func (pr *peerRecord) removeTopic(t string) {
	if !pr.hasTopic(t) {
		return
	}
	delete(pr.topicSet, t)
	for i, x := range pr.topicOrder {
		if x == t {
			pr.topicOrder = append(pr.topicOrder[:i], pr.topicOrder[i+1:]...)
			break
		}
	}
}

// peerIndex owns the two parallel maps described in Design Note 1
// (peer_topics, topic_peers) and mutates them only through the pair of
// methods below, so the §3 invariant "a peer appears in topic_peers[t] iff
// its peer record lists t" can never drift.
type peerIndex struct {
	peers      map[peer.ID]*peerRecord
	topicPeers map[string]map[peer.ID]struct{}
}

func newPeerIndex() *peerIndex {
	return &peerIndex{
		peers:      make(map[peer.ID]*peerRecord),
		topicPeers: make(map[string]map[peer.ID]struct{}),
	}
}

func (idx *peerIndex) connect(p peer.ID, proto protocol.ID, kind peerKind) *peerRecord {
	idx.disconnect(p)
	pr := newPeerRecord(proto, kind)
	idx.peers[p] = pr
	return pr
}

func (idx *peerIndex) disconnect(p peer.ID) {
	pr, ok := idx.peers[p]
	if !ok {
		return
	}
	for t := range pr.topicSet {
		idx.removeFromTopic(p, t)
	}
	delete(idx.peers, p)
}

// subscribe records that peer p announced topic t, updating both sides of
// the pair atomically.
func (idx *peerIndex) subscribe(p peer.ID, t string) bool {
	pr, ok := idx.peers[p]
	if !ok {
		return false
	}
	if pr.hasTopic(t) {
		return false
	}
	pr.addTopic(t)
	tmap, ok := idx.topicPeers[t]
	if !ok {
		tmap = make(map[peer.ID]struct{})
		idx.topicPeers[t] = tmap
	}
	tmap[p] = struct{}{}
	return true
}

// unsubscribe is the inverse of subscribe.
func (idx *peerIndex) unsubscribe(p peer.ID, t string) bool {
	pr, ok := idx.peers[p]
	if !ok || !pr.hasTopic(t) {
		return false
	}
	idx.removeFromTopic(p, t)
	return true
}

func (idx *peerIndex) removeFromTopic(p peer.ID, t string) {
	if pr, ok := idx.peers[p]; ok {
		pr.removeTopic(t)
	}
	if tmap, ok := idx.topicPeers[t]; ok {
		delete(tmap, p)
		if len(tmap) == 0 {
			delete(idx.topicPeers, t)
		}
	}
}

func (idx *peerIndex) get(p peer.ID) (*peerRecord, bool) {
	pr, ok := idx.peers[p]
	return pr, ok
}

func (idx *peerIndex) isConnected(p peer.ID) bool {
	_, ok := idx.peers[p]
	return ok
}

// topicPeerList returns the (unordered) peers subscribed to t.
func (idx *peerIndex) topicPeerList(t string) []peer.ID {
	tmap, ok := idx.topicPeers[t]
	if !ok {
		return nil
	}
	out := make([]peer.ID, 0, len(tmap))
	for p := range tmap {
		out = append(out, p)
	}
	return out
}

func (idx *peerIndex) isGossipsubCapable(p peer.ID) bool {
	pr, ok := idx.peers[p]
	return ok && pr.kind == peerKindGossipsub
}

func (idx *peerIndex) isFloodOnly(p peer.ID) bool {
	pr, ok := idx.peers[p]
	return ok && pr.kind == peerKindFloodOnly
}
