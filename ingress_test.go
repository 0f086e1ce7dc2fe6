package gossipsub

import (
	"testing"

	"github.com/libp2p/go-libp2p-core/peer"

	"github.com/libp2p/go-meshsub/rpc"
)

// TestDuplicateSuppression covers §8 scenario 6: a message already seen by
// its id must not be delivered to the application or forwarded a second
// time.
func TestDuplicateSuppression(t *testing.T) {
	r, a := newTestRouter(t)
	peers := connectPeers(r, "topic-a", 3, 1)
	r.mySubs["topic-a"] = struct{}{}
	r.mesh["topic-a"] = peerListToSet(peers)

	msg := &Message{
		From:         peers[0],
		Data:         []byte("hello"),
		Seqno:        []byte{0, 0, 0, 0, 0, 0, 0, 1},
		Topics:       []string{"topic-a"},
		ReceivedFrom: peers[0],
	}

	r.handleReceivedMessage(msg)
	fireHeartbeat(r, timeNow())
	if len(a.events) != 1 {
		t.Fatalf("got %d app events after first delivery, want 1", len(a.events))
	}
	firstSendCount := len(a.sent)

	r.handleReceivedMessage(msg)
	fireHeartbeat(r, timeNow())
	if len(a.events) != 1 {
		t.Fatalf("duplicate message produced a second app event")
	}
	if len(a.sent) != firstSendCount {
		t.Fatalf("duplicate message was forwarded again: %d sends, want %d", len(a.sent), firstSendCount)
	}
}

// TestHandleReceivedMessageExcludesSender verifies that forwarding never
// loops a message back to the peer that sent it.
func TestHandleReceivedMessageExcludesSender(t *testing.T) {
	r, a := newTestRouter(t)
	peers := connectPeers(r, "topic-a", 3, 1)
	r.mesh["topic-a"] = peerListToSet(peers)

	msg := &Message{
		From:         peers[0],
		Data:         []byte("hello"),
		Seqno:        []byte{0, 0, 0, 0, 0, 0, 0, 2},
		Topics:       []string{"topic-a"},
		ReceivedFrom: peers[0],
	}
	r.handleReceivedMessage(msg)
	fireHeartbeat(r, timeNow())

	if len(a.rpcFor(peers[0])) != 0 {
		t.Fatalf("message was forwarded back to its sender")
	}
	if len(a.rpcFor(peers[1])) == 0 || len(a.rpcFor(peers[2])) == 0 {
		t.Fatalf("message was not forwarded to the other mesh peers")
	}
}

// TestHandleGraftAdmitsSubscribedPeer verifies the accept path of
// handleGraft: a non-explicit, non-backed-off peer requesting a topic this
// node is meshed for is added to the mesh without a PRUNE.
func TestHandleGraftAdmitsSubscribedPeer(t *testing.T) {
	r, a := newTestRouter(t)
	p := connectPeers(r, "topic-a", 1, 1)[0]
	r.mesh["topic-a"] = map[peer.ID]struct{}{}

	r.handleGraft(p, []*rpc.ControlGraft{{TopicID: "topic-a"}})

	if _, ok := r.mesh["topic-a"][p]; !ok {
		t.Fatalf("peer was not admitted to the mesh")
	}
	fireHeartbeat(r, timeNow())
	for _, msg := range a.rpcFor(p) {
		if ctl := msg.GetControl(); ctl != nil && len(ctl.GetPrune()) > 0 {
			t.Fatalf("accepted GRAFT unexpectedly produced a PRUNE")
		}
	}
}

// TestHandleIWantDeliversCachedMessage verifies IWANT bypasses the control
// pool and sends immediately (§4.4).
func TestHandleIWantDeliversCachedMessage(t *testing.T) {
	r, a := newTestRouter(t)
	p := connectPeers(r, "topic-a", 1, 1)[0]

	msg := &Message{
		From:   r.localID,
		Data:   []byte("payload"),
		Seqno:  []byte{0, 0, 0, 0, 0, 0, 0, 3},
		Topics: []string{"topic-a"},
	}
	id := r.id(msg)
	r.mcache.put(id, msg)

	r.handleIWant(p, []*rpc.ControlIWant{{MessageIDs: []string{id}}})
	fireHeartbeat(r, timeNow())

	found := false
	for _, out := range a.rpcFor(p) {
		for _, wm := range out.GetPublish() {
			if string(wm.GetSeqno()) == string(msg.Seqno) {
				found = true
			}
		}
	}
	if !found {
		t.Fatalf("IWANT did not deliver the cached message")
	}
}
