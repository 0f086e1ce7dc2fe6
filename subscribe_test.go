package gossipsub

import (
	"testing"
	"time"
)

// TestSubscribeFloodsSubscription covers §8 scenario 1: Subscribe must
// announce the new topic to every currently connected peer, whether or not
// that peer has ever shown interest in it.
func TestSubscribeFloodsSubscription(t *testing.T) {
	r, a := newTestRouter(t)
	peers := connectPeers(r, "other-topic", 3, 1)
	a.reset()

	if !r.Subscribe("topic-a") {
		t.Fatalf("Subscribe returned false on first call")
	}
	fireHeartbeat(r, time.Now())

	for _, p := range peers {
		msgs := a.rpcFor(p)
		if len(msgs) == 0 {
			t.Fatalf("peer %s received no RPC after Subscribe", p)
		}
		found := false
		for _, m := range msgs {
			for _, s := range m.GetSubscriptions() {
				if s.TopicID == "topic-a" && s.Subscribe {
					found = true
				}
			}
		}
		if !found {
			t.Fatalf("peer %s never received a SUBSCRIBE for topic-a", p)
		}
	}

	if r.Subscribe("topic-a") {
		t.Fatalf("second Subscribe to the same topic should be a no-op")
	}
}

// TestJoinBuildsMeshOfMeshN covers §8 scenario 2: with more eligible peers
// than mesh_n, JOIN must bring the mesh up to exactly mesh_n members and
// queue a GRAFT for each one.
func TestJoinBuildsMeshOfMeshN(t *testing.T) {
	r, a := newTestRouter(t)
	connectPeers(r, "topic-a", 10, 1)

	r.Subscribe("topic-a")

	mesh, ok := r.mesh["topic-a"]
	if !ok {
		t.Fatalf("topic-a has no mesh after Subscribe")
	}
	if len(mesh) != r.cfg.MeshN {
		t.Fatalf("mesh size = %d, want %d", len(mesh), r.cfg.MeshN)
	}

	fireHeartbeat(r, time.Now())

	grafted := make(map[string]bool)
	for p := range mesh {
		for _, msg := range a.rpcFor(p) {
			ctl := msg.GetControl()
			if ctl == nil {
				continue
			}
			for _, g := range ctl.GetGraft() {
				if g.GetTopicID() == "topic-a" {
					grafted[string(p)] = true
				}
			}
		}
	}
	if len(grafted) != len(mesh) {
		t.Fatalf("got GRAFT for %d mesh peers, want %d", len(grafted), len(mesh))
	}
}
