package gossipsub

import (
	"testing"
)

// TestPublishFloodPublishReachesAllTopicPeers verifies the default
// flood_publish=true precedence of §4.2: every peer subscribed to a
// published topic receives the message, not just the mesh.
func TestPublishFloodPublishReachesAllTopicPeers(t *testing.T) {
	r, a := newTestRouter(t)
	peers := connectPeers(r, "topic-a", 5, 1)

	if err := r.Publish([]string{"topic-a"}, []byte("hi")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	fireHeartbeat(r, timeNow())

	for _, p := range peers {
		if len(a.rpcFor(p)) == 0 {
			t.Fatalf("peer %s did not receive the flood-published message", p)
		}
	}
}

// TestPublishFallsBackToMeshWhenFloodDisabled verifies that with
// flood_publish disabled, a locally subscribed topic publishes only to the
// mesh.
func TestPublishFallsBackToMeshWhenFloodDisabled(t *testing.T) {
	r, a := newTestRouter(t, WithFloodPublish(false))
	peers := connectPeers(r, "topic-a", 10, 1)
	r.Subscribe("topic-a")
	now := timeNow()
	fireHeartbeat(r, now)
	a.reset()

	if err := r.Publish([]string{"topic-a"}, []byte("hi")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	fireHeartbeat(r, now)

	mesh := r.mesh["topic-a"]
	for _, p := range peers {
		_, inMesh := mesh[p]
		got := len(a.rpcFor(p)) > 0
		if got != inMesh {
			t.Fatalf("peer %s: received=%v, inMesh=%v", p, got, inMesh)
		}
	}
}

// TestPublishNoRecipientsError verifies ErrNoRecipients surfaces through
// PublishError when nobody is eligible.
func TestPublishNoRecipientsError(t *testing.T) {
	r, _ := newTestRouter(t, WithFloodPublish(false))

	err := r.Publish([]string{"topic-a"}, []byte("hi"))
	if err == nil {
		t.Fatalf("expected an error publishing with no peers")
	}
	pubErr, ok := err.(*PublishError)
	if !ok {
		t.Fatalf("expected *PublishError, got %T", err)
	}
	if pubErr.Err != ErrNoRecipients {
		t.Fatalf("expected ErrNoRecipients, got %v", pubErr.Err)
	}
}
