package gossipsub

import "testing"

func TestMessageCacheGossipWindowAndEviction(t *testing.T) {
	mc := newMessageCache(2, 3)

	put := func(id, topic string) {
		mc.put(id, &Message{Topics: []string{topic}})
	}

	put("m1", "a")
	put("m2", "b")
	mc.shift()
	put("m3", "a")
	mc.shift()
	put("m4", "a")

	ids := mc.getGossipIDs("a")
	want := map[string]bool{"m3": true, "m4": true}
	if len(ids) != len(want) {
		t.Fatalf("getGossipIDs(a) = %v, want keys of %v", ids, want)
	}
	for _, id := range ids {
		if !want[id] {
			t.Fatalf("unexpected id %s in gossip window", id)
		}
	}

	if _, ok := mc.get("m1"); !ok {
		t.Fatalf("m1 evicted too early: historyLength is 3 and only 2 shifts have happened")
	}

	mc.shift()
	if _, ok := mc.get("m1"); ok {
		t.Fatalf("m1 should have been evicted after its generation aged out")
	}
	if _, ok := mc.get("m4"); !ok {
		t.Fatalf("m4 should still be cached")
	}
}

func TestDedupFilterMarksOnce(t *testing.T) {
	d := newDedupFilter(TimeCacheDuration)

	if d.seen("x") {
		t.Fatalf("fresh filter reports an unseen id as seen")
	}
	if !d.markSeen("x") {
		t.Fatalf("first markSeen should report freshly marked")
	}
	if d.markSeen("x") {
		t.Fatalf("second markSeen should report already seen")
	}
	if !d.seen("x") {
		t.Fatalf("id marked seen should report seen")
	}
}
