package gossipsub

// messageCache is the windowed, generation-partitioned cache described in
// §3/§4.6: a bounded set of recently seen messages used to answer IWANT and
// to advertise IHAVE ids, aged by "shifting" rather than by wall-clock TTL.
type messageCache struct {
	historyGossip int
	historyLength int

	// msgs indexes every cached message by id for O(1) Get, independent of
	// which generation it lives in.
	msgs map[string]*Message

	// history[0] is the newest generation; history[historyLength-1] is the
	// oldest. Each entry is the ordered list of message ids put during that
	// generation.
	history [][]string
}

func newMessageCache(historyGossip, historyLength int) *messageCache {
	mc := &messageCache{
		historyGossip: historyGossip,
		historyLength: historyLength,
		msgs:          make(map[string]*Message),
		history:       make([][]string, historyLength),
	}
	for i := range mc.history {
		mc.history[i] = nil
	}
	return mc
}

// put inserts msg under id into the newest generation. Invariant: dedup and
// cache key exclusively on message-id (§3), so a re-Put of an id already
// present only refreshes the stored message, it never creates a second
// generation entry.
func (mc *messageCache) put(id string, msg *Message) {
	if _, exists := mc.msgs[id]; !exists {
		mc.history[0] = append(mc.history[0], id)
	}
	mc.msgs[id] = msg
}

// get returns the message for id if it is present in any generation.
func (mc *messageCache) get(id string) (*Message, bool) {
	msg, ok := mc.msgs[id]
	return msg, ok
}

// getGossipIDs returns the ids from the first historyGossip generations
// whose message lists topic, for IHAVE advertisement.
func (mc *messageCache) getGossipIDs(topic string) []string {
	var ids []string
	n := mc.historyGossip
	if n > len(mc.history) {
		n = len(mc.history)
	}
	for i := 0; i < n; i++ {
		for _, id := range mc.history[i] {
			msg, ok := mc.msgs[id]
			if !ok {
				continue
			}
			for _, t := range msg.Topics {
				if t == topic {
					ids = append(ids, id)
					break
				}
			}
		}
	}
	return ids
}

// shift rotates generations by one, evicting the oldest. At most
// historyLength generations exist at any time (§4.6 invariant).
func (mc *messageCache) shift() {
	last := mc.history[len(mc.history)-1]
	for _, id := range last {
		delete(mc.msgs, id)
	}
	copy(mc.history[1:], mc.history[:len(mc.history)-1])
	mc.history[0] = nil
}
