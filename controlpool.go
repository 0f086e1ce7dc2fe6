package gossipsub

import (
	"github.com/libp2p/go-libp2p-core/peer"

	"github.com/libp2p/go-meshsub/rpc"
)

// pendingControl is the per-peer ordered sequence of control actions of
// §3's Pending control pool: GRAFT, PRUNE, and IHAVE/IWANT accumulated
// between heartbeats. Message forwards and IWANT-triggered message
// delivery bypass this pool entirely and are sent immediately (§4.4), so
// this type only ever holds the four control-message kinds.
type pendingControl struct {
	graft []*rpc.ControlGraft
	prune []*rpc.ControlPrune
	ihave []*rpc.ControlIHave
	iwant []string // message ids, deduplicated, coalesced into one ControlIWant on flush
}

func (pc *pendingControl) empty() bool {
	return pc == nil || (len(pc.graft) == 0 && len(pc.prune) == 0 && len(pc.ihave) == 0 && len(pc.iwant) == 0)
}

// controlPool is the per-peer map the component table calls "Control-pool/
// dispatch": it coalesces per-peer control actions between heartbeats and,
// on flush, drains them into one outbound RPC frame per peer.
type controlPool struct {
	byPeer map[peer.ID]*pendingControl
}

func newControlPool() *controlPool {
	return &controlPool{byPeer: make(map[peer.ID]*pendingControl)}
}

func (cp *controlPool) entry(p peer.ID) *pendingControl {
	pc, ok := cp.byPeer[p]
	if !ok {
		pc = &pendingControl{}
		cp.byPeer[p] = pc
	}
	return pc
}

func (cp *controlPool) addGraft(p peer.ID, topic string) {
	pc := cp.entry(p)
	pc.graft = append(pc.graft, &rpc.ControlGraft{TopicID: topic})
}

func (cp *controlPool) addPrune(p peer.ID, prune *rpc.ControlPrune) {
	pc := cp.entry(p)
	pc.prune = append(pc.prune, prune)
}

func (cp *controlPool) addIHave(p peer.ID, ihave *rpc.ControlIHave) {
	pc := cp.entry(p)
	pc.ihave = append(pc.ihave, ihave)
}

// addIWant coalesces ids into the single pending IWANT for p, skipping ids
// already queued.
func (cp *controlPool) addIWant(p peer.ID, ids []string) {
	if len(ids) == 0 {
		return
	}
	pc := cp.entry(p)
	seen := make(map[string]struct{}, len(pc.iwant))
	for _, id := range pc.iwant {
		seen[id] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		pc.iwant = append(pc.iwant, id)
	}
}

// flush drains every peer's pending control into one rpc.RPC each, clearing
// the pool, matching §4.5 step 6.
func (cp *controlPool) flush() map[peer.ID]*rpc.RPC {
	out := make(map[peer.ID]*rpc.RPC, len(cp.byPeer))
	for p, pc := range cp.byPeer {
		if pc.empty() {
			continue
		}
		ctl := &rpc.ControlMessage{
			Graft: pc.graft,
			Prune: pc.prune,
			Ihave: pc.ihave,
		}
		if len(pc.iwant) > 0 {
			ctl.Iwant = []*rpc.ControlIWant{{MessageIDs: pc.iwant}}
		}
		out[p] = &rpc.RPC{Control: ctl}
	}
	cp.byPeer = make(map[peer.ID]*pendingControl)
	return out
}
