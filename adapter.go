package gossipsub

import (
	"time"

	"github.com/libp2p/go-libp2p-core/peer"

	"github.com/libp2p/go-meshsub/rpc"
)

// Adapter is the small capability set the host implements, matching the
// Design Notes' "dynamic-dispatch handler types": the router is polymorphic
// over { send_rpc, dial, emit_app_event } and only ever calls into the host
// while draining the event queue inside Poll — never from inject_* or the
// Subscribe/Publish API directly, and never concurrently with itself.
type Adapter interface {
	// SendRPC hands an outbound frame to the host for delivery to peer p.
	// The host owns framing, the wire codec, and the actual socket write;
	// all of that is the external collaborator named in §1.
	SendRPC(p peer.ID, out *rpc.RPC)

	// DialPeer asks the host to (re)connect to p. This is advisory per
	// §5: the host may drop it.
	DialPeer(p peer.ID)

	// EmitEvent delivers one app-facing event (Message/Subscribed/
	// Unsubscribed, §6) to the application.
	EmitEvent(ev AppEvent)
}

// Poll drains the event queue built up since the last Poll call, invoking
// the Adapter for each entry in FIFO order (§5 ordering guarantee (d)), and
// first fires the heartbeat if at least HeartbeatInterval has elapsed since
// the last one (or, before the first heartbeat, if HeartbeatInitialDelay has
// elapsed since the first Poll call).
//
// Poll is the only place the router calls into Adapter; everything else
// (Subscribe, Publish, InjectRPC, InjectConnected, ...) only mutates
// in-memory state and appends to the queue. This keeps the router a
// synchronous state machine with no suspension points (§5), driven entirely
// by the host's choice of when to call Poll.
func (r *Router) Poll(now time.Time) {
	r.maybeHeartbeat(now)

	for _, ev := range r.queue.drain() {
		switch ev.kind {
		case outboundNotify:
			r.adapter.SendRPC(ev.peer, ev.rpc)
		case outboundDial:
			r.adapter.DialPeer(ev.peer)
		case outboundAppEvent:
			r.adapter.EmitEvent(*ev.app)
		}
	}
}
