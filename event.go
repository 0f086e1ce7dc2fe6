package gossipsub

import (
	"github.com/libp2p/go-libp2p-core/peer"

	"github.com/libp2p/go-meshsub/rpc"
)

// AppEventKind discriminates the app-facing events listed in §6.
type AppEventKind int

const (
	// EventMessage carries a fully processed message up to the
	// application.
	EventMessage AppEventKind = iota
	// EventSubscribed fires when a peer announces a new subscription.
	EventSubscribed
	// EventUnsubscribed fires when a peer withdraws a subscription.
	EventUnsubscribed
)

// AppEvent is one of the Message/Subscribed/Unsubscribed events of §6.
type AppEvent struct {
	Kind    AppEventKind
	Message *Message // set iff Kind == EventMessage
	Peer    peer.ID  // set iff Kind == EventSubscribed/EventUnsubscribed
	Topic   string   // set iff Kind == EventSubscribed/EventUnsubscribed
}

// outboundKind discriminates the three event-queue entries of §3/§6:
// NotifyHandler, DialPeer, GenerateEvent.
type outboundKind int

const (
	outboundNotify outboundKind = iota
	outboundDial
	outboundAppEvent
)

// outboundEvent is one FIFO entry in the router's event queue. It is
// intentionally unexported: the only way to observe it is through Poll
// draining it into Adapter calls, per the Design Notes ("the router calls
// into [the adapter] only during poll drain").
type outboundEvent struct {
	kind outboundKind

	peer peer.ID
	rpc  *rpc.RPC

	app *AppEvent
}

// eventQueue is the FIFO of §3. It is drained strictly through Poll
// (§5): nothing else in the router reads it.
type eventQueue struct {
	items []outboundEvent
}

func (q *eventQueue) notify(p peer.ID, out *rpc.RPC) {
	if out.Empty() {
		return
	}
	q.items = append(q.items, outboundEvent{kind: outboundNotify, peer: p, rpc: out})
}

func (q *eventQueue) dial(p peer.ID) {
	q.items = append(q.items, outboundEvent{kind: outboundDial, peer: p})
}

func (q *eventQueue) emit(ev AppEvent) {
	e := ev
	q.items = append(q.items, outboundEvent{kind: outboundAppEvent, app: &e})
}

func (q *eventQueue) len() int { return len(q.items) }

// drain removes and returns every queued event, in FIFO order, resetting
// the queue. Poll calls this exactly once per invocation.
func (q *eventQueue) drain() []outboundEvent {
	items := q.items
	q.items = nil
	return items
}
