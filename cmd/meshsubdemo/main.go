// Command meshsubdemo is a minimal host driver for package gossipsub. It
// wires a handful of in-process routers together through a fake transport
// and runs the Poll loop, demonstrating the separation the Design Notes
// call for: a single-threaded actor loop driving the router, alongside a
// bounded worker pool draining DialPeer events concurrently.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p-core/peer"
	"golang.org/x/sync/semaphore"

	"github.com/libp2p/go-meshsub"
	"github.com/libp2p/go-meshsub/rpc"
)

// fakeSwarm hands NotifyHandler frames directly to the destination
// router's InjectRPC, and prints DialPeer requests, standing in for the
// real wire codec/transport named as an out-of-scope external collaborator
// in §1.
type fakeSwarm struct {
	mu      sync.Mutex
	routers map[peer.ID]*gossipsub.Router
	sem     *semaphore.Weighted
}

func newFakeSwarm(maxConcurrentDials int64) *fakeSwarm {
	return &fakeSwarm{
		routers: make(map[peer.ID]*gossipsub.Router),
		sem:     semaphore.NewWeighted(maxConcurrentDials),
	}
}

// hostAdapter binds a fakeSwarm to the identity of a single node, so each
// Router gets its own Adapter while sharing the transport fabric.
type hostAdapter struct {
	self  peer.ID
	swarm *fakeSwarm
}

func (h *hostAdapter) SendRPC(p peer.ID, out *rpc.RPC) {
	h.swarm.mu.Lock()
	dst := h.swarm.routers[p]
	h.swarm.mu.Unlock()
	if dst == nil {
		return
	}
	dst.InjectRPC(h.self, out)
}

// DialPeer is advisory (§5): the bounded worker pool below drains it
// concurrently with the single-threaded Poll loop, keeping connection
// setup off the main actor.
func (h *hostAdapter) DialPeer(p peer.ID) {
	ctx := context.Background()
	if err := h.swarm.sem.Acquire(ctx, 1); err != nil {
		return
	}
	go func() {
		defer h.swarm.sem.Release(1)
		time.Sleep(5 * time.Millisecond) // simulated dial latency
		fmt.Printf("%s: dialed %s\n", h.self, p)
	}()
}

func (h *hostAdapter) EmitEvent(ev gossipsub.AppEvent) {
	switch ev.Kind {
	case gossipsub.EventMessage:
		fmt.Printf("%s: message on %v: %q\n", h.self, ev.Message.Topics, ev.Message.Data)
	case gossipsub.EventSubscribed:
		fmt.Printf("%s: %s subscribed to %s\n", h.self, ev.Peer, ev.Topic)
	case gossipsub.EventUnsubscribed:
		fmt.Printf("%s: %s unsubscribed from %s\n", h.self, ev.Peer, ev.Topic)
	}
}

func main() {
	nodes := flag.Int("nodes", 10, "number of simulated peers")
	ticks := flag.Int("ticks", 5, "number of heartbeat ticks to run")
	topic := flag.String("topic", "demo", "topic to subscribe every node to")
	flag.Parse()

	swarm := newFakeSwarm(4)
	routers := make([]*gossipsub.Router, *nodes)
	ids := make([]peer.ID, *nodes)

	for i := 0; i < *nodes; i++ {
		id := peer.ID(fmt.Sprintf("node-%02d", i))
		ids[i] = id
		r, err := gossipsub.NewRouter(id, &hostAdapter{self: id, swarm: swarm},
			gossipsub.WithRand(rand.New(rand.NewSource(int64(i)+1))),
		)
		if err != nil {
			panic(err)
		}
		routers[i] = r
		swarm.routers[id] = r
	}

	// Fully connect the simulated mesh so JOIN/heartbeat repair has peers
	// to pick from.
	for i, r := range routers {
		for j, other := range routers {
			if i == j {
				continue
			}
			r.InjectConnected(ids[j], gossipsub.ProtocolIDv11)
			_ = other
		}
	}

	for _, r := range routers {
		r.Subscribe(*topic)
	}

	now := time.Now()
	for t := 0; t < *ticks; t++ {
		now = now.Add(gossipsub.DefaultHeartbeatInterval)
		for _, r := range routers {
			r.Poll(now)
		}
	}

	if err := routers[0].Publish([]string{*topic}, []byte("hello mesh")); err != nil {
		fmt.Println("publish error:", err)
	}
	now = now.Add(gossipsub.DefaultHeartbeatInterval)
	for _, r := range routers {
		r.Poll(now)
	}
}
