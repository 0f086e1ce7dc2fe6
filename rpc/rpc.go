// Package rpc defines the semantic shape of the gossipsub wire frame.
//
// The frame's byte-level encoding is an external collaborator (a
// length-prefixed stream with its own per-connection upgrade handshake) and
// is deliberately not implemented here. These types only carry the fields
// the router itself reasons about, with accessor methods that tolerate nil
// receivers so callers can chain Get* the way hand-written protobuf
// bindings traditionally allow.
package rpc

// PeerID is the raw bytes of a libp2p peer id, as carried in peer exchange
// hints. The router's own peer identity type (peer.ID) is reconstructed
// from this at the edges; the wire type stays untyped bytes because peer
// identity parsing belongs to the swarm.
type PeerID []byte

// Message is a single pubsub message as it appears inside an RPC frame.
type Message struct {
	From      []byte
	Data      []byte
	Seqno     []byte
	Topics    []string
	Signature []byte
	Key       []byte
}

func (m *Message) GetFrom() []byte {
	if m == nil {
		return nil
	}
	return m.From
}

func (m *Message) GetData() []byte {
	if m == nil {
		return nil
	}
	return m.Data
}

func (m *Message) GetSeqno() []byte {
	if m == nil {
		return nil
	}
	return m.Seqno
}

func (m *Message) GetTopics() []string {
	if m == nil {
		return nil
	}
	return m.Topics
}

// SubOpts is one subscription-state delta: subscribe or unsubscribe from a
// single topic.
type SubOpts struct {
	Subscribe bool
	TopicID   string
}

// PeerInfo is a peer-exchange hint attached to a PRUNE.
type PeerInfo struct {
	PeerID           PeerID
	SignedPeerRecord []byte
}

func (pi *PeerInfo) GetPeerID() PeerID {
	if pi == nil {
		return nil
	}
	return pi.PeerID
}

// ControlIHave advertises message ids the sender has cached for a topic.
type ControlIHave struct {
	TopicID    string
	MessageIDs []string
}

func (c *ControlIHave) GetTopicID() string {
	if c == nil {
		return ""
	}
	return c.TopicID
}

func (c *ControlIHave) GetMessageIDs() []string {
	if c == nil {
		return nil
	}
	return c.MessageIDs
}

// ControlIWant requests delivery of previously advertised message ids.
type ControlIWant struct {
	MessageIDs []string
}

func (c *ControlIWant) GetMessageIDs() []string {
	if c == nil {
		return nil
	}
	return c.MessageIDs
}

// ControlGraft asks the receiver to add the sender to mesh[topic].
type ControlGraft struct {
	TopicID string
}

func (c *ControlGraft) GetTopicID() string {
	if c == nil {
		return ""
	}
	return c.TopicID
}

// ControlPrune tells the receiver to remove the sender from mesh[topic],
// optionally carrying peer-exchange hints and a backoff duration in
// seconds.
type ControlPrune struct {
	TopicID string
	Peers   []*PeerInfo
	Backoff uint64 // seconds; 0 means "unspecified"
}

func (c *ControlPrune) GetTopicID() string {
	if c == nil {
		return ""
	}
	return c.TopicID
}

func (c *ControlPrune) GetPeers() []*PeerInfo {
	if c == nil {
		return nil
	}
	return c.Peers
}

func (c *ControlPrune) GetBackoff() uint64 {
	if c == nil {
		return 0
	}
	return c.Backoff
}

// ControlMessage is the control block of an RPC frame.
type ControlMessage struct {
	Ihave []*ControlIHave
	Iwant []*ControlIWant
	Graft []*ControlGraft
	Prune []*ControlPrune
}

func (c *ControlMessage) GetIhave() []*ControlIHave {
	if c == nil {
		return nil
	}
	return c.Ihave
}

func (c *ControlMessage) GetIwant() []*ControlIWant {
	if c == nil {
		return nil
	}
	return c.Iwant
}

func (c *ControlMessage) GetGraft() []*ControlGraft {
	if c == nil {
		return nil
	}
	return c.Graft
}

func (c *ControlMessage) GetPrune() []*ControlPrune {
	if c == nil {
		return nil
	}
	return c.Prune
}

// RPC is a full frame: subscription deltas, full messages, and a control
// block. Any of the three may be empty.
type RPC struct {
	Subscriptions []*SubOpts
	Publish       []*Message
	Control       *ControlMessage
}

func (r *RPC) GetSubscriptions() []*SubOpts {
	if r == nil {
		return nil
	}
	return r.Subscriptions
}

func (r *RPC) GetPublish() []*Message {
	if r == nil {
		return nil
	}
	return r.Publish
}

func (r *RPC) GetControl() *ControlMessage {
	if r == nil {
		return nil
	}
	return r.Control
}

// Empty reports whether the frame carries nothing at all, which is used to
// avoid enqueueing a no-op send.
func (r *RPC) Empty() bool {
	return r == nil || (len(r.Subscriptions) == 0 && len(r.Publish) == 0 && r.Control == nil)
}
