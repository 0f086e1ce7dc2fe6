package gossipsub

import (
	"encoding/binary"

	"github.com/libp2p/go-libp2p-core/peer"

	"github.com/libp2p/go-meshsub/rpc"
)

// Message is the router's in-memory representation of a pubsub message,
// matching the fields listed in §3: an optional source, payload, optional
// sequence number, topic list, optional signature/key, and a validated
// flag. It wraps the wire shape (rpc.Message).
type Message struct {
	From      peer.ID
	Data      []byte
	Seqno     []byte
	Topics    []string
	Signature []byte
	Key       []byte

	// Validated records whether this message has passed the (externally
	// owned) validation pipeline. The router never runs validation
	// itself; it only carries the flag so ingress can assume messages
	// reaching handle_received_message are already validated.
	Validated bool

	// ReceivedFrom is the peer that handed us this message, which may
	// differ from From (the message's claimed author) when the message
	// was forwarded. Empty when the message originated from a local
	// Publish call.
	ReceivedFrom peer.ID
}

// ToWire converts a Message to its wire representation. Signing and
// envelope construction are the external validation collaborator's
// responsibility (§1); this only arranges the fields.
func (m *Message) ToWire() *rpc.Message {
	return &rpc.Message{
		From:      []byte(m.From),
		Data:      m.Data,
		Seqno:     m.Seqno,
		Topics:    m.Topics,
		Signature: m.Signature,
		Key:       m.Key,
	}
}

// fromWire builds a Message from an inbound wire frame and the peer it
// arrived from.
func fromWire(wm *rpc.Message, from peer.ID) *Message {
	return &Message{
		From:         peer.ID(wm.GetFrom()),
		Data:         wm.GetData(),
		Seqno:        wm.GetSeqno(),
		Topics:       wm.GetTopics(),
		Signature:    wm.Signature,
		Key:          wm.Key,
		Validated:    true,
		ReceivedFrom: from,
	}
}

// nextSeqno returns a fresh big-endian encoded sequence number. The
// big-endian encoding matters for id stability: DefaultMsgIDFn
// concatenates raw bytes, and an encoding with a stable byte order keeps
// ids comparable across peers that both used the default function.
func (r *Router) nextSeqno() []byte {
	r.seqCounter++
	seqno := make([]byte, 8)
	binary.BigEndian.PutUint64(seqno, r.seqCounter)
	return seqno
}

// id returns the message's dedup/cache key via the configured MsgIDFunction.
func (r *Router) id(m *Message) string {
	return r.cfg.MsgID(m)
}
