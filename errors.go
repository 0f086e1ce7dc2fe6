package gossipsub

import "errors"

// Error taxonomy per §7: a handful of named sentinel values rather than a
// generic error-code enum.
var (
	// ErrNoRecipients is a PublishError: flood_publish is disabled, the
	// local node is not in the mesh for the topic, and fanout selection
	// found no eligible peers.
	ErrNoRecipients = errors.New("gossipsub: no recipients for publish")

	// ErrFrameTooLarge is a PublishError: the encoded frame would exceed
	// max_transmit_size.
	ErrFrameTooLarge = errors.New("gossipsub: frame exceeds max transmit size")

	// ErrNoTopics is returned by Publish when called with zero topics.
	ErrNoTopics = errors.New("gossipsub: message has no topics")

	// ErrUnknownPeer names the SubscriptionFromUnknownPeer condition (§7):
	// an inbound frame from a peer with no peer record. Nothing in this
	// package returns it; InjectRPC logs such a frame and drops it.
	ErrUnknownPeer = errors.New("gossipsub: unknown peer")
)

// DecodeError describes a malformed-frame condition (bad peer id, missing
// required field). Nothing in this package returns it: InjectRPC receives
// already-decoded rpc.RPC values and performs no such checks.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "gossipsub: decode error: " + e.Reason
}

// PublishError reports why Publish could not be completed.
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return "gossipsub: publish " + e.Topic + ": " + e.Err.Error()
}

func (e *PublishError) Unwrap() error { return e.Err }
