package session

import (
	"context"

	"decay-call/internal/signal"
)

// LinkState mirrors the peer connection lifecycle events the state machine
// reacts to.
type LinkState int

const (
	LinkConnecting LinkState = iota
	LinkConnected
	LinkDisconnected
	LinkFailed
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	case LinkDisconnected:
		return "disconnected"
	case LinkFailed:
		return "failed"
	case LinkClosed:
		return "closed"
	}
	return "unknown"
}

// LinkHooks are invoked by the link implementation from its own callbacks.
// The manager re-posts them onto its event loop.
type LinkHooks struct {
	// OnCandidate delivers a locally gathered network candidate blob.
	OnCandidate func(candidate string)
	// OnState delivers connection lifecycle changes.
	OnState func(state LinkState)
}

// Link wraps one point-to-point media transport. Offer/Accept/ApplyAnswer
// pass opaque session-description blobs; the state machine never inspects
// them.
type Link interface {
	// Offer produces the local session description for an outbound call.
	Offer(ctx context.Context) (string, error)
	// Accept applies a remote offer and produces the answering description.
	Accept(ctx context.Context, offer string) (string, error)
	// ApplyAnswer applies the remote answer to a previously sent offer.
	ApplyAnswer(answer string) error
	// AddCandidate applies one remote network candidate blob.
	AddCandidate(candidate string) error
	// Health snapshots inbound media progress.
	Health() (HealthSample, error)
	// StartMedia brings up the audio bridge and the outbound send loop.
	StartMedia() error
	// Close tears down media and the transport. Idempotent; the audio
	// bridge is fully released when it returns.
	Close() error
}

// LinkFactory creates the link for one admitted peer. attempt counts
// reconnections and selects progressively more aggressive NAT traversal.
type LinkFactory func(peer PeerID, attempt int, hooks LinkHooks) (Link, error)

// Transport carries negotiation envelopes to and from the relay.
type Transport interface {
	Send(m signal.Message) error
	Messages() <-chan signal.Message
}

// BitrateController is started when a session reaches Connected and stopped
// on any exit from it. Both calls are idempotent.
type BitrateController interface {
	Start()
	Stop()
}
