// Package session owns the peer call lifecycle: admission control, the
// negotiation sequence, health checking, bounded reconnection and teardown.
// All state lives in a single container keyed by peer id and is mutated
// only on the manager's event loop, so envelope handling is linearized.
package session

import (
	"errors"
	"time"

	"decay-call/internal/signal"
)

// PeerID identifies a peer for the lifetime of a signaling session. The
// relay assigns it at connect time.
type PeerID int

type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateConnected
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

var (
	// ErrAdmissionDenied rejects a second peer while one session is active.
	ErrAdmissionDenied = errors.New("another peer session is already active")
	// ErrInvalidNegotiationState marks an envelope applied out of phase.
	// The stale session is cleaned up; no other peer is affected.
	ErrInvalidNegotiationState = errors.New("envelope does not match negotiation phase")
	// ErrNegotiationTimeout fires when Negotiating outlives its deadline.
	ErrNegotiationTimeout = errors.New("negotiation deadline exceeded")
	// ErrTransportFailed covers ICE failure and inbound media stall.
	ErrTransportFailed = errors.New("peer transport failed")
	// ErrRejected reports the remote peer declining a connection request.
	ErrRejected = errors.New("peer rejected connection request")
)

// negotiation phase within StateNegotiating
type phase int

const (
	phaseNone          phase = iota
	phaseAwaitResponse       // connection_request sent, waiting for accept/reject
	phaseAwaitOffer          // request accepted locally, waiting for the offer
	phaseAwaitAnswer         // offer sent, waiting for the answer
	phaseAwaitLink           // descriptions exchanged, waiting for ICE
)

// HealthSample is one reading of inbound media progress, pulled from the
// peer link's transport statistics. Consumed by the failure decision only,
// never persisted.
type HealthSample struct {
	PacketsReceived uint64
	At              time.Time
}

type EventKind int

const (
	// EventState reports a session state transition for one peer.
	EventState EventKind = iota
	// EventRoster reports an updated user list from the relay.
	EventRoster
	// EventWelcome reports the local id assigned by the relay.
	EventWelcome
)

// Event is the typed notification stream consumed by the presentation
// adapter. Every transition and error surfaces here; nothing is masked.
type Event struct {
	Kind    EventKind
	Peer    PeerID
	State   State
	Err     error
	Users   []signal.User
	LocalID PeerID
}
