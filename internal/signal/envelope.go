// Package signal defines the negotiation envelopes exchanged through the
// relay and the WebSocket client that carries them. Envelopes are decoded
// exactly once at the transport boundary; everything past that point works
// with the concrete message types.
package signal

import (
	"encoding/json"
	"fmt"
)

type Kind string

const (
	KindWelcome            Kind = "Welcome"
	KindUserList           Kind = "UserList"
	KindConnectionRequest  Kind = "ConnectionRequest"
	KindConnectionResponse Kind = "ConnectionResponse"
	KindOffer              Kind = "RTCOffer"
	KindAnswer             Kind = "RTCAnswer"
	KindCandidate          Kind = "RTCCandidate"
	KindPeerStateChange    Kind = "PeerStateChange"
)

// Message is the closed set of envelope kinds. Offer, answer and candidate
// payloads are opaque blobs: they are routed, never interpreted.
type Message interface {
	Kind() Kind
}

type User struct {
	ID   int    `json:"id"`
	Name string `json:"name,omitempty"`
}

type Welcome struct {
	Type   Kind `json:"type"`
	UserID int  `json:"user_id"`
}

type UserList struct {
	Type  Kind   `json:"type"`
	Users []User `json:"users"`
}

type ConnectionRequest struct {
	Type Kind `json:"type"`
	From int  `json:"from_id"`
	To   int  `json:"to_id"`
}

type ConnectionResponse struct {
	Type     Kind `json:"type"`
	From     int  `json:"from_id"`
	Accepted bool `json:"accepted"`
}

type Offer struct {
	Type  Kind   `json:"type"`
	From  int    `json:"from_id"`
	To    int    `json:"to_id"`
	Offer string `json:"offer"`
}

type Answer struct {
	Type   Kind   `json:"type"`
	From   int    `json:"from_id"`
	To     int    `json:"to_id"`
	Answer string `json:"answer"`
}

type Candidate struct {
	Type      Kind   `json:"type"`
	From      int    `json:"from_id"`
	To        int    `json:"to_id"`
	Candidate string `json:"candidate"`
}

type PeerStateChange struct {
	Type  Kind   `json:"type"`
	From  int    `json:"from_id"`
	To    int    `json:"to_id"`
	State string `json:"state"`
}

func (Welcome) Kind() Kind            { return KindWelcome }
func (UserList) Kind() Kind           { return KindUserList }
func (ConnectionRequest) Kind() Kind  { return KindConnectionRequest }
func (ConnectionResponse) Kind() Kind { return KindConnectionResponse }
func (Offer) Kind() Kind              { return KindOffer }
func (Answer) Kind() Kind             { return KindAnswer }
func (Candidate) Kind() Kind          { return KindCandidate }
func (PeerStateChange) Kind() Kind    { return KindPeerStateChange }

func NewWelcome(userID int) Welcome {
	return Welcome{Type: KindWelcome, UserID: userID}
}

func NewUserList(users []User) UserList {
	return UserList{Type: KindUserList, Users: users}
}

func NewConnectionRequest(from, to int) ConnectionRequest {
	return ConnectionRequest{Type: KindConnectionRequest, From: from, To: to}
}

func NewConnectionResponse(from int, accepted bool) ConnectionResponse {
	return ConnectionResponse{Type: KindConnectionResponse, From: from, Accepted: accepted}
}

func NewOffer(from, to int, sdp string) Offer {
	return Offer{Type: KindOffer, From: from, To: to, Offer: sdp}
}

func NewAnswer(from, to int, sdp string) Answer {
	return Answer{Type: KindAnswer, From: from, To: to, Answer: sdp}
}

func NewCandidate(from, to int, candidate string) Candidate {
	return Candidate{Type: KindCandidate, From: from, To: to, Candidate: candidate}
}

func NewPeerStateChange(from, to int, state string) PeerStateChange {
	return PeerStateChange{Type: KindPeerStateChange, From: from, To: to, State: state}
}

// Encode serializes a message to its JSON wire form.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s envelope: %w", m.Kind(), err)
	}
	return data, nil
}

// Decode parses one envelope from its JSON wire form. Unknown kinds are an
// error; the caller drops the envelope and logs.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}

	var (
		msg Message
		err error
	)
	switch head.Type {
	case KindWelcome:
		var m Welcome
		err = json.Unmarshal(data, &m)
		msg = m
	case KindUserList:
		var m UserList
		err = json.Unmarshal(data, &m)
		msg = m
	case KindConnectionRequest:
		var m ConnectionRequest
		err = json.Unmarshal(data, &m)
		msg = m
	case KindConnectionResponse:
		var m ConnectionResponse
		err = json.Unmarshal(data, &m)
		msg = m
	case KindOffer:
		var m Offer
		err = json.Unmarshal(data, &m)
		msg = m
	case KindAnswer:
		var m Answer
		err = json.Unmarshal(data, &m)
		msg = m
	case KindCandidate:
		var m Candidate
		err = json.Unmarshal(data, &m)
		msg = m
	case KindPeerStateChange:
		var m PeerStateChange
		err = json.Unmarshal(data, &m)
		msg = m
	default:
		return nil, fmt.Errorf("unknown envelope type %q", head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("malformed %s envelope: %w", head.Type, err)
	}
	return msg, nil
}

// Target returns the user id an envelope should be routed to, if it is a
// peer-to-peer message. ConnectionResponse travels back to the requester,
// everything else goes to its to_id.
func Target(m Message) (int, bool) {
	switch t := m.(type) {
	case ConnectionRequest:
		return t.To, true
	case ConnectionResponse:
		return t.From, true
	case Offer:
		return t.To, true
	case Answer:
		return t.To, true
	case Candidate:
		return t.To, true
	case PeerStateChange:
		return t.To, true
	}
	return 0, false
}
