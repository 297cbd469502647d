package session

import (
	"context"
	"errors"
	"time"

	"decay-call/internal/signal"

	"github.com/rs/zerolog/log"
)

// Config wires the manager's collaborators and timing. Zero durations fall
// back to the defaults below.
type Config struct {
	Transport Transport
	Links     LinkFactory
	Bitrate   BitrateController // optional

	NegotiationTimeout time.Duration // default 15s
	HealthInterval     time.Duration // default 2s
	RetryBase          time.Duration // default 1s
	MaxRetries         int           // default 3
}

const (
	defaultNegotiationTimeout = 15 * time.Second
	defaultHealthInterval     = 2 * time.Second
	defaultRetryBase          = time.Second
	defaultMaxRetries         = 3
)

type peerSession struct {
	peer      PeerID
	state     State
	phase     phase
	link      Link
	initiator bool
	attempt   int
	cleaned   bool

	negotiationTimer *time.Timer
	healthStop       chan struct{}
	lastPackets      uint64
}

// retry is the explicit bounded-backoff state: one counter, one target, one
// timer. The chain aborts if the target stops being the admitted peer.
type retry struct {
	target  PeerID
	attempt int
	timer   *time.Timer
}

// Manager drives every peer session from a single event loop. Public
// methods post onto the loop and never touch state directly, which makes
// teardown linearizable: concurrent cleanup triggers collapse into one.
type Manager struct {
	cfg     Config
	localID PeerID
	roster  []signal.User

	sessions map[PeerID]*peerSession
	active   PeerID // 0 when the admission slot is free

	retry retry

	run    chan func()
	quit   chan struct{}
	events chan Event

	// loop-owned, set once at the top of Run
	ctx context.Context
}

// ErrManagerStopped is returned by commands posted after Run has exited.
var ErrManagerStopped = errors.New("session manager stopped")

func NewManager(cfg Config) *Manager {
	if cfg.NegotiationTimeout == 0 {
		cfg.NegotiationTimeout = defaultNegotiationTimeout
	}
	if cfg.HealthInterval == 0 {
		cfg.HealthInterval = defaultHealthInterval
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = defaultRetryBase
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	return &Manager{
		cfg:      cfg,
		sessions: make(map[PeerID]*peerSession),
		run:      make(chan func(), 64),
		quit:     make(chan struct{}),
		events:   make(chan Event, 64),
	}
}

// Events returns the typed notification stream. Closed when Run returns.
func (m *Manager) Events() <-chan Event { return m.events }

// Run processes envelopes, commands and timer callbacks until the context
// is cancelled. All session state is owned by this goroutine.
func (m *Manager) Run(ctx context.Context) {
	m.ctx = ctx
	defer close(m.events)
	defer close(m.quit)
	for {
		select {
		case <-ctx.Done():
			for peer := range m.sessions {
				m.cleanup(peer, StateDisconnected, nil)
			}
			return
		case f := <-m.run:
			f()
		case msg, ok := <-m.cfg.Transport.Messages():
			if !ok {
				log.Warn().Msg("Signaling stream closed")
				for peer := range m.sessions {
					m.cleanup(peer, StateDisconnected, nil)
				}
				return
			}
			m.handleMessage(msg)
		}
	}
}

// do posts f onto the event loop.
func (m *Manager) do(f func()) {
	select {
	case m.run <- f:
	case <-m.quit:
	}
}

// RequestConnection asks for a call to peer. Returns ErrAdmissionDenied
// without side effects when another session occupies the slot; otherwise it
// sends the connection request and returns immediately. Progress is
// observed on Events.
func (m *Manager) RequestConnection(peer PeerID) error {
	reply := make(chan error, 1)
	m.do(func() {
		if m.active != 0 {
			reply <- ErrAdmissionDenied
			return
		}
		m.cancelRetry()
		m.retry.target = peer
		reply <- m.requestConnection(peer, 0)
	})
	select {
	case err := <-reply:
		return err
	case <-m.quit:
		return ErrManagerStopped
	}
}

// Disconnect hangs up the active session, if any, and aborts any pending
// reconnection.
func (m *Manager) Disconnect() {
	m.do(func() {
		m.cancelRetry()
		m.retry.target = 0
		if m.active != 0 {
			m.cleanup(m.active, StateDisconnected, nil)
		}
	})
}

func (m *Manager) requestConnection(peer PeerID, attempt int) error {
	if m.active != 0 {
		log.Warn().Int("peer", int(peer)).Int("active", int(m.active)).
			Msg("Connection request denied, slot occupied")
		return ErrAdmissionDenied
	}
	m.active = peer
	s := &peerSession{
		peer:      peer,
		state:     StateNegotiating,
		phase:     phaseAwaitResponse,
		initiator: true,
		attempt:   attempt,
	}
	m.sessions[peer] = s
	m.armNegotiationTimer(s)
	m.emitState(peer, StateNegotiating, nil)

	if err := m.cfg.Transport.Send(signal.NewConnectionRequest(int(m.localID), int(peer))); err != nil {
		m.cleanup(peer, StateFailed, err)
		return nil // surfaced via events; the request itself was admitted
	}
	log.Info().Int("peer", int(peer)).Msg("Connection requested")
	return nil
}

func (m *Manager) handleMessage(msg signal.Message) {
	switch t := msg.(type) {
	case signal.Welcome:
		m.localID = PeerID(t.UserID)
		log.Info().Int("user_id", t.UserID).Msg("Registered with relay")
		m.emit(Event{Kind: EventWelcome, LocalID: m.localID})
	case signal.UserList:
		m.roster = t.Users
		m.emit(Event{Kind: EventRoster, Users: t.Users})
	case signal.ConnectionRequest:
		m.handleConnectionRequest(PeerID(t.From))
	case signal.ConnectionResponse:
		m.handleConnectionResponse(t.Accepted)
	case signal.Offer:
		m.handleOffer(PeerID(t.From), t.Offer)
	case signal.Answer:
		m.handleAnswer(PeerID(t.From), t.Answer)
	case signal.Candidate:
		m.handleCandidate(PeerID(t.From), t.Candidate)
	case signal.PeerStateChange:
		m.handlePeerStateChange(PeerID(t.From), t.State)
	}
}

// handleConnectionRequest is the admission gate for inbound calls: accept
// only when the slot is free, otherwise answer negative and move on.
func (m *Manager) handleConnectionRequest(from PeerID) {
	if m.active != 0 {
		log.Info().Int("peer", int(from)).Msg("Rejecting connection request, slot occupied")
		if err := m.cfg.Transport.Send(signal.NewConnectionResponse(int(from), false)); err != nil {
			log.Warn().Err(err).Msg("Failed to send rejection")
		}
		return
	}

	m.active = from
	s := &peerSession{peer: from, state: StateNegotiating, phase: phaseAwaitOffer}
	m.sessions[from] = s
	m.armNegotiationTimer(s)
	m.emitState(from, StateNegotiating, nil)

	if err := m.cfg.Transport.Send(signal.NewConnectionResponse(int(from), true)); err != nil {
		m.cleanup(from, StateFailed, err)
		return
	}
	log.Info().Int("peer", int(from)).Msg("Connection request accepted, awaiting offer")
}

func (m *Manager) handleConnectionResponse(accepted bool) {
	s := m.sessions[m.active]
	if s == nil || s.phase != phaseAwaitResponse {
		log.Warn().Msg("Connection response without pending request, dropping")
		return
	}
	if !accepted {
		m.cleanup(s.peer, StateFailed, ErrRejected)
		return
	}

	link, err := m.createLink(s)
	if err != nil {
		m.cleanup(s.peer, StateFailed, err)
		return
	}
	s.link = link

	sdp, err := link.Offer(m.ctx)
	if err != nil {
		m.cleanup(s.peer, StateFailed, err)
		return
	}
	s.phase = phaseAwaitAnswer
	if err := m.cfg.Transport.Send(signal.NewOffer(int(m.localID), int(s.peer), sdp)); err != nil {
		m.cleanup(s.peer, StateFailed, err)
		return
	}
	log.Info().Int("peer", int(s.peer)).Msg("Offer sent, awaiting answer")
}

func (m *Manager) handleOffer(from PeerID, offer string) {
	s := m.sessions[from]
	if s == nil || s.phase != phaseAwaitOffer {
		log.Warn().Int("peer", int(from)).Msg("Offer out of phase")
		if s != nil {
			m.cleanup(from, StateFailed, ErrInvalidNegotiationState)
		}
		return
	}

	link, err := m.createLink(s)
	if err != nil {
		m.cleanup(from, StateFailed, err)
		return
	}
	s.link = link

	answer, err := link.Accept(m.ctx, offer)
	if err != nil {
		m.cleanup(from, StateFailed, err)
		return
	}
	s.phase = phaseAwaitLink
	if err := m.cfg.Transport.Send(signal.NewAnswer(int(m.localID), int(from), answer)); err != nil {
		m.cleanup(from, StateFailed, err)
		return
	}
	log.Info().Int("peer", int(from)).Msg("Answer sent, awaiting link")
}

// handleAnswer applies an answer only in the awaiting-answer phase. A stale
// answer (renegotiated or unknown session) is an InvalidNegotiationState:
// that session is cleaned up, unrelated peers are untouched.
func (m *Manager) handleAnswer(from PeerID, answer string) {
	s := m.sessions[from]
	if s == nil {
		log.Warn().Int("peer", int(from)).Msg("Answer for unknown session, dropping")
		return
	}
	if s.phase != phaseAwaitAnswer {
		log.Warn().Int("peer", int(from)).Msg("Answer out of phase")
		m.cleanup(from, StateFailed, ErrInvalidNegotiationState)
		return
	}
	if err := s.link.ApplyAnswer(answer); err != nil {
		m.cleanup(from, StateFailed, err)
		return
	}
	s.phase = phaseAwaitLink
	log.Info().Int("peer", int(from)).Msg("Answer applied, awaiting link")
}

// handleCandidate applies candidates opportunistically. Late or unusable
// candidates are routine after a race has resolved the link, so failures
// are logged and swallowed.
func (m *Manager) handleCandidate(from PeerID, candidate string) {
	s := m.sessions[from]
	if s == nil || s.link == nil {
		log.Debug().Int("peer", int(from)).Msg("Candidate without link, dropping")
		return
	}
	if err := s.link.AddCandidate(candidate); err != nil {
		log.Debug().Err(err).Int("peer", int(from)).Msg("Candidate rejected")
	}
}

func (m *Manager) handlePeerStateChange(from PeerID, state string) {
	log.Info().Int("peer", int(from)).Str("state", state).Msg("Peer state change")
	if state == "disconnected" {
		if _, ok := m.sessions[from]; ok {
			m.cleanup(from, StateDisconnected, nil)
		}
	}
}

func (m *Manager) createLink(s *peerSession) (Link, error) {
	peer := s.peer
	hooks := LinkHooks{
		OnCandidate: func(candidate string) {
			m.do(func() { m.sendCandidate(peer, candidate) })
		},
		OnState: func(state LinkState) {
			m.do(func() { m.onLinkState(peer, state) })
		},
	}
	return m.cfg.Links(peer, s.attempt, hooks)
}

func (m *Manager) sendCandidate(peer PeerID, candidate string) {
	if _, ok := m.sessions[peer]; !ok {
		return
	}
	if err := m.cfg.Transport.Send(signal.NewCandidate(int(m.localID), int(peer), candidate)); err != nil {
		log.Warn().Err(err).Int("peer", int(peer)).Msg("Failed to send candidate")
	}
}

func (m *Manager) onLinkState(peer PeerID, state LinkState) {
	s := m.sessions[peer]
	if s == nil || s.cleaned {
		return
	}
	log.Info().Int("peer", int(peer)).Str("link", state.String()).Msg("Link state changed")

	switch state {
	case LinkConnected:
		m.onConnected(s)
	case LinkDisconnected, LinkFailed:
		m.cleanup(peer, StateFailed, ErrTransportFailed)
	}
}

func (m *Manager) onConnected(s *peerSession) {
	if s.state == StateConnected {
		return
	}
	s.state = StateConnected
	s.phase = phaseNone
	if s.negotiationTimer != nil {
		s.negotiationTimer.Stop()
		s.negotiationTimer = nil
	}
	m.retry.attempt = 0

	if err := s.link.StartMedia(); err != nil {
		// the call stands even if processing is degraded; the error surfaces
		log.Error().Err(err).Int("peer", int(s.peer)).Msg("Media bring-up failed")
	}
	if m.cfg.Bitrate != nil {
		m.cfg.Bitrate.Start()
	}
	m.startHealth(s)

	if err := m.cfg.Transport.Send(signal.NewPeerStateChange(int(m.localID), int(s.peer), "connected")); err != nil {
		log.Warn().Err(err).Msg("Failed to announce connected state")
	}
	m.emitState(s.peer, StateConnected, nil)
}

// startHealth polls inbound media progress while Connected. One interval
// with zero packet delta forces the session to Failed.
func (m *Manager) startHealth(s *peerSession) {
	stop := make(chan struct{})
	s.healthStop = stop
	s.lastPackets = 0
	peer := s.peer

	go func() {
		ticker := time.NewTicker(m.cfg.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.do(func() { m.checkHealth(peer) })
			}
		}
	}()
}

func (m *Manager) checkHealth(peer PeerID) {
	s := m.sessions[peer]
	if s == nil || s.cleaned || s.state != StateConnected {
		return
	}
	sample, err := s.link.Health()
	if err != nil {
		log.Warn().Err(err).Int("peer", int(peer)).Msg("Health sample failed")
		m.cleanup(peer, StateFailed, ErrTransportFailed)
		return
	}
	if sample.PacketsReceived == s.lastPackets {
		log.Error().Int("peer", int(peer)).
			Uint64("packets", sample.PacketsReceived).
			Msg("No inbound audio progress, failing session")
		m.cleanup(peer, StateFailed, ErrTransportFailed)
		return
	}
	s.lastPackets = sample.PacketsReceived
}

func (m *Manager) armNegotiationTimer(s *peerSession) {
	peer := s.peer
	s.negotiationTimer = time.AfterFunc(m.cfg.NegotiationTimeout, func() {
		m.do(func() {
			cur := m.sessions[peer]
			if cur == nil || cur.cleaned || cur.state != StateNegotiating {
				return
			}
			m.cleanup(peer, StateFailed, ErrNegotiationTimeout)
		})
	})
}

// cleanup releases everything a session holds, exactly once, in teardown
// order: timers first so nothing re-enters, then media/link (the audio
// bridge is released synchronously inside link.Close), then the admission
// slot. Ends in Idle.
func (m *Manager) cleanup(peer PeerID, final State, cause error) {
	s := m.sessions[peer]
	if s == nil || s.cleaned {
		return
	}
	s.cleaned = true

	if s.negotiationTimer != nil {
		s.negotiationTimer.Stop()
		s.negotiationTimer = nil
	}
	if s.healthStop != nil {
		close(s.healthStop)
		s.healthStop = nil
	}
	if m.cfg.Bitrate != nil {
		m.cfg.Bitrate.Stop()
	}
	if s.link != nil {
		if err := s.link.Close(); err != nil {
			log.Warn().Err(err).Int("peer", int(peer)).Msg("Link close reported error")
		}
		s.link = nil
	}

	// best effort: let the peer know we are gone
	if err := m.cfg.Transport.Send(signal.NewPeerStateChange(int(m.localID), int(peer), "disconnected")); err != nil {
		log.Debug().Err(err).Msg("Failed to send disconnect notice")
	}

	s.state = final
	m.emitState(peer, final, cause)

	delete(m.sessions, peer)
	if m.active == peer {
		m.active = 0
	}
	m.emitState(peer, StateIdle, nil)

	if cause != nil {
		m.maybeScheduleRetry(s, cause)
	}
}

// maybeScheduleRetry arms one backoff timer for sessions we initiated that
// failed at the transport level. base × 2^attempt, small attempt ceiling.
func (m *Manager) maybeScheduleRetry(s *peerSession, cause error) {
	if !s.initiator || cause != ErrTransportFailed {
		return
	}
	if m.retry.target != s.peer || m.retry.attempt >= m.cfg.MaxRetries {
		return
	}
	attempt := m.retry.attempt
	delay := m.cfg.RetryBase << uint(attempt)
	m.retry.attempt++
	peer := s.peer

	log.Info().Int("peer", int(peer)).Int("attempt", attempt+1).
		Dur("delay", delay).Msg("Scheduling reconnection")
	m.retry.timer = time.AfterFunc(delay, func() {
		m.do(func() { m.retryFire(peer) })
	})
}

func (m *Manager) retryFire(peer PeerID) {
	// abort the chain if the user moved on or a session is already up
	if m.retry.target != peer || m.active != 0 {
		log.Info().Int("peer", int(peer)).Msg("Reconnection aborted, target changed")
		return
	}
	if err := m.requestConnection(peer, m.retry.attempt); err != nil {
		log.Warn().Err(err).Int("peer", int(peer)).Msg("Reconnection attempt denied")
	}
}

func (m *Manager) cancelRetry() {
	if m.retry.timer != nil {
		m.retry.timer.Stop()
		m.retry.timer = nil
	}
	m.retry.attempt = 0
}

func (m *Manager) emitState(peer PeerID, state State, err error) {
	m.emit(Event{Kind: EventState, Peer: peer, State: state, Err: err})
}

func (m *Manager) emit(e Event) {
	select {
	case m.events <- e:
	default:
		log.Debug().Msg("Event stream full, dropping event")
	}
}
