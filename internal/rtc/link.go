// Package rtc implements the peer media link on pion. One Link wraps one
// peer connection plus its per-session audio pipeline; negotiation blobs
// travel through the session manager, candidates trickle both ways.
package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"decay-call/internal/audio/pipeline"
	"decay-call/internal/session"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var ErrNoInboundStats = errors.New("no inbound stream statistics yet")

// Link is the pion-backed session.Link. Offer/Accept/ApplyAnswer carry bare
// SDP; AddCandidate carries a JSON-encoded ICECandidateInit.
type Link struct {
	peer  session.PeerID
	pc    *webrtc.PeerConnection
	track *webrtc.TrackLocalStaticSample
	pipe  *pipeline.AudioPipeline
	hooks session.LinkHooks

	mediaOnce sync.Once
	mediaErr  error
	closeOnce sync.Once
	closed    atomic.Bool
}

func (l *Link) Offer(ctx context.Context) (string, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	// candidates trickle through the relay, no need to wait for gathering
	return offer.SDP, nil
}

func (l *Link) Accept(ctx context.Context, offer string) (string, error) {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}
	if err := l.pc.SetRemoteDescription(remote); err != nil {
		return "", fmt.Errorf("failed to set remote description: %w", err)
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	return answer.SDP, nil
}

func (l *Link) ApplyAnswer(answer string) error {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}
	if err := l.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("failed to apply answer: %w", err)
	}
	return nil
}

func (l *Link) AddCandidate(candidate string) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &init); err != nil {
		return fmt.Errorf("malformed candidate blob: %w", err)
	}
	return l.pc.AddICECandidate(init)
}

// Health sums inbound RTP packet counts across streams. The caller compares
// consecutive samples; a flat count means the inbound media path is dead.
func (l *Link) Health() (session.HealthSample, error) {
	sample := session.HealthSample{At: time.Now()}
	found := false
	for _, stat := range l.pc.GetStats() {
		if inbound, ok := stat.(webrtc.InboundRTPStreamStats); ok {
			sample.PacketsReceived += uint64(inbound.PacketsReceived)
			found = true
		}
	}
	if !found {
		return sample, ErrNoInboundStats
	}
	return sample, nil
}

// StartMedia brings up the playback bridge and the outbound send loop. Only
// the first call does the work; the bridge setup result is sticky.
func (l *Link) StartMedia() error {
	l.mediaOnce.Do(func() {
		if err := l.pipe.Bridge().Setup(); err != nil {
			l.mediaErr = err
			return
		}
		go l.pipe.StartSending(l.track)
	})
	return l.mediaErr
}

// Close stops the pipeline and the peer connection. Idempotent; the audio
// bridge is released before it returns.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		l.pipe.Close()
		err = l.pc.Close()
	})
	return err
}

func (l *Link) onICECandidate(c *webrtc.ICECandidate) {
	if c == nil || l.closed.Load() {
		return
	}
	blob, err := json.Marshal(c.ToJSON())
	if err != nil {
		log.Warn().Err(err).Msg("Failed to encode local candidate")
		return
	}
	log.Debug().
		Str("type", c.Typ.String()).
		Str("protocol", c.Protocol.String()).
		Str("address", c.Address).
		Msg("Local candidate gathered")
	l.hooks.OnCandidate(string(blob))
}

func (l *Link) onConnectionStateChange(state webrtc.PeerConnectionState) {
	if l.closed.Load() {
		return
	}
	log.Info().Int("peer", int(l.peer)).Str("state", state.String()).Msg("Peer connection state")
	switch state {
	case webrtc.PeerConnectionStateConnected:
		l.hooks.OnState(session.LinkConnected)
	case webrtc.PeerConnectionStateDisconnected:
		l.hooks.OnState(session.LinkDisconnected)
	case webrtc.PeerConnectionStateFailed:
		l.hooks.OnState(session.LinkFailed)
	case webrtc.PeerConnectionStateClosed:
		l.hooks.OnState(session.LinkClosed)
	}
}

func (l *Link) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		log.Debug().Str("kind", track.Kind().String()).Msg("Ignoring non-audio track")
		return
	}
	go l.pipe.StartReceiving(track)
}
