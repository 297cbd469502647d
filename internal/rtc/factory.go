package rtc

import (
	"fmt"
	"time"

	"decay-call/internal/audio/bridge"
	"decay-call/internal/audio/capture"
	"decay-call/internal/audio/config"
	"decay-call/internal/audio/encoder"
	"decay-call/internal/audio/pipeline"
	"decay-call/internal/session"
	appcfg "decay-call/pkg/config"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Factory builds one Link per admitted peer. The capture device, the Opus
// encoder and the DSP unit are long-lived and shared across sessions; the
// bridge and pipeline are per-link and die with it.
type Factory struct {
	audioCfg config.Config
	capture  *capture.Capture
	enc      encoder.Encoder
	unit     bridge.Processor
}

func NewFactory(audioCfg config.Config, cap *capture.Capture, enc encoder.Encoder, unit bridge.Processor) *Factory {
	return &Factory{audioCfg: audioCfg, capture: cap, enc: enc, unit: unit}
}

// New implements session.LinkFactory.
func (f *Factory) New(peer session.PeerID, attempt int, hooks session.LinkHooks) (session.Link, error) {
	pc, err := newPeerConnection(attempt, f.audioCfg)
	if err != nil {
		return nil, err
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		f.audioCfg.Capability(),
		"audio",
		uuid.NewString(),
	)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("failed to create audio track: %w", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("failed to add audio track: %w", err)
	}

	br := bridge.New(f.unit, f.audioCfg)
	pipe, err := pipeline.New(f.capture, f.enc, br, f.audioCfg)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}

	l := &Link{peer: peer, pc: pc, track: track, pipe: pipe, hooks: hooks}
	pc.OnICECandidate(l.onICECandidate)
	pc.OnConnectionStateChange(l.onConnectionStateChange)
	pc.OnTrack(l.onTrack)

	log.Info().Int("peer", int(peer)).Int("attempt", attempt).Msg("Peer link created")
	return l, nil
}

func newPeerConnection(attempt int, audioCfg config.Config) (*webrtc.PeerConnection, error) {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetICETimeouts(
		time.Second*60, // Disconnected timeout upped for double NAT
		time.Second*30, // Failed timeout
		time.Second*5,  // Keepalive interval
	)
	settingEngine.SetReceiveMTU(1500)
	settingEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	capability := audioCfg.Capability()
	capability.SDPFmtpLine = config.SDPFmtpLine

	mediaEngine := &webrtc.MediaEngine{}
	err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: capability,
		PayloadType:        config.PayloadType,
	}, webrtc.RTPCodecTypeAudio)
	if err != nil {
		return nil, fmt.Errorf("failed to register Opus codec: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithSettingEngine(settingEngine),
	)
	pc, err := api.NewPeerConnection(configForNATType(attempt))
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return pc, nil
}

// configForNATType escalates traversal with the reconnection attempt: the
// first try is STUN only, retries bring in TURN relays.
func configForNATType(attempt int) webrtc.Configuration {
	cfg := webrtc.Configuration{
		BundlePolicy:  webrtc.BundlePolicyMaxBundle,
		RTCPMuxPolicy: webrtc.RTCPMuxPolicyRequire,
	}

	stunServers := appcfg.GetStunServers()
	switch attempt {
	case 0:
		log.Debug().Msg("ICE configured with STUN only")
		cfg.ICEServers = stunServers
		cfg.ICECandidatePoolSize = 15
	default:
		log.Debug().Msg("ICE configured with STUN and TURN")
		cfg.ICEServers = append(stunServers, appcfg.GetTurnServers()...)
		cfg.ICECandidatePoolSize = 25
	}
	return cfg
}
