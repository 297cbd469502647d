// Package p2p provides a serverless signaling transport: two clients on the
// same network (or reachable through the public DHT) find each other by
// rendezvous string and exchange the same envelopes the relay would carry,
// newline-delimited over a libp2p stream.
package p2p

import (
	"bufio"
	"context"
	"fmt"

	"decay-call/internal/signal"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultRendezvous is the discovery topic both sides must share.
	DefaultRendezvous = "decay-call-rendezvous-v1"
	// DefaultProtocolID tags the signaling stream.
	DefaultProtocolID = "/decay-call/signal/1.0.0"
)

// With no relay to hand out ids, roles decide them: the side that dialed is
// user 1, the side that accepted is user 2.
const (
	dialerID   = 1
	listenerID = 2
)

type Config struct {
	Rendezvous string
	ProtocolID string
	ListenHost string
	ListenPort int
	// BootstrapPeers seed the DHT fallback. Empty means the public defaults.
	BootstrapPeers []multiaddr.Multiaddr
}

func DefaultConfig() Config {
	return Config{
		Rendezvous: DefaultRendezvous,
		ProtocolID: DefaultProtocolID,
		ListenHost: "0.0.0.0",
		ListenPort: 0,
	}
}

// Transport is a session.Transport over one libp2p stream. Send before the
// stream exists queues; Messages starts with a synthesized Welcome and
// UserList once discovery completes.
type Transport struct {
	cfg  Config
	msgs chan signal.Message
	out  chan signal.Message
}

func NewTransport(cfg Config) *Transport {
	if cfg.Rendezvous == "" {
		cfg.Rendezvous = DefaultRendezvous
	}
	if cfg.ProtocolID == "" {
		cfg.ProtocolID = DefaultProtocolID
	}
	return &Transport{
		cfg:  cfg,
		msgs: make(chan signal.Message, 32),
		out:  make(chan signal.Message, 32),
	}
}

func (t *Transport) Messages() <-chan signal.Message { return t.msgs }

// Send queues one envelope for the peer. Queueing succeeds even before
// discovery has found anyone; the writer drains once the stream is up.
func (t *Transport) Send(m signal.Message) error {
	select {
	case t.out <- m:
		return nil
	default:
		return fmt.Errorf("p2p send queue full, dropping %s", m.Kind())
	}
}

// Run discovers the peer and serves the stream until the context ends.
// Discovery tries mDNS for a minute, then falls back to the public DHT.
func (t *Transport) Run(ctx context.Context) error {
	defer close(t.msgs)

	stream, dialed, err := t.discover(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	localID, remoteID := listenerID, dialerID
	if dialed {
		localID, remoteID = dialerID, listenerID
	}
	log.Info().Int("local_id", localID).Bool("dialed", dialed).Msg("Signaling stream established")

	// present the peer the way the relay would
	t.msgs <- signal.NewWelcome(localID)
	t.msgs <- signal.NewUserList([]signal.User{{ID: dialerID}, {ID: listenerID}})

	readErr := make(chan error, 1)
	go func() { readErr <- t.readLoop(stream) }()

	writer := bufio.NewWriter(stream)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			t.msgs <- signal.NewPeerStateChange(remoteID, localID, "disconnected")
			return err
		case m := <-t.out:
			data, err := signal.Encode(m)
			if err != nil {
				log.Warn().Err(err).Msg("Failed to encode envelope")
				continue
			}
			data = append(data, '\n')
			if _, err := writer.Write(data); err != nil {
				return fmt.Errorf("p2p stream write failed: %w", err)
			}
			if err := writer.Flush(); err != nil {
				return fmt.Errorf("p2p stream flush failed: %w", err)
			}
		}
	}
}

func (t *Transport) readLoop(stream network.Stream) error {
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := signal.Decode(line)
		if err != nil {
			log.Warn().Err(err).Msg("Dropping malformed envelope from peer stream")
			continue
		}
		t.msgs <- msg
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("p2p stream read failed: %w", err)
	}
	return nil
}
