package p2p

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	"github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog/log"
)

const mdnsWindow = 60 * time.Second

type streamResult struct {
	stream network.Stream
	dialed bool
}

// discover finds exactly one peer. mDNS gets a window for the common
// same-network case, then the public DHT takes over. Either side may win the
// race: the inbound stream handler and the outbound dial both resolve it.
func (t *Transport) discover(ctx context.Context) (network.Stream, bool, error) {
	mdnsCtx, cancel := context.WithTimeout(ctx, mdnsWindow)
	defer cancel()
	if res, err := t.discoverMDNS(mdnsCtx); err == nil {
		return res.stream, res.dialed, nil
	} else if ctx.Err() != nil {
		return nil, false, ctx.Err()
	} else {
		log.Warn().Err(err).Msg("mDNS discovery failed, falling back to DHT")
	}

	res, err := t.discoverDHT(ctx)
	if err != nil {
		return nil, false, err
	}
	return res.stream, res.dialed, nil
}

func (t *Transport) newHost() (host.Host, chan streamResult, error) {
	prvKey, _, err := crypto.GenerateKeyPairWithReader(crypto.Ed25519, -1, rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	listenAddr, err := multiaddr.NewMultiaddr(
		fmt.Sprintf("/ip4/%s/tcp/%d", t.cfg.ListenHost, t.cfg.ListenPort))
	if err != nil {
		return nil, nil, err
	}

	h, err := libp2p.New(
		libp2p.ListenAddrs(listenAddr),
		libp2p.Identity(prvKey),
	)
	if err != nil {
		return nil, nil, err
	}

	results := make(chan streamResult, 1)
	h.SetStreamHandler(protocol.ID(t.cfg.ProtocolID), func(s network.Stream) {
		select {
		case results <- streamResult{stream: s, dialed: false}:
			log.Info().Str("peer", s.Conn().RemotePeer().String()).Msg("Inbound signaling stream")
		default:
			_ = s.Close() // a stream is already in place
		}
	})
	log.Info().Str("host_id", h.ID().String()).Msg("Discovery host created")
	return h, results, nil
}

// dialPeer attempts an outbound stream to one discovered peer. A false
// return means keep looking.
func (t *Transport) dialPeer(ctx context.Context, h host.Host, info peer.AddrInfo, results chan streamResult) bool {
	if info.ID == h.ID() {
		return false
	}
	log.Debug().Str("peer", info.String()).Msg("Found peer")
	if err := h.Connect(ctx, info); err != nil {
		log.Warn().Str("peer", info.ID.String()).Err(err).Msg("Connection failed")
		return false
	}
	stream, err := h.NewStream(ctx, info.ID, protocol.ID(t.cfg.ProtocolID))
	if err != nil {
		log.Warn().Str("peer", info.ID.String()).Err(err).Msg("Stream open failed")
		return false
	}
	select {
	case results <- streamResult{stream: stream, dialed: true}:
		log.Info().Str("peer", info.ID.String()).Msg("Connected to peer")
		return true
	default:
		_ = stream.Close()
		return true // inbound stream won the race
	}
}

type discoveryNotifee struct {
	peers chan peer.AddrInfo
}

func (n *discoveryNotifee) HandlePeerFound(info peer.AddrInfo) {
	select {
	case n.peers <- info:
	default:
	}
}

func (t *Transport) discoverMDNS(ctx context.Context) (streamResult, error) {
	h, results, err := t.newHost()
	if err != nil {
		return streamResult{}, err
	}

	notifee := &discoveryNotifee{peers: make(chan peer.AddrInfo, 8)}
	service := mdns.NewMdnsService(h, t.cfg.Rendezvous, notifee)
	if err := service.Start(); err != nil {
		_ = h.Close()
		return streamResult{}, fmt.Errorf("failed to start mDNS service: %w", err)
	}
	defer service.Close()

	log.Info().Msg("Waiting for peers via mDNS...")
	for {
		select {
		case <-ctx.Done():
			_ = h.Close()
			return streamResult{}, ctx.Err()
		case res := <-results:
			return res, nil
		case info := <-notifee.peers:
			if t.dialPeer(ctx, h, info, results) {
				return <-results, nil
			}
		}
	}
}

func (t *Transport) discoverDHT(ctx context.Context) (streamResult, error) {
	h, results, err := t.newHost()
	if err != nil {
		return streamResult{}, err
	}

	bootstrap := t.cfg.BootstrapPeers
	if len(bootstrap) == 0 {
		bootstrap = dht.DefaultBootstrapPeers
	}
	bootstrapInfos := make([]peer.AddrInfo, 0, len(bootstrap))
	for _, addr := range bootstrap {
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			continue
		}
		bootstrapInfos = append(bootstrapInfos, *info)
	}

	kademliaDHT, err := dht.New(ctx, h, dht.BootstrapPeers(bootstrapInfos...))
	if err != nil {
		_ = h.Close()
		return streamResult{}, err
	}
	log.Debug().Msg("Bootstrapping the DHT...")
	if err := kademliaDHT.Bootstrap(ctx); err != nil {
		_ = h.Close()
		return streamResult{}, err
	}

	routingDiscovery := drouting.NewRoutingDiscovery(kademliaDHT)
	dutil.Advertise(ctx, routingDiscovery, t.cfg.Rendezvous)
	log.Debug().Msg("Announced presence on the DHT")

	for {
		select {
		case <-ctx.Done():
			_ = h.Close()
			return streamResult{}, ctx.Err()
		case res := <-results:
			return res, nil
		default:
		}

		log.Info().Int("rt_size", kademliaDHT.RoutingTable().Size()).Msg("Searching for peers via DHT...")
		peerChan, err := routingDiscovery.FindPeers(ctx, t.cfg.Rendezvous)
		if err != nil {
			_ = h.Close()
			return streamResult{}, err
		}
		for info := range peerChan {
			select {
			case <-ctx.Done():
				_ = h.Close()
				return streamResult{}, ctx.Err()
			case res := <-results:
				return res, nil
			default:
			}
			if t.dialPeer(ctx, h, info, results) {
				return <-results, nil
			}
		}

		// empty round, give the routing table a moment before asking again
		select {
		case <-ctx.Done():
			_ = h.Close()
			return streamResult{}, ctx.Err()
		case res := <-results:
			return res, nil
		case <-time.After(2 * time.Second):
		}
	}
}
