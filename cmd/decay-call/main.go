// decay-call is the client: it registers with the relay (or finds a peer
// over mDNS/DHT with -p2p), lets you call another user and talks until the
// decaying bitrate grinds the call into noise.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"decay-call/internal/audio/capture"
	"decay-call/internal/audio/config"
	"decay-call/internal/audio/encoder"
	"decay-call/internal/bitrate"
	"decay-call/internal/dsp"
	"decay-call/internal/p2p"
	"decay-call/internal/rtc"
	"decay-call/internal/session"
	sig "decay-call/internal/signal"
	appcfg "decay-call/pkg/config"
	"decay-call/pkg/logger"
	"decay-call/pkg/system"

	"github.com/rs/zerolog/log"
)

func main() {
	relayURL := flag.String("relay", "", "relay WebSocket URL (default ws://localhost:8080/ws or RELAY_URL)")
	useP2P := flag.Bool("p2p", false, "skip the relay, discover the peer via mDNS/DHT")
	flag.Parse()

	if err := system.LoadDefaultEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "no .env file loaded: %v\n", err)
	}
	logger.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		<-sigs
		cancel()
	}()

	audioCfg := config.Default()

	cap, err := capture.New(audioCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open capture device")
	}
	defer cap.Close()

	enc, err := encoder.NewOpusEncoder(int(audioCfg.SampleRate), int(audioCfg.Channels))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Opus encoder")
	}

	unit := dsp.NewUnit()
	controller := bitrate.NewController(bitrate.DefaultInterval,
		bitrate.SinkFunc(func(bps int) {
			if err := enc.SetBitrate(bps); err != nil {
				log.Warn().Err(err).Msg("Failed to set encoder bitrate")
			}
		}),
		bitrate.SinkFunc(func(bps int) {
			unit.AdjustBitrate(uint32(bps))
		}),
	)

	go warnUnreachableStunServers()

	transport := buildTransport(ctx, *useP2P, *relayURL)

	factory := rtc.NewFactory(audioCfg, cap, enc, unit)
	manager := session.NewManager(session.Config{
		Transport: transport,
		Links:     factory.New,
		Bitrate:   controller,
	})
	go manager.Run(ctx)

	ui := &terminal{manager: manager, capture: cap, controller: controller}
	go ui.renderEvents(ctx, manager.Events())
	go ui.renderTicks(ctx, controller.Ticks())
	ui.commandLoop(ctx, cancel)
}

// warnUnreachableStunServers probes the configured STUN servers so a broken
// NAT traversal setup is visible before the first call fails.
func warnUnreachableStunServers() {
	for _, server := range appcfg.GetStunServers() {
		for _, url := range server.URLs {
			if !appcfg.ProbeStunServer(url, 3*time.Second) {
				log.Warn().Str("server", url).Msg("STUN server unreachable")
			}
		}
	}
}

func buildTransport(ctx context.Context, useP2P bool, relayURL string) session.Transport {
	if useP2P {
		t := p2p.NewTransport(p2p.DefaultConfig())
		go func() {
			if err := t.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("P2P transport stopped")
			}
		}()
		return t
	}

	if relayURL == "" {
		relayURL = os.Getenv("RELAY_URL")
	}
	if relayURL == "" {
		relayURL = "ws://localhost:8080/ws"
	}
	client := sig.NewClient(relayURL)
	go client.Run(ctx)
	return client
}

type terminal struct {
	manager    *session.Manager
	capture    *capture.Capture
	controller *bitrate.Controller

	localID session.PeerID
	users   []sig.User
}

func (t *terminal) renderEvents(ctx context.Context, events <-chan session.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch e.Kind {
			case session.EventWelcome:
				t.localID = e.LocalID
				fmt.Printf("Registered as user %d\n", e.LocalID)
			case session.EventRoster:
				t.users = e.Users
				fmt.Println("Users online:")
				for _, u := range e.Users {
					marker := ""
					if session.PeerID(u.ID) == t.localID {
						marker = " (you)"
					}
					fmt.Printf("  %d%s\n", u.ID, marker)
				}
			case session.EventState:
				if e.Err != nil {
					fmt.Printf("Peer %d: %s (%v)\n", e.Peer, e.State, e.Err)
				} else {
					fmt.Printf("Peer %d: %s\n", e.Peer, e.State)
				}
				if e.State == session.StateConnected {
					fmt.Println("In call. The audio quality will now decay.")
					if t.capture.Muted() {
						fmt.Println("Microphone starts muted, type 'unmute' to talk.")
					}
				}
			}
		}
	}
}

func (t *terminal) renderTicks(ctx context.Context, ticks <-chan bitrate.Tick) {
	var n int
	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-ticks:
			if !ok {
				return
			}
			n++
			// a line every 500ms is too chatty, log every tenth step
			if n%10 == 0 || tick.Current == bitrate.MinBitrate {
				log.Debug().Int("bitrate", tick.Current).Dur("elapsed", tick.Elapsed).Msg("Bitrate decayed")
			}
		}
	}
}

func (t *terminal) commandLoop(ctx context.Context, cancel context.CancelFunc) {
	fmt.Println("Commands: list | call <id> | hangup | mute | unmute | status | quit")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "list":
			if len(t.users) == 0 {
				fmt.Println("No roster yet")
				continue
			}
			for _, u := range t.users {
				fmt.Printf("  %d\n", u.ID)
			}
		case "call":
			if len(fields) < 2 {
				fmt.Println("Usage: call <id>")
				continue
			}
			id, err := strconv.Atoi(fields[1])
			if err != nil {
				fmt.Println("Not a user id:", fields[1])
				continue
			}
			if err := t.manager.RequestConnection(session.PeerID(id)); err != nil {
				fmt.Println("Cannot call:", err)
			}
		case "hangup":
			t.manager.Disconnect()
		case "mute":
			t.capture.SetMuted(true)
			fmt.Println("Microphone muted")
		case "unmute":
			t.capture.SetMuted(false)
			fmt.Println("Microphone live")
		case "status":
			fmt.Printf("Bitrate ceiling: %d bps, mic muted: %v\n",
				t.controller.Current(), t.capture.Muted())
		case "quit", "exit":
			cancel()
			return
		default:
			fmt.Println("Unknown command:", fields[0])
		}
	}
}
