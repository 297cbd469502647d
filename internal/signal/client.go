package signal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ReconnectDelay is the fixed pause between relay reconnection attempts.
// Losing the relay must not tear down an established peer call, so the
// client just keeps dialing in the background.
const ReconnectDelay = 3 * time.Second

var ErrClientClosed = errors.New("signal client closed")

// Client is a WebSocket connection to the signaling relay. It delivers
// decoded envelopes in arrival order on Messages() and serializes all
// writes through a single writer goroutine.
type Client struct {
	url  string
	msgs chan Message
	out  chan Message
	quit chan struct{}

	reconnectDelay time.Duration
}

func NewClient(url string) *Client {
	return &Client{
		url:            url,
		msgs:           make(chan Message, 32),
		out:            make(chan Message, 32),
		quit:           make(chan struct{}),
		reconnectDelay: ReconnectDelay,
	}
}

// Messages returns the inbound envelope stream. The channel is closed when
// the client shuts down.
func (c *Client) Messages() <-chan Message {
	return c.msgs
}

// Send queues an envelope for delivery. Envelopes queued while the relay
// link is down are sent after reconnection.
func (c *Client) Send(m Message) error {
	select {
	case <-c.quit:
		return ErrClientClosed
	default:
	}
	select {
	case c.out <- m:
		return nil
	case <-c.quit:
		return ErrClientClosed
	}
}

// Run dials the relay and pumps envelopes until the context is cancelled.
// A closed relay connection triggers automatic redial after ReconnectDelay.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.msgs)
	defer close(c.quit)
	for {
		if err := c.runOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn().Err(err).
				Str("url", c.url).
				Dur("retry_in", c.reconnectDelay).
				Msg("Relay connection lost, reconnecting")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.reconnectDelay):
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial relay: %w", err)
	}
	defer conn.Close()

	log.Info().Str("url", c.url).Msg("Connected to signaling relay")

	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			msg, err := Decode(data)
			if err != nil {
				log.Warn().Err(err).Msg("Dropping undecodable envelope")
				continue
			}
			select {
			case c.msgs <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case m := <-c.out:
			data, err := Encode(m)
			if err != nil {
				log.Error().Err(err).Msg("Dropping unencodable envelope")
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return fmt.Errorf("failed to write envelope: %w", err)
			}
		}
	}
}
