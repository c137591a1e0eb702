// Package websocket adapts gorilla websocket connections to events.Conn.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-realtime-service/pkg/events"
)

// ClientConfig bounds a single connection.
type ClientConfig struct {
	SendBuffer      int
	WriteTimeout    time.Duration
	MaxMessageBytes int64
}

// DefaultClientConfig is used for zero fields.
var DefaultClientConfig = ClientConfig{
	SendBuffer:      256,
	WriteTimeout:    10 * time.Second,
	MaxMessageBytes: 64 * 1024,
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.SendBuffer <= 0 {
		c.SendBuffer = DefaultClientConfig.SendBuffer
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultClientConfig.WriteTimeout
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultClientConfig.MaxMessageBytes
	}
	return c
}

// Client owns one websocket. Writes go through a buffered channel drained by
// a single writer goroutine; Send never blocks.
type Client struct {
	id   string
	conn *websocket.Conn
	cfg  ClientConfig
	send chan []byte
	// written is signalled after every frame the writer puts on the wire.
	written chan struct{}
	// waitLimit caps how much of the buffer SendWait may fill.
	waitLimit int
	done      chan struct{}
	closeOnce sync.Once
	logger    zerolog.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(id string, conn *websocket.Conn, cfg ClientConfig, logger zerolog.Logger) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		id:        id,
		conn:      conn,
		cfg:       cfg,
		send:      make(chan []byte, cfg.SendBuffer),
		written:   make(chan struct{}, 1),
		waitLimit: max(1, cfg.SendBuffer/2),
		done:      make(chan struct{}),
		logger:    logger.With().Str("conn", id).Logger(),
	}
}

// ID implements events.Conn.
func (c *Client) ID() string { return c.id }

// Send implements events.Conn. A full buffer is a transport failure.
func (c *Client) Send(env events.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal %s envelope: %w", env.Type, err)
	}
	select {
	case <-c.done:
		return fmt.Errorf("%w: connection closed", events.ErrTransport)
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("%w: outbound buffer full", events.ErrTransport)
	}
}

// SendWait implements events.Conn. It waits while the buffer is half full so
// that a long replay never takes the room live Sends need.
func (c *Client) SendWait(ctx context.Context, env events.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal %s envelope: %w", env.Type, err)
	}
	for {
		select {
		case <-c.done:
			return fmt.Errorf("%w: connection closed", events.ErrTransport)
		default:
		}
		if len(c.send) < c.waitLimit {
			select {
			case c.send <- data:
				return nil
			default:
			}
		}
		select {
		case <-c.written:
		case <-c.done:
			return fmt.Errorf("%w: connection closed", events.ErrTransport)
		case <-ctx.Done():
			return fmt.Errorf("%w: outbound buffer did not drain: %w", events.ErrTransport, ctx.Err())
		}
	}
}

// Close implements events.Conn. The writer flushes envelopes that were
// already queued before it sends the close frame.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// Done is closed once Close has been called.
func (c *Client) Done() <-chan struct{} { return c.done }

// WritePump writes queued envelopes until the client is closed or a write
// fails, then flushes what is still queued, sends a close frame and closes
// the socket.
func (c *Client) WritePump() {
	defer func() {
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		if err := c.conn.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("error closing connection")
		}
	}()
	for {
		select {
		case <-c.done:
			c.flush()
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn().Err(err).Msg("Write failed. Closing connection.")
				_ = c.Close()
				return
			}
			select {
			case c.written <- struct{}{}:
			default:
			}
		}
	}
}

// flush writes whatever is left in the buffer within one write timeout.
func (c *Client) flush() {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	for {
		select {
		case data := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug().Err(err).Int("pending", len(c.send)).Msg("Flush on close failed.")
				return
			}
		default:
			return
		}
	}
}

// ReadPump delivers every text frame to handle until the peer goes away or
// the client is closed.
func (c *Client) ReadPump(ctx context.Context, handle func(ctx context.Context, raw []byte)) {
	defer func() { _ = c.Close() }()
	c.conn.SetReadLimit(c.cfg.MaxMessageBytes)
	for {
		msgType, raw, err := c.conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, websocket.ErrCloseSent) &&
				websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Err(err).Msg("Read loop ended.")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		handle(ctx, raw)
	}
}
