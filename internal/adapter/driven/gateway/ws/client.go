// Package ws is the peer side of the relay connection.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/Wyydra/parley/internal/adapter/codec"
	"github.com/Wyydra/parley/internal/core/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	dialTimeout    = 10 * time.Second
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var ErrConnClosed = errors.New("relay connection closed")

// Conn is a connection to the relay. It implements port.Signaler and feeds
// every envelope the relay sends into Incoming.
type Conn struct {
	conn     *websocket.Conn
	codec    codec.Codec
	incoming chan domain.Envelope
	outgoing chan outbound
	done     chan struct{}
	once     sync.Once
	log      zerolog.Logger

	mu  sync.Mutex
	err error
}

type outbound struct {
	env    domain.Envelope
	result chan error
}

// Dial connects to a relay endpoint such as ws://host:8080/ws. subprotocol
// selects the frame codec and may be empty for JSON.
func Dial(ctx context.Context, rawURL, subprotocol string) (*Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid relay url: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	if subprotocol != "" {
		dialer.Subprotocols = []string{subprotocol}
	}

	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, domain.TransportError("dial", err)
	}

	c := &Conn{
		conn:     conn,
		codec:    codec.ForSubprotocol(conn.Subprotocol()),
		incoming: make(chan domain.Envelope, 32),
		outgoing: make(chan outbound),
		done:     make(chan struct{}),
		log:      log.With().Str("relay", u.Host).Logger(),
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readPump()
	go c.writePump()

	c.log.Debug().Str("codec", c.codec.Name()).Msg("Connected to relay")
	return c, nil
}

// Incoming is closed when the connection ends. Err then reports why.
func (c *Conn) Incoming() <-chan domain.Envelope {
	return c.incoming
}

// Send blocks until the frame is written, ctx ends, or the connection closes.
func (c *Conn) Send(ctx context.Context, env domain.Envelope) error {
	select {
	case <-c.done:
		return domain.TransportError("send", ErrConnClosed)
	default:
	}
	out := outbound{env: env, result: make(chan error, 1)}
	select {
	case c.outgoing <- out:
	case <-c.done:
		return domain.TransportError("send", ErrConnClosed)
	case <-ctx.Done():
		return domain.TransportError("send", ctx.Err())
	}
	select {
	case err := <-out.result:
		return err
	case <-ctx.Done():
		return domain.TransportError("send", ctx.Err())
	}
}

func (c *Conn) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) shutdown(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Conn) readPump() {
	defer func() {
		c.conn.Close()
		close(c.incoming)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.shutdown(domain.TransportError("read", err))
			} else {
				c.shutdown(nil)
			}
			return
		}

		env, err := c.codec.Decode(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("Dropping undecodable frame")
			continue
		}

		select {
		case c.incoming <- env:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case out := <-c.outgoing:
			data, err := c.codec.Encode(out.env)
			if err != nil {
				out.result <- domain.ProtocolError("encode", err, string(out.env.Type))
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(c.codec.FrameType(), data); err != nil {
				terr := domain.TransportError("write", err)
				out.result <- terr
				c.shutdown(terr)
				return
			}
			out.result <- nil

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown(domain.TransportError("ping", err))
				return
			}

		case <-c.done:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}
