package http

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/Wyydra/parley/internal/adapter/codec"
	"github.com/Wyydra/parley/internal/core/domain"
	"github.com/Wyydra/parley/internal/metrics"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// WSClient is the relay's transport for one browser or peer connection.
type WSClient struct {
	id    domain.ClientID
	conn  *websocket.Conn
	codec codec.Codec
	send  chan domain.Envelope
	done  chan struct{}
	once  sync.Once
	log   zerolog.Logger
}

func (c *WSClient) ID() domain.ClientID {
	return c.id
}

// Send never blocks. A full queue means the client is too slow to keep up
// and the envelope is dropped.
func (c *WSClient) Send(env domain.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

// Close asks the write pump to say goodbye and drop the connection.
func (c *WSClient) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env := <-c.send:
			data, err := c.codec.Encode(env)
			if err != nil {
				c.log.Error().Err(err).Str("type", string(env.Type)).Msg("Failed to encode envelope")
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(c.codec.FrameType(), data); err != nil {
				c.log.Debug().Err(err).Msg("Write failed")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}

func (h *Handler) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		Subprotocols:    codec.Subprotocols(),
		CheckOrigin: func(r *http.Request) bool {
			return h.Config.OriginAllowed(r.Header.Get("Origin"))
		},
	}
}

// ServeWS upgrades the request and runs the client's read loop until the
// connection ends.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader().Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}

	clientID := domain.NewClientID()
	l := log.With().Str("client_id", clientID.String()).Logger()

	client := &WSClient{
		id:    clientID,
		conn:  conn,
		codec: codec.ForSubprotocol(conn.Subprotocol()),
		send:  make(chan domain.Envelope, h.Config.SendQueueSize),
		done:  make(chan struct{}),
		log:   l,
	}

	if err := h.Relay.Connect(client); err != nil {
		l.Error().Err(err).Msg("Failed to register client")
		conn.Close()
		return
	}
	l.Info().Str("codec", client.codec.Name()).Str("remote", r.RemoteAddr).Msg("New client connected")

	go client.writePump()

	defer func() {
		h.Relay.Disconnect(r.Context(), clientID)
		client.Close()
		l.Info().Msg("Client disconnected")
	}()

	limiter := rate.NewLimiter(rate.Limit(h.Config.MessagesPerSecond), h.Config.MessageBurst)

	conn.SetReadLimit(h.Config.MaxMessageBytes)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l.Error().Err(err).Msg("Unexpected close error")
			}
			return
		}

		if !limiter.Allow() {
			h.Metrics.Inc(metrics.DropRateLimited)
			l.Warn().Msg("Client exceeded message rate, dropping envelope")
			continue
		}

		env, err := client.codec.Decode(data)
		if err != nil {
			h.Metrics.Inc(metrics.ProtocolErrors)
			h.reject(client, l, err)
			continue
		}

		if err := h.Relay.Handle(r.Context(), clientID, env); err != nil {
			if errors.Is(err, domain.ErrProtocol) {
				h.reject(client, l, err)
				continue
			}
			l.Error().Err(err).Str("type", string(env.Type)).Msg("Failed to handle envelope")
		}
	}
}

// reject reports a protocol error to the client and keeps the connection.
func (h *Handler) reject(client *WSClient, l zerolog.Logger, err error) {
	l.Warn().Err(err).Msg("Rejected envelope")
	client.Send(domain.ErrorEnvelope(err))
}
