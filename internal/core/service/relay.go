package service

import (
	"context"
	"sync"
	"time"

	"github.com/Wyydra/parley/internal/core/domain"
	"github.com/Wyydra/parley/internal/core/port"
	"github.com/Wyydra/parley/internal/metrics"
	"github.com/rs/zerolog/log"
)

const defaultPresenceTimeout = 2 * time.Second

type RelayOptions struct {
	// Presence is optional.
	Presence        port.PresenceStore
	PresenceTimeout time.Duration
	Metrics         *metrics.Metrics
}

// Relay routes signaling envelopes between clients that share a room.
// All membership changes and the notifications they cause happen under one
// lock, so every recipient sees a consistent member list.
type Relay struct {
	mu    sync.Mutex
	rooms *RoomTable
	conns *ConnectionRegistry

	presence        port.PresenceStore
	presenceTimeout time.Duration
	metrics         *metrics.Metrics
}

type presenceOp struct {
	room domain.RoomID
	id   domain.ClientID
	join bool
}

func NewRelay(opts RelayOptions) *Relay {
	timeout := opts.PresenceTimeout
	if timeout <= 0 {
		timeout = defaultPresenceTimeout
	}
	return &Relay{
		rooms:           NewRoomTable(),
		conns:           NewConnectionRegistry(),
		presence:        opts.Presence,
		presenceTimeout: timeout,
		metrics:         opts.Metrics,
	}
}

// Connect registers t and greets it with its client id.
func (r *Relay) Connect(t port.Transport) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.conns.Add(t); err != nil {
		return err
	}
	r.metrics.Inc(metrics.ClientsConnected)
	r.deliver(t, domain.Connected(t.ID()))
	return nil
}

// Disconnect is called once the client's transport has closed.
func (r *Relay) Disconnect(ctx context.Context, id domain.ClientID) {
	r.mu.Lock()
	ops := r.leaveLocked(id)
	_, ok := r.conns.Remove(id)
	r.mu.Unlock()

	if ok {
		r.metrics.Inc(metrics.ClientsDisconnected)
	}
	r.syncPresence(ctx, ops)
}

// Handle dispatches one envelope received from client from.
func (r *Relay) Handle(ctx context.Context, from domain.ClientID, env domain.Envelope) error {
	if err := env.ValidateInbound(); err != nil {
		r.metrics.Inc(metrics.ProtocolErrors)
		return err
	}

	switch env.Type {
	case domain.TypeJoinRoom:
		return r.Join(ctx, from, env.RoomID)
	case domain.TypeLeaveRoom:
		return r.Leave(ctx, from)
	case domain.TypeGetUsers:
		return r.Users(from)
	case domain.TypeOffer, domain.TypeAnswer, domain.TypeICECandidate:
		return r.Route(from, env)
	}
	// ValidateInbound already rejected everything else.
	return domain.ProtocolError("handle", domain.ErrUnknownType, string(env.Type))
}

// Join moves id into roomID. A client is in at most one room, so joining a
// new room leaves the old one first.
func (r *Relay) Join(ctx context.Context, id domain.ClientID, roomID domain.RoomID) error {
	if roomID == "" {
		return domain.ProtocolError("join-room", domain.ErrMissingField, "roomId")
	}

	r.mu.Lock()
	t, ok := r.conns.Get(id)
	if !ok {
		r.mu.Unlock()
		return domain.TransportError("join-room", domain.ErrUnknownClient)
	}

	current := r.conns.Room(id)
	if current == roomID {
		r.deliver(t, domain.RoomUsers(r.rooms.Others(roomID, id)))
		r.mu.Unlock()
		return nil
	}

	var ops []presenceOp
	if current != "" {
		ops = r.leaveLocked(id)
	}

	previous, created := r.rooms.Add(roomID, id)
	r.conns.SetRoom(id, roomID)

	roomUsers := make([]domain.ClientID, 0, len(previous)+1)
	roomUsers = append(roomUsers, previous...)
	roomUsers = append(roomUsers, id)

	r.broadcastLocked(roomID, id, domain.UserJoined(id, roomUsers))
	r.deliver(t, domain.RoomUsers(previous))
	r.mu.Unlock()

	if created {
		r.metrics.Inc(metrics.RoomsCreated)
	}
	r.metrics.Inc(metrics.RoomJoins)
	log.Info().
		Str("client_id", id.String()).
		Str("room_id", roomID.String()).
		Int("members", len(roomUsers)).
		Msg("Client joined room")

	ops = append(ops, presenceOp{room: roomID, id: id, join: true})
	r.syncPresence(ctx, ops)
	return nil
}

// Leave removes id from its room. Leaving while in no room is a no-op.
func (r *Relay) Leave(ctx context.Context, id domain.ClientID) error {
	r.mu.Lock()
	ops := r.leaveLocked(id)
	r.mu.Unlock()

	r.syncPresence(ctx, ops)
	return nil
}

func (r *Relay) leaveLocked(id domain.ClientID) []presenceOp {
	roomID := r.conns.Room(id)
	if roomID == "" {
		return nil
	}
	r.conns.SetRoom(id, "")

	remaining, removed, destroyed := r.rooms.Remove(roomID, id)
	if !removed {
		return nil
	}
	r.metrics.Inc(metrics.RoomLeaves)

	notice := domain.UserDisconnected(id)
	for _, member := range remaining {
		if t, ok := r.conns.Get(member); ok {
			r.deliver(t, notice)
		}
	}

	l := log.With().Str("client_id", id.String()).Str("room_id", roomID.String()).Logger()
	if destroyed {
		r.metrics.Inc(metrics.RoomsDestroyed)
		l.Info().Msg("Room destroyed")
	} else {
		l.Info().Int("members", len(remaining)).Msg("Client left room")
	}
	return []presenceOp{{room: roomID, id: id}}
}

// Route forwards a signal envelope to env.To. Signals are only useful
// right now, so an unknown or closed target just drops it.
func (r *Relay) Route(from domain.ClientID, env domain.Envelope) error {
	out := domain.Envelope{
		Type:    env.Type,
		From:    from,
		Payload: env.Payload,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns.Get(from); !ok {
		return domain.TransportError(string(env.Type), domain.ErrUnknownClient)
	}
	target, ok := r.conns.Get(env.To)
	if !ok {
		r.metrics.Inc(metrics.DropTargetMissing)
		log.Debug().
			Str("from", from.String()).
			Str("to", env.To.String()).
			Str("type", string(env.Type)).
			Msg("Signal target not connected, dropping")
		return nil
	}
	if r.deliver(target, out) {
		r.metrics.Inc(metrics.EnvelopesRouted)
	}
	return nil
}

// Broadcast sends env to every member of roomID except exceptID.
func (r *Relay) Broadcast(roomID domain.RoomID, exceptID domain.ClientID, env domain.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastLocked(roomID, exceptID, env)
}

func (r *Relay) broadcastLocked(roomID domain.RoomID, exceptID domain.ClientID, env domain.Envelope) {
	for _, member := range r.rooms.Members(roomID) {
		if member == exceptID {
			continue
		}
		t, ok := r.conns.Get(member)
		if !ok {
			continue
		}
		if r.deliver(t, env) {
			r.metrics.Inc(metrics.EnvelopesBroadcast)
		}
	}
}

// Users answers get-users with the other members of the caller's room.
// A caller outside any room gets no reply.
func (r *Relay) Users(id domain.ClientID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.conns.Get(id)
	if !ok {
		return domain.TransportError("get-users", domain.ErrUnknownClient)
	}
	roomID := r.conns.Room(id)
	if roomID == "" {
		log.Debug().Str("client_id", id.String()).Msg("get-users outside a room, ignoring")
		return nil
	}
	r.deliver(t, domain.UsersList(r.rooms.Others(roomID, id)))
	return nil
}

// Rooms returns the current membership of every room.
func (r *Relay) Rooms() []port.RoomPresence {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms.Snapshot()
}

func (r *Relay) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns.Len()
}

// Shutdown closes every transport. Their read loops then call Disconnect.
func (r *Relay) Shutdown() {
	r.mu.Lock()
	transports := r.conns.All()
	r.mu.Unlock()

	log.Info().Int("clients", len(transports)).Msg("Closing all client transports")
	for _, t := range transports {
		if err := t.Close(); err != nil {
			log.Error().Err(err).Str("client_id", t.ID().String()).Msg("Error closing client transport")
		}
	}
}

func (r *Relay) deliver(t port.Transport, env domain.Envelope) bool {
	if t.Send(env) {
		return true
	}
	r.metrics.Inc(metrics.DropQueueFull)
	log.Warn().
		Str("client_id", t.ID().String()).
		Str("type", string(env.Type)).
		Msg("Client send queue full or closed, dropping envelope")
	return false
}

func (r *Relay) syncPresence(ctx context.Context, ops []presenceOp) {
	if r.presence == nil || len(ops) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.presenceTimeout)
	defer cancel()

	for _, op := range ops {
		var err error
		if op.join {
			err = r.presence.AddMember(ctx, op.room, op.id)
		} else {
			err = r.presence.RemoveMember(ctx, op.room, op.id)
		}
		if err != nil {
			r.metrics.Inc(metrics.PresenceErrors)
			log.Error().Err(err).
				Str("client_id", op.id.String()).
				Str("room_id", op.room.String()).
				Msg("Failed to update presence")
		}
	}
}
