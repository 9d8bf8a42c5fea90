package service

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/Wyydra/parley/internal/core/domain"
	"github.com/Wyydra/parley/internal/core/port"
	"github.com/rs/zerolog/log"
)

const defaultEventBuffer = 64

type CallOptions struct {
	Signaler port.Signaler
	Engines  port.MediaEngineFactory
	// AutoCall starts negotiation with every newly visible peer for which
	// we are the initiator.
	AutoCall    bool
	EventBuffer int
}

type SessionInfo struct {
	Peer  domain.ClientID
	State domain.NegotiationState
	Role  domain.Role
}

// CallService owns every negotiation session of one local client. Relayed
// envelopes are handed to a per-peer worker so a slow engine call for one
// peer never holds up another.
type CallService struct {
	signaler port.Signaler
	engines  port.MediaEngineFactory
	autoCall bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	eventsMu     sync.RWMutex
	events       chan domain.PeerEvent
	eventsClosed bool

	mu       sync.Mutex
	self     domain.ClientID
	room     domain.RoomID
	sessions map[domain.ClientID]*Coordinator
	workers  map[domain.ClientID]*mailbox
	closed   bool
	// unresolved holds peers seen before the relay told us our own id.
	unresolved []domain.ClientID
}

func NewCallService(opts CallOptions) *CallService {
	size := opts.EventBuffer
	if size <= 0 {
		size = defaultEventBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &CallService{
		signaler: opts.Signaler,
		engines:  opts.Engines,
		autoCall: opts.AutoCall,
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan domain.PeerEvent, size),
		sessions: make(map[domain.ClientID]*Coordinator),
		workers:  make(map[domain.ClientID]*mailbox),
	}
}

// Events is closed by Close.
func (s *CallService) Events() <-chan domain.PeerEvent { return s.events }

// Self returns the id the relay assigned us, or "" before connected.
func (s *CallService) Self() domain.ClientID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

func (s *CallService) Room() domain.RoomID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// Run feeds envelopes from the relay connection until ctx ends or incoming
// is closed.
func (s *CallService) Run(ctx context.Context, incoming <-chan domain.Envelope) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-incoming:
			if !ok {
				return nil
			}
			s.HandleEnvelope(env)
		}
	}
}

// HandleEnvelope dispatches one relay -> client envelope. Signal handling
// is queued on the sender's worker and this call returns immediately.
func (s *CallService) HandleEnvelope(env domain.Envelope) {
	switch env.Type {
	case domain.TypeConnected:
		s.mu.Lock()
		s.self = env.ClientID
		waiting := s.unresolved
		s.unresolved = nil
		s.mu.Unlock()
		log.Info().Str("client_id", env.ClientID.String()).Msg("Connected to relay")
		for _, peer := range waiting {
			s.peerVisible(peer)
		}

	case domain.TypeRoomUsers:
		for _, peer := range env.Users {
			s.peerVisible(peer)
		}

	case domain.TypeUserJoined:
		s.peerVisible(env.From)

	case domain.TypeUserDisconnected:
		s.peerLeft(env.From)

	case domain.TypeOffer:
		s.post(env.From, func(ctx context.Context) { s.handleOffer(ctx, env) })

	case domain.TypeAnswer:
		s.post(env.From, func(ctx context.Context) { s.handleAnswer(ctx, env) })

	case domain.TypeICECandidate:
		s.post(env.From, func(ctx context.Context) { s.handleCandidate(ctx, env) })

	case domain.TypeUsersList:
		users := env.Users
		if users == nil {
			users = []domain.ClientID{}
		}
		s.emit(domain.RosterUpdated{Users: users})

	case domain.TypeError:
		log.Warn().Str("error", env.Error).Msg("Relay reported an error")
		s.emit(domain.RelayError{Message: env.Error})

	default:
		log.Warn().Str("type", string(env.Type)).Msg("Ignoring unexpected envelope from relay")
	}
}

// JoinRoom asks the relay to move us into roomID. Sessions from a previous
// room are hung up.
func (s *CallService) JoinRoom(ctx context.Context, roomID domain.RoomID) error {
	if roomID == "" {
		return domain.ProtocolError("join-room", domain.ErrMissingField, "roomId")
	}
	s.mu.Lock()
	previous := s.room
	s.room = roomID
	s.mu.Unlock()

	if previous != "" && previous != roomID {
		s.closeAll(domain.CloseReasonHangUp)
	}
	return s.signaler.Send(ctx, domain.Envelope{Type: domain.TypeJoinRoom, RoomID: roomID})
}

func (s *CallService) LeaveRoom(ctx context.Context) error {
	s.mu.Lock()
	previous := s.room
	s.room = ""
	s.mu.Unlock()

	if previous == "" {
		return nil
	}
	s.closeAll(domain.CloseReasonHangUp)
	return s.signaler.Send(ctx, domain.Envelope{Type: domain.TypeLeaveRoom})
}

// RequestUsers asks for the current roster. The reply arrives as a
// RosterUpdated event.
func (s *CallService) RequestUsers(ctx context.Context) error {
	return s.signaler.Send(ctx, domain.Envelope{Type: domain.TypeGetUsers})
}

// Call starts negotiation with peer regardless of role. A closed session is
// replaced, which is how a failed call is retried.
func (s *CallService) Call(ctx context.Context, peer domain.ClientID) error {
	if peer == "" {
		return domain.ProtocolError("call", domain.ErrMissingField, "peer")
	}
	errc := make(chan error, 1)
	if !s.post(peer, func(jobCtx context.Context) {
		c, err := s.session(jobCtx, peer, true)
		if err != nil {
			errc <- err
			return
		}
		if c.State() != domain.StateIdle {
			errc <- &domain.Error{
				Kind:    domain.ErrNegotiation,
				Op:      "call",
				Peer:    peer,
				Err:     domain.ErrInvalidState,
				Details: "state " + c.State().String(),
			}
			return
		}
		errc <- c.Initiate(jobCtx)
	}) {
		return domain.NegotiationError("call", peer, domain.ErrSessionClosed)
	}

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HangUp closes the session with peer. Hanging up an unknown peer is a no-op.
func (s *CallService) HangUp(peer domain.ClientID) error {
	s.mu.Lock()
	c, ok := s.sessions[peer]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return c.Close(domain.CloseReasonHangUp)
}

func (s *CallService) Sessions() []SessionInfo {
	s.mu.Lock()
	coords := make([]*Coordinator, 0, len(s.sessions))
	for _, c := range s.sessions {
		coords = append(coords, c)
	}
	s.mu.Unlock()

	out := make([]SessionInfo, 0, len(coords))
	for _, c := range coords {
		out = append(out, SessionInfo{Peer: c.Peer(), State: c.State(), Role: c.Role()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}

// Close hangs up every session, stops the workers and closes Events.
func (s *CallService) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	workers := s.workers
	s.workers = make(map[domain.ClientID]*mailbox)
	s.mu.Unlock()

	err := s.closeAll(domain.CloseReasonShutdown)
	for _, w := range workers {
		w.stop()
	}
	s.cancel()
	s.wg.Wait()

	s.eventsMu.Lock()
	s.eventsClosed = true
	close(s.events)
	s.eventsMu.Unlock()
	return err
}

func (s *CallService) peerVisible(peer domain.ClientID) {
	if peer == "" {
		return
	}
	s.mu.Lock()
	self := s.self
	if self == "" {
		// No role can be resolved yet.
		s.unresolved = append(s.unresolved, peer)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	if peer == self {
		return
	}

	s.post(peer, func(ctx context.Context) {
		if c, ok := s.current(peer); ok && c.State() != domain.StateClosed {
			return
		}
		c, err := s.session(ctx, peer, true)
		if err != nil {
			return
		}

		role := domain.ResolveRole(self, peer)
		log.Debug().
			Str("peer_id", peer.String()).
			Str("role", role.String()).
			Msg("Peer became visible")
		if role != domain.RoleInitiator || !s.autoCall {
			return
		}
		if err := c.Initiate(ctx); err != nil {
			log.Warn().Err(err).Str("peer_id", peer.String()).Msg("Failed to initiate call")
		}
	})
}

func (s *CallService) peerLeft(peer domain.ClientID) {
	// Queued behind whatever the peer sent before leaving.
	ok := s.post(peer, func(context.Context) {
		s.closeSession(peer, domain.CloseReasonPeerLeft)
		s.retire(peer)
	})
	if !ok {
		s.closeSession(peer, domain.CloseReasonPeerLeft)
	}
}

// retire drops peer's worker once it has nothing left to do. It runs on
// that worker.
func (s *CallService) retire(peer domain.ClientID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.workers[peer]; ok && w.retireIfIdle() {
		delete(s.workers, peer)
	}
}

func (s *CallService) closeSession(peer domain.ClientID, reason domain.CloseReason) {
	s.mu.Lock()
	c, ok := s.sessions[peer]
	if ok {
		delete(s.sessions, peer)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := c.Close(reason); err != nil {
		log.Warn().Err(err).Str("peer_id", peer.String()).Msg("Error closing session")
	}
}

func (s *CallService) closeAll(reason domain.CloseReason) error {
	s.mu.Lock()
	coords := make([]*Coordinator, 0, len(s.sessions))
	for _, c := range s.sessions {
		coords = append(coords, c)
	}
	s.sessions = make(map[domain.ClientID]*Coordinator)
	s.mu.Unlock()

	var errs []error
	for _, c := range coords {
		if err := c.Close(reason); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *CallService) handleOffer(ctx context.Context, env domain.Envelope) {
	peer := env.From
	offer, err := env.Description()
	if err != nil {
		s.rejectSignal(peer, "offer", err)
		return
	}
	// A fresh offer on an established session is the remote side retrying
	// or renegotiating. In HaveLocalOffer it is glare and HandleOffer drops it.
	if c, ok := s.current(peer); ok {
		switch c.State() {
		case domain.StateStable, domain.StateHaveRemoteOffer:
			log.Info().Str("peer_id", peer.String()).Str("state", c.State().String()).Msg("Offer on established session, replacing it")
			if err := c.Close(domain.CloseReasonReplaced); err != nil {
				log.Warn().Err(err).Str("peer_id", peer.String()).Msg("Error closing replaced session")
			}
		}
	}
	c, err := s.session(ctx, peer, true)
	if err != nil {
		return
	}
	if err := c.HandleOffer(ctx, offer); err != nil {
		log.Debug().Err(err).Str("peer_id", peer.String()).Msg("Offer not applied")
	}
}

func (s *CallService) handleAnswer(ctx context.Context, env domain.Envelope) {
	peer := env.From
	c, ok := s.current(peer)
	if !ok {
		log.Warn().Str("peer_id", peer.String()).Msg("Discarding answer from peer without a session")
		return
	}
	answer, err := env.Description()
	if err != nil {
		s.rejectSignal(peer, "answer", err)
		return
	}
	if err := c.HandleAnswer(ctx, answer); err != nil {
		log.Debug().Err(err).Str("peer_id", peer.String()).Msg("Answer not applied")
	}
}

func (s *CallService) handleCandidate(ctx context.Context, env domain.Envelope) {
	peer := env.From
	cand, err := env.ICECandidate()
	if err != nil {
		s.rejectSignal(peer, "ice-candidate", err)
		return
	}
	// Late candidates for a closed session are not a reason to start a new one.
	c, err := s.session(ctx, peer, false)
	if err != nil {
		return
	}
	if err := c.AddCandidate(ctx, cand); err != nil {
		log.Debug().Err(err).Str("peer_id", peer.String()).Msg("Candidate not applied")
	}
}

func (s *CallService) rejectSignal(peer domain.ClientID, kind string, err error) {
	log.Warn().Err(err).Str("peer_id", peer.String()).Str("type", kind).Msg("Malformed signal from peer")
	s.emit(domain.NegotiationFailed{Peer: peer, Err: err})
}

func (s *CallService) current(peer domain.ClientID) (*Coordinator, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.sessions[peer]
	return c, ok
}

// session returns the coordinator for peer, creating one when there is
// none. A closed coordinator is replaced only when replace is set.
func (s *CallService) session(ctx context.Context, peer domain.ClientID, replace bool) (*Coordinator, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, domain.NegotiationError("session", peer, domain.ErrSessionClosed)
	}
	old, ok := s.sessions[peer]
	self := s.self
	s.mu.Unlock()

	if ok {
		if old.State() != domain.StateClosed {
			return old, nil
		}
		if !replace {
			return nil, domain.NegotiationError("session", peer, domain.ErrSessionClosed)
		}
	}

	engine, err := s.engines.NewEngine(ctx, peer)
	if err != nil {
		log.Error().Err(err).Str("peer_id", peer.String()).Msg("Failed to create media engine")
		nerr := domain.NegotiationError("new engine", peer, err)
		s.emit(domain.NegotiationFailed{Peer: peer, Err: nerr})
		return nil, nerr
	}

	c := NewCoordinator(CoordinatorConfig{
		Local:    self,
		Peer:     peer,
		Engine:   engine,
		Signaler: s.signaler,
		Notify:   s.emit,
	})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = c.Close(domain.CloseReasonShutdown)
		return nil, domain.NegotiationError("session", peer, domain.ErrSessionClosed)
	}
	s.sessions[peer] = c
	s.mu.Unlock()

	if ok {
		log.Info().Str("peer_id", peer.String()).Msg("Replaced closed session")
	}
	return c, nil
}

// post queues job on peer's worker, starting the worker if needed.
func (s *CallService) post(peer domain.ClientID, job func(context.Context)) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	w, ok := s.workers[peer]
	if !ok {
		w = newMailbox()
		s.workers[peer] = w
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			w.run(s.ctx)
		}()
	}
	ok = w.post(job)
	s.mu.Unlock()
	return ok
}

func (s *CallService) emit(ev domain.PeerEvent) {
	s.eventsMu.RLock()
	defer s.eventsMu.RUnlock()
	if s.eventsClosed {
		return
	}
	select {
	case s.events <- ev:
	default:
		log.Warn().Str("peer_id", ev.PeerID().String()).Msgf("Event buffer full, dropping %T", ev)
	}
}

// mailbox is an unbounded FIFO of jobs run by one goroutine.
type mailbox struct {
	mu      sync.Mutex
	jobs    []func(context.Context)
	wake    chan struct{}
	stopped bool
}

func newMailbox() *mailbox {
	return &mailbox{wake: make(chan struct{}, 1)}
}

func (m *mailbox) post(job func(context.Context)) bool {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return false
	}
	m.jobs = append(m.jobs, job)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

func (m *mailbox) retireIfIdle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.jobs) > 0 {
		return false
	}
	m.stopped = true
	return true
}

// stop lets the worker finish what is queued and then exit.
func (m *mailbox) stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) run(ctx context.Context) {
	for {
		m.mu.Lock()
		jobs := m.jobs
		m.jobs = nil
		stopped := m.stopped
		m.mu.Unlock()

		for _, job := range jobs {
			job(ctx)
		}
		if stopped && len(jobs) == 0 {
			return
		}
		if len(jobs) > 0 {
			continue
		}

		select {
		case <-m.wake:
		case <-ctx.Done():
			return
		}
	}
}
