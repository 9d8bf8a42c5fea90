package service

import (
	"context"
	"errors"
	"sync"

	"github.com/Wyydra/parley/internal/core/domain"
	"github.com/Wyydra/parley/internal/core/port"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type CoordinatorConfig struct {
	Local    domain.ClientID
	Peer     domain.ClientID
	Engine   port.MediaEngine
	Signaler port.Signaler
	// Notify receives every PeerEvent of this session. It must not block.
	Notify func(domain.PeerEvent)
}

// Coordinator drives the offer/answer/ICE exchange with one remote peer.
//
// Engine calls are serialized by sem, so a coordinator never has two of
// them in flight. Close cancels the base context, which aborts whatever
// call is outstanding; every call re-checks for Closed before applying its
// result.
type Coordinator struct {
	local    domain.ClientID
	peer     domain.ClientID
	engine   port.MediaEngine
	signaler port.Signaler
	notify   func(domain.PeerEvent)
	log      zerolog.Logger

	sem    chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	state      domain.NegotiationState
	role       domain.Role
	localDesc  *domain.SessionDescription
	remoteDesc *domain.SessionDescription
	pending    PendingCandidateQueue
}

func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	notify := cfg.Notify
	if notify == nil {
		notify = func(domain.PeerEvent) {}
	}
	c := &Coordinator{
		local:    cfg.Local,
		peer:     cfg.Peer,
		engine:   cfg.Engine,
		signaler: cfg.Signaler,
		notify:   notify,
		log: log.With().
			Str("local_id", cfg.Local.String()).
			Str("peer_id", cfg.Peer.String()).
			Logger(),
		sem:    make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  domain.StateIdle,
		role:   domain.RoleUnresolved,
	}
	go c.watchEngine()
	return c
}

func (c *Coordinator) Peer() domain.ClientID { return c.peer }

func (c *Coordinator) State() domain.NegotiationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) Role() domain.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// PendingCandidates is the number of remote candidates waiting for a
// remote description.
func (c *Coordinator) PendingCandidates() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending.Len()
}

// Done is closed once the engine event stream has been released.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Initiate creates and sends an offer. Only valid from Idle.
func (c *Coordinator) Initiate(ctx context.Context) error {
	const op = "initiate"

	callCtx, release, err := c.acquire(ctx, op)
	if err != nil {
		return err
	}
	defer release()

	if err := c.expect(op, domain.StateIdle, domain.ErrInvalidState); err != nil {
		return err
	}

	offer, err := c.engine.CreateOffer(callCtx)
	if c.isClosed() {
		return c.closedError(op)
	}
	if err != nil {
		return c.fail(op, err)
	}

	err = c.engine.SetLocalDescription(callCtx, offer)
	if c.isClosed() {
		return c.closedError(op)
	}
	if err != nil {
		return c.fail(op, err)
	}

	c.mu.Lock()
	c.localDesc = &offer
	c.role = domain.RoleInitiator
	ev := c.transitionLocked(domain.StateHaveLocalOffer)
	c.mu.Unlock()
	c.notify(ev)

	env, err := domain.Offer(c.peer, offer)
	if err != nil {
		return c.fail(op, err)
	}
	return c.send(ctx, op, env)
}

// HandleOffer applies a remote offer and answers it. An offer arriving in
// any state but Idle is discarded: the first valid offer wins.
func (c *Coordinator) HandleOffer(ctx context.Context, offer domain.SessionDescription) error {
	const op = "handle offer"

	callCtx, release, err := c.acquire(ctx, op)
	if err != nil {
		return err
	}
	defer release()

	if err := c.expect(op, domain.StateIdle, domain.ErrStaleOffer); err != nil {
		return err
	}
	if err := offer.Validate(domain.SDPTypeOffer); err != nil {
		return c.fail(op, err)
	}

	err = c.engine.SetRemoteDescription(callCtx, offer)
	if c.isClosed() {
		return c.closedError(op)
	}
	if err != nil {
		return c.fail(op, err)
	}

	c.mu.Lock()
	c.remoteDesc = &offer
	c.role = domain.RoleResponder
	ev := c.transitionLocked(domain.StateHaveRemoteOffer)
	queued := c.pending.Drain()
	c.mu.Unlock()
	c.notify(ev)

	c.applyCandidates(callCtx, queued)
	if c.isClosed() {
		return c.closedError(op)
	}

	answer, err := c.engine.CreateAnswer(callCtx)
	if c.isClosed() {
		return c.closedError(op)
	}
	if err != nil {
		return c.fail(op, err)
	}

	err = c.engine.SetLocalDescription(callCtx, answer)
	if c.isClosed() {
		return c.closedError(op)
	}
	if err != nil {
		return c.fail(op, err)
	}

	c.mu.Lock()
	c.localDesc = &answer
	ev = c.transitionLocked(domain.StateStable)
	c.mu.Unlock()
	c.notify(ev)

	env, err := domain.Answer(c.peer, answer)
	if err != nil {
		return c.fail(op, err)
	}
	return c.send(ctx, op, env)
}

// HandleAnswer applies the peer's answer to our offer. Answers in any
// state but HaveLocalOffer are duplicates or late and leave the session
// untouched.
func (c *Coordinator) HandleAnswer(ctx context.Context, answer domain.SessionDescription) error {
	const op = "handle answer"

	callCtx, release, err := c.acquire(ctx, op)
	if err != nil {
		return err
	}
	defer release()

	if err := c.expect(op, domain.StateHaveLocalOffer, domain.ErrStaleAnswer); err != nil {
		return err
	}
	if err := answer.Validate(domain.SDPTypeAnswer); err != nil {
		return c.fail(op, err)
	}

	err = c.engine.SetRemoteDescription(callCtx, answer)
	if c.isClosed() {
		return c.closedError(op)
	}
	if err != nil {
		return c.fail(op, err)
	}

	c.mu.Lock()
	c.remoteDesc = &answer
	ev := c.transitionLocked(domain.StateStable)
	queued := c.pending.Drain()
	c.mu.Unlock()
	c.notify(ev)

	c.applyCandidates(callCtx, queued)
	return nil
}

// AddCandidate applies a remote ICE candidate, or queues it until the
// remote description is known.
func (c *Coordinator) AddCandidate(ctx context.Context, cand domain.ICECandidate) error {
	const op = "add candidate"

	c.mu.Lock()
	switch {
	case c.state == domain.StateClosed:
		c.mu.Unlock()
		return c.closedError(op)
	case c.remoteDesc == nil:
		c.pending.Push(cand)
		n := c.pending.Len()
		c.mu.Unlock()
		c.log.Debug().Int("pending", n).Msg("Queued remote candidate until remote description is set")
		return nil
	}
	c.mu.Unlock()

	callCtx, release, err := c.acquire(ctx, op)
	if err != nil {
		return err
	}
	defer release()

	if c.isClosed() {
		return c.closedError(op)
	}
	if err := c.engine.AddICECandidate(callCtx, cand); err != nil {
		if c.isClosed() {
			return c.closedError(op)
		}
		c.log.Warn().Err(err).Str("candidate", cand.Candidate).Msg("Failed to apply remote candidate")
		return domain.NegotiationError(op, c.peer, err)
	}
	return nil
}

// HandleMediaEvent reacts to something the engine reported. Events that
// arrive after Close are ignored.
func (c *Coordinator) HandleMediaEvent(ev domain.MediaEvent) {
	if c.isClosed() {
		c.log.Debug().Msgf("Ignoring %T on closed session", ev)
		return
	}

	switch e := ev.(type) {
	case domain.LocalCandidate:
		env, err := domain.Candidate(c.peer, e.Candidate)
		if err != nil {
			c.log.Error().Err(err).Msg("Failed to encode local candidate")
			return
		}
		_ = c.send(c.ctx, "local candidate", env)

	case domain.ConnectionStateChanged:
		c.reportConnection(e.State, false)

	case domain.ICEStateChanged:
		c.reportConnection(e.State, true)
	}
}

func (c *Coordinator) reportConnection(state domain.ConnectionState, ice bool) {
	l := c.log.With().Str("state", string(state)).Bool("ice", ice).Logger()
	switch state {
	case domain.ConnectionStateFailed:
		l.Error().Msg("Peer connection failed; waiting for retry or hang-up")
	case domain.ConnectionStateDisconnected:
		l.Warn().Msg("Peer connection interrupted")
	default:
		l.Debug().Msg("Peer connection state changed")
	}
	c.notify(domain.ConnectionStatus{Peer: c.peer, State: state, ICE: ice})
}

// Close tears the session down. It is idempotent. Queued candidates are
// discarded and any outstanding engine call is cancelled.
func (c *Coordinator) Close(reason domain.CloseReason) error {
	c.mu.Lock()
	if c.state == domain.StateClosed {
		c.mu.Unlock()
		return nil
	}
	ev := c.transitionLocked(domain.StateClosed)
	dropped := c.pending.Discard()
	c.mu.Unlock()

	c.cancel()
	err := c.engine.Close()

	c.log.Info().
		Str("reason", string(reason)).
		Int("dropped_candidates", dropped).
		Msg("Negotiation session closed")
	c.notify(ev)
	c.notify(domain.SessionClosed{Peer: c.peer, Reason: reason})
	return err
}

func (c *Coordinator) watchEngine() {
	defer close(c.done)
	events := c.engine.Events()
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.HandleMediaEvent(ev)
		}
	}
}

// acquire takes the engine slot. The returned context is cancelled when
// either ctx or the session ends.
func (c *Coordinator) acquire(ctx context.Context, op string) (context.Context, func(), error) {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, domain.NegotiationError(op, c.peer, ctx.Err())
	case <-c.ctx.Done():
		return nil, nil, c.closedError(op)
	}

	callCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	release := func() {
		stop()
		cancel()
		<-c.sem
	}
	return callCtx, release, nil
}

// expect rejects the operation unless the session is in want.
func (c *Coordinator) expect(op string, want domain.NegotiationState, stale error) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	if state == want {
		return nil
	}
	if state == domain.StateClosed {
		return c.closedError(op)
	}
	c.log.Warn().
		Str("op", op).
		Str("state", state.String()).
		Msg("Discarding message not expected in current state")
	return &domain.Error{
		Kind:    domain.ErrNegotiation,
		Op:      op,
		Peer:    c.peer,
		Err:     stale,
		Details: "state " + state.String(),
	}
}

// applyCandidates feeds the drained queue to the engine in order. A bad
// candidate is logged and skipped.
func (c *Coordinator) applyCandidates(ctx context.Context, queued []domain.ICECandidate) {
	if len(queued) == 0 {
		return
	}
	applied := 0
	for _, cand := range queued {
		if c.isClosed() {
			return
		}
		if err := c.engine.AddICECandidate(ctx, cand); err != nil {
			c.log.Warn().Err(err).Str("candidate", cand.Candidate).Msg("Failed to apply queued candidate")
			continue
		}
		applied++
	}
	c.log.Debug().Int("queued", len(queued)).Int("applied", applied).Msg("Flushed pending candidates")
}

func (c *Coordinator) send(ctx context.Context, op string, env domain.Envelope) error {
	if err := c.signaler.Send(ctx, env); err != nil {
		c.log.Error().Err(err).Str("type", string(env.Type)).Msg("Failed to send signal")
		if errors.Is(err, domain.ErrTransport) {
			return err
		}
		return domain.TransportError(op, err)
	}
	return nil
}

// fail closes the session after an unrecoverable negotiation error.
func (c *Coordinator) fail(op string, err error) error {
	nerr := domain.NegotiationError(op, c.peer, err)
	c.log.Error().Err(err).Str("op", op).Msg("Negotiation failed")
	c.notify(domain.NegotiationFailed{Peer: c.peer, Err: nerr})
	if cerr := c.Close(domain.CloseReasonFailed); cerr != nil {
		c.log.Warn().Err(cerr).Msg("Error closing media engine")
	}
	return nerr
}

func (c *Coordinator) transitionLocked(to domain.NegotiationState) domain.StateChanged {
	from := c.state
	c.state = to
	c.log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("Negotiation state changed")
	return domain.StateChanged{Peer: c.peer, From: from, To: to, Role: c.role}
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == domain.StateClosed
}

func (c *Coordinator) closedError(op string) error {
	return domain.NegotiationError(op, c.peer, domain.ErrSessionClosed)
}
