// Package loopback is a media engine that negotiates nothing real. It
// produces fixed descriptions and a host candidate so the negotiation flow
// can run end to end without network access.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Wyydra/parley/internal/core/domain"
	"github.com/Wyydra/parley/internal/core/port"
)

var ErrClosed = errors.New("loopback engine closed")

const eventBuffer = 16

// Factory hands out engines and remembers them so tests can inspect them.
type Factory struct {
	mu      sync.Mutex
	engines map[domain.ClientID][]*Engine
	// Candidates is how many local candidates each engine emits after its
	// local description is set.
	Candidates int
}

func NewFactory() *Factory {
	return &Factory{
		engines:    make(map[domain.ClientID][]*Engine),
		Candidates: 1,
	}
}

func (f *Factory) NewEngine(ctx context.Context, peer domain.ClientID) (port.MediaEngine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e := New(peer)
	e.candidates = f.Candidates

	f.mu.Lock()
	f.engines[peer] = append(f.engines[peer], e)
	f.mu.Unlock()
	return e, nil
}

// Engines returns every engine created for peer, oldest first.
func (f *Factory) Engines(peer domain.ClientID) []*Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Engine, len(f.engines[peer]))
	copy(out, f.engines[peer])
	return out
}

// Engine records what it was asked to do. It is safe for concurrent use.
type Engine struct {
	peer       domain.ClientID
	candidates int

	mu         sync.Mutex
	local      *domain.SessionDescription
	remote     *domain.SessionDescription
	applied    []domain.ICECandidate
	connected  bool
	closed     bool
	events     chan domain.MediaEvent
	rejectNext error
}

func New(peer domain.ClientID) *Engine {
	return &Engine{
		peer:       peer,
		candidates: 1,
		events:     make(chan domain.MediaEvent, eventBuffer),
	}
}

func (e *Engine) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	return e.create(ctx, domain.SDPTypeOffer)
}

func (e *Engine) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	e.mu.Lock()
	remote := e.remote
	e.mu.Unlock()
	if remote == nil || remote.Type != domain.SDPTypeOffer {
		return domain.SessionDescription{}, errors.New("create answer: no remote offer")
	}
	return e.create(ctx, domain.SDPTypeAnswer)
}

func (e *Engine) create(ctx context.Context, t domain.SDPType) (domain.SessionDescription, error) {
	if err := e.check(ctx); err != nil {
		return domain.SessionDescription{}, err
	}
	return domain.SessionDescription{
		Type: t,
		SDP:  fmt.Sprintf("v=0\r\ns=loopback %s %s\r\n", t, e.peer),
	}, nil
}

func (e *Engine) SetLocalDescription(ctx context.Context, d domain.SessionDescription) error {
	if err := e.check(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	e.local = &d
	n := e.candidates
	e.mu.Unlock()

	for i := 0; i < n; i++ {
		e.emit(domain.LocalCandidate{Candidate: hostCandidate(i)})
	}
	e.maybeConnect()
	return nil
}

func (e *Engine) SetRemoteDescription(ctx context.Context, d domain.SessionDescription) error {
	if err := e.check(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	e.remote = &d
	e.mu.Unlock()
	e.maybeConnect()
	return nil
}

func (e *Engine) AddICECandidate(ctx context.Context, c domain.ICECandidate) error {
	if err := e.check(ctx); err != nil {
		return err
	}
	if c.Candidate == "" {
		return errors.New("add candidate: empty candidate")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.remote == nil {
		return errors.New("add candidate: remote description not set")
	}
	e.applied = append(e.applied, c)
	return nil
}

func (e *Engine) Events() <-chan domain.MediaEvent { return e.events }

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	close(e.events)
	return nil
}

// RejectNext makes the next engine call fail with err.
func (e *Engine) RejectNext(err error) {
	e.mu.Lock()
	e.rejectNext = err
	e.mu.Unlock()
}

// Fail simulates a transport failure after connecting.
func (e *Engine) Fail() {
	e.emit(domain.ConnectionStateChanged{State: domain.ConnectionStateFailed})
}

func (e *Engine) Applied() []domain.ICECandidate {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.ICECandidate, len(e.applied))
	copy(out, e.applied)
	return out
}

func (e *Engine) Descriptions() (local, remote *domain.SessionDescription) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.local, e.remote
}

func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if err := e.rejectNext; err != nil {
		e.rejectNext = nil
		return err
	}
	return nil
}

// maybeConnect reports a connection once both descriptions are in place.
func (e *Engine) maybeConnect() {
	e.mu.Lock()
	ready := !e.connected && e.local != nil && e.remote != nil
	if ready {
		e.connected = true
	}
	e.mu.Unlock()
	if !ready {
		return
	}
	e.emit(domain.ICEStateChanged{State: domain.ConnectionStateConnected})
	e.emit(domain.ConnectionStateChanged{State: domain.ConnectionStateConnected})
}

// emit drops the event when the buffer is full or the engine is closed.
func (e *Engine) emit(ev domain.MediaEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.events <- ev:
	default:
	}
}

func hostCandidate(i int) domain.ICECandidate {
	mid := "0"
	var index uint16
	return domain.ICECandidate{
		Candidate:     fmt.Sprintf("candidate:%d 1 udp 2130706431 127.0.0.1 %d typ host", i+1, 50000+i),
		SDPMid:        &mid,
		SDPMLineIndex: &index,
	}
}
