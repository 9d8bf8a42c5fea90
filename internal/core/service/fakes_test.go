package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Wyydra/parley/internal/core/domain"
)

type fakeTransport struct {
	id domain.ClientID

	mu     sync.Mutex
	sent   []domain.Envelope
	full   bool
	closed bool
}

func newFakeTransport(id string) *fakeTransport {
	return &fakeTransport{id: domain.ClientID(id)}
}

func (t *fakeTransport) ID() domain.ClientID { return t.id }

func (t *fakeTransport) Send(env domain.Envelope) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.full || t.closed {
		return false
	}
	t.sent = append(t.sent, env)
	return true
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// take returns and forgets everything sent so far.
func (t *fakeTransport) take() []domain.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.sent
	t.sent = nil
	return out
}

// fakeSignaler records outbound envelopes.
type fakeSignaler struct {
	mu   sync.Mutex
	sent []domain.Envelope
	err  error
	ch   chan domain.Envelope
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{ch: make(chan domain.Envelope, 64)}
}

func (s *fakeSignaler) Send(ctx context.Context, env domain.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, env)
	select {
	case s.ch <- env:
	default:
	}
	return nil
}

func (s *fakeSignaler) ofType(t domain.MessageType) []domain.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Envelope
	for _, env := range s.sent {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

// waitFor blocks until an envelope of type t is sent.
func (s *fakeSignaler) waitFor(t *testing.T, typ domain.MessageType) domain.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-s.ch:
			if env.Type == typ {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

// scriptedEngine is a MediaEngine whose calls can be made to fail or block.
type scriptedEngine struct {
	mu        sync.Mutex
	calls     []string
	applied   []domain.ICECandidate
	failOn    map[string]error
	badCand   map[string]bool
	block     chan struct{}
	entered   chan string
	events    chan domain.MediaEvent
	closed    bool
	inFlight  int
	maxFlight int
}

func newScriptedEngine() *scriptedEngine {
	return &scriptedEngine{
		failOn:  make(map[string]error),
		badCand: make(map[string]bool),
		entered: make(chan string, 32),
		events:  make(chan domain.MediaEvent, 16),
	}
}

func (e *scriptedEngine) enter(ctx context.Context, name string) error {
	e.mu.Lock()
	e.calls = append(e.calls, name)
	e.inFlight++
	if e.inFlight > e.maxFlight {
		e.maxFlight = e.inFlight
	}
	block := e.block
	err := e.failOn[name]
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.inFlight--
		e.mu.Unlock()
	}()

	select {
	case e.entered <- name:
	default:
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (e *scriptedEngine) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	if err := e.enter(ctx, "create-offer"); err != nil {
		return domain.SessionDescription{}, err
	}
	return domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (e *scriptedEngine) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	if err := e.enter(ctx, "create-answer"); err != nil {
		return domain.SessionDescription{}, err
	}
	return domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (e *scriptedEngine) SetLocalDescription(ctx context.Context, d domain.SessionDescription) error {
	return e.enter(ctx, "set-local")
}

func (e *scriptedEngine) SetRemoteDescription(ctx context.Context, d domain.SessionDescription) error {
	return e.enter(ctx, "set-remote")
}

func (e *scriptedEngine) AddICECandidate(ctx context.Context, c domain.ICECandidate) error {
	if err := e.enter(ctx, "add-candidate"); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.badCand[c.Candidate] {
		return errors.New("malformed candidate")
	}
	e.applied = append(e.applied, c)
	return nil
}

func (e *scriptedEngine) Events() <-chan domain.MediaEvent { return e.events }

func (e *scriptedEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.events)
	}
	return nil
}

func (e *scriptedEngine) appliedCandidates() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.applied))
	for _, c := range e.applied {
		out = append(out, c.Candidate)
	}
	return out
}

func (e *scriptedEngine) callLog() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.calls))
	copy(out, e.calls)
	return out
}

// eventLog collects PeerEvents from a coordinator.
type eventLog struct {
	mu     sync.Mutex
	events []domain.PeerEvent
}

func (l *eventLog) notify(ev domain.PeerEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) all() []domain.PeerEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.PeerEvent, len(l.events))
	copy(out, l.events)
	return out
}

func ids(s ...string) []domain.ClientID {
	out := make([]domain.ClientID, len(s))
	for i, v := range s {
		out[i] = domain.ClientID(v)
	}
	return out
}

func equalIDs(a, b []domain.ClientID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
