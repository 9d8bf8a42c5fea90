// Package pion is the real media engine: one pion PeerConnection per
// remote peer, receiving audio and video.
package pion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Wyydra/parley/internal/config"
	"github.com/Wyydra/parley/internal/core/domain"
	"github.com/Wyydra/parley/internal/core/port"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("peer connection closed")

const (
	eventBuffer = 64
	pliInterval = 3 * time.Second
)

type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

// NewFactory builds the shared pion API. Every engine it creates uses the
// given ICE servers.
func NewFactory(ice config.ICEConfig, logger zerolog.Logger) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	se := webrtc.SettingEngine{
		LoggerFactory: LoggerFactory{Logger: logger, Level: zerolog.WarnLevel},
	}

	return &Factory{
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se)),
		config: webrtc.Configuration{ICEServers: iceServers(ice)},
	}, nil
}

func iceServers(ice config.ICEConfig) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(ice.Servers))
	for _, s := range ice.Servers {
		srv := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			srv.Username = s.Username
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out
}

func (f *Factory) NewEngine(ctx context.Context, peer domain.ClientID) (port.MediaEngine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	// recvonly transceivers so our offers carry m=audio and m=video.
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			pc.Close()
			return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}

	e := &Engine{
		pc:     pc,
		events: make(chan domain.MediaEvent, eventBuffer),
		done:   make(chan struct{}),
		log:    log.With().Str("peer_id", peer.String()).Logger(),
	}
	e.wire()
	return e, nil
}

// Engine adapts a pion PeerConnection to port.MediaEngine.
type Engine struct {
	pc     *webrtc.PeerConnection
	events chan domain.MediaEvent
	done   chan struct{}
	log    zerolog.Logger

	mu     sync.Mutex
	closed bool
}

func (e *Engine) wire() {
	e.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil {
			return
		}
		e.emit(domain.LocalCandidate{Candidate: fromCandidateInit(c.ToJSON())})
	})

	e.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		e.log.Debug().Str("state", s.String()).Msg("Peer connection state changed")
		e.emit(domain.ConnectionStateChanged{State: domain.ConnectionState(s.String())})
	})

	e.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		e.emit(domain.ICEStateChanged{State: domain.ConnectionState(s.String())})
	})

	e.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		e.log.Info().Str("kind", track.Kind().String()).Str("codec", track.Codec().MimeType).Msg("Receiving remote track")
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go e.requestKeyframes(track)
		}
		go e.drain(track)
	})
}

// drain discards remote RTP so the receive pipeline keeps flowing.
func (e *Engine) drain(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			if !errors.Is(err, io.EOF) {
				e.log.Debug().Err(err).Msg("Remote track ended")
			}
			return
		}
	}
}

// requestKeyframes sends a PLI right away and then periodically until the
// engine closes.
func (e *Engine) requestKeyframes(track *webrtc.TrackRemote) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()

	for {
		pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}
		if err := e.pc.WriteRTCP(pli); err != nil {
			return
		}
		select {
		case <-ticker.C:
		case <-e.done:
			return
		}
	}
}

func (e *Engine) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	if err := e.check(ctx); err != nil {
		return domain.SessionDescription{}, err
	}
	d, err := e.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromDescription(d), nil
}

func (e *Engine) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	if err := e.check(ctx); err != nil {
		return domain.SessionDescription{}, err
	}
	d, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromDescription(d), nil
}

func (e *Engine) SetLocalDescription(ctx context.Context, d domain.SessionDescription) error {
	if err := e.check(ctx); err != nil {
		return err
	}
	return e.pc.SetLocalDescription(toDescription(d))
}

func (e *Engine) SetRemoteDescription(ctx context.Context, d domain.SessionDescription) error {
	if err := e.check(ctx); err != nil {
		return err
	}
	return e.pc.SetRemoteDescription(toDescription(d))
}

func (e *Engine) AddICECandidate(ctx context.Context, c domain.ICECandidate) error {
	if err := e.check(ctx); err != nil {
		return err
	}
	return e.pc.AddICECandidate(toCandidateInit(c))
}

func (e *Engine) Events() <-chan domain.MediaEvent { return e.events }

func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.done)
	close(e.events)
	e.mu.Unlock()

	return e.pc.Close()
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
	return nil
}

// emit runs on pion's callback goroutines and must not block them.
func (e *Engine) emit(ev domain.MediaEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.events <- ev:
	default:
		e.log.Warn().Msgf("Media event buffer full, dropping %T", ev)
	}
}

func fromDescription(d webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: domain.SDPType(d.Type.String()), SDP: d.SDP}
}

func toDescription(d domain.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(string(d.Type)), SDP: d.SDP}
}

func fromCandidateInit(c webrtc.ICECandidateInit) domain.ICECandidate {
	return domain.ICECandidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func toCandidateInit(c domain.ICECandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
