package negotiation

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/securecall/internal/core/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const pliInterval = 3 * time.Second

// trackSource is a MediaSource that can feed pion tracks.
type trackSource interface {
	Tracks() []webrtc.TrackLocal
}

// PionDialer builds pion peer connections with the default codecs and
// interceptors (NACK, RTCP reports, TWCC).
type PionDialer struct {
	api *webrtc.API
}

func NewPionDialer() (*PionDialer, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	return &PionDialer{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(registry),
		),
	}, nil
}

func (d *PionDialer) Dial(servers []domain.ICEServer, media MediaSource, h Handlers) (Connection, error) {
	cfg := webrtc.Configuration{}
	for _, s := range servers {
		cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	pc, err := d.api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	c := &pionConnection{pc: pc, stop: make(chan struct{})}

	if src, ok := media.(trackSource); ok {
		for _, t := range src.Tracks() {
			if _, err := pc.AddTrack(t); err != nil {
				pc.Close()
				return nil, fmt.Errorf("add %s track: %w", t.Kind(), err)
			}
		}
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		raw, err := json.Marshal(cand.ToJSON())
		if err != nil {
			log.Error().Err(err).Msg("Failed to marshal candidate")
			return
		}
		if h.Candidate != nil {
			h.Candidate(raw)
		}
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		state, ok := connectivityState(s)
		if ok && h.State != nil {
			h.State(state)
		}
	})

	pc.OnTrack(c.onTrack)
	return c, nil
}

func connectivityState(s webrtc.ICEConnectionState) (ConnectivityState, bool) {
	switch s {
	case webrtc.ICEConnectionStateChecking:
		return Checking, true
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return Connected, true
	case webrtc.ICEConnectionStateDisconnected:
		return Disconnected, true
	case webrtc.ICEConnectionStateFailed:
		return Failed, true
	case webrtc.ICEConnectionStateClosed:
		return Closed, true
	}
	return 0, false
}

type pionConnection struct {
	pc   *webrtc.PeerConnection
	stop chan struct{}
	once sync.Once
}

func (c *pionConnection) CreateOffer(restart bool) (string, error) {
	offer, err := c.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: restart})
	if err != nil {
		return "", err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

func (c *pionConnection) CreateAnswer() (string, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (c *pionConnection) SetRemoteDescription(t SDPType, sdp string) error {
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if t == SDPAnswer {
		desc.Type = webrtc.SDPTypeAnswer
	}
	return c.pc.SetRemoteDescription(desc)
}

func (c *pionConnection) AddCandidate(candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	return c.pc.AddICECandidate(init)
}

func (c *pionConnection) HasLocalOffer() bool {
	return c.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer
}

func (c *pionConnection) Close() error {
	c.once.Do(func() { close(c.stop) })
	return c.pc.Close()
}

func (c *pionConnection) onTrack(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	log.Debug().Str("kind", remote.Kind().String()).Str("codec", remote.Codec().MimeType).Msg("Received remote track")

	// Nothing renders here; drain so the interceptors keep reporting.
	go func() {
		for {
			if _, _, err := remote.ReadRTP(); err != nil {
				return
			}
		}
	}()

	if remote.Kind() != webrtc.RTPCodecTypeVideo {
		return
	}
	go func() {
		sendPLI := func() error {
			return c.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(remote.SSRC())},
			})
		}
		if sendPLI() != nil {
			return
		}
		ticker := time.NewTicker(pliInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				if sendPLI() != nil {
					return
				}
			}
		}
	}()
}
