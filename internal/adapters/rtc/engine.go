// Package rtc implements the media-engine boundary on pion/webrtc: one
// peer connection per link plus the RTP fan-out from publishers to
// subscribers.
package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/knikolov/sfumesh/internal/domain"
)

var errNoEndpoint = errors.New("no endpoint for link")

type endpoint struct {
	pc     *webrtc.PeerConnection
	cancel context.CancelFunc
	// outs maps source track id to the local track already added to pc,
	// so renegotiation reuses senders instead of stacking transceivers.
	outs map[string]*webrtc.TrackLocalStaticRTP
}

type Engine struct {
	cfg    webrtc.Configuration
	Fanout *Fanout

	// Wired after construction; the coordinator consumes connectivity,
	// the signaling controller delivers candidates, the orchestrator
	// fans out on new publisher tracks.
	OnConnectivity   func(key domain.LinkKey, up bool)
	OnCandidate      func(key domain.LinkKey, cand webrtc.ICECandidateInit)
	OnPublisherTrack func(room domain.RoomID, user domain.UserID)

	mu  sync.Mutex
	eps map[domain.LinkKey]*endpoint
}

func NewEngine(iceURLs []string, fanout *Fanout) *Engine {
	if len(iceURLs) == 0 {
		iceURLs = []string{"stun:stun.l.google.com:19302"}
	}
	return &Engine{
		cfg: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: iceURLs}},
		},
		Fanout: fanout,
		eps:    make(map[domain.LinkKey]*endpoint),
	}
}

func (e *Engine) get(key domain.LinkKey) (*endpoint, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ep, ok := e.eps[key]
	return ep, ok
}

func (e *Engine) endpoint(key domain.LinkKey) (*endpoint, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ep, ok := e.eps[key]; ok {
		return ep, nil
	}
	pc, err := webrtc.NewPeerConnection(e.cfg)
	if err != nil {
		return nil, err
	}
	epCtx, cancel := context.WithCancel(context.Background())
	ep := &endpoint{pc: pc, cancel: cancel, outs: make(map[string]*webrtc.TrackLocalStaticRTP)}
	e.eps[key] = ep

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().
			Str("module", "rtc").
			Str("room", string(key.Room)).
			Str("local", string(key.Local)).
			Str("state", s.String()).
			Msg("peer state")
		if e.OnConnectivity == nil {
			return
		}
		switch s {
		case webrtc.PeerConnectionStateConnected:
			e.OnConnectivity(key, true)
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
			e.OnConnectivity(key, false)
		}
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil && e.OnCandidate != nil {
			e.OnCandidate(key, c.ToJSON())
		}
	})

	if key.IsUpstream() {
		pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			log.Info().
				Str("module", "rtc").
				Str("room", string(key.Room)).
				Str("publisher", string(key.Local)).
				Str("kind", track.Kind().String()).
				Str("track_id", track.ID()).
				Msg("publisher track received")
			e.Fanout.StartRelay(epCtx, key.Room, key.Local, track)
			if e.OnPublisherTrack != nil {
				e.OnPublisherTrack(key.Room, key.Local)
			}
		})
	}
	return ep, nil
}

// CreateOffer builds the local offer for a downstream link, attaching the
// publisher's relayed tracks. Subscribers are re-registered with the
// fan-out on every negotiation pass because a relay replaced by a fresh
// publisher track starts with an empty subscriber set.
func (e *Engine) CreateOffer(ctx context.Context, key domain.LinkKey, iceRestart bool) (string, error) {
	ep, err := e.endpoint(key)
	if err != nil {
		return "", err
	}
	if !key.IsUpstream() {
		for _, src := range e.Fanout.SrcTracks(key.Room, key.Remote) {
			id := src.ID()
			local, ok := ep.outs[id]
			if !ok {
				local, err = webrtc.NewTrackLocalStaticRTP(src.Codec().RTPCodecCapability, id, src.StreamID())
				if err != nil {
					return "", err
				}
				if _, err := ep.pc.AddTrack(local); err != nil {
					return "", err
				}
				ep.outs[id] = local
			}
			e.Fanout.AddSubscriber(key.Room, key.Remote, key.Local, id, local)
		}
	}

	offer, err := ep.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return "", err
	}
	gatherComplete := webrtc.GatheringCompletePromise(ep.pc)
	if err := ep.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return ep.pc.LocalDescription().SDP, nil
}

func (e *Engine) ApplyAnswer(_ context.Context, key domain.LinkKey, sdp string) error {
	ep, ok := e.get(key)
	if !ok {
		return errNoEndpoint
	}
	return ep.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

// AnswerUpstream applies a publisher's offer and returns the gathered
// local answer.
func (e *Engine) AnswerUpstream(ctx context.Context, key domain.LinkKey, sdp string) (string, error) {
	ep, err := e.endpoint(key)
	if err != nil {
		return "", err
	}
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := ep.pc.SetRemoteDescription(offer); err != nil {
		return "", err
	}
	answer, err := ep.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	gatherComplete := webrtc.GatheringCompletePromise(ep.pc)
	if err := ep.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return ep.pc.LocalDescription().SDP, nil
}

func (e *Engine) AddICECandidate(key domain.LinkKey, candidate []byte) error {
	ep, ok := e.get(key)
	if !ok {
		return errNoEndpoint
	}
	var ci webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &ci); err != nil {
		return err
	}
	return ep.pc.AddICECandidate(ci)
}

// CloseEndpoint releases the peer connection and its fan-out attachments.
func (e *Engine) CloseEndpoint(key domain.LinkKey) {
	e.mu.Lock()
	ep, ok := e.eps[key]
	if ok {
		delete(e.eps, key)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	ep.cancel()
	if key.IsUpstream() {
		e.Fanout.StopRelay(key.Room, key.Local)
	} else {
		e.Fanout.DropSubscriber(key.Room, key.Remote, key.Local)
	}
	if err := ep.pc.Close(); err != nil {
		log.Error().Err(err).
			Str("module", "rtc").
			Str("room", string(key.Room)).
			Str("local", string(key.Local)).
			Msg("close error")
	}
}
