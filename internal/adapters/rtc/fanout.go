package rtc

import (
	"context"
	"maps"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/knikolov/sfumesh/internal/domain"
)

type pubKey struct {
	room domain.RoomID
	user domain.UserID
}

// RemoteTrack is the part of pion's TrackRemote the fan-out reads, split
// out so relays can be driven without a live peer connection.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Codec() webrtc.RTPCodecParameters
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Fanout forwards each publisher's incoming RTP to its subscribers' out
// tracks without decoding. One relay loop per publisher track; a publisher
// with audio and video runs two independent relays.
type Fanout struct {
	mu     sync.RWMutex
	relays map[pubKey]map[string]*relay
}

func NewFanout() *Fanout {
	return &Fanout{relays: make(map[pubKey]map[string]*relay)}
}

// StartRelay begins forwarding one of a publisher's remote tracks. A relay
// already running for the same track id is replaced; the publisher's other
// tracks are untouched.
func (f *Fanout) StartRelay(ctx context.Context, room domain.RoomID, user domain.UserID, track RemoteTrack) {
	logger := log.With().
		Str("module", "rtc.fanout").
		Str("room", string(room)).
		Str("publisher", string(user)).
		Str("track_id", track.ID()).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	r := newRelay(track, cancel)

	key := pubKey{room: room, user: user}
	f.mu.Lock()
	byID := f.relays[key]
	if byID == nil {
		byID = make(map[string]*relay)
		f.relays[key] = byID
	}
	if old, ok := byID[track.ID()]; ok {
		logger.Info().Msg("replacing relay for publisher track")
		old.markAllDelete()
		if old.cancel != nil {
			old.cancel()
		}
	}
	byID[track.ID()] = r
	f.mu.Unlock()

	logger.Info().Msg("starting relay loop")
	go r.loop(relayCtx, &logger)
}

// SrcTracks lists the publisher's currently relaying source tracks.
func (f *Fanout) SrcTracks(room domain.RoomID, user domain.UserID) []RemoteTrack {
	f.mu.RLock()
	defer f.mu.RUnlock()
	byID := f.relays[pubKey{room: room, user: user}]
	out := make([]RemoteTrack, 0, len(byID))
	for _, r := range byID {
		out = append(out, r.src)
	}
	return out
}

// AddSubscriber attaches an out track to the relay of one publisher track.
// Renegotiation re-registers existing subscribers, which is what lets a
// replaced relay (starting with no subscribers) pick them back up.
func (f *Fanout) AddSubscriber(room domain.RoomID, pub, sub domain.UserID, trackID string, track *webrtc.TrackLocalStaticRTP) {
	f.mu.RLock()
	r, ok := f.relays[pubKey{room: room, user: pub}][trackID]
	f.mu.RUnlock()
	if !ok {
		return
	}
	r.addOutTrack(sub, NewOutTrack(track))
}

// DropSubscriber marks the subscriber's out tracks for removal across all
// of the publisher's relays.
func (f *Fanout) DropSubscriber(room domain.RoomID, pub, sub domain.UserID) {
	for _, r := range f.publisherRelays(room, pub) {
		r.dropOutTrack(sub)
	}
}

// Subscribers lists the users currently attached to any of the publisher's
// relays, muted ones included.
func (f *Fanout) Subscribers(room domain.RoomID, pub domain.UserID) []domain.UserID {
	seen := make(map[domain.UserID]struct{})
	for _, r := range f.publisherRelays(room, pub) {
		r.mu.RLock()
		for sub, ot := range r.outTracks {
			if ot.GetState() != TrackStateDelete {
				seen[sub] = struct{}{}
			}
		}
		r.mu.RUnlock()
	}
	out := make([]domain.UserID, 0, len(seen))
	for sub := range seen {
		out = append(out, sub)
	}
	return out
}

// SetMuted pauses or resumes forwarding from the publisher. Subscribers
// attached while muted start out muted too.
func (f *Fanout) SetMuted(room domain.RoomID, user domain.UserID, muted bool) {
	for _, r := range f.publisherRelays(room, user) {
		r.setMuted(muted)
	}
}

// StopRelay stops every relay of a publisher and removes them.
func (f *Fanout) StopRelay(room domain.RoomID, user domain.UserID) {
	key := pubKey{room: room, user: user}
	f.mu.Lock()
	byID := f.relays[key]
	delete(f.relays, key)
	f.mu.Unlock()
	for _, r := range byID {
		if r.cancel != nil {
			r.cancel()
		}
		r.markAllDelete()
	}
}

func (f *Fanout) publisherRelays(room domain.RoomID, user domain.UserID) []*relay {
	f.mu.RLock()
	defer f.mu.RUnlock()
	byID := f.relays[pubKey{room: room, user: user}]
	out := make([]*relay, 0, len(byID))
	for _, r := range byID {
		out = append(out, r)
	}
	return out
}

type relay struct {
	src RemoteTrack

	mu        sync.RWMutex
	outTracks map[domain.UserID]*OutTrack
	muted     bool

	cancel context.CancelFunc
}

func newRelay(src RemoteTrack, cancel context.CancelFunc) *relay {
	return &relay{
		src:       src,
		outTracks: make(map[domain.UserID]*OutTrack),
		cancel:    cancel,
	}
}

// loop reads RTP packets from the source track and forwards them to all
// out tracks.
func (r *relay) loop(ctx context.Context, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("relay ctx done, marking all out tracks for delete")
			r.markAllDelete()
			return
		default:
		}
		pkt, _, err := r.src.ReadRTP()
		if err != nil {
			logger.Error().Err(err).Msg("relay read RTP error, stopping")
			r.markAllDelete()
			return
		}
		r.forward(pkt, logger)
	}
}

func (r *relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := make(map[domain.UserID]*OutTrack, len(r.outTracks))
	maps.Copy(snapshot, r.outTracks)
	r.mu.RUnlock()

	dirty := make([]domain.UserID, 0, len(snapshot))
	for sub, ot := range snapshot {
		switch ot.GetState() {
		case TrackStateDelete:
			dirty = append(dirty, sub)
		case TrackStateMuted:
		case TrackStateOk:
			if err := ot.Track.WriteRTP(pkt); err != nil {
				logger.Error().
					Err(err).
					Str("subscriber", string(sub)).
					Msg("relay write RTP error, marking out track as delete")
				ot.MarkDelete()
				dirty = append(dirty, sub)
			}
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		r.cleanupDeleted(dirty)
	}
}

func (r *relay) cleanupDeleted(dirty []domain.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range dirty {
		delete(r.outTracks, sub)
	}
}

func (r *relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ot := range r.outTracks {
		ot.MarkDelete()
	}
}

func (r *relay) setMuted(muted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.muted = muted
	for _, ot := range r.outTracks {
		if ot.GetState() == TrackStateDelete {
			continue
		}
		if muted {
			ot.MarkMuted()
		} else {
			ot.MarkOk()
		}
	}
}

func (r *relay) addOutTrack(sub domain.UserID, ot *OutTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.muted {
		ot.MarkMuted()
	}
	r.outTracks[sub] = ot
}

func (r *relay) dropOutTrack(sub domain.UserID) {
	r.mu.RLock()
	ot, ok := r.outTracks[sub]
	r.mu.RUnlock()
	if ok {
		ot.MarkDelete()
	}
}
