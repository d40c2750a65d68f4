package orch

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/knikolov/sfumesh/internal/domain"
)

// HandlePublishOffer answers a publisher's upstream offer. Only a
// publisher-role member may hold an upstream link.
func (o *Orchestrator) HandlePublishOffer(ctx context.Context, roomID domain.RoomID, userID domain.UserID, sdp string) error {
	unlock := o.lockRoom(roomID)
	defer unlock()

	snap, ok := o.Registry.Snapshot(roomID)
	if !ok {
		return domain.ErrRoomNotFound
	}
	isPublisher := false
	for _, p := range snap.Participants {
		if p.ID == userID {
			isPublisher = p.Role == domain.RolePublisher
			break
		}
	}
	if !isPublisher {
		log.Warn().
			Str("module", "orch").
			Str("room", string(roomID)).
			Str("user", string(userID)).
			Msg("publish offer from non-publisher ignored")
		return domain.ErrNotInRoom
	}
	return o.Links.HandleUpstreamOffer(ctx, domain.UpstreamKey(roomID, userID), sdp)
}

// HandleAnswer routes a subscriber's answer to its downstream link.
func (o *Orchestrator) HandleAnswer(ctx context.Context, roomID domain.RoomID, from, target domain.UserID, offerID, sdp string) error {
	return o.Links.HandleAnswer(ctx, domain.DownstreamKey(roomID, from, target), offerID, sdp)
}

// HandleCandidate applies a trickled ICE candidate to the matching link
// endpoint; an empty target addresses the sender's upstream link.
func (o *Orchestrator) HandleCandidate(roomID domain.RoomID, from, target domain.UserID, candidate []byte) error {
	key := domain.UpstreamKey(roomID, from)
	if target != "" {
		key = domain.DownstreamKey(roomID, from, target)
	}
	return o.Links.AddCandidate(key, candidate)
}

// HandleRestartRequest reacts to a subscriber that detected failure on its
// downstream link from target. The node, being the publisher side of that
// link, originates the restart; the subscriber never does.
func (o *Orchestrator) HandleRestartRequest(roomID domain.RoomID, from, target domain.UserID) {
	o.Links.RequestRestart(domain.DownstreamKey(roomID, from, target))
}

// OnPublisherTrack is the media engine's signal that a publisher's track
// became available; existing downstream links renegotiate in place.
func (o *Orchestrator) OnPublisherTrack(ctx context.Context, roomID domain.RoomID, publisher domain.UserID) {
	unlock := o.lockRoom(roomID)
	defer unlock()

	snap, ok := o.Registry.Snapshot(roomID)
	if !ok {
		return
	}
	o.Topology.OnPublisherTrack(ctx, snap, publisher)
}

// SetMuted pauses or resumes a publisher's fan-out. No renegotiation; the
// links stay up and forwarding simply stops.
func (o *Orchestrator) SetMuted(roomID domain.RoomID, userID domain.UserID, muted bool) error {
	snap, ok := o.Registry.Snapshot(roomID)
	if !ok {
		return domain.ErrRoomNotFound
	}
	member := false
	for _, p := range snap.Participants {
		if p.ID == userID {
			member = true
			break
		}
	}
	if !member {
		return domain.ErrNotInRoom
	}
	if o.Media != nil {
		o.Media.SetMuted(roomID, userID, muted)
	}
	log.Info().
		Str("module", "orch").
		Str("room", string(roomID)).
		Str("user", string(userID)).
		Bool("muted", muted).
		Msg("publisher mute toggled")
	return nil
}

// OwnsLink lets the signaling router tell coordinator-bound negotiation
// traffic apart from peer-to-peer relay.
func (o *Orchestrator) OwnsLink(key domain.LinkKey) bool {
	return o.Links.Owns(key)
}
