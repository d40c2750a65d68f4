package orch

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/knikolov/sfumesh/internal/app/placement"
	"github.com/knikolov/sfumesh/internal/core"
	"github.com/knikolov/sfumesh/internal/domain"
)

// Join runs the full admission flow for a create or join request:
// placement first, then registry mutation and topology reconciliation.
// A non-admitting decision carries the redirect target.
func (o *Orchestrator) Join(ctx context.Context, sid core.SessionID, userID domain.UserID, roomID domain.RoomID, role domain.Role, create bool) (core.RoomView, placement.Decision, error) {
	if roomID == "" && create {
		roomID = domain.RoomID(uuid.NewString())
	}

	dec, err := o.Placement.Place(ctx, roomID)
	if err != nil {
		return core.RoomView{}, placement.Decision{}, err
	}
	if !dec.Admit {
		return core.RoomView{}, dec, nil
	}

	unlock := o.lockRoom(roomID)
	defer unlock()

	view, err := o.Registry.CreateOrJoin(roomID, userID, role, sid, create)
	if err != nil {
		return core.RoomView{}, dec, err
	}
	if snap, ok := o.Registry.Snapshot(roomID); ok {
		o.Topology.Reconcile(ctx, snap)
	}
	return view, dec, nil
}

// Leave removes the participant, tears down its links through a reconcile
// pass, and releases the room's placement once it empties.
func (o *Orchestrator) Leave(ctx context.Context, roomID domain.RoomID, userID domain.UserID) error {
	unlock := o.lockRoom(roomID)
	defer unlock()

	remaining, err := o.Registry.Leave(roomID, userID)
	if err != nil {
		return err
	}
	snap, ok := o.Registry.Snapshot(roomID)
	if !ok {
		snap = core.RoomSnapshot{Room: roomID}
	}
	o.Topology.Reconcile(ctx, snap)

	if remaining == 0 {
		o.Placement.Release(ctx, roomID)
		o.forgetRoomLock(roomID)
		log.Info().Str("module", "orch").Str("room", string(roomID)).Msg("room torn down")
	}
	return nil
}

// SetRole mutates the participant's role; the reconcile pass tears down the
// now-incompatible links and establishes the new set.
func (o *Orchestrator) SetRole(ctx context.Context, roomID domain.RoomID, userID domain.UserID, role domain.Role) (domain.Role, error) {
	unlock := o.lockRoom(roomID)
	defer unlock()

	prev, err := o.Registry.SetRole(roomID, userID, role)
	if err != nil {
		return prev, err
	}
	if prev != role {
		if snap, ok := o.Registry.Snapshot(roomID); ok {
			o.Topology.Reconcile(ctx, snap)
		}
	}
	return prev, nil
}

// Disconnect treats transport-channel loss identically to an explicit
// leave. It returns the binding so the caller can broadcast user-left.
func (o *Orchestrator) Disconnect(ctx context.Context, sid core.SessionID) (domain.RoomID, domain.UserID, bool) {
	roomID, userID, ok := o.Registry.SessionOf(sid)
	if ok {
		if err := o.Leave(ctx, roomID, userID); err != nil {
			log.Warn().Err(err).
				Str("module", "orch").
				Str("sid", string(sid)).
				Msg("cleanup on disconnect")
		}
	}
	o.Registry.Unbind(sid)
	return roomID, userID, ok
}
