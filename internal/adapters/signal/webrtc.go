package signal

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/knikolov/sfumesh/internal/core"
	"github.com/knikolov/sfumesh/internal/domain"
)

// handleOffer routes a client's offer: an offer without a target addresses
// this node's upstream endpoint (publish); a targeted offer is relayed
// verbatim to the target participant annotated with the sender.
func (ctl *Controller) handleOffer(ctx context.Context, sid core.SessionID, c *WsConn, data []byte) {
	var p SDPMsg
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad offer payload")
		ctl.sendError(c, "bad_payload")
		return
	}
	if err := p.Validate(); err != nil {
		ctl.sendError(c, err.Error())
		return
	}
	roomID, userID, ok := ctl.resolve(sid, p.RoomID, p.UserID)
	if !ok {
		ctl.sendError(c, "not in a room")
		return
	}

	if p.TargetID == "" {
		if err := ctl.Orch.HandlePublishOffer(ctx, roomID, userID, p.SDP); err != nil {
			log.Warn().Err(err).
				Str("module", "signal").
				Str("room", string(roomID)).
				Str("user", string(userID)).
				Msg("publish offer rejected")
		}
		return
	}
	ctl.relayTo(roomID, userID, domain.UserID(p.TargetID), data)
}

// handleAnswer routes a subscriber's answer to its coordinator-owned link,
// or relays it verbatim for a peer-negotiated one.
func (ctl *Controller) handleAnswer(ctx context.Context, sid core.SessionID, c *WsConn, data []byte) {
	var p SDPMsg
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad answer payload")
		ctl.sendError(c, "bad_payload")
		return
	}
	if err := p.Validate(); err != nil {
		ctl.sendError(c, err.Error())
		return
	}
	roomID, userID, ok := ctl.resolve(sid, p.RoomID, p.UserID)
	if !ok {
		ctl.sendError(c, "not in a room")
		return
	}

	target := domain.UserID(p.TargetID)
	key := domain.DownstreamKey(roomID, userID, target)
	if ctl.Orch.OwnsLink(key) {
		_ = ctl.Orch.HandleAnswer(ctx, roomID, userID, target, p.OfferID, p.SDP)
		return
	}
	ctl.relayTo(roomID, userID, target, data)
}

func (ctl *Controller) handleCandidate(sid core.SessionID, c *WsConn, data []byte) {
	var p CandidateMsg
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad candidate payload")
		ctl.sendError(c, "bad_payload")
		return
	}
	if err := p.Validate(); err != nil {
		ctl.sendError(c, err.Error())
		return
	}
	roomID, userID, ok := ctl.resolve(sid, p.RoomID, p.UserID)
	if !ok {
		ctl.sendError(c, "not in a room")
		return
	}

	target := domain.UserID(p.TargetID)
	key := domain.UpstreamKey(roomID, userID)
	if target != "" {
		key = domain.DownstreamKey(roomID, userID, target)
	}
	if ctl.Orch.OwnsLink(key) {
		if err := ctl.Orch.HandleCandidate(roomID, userID, target, p.Candidate); err != nil {
			log.Warn().Err(err).Str("module", "signal").Str("room", string(roomID)).Msg("add ice candidate")
		}
		return
	}
	if target != "" {
		ctl.relayTo(roomID, userID, target, data)
	}
}

// handleRestartRequest inverts direction so the publisher side originates
// the actual restart: the target receives restart-connection naming the
// requester, and any node-owned downstream link restarts too.
func (ctl *Controller) handleRestartRequest(sid core.SessionID, c *WsConn, data []byte) {
	var p RestartRequestMsg
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad restart-request payload")
		ctl.sendError(c, "bad_payload")
		return
	}
	if err := p.Validate(); err != nil {
		ctl.sendError(c, err.Error())
		return
	}
	roomID, userID, ok := ctl.resolve(sid, p.RoomID, p.UserID)
	if !ok {
		ctl.sendError(c, "not in a room")
		return
	}

	target := domain.UserID(p.TargetID)
	ctl.Orch.HandleRestartRequest(roomID, userID, target)

	if conn, ok := ctl.Orch.Registry.SignalOf(roomID, target); ok {
		ctl.sendTo(conn, struct {
			Type     string        `json:"type"`
			RoomID   domain.RoomID `json:"roomId"`
			TargetID domain.UserID `json:"targetId"`
		}{
			Type:     "restart-connection",
			RoomID:   roomID,
			TargetID: userID,
		})
	}
}

// relayTo forwards a raw payload to the target's channel annotated with
// the sender.
func (ctl *Controller) relayTo(roomID domain.RoomID, sender, target domain.UserID, data []byte) {
	conn, ok := ctl.Orch.Registry.SignalOf(roomID, target)
	if !ok {
		log.Debug().
			Str("module", "signal").
			Str("room", string(roomID)).
			Str("target", string(target)).
			Msg("relay target not found")
		return
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	payload["senderId"] = string(sender)
	ctl.sendTo(conn, payload)
}
