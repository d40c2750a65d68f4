package signal

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/knikolov/sfumesh/internal/app/placement"
	"github.com/knikolov/sfumesh/internal/core"
	"github.com/knikolov/sfumesh/internal/domain"
)

func (ctl *Controller) handleCreateRoom(ctx context.Context, sid core.SessionID, c *WsConn, data []byte) {
	var p CreateRoomMsg
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad create-room payload")
		ctl.sendError(c, "bad_payload")
		return
	}
	if err := p.Validate(); err != nil {
		ctl.sendError(c, err.Error())
		return
	}
	userID := domain.UserID(p.UserID)
	if !ctl.limiter.Allow(userID) {
		ctl.sendError(c, "too many room requests")
		return
	}

	view, dec, err := ctl.Orch.Join(ctx, sid, userID, domain.RoomID(p.RoomID), domain.RoleFromAnchor(p.IsAnchor), true)
	if ctl.replyPlacement(c, dec, err) {
		return
	}

	ctl.sendJSON(c, struct {
		Type         string                `json:"type"`
		RoomID       domain.RoomID         `json:"roomId"`
		UserID       domain.UserID         `json:"userId"`
		IsAnchor     bool                  `json:"isAnchor"`
		Participants []core.ParticipantDTO `json:"participants"`
	}{
		Type:         "room-created",
		RoomID:       view.Room,
		UserID:       userID,
		IsAnchor:     p.IsAnchor,
		Participants: view.Others,
	})
}

func (ctl *Controller) handleJoinRoom(ctx context.Context, sid core.SessionID, c *WsConn, data []byte) {
	var p JoinRoomMsg
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad join-room payload")
		ctl.sendError(c, "bad_payload")
		return
	}
	if err := p.Validate(); err != nil {
		ctl.sendError(c, err.Error())
		return
	}
	userID := domain.UserID(p.UserID)
	roomID := domain.RoomID(p.RoomID)
	if !ctl.limiter.Allow(userID) {
		ctl.sendError(c, "too many room requests")
		return
	}

	view, dec, err := ctl.Orch.Join(ctx, sid, userID, roomID, domain.RoleFromAnchor(p.IsAnchor), false)
	if ctl.replyPlacement(c, dec, err) {
		return
	}

	ctl.sendJSON(c, struct {
		Type         string                `json:"type"`
		RoomID       domain.RoomID         `json:"roomId"`
		UserID       domain.UserID         `json:"userId"`
		IsAnchor     bool                  `json:"isAnchor"`
		Participants []core.ParticipantDTO `json:"participants"`
	}{
		Type:         "room-joined",
		RoomID:       view.Room,
		UserID:       userID,
		IsAnchor:     p.IsAnchor,
		Participants: view.Others,
	})

	ctl.BroadcastRoom(roomID, userID, struct {
		Type     string        `json:"type"`
		UserID   domain.UserID `json:"userId"`
		IsAnchor bool          `json:"isAnchor"`
	}{
		Type:     "user-joined",
		UserID:   userID,
		IsAnchor: p.IsAnchor,
	})
}

// replyPlacement turns a placement outcome into a redirect or error reply.
// It returns true when the request is finished (not admitted).
func (ctl *Controller) replyPlacement(c *WsConn, dec placement.Decision, err error) bool {
	switch {
	case errors.Is(err, domain.ErrRoomNotFound):
		ctl.sendError(c, "Room not found")
		return true
	case errors.Is(err, domain.ErrNoCandidateNodes):
		// Placement unavailable: the client receives no redirect and
		// remains pending.
		log.Warn().Str("module", "signal").Msg("no candidate nodes, client stays pending")
		return true
	case err != nil:
		log.Error().Err(err).Str("module", "signal").Msg("join failed")
		ctl.sendError(c, "internal error")
		return true
	case dec.Redirect != nil:
		ctl.sendJSON(c, struct {
			Type   string `json:"type"`
			NodeID string `json:"nodeId"`
			Host   string `json:"host"`
			Port   int    `json:"port"`
		}{
			Type:   "redirect",
			NodeID: dec.Redirect.NodeID,
			Host:   dec.Redirect.Host,
			Port:   dec.Redirect.Port,
		})
		return true
	}
	return false
}

func (ctl *Controller) handleSwitchRole(ctx context.Context, sid core.SessionID, c *WsConn, data []byte) {
	var p SwitchRoleMsg
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad switch-role payload")
		ctl.sendError(c, "bad_payload")
		return
	}
	roomID, userID, ok := ctl.resolve(sid, p.RoomID, p.UserID)
	if !ok {
		ctl.sendError(c, "not in a room")
		return
	}

	if _, err := ctl.Orch.SetRole(ctx, roomID, userID, domain.RoleFromAnchor(p.IsAnchor)); err != nil {
		ctl.sendError(c, err.Error())
		return
	}
	ctl.BroadcastRoom(roomID, "", struct {
		Type     string        `json:"type"`
		UserID   domain.UserID `json:"userId"`
		IsAnchor bool          `json:"isAnchor"`
	}{
		Type:     "role-switched",
		UserID:   userID,
		IsAnchor: p.IsAnchor,
	})
}

func (ctl *Controller) handleLeaveRoom(ctx context.Context, sid core.SessionID, c *WsConn) {
	roomID, userID, ok := ctl.Orch.Registry.SessionOf(sid)
	if !ok {
		ctl.sendError(c, "not in a room")
		return
	}
	if err := ctl.Orch.Leave(ctx, roomID, userID); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("leave")
		return
	}
	ctl.broadcastUserLeft(roomID, userID)
}

// handleTransportLost runs the same cleanup cascade as an explicit leave.
func (ctl *Controller) handleTransportLost(ctx context.Context, sid core.SessionID) {
	roomID, userID, ok := ctl.Orch.Disconnect(ctx, sid)
	if ok {
		ctl.broadcastUserLeft(roomID, userID)
	}
}

func (ctl *Controller) broadcastUserLeft(roomID domain.RoomID, userID domain.UserID) {
	ctl.BroadcastRoom(roomID, userID, struct {
		Type   string        `json:"type"`
		UserID domain.UserID `json:"userId"`
	}{
		Type:   "user-left",
		UserID: userID,
	})
}

// resolve prefers payload identifiers but falls back to the session
// binding when the payload omits them.
func (ctl *Controller) resolve(sid core.SessionID, roomID, userID string) (domain.RoomID, domain.UserID, bool) {
	if roomID != "" && userID != "" {
		return domain.RoomID(roomID), domain.UserID(userID), true
	}
	r, u, ok := ctl.Orch.Registry.SessionOf(sid)
	if !ok {
		return "", "", false
	}
	if roomID != "" {
		r = domain.RoomID(roomID)
	}
	if userID != "" {
		u = domain.UserID(userID)
	}
	return r, u, true
}
