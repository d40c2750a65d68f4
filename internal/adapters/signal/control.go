package signal

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/knikolov/sfumesh/internal/core"
	"github.com/knikolov/sfumesh/internal/domain"
)

func (ctl *Controller) handlePing(
	conn *WsConn,
) {
	resp := struct {
		Type string `json:"type"`
	}{
		Type: "pong",
	}
	ctl.sendJSON(conn, resp)
}

// handleMute toggles the sender's fan-out and tells the room.
func (ctl *Controller) handleMute(sid core.SessionID, c *WsConn, data []byte) {
	var p MuteMsg
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad mute payload")
		ctl.sendError(c, "bad_payload")
		return
	}
	roomID, userID, ok := ctl.resolve(sid, p.RoomID, p.UserID)
	if !ok {
		ctl.sendError(c, "not in a room")
		return
	}
	if err := ctl.Orch.SetMuted(roomID, userID, p.Muted); err != nil {
		ctl.sendError(c, err.Error())
		return
	}
	ctl.BroadcastRoom(roomID, userID, struct {
		Type   string        `json:"type"`
		UserID domain.UserID `json:"userId"`
		Muted  bool          `json:"muted"`
	}{
		Type:   "user-muted",
		UserID: userID,
		Muted:  p.Muted,
	})
}
