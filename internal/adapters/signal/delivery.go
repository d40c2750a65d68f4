package signal

import (
	"github.com/pion/webrtc/v4"

	"github.com/knikolov/sfumesh/internal/domain"
)

// The controller is the coordinator's Delivery: node-originated signaling
// reaches clients through the same channels as relayed traffic.

// DeliverOffer sends a downstream offer to the subscriber, annotated with
// the publisher as sender.
func (ctl *Controller) DeliverOffer(key domain.LinkKey, offerID, sdp string, iceRestart bool) {
	conn, ok := ctl.Orch.Registry.SignalOf(key.Room, key.Local)
	if !ok {
		return
	}
	ctl.sendTo(conn, struct {
		Type       string        `json:"type"`
		RoomID     domain.RoomID `json:"roomId"`
		SenderID   domain.UserID `json:"senderId"`
		OfferID    string        `json:"offerId"`
		SDP        string        `json:"sdp"`
		IceRestart bool          `json:"iceRestart,omitempty"`
	}{
		Type:       "offer",
		RoomID:     key.Room,
		SenderID:   key.Remote,
		OfferID:    offerID,
		SDP:        sdp,
		IceRestart: iceRestart,
	})
}

// DeliverAnswer sends the node's answer for a publisher's upstream offer.
func (ctl *Controller) DeliverAnswer(key domain.LinkKey, sdp string) {
	conn, ok := ctl.Orch.Registry.SignalOf(key.Room, key.Local)
	if !ok {
		return
	}
	ctl.sendTo(conn, struct {
		Type   string        `json:"type"`
		RoomID domain.RoomID `json:"roomId"`
		SDP    string        `json:"sdp"`
	}{
		Type:   "answer",
		RoomID: key.Room,
		SDP:    sdp,
	})
}

// RequestRestart asks the publisher to originate an ICE-restart offer for
// its upstream link. An empty target means the node itself is asking.
func (ctl *Controller) RequestRestart(key domain.LinkKey) {
	conn, ok := ctl.Orch.Registry.SignalOf(key.Room, key.Local)
	if !ok {
		return
	}
	ctl.sendTo(conn, struct {
		Type     string        `json:"type"`
		RoomID   domain.RoomID `json:"roomId"`
		TargetID domain.UserID `json:"targetId"`
	}{
		Type:   "restart-connection",
		RoomID: key.Room,
	})
}

// DeliverCandidate trickles a locally gathered candidate to the link's
// client end.
func (ctl *Controller) DeliverCandidate(key domain.LinkKey, ci webrtc.ICECandidateInit) {
	conn, ok := ctl.Orch.Registry.SignalOf(key.Room, key.Local)
	if !ok {
		return
	}
	ctl.sendTo(conn, struct {
		Type      string                  `json:"type"`
		RoomID    domain.RoomID           `json:"roomId"`
		SenderID  domain.UserID           `json:"senderId"`
		Candidate webrtc.ICECandidateInit `json:"candidate"`
	}{
		Type:      "ice-candidate",
		RoomID:    key.Room,
		SenderID:  key.Remote,
		Candidate: ci,
	})
}
