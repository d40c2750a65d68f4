package signal

import (
	"encoding/json"
	"fmt"

	"github.com/knikolov/sfumesh/internal/domain"
)

// SignalingError marks a message that failed shape validation. It is
// reported back to the sender, never treated as fatal.
type SignalingError struct {
	Reason string
}

func (e *SignalingError) Error() string { return e.Reason }

func errField(name string) error {
	return &SignalingError{Reason: fmt.Sprintf("missing or invalid field %q", name)}
}

// Envelope carries only the message kind; payloads are decoded per kind.
type Envelope struct {
	Type string `json:"type"`
}

type CreateRoomMsg struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	RoomID   string `json:"roomId,omitempty"`
	IsAnchor bool   `json:"isAnchor"`
}

func (m *CreateRoomMsg) Validate() error {
	if m.UserID == "" || len(m.UserID) > domain.MaxUserIDLen {
		return errField("userId")
	}
	if len(m.RoomID) > domain.MaxRoomIDLen {
		return errField("roomId")
	}
	return nil
}

type JoinRoomMsg struct {
	Type     string `json:"type"`
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	IsAnchor bool   `json:"isAnchor"`
}

func (m *JoinRoomMsg) Validate() error {
	if m.RoomID == "" || len(m.RoomID) > domain.MaxRoomIDLen {
		return errField("roomId")
	}
	if m.UserID == "" || len(m.UserID) > domain.MaxUserIDLen {
		return errField("userId")
	}
	return nil
}

// SDPMsg covers offer and answer. TargetID is empty when the SDP addresses
// this node (a publisher's upstream link).
type SDPMsg struct {
	Type       string `json:"type"`
	RoomID     string `json:"roomId"`
	UserID     string `json:"userId"`
	TargetID   string `json:"targetId,omitempty"`
	OfferID    string `json:"offerId,omitempty"`
	SDP        string `json:"sdp"`
	IceRestart bool   `json:"iceRestart,omitempty"`
}

func (m *SDPMsg) Validate() error {
	if m.SDP == "" {
		return errField("sdp")
	}
	return nil
}

type CandidateMsg struct {
	Type      string          `json:"type"`
	RoomID    string          `json:"roomId"`
	UserID    string          `json:"userId"`
	TargetID  string          `json:"targetId,omitempty"`
	Candidate json.RawMessage `json:"candidate"`
}

func (m *CandidateMsg) Validate() error {
	if len(m.Candidate) == 0 {
		return errField("candidate")
	}
	return nil
}

type SwitchRoleMsg struct {
	Type     string `json:"type"`
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	IsAnchor bool   `json:"isAnchor"`
}

func (m *SwitchRoleMsg) Validate() error { return nil }

type MuteMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
	Muted  bool   `json:"muted"`
}

func (m *MuteMsg) Validate() error { return nil }

type RestartRequestMsg struct {
	Type     string `json:"type"`
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	TargetID string `json:"targetId"`
}

func (m *RestartRequestMsg) Validate() error {
	if m.TargetID == "" {
		return errField("targetId")
	}
	return nil
}
