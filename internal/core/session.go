package core

import "github.com/knikolov/sfumesh/internal/domain"

// Frame is a raw signaling payload.
type Frame []byte

// SessionID identifies one transport channel (client token), distinct from
// the room-scoped UserID so a channel can in principle be rebound.
type SessionID string

// SignalConnection abstracts the system messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// ParticipantDTO is a read-only view for wire replies (no transport fields).
type ParticipantDTO struct {
	ID       domain.UserID `json:"id"`
	IsAnchor bool          `json:"isAnchor"`
}

// RoomView is what a joining client gets back: the room plus the other
// members present at join time.
type RoomView struct {
	Room   domain.RoomID
	Others []ParticipantDTO
}

// RoomSnapshot is the participant/role set topology reconciliation works on.
type RoomSnapshot struct {
	Room         domain.RoomID
	Participants []domain.Participant
}

// Publishers filters the snapshot down to publisher-role members.
func (s RoomSnapshot) Publishers() []domain.UserID {
	out := make([]domain.UserID, 0, len(s.Participants))
	for _, p := range s.Participants {
		if p.Role == domain.RolePublisher {
			out = append(out, p.ID)
		}
	}
	return out
}

type RoomInfo struct {
	ID          domain.RoomID `json:"id"`
	MemberCount int           `json:"member_count"`
}
