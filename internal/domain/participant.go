// Package domain contains entity without logic, just meta-data
package domain

type UserID string

const MaxUserIDLen = 36

// Role of a participant within a room. Roles are mutually exclusive
// and may change while the participant is a member.
type Role int

const (
	RoleSubscriber Role = iota
	RolePublisher
)

func (r Role) String() string {
	if r == RolePublisher {
		return "publisher"
	}
	return "subscriber"
}

// RoleFromAnchor maps the wire-level isAnchor flag onto a Role.
func RoleFromAnchor(isAnchor bool) Role {
	if isAnchor {
		return RolePublisher
	}
	return RoleSubscriber
}

func (r Role) IsAnchor() bool { return r == RolePublisher }

type Participant struct {
	ID   UserID `json:"id"`
	Role Role   `json:"-"`
}
