package core

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/knikolov/sfumesh/internal/domain"
)

type memberState struct {
	role domain.Role
	sid  SessionID
}

// roomState carries its own lock so mutation of different rooms
// never contends.
type roomState struct {
	mu      sync.Mutex
	id      domain.RoomID
	members map[domain.UserID]*memberState
}

type sessionEntry struct {
	Room   domain.RoomID
	User   domain.UserID
	Signal SignalConnection
	Cancel context.CancelFunc
}

// Registry is the authoritative in-memory map of rooms, participants and
// roles for this node. All state is process-local and rebuilt from scratch
// on restart.
type Registry struct {
	mu       sync.RWMutex
	rooms    map[domain.RoomID]*roomState
	sessions map[SessionID]*sessionEntry
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:    make(map[domain.RoomID]*roomState),
		sessions: make(map[SessionID]*sessionEntry),
	}
}

// BindSignal attaches a transport channel to a session id.
func (r *Registry) BindSignal(sid SessionID, conn SignalConnection, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sid] = &sessionEntry{Signal: conn, Cancel: cancel}
	log.Info().Str("module", "core.registry").Str("sid", string(sid)).Msg("bound signal")
}

func (r *Registry) Unbind(sid SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sid)
	log.Info().Str("module", "core.registry").Str("sid", string(sid)).Msg("unbind session")
}

// SessionOf returns the room/user binding for a transport channel.
func (r *Registry) SessionOf(sid SessionID) (domain.RoomID, domain.UserID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	if !ok || e.Room == "" {
		return "", "", false
	}
	return e.Room, e.User, true
}

func (r *Registry) Cancel(sid SessionID) bool {
	r.mu.RLock()
	e, ok := r.sessions[sid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	return true
}

// SignalOf resolves the transport channel of a room member, used to relay
// targeted signaling messages.
func (r *Registry) SignalOf(room domain.RoomID, user domain.UserID) (SignalConnection, bool) {
	rs, ok := r.getRoom(room)
	if !ok {
		return nil, false
	}
	rs.mu.Lock()
	m, ok := rs.members[user]
	rs.mu.Unlock()
	if !ok {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[m.sid]
	if !ok {
		return nil, false
	}
	return e.Signal, true
}

type MemberChan struct {
	User   domain.UserID
	Signal SignalConnection
}

// MemberChans lists every member's transport channel for a broadcast.
func (r *Registry) MemberChans(room domain.RoomID) []MemberChan {
	rs, ok := r.getRoom(room)
	if !ok {
		return nil
	}
	rs.mu.Lock()
	sids := make(map[domain.UserID]SessionID, len(rs.members))
	for uid, m := range rs.members {
		sids[uid] = m.sid
	}
	rs.mu.Unlock()

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]MemberChan, 0, len(sids))
	for uid, sid := range sids {
		if e, ok := r.sessions[sid]; ok && e.Signal != nil {
			out = append(out, MemberChan{User: uid, Signal: e.Signal})
		}
	}
	return out
}

func (r *Registry) getRoom(id domain.RoomID) (*roomState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rs, ok := r.rooms[id]
	return rs, ok
}

// CreateOrJoin adds the participant to roomID, creating the room when
// allowCreate is set. An empty roomID mints a fresh one. An explicit join
// naming an unknown room fails with ErrRoomNotFound.
func (r *Registry) CreateOrJoin(roomID domain.RoomID, userID domain.UserID, role domain.Role, sid SessionID, allowCreate bool) (RoomView, error) {
	if roomID == "" {
		roomID = domain.RoomID(uuid.NewString())
	}

	r.mu.Lock()
	rs, ok := r.rooms[roomID]
	if !ok {
		if !allowCreate {
			r.mu.Unlock()
			return RoomView{}, domain.ErrRoomNotFound
		}
		rs = &roomState{id: roomID, members: make(map[domain.UserID]*memberState)}
		r.rooms[roomID] = rs
	}
	if e, ok := r.sessions[sid]; ok {
		e.Room = roomID
		e.User = userID
	}
	r.mu.Unlock()

	rs.mu.Lock()
	defer rs.mu.Unlock()
	view := RoomView{Room: roomID, Others: make([]ParticipantDTO, 0, len(rs.members))}
	for uid, m := range rs.members {
		if uid == userID {
			continue
		}
		view.Others = append(view.Others, ParticipantDTO{ID: uid, IsAnchor: m.role.IsAnchor()})
	}
	rs.members[userID] = &memberState{role: role, sid: sid}
	log.Info().
		Str("module", "core.registry").
		Str("room", string(roomID)).
		Str("user", string(userID)).
		Str("role", role.String()).
		Msg("member added")
	return view, nil
}

// Leave removes the participant and returns the remaining member count.
// A room reaching zero members is forgotten and no longer retrievable.
func (r *Registry) Leave(roomID domain.RoomID, userID domain.UserID) (int, error) {
	rs, ok := r.getRoom(roomID)
	if !ok {
		return 0, domain.ErrRoomNotFound
	}
	rs.mu.Lock()
	m, ok := rs.members[userID]
	if !ok {
		remaining := len(rs.members)
		rs.mu.Unlock()
		return remaining, domain.ErrNotInRoom
	}
	delete(rs.members, userID)
	remaining := len(rs.members)
	sid := m.sid
	rs.mu.Unlock()

	r.mu.Lock()
	if e, ok := r.sessions[sid]; ok && e.Room == roomID {
		e.Room = ""
		e.User = ""
	}
	if remaining == 0 {
		delete(r.rooms, roomID)
	}
	r.mu.Unlock()

	log.Info().
		Str("module", "core.registry").
		Str("room", string(roomID)).
		Str("user", string(userID)).
		Int("remaining", remaining).
		Msg("member removed")
	return remaining, nil
}

// SetRole mutates the participant's role and returns the previous one so
// callers can decide link changes from the delta.
func (r *Registry) SetRole(roomID domain.RoomID, userID domain.UserID, role domain.Role) (domain.Role, error) {
	rs, ok := r.getRoom(roomID)
	if !ok {
		return 0, domain.ErrRoomNotFound
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	m, ok := rs.members[userID]
	if !ok {
		return 0, domain.ErrNotInRoom
	}
	prev := m.role
	m.role = role
	log.Info().
		Str("module", "core.registry").
		Str("room", string(roomID)).
		Str("user", string(userID)).
		Str("from", prev.String()).
		Str("to", role.String()).
		Msg("role switched")
	return prev, nil
}

// Snapshot returns the current participant/role set of a room.
func (r *Registry) Snapshot(roomID domain.RoomID) (RoomSnapshot, bool) {
	rs, ok := r.getRoom(roomID)
	if !ok {
		return RoomSnapshot{}, false
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	snap := RoomSnapshot{Room: roomID, Participants: make([]domain.Participant, 0, len(rs.members))}
	for uid, m := range rs.members {
		snap.Participants = append(snap.Participants, domain.Participant{ID: uid, Role: m.role})
	}
	return snap, true
}

// List is an ops view over current rooms.
func (r *Registry) List() []RoomInfo {
	r.mu.RLock()
	rooms := make([]*roomState, 0, len(r.rooms))
	for _, rs := range r.rooms {
		rooms = append(rooms, rs)
	}
	r.mu.RUnlock()

	out := make([]RoomInfo, 0, len(rooms))
	for _, rs := range rooms {
		rs.mu.Lock()
		out = append(out, RoomInfo{ID: rs.id, MemberCount: len(rs.members)})
		rs.mu.Unlock()
	}
	return out
}
