// Package topology keeps the live link set consistent with each room's
// current participant/role snapshot.
package topology

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/knikolov/sfumesh/internal/app/negotiate"
	"github.com/knikolov/sfumesh/internal/core"
	"github.com/knikolov/sfumesh/internal/domain"
)

// Snapshotter is how the manager re-reads room membership when deciding
// whether a failed link is still wanted.
type Snapshotter interface {
	Snapshot(room domain.RoomID) (core.RoomSnapshot, bool)
}

type Manager struct {
	Links *negotiate.Coordinator
	Rooms Snapshotter

	// recreated bounds topology-level recovery to one re-creation per
	// link between reconcile passes; a membership change resets it.
	mu        sync.Mutex
	recreated map[domain.LinkKey]struct{}
}

func NewManager(links *negotiate.Coordinator, rooms Snapshotter) *Manager {
	m := &Manager{
		Links:     links,
		Rooms:     rooms,
		recreated: make(map[domain.LinkKey]struct{}),
	}
	links.OnFailed = m.onLinkFailed
	return m
}

// required derives the link set the snapshot demands: each publisher has
// exactly one upstream link, and every member has one downstream link per
// other publisher in the room.
func required(snap core.RoomSnapshot) map[domain.LinkKey]domain.LinkDirection {
	out := make(map[domain.LinkKey]domain.LinkDirection)
	publishers := snap.Publishers()
	for _, p := range snap.Participants {
		if p.Role == domain.RolePublisher {
			out[domain.UpstreamKey(snap.Room, p.ID)] = domain.Upstream
		}
		for _, pub := range publishers {
			if pub == p.ID {
				continue
			}
			out[domain.DownstreamKey(snap.Room, p.ID, pub)] = domain.Downstream
		}
	}
	return out
}

// Reconcile diffs the required link set against the live one and issues
// create/teardown calls for the delta only. Links that are already correct
// are never rebuilt.
func (m *Manager) Reconcile(ctx context.Context, snap core.RoomSnapshot) {
	m.mu.Lock()
	for key := range m.recreated {
		if key.Room == snap.Room {
			delete(m.recreated, key)
		}
	}
	m.mu.Unlock()

	want := required(snap)
	have := m.Links.RoomLinks(snap.Room)

	created, torn := 0, 0
	for _, v := range have {
		if _, ok := want[v.Key]; ok {
			delete(want, v.Key)
			continue
		}
		m.Links.Close(v.Key)
		torn++
	}
	for key, dir := range want {
		m.Links.EnsureLink(ctx, key, dir)
		created++
	}
	if created > 0 || torn > 0 {
		log.Info().
			Str("module", "topology").
			Str("room", string(snap.Room)).
			Int("created", created).
			Int("torn_down", torn).
			Msg("reconciled link set")
	}
}

// OnPublisherTrack is called when a publisher's media becomes available or
// changes. Existing downstream links from that publisher are renegotiated
// in place; missing ones are created by a reconcile pass.
// Fan-out here is O(subscribers in room) per event, unbatched.
func (m *Manager) OnPublisherTrack(ctx context.Context, snap core.RoomSnapshot, publisher domain.UserID) {
	m.Reconcile(ctx, snap)
	for _, v := range m.Links.RoomLinks(snap.Room) {
		if v.Direction == domain.Downstream && v.Key.Remote == publisher {
			m.Links.Renegotiate(v.Key)
		}
	}
}

// onLinkFailed handles terminal LinkFailed events from the coordinator.
// If both endpoints are still valid per the current snapshot the link is
// re-created once at topology level; a second exhaustion before the next
// membership change drops it for good.
func (m *Manager) onLinkFailed(key domain.LinkKey) {
	snap, ok := m.Rooms.Snapshot(key.Room)
	if !ok {
		return
	}
	dir, wanted := required(snap)[key]
	if !wanted {
		log.Info().
			Str("module", "topology").
			Str("room", string(key.Room)).
			Str("local", string(key.Local)).
			Msg("failed link no longer required, dropping")
		return
	}
	m.mu.Lock()
	_, already := m.recreated[key]
	if !already {
		m.recreated[key] = struct{}{}
	}
	m.mu.Unlock()
	if already {
		log.Warn().
			Str("module", "topology").
			Str("room", string(key.Room)).
			Str("local", string(key.Local)).
			Str("remote", string(key.Remote)).
			Msg("link failed again after re-creation, dropping")
		return
	}
	log.Warn().
		Str("module", "topology").
		Str("room", string(key.Room)).
		Str("local", string(key.Local)).
		Str("remote", string(key.Remote)).
		Msg("link failed, re-creating at topology level")
	m.Links.EnsureLink(context.Background(), key, dir)
}
