// Package orch serializes room lifecycle events and wires the session
// registry, link topology and cluster placement together.
package orch

import (
	"sync"

	"github.com/knikolov/sfumesh/internal/app/negotiate"
	"github.com/knikolov/sfumesh/internal/app/placement"
	"github.com/knikolov/sfumesh/internal/app/topology"
	"github.com/knikolov/sfumesh/internal/core"
	"github.com/knikolov/sfumesh/internal/domain"
)

// Media is the fan-out control surface the orchestrator drives without
// renegotiation; wired in main.
type Media interface {
	SetMuted(room domain.RoomID, user domain.UserID, muted bool)
}

type Orchestrator struct {
	Registry  *core.Registry
	Topology  *topology.Manager
	Links     *negotiate.Coordinator
	Placement *placement.Service
	Media     Media

	mu    sync.Mutex
	rooms map[domain.RoomID]*roomLock
}

// roomLock is refcounted: waiters counts every goroutine holding or parked
// on mu, so the entry is never dropped out from under one.
type roomLock struct {
	mu      sync.Mutex
	waiters int
	retired bool
}

func New(reg *core.Registry, topo *topology.Manager, links *negotiate.Coordinator, place *placement.Service) *Orchestrator {
	return &Orchestrator{
		Registry:  reg,
		Topology:  topo,
		Links:     links,
		Placement: place,
		rooms:     make(map[domain.RoomID]*roomLock),
	}
}

// lockRoom serializes all mutating events of one room; events on different
// rooms never contend. A waiter parked on the lock during room teardown
// still excludes later events for the same id: the entry is removed only
// when its last holder releases it.
func (o *Orchestrator) lockRoom(id domain.RoomID) func() {
	o.mu.Lock()
	l, ok := o.rooms[id]
	if !ok {
		l = &roomLock{}
		o.rooms[id] = l
	}
	l.waiters++
	l.retired = false
	o.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		o.mu.Lock()
		l.waiters--
		if l.waiters == 0 && l.retired && o.rooms[id] == l {
			delete(o.rooms, id)
		}
		o.mu.Unlock()
	}
}

// forgetRoomLock marks the entry for removal once the last holder lets go.
// The caller still holds the room lock, so an event racing the teardown
// lands on the same mutex and stays serialized.
func (o *Orchestrator) forgetRoomLock(id domain.RoomID) {
	o.mu.Lock()
	if l, ok := o.rooms[id]; ok {
		l.retired = true
	}
	o.mu.Unlock()
}
