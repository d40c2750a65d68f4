// Package placement assigns each room to exactly one forwarding node based
// on live load metrics shared through a heartbeat registry.
package placement

import (
	"context"
	"time"

	"github.com/knikolov/sfumesh/internal/domain"
)

// Store is the shared node-metrics/room-assignment registry. It offers no
// transactional guarantee: reads may be slightly stale within the liveness
// window and room assignment is last-write-wins.
type Store interface {
	PutNode(ctx context.Context, info domain.NodeInfo) error
	ListNodes(ctx context.Context) ([]domain.NodeInfo, error)
	RoomNode(ctx context.Context, room domain.RoomID) (string, error)
	AssignRoom(ctx context.Context, room domain.RoomID, nodeID string) error
	ClearRoom(ctx context.Context, room domain.RoomID) error
}

// Clock is injected so liveness filtering is testable.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock used outside tests.
var SystemClock Clock = realClock{}
