package placement

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/knikolov/sfumesh/internal/domain"
)

// Scoring weights and the memory reference capacity the headroom is
// measured against.
const (
	weightLoad   = 0.4
	weightCPU    = 0.4
	weightMemory = 0.2

	memoryReference = 1 << 30 // 1 GiB
)

// Decision is the outcome of a placement query for an incoming join.
type Decision struct {
	Admit    bool
	Redirect *domain.NodeInfo
}

// Service owns this node's heartbeat and answers placement queries.
type Service struct {
	Store Store
	Clock Clock

	Self     domain.NodeInfo // identity; Load/CPU/Memory filled per heartbeat
	MaxLoad  int
	Liveness time.Duration
	Interval time.Duration

	// LinkCount samples the live-link load; Sample reads CPU/memory.
	LinkCount func() int
	Sample    func() (cpu float64, mem uint64)
}

// Run publishes heartbeats on a fixed timer until ctx is done. It runs
// independently of request traffic and never blocks request handling.
func (s *Service) Run(ctx context.Context) {
	s.publish(ctx)
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publish(ctx)
		}
	}
}

func (s *Service) publish(ctx context.Context) {
	info := s.Self
	info.Load = s.LinkCount()
	info.CPU, info.Memory = s.Sample()
	info.Timestamp = s.Clock.Now().UnixMilli()
	if err := s.Store.PutNode(ctx, info); err != nil {
		log.Error().Err(err).Str("module", "placement").Msg("heartbeat write failed")
		return
	}
	log.Debug().
		Str("module", "placement").
		Str("node", info.NodeID).
		Int("load", info.Load).
		Float64("cpu", info.CPU).
		Msg("heartbeat published")
}

// ActiveNodes filters the registry by timestamp freshness. Expiry is
// implicit; stale entries are ignored, never swept.
func (s *Service) ActiveNodes(ctx context.Context) ([]domain.NodeInfo, error) {
	nodes, err := s.Store.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := s.Clock.Now().Add(-s.Liveness).UnixMilli()
	out := nodes[:0]
	for _, n := range nodes {
		if n.Timestamp >= cutoff {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *Service) score(n domain.NodeInfo) float64 {
	loadScore := 1 - float64(n.Load)/float64(s.MaxLoad)
	cpuScore := 1 - n.CPU/100
	memScore := 1 - float64(n.Memory)/float64(memoryReference)
	return loadScore*weightLoad + cpuScore*weightCPU + memScore*weightMemory
}

// SelectBest returns the highest-scoring candidate, or nil for an empty
// set. Given identical snapshots the result is deterministic; ties keep
// the earlier candidate.
func (s *Service) SelectBest(nodes []domain.NodeInfo) *domain.NodeInfo {
	if len(nodes) == 0 {
		return nil
	}
	best := nodes[0]
	bestScore := s.score(best)
	for _, n := range nodes[1:] {
		if sc := s.score(n); sc > bestScore {
			best, bestScore = n, sc
		}
	}
	return &best
}

// Place decides admission for an incoming join: redirect when the room is
// assigned to (or better served by) another node, admit and record the
// assignment otherwise. The read-then-write on an unassigned room is
// deliberately non-atomic; two nodes racing a first join may both claim it
// and the last write wins.
func (s *Service) Place(ctx context.Context, room domain.RoomID) (Decision, error) {
	assigned, err := s.Store.RoomNode(ctx, room)
	if err != nil {
		return Decision{}, err
	}
	if assigned != "" {
		if assigned == s.Self.NodeID {
			return Decision{Admit: true}, nil
		}
		return Decision{Redirect: s.lookupNode(ctx, assigned)}, nil
	}

	nodes, err := s.ActiveNodes(ctx)
	if err != nil {
		return Decision{}, err
	}
	best := s.SelectBest(nodes)
	if best == nil {
		return Decision{}, domain.ErrNoCandidateNodes
	}
	if best.NodeID != s.Self.NodeID {
		log.Info().
			Str("module", "placement").
			Str("room", string(room)).
			Str("node", best.NodeID).
			Msg("redirecting to better-placed node")
		return Decision{Redirect: best}, nil
	}
	if err := s.Store.AssignRoom(ctx, room, s.Self.NodeID); err != nil {
		return Decision{}, err
	}
	log.Info().
		Str("module", "placement").
		Str("room", string(room)).
		Str("node", s.Self.NodeID).
		Msg("room assigned")
	return Decision{Admit: true}, nil
}

// lookupNode resolves a node id to its registry entry for redirect replies,
// falling back to a bare id when the entry is gone.
func (s *Service) lookupNode(ctx context.Context, nodeID string) *domain.NodeInfo {
	nodes, err := s.Store.ListNodes(ctx)
	if err == nil {
		for _, n := range nodes {
			if n.NodeID == nodeID {
				return &n
			}
		}
	}
	return &domain.NodeInfo{NodeID: nodeID}
}

// Release clears the room assignment on teardown.
func (s *Service) Release(ctx context.Context, room domain.RoomID) {
	if err := s.Store.ClearRoom(ctx, room); err != nil {
		log.Error().Err(err).Str("module", "placement").Str("room", string(room)).Msg("release failed")
	}
}

// Migrate rewrites a room's assignment explicitly.
func (s *Service) Migrate(ctx context.Context, room domain.RoomID, nodeID string) error {
	if nodeID == "" {
		return s.Store.ClearRoom(ctx, room)
	}
	return s.Store.AssignRoom(ctx, room, nodeID)
}
