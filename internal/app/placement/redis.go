package placement

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/knikolov/sfumesh/internal/domain"
)

const (
	nodesKey = "sfu:nodes"
	roomsKey = "sfu:room_allocation"
)

// RedisStore keeps the shared registry in two redis hashes. The nodes hash
// gets its TTL refreshed on every heartbeat so a dead cluster's entries
// eventually vanish wholesale; per-entry staleness is handled by the
// liveness filter on read.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func (s *RedisStore) PutNode(ctx context.Context, info domain.NodeInfo) error {
	b, err := json.Marshal(info)
	if err != nil {
		return err
	}
	if err := s.rdb.HSet(ctx, nodesKey, info.NodeID, b).Err(); err != nil {
		return err
	}
	return s.rdb.Expire(ctx, nodesKey, s.ttl).Err()
}

func (s *RedisStore) ListNodes(ctx context.Context) ([]domain.NodeInfo, error) {
	entries, err := s.rdb.HGetAll(ctx, nodesKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.NodeInfo, 0, len(entries))
	for id, raw := range entries {
		var info domain.NodeInfo
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			log.Warn().Err(err).Str("module", "placement").Str("node", id).Msg("skipping malformed node entry")
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

func (s *RedisStore) RoomNode(ctx context.Context, room domain.RoomID) (string, error) {
	nodeID, err := s.rdb.HGet(ctx, roomsKey, string(room)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return nodeID, err
}

func (s *RedisStore) AssignRoom(ctx context.Context, room domain.RoomID, nodeID string) error {
	return s.rdb.HSet(ctx, roomsKey, string(room), nodeID).Err()
}

func (s *RedisStore) ClearRoom(ctx context.Context, room domain.RoomID) error {
	return s.rdb.HDel(ctx, roomsKey, string(room)).Err()
}
