package placement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/knikolov/sfumesh/internal/domain"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

type memStore struct {
	nodes       map[string]domain.NodeInfo
	assignments map[domain.RoomID]string
}

func newMemStore() *memStore {
	return &memStore{
		nodes:       make(map[string]domain.NodeInfo),
		assignments: make(map[domain.RoomID]string),
	}
}

func (m *memStore) PutNode(_ context.Context, info domain.NodeInfo) error {
	m.nodes[info.NodeID] = info
	return nil
}

func (m *memStore) ListNodes(context.Context) ([]domain.NodeInfo, error) {
	out := make([]domain.NodeInfo, 0, len(m.nodes))
	// Deterministic order for SelectBest tie tests.
	for _, id := range []string{"n1", "n2", "n3"} {
		if n, ok := m.nodes[id]; ok {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *memStore) RoomNode(_ context.Context, room domain.RoomID) (string, error) {
	return m.assignments[room], nil
}

func (m *memStore) AssignRoom(_ context.Context, room domain.RoomID, nodeID string) error {
	m.assignments[room] = nodeID
	return nil
}

func (m *memStore) ClearRoom(_ context.Context, room domain.RoomID) error {
	delete(m.assignments, room)
	return nil
}

func newService(store Store, clock Clock, self string) *Service {
	return &Service{
		Store:    store,
		Clock:    clock,
		Self:     domain.NodeInfo{NodeID: self, Host: self + ".local", Port: 8080},
		MaxLoad:  100,
		Liveness: 30 * time.Second,
		Interval: 5 * time.Second,
		LinkCount: func() int { return 3 },
		Sample:    func() (float64, uint64) { return 12.5, 64 << 20 },
	}
}

func TestSelectBest_WeightedScoring(t *testing.T) {
	s := newService(newMemStore(), &fakeClock{}, "n1")

	nodes := []domain.NodeInfo{
		{NodeID: "n1", Load: 80, CPU: 70, Memory: 512 << 20},
		{NodeID: "n2", Load: 10, CPU: 20, Memory: 128 << 20},
	}
	best := s.SelectBest(nodes)
	if best == nil || best.NodeID != "n2" {
		t.Fatalf("best = %+v, want n2", best)
	}

	// Same snapshot, same answer.
	again := s.SelectBest(nodes)
	if again == nil || again.NodeID != best.NodeID {
		t.Fatalf("selection is not deterministic: %+v vs %+v", best, again)
	}
}

func TestSelectBest_TieKeepsFirst(t *testing.T) {
	s := newService(newMemStore(), &fakeClock{}, "n1")
	nodes := []domain.NodeInfo{
		{NodeID: "n1", Load: 10, CPU: 20, Memory: 128 << 20},
		{NodeID: "n2", Load: 10, CPU: 20, Memory: 128 << 20},
	}
	if best := s.SelectBest(nodes); best == nil || best.NodeID != "n1" {
		t.Fatalf("tie should keep the earlier candidate, got %+v", best)
	}
}

func TestSelectBest_Empty(t *testing.T) {
	s := newService(newMemStore(), &fakeClock{}, "n1")
	if best := s.SelectBest(nil); best != nil {
		t.Fatalf("empty set must yield nil, got %+v", best)
	}
}

func TestActiveNodes_LivenessWindow(t *testing.T) {
	clock := &fakeClock{now: time.UnixMilli(1_000_000_000)}
	store := newMemStore()
	s := newService(store, clock, "n1")

	fresh := domain.NodeInfo{NodeID: "n1", Timestamp: clock.now.Add(-10 * time.Second).UnixMilli()}
	stale := domain.NodeInfo{NodeID: "n2", Timestamp: clock.now.Add(-40 * time.Second).UnixMilli()}
	store.nodes["n1"] = fresh
	store.nodes["n2"] = stale

	active, err := s.ActiveNodes(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].NodeID != "n1" {
		t.Fatalf("active = %+v, want n1 only", active)
	}

	// The stale entry is filtered, not deleted.
	if _, ok := store.nodes["n2"]; !ok {
		t.Fatal("stale node must stay in the store")
	}

	// Time passing with no heartbeat expires the fresh one too.
	clock.advance(25 * time.Second)
	active, err = s.ActiveNodes(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 0 {
		t.Fatalf("active = %+v, want none", active)
	}
}

func TestPlace_AssignedElsewhereRedirects(t *testing.T) {
	clock := &fakeClock{now: time.UnixMilli(1_000_000_000)}
	store := newMemStore()
	store.assignments["r1"] = "n2"
	store.nodes["n2"] = domain.NodeInfo{NodeID: "n2", Host: "n2.local", Port: 9090, Timestamp: clock.now.UnixMilli()}

	s := newService(store, clock, "n1")
	d, err := s.Place(context.Background(), "r1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Admit || d.Redirect == nil || d.Redirect.NodeID != "n2" || d.Redirect.Host != "n2.local" {
		t.Fatalf("decision = %+v, want redirect to n2", d)
	}
}

func TestPlace_AssignedElsewhereUnknownNode(t *testing.T) {
	store := newMemStore()
	store.assignments["r1"] = "gone"
	s := newService(store, &fakeClock{}, "n1")

	d, err := s.Place(context.Background(), "r1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Redirect == nil || d.Redirect.NodeID != "gone" || d.Redirect.Host != "" {
		t.Fatalf("decision = %+v, want bare-id redirect", d)
	}
}

func TestPlace_AssignedHereAdmits(t *testing.T) {
	store := newMemStore()
	store.assignments["r1"] = "n1"
	s := newService(store, &fakeClock{}, "n1")

	d, err := s.Place(context.Background(), "r1")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Admit || d.Redirect != nil {
		t.Fatalf("decision = %+v, want plain admit", d)
	}
}

func TestPlace_UnassignedLocalBestAdmitsAndRecords(t *testing.T) {
	clock := &fakeClock{now: time.UnixMilli(1_000_000_000)}
	store := newMemStore()
	ts := clock.now.UnixMilli()
	store.nodes["n1"] = domain.NodeInfo{NodeID: "n1", Load: 5, CPU: 10, Memory: 64 << 20, Timestamp: ts}
	store.nodes["n2"] = domain.NodeInfo{NodeID: "n2", Load: 90, CPU: 80, Memory: 900 << 20, Timestamp: ts}

	s := newService(store, clock, "n1")
	d, err := s.Place(context.Background(), "r1")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Admit {
		t.Fatalf("decision = %+v, want admit", d)
	}
	if store.assignments["r1"] != "n1" {
		t.Fatalf("assignment = %q, want n1", store.assignments["r1"])
	}
}

func TestPlace_UnassignedRemoteBestRedirects(t *testing.T) {
	clock := &fakeClock{now: time.UnixMilli(1_000_000_000)}
	store := newMemStore()
	ts := clock.now.UnixMilli()
	store.nodes["n1"] = domain.NodeInfo{NodeID: "n1", Load: 90, CPU: 80, Memory: 900 << 20, Timestamp: ts}
	store.nodes["n2"] = domain.NodeInfo{NodeID: "n2", Load: 5, CPU: 10, Memory: 64 << 20, Timestamp: ts}

	s := newService(store, clock, "n1")
	d, err := s.Place(context.Background(), "r1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Admit || d.Redirect == nil || d.Redirect.NodeID != "n2" {
		t.Fatalf("decision = %+v, want redirect to n2", d)
	}
	if _, ok := store.assignments["r1"]; ok {
		t.Fatal("a redirect must not record an assignment")
	}
}

func TestPlace_NoCandidates(t *testing.T) {
	s := newService(newMemStore(), &fakeClock{now: time.UnixMilli(1_000_000_000)}, "n1")
	_, err := s.Place(context.Background(), "r1")
	if !errors.Is(err, domain.ErrNoCandidateNodes) {
		t.Fatalf("err = %v, want ErrNoCandidateNodes", err)
	}
}

func TestPublish_WritesHeartbeat(t *testing.T) {
	clock := &fakeClock{now: time.UnixMilli(1_000_000_000)}
	store := newMemStore()
	s := newService(store, clock, "n1")

	s.publish(context.Background())

	n, ok := store.nodes["n1"]
	if !ok {
		t.Fatal("heartbeat not written")
	}
	if n.Load != 3 || n.CPU != 12.5 || n.Memory != 64<<20 {
		t.Fatalf("heartbeat metrics = %+v", n)
	}
	if n.Timestamp != clock.now.UnixMilli() {
		t.Fatalf("timestamp = %d, want %d", n.Timestamp, clock.now.UnixMilli())
	}
}

func TestReleaseAndMigrate(t *testing.T) {
	store := newMemStore()
	store.assignments["r1"] = "n1"
	s := newService(store, &fakeClock{}, "n1")

	s.Release(context.Background(), "r1")
	if _, ok := store.assignments["r1"]; ok {
		t.Fatal("release should clear the assignment")
	}

	if err := s.Migrate(context.Background(), "r2", "n2"); err != nil {
		t.Fatal(err)
	}
	if store.assignments["r2"] != "n2" {
		t.Fatalf("assignment = %q, want n2", store.assignments["r2"])
	}
	if err := s.Migrate(context.Background(), "r2", ""); err != nil {
		t.Fatal(err)
	}
	if _, ok := store.assignments["r2"]; ok {
		t.Fatal("migrate to empty should clear the assignment")
	}
}
