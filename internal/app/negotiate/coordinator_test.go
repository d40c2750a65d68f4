package negotiate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/knikolov/sfumesh/internal/domain"
)

type offerCall struct {
	Key        domain.LinkKey
	IceRestart bool
}

type fakeEngine struct {
	mu       sync.Mutex
	offerErr error
	offers   []offerCall
	answers  []string
	closed   []domain.LinkKey
}

func (f *fakeEngine) CreateOffer(_ context.Context, key domain.LinkKey, iceRestart bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers = append(f.offers, offerCall{Key: key, IceRestart: iceRestart})
	if f.offerErr != nil {
		return "", f.offerErr
	}
	return "v=0 offer", nil
}

func (f *fakeEngine) ApplyAnswer(_ context.Context, _ domain.LinkKey, sdp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, sdp)
	return nil
}

func (f *fakeEngine) AnswerUpstream(_ context.Context, _ domain.LinkKey, _ string) (string, error) {
	return "v=0 answer", nil
}

func (f *fakeEngine) AddICECandidate(domain.LinkKey, []byte) error { return nil }

func (f *fakeEngine) CloseEndpoint(key domain.LinkKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, key)
}

func (f *fakeEngine) offerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.offers)
}

type deliveredOffer struct {
	Key        domain.LinkKey
	OfferID    string
	IceRestart bool
}

type fakeDelivery struct {
	offers   chan deliveredOffer
	answers  chan string
	restarts chan domain.LinkKey
}

func newFakeDelivery() *fakeDelivery {
	return &fakeDelivery{
		offers:   make(chan deliveredOffer, 16),
		answers:  make(chan string, 16),
		restarts: make(chan domain.LinkKey, 16),
	}
}

func (f *fakeDelivery) DeliverOffer(key domain.LinkKey, offerID, _ string, iceRestart bool) {
	f.offers <- deliveredOffer{Key: key, OfferID: offerID, IceRestart: iceRestart}
}

func (f *fakeDelivery) DeliverAnswer(_ domain.LinkKey, sdp string) { f.answers <- sdp }

func (f *fakeDelivery) RequestRestart(key domain.LinkKey) { f.restarts <- key }

func waitOffer(t *testing.T, d *fakeDelivery) deliveredOffer {
	t.Helper()
	select {
	case o := <-d.offers:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an offer")
		return deliveredOffer{}
	}
}

func expectNoOffer(t *testing.T, d *fakeDelivery, within time.Duration) {
	t.Helper()
	select {
	case o := <-d.offers:
		t.Fatalf("unexpected offer %+v", o)
	case <-time.After(within):
	}
}

func fastRetry() RetryPolicy {
	return RetryPolicy{Base: 5 * time.Millisecond, MaxAttempts: 3}
}

func downKey() domain.LinkKey {
	return domain.DownstreamKey("r1", "bob", "alice")
}

func upKey() domain.LinkKey {
	return domain.UpstreamKey("r1", "alice")
}

// connect drives a downstream link to Connected through the normal
// offer/answer round-trip.
func connect(t *testing.T, c *Coordinator, d *fakeDelivery, key domain.LinkKey) {
	t.Helper()
	c.EnsureLink(context.Background(), key, domain.Downstream)
	o := waitOffer(t, d)
	if err := c.HandleAnswer(context.Background(), key, o.OfferID, "v=0 answer"); err != nil {
		t.Fatalf("answer: %v", err)
	}
	c.OnConnectivity(key, true)
	if st, _ := c.LinkState(key); st != StateConnected {
		t.Fatalf("expected Connected, got %v", st)
	}
}

func TestEnsureLink_DownstreamOffers(t *testing.T) {
	eng, del := &fakeEngine{}, newFakeDelivery()
	c := NewCoordinator(eng, del, fastRetry())

	key := downKey()
	c.EnsureLink(context.Background(), key, domain.Downstream)

	o := waitOffer(t, del)
	if o.Key != key || o.IceRestart || o.OfferID == "" {
		t.Fatalf("unexpected offer %+v", o)
	}
	if st, ok := c.LinkState(key); !ok || st != StateOfferSent {
		t.Fatalf("expected OfferSent, got %v %v", st, ok)
	}
}

func TestEnsureLink_UpstreamWaitsForClientOffer(t *testing.T) {
	eng, del := &fakeEngine{}, newFakeDelivery()
	c := NewCoordinator(eng, del, fastRetry())

	key := upKey()
	c.EnsureLink(context.Background(), key, domain.Upstream)

	expectNoOffer(t, del, 50*time.Millisecond)
	if !c.Owns(key) {
		t.Fatal("link should be tracked while waiting for the client offer")
	}
	if st, _ := c.LinkState(key); st != StateIdle {
		t.Fatalf("expected Idle, got %v", st)
	}
}

func TestEnsureLink_CoalescesBurstTriggers(t *testing.T) {
	eng, del := &fakeEngine{}, newFakeDelivery()
	c := NewCoordinator(eng, del, fastRetry())

	key := downKey()
	c.EnsureLink(context.Background(), key, domain.Downstream)
	first := waitOffer(t, del)

	// Burst of triggers while the first offer is in flight.
	c.EnsureLink(context.Background(), key, domain.Downstream)
	c.EnsureLink(context.Background(), key, domain.Downstream)
	expectNoOffer(t, del, 50*time.Millisecond)

	if err := c.HandleAnswer(context.Background(), key, first.OfferID, "v=0 answer"); err != nil {
		t.Fatalf("answer: %v", err)
	}
	c.OnConnectivity(key, true)

	// The coalesced triggers collapse into exactly one follow-up offer.
	second := waitOffer(t, del)
	if second.OfferID == first.OfferID {
		t.Fatal("follow-up offer should carry a fresh id")
	}
	expectNoOffer(t, del, 50*time.Millisecond)
}

func TestHandleAnswer_MismatchedOfferIDDropped(t *testing.T) {
	eng, del := &fakeEngine{}, newFakeDelivery()
	c := NewCoordinator(eng, del, fastRetry())

	key := downKey()
	c.EnsureLink(context.Background(), key, domain.Downstream)
	waitOffer(t, del)

	if err := c.HandleAnswer(context.Background(), key, "not-the-current-offer", "v=0 answer"); err != nil {
		t.Fatalf("mismatched answer must not error: %v", err)
	}
	eng.mu.Lock()
	applied := len(eng.answers)
	eng.mu.Unlock()
	if applied != 0 {
		t.Fatal("mismatched answer must not reach the engine")
	}
	if st, _ := c.LinkState(key); st != StateOfferSent {
		t.Fatalf("state should stay OfferSent, got %v", st)
	}
}

func TestHandleAnswer_UnknownLinkIgnored(t *testing.T) {
	eng, del := &fakeEngine{}, newFakeDelivery()
	c := NewCoordinator(eng, del, fastRetry())
	if err := c.HandleAnswer(context.Background(), downKey(), "x", "v=0"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestHandleUpstreamOffer_AnswersAndConnects(t *testing.T) {
	eng, del := &fakeEngine{}, newFakeDelivery()
	c := NewCoordinator(eng, del, fastRetry())

	key := upKey()
	if err := c.HandleUpstreamOffer(context.Background(), key, "v=0 publish"); err != nil {
		t.Fatalf("upstream offer: %v", err)
	}
	select {
	case sdp := <-del.answers:
		if sdp != "v=0 answer" {
			t.Fatalf("unexpected answer %q", sdp)
		}
	case <-time.After(time.Second):
		t.Fatal("no answer delivered")
	}
	if st, _ := c.LinkState(key); st != StateAnswerPending {
		t.Fatalf("expected AnswerPending, got %v", st)
	}

	c.OnConnectivity(key, true)
	if st, _ := c.LinkState(key); st != StateConnected {
		t.Fatalf("expected Connected, got %v", st)
	}
}

func TestConnectivityLoss_DownstreamRestartsWithICERestart(t *testing.T) {
	eng, del := &fakeEngine{}, newFakeDelivery()
	c := NewCoordinator(eng, del, fastRetry())

	key := downKey()
	connect(t, c, del, key)

	c.OnConnectivity(key, false)
	o := waitOffer(t, del)
	if !o.IceRestart {
		t.Fatal("restart offer should carry the ICE-restart flag")
	}
}

func TestConnectivityLoss_UpstreamDelegatesRestart(t *testing.T) {
	eng, del := &fakeEngine{}, newFakeDelivery()
	c := NewCoordinator(eng, del, fastRetry())

	key := upKey()
	if err := c.HandleUpstreamOffer(context.Background(), key, "v=0 publish"); err != nil {
		t.Fatal(err)
	}
	<-del.answers
	c.OnConnectivity(key, true)

	c.OnConnectivity(key, false)
	select {
	case got := <-del.restarts:
		if got != key {
			t.Fatalf("restart request for wrong link %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no restart request delivered")
	}
	// This side never originates the upstream offer, restart included.
	if eng.offerCount() != 0 {
		t.Fatal("upstream restart must not create a local offer")
	}
}

func TestRequestRestart_DownstreamConnectedOnly(t *testing.T) {
	eng, del := &fakeEngine{}, newFakeDelivery()
	c := NewCoordinator(eng, del, fastRetry())

	// Unknown link and upstream links are ignored.
	c.RequestRestart(downKey())
	c.RequestRestart(upKey())
	expectNoOffer(t, del, 50*time.Millisecond)

	key := downKey()
	connect(t, c, del, key)
	c.RequestRestart(key)
	o := waitOffer(t, del)
	if !o.IceRestart {
		t.Fatal("expected an ICE-restart offer")
	}
}

func TestRetry_ExhaustionFailsLink(t *testing.T) {
	eng := &fakeEngine{offerErr: errors.New("engine down")}
	del := newFakeDelivery()
	c := NewCoordinator(eng, del, RetryPolicy{Base: time.Millisecond, MaxAttempts: 2})

	failed := make(chan domain.LinkKey, 1)
	c.OnFailed = func(key domain.LinkKey) { failed <- key }

	key := downKey()
	c.EnsureLink(context.Background(), key, domain.Downstream)

	select {
	case got := <-failed:
		if got != key {
			t.Fatalf("failed wrong link %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("retries never exhausted")
	}
	if c.Owns(key) {
		t.Fatal("failed link should be forgotten")
	}
	eng.mu.Lock()
	closed := len(eng.closed)
	eng.mu.Unlock()
	if closed == 0 {
		t.Fatal("endpoint should be released on terminal failure")
	}
}

func TestClose_CancelsPendingRetry(t *testing.T) {
	eng, del := &fakeEngine{}, newFakeDelivery()
	c := NewCoordinator(eng, del, RetryPolicy{Base: 40 * time.Millisecond, MaxAttempts: 5})

	key := downKey()
	connect(t, c, del, key)

	c.OnConnectivity(key, false)
	c.Close(key)

	expectNoOffer(t, del, 120*time.Millisecond)
	if c.Owns(key) {
		t.Fatal("closed link should be forgotten")
	}
}

func TestRoomLinksAndActiveCount(t *testing.T) {
	eng, del := &fakeEngine{}, newFakeDelivery()
	c := NewCoordinator(eng, del, fastRetry())

	c.EnsureLink(context.Background(), domain.UpstreamKey("r1", "alice"), domain.Upstream)
	c.EnsureLink(context.Background(), domain.DownstreamKey("r1", "bob", "alice"), domain.Downstream)
	c.EnsureLink(context.Background(), domain.UpstreamKey("r2", "carol"), domain.Upstream)

	if got := len(c.RoomLinks("r1")); got != 2 {
		t.Fatalf("r1 links = %d, want 2", got)
	}
	if got := c.ActiveCount(); got != 3 {
		t.Fatalf("active = %d, want 3", got)
	}
}
