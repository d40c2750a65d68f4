package negotiate

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/knikolov/sfumesh/internal/domain"
)

// Engine is the media-plane boundary. The coordinator never verifies media
// flow itself; it only drives descriptions and reacts to transport-level
// connectivity callbacks.
type Engine interface {
	// CreateOffer builds an offer for a link this node originates.
	CreateOffer(ctx context.Context, key domain.LinkKey, iceRestart bool) (string, error)
	// ApplyAnswer applies the remote answer for the last offer.
	ApplyAnswer(ctx context.Context, key domain.LinkKey, sdp string) error
	// AnswerUpstream applies a publisher's offer and returns the local answer.
	AnswerUpstream(ctx context.Context, key domain.LinkKey, sdp string) (string, error)
	// AddICECandidate applies a trickled remote candidate (raw JSON).
	AddICECandidate(key domain.LinkKey, candidate []byte) error
	// CloseEndpoint releases the media endpoint of a closed link.
	CloseEndpoint(key domain.LinkKey)
}

// Delivery carries coordinator-originated signaling to the remote peer.
type Delivery interface {
	DeliverOffer(key domain.LinkKey, offerID, sdp string, iceRestart bool)
	DeliverAnswer(key domain.LinkKey, sdp string)
	// RequestRestart asks the publisher behind an upstream link to originate
	// a restart offer. Only the publisher side ever originates one; this is
	// what keeps two peers from renegotiating the same link at once.
	RequestRestart(key domain.LinkKey)
}

// Coordinator owns every live link on this node and drives the per-link
// negotiation machine.
type Coordinator struct {
	Engine Engine
	Signal Delivery
	Retry  RetryPolicy

	// OnFailed surfaces a terminal LinkFailed after retries exhaust.
	// Topology decides whether to retry at its level or drop the link.
	OnFailed func(key domain.LinkKey)

	mu    sync.RWMutex
	links map[domain.LinkKey]*Link
}

func NewCoordinator(engine Engine, signal Delivery, retry RetryPolicy) *Coordinator {
	return &Coordinator{
		Engine: engine,
		Signal: signal,
		Retry:  retry,
		links:  make(map[domain.LinkKey]*Link),
	}
}

func (c *Coordinator) get(key domain.LinkKey) (*Link, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l, ok := c.links[key]
	return l, ok
}

// EnsureLink makes sure a link exists and is (re)negotiating toward
// Connected. Calling it again while an offer is in flight coalesces the
// trigger instead of duplicating it, so burst triggers produce one offer.
func (c *Coordinator) EnsureLink(ctx context.Context, key domain.LinkKey, dir domain.LinkDirection) {
	c.mu.Lock()
	l, ok := c.links[key]
	if !ok {
		l = newLink(ctx, key, dir)
		c.links[key] = l
	}
	c.mu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case StateClosed:
		return
	case StateOfferSent, StateAnswerPending, StateRestarting:
		l.supersede = true
		log.Debug().
			Str("module", "negotiate").
			Str("room", string(key.Room)).
			Str("local", string(key.Local)).
			Str("remote", string(key.Remote)).
			Msg("offer trigger coalesced")
		return
	case StateIdle, StateConnected:
		if dir == domain.Upstream {
			// The publisher client is the offerer for its upstream link;
			// this node waits for its offer rather than sending one.
			return
		}
		c.beginOfferLocked(l, false)
	}
}

// Renegotiate refreshes an existing downstream link in place, used when a
// publisher's media changes. It never rebuilds the link.
func (c *Coordinator) Renegotiate(key domain.LinkKey) {
	l, ok := c.get(key)
	if !ok || l.Direction != domain.Downstream {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case StateIdle, StateConnected:
		c.beginOfferLocked(l, false)
	case StateOfferSent, StateAnswerPending, StateRestarting:
		l.supersede = true
	}
}

// beginOfferLocked moves the link into OfferSent and runs the negotiation
// round-trip off the caller's goroutine. Caller holds l.mu.
func (c *Coordinator) beginOfferLocked(l *Link, iceRestart bool) {
	l.state = StateOfferSent
	l.offerID = uuid.NewString()
	offerID := l.offerID
	go c.negotiate(l, offerID, iceRestart)
}

func (c *Coordinator) negotiate(l *Link, offerID string, iceRestart bool) {
	sdp, err := c.Engine.CreateOffer(l.ctx, l.Key, iceRestart)

	l.mu.Lock()
	if l.state != StateOfferSent || l.offerID != offerID || l.ctx.Err() != nil {
		// Link moved on (closed or superseded) while we negotiated.
		l.mu.Unlock()
		return
	}
	if err != nil {
		l.mu.Unlock()
		log.Warn().Err(err).
			Str("module", "negotiate").
			Str("room", string(l.Key.Room)).
			Str("local", string(l.Key.Local)).
			Msg("offer negotiation failed")
		c.failAndRetry(l)
		return
	}
	l.mu.Unlock()

	c.Signal.DeliverOffer(l.Key, offerID, sdp, iceRestart)
}

// HandleAnswer applies a remote answer. Mismatched or late answers are
// dropped and logged, not treated as protocol errors.
func (c *Coordinator) HandleAnswer(ctx context.Context, key domain.LinkKey, offerID, sdp string) error {
	l, ok := c.get(key)
	if !ok {
		log.Debug().Str("module", "negotiate").Str("room", string(key.Room)).Msg("answer for unknown link dropped")
		return nil
	}
	l.mu.Lock()
	if l.state != StateOfferSent || (offerID != "" && offerID != l.offerID) {
		log.Debug().
			Str("module", "negotiate").
			Str("room", string(key.Room)).
			Str("local", string(key.Local)).
			Str("state", l.state.String()).
			Msg("stale answer dropped")
		l.mu.Unlock()
		return nil
	}
	l.state = StateAnswerPending
	l.mu.Unlock()

	if err := c.Engine.ApplyAnswer(ctx, key, sdp); err != nil {
		log.Warn().Err(err).
			Str("module", "negotiate").
			Str("room", string(key.Room)).
			Str("local", string(key.Local)).
			Msg("apply answer failed")
		c.failAndRetry(l)
	}
	return nil
}

// HandleUpstreamOffer answers a publisher's offer (initial publish, media
// change, or a restart we previously requested).
func (c *Coordinator) HandleUpstreamOffer(ctx context.Context, key domain.LinkKey, sdp string) error {
	c.mu.Lock()
	l, ok := c.links[key]
	if !ok {
		l = newLink(ctx, key, domain.Upstream)
		c.links[key] = l
	}
	c.mu.Unlock()

	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		return domain.ErrLinkClosed
	}
	l.state = StateOfferSent
	l.stopRetryLocked()
	l.mu.Unlock()

	answer, err := c.Engine.AnswerUpstream(ctx, key, sdp)
	if err != nil {
		log.Warn().Err(err).
			Str("module", "negotiate").
			Str("room", string(key.Room)).
			Str("local", string(key.Local)).
			Msg("answer upstream offer failed")
		c.failAndRetry(l)
		return err
	}

	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		return domain.ErrLinkClosed
	}
	l.state = StateAnswerPending
	l.mu.Unlock()

	c.Signal.DeliverAnswer(key, answer)
	return nil
}

// OnConnectivity is the media engine's transport-level callback.
func (c *Coordinator) OnConnectivity(key domain.LinkKey, up bool) {
	l, ok := c.get(key)
	if !ok {
		return
	}
	if up {
		refresh := false
		l.mu.Lock()
		switch l.state {
		case StateAnswerPending, StateRestarting:
			l.state = StateConnected
			l.attempts = 0
			l.stopRetryLocked()
			if l.supersede {
				l.supersede = false
				refresh = l.Direction == domain.Downstream
			}
		}
		if refresh {
			c.beginOfferLocked(l, false)
		}
		l.mu.Unlock()
		log.Info().
			Str("module", "negotiate").
			Str("room", string(key.Room)).
			Str("local", string(key.Local)).
			Str("remote", string(key.Remote)).
			Msg("link connected")
		return
	}
	c.failAndRetry(l)
}

// RequestRestart handles an explicit remote restart request for a link this
// node originates (a subscriber detected failure and asked its publisher
// side to renegotiate).
func (c *Coordinator) RequestRestart(key domain.LinkKey) {
	l, ok := c.get(key)
	if !ok || l.Direction != domain.Downstream {
		return
	}
	l.mu.Lock()
	if l.state != StateConnected {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	c.failAndRetry(l)
}

// failAndRetry moves a live link into Restarting and schedules the next
// recovery step, giving up past the retry bound.
func (c *Coordinator) failAndRetry(l *Link) {
	l.mu.Lock()
	switch l.state {
	case StateClosed, StateIdle:
		l.mu.Unlock()
		return
	}
	l.state = StateRestarting
	l.attempts++
	attempt := l.attempts
	if c.Retry.Exhausted(attempt) {
		l.mu.Unlock()
		log.Warn().
			Str("module", "negotiate").
			Str("room", string(l.Key.Room)).
			Str("local", string(l.Key.Local)).
			Int("attempts", attempt-1).
			Msg("link retries exhausted")
		key := l.Key
		c.Close(key)
		if c.OnFailed != nil {
			c.OnFailed(key)
		}
		return
	}
	delay := c.Retry.Delay(attempt)
	l.stopRetryLocked()
	l.retry = time.AfterFunc(delay, func() { c.restartNow(l) })
	l.mu.Unlock()
	log.Info().
		Str("module", "negotiate").
		Str("room", string(l.Key.Room)).
		Str("local", string(l.Key.Local)).
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("link restart scheduled")
}

func (c *Coordinator) restartNow(l *Link) {
	l.mu.Lock()
	if l.state != StateRestarting || l.ctx.Err() != nil {
		l.mu.Unlock()
		return
	}
	if l.Direction == domain.Downstream {
		// This node is the publisher side of the link: originate the
		// ICE-restart offer ourselves.
		c.beginOfferLocked(l, true)
		l.mu.Unlock()
		return
	}
	key := l.Key
	l.mu.Unlock()

	// Upstream: ask the publisher client to originate; re-arm in case the
	// request goes unanswered.
	c.Signal.RequestRestart(key)
	c.failAndRetry(l)
}

// AddCandidate forwards a remote ICE candidate to the link's endpoint.
// Candidates for unknown (already closed) links are silently discarded.
func (c *Coordinator) AddCandidate(key domain.LinkKey, candidate []byte) error {
	if _, ok := c.get(key); !ok {
		return nil
	}
	return c.Engine.AddICECandidate(key, candidate)
}

// Close tears a link down: cancels in-flight negotiation and any pending
// retry timer, releases the media endpoint, and forgets the link.
func (c *Coordinator) Close(key domain.LinkKey) {
	c.mu.Lock()
	l, ok := c.links[key]
	if ok {
		delete(c.links, key)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	l.mu.Lock()
	l.state = StateClosed
	l.stopRetryLocked()
	l.mu.Unlock()
	l.cancel()
	c.Engine.CloseEndpoint(key)
	log.Info().
		Str("module", "negotiate").
		Str("room", string(key.Room)).
		Str("local", string(key.Local)).
		Str("remote", string(key.Remote)).
		Msg("link closed")
}

// RoomLinks lists the live links of one room for topology diffing.
func (c *Coordinator) RoomLinks(room domain.RoomID) []View {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]View, 0, len(c.links))
	for key, l := range c.links {
		if key.Room != room {
			continue
		}
		out = append(out, View{Key: key, Direction: l.Direction, State: l.State()})
	}
	return out
}

// LinkState looks up one link's state.
func (c *Coordinator) LinkState(key domain.LinkKey) (State, bool) {
	l, ok := c.get(key)
	if !ok {
		return StateClosed, false
	}
	return l.State(), true
}

// Owns reports whether the coordinator currently tracks the key, used by
// the signaling router to tell coordinator traffic from peer relay.
func (c *Coordinator) Owns(key domain.LinkKey) bool {
	_, ok := c.get(key)
	return ok
}

// ActiveCount is the live-link load sample for heartbeat reporting.
func (c *Coordinator) ActiveCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.links)
}
