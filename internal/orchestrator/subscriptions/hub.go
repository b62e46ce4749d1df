// Package subscriptions fans appended events out to live subscribers.
//
// Delivery guarantees: a subscriber created with Subscribe receives every
// event with seq > sinceSeq exactly once, in seq order, with no gaps. The
// backlog replay and the registration happen under the hub lock, and
// Publish takes the same lock, so no event can slip between replay and
// live delivery. An event committed to the store just before Subscribe
// can appear both in the backlog and in the publish that follows; each
// subscriber tracks its highest seen seq and discards the second copy.
package subscriptions

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/colloquy/colloquy/internal/common/logger"
	"github.com/colloquy/colloquy/internal/conversation/models"
	"github.com/colloquy/colloquy/internal/conversation/repository"
)

// sendBuffer bounds each subscriber's channel. A subscriber that falls this
// far behind gets events dropped and must re-subscribe from its last seq.
const sendBuffer = 256

// Hub routes appended events to subscribers.
type Hub struct {
	store repository.Events
	log   *logger.Logger

	mu     sync.Mutex
	nextID uint64
	byConv map[int64]map[uint64]*subscriber
	global map[uint64]*subscriber
}

type subscriber struct {
	id              uint64
	conversation    int64 // 0 for cross-conversation subscribers
	includeGuidance bool
	ch              chan *models.Event
	dropped         bool

	// lastSeq is the highest seq replayed or delivered to this subscriber.
	// Guarded by the hub mutex. Unused for cross-conversation feeds, whose
	// seqs are only ordered within a conversation.
	lastSeq int64
}

// Subscription is a live event feed. Close it when done.
type Subscription struct {
	hub *Hub
	sub *subscriber

	// Events yields the subscribed events in seq order. The channel is
	// closed when the subscription is closed or falls too far behind.
	Events <-chan *models.Event
}

// NewHub creates a hub backed by the event store for backlog replay.
func NewHub(store repository.Events, log *logger.Logger) *Hub {
	return &Hub{
		store:  store,
		log:    log,
		byConv: make(map[int64]map[uint64]*subscriber),
		global: make(map[uint64]*subscriber),
	}
}

// Subscribe registers a feed for one conversation, replaying any events with
// seq > sinceSeq already in the store before live delivery begins.
func (h *Hub) Subscribe(ctx context.Context, conversationID, sinceSeq int64, includeGuidance bool) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	backlog, err := h.store.GetEventsSince(ctx, conversationID, sinceSeq)
	if err != nil {
		return nil, err
	}

	h.nextID++
	sub := &subscriber{
		id:              h.nextID,
		conversation:    conversationID,
		includeGuidance: includeGuidance,
		ch:              make(chan *models.Event, len(backlog)+sendBuffer),
		lastSeq:         sinceSeq,
	}
	for _, evt := range backlog {
		if sub.wants(evt) {
			sub.ch <- evt
		}
		// Filtered events still advance the cursor so a live re-publish of
		// the same seq is recognized as already seen.
		sub.lastSeq = evt.Seq
	}

	if h.byConv[conversationID] == nil {
		h.byConv[conversationID] = make(map[uint64]*subscriber)
	}
	h.byConv[conversationID][sub.id] = sub

	return &Subscription{hub: h, sub: sub, Events: sub.ch}, nil
}

// SubscribeAll registers a feed that receives events from every conversation.
// No backlog is replayed; callers snapshot conversations separately.
func (h *Hub) SubscribeAll(includeGuidance bool) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &subscriber{
		id:              h.nextID,
		includeGuidance: includeGuidance,
		ch:              make(chan *models.Event, sendBuffer),
	}
	h.global[sub.id] = sub
	return &Subscription{hub: h, sub: sub, Events: sub.ch}
}

// Publish delivers an appended event to all matching subscribers. The caller
// serializes publishes per conversation in seq order.
func (h *Hub) Publish(evt *models.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.byConv[evt.Conversation] {
		h.deliver(sub, evt)
	}
	for _, sub := range h.global {
		h.deliver(sub, evt)
	}
}

func (h *Hub) deliver(sub *subscriber, evt *models.Event) {
	if sub.dropped {
		return
	}
	if sub.conversation != 0 {
		// An append committed just before this subscriber registered was
		// already replayed from the store; drop the live copy.
		if evt.Seq <= sub.lastSeq {
			return
		}
		sub.lastSeq = evt.Seq
	}
	if !sub.wants(evt) {
		return
	}
	select {
	case sub.ch <- evt:
	default:
		// Slow consumer. Close the feed rather than deliver with gaps; the
		// subscriber re-subscribes from its last observed seq.
		sub.dropped = true
		close(sub.ch)
		h.removeLocked(sub)
		h.log.Warn("dropping slow subscriber",
			zap.Uint64("subscription_id", sub.id),
			zap.Int64("conversation_id", evt.Conversation))
	}
}

func (sub *subscriber) wants(evt *models.Event) bool {
	if evt.Type == models.EventTypeGuidance && !sub.includeGuidance {
		return false
	}
	return true
}

func (h *Hub) removeLocked(sub *subscriber) {
	if sub.conversation != 0 {
		if m := h.byConv[sub.conversation]; m != nil {
			delete(m, sub.id)
			if len(m) == 0 {
				delete(h.byConv, sub.conversation)
			}
		}
		return
	}
	delete(h.global, sub.id)
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if s.sub.dropped {
		return
	}
	s.sub.dropped = true
	close(s.sub.ch)
	s.hub.removeLocked(s.sub)
}

// ID returns the hub-assigned subscription id.
func (s *Subscription) ID() uint64 {
	return s.sub.id
}

// WaitForEvent blocks until an event with seq > sinceSeq satisfying match is
// appended, then returns it. Returns (nil, nil) when the timeout elapses or
// ctx is cancelled before a match arrives.
func (h *Hub) WaitForEvent(ctx context.Context, conversationID, sinceSeq int64, timeout time.Duration, match func(*models.Event) bool) (*models.Event, error) {
	sub, err := h.Subscribe(ctx, conversationID, sinceSeq, true)
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case evt, ok := <-sub.Events:
			if !ok {
				return nil, nil
			}
			if match(evt) {
				return evt, nil
			}
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, nil
		}
	}
}
