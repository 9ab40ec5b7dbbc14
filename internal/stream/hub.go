// Package stream fans events out to long-lived client connections.
//
// Every subscriber owns an unbounded FIFO queue. Publish never blocks and never
// drops, so a slow client grows its own queue without affecting the others.
// That is a known scaling limit: a bounded drop-oldest queue is the alternative
// if fan-out size grows.
package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/lalithlochan/relay/internal/metrics"
)

// ErrUnsubscribed is returned by Subscription.Next after Unsubscribe.
var ErrUnsubscribed = errors.New("subscription closed")

// Event is one message on a subscriber queue. Data is already JSON encoded.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

// Subscription is one client's queue.
type Subscription struct {
	tenantID string

	mu     sync.Mutex
	queue  []Event
	closed bool
	ready  chan struct{}
}

func newSubscription(tenantID string) *Subscription {
	return &Subscription{tenantID: tenantID, ready: make(chan struct{}, 1)}
}

// TenantID returns the tenant the subscription was opened for.
func (s *Subscription) TenantID() string {
	return s.tenantID
}

// Ready is signalled whenever events are appended or the subscription closes.
func (s *Subscription) Ready() <-chan struct{} {
	return s.ready
}

// Pop removes the oldest queued event. ok is false when the queue is empty.
func (s *Subscription) Pop() (ev Event, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) > 0 {
		ev = s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		return ev, true, nil
	}
	if s.closed {
		return Event{}, false, ErrUnsubscribed
	}
	return Event{}, false, nil
}

// Len returns the number of queued events.
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Hub is the set of live subscribers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	logger *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		subs:   make(map[*Subscription]struct{}),
		logger: logger,
	}
}

// Subscribe registers a subscriber queue with no tenant.
func (h *Hub) Subscribe() *Subscription {
	return h.SubscribeTenant("")
}

// SubscribeTenant registers a subscriber queue that receives broadcasts and
// the events published for tenantID.
func (h *Hub) SubscribeTenant(tenantID string) *Subscription {
	sub := newSubscription(tenantID)

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()

	metrics.StreamSubscribed()
	h.logger.Debug("stream subscriber added", zap.Int("subscribers", n))
	return sub
}

// Unsubscribe removes sub. Calling it more than once is harmless.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	_, ok := h.subs[sub]
	delete(h.subs, sub)
	n := len(h.subs)
	h.mu.Unlock()

	if !ok {
		return
	}
	sub.close()
	metrics.StreamUnsubscribed()
	h.logger.Debug("stream subscriber removed", zap.Int("subscribers", n))
}

// Publish encodes payload once and appends it to every subscriber queue.
// It returns the number of subscribers reached.
func (h *Hub) Publish(event string, payload any) (int, error) {
	return h.publish(event, payload, func(*Subscription) bool { return true })
}

// PublishTenant is Publish restricted to subscribers of tenantID. An empty
// tenantID reaches only subscribers opened without a tenant.
func (h *Hub) PublishTenant(tenantID, event string, payload any) (int, error) {
	return h.publish(event, payload, func(sub *Subscription) bool { return sub.tenantID == tenantID })
}

func (h *Hub) publish(event string, payload any, match func(*Subscription) bool) (int, error) {
	data, err := encode(payload)
	if err != nil {
		return 0, fmt.Errorf("encode %s event: %w", event, err)
	}
	ev := Event{Name: event, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()

	reached := 0
	for sub := range h.subs {
		if !match(sub) {
			continue
		}
		sub.push(ev)
		reached++
	}
	return reached, nil
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// encode returns payload as compact single-line JSON. Pre-encoded bytes are
// validated and compacted rather than encoded again.
func encode(payload any) (json.RawMessage, error) {
	var raw []byte
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		return json.Marshal(payload)
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
