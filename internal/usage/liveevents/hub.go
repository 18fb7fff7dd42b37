// Package liveevents fans committed usage out to per-customer subscribers, keeping a short
// replay buffer for late joiners.
package liveevents

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	usagedomain "github.com/smallbiznis/meterbill/internal/usage/domain"
)

const (
	KindUsage      = "usage"
	KindCorrection = "correction"
)

const (
	DefaultBufferSize       = 50
	DefaultSubscriberBuffer = 16
)

type LiveEvent struct {
	CustomerID     string `json:"customer_id"`
	SubscriptionID string `json:"subscription_id"`
	Metric         string `json:"metric"`
	Quantity       string `json:"quantity"`
	Total          string `json:"total"`
	Percentage     string `json:"percentage"`
	RecordedAt     string `json:"recorded_at"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Kind           string `json:"kind"`
}

type Hub struct {
	mu               sync.RWMutex
	streams          map[string]*stream
	bufferSize       int
	subscriberBuffer int
}

type stream struct {
	mu     sync.Mutex
	buffer []LiveEvent
	subs   map[uint64]chan LiveEvent
	nextID uint64
}

type Subscription struct {
	hub        *Hub
	customerID string
	id         uint64
	ch         chan LiveEvent
	once       sync.Once
}

func NewHub() *Hub {
	return &Hub{
		streams:          make(map[string]*stream),
		bufferSize:       DefaultBufferSize,
		subscriberBuffer: DefaultSubscriberBuffer,
	}
}

func (h *Hub) Publish(customerID string, event LiveEvent) {
	if h == nil {
		return
	}
	key := strings.TrimSpace(customerID)
	if key == "" {
		return
	}
	h.mu.RLock()
	stream := h.streams[key]
	h.mu.RUnlock()
	if stream == nil {
		return
	}

	stream.mu.Lock()
	stream.buffer = append(stream.buffer, event)
	if len(stream.buffer) > h.bufferSize {
		stream.buffer = stream.buffer[len(stream.buffer)-h.bufferSize:]
	}
	subs := make([]chan LiveEvent, 0, len(stream.subs))
	for _, ch := range stream.subs {
		subs = append(subs, ch)
	}
	stream.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}
}

func (h *Hub) Subscribe(customerID string) (*Subscription, []LiveEvent, error) {
	if h == nil {
		return nil, nil, errors.New("hub_unavailable")
	}
	key := strings.TrimSpace(customerID)
	if key == "" {
		return nil, nil, errors.New("invalid_customer")
	}

	stream := h.ensureStream(key)
	stream.mu.Lock()
	if stream.subs == nil {
		stream.subs = make(map[uint64]chan LiveEvent)
	}
	id := stream.nextID
	stream.nextID++
	ch := make(chan LiveEvent, h.subscriberBuffer)
	stream.subs[id] = ch
	buffer := append([]LiveEvent(nil), stream.buffer...)
	stream.mu.Unlock()

	return &Subscription{
		hub:       h,
		customerID: key,
		id:        id,
		ch:        ch,
	}, buffer, nil
}

func (h *Hub) ensureStream(key string) *stream {
	h.mu.RLock()
	current := h.streams[key]
	h.mu.RUnlock()
	if current != nil {
		return current
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	current = h.streams[key]
	if current == nil {
		current = &stream{subs: make(map[uint64]chan LiveEvent)}
		h.streams[key] = current
	}
	return current
}

func (h *Hub) unsubscribe(customerID string, id uint64) {
	if h == nil {
		return
	}
	key := strings.TrimSpace(customerID)
	if key == "" {
		return
	}

	h.mu.RLock()
	stream := h.streams[key]
	h.mu.RUnlock()
	if stream == nil {
		return
	}

	stream.mu.Lock()
	delete(stream.subs, id)
	remaining := len(stream.subs)
	stream.mu.Unlock()
	if remaining != 0 {
		return
	}

	h.mu.Lock()
	current := h.streams[key]
	if current != stream {
		h.mu.Unlock()
		return
	}
	stream.mu.Lock()
	empty := len(stream.subs) == 0
	stream.mu.Unlock()
	if empty {
		delete(h.streams, key)
	}
	h.mu.Unlock()
}

func (s *Subscription) Events() <-chan LiveEvent {
	if s == nil {
		return nil
	}
	return s.ch
}

func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	s.once.Do(func() {
		s.hub.unsubscribe(s.customerID, s.id)
	})
}

// UsageRecorded publishes committed usage to the customer's stream.
func (h *Hub) UsageRecorded(_ context.Context, event usagedomain.Event) {
	kind := KindUsage
	if event.Record.Correction {
		kind = KindCorrection
	}
	live := LiveEvent{
		CustomerID:     event.Record.CustomerID,
		SubscriptionID: event.Record.SubscriptionID.String(),
		Metric:         string(event.Record.Metric),
		Quantity:       event.Record.Quantity.String(),
		Total:          event.Counter.Total.String(),
		Percentage:     event.Limit.Percentage(event.Counter.Total).String(),
		RecordedAt:     event.Record.RecordedAt.UTC().Format(time.RFC3339Nano),
		Kind:           kind,
	}
	if event.Record.IdempotencyKey != nil {
		live.IdempotencyKey = *event.Record.IdempotencyKey
	}
	h.Publish(event.Record.CustomerID, live)
}
