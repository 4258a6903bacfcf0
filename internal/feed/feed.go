// Package feed carries payment status changes from the webhook reconciler to
// listeners. Delivery is at-least-once; consumers deduplicate by status.
package feed

import (
	"context"
	"sync"
	"time"

	"kasirpoin/backend/internal/domain"
)

type Event struct {
	OrderCode int64                `json:"order_code"`
	Status    domain.PaymentStatus `json:"status"`
	At        time.Time            `json:"at"`
}

// Subscription is a cancellable stream of events for one order. C is closed
// after Close returns.
type Subscription interface {
	C() <-chan Event
	Close() error
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type Subscriber interface {
	// Subscribe returns once the subscription is live, so an event published
	// afterwards is never missed.
	Subscribe(ctx context.Context, orderCode int64) (Subscription, error)
}

type PubSub interface {
	Publisher
	Subscriber
}

const subscriberBuffer = 8

// Hub is the in-process feed used when Redis is not configured.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int64]map[int]*hubSubscription
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int64]map[int]*hubSubscription)}
}

func (h *Hub) Publish(_ context.Context, event Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.subs[event.OrderCode] {
		select {
		case sub.ch <- event:
		default:
			// a full buffer already holds a status for this order
		}
	}
	return nil
}

func (h *Hub) Subscribe(_ context.Context, orderCode int64) (Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &hubSubscription{
		hub:       h,
		id:        h.nextID,
		orderCode: orderCode,
		ch:        make(chan Event, subscriberBuffer),
	}
	if h.subs[orderCode] == nil {
		h.subs[orderCode] = make(map[int]*hubSubscription)
	}
	h.subs[orderCode][sub.id] = sub
	return sub, nil
}

// Subscribers reports how many live subscriptions exist for an order.
func (h *Hub) Subscribers(orderCode int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[orderCode])
}

type hubSubscription struct {
	hub       *Hub
	id        int
	orderCode int64
	ch        chan Event
	once      sync.Once
}

func (s *hubSubscription) C() <-chan Event {
	return s.ch
}

func (s *hubSubscription) Close() error {
	s.once.Do(func() {
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		delete(s.hub.subs[s.orderCode], s.id)
		if len(s.hub.subs[s.orderCode]) == 0 {
			delete(s.hub.subs, s.orderCode)
		}
		close(s.ch)
	})
	return nil
}
