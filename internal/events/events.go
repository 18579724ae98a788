// Package events publishes offer lifecycle events to in-process handlers.
//
// Every handler runs in its own goroutine, so there is no ordering between
// events: frames for back-to-back transitions on one offer may be delivered
// in either order. Subscribers treat an event as a signal to re-read the
// offer, not as its current state.
package events

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"offer-negotiation-api/internal/models"
)

// EventType represents the type of event.
type EventType string

const (
	// EventOfferSubmitted is emitted when a buyer submits an offer
	EventOfferSubmitted EventType = "offer.submitted"
	// EventOfferAccepted is emitted when the seller accepts a pending offer
	EventOfferAccepted EventType = "offer.accepted"
	// EventOfferDeclined is emitted when either party declines
	EventOfferDeclined EventType = "offer.declined"
	// EventOfferCountered is emitted when the seller counters
	EventOfferCountered EventType = "offer.countered"
	// EventCounterAccepted is emitted when the buyer accepts a counter-offer
	EventCounterAccepted EventType = "offer.counter_accepted"
	// EventOfferWithdrawn is emitted when the buyer withdraws a pending offer
	EventOfferWithdrawn EventType = "offer.withdrawn"
)

// AllOfferEvents lists every offer lifecycle event.
var AllOfferEvents = []EventType{
	EventOfferSubmitted,
	EventOfferAccepted,
	EventOfferDeclined,
	EventOfferCountered,
	EventCounterAccepted,
	EventOfferWithdrawn,
}

// Event represents an event in the system.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// OfferChangedData contains data for every offer lifecycle event.
type OfferChangedData struct {
	Offer      models.Offer
	FromStatus models.OfferStatus
	ActorID    string
}

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Manager manages event handlers and event publishing.
type Manager struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	enabled  bool
	wg       sync.WaitGroup
	errorLog *log.Logger
}

// NewManager creates a new event manager.
func NewManager(enabled bool, errorLog *log.Logger) *Manager {
	if errorLog == nil {
		errorLog = log.New(io.Discard, "", 0)
	}
	return &Manager{
		handlers: make(map[EventType][]Handler),
		enabled:  enabled,
		errorLog: errorLog,
	}
}

// Subscribe subscribes a handler to a specific event type.
func (m *Manager) Subscribe(eventType EventType, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		return
	}

	m.handlers[eventType] = append(m.handlers[eventType], handler)
}

// Publish publishes an event to all subscribed handlers.
func (m *Manager) Publish(ctx context.Context, eventType EventType, data interface{}) {
	m.mu.RLock()
	handlers := m.handlers[eventType]
	if !m.enabled || len(handlers) == 0 {
		m.mu.RUnlock()
		return
	}
	m.wg.Add(len(handlers))
	m.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}

	// Handlers outlive the request, so they must not inherit its cancellation.
	hctx := context.WithoutCancel(ctx)
	for _, handler := range handlers {
		go func(h Handler) {
			defer m.wg.Done()
			if err := h(hctx, event); err != nil {
				m.errorLog.Printf("event %s handler failed: %v", event.Type, err)
			}
		}(handler)
	}
}

// PublishOfferChanged publishes an offer lifecycle event.
func (m *Manager) PublishOfferChanged(ctx context.Context, eventType EventType, offer models.Offer, from models.OfferStatus, actorID string) {
	m.Publish(ctx, eventType, OfferChangedData{
		Offer:      offer,
		FromStatus: from,
		ActorID:    actorID,
	})
}

// Wait blocks until every handler started so far has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Shutdown stops accepting events and waits for running handlers.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.enabled = false
	m.handlers = make(map[EventType][]Handler)
	m.mu.Unlock()

	m.wg.Wait()
}
