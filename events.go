package waterledger

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventOrderAdded       EventType = "order_added"
	EventOrderDeleted     EventType = "order_deleted"
	EventOrderAccepted    EventType = "order_accepted"
	EventTradeCreated     EventType = "trade_created"
	EventTradeCompleted   EventType = "trade_completed"
	EventTradeInvalidated EventType = "trade_invalidated"
	EventBalanceAllocated EventType = "balance_allocated"
	EventBalanceCredited  EventType = "balance_credited"
	EventBalanceDebited   EventType = "balance_debited"
	EventSupplyDebited    EventType = "supply_debited"
	EventZoneAdded        EventType = "zone_added"
)

// Event is a domain event describing one state change inside the exchange.
// Sequence is a globally increasing ID for every event, used for ordering,
// deduplication, and rebuild synchronization in downstream consumers.
// Only fields relevant to the given Type are populated.
type Event struct {
	Sequence     uint64          `json:"sequence"`
	Type         EventType       `json:"type"`
	OrderID      string          `json:"order_id,omitempty"`
	TradeID      string          `json:"trade_id,omitempty"`
	Account      string          `json:"account,omitempty"`
	Counterparty string          `json:"counterparty,omitempty"`
	Zone         string          `json:"zone,omitempty"`
	ToZone       string          `json:"to_zone,omitempty"`
	Side         Side            `json:"side,omitempty"`
	Price        decimal.Decimal `json:"price"`
	Quantity     uint64          `json:"quantity,omitempty"`
	Amount       decimal.Decimal `json:"amount"`            // Price * Quantity, set for trade events
	Balance      uint64          `json:"balance,omitempty"` // post-event balance, set for balance events
	Supply       uint64          `json:"supply,omitempty"`  // post-event zone supply, set for balance events
	Status       string          `json:"status,omitempty"`  // trade status, set for trade events
	CreatedAt    time.Time       `json:"created_at"`
}

// Publisher receives domain events after each mutating operation.
//
// Events are published from the exchange loop; implementations must either
// process synchronously before returning or copy the data they retain.
type Publisher interface {
	Publish(...Event)
}

// MemoryPublisher stores events in memory, useful for testing.
type MemoryPublisher struct {
	mu     sync.RWMutex
	events []Event
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{events: make([]Event, 0)}
}

func (m *MemoryPublisher) Publish(events ...Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
}

// Count returns the number of events stored.
func (m *MemoryPublisher) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

// Get returns the event at the specified index.
func (m *MemoryPublisher) Get(index int) Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.events[index]
}

// Events returns a copy of all events stored.
func (m *MemoryPublisher) Events() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// OfType returns all stored events of the given type.
func (m *MemoryPublisher) OfType(t EventType) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Event
	for _, ev := range m.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// DiscardPublisher drops all events, useful for benchmarking.
type DiscardPublisher struct{}

func NewDiscardPublisher() *DiscardPublisher {
	return &DiscardPublisher{}
}

func (p *DiscardPublisher) Publish(...Event) {}

// FanoutPublisher forwards every event to each wrapped publisher in order.
type FanoutPublisher struct {
	sinks []Publisher
}

func NewFanoutPublisher(sinks ...Publisher) *FanoutPublisher {
	return &FanoutPublisher{sinks: sinks}
}

// Add appends a sink. Not safe to call once events are flowing.
func (f *FanoutPublisher) Add(sinks ...Publisher) {
	f.sinks = append(f.sinks, sinks...)
}

func (f *FanoutPublisher) Publish(events ...Event) {
	for _, sink := range f.sinks {
		sink.Publish(events...)
	}
}
