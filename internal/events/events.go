// Package events carries everything the link and protocol layers want a UI
// (or any other observer) to know about: state changes, raw traffic, decoded
// samples and notices.
package events

import (
	"sync"
	"time"

	"obd-link/internal/obd"
)

// Kind tags an Event.
type Kind string

const (
	KindStateChanged    Kind = "state_changed"
	KindDeviceConnected Kind = "device_connected"
	KindLineReceived    Kind = "line_received"
	KindCommandSent     Kind = "command_sent"
	KindDecoded         Kind = "decoded"
	KindNotice          Kind = "notice"
)

// Category classifies a notice by the failure that produced it.
type Category string

const (
	CategoryInfo      Category = "info"
	CategoryTransport Category = "transport"
	CategoryProtocol  Category = "protocol"
	CategoryDecode    Category = "decode"
	CategoryState     Category = "state"
)

// Event is the JSON envelope delivered to subscribers.
type Event struct {
	Kind     Kind        `json:"kind"`
	Time     time.Time   `json:"time"`
	State    string      `json:"state,omitempty"`
	Text     string      `json:"text,omitempty"`
	Category Category    `json:"category,omitempty"`
	Sample   *obd.Sample `json:"sample,omitempty"`
}

// Sink accepts events. Publish must not block the caller.
type Sink interface {
	Publish(e Event)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(Event) {}

// Constructors for the common shapes.

func StateChanged(state string) Event { return Event{Kind: KindStateChanged, State: state} }

func DeviceConnected(name string) Event { return Event{Kind: KindDeviceConnected, Text: name} }

func LineReceived(raw string) Event { return Event{Kind: KindLineReceived, Text: raw} }

func CommandSent(raw string) Event { return Event{Kind: KindCommandSent, Text: raw} }

func Decoded(s obd.Sample) Event { return Event{Kind: KindDecoded, Sample: &s} }

func Notice(c Category, text string) Event {
	return Event{Kind: KindNotice, Category: c, Text: text}
}

type subscriber struct {
	ch chan Event
}

// Bus fans events out to subscribers. Each subscriber has its own bounded
// buffer; a subscriber whose buffer is full misses the event rather than
// stalling the publisher. Delivery order per subscriber matches Publish order.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	buffer int
}

// NewBus creates a bus whose subscribers buffer up to buffer events.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{subs: make(map[*subscriber]struct{}), buffer: buffer}
}

// Subscribe registers a consumer. The returned func unsubscribes and closes
// the channel; it is safe to call more than once.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, b.buffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, unsub
}

// Publish stamps e and hands it to every subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
