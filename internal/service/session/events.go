package session

import "sync"

// EventType tags session events.
type EventType string

const (
	EventChange EventType = "change"
	EventToken  EventType = "token"
)

// Event is pushed to UI subscribers.
type Event struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversationId,omitempty"`
	Token          string    `json:"token,omitempty"`
}

const eventBuffer = 256

// subscriber is one event channel. lagged is set once an event was dropped.
type subscriber struct {
	ch     chan Event
	lagged bool
}

// broadcaster fans events out to subscribers. Slow subscribers lose events
// rather than stall the store's delivery goroutine. A subscriber that lost
// events gets an EventChange before anything else, so it re-reads State and
// its Streaming buffers hold every token it missed.
type broadcaster struct {
	mu     sync.Mutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[uint64]*subscriber)}
}

func (b *broadcaster) subscribe() (<-chan Event, func()) {
	ch := make(chan Event, eventBuffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.nextID++
	id := b.nextID
	b.subs[id] = &subscriber{ch: ch}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
			b.mu.Unlock()
		})
	}
}

func (b *broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if sub.lagged {
			select {
			case sub.ch <- Event{Type: EventChange}:
				sub.lagged = false
			default:
				continue
			}
			if ev.Type == EventChange {
				continue
			}
		}
		select {
		case sub.ch <- ev:
		default:
			sub.lagged = true
		}
	}
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
