package events

import (
	"sync"

	"github.com/Satzhan7/diploma-sub000/internal/metrics"
	"github.com/Satzhan7/diploma-sub000/internal/models"
)

type Kind string

const (
	KindChatCreated     Kind = "chat_created"
	KindMessageAppended Kind = "message_appended"
	KindMessagesRead    Kind = "messages_read"
)

// Event is a committed state change of the conversation store. It is only
// published after the owning transaction succeeded. ReaderID and ReadCount
// are set for KindMessagesRead.
type Event struct {
	Kind      Kind
	Chat      models.Chat
	Message   *models.Message
	ReaderID  uint
	ReadCount int64
}

// Publisher is what the store depends on; it never sees who consumes events.
type Publisher interface {
	Publish(evt Event)
}

// Bus is an in-process fan-out of store events to any number of subscribers.
// Publish never blocks: a subscriber whose buffer is full misses the event,
// live delivery being best effort on top of the persisted state.
type Bus struct {
	mu     sync.RWMutex
	subs   []chan Event
	closed bool
}

func NewBus() *Bus { return &Bus{} }

// Subscribe registers a new consumer. The channel is closed by Close.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 1024
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			metrics.EventsDropped.WithLabelValues(string(evt.Kind)).Inc()
		}
	}
}

// Close stops the bus and closes every subscriber channel. Safe to call twice.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}

// Discard drops every event. Used where no live delivery exists.
type Discard struct{}

func (Discard) Publish(Event) {}
