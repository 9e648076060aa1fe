package chat

import (
	"context"
	"sync"
)

// Sent is a message delivered through a MemoryChannel.
type Sent struct {
	ChatID int64
	Text   string
}

// MemoryChannel is an in-process Channel for tests and the run command.
type MemoryChannel struct {
	inbox chan Message

	mu     sync.Mutex
	sent   []Sent
	notify chan struct{}
}

// NewMemoryChannel creates a channel with an inbox of the given capacity.
func NewMemoryChannel(capacity int) *MemoryChannel {
	return &MemoryChannel{inbox: make(chan Message, capacity), notify: make(chan struct{}, 1)}
}

// Push queues an inbound message.
func (m *MemoryChannel) Push(msg Message) {
	m.inbox <- msg
}

// Receive returns queued messages, blocking for the first one.
func (m *MemoryChannel) Receive(ctx context.Context) ([]Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-m.inbox:
		out := []Message{msg}
		for {
			select {
			case more := <-m.inbox:
				out = append(out, more)
			default:
				return out, nil
			}
		}
	}
}

// Send records the message.
func (m *MemoryChannel) Send(ctx context.Context, chatID int64, text string) error {
	m.mu.Lock()
	m.sent = append(m.sent, Sent{ChatID: chatID, Text: text})
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

// Sent returns a copy of everything sent so far.
func (m *MemoryChannel) Sent() []Sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Sent(nil), m.sent...)
}

// Updated is signalled after each Send.
func (m *MemoryChannel) Updated() <-chan struct{} {
	return m.notify
}
