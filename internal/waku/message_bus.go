package waku

import (
	"sync"
	"time"
)

// Envelope is one relay message addressed to a topic-scoped recipient, e.g.
// the inbox of a mailbox domain.
type Envelope struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus is the in-memory relay used by the mock transport. Nodes sharing a Bus
// see each other's traffic; envelopes for a recipient nobody listens on are
// held until it subscribes.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string]func(Envelope)
	mailbox     map[string][]Envelope
}

func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string]func(Envelope)),
		mailbox:     make(map[string][]Envelope),
	}
}

var defaultBus = NewBus()

// publish hands env to the recipient's handler on the caller's goroutine.
func (b *Bus) publish(env Envelope) {
	b.mu.Lock()
	handler, ok := b.subscribers[env.Recipient]
	if !ok {
		b.mailbox[env.Recipient] = append(b.mailbox[env.Recipient], env)
	}
	b.mu.Unlock()
	if ok {
		handler(env)
	}
}

func (b *Bus) subscribe(recipient string, handler func(Envelope)) {
	b.mu.Lock()
	b.subscribers[recipient] = handler
	pending := append([]Envelope(nil), b.mailbox[recipient]...)
	delete(b.mailbox, recipient)
	b.mu.Unlock()

	for _, env := range pending {
		handler(env)
	}
}

func (b *Bus) unsubscribe(recipient string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, recipient)
}

// pending returns envelopes queued for recipient with a timestamp not before since.
func (b *Bus) pending(recipient string, since time.Time, limit int) []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Envelope, 0)
	for _, env := range b.mailbox[recipient] {
		if env.Timestamp.Before(since) {
			continue
		}
		out = append(out, env)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}
