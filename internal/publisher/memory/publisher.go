// Package memory keeps published lifecycle events in process so tests and
// single-host runs can inspect them.
package memory

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/JakeFAU/gridcrawler/internal/harvest"
)

// ErrEmptyTopic mirrors the Pub/Sub publisher's refusal of a blank topic.
var ErrEmptyTopic = errors.New("topic is required")

// Message is one accepted publish.
type Message struct {
	ID         string
	Topic      string
	Payload    any
	Attributes map[string]string
}

// Publisher appends every publish to an in-memory log.
type Publisher struct {
	mu       sync.RWMutex
	messages []Message
}

var _ harvest.Publisher = (*Publisher)(nil)

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the payload. harvest.Event payloads get the same
// event_type attribute the Pub/Sub publisher sets.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if topic == "" {
		return "", ErrEmptyTopic
	}
	attrs := map[string]string{}
	if ev, ok := payload.(harvest.Event); ok {
		attrs["event_type"] = ev.Type
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	id := "memory-" + strconv.Itoa(len(p.messages)+1)
	p.messages = append(p.messages, Message{ID: id, Topic: topic, Payload: payload, Attributes: attrs})
	return id, nil
}

// Messages returns a snapshot of the log.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Message(nil), p.messages...)
}

// Events returns the recorded harvest.Event payloads of the given type, or
// all of them when kind is empty.
func (p *Publisher) Events(kind string) []harvest.Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]harvest.Event, 0, len(p.messages))
	for _, m := range p.messages {
		if ev, ok := m.Payload.(harvest.Event); ok && (kind == "" || ev.Type == kind) {
			out = append(out, ev)
		}
	}
	return out
}
