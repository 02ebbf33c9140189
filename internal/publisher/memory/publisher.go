// Package memory keeps run notifications in process. It is the publisher
// used when no Pub/Sub topic is configured.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/JakeFAU/dealscan/internal/publisher"
)

// DefaultLimit bounds how many messages are retained.
const DefaultLimit = 256

// Publisher retains the most recent encoded messages.
type Publisher struct {
	mu       sync.RWMutex
	limit    int
	seq      int
	messages []PublishedMessage
}

// PublishedMessage is one retained publish.
type PublishedMessage struct {
	ID    string
	Topic string
	publisher.Message
}

// New returns a Publisher retaining DefaultLimit messages.
func New() *Publisher {
	return &Publisher{limit: DefaultLimit}
}

// Publish encodes the payload the way the Pub/Sub backend does and records it.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	msg, err := publisher.Encode(topic, payload)
	if err != nil {
		return "", err //nolint:wrapcheck
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := fmt.Sprintf("memory-%d", p.seq)
	p.messages = append(p.messages, PublishedMessage{ID: id, Topic: topic, Message: msg})
	if over := len(p.messages) - p.limit; over > 0 {
		p.messages = append(p.messages[:0], p.messages[over:]...)
	}
	return id, nil
}

// Messages returns the retained messages, oldest first.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]PublishedMessage(nil), p.messages...)
}

// Summaries decodes the retained run_finished messages.
func (p *Publisher) Summaries() []publisher.RunSummary {
	msgs := p.Messages()
	out := make([]publisher.RunSummary, 0, len(msgs))
	for _, m := range msgs {
		if m.Attributes["run_id"] == "" {
			continue
		}
		var s publisher.RunSummary
		if err := json.Unmarshal(m.Data, &s); err == nil {
			out = append(out, s)
		}
	}
	return out
}
