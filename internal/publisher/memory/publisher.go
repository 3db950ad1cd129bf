// Package memory records job events in memory for development and tests.
// Only the most recent events are kept; older ones are dropped.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/seo-scrape-orchestrator/internal/scrape"
)

// DefaultLimit is the number of messages New retains.
const DefaultLimit = 10000

// Publisher stores the most recent published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	limit    int
	seq      int
	messages []PublishedMessage
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	Topic   string
	Payload any
}

// New returns a memory Publisher retaining DefaultLimit messages.
func New() *Publisher {
	return NewWithLimit(DefaultLimit)
}

// NewWithLimit returns a memory Publisher retaining at most limit messages.
// A non-positive limit falls back to DefaultLimit.
func NewWithLimit(limit int) *Publisher {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Publisher{limit: limit}
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.messages) >= p.limit {
		n := copy(p.messages, p.messages[len(p.messages)-p.limit+1:])
		clear(p.messages[n:])
		p.messages = p.messages[:n]
	}
	p.messages = append(p.messages, PublishedMessage{Topic: topic, Payload: payload})
	p.seq++
	return fmt.Sprintf("memory-%d", p.seq), nil
}

// Messages returns the recorded publishes.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// Events returns the job events recorded for jobID in publish order.
func (p *Publisher) Events(jobID string) []scrape.Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []scrape.Event
	for _, msg := range p.messages {
		if ev, ok := msg.Payload.(scrape.Event); ok && ev.JobID == jobID {
			out = append(out, ev)
		}
	}
	return out
}
