// Package memory records record notifications in process for dev runs and
// tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Message is one recorded publish. Data holds the JSON encoding of the
// payload, matching what a broker would receive.
type Message struct {
	ID    string
	Topic string
	Data  []byte
}

// Publisher keeps published messages, optionally only the newest ones.
type Publisher struct {
	mu       sync.RWMutex
	messages []Message
	seq      int
	limit    int
}

// New returns an empty Publisher that keeps every message.
func New() *Publisher {
	return &Publisher{}
}

// NewBounded returns a Publisher that keeps only the newest limit messages.
func NewBounded(limit int) *Publisher {
	return &Publisher{limit: limit}
}

// Publish encodes payload and records it under topic.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := fmt.Sprintf("memory-%d", p.seq)
	p.messages = append(p.messages, Message{ID: id, Topic: topic, Data: data})
	if p.limit > 0 && len(p.messages) > p.limit {
		p.messages = append(p.messages[:0], p.messages[len(p.messages)-p.limit:]...)
	}
	return id, nil
}

// Messages returns a copy of the recorded messages for topic, or all of
// them when topic is empty.
func (p *Publisher) Messages(topic string) []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, 0, len(p.messages))
	for _, m := range p.messages {
		if topic == "" || m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}
