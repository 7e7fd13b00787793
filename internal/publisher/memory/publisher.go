// Package memory provides an in-process Publisher for tests and local runs.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Message is one published event.
type Message struct {
	ID      string
	Topic   string
	Payload []byte
}

// Publisher records published events in memory.
type Publisher struct {
	mu       sync.Mutex
	messages []Message
}

// New returns an empty Publisher.
func New() *Publisher { return &Publisher{} }

// Publish serializes the payload and appends it to the in-memory log.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	msg := Message{ID: uuid.NewString(), Topic: topic, Payload: data}
	p.messages = append(p.messages, msg)
	return msg.ID, nil
}

// Messages returns a copy of everything published so far.
func (p *Publisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.messages...)
}
