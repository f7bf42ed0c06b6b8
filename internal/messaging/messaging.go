// Package messaging defines the change-notification collaborator contract.
// Delivery guarantees, retries and broker wiring belong to implementations,
// not to the persistence layer that publishes through them.
package messaging

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// MessageAdapter receives the JSON-serialized post-save entity state.
// Publishing is fire-and-forget from the repository's point of view.
type MessageAdapter interface {
	SendMessage(ctx context.Context, queueName, payload string) error
}

// LogAdapter writes every message to the structured log. Useful as a
// development stand-in for a real broker client.
type LogAdapter struct {
	Log zerolog.Logger
}

func (a *LogAdapter) SendMessage(_ context.Context, queueName, payload string) error {
	a.Log.Info().
		Str("queue", queueName).
		Str("payload", payload).
		Msg("change event published")
	return nil
}

// MemoryAdapter buffers messages per queue; test double.
type MemoryAdapter struct {
	mu       sync.Mutex
	messages map[string][]string
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{messages: make(map[string][]string)}
}

func (a *MemoryAdapter) SendMessage(_ context.Context, queueName, payload string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages[queueName] = append(a.messages[queueName], payload)
	return nil
}

// Messages returns a copy of everything published to the queue.
func (a *MemoryAdapter) Messages(queueName string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.messages[queueName]...)
}
