package publisher

import (
	"context"
	"sync"

	r "github.com/fjod/go_cart/marketplace/internal/repository"
	"github.com/segmentio/kafka-go"
)

type MockRepository struct {
	mu            sync.Mutex
	OutboxEvents  []*r.OutboxEvent
	GetErr        error
	MarkErr       error
	ProcessedIDs  []int64
	RequestedSize int
}

func (m *MockRepository) GetUnprocessedEvents(_ context.Context, limit int) ([]*r.OutboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestedSize = limit
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	processed := make(map[int64]bool, len(m.ProcessedIDs))
	for _, id := range m.ProcessedIDs {
		processed[id] = true
	}
	var out []*r.OutboxEvent
	for _, ev := range m.OutboxEvents {
		if !processed[ev.ID] {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *MockRepository) MarkEventAsProcessed(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.MarkErr != nil {
		return m.MarkErr
	}
	m.ProcessedIDs = append(m.ProcessedIDs, id)
	return nil
}

func (m *MockRepository) processed() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.ProcessedIDs...)
}

type MockWriter struct {
	mu       sync.Mutex
	Messages []kafka.Message
	// FailKeys makes writes of messages with these keys fail.
	FailKeys map[string]error
}

func (m *MockWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range msgs {
		if err := m.FailKeys[string(msg.Key)]; err != nil {
			return err
		}
	}
	m.Messages = append(m.Messages, msgs...)
	return nil
}

func (m *MockWriter) Close() error { return nil }

type broadcast struct {
	eventType string
	payload   string
}

type MockHub struct {
	mu   sync.Mutex
	Sent []broadcast
}

func (m *MockHub) Broadcast(eventType string, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = append(m.Sent, broadcast{eventType, string(payload)})
}
