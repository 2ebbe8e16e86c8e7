package audit

import (
	"context"
	"sync"
	"time"
)

// MemoryLog keeps events in process memory.
type MemoryLog struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemoryLog returns an empty log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// Append implements Log.
func (m *MemoryLog) Append(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.events = append(m.events, prepare(event))
	m.mu.Unlock()
	return nil
}

// Since implements Log.
func (m *MemoryLog) Since(ctx context.Context, eventType EventType, since time.Time) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Event
	for _, e := range m.events {
		if matches(e, eventType, since) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Events returns every recorded event.
func (m *MemoryLog) Events() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Event(nil), m.events...)
}

// Close implements Log.
func (m *MemoryLog) Close() error { return nil }
