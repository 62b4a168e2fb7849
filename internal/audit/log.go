package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Log is the append-only transition record. Append never mutates or reorders
// existing events.
type Log interface {
	Append(ctx context.Context, event Event) error
	Query(ctx context.Context, q Query) ([]Event, error)
}

// MemoryLog keeps events in process. The default for single-node deployments
// and tests; PostgresLog persists the same shape.
type MemoryLog struct {
	mu     sync.RWMutex
	events []Event
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) Append(ctx context.Context, event Event) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	return nil
}

func (l *MemoryLog) Query(ctx context.Context, q Query) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Event
	for _, e := range l.events {
		if q.ContainerID != uuid.Nil && e.ContainerID != q.ContainerID {
			continue
		}
		if q.Actor != "" && e.Actor != q.Actor {
			continue
		}
		if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// Len returns the total number of recorded events.
func (l *MemoryLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}
