package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxEvents is the default maximum number of events to keep in memory.
const DefaultMaxEvents = 10000

// MemoryLogger is an in-memory implementation of Logger. It stores events
// newest first and caps storage to prevent unbounded growth. Thread-safe.
type MemoryLogger struct {
	mu        sync.RWMutex
	events    []*Event
	maxEvents int
}

// MemoryLoggerOption configures a MemoryLogger.
type MemoryLoggerOption func(*MemoryLogger)

// WithMaxEvents sets the maximum number of events to keep.
func WithMaxEvents(max int) MemoryLoggerOption {
	return func(m *MemoryLogger) {
		if max > 0 {
			m.maxEvents = max
		}
	}
}

// NewMemoryLogger creates a new in-memory audit logger.
func NewMemoryLogger(opts ...MemoryLoggerOption) *MemoryLogger {
	m := &MemoryLogger{
		events:    make([]*Event, 0),
		maxEvents: DefaultMaxEvents,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Log records an audit event.
func (m *MemoryLogger) Log(_ context.Context, event *Event) error {
	if event == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	eventCopy := *event
	m.events = append([]*Event{&eventCopy}, m.events...)
	if len(m.events) > m.maxEvents {
		m.events = m.events[:m.maxEvents]
	}
	return nil
}

// List retrieves audit events with optional filtering.
func (m *MemoryLogger) List(_ context.Context, opts ListOptions) ([]*Event, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var filtered []*Event
	for _, e := range m.events {
		if !matchesFilters(e, opts) {
			continue
		}
		filtered = append(filtered, e)
	}

	total := len(filtered)

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}

	start := opts.Offset
	if start > len(filtered) {
		start = len(filtered)
	}
	end := start + opts.Limit
	if end > len(filtered) {
		end = len(filtered)
	}
	result := filtered[start:end]

	copies := make([]*Event, len(result))
	for i, e := range result {
		cpy := *e
		copies[i] = &cpy
	}
	return copies, total, nil
}

// GetByPrincipal retrieves audit events for a specific principal.
func (m *MemoryLogger) GetByPrincipal(_ context.Context, principalID string) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Event
	for _, e := range m.events {
		if e.PrincipalID == principalID {
			cpy := *e
			result = append(result, &cpy)
		}
	}
	return result, nil
}

func matchesFilters(e *Event, opts ListOptions) bool {
	if opts.PrincipalID != "" && e.PrincipalID != opts.PrincipalID {
		return false
	}
	if opts.Action != "" && e.Action != opts.Action {
		return false
	}
	if opts.Outcome != "" && e.Outcome != opts.Outcome {
		return false
	}
	if opts.Since != nil && e.Timestamp.Before(*opts.Since) {
		return false
	}
	if opts.Until != nil && e.Timestamp.After(*opts.Until) {
		return false
	}
	return true
}
