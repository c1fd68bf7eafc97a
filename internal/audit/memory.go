package audit

import (
	"context"
	"log/slog"
	"sync"
)

// MemorySink retains events in memory. Used in tests and short runs.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Append stores the event.
func (m *MemorySink) Append(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// Events returns a copy of everything recorded so far.
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// ByType returns recorded events matching the given type.
func (m *MemorySink) ByType(t EventType) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Close is a no-op.
func (m *MemorySink) Close() error { return nil }

// LogSink writes events to a slog.Logger. Useful when persistence is
// disabled but the trail should still be visible.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink backed by the given logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Append logs the event.
func (l *LogSink) Append(_ context.Context, event Event) error {
	l.logger.Info("audit",
		"type", event.Type,
		"run_id", event.RunID,
		"symbol", event.Symbol,
		"order_id", event.OrderID,
		"reason", event.Reason,
	)
	return nil
}

// Close is a no-op.
func (l *LogSink) Close() error { return nil }
