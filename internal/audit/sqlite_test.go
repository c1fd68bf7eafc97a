package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func testEvent(id, runID string, t time.Time, eventType EventType) Event {
	return Event{
		ID:        id,
		RunID:     runID,
		Timestamp: t,
		Type:      eventType,
		Symbol:    "BTCUSDT",
		OrderID:   "o-" + id,
		Reason:    "test",
	}
}

func TestSQLiteSink_AppendAndQuery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	sink, err := NewSQLiteSink(path)
	if err != nil {
		t.Fatalf("NewSQLiteSink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	events := []Event{
		testEvent("e1", "run1", base, EventOrderApproved),
		testEvent("e2", "run1", base.Add(time.Minute), EventFill),
		testEvent("e3", "run2", base, EventOrderRejected),
	}
	events[1].Details = map[string]any{"price": "100.5", "quantity": "2"}

	for _, e := range events {
		if err := sink.Append(ctx, e); err != nil {
			t.Fatalf("Append(%s): %v", e.ID, err)
		}
	}

	got, err := sink.EventsForRun(ctx, "run1")
	if err != nil {
		t.Fatalf("EventsForRun: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("events = %d, want 2 for run1", len(got))
	}
	if got[0].ID != "e1" || got[1].ID != "e2" {
		t.Errorf("order = %s, %s, want e1, e2 by timestamp", got[0].ID, got[1].ID)
	}
	if got[0].Type != EventOrderApproved {
		t.Errorf("Type = %s, want order_approved", got[0].Type)
	}
	if got[1].Details["price"] != "100.5" {
		t.Errorf("Details round trip failed: %v", got[1].Details)
	}

	n, err := sink.CountByType(ctx, "run1", EventFill)
	if err != nil {
		t.Fatalf("CountByType: %v", err)
	}
	if n != 1 {
		t.Errorf("CountByType(fill) = %d, want 1", n)
	}
}

func TestSQLiteSink_RejectsDuplicateID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	sink, err := NewSQLiteSink(path)
	if err != nil {
		t.Fatalf("NewSQLiteSink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	event := testEvent("e1", "run1", time.Now().UTC(), EventFill)

	if err := sink.Append(ctx, event); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := sink.Append(ctx, event); err == nil {
		t.Error("duplicate event ID should violate the primary key")
	}
}

func TestSQLiteSink_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	ctx := context.Background()

	sink, err := NewSQLiteSink(path)
	if err != nil {
		t.Fatalf("NewSQLiteSink: %v", err)
	}
	if err := sink.Append(ctx, testEvent("e1", "run1", time.Now().UTC(), EventFill)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Events survive a reopen; the migration is idempotent.
	sink, err = NewSQLiteSink(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = sink.Close() }()

	got, err := sink.EventsForRun(ctx, "run1")
	if err != nil {
		t.Fatalf("EventsForRun: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("events after reopen = %d, want 1", len(got))
	}
}

func TestMemorySink(t *testing.T) {
	sink := NewMemorySink()
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	_ = sink.Append(ctx, testEvent("e1", "run1", base, EventOrderApproved))
	_ = sink.Append(ctx, testEvent("e2", "run1", base, EventOrderRejected))
	_ = sink.Append(ctx, testEvent("e3", "run1", base, EventOrderRejected))

	if len(sink.Events()) != 3 {
		t.Errorf("Events = %d, want 3", len(sink.Events()))
	}
	if got := sink.ByType(EventOrderRejected); len(got) != 2 {
		t.Errorf("ByType(rejected) = %d, want 2", len(got))
	}

	// The returned slice is a copy.
	events := sink.Events()
	events[0].ID = "mutated"
	if sink.Events()[0].ID != "e1" {
		t.Error("Events should return a copy")
	}
}
