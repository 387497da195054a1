package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/loykin/agentsentry/internal/history"
)

func TestSQLiteSink_Integration(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := tempDir + "/history.db"

	sink, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()

	events := []history.Event{
		{Type: history.EventStart, OccurredAt: time.Now().UTC(), Phase: "running", ErrorCount: 0},
		{Type: history.EventFail, OccurredAt: time.Now().UTC(), Phase: "stopped", ErrorCount: 1, Detail: "exit status 1"},
		{Type: history.EventRestart, OccurredAt: time.Now().UTC(), Phase: "starting", ErrorCount: 1},
	}
	for _, e := range events {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("Failed to send %s event: %v", e.Type, err)
		}
	}

	var count int
	if err := sink.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM worker_history").Scan(&count); err != nil {
		t.Fatalf("count query: %v", err)
	}
	if count != len(events) {
		t.Errorf("row count = %d, want %d", count, len(events))
	}

	var detail string
	err = sink.db.QueryRowContext(ctx,
		"SELECT detail FROM worker_history WHERE event = ?", string(history.EventFail)).Scan(&detail)
	if err != nil {
		t.Fatalf("detail query: %v", err)
	}
	if detail != "exit status 1" {
		t.Errorf("detail = %q", detail)
	}
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create in-memory sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	event := history.Event{
		Type:       history.EventExhausted,
		OccurredAt: time.Now().UTC(),
		Phase:      "stopped",
		ErrorCount: 5,
		Detail:     "retry budget exhausted",
	}
	if err := sink.Send(context.Background(), event); err != nil {
		t.Fatalf("Failed to send event: %v", err)
	}
}

func TestSQLiteSink_SchemeDSN(t *testing.T) {
	sink, err := New("sqlite://:memory:")
	if err != nil {
		t.Fatalf("Failed to create sink via sqlite:// DSN: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Errorf("Failed to close sink: %v", err)
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Error("expected error for empty DSN")
	}
}
