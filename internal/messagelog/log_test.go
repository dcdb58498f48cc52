package messagelog

import (
	"context"
	"testing"
	"time"
)

func TestAppendAndFor(t *testing.T) {
	l, err := New("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx := context.Background()
	l.Append(ctx, "job-1", Entry{At: time.Now(), Status: "QUEUED", Version: 1})
	l.Append(ctx, "job-1", Entry{At: time.Now(), Status: "RUNNING", Version: 2})

	entries := l.For("job-1")
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Status != "QUEUED" || entries[1].Status != "RUNNING" {
		t.Fatalf("unexpected entry order: %+v", entries)
	}
}

func TestRingBounded(t *testing.T) {
	l, _ := New("")
	ctx := context.Background()

	for i := 0; i < ringSize+10; i++ {
		l.Append(ctx, "job-2", Entry{Status: "RUNNING", Version: int64(i)})
	}

	entries := l.For("job-2")
	if len(entries) != ringSize {
		t.Fatalf("expected ring capped at %d, got %d", ringSize, len(entries))
	}
	if entries[0].Version != 10 {
		t.Fatalf("expected oldest surviving entry to be version 10, got %d", entries[0].Version)
	}
}

func TestForget(t *testing.T) {
	l, _ := New("")
	ctx := context.Background()
	l.Append(ctx, "job-3", Entry{Status: "QUEUED"})
	l.Forget("job-3")

	if entries := l.For("job-3"); len(entries) != 0 {
		t.Fatalf("expected no entries after forget, got %d", len(entries))
	}
}
