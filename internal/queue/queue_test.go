package queue

import (
	"context"
	"testing"
	"time"
)

func TestEnqueueAndTakeFIFO(t *testing.T) {
	q := New(1 << 20)

	q.Enqueue(Entry{JobID: "a", BackendCanonical: "qpu", SizeBytes: 10})
	q.Enqueue(Entry{JobID: "b", BackendCanonical: "qpu", SizeBytes: 10})

	ctx := context.Background()
	first, err := q.Take(ctx, "qpu")
	if err != nil || first.JobID != "a" {
		t.Fatalf("expected job a first, got %+v err=%v", first, err)
	}
	second, err := q.Take(ctx, "qpu")
	if err != nil || second.JobID != "b" {
		t.Fatalf("expected job b second, got %+v err=%v", second, err)
	}
}

func TestEnqueueRejectMemory(t *testing.T) {
	q := New(15)
	if r := q.Enqueue(Entry{JobID: "a", BackendCanonical: "qpu", SizeBytes: 10}); r != EnqueueOK {
		t.Fatalf("expected OK, got %v", r)
	}
	if r := q.Enqueue(Entry{JobID: "b", BackendCanonical: "qpu", SizeBytes: 10}); r != EnqueueRejectMemory {
		t.Fatalf("expected REJECT_MEMORY, got %v", r)
	}
}

func TestTakeBlocksUntilEnqueue(t *testing.T) {
	q := New(1 << 20)
	ctx := context.Background()

	done := make(chan Entry, 1)
	go func() {
		e, err := q.Take(ctx, "qpu")
		if err != nil {
			t.Errorf("unexpected error: %v", err)
			return
		}
		done <- e
	}()

	time.Sleep(20 * time.Millisecond)
	q.Enqueue(Entry{JobID: "late", BackendCanonical: "qpu", SizeBytes: 5})

	select {
	case e := <-done:
		if e.JobID != "late" {
			t.Fatalf("unexpected entry: %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("take never woke up after enqueue")
	}
}

func TestTakeCancellation(t *testing.T) {
	q := New(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Take(ctx, "qpu")
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected cancellation error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("take did not observe cancellation")
	}
}

func TestDrop(t *testing.T) {
	q := New(1 << 20)
	q.Enqueue(Entry{JobID: "a", BackendCanonical: "qpu", SizeBytes: 10})

	if !q.Drop("a") {
		t.Fatal("expected drop to find entry a")
	}
	if q.Drop("a") {
		t.Fatal("expected second drop to find nothing")
	}
	if q.TotalBytes() != 0 {
		t.Fatalf("expected total bytes 0 after drop, got %d", q.TotalBytes())
	}
}

func TestUnifiedBackendsShareOneFIFO(t *testing.T) {
	q := New(1 << 20)
	q.Enqueue(Entry{JobID: "a", BackendCanonical: "unified", SizeBytes: 10})
	q.Enqueue(Entry{JobID: "b", BackendCanonical: "unified", SizeBytes: 10})

	ctx := context.Background()
	first, _ := q.Take(ctx, "unified")
	if first.JobID != "a" {
		t.Fatalf("expected FIFO order within unified queue, got %+v", first)
	}
}
