// Package queue is the per-backend FIFO of admitted jobs: a map from
// canonical backend name to FIFO plus a shared byte budget. take is a
// select over a per-backend wakeup channel and the caller's context,
// avoiding busy-waiting; the wakeup channel is closed-and-replaced on
// every enqueue to broadcast to every blocked take for a backend.
package queue

import (
	"context"
	"sync"
	"time"
)

// Entry is one admitted job waiting for dispatch.
type Entry struct {
	JobID            string
	BackendCanonical string
	SizeBytes        int64
	EnqueuedAt       time.Time
}

// EnqueueResult is the outcome of an Enqueue call.
type EnqueueResult int

const (
	EnqueueOK EnqueueResult = iota
	EnqueueRejectMemory
)

// Queue is the shared, memory-bounded per-backend FIFO.
type Queue struct {
	mu            sync.Mutex
	fifos         map[string][]Entry
	totalBytes    int64
	maxQueueBytes int64
	wake          map[string]chan struct{}
}

// New builds a Queue bounded by maxQueueBytes total across every
// backend.
func New(maxQueueBytes int64) *Queue {
	return &Queue{
		fifos:         make(map[string][]Entry),
		maxQueueBytes: maxQueueBytes,
		wake:          make(map[string]chan struct{}),
	}
}

func (q *Queue) wakeChan(backend string) chan struct{} {
	ch, ok := q.wake[backend]
	if !ok {
		ch = make(chan struct{})
		q.wake[backend] = ch
	}
	return ch
}

// broadcast wakes every blocked take() for backend by closing its
// current wakeup channel and installing a fresh one.
func (q *Queue) broadcast(backend string) {
	ch := q.wakeChan(backend)
	close(ch)
	q.wake[backend] = make(chan struct{})
}

// Enqueue appends entry to its backend's FIFO, or rejects it if doing so
// would exceed the queue's total memory budget.
func (q *Queue) Enqueue(entry Entry) EnqueueResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.totalBytes+entry.SizeBytes > q.maxQueueBytes {
		return EnqueueRejectMemory
	}

	q.fifos[entry.BackendCanonical] = append(q.fifos[entry.BackendCanonical], entry)
	q.totalBytes += entry.SizeBytes
	q.broadcast(entry.BackendCanonical)
	return EnqueueOK
}

// popFront removes and returns the oldest entry for backend, if any.
func (q *Queue) popFront(backend string) (Entry, bool) {
	fifo := q.fifos[backend]
	if len(fifo) == 0 {
		return Entry{}, false
	}

	entry := fifo[0]
	q.fifos[backend] = fifo[1:]
	q.totalBytes -= entry.SizeBytes
	return entry, true
}

// Take blocks until an entry is available for backend or ctx is done.
// Cancellation is checked on entry and on every wake, never busy-waiting
// between wakes.
func (q *Queue) Take(ctx context.Context, backend string) (Entry, error) {
	for {
		q.mu.Lock()
		if entry, ok := q.popFront(backend); ok {
			q.mu.Unlock()
			return entry, nil
		}
		wake := q.wakeChan(backend)
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Entry{}, ctx.Err()
		case <-wake:
			// loop around and retry the pop; another waiter may have won the race.
		}
	}
}

// Drop best-effort removes jobID from whichever backend FIFO holds it.
// Returns whether the entry was present.
func (q *Queue) Drop(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for backend, fifo := range q.fifos {
		for i, e := range fifo {
			if e.JobID != jobID {
				continue
			}
			q.fifos[backend] = append(fifo[:i], fifo[i+1:]...)
			q.totalBytes -= e.SizeBytes
			return true
		}
	}
	return false
}

// TotalBytes reports the current aggregate queued size, for diagnostics
// and tests.
func (q *Queue) TotalBytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalBytes
}
