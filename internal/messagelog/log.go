// Package messagelog is the per-job append-only status-message ring: an
// in-memory ring that is authoritative for GetJobStatus, plus a
// best-effort JetStream mirror publish for external diagnostics tooling.
// The mirror's failure never blocks a lifecycle transition.
package messagelog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/quantumcloud/qscheduler/internal/logger"
)

// Entry is one status message appended to a job's ring.
type Entry struct {
	At      time.Time `json:"at"`
	Status  string    `json:"status"`
	Detail  string    `json:"detail"`
	Version int64     `json:"version"`
}

// ringSize bounds memory per job, keeping the append-only ring bounded
// rather than allowed to grow without limit.
const ringSize = 64

// Log is the in-memory authoritative ring, optionally mirrored to
// JetStream on a best-effort basis.
type Log struct {
	mu    sync.Mutex
	rings map[string][]Entry

	mirror *mirror // nil when no NATS URL is configured
}

// New builds a Log. If natsURL is empty, the JetStream mirror is
// disabled and Append only maintains the in-memory ring.
func New(natsURL string) (*Log, error) {
	l := &Log{rings: make(map[string][]Entry)}

	if natsURL == "" {
		return l, nil
	}

	m, err := newMirror(natsURL)
	if err != nil {
		return nil, err
	}
	l.mirror = m
	return l, nil
}

// Append records a new status message for jobID. The in-memory write
// always succeeds; the JetStream mirror publish is fire-and-forget.
func (l *Log) Append(ctx context.Context, jobID string, entry Entry) {
	l.mu.Lock()
	ring := l.rings[jobID]
	ring = append(ring, entry)
	if len(ring) > ringSize {
		ring = ring[len(ring)-ringSize:]
	}
	l.rings[jobID] = ring
	l.mu.Unlock()

	if l.mirror != nil {
		l.mirror.publish(ctx, jobID, entry)
	}
}

// For returns a copy of jobID's recorded messages, oldest first.
func (l *Log) For(jobID string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	ring := l.rings[jobID]
	out := make([]Entry, len(ring))
	copy(out, ring)
	return out
}

// Forget drops a job's ring. No lifecycle path calls it, so a finished
// job's ring stays in memory until Forget is called for it.
func (l *Log) Forget(jobID string) {
	l.mu.Lock()
	delete(l.rings, jobID)
	l.mu.Unlock()
}

// Close releases the JetStream connection, if any.
func (l *Log) Close() {
	if l.mirror != nil {
		l.mirror.close()
	}
}

// mirror publishes status entries to a JetStream stream for external
// diagnostics tooling, never blocking the caller on failure.
type mirror struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

func newMirror(url string) (*mirror, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Name("qscheduler"),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("open JetStream context: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     "JOB_STATUS",
		Subjects: []string{"job.status.>"},
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		nc.Close()
		return nil, fmt.Errorf("add JOB_STATUS stream: %w", err)
	}

	return &mirror{conn: nc, js: js}, nil
}

func (m *mirror) publish(ctx context.Context, jobID string, entry Entry) {
	subject := "job.status." + jobID
	body := fmt.Sprintf("%s|%s|%d", entry.Status, entry.Detail, entry.Version)
	if _, err := m.js.Publish(subject, []byte(body)); err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Str("job_id", jobID).Msg("best-effort message log mirror publish failed")
	}
}

func (m *mirror) close() {
	m.conn.Drain()
	m.conn.Close()
}
