package recordstore

import (
	"testing"
	"time"

	"github.com/quantumcloud/qscheduler/internal/model"
)

// fakeRow implements pgx.Row over an in-memory column slice, letting
// scanJob be tested without a live Postgres connection.
type fakeRow struct {
	cols []any
}

func (r fakeRow) Scan(dest ...any) error {
	for i, d := range dest {
		switch v := d.(type) {
		case *string:
			*v = r.cols[i].(string)
		case *model.Role:
			*v = model.Role(r.cols[i].(string))
		case *model.Status:
			*v = model.Status(r.cols[i].(string))
		case *int64:
			*v = r.cols[i].(int64)
		case *bool:
			*v = r.cols[i].(bool)
		case *time.Time:
			*v = r.cols[i].(time.Time)
		case *[]byte:
			*v = r.cols[i].([]byte)
		}
	}
	return nil
}

func sampleRow() fakeRow {
	now := time.Now().UTC()
	return fakeRow{cols: []any{
		"job-1", "alice", "DEVELOPER", "1.0",
		"qpu-alpha", "qpu-alpha",
		"job-1.in", int64(2048), []byte(`{"backend":"qpu-alpha","n_shots":100}`),
		"QUEUED", "",
		"", int64(1), []byte(`{"queued_at":"2026-08-03T00:00:00Z"}`), []byte(`{}`),
		"", int64(0), int64(0),
		true, false, now,
		now, now,
	}}
}

func TestScanJobDecodesNestedJSON(t *testing.T) {
	job, err := scanJob(sampleRow())
	if err != nil {
		t.Fatalf("scanJob: %v", err)
	}
	if job.JobID != "job-1" || job.Role != model.RoleDeveloper {
		t.Fatalf("unexpected scalar fields: %+v", job)
	}
	if job.Settings.Backend != "qpu-alpha" || job.Settings.NShots != 100 {
		t.Fatalf("unexpected settings: %+v", job.Settings)
	}
	if job.Timestamps.QueuedAt.IsZero() {
		t.Fatal("expected queued_at to be decoded from JSON")
	}
}

func TestNullableTime(t *testing.T) {
	if got := nullableTime(time.Time{}); got != nil {
		t.Fatalf("expected nil for zero time, got %v", got)
	}
	now := time.Now()
	if got := nullableTime(now); got != now {
		t.Fatalf("expected time to pass through unchanged, got %v", got)
	}
}
