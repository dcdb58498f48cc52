package recordstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/quantumcloud/qscheduler/internal/apierror"
	"github.com/quantumcloud/qscheduler/internal/model"
	"github.com/quantumcloud/qscheduler/internal/tracer"
	"github.com/quantumcloud/qscheduler/internal/util"
)

// Store is the job-record gateway. Every write to an existing record goes
// through CompareAndSwap; Insert is the only unconditional write.
type Store struct {
	db *DB
}

// New builds a Store over an open record-store connection.
func New(db *DB) *Store {
	return &Store{db: db}
}

func scanJob(row pgx.Row) (*model.Job, error) {
	var j model.Job
	var settingsJSON, timestampsJSON, execVersionJSON []byte

	err := row.Scan(
		&j.JobID, &j.TokenName, &j.Role, &j.SDKVersion,
		&j.BackendRequested, &j.BackendCanonical,
		&j.ProgramRef, &j.ProgramSizeBytes, &settingsJSON,
		&j.Status, &j.StatusDetail,
		&j.ResultRef, &j.Version, &timestampsJSON, &execVersionJSON,
		&j.ActualBackend, &j.RawSizeBytes, &j.EncodedSizeBytes,
		&j.SaveJob, &j.CancelledReportObserved, &j.JobExpiry,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(settingsJSON) > 0 {
		if err := json.Unmarshal(settingsJSON, &j.Settings); err != nil {
			return nil, err
		}
	}
	if len(timestampsJSON) > 0 {
		if err := json.Unmarshal(timestampsJSON, &j.Timestamps); err != nil {
			return nil, err
		}
	}
	if len(execVersionJSON) > 0 {
		if err := json.Unmarshal(execVersionJSON, &j.ExecVersion); err != nil {
			return nil, err
		}
	}

	return &j, nil
}

const selectColumns = `
	job_id, token_name, role, sdk_version,
	backend_requested, backend_canonical,
	program_ref, program_size_bytes, settings,
	status, status_detail,
	result_ref, version, timestamps, exec_version,
	actual_backend, raw_size_bytes, encoded_size_bytes,
	save_job, cancelled_report_observed, job_expiry,
	created_at, updated_at
`

// Insert writes a brand-new job record with version 1.
func (s *Store) Insert(ctx context.Context, job *model.Job) error {
	ctx, span := tracer.Tracer().Start(ctx, "recordstore/Insert")
	defer span.End()

	settingsJSON, err := json.Marshal(job.Settings)
	if err != nil {
		return apierror.Internal("marshal job settings", err)
	}
	timestampsJSON, err := json.Marshal(job.Timestamps)
	if err != nil {
		return apierror.Internal("marshal job timestamps", err)
	}
	execVersionJSON, err := json.Marshal(job.ExecVersion)
	if err != nil {
		return apierror.Internal("marshal exec version", err)
	}

	job.Version = 1
	err = util.RetryOnce(func() error {
		_, e := s.db.Pool.Exec(ctx, `
			INSERT INTO jobs (
				job_id, token_name, role, sdk_version,
				backend_requested, backend_canonical,
				program_ref, program_size_bytes, settings,
				status, status_detail,
				result_ref, version, timestamps, exec_version,
				actual_backend, raw_size_bytes, encoded_size_bytes,
				save_job, cancelled_report_observed, job_expiry,
				created_at, updated_at
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
				$12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23
			)`,
			job.JobID, job.TokenName, job.Role, job.SDKVersion,
			job.BackendRequested, job.BackendCanonical,
			job.ProgramRef, job.ProgramSizeBytes, settingsJSON,
			job.Status, job.StatusDetail,
			job.ResultRef, job.Version, timestampsJSON, execVersionJSON,
			job.ActualBackend, job.RawSizeBytes, job.EncodedSizeBytes,
			job.SaveJob, job.CancelledReportObserved, nullableTime(job.JobExpiry),
			job.CreatedAt, job.UpdatedAt,
		)
		return e
	})
	if err != nil {
		util.RecordSpanError(span, err)
		return apierror.Internal("insert job record", err)
	}
	return nil
}

// Get fetches a job by ID, returning apierror.CodeNotFound if absent.
func (s *Store) Get(ctx context.Context, jobID string) (*model.Job, error) {
	ctx, span := tracer.Tracer().Start(ctx, "recordstore/Get")
	defer span.End()

	fetch := func() (*model.Job, error) {
		row := s.db.Pool.QueryRow(ctx, "SELECT "+selectColumns+" FROM jobs WHERE job_id = $1", jobID)
		return scanJob(row)
	}

	job, err := fetch()
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		job, err = fetch()
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apierror.New(apierror.CodeNotFound, "job not found")
	}
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, apierror.Internal("fetch job record", err)
	}
	return job, nil
}

// ErrVersionConflict is returned internally by CompareAndSwap when the
// stored version no longer matches the caller's expectation; the
// lifecycle coordinator maps this to one local retry before surfacing
// apierror.CodeConcurrentModification.
var ErrVersionConflict = errors.New("record store: version conflict")

// CompareAndSwap writes job's lifecycle fields (status, status_detail,
// result_ref, timestamps, exec_version, actual_backend, the result sizes,
// cancelled_report_observed, job_expiry, updated_at) conditioned on the
// stored version still equaling expectedVersion, incrementing the version
// on success. The fields set at submission, settings included, are not
// rewritten. Returns ErrVersionConflict on a stale read.
func (s *Store) CompareAndSwap(ctx context.Context, job *model.Job, expectedVersion int64) error {
	ctx, span := tracer.Tracer().Start(ctx, "recordstore/CompareAndSwap")
	defer span.End()

	_, err := json.Marshal(job.Settings)
	if err != nil {
		return apierror.Internal("marshal job settings", err)
	}
	timestampsJSON, err := json.Marshal(job.Timestamps)
	if err != nil {
		return apierror.Internal("marshal job timestamps", err)
	}
	execVersionJSON, err := json.Marshal(job.ExecVersion)
	if err != nil {
		return apierror.Internal("marshal exec version", err)
	}

	var rowsAffected int64
	err = util.RetryOnce(func() error {
		tag, e := s.db.Pool.Exec(ctx, `
			UPDATE jobs SET
				status = $1, status_detail = $2,
				result_ref = $3, version = version + 1,
				timestamps = $4, exec_version = $5,
				actual_backend = $6, raw_size_bytes = $7, encoded_size_bytes = $8,
				cancelled_report_observed = $9, job_expiry = $10, updated_at = $11
			WHERE job_id = $12 AND version = $13`,
			job.Status, job.StatusDetail,
			job.ResultRef, timestampsJSON, execVersionJSON,
			job.ActualBackend, job.RawSizeBytes, job.EncodedSizeBytes,
			job.CancelledReportObserved, nullableTime(job.JobExpiry), job.UpdatedAt,
			job.JobID, expectedVersion,
		)
		if e != nil {
			return e
		}
		rowsAffected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		util.RecordSpanError(span, err)
		return apierror.Internal("compare-and-swap job record", err)
	}
	if rowsAffected == 0 {
		return ErrVersionConflict
	}
	job.Version = expectedVersion + 1
	return nil
}

// ListByStatus returns every job record currently in status, used by
// startup queue restoration and the timeout sweeper.
func (s *Store) ListByStatus(ctx context.Context, status model.Status) ([]*model.Job, error) {
	ctx, span := tracer.Tracer().Start(ctx, "recordstore/ListByStatus")
	defer span.End()

	var rows pgx.Rows
	err := util.RetryOnce(func() error {
		r, e := s.db.Pool.Query(ctx, "SELECT "+selectColumns+" FROM jobs WHERE status = $1", status)
		if e != nil {
			return e
		}
		rows = r
		return nil
	})
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, apierror.Internal("list jobs by status", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			util.RecordSpanError(span, err)
			return nil, apierror.Internal("scan job record", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		util.RecordSpanError(span, err)
		return nil, apierror.Internal("iterate job records", err)
	}
	return jobs, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
