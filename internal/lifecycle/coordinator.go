// Package lifecycle owns the job state machine: SubmitJob, CancelJob,
// AssignNextJob, ReportExecutionResult, RefreshUploadURL, the timeout
// sweeper, and startup queue restoration, built over the scheduler's own
// record store, object store, admission controller, queue, and message
// log gateways.
package lifecycle

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/quantumcloud/qscheduler/internal/admission"
	"github.com/quantumcloud/qscheduler/internal/apierror"
	"github.com/quantumcloud/qscheduler/internal/backend"
	"github.com/quantumcloud/qscheduler/internal/logger"
	"github.com/quantumcloud/qscheduler/internal/messagelog"
	"github.com/quantumcloud/qscheduler/internal/model"
	"github.com/quantumcloud/qscheduler/internal/objectstore"
	"github.com/quantumcloud/qscheduler/internal/queue"
	"github.com/quantumcloud/qscheduler/internal/recordstore"
	"github.com/quantumcloud/qscheduler/internal/util"
)

// JobExpiryWindow is the hint stamped on every terminal record for the
// object-store bucket's lifecycle policy.
const JobExpiryWindow = 30 * 24 * time.Hour

// Coordinator wires the admission controller, job queue, record store,
// object store, message log, and backend catalog into the job state
// machine. It is the sole writer of the record store; both RPC surfaces
// call into it.
type Coordinator struct {
	admission *admission.Controller
	queue     *queue.Queue
	records   *recordstore.Store
	objects   *objectstore.Gateway
	messages  *messagelog.Log
	catalog   *backend.Catalog
}

// New builds a Coordinator over its component gateways.
func New(adm *admission.Controller, q *queue.Queue, records *recordstore.Store, objects *objectstore.Gateway, messages *messagelog.Log, catalog *backend.Catalog) *Coordinator {
	return &Coordinator{admission: adm, queue: q, records: records, objects: objects, messages: messages, catalog: catalog}
}

// SubmitInput carries everything SubmitJob needs beyond the resolved
// identity.
type SubmitInput struct {
	TokenName  string
	Role       model.Role
	SDKVersion string
	Backend    string
	Program    []byte
	Settings   model.Settings
	SaveJob    bool
}

// SubmitJob resolves the backend, reserves admission, uploads the
// program, writes the initial QUEUED record, and enqueues it.
func (c *Coordinator) SubmitJob(ctx context.Context, in SubmitInput) (string, error) {
	resolved, err := c.catalog.Resolve(ctx, in.Backend)
	if err != nil {
		return "", err
	}
	if resolved.Status != backend.StatusAvailable {
		return "", apierror.Newf(apierror.CodeBackendUnavailable, "backend %q is %s", in.Backend, resolved.Status)
	}

	size := int64(len(in.Program))
	switch c.admission.TryReserve(in.Role, in.TokenName, size) {
	case admission.ResultRejectSize:
		return "", apierror.New(apierror.CodePayloadTooLarge, "program exceeds the role's job size limit")
	case admission.ResultRejectQuota:
		return "", apierror.New(apierror.CodeQuotaExceeded, "role or token concurrent-job quota exceeded")
	}

	jobID, err := uuid.NewV7()
	if err != nil {
		c.admission.Release(in.Role, in.TokenName)
		return "", apierror.Internal("generate job ID", err)
	}
	id := jobID.String()

	if err := c.objects.UploadJobInput(ctx, id, in.Program, string(in.Role), in.SaveJob); err != nil {
		c.admission.Release(in.Role, in.TokenName)
		return "", err
	}

	now := time.Now().UTC()
	job := &model.Job{
		JobID:            id,
		TokenName:        in.TokenName,
		Role:             in.Role,
		SDKVersion:       in.SDKVersion,
		BackendRequested: in.Backend,
		BackendCanonical: resolved.Canonical,
		ProgramRef:       util.JobInputKey(id),
		ProgramSizeBytes: size,
		Settings:         in.Settings,
		Status:           model.StatusQueued,
		SaveJob:          in.SaveJob,
		Timestamps: model.Timestamps{
			SubmittedAt: now,
			QueuedAt:    now,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := c.records.Insert(ctx, job); err != nil {
		c.admission.Release(in.Role, in.TokenName)
		c.removeJobInputBestEffort(id)
		return "", err
	}

	c.appendMessage(ctx, job, "queued for dispatch")

	// The RPC may have been cancelled between admission and here; catch
	// it before enqueuing so the admission slot and the uploaded program
	// are released rather than left attached to a queue entry nobody
	// will ever dequeue.
	if ctx.Err() != nil {
		c.failAndRelease(context.Background(), job, model.StatusQueued, "submitting RPC was cancelled")
		c.removeJobInputBestEffort(id)
		return "", ctx.Err()
	}

	result := c.queue.Enqueue(queue.Entry{
		JobID:            id,
		BackendCanonical: resolved.Canonical,
		SizeBytes:        size,
		EnqueuedAt:       now,
	})
	if result == queue.EnqueueRejectMemory {
		c.failAndRelease(ctx, job, model.StatusQueued, "queue full")
		c.removeJobInputBestEffort(id)
		return "", apierror.New(apierror.CodeResourceExhausted, "job queue is full")
	}

	return id, nil
}

// removeJobInputBestEffort deletes a just-uploaded program object on a
// SubmitJob rollback path. It runs on its own short-lived context so
// cleanup still happens when the caller's own context has already been
// cancelled or deadlined.
func (c *Coordinator) removeJobInputBestEffort(jobID string) {
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.objects.RemoveJobInput(cleanupCtx, jobID); err != nil {
		jobLog := logger.ForJob(jobID)
		jobLog.Warn().Err(err).Msg("failed to remove orphaned job input object")
	}
}

// CancelJob cancels a queued or running job owned by tokenName.
func (c *Coordinator) CancelJob(ctx context.Context, tokenName, jobID string) error {
	job, err := c.records.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.TokenName != tokenName {
		return apierror.New(apierror.CodeUnauthorized, "token does not own this job")
	}
	if job.Status.IsTerminal() {
		return apierror.New(apierror.CodeAlreadyTerminal, "job is already in a terminal state")
	}

	if job.Status == model.StatusQueued {
		c.queue.Drop(jobID)
	}

	return c.transition(ctx, job, job.Status, model.StatusCancelled, "cancelled by caller")
}

// Report carries a worker's execution outcome.
type Report struct {
	JobID       string
	Outcome     model.Status // COMPLETED, FAILED, or TIMEOUT
	Detail      string
	ResultRef   string
	ExecVersion model.ExecVersion
	ActualBackend string
	RawSizeBytes  int64
	EncodedSizeBytes int64

	// Timestamps carries the worker's own view of compile/execution
	// timing. The worker is authoritative for CompileStartedAt,
	// CompileFinishedAt, ExecutionStartedAt, and ExecutionFinishedAt;
	// zero fields are left untouched on the stored record.
	Timestamps model.Timestamps
}

// ReportExecutionResult applies a worker's report to the job record. A
// report against an already-CANCELLED job is accepted but never changes
// status; a duplicate report against a terminal record with a matching
// outcome is accepted as idempotent; a conflicting one is
// ILLEGAL_TRANSITION.
func (c *Coordinator) ReportExecutionResult(ctx context.Context, r Report) error {
	job, err := c.records.Get(ctx, r.JobID)
	if err != nil {
		return err
	}

	if job.Status == model.StatusCancelled {
		job.CancelledReportObserved = true
		job.ExecVersion = r.ExecVersion
		job.UpdatedAt = time.Now().UTC()
		return c.casWithRetry(ctx, job, model.StatusCancelled)
	}
	if job.Status.IsTerminal() {
		if job.Status == r.Outcome {
			return nil
		}
		return apierror.New(apierror.CodeIllegalTransition, "conflicting report against a terminal job")
	}
	if job.Status != model.StatusRunning {
		return apierror.New(apierror.CodeIllegalTransition, "report received for a job that is not running")
	}

	job.ExecVersion = r.ExecVersion
	job.ActualBackend = r.ActualBackend
	job.RawSizeBytes = r.RawSizeBytes
	job.EncodedSizeBytes = r.EncodedSizeBytes

	// The worker is authoritative for compile_*/execution_*; overwrite
	// outright rather than defaulting, so a late or corrected report
	// still lands the worker's own values. finished_at is always
	// coordinator-stamped in transition.
	if !r.Timestamps.CompileStartedAt.IsZero() {
		job.Timestamps.CompileStartedAt = r.Timestamps.CompileStartedAt
	}
	if !r.Timestamps.CompileFinishedAt.IsZero() {
		job.Timestamps.CompileFinishedAt = r.Timestamps.CompileFinishedAt
	}
	if !r.Timestamps.ExecutionStartedAt.IsZero() {
		job.Timestamps.ExecutionStartedAt = r.Timestamps.ExecutionStartedAt
	}
	if !r.Timestamps.ExecutionFinishedAt.IsZero() {
		job.Timestamps.ExecutionFinishedAt = r.Timestamps.ExecutionFinishedAt
	}

	if r.Outcome == model.StatusCompleted {
		job.ResultRef = r.ResultRef
	}

	if err := c.transition(ctx, job, model.StatusRunning, r.Outcome, r.Detail); err != nil {
		return err
	}

	if r.Outcome == model.StatusCompleted {
		if err := c.objects.TagResult(ctx, r.JobID, string(job.Role), job.SaveJob); err != nil {
			jobLog := logger.ForJob(r.JobID)
			jobLog.Warn().Err(err).Msg("failed to tag job result object")
		}
	}
	return nil
}

// AssignNextJob dequeues the next job for backend and flips it to
// RUNNING, returning the job record a worker needs. A job that raced
// with a cancellation between enqueue and dequeue is skipped, and
// AssignNextJob loops back to queue.Take for the next entry.
func (c *Coordinator) AssignNextJob(ctx context.Context, backendCanonical string) (*model.Job, error) {
	for {
		entry, err := c.queue.Take(ctx, backendCanonical)
		if err != nil {
			return nil, err
		}

		job, err := c.records.Get(ctx, entry.JobID)
		if err != nil {
			jobLog := logger.ForJob(entry.JobID)
			jobLog.Warn().Err(err).Msg("dequeued job has no record, skipping")
			continue
		}
		if job.Status == model.StatusCancelled {
			continue
		}

		now := time.Now().UTC()
		job.Timestamps.DequeuedAt = now
		job.Timestamps.ExecutionStartedAt = now
		if err := c.transition(ctx, job, model.StatusQueued, model.StatusRunning, "dispatched to worker"); err != nil {
			if apierror.Of(err) == apierror.CodeConcurrentModification {
				continue
			}
			return nil, err
		}
		return job, nil
	}
}

// RefreshUploadURL re-issues a presigned PUT URL for a RUNNING job's
// result key.
func (c *Coordinator) RefreshUploadURL(ctx context.Context, jobID string) (string, time.Time, error) {
	job, err := c.records.Get(ctx, jobID)
	if err != nil {
		return "", time.Time{}, err
	}
	if job.Status != model.StatusRunning {
		return "", time.Time{}, apierror.New(apierror.CodeIllegalTransition, "upload URL refresh requires a RUNNING job")
	}
	return c.objects.PresignUploadURL(ctx, jobID)
}

// SweepTimeouts transitions every RUNNING record whose deadline has
// passed to TIMEOUT. Run periodically by a background goroutine.
func (c *Coordinator) SweepTimeouts(ctx context.Context) (int, error) {
	running, err := c.records.ListByStatus(ctx, model.StatusRunning)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	swept := 0
	for _, job := range running {
		deadline := job.Timestamps.ExecutionStartedAt.Add(job.Settings.Timeout)
		if job.Timestamps.ExecutionStartedAt.IsZero() || now.Before(deadline) {
			continue
		}
		if err := c.transition(ctx, job, model.StatusRunning, model.StatusTimeout, "execution exceeded its configured timeout"); err != nil {
			jobLog := logger.ForJob(job.JobID)
			jobLog.Error().Err(err).Msg("failed to sweep timed-out job")
			continue
		}
		swept++
	}
	return swept, nil
}

// RestoreQueue re-hydrates the in-memory queue from durable QUEUED
// records and fails every RUNNING record outright, run once at startup
// before either RPC listener accepts. A job cannot still be holding a
// worker across a process restart.
func (c *Coordinator) RestoreQueue(ctx context.Context) error {
	queued, err := c.records.ListByStatus(ctx, model.StatusQueued)
	if err != nil {
		return err
	}

	for _, job := range queued {
		if job.Timestamps.QueuedAt.IsZero() {
			jobLog := logger.ForJob(job.JobID)
			jobLog.Error().Msg("failed to restore queued job: missing queued_at")
			c.failAndRelease(ctx, job, model.StatusQueued, "failed to restore after restart: missing queued_at")
			c.removeJobInputBestEffort(job.JobID)
			continue
		}

		resolved, err := c.catalog.Resolve(ctx, job.BackendRequested)
		if err != nil || resolved.Canonical != job.BackendCanonical {
			jobLog := logger.ForJob(job.JobID)
			jobLog.Error().Err(err).Msg("failed to restore queued job: backend no longer known")
			c.failAndRelease(ctx, job, model.StatusQueued, "failed to restore after restart: unknown backend")
			c.removeJobInputBestEffort(job.JobID)
			continue
		}

		result := c.queue.Enqueue(queue.Entry{
			JobID:            job.JobID,
			BackendCanonical: job.BackendCanonical,
			SizeBytes:        job.ProgramSizeBytes,
			EnqueuedAt:       job.Timestamps.QueuedAt,
		})
		if result == queue.EnqueueRejectMemory {
			jobLog := logger.ForJob(job.JobID)
			jobLog.Error().Msg("failed to restore queued job: queue full")
			c.failAndRelease(ctx, job, model.StatusQueued, "failed to restore after restart: queue full")
			c.removeJobInputBestEffort(job.JobID)
		}
	}

	running, err := c.records.ListByStatus(ctx, model.StatusRunning)
	if err != nil {
		return err
	}
	for _, job := range running {
		if err := c.transition(ctx, job, model.StatusRunning, model.StatusFailed, "scheduler restarted while job was running"); err != nil {
			jobLog := logger.ForJob(job.JobID)
			jobLog.Error().Err(err).Msg("failed to fail running job during restart")
		}
	}

	return nil
}

// transition runs the conditional-write protocol: produce the new
// record, CAS, retry once on conflict, append to the message log, and
// release admission on terminal states. fromStatus is the status job
// was read in; if a concurrent writer has already moved the record past
// that status by the time the retry fires, the transition is abandoned
// rather than clobbering the winner — the cancellation-wins race.
func (c *Coordinator) transition(ctx context.Context, job *model.Job, fromStatus, newStatus model.Status, detail string) error {
	job.Status = newStatus
	job.StatusDetail = detail
	job.UpdatedAt = time.Now().UTC()
	if newStatus.IsTerminal() {
		job.Timestamps.FinishedAt = job.UpdatedAt
		job.JobExpiry = job.UpdatedAt.Add(JobExpiryWindow)
	}

	if err := c.casWithRetry(ctx, job, fromStatus); err != nil {
		return err
	}

	c.appendMessage(ctx, job, detail)

	if newStatus.IsTerminal() {
		c.admission.Release(job.Role, job.TokenName)
	}
	return nil
}

// casWithRetry writes job via compare-and-swap, re-reading and retrying
// once on a version conflict before surfacing CONCURRENT_MODIFICATION.
// The retry only re-applies job's already-computed target state if the
// freshly-read record is still in fromStatus; if some other writer has
// already moved it elsewhere, the stale target is never written and the
// caller gets CONCURRENT_MODIFICATION instead.
func (c *Coordinator) casWithRetry(ctx context.Context, job *model.Job, fromStatus model.Status) error {
	expected := job.Version
	err := c.records.CompareAndSwap(ctx, job, expected)
	if err == nil {
		return nil
	}
	if err != recordstore.ErrVersionConflict {
		return err
	}

	fresh, getErr := c.records.Get(ctx, job.JobID)
	if getErr != nil {
		return getErr
	}
	if fresh.Status != fromStatus {
		return apierror.New(apierror.CodeConcurrentModification, "job record was modified concurrently")
	}
	job.Version = fresh.Version

	if err := c.records.CompareAndSwap(ctx, job, job.Version); err != nil {
		if err == recordstore.ErrVersionConflict {
			return apierror.New(apierror.CodeConcurrentModification, "job record was modified concurrently")
		}
		return err
	}
	return nil
}

func (c *Coordinator) failAndRelease(ctx context.Context, job *model.Job, fromStatus model.Status, detail string) {
	if err := c.transition(ctx, job, fromStatus, model.StatusFailed, detail); err != nil {
		jobLog := logger.ForJob(job.JobID)
		jobLog.Error().Err(err).Msg("failed to mark job as failed")
	}
}

func (c *Coordinator) appendMessage(ctx context.Context, job *model.Job, detail string) {
	c.messages.Append(ctx, job.JobID, messagelog.Entry{
		At:      job.UpdatedAt,
		Status:  string(job.Status),
		Detail:  detail,
		Version: job.Version,
	})
}
