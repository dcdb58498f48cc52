// Package model holds the job record and the value types that flow through
// the scheduler's data model.
package model

import "time"

// Role is the privilege class carried by a token. It governs admission
// quotas (admission.Controller); backend-catalog resolution does not
// depend on it.
type Role string

const (
	RoleAdmin     Role = "ADMIN"
	RoleDeveloper Role = "DEVELOPER"
	RoleGuest     Role = "GUEST"
	// RoleUnknown is the catch-all for any role string the token-info
	// service returns that the scheduler does not recognize. It always
	// resolves to the most conservative quota.
	RoleUnknown Role = "UNKNOWN"
)

// ParseRole promotes a raw role string to the Role enum, falling back to
// RoleUnknown so quota lookup stays total.
func ParseRole(s string) Role {
	switch Role(s) {
	case RoleAdmin, RoleDeveloper, RoleGuest:
		return Role(s)
	default:
		return RoleUnknown
	}
}

// Status is a job's position in the lifecycle state machine.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusTimeout   Status = "TIMEOUT"
)

// IsTerminal reports whether no further transition is legal from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	default:
		return false
	}
}

// StateSavePolicy controls whether intermediate circuit state is retained
// across a job's shots.
type StateSavePolicy string

const (
	StateSaveUnspecified StateSavePolicy = "UNSPECIFIED"
	StateSaveAll         StateSavePolicy = "ALL"
	StateSaveFirstOnly   StateSavePolicy = "FIRST_ONLY"
	StateSaveNone        StateSavePolicy = "NONE"
)

// Settings carries the job's execution parameters, captured verbatim from
// the submit request.
type Settings struct {
	Backend                string          `json:"backend"`
	NShots                 int32           `json:"n_shots"`
	Timeout                time.Duration   `json:"timeout"`
	StateSavePolicy        StateSavePolicy `json:"state_save_policy"`
	ResourceSqueezingLevel float64         `json:"resource_squeezing_level"`
}

// ExecVersion captures the worker-reported software versions for a
// completed execution attempt.
type ExecVersion struct {
	PhysicalLab      string `json:"physical_lab_version,omitempty"`
	QuantumComputer  string `json:"quantum_computer_version,omitempty"`
	Simulator        string `json:"simulator_version,omitempty"`
	SchedulerVersion string `json:"scheduler_version,omitempty"`
}

// Timestamps is the map from lifecycle event name to wall-clock instant.
// Zero time.Time means "not yet reached."
type Timestamps struct {
	SubmittedAt        time.Time `json:"submitted_at,omitempty"`
	QueuedAt           time.Time `json:"queued_at,omitempty"`
	DequeuedAt         time.Time `json:"dequeued_at,omitempty"`
	CompileStartedAt   time.Time `json:"compile_started_at,omitempty"`
	CompileFinishedAt  time.Time `json:"compile_finished_at,omitempty"`
	ExecutionStartedAt time.Time `json:"execution_started_at,omitempty"`
	ExecutionFinishedAt time.Time `json:"execution_finished_at,omitempty"`
	FinishedAt         time.Time `json:"finished_at,omitempty"`
}

// Job is the durable job record, keyed by JobID.
type Job struct {
	JobID             string `json:"job_id"`
	TokenName         string `json:"token_name"`
	Role              Role   `json:"role"`
	SDKVersion        string `json:"sdk_version"`
	BackendRequested  string `json:"backend_requested"`
	BackendCanonical  string `json:"backend_canonical"`
	ProgramRef        string `json:"program_ref"`
	ProgramSizeBytes  int64  `json:"program_size_bytes"`
	Settings          Settings `json:"settings"`

	Status       Status `json:"status"`
	StatusDetail string `json:"status_detail,omitempty"`

	ResultRef string `json:"result_ref,omitempty"`

	// Version is the compare-and-set token for every record-store write.
	Version int64 `json:"version"`

	Timestamps Timestamps `json:"timestamps"`

	ExecVersion     ExecVersion `json:"exec_version"`
	ActualBackend   string      `json:"actual_backend,omitempty"`
	RawSizeBytes    int64       `json:"raw_size_bytes,omitempty"`
	EncodedSizeBytes int64      `json:"encoded_size_bytes,omitempty"`

	SaveJob bool `json:"save_job"`

	// CancelledReportObserved records whether a worker's report against a
	// CANCELLED job was observed, for post-mortem only — it never changes
	// Status.
	CancelledReportObserved bool `json:"cancelled_report_observed,omitempty"`

	// JobExpiry is a hint for the external object-store bucket-lifecycle
	// policy; the scheduler never acts on it itself.
	JobExpiry time.Time `json:"job_expiry,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep-enough copy of j for the coordinator to mutate
// before a conditional write without aliasing the caller's record.
func (j *Job) Clone() *Job {
	c := *j
	return &c
}
