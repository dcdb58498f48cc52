// Package admission enforces per-role and per-token concurrent-job and
// job-size quotas ahead of queueing: atomic check-and-increment under a
// single mutex, O(1), no blocking.
package admission

import (
	"sync"

	"github.com/quantumcloud/qscheduler/internal/model"
)

// Result is the outcome of a reservation attempt.
type Result int

const (
	ResultOK Result = iota
	ResultRejectSize
	ResultRejectQuota
)

// Limits is one role's quota: maximum concurrently active jobs and the
// largest single job payload it may submit.
type Limits struct {
	MaxConcurrentJobs int
	MaxJobBytes       int64
}

// Controller holds the active-job counters and quotas for every role,
// plus an optional per-token cap layered on top of the role quota.
type Controller struct {
	mu sync.Mutex

	limits     map[model.Role]Limits
	activeJobs map[model.Role]int

	maxJobsPerToken int // 0 means unlimited
	activeByToken   map[string]int
}

// New builds a Controller. maxJobsPerToken of 0 disables the per-token
// cap.
func New(limits map[model.Role]Limits, maxJobsPerToken int) *Controller {
	return &Controller{
		limits:          limits,
		activeJobs:      make(map[model.Role]int),
		maxJobsPerToken: maxJobsPerToken,
		activeByToken:   make(map[string]int),
	}
}

// TryReserve attempts to admit one job of sizeBytes for role/tokenName,
// atomically incrementing the counters on success.
func (c *Controller) TryReserve(role model.Role, tokenName string, sizeBytes int64) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	limits, ok := c.limits[role]
	if !ok {
		limits = c.limits[model.RoleUnknown]
	}

	if sizeBytes > limits.MaxJobBytes {
		return ResultRejectSize
	}
	if c.activeJobs[role] >= limits.MaxConcurrentJobs {
		return ResultRejectQuota
	}
	if c.maxJobsPerToken > 0 && c.activeByToken[tokenName] >= c.maxJobsPerToken {
		return ResultRejectQuota
	}

	c.activeJobs[role]++
	c.activeByToken[tokenName]++
	return ResultOK
}

// Release decrements role/tokenName's active-job counters. Fails
// silently if already at zero — that would signal a coordinator bug.
func (c *Controller) Release(role model.Role, tokenName string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.activeJobs[role] > 0 {
		c.activeJobs[role]--
	}
	if c.activeByToken[tokenName] > 0 {
		c.activeByToken[tokenName]--
		if c.activeByToken[tokenName] == 0 {
			delete(c.activeByToken, tokenName)
		}
	}
}

// ActiveJobs reports the current active-job count for role, for
// diagnostics and tests.
func (c *Controller) ActiveJobs(role model.Role) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeJobs[role]
}
