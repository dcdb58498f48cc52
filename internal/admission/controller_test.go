package admission

import (
	"testing"

	"github.com/quantumcloud/qscheduler/internal/model"
)

func testLimits() map[model.Role]Limits {
	return map[model.Role]Limits{
		model.RoleAdmin:     {MaxConcurrentJobs: 1000, MaxJobBytes: 10 << 20},
		model.RoleDeveloper: {MaxConcurrentJobs: 2, MaxJobBytes: 10 << 20},
		model.RoleGuest:     {MaxConcurrentJobs: 1, MaxJobBytes: 1 << 20},
	}
}

func TestTryReserveOK(t *testing.T) {
	c := New(testLimits(), 0)
	if r := c.TryReserve(model.RoleDeveloper, "alice", 1024); r != ResultOK {
		t.Fatalf("expected OK, got %v", r)
	}
	if got := c.ActiveJobs(model.RoleDeveloper); got != 1 {
		t.Fatalf("expected 1 active job, got %d", got)
	}
}

func TestTryReserveRejectSize(t *testing.T) {
	c := New(testLimits(), 0)
	if r := c.TryReserve(model.RoleGuest, "bob", 2<<20); r != ResultRejectSize {
		t.Fatalf("expected REJECT_SIZE, got %v", r)
	}
}

func TestTryReserveRejectQuota(t *testing.T) {
	c := New(testLimits(), 0)
	if r := c.TryReserve(model.RoleGuest, "bob", 1024); r != ResultOK {
		t.Fatalf("expected first reservation to succeed, got %v", r)
	}
	if r := c.TryReserve(model.RoleGuest, "carol", 1024); r != ResultRejectQuota {
		t.Fatalf("expected REJECT_QUOTA, got %v", r)
	}
}

func TestReleaseAllowsReReservation(t *testing.T) {
	c := New(testLimits(), 0)
	c.TryReserve(model.RoleGuest, "bob", 1024)
	c.Release(model.RoleGuest, "bob")
	if r := c.TryReserve(model.RoleGuest, "carol", 1024); r != ResultOK {
		t.Fatalf("expected reservation to succeed after release, got %v", r)
	}
}

func TestReleaseAtZeroIsSilent(t *testing.T) {
	c := New(testLimits(), 0)
	c.Release(model.RoleGuest, "nobody")
	if got := c.ActiveJobs(model.RoleGuest); got != 0 {
		t.Fatalf("expected 0 active jobs, got %d", got)
	}
}

func TestPerTokenCap(t *testing.T) {
	c := New(testLimits(), 1)
	if r := c.TryReserve(model.RoleAdmin, "dave", 1024); r != ResultOK {
		t.Fatalf("expected first reservation to succeed, got %v", r)
	}
	if r := c.TryReserve(model.RoleAdmin, "dave", 1024); r != ResultRejectQuota {
		t.Fatalf("expected per-token cap to reject second reservation, got %v", r)
	}
}
