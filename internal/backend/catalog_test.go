package backend

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/quantumcloud/qscheduler/internal/apierror"
)

const sampleDoc = `
[[backend]]
name = "qpu-alpha"
aliases = ["alpha", "qa"]
status = "available"
description = "primary QPU"

[[backend]]
name = "emulator"
aliases = ["sim"]
status = "maintenance"
description = "software emulator"
`

type fakeSSM struct {
	value string
}

func (f *fakeSSM) GetParameter(_ context.Context, _ *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	return &ssm.GetParameterOutput{
		Parameter: &types.Parameter{Value: aws.String(f.value)},
	}, nil
}

func newTestCatalog(doc string, unify bool) *Catalog {
	c := New(nil, "param", unify)
	c.client = &fakeSSM{value: doc}
	return c
}

func TestResolveByCanonicalName(t *testing.T) {
	c := newTestCatalog(sampleDoc, false)
	r, err := c.Resolve(context.Background(), "qpu-alpha")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Canonical != "qpu-alpha" || r.Status != StatusAvailable {
		t.Fatalf("unexpected resolution: %+v", r)
	}
}

func TestResolveByAlias(t *testing.T) {
	c := newTestCatalog(sampleDoc, false)
	r, err := c.Resolve(context.Background(), "sim")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Canonical != "emulator" || r.Status != StatusMaintenance {
		t.Fatalf("unexpected resolution: %+v", r)
	}
}

func TestResolveUnknownBackend(t *testing.T) {
	c := newTestCatalog(sampleDoc, false)
	_, err := c.Resolve(context.Background(), "nope")
	if apierror.Of(err) != apierror.CodeUnknownBackend {
		t.Fatalf("expected UNKNOWN_BACKEND, got %v", err)
	}
}

func TestResolveUnifyBackends(t *testing.T) {
	c := newTestCatalog(sampleDoc, true)
	r, err := c.Resolve(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Canonical != unifiedCanonicalName {
		t.Fatalf("expected unified canonical name, got %q", r.Canonical)
	}
}

func TestIsDispatchEligible(t *testing.T) {
	c := newTestCatalog(sampleDoc, false)

	ok, err := c.IsDispatchEligible(context.Background(), "qpu-alpha")
	if err != nil || !ok {
		t.Fatalf("expected qpu-alpha eligible, got ok=%v err=%v", ok, err)
	}

	ok, err = c.IsDispatchEligible(context.Background(), "emulator")
	if err != nil || ok {
		t.Fatalf("expected emulator (maintenance) ineligible, got ok=%v err=%v", ok, err)
	}
}
