// Package backend resolves requested backend names against the catalog
// document published to parameter store: a flat (canonical name, aliases,
// status, description) entry shape, re-fetched from SSM on every call.
package backend

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/pelletier/go-toml/v2"

	"github.com/quantumcloud/qscheduler/internal/apierror"
	"github.com/quantumcloud/qscheduler/internal/util"
)

// Status is a backend's dispatch eligibility.
type Status string

const (
	StatusAvailable   Status = "available"
	StatusUnavailable Status = "unavailable"
	StatusMaintenance Status = "maintenance"
)

// Entry is one backend as published in the catalog TOML document.
type Entry struct {
	Name        string   `toml:"name"`
	Aliases     []string `toml:"aliases"`
	Status      Status   `toml:"status"`
	Description string   `toml:"description"`
}

type document struct {
	Backend []Entry `toml:"backend"`
}

// unifiedCanonicalName is the stable queue name every backend resolves to
// under --unify-backends.
const unifiedCanonicalName = "unified"

// ssmGetter is the subset of *ssm.Client the catalog depends on, letting
// tests substitute a fake.
type ssmGetter interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Catalog resolves backend names against the parameter-store document,
// re-fetching it on every call so a GetServiceStatus always reflects the
// latest published config.
type Catalog struct {
	client        ssmGetter
	parameterName string
	unify         bool
}

// New builds a Catalog backed by an AWS SSM client.
func New(client *ssm.Client, parameterName string, unify bool) *Catalog {
	return &Catalog{client: client, parameterName: parameterName, unify: unify}
}

func (c *Catalog) fetch(ctx context.Context) (document, error) {
	var out *ssm.GetParameterOutput
	err := util.RetryOnce(func() error {
		o, e := c.client.GetParameter(ctx, &ssm.GetParameterInput{
			Name:           aws.String(c.parameterName),
			WithDecryption: aws.Bool(true),
		})
		if e != nil {
			return e
		}
		out = o
		return nil
	})
	if err != nil {
		return document{}, apierror.Internal("fetch backend status parameter", err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return document{}, apierror.Internal("backend status parameter has no value", nil)
	}

	var doc document
	if err := toml.Unmarshal([]byte(*out.Parameter.Value), &doc); err != nil {
		return document{}, apierror.Internal("parse backend status TOML", err)
	}
	return doc, nil
}

func (c *Catalog) findByAlias(doc document, requested string) (Entry, bool) {
	for _, e := range doc.Backend {
		if e.Name == requested {
			return e, true
		}
		for _, alias := range e.Aliases {
			if alias == requested {
				return e, true
			}
		}
	}
	return Entry{}, false
}

// Resolved is the result of resolving a requested backend name.
type Resolved struct {
	Canonical   string
	Status      Status
	Description string
}

// Resolve maps a caller-requested backend name to its canonical entry.
// Under unify-backends, every known name resolves to the single shared
// dispatch queue name.
func (c *Catalog) Resolve(ctx context.Context, requested string) (Resolved, error) {
	doc, err := c.fetch(ctx)
	if err != nil {
		return Resolved{}, err
	}

	entry, ok := c.findByAlias(doc, requested)
	if !ok {
		return Resolved{}, apierror.Newf(apierror.CodeUnknownBackend, "unknown backend %q", requested)
	}

	canonical := entry.Name
	if c.unify {
		canonical = unifiedCanonicalName
	}

	return Resolved{
		Canonical:   canonical,
		Status:      entry.Status,
		Description: entry.Description,
	}, nil
}

// IsDispatchEligible reports whether the catalog entry that requested
// resolves to (by name or alias) is currently AVAILABLE. It goes through
// Resolve, so under unify-backends it reports the status of the entry
// requested names; the shared unified queue name is not itself an entry
// and resolves to UNKNOWN_BACKEND.
func (c *Catalog) IsDispatchEligible(ctx context.Context, requested string) (bool, error) {
	resolved, err := c.Resolve(ctx, requested)
	if err != nil {
		return false, err
	}
	return resolved.Status == StatusAvailable, nil
}
