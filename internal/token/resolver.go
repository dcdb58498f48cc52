// Package token resolves an opaque caller token to its name, role, and
// expiry against the external token-info service over plain net/http,
// consistent with the scheduler's own RPC surfaces. The resolver caches
// nothing by contract — every call is a live lookup.
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/quantumcloud/qscheduler/internal/apierror"
	"github.com/quantumcloud/qscheduler/internal/model"
	"github.com/quantumcloud/qscheduler/internal/util"
)

// Info is the resolved identity behind a token.
type Info struct {
	Name      string
	Role      model.Role
	ExpiresAt time.Time // zero means no expiry
}

// IsExpired reports whether the token had already expired at instant t.
func (i Info) IsExpired(t time.Time) bool {
	return !i.ExpiresAt.IsZero() && i.ExpiresAt.Before(t)
}

type lookupResponse struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
	Token  struct {
		Role      string `json:"role"`
		Name      string `json:"name"`
		ExpiresAt string `json:"expires_at,omitempty"` // RFC3339, empty means no expiry
	} `json:"token_info"`
}

// Resolver queries the token-info service over HTTP, once per call.
type Resolver struct {
	baseURL string
	client  *http.Client
}

// New builds a Resolver against the token-info service listening at
// baseURL.
func New(baseURL string) *Resolver {
	return &Resolver{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// Resolve looks up token, returning apierror.CodeUnauthenticated when the
// token-info service reports it unknown.
func (r *Resolver) Resolve(ctx context.Context, rawToken string) (Info, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/tokens/"+rawToken, nil)
	if err != nil {
		return Info{}, apierror.Internal("build token lookup request", err)
	}

	var resp *http.Response
	err = util.RetryOnce(func() error {
		res, e := r.client.Do(req)
		if e != nil {
			return e
		}
		resp = res
		return nil
	})
	if err != nil {
		return Info{}, apierror.Internal("call token-info service", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Info{}, apierror.New(apierror.CodeUnauthenticated, "unknown token")
	}
	if resp.StatusCode != http.StatusOK {
		return Info{}, apierror.Internal(fmt.Sprintf("token-info service returned status %d", resp.StatusCode), nil)
	}

	var body lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Info{}, apierror.Internal("decode token-info response", err)
	}

	switch body.Status {
	case "OK":
	case "NOT_FOUND":
		return Info{}, apierror.New(apierror.CodeUnauthenticated, "unknown token")
	default:
		return Info{}, apierror.Internal(fmt.Sprintf("token-info service returned unexpected status %q: %s", body.Status, body.Detail), nil)
	}

	info := Info{
		Name: body.Token.Name,
		Role: model.ParseRole(body.Token.Role),
	}
	if body.Token.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, body.Token.ExpiresAt)
		if err != nil {
			return Info{}, apierror.Internal("parse token expiry", err)
		}
		info.ExpiresAt = t
	}

	return info, nil
}
