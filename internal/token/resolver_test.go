package token

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/quantumcloud/qscheduler/internal/apierror"
	"github.com/quantumcloud/qscheduler/internal/model"
)

func TestResolveOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "OK",
			"token_info": map[string]string{
				"role": "DEVELOPER",
				"name": "alice",
			},
		})
	}))
	defer srv.Close()

	r := New(srv.URL)
	info, err := r.Resolve(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Name != "alice" || info.Role != model.RoleDeveloper {
		t.Fatalf("unexpected info: %+v", info)
	}
	if info.IsExpired(time.Now()) {
		t.Fatalf("token with no expiry should never be expired")
	}
}

func TestResolveNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	r := New(srv.URL)
	_, err := r.Resolve(context.Background(), "unknown")
	if apierror.Of(err) != apierror.CodeUnauthenticated {
		t.Fatalf("expected UNAUTHENTICATED, got %v", err)
	}
}

func TestResolveExpiry(t *testing.T) {
	past := time.Now().Add(-time.Hour).Format(time.RFC3339)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "OK",
			"token_info": map[string]string{
				"role":       "GUEST",
				"name":       "bob",
				"expires_at": past,
			},
		})
	}))
	defer srv.Close()

	r := New(srv.URL)
	info, err := r.Resolve(context.Background(), "tok-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !info.IsExpired(time.Now()) {
		t.Fatalf("expected token to be expired")
	}
}
