package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/quantumcloud/qscheduler/internal/apierror"
)

func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestHandleReportExecutionResultRejectsUnknownStatus(t *testing.T) {
	s := &Server{router: nil}

	body, _ := json.Marshal(reportExecutionResultRequest{Status: "BOGUS"})
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/job-1/report", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	s.handleReportExecutionResult(rec, withURLParam(req, "id", "job-1"))

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for unrecognized status, got %d", rec.Code)
	}

	var errBody errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &errBody); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if errBody.Code != string(apierror.CodeIllegalTransition) {
		t.Fatalf("unexpected error code: %+v", errBody)
	}
}

func TestWorkerStatusMapping(t *testing.T) {
	cases := map[string]string{
		"SUCCESS": "COMPLETED",
		"FAILURE": "FAILED",
		"TIMEOUT": "TIMEOUT",
	}
	for worker, want := range cases {
		got, ok := workerStatusToJobStatus[worker]
		if !ok {
			t.Fatalf("missing mapping for %q", worker)
		}
		if string(got) != want {
			t.Fatalf("mapping for %q = %q, want %q", worker, got, want)
		}
	}
}
