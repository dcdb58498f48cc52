package submission

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/quantumcloud/qscheduler/internal/apierror"
)

func TestReadMultipartSubmitRejectsNonMultipart(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Content-Type", "application/json")

	_, _, err := readMultipartSubmit(req)
	if apierror.Of(err) != apierror.CodeInternal {
		t.Fatalf("expected rejection for non-multipart body, got %v", err)
	}
}

func TestReadMultipartSubmitParsesMetadataAndProgram(t *testing.T) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	meta, _ := json.Marshal(submitJobRequest{SDKVersion: "1.2.3", Backend: "qpu-alpha", SaveJob: true})
	_ = w.WriteField("metadata", string(meta))

	part, _ := w.CreateFormFile("program", "program.bin")
	_, _ = part.Write([]byte("OPENQASM 3.0;"))
	_ = w.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())

	program, parsed, err := readMultipartSubmit(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(program) != "OPENQASM 3.0;" {
		t.Fatalf("unexpected program bytes: %q", program)
	}
	if parsed.SDKVersion != "1.2.3" || parsed.Backend != "qpu-alpha" || !parsed.SaveJob {
		t.Fatalf("unexpected parsed metadata: %+v", parsed)
	}
}

func TestWriteErrorMapsCodeToStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, apierror.New(apierror.CodeQuotaExceeded, "too many jobs"))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}

	var body errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Code != string(apierror.CodeQuotaExceeded) {
		t.Fatalf("unexpected error code in body: %+v", body)
	}
}
