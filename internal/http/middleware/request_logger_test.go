package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/workcomp-booking/pkg/logging"
)

func TestRequestLoggerRecordsStatusAndRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithWriter(&buf, "info")

	h := chimw.RequestID(RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})))
	req := httptest.NewRequest(http.MethodPost, "/webhook-handler", nil)
	req.Header.Set("X-Request-Id", "req-123")
	h.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if entry["level"] != "ERROR" {
		t.Fatalf("expected 5xx to log at error, got %v", entry["level"])
	}
	if entry["status"] != float64(http.StatusServiceUnavailable) {
		t.Fatalf("unexpected status %v", entry["status"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id %v", entry["request_id"])
	}
	if entry["path"] != "/webhook-handler" {
		t.Fatalf("unexpected path %v", entry["path"])
	}
}
