package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRequestLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := RequestLogging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := RequestIDFromContext(r.Context()); !ok {
			t.Error("request id missing from context")
		}
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/flags", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d: %s", len(lines), buf.String())
	}

	var completed struct {
		Msg        string `json:"msg"`
		RequestID  string `json:"request_id"`
		StatusCode int    `json:"status_code"`
		Path       string `json:"path"`
	}
	if err := json.Unmarshal([]byte(lines[1]), &completed); err != nil {
		t.Fatalf("unmarshal completed line: %v", err)
	}
	if completed.Msg != "request completed" {
		t.Fatalf("msg = %q", completed.Msg)
	}
	if completed.StatusCode != http.StatusTeapot {
		t.Fatalf("status_code = %d, want %d", completed.StatusCode, http.StatusTeapot)
	}
	if completed.RequestID == "" {
		t.Fatal("request_id missing from log line")
	}
	if completed.Path != "/v1/flags" {
		t.Fatalf("path = %q", completed.Path)
	}
}

func TestResponseWriterDefaultsTo200(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}

	if _, err := rw.Write([]byte("ok")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if rw.statusCode != http.StatusOK {
		t.Fatalf("statusCode = %d, want 200", rw.statusCode)
	}

	// A later WriteHeader must not overwrite the recorded status.
	rw.WriteHeader(http.StatusInternalServerError)
	if rw.statusCode != http.StatusOK {
		t.Fatalf("statusCode = %d, want 200", rw.statusCode)
	}
}

func TestLoggerFromContextFallback(t *testing.T) {
	if LoggerFromContext(httptest.NewRequest(http.MethodGet, "/", nil).Context()) == nil {
		t.Fatal("LoggerFromContext should fall back to slog.Default")
	}
}
