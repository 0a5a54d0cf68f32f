package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"sceneForge/api/dto"
)

func TestTraceID_PropagatesHeader(t *testing.T) {
	var seen string
	h := TraceID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetTraceID(r.Context())
	}))

	req := httptest.NewRequest("GET", "/tasks", nil)
	req.Header.Set("X-Trace-ID", "trace-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen != "trace-123" || rec.Header().Get("X-Trace-ID") != "trace-123" {
		t.Errorf("Expected trace-123 in context and header, got %q / %q", seen, rec.Header().Get("X-Trace-ID"))
	}
}

func TestTraceID_GeneratesWhenMissing(t *testing.T) {
	h := TraceID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/tasks", nil))

	if rec.Header().Get("X-Trace-ID") == "" {
		t.Error("Expected a generated trace id")
	}
}

func TestLogging_RecordsStatus(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("{}"))
	}), TraceID, Logging(zap.New(core)))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/tasks/images", nil))

	entries := logs.FilterMessage("Request completed").All()
	if len(entries) != 1 {
		t.Fatalf("Expected one log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["status"] != int64(http.StatusAccepted) || fields["bytes"] != int64(2) || fields["trace_id"] == "" {
		t.Errorf("Unexpected fields: %v", fields)
	}
}

func TestRecovery_ReturnsJSON(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}), TraceID, Recovery(zap.New(core)))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/tasks", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("Expected status 500, got %d", rec.Code)
	}
	var resp dto.ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.TraceID == "" || resp.Code != "internal_error" {
		t.Errorf("Unexpected response: %+v", resp)
	}
	if logs.FilterMessage("Panic recovered").Len() != 1 {
		t.Error("Expected the panic to be logged")
	}
}

func TestTraceID_UsesActiveSpan(t *testing.T) {
	tid, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	sid, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid})

	var seen string
	h := TraceID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetTraceID(r.Context())
	}))
	req := httptest.NewRequest("GET", "/tasks", nil)
	req = req.WithContext(trace.ContextWithSpanContext(req.Context(), sc))
	h.ServeHTTP(httptest.NewRecorder(), req)

	if seen != tid.String() {
		t.Errorf("Expected span trace id %s, got %s", tid, seen)
	}
}
