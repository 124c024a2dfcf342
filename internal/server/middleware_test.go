package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestRequestIDMiddlewareGeneratesID(t *testing.T) {
	var captured string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = GetRequestID(r.Context())
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if captured == "" {
		t.Fatal("no request ID in context")
	}
	if _, err := uuid.Parse(captured); err != nil {
		t.Errorf("request ID %q is not a UUID", captured)
	}
	if got := w.Header().Get("X-Request-ID"); got != captured {
		t.Errorf("header = %q, context = %q", got, captured)
	}
}

func TestRequestIDMiddlewareHonorsInbound(t *testing.T) {
	var captured string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "caller-supplied")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if captured != "caller-supplied" {
		t.Errorf("request ID = %q", captured)
	}
}

func TestGetRequestIDWithoutMiddleware(t *testing.T) {
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID on bare context = %q", got)
	}
}

func TestLoggingMiddlewareEmitsFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		AddLogField(r.Context(), "model", "llama3")
		AddError(r.Context(), fmt.Errorf("scan failed"))
		w.WriteHeader(http.StatusForbidden)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/chat", nil))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line not JSON: %v (%s)", err, buf.String())
	}

	if entry["msg"] != "request completed" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["status"] != float64(http.StatusForbidden) {
		t.Errorf("status = %v", entry["status"])
	}
	if entry["path"] != "/api/chat" {
		t.Errorf("path = %v", entry["path"])
	}
	if entry["model"] != "llama3" {
		t.Errorf("model field = %v", entry["model"])
	}
	if entry["error"] != "scan failed" {
		t.Errorf("error field = %v", entry["error"])
	}
}

func TestAddLogFieldNoopWithoutMiddleware(t *testing.T) {
	// Must not panic on a context the middleware never touched.
	AddLogField(context.Background(), "key", "value")
	AddError(context.Background(), fmt.Errorf("err"))
}

func TestLoggingResponseWriterFlush(t *testing.T) {
	rec := httptest.NewRecorder()
	wrapped := &loggingResponseWriter{ResponseWriter: rec, statusCode: http.StatusOK}

	wrapped.Flush()
	if !rec.Flushed {
		t.Error("flush not forwarded")
	}
}

func TestTimeoutMiddlewareCancelsContext(t *testing.T) {
	done := make(chan struct{})
	handler := TimeoutMiddleware(10 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
			t.Error("context never cancelled")
		}
		close(done)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	<-done
}

func TestPassthroughProxies(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("path = %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"models":[]}`)
	}))
	defer backend.Close()

	proxy, err := Passthrough(backend.URL, slog.Default())
	if err != nil {
		t.Fatalf("Passthrough returned error: %v", err)
	}

	w := httptest.NewRecorder()
	proxy.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/tags", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
	if w.Body.String() != `{"models":[]}` {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestPassthroughBadGatewayOnDeadBackend(t *testing.T) {
	// A port from a closed listener: connection refused.
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := backend.URL
	backend.Close()

	proxy, err := Passthrough(deadURL, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	if err != nil {
		t.Fatalf("Passthrough returned error: %v", err)
	}

	w := httptest.NewRecorder()
	proxy.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/tags", nil))

	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
}
