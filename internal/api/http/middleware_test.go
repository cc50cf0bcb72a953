package apihttp

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestCorsMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		allowed    []string
		origin     string
		wantOrigin string
	}{
		{"empty whitelist reflects any origin", nil, "http://player.example", "http://player.example"},
		{"whitelisted origin", []string{"http://a.example", "http://b.example"}, "http://b.example", "http://b.example"},
		{"whitelist entry trimmed", []string{"  http://a.example/ "}, "http://a.example", "http://a.example"},
		{"origin with trailing slash", []string{"http://a.example"}, "http://a.example/", "http://a.example/"},
		{"unknown origin", []string{"http://a.example"}, "http://evil.example", ""},
		{"no origin header", []string{"http://a.example"}, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/stream/tt1/z10", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := httptest.NewRecorder()
			corsMiddleware(tt.allowed, okHandler()).ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Fatalf("Access-Control-Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if tt.wantOrigin == "" {
				return
			}
			// Players read the partial-content headers cross-origin.
			if got := rec.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, "Range") {
				t.Fatalf("Access-Control-Allow-Headers = %q, want Range listed", got)
			}
			if got := rec.Header().Get("Access-Control-Expose-Headers"); !strings.Contains(got, "Content-Range") {
				t.Fatalf("Access-Control-Expose-Headers = %q, want Content-Range listed", got)
			}
		})
	}
}

func TestCorsPreflightSkipsHandler(t *testing.T) {
	called := false
	handler := corsMiddleware(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodOptions, "/streams/abc/drain", nil)
	req.Header.Set("Origin", "http://player.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if called {
		t.Fatal("preflight reached the handler")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{"stats limited", "/stats", http.StatusTooManyRequests},
		{"drain limited", "/streams/abc/drain", http.StatusTooManyRequests},
		{"stream exempt", "/stream/tt1/z10", http.StatusOK},
		{"metrics exempt", "/metrics", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := rateLimitMiddleware(0.001, 1, okHandler())

			first := httptest.NewRecorder()
			handler.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/stats", nil))
			if first.Code != http.StatusOK {
				t.Fatalf("first request status = %d, want %d", first.Code, http.StatusOK)
			}

			for i := 0; i < 3; i++ {
				rec := httptest.NewRecorder()
				handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
				if rec.Code != tt.wantStatus {
					t.Fatalf("request %d status = %d, want %d", i, rec.Code, tt.wantStatus)
				}
				if tt.wantStatus != http.StatusTooManyRequests {
					continue
				}
				if got := rec.Header().Get("Retry-After"); got != "1" {
					t.Fatalf("Retry-After = %q, want %q", got, "1")
				}
				var body errorEnvelope
				if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
					t.Fatalf("decode body: %v", err)
				}
				if body.Error.Code != "rate_limited" {
					t.Fatalf("error code = %q, want %q", body.Error.Code, "rate_limited")
				}
			}
		})
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantStatus int
	}{
		{"string panic", func(w http.ResponseWriter, r *http.Request) { panic("boom") }, http.StatusInternalServerError},
		{"error panic", func(w http.ResponseWriter, r *http.Request) { panic(errors.New("boom")) }, http.StatusInternalServerError},
		{"no panic", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusPartialContent) }, http.StatusPartialContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			recoveryMiddleware(discardLogger(), tt.handler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream/tt1/z10", nil))
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestRecoveryMiddlewareRepanicsOnAbort(t *testing.T) {
	handler := recoveryMiddleware(discardLogger(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	defer func() {
		if got := recover(); got != http.ErrAbortHandler {
			t.Fatalf("recovered %v, want %v", got, http.ErrAbortHandler)
		}
	}()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/stream/tt1/z10", nil))
}

func TestLoggingMiddlewareRecordsRangeRequest(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	handler := loggingMiddleware(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("0123456789"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/stream/tt1/z10", nil)
	req.Header.Set("Range", "bytes=0-9")
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var entry struct {
		Level    string `json:"level"`
		Status   int    `json:"status"`
		Bytes    int    `json:"bytes"`
		Range    string `json:"range"`
		ClientIP string `json:"clientIP"`
	}
	if err := json.Unmarshal(logs.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", logs.String(), err)
	}
	if entry.Level != "INFO" || entry.Status != http.StatusPartialContent || entry.Bytes != 10 {
		t.Fatalf("got level=%s status=%d bytes=%d, want INFO 206 10", entry.Level, entry.Status, entry.Bytes)
	}
	if entry.Range != "bytes=0-9" {
		t.Fatalf("range = %q, want %q", entry.Range, "bytes=0-9")
	}
	if entry.ClientIP != "203.0.113.7" {
		t.Fatalf("clientIP = %q, want %q", entry.ClientIP, "203.0.113.7")
	}
}

func TestPickRequestLogLevel(t *testing.T) {
	tests := []struct {
		path   string
		status int
		want   slog.Level
	}{
		{"/stream/tt1/z10", http.StatusPartialContent, slog.LevelInfo},
		{"/stream/tt1/z10", http.StatusRequestedRangeNotSatisfiable, slog.LevelWarn},
		{"/stream/tt1/z10", http.StatusGatewayTimeout, slog.LevelError},
		{"/streams/abc/drain", http.StatusNoContent, slog.LevelInfo},
		{"/stats", http.StatusOK, slog.LevelDebug},
		{"/metrics", http.StatusOK, slog.LevelDebug},
		{"/stats", http.StatusInternalServerError, slog.LevelError},
	}

	for _, tt := range tests {
		if got := pickRequestLogLevel(tt.path, tt.status); got != tt.want {
			t.Errorf("pickRequestLogLevel(%q, %d) = %v, want %v", tt.path, tt.status, got, tt.want)
		}
	}
}

func TestNormalizeRoute(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/metrics", "/metrics"},
		{"/stats", "/stats"},
		{"/cleanup", "/cleanup"},
		{"/ws", "/ws"},
		{"/stream/tt0133093/z1a2b3c", "/stream/:id/:size"},
		{"/streams/5f1c/drain", "/streams/:id/drain"},
		{"/streams/5f1c", "/other"},
		{"/", "/other"},
	}

	for _, tt := range tests {
		if got := normalizeRoute(tt.path); got != tt.want {
			t.Errorf("normalizeRoute(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestResponseWriterForwardsFlush(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	if err := http.NewResponseController(rw).Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if !rec.Flushed {
		t.Fatal("flush did not reach the underlying writer")
	}
}

func TestMiddlewareChainRecoversStreamPanic(t *testing.T) {
	logger := discardLogger()
	chain := recoveryMiddleware(logger,
		rateLimitMiddleware(100, 200,
			metricsMiddleware(
				corsMiddleware(nil,
					loggingMiddleware(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
						panic("stream handler")
					}))))))

	req := httptest.NewRequest(http.MethodGet, "/stream/tt1/z10", nil)
	req.Header.Set("Origin", "http://player.example")
	rec := httptest.NewRecorder()
	chain.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
}
