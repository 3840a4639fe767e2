package httpserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.Service == "" {
		cfg.Service = "worker"
	}
	s, err := New(cfg, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return s
}

func TestRequestIDIsAssignedOrPreserved(t *testing.T) {
	s := newTestServer(t, Config{})
	var seen string
	s.Handle("/probe", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = RequestIDFromContext(r.Context())
	}))
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/probe", nil))
	if got := rec.Header().Get("X-Request-Id"); got == "" || got != seen {
		t.Fatalf("X-Request-Id=%q, context=%q", got, seen)
	}

	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("X-Request-Id", "rid-123")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-Id"); got != "rid-123" {
		t.Fatalf("X-Request-Id=%q, want rid-123", got)
	}
}

func TestPanicBecomes500(t *testing.T) {
	s := newTestServer(t, Config{})
	s.Handle("/boom", http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type=%q, want application/json", ct)
	}
}

func TestReadyz(t *testing.T) {
	s := newTestServer(t, Config{CheckTimeout: 20 * time.Millisecond})
	s.AddCheck(ReadinessCheck{Name: "postgres", Check: func(context.Context) error { return nil }})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ready"`) {
		t.Fatalf("unexpected ready response %d: %s", rec.Code, rec.Body.String())
	}

	s.AddCheck(ReadinessCheck{Name: "redis", Check: func(context.Context) error { return errors.New("dial tcp: refused") }})
	s.AddCheck(ReadinessCheck{Name: "amqp", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{`"status":"not_ready"`, "dial tcp: refused", "context deadline exceeded"} {
		if !strings.Contains(body, want) {
			t.Fatalf("response missing %q: %s", want, body)
		}
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, Config{Service: "openearth-worker"})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"service":"openearth-worker"`) {
		t.Fatalf("unexpected health response %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s := newTestServer(t, Config{Addr: "127.0.0.1:0"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not stop")
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{Addr: ":0"}, nil); err == nil {
		t.Fatalf("expected error without service name")
	}
	s := newTestServer(t, Config{})
	if err := s.Run(context.Background()); err == nil {
		t.Fatalf("expected error without addr")
	}
}
