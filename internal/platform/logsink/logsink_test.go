package logsink

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func TestFormatLine(t *testing.T) {
	r := slog.NewRecord(time.Date(2024, 1, 2, 3, 4, 5, 6_000_000, time.UTC), slog.LevelInfo, "hello", 0)
	r.AddAttrs(slog.Int("count", 2))
	got := FormatLine(r, []slog.Attr{slog.String("step", "checkout")})
	want := "[INFO] 2024-01-02 03:04:05,006 : hello step=checkout count=2"
	if got != want {
		t.Fatalf("FormatLine() = %q, want %q", got, want)
	}
}

func TestWriterHandlerGroupsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewWriterHandler(&buf, slog.LevelInfo))
	logger.Debug("hidden")
	logger.WithGroup("vm").Info("started", "name", "instance-1")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug record written at info level: %q", out)
	}
	if !strings.Contains(out, "] ") || !strings.HasSuffix(out, " : started vm.name=instance-1\n") {
		t.Fatalf("unexpected line: %q", out)
	}
}

func TestMemorySinkKeepsBoundedHistory(t *testing.T) {
	sink := NewMemorySink(2)
	ctx := context.Background()
	for _, msg := range []string{"a", "b", "c"} {
		if err := sink.Publish(ctx, "jan:job", msg); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	history, _ := sink.History(ctx, "jan:job")
	if !slices.Equal(history, []string{"b", "c"}) {
		t.Fatalf("history = %v", history)
	}
}

func TestChannelNames(t *testing.T) {
	ch := Channel("jan", "1234")
	if ch != "jan:1234" || HistoryKey(ch) != "jan:1234:hist" {
		t.Fatalf("unexpected names %q %q", ch, HistoryKey(ch))
	}
}

func TestAttachTwiceDoesNotDuplicateSinks(t *testing.T) {
	sink := NewMemorySink(0)
	logs := NewJobLogs(sink, nil, slog.LevelDebug)
	logPath := filepath.Join(t.TempDir(), "run.log")

	if _, err := logs.Attach("job-1", "jan", logPath); err != nil {
		t.Fatalf("first attach: %v", err)
	}
	logger, err := logs.Attach("job-1", "jan", logPath)
	if err != nil {
		t.Fatalf("second attach: %v", err)
	}
	if kinds := logs.Kinds("job-1"); !slices.Equal(kinds, []string{KindFile, KindPubSub}) {
		t.Fatalf("kinds = %v", kinds)
	}

	logger.Info("provisioning")
	if err := logs.Detach("job-1"); err != nil {
		t.Fatalf("detach: %v", err)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if n := strings.Count(string(data), "provisioning"); n != 1 {
		t.Fatalf("run.log has %d copies of the line: %q", n, data)
	}
	history, _ := sink.History(context.Background(), "jan:job-1")
	if len(history) != 1 || !strings.HasPrefix(history[0], "[INFO] ") {
		t.Fatalf("history = %q", history)
	}
	if logs.Kinds("job-1") != nil {
		t.Fatalf("detach must forget the job")
	}
}

func TestAttachForwardsToBaseWithJobID(t *testing.T) {
	var base bytes.Buffer
	logs := NewJobLogs(nil, slog.NewTextHandler(&base, nil), nil)
	logger, err := logs.Attach("job-2", "jan", "")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	logger.Info("hello")
	if !strings.Contains(base.String(), "job_id=job-2") {
		t.Fatalf("base handler output lacks job id: %q", base.String())
	}
	if kinds := logs.Kinds("job-2"); len(kinds) != 0 {
		t.Fatalf("no sink or file configured, got kinds %v", kinds)
	}
}

func TestAttachRequiresJobID(t *testing.T) {
	if _, err := NewJobLogs(nil, nil, nil).Attach(" ", "jan", ""); err == nil {
		t.Fatalf("expected error for empty job id")
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{Enabled: true, Addr: "localhost:6379", HistoryTTL: time.Hour, HistoryLimit: 100}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	cfg.Addr = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for empty address")
	}
}

func TestNilRedisSink(t *testing.T) {
	var sink *RedisSink
	if err := sink.Publish(context.Background(), "c", "m"); err == nil {
		t.Fatalf("expected error from nil sink")
	}
	if NewRedisSink(nil, Config{}) != nil {
		t.Fatalf("expected nil sink without client")
	}
}

func TestHistoryHandler(t *testing.T) {
	sink := NewMemorySink(10)
	ctx := context.Background()
	_ = sink.Publish(ctx, Channel("jdoe", "job-1"), "[INFO] first")
	_ = sink.Publish(ctx, Channel("jdoe", "job-1"), "[INFO] second")

	mux := http.NewServeMux()
	mux.Handle("GET /jobs/{id}/log", HistoryHandler(sink))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/job-1/log?user=jdoe", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Channel string   `json:"channel"`
		Lines   []string `json:"lines"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Channel != "jdoe:job-1" || len(body.Lines) != 2 || body.Lines[1] != "[INFO] second" {
		t.Fatalf("unexpected body: %+v", body)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/job-1/log", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400 without user", rec.Code)
	}
}
