package runner

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	return &Runner{Dir: t.TempDir(), PollInterval: 20 * time.Millisecond}
}

func collect(lines *[]Line) func(Line) {
	return func(l Line) { *lines = append(*lines, l) }
}

func texts(lines []Line) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.Text
	}
	return out
}

func TestCommandRedacted(t *testing.T) {
	cmd := Args("/usr/bin/svn", "co", "https://svn.example/repo").Append(
		Plain("--username"), Secret("worker"),
		Plain("--password"), Secret("hunter2"),
	)
	got := cmd.Redacted()
	want := "/usr/bin/svn co https://svn.example/repo --username XXXXXXXX --password XXXXXXXX"
	if got != want {
		t.Fatalf("Redacted() = %q, want %q", got, want)
	}
	argv := cmd.Argv()
	if argv[len(argv)-1] != "hunter2" || argv[len(argv)-3] != "worker" {
		t.Fatalf("Argv() lost real values: %v", argv)
	}
	if !cmd[6].IsSecret() || cmd[5].IsSecret() {
		t.Fatalf("unexpected secret flags")
	}
}

func TestPlainMarkerIsNotSecret(t *testing.T) {
	arg := Plain(SecretMarker)
	if arg.IsSecret() {
		t.Fatalf("plain argument equal to the marker must not be secret")
	}
}

func TestRunCollectsBothStreams(t *testing.T) {
	r := newTestRunner(t)
	var lines []Line
	res, err := r.Run(context.Background(), Args("sh", "-c", "echo out; echo err >&2; echo done"), collect(&lines))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("ExitCode = %d, want 0", res.ExitCode)
	}
	var sawOut, sawErr bool
	for _, l := range lines {
		switch {
		case l.Stream == Stdout && l.Text == "out":
			sawOut = true
		case l.Stream == Stderr && l.Text == "err":
			sawErr = true
		}
	}
	if !sawOut || !sawErr {
		t.Fatalf("expected lines from both streams, got %+v", lines)
	}
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %v", len(lines), texts(lines))
	}
}

func TestRunFlushesPartialLine(t *testing.T) {
	r := newTestRunner(t)
	var lines []Line
	if _, err := r.Run(context.Background(), Args("printf", "no-newline"), collect(&lines)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(lines) != 1 || lines[0].Text != "no-newline" {
		t.Fatalf("unexpected lines: %+v", lines)
	}
}

func TestRunNonZeroExitAfterDrain(t *testing.T) {
	r := newTestRunner(t)
	var lines []Line
	res, err := r.Run(context.Background(), Args("sh", "-c", "echo before; exit 3"), collect(&lines))
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected CommandError, got %v", err)
	}
	if cmdErr.ExitCode != 3 || res.ExitCode != 3 {
		t.Fatalf("exit code = %d/%d, want 3", cmdErr.ExitCode, res.ExitCode)
	}
	if len(lines) != 1 || lines[0].Text != "before" {
		t.Fatalf("expected output drained before error, got %v", texts(lines))
	}
}

func TestRunAllStopsAtFailureAndRedacts(t *testing.T) {
	r := newTestRunner(t)
	commands := []Command{
		Args("echo", "one"),
		Args("echo", "two"),
		Args("sh", "-c", "echo three; exit 1", "sh").Append(Plain("--password"), Secret("s3cret")),
		Args("echo", "four"),
	}
	var lines []Line
	err := r.RunAll(context.Background(), commands, collect(&lines))
	if err == nil {
		t.Fatalf("expected error from third command")
	}
	got := strings.Join(texts(lines), ",")
	if got != "one,two,three" {
		t.Fatalf("lines = %q, want one,two,three", got)
	}
	if !strings.Contains(err.Error(), "--password XXXXXXXX") {
		t.Fatalf("error does not show redacted command: %v", err)
	}
	if strings.Contains(err.Error(), "s3cret") {
		t.Fatalf("error leaks secret: %v", err)
	}
}

func TestRunBinaryNotFound(t *testing.T) {
	r := newTestRunner(t)
	_, err := r.Run(context.Background(), Args("nonexistent-binary-xyz-123"), nil)
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		t.Fatalf("missing binary must not be reported as exit failure")
	}
}

func TestRunEmptyCommand(t *testing.T) {
	r := newTestRunner(t)
	if _, err := r.Run(context.Background(), nil, nil); err == nil {
		t.Fatal("expected error for empty command")
	}
}
