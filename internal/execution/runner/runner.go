// Package runner executes external commands and streams their output line by
// line. Secret arguments are passed to the process but never logged.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"golang.org/x/sys/unix"
)

const defaultPollInterval = 100 * time.Millisecond

// Stream identifies which output stream a line came from.
type Stream int

const (
	Stdout Stream = iota + 1
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Line is one line of process output without its trailing newline.
type Line struct {
	Stream Stream
	Text   string
}

// Result describes a finished process.
type Result struct {
	ExitCode int
}

// CommandError reports a process that exited non-zero. Command is the
// redacted command line.
type CommandError struct {
	Command  string
	ExitCode int
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q failed with exit code %d", e.Command, e.ExitCode)
}

// Runner spawns processes and multiplexes their stdout and stderr through a
// single poll loop.
type Runner struct {
	Dir          string
	Env          []string
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Run executes command and calls onLine for every output line in arrival
// order. It returns after both streams reached EOF and the process exited.
func (r *Runner) Run(ctx context.Context, command Command, onLine func(Line)) (Result, error) {
	if len(command) == 0 {
		return Result{}, errors.New("empty command")
	}
	if onLine == nil {
		onLine = func(Line) {}
	}
	argv := command.Argv()

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return Result{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return Result{}, fmt.Errorf("stderr pipe: %w", err)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = r.Dir
	if len(r.Env) > 0 {
		cmd.Env = r.Env
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{stdoutR, stdoutW, stderrR, stderrW} {
			_ = f.Close()
		}
		return Result{}, fmt.Errorf("executing %s: %w", command.Redacted(), err)
	}
	// The child holds its own copies; closing ours lets EOF arrive.
	_ = stdoutW.Close()
	_ = stderrW.Close()

	streams := []*stream{
		newStream(Stdout, stdoutR),
		newStream(Stderr, stderrR),
	}
	loopErr := r.multiplex(ctx, streams, onLine)
	for _, s := range streams {
		_ = s.file.Close()
	}

	waitErr := cmd.Wait()
	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return Result{}, fmt.Errorf("waiting for %s: %w", command.Redacted(), waitErr)
		}
		exitCode = exitErr.ExitCode()
	}
	result := Result{ExitCode: exitCode}
	r.logger().Debug("process ended", "command", command.Redacted(), "exit_code", exitCode)

	if loopErr != nil {
		return result, fmt.Errorf("reading output of %s: %w", command.Redacted(), loopErr)
	}
	if exitCode != 0 {
		return result, &CommandError{Command: command.Redacted(), ExitCode: exitCode}
	}
	return result, nil
}

// RunAll runs commands in order and stops at the first failure.
func (r *Runner) RunAll(ctx context.Context, commands []Command, onLine func(Line)) error {
	for _, command := range commands {
		if _, err := r.Run(ctx, command, onLine); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) multiplex(ctx context.Context, streams []*stream, onLine func(Line)) error {
	timeout := r.PollInterval
	if timeout <= 0 {
		timeout = defaultPollInterval
	}
	active := streams
	for len(active) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		fds := make([]unix.PollFd, len(active))
		for i, s := range active {
			fds[i] = unix.PollFd{Fd: int32(s.fd), Events: unix.POLLIN}
		}
		n, err := unix.Poll(fds, int(timeout.Milliseconds()))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("poll: %w", err)
		}
		if n == 0 {
			continue
		}

		remaining := active[:0]
		for i, s := range active {
			revents := fds[i].Revents
			if revents == 0 {
				remaining = append(remaining, s)
				continue
			}
			eof, err := s.read(onLine)
			if err != nil {
				return err
			}
			if eof {
				s.flush(onLine)
				continue
			}
			remaining = append(remaining, s)
		}
		active = remaining
	}
	return nil
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

type stream struct {
	kind    Stream
	file    *os.File
	fd      int
	pending []byte
	buf     []byte
}

func newStream(kind Stream, file *os.File) *stream {
	return &stream{
		kind: kind,
		file: file,
		fd:   int(file.Fd()),
		buf:  make([]byte, 32*1024),
	}
}

// read consumes what is available and emits every complete line.
func (s *stream) read(onLine func(Line)) (bool, error) {
	n, err := unix.Read(s.fd, s.buf)
	if err != nil {
		if err == unix.EINTR || err == unix.EAGAIN {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", s.kind, err)
	}
	if n == 0 {
		return true, nil
	}
	s.pending = append(s.pending, s.buf[:n]...)
	for {
		idx := bytes.IndexByte(s.pending, '\n')
		if idx < 0 {
			break
		}
		onLine(Line{Stream: s.kind, Text: string(s.pending[:idx])})
		s.pending = s.pending[idx+1:]
	}
	return false, nil
}

func (s *stream) flush(onLine func(Line)) {
	if len(s.pending) == 0 {
		return
	}
	onLine(Line{Stream: s.kind, Text: string(s.pending)})
	s.pending = nil
}
