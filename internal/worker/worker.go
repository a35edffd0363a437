// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package worker owns the model worker child process and its three byte
// streams. A Handle is acquired with Spawn and must always be released with
// Terminate, on every exit path of its owner.
package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/lingua/internal/protocol"
)

// =============================================================================
// DIAGNOSTIC SINK
// =============================================================================

// DiagnosticSink receives worker stderr lines that are not routine log
// chatter. The sink runs on the drain goroutine and must be safe for
// concurrent use.
type DiagnosticSink interface {
	Diagnostic(line string)
}

// SinkFunc adapts a function to the DiagnosticSink interface.
type SinkFunc func(line string)

// Diagnostic implements DiagnosticSink.
func (f SinkFunc) Diagnostic(line string) { f(line) }

// slogSink is the default sink, forwarding to structured logging.
type slogSink struct {
	logger *slog.Logger
}

func (s *slogSink) Diagnostic(line string) {
	s.logger.Warn("worker stderr", "line", line)
}

// allowedSeverities are substrings of stderr lines that are routine worker
// logging and are not forwarded to the sink.
var allowedSeverities = []string{"INFO", "WARNING"}

// =============================================================================
// SPAWN CONFIGURATION
// =============================================================================

// SpawnConfig describes how to launch the worker process.
type SpawnConfig struct {
	// Runtime is the interpreter binary (default: "python3").
	Runtime string

	// Script is the worker script path.
	Script string

	// ModelID is passed to the worker via --model.
	ModelID string

	// ExtraArgs are appended after the standard arguments.
	ExtraArgs []string

	// Env entries appended to the inherited environment, "KEY=VALUE" form.
	Env []string

	// ReadTimeout bounds each ReadLine call (0 = no timeout).
	ReadTimeout time.Duration

	// Sink receives non-routine stderr lines (default: slog-backed sink).
	Sink DiagnosticSink

	// Logger for lifecycle events (default: slog.Default()).
	Logger *slog.Logger
}

// =============================================================================
// HANDLE
// =============================================================================

// Handle owns one generation of the worker process. A fresh Handle is
// created on every driver restart; a Handle is never reused after Terminate.
type Handle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	lines  chan string
	exited chan struct{}
	drain  *errgroup.Group

	readTimeout time.Duration
	logger      *slog.Logger

	writeMu sync.Mutex
	termMu  sync.Mutex

	waitErr    error
	terminated bool
}

// Spawn launches the worker with unbuffered text I/O and starts the stdout
// reader and stderr drain goroutines. The caller must pair every successful
// Spawn with a Terminate.
func Spawn(cfg SpawnConfig) (*Handle, error) {
	if cfg.Runtime == "" {
		cfg.Runtime = "python3"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sink == nil {
		cfg.Sink = &slogSink{logger: cfg.Logger}
	}

	args := []string{"-u", cfg.Script, "--model", cfg.ModelID, "--mode", "interactive", "--use-cache"}
	args = append(args, cfg.ExtraArgs...)

	cmd := exec.Command(cfg.Runtime, args...)
	// The worker runtime must not buffer its output or the request/reply
	// protocol deadlocks waiting for lines.
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")
	cmd.Env = append(cmd.Env, cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting worker %s: %w", cfg.Runtime, err)
	}
	cfg.Logger.Info("worker started", "runtime", cfg.Runtime, "script", cfg.Script, "pid", cmd.Process.Pid)

	h := &Handle{
		cmd:         cmd,
		stdin:       stdin,
		lines:       make(chan string, 16),
		exited:      make(chan struct{}),
		drain:       &errgroup.Group{},
		readTimeout: cfg.ReadTimeout,
		logger:      cfg.Logger,
	}

	h.drain.Go(func() error {
		defer close(h.lines)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			h.lines <- scanner.Text()
		}
		return scanner.Err()
	})

	sink := cfg.Sink
	h.drain.Go(func() error {
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if isRoutineLogLine(line) {
				continue
			}
			sink.Diagnostic(line)
		}
		// The process closing its error stream is the normal end of the
		// drain loop, not an error.
		return nil
	})

	// Reap the process after both pipes are fully drained. Wait closes the
	// pipes, so it must not race the scanners.
	go func() {
		_ = h.drain.Wait()
		h.waitErr = cmd.Wait()
		close(h.exited)
	}()

	return h, nil
}

// isRoutineLogLine reports whether a stderr line matches the allow-list of
// routine logging severities.
func isRoutineLogLine(line string) bool {
	for _, sev := range allowedSeverities {
		if strings.Contains(line, sev) {
			return true
		}
	}
	return false
}

// =============================================================================
// LINE I/O
// =============================================================================

// WriteLine writes one line plus the record terminator and flushes
// immediately. Pipe writes are unbuffered, so the write itself is the flush.
func (h *Handle) WriteLine(line string) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if _, err := io.WriteString(h.stdin, line+"\n"); err != nil {
		return fmt.Errorf("writing to worker: %w", err)
	}
	return nil
}

// ReadLine blocks for one line from the worker's standard output. It returns
// io.EOF once the worker has closed its output, and context/timeout errors
// when the configured bounds are exceeded.
func (h *Handle) ReadLine(ctx context.Context) (string, error) {
	var timeout <-chan time.Time
	if h.readTimeout > 0 {
		timer := time.NewTimer(h.readTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case line, ok := <-h.lines:
		if !ok {
			return "", io.EOF
		}
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timeout:
		return "", fmt.Errorf("timed out after %v waiting for worker output", h.readTimeout)
	}
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Alive reports whether the worker process is still running.
func (h *Handle) Alive() bool {
	select {
	case <-h.exited:
		return false
	default:
		return true
	}
}

// Pid returns the worker process id.
func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

// Terminate releases the handle. When graceful, it sends the shutdown
// protocol record and waits up to timeout for natural exit; on timeout or a
// non-graceful request it kills the process. The stream resources and the
// drain goroutines are always released on return. Terminate is idempotent.
func (h *Handle) Terminate(graceful bool, timeout time.Duration) error {
	h.termMu.Lock()
	defer h.termMu.Unlock()

	if h.terminated {
		return nil
	}
	h.terminated = true

	if graceful && h.Alive() {
		if line, err := protocol.EncodeShutdown(); err == nil {
			_ = h.WriteLine(line)
		}
		_ = h.stdin.Close()

		select {
		case <-h.exited:
			h.logger.Info("worker exited gracefully", "pid", h.cmd.Process.Pid)
			return nil
		case <-time.After(timeout):
			h.logger.Warn("worker did not exit in time, killing", "pid", h.cmd.Process.Pid)
		}
	} else {
		_ = h.stdin.Close()
	}

	if err := h.cmd.Process.Kill(); err != nil && h.Alive() {
		return fmt.Errorf("killing worker: %w", err)
	}
	<-h.exited
	return nil
}
