// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package worker

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"
)

// writeScript materializes a shell-based worker for the test and returns a
// SpawnConfig pointed at it.
func writeScript(t *testing.T, body string) SpawnConfig {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-based worker fixtures require a POSIX shell")
	}

	path := filepath.Join(t.TempDir(), "worker.sh")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("writing fixture script: %v", err)
	}
	return SpawnConfig{
		Runtime: "/bin/sh",
		Script:  path,
		ModelID: "test-model",
	}
}

// echoWorker answers READY and then echoes every input line back verbatim.
const echoWorker = `#!/bin/sh
echo READY
while read -r line; do
  echo "$line"
done
`

func TestSpawnHandshakeAndExchange(t *testing.T) {
	h, err := Spawn(writeScript(t, echoWorker))
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	defer h.Terminate(false, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	line, err := h.ReadLine(ctx)
	if err != nil {
		t.Fatalf("ReadLine() error = %v", err)
	}
	if line != "READY" {
		t.Fatalf("handshake line = %q, want %q", line, "READY")
	}

	if err := h.WriteLine(`{"command":"test"}`); err != nil {
		t.Fatalf("WriteLine() error = %v", err)
	}
	echo, err := h.ReadLine(ctx)
	if err != nil {
		t.Fatalf("ReadLine() error = %v", err)
	}
	if echo != `{"command":"test"}` {
		t.Fatalf("echo = %q, want the request line back", echo)
	}

	if !h.Alive() {
		t.Fatal("Alive() = false while worker is running")
	}
	if h.Pid() <= 0 {
		t.Fatalf("Pid() = %d, want a positive pid", h.Pid())
	}
}

func TestStderrDiagnosticsFiltered(t *testing.T) {
	const script = `#!/bin/sh
echo "INFO loading tokenizer" >&2
echo "WARNING slow disk" >&2
echo "Traceback (most recent call last):" >&2
echo READY
`
	var mu sync.Mutex
	var got []string

	cfg := writeScript(t, script)
	cfg.Sink = SinkFunc(func(line string) {
		mu.Lock()
		got = append(got, line)
		mu.Unlock()
	})

	h, err := Spawn(cfg)
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := h.ReadLine(ctx); err != nil {
		t.Fatalf("ReadLine() error = %v", err)
	}

	// Terminate waits for the drain goroutines, so the sink is settled
	// once it returns.
	if err := h.Terminate(true, time.Second); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("diagnostics = %v, want exactly the traceback line", got)
	}
	if !strings.Contains(got[0], "Traceback") {
		t.Fatalf("diagnostic = %q, want the traceback line", got[0])
	}
}

func TestTerminateGraceful(t *testing.T) {
	const script = `#!/bin/sh
echo READY
while read -r line; do
  case "$line" in
    *'"command":"shutdown"'*) exit 0 ;;
  esac
done
`
	h, err := Spawn(writeScript(t, script))
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := h.ReadLine(ctx); err != nil {
		t.Fatalf("ReadLine() error = %v", err)
	}

	if err := h.Terminate(true, 5*time.Second); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	if h.Alive() {
		t.Fatal("Alive() = true after graceful terminate")
	}

	// Idempotent.
	if err := h.Terminate(true, time.Second); err != nil {
		t.Fatalf("second Terminate() error = %v", err)
	}
}

func TestTerminateForcesKillOnTimeout(t *testing.T) {
	// This worker ignores the shutdown request and never exits on its own.
	const script = `#!/bin/sh
echo READY
while :; do sleep 1; done
`
	h, err := Spawn(writeScript(t, script))
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := h.ReadLine(ctx); err != nil {
		t.Fatalf("ReadLine() error = %v", err)
	}

	start := time.Now()
	if err := h.Terminate(true, 200*time.Millisecond); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	if h.Alive() {
		t.Fatal("Alive() = true after forced terminate")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("Terminate took %v, want the grace timeout plus kill", elapsed)
	}
}

func TestReadLineEOFAfterExit(t *testing.T) {
	const script = `#!/bin/sh
echo READY
exit 3
`
	h, err := Spawn(writeScript(t, script))
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	defer h.Terminate(false, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := h.ReadLine(ctx); err != nil {
		t.Fatalf("ReadLine() error = %v", err)
	}

	if _, err := h.ReadLine(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("ReadLine() after exit = %v, want io.EOF", err)
	}
}

func TestReadLineTimeout(t *testing.T) {
	const script = `#!/bin/sh
echo READY
exec sleep 60
`
	cfg := writeScript(t, script)
	cfg.ReadTimeout = 100 * time.Millisecond

	h, err := Spawn(cfg)
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	defer h.Terminate(false, time.Second)

	ctx := context.Background()
	if _, err := h.ReadLine(ctx); err != nil {
		t.Fatalf("handshake ReadLine() error = %v", err)
	}

	if _, err := h.ReadLine(ctx); err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("ReadLine() = %v, want a read timeout", err)
	}
}

func TestReadLineContextCancel(t *testing.T) {
	const script = `#!/bin/sh
echo READY
exec sleep 60
`
	h, err := Spawn(writeScript(t, script))
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	defer h.Terminate(false, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := h.ReadLine(ctx); err != nil {
		t.Fatalf("handshake ReadLine() error = %v", err)
	}

	shortCtx, shortCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer shortCancel()
	if _, err := h.ReadLine(shortCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("ReadLine() = %v, want context.DeadlineExceeded", err)
	}
}

func TestIsRoutineLogLine(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{"INFO loading model", true},
		{"2024-06-01 WARNING cache miss", true},
		{"Traceback (most recent call last):", false},
		{"RuntimeError: CUDA out of memory", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isRoutineLogLine(tt.line); got != tt.want {
			t.Errorf("isRoutineLogLine(%q) = %v, want %v", tt.line, got, tt.want)
		}
	}
}
