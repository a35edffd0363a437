// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// chat.go - interactive language-practice chat.
//
// The chat loop bridges the session (which owns conversation state) and the
// terminal: session events are rendered as they arrive, and every prompt
// event hands control to a liner read. Typing "exit" or "quit", or pressing
// Ctrl+D, ends the conversation.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/peterh/liner"

	"github.com/jeranaias/lingua/internal/config"
	"github.com/jeranaias/lingua/internal/driver"
	"github.com/jeranaias/lingua/internal/model"
	"github.com/jeranaias/lingua/internal/protocol"
	"github.com/jeranaias/lingua/internal/session"
	"github.com/jeranaias/lingua/internal/storage"
)

// modelDriver is the surface the chat and status commands need from a
// driver. Both the worker-backed driver and the stub satisfy it.
type modelDriver interface {
	Initialize(ctx context.Context) error
	Generate(ctx context.Context, req model.GenerationRequest) (string, error)
	ValidateLanguage(ctx context.Context, language string) (model.ValidationResult, error)
	Ping(ctx context.Context) (protocol.TestResult, error)
	Tune(ctx context.Context, maxTokens int, temperature float64) error
	Shutdown(ctx context.Context) error
	State() driver.State
}

// ChatCLI wraps liner with lingua's history file and rendering setup.
type ChatCLI struct {
	line        *liner.State
	historyFile string
	renderer    *glamour.TermRenderer
	markdown    bool
}

// NewChatCLI creates the line editor, loading prompt history from the
// config directory when available.
func NewChatCLI(cfg *config.Config) (*ChatCLI, error) {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	c := &ChatCLI{
		line:     line,
		markdown: cfg.UI.RenderMarkdown && IsStdoutTTY(),
	}

	if dir, err := config.ConfigDir(); err == nil {
		c.historyFile = filepath.Join(dir, "chat_history")
		if f, err := os.Open(c.historyFile); err == nil {
			line.ReadHistory(f)
			f.Close()
		}
	}

	if c.markdown {
		width := GetTerminalWidth()
		if width > 80 {
			width = 80
		}
		r, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(width),
		)
		if err != nil {
			// Rendering is cosmetic; fall back to plain text.
			c.markdown = false
		} else {
			c.renderer = r
		}
	}

	return c, nil
}

// Close persists prompt history and restores the terminal.
func (c *ChatCLI) Close() {
	if c.historyFile != "" {
		if f, err := os.Create(c.historyFile); err == nil {
			c.line.WriteHistory(f)
			f.Close()
		}
	}
	c.line.Close()
}

// renderAssistant renders a model reply, as markdown when enabled.
func (c *ChatCLI) renderAssistant(text string) string {
	if c.renderer != nil {
		if out, err := c.renderer.Render(text); err == nil {
			return strings.TrimRight(out, "\n")
		}
	}
	return AssistantStyle.Render(text)
}

// readInput prompts until it gets a line, EOF, or a quit word. The second
// return is false when the conversation should end.
func (c *ChatCLI) readInput(prompt string) (string, bool) {
	for {
		text, err := c.line.Prompt(PromptStyle.Render(prompt))
		switch {
		case errors.Is(err, liner.ErrPromptAborted):
			fmt.Println(InfoStyle.Render("(type exit or press Ctrl+D to quit)"))
			continue
		case err == io.EOF:
			fmt.Println()
			return "", false
		case err != nil:
			fmt.Println(ErrorStyle.Render("Input error: " + err.Error()))
			return "", false
		}

		trimmed := strings.TrimSpace(text)
		switch strings.ToLower(trimmed) {
		case "exit", "quit":
			return "", false
		}
		if trimmed != "" {
			c.line.AppendHistory(trimmed)
		}
		return text, true
	}
}

// HandleChat runs the interactive chat command.
func HandleChat(cfg *config.Config, args Args, logger *slog.Logger) error {
	ApplyColorProfile(cfg.UI.Color)

	drv := buildDriver(cfg, args, logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		drv.Shutdown(ctx)
	}()

	rec, closeRec := openRecorder(cfg, args, logger)
	if closeRec != nil {
		defer closeRec()
	}

	cli, err := NewChatCLI(cfg)
	if err != nil {
		return err
	}
	defer cli.Close()

	// Reload generation parameters when the config file changes on disk.
	// Worker settings (script, model) still need a restart.
	if watcher := startConfigWatcher(drv, logger); watcher != nil {
		defer watcher.Close()
	}

	if !args.Quiet {
		fmt.Println(TitleStyle.Render("lingua " + Version))
		if args.Stub {
			fmt.Println(WarnStyle.Render("Running with the stub model. Replies are canned."))
		} else {
			fmt.Println(InfoStyle.Render("Model: " + effectiveModel(cfg, args)))
		}
		fmt.Println(RenderSeparator())
	}

	sess := session.New(drv, rec, logger)
	defer sess.Close()

	for ev := range sess.Events() {
		switch ev.Kind {
		case session.EventInfo:
			fmt.Println(InfoStyle.Render(ev.Text))

		case session.EventAssistant:
			fmt.Println(cli.renderAssistant(ev.Text))

		case session.EventError:
			fmt.Println(ErrorStyle.Render(ev.Text))

		case session.EventPrompt:
			text, ok := cli.readInput(ev.Text)
			if !ok {
				sess.Close()
				drainEvents(sess)
				if !args.Quiet {
					fmt.Println(InfoStyle.Render("Goodbye!"))
				}
				return nil
			}
			sess.Submit(text)
		}
	}

	return nil
}

// drainEvents consumes events still in flight after Close so the session
// goroutine can exit.
func drainEvents(sess *session.Session) {
	for range sess.Events() {
	}
}

// buildDriver constructs the worker-backed driver, or the stub when
// requested.
func buildDriver(cfg *config.Config, args Args, logger *slog.Logger) modelDriver {
	if args.Stub {
		return driver.NewStub()
	}
	return driver.New(driverConfig(cfg, args, logger))
}

// driverConfig maps file configuration plus CLI overrides onto the driver.
func driverConfig(cfg *config.Config, args Args, logger *slog.Logger) *driver.Config {
	dc := driver.DefaultConfig()
	dc.Runtime = cfg.Worker.Runtime
	dc.Script = cfg.Worker.Script
	dc.ModelID = cfg.Worker.Model
	dc.MaxTokens = cfg.Generation.MaxTokens
	dc.Temperature = cfg.Generation.Temperature
	dc.ValidationMaxTokens = cfg.Generation.ValidationMaxTokens
	dc.ValidationTemperature = cfg.Generation.ValidationTemperature
	dc.StartupTimeout = time.Duration(cfg.Driver.StartupTimeoutSecs) * time.Second
	dc.ReadTimeout = time.Duration(cfg.Driver.ReadTimeoutSecs) * time.Second
	dc.ShutdownTimeout = time.Duration(cfg.Driver.ShutdownTimeoutSecs) * time.Second
	dc.RestartBudget = cfg.Driver.RestartBudget
	dc.RestartInterval = time.Duration(cfg.Driver.RestartIntervalSecs) * time.Second
	dc.Logger = logger

	if args.Runtime != "" {
		dc.Runtime = args.Runtime
	}
	if args.Script != "" {
		dc.Script = args.Script
	}
	if args.Model != "" {
		dc.ModelID = args.Model
	}
	return dc
}

// effectiveModel reports the model identifier after CLI overrides.
func effectiveModel(cfg *config.Config, args Args) string {
	if args.Model != "" {
		return args.Model
	}
	return cfg.Worker.Model
}

// openRecorder opens the transcript store unless storage is disabled. A
// storage failure degrades to an unrecorded session rather than aborting.
func openRecorder(cfg *config.Config, args Args, logger *slog.Logger) (session.Recorder, func()) {
	if args.NoStore || !cfg.Storage.Enabled {
		return nil, nil
	}
	path, err := cfg.TranscriptPath()
	if err != nil {
		logger.Warn("transcript path unavailable, recording disabled", "error", err)
		return nil, nil
	}
	store, err := storage.Open(path)
	if err != nil {
		logger.Warn("transcript store unavailable, recording disabled", "path", path, "error", err)
		return nil, nil
	}
	return store, func() { store.Close() }
}

// startConfigWatcher watches the config file and feeds generation-parameter
// changes to the driver. Returns nil when watching is unavailable.
func startConfigWatcher(drv modelDriver, logger *slog.Logger) *config.Watcher {
	path, err := config.ConfigPath()
	if err != nil {
		return nil
	}
	w, err := config.NewWatcher(path, func(updated *config.Config) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := drv.Tune(ctx, updated.Generation.MaxTokens, updated.Generation.Temperature); err != nil {
			logger.Warn("applying reloaded generation parameters failed", "error", err)
		}
	}, logger)
	if err != nil {
		logger.Debug("config watcher unavailable", "error", err)
		return nil
	}
	if err := w.Watch(); err != nil {
		logger.Debug("config watcher unavailable", "error", err)
		w.Close()
		return nil
	}
	return w
}
