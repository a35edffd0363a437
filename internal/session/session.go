// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session implements the conversation state machine. A Session owns
// the chat history and the target-language selection, talks to the model
// driver, and reports everything user-visible as events on a channel.
//
// Like the driver, a Session is a single logical thread of control: one
// goroutine consumes inputs in arrival order and makes at most one driver
// call at a time.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"github.com/jeranaias/lingua/internal/model"
)

// =============================================================================
// COLLABORATOR INTERFACES
// =============================================================================

// ModelDriver is the driver capability the session needs. Both the
// subprocess driver and the stub satisfy it.
type ModelDriver interface {
	Generate(ctx context.Context, req model.GenerationRequest) (string, error)
	ValidateLanguage(ctx context.Context, language string) (model.ValidationResult, error)
}

// Recorder persists conversation transcripts. Nil disables recording.
type Recorder interface {
	BeginConversation(ctx context.Context, targetLang string) (string, error)
	RecordTurn(ctx context.Context, conversationID string, turn model.Turn) error
}

// =============================================================================
// STATES AND EVENTS
// =============================================================================

// State is the session lifecycle state.
type State int

const (
	// StateAwaitingLanguage treats the next input as a candidate language.
	StateAwaitingLanguage State = iota
	// StateValidatingLanguage has a validation call in flight.
	StateValidatingLanguage
	// StateActive exchanges chat turns with the model.
	StateActive
)

func (s State) String() string {
	switch s {
	case StateAwaitingLanguage:
		return "AwaitingLanguage"
	case StateValidatingLanguage:
		return "ValidatingLanguage"
	case StateActive:
		return "Active"
	default:
		return "Unknown"
	}
}

// EventKind discriminates session output events.
type EventKind int

const (
	// EventInfo is informational text for the user.
	EventInfo EventKind = iota
	// EventAssistant is a model reply.
	EventAssistant
	// EventError reports a failed operation; the session keeps running.
	EventError
	// EventPrompt asks the caller to display an input prompt.
	EventPrompt
)

// Event is one unit of session output.
type Event struct {
	Kind EventKind
	Text string
}

const (
	promptLanguage = "Lang> "
	promptChat     = "> "
)

// =============================================================================
// SESSION
// =============================================================================

// Session is one conversation. Construct with New, feed it with Submit, and
// consume Events until the channel closes.
type Session struct {
	drv    ModelDriver
	rec    Recorder
	logger *slog.Logger

	inputs chan string
	events chan Event
	done   chan struct{}
	stop   sync.Once

	mu             sync.RWMutex
	state          State
	targetLang     string
	history        model.History
	conversationID string
}

// New creates a session and starts its consumer goroutine. rec may be nil.
func New(drv ModelDriver, rec Recorder, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		drv:    drv,
		rec:    rec,
		logger: logger,
		inputs: make(chan string, 16),
		events: make(chan Event, 16),
		done:   make(chan struct{}),
		state:  StateAwaitingLanguage,
	}
	go s.run()
	return s
}

// Events returns the session's output stream. It is closed when the session
// stops.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Submit delivers one line of user input. It returns false once the session
// has stopped.
func (s *Session) Submit(text string) bool {
	select {
	case s.inputs <- text:
		return true
	case <-s.done:
		return false
	}
}

// Close stops the session. Safe to call more than once.
func (s *Session) Close() {
	s.stop.Do(func() { close(s.done) })
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// TargetLanguage returns the validated language, or "" before selection.
func (s *Session) TargetLanguage() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.targetLang
}

// History returns a copy of the conversation history.
func (s *Session) History() model.History {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history.Snapshot()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// =============================================================================
// CONSUMER LOOP
// =============================================================================

func (s *Session) run() {
	defer close(s.events)

	s.emit(Event{Kind: EventInfo, Text: "Which language would you like to practice (e.g., es, fr, de)?"})
	s.emit(Event{Kind: EventPrompt, Text: promptLanguage})

	for {
		select {
		case line := <-s.inputs:
			s.handleInput(strings.TrimSpace(line))
		case <-s.done:
			return
		}
	}
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Session) handleInput(text string) {
	if text == "" {
		s.emit(Event{Kind: EventPrompt, Text: s.prompt()})
		return
	}

	switch s.State() {
	case StateAwaitingLanguage:
		s.chooseLanguage(text)
	case StateActive:
		s.chat(text)
	default:
		// ValidatingLanguage never observes input: validation happens
		// synchronously on this goroutine.
		s.emit(Event{Kind: EventPrompt, Text: s.prompt()})
	}
}

func (s *Session) prompt() string {
	if s.State() == StateActive {
		return promptChat
	}
	return promptLanguage
}

// =============================================================================
// LANGUAGE SELECTION
// =============================================================================

// chooseLanguage validates the candidate with the model and, on success,
// reseeds the conversation in that language. The display name is cosmetic
// only; the model remains the sole judge of what it can speak.
func (s *Session) chooseLanguage(candidate string) {
	label := candidate
	if tag, err := language.Parse(candidate); err == nil {
		label = fmt.Sprintf("%s (%s)", display.English.Languages().Name(tag), candidate)
	}
	s.emit(Event{Kind: EventInfo, Text: "Checking whether the model can converse in " + label + "..."})

	s.setState(StateValidatingLanguage)
	res, err := s.drv.ValidateLanguage(context.Background(), candidate)
	if err != nil {
		s.logger.Error("language validation failed", "language", candidate, "error", err)
		s.setState(StateAwaitingLanguage)
		s.emit(Event{Kind: EventError, Text: "Validation failed: " + err.Error()})
		s.emit(Event{Kind: EventPrompt, Text: promptLanguage})
		return
	}
	if !res.Valid {
		s.setState(StateAwaitingLanguage)
		s.emit(Event{Kind: EventError, Text: "Cannot use '" + candidate + "': " + res.Reason})
		s.emit(Event{Kind: EventInfo, Text: "Please choose another language."})
		s.emit(Event{Kind: EventPrompt, Text: promptLanguage})
		return
	}

	s.beginConversation(candidate)
}

// beginConversation clears any prior history, seeds the system and greeting
// turns, and requests the model's opening reply.
func (s *Session) beginConversation(lang string) {
	systemTurn := model.NewTurn(model.RoleSystem,
		"You are a helpful assistant. Always reply in "+lang+".")
	greeting := model.NewTurn(model.RoleUser, "Hello!")

	s.mu.Lock()
	s.targetLang = lang
	s.history = model.History{}
	s.history.Append(systemTurn)
	context0 := s.history.Snapshot()
	s.history.Append(greeting)
	s.state = StateActive
	s.mu.Unlock()

	if s.rec != nil {
		id, err := s.rec.BeginConversation(context.Background(), lang)
		if err != nil {
			s.logger.Warn("transcript recording disabled", "error", err)
			s.rec = nil
		} else {
			s.mu.Lock()
			s.conversationID = id
			s.mu.Unlock()
			s.record(systemTurn)
			s.record(greeting)
		}
	}

	s.emit(Event{Kind: EventInfo, Text: "Language set to " + lang + ". Starting the conversation..."})
	s.generate(context0, greeting.Content)
	s.emit(Event{Kind: EventPrompt, Text: promptChat})
}

// =============================================================================
// ACTIVE CONVERSATION
// =============================================================================

// chat appends the user turn and requests a reply. The request history is
// the context preceding the new text, which travels separately as
// latestUser. The user turn stays in history even when generation fails.
func (s *Session) chat(text string) {
	userTurn := model.NewTurn(model.RoleUser, text)
	s.mu.Lock()
	ctxTurns := s.history.Snapshot()
	s.history.Append(userTurn)
	s.mu.Unlock()
	s.record(userTurn)

	s.generate(ctxTurns, text)
	s.emit(Event{Kind: EventPrompt, Text: promptChat})
}

// generate performs one driver exchange against the given history context.
func (s *Session) generate(ctxTurns model.History, latestUser string) {
	s.mu.RLock()
	req := model.NewGenerationRequest(s.targetLang, ctxTurns, latestUser)
	s.mu.RUnlock()

	text, err := s.drv.Generate(context.Background(), req)
	if err != nil {
		s.logger.Error("generation failed", "error", err)
		s.emit(Event{Kind: EventError, Text: "Model error: " + err.Error()})
		return
	}

	assistantTurn := model.NewTurn(model.RoleAssistant, text)
	s.mu.Lock()
	s.history.Append(assistantTurn)
	s.mu.Unlock()
	s.record(assistantTurn)

	s.emit(Event{Kind: EventAssistant, Text: text})
}

func (s *Session) record(turn model.Turn) {
	if s.rec == nil {
		return
	}
	s.mu.RLock()
	id := s.conversationID
	s.mu.RUnlock()
	if id == "" {
		return
	}
	if err := s.rec.RecordTurn(context.Background(), id, turn); err != nil {
		s.logger.Warn("failed to record turn", "error", err)
	}
}
