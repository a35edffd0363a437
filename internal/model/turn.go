// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures shared between the conversation
// session and the model driver.
package model

import (
	"strings"
	"time"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	case RoleSystem:
		return "System"
	default:
		return string(r)
	}
}

// Valid reports whether the role is one of the known conversation roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// =============================================================================
// TURN TYPE
// =============================================================================

// Turn is a single immutable chat message with an associated role.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NewTurn creates a turn with the current timestamp.
func NewTurn(role Role, content string) Turn {
	return Turn{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// Preview returns the first maxLen characters of the content, with newlines
// collapsed, for display in transcript listings.
func (t Turn) Preview(maxLen int) string {
	s := strings.Join(strings.Fields(t.Content), " ")
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}

// =============================================================================
// HISTORY TYPE
// =============================================================================

// History is the ordered conversation history, oldest turn first.
// It is owned exclusively by one conversation session.
type History []Turn

// Append adds a turn to the history.
func (h *History) Append(t Turn) {
	*h = append(*h, t)
}

// Snapshot returns a copy of the history. Requests carry snapshots so that
// later history mutation cannot affect an in-flight request.
func (h History) Snapshot() History {
	out := make(History, len(h))
	copy(out, h)
	return out
}

// Contents returns the content of each turn in call order. Roles are not
// transmitted on the wire, only content.
func (h History) Contents() []string {
	out := make([]string, len(h))
	for i, t := range h {
		out[i] = t.Content
	}
	return out
}

// Len returns the number of turns.
func (h History) Len() int {
	return len(h)
}

// Last returns the most recent turn, or a zero Turn when empty.
func (h History) Last() Turn {
	if len(h) == 0 {
		return Turn{}
	}
	return h[len(h)-1]
}

// =============================================================================
// DRIVER REQUEST/RESULT TYPES
// =============================================================================

// GenerationRequest is the value handed to the model driver for one
// completion. History is a snapshot, never a live reference.
type GenerationRequest struct {
	TargetLang string
	History    History
	LatestUser string
}

// NewGenerationRequest builds a request from a live history, taking a
// snapshot of it.
func NewGenerationRequest(targetLang string, history History, latestUser string) GenerationRequest {
	return GenerationRequest{
		TargetLang: targetLang,
		History:    history.Snapshot(),
		LatestUser: latestUser,
	}
}

// ValidationResult is the driver's answer to a language validation probe.
type ValidationResult struct {
	Language string
	Valid    bool
	Reason   string
}
