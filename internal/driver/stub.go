// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package driver

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jeranaias/lingua/internal/model"
	"github.com/jeranaias/lingua/internal/protocol"
)

// Stub is an in-process driver that fabricates replies without any worker.
// It backs --stub mode so the conversation loop, storage and rendering can
// be exercised on machines without a model runtime.
type Stub struct {
	mu     sync.Mutex
	closed bool
	turns  int
}

// NewStub returns a ready stub driver.
func NewStub() *Stub {
	return &Stub{}
}

// Initialize is a no-op; the stub is always ready.
func (s *Stub) Initialize(ctx context.Context) error {
	return nil
}

// State always reports Ready until shutdown.
func (s *Stub) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return StateUninitialized
	}
	return StateReady
}

// Generate fabricates a short reply that echoes the conversation shape.
func (s *Stub) Generate(ctx context.Context, req model.GenerationRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	s.turns++
	return fmt.Sprintf("[%s #%d] You said: %s", req.TargetLang, s.turns, req.LatestUser), nil
}

// ValidateLanguage accepts every non-empty language except the literal
// "klingon", which is rejected to let the refusal path be demonstrated.
func (s *Stub) ValidateLanguage(ctx context.Context, language string) (model.ValidationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.ValidationResult{Language: language}, ErrClosed
	}
	if strings.EqualFold(strings.TrimSpace(language), "klingon") {
		return model.ValidationResult{Language: language, Valid: false, Reason: "fictional languages are not supported"}, nil
	}
	return model.ValidationResult{Language: language, Valid: true, Reason: "Language supported"}, nil
}

// Ping reports a loaded model.
func (s *Stub) Ping(ctx context.Context) (protocol.TestResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return protocol.TestResult{}, ErrClosed
	}
	return protocol.TestResult{Status: "ok", ModelLoaded: true}, nil
}

// Tune is accepted and ignored; the stub has no generation parameters.
func (s *Stub) Tune(ctx context.Context, maxTokens int, temperature float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Shutdown marks the stub closed.
func (s *Stub) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
