// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package protocol implements the line-delimited JSON wire protocol spoken
// with the model worker process. Every request and response is a single
// JSON object on one newline-terminated line, except for the startup
// handshake, which is the literal line "READY".
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ReadyLine is the handshake line the worker must emit before anything else.
const ReadyLine = "READY"

// Command names understood by the worker.
const (
	CmdLoadModel = "load_model"
	CmdGenerate  = "generate"
	CmdTest      = "test"
	CmdShutdown  = "shutdown"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ViolationError reports a worker response that does not conform to the
// protocol: malformed JSON or a missing required field. It is never silently
// defaulted away.
type ViolationError struct {
	Line   string
	Reason string
	Cause  error
}

func (e *ViolationError) Error() string {
	if e.Cause != nil {
		return "protocol violation: " + e.Reason + ": " + e.Cause.Error()
	}
	return "protocol violation: " + e.Reason
}

func (e *ViolationError) Unwrap() error {
	return e.Cause
}

// violation builds a ViolationError for the given line.
func violation(line, reason string, cause error) *ViolationError {
	return &ViolationError{Line: line, Reason: reason, Cause: cause}
}

// =============================================================================
// REQUEST TYPES
// =============================================================================

// Request is the wire shape of every command sent to the worker.
type Request struct {
	Command     string   `json:"command"`
	Prompt      string   `json:"prompt,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature float64  `json:"temperature,omitempty"`
	TargetLang  string   `json:"target_lang,omitempty"`
	History     []string `json:"history,omitempty"`
}

// GenerateParams carries the inputs for one generate exchange.
type GenerateParams struct {
	Prompt      string
	MaxTokens   int
	Temperature float64
	TargetLang  string
	History     []string
}

// EncodeLoadModel returns the load_model request line (without terminator).
func EncodeLoadModel() (string, error) {
	return encode(Request{Command: CmdLoadModel})
}

// EncodeGenerate returns the generate request line for the given parameters.
func EncodeGenerate(p GenerateParams) (string, error) {
	return encode(Request{
		Command:     CmdGenerate,
		Prompt:      p.Prompt,
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
		TargetLang:  p.TargetLang,
		History:     p.History,
	})
}

// EncodeTest returns the health probe request line.
func EncodeTest() (string, error) {
	return encode(Request{Command: CmdTest})
}

// EncodeShutdown returns the shutdown request line.
func EncodeShutdown() (string, error) {
	return encode(Request{Command: CmdShutdown})
}

func encode(r Request) (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encoding %s request: %w", r.Command, err)
	}
	return string(b), nil
}

// DecodeRequest parses a request line. Used by worker simulators in tests.
func DecodeRequest(line string) (Request, error) {
	var r Request
	if err := json.Unmarshal([]byte(line), &r); err != nil {
		return Request{}, violation(line, "malformed request JSON", err)
	}
	if r.Command == "" {
		return Request{}, violation(line, "request missing command field", nil)
	}
	return r, nil
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// response is the union of all fields the worker may emit on one line.
type response struct {
	Status      *string `json:"status"`
	Text        *string `json:"text"`
	Error       *string `json:"error"`
	ModelLoaded *bool   `json:"model_loaded"`
}

// GenerateResult is the decoded outcome of a generate exchange.
type GenerateResult struct {
	Text   string
	Status string
}

// TestResult is the decoded outcome of a test exchange.
type TestResult struct {
	Status      string
	ModelLoaded bool
}

// CheckHandshake validates the very first line the worker emits.
func CheckHandshake(line string) error {
	if strings.TrimRight(line, "\r\n") != ReadyLine {
		return violation(line, fmt.Sprintf("expected %q handshake, got %q", ReadyLine, line), nil)
	}
	return nil
}

// DecodeLoadResult decodes the load_model response. Success requires the
// exact status "loaded".
func DecodeLoadResult(line string) error {
	resp, err := decode(line)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return violation(line, "worker reported load error: "+*resp.Error, nil)
	}
	if resp.Status == nil || *resp.Status != "loaded" {
		return violation(line, "load response missing status \"loaded\"", nil)
	}
	return nil
}

// DecodeGenerateResult decodes a generate response. A response carrying
// neither text nor error is a protocol violation; an error field is returned
// verbatim as WorkerError.
func DecodeGenerateResult(line string) (GenerateResult, error) {
	resp, err := decode(line)
	if err != nil {
		return GenerateResult{}, err
	}
	if resp.Text != nil {
		res := GenerateResult{Text: *resp.Text}
		if resp.Status != nil {
			res.Status = *resp.Status
		}
		return res, nil
	}
	if resp.Error != nil {
		return GenerateResult{}, &WorkerError{Message: *resp.Error}
	}
	return GenerateResult{}, violation(line, "generate response has neither text nor error", nil)
}

// DecodeTestResult decodes a test response.
func DecodeTestResult(line string) (TestResult, error) {
	resp, err := decode(line)
	if err != nil {
		return TestResult{}, err
	}
	if resp.Error != nil {
		return TestResult{}, &WorkerError{Message: *resp.Error}
	}
	if resp.Status == nil {
		return TestResult{}, violation(line, "test response missing status", nil)
	}
	res := TestResult{Status: *resp.Status}
	if resp.ModelLoaded != nil {
		res.ModelLoaded = *resp.ModelLoaded
	}
	return res, nil
}

func decode(line string) (response, error) {
	var resp response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return response{}, violation(line, "malformed response JSON", err)
	}
	return resp, nil
}

// =============================================================================
// WORKER ERROR
// =============================================================================

// WorkerError is an error the worker itself reported inside a well-formed
// response, as opposed to a protocol violation.
type WorkerError struct {
	Message string
}

func (e *WorkerError) Error() string {
	return "worker error: " + e.Message
}
