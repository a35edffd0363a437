// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cli.go - CLI parsing and command handlers for lingua.
package cli

import (
	"fmt"
	"os"
	"strings"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command represents the CLI command to execute.
type Command int

const (
	CmdChat Command = iota
	CmdStatus
	CmdHistory
	CmdVersion
	CmdHelp
)

// Args holds parsed CLI arguments.
type Args struct {
	// Global flags
	Model   string
	Script  string
	Runtime string
	Stub    bool
	NoStore bool
	Quiet   bool
	Verbose bool

	// Command-specific
	ConversationID string

	// Raw args (remaining after flag parsing)
	Raw []string
}

const usageText = `lingua - practice a language with a local LLM

Lingua runs a local model worker and holds a conversation with you in the
language of your choice. The model itself decides which languages it can
speak; pick one at the prompt and start chatting.

Usage:
  lingua                     Start an interactive chat (default)
  lingua chat                Same as above
  lingua status              Check worker and model health
  lingua history             List stored conversations
  lingua history <id>        Print one conversation transcript
  lingua version             Show version information
  lingua help                Show this help

Global Flags:
  --model NAME    Override the model identifier
  --script PATH   Override the worker script path
  --runtime NAME  Override the worker interpreter (default: python3)
  --stub          Use the built-in stub model (no worker process)
  --no-store      Do not record the conversation transcript
  -q, --quiet     Minimal output
  -v, --verbose   Debug output

Interactive Commands (during chat):
  exit, quit      End the conversation
  Ctrl+D          End the conversation

Environment:
  LINGUA_MODEL, LINGUA_SCRIPT, LINGUA_RUNTIME, LINGUA_MAX_TOKENS
  LLM_MODEL_ID, LLM_SCRIPT_PATH (legacy aliases)

Examples:
  lingua                              Chat with the default model
  lingua --model Qwen/Qwen2.5-7B-Instruct
  lingua --stub                       Try the UI without a model runtime
  lingua status                       Verify the worker can start
  lingua history                      Browse past conversations

Version: %s
`

// PrintUsage prints the usage/help text.
func PrintUsage() {
	fmt.Printf(usageText, Version)
}

// PrintVersion prints version information.
func PrintVersion() {
	fmt.Printf("lingua version %s\n", Version)
	fmt.Printf("  Git commit: %s\n", GitCommit)
	fmt.Printf("  Build date: %s\n", BuildDate)
}

// Parse parses command-line arguments and returns the command and args.
func Parse() (Command, Args) {
	return ParseArgs(os.Args[1:])
}

// ParseArgs parses the given arguments. Split out from Parse for testing.
func ParseArgs(raw []string) (Command, Args) {
	remaining, args := parseGlobalFlags(raw)

	// No command defaults to chat.
	if len(remaining) == 0 {
		return CmdChat, args
	}

	cmd := strings.ToLower(remaining[0])
	remaining = remaining[1:]
	args.Raw = remaining

	switch cmd {
	case "chat":
		return CmdChat, args

	case "status", "s":
		return CmdStatus, args

	case "history", "transcripts":
		if len(remaining) > 0 {
			args.ConversationID = remaining[0]
		}
		return CmdHistory, args

	case "version", "--version":
		return CmdVersion, args

	case "help", "-h", "--help":
		return CmdHelp, args

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		return CmdHelp, args
	}
}

// parseGlobalFlags extracts global flags, returning the remaining arguments.
func parseGlobalFlags(raw []string) ([]string, Args) {
	var args Args
	var remaining []string

	i := 0
	for i < len(raw) {
		arg := raw[i]
		switch arg {
		case "--model", "-m":
			if i+1 < len(raw) {
				args.Model = raw[i+1]
				i += 2
				continue
			}
			i++
		case "--script":
			if i+1 < len(raw) {
				args.Script = raw[i+1]
				i += 2
				continue
			}
			i++
		case "--runtime":
			if i+1 < len(raw) {
				args.Runtime = raw[i+1]
				i += 2
				continue
			}
			i++
		case "--stub":
			args.Stub = true
			i++
		case "--no-store":
			args.NoStore = true
			i++
		case "--quiet", "-q":
			args.Quiet = true
			i++
		case "--verbose", "-v":
			args.Verbose = true
			i++
		default:
			switch {
			case strings.HasPrefix(arg, "--model="):
				args.Model = strings.TrimPrefix(arg, "--model=")
			case strings.HasPrefix(arg, "--script="):
				args.Script = strings.TrimPrefix(arg, "--script=")
			case strings.HasPrefix(arg, "--runtime="):
				args.Runtime = strings.TrimPrefix(arg, "--runtime=")
			default:
				remaining = append(remaining, arg)
			}
			i++
		}
	}

	return remaining, args
}
