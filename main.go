// lingua - practice a language with a local LLM.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/jeranaias/lingua/internal/cli"
	"github.com/jeranaias/lingua/internal/config"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func init() {
	// Sync version info with cli package
	cli.Version = Version
	cli.GitCommit = GitCommit
	cli.BuildDate = BuildDate
}

func main() {
	cmd, args := cli.Parse()

	switch cmd {
	case cli.CmdVersion:
		cli.PrintVersion()
		return
	case cli.CmdHelp:
		cli.PrintUsage()
		return
	}

	logger := buildLogger(args)
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	switch cmd {
	case cli.CmdChat:
		if err := cli.HandleChat(cfg, args, logger); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case cli.CmdStatus:
		if err := cli.HandleStatus(cfg, args, logger); err != nil {
			os.Exit(1)
		}
	case cli.CmdHistory:
		if err := cli.HandleHistory(cfg, args, logger); err != nil {
			os.Exit(1)
		}
	default:
		cli.PrintUsage()
		os.Exit(1)
	}
}

// buildLogger maps the verbosity flags onto a stderr text handler. Logs go
// to stderr so they never interleave with the conversation on stdout.
func buildLogger(args cli.Args) *slog.Logger {
	level := slog.LevelWarn
	switch {
	case args.Verbose:
		level = slog.LevelDebug
	case args.Quiet:
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
