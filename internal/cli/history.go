// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// history.go - stored conversation browsing.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jeranaias/lingua/internal/config"
	"github.com/jeranaias/lingua/internal/model"
	"github.com/jeranaias/lingua/internal/storage"
)

// HandleHistory lists stored conversations, or prints one transcript when
// an ID is given.
func HandleHistory(cfg *config.Config, args Args, logger *slog.Logger) error {
	ApplyColorProfile(cfg.UI.Color)

	path, err := cfg.TranscriptPath()
	if err != nil {
		return fmt.Errorf("resolving transcript path: %w", err)
	}
	store, err := storage.Open(path)
	if err != nil {
		return fmt.Errorf("opening transcript store: %w", err)
	}
	defer store.Close()

	ctx := context.Background()
	if args.ConversationID != "" {
		return printTranscript(ctx, store, args.ConversationID)
	}
	return listConversations(ctx, store)
}

func listConversations(ctx context.Context, store *storage.TranscriptStore) error {
	convs, err := store.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("listing conversations: %w", err)
	}
	if len(convs) == 0 {
		fmt.Println(InfoStyle.Render("No stored conversations yet. Start one with 'lingua chat'."))
		return nil
	}

	fmt.Println(TitleStyle.Render(fmt.Sprintf("Stored conversations (%d)", len(convs))))
	fmt.Println(RenderSeparator())
	for _, c := range convs {
		fmt.Printf("%s  %-8s %4d turns  %s\n",
			c.ID,
			c.TargetLang,
			c.TurnCount,
			InfoStyle.Render(c.StartedAt.Local().Format("2006-01-02 15:04")))
	}
	fmt.Println(InfoStyle.Render("\nPrint one with: lingua history <id>"))
	return nil
}

func printTranscript(ctx context.Context, store *storage.TranscriptStore, id string) error {
	conv, err := store.GetConversation(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			fmt.Println(ErrorStyle.Render("No conversation with ID " + id))
			return err
		}
		return fmt.Errorf("loading conversation: %w", err)
	}

	turns, err := store.Turns(ctx, id)
	if err != nil {
		return fmt.Errorf("loading turns: %w", err)
	}

	fmt.Println(TitleStyle.Render("Conversation " + conv.ID))
	fmt.Println(InfoStyle.Render("Language: " + conv.TargetLang + "    Started: " + conv.StartedAt.Local().Format("2006-01-02 15:04")))
	fmt.Println(RenderSeparator())

	for _, turn := range turns {
		label := turn.Role.DisplayName() + ":"
		switch turn.Role {
		case model.RoleSystem:
			fmt.Println(InfoStyle.Render(label + " " + turn.Content))
		case model.RoleUser:
			fmt.Println(PromptStyle.Render(label) + " " + turn.Content)
		case model.RoleAssistant:
			fmt.Println(SuccessStyle.Render(label) + " " + turn.Content)
		default:
			fmt.Println(label + " " + turn.Content)
		}
	}
	return nil
}
