// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/jeranaias/lingua/internal/model"
)

func openStore(t *testing.T) *TranscriptStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "transcripts.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndReadBack(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	id, err := s.BeginConversation(ctx, "es")
	if err != nil {
		t.Fatalf("BeginConversation() error = %v", err)
	}
	if id == "" {
		t.Fatal("BeginConversation() returned empty id")
	}

	turns := []model.Turn{
		model.NewTurn(model.RoleSystem, "You are a helpful assistant. Always reply in es."),
		model.NewTurn(model.RoleUser, "Hello!"),
		model.NewTurn(model.RoleAssistant, "¡Hola!"),
	}
	for _, turn := range turns {
		if err := s.RecordTurn(ctx, id, turn); err != nil {
			t.Fatalf("RecordTurn() error = %v", err)
		}
	}

	history, err := s.Turns(ctx, id)
	if err != nil {
		t.Fatalf("Turns() error = %v", err)
	}
	if history.Len() != 3 {
		t.Fatalf("Turns() returned %d turns, want 3", history.Len())
	}
	for i, turn := range history {
		if turn.Role != turns[i].Role || turn.Content != turns[i].Content {
			t.Errorf("turn %d = %v/%q, want %v/%q",
				i, turn.Role, turn.Content, turns[i].Role, turns[i].Content)
		}
	}

	conv, err := s.GetConversation(ctx, id)
	if err != nil {
		t.Fatalf("GetConversation() error = %v", err)
	}
	if conv.TargetLang != "es" || conv.TurnCount != 3 {
		t.Errorf("conversation = %+v", conv)
	}
}

func TestListConversationsNewestFirst(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	for _, lang := range []string{"es", "fr"} {
		id, err := s.BeginConversation(ctx, lang)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.RecordTurn(ctx, id, model.NewTurn(model.RoleUser, "Hello!")); err != nil {
			t.Fatal(err)
		}
	}

	convs, err := s.ListConversations(ctx)
	if err != nil {
		t.Fatalf("ListConversations() error = %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("got %d conversations, want 2", len(convs))
	}
	for _, c := range convs {
		if c.TurnCount != 1 {
			t.Errorf("conversation %s has %d turns, want 1", c.ID, c.TurnCount)
		}
	}
}

func TestGetConversationNotFound(t *testing.T) {
	s := openStore(t)
	if _, err := s.GetConversation(context.Background(), "no-such-id"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetConversation() = %v, want ErrNotFound", err)
	}
}

func TestDeleteConversationCascades(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	id, err := s.BeginConversation(ctx, "de")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.RecordTurn(ctx, id, model.NewTurn(model.RoleUser, "Hallo!")); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteConversation(ctx, id); err != nil {
		t.Fatalf("DeleteConversation() error = %v", err)
	}

	history, err := s.Turns(ctx, id)
	if err != nil {
		t.Fatalf("Turns() error = %v", err)
	}
	if history.Len() != 0 {
		t.Fatalf("turns survived conversation deletion: %d", history.Len())
	}

	if err := s.DeleteConversation(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second DeleteConversation() = %v, want ErrNotFound", err)
	}
}
