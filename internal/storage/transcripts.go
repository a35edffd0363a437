// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage persists conversation transcripts in a local SQLite
// database.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/lingua/internal/model"
)

// =============================================================================
// SCHEMA
// =============================================================================

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id          TEXT PRIMARY KEY,
	target_lang TEXT NOT NULL,
	started_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS turns (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	seq             INTEGER NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	created_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, seq);
`

// =============================================================================
// TRANSCRIPT STORE
// =============================================================================

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

// Conversation is a stored conversation header.
type Conversation struct {
	ID         string
	TargetLang string
	StartedAt  time.Time
	TurnCount  int
}

// TranscriptStore records conversations and their turns.
type TranscriptStore struct {
	db *sql.DB
}

// Open opens (or creates) the transcript database at path.
func Open(path string) (*TranscriptStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &TranscriptStore{db: db}, nil
}

// Close releases the database handle.
func (s *TranscriptStore) Close() error {
	return s.db.Close()
}

// BeginConversation creates a new conversation record and returns its ID.
func (s *TranscriptStore) BeginConversation(ctx context.Context, targetLang string) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO conversations (id, target_lang, started_at) VALUES (?, ?, ?)",
		id, targetLang, time.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("failed to create conversation: %w", err)
	}
	return id, nil
}

// RecordTurn appends one turn to a conversation.
func (s *TranscriptStore) RecordTurn(ctx context.Context, conversationID string, turn model.Turn) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var seq int
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM turns WHERE conversation_id = ?",
		conversationID).Scan(&seq); err != nil {
		return fmt.Errorf("failed to assign turn sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO turns (conversation_id, seq, role, content, created_at) VALUES (?, ?, ?, ?, ?)",
		conversationID, seq, turn.Role.String(), turn.Content, turn.Timestamp.Unix())
	if err != nil {
		return fmt.Errorf("failed to record turn: %w", err)
	}

	return tx.Commit()
}

// ListConversations returns stored conversations, newest first.
func (s *TranscriptStore) ListConversations(ctx context.Context) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.target_lang, c.started_at, COUNT(t.id)
		FROM conversations c
		LEFT JOIN turns t ON t.conversation_id = c.id
		GROUP BY c.id
		ORDER BY c.started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		var startedAt int64
		if err := rows.Scan(&c.ID, &c.TargetLang, &startedAt, &c.TurnCount); err != nil {
			return nil, err
		}
		c.StartedAt = time.Unix(startedAt, 0)
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetConversation returns one conversation header.
func (s *TranscriptStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	var c Conversation
	var startedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT c.id, c.target_lang, c.started_at, COUNT(t.id)
		FROM conversations c
		LEFT JOIN turns t ON t.conversation_id = c.id
		WHERE c.id = ?
		GROUP BY c.id`, id).Scan(&c.ID, &c.TargetLang, &startedAt, &c.TurnCount)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	c.StartedAt = time.Unix(startedAt, 0)
	return c, nil
}

// Turns returns a conversation's turns in recorded order.
func (s *TranscriptStore) Turns(ctx context.Context, conversationID string) (model.History, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT role, content, created_at FROM turns WHERE conversation_id = ? ORDER BY seq",
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load turns: %w", err)
	}
	defer rows.Close()

	var history model.History
	for rows.Next() {
		var role, content string
		var createdAt int64
		if err := rows.Scan(&role, &content, &createdAt); err != nil {
			return nil, err
		}
		history = append(history, model.Turn{
			Role:      model.Role(role),
			Content:   content,
			Timestamp: time.Unix(createdAt, 0),
		})
	}
	return history, rows.Err()
}

// DeleteConversation removes a conversation and its turns.
func (s *TranscriptStore) DeleteConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
