// Package sqlite is the SQL-backed storage implementation, for deployments
// that want the chat history in a queryable file instead of a bolt database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/fablehost/fable/internal/chat"
	"github.com/fablehost/fable/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS characters (
	id      TEXT PRIMARY KEY,
	name    TEXT NOT NULL,
	payload TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS chats (
	id           TEXT PRIMARY KEY,
	character_id TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	payload      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chats_character ON chats(character_id);
`

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("db path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// modernc's driver is single-writer; more connections just queue on the
	// file lock and surface as SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListCharacters(ctx context.Context) ([]chat.Character, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM characters ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]chat.Character, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var c chat.Character
		if err := json.Unmarshal([]byte(payload), &c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) GetCharacter(ctx context.Context, id uuid.UUID) (chat.Character, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM characters WHERE id = ?`, id.String()).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Character{}, fmt.Errorf("character %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return chat.Character{}, err
	}
	var c chat.Character
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return chat.Character{}, err
	}
	return c, nil
}

func (s *Store) CreateCharacter(ctx context.Context, character chat.Character) error {
	payload, err := json.Marshal(character)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO characters (id, name, payload) VALUES (?, ?, ?)`,
		character.ID.String(), character.Name, string(payload))
	return err
}

func (s *Store) DeleteCharacter(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM characters WHERE id = ?`, id.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("character %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) ListChats(ctx context.Context, characterID *uuid.UUID) ([]chat.Chat, error) {
	query := `SELECT payload FROM chats ORDER BY created_at`
	args := []any{}
	if characterID != nil {
		query = `SELECT payload FROM chats WHERE character_id = ? ORDER BY created_at`
		args = append(args, characterID.String())
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]chat.Chat, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var c chat.Chat
		if err := json.Unmarshal([]byte(payload), &c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) GetChat(ctx context.Context, id uuid.UUID) (chat.Chat, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM chats WHERE id = ?`, id.String()).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Chat{}, fmt.Errorf("chat %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return chat.Chat{}, err
	}
	var c chat.Chat
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return chat.Chat{}, err
	}
	return c, nil
}

func (s *Store) CreateChat(ctx context.Context, c chat.Chat) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO chats (id, character_id, created_at, payload) VALUES (?, ?, ?, ?)`,
		c.ID.String(), c.CharacterID.String(), c.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z"), string(payload))
	return err
}

func (s *Store) DeleteChat(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, id.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("chat %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) AppendMessage(ctx context.Context, chatID uuid.UUID, msg chat.Message) error {
	return s.mutateChat(ctx, chatID, func(c *chat.Chat) error {
		c.Messages = append(c.Messages, msg)
		return nil
	})
}

func (s *Store) AppendAlternative(ctx context.Context, chatID, messageID uuid.UUID, content string) error {
	return s.mutateChat(ctx, chatID, func(c *chat.Chat) error {
		msg := findMessage(c, messageID)
		if msg == nil {
			return fmt.Errorf("message %s: %w", messageID, storage.ErrNotFound)
		}
		msg.Alternatives = append(msg.Alternatives, content)
		msg.ActiveIndex = len(msg.Alternatives)
		return nil
	})
}

func (s *Store) SetActiveAlternative(ctx context.Context, chatID, messageID uuid.UUID, index int) error {
	return s.mutateChat(ctx, chatID, func(c *chat.Chat) error {
		msg := findMessage(c, messageID)
		if msg == nil {
			return fmt.Errorf("message %s: %w", messageID, storage.ErrNotFound)
		}
		if index < 0 || index >= msg.VariantCount() {
			return fmt.Errorf("alternative index %d out of range", index)
		}
		msg.ActiveIndex = index
		return nil
	})
}

// mutateChat runs a read-modify-write of one chat row in a transaction.
func (s *Store) mutateChat(ctx context.Context, chatID uuid.UUID, mutate func(*chat.Chat) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var payload string
	err = tx.QueryRowContext(ctx, `SELECT payload FROM chats WHERE id = ?`, chatID.String()).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("chat %s: %w", chatID, storage.ErrNotFound)
	}
	if err != nil {
		return err
	}
	var c chat.Chat
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return err
	}
	if err := mutate(&c); err != nil {
		return err
	}
	updated, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE chats SET payload = ? WHERE id = ?`, string(updated), chatID.String()); err != nil {
		return err
	}
	return tx.Commit()
}

func findMessage(c *chat.Chat, messageID uuid.UUID) *chat.Message {
	for i := range c.Messages {
		if c.Messages[i].ID == messageID {
			return &c.Messages[i]
		}
	}
	return nil
}
