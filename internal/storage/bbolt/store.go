// Package bbolt persists characters and chats in a single bolt file. Chats
// are stored whole, messages embedded, which matches the access pattern: the
// orchestrator always loads a full conversation.
package bbolt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/fablehost/fable/internal/chat"
	"github.com/fablehost/fable/internal/storage"
)

var (
	bucketCharacters = []byte("characters")
	bucketChats      = []byte("chats")
	bucketSchema     = []byte("schema_migrations")
)

var errStoreClosed = errors.New("store closed")

type writeTask struct {
	fn   func(tx *bbolt.Tx) error
	done chan error
}

type Store struct {
	db     *bbolt.DB
	writes chan writeTask
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("db path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}

	store := &Store{
		db:     db,
		writes: make(chan writeTask, 128),
	}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.wg.Add(1)
	go store.writer()
	return store, nil
}

// Close stops accepting writes, waits for everything already queued to land,
// then closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.writes)
	}
	s.mu.Unlock()
	s.wg.Wait()
	return s.db.Close()
}

func (s *Store) initSchema() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketCharacters, bucketChats, bucketSchema} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketSchema).Put([]byte("schema_version"), []byte("1"))
	})
}

// writer serializes all mutations through one goroutine so concurrent
// generation streams never contend on bolt's single-writer transaction. It
// runs until Close closes the channel, so every queued task gets an answer.
func (s *Store) writer() {
	defer s.wg.Done()
	for task := range s.writes {
		task.done <- s.db.Update(task.fn)
	}
}

func (s *Store) runWrite(ctx context.Context, fn func(tx *bbolt.Tx) error) error {
	t := writeTask{fn: fn, done: make(chan error, 1)}
	// Enqueue under the read lock: Close takes the write lock before closing
	// the channel, so a task either lands in the queue or fails closed.
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return errStoreClosed
	}
	select {
	case s.writes <- t:
		s.mu.RUnlock()
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) ListCharacters(ctx context.Context) ([]chat.Character, error) {
	out := make([]chat.Character, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCharacters).ForEach(func(_, v []byte) error {
			var c chat.Character
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			out = append(out, c)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) GetCharacter(ctx context.Context, id uuid.UUID) (chat.Character, error) {
	var c chat.Character
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketCharacters).Get([]byte(id.String()))
		if raw == nil {
			return fmt.Errorf("character %s: %w", id, storage.ErrNotFound)
		}
		return json.Unmarshal(raw, &c)
	})
	return c, err
}

func (s *Store) CreateCharacter(ctx context.Context, character chat.Character) error {
	raw, err := json.Marshal(character)
	if err != nil {
		return err
	}
	return s.runWrite(ctx, func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCharacters).Put([]byte(character.ID.String()), raw)
	})
}

func (s *Store) DeleteCharacter(ctx context.Context, id uuid.UUID) error {
	return s.runWrite(ctx, func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketCharacters)
		if bucket.Get([]byte(id.String())) == nil {
			return fmt.Errorf("character %s: %w", id, storage.ErrNotFound)
		}
		return bucket.Delete([]byte(id.String()))
	})
}

func (s *Store) ListChats(ctx context.Context, characterID *uuid.UUID) ([]chat.Chat, error) {
	out := make([]chat.Chat, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketChats).ForEach(func(_, v []byte) error {
			var c chat.Chat
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			if characterID != nil && c.CharacterID != *characterID {
				return nil
			}
			out = append(out, c)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) GetChat(ctx context.Context, id uuid.UUID) (chat.Chat, error) {
	var c chat.Chat
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketChats).Get([]byte(id.String()))
		if raw == nil {
			return fmt.Errorf("chat %s: %w", id, storage.ErrNotFound)
		}
		return json.Unmarshal(raw, &c)
	})
	return c, err
}

func (s *Store) CreateChat(ctx context.Context, c chat.Chat) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.runWrite(ctx, func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketChats).Put([]byte(c.ID.String()), raw)
	})
}

func (s *Store) DeleteChat(ctx context.Context, id uuid.UUID) error {
	return s.runWrite(ctx, func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketChats)
		if bucket.Get([]byte(id.String())) == nil {
			return fmt.Errorf("chat %s: %w", id, storage.ErrNotFound)
		}
		return bucket.Delete([]byte(id.String()))
	})
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

func (s *Store) mutateChat(ctx context.Context, chatID uuid.UUID, mutate func(*chat.Chat) error) error {
	return s.runWrite(ctx, func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketChats)
		raw := bucket.Get([]byte(chatID.String()))
		if raw == nil {
			return fmt.Errorf("chat %s: %w", chatID, storage.ErrNotFound)
		}
		var c chat.Chat
		if err := json.Unmarshal(raw, &c); err != nil {
			return err
		}
		if err := mutate(&c); err != nil {
			return err
		}
		updated, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(chatID.String()), updated)
	})
}

func findMessage(c *chat.Chat, messageID uuid.UUID) *chat.Message {
	for i := range c.Messages {
		if c.Messages[i].ID == messageID {
			return &c.Messages[i]
		}
	}
	return nil
}
