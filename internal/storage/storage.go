// Package storage defines the persistence interface the chat host consumes.
// Two backends implement it: bbolt (default) and sqlite.
package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/fablehost/fable/internal/chat"
)

// ErrNotFound is returned for a missing character, chat or message and is
// distinguishable with errors.Is.
var ErrNotFound = errors.New("not found")

type Store interface {
	ListCharacters(ctx context.Context) ([]chat.Character, error)
	GetCharacter(ctx context.Context, id uuid.UUID) (chat.Character, error)
	CreateCharacter(ctx context.Context, character chat.Character) error
	DeleteCharacter(ctx context.Context, id uuid.UUID) error

	ListChats(ctx context.Context, characterID *uuid.UUID) ([]chat.Chat, error)
	GetChat(ctx context.Context, id uuid.UUID) (chat.Chat, error)
	CreateChat(ctx context.Context, c chat.Chat) error
	DeleteChat(ctx context.Context, id uuid.UUID) error

	AppendMessage(ctx context.Context, chatID uuid.UUID, msg chat.Message) error
	// AppendAlternative adds a regeneration variant to an existing message and
	// makes it the active one.
	AppendAlternative(ctx context.Context, chatID, messageID uuid.UUID, content string) error
	SetActiveAlternative(ctx context.Context, chatID, messageID uuid.UUID, index int) error

	Close() error
}
