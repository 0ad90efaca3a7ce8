package bbolt

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/fablehost/fable/internal/chat"
	"github.com/fablehost/fable/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "fable.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
	})
	return store
}

func TestCharacterLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	character := chat.Character{
		ID:          chat.NewID(),
		Name:        "Mira",
		Description: "A wandering cartographer",
		Personality: "curious",
	}
	if err := store.CreateCharacter(ctx, character); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.GetCharacter(ctx, character.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "Mira" || got.Personality != "curious" {
		t.Fatalf("unexpected character %+v", got)
	}

	all, err := store.ListCharacters(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 character, got %d", len(all))
	}

	if err := store.DeleteCharacter(ctx, character.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetCharacter(ctx, character.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.DeleteCharacter(ctx, character.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double delete, got %v", err)
	}
}

func TestCloseDrainsQueuedWrites(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "fable.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	done := make(chan error, 1)
	store.writes <- writeTask{fn: func(tx *bbolt.Tx) error { return nil }, done: done}

	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("queued write failed: %v", err)
		}
	default:
		t.Fatal("queued write dropped at close")
	}
}

func TestWriteAfterCloseFailsFast(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "fable.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	err = store.CreateCharacter(context.Background(), chat.Character{ID: chat.NewID(), Name: "late"})
	if !errors.Is(err, errStoreClosed) {
		t.Fatalf("err = %v, want store closed", err)
	}
}

func TestChatLifecycleAndFilter(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	mira := chat.NewID()
	other := chat.NewID()
	first := chat.Chat{ID: chat.NewID(), CharacterID: mira, Title: "first", CreatedAt: time.Now().UTC()}
	second := chat.Chat{ID: chat.NewID(), CharacterID: other, Title: "second", CreatedAt: time.Now().UTC().Add(time.Second)}
	for _, c := range []chat.Chat{first, second} {
		if err := store.CreateChat(ctx, c); err != nil {
			t.Fatalf("create chat: %v", err)
		}
	}

	all, err := store.ListChats(ctx, nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 chats, got %d", len(all))
	}

	filtered, err := store.ListChats(ctx, &mira)
	if err != nil {
		t.Fatalf("list filtered: %v", err)
	}
	if len(filtered) != 1 || filtered[0].Title != "first" {
		t.Fatalf("unexpected filtered chats %+v", filtered)
	}

	if err := store.DeleteChat(ctx, first.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetChat(ctx, first.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendMessagePreservesOrder(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	c := chat.Chat{ID: chat.NewID(), CharacterID: chat.NewID(), CreatedAt: time.Now().UTC()}
	if err := store.CreateChat(ctx, c); err != nil {
		t.Fatalf("create chat: %v", err)
	}

	for _, content := range []string{"hello", "hi there", "how are you"} {
		if err := store.AppendMessage(ctx, c.ID, chat.NewMessage(chat.RoleUser, content)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := store.GetChat(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got.Messages))
	}
	if got.Messages[2].Content != "how are you" {
		t.Fatalf("messages out of order: %+v", got.Messages)
	}

	if err := store.AppendMessage(ctx, uuid.New(), chat.NewMessage(chat.RoleUser, "x")); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown chat, got %v", err)
	}
}

func TestAlternativesActivateLatest(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	c := chat.Chat{ID: chat.NewID(), CreatedAt: time.Now().UTC()}
	if err := store.CreateChat(ctx, c); err != nil {
		t.Fatalf("create chat: %v", err)
	}
	msg := chat.NewMessage(chat.RoleAssistant, "original")
	if err := store.AppendMessage(ctx, c.ID, msg); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := store.AppendAlternative(ctx, c.ID, msg.ID, "take two"); err != nil {
		t.Fatalf("append alternative: %v", err)
	}
	if err := store.AppendAlternative(ctx, c.ID, msg.ID, "take three"); err != nil {
		t.Fatalf("append alternative: %v", err)
	}

	got, err := store.GetChat(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	stored := got.Messages[0]
	if stored.VariantCount() != 3 {
		t.Fatalf("expected 3 variants, got %d", stored.VariantCount())
	}
	if stored.ActiveContent() != "take three" {
		t.Fatalf("latest alternative should be active, got %q", stored.ActiveContent())
	}

	if err := store.SetActiveAlternative(ctx, c.ID, msg.ID, 0); err != nil {
		t.Fatalf("set active: %v", err)
	}
	got, _ = store.GetChat(ctx, c.ID)
	if got.Messages[0].ActiveContent() != "original" {
		t.Fatalf("expected original active, got %q", got.Messages[0].ActiveContent())
	}

	if err := store.SetActiveAlternative(ctx, c.ID, msg.ID, 5); err == nil {
		t.Fatal("expected error for out-of-range index")
	}
	if err := store.AppendAlternative(ctx, c.ID, uuid.New(), "x"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown message, got %v", err)
	}
}
