package repo

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/protu-ai/chat-service/internal/domain"
)

func newChatRepoDB(t *testing.T, migrate ...any) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("chat_repo_test_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	// Ensure the file handle is released before TempDir cleanup (Windows needs this).
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	if len(migrate) > 0 {
		if err := db.AutoMigrate(migrate...); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
	}
	return db
}

// newFullDB migrates every model the service owns.
func newFullDB(t *testing.T) *gorm.DB {
	t.Helper()
	return newChatRepoDB(t, &domain.Chat{}, &domain.Message{}, &domain.UserReplica{}, &domain.Idempotency{})
}

func TestCreateChat_Error_NoTable(t *testing.T) {
	db := newChatRepoDB(t /* no migrations */)
	chat, err := CreateChat(context.Background(), db, "u1", "t")
	if err == nil || chat != nil {
		t.Fatalf("expected error creating without table, got chat=%v err=%v", chat, err)
	}
}

func TestCreateChat_Success_ULIDAndFields(t *testing.T) {
	db := newChatRepoDB(t, &domain.Chat{})

	start := time.Now().UTC().Add(-time.Minute)
	chat, err := CreateChat(context.Background(), db, "u1", "My Chat")
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	if len(chat.ID) != 26 || chat.UserID != "u1" || chat.Name != "My Chat" {
		t.Fatalf("unexpected Chat fields: %+v", chat)
	}
	if chat.CreatedAt.Before(start) || !chat.UpdatedAt.Equal(chat.CreatedAt) {
		t.Fatalf("timestamps unexpected: %+v", chat)
	}

	var got domain.Chat
	if err := db.First(&got, "id = ?", chat.ID).Error; err != nil {
		t.Fatalf("load created chat: %v", err)
	}
	if got.UserID != "u1" || got.Name != "My Chat" {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
}

func TestCreateChat_IDsSortByCreation(t *testing.T) {
	db := newChatRepoDB(t, &domain.Chat{})
	ctx := context.Background()

	a, err := CreateChat(ctx, db, "u1", "a")
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	b, err := CreateChat(ctx, db, "u1", "b")
	if err != nil {
		t.Fatalf("create b: %v", err)
	}
	if !(a.ID < b.ID) {
		t.Fatalf("expected %q < %q", a.ID, b.ID)
	}
}

func TestCountChats(t *testing.T) {
	ctx := context.Background()

	if _, err := CountChats(ctx, newChatRepoDB(t), "u1"); err == nil {
		t.Fatalf("expected error without table")
	}

	db := newChatRepoDB(t, &domain.Chat{})
	for _, u := range []string{"u1", "u1", "u2"} {
		if _, err := CreateChat(ctx, db, u, "x"); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	n, err := CountChats(ctx, db, "u1")
	if err != nil || n != 2 {
		t.Fatalf("CountChats = %d, %v; want 2", n, err)
	}
}

func TestListChatsPage_NewestFirstAndFiltered(t *testing.T) {
	db := newChatRepoDB(t, &domain.Chat{})
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		c := &domain.Chat{ID: fmt.Sprintf("c%d", i), UserID: "u1", Name: fmt.Sprintf("n%d", i), CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := db.Create(c).Error; err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	if err := db.Create(&domain.Chat{ID: "other", UserID: "u2", Name: "x", CreatedAt: base.Add(time.Hour)}).Error; err != nil {
		t.Fatalf("seed other: %v", err)
	}

	page1, err := ListChatsPage(ctx, db, "u1", 0, 2)
	if err != nil {
		t.Fatalf("page1: %v", err)
	}
	if len(page1) != 2 || page1[0].ID != "c4" || page1[1].ID != "c3" {
		t.Fatalf("unexpected page1: %+v", page1)
	}
	page3, err := ListChatsPage(ctx, db, "u1", 4, 2)
	if err != nil {
		t.Fatalf("page3: %v", err)
	}
	if len(page3) != 1 || page3[0].ID != "c0" {
		t.Fatalf("unexpected page3: %+v", page3)
	}
}

func TestFindChat_FoundAndNotFound(t *testing.T) {
	db := newChatRepoDB(t, &domain.Chat{})
	ctx := context.Background()

	c, err := CreateChat(ctx, db, "u1", "t")
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	got, err := FindChat(ctx, db, c.ID)
	if err != nil || got.UserID != "u1" {
		t.Fatalf("FindChat = %+v, %v", got, err)
	}
	if _, err := FindChat(ctx, db, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateChatName_SuccessAndNotFound(t *testing.T) {
	db := newChatRepoDB(t, &domain.Chat{})
	ctx := context.Background()

	c, err := CreateChat(ctx, db, "u1", "old")
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if err := UpdateChatName(ctx, db, c.ID, "u1", "new"); err != nil {
		t.Fatalf("UpdateChatName: %v", err)
	}
	got, _ := FindChat(ctx, db, c.ID)
	if got.Name != "new" || !got.UpdatedAt.After(c.UpdatedAt) {
		t.Fatalf("rename not applied or updatedAt not bumped: %+v (was %+v)", got, c)
	}

	if err := UpdateChatName(ctx, db, c.ID, "u2", "hijack"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign owner should not match, got %v", err)
	}
	if err := UpdateChatName(ctx, db, "missing", "u1", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteChat_RemovesMessagesAndIdempotency(t *testing.T) {
	db := newFullDB(t)
	ctx := context.Background()

	c, err := CreateChat(ctx, db, "u1", "t")
	if err != nil {
		t.Fatalf("seed chat: %v", err)
	}
	keep, _ := CreateChat(ctx, db, "u1", "keep")
	for _, chatID := range []string{c.ID, c.ID, keep.ID} {
		if _, err := CreateMessage(ctx, db, NewMessage{ChatID: chatID, Role: domain.RoleUser, Content: "x"}); err != nil {
			t.Fatalf("seed message: %v", err)
		}
	}
	if _, err := CreateIdempotency(ctx, db, IdempotencyRecord{UserID: "u1", Scope: c.ID, Key: "k", ChatID: c.ID, UserMessageID: "m", Status: 201}, time.Hour); err != nil {
		t.Fatalf("seed idem: %v", err)
	}

	if err := DeleteChat(ctx, db, c.ID, "u2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign delete should be ErrNotFound, got %v", err)
	}
	if err := DeleteChat(ctx, db, c.ID, "u1"); err != nil {
		t.Fatalf("DeleteChat: %v", err)
	}

	if n, _ := CountMessages(ctx, db, c.ID); n != 0 {
		t.Fatalf("messages should be gone, got %d", n)
	}
	if n, _ := CountMessages(ctx, db, keep.ID); n != 1 {
		t.Fatalf("other chat's messages must survive, got %d", n)
	}
	var idem int64
	db.Model(&domain.Idempotency{}).Where("chat_id = ?", c.ID).Count(&idem)
	if idem != 0 {
		t.Fatalf("idempotency rows should be gone, got %d", idem)
	}
	if err := DeleteChat(ctx, db, c.ID, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete should be ErrNotFound, got %v", err)
	}
}
