package repo

import (
	"context"
	"testing"
	"time"

	"github.com/protu-ai/chat-service/internal/domain"
)

func TestChatsStats_CountError_NoTable(t *testing.T) {
	db := newChatRepoDB(t /* no migrations */)
	if _, _, err := ChatsStats(context.Background(), db, "u1"); err == nil {
		t.Fatalf("expected error due to missing chats table")
	}
}

func TestChatsStats_ZeroRows(t *testing.T) {
	db := newChatRepoDB(t, &domain.Chat{})
	count, maxAt, err := ChatsStats(context.Background(), db, "u1")
	if err != nil {
		t.Fatalf("ChatsStats error: %v", err)
	}
	if count != 0 || maxAt != nil {
		t.Fatalf("expected (0, nil), got (%d, %v)", count, maxAt)
	}
}

func TestChatsStats_Success_FilterAndMax(t *testing.T) {
	db := newChatRepoDB(t, &domain.Chat{})

	t1 := time.Date(2025, 1, 2, 15, 0, 0, 0, time.UTC)
	t2 := time.Date(2025, 3, 4, 10, 30, 0, 0, time.UTC) // max for u1
	t3 := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)   // other user

	rows := []domain.Chat{
		{ID: "a", UserID: "u1", Name: "a", CreatedAt: t1, UpdatedAt: t1},
		{ID: "b", UserID: "u1", Name: "b", CreatedAt: t1, UpdatedAt: t2},
		{ID: "c", UserID: "u2", Name: "c", CreatedAt: t3, UpdatedAt: t3},
	}
	for i := range rows {
		if err := db.Create(&rows[i]).Error; err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	count, maxAt, err := ChatsStats(context.Background(), db, "u1")
	if err != nil {
		t.Fatalf("ChatsStats error: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected count 2, got %d", count)
	}
	if maxAt == nil || !maxAt.Equal(t2) {
		t.Fatalf("expected maxUpdatedAt %v, got %v", t2, maxAt)
	}
}

func TestMessagesStats_ZeroAndLatest(t *testing.T) {
	db := newChatRepoDB(t, &domain.Chat{}, &domain.Message{})
	seedChat(t, db, "c1", "u1")
	ctx := context.Background()

	if n, latest, err := MessagesStats(ctx, db, "c1"); err != nil || n != 0 || latest != nil {
		t.Fatalf("empty chat stats = %d, %v, %v", n, latest, err)
	}

	t1 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	for i, at := range []time.Time{t2, t1} {
		m := &domain.Message{ID: string(rune('a' + i)), ChatID: "c1", Role: domain.RoleUser, Content: "x", CreatedAt: at}
		if err := db.Create(m).Error; err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	n, latest, err := MessagesStats(ctx, db, "c1")
	if err != nil || n != 2 || latest == nil || !latest.Equal(t2) {
		t.Fatalf("stats = %d, %v, %v; want 2, %v", n, latest, err, t2)
	}
}
