package services

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"gorm.io/gorm"

	"github.com/protu-ai/chat-service/internal/domain"
	"github.com/protu-ai/chat-service/internal/repo"
)

// newServiceDB opens a migrated file-backed SQLite database and registers the
// given users in the replica.
func newServiceDB(t *testing.T, users ...string) *gorm.DB {
	t.Helper()
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "svc.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close(db) })
	for _, u := range users {
		if err := repo.UpsertUser(context.Background(), db, domain.UserReplica{PublicID: u}); err != nil {
			t.Fatalf("seed user %s: %v", u, err)
		}
	}
	return db
}

// ----- Fake repo -----

type fakeChatRepo struct {
	countUserID string
	countTotal  int64
	countErr    error

	pageOffset int
	pageLimit  int
	pageItems  []domain.Chat
	pageErr    error
}

func (r *fakeChatRepo) CreateChat(ctx context.Context, db *gorm.DB, userID, name string) (*domain.Chat, error) {
	return &domain.Chat{ID: "c1", UserID: userID, Name: name}, nil
}

func (r *fakeChatRepo) FindChat(ctx context.Context, db *gorm.DB, id string) (*domain.Chat, error) {
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeChatRepo) UpdateChatName(ctx context.Context, db *gorm.DB, id, userID, name string) error {
	return nil
}

func (r *fakeChatRepo) DeleteChat(ctx context.Context, db *gorm.DB, id, userID string) error {
	return nil
}

func (r *fakeChatRepo) CountChats(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	r.countUserID = userID
	return r.countTotal, r.countErr
}

func (r *fakeChatRepo) ListChatsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Chat, error) {
	r.pageOffset, r.pageLimit = offset, limit
	return r.pageItems, r.pageErr
}

func (r *fakeChatRepo) UserExists(ctx context.Context, db *gorm.DB, publicID string) (bool, error) {
	return true, nil
}

type fakeFiles struct {
	removed []string
	err     error
}

func (f *fakeFiles) RemoveChat(chatID string) error {
	f.removed = append(f.removed, chatID)
	return f.err
}

// ----- Tests -----

func TestNewChatService_Defaults(t *testing.T) {
	s := NewChatService(nil, nil)
	if _, ok := s.Repo.(GormChatRepo); !ok {
		t.Fatalf("nil repo should select GormChatRepo, got %T", s.Repo)
	}
	if s.NameMaxLen != domain.ChatNameMaxLen {
		t.Fatalf("NameMaxLen = %d", s.NameMaxLen)
	}
}

func TestProvisionalName(t *testing.T) {
	long := strings.Repeat("a", 20) + " " + strings.Repeat("b", 20) + " " + strings.Repeat("c", 20)
	cases := map[string]string{
		"How do closures work in JavaScript really": "How do closures work...",
		"Hello there":              "Hello there",
		"one two three four":       "one two three four",
		"  spaced\tout \n words  ": "spaced out words",
		"":                         "New Chat",
		"   \t ":                   "New Chat",
		long:                       long[:47] + "...",
		// 50 runes before the ellipsis; the marker must not push it past 50.
		"abcdefghijkl abcdefghijkl abcdefghijkl abcdefghijk more words": "abcdefghijkl abcdefghijkl abcdefghijkl abcdefgh...",
		"abcdefghijkl abcdefghijkl abcdefghijkl abc more":                "abcdefghijkl abcdefghijkl abcdefghijkl abc...",
	}
	for in, want := range cases {
		got := ProvisionalName(in)
		if got != want {
			t.Errorf("ProvisionalName(%q) = %q; want %q", in, got, want)
		}
		if n := utf8.RuneCountInString(got); n > 50 {
			t.Errorf("ProvisionalName(%q) has %d runes", in, n)
		}
	}
}

func TestCreate_ValidatesName(t *testing.T) {
	s := NewChatService(newServiceDB(t, "u1"), nil)
	ctx := context.Background()

	for _, name := range []string{"", "   ", strings.Repeat("x", 101)} {
		if _, err := s.Create(ctx, "u1", name); !errors.Is(err, ErrValidation) {
			t.Errorf("Create(%q): want ErrValidation, got %v", name, err)
		}
	}
	chat, err := s.Create(ctx, "u1", "  "+strings.Repeat("x", 100)+"  ")
	if err != nil {
		t.Fatalf("100 runes must be accepted: %v", err)
	}
	if len(chat.Name) != 100 || len(chat.ID) != 26 {
		t.Fatalf("unexpected chat %+v", chat)
	}
}

func TestCreate_UnknownUser(t *testing.T) {
	s := NewChatService(newServiceDB(t), nil)

	_, err := s.Create(context.Background(), "ghost", "Notes")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if Message(err, "") != "User not found" {
		t.Fatalf("message = %q", Message(err, ""))
	}
}

func TestListPage_DefaultsAndTotalZero(t *testing.T) {
	r := &fakeChatRepo{}
	s := NewChatService(nil, r)

	items, total, err := s.ListPage(context.Background(), "u3", 0, 0)
	if err != nil {
		t.Fatalf("ListPage error: %v", err)
	}
	if total != 0 || len(items) != 0 || items == nil {
		t.Fatalf("want empty non-nil page, got total=%d items=%v", total, items)
	}
	if r.countUserID != "u3" {
		t.Fatalf("CountChats called with user %q", r.countUserID)
	}
}

func TestListPage_CountErrorIsDatabaseError(t *testing.T) {
	sentinel := errors.New("boom")
	s := NewChatService(nil, &fakeChatRepo{countErr: sentinel})

	_, _, err := s.ListPage(context.Background(), "u4", 1, 10)
	if !errors.Is(err, ErrDatabase) || !errors.Is(err, sentinel) {
		t.Fatalf("want ErrDatabase wrapping sentinel, got %v", err)
	}
}

func TestListPage_OffsetAndLimit(t *testing.T) {
	r := &fakeChatRepo{countTotal: 42, pageItems: []domain.Chat{{ID: "x1"}, {ID: "x2"}}}
	s := NewChatService(nil, r)

	items, total, err := s.ListPage(context.Background(), "u5", 3, 10)
	if err != nil {
		t.Fatalf("ListPage: %v", err)
	}
	if total != 42 || len(items) != 2 {
		t.Fatalf("got %d items, total %d", len(items), total)
	}
	if r.pageOffset != 20 || r.pageLimit != 10 {
		t.Fatalf("offset/limit = %d/%d", r.pageOffset, r.pageLimit)
	}

	_, _, _ = s.ListPage(context.Background(), "u5", -1, -5)
	if r.pageOffset != 0 || r.pageLimit != 20 {
		t.Fatalf("defaults offset/limit = %d/%d", r.pageOffset, r.pageLimit)
	}
}

func TestListPage_NewestFirst(t *testing.T) {
	s := NewChatService(newServiceDB(t, "u1", "u2"), nil)
	ctx := context.Background()
	a, _ := s.Create(ctx, "u1", "first")
	b, _ := s.Create(ctx, "u1", "second")
	_, _ = s.Create(ctx, "u2", "not mine")

	items, total, err := s.ListPage(ctx, "u1", 1, 10)
	if err != nil {
		t.Fatalf("ListPage: %v", err)
	}
	if total != 2 || len(items) != 2 {
		t.Fatalf("total=%d len=%d", total, len(items))
	}
	if items[0].ID != b.ID || items[1].ID != a.ID {
		t.Fatalf("order = %s,%s", items[0].Name, items[1].Name)
	}
}

func TestVerifyOwnership(t *testing.T) {
	s := NewChatService(newServiceDB(t, "u1"), nil)
	ctx := context.Background()
	chat, _ := s.Create(ctx, "u1", "mine")

	if _, err := s.VerifyOwnership(ctx, "missing", "u1"); !errors.Is(err, ErrNotFound) || Message(err, "") != "Chat not found" {
		t.Fatalf("missing chat: %v", err)
	}
	if _, err := s.VerifyOwnership(ctx, chat.ID, "u2"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("foreign chat: want ErrUnauthorized, got %v", err)
	}
	got, err := s.VerifyOwnership(ctx, chat.ID, "u1")
	if err != nil || got.ID != chat.ID {
		t.Fatalf("owner: %v %v", got, err)
	}
}

func TestRename_RejectsBlankAndTooLong(t *testing.T) {
	s := NewChatService(newServiceDB(t, "u1"), nil)
	ctx := context.Background()
	chat, _ := s.Create(ctx, "u1", "Original")

	_, err := s.Rename(ctx, chat.ID, "u1", "   ")
	if !errors.Is(err, ErrValidation) || Message(err, "") != "Chat name is required" {
		t.Fatalf("blank: %v", err)
	}
	_, err = s.Rename(ctx, chat.ID, "u1", strings.Repeat("x", 101))
	if !errors.Is(err, ErrValidation) || Message(err, "") != "Chat name cannot exceed 100 characters" {
		t.Fatalf("too long: %v", err)
	}

	got, err := repo.FindChat(ctx, s.DB, chat.ID)
	if err != nil || got.Name != "Original" {
		t.Fatalf("name must be unchanged: %+v %v", got, err)
	}
}

func TestRename_LimitMessageFollowsNameMaxLen(t *testing.T) {
	s := NewChatService(newServiceDB(t, "u1"), nil)
	ctx := context.Background()
	chat, _ := s.Create(ctx, "u1", "Original")

	s.NameMaxLen = 10
	_, err := s.Rename(ctx, chat.ID, "u1", strings.Repeat("x", 11))
	if !errors.Is(err, ErrValidation) || Message(err, "") != "Chat name cannot exceed 10 characters" {
		t.Fatalf("too long: %v", err)
	}
	if _, err := s.Rename(ctx, chat.ID, "u1", strings.Repeat("x", 10)); err != nil {
		t.Fatalf("10 runes must be accepted: %v", err)
	}
}

func TestRename_ValidatesBeforeOwnership(t *testing.T) {
	s := NewChatService(newServiceDB(t, "u1"), nil)

	_, err := s.Rename(context.Background(), "no-such-chat", "u1", "")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("want ErrValidation first, got %v", err)
	}
}

func TestRename_Success(t *testing.T) {
	s := NewChatService(newServiceDB(t, "u1"), nil)
	ctx := context.Background()
	chat, _ := s.Create(ctx, "u1", "Original")

	got, err := s.Rename(ctx, chat.ID, "u1", "  Renamed  ")
	if err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if got.Name != "Renamed" {
		t.Fatalf("name = %q", got.Name)
	}
	if _, err := s.Rename(ctx, chat.ID, "u2", "Hijack"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("foreign rename: %v", err)
	}
}

func TestDelete_RemovesChatMessagesAndFiles(t *testing.T) {
	db := newServiceDB(t, "u1")
	s := NewChatService(db, nil)
	files := &fakeFiles{err: errors.New("disk gone")}
	s.Files = files
	ctx := context.Background()

	chat, _ := s.Create(ctx, "u1", "doomed")
	if _, err := repo.CreateMessage(ctx, db, repo.NewMessage{ChatID: chat.ID, Role: domain.RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("seed message: %v", err)
	}

	if err := s.Delete(ctx, chat.ID, "u2"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("foreign delete: %v", err)
	}
	if err := s.Delete(ctx, chat.ID, "u1"); err != nil {
		t.Fatalf("Delete should ignore file cleanup errors: %v", err)
	}
	if len(files.removed) != 1 || files.removed[0] != chat.ID {
		t.Fatalf("RemoveChat calls = %v", files.removed)
	}
	if n, _ := repo.CountMessages(ctx, db, chat.ID); n != 0 {
		t.Fatalf("messages left: %d", n)
	}
	if err := s.Delete(ctx, chat.ID, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}

func TestGetOrCreateForMessage(t *testing.T) {
	s := NewChatService(newServiceDB(t, "u1"), nil)
	ctx := context.Background()

	chat, created, err := s.GetOrCreateForMessage(ctx, "u1", "How do closures work in JavaScript really", "")
	if err != nil || !created {
		t.Fatalf("create: created=%v err=%v", created, err)
	}
	if chat.Name != "How do closures work..." {
		t.Fatalf("name = %q", chat.Name)
	}

	again, created, err := s.GetOrCreateForMessage(ctx, "u1", "follow up", chat.ID)
	if err != nil || created || again.ID != chat.ID {
		t.Fatalf("existing: chat=%v created=%v err=%v", again, created, err)
	}

	if _, _, err := s.GetOrCreateForMessage(ctx, "nobody", "hello", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown user: %v", err)
	}
	if _, _, err := s.GetOrCreateForMessage(ctx, "u2", "hello", chat.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("foreign chat: %v", err)
	}
}

func TestGet_ReturnsChatAndMessages(t *testing.T) {
	db := newServiceDB(t, "u1")
	s := NewChatService(db, nil)
	ctx := context.Background()
	chat, _ := s.Create(ctx, "u1", "with history")
	for _, c := range []string{"one", "two", "three"} {
		if _, err := repo.CreateMessage(ctx, db, repo.NewMessage{ChatID: chat.ID, Role: domain.RoleUser, Content: c}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	got, msgs, total, err := s.Get(ctx, chat.ID, "u1", 1, 2)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != chat.ID || total != 3 || len(msgs) != 2 {
		t.Fatalf("chat=%s total=%d len=%d", got.ID, total, len(msgs))
	}
	if _, _, _, err := s.Get(ctx, chat.ID, "u2", 1, 2); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("foreign get: %v", err)
	}
}
