// Package services – ChatService
//
// ChatService manages the chat lifecycle: explicit creation, listing,
// ownership checks, rename and delete, plus the get-or-create step used when a
// message arrives without a chat id. Every path that touches a specific chat
// goes through VerifyOwnership.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/protu-ai/chat-service/internal/domain"
	"github.com/protu-ai/chat-service/internal/repo"
)

// ChatRepo defines the repository contract required by ChatService.
type ChatRepo interface {
	CreateChat(ctx context.Context, db *gorm.DB, userID, name string) (*domain.Chat, error)
	FindChat(ctx context.Context, db *gorm.DB, id string) (*domain.Chat, error)
	UpdateChatName(ctx context.Context, db *gorm.DB, id, userID, name string) error
	DeleteChat(ctx context.Context, db *gorm.DB, id, userID string) error
	CountChats(ctx context.Context, db *gorm.DB, userID string) (int64, error)
	ListChatsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Chat, error)
	UserExists(ctx context.Context, db *gorm.DB, publicID string) (bool, error)
}

// ChatFiles removes a chat's attachment directory after the chat is deleted.
type ChatFiles interface {
	RemoveChat(chatID string) error
}

// ChatService provides chat-level operations.
type ChatService struct {
	DB    *gorm.DB
	Repo  ChatRepo
	Files ChatFiles // optional

	// NameMaxLen caps chat names by rune length.
	NameMaxLen int
}

// NewChatService constructs a ChatService. A nil repo selects the GORM
// repository functions.
func NewChatService(db *gorm.DB, r ChatRepo) *ChatService {
	if r == nil {
		r = GormChatRepo{}
	}
	return &ChatService{DB: db, Repo: r, NameMaxLen: domain.ChatNameMaxLen}
}

// Create starts a named chat for an existing user.
func (s *ChatService) Create(ctx context.Context, userID, name string) (*domain.Chat, error) {
	name, err := s.validName(name)
	if err != nil {
		return nil, err
	}
	var chat *domain.Chat
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := s.createForUser(ctx, tx, userID, name)
		chat = c
		return err
	})
	if err != nil {
		return nil, classify("create chat", err)
	}
	return chat, nil
}

// ListPage returns a page of the user's chats, newest first, and the total.
func (s *ChatService) ListPage(ctx context.Context, userID string, page, pageSize int) ([]domain.Chat, int64, error) {
	page, pageSize = normalizePage(page, pageSize)
	offset := (page - 1) * pageSize

	total, err := s.Repo.CountChats(ctx, s.DB, userID)
	if err != nil {
		return nil, 0, databaseError("count chats", err)
	}
	if total == 0 {
		return []domain.Chat{}, 0, nil
	}
	items, err := s.Repo.ListChatsPage(ctx, s.DB, userID, offset, pageSize)
	if err != nil {
		return nil, 0, databaseError("list chats", err)
	}
	return items, total, nil
}

// VerifyOwnership loads a chat and checks that userID owns it. A missing chat
// is NotFound; a chat owned by someone else is Unauthorized.
func (s *ChatService) VerifyOwnership(ctx context.Context, chatID, userID string) (*domain.Chat, error) {
	return s.verifyOwnership(ctx, s.DB, chatID, userID)
}

func (s *ChatService) verifyOwnership(ctx context.Context, db *gorm.DB, chatID, userID string) (*domain.Chat, error) {
	chat, err := s.Repo.FindChat(ctx, db, chatID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, notFound("Chat")
	}
	if err != nil {
		return nil, databaseError("find chat", err)
	}
	if chat.UserID != userID {
		return nil, unauthorized("You do not have permission to access this chat")
	}
	return chat, nil
}

// Rename validates and applies a new name to an owned chat.
func (s *ChatService) Rename(ctx context.Context, chatID, userID, name string) (*domain.Chat, error) {
	ctx, span := otel.Tracer("services/ChatService").Start(ctx, "Rename",
		trace.WithAttributes(attribute.String("chat.id", chatID)),
	)
	defer span.End()

	name, err := s.validName(name)
	if err != nil {
		return nil, err
	}
	chat, err := s.VerifyOwnership(ctx, chatID, userID)
	if err != nil {
		return nil, err
	}
	if err := s.Repo.UpdateChatName(ctx, s.DB, chatID, userID, name); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// deleted between the check and the update
			return nil, notFound("Chat")
		}
		return nil, databaseError("rename chat", err)
	}
	updated, err := s.Repo.FindChat(ctx, s.DB, chatID)
	if err != nil {
		chat.Name = name
		return chat, nil
	}
	return updated, nil
}

// Delete removes an owned chat, its messages and its attachment directory.
// Attachment cleanup failures are logged; the chat is already gone.
func (s *ChatService) Delete(ctx context.Context, chatID, userID string) error {
	if _, err := s.VerifyOwnership(ctx, chatID, userID); err != nil {
		return err
	}
	if err := s.Repo.DeleteChat(ctx, s.DB, chatID, userID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return notFound("Chat")
		}
		return databaseError("delete chat", err)
	}
	if s.Files != nil {
		if err := s.Files.RemoveChat(chatID); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("chat_id", chatID).Msg("attachment cleanup failed")
		}
	}
	return nil
}

// Get returns an owned chat with a page of its messages, newest first.
func (s *ChatService) Get(ctx context.Context, chatID, userID string, page, pageSize int) (*domain.Chat, []domain.Message, int64, error) {
	chat, err := s.VerifyOwnership(ctx, chatID, userID)
	if err != nil {
		return nil, nil, 0, err
	}
	msgs, total, err := pageMessages(ctx, s.DB, chatID, page, pageSize)
	if err != nil {
		return nil, nil, 0, err
	}
	return chat, msgs, total, nil
}

// GetOrCreateForMessage resolves the chat a message goes to. With a chat id it
// is an ownership check. Without one, a chat named from the message content is
// created for an existing user in a single transaction; created reports that.
func (s *ChatService) GetOrCreateForMessage(ctx context.Context, userID, content, chatID string) (chat *domain.Chat, created bool, err error) {
	if strings.TrimSpace(chatID) != "" {
		chat, err = s.VerifyOwnership(ctx, chatID, userID)
		return chat, false, err
	}
	name := ProvisionalName(content)
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := s.createForUser(ctx, tx, userID, name)
		chat = c
		return err
	})
	if err != nil {
		return nil, false, classify("create chat", err)
	}
	return chat, true, nil
}

func (s *ChatService) createForUser(ctx context.Context, db *gorm.DB, userID, name string) (*domain.Chat, error) {
	ok, err := s.Repo.UserExists(ctx, db, userID)
	if err != nil {
		return nil, databaseError("check user", err)
	}
	if !ok {
		return nil, notFound("User")
	}
	chat, err := s.Repo.CreateChat(ctx, db, userID, name)
	if err != nil {
		return nil, databaseError("create chat", err)
	}
	return chat, nil
}

func (s *ChatService) validName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", validationError("Chat name is required")
	}
	max := s.NameMaxLen
	if max <= 0 {
		max = domain.ChatNameMaxLen
	}
	if utf8.RuneCountInString(name) > max {
		return "", validationError(fmt.Sprintf("Chat name cannot exceed %d characters", max))
	}
	return name, nil
}

const provisionalMaxLen = 50

// ProvisionalName derives a chat name from the first four words of content.
// A name that lost words gets a trailing "..."; the result never exceeds 50
// characters, longer ones are cut to 47 plus "...". Blank content yields the
// default name.
func ProvisionalName(content string) string {
	words := strings.Fields(content)
	if len(words) == 0 {
		return domain.DefaultChatName
	}
	truncated := len(words) > 4
	if truncated {
		words = words[:4]
	}
	name := strings.Join(words, " ")
	if truncated {
		name += "..."
	}
	if r := []rune(name); len(r) > provisionalMaxLen {
		return string(r[:provisionalMaxLen-3]) + "..."
	}
	return name
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	return page, pageSize
}

// GormChatRepo adapts the repo package functions to ChatRepo.
type GormChatRepo struct{}

func (GormChatRepo) CreateChat(ctx context.Context, db *gorm.DB, userID, name string) (*domain.Chat, error) {
	return repo.CreateChat(ctx, db, userID, name)
}

func (GormChatRepo) FindChat(ctx context.Context, db *gorm.DB, id string) (*domain.Chat, error) {
	return repo.FindChat(ctx, db, id)
}

func (GormChatRepo) UpdateChatName(ctx context.Context, db *gorm.DB, id, userID, name string) error {
	return repo.UpdateChatName(ctx, db, id, userID, name)
}

func (GormChatRepo) DeleteChat(ctx context.Context, db *gorm.DB, id, userID string) error {
	return repo.DeleteChat(ctx, db, id, userID)
}

func (GormChatRepo) CountChats(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	return repo.CountChats(ctx, db, userID)
}

func (GormChatRepo) ListChatsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Chat, error) {
	return repo.ListChatsPage(ctx, db, userID, offset, limit)
}

func (GormChatRepo) UserExists(ctx context.Context, db *gorm.DB, publicID string) (bool, error) {
	return repo.UserExists(ctx, db, publicID)
}
