// Package services – MessageService
//
// MessageService owns the append-only message log of a chat: it sanitizes
// content, appends rows and serves ownership-checked pages.
//
// Observability: public methods are OpenTelemetry-instrumented; spans carry
// chat identifiers and pagination parameters where applicable.
package services

import (
	"context"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/unicode/norm"
	"gorm.io/gorm"

	"github.com/protu-ai/chat-service/internal/domain"
	"github.com/protu-ai/chat-service/internal/repo"
)

// MessageService appends and lists messages.
type MessageService struct {
	DB    *gorm.DB
	Chats *ChatService

	// MaxContentRunes caps user message length; 0 disables the check.
	MaxContentRunes int
}

// Append writes one message. Database failures are classified as ErrDatabase.
func (s *MessageService) Append(ctx context.Context, in repo.NewMessage) (*domain.Message, error) {
	ctx, span := otel.Tracer("services/MessageService").Start(ctx, "Append",
		trace.WithAttributes(
			attribute.String("chat.id", in.ChatID),
			attribute.String("message.role", in.Role),
			attribute.Bool("message.attached", in.AttachmentPath != ""),
		),
	)
	defer span.End()

	m, err := repo.CreateMessage(ctx, s.DB, in)
	if err != nil {
		span.RecordError(err)
		return nil, databaseError("create message", err)
	}
	return m, nil
}

// ListPage returns a page of an owned chat's messages, newest first, and the
// total count.
func (s *MessageService) ListPage(ctx context.Context, chatID, userID string, page, pageSize int) ([]domain.Message, int64, error) {
	ctx, span := otel.Tracer("services/MessageService").Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("chat.id", chatID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if _, err := s.Chats.VerifyOwnership(ctx, chatID, userID); err != nil {
		return nil, 0, err
	}
	return pageMessages(ctx, s.DB, chatID, page, pageSize)
}

// SanitizeContent NFC-normalizes and trims message text, then applies the
// length cap. Empty text is allowed only when a file accompanies it.
func (s *MessageService) SanitizeContent(content string, hasFile bool) (string, error) {
	content = strings.TrimSpace(norm.NFC.String(content))
	if content == "" && !hasFile {
		return "", validationError("Message content is required")
	}
	if s.MaxContentRunes > 0 && utf8.RuneCountInString(content) > s.MaxContentRunes {
		return "", validationError("Message content is too long")
	}
	return content, nil
}

func pageMessages(ctx context.Context, db *gorm.DB, chatID string, page, pageSize int) ([]domain.Message, int64, error) {
	page, pageSize = normalizePage(page, pageSize)
	offset := (page - 1) * pageSize

	total, err := repo.CountMessages(ctx, db, chatID)
	if err != nil {
		return nil, 0, databaseError("count messages", err)
	}
	if total == 0 {
		return []domain.Message{}, 0, nil
	}
	items, err := repo.ListMessagesPage(ctx, db, chatID, offset, pageSize)
	if err != nil {
		return nil, 0, databaseError("list messages", err)
	}
	return items, total, nil
}
