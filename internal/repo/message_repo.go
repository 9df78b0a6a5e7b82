// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Message model.
// Messages are append-only: there is no update or single-row delete here.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/protu-ai/chat-service/internal/domain"
)

// NewMessage carries the fields of a message to append.
type NewMessage struct {
	ChatID  string
	Role    string
	Content string

	AttachmentPath string
	AttachmentName string
	AttachmentType string
	AttachmentSize int64

	// ReplyToID links a model message to the user message it answers.
	ReplyToID string
}

// CreateMessage appends a message row.
func CreateMessage(ctx context.Context, db *gorm.DB, in NewMessage) (*domain.Message, error) {
	m := &domain.Message{
		ID:        uuid.NewString(),
		ChatID:    in.ChatID,
		Role:      in.Role,
		Content:   in.Content,
		ReplyToID: optString(in.ReplyToID),
		CreatedAt: time.Now().UTC(),
	}
	if in.AttachmentPath != "" {
		m.AttachmentPath = optString(in.AttachmentPath)
		m.AttachmentName = optString(in.AttachmentName)
		m.AttachmentType = optString(in.AttachmentType)
		size := in.AttachmentSize
		m.AttachmentSize = &size
	}
	if err := db.WithContext(ctx).Create(m).Error; err != nil {
		return nil, err
	}
	if m.Role == domain.RoleUser {
		m.HasReply = boolPtr(false)
	}
	return m, nil
}

// CountMessages uses a raw COUNT so a missing table surfaces as an error.
func CountMessages(ctx context.Context, db *gorm.DB, chatID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw("SELECT COUNT(*) FROM messages WHERE chat_id = ?", chatID).Scan(&total).Error
	return total, err
}

// ListMessagesPage returns a page of a chat's messages, newest first, with
// HasReply filled for user messages.
func ListMessagesPage(ctx context.Context, db *gorm.DB, chatID string, offset, limit int) ([]domain.Message, error) {
	var out []domain.Message
	err := db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("created_at DESC, id DESC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	if err := fillHasReply(ctx, db, out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetMessage fetches a message by ID.
func GetMessage(ctx context.Context, db *gorm.DB, id string) (*domain.Message, error) {
	var m domain.Message
	if err := db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	one := []domain.Message{m}
	if err := fillHasReply(ctx, db, one); err != nil {
		return nil, err
	}
	return &one[0], nil
}

func fillHasReply(ctx context.Context, db *gorm.DB, msgs []domain.Message) error {
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == domain.RoleUser {
			ids = append(ids, m.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	var replied []string
	err := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("reply_to_id IN ?", ids).
		Pluck("reply_to_id", &replied).Error
	if err != nil {
		return err
	}
	set := make(map[string]struct{}, len(replied))
	for _, id := range replied {
		set[id] = struct{}{}
	}
	for i := range msgs {
		if msgs[i].Role != domain.RoleUser {
			continue
		}
		_, ok := set[msgs[i].ID]
		msgs[i].HasReply = boolPtr(ok)
	}
	return nil
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func boolPtr(b bool) *bool { return &b }
